// trace-dump prints a packet trace written by hapticd as one JSON object
// per event. Sent frames are re-validated and shown with their decoded
// percentages.
//
// Usage:
//
//	trace-dump -path haptics.trace [-limit 0] [-device rotor] [-kind sent]
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
	"github.com/rehakomoon/VRCHapticsLite/pkg/trace"
)

type dumpedEvent struct {
	trace.Event
	Time    string `json:"time"`
	Hex     string `json:"hex,omitempty"`
	Percent []int  `json:"percent,omitempty"`
	Invalid string `json:"invalid,omitempty"`
}

func main() {
	var (
		path   = flag.String("path", "", "Path to trace file")
		limit  = flag.Int("limit", 0, "Number of events to dump (0 = all)")
		dev    = flag.String("device", "", "Only events for this device")
		kind   = flag.String("kind", "", "Only events of this kind (sent, dropped, state)")
		pretty = flag.Bool("pretty", false, "Indent JSON output")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	rd, err := trace.NewReader(f)
	if err != nil {
		log.Fatalf("read header: %v", err)
	}
	h := rd.Header()
	log.Printf("session=%s started=%s host=%s version=%s",
		h.Session, time.Unix(0, h.Started).Format(time.RFC3339Nano), h.Host, h.Version)

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}

	count, invalid := 0, 0
	for {
		if *limit > 0 && count >= *limit {
			break
		}
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Printf("event %d: %v", count, err)
			break
		}
		if *dev != "" && ev.Device != *dev {
			continue
		}
		if *kind != "" && string(ev.Kind) != *kind {
			continue
		}

		out := dumpedEvent{Event: ev, Time: ev.Time().Format(time.RFC3339Nano)}
		if len(ev.Frame) > 0 {
			out.Hex = hex.EncodeToString(ev.Frame)
			fr, err := protocol.DecodeFrame(ev.Frame)
			if err != nil {
				out.Invalid = err.Error()
				invalid++
			} else {
				pct := fr.Percent()
				out.Percent = make([]int, len(pct))
				for i, v := range pct {
					out.Percent[i] = int(v)
				}
			}
		}
		if err := enc.Encode(out); err != nil {
			log.Fatalf("encode event %d: %v", count, err)
		}
		count++
	}

	fmt.Fprintf(os.Stderr, "%d events, %d invalid frames\n", count, invalid)
	if invalid > 0 {
		os.Exit(1)
	}
}
