// mock-rotor simulates the rotor controller for testing the host without
// hardware. It accepts TCP connections, reads 19-byte frames and reports
// the decoded intensities:
// - resynchronises on the FA AF header after garbage
// - counts checksum failures
// - prints per-connection frame statistics on disconnect
//
// Point a device at it with channel: tcp://127.0.0.1:7190
//
// Usage:
//
//	mock-rotor -listen 127.0.0.1:7190 [-trace] [-actuators 2]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
)

// RotorState is what the simulated motors are currently doing.
type RotorState struct {
	mu sync.Mutex

	frames    uint64
	lastFrame time.Time
	percent   [protocol.FRAME_PAYLOAD_MAX]byte
}

func (s *RotorState) apply(f protocol.Frame) (gap time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.lastFrame.IsZero() {
		gap = now.Sub(s.lastFrame)
	}
	s.lastFrame = now
	s.frames++
	s.percent = f.Percent()
	return gap
}

// ConnStats summarises one client connection.
type ConnStats struct {
	Frames    int
	BadFrames int
	Skipped   int
	MinGap    time.Duration
	Elapsed   time.Duration
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:7190", "TCP listen address")
	trace := flag.Bool("trace", false, "Print every frame")
	actuators := flag.Int("actuators", 2, "Number of payload slots to print")
	flag.Parse()

	if *actuators < 1 || *actuators > protocol.FRAME_PAYLOAD_MAX {
		fmt.Fprintf(os.Stderr, "Error: -actuators must be 1..%d\n", protocol.FRAME_PAYLOAD_MAX)
		os.Exit(1)
	}

	logger := log.GetLogger("mock-rotor")

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listening: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("Mock rotor listening on tcp://%s\n", listener.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			connCh <- conn
		}
	}()

	state := &RotorState{}
	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			state.mu.Lock()
			fmt.Printf("Total frames: %d\n", state.frames)
			state.mu.Unlock()
			return
		case conn := <-connCh:
			logger.Info("client connected from %s", conn.RemoteAddr())
			go func() {
				st := handleConnection(conn, state, *trace, *actuators)
				logger.WithFields(log.Fields{
					"frames":     st.Frames,
					"bad_frames": st.BadFrames,
					"skipped":    st.Skipped,
					"min_gap":    st.MinGap.String(),
					"elapsed":    st.Elapsed.String(),
				}).Info("client disconnected")
			}()
		}
	}
}

func handleConnection(conn net.Conn, state *RotorState, trace bool, actuators int) ConnStats {
	defer conn.Close()

	start := time.Now()
	fr := protocol.NewFrameReader(conn)
	var st ConnStats
	for {
		f, err := fr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				fmt.Printf("read error: %v\n", err)
			}
			break
		}
		gap := state.apply(f)
		st.Frames++
		if gap > 0 && (st.MinGap == 0 || gap < st.MinGap) {
			st.MinGap = gap
		}
		if trace {
			pct := f.Percent()
			fmt.Printf("  <- frame %d native=% x percent=%v sum=%02x\n",
				st.Frames, f.Native[:actuators], pct[:actuators], f.Checksum)
		}
	}
	st.BadFrames = fr.BadFrames
	st.Skipped = fr.Skipped
	st.Elapsed = time.Since(start)
	return st
}
