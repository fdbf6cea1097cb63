package device

import (
	"fmt"
	"time"

	"github.com/rehakomoon/VRCHapticsLite/pkg/protocol"
)

// State is the connection state of a Manager.
type State int

const (
	Uninitialized State = iota
	Connecting
	Ready
	Sending
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	default:
		return "uninitialized"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Uninitialized, Connecting, Ready, Sending} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("device: unknown state %q", text)
}

// Reason explains why a frame was not sent.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotReady     Reason = "not_ready"
	ReasonNoChannel    Reason = "no_channel"
	ReasonReopenFailed Reason = "reopen_failed"
	ReasonEncode       Reason = "encode"
	ReasonWriteFailed  Reason = "write_failed"
	ReasonCancelled    Reason = "cancelled"
	ReasonClosed       Reason = "closed"
)

// Reasons lists every drop reason, for pre-registering metrics.
var Reasons = []Reason{
	ReasonNotReady, ReasonNoChannel, ReasonReopenFailed,
	ReasonEncode, ReasonWriteFailed, ReasonCancelled, ReasonClosed,
}

// Result is the outcome of one Send.
type Result struct {
	Sent    bool
	Reason  Reason
	Err     error
	Force   bool
	Channel string
	Frame   [protocol.FRAME_LEN]byte
	At      time.Time
}

// Observer receives state transitions and send outcomes. Calls happen
// outside the manager lock and never overlap for one manager, so an
// observer may query the manager.
type Observer interface {
	StateChanged(device string, from, to State)
	FrameResult(device string, r Result)
}

// Stats are cumulative counters for one manager.
type Stats struct {
	Sent          uint64            `json:"sent"`
	Dropped       map[Reason]uint64 `json:"dropped"`
	OpenFailures  uint64            `json:"open_failures"`
	Setups        uint64            `json:"setups"`
	LastError     string            `json:"last_error,omitempty"`
	LastChannel   string            `json:"last_channel,omitempty"`
	LastSendAt    time.Time         `json:"last_send_at"`
	LastStateTime time.Time         `json:"last_state_time"`
}
