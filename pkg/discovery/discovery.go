// Package discovery finds the serial channel a named Bluetooth controller
// is bound to.
package discovery

import (
	"strings"

	"github.com/rehakomoon/VRCHapticsLite/pkg/log"
	"github.com/rehakomoon/VRCHapticsLite/pkg/serial"
)

// Discoverer lists channels and maps a device name to one of them.
type Discoverer interface {
	// ListChannels returns every channel that could carry the controller.
	ListChannels() ([]string, error)

	// ResolveNamedChannel returns the channel of the first paired device,
	// in enumeration order, whose name contains nameSubstring
	// (case-sensitive).
	ResolveNamedChannel(nameSubstring string) (string, bool, error)
}

// Pairing is a paired Bluetooth device bound to a serial channel.
type Pairing struct {
	Channel string `json:"channel"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

// MatchName returns the first pairing whose name contains substr. An empty
// substring matches the first pairing.
func MatchName(pairings []Pairing, substr string) (Pairing, bool) {
	for _, p := range pairings {
		if strings.Contains(p.Name, substr) {
			return p, true
		}
	}
	return Pairing{}, false
}

// Host discovers channels on the running machine.
type Host struct {
	listPorts func() ([]string, error)
	pairings  func() ([]Pairing, error)
	logger    *log.Logger
}

// NewHost returns a discoverer backed by the OS port list and the OS
// Bluetooth pairing store.
func NewHost() *Host {
	return &Host{
		listPorts: serial.ListPorts,
		pairings:  hostPairings,
		logger:    log.GetLogger("discovery"),
	}
}

// Pairings returns the bound pairings in the order the OS enumerates them.
func (h *Host) Pairings() ([]Pairing, error) {
	return h.pairings()
}

// ListChannels implements Discoverer. Pairing channels the port list
// missed are appended.
func (h *Host) ListChannels() ([]string, error) {
	ports, err := h.listPorts()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		seen[p] = true
	}
	ps, err := h.Pairings()
	if err != nil {
		h.logger.Warn("reading bluetooth pairings: %v", err)
		return ports, nil
	}
	for _, p := range ps {
		if !seen[p.Channel] {
			seen[p.Channel] = true
			ports = append(ports, p.Channel)
		}
	}
	return ports, nil
}

// ResolveNamedChannel implements Discoverer.
func (h *Host) ResolveNamedChannel(nameSubstring string) (string, bool, error) {
	ps, err := h.Pairings()
	if err != nil {
		return "", false, err
	}
	p, ok := MatchName(ps, nameSubstring)
	if ok {
		h.logger.Debug("%q matched %s (%s) on %s", nameSubstring, p.Name, p.Address, p.Channel)
	}
	return p.Channel, ok, nil
}

// Static serves a fixed channel list and channel -> name map.
type Static struct {
	Channels []string
	Names    map[string]string
}

// ListChannels implements Discoverer.
func (s *Static) ListChannels() ([]string, error) {
	out := make([]string, len(s.Channels))
	copy(out, s.Channels)
	return out, nil
}

// ResolveNamedChannel implements Discoverer, checking channels in list
// order.
func (s *Static) ResolveNamedChannel(nameSubstring string) (string, bool, error) {
	ps := make([]Pairing, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if name, ok := s.Names[ch]; ok {
			ps = append(ps, Pairing{Channel: ch, Name: name})
		}
	}
	p, ok := MatchName(ps, nameSubstring)
	return p.Channel, ok, nil
}
