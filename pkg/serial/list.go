package serial

import (
	"path/filepath"
	"runtime"
	"sort"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

// globPatterns lists device nodes the driver enumeration can miss, such as
// stable by-id links.
func globPatterns() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{
			"/dev/rfcomm*",
			"/dev/ttyUSB*",
			"/dev/ttyACM*",
			"/dev/serial/by-id/*",
		}
	case "darwin":
		return []string{
			"/dev/tty.usbserial*",
			"/dev/tty.usbmodem*",
			"/dev/cu.usbserial*",
			"/dev/cu.usbmodem*",
		}
	}
	return nil
}

// ListPorts returns the sorted, de-duplicated names of available ports.
func ListPorts() ([]string, error) {
	details, err := ListPortDetails()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(details))
	for _, d := range details {
		names = append(names, d.Name)
	}
	return names, nil
}

// ListPortDetails enumerates ports through go.bug.st/serial, adds USB
// details where the enumerator knows them and merges in globbed device
// nodes. Symlinks are resolved so a port appears once.
func ListPortDetails() ([]PortInfo, error) {
	names, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}
	for _, pattern := range globPatterns() {
		matches, _ := filepath.Glob(pattern)
		names = append(names, matches...)
	}

	byName := make(map[string]PortInfo)
	if details, err := enumerator.GetDetailedPortsList(); err == nil {
		for _, d := range details {
			if d == nil || d.Name == "" {
				continue
			}
			byName[d.Name] = PortInfo{
				Name:    d.Name,
				IsUSB:   d.IsUSB,
				VID:     d.VID,
				PID:     d.PID,
				Serial:  d.SerialNumber,
				Product: d.Product,
			}
		}
	}
	return mergePorts(names, byName, filepath.EvalSymlinks), nil
}

// mergePorts resolves, de-duplicates and sorts port names, attaching any
// known details.
func mergePorts(names []string, details map[string]PortInfo, resolve func(string) (string, error)) []PortInfo {
	seen := make(map[string]bool, len(names))
	var out []PortInfo
	for _, n := range names {
		if resolve != nil {
			if r, err := resolve(n); err == nil {
				n = r
			}
		}
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		info, ok := details[n]
		if !ok {
			info = PortInfo{Name: n}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
