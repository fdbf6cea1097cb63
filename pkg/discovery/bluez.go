package discovery

import (
	"os"
	"path/filepath"
	"strings"
)

// rfcommPairings walks <sysRoot>/rfcomm* for bound RFCOMM ttys and names
// each from the BlueZ store under bluezRoot.
func rfcommPairings(sysRoot, bluezRoot string) ([]Pairing, error) {
	ttys, err := filepath.Glob(filepath.Join(sysRoot, "rfcomm*"))
	if err != nil {
		return nil, err
	}
	var out []Pairing
	for _, tty := range ttys {
		raw, err := os.ReadFile(filepath.Join(tty, "address"))
		if err != nil {
			continue
		}
		addr := strings.ToUpper(strings.TrimSpace(string(raw)))
		if addr == "" || addr == "00:00:00:00:00:00" {
			continue
		}
		out = append(out, Pairing{
			Channel: "/dev/" + filepath.Base(tty),
			Address: addr,
			Name:    bluezName(bluezRoot, addr),
		})
	}
	return out, nil
}

// bluezName looks for the device's [General] Name in every adapter's
// device info, then in the adapter name cache.
func bluezName(bluezRoot, addr string) string {
	candidates, _ := filepath.Glob(filepath.Join(bluezRoot, "*", addr, "info"))
	caches, _ := filepath.Glob(filepath.Join(bluezRoot, "*", "cache", addr))
	for _, path := range append(candidates, caches...) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if name := parseBlueZName(string(data)); name != "" {
			return name
		}
	}
	return ""
}

// parseBlueZName extracts [General] Name from a BlueZ keyfile. Keyfile
// comments only start a line, so '#' and ';' inside a name are kept.
func parseBlueZName(data string) string {
	section := ""
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || trimmed[0] == '#':
			continue
		case trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']':
			section = trimmed[1 : len(trimmed)-1]
			continue
		}
		if section != "General" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.TrimSpace(key) == "Name" {
			return value
		}
	}
	return ""
}

// addressFromInstance extracts the remote address from a BTHENUM instance
// id such as 8&2a4f5e9d&0&001122334455_C00000000.
func addressFromInstance(instance string) string {
	if i := strings.LastIndexByte(instance, '&'); i >= 0 {
		instance = instance[i+1:]
	}
	addr, _, _ := strings.Cut(instance, "_")
	addr = strings.ToLower(addr)
	if len(addr) != 12 || strings.Trim(addr, "0") == "" {
		return ""
	}
	for _, c := range addr {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return ""
		}
	}
	return addr
}

// decodeRegistryName turns the BTHPORT Name value into a string.
func decodeRegistryName(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00")
}
