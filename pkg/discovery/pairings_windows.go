//go:build windows

package discovery

import (
	"golang.org/x/sys/windows/registry"
)

const (
	bthEnumKey    = `SYSTEM\CurrentControlSet\Enum\BTHENUM`
	bthDevicesKey = `SYSTEM\CurrentControlSet\Services\BTHPORT\Parameters\Devices`
)

// hostPairings maps Bluetooth serial-port instances to COM ports and names
// them from the BTHPORT device cache.
func hostPairings() ([]Pairing, error) {
	root, err := registry.OpenKey(registry.LOCAL_MACHINE, bthEnumKey, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	services, err := root.ReadSubKeyNames(-1)
	if err != nil {
		return nil, err
	}

	var out []Pairing
	for _, svc := range services {
		sk, err := registry.OpenKey(root, svc, registry.ENUMERATE_SUB_KEYS)
		if err != nil {
			continue
		}
		instances, _ := sk.ReadSubKeyNames(-1)
		sk.Close()

		for _, inst := range instances {
			port := portName(root, svc+`\`+inst+`\Device Parameters`)
			if port == "" {
				continue
			}
			addr := addressFromInstance(inst)
			if addr == "" {
				continue
			}
			out = append(out, Pairing{Channel: port, Address: addr, Name: deviceName(addr)})
		}
	}
	return out, nil
}

func portName(root registry.Key, path string) string {
	k, err := registry.OpenKey(root, path, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()
	port, _, err := k.GetStringValue("PortName")
	if err != nil {
		return ""
	}
	return port
}

func deviceName(addr string) string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, bthDevicesKey+`\`+addr, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer k.Close()
	raw, _, err := k.GetBinaryValue("Name")
	if err != nil {
		return ""
	}
	return decodeRegistryName(raw)
}
