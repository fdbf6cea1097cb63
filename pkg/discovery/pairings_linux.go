package discovery

func hostPairings() ([]Pairing, error) {
	return rfcommPairings("/sys/class/tty", "/var/lib/bluetooth")
}
