package session

import "net"

// pickLocalAddress scans the machine's interfaces for a private IPv4
// address suitable for hosting. Addresses ending in .1 are skipped since
// they are almost always the gateway side of a NAT or virtual bridge.
func pickLocalAddress(localIPs func() ([]net.IP, error)) (net.IP, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, err
	}

	var fallback net.IP
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil || !v4.IsPrivate() {
			continue
		}
		if v4[3] == 1 {
			if fallback == nil {
				fallback = v4
			}
			continue
		}
		return v4, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoPrivateAddress
}

// interfaceIPs collects unicast addresses from all up, non-loopback
// interfaces.
func interfaceIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}
