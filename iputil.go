package main

import (
	"fmt"
	"net"
)

// detectMediaHostIP returns the first non-loopback IPv4 address of the host.
// It is used as the advertised RTP receive address when rtp_host is not
// configured explicitly.
func detectMediaHostIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			if ip4.IsLoopback() {
				continue
			}
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
