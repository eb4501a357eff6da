//go:build !linux

package tunnel

import (
	"net"
)

// findDefaultInterface asks the OS which local address it would use for
// an outside destination and maps that address back to its interface.
// Dialing UDP sends no packets.
func findDefaultInterface() (DefaultInterface, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:53")
	if err != nil {
		return DefaultInterface{}, errNoDefaultRoute
	}
	local := conn.LocalAddr().(*net.UDPAddr).IP
	conn.Close()

	ifaces, err := net.Interfaces()
	if err != nil {
		return DefaultInterface{}, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(local) {
				return DefaultInterface{Name: iface.Name, Index: iface.Index}, nil
			}
		}
	}
	return DefaultInterface{}, errNoDefaultRoute
}

// watchRoutes has no change source here; the monitor polls.
func watchRoutes(<-chan struct{}) <-chan struct{} { return nil }
