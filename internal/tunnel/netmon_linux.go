package tunnel

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"singbox-bridge/internal/core"
)

// findDefaultInterface picks the lowest-metric IPv4 default route of the
// main table. Policy tables, where the engine installs its own tunnel
// routes, are not consulted.
func findDefaultInterface() (DefaultInterface, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_V4,
		&netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return DefaultInterface{}, err
	}
	best := -1
	for i, r := range routes {
		if r.LinkIndex <= 0 || !isDefaultRoute(r) {
			continue
		}
		if best < 0 || r.Priority < routes[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return DefaultInterface{}, errNoDefaultRoute
	}
	link, err := netlink.LinkByIndex(routes[best].LinkIndex)
	if err != nil {
		return DefaultInterface{}, err
	}
	return DefaultInterface{Name: link.Attrs().Name, Index: routes[best].LinkIndex}, nil
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

// watchRoutes signals on every routing table change until done closes.
func watchRoutes(done <-chan struct{}) <-chan struct{} {
	updates := make(chan netlink.RouteUpdate, 16)
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		core.Log.Debugf("Tunnel", "Route notifications unavailable, polling only: %v", err)
		return nil
	}
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-done:
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
