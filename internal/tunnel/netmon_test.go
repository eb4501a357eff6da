package tunnel

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"
)

// switchableRoute is a default interface source the test can move.
type switchableRoute struct {
	mu    sync.Mutex
	iface DefaultInterface
	err   error
	calls int
}

func (r *switchableRoute) find() (DefaultInterface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.iface, r.err
}

func (r *switchableRoute) set(iface DefaultInterface, err error) {
	r.mu.Lock()
	r.iface, r.err = iface, err
	r.mu.Unlock()
}

func (r *switchableRoute) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type ifaceRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *ifaceRecorder) UpdateDefaultInterface(name string, index int) {
	r.mu.Lock()
	r.seen = append(r.seen, fmt.Sprintf("%s/%d", name, index))
	r.mu.Unlock()
}

func (r *ifaceRecorder) updates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.seen)
}

func waitUpdates(t *testing.T, r *ifaceRecorder, want []string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Equal(r.updates(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("updates = %v, want %v", r.updates(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newMonitorPlatform(route *switchableRoute) *Platform {
	return NewPlatform(NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{}), EngineManagedDevice, nil,
		PlatformOptions{DefaultInterface: route.find, MonitorInterval: 5 * time.Millisecond})
}

func TestPlatform_DefaultInterfaceMonitor(t *testing.T) {
	route := &switchableRoute{iface: DefaultInterface{Name: "eth0", Index: 2}}
	p := newMonitorPlatform(route)

	rec := &ifaceRecorder{}
	if err := p.StartDefaultInterfaceMonitor(rec); err != nil {
		t.Fatal(err)
	}
	if got := rec.updates(); !slices.Equal(got, []string{"eth0/2"}) {
		t.Fatalf("initial report = %v", got)
	}

	route.set(DefaultInterface{Name: "wlan0", Index: 3}, nil)
	waitUpdates(t, rec, []string{"eth0/2", "wlan0/3"})

	route.set(DefaultInterface{}, errNoDefaultRoute)
	waitUpdates(t, rec, []string{"eth0/2", "wlan0/3", "/-1"})

	if err := p.CloseDefaultInterfaceMonitor(rec); err != nil {
		t.Fatal(err)
	}
	calls := route.callCount()
	route.set(DefaultInterface{Name: "eth1", Index: 4}, nil)
	time.Sleep(30 * time.Millisecond)
	if route.callCount() != calls {
		t.Error("monitor kept polling after the last listener left")
	}
	if got := rec.updates(); len(got) != 3 {
		t.Errorf("updates after close = %v", got)
	}
}

func TestPlatform_DefaultInterfaceMonitorSharedByListeners(t *testing.T) {
	route := &switchableRoute{iface: DefaultInterface{Name: "eth0", Index: 2}}
	p := newMonitorPlatform(route)

	first, second := &ifaceRecorder{}, &ifaceRecorder{}
	p.StartDefaultInterfaceMonitor(first)
	p.StartDefaultInterfaceMonitor(second)
	p.StartDefaultInterfaceMonitor(second) // duplicate registration is ignored

	p.CloseDefaultInterfaceMonitor(first)
	route.set(DefaultInterface{Name: "wlan0", Index: 3}, nil)
	waitUpdates(t, second, []string{"eth0/2", "wlan0/3"})
	if got := first.updates(); !slices.Equal(got, []string{"eth0/2"}) {
		t.Errorf("removed listener saw %v", got)
	}
	p.CloseDefaultInterfaceMonitor(second)
	p.CloseDefaultInterfaceMonitor(second)

	if err := p.StartDefaultInterfaceMonitor(nil); err == nil {
		t.Error("nil listener accepted")
	}
}

func TestPlatform_LookupHostLiteral(t *testing.T) {
	p := newMonitorPlatform(&switchableRoute{})
	addrs, err := p.LookupHost(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0] != netip.MustParseAddr("2001:db8::1") {
		t.Errorf("addrs = %v", addrs)
	}
	addrs, err = p.LookupHost(context.Background(), "localhost")
	if err != nil || len(addrs) == 0 {
		t.Skipf("no system resolver for localhost: %v", err)
	}
	for _, a := range addrs {
		if !a.IsLoopback() {
			t.Errorf("localhost resolved to %s", a)
		}
	}
}
