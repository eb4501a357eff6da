package tunnel

import (
	"errors"
	"io"
	"net/netip"
	"os"
	"slices"
	"testing"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
	"singbox-bridge/internal/rules"
)

func TestMain(m *testing.M) {
	core.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeRules map[rules.Kind][]string

func (f fakeRules) List(k rules.Kind) []string { return slices.Clone(f[k]) }

type fakeSettings struct{ proxy bool }

func (f fakeSettings) SystemProxyEnabled() bool { return f.proxy }

func pfx(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParsePrefix(s)
	}
	return out
}

func baseOptions() engine.TunOptions {
	return engine.TunOptions{
		MTU:              9000,
		Inet4Address:     pfx("172.19.0.1/30"),
		AutoRoute:        true,
		DNSServerAddress: "172.19.0.2",
	}
}

func TestBuild_DNSOverride(t *testing.T) {
	b := NewBuilder(fakeRules{rules.DNSServers: {"1.1.1.1", "8.8.8.8"}}, fakeSettings{}, nil, Capabilities{ExcludeRoute: true})
	p, err := b.Build(baseOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(p.DNSServers, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Errorf("DNS = %v, want rule-store servers", p.DNSServers)
	}

	b = NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{ExcludeRoute: true})
	p, _ = b.Build(baseOptions())
	if !slices.Equal(p.DNSServers, []string{"172.19.0.2"}) {
		t.Errorf("DNS = %v, want engine default", p.DNSServers)
	}
}

func TestBuild_Routes(t *testing.T) {
	b := NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{ExcludeRoute: true})

	p, _ := b.Build(baseOptions())
	if !slices.Equal(p.Routes, pfx("0.0.0.0/0")) {
		t.Errorf("routes = %v, want IPv4 default only", p.Routes)
	}

	opts := baseOptions()
	opts.Inet6Address = pfx("fdfe:dcba:9876::1/126")
	p, _ = b.Build(opts)
	if !slices.Equal(p.Routes, pfx("0.0.0.0/0", "::/0")) {
		t.Errorf("routes = %v, want both defaults", p.Routes)
	}

	opts = baseOptions()
	opts.Inet4RouteAddress = pfx("100.64.0.0/10")
	p, _ = b.Build(opts)
	if !slices.Equal(p.Routes, pfx("100.64.0.0/10")) {
		t.Errorf("routes = %v, want engine routes verbatim", p.Routes)
	}

	opts = baseOptions()
	opts.AutoRoute = false
	p, _ = b.Build(opts)
	if len(p.Routes) != 0 || len(p.ExcludedRoutes) != 0 {
		t.Errorf("routes without auto_route = %v / %v", p.Routes, p.ExcludedRoutes)
	}
}

func TestBuild_BypassSubnetsExcluded(t *testing.T) {
	rs := fakeRules{rules.BypassSubnets: {"10.0.0.0/8", "192.168.1.7/24"}}
	opts := baseOptions()
	opts.Inet4RouteExcludeAddress = pfx("172.16.0.0/12")

	p, _ := NewBuilder(rs, fakeSettings{}, nil, Capabilities{ExcludeRoute: true}).Build(opts)
	want := pfx("172.16.0.0/12", "10.0.0.0/8", "192.168.1.0/24")
	if !slices.Equal(p.ExcludedRoutes, want) {
		t.Errorf("excluded = %v, want %v", p.ExcludedRoutes, want)
	}
	if p.RouteRanges != nil {
		t.Errorf("route ranges computed although host excludes natively: %v", p.RouteRanges)
	}

	p, _ = NewBuilder(rs, fakeSettings{}, nil, Capabilities{}).Build(opts)
	if len(p.RouteRanges) == 0 {
		t.Fatal("route ranges missing")
	}
	for _, r := range p.RouteRanges {
		for _, ex := range want {
			if r.Overlaps(ex) {
				t.Errorf("range %s overlaps excluded %s", r, ex)
			}
		}
	}
	if !slices.ContainsFunc(p.RouteRanges, func(r netip.Prefix) bool { return r.Contains(netip.MustParseAddr("8.8.8.8")) }) {
		t.Error("8.8.8.8 not routed through tunnel")
	}
}

func TestBuild_AppScoping(t *testing.T) {
	rs := fakeRules{
		rules.BypassApps: {"com.bank", "com.gone"},
		rules.BlockApps:  {"com.ads"},
	}
	installed := AppResolverFunc(func(app string) bool { return app != "com.gone" })
	opts := baseOptions()
	opts.IncludePackage = []string{"com.engine.in", "com.bank"}
	opts.ExcludePackage = []string{"com.engine.out"}

	p, err := NewBuilder(rs, fakeSettings{}, installed, Capabilities{}).Build(opts)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(p.AllowedApps, []string{"com.bank", "com.engine.in"}) {
		t.Errorf("allowed = %v", p.AllowedApps)
	}
	if !slices.Equal(p.DisallowedApps, []string{"com.ads", "com.engine.out"}) {
		t.Errorf("disallowed = %v", p.DisallowedApps)
	}
}

func TestBuild_HTTPProxy(t *testing.T) {
	opts := baseOptions()
	opts.HTTPProxy = &engine.HTTPProxyOptions{Server: "127.0.0.1", Port: 2080}

	p, _ := NewBuilder(fakeRules{}, fakeSettings{proxy: true}, nil, Capabilities{HTTPProxy: false}).Build(opts)
	if p.HTTPProxy != nil {
		t.Error("proxy assembled on a host without proxy support")
	}

	p, _ = NewBuilder(fakeRules{}, fakeSettings{proxy: true}, nil, Capabilities{HTTPProxy: true}).Build(opts)
	if p.HTTPProxy == nil || p.HTTPProxy.Port != 2080 || !p.HTTPProxyOn {
		t.Errorf("proxy = %+v on=%v", p.HTTPProxy, p.HTTPProxyOn)
	}

	p, _ = NewBuilder(fakeRules{}, fakeSettings{proxy: false}, nil, Capabilities{HTTPProxy: true}).Build(opts)
	if p.HTTPProxy == nil || p.HTTPProxyOn {
		t.Errorf("proxy should be assembled but disabled: %+v on=%v", p.HTTPProxy, p.HTTPProxyOn)
	}

	opts.HTTPProxy = nil
	p, _ = NewBuilder(fakeRules{}, fakeSettings{proxy: true}, nil, Capabilities{HTTPProxy: true}).Build(opts)
	if p.HTTPProxy != nil {
		t.Error("proxy assembled although engine did not ask for one")
	}
}

func TestBuild_RequiresAddress(t *testing.T) {
	_, err := NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{}).Build(engine.TunOptions{MTU: 1500})
	if err == nil {
		t.Fatal("expected error for request without addresses")
	}
}

func TestPlatform_OpenTun(t *testing.T) {
	b := NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{ExcludeRoute: true})

	var opened Parameters
	ok := NewPlatform(b, OpenerFunc(func(p Parameters) (int, error) {
		opened = p
		return 42, nil
	}), nil, PlatformOptions{})
	h, err := ok.OpenTun(baseOptions())
	if err != nil {
		t.Fatal(err)
	}
	if h.FD != 42 || opened.MTU != 9000 {
		t.Errorf("handle = %+v, opened = %+v", h, opened)
	}
	if st := ok.SystemProxyStatus(); st.Available {
		t.Errorf("proxy status = %+v without a proxy request", st)
	}

	failing := NewPlatform(b, OpenerFunc(func(Parameters) (int, error) {
		return 0, errors.New("permission denied")
	}), nil, PlatformOptions{})
	if _, err := failing.OpenTun(baseOptions()); !core.IsAlert(err, core.AlertStartService) {
		t.Fatalf("OpenTun error = %v, want StartService", err)
	}
}

func TestPlatform_SendNotification(t *testing.T) {
	bus := core.NewEventBus()
	got := make(chan core.NotificationPayload, 1)
	bus.Subscribe(core.EventNotification, func(e core.Event) {
		got <- e.Payload.(core.NotificationPayload)
	})
	p := NewPlatform(NewBuilder(fakeRules{}, fakeSettings{}, nil, Capabilities{}), EngineManagedDevice, bus, PlatformOptions{})
	p.SendNotification(engine.Notification{Identifier: "update", Title: "Subscription updated"})
	n := <-got
	if n.Identifier != "update" || n.Title != "Subscription updated" {
		t.Errorf("notification = %+v", n)
	}
}
