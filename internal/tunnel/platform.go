package tunnel

import (
	"context"
	"encoding/pem"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	E "github.com/sagernet/sing/common/exceptions"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
)

// Opener establishes the OS tunnel device from assembled parameters and
// returns its descriptor.
type Opener interface {
	Open(p Parameters) (int, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(p Parameters) (int, error)

func (f OpenerFunc) Open(p Parameters) (int, error) { return f(p) }

// EngineManagedDevice is the opener for engines that create the tunnel
// device themselves; it only hands the parameters back.
var EngineManagedDevice Opener = OpenerFunc(func(Parameters) (int, error) { return -1, nil })

// SystemProxyStatus reports whether a system proxy can be and is enabled.
type SystemProxyStatus struct {
	Available bool `json:"available"`
	Enabled   bool `json:"enabled"`
}

// PlatformOptions configures the host callbacks.
type PlatformOptions struct {
	// CABundle is a PEM file returned from SystemCertificates.
	CABundle string
	// DefaultInterface overrides default interface discovery.
	DefaultInterface func() (DefaultInterface, error)
	// MonitorInterval is how often the default interface is re-checked.
	MonitorInterval time.Duration
	// Resolver answers LookupHost; nil means the system resolver.
	Resolver *net.Resolver
}

// Platform implements engine.Platform on top of a Builder.
type Platform struct {
	builder *Builder
	opener  Opener
	bus     *core.EventBus
	opts    PlatformOptions

	monitor  *interfaceMonitor
	resolver *net.Resolver

	mu    sync.Mutex
	proxy SystemProxyStatus
}

var _ engine.Platform = (*Platform)(nil)

// NewPlatform creates the host callbacks for one controller.
func NewPlatform(b *Builder, opener Opener, bus *core.EventBus, opts PlatformOptions) *Platform {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Platform{
		builder:  b,
		opener:   opener,
		bus:      bus,
		opts:     opts,
		monitor:  newInterfaceMonitor(opts.DefaultInterface, opts.MonitorInterval),
		resolver: resolver,
	}
}

// OpenTun builds parameters and establishes the device. Any failure is a
// StartService alert: the in-progress start cannot continue without it.
func (p *Platform) OpenTun(opts engine.TunOptions) (*engine.TunHandle, error) {
	params, err := p.builder.Build(opts)
	if err != nil {
		return nil, core.WrapAlert(core.AlertStartService, E.Cause(err, "build tunnel parameters"))
	}
	fd, err := p.opener.Open(params)
	if err != nil {
		return nil, core.WrapAlert(core.AlertStartService, E.Cause(err, "establish tunnel"))
	}

	p.mu.Lock()
	p.proxy = SystemProxyStatus{Available: params.HTTPProxy != nil, Enabled: params.HTTPProxyOn}
	p.mu.Unlock()

	core.Log.Infof("Tunnel", "Tunnel established (fd=%d, mtu=%d)", fd, params.MTU)
	return &engine.TunHandle{FD: fd, Effective: params}, nil
}

// WriteLog forwards an engine log line into the bridge logger, where the
// log streamer picks it up.
func (p *Platform) WriteLog(message string) {
	core.Log.Infof("Engine", "%s", message)
}

// SendNotification relays an engine notification to bus subscribers.
func (p *Platform) SendNotification(n engine.Notification) error {
	if p.bus == nil {
		return nil
	}
	p.bus.PublishAsync(core.Event{
		Type: core.EventNotification,
		Payload: core.NotificationPayload{
			Identifier: n.Identifier,
			TypeName:   n.TypeName,
			TypeID:     n.TypeID,
			Title:      n.Title,
			Subtitle:   n.Subtitle,
			Body:       n.Body,
			OpenURL:    n.OpenURL,
		},
	})
	return nil
}

// SystemCertificates returns the PEM blocks of the configured CA bundle.
func (p *Platform) SystemCertificates() []string {
	if p.opts.CABundle == "" {
		return nil
	}
	data, err := os.ReadFile(p.opts.CABundle)
	if err != nil {
		core.Log.Warnf("Tunnel", "Read CA bundle: %v", err)
		return nil
	}
	var certs []string
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, string(pem.EncodeToMemory(block)))
		}
	}
	return certs
}

// StartDefaultInterfaceMonitor registers l for default interface changes.
// l hears the current interface before this returns.
func (p *Platform) StartDefaultInterfaceMonitor(l engine.InterfaceUpdateListener) error {
	if l == nil {
		return E.New("nil interface listener")
	}
	p.monitor.add(l)
	return nil
}

// CloseDefaultInterfaceMonitor unregisters l.
func (p *Platform) CloseDefaultInterfaceMonitor(l engine.InterfaceUpdateListener) error {
	p.monitor.remove(l)
	return nil
}

// LookupHost resolves host through the system resolver. IP literals are
// returned as is.
func (p *Platform) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := p.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, E.Cause(err, "lookup ", host)
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

// SystemProxyStatus reports the proxy state from the last OpenTun.
func (p *Platform) SystemProxyStatus() SystemProxyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proxy
}

// Reset forgets the tunnel state of a stopped session.
func (p *Platform) Reset() {
	p.mu.Lock()
	p.proxy = SystemProxyStatus{}
	p.mu.Unlock()
}
