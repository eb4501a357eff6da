// Package engine defines the contract between the bridge and the proxy
// engine it drives. The engine itself is opaque: the bridge only creates
// sessions, starts and closes them, and reads connection counters.
package engine

import (
	"context"
	"net/netip"
	"time"
)

// Connection is one entry of a connection snapshot. RTT is nil when the
// engine does not measure latency for that connection.
type Connection struct {
	Upload   int64
	Download int64
	RTT      *time.Duration
}

// HTTPProxyOptions is the system HTTP proxy the engine asks the host to set.
type HTTPProxyOptions struct {
	Server       string
	Port         uint16
	BypassDomain []string
	MatchDomain  []string
}

// TunOptions describes the tunnel interface the engine asks the host to open.
type TunOptions struct {
	MTU          uint32
	Inet4Address []netip.Prefix
	Inet6Address []netip.Prefix
	AutoRoute    bool
	StrictRoute  bool

	// DNSServerAddress is the engine's default resolver, used when no
	// override is configured.
	DNSServerAddress string

	Inet4RouteAddress        []netip.Prefix
	Inet6RouteAddress        []netip.Prefix
	Inet4RouteExcludeAddress []netip.Prefix
	Inet6RouteExcludeAddress []netip.Prefix

	IncludePackage []string
	ExcludePackage []string

	// HTTPProxy is nil unless the engine wants a system proxy.
	HTTPProxy *HTTPProxyOptions
}

// TunHandle is the host's answer to OpenTun: the device descriptor (or -1
// when the engine creates the device itself) and the options actually
// applied, which may differ from those requested.
type TunHandle struct {
	FD        int
	Effective EffectiveTun
}

// EffectiveTun is the platform-neutral result of tunnel assembly.
type EffectiveTun struct {
	MTU            uint32
	Addresses      []netip.Prefix
	DNSServers     []string
	AutoRoute      bool
	Routes         []netip.Prefix
	ExcludedRoutes []netip.Prefix
	// RouteRanges is Routes minus ExcludedRoutes, for hosts that cannot
	// exclude routes natively.
	RouteRanges    []netip.Prefix
	AllowedApps    []string
	DisallowedApps []string
	HTTPProxy      *HTTPProxyOptions
	HTTPProxyOn    bool
}

// Notification is a user-facing message raised by the engine.
type Notification struct {
	Identifier string
	TypeName   string
	TypeID     int
	Title      string
	Subtitle   string
	Body       string
	OpenURL    string
}

// InterfaceUpdateListener is told about the host's default network
// interface: once on registration and again on every change. An empty name
// and index -1 mean there is no default route.
type InterfaceUpdateListener interface {
	UpdateDefaultInterface(name string, index int)
}

// Platform is implemented by the host and handed to the engine.
type Platform interface {
	OpenTun(opts TunOptions) (*TunHandle, error)
	WriteLog(message string)
	SendNotification(n Notification) error
	SystemCertificates() []string

	// StartDefaultInterfaceMonitor registers l for default interface
	// changes; CloseDefaultInterfaceMonitor removes it.
	StartDefaultInterfaceMonitor(l InterfaceUpdateListener) error
	CloseDefaultInterfaceMonitor(l InterfaceUpdateListener) error

	// LookupHost resolves host with the system resolver, outside the tunnel.
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Session is one running engine instance.
type Session interface {
	Start() error
	Close() error
	Pause()
	Wake()
	// NeedsHostCapability reports whether the loaded configuration requires
	// a host permission (e.g. location for Wi-Fi SSID rules).
	NeedsHostCapability() bool
	Connections() ([]Connection, error)
}

// Engine creates sessions from configuration text.
type Engine interface {
	NewSession(ctx context.Context, config string, platform Platform) (Session, error)
}

// CommandServer is the engine's auxiliary control channel, started before
// the session and closed after it.
type CommandServer interface {
	Start() error
	Close() error
}
