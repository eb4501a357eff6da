// Package tunnel assembles the platform-neutral tunnel parameters from the
// engine's request and the user's rules and settings.
package tunnel

import (
	"errors"
	"net/netip"

	"github.com/samber/lo"
	"go4.org/netipx"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
	"singbox-bridge/internal/rules"
)

// Parameters is the assembled tunnel description handed to the host.
// It is built once per start or reload and never modified afterwards.
type Parameters = engine.EffectiveTun

// RuleSource is the read side of the rule store.
type RuleSource interface {
	List(k rules.Kind) []string
}

// SettingsSource supplies settings the builder depends on.
type SettingsSource interface {
	SystemProxyEnabled() bool
}

// AppResolver reports whether an app identifier maps to an installed app.
type AppResolver interface {
	Resolve(app string) bool
}

// AppResolverFunc adapts a function to AppResolver.
type AppResolverFunc func(app string) bool

func (f AppResolverFunc) Resolve(app string) bool { return f(app) }

// AnyApp accepts every identifier; used on hosts without an app registry.
var AnyApp AppResolver = AppResolverFunc(func(string) bool { return true })

// Capabilities describes what the host tunnel API can do.
type Capabilities struct {
	ExcludeRoute bool // host can subtract routes natively
	HTTPProxy    bool // host can set a system HTTP proxy
}

var (
	defaultRoute4 = netip.MustParsePrefix("0.0.0.0/0")
	defaultRoute6 = netip.MustParsePrefix("::/0")
)

// Builder turns engine tunnel requests into Parameters.
type Builder struct {
	rules    RuleSource
	settings SettingsSource
	apps     AppResolver
	caps     Capabilities
}

// NewBuilder creates a Builder. A nil resolver accepts every app.
func NewBuilder(rs RuleSource, st SettingsSource, apps AppResolver, caps Capabilities) *Builder {
	if apps == nil {
		apps = AnyApp
	}
	return &Builder{rules: rs, settings: st, apps: apps, caps: caps}
}

// Build assembles the parameters for one tunnel open request.
func (b *Builder) Build(opts engine.TunOptions) (Parameters, error) {
	if len(opts.Inet4Address) == 0 && len(opts.Inet6Address) == 0 {
		return Parameters{}, errors.New("tun request has no interface address")
	}

	p := Parameters{
		MTU:       opts.MTU,
		Addresses: append(append([]netip.Prefix{}, opts.Inet4Address...), opts.Inet6Address...),
		AutoRoute: opts.AutoRoute,
	}

	if dns := b.rules.List(rules.DNSServers); len(dns) > 0 {
		p.DNSServers = dns
	} else if opts.DNSServerAddress != "" {
		p.DNSServers = []string{opts.DNSServerAddress}
	}

	if opts.AutoRoute {
		p.Routes = defaultRoutes(opts)
		p.ExcludedRoutes = b.excludedRoutes(opts)
		if !b.caps.ExcludeRoute {
			p.RouteRanges = subtract(p.Routes, p.ExcludedRoutes)
		}
	}

	p.AllowedApps = b.resolveApps(b.rules.List(rules.BypassApps), opts.IncludePackage)
	p.DisallowedApps = b.resolveApps(b.rules.List(rules.BlockApps), opts.ExcludePackage)

	if opts.HTTPProxy != nil && b.caps.HTTPProxy {
		proxy := *opts.HTTPProxy
		p.HTTPProxy = &proxy
		p.HTTPProxyOn = b.settings.SystemProxyEnabled()
	}

	core.Log.Debugf("Tunnel", "Built parameters: addrs=%v dns=%v routes=%d excluded=%d allowed=%d disallowed=%d",
		p.Addresses, p.DNSServers, len(p.Routes), len(p.ExcludedRoutes), len(p.AllowedApps), len(p.DisallowedApps))
	return p, nil
}

// defaultRoutes uses the engine's routes verbatim, falling back to the
// default route for every assigned address family.
func defaultRoutes(opts engine.TunOptions) []netip.Prefix {
	var routes []netip.Prefix
	if len(opts.Inet4RouteAddress) > 0 {
		routes = append(routes, opts.Inet4RouteAddress...)
	} else if len(opts.Inet4Address) > 0 {
		routes = append(routes, defaultRoute4)
	}
	if len(opts.Inet6RouteAddress) > 0 {
		routes = append(routes, opts.Inet6RouteAddress...)
	} else if len(opts.Inet6Address) > 0 {
		routes = append(routes, defaultRoute6)
	}
	return routes
}

func (b *Builder) excludedRoutes(opts engine.TunOptions) []netip.Prefix {
	excluded := append(append([]netip.Prefix{}, opts.Inet4RouteExcludeAddress...), opts.Inet6RouteExcludeAddress...)
	for _, s := range b.rules.List(rules.BypassSubnets) {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			core.Log.Warnf("Tunnel", "Skipping bypass subnet %q: %v", s, err)
			continue
		}
		excluded = append(excluded, p.Masked())
	}
	return lo.Uniq(excluded)
}

// resolveApps unions rule-derived apps with engine-supplied ones, in that
// order, dropping duplicates and anything not installed.
func (b *Builder) resolveApps(fromRules, fromEngine []string) []string {
	all := lo.Uniq(append(append([]string{}, fromRules...), fromEngine...))
	return lo.Filter(all, func(app string, _ int) bool {
		if b.apps.Resolve(app) {
			return true
		}
		core.Log.Debugf("Tunnel", "App %q not installed, skipping", app)
		return false
	})
}

// subtract returns the minimal prefix list covering routes minus excluded.
func subtract(routes, excluded []netip.Prefix) []netip.Prefix {
	var sb netipx.IPSetBuilder
	for _, r := range routes {
		sb.AddPrefix(r)
	}
	for _, e := range excluded {
		sb.RemovePrefix(e)
	}
	set, err := sb.IPSet()
	if err != nil {
		core.Log.Warnf("Tunnel", "Route range computation failed, using routes as-is: %v", err)
		return routes
	}
	return set.Prefixes()
}
