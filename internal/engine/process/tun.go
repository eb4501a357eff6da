package process

import (
	"fmt"
	"net/netip"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
)

func findTunInbound(doc map[string]any) map[string]any {
	inbounds, _ := doc["inbounds"].([]any)
	for _, in := range inbounds {
		m, _ := in.(map[string]any)
		if t, _ := m["type"].(string); t == "tun" {
			return m
		}
	}
	return nil
}

// proxyOutbound returns the tag and server of the first outbound that dials
// a remote server.
func proxyOutbound(doc map[string]any) (tag, server string) {
	outbounds, _ := doc["outbounds"].([]any)
	for _, o := range outbounds {
		m, _ := o.(map[string]any)
		if srv, _ := m["server"].(string); srv != "" {
			tag, _ = m["tag"].(string)
			return tag, srv
		}
	}
	return "", ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// splitPrefixes parses prefixes into IPv4 and IPv6 lists, skipping junk.
func splitPrefixes(values []string) (v4, v6 []netip.Prefix) {
	for _, s := range values {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			if addr, aerr := netip.ParseAddr(s); aerr == nil {
				p = netip.PrefixFrom(addr, addr.BitLen())
			} else {
				core.Log.Warnf("Engine", "Ignoring prefix %q: %v", s, err)
				continue
			}
		}
		if p.Addr().Is4() {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}

// tunOptionsFromInbound reads the tun inbound the way the engine would
// describe it to a host platform.
func tunOptionsFromInbound(in map[string]any) engine.TunOptions {
	var opts engine.TunOptions
	if mtu, ok := in["mtu"].(float64); ok && mtu > 0 {
		opts.MTU = uint32(mtu)
	} else {
		opts.MTU = 9000
	}

	addrs := stringList(in["address"])
	addrs = append(addrs, stringList(in["inet4_address"])...)
	addrs = append(addrs, stringList(in["inet6_address"])...)
	opts.Inet4Address, opts.Inet6Address = splitPrefixes(addrs)

	opts.AutoRoute, _ = in["auto_route"].(bool)
	opts.StrictRoute, _ = in["strict_route"].(bool)
	opts.Inet4RouteAddress, opts.Inet6RouteAddress = splitPrefixes(stringList(in["route_address"]))
	opts.Inet4RouteExcludeAddress, opts.Inet6RouteExcludeAddress = splitPrefixes(stringList(in["route_exclude_address"]))
	opts.IncludePackage = stringList(in["include_package"])
	opts.ExcludePackage = stringList(in["exclude_package"])

	// The engine answers DNS on the address right after the interface's own.
	if len(opts.Inet4Address) > 0 {
		opts.DNSServerAddress = opts.Inet4Address[0].Addr().Next().String()
	} else if len(opts.Inet6Address) > 0 {
		opts.DNSServerAddress = opts.Inet6Address[0].Addr().Next().String()
	}

	if platform, ok := in["platform"].(map[string]any); ok {
		if proxy, ok := platform["http_proxy"].(map[string]any); ok {
			hp := &engine.HTTPProxyOptions{
				BypassDomain: stringList(proxy["bypass_domain"]),
				MatchDomain:  stringList(proxy["match_domain"]),
			}
			hp.Server, _ = proxy["server"].(string)
			if port, ok := proxy["server_port"].(float64); ok {
				hp.Port = uint16(port)
			}
			opts.HTTPProxy = hp
		}
	}
	return opts
}

func prefixStrings(ps []netip.Prefix) []any {
	out := make([]any, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// applyEffective writes the host's tunnel decisions back into the
// configuration handed to the child process.
func applyEffective(doc, in map[string]any, eff engine.EffectiveTun) {
	delete(in, "inet4_address")
	delete(in, "inet6_address")
	if eff.MTU > 0 {
		in["mtu"] = eff.MTU
	}
	in["address"] = prefixStrings(eff.Addresses)
	in["auto_route"] = eff.AutoRoute
	if eff.AutoRoute {
		in["route_address"] = prefixStrings(eff.Routes)
		in["route_exclude_address"] = prefixStrings(eff.ExcludedRoutes)
	}

	// Bypassed apps stay off the tunnel; blocked apps get no network at all.
	if len(eff.AllowedApps) > 0 {
		in["exclude_package"] = anyList(eff.AllowedApps)
	}
	delete(in, "include_package")
	if len(eff.DisallowedApps) > 0 {
		route, _ := doc["route"].(map[string]any)
		if route == nil {
			route = map[string]any{}
			doc["route"] = route
		}
		rules, _ := route["rules"].([]any)
		block := map[string]any{"package_name": anyList(eff.DisallowedApps), "action": "reject"}
		route["rules"] = append([]any{block}, rules...)
	}

	if eff.HTTPProxy != nil {
		platform, _ := in["platform"].(map[string]any)
		if platform == nil {
			platform = map[string]any{}
			in["platform"] = platform
		}
		platform["http_proxy"] = map[string]any{
			"enabled":       eff.HTTPProxyOn,
			"server":        eff.HTTPProxy.Server,
			"server_port":   eff.HTTPProxy.Port,
			"bypass_domain": anyList(eff.HTTPProxy.BypassDomain),
			"match_domain":  anyList(eff.HTTPProxy.MatchDomain),
		}
	}

	if len(eff.DNSServers) > 0 {
		dns, _ := doc["dns"].(map[string]any)
		if dns == nil {
			dns = map[string]any{}
			doc["dns"] = dns
		}
		existing, _ := dns["servers"].([]any)
		servers := make([]any, 0, len(eff.DNSServers)+len(existing))
		for i, addr := range eff.DNSServers {
			servers = append(servers, map[string]any{
				"tag":     fmt.Sprintf("bridge-dns-%d", i),
				"address": addr,
			})
		}
		dns["servers"] = append(servers, existing...)
		dns["final"] = "bridge-dns-0"
	}
}

// ensureClashAPI enables the connections API on addr unless the
// configuration already sets a controller.
func ensureClashAPI(doc map[string]any, addr, secret string) {
	exp, _ := doc["experimental"].(map[string]any)
	if exp == nil {
		exp = map[string]any{}
		doc["experimental"] = exp
	}
	api, _ := exp["clash_api"].(map[string]any)
	if api == nil {
		api = map[string]any{}
		exp["clash_api"] = api
	}
	if _, ok := api["external_controller"]; !ok {
		api["external_controller"] = addr
		if secret != "" {
			api["secret"] = secret
		}
	}
}
