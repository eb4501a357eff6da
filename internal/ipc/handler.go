package ipc

import (
	"context"
	"runtime"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"singbox-bridge/internal/bridge"
	"singbox-bridge/internal/core"
	"singbox-bridge/internal/rules"
	"singbox-bridge/internal/servers"
	"singbox-bridge/internal/settings"
	"singbox-bridge/internal/stats"
)

const defaultLogTail = 200

type method func(ctx context.Context, a args) (any, error)

// Handler implements BridgeServer on top of a bridge.Service.
type Handler struct {
	svc     *bridge.Service
	version string
	methods map[string]method
}

var _ BridgeServer = (*Handler)(nil)

// NewHandler creates the RPC handler. version is reported by
// getPlatformVersion.
func NewHandler(svc *bridge.Service, version string) *Handler {
	h := &Handler{svc: svc, version: version}
	h.methods = map[string]method{
		"connect": func(ctx context.Context, a args) (any, error) {
			return true, svc.Connect(ctx, a.str("config"))
		},
		"connectActive": func(ctx context.Context, _ args) (any, error) {
			return true, svc.ConnectActive(ctx)
		},
		"disconnect": func(ctx context.Context, _ args) (any, error) {
			return true, svc.Disconnect(ctx)
		},
		"reload": func(ctx context.Context, _ args) (any, error) {
			return true, svc.Reload(ctx)
		},
		"switchServer": func(ctx context.Context, a args) (any, error) {
			return true, svc.SwitchServer(ctx, a.str("config"))
		},
		"getConnectionStatus": func(context.Context, args) (any, error) {
			return svc.Status(), nil
		},
		"getConnectionStats": func(context.Context, args) (any, error) {
			return svc.Stats(), nil
		},
		"testSpeed": func(context.Context, args) (any, error) {
			return svc.TestSpeed(), nil
		},
		"pingCurrentServer": func(context.Context, args) (any, error) {
			return svc.PingCurrentServer(), nil
		},
		"getCurrentServerAddress": func(context.Context, args) (any, error) {
			return svc.CurrentServerAddress(), nil
		},
		"getSessionId": func(context.Context, args) (any, error) {
			return svc.SessionID(), nil
		},
		"setIdleMode": func(_ context.Context, a args) (any, error) {
			idle, err := a.boolean("idle")
			if err != nil {
				return nil, err
			}
			svc.OnIdleModeChanged(idle)
			return true, nil
		},
		"getPlatformVersion": func(context.Context, args) (any, error) {
			return runtime.GOOS + " " + h.version, nil
		},

		"setDnsServers": func(_ context.Context, a args) (any, error) {
			ok, err := svc.SetDNSServers(a.stringList("dnsServers"))
			if err == nil && !ok {
				err = core.NewAlert(core.AlertInvalidArgument, "one or more DNS servers have invalid format")
			}
			return ok, err
		},

		"saveSettings": func(_ context.Context, a args) (any, error) {
			doc, err := a.object("settings")
			if err != nil {
				return false, err
			}
			return true, svc.SaveSettings(settings.Document(doc))
		},
		"loadSettings": func(context.Context, args) (any, error) {
			return svc.LoadSettings(), nil
		},
		"getSettings": func(context.Context, args) (any, error) {
			return svc.GetSettings(), nil
		},
		"updateSetting": func(_ context.Context, a args) (any, error) {
			key, err := a.required("key")
			if err != nil {
				return false, err
			}
			return true, svc.UpdateSetting(key, a["value"])
		},
		"setSystemProxyEnabled": func(_ context.Context, a args) (any, error) {
			enabled, err := a.boolean("enabled")
			if err != nil {
				return false, err
			}
			return true, svc.SetSystemProxyEnabled(enabled)
		},
		"getSystemProxyStatus": func(context.Context, args) (any, error) {
			available, enabled := svc.SystemProxyStatus()
			return map[string]bool{"available": available, "enabled": enabled}, nil
		},

		"addServerConfig": func(_ context.Context, a args) (any, error) {
			cfg, err := a.object("config")
			if err != nil {
				return false, err
			}
			return true, svc.AddServerConfig(servers.Config(cfg))
		},
		"updateServerConfig": func(_ context.Context, a args) (any, error) {
			cfg, err := a.object("config")
			if err != nil {
				return false, err
			}
			return true, svc.UpdateServerConfig(servers.Config(cfg))
		},
		"removeServerConfig": func(_ context.Context, a args) (any, error) {
			id, err := a.required("configId")
			if err != nil {
				return false, err
			}
			return svc.RemoveServerConfig(id)
		},
		"getServerConfigs": func(context.Context, args) (any, error) {
			return svc.GetServerConfigs()
		},
		"getServerConfig": func(_ context.Context, a args) (any, error) {
			id, err := a.required("configId")
			if err != nil {
				return nil, err
			}
			return svc.GetServerConfig(id)
		},
		"setActiveServerConfig": func(_ context.Context, a args) (any, error) {
			return true, svc.SetActiveServerConfig(a.str("configId"))
		},
		"getActiveServerConfig": func(context.Context, args) (any, error) {
			return svc.GetActiveServerConfig()
		},
	}

	for _, r := range ruleMethods {
		set, arg := string(r.kind), r.arg
		h.methods[r.add] = func(_ context.Context, a args) (any, error) {
			return svc.AddRule(set, a.str(arg))
		}
		h.methods[r.remove] = func(_ context.Context, a args) (any, error) {
			return svc.RemoveRule(set, a.str(arg))
		}
		h.methods[r.list] = func(context.Context, args) (any, error) {
			return svc.ListRules(set)
		}
	}
	return h
}

var ruleMethods = []struct {
	add, remove, list, arg string
	kind                   rules.Kind
}{
	{"addAppToBypass", "removeAppFromBypass", "getBypassApps", "packageName", rules.BypassApps},
	{"addDomainToBypass", "removeDomainFromBypass", "getBypassDomains", "domain", rules.BypassDomains},
	{"addSubnetToBypass", "removeSubnetFromBypass", "getBypassSubnets", "subnet", rules.BypassSubnets},
	{"addBlockedApp", "removeBlockedApp", "getBlockedApps", "packageName", rules.BlockApps},
	{"addBlockedDomain", "removeBlockedDomain", "getBlockedDomains", "domain", rules.BlockDomains},
	{"addDnsServer", "removeDnsServer", "getDnsServers", "dnsServer", rules.DNSServers},
}

// Methods lists the names accepted by Call.
func (h *Handler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	return names
}

// Call dispatches one command. Command failures are reported in the reply
// body; only malformed requests fail at the gRPC level.
func (h *Handler) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["method"].GetStringValue()
	m, ok := h.methods[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", name)
	}
	a := args(req.GetFields()["args"].GetStructValue().AsMap())

	result, err := m(ctx, a)
	if err != nil {
		core.Log.Debugf("IPC", "%s failed: %v", name, err)
		return errorReply(err), nil
	}
	reply, err := okReply(result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return reply, nil
}

// StreamStatus sends the current status, then every change.
func (h *Handler) StreamStatus(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch := h.svc.SubscribeStatus()
	defer h.svc.UnsubscribeStatus(ch)
	if err := stream.SendMsg(wrapperspb.String(h.svc.Status())); err != nil {
		return err
	}
	return pump[string](stream.Context(), ch, func(s string) error {
		return stream.SendMsg(wrapperspb.String(s))
	})
}

// StreamStats sends every published stats sample.
func (h *Handler) StreamStats(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch := h.svc.SubscribeStats()
	defer h.svc.UnsubscribeStats(ch)
	return pump[stats.Sample](stream.Context(), ch, func(s stats.Sample) error {
		msg, err := toStruct(s)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
}

// StreamLogs sends recent log lines and then live ones. The request may
// carry "level", "tag" and "tail".
func (h *Handler) StreamLogs(req *structpb.Struct, stream grpc.ServerStream) error {
	a := args(req.AsMap())
	level := core.LevelDebug
	if l := a.str("level"); l != "" {
		level = core.ParseLevel(l)
	}
	tail := defaultLogTail
	if n, ok := a["tail"].(float64); ok {
		tail = int(n)
	}

	sub := h.svc.Logs().Subscribe(level, a.str("tag"), tail)
	defer h.svc.Logs().Unsubscribe(sub)
	return pump[bridge.LogLine](stream.Context(), sub.C, func(l bridge.LogLine) error {
		return stream.SendMsg(wrapperspb.String(l.String()))
	})
}

// StreamNotifications relays engine notifications.
func (h *Handler) StreamNotifications(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch := h.svc.SubscribeNotifications()
	defer h.svc.UnsubscribeNotifications(ch)
	return pump[core.NotificationPayload](stream.Context(), ch, func(n core.NotificationPayload) error {
		msg, err := toStruct(n)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
}

// pump forwards values until ctx ends or ch closes.
func pump[T any](ctx context.Context, ch <-chan T, send func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(v); err != nil {
				return err
			}
		}
	}
}
