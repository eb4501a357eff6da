package ipc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"singbox-bridge/internal/bridge"
	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
	"singbox-bridge/internal/rules"
	"singbox-bridge/internal/servers"
	"singbox-bridge/internal/session"
	"singbox-bridge/internal/settings"
	"singbox-bridge/internal/storage"
)

func TestMain(m *testing.M) {
	core.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

const testConfig = `{"outbounds":[{"type":"shadowsocks","server":"ss.example.org","server_port":8388}]}`

type stubSession struct{}

func (stubSession) Start() error                              { return nil }
func (stubSession) Close() error                              { return nil }
func (stubSession) Pause()                                    {}
func (stubSession) Wake()                                     {}
func (stubSession) NeedsHostCapability() bool                 { return false }
func (stubSession) Connections() ([]engine.Connection, error) { return nil, nil }

type stubEngine struct{}

func (stubEngine) NewSession(context.Context, string, engine.Platform) (engine.Session, error) {
	return stubSession{}, nil
}

func newTestService(t *testing.T) *bridge.Service {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "ipc.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := core.NewEventBus()
	rs, err := rules.NewStore(db, bus)
	if err != nil {
		t.Fatal(err)
	}
	st := settings.NewStore(db, bus)
	ctrl := session.NewController(stubEngine{}, nil, nil, bus, session.Config{StatsInterval: 10 * time.Millisecond})
	svc := bridge.New(bridge.Deps{
		Controller: ctrl,
		Rules:      rs,
		Settings:   st,
		Servers:    servers.NewManager(db, st, bus),
		Bus:        bus,
	}, bridge.Config{SwitchSettle: time.Millisecond})
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

func newTestClient(t *testing.T, svc *bridge.Service, opts ...grpc.ServerOption) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(opts...)
	RegisterBridgeServer(gs, NewHandler(svc, "test"))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	c := NewClient(conn)
	t.Cleanup(func() { c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCall_RuleCommands(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	ctx := callCtx(t)

	got, err := c.Call(ctx, "getDnsServers", nil)
	if err != nil {
		t.Fatalf("getDnsServers: %v", err)
	}
	if list, _ := got.([]any); !slices.Equal(list, []any{"1.1.1.1", "8.8.8.8"}) {
		t.Fatalf("dns servers = %v", got)
	}

	added, err := c.Call(ctx, "addDomainToBypass", map[string]any{"domain": "HTTPS://www.Example.org/x"})
	if err != nil || added != true {
		t.Fatalf("addDomainToBypass = %v, %v", added, err)
	}
	got, _ = c.Call(ctx, "getBypassDomains", nil)
	if list, _ := got.([]any); !slices.Equal(list, []any{"example.org"}) {
		t.Fatalf("bypass domains = %v", got)
	}

	_, err = c.Call(ctx, "addSubnetToBypass", map[string]any{"subnet": ""})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("blank subnet err = %v", err)
	}

	_, err = c.Call(ctx, "setDnsServers", map[string]any{"dnsServers": []string{"8.8.4.4", "dns.google"}})
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("invalid dns list err = %v", err)
	}
}

func TestCall_UnknownMethod(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	_, err := c.Call(callCtx(t), "selfDestruct", nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("err = %v, want Unimplemented", err)
	}
}

func TestCall_ServerConfigs(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	ctx := callCtx(t)

	cfg := map[string]any{"id": "nl-1", "name": "Amsterdam", "config": testConfig}
	if _, err := c.Call(ctx, "addServerConfig", map[string]any{"config": cfg}); err != nil {
		t.Fatalf("addServerConfig: %v", err)
	}
	if _, err := c.Call(ctx, "addServerConfig", map[string]any{}); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("missing config err = %v", err)
	}
	if _, err := c.Call(ctx, "setActiveServerConfig", map[string]any{"configId": "nl-1"}); err != nil {
		t.Fatalf("setActiveServerConfig: %v", err)
	}
	active, err := c.Call(ctx, "getActiveServerConfig", nil)
	if err != nil {
		t.Fatalf("getActiveServerConfig: %v", err)
	}
	if m, _ := active.(map[string]any); m["name"] != "Amsterdam" {
		t.Fatalf("active = %v", active)
	}

	if _, err := c.Call(ctx, "connectActive", nil); err != nil {
		t.Fatalf("connectActive: %v", err)
	}
	addr, _ := c.Call(ctx, "getCurrentServerAddress", nil)
	if addr != "ss.example.org" {
		t.Fatalf("address = %v", addr)
	}
	if id, _ := c.Call(ctx, "getSessionId", nil); id == "" || id == nil {
		t.Fatalf("session id = %v while connected", id)
	}
}

func TestCall_LifecycleErrorsKeepKind(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	ctx := callCtx(t)

	_, err := c.Call(ctx, "connect", map[string]any{"config": ""})
	if !errors.Is(err, core.ErrEmptyConfiguration) {
		t.Fatalf("err = %v, want empty configuration", err)
	}
	if !strings.Contains(err.Error(), "configuration is empty") {
		t.Fatalf("message lost: %v", err)
	}
}

func TestStreamStatus(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	ctx := callCtx(t)

	ch, err := c.StreamStatus(ctx)
	if err != nil {
		t.Fatalf("StreamStatus: %v", err)
	}
	next := func() string {
		select {
		case s := <-ch:
			return s
		case <-ctx.Done():
			t.Fatal("status stream timed out")
			return ""
		}
	}
	if s := next(); s != "disconnected" {
		t.Fatalf("initial status = %q", s)
	}

	if _, err := c.Call(ctx, "connect", map[string]any{"config": testConfig}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.Call(ctx, "disconnect", nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	var got []string
	for range 4 {
		got = append(got, next())
	}
	want := []string{"connecting", "connected", "disconnecting", "disconnected"}
	if !slices.Equal(got, want) {
		t.Fatalf("status stream = %v, want %v", got, want)
	}
}

func TestStreamLogs(t *testing.T) {
	c := newTestClient(t, newTestService(t))
	ctx := callCtx(t)

	core.Log.Warnf("Engine", "before subscribe")
	ch, err := c.StreamLogs(ctx, "warn", "Engine", 10)
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	select {
	case line := <-ch:
		if !strings.Contains(line, "[WARN] Engine: before subscribe") {
			t.Fatalf("line = %q", line)
		}
	case <-ctx.Done():
		t.Fatal("no tail line")
	}
}

func TestConnTracker_FiresAfterLastClient(t *testing.T) {
	var idle atomic.Int32
	tracker := NewConnTracker(20*time.Millisecond, func() { idle.Add(1) })
	c := newTestClient(t, newTestService(t), tracker.ServerOptions()...)

	if _, err := c.Call(callCtx(t), "getConnectionStatus", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for idle.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle callback never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := tracker.ActiveCount(); n != 0 {
		t.Fatalf("active = %d", n)
	}
}

func TestConnTracker_CancelGrace(t *testing.T) {
	var idle atomic.Int32
	tracker := NewConnTracker(30*time.Millisecond, func() { idle.Add(1) })
	tracker.inc()
	tracker.dec()
	tracker.CancelGrace()
	time.Sleep(60 * time.Millisecond)
	if idle.Load() != 0 {
		t.Fatal("idle fired after CancelGrace")
	}
}

func TestServer_UnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "b.sock")
	// A stale file from a crashed daemon must not block startup.
	if err := os.WriteFile(socket, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(socket, NewHandler(newTestService(t), "test"))
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve(ln)
	defer srv.Stop()

	c, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	got, err := c.Call(callCtx(t), "getConnectionStatus", nil)
	if err != nil || got != "disconnected" {
		t.Fatalf("status = %v, %v", got, err)
	}
}
