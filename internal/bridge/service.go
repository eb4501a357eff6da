// Package bridge is the command surface of the daemon: lifecycle commands,
// rule/settings/server-config management, and the status, stats,
// notification and log streams exposed over IPC.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/rules"
	"singbox-bridge/internal/servers"
	"singbox-bridge/internal/session"
	"singbox-bridge/internal/settings"
	"singbox-bridge/internal/stats"
	"singbox-bridge/internal/tunnel"
)

const (
	defaultSwitchTimeout = 5 * time.Second
	defaultSwitchPoll    = 100 * time.Millisecond
	defaultSwitchSettle  = 500 * time.Millisecond
)

// ProxyStatusSource reports the system proxy state of the live tunnel.
type ProxyStatusSource interface {
	SystemProxyStatus() tunnel.SystemProxyStatus
}

// Deps are the components a Service drives.
type Deps struct {
	Controller *session.Controller
	Rules      *rules.Store
	Settings   *settings.Store
	Servers    *servers.Manager
	Proxy      ProxyStatusSource
	Bus        *core.EventBus
}

// Config tunes the service.
type Config struct {
	SwitchTimeout time.Duration
	SwitchPoll    time.Duration
	SwitchSettle  time.Duration
	Reconnect     core.ReconnectConfig
	// StartOptions are passed to every session start.
	StartOptions session.Options
}

// ConfigFrom derives the service config from the daemon config.
func ConfigFrom(cfg core.Config) Config {
	return Config{
		SwitchTimeout: cfg.Session.SwitchTimeoutDuration(),
		SwitchPoll:    cfg.Session.SwitchPollDuration(),
		SwitchSettle:  cfg.Session.SwitchSettleDuration(),
		Reconnect:     cfg.Reconnect,
	}
}

// Service implements the bridge commands on top of the session controller
// and the stores.
type Service struct {
	ctrl     *session.Controller
	rules    *rules.Store
	settings *settings.Store
	servers  *servers.Manager
	proxy    ProxyStatusSource
	bus      *core.EventBus
	cfg      Config

	logs      *LogStreamer
	reconnect *ReconnectManager

	status        hub[string]
	notifications hub[core.NotificationPayload]
	stopStatus    func()

	// runningID is the server config id the live session was started from
	// by ConnectActive, or "".
	runningMu sync.Mutex
	runningID string

	// background tracks reloads and auto-connects started by commands.
	background sync.WaitGroup
	sleep      func(ctx context.Context, d time.Duration) error
}

// New wires a Service. Nothing runs until Start.
func New(d Deps, cfg Config) *Service {
	if cfg.SwitchTimeout <= 0 {
		cfg.SwitchTimeout = defaultSwitchTimeout
	}
	if cfg.SwitchPoll <= 0 {
		cfg.SwitchPoll = defaultSwitchPoll
	}
	if cfg.SwitchSettle <= 0 {
		cfg.SwitchSettle = defaultSwitchSettle
	}
	if d.Bus == nil {
		d.Bus = core.NewEventBus()
	}

	s := &Service{
		ctrl:     d.Controller,
		rules:    d.Rules,
		settings: d.Settings,
		servers:  d.Servers,
		proxy:    d.Proxy,
		bus:      d.Bus,
		cfg:      cfg,
		logs:     NewLogStreamer(),
		sleep:    sleepContext,
	}
	s.reconnect = NewReconnectManager(cfg.Reconnect, s.reconnectStart, s.ctrl.Status)
	s.stopStatus = s.ctrl.Subscribe(func(st session.State) {
		s.status.Publish(st.Status())
	})
	s.bus.Subscribe(core.EventRulesChanged, s.handleRulesChanged)
	s.bus.Subscribe(core.EventServerConfigsChanged, s.handleServerConfigsChanged)
	s.bus.Subscribe(core.EventNotification, func(e core.Event) {
		if n, ok := e.Payload.(core.NotificationPayload); ok {
			s.notifications.Publish(n)
		}
	})
	s.bus.Subscribe(core.EventSettingsChanged, s.handleSettingsChanged)
	return s
}

// Start begins log capture and reconnect handling, and connects the
// active server config if autoConnectOnStart is set.
func (s *Service) Start(ctx context.Context) {
	s.logs.Start()
	s.reconnect.Start(s.bus)
	s.reconnect.SetEnabled(s.settings.Bool(settings.KeyAutoReconnectOnDisconnect))

	if !s.settings.Bool(settings.KeyAutoConnectOnStart) {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		core.Log.Infof("Bridge", "Auto-connecting active server config")
		if err := s.ConnectActive(ctx); err != nil {
			core.Log.Warnf("Bridge", "Auto-connect failed: %v", err)
		}
	}()
}

// Close stops the session, waits for background work, and closes streams.
func (s *Service) Close(ctx context.Context) error {
	s.reconnect.Stop()
	err := s.Disconnect(ctx)
	s.background.Wait()
	s.stopStatus()
	s.status.Close()
	s.notifications.Close()
	s.logs.Stop()
	return err
}

// Logs returns the log streamer.
func (s *Service) Logs() *LogStreamer { return s.logs }

// Status returns the wire status string.
func (s *Service) Status() string { return s.ctrl.Status().Status() }

// SessionID identifies the connected session, or "" when not connected.
func (s *Service) SessionID() string { return s.ctrl.SessionID() }

// Stats returns the latest sample, zero unless connected.
func (s *Service) Stats() stats.Sample { return s.ctrl.Stats() }

// SubscribeStatus returns a channel of wire status strings.
func (s *Service) SubscribeStatus() chan string { return s.status.Subscribe() }

func (s *Service) UnsubscribeStatus(ch chan string) { s.status.Unsubscribe(ch) }

// SubscribeStats returns a channel receiving every published sample.
func (s *Service) SubscribeStats() chan stats.Sample { return s.ctrl.SubscribeStats() }

func (s *Service) UnsubscribeStats(ch chan stats.Sample) { s.ctrl.UnsubscribeStats(ch) }

// SubscribeNotifications returns a channel of engine notifications.
func (s *Service) SubscribeNotifications() chan core.NotificationPayload {
	return s.notifications.Subscribe()
}

func (s *Service) UnsubscribeNotifications(ch chan core.NotificationPayload) {
	s.notifications.Unsubscribe(ch)
}

// OnIdleModeChanged forwards host idle transitions to the session.
func (s *Service) OnIdleModeChanged(idle bool) { s.ctrl.OnIdleModeChanged(idle) }

// WaitBackground blocks until reloads triggered by commands have finished.
func (s *Service) WaitBackground() { s.background.Wait() }

// handleRulesChanged restarts a live session so the tunnel picks up the
// new rule sets.
func (s *Service) handleRulesChanged(e core.Event) {
	if p, ok := e.Payload.(core.RulesPayload); ok {
		s.reloadAsync(fmt.Sprintf("%s changed", p.Set))
	}
}

// handleServerConfigsChanged moves a session started from the active
// server config onto the edited version of that config.
func (s *Service) handleServerConfigsChanged(e core.Event) {
	p, ok := e.Payload.(core.ServerConfigsPayload)
	if !ok || p.ID == "" || p.ID != s.runningConfigID() || s.ctrl.Status() != session.Started {
		return
	}
	if p.Removed {
		core.Log.Warnf("Bridge", "Server config %q removed while connected", p.ID)
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		cfg, err := s.servers.Get(p.ID)
		if err != nil || cfg == nil {
			return
		}
		text, err := cfg.EngineConfig()
		if err != nil || text == s.ctrl.CurrentConfig() {
			return
		}
		core.Log.Infof("Bridge", "Server config %q changed, switching session", p.ID)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SwitchTimeout+s.cfg.SwitchSettle+defaultSwitchTimeout)
		defer cancel()
		if err := s.SwitchServer(ctx, text); err != nil {
			core.Log.Warnf("Bridge", "Switch to edited config %q failed: %v", p.ID, err)
			return
		}
		s.setRunningConfigID(p.ID)
	}()
}

func (s *Service) runningConfigID() string {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return s.runningID
}

func (s *Service) setRunningConfigID(id string) {
	s.runningMu.Lock()
	s.runningID = id
	s.runningMu.Unlock()
}

func (s *Service) handleSettingsChanged(e core.Event) {
	p, ok := e.Payload.(core.SettingsPayload)
	if !ok {
		return
	}
	if p.Key == "" || p.Key == settings.KeyAutoReconnectOnDisconnect {
		s.reconnect.SetEnabled(s.settings.Bool(settings.KeyAutoReconnectOnDisconnect))
	}
	if p.Key == settings.KeySystemProxyEnabled {
		s.reloadAsync("system proxy toggled")
	}
}

// reloadAsync restarts a live session in the background so the command
// that changed its inputs returns immediately.
func (s *Service) reloadAsync(reason string) {
	if s.ctrl.Status() != session.Started {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		core.Log.Infof("Bridge", "Reloading session: %s", reason)
		if err := s.ctrl.Reload(context.Background()); err != nil {
			core.Log.Warnf("Bridge", "Reload after %s failed: %v", reason, err)
		}
	}()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
