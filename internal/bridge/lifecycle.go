package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/session"
	"singbox-bridge/internal/settings"
)

// Connect starts a session for config and blocks until it is up or failed.
func (s *Service) Connect(ctx context.Context, config string) error {
	s.setRunningConfigID("")
	s.reconnect.SetIntent(true)
	err := s.ctrl.Start(ctx, config, s.cfg.StartOptions)
	if err != nil {
		if kind, ok := core.AlertKindOf(err); !ok || !retryable(kind) {
			s.reconnect.SetIntent(false)
		}
		return err
	}
	return nil
}

// ConnectActive connects the active server config.
func (s *Service) ConnectActive(ctx context.Context) error {
	cfg, err := s.servers.Active()
	if err != nil {
		return err
	}
	if cfg == nil {
		return core.NewAlert(core.AlertNotFound, "no active server config")
	}
	text, err := cfg.EngineConfig()
	if err != nil {
		return core.WrapAlert(core.AlertInvalidArgument, err)
	}
	if err := s.Connect(ctx, text); err != nil {
		return err
	}
	s.setRunningConfigID(cfg.ID())
	return nil
}

// Disconnect stops the session and waits until it is Stopped or ctx ends.
func (s *Service) Disconnect(ctx context.Context) error {
	s.reconnect.SetIntent(false)
	select {
	case <-s.ctrl.Stop():
		return nil
	case <-ctx.Done():
		return core.WrapAlert(core.AlertDisconnectTimeout, ctx.Err())
	}
}

// Reload restarts a live session with its cached configuration.
func (s *Service) Reload(ctx context.Context) error {
	return s.ctrl.Reload(ctx)
}

// SwitchServer replaces the running session with one for config. A session
// that is not Stopped is stopped first, or awaited if already stopping. If
// it does not reach Stopped within the switch timeout a DisconnectTimeout
// alert is returned and nothing is restarted.
func (s *Service) SwitchServer(ctx context.Context, config string) error {
	if strings.TrimSpace(config) == "" {
		return core.NewAlert(core.AlertInvalidArgument, "config is required")
	}
	if st := s.ctrl.Status(); st != session.Stopped {
		core.Log.Infof("Bridge", "Switching server: stopping current session (%s)", st)
		s.reconnect.SetIntent(false)
		if st != session.Stopping {
			s.ctrl.Stop()
		}
		if err := s.waitStopped(ctx); err != nil {
			return err
		}
		if err := s.sleep(ctx, s.cfg.SwitchSettle); err != nil {
			return err
		}
	}
	return s.Connect(ctx, config)
}

// waitStopped polls the controller state until Stopped or the switch
// timeout elapses.
func (s *Service) waitStopped(ctx context.Context) error {
	deadline := time.NewTimer(s.cfg.SwitchTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.cfg.SwitchPoll)
	defer poll.Stop()

	for {
		if s.ctrl.Status() == session.Stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if s.ctrl.Status() == session.Stopped {
				return nil
			}
			core.Log.Warnf("Bridge", "Session did not stop within %s", s.cfg.SwitchTimeout)
			return core.NewAlert(core.AlertDisconnectTimeout, "session did not stop within %s", s.cfg.SwitchTimeout)
		case <-poll.C:
		}
	}
}

// reconnectStart restarts with the configuration of the failed start.
func (s *Service) reconnectStart(ctx context.Context) error {
	err := s.ctrl.Start(ctx, s.ctrl.CurrentConfig(), s.cfg.StartOptions)
	if errors.Is(err, core.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// SpeedResult is the answer to a speed query.
type SpeedResult struct {
	DownloadSpeed int64  `json:"downloadSpeed"`
	UploadSpeed   int64  `json:"uploadSpeed"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// TestSpeed reports the current throughput of the session.
func (s *Service) TestSpeed() SpeedResult {
	if s.ctrl.Status() != session.Started {
		return SpeedResult{ErrorMessage: "Not connected to VPN"}
	}
	sample := s.ctrl.Stats()
	return SpeedResult{
		DownloadSpeed: sample.DownloadSpeed,
		UploadSpeed:   sample.UploadSpeed,
		Success:       true,
	}
}

// PingResult is the answer to a ping query.
type PingResult struct {
	Ping         int64  `json:"ping"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Address      string `json:"address"`
}

// PingCurrentServer reports the latest measured round trip time.
func (s *Service) PingCurrentServer() PingResult {
	res := PingResult{Address: s.CurrentServerAddress()}
	if s.ctrl.Status() != session.Started {
		res.ErrorMessage = "Not connected to VPN"
		return res
	}
	if p := s.ctrl.Stats().Ping; p != nil && *p > 0 {
		res.Ping = *p
		res.Success = true
		return res
	}
	res.ErrorMessage = "Ping not available"
	return res
}

// CurrentServerAddress returns the server of the session's first outbound:
// its "server", else "settings.server", else "settings.address".
func (s *Service) CurrentServerAddress() string {
	return outboundServer(s.ctrl.CurrentConfig())
}

func outboundServer(config string) string {
	if strings.TrimSpace(config) == "" {
		return ""
	}
	var doc struct {
		Outbounds []map[string]any `json:"outbounds"`
	}
	if err := json.Unmarshal([]byte(config), &doc); err != nil || len(doc.Outbounds) == 0 {
		return ""
	}
	first := doc.Outbounds[0]
	if server, _ := first["server"].(string); server != "" {
		return server
	}
	nested, _ := first["settings"].(map[string]any)
	if server, _ := nested["server"].(string); server != "" {
		return server
	}
	addr, _ := nested["address"].(string)
	return addr
}

// SystemProxyStatus reports whether the live tunnel offers a system proxy
// and whether it is enabled.
func (s *Service) SystemProxyStatus() (available, enabled bool) {
	if s.proxy != nil {
		st := s.proxy.SystemProxyStatus()
		available = st.Available
	}
	return available, s.settings.Bool(settings.KeySystemProxyEnabled)
}
