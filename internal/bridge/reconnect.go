package bridge

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/session"
)

// ReconnectManager retries a session start that failed for a lifecycle
// reason while the user still wants to be connected.
type ReconnectManager struct {
	mu      sync.Mutex
	cfg     core.ReconnectConfig
	enabled bool
	connect func(ctx context.Context) error
	status  func() session.State

	intent   bool
	retrying context.CancelFunc
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewReconnectManager creates a disabled manager. connect restarts the
// session and status reports the controller state.
func NewReconnectManager(cfg core.ReconnectConfig, connect func(ctx context.Context) error, status func() session.State) *ReconnectManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReconnectManager{
		cfg:     cfg,
		connect: connect,
		status:  status,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to lifecycle alerts and status changes.
func (rm *ReconnectManager) Start(bus *core.EventBus) {
	bus.Subscribe(core.EventAlert, rm.handleAlert)
	bus.Subscribe(core.EventStatusChanged, rm.handleStatus)
	core.Log.Infof("Reconnect", "Reconnect manager started (interval=%s, max_retries=%d)",
		rm.cfg.IntervalDuration(), rm.cfg.MaxRetries)
}

// Stop cancels any retry loop for good.
func (rm *ReconnectManager) Stop() {
	rm.cancel()
	rm.mu.Lock()
	rm.cancelRetryLocked()
	rm.mu.Unlock()
}

// SetEnabled toggles retries at runtime. Disabling cancels a running loop.
func (rm *ReconnectManager) SetEnabled(enabled bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.enabled == enabled {
		return
	}
	rm.enabled = enabled
	if !enabled {
		rm.cancelRetryLocked()
	}
	core.Log.Infof("Reconnect", "Auto-reconnect enabled=%v", enabled)
}

// Enabled reports whether retries are on.
func (rm *ReconnectManager) Enabled() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.enabled
}

// SetIntent records whether the user wants a session. Clearing it stops
// an ongoing retry loop.
func (rm *ReconnectManager) SetIntent(connected bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.intent = connected
	if !connected {
		rm.cancelRetryLocked()
	}
}

// Retrying reports whether a retry loop is active.
func (rm *ReconnectManager) Retrying() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.retrying != nil
}

func retryable(kind core.AlertKind) bool {
	return kind == core.AlertStartService || kind == core.AlertStartCommandServer
}

func (rm *ReconnectManager) handleAlert(e core.Event) {
	payload, ok := e.Payload.(core.AlertPayload)
	if !ok || payload.Err == nil || !retryable(payload.Err.Kind) {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.enabled || !rm.intent || rm.retrying != nil || rm.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(rm.ctx)
	rm.retrying = cancel
	go rm.reconnectLoop(ctx)
}

// handleStatus ends a retry loop as soon as any session comes up, without
// waiting for the next attempt.
func (rm *ReconnectManager) handleStatus(e core.Event) {
	p, ok := e.Payload.(core.StatusPayload)
	if !ok || p.NewStatus != session.Started.Status() {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.retrying != nil {
		core.Log.Infof("Reconnect", "Session %s is up, stopping retries", p.SessionID)
		rm.cancelRetryLocked()
	}
}

func (rm *ReconnectManager) reconnectLoop(ctx context.Context) {
	defer rm.cleanup(ctx)

	burst := rm.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Every(rm.cfg.IntervalDuration()), burst)
	// The failure that got us here used the first token.
	limiter.Allow()

	core.Log.Infof("Reconnect", "Starting retry loop (interval=%s)", rm.cfg.IntervalDuration())
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			core.Log.Infof("Reconnect", "Retry loop cancelled")
			return
		}

		rm.mu.Lock()
		intent := rm.intent
		rm.mu.Unlock()
		if !intent {
			return
		}
		if rm.status() == session.Started {
			core.Log.Infof("Reconnect", "Session already up, stopping retries")
			return
		}
		if rm.cfg.MaxRetries > 0 && attempt > rm.cfg.MaxRetries {
			core.Log.Warnf("Reconnect", "Max retries (%d) reached", rm.cfg.MaxRetries)
			return
		}

		core.Log.Infof("Reconnect", "Attempt %d", attempt)
		if err := rm.connect(ctx); err != nil {
			core.Log.Warnf("Reconnect", "Attempt %d failed: %v", attempt, err)
			continue
		}
		core.Log.Infof("Reconnect", "Reconnected")
		return
	}
}

// cleanup clears the retry slot if it still belongs to ctx's loop.
func (rm *ReconnectManager) cleanup(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.retrying != nil && ctx.Err() == nil {
		rm.retrying()
		rm.retrying = nil
	}
}

func (rm *ReconnectManager) cancelRetryLocked() {
	if rm.retrying != nil {
		rm.retrying()
		rm.retrying = nil
	}
}
