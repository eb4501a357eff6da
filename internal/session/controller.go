// Package session owns the engine session and its lifecycle state machine:
// Stopped → Starting → Started → Stopping → Stopped.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
	"singbox-bridge/internal/stats"
)

const (
	defaultStatsInterval = 1 * time.Second
	statsChannelSize     = 4
)

// ErrStartCancelled is returned by a start that a concurrent Stop superseded.
var ErrStartCancelled = errors.New("session: start cancelled by stop")

// Options are per-start parameters kept for reloads.
type Options struct {
	// CommandServer, if set, is started before the engine session and
	// closed after it.
	CommandServer engine.CommandServer
	// CapabilityGranted reports whether the host capability a session may
	// need is granted. nil means granted.
	CapabilityGranted func() bool
}

// Config tunes the controller.
type Config struct {
	StatsInterval time.Duration
	Now           func() time.Time
}

// Controller serialises lifecycle commands and owns the live engine session.
type Controller struct {
	engine   engine.Engine
	platform engine.Platform
	sampler  *stats.Sampler
	bus      *core.EventBus
	interval time.Duration
	now      func() time.Time

	mu            sync.Mutex
	state         State
	session       engine.Session
	cmdServer     engine.CommandServer
	config        string
	opts          Options
	hasConfig     bool
	stopRequested bool
	startedAt     time.Time
	sessionID     string
	stopped       chan struct{} // closed whenever state is Stopped

	// notifyMu orders observer callbacks; it is taken while mu is held and
	// released after callbacks run, so notifications never reorder.
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[uint64]func(State)
	alertObs  map[uint64]func(*core.AlertError)
	nextObs   uint64

	loopMu sync.Mutex
	loop   *periodicTask

	statsMu        sync.Mutex
	statsListeners []chan stats.Sample
}

// NewController creates a controller in the Stopped state.
func NewController(eng engine.Engine, platform engine.Platform, sampler *stats.Sampler, bus *core.EventBus, cfg Config) *Controller {
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaultStatsInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sampler == nil {
		sampler = stats.NewSampler()
	}
	stopped := make(chan struct{})
	close(stopped)
	return &Controller{
		engine:    eng,
		platform:  platform,
		sampler:   sampler,
		bus:       bus,
		interval:  cfg.StatsInterval,
		now:       cfg.Now,
		stopped:   stopped,
		observers: make(map[uint64]func(State)),
		alertObs:  make(map[uint64]func(*core.AlertError)),
	}
}

// Status returns the current state.
func (c *Controller) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID identifies the current Started session, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// CurrentConfig returns the configuration of the last start.
func (c *Controller) CurrentConfig() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Stats returns the latest sample while Started and a zero sample otherwise.
func (c *Controller) Stats() stats.Sample {
	if c.Status() != Started {
		return stats.Sample{}
	}
	return c.sampler.Last()
}

// Start brings up a session for config. It blocks until the session is
// Started or the attempt failed; failures always leave the state Stopped.
func (c *Controller) Start(ctx context.Context, config string, opts Options) error {
	c.mu.Lock()
	if c.state != Stopped {
		state := c.state
		c.mu.Unlock()
		return core.NewAlert(core.AlertAlreadyRunning, "session is %s", state)
	}
	c.config, c.opts, c.hasConfig = config, opts, true
	c.stopRequested = false
	c.transition(Starting)
	c.mu.Unlock()

	return c.runStart(ctx, config, opts)
}

// runStart performs bring-up with no lock held, then settles the state.
func (c *Controller) runStart(ctx context.Context, config string, opts Options) error {
	sess, cmd, err := c.bringUp(ctx, config, opts)

	c.mu.Lock()
	if c.stopRequested {
		c.stopRequested = false
		c.transition(Stopping)
		c.mu.Unlock()

		closeQuietly(sess, cmd)
		c.resetPlatform()

		c.mu.Lock()
		c.transition(Stopped)
		c.mu.Unlock()
		core.Log.Infof("Session", "Start superseded by stop")
		if err != nil {
			return err
		}
		return ErrStartCancelled
	}

	if err != nil {
		c.transition(Stopped)
		c.mu.Unlock()
		c.publishAlert(err)
		return err
	}

	now := c.now()
	c.session, c.cmdServer = sess, cmd
	c.startedAt = now
	c.sessionID = uuid.NewString()
	c.sampler.Reset(now)
	c.transition(Started)
	started := c.state == Started
	c.mu.Unlock()

	if started {
		c.startLoop(sess, now)
	}
	return nil
}

// bringUp creates and starts the engine session. On error nothing is left
// running.
func (c *Controller) bringUp(ctx context.Context, config string, opts Options) (engine.Session, engine.CommandServer, error) {
	if strings.TrimSpace(config) == "" {
		return nil, nil, core.NewAlert(core.AlertEmptyConfiguration, "configuration is empty")
	}

	cmd := opts.CommandServer
	if cmd != nil {
		if err := cmd.Start(); err != nil {
			return nil, nil, core.WrapAlert(core.AlertStartCommandServer, err)
		}
	}

	sess, err := c.engine.NewSession(ctx, config, c.platform)
	if err != nil {
		closeQuietly(nil, cmd)
		return nil, nil, core.WrapAlert(core.AlertCreateService, err)
	}

	if sess.NeedsHostCapability() && opts.CapabilityGranted != nil && !opts.CapabilityGranted() {
		closeQuietly(sess, cmd)
		return nil, nil, core.NewAlert(core.AlertRequestLocationPermission, "configuration needs a host capability that is not granted")
	}

	if err := sess.Start(); err != nil {
		closeQuietly(sess, cmd)
		c.resetPlatform()
		if _, ok := core.AlertKindOf(err); ok {
			return nil, nil, err
		}
		return nil, nil, core.WrapAlert(core.AlertStartService, err)
	}
	return sess, cmd, nil
}

// Stop begins teardown and returns a channel closed once Stopped is
// reached. It is a no-op when already Stopped or Stopping. A Stop during
// Starting is applied as soon as the in-flight start finishes.
func (c *Controller) Stop() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := c.stopped

	switch c.state {
	case Started:
		sess, cmd := c.session, c.cmdServer
		c.session, c.cmdServer = nil, nil
		c.transition(Stopping)
		go c.teardown(sess, cmd)
	case Starting:
		c.stopRequested = true
	}
	return done
}

func (c *Controller) teardown(sess engine.Session, cmd engine.CommandServer) {
	c.stopLoop()
	closeQuietly(sess, cmd)
	c.resetPlatform()

	c.mu.Lock()
	c.startedAt = time.Time{}
	c.sessionID = ""
	c.transition(Stopped)
	c.mu.Unlock()
}

// Reload restarts the live session with the cached configuration. It does
// nothing unless the session is Started.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	if !c.hasConfig || c.state != Started {
		c.mu.Unlock()
		return nil
	}
	sess, cmd := c.session, c.cmdServer
	c.session, c.cmdServer = nil, nil
	config, opts := c.config, c.opts
	c.stopRequested = false
	c.transition(Starting)
	c.mu.Unlock()

	core.Log.Infof("Session", "Reloading")
	c.stopLoop()
	closeQuietly(sess, cmd)
	c.resetPlatform()
	return c.runStart(ctx, config, opts)
}

// OnIdleModeChanged pauses or wakes the live session. State is unaffected.
func (c *Controller) OnIdleModeChanged(idle bool) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if idle {
		sess.Pause()
	} else {
		sess.Wake()
	}
}

// transition sets the state and runs observers. Caller holds c.mu; it is
// released while observers run and re-acquired before returning.
func (c *Controller) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if from == Stopped {
		c.stopped = make(chan struct{})
	}
	if to == Stopped {
		close(c.stopped)
	}
	core.Log.Infof("Session", "Session: %s → %s", from, to)
	id := c.sessionID

	c.notifyMu.Lock()
	c.mu.Unlock()
	c.notify(from, to, id)
	c.notifyMu.Unlock()
	c.mu.Lock()
}

func (c *Controller) notify(from, to State, sessionID string) {
	c.obsMu.Lock()
	observers := make([]func(State), 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.obsMu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					core.Log.Errorf("Session", "State observer panicked on %s: %v", to, r)
				}
			}()
			o(to)
		}()
	}

	if c.bus != nil {
		c.bus.Publish(core.Event{
			Type:    core.EventStatusChanged,
			Payload: core.StatusPayload{SessionID: sessionID, OldStatus: from.Status(), NewStatus: to.Status()},
		})
	}
}

// Subscribe registers a state observer. Observers run synchronously on the
// transitioning goroutine and must not call lifecycle methods directly.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// SubscribeAlerts registers an observer for lifecycle failures.
func (c *Controller) SubscribeAlerts(fn func(*core.AlertError)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.alertObs[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.alertObs, id)
		c.obsMu.Unlock()
	}
}

func (c *Controller) publishAlert(err error) {
	var alert *core.AlertError
	if !errors.As(err, &alert) {
		alert = core.WrapAlert(core.AlertStartService, err)
	}
	core.Log.Warnf("Session", "Start failed: %v", err)

	c.obsMu.Lock()
	observers := make([]func(*core.AlertError), 0, len(c.alertObs))
	for _, o := range c.alertObs {
		observers = append(observers, o)
	}
	c.obsMu.Unlock()
	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					core.Log.Errorf("Session", "Alert observer panicked: %v", r)
				}
			}()
			o(alert)
		}()
	}
	if c.bus != nil {
		c.bus.Publish(core.Event{Type: core.EventAlert, Payload: core.AlertPayload{Err: alert}})
	}
}

// SubscribeStats returns a channel receiving every published sample.
func (c *Controller) SubscribeStats() chan stats.Sample {
	ch := make(chan stats.Sample, statsChannelSize)
	c.statsMu.Lock()
	c.statsListeners = append(c.statsListeners, ch)
	c.statsMu.Unlock()
	return ch
}

// UnsubscribeStats removes and closes a stats channel.
func (c *Controller) UnsubscribeStats(ch chan stats.Sample) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for i, l := range c.statsListeners {
		if l == ch {
			close(l)
			c.statsListeners = append(c.statsListeners[:i], c.statsListeners[i+1:]...)
			return
		}
	}
}

// startLoop replaces the stats loop, waiting for any previous one to exit.
// It does nothing once sess is no longer the live Started session, so a
// Stop that lands before the loop is installed cannot leave it running.
func (c *Controller) startLoop(sess engine.Session, startedAt time.Time) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	c.loop.stop()
	c.loop = nil
	c.mu.Lock()
	live := c.state == Started && c.session == sess
	c.mu.Unlock()
	if !live {
		return
	}
	c.loop = startPeriodic(c.interval, func(time.Time) bool {
		if c.Status() != Started {
			return false
		}
		c.publishSample(c.sampleOnce(sess, startedAt))
		return true
	})
}

func (c *Controller) stopLoop() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	c.loop.stop()
	c.loop = nil
}

func (c *Controller) sampleOnce(sess engine.Session, startedAt time.Time) stats.Sample {
	conns, err := sess.Connections()
	if err != nil {
		core.Log.Debugf("Stats", "Connection snapshot unavailable: %v", err)
	}
	return c.sampler.Sample(conns, err == nil, c.now(), startedAt)
}

func (c *Controller) publishSample(s stats.Sample) {
	// Sends never block, so holding the lock keeps UnsubscribeStats from
	// closing a channel mid-send.
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for _, ch := range c.statsListeners {
		select {
		case ch <- s:
		default:
		}
	}
}

func (c *Controller) resetPlatform() {
	if r, ok := c.platform.(interface{ Reset() }); ok {
		r.Reset()
	}
}

// closeQuietly tears down whatever exists; errors are logged only.
func closeQuietly(sess engine.Session, cmd engine.CommandServer) {
	if sess != nil {
		if err := sess.Close(); err != nil {
			core.Log.Warnf("Session", "Close engine session: %v", err)
		}
	}
	if cmd != nil {
		if err := cmd.Close(); err != nil {
			core.Log.Warnf("Session", "Close command server: %v", err)
		}
	}
}
