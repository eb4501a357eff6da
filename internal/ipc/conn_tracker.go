package ipc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"singbox-bridge/internal/core"
)

// ConnTracker counts in-flight RPCs and streams. When the count drops to
// zero it arms a grace timer; onIdle runs if no client returns in time.
type ConnTracker struct {
	active      atomic.Int64
	gracePeriod time.Duration
	onIdle      func()

	mu         sync.Mutex
	graceTimer *time.Timer
}

// NewConnTracker creates a tracker. onIdle may be nil.
func NewConnTracker(gracePeriod time.Duration, onIdle func()) *ConnTracker {
	return &ConnTracker{gracePeriod: gracePeriod, onIdle: onIdle}
}

// ActiveCount returns the number of in-flight RPCs.
func (ct *ConnTracker) ActiveCount() int64 {
	return ct.active.Load()
}

// CancelGrace disarms a pending idle timer, e.g. during shutdown.
func (ct *ConnTracker) CancelGrace() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
		ct.graceTimer = nil
	}
}

func (ct *ConnTracker) inc() {
	if ct.active.Add(1) != 1 {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
		ct.graceTimer = nil
		core.Log.Debugf("IPC", "Client returned, idle timer cancelled")
	}
}

func (ct *ConnTracker) dec() {
	if ct.active.Add(-1) != 0 {
		return
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
	}
	core.Log.Debugf("IPC", "No clients left, idle in %s", ct.gracePeriod)
	var timer *time.Timer
	timer = time.AfterFunc(ct.gracePeriod, func() {
		ct.mu.Lock()
		fire := ct.graceTimer == timer
		if fire {
			ct.graceTimer = nil
		}
		ct.mu.Unlock()
		if fire && ct.onIdle != nil {
			core.Log.Infof("IPC", "All clients gone for %s", ct.gracePeriod)
			ct.onIdle()
		}
	})
	ct.graceTimer = timer
}

// UnaryInterceptor tracks unary calls.
func (ct *ConnTracker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ct.inc()
		defer ct.dec()
		return handler(ctx, req)
	}
}

// StreamInterceptor tracks streams for their whole lifetime.
func (ct *ConnTracker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ct.inc()
		defer ct.dec()
		return handler(srv, ss)
	}
}

// ServerOptions returns the interceptor options for grpc.NewServer.
func (ct *ConnTracker) ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(ct.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(ct.StreamInterceptor()),
	}
}
