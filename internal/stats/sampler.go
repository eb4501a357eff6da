// Package stats derives throughput, latency and duration from the engine's
// per-connection byte counters.
package stats

import (
	"sync"
	"time"

	"singbox-bridge/internal/engine"
)

// Sample is one published statistics record.
type Sample struct {
	BytesSent     int64 `json:"bytesSent"`
	BytesReceived int64 `json:"bytesReceived"`
	UploadSpeed   int64 `json:"uploadSpeed"`   // bytes/sec
	DownloadSpeed int64 `json:"downloadSpeed"` // bytes/sec

	// Ping is the lowest positive RTT in milliseconds, nil when no
	// connection reports one.
	Ping               *int64    `json:"ping"`
	ConnectionDuration int64     `json:"connectionDuration"` // ms since Started
	Timestamp          time.Time `json:"-"`
}

type baseline struct {
	sent, received int64
	at             time.Time
}

// Sampler keeps the previous totals so each sample can report speeds.
type Sampler struct {
	mu   sync.Mutex
	prev *baseline
	last Sample
}

// NewSampler creates a Sampler with no baseline.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Reset establishes a zero baseline at now, so the first sample after a
// start measures speed from zero.
func (s *Sampler) Reset(now time.Time) {
	s.mu.Lock()
	s.prev = &baseline{at: now}
	s.last = Sample{Timestamp: now}
	s.mu.Unlock()
}

// Last returns the most recent sample.
func (s *Sampler) Last() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Sample folds a connection snapshot into a new record. When ok is false the
// snapshot was unavailable and the previous sample is returned unchanged.
// startedAt is the zero time when the session is not started.
func (s *Sampler) Sample(conns []engine.Connection, ok bool, now, startedAt time.Time) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		return s.last
	}

	var sent, received int64
	var minRTT time.Duration
	for _, c := range conns {
		sent += c.Upload
		received += c.Download
		if c.RTT != nil && *c.RTT > 0 && (minRTT == 0 || *c.RTT < minRTT) {
			minRTT = *c.RTT
		}
	}

	out := Sample{
		BytesSent:     sent,
		BytesReceived: received,
		Timestamp:     now,
	}
	if minRTT > 0 {
		ms := minRTT.Milliseconds()
		out.Ping = &ms
	}
	if s.prev != nil {
		if elapsed := now.Sub(s.prev.at).Seconds(); elapsed > 0 {
			out.UploadSpeed = speed(sent-s.prev.sent, elapsed)
			out.DownloadSpeed = speed(received-s.prev.received, elapsed)
		}
	}
	if !startedAt.IsZero() {
		if d := now.Sub(startedAt); d > 0 {
			out.ConnectionDuration = d.Milliseconds()
		}
	}

	s.prev = &baseline{sent: sent, received: received, at: now}
	s.last = out
	return out
}

// speed never goes negative: counters shrink when connections close.
func speed(delta int64, elapsedSec float64) int64 {
	if delta <= 0 {
		return 0
	}
	return int64(float64(delta) / elapsedSec)
}
