package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"singbox-bridge/internal/core"
)

const (
	logRingSize    = 2000
	logChannelSize = 256
)

// LogLine is one captured log entry.
type LogLine struct {
	Time    time.Time
	Level   core.LogLevel
	Tag     string
	Message string
}

// String renders the line the way the log stream sends it.
func (l LogLine) String() string {
	return fmt.Sprintf("%s [%s] %s: %s",
		l.Time.Format("15:04:05.000"), strings.ToUpper(l.Level.String()), l.Tag, l.Message)
}

// LogSubscriber receives lines matching its filter.
type LogSubscriber struct {
	C <-chan LogLine

	ch       chan LogLine
	minLevel core.LogLevel
	tag      string
	id       uint64
}

func (s *LogSubscriber) wants(l LogLine) bool {
	return l.Level >= s.minLevel && (s.tag == "" || s.tag == l.Tag)
}

// LogStreamer keeps recent log lines (engine output included) and fans new
// ones out to subscribers.
type LogStreamer struct {
	now func() time.Time

	mu     sync.Mutex
	ring   []LogLine
	next   int
	full   bool
	subs   map[uint64]*LogSubscriber
	nextID uint64
	closed bool
}

// NewLogStreamer creates an empty streamer. Call Start to hook the logger.
func NewLogStreamer() *LogStreamer {
	return &LogStreamer{
		now:  time.Now,
		ring: make([]LogLine, logRingSize),
		subs: make(map[uint64]*LogSubscriber),
	}
}

// Start installs the capture hook on core.Log.
func (ls *LogStreamer) Start() {
	core.Log.SetHook(ls.capture)
}

// Stop removes the hook and closes every subscriber.
func (ls *LogStreamer) Stop() {
	core.Log.SetHook(nil)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.closed = true
	for id, sub := range ls.subs {
		close(sub.ch)
		delete(ls.subs, id)
	}
}

// Subscribe returns a subscriber primed with up to tail recent lines.
func (ls *LogStreamer) Subscribe(minLevel core.LogLevel, tag string, tail int) *LogSubscriber {
	ch := make(chan LogLine, logChannelSize)
	sub := &LogSubscriber{C: ch, ch: ch, minLevel: minLevel, tag: tag}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		close(ch)
		return sub
	}
	sub.id = ls.nextID
	ls.nextID++
	ls.subs[sub.id] = sub

	for _, l := range ls.recentLocked(tail) {
		if !sub.wants(l) {
			continue
		}
		select {
		case ch <- l:
		default:
		}
	}
	return sub
}

// Unsubscribe closes sub's channel.
func (ls *LogStreamer) Unsubscribe(sub *LogSubscriber) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if _, ok := ls.subs[sub.id]; ok {
		close(sub.ch)
		delete(ls.subs, sub.id)
	}
}

// Recent returns up to n of the newest lines, oldest first.
func (ls *LogStreamer) Recent(n int) []LogLine {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.recentLocked(n)
}

func (ls *LogStreamer) capture(level core.LogLevel, tag, msg string) {
	line := LogLine{Time: ls.now(), Level: level, Tag: tag, Message: msg}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.ring[ls.next] = line
	ls.next = (ls.next + 1) % logRingSize
	if ls.next == 0 {
		ls.full = true
	}
	for _, sub := range ls.subs {
		if !sub.wants(line) {
			continue
		}
		select {
		case sub.ch <- line:
		default:
		}
	}
}

func (ls *LogStreamer) recentLocked(n int) []LogLine {
	size := ls.next
	if ls.full {
		size = logRingSize
	}
	n = min(n, size)
	if n <= 0 {
		return nil
	}
	out := make([]LogLine, n)
	start := (ls.next - n + logRingSize) % logRingSize
	for i := range out {
		out[i] = ls.ring[(start+i)%logRingSize]
	}
	return out
}
