package bridge

import (
	"fmt"
	"testing"
	"time"

	"singbox-bridge/internal/core"
)

func newTestStreamer() *LogStreamer {
	ls := NewLogStreamer()
	ls.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return ls
}

func TestLogStreamer_TailAndFilter(t *testing.T) {
	ls := newTestStreamer()
	ls.capture(core.LevelInfo, "Session", "Session: stopped → starting")
	ls.capture(core.LevelWarn, "Engine", "outbound/vless[proxy]: dial timeout")
	ls.capture(core.LevelError, "Session", "Start failed")

	sub := ls.Subscribe(core.LevelWarn, "", 10)
	defer ls.Unsubscribe(sub)
	if got := len(sub.C); got != 2 {
		t.Fatalf("tail delivered %d lines, want 2", got)
	}
	if first := <-sub.C; first.Tag != "Engine" {
		t.Fatalf("first tail line = %+v", first)
	}

	tagged := ls.Subscribe(core.LevelDebug, "Session", 0)
	defer ls.Unsubscribe(tagged)
	ls.capture(core.LevelInfo, "Engine", "ignored")
	ls.capture(core.LevelInfo, "Session", "Reloading")
	select {
	case l := <-tagged.C:
		if l.Message != "Reloading" {
			t.Fatalf("tagged line = %+v", l)
		}
	default:
		t.Fatal("tagged subscriber got nothing")
	}
}

func TestLogStreamer_RingWraps(t *testing.T) {
	ls := newTestStreamer()
	for i := range logRingSize + 5 {
		ls.capture(core.LevelInfo, "Engine", fmt.Sprintf("line %d", i))
	}
	recent := ls.Recent(3)
	want := []string{
		fmt.Sprintf("line %d", logRingSize+2),
		fmt.Sprintf("line %d", logRingSize+3),
		fmt.Sprintf("line %d", logRingSize+4),
	}
	for i, l := range recent {
		if l.Message != want[i] {
			t.Fatalf("recent[%d] = %q, want %q", i, l.Message, want[i])
		}
	}
	if got := len(ls.Recent(logRingSize * 2)); got != logRingSize {
		t.Fatalf("Recent returned %d lines, want %d", got, logRingSize)
	}
}

func TestLogStreamer_StopClosesSubscribers(t *testing.T) {
	ls := newTestStreamer()
	sub := ls.Subscribe(core.LevelDebug, "", 0)
	ls.Stop()
	if _, ok := <-sub.C; ok {
		t.Fatal("subscriber channel still open after Stop")
	}
	late := ls.Subscribe(core.LevelDebug, "", 0)
	if _, ok := <-late.C; ok {
		t.Fatal("subscribe after Stop returned an open channel")
	}
}

func TestLogLine_String(t *testing.T) {
	l := LogLine{
		Time:    time.Date(2024, 5, 1, 8, 30, 15, 250_000_000, time.UTC),
		Level:   core.LevelWarn,
		Tag:     "Engine",
		Message: "dns: exchange failed",
	}
	if got, want := l.String(), "08:30:15.250 [WARN] Engine: dns: exchange failed"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	var h hub[int]
	ch := h.Subscribe()
	for i := range hubChannelSize + 10 {
		h.Publish(i)
	}
	if got := len(ch); got != hubChannelSize {
		t.Fatalf("buffered %d values, want %d", got, hubChannelSize)
	}
	h.Unsubscribe(ch)
	h.Publish(99)
	h.Close()
}
