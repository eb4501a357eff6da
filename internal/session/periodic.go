package session

import (
	"context"
	"time"
)

// periodicTask runs fn on a fixed interval until stopped or until fn
// returns false.
type periodicTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startPeriodic(interval time.Duration, fn func(now time.Time) bool) *periodicTask {
	ctx, cancel := context.WithCancel(context.Background())
	t := &periodicTask{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if !fn(now) {
					return
				}
			}
		}
	}()
	return t
}

// stop cancels the task and waits for the goroutine to exit.
func (t *periodicTask) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}
