package tunnel

import (
	"errors"
	"slices"
	"sync"
	"time"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/engine"
)

const defaultMonitorInterval = 5 * time.Second

var errNoDefaultRoute = errors.New("no default route")

// DefaultInterface identifies the interface that carries the default route.
type DefaultInterface struct {
	Name  string
	Index int
}

// interfaceMonitor tracks the default interface while at least one
// listener is registered. Changes are picked up from route notifications
// where the OS offers them and by polling otherwise.
type interfaceMonitor struct {
	find     func() (DefaultInterface, error)
	watch    func(done <-chan struct{}) <-chan struct{}
	interval time.Duration

	mu        sync.Mutex
	listeners []engine.InterfaceUpdateListener
	current   DefaultInterface
	known     bool
	done      chan struct{}
	exited    chan struct{}
}

func newInterfaceMonitor(find func() (DefaultInterface, error), interval time.Duration) *interfaceMonitor {
	if find == nil {
		find = findDefaultInterface
	}
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	return &interfaceMonitor{find: find, watch: watchRoutes, interval: interval}
}

// add registers l and tells it the current interface. The first listener
// starts the watcher.
func (m *interfaceMonitor) add(l engine.InterfaceUpdateListener) {
	m.mu.Lock()
	if slices.Contains(m.listeners, l) {
		m.mu.Unlock()
		return
	}
	if len(m.listeners) == 0 {
		m.refreshLocked()
		m.done, m.exited = make(chan struct{}), make(chan struct{})
		go m.run(m.done, m.exited)
	}
	m.listeners = append(m.listeners, l)
	cur, known := m.current, m.known
	m.mu.Unlock()

	if known {
		l.UpdateDefaultInterface(cur.Name, cur.Index)
	} else {
		l.UpdateDefaultInterface("", -1)
	}
}

// remove unregisters l. The last listener stops the watcher and waits
// for it to exit.
func (m *interfaceMonitor) remove(l engine.InterfaceUpdateListener) {
	m.mu.Lock()
	i := slices.Index(m.listeners, l)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.listeners = slices.Delete(m.listeners, i, i+1)
	if len(m.listeners) > 0 {
		m.mu.Unlock()
		return
	}
	done, exited := m.done, m.exited
	m.done, m.exited = nil, nil
	m.known = false
	m.mu.Unlock()

	close(done)
	<-exited
}

func (m *interfaceMonitor) run(done, exited chan struct{}) {
	defer close(exited)
	routes := m.watch(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		case <-routes:
		}
		m.check(done)
	}
}

// check re-resolves the default interface and notifies listeners when it
// moved.
func (m *interfaceMonitor) check(done chan struct{}) {
	m.mu.Lock()
	if m.done != done {
		m.mu.Unlock()
		return
	}
	prev, prevKnown := m.current, m.known
	m.refreshLocked()
	if m.known == prevKnown && m.current == prev {
		m.mu.Unlock()
		return
	}
	cur, known := m.current, m.known
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	name, index := cur.Name, cur.Index
	if !known {
		name, index = "", -1
		core.Log.Warnf("Tunnel", "Default interface lost")
	} else {
		core.Log.Infof("Tunnel", "Default interface is now %s (index %d)", name, index)
	}
	for _, l := range listeners {
		l.UpdateDefaultInterface(name, index)
	}
}

// refreshLocked resolves the current interface. Caller holds m.mu.
func (m *interfaceMonitor) refreshLocked() {
	cur, err := m.find()
	if err != nil {
		core.Log.Debugf("Tunnel", "Default interface: %v", err)
		m.current, m.known = DefaultInterface{}, false
		return
	}
	m.current, m.known = cur, true
}
