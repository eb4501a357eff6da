// Package settings manages the persisted application settings document.
package settings

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"singbox-bridge/internal/core"
)

// Well-known keys of the settings document.
const (
	KeyAutoConnectOnStart        = "autoConnectOnStart"
	KeyAutoReconnectOnDisconnect = "autoReconnectOnDisconnect"
	KeyKillSwitch                = "killSwitch"
	KeyBlockedApps               = "blockedApps"
	KeyBlockedDomains            = "blockedDomains"
	KeyBypassSubnets             = "bypassSubnets"
	KeyDNSServers                = "dnsServers"
	KeyActiveServerConfigID      = "activeServerConfigId"
	KeyServerConfigs             = "serverConfigs"
	KeySystemProxyEnabled        = "systemProxyEnabled"
)

const prefKey = "settings"

// Document is the free-form settings document. Values are JSON-compatible.
type Document map[string]any

// Defaults returns the document used when nothing has been stored.
func Defaults() Document {
	return Document{
		KeyAutoConnectOnStart:        false,
		KeyAutoReconnectOnDisconnect: false,
		KeyKillSwitch:                false,
		KeyBlockedApps:               []any{},
		KeyBlockedDomains:            []any{},
		KeyBypassSubnets: []any{
			"192.168.0.0/16",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"127.0.0.0/8",
			"169.254.0.0/16",
		},
		KeyDNSServers:           []any{"8.8.8.8", "1.1.1.1"},
		KeyActiveServerConfigID: nil,
		KeyServerConfigs:        []any{},
		KeySystemProxyEnabled:   false,
	}
}

// Backend stores the encoded document.
type Backend interface {
	GetPref(key string) (string, bool, error)
	SetPref(key, value string) error
}

// Store caches the settings document in memory.
type Store struct {
	mu      sync.Mutex
	backend Backend
	bus     *core.EventBus
	cache   Document
}

// NewStore creates a Store. Nothing is read until the first Get.
func NewStore(backend Backend, bus *core.EventBus) *Store {
	return &Store{backend: backend, bus: bus}
}

// Get returns a copy of the current document, loading it on first use.
// Load or decode failures yield the defaults, which are not cached so the
// next call retries.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.loadLocked()
	if !ok {
		return Defaults()
	}
	return clone(doc)
}

func (s *Store) loadLocked() (Document, bool) {
	if s.cache != nil {
		return s.cache, true
	}
	raw, found, err := s.backend.GetPref(prefKey)
	if err != nil {
		core.Log.Warnf("Settings", "Load failed, using defaults: %v", err)
		return nil, false
	}
	if !found {
		s.cache = Defaults()
		return s.cache, true
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
		core.Log.Warnf("Settings", "Stored document is corrupt, using defaults: %v", err)
		return nil, false
	}
	s.cache = doc
	return s.cache, true
}

// Save replaces the whole document.
func (s *Store) Save(doc Document) error {
	if doc == nil {
		return core.NewAlert(core.AlertInvalidArgument, "settings document is nil")
	}
	s.mu.Lock()
	err := s.saveLocked(clone(doc))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish("")
	return nil
}

// Update sets a single key and persists the document.
func (s *Store) Update(key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return core.NewAlert(core.AlertInvalidArgument, "settings key is required")
	}
	s.mu.Lock()
	doc, ok := s.loadLocked()
	if !ok {
		doc = Defaults()
	}
	next := clone(doc)
	next[key] = normalizeValue(value)
	err := s.saveLocked(next)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(key)
	return nil
}

func (s *Store) saveLocked(doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return core.WrapAlert(core.AlertInvalidArgument, fmt.Errorf("encode settings: %w", err))
	}
	if err := s.backend.SetPref(prefKey, string(data)); err != nil {
		return core.WrapAlert(core.AlertStorage, err)
	}
	// Re-decode so the cache holds the same shapes a fresh load would.
	var stored Document
	if err := json.Unmarshal(data, &stored); err != nil {
		return core.WrapAlert(core.AlertStorage, err)
	}
	s.cache = stored
	return nil
}

// InvalidateCache forces the next Get to re-read storage.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

// Bool returns a boolean setting, false when missing or mistyped.
func (s *Store) Bool(key string) bool {
	v, _ := s.Get()[key].(bool)
	return v
}

// String returns a string setting, "" when missing or mistyped.
func (s *Store) String(key string) string {
	v, _ := s.Get()[key].(string)
	return v
}

func (s *Store) SystemProxyEnabled() bool { return s.Bool(KeySystemProxyEnabled) }

// ActiveServerConfigID returns the referenced server config id or "".
func (s *Store) ActiveServerConfigID() string { return s.String(KeyActiveServerConfigID) }

func (s *Store) publish(key string) {
	if s.bus != nil {
		s.bus.Publish(core.Event{Type: core.EventSettingsChanged, Payload: core.SettingsPayload{Key: key}})
	}
}

// normalizeValue converts typed slices so that stored and loaded documents
// look the same to callers.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func clone(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
