// Package servers manages saved server configurations and the active one.
package servers

import (
	"encoding/json"
	"fmt"
	"strings"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/settings"
	"singbox-bridge/internal/storage"
)

// Config is a server configuration document. It must carry a string "id";
// "name" is optional; everything else is opaque to the bridge. Configs read
// back from storage also carry "createdAt" and "updatedAt" in Unix
// milliseconds; those keys are never stored inside the document.
type Config map[string]any

const (
	keyCreatedAt = "createdAt"
	keyUpdatedAt = "updatedAt"
)

// bookkeeping keys are not part of the engine configuration.
func bookkeeping(key string) bool {
	switch key {
	case "id", "name", keyCreatedAt, keyUpdatedAt:
		return true
	}
	return false
}

// ID returns the config id or "".
func (c Config) ID() string {
	id, _ := c["id"].(string)
	return strings.TrimSpace(id)
}

// Name returns the display name or "".
func (c Config) Name() string {
	name, _ := c["name"].(string)
	return name
}

// Backend is the subset of storage used for server configs.
type Backend interface {
	UpsertServerConfig(rec storage.ServerRecord) error
	UpdateServerConfig(rec storage.ServerRecord) (bool, error)
	DeleteServerConfig(id string) (bool, error)
	GetServerConfig(id string) (storage.ServerRecord, bool, error)
	ListServerConfigs() ([]storage.ServerRecord, error)
}

// Manager provides CRUD over server configs and tracks the active one
// through the settings document.
type Manager struct {
	backend  Backend
	settings *settings.Store
	bus      *core.EventBus
}

// NewManager creates a Manager.
func NewManager(backend Backend, st *settings.Store, bus *core.EventBus) *Manager {
	return &Manager{backend: backend, settings: st, bus: bus}
}

func encode(cfg Config) (storage.ServerRecord, error) {
	id := cfg.ID()
	if id == "" {
		return storage.ServerRecord{}, core.NewAlert(core.AlertInvalidArgument, "server config id is required")
	}
	doc := make(Config, len(cfg))
	for k, v := range cfg {
		if k != keyCreatedAt && k != keyUpdatedAt {
			doc[k] = v
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return storage.ServerRecord{}, core.WrapAlert(core.AlertInvalidArgument, fmt.Errorf("encode server config %q: %w", id, err))
	}
	return storage.ServerRecord{ID: id, Name: cfg.Name(), JSON: string(data)}, nil
}

func decode(rec storage.ServerRecord) (Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(rec.JSON), &cfg); err != nil || cfg == nil {
		return nil, fmt.Errorf("decode server config %q: %v", rec.ID, err)
	}
	if !rec.CreatedAt.IsZero() {
		cfg[keyCreatedAt] = rec.CreatedAt.UnixMilli()
	}
	if !rec.UpdatedAt.IsZero() {
		cfg[keyUpdatedAt] = rec.UpdatedAt.UnixMilli()
	}
	return cfg, nil
}

// Add stores cfg, replacing any existing config with the same id.
func (m *Manager) Add(cfg Config) error {
	rec, err := encode(cfg)
	if err != nil {
		return err
	}
	if err := m.backend.UpsertServerConfig(rec); err != nil {
		return core.WrapAlert(core.AlertStorage, err)
	}
	core.Log.Infof("Servers", "Saved server config %q (%s)", rec.ID, rec.Name)
	m.publish(rec.ID, false)
	return nil
}

// Update rewrites an existing config. A missing id is a NotFound alert.
func (m *Manager) Update(cfg Config) error {
	rec, err := encode(cfg)
	if err != nil {
		return err
	}
	ok, err := m.backend.UpdateServerConfig(rec)
	if err != nil {
		return core.WrapAlert(core.AlertStorage, err)
	}
	if !ok {
		return core.NewAlert(core.AlertNotFound, "server config %q not found", rec.ID)
	}
	m.publish(rec.ID, false)
	return nil
}

// Remove deletes a config, reporting whether it existed.
func (m *Manager) Remove(id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, core.NewAlert(core.AlertInvalidArgument, "server config id is required")
	}
	ok, err := m.backend.DeleteServerConfig(id)
	if err != nil {
		return false, core.WrapAlert(core.AlertStorage, err)
	}
	if ok {
		core.Log.Infof("Servers", "Removed server config %q", id)
		m.publish(id, true)
	}
	return ok, nil
}

// List returns all configs, newest first. Undecodable rows are skipped.
func (m *Manager) List() ([]Config, error) {
	recs, err := m.backend.ListServerConfigs()
	if err != nil {
		return nil, core.WrapAlert(core.AlertStorage, err)
	}
	out := make([]Config, 0, len(recs))
	for _, rec := range recs {
		cfg, err := decode(rec)
		if err != nil {
			core.Log.Warnf("Servers", "Skipping %v", err)
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Get returns one config, or nil if it does not exist.
func (m *Manager) Get(id string) (Config, error) {
	rec, ok, err := m.backend.GetServerConfig(strings.TrimSpace(id))
	if err != nil {
		return nil, core.WrapAlert(core.AlertStorage, err)
	}
	if !ok {
		return nil, nil
	}
	cfg, err := decode(rec)
	if err != nil {
		core.Log.Warnf("Servers", "Ignoring %v", err)
		return nil, nil
	}
	return cfg, nil
}

// SetActive stores id as the active config. An empty id clears it. The id
// is not checked against stored configs.
func (m *Manager) SetActive(id string) error {
	var v any
	if id = strings.TrimSpace(id); id != "" {
		v = id
	}
	return m.settings.Update(settings.KeyActiveServerConfigID, v)
}

// ActiveID returns the active config id, or "" when unset.
func (m *Manager) ActiveID() string {
	return m.settings.ActiveServerConfigID()
}

// Active resolves the active config. A dangling reference yields nil.
func (m *Manager) Active() (Config, error) {
	id := m.ActiveID()
	if id == "" {
		return nil, nil
	}
	return m.Get(id)
}

func (m *Manager) publish(id string, removed bool) {
	if m.bus != nil {
		m.bus.Publish(core.Event{
			Type:    core.EventServerConfigsChanged,
			Payload: core.ServerConfigsPayload{ID: id, Removed: removed},
		})
	}
}

// EngineConfig returns the engine configuration text carried by cfg. The
// document may hold it under "config" as a string or an object; otherwise
// the document itself (minus bookkeeping keys) is the engine config.
func (c Config) EngineConfig() (string, error) {
	switch v := c["config"].(type) {
	case string:
		return v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		return string(data), err
	}
	doc := make(map[string]any, len(c))
	for k, v := range c {
		if !bookkeeping(k) {
			doc[k] = v
		}
	}
	data, err := json.Marshal(doc)
	return string(data), err
}
