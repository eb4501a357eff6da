package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// IPCConfig controls the local control socket.
type IPCConfig struct {
	Socket      string `yaml:"socket,omitempty"`
	GracePeriod string `yaml:"grace_period,omitempty"`
	// StopWhenIdle disconnects the VPN once every client has gone away
	// and the grace period elapsed.
	StopWhenIdle bool `yaml:"stop_when_idle,omitempty"`
}

// SessionConfig tunes the session controller and the switch procedure.
type SessionConfig struct {
	StatsInterval string `yaml:"stats_interval,omitempty"`
	SwitchTimeout string `yaml:"switch_timeout,omitempty"`
	SwitchPoll    string `yaml:"switch_poll,omitempty"`
	SwitchSettle  string `yaml:"switch_settle,omitempty"`
}

// ReconnectConfig controls automatic reconnection after lifecycle failures.
type ReconnectConfig struct {
	Interval   string `yaml:"interval,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
	Burst      int    `yaml:"burst,omitempty"`
}

// EngineConfig describes how the daemon runs the proxy engine.
type EngineConfig struct {
	Binary   string   `yaml:"binary,omitempty"`
	Args     []string `yaml:"args,omitempty"`
	ClashAPI string   `yaml:"clash_api,omitempty"` // host:port of the engine's connections API
	Secret   string   `yaml:"secret,omitempty"`
	CABundle string   `yaml:"ca_bundle,omitempty"` // PEM file offered to the engine as system roots
	// DelayURL is fetched through the proxy outbound to measure latency.
	DelayURL      string `yaml:"delay_url,omitempty"`
	DelayInterval string `yaml:"delay_interval,omitempty"`
	// MonitorInterval is how often the default interface is re-checked
	// when the OS gives no route notifications.
	MonitorInterval string `yaml:"monitor_interval,omitempty"`
}

// Config is the top-level daemon configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir,omitempty"`
	IPC       IPCConfig       `yaml:"ipc,omitempty"`
	Logging   LogConfig       `yaml:"logging,omitempty"`
	Session   SessionConfig   `yaml:"session,omitempty"`
	Reconnect ReconnectConfig `yaml:"reconnect,omitempty"`
	Engine    EngineConfig    `yaml:"engine,omitempty"`
}

const (
	defaultStatsInterval   = 1 * time.Second
	defaultSwitchTimeout   = 5 * time.Second
	defaultSwitchPoll      = 100 * time.Millisecond
	defaultSwitchSettle    = 500 * time.Millisecond
	defaultGracePeriod     = 30 * time.Second
	defaultReconnectPeriod = 10 * time.Second
)

// parseDuration returns the parsed value, or def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func (c SessionConfig) StatsIntervalDuration() time.Duration {
	return parseDuration(c.StatsInterval, defaultStatsInterval)
}

func (c SessionConfig) SwitchTimeoutDuration() time.Duration {
	return parseDuration(c.SwitchTimeout, defaultSwitchTimeout)
}

func (c SessionConfig) SwitchPollDuration() time.Duration {
	return parseDuration(c.SwitchPoll, defaultSwitchPoll)
}

func (c SessionConfig) SwitchSettleDuration() time.Duration {
	return parseDuration(c.SwitchSettle, defaultSwitchSettle)
}

// DelayIntervalDuration returns 0 when unset; the engine picks its default.
func (c EngineConfig) DelayIntervalDuration() time.Duration {
	return parseDuration(c.DelayInterval, 0)
}

func (c EngineConfig) MonitorIntervalDuration() time.Duration {
	return parseDuration(c.MonitorInterval, 0)
}

func (c IPCConfig) GracePeriodDuration() time.Duration {
	return parseDuration(c.GracePeriod, defaultGracePeriod)
}

func (c ReconnectConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, defaultReconnectPeriod)
}

// ConfigManager handles loading and saving the daemon configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager binds a manager to path; call Load before Get.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() Config {
	return Config{
		DataDir: "/var/lib/singbox-bridge",
		IPC: IPCConfig{
			Socket:      "/run/singbox-bridge.sock",
			GracePeriod: defaultGracePeriod.String(),
		},
		Logging: LogConfig{Level: "info"},
		Session: SessionConfig{
			StatsInterval: defaultStatsInterval.String(),
			SwitchTimeout: defaultSwitchTimeout.String(),
			SwitchPoll:    defaultSwitchPoll.String(),
			SwitchSettle:  defaultSwitchSettle.String(),
		},
		Reconnect: ReconnectConfig{Interval: defaultReconnectPeriod.String(), MaxRetries: 5, Burst: 1},
		Engine:    EngineConfig{Binary: "sing-box", ClashAPI: "127.0.0.1:9090"},
	}
}

// Load replaces the current config with the file contents layered over
// DefaultConfig. A missing file is written out with defaults.
func (cm *ConfigManager) Load() error {
	cfg := DefaultConfig()
	data, err := os.ReadFile(cm.filePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		Log.Infof("Core", "No config at %s, writing defaults", cm.filePath)
		cm.set(cfg)
		return cm.Save()
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", cm.filePath, err)
	}
	cm.set(cfg)
	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

func (cm *ConfigManager) set(cfg Config) {
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
}

// Save writes the config back as YAML, creating the parent directory.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cm.filePath), 0o755); err != nil {
		return fmt.Errorf("config dir: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns a snapshot of the loaded config.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
