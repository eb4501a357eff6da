package bridge

import (
	"strings"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/rules"
	"singbox-bridge/internal/servers"
	"singbox-bridge/internal/settings"
)

func ruleKind(name string) (rules.Kind, error) {
	for _, k := range rules.AllKinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", core.NewAlert(core.AlertInvalidArgument, "unknown rule set %q", name)
}

// AddRule adds entry to the named rule set. It reports false for invalid
// or duplicate entries; a blank entry is an InvalidArgument alert.
func (s *Service) AddRule(set, entry string) (bool, error) {
	k, err := ruleKind(set)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(entry) == "" {
		return false, core.NewAlert(core.AlertInvalidArgument, "%s entry is required", k)
	}
	return s.rules.Add(k, entry), nil
}

// RemoveRule removes entry from the named rule set, reporting whether it
// was present.
func (s *Service) RemoveRule(set, entry string) (bool, error) {
	k, err := ruleKind(set)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(entry) == "" {
		return false, core.NewAlert(core.AlertInvalidArgument, "%s entry is required", k)
	}
	return s.rules.Remove(k, entry), nil
}

// ListRules returns the sorted entries of the named rule set.
func (s *Service) ListRules(set string) ([]string, error) {
	k, err := ruleKind(set)
	if err != nil {
		return nil, err
	}
	return s.rules.List(k), nil
}

// SetDNSServers replaces the DNS override list. Nothing changes unless
// every entry is valid.
func (s *Service) SetDNSServers(list []string) (bool, error) {
	if list == nil {
		return false, core.NewAlert(core.AlertInvalidArgument, "servers list is required")
	}
	return s.rules.ReplaceDNSServers(list), nil
}

// SaveSettings replaces the settings document.
func (s *Service) SaveSettings(doc settings.Document) error {
	return s.settings.Save(doc)
}

// LoadSettings re-reads the document from storage.
func (s *Service) LoadSettings() settings.Document {
	s.settings.InvalidateCache()
	return s.settings.Get()
}

// GetSettings returns the cached document.
func (s *Service) GetSettings() settings.Document {
	return s.settings.Get()
}

// UpdateSetting sets one key. Changing the system proxy flag reloads a
// live session so the tunnel picks it up.
func (s *Service) UpdateSetting(key string, value any) error {
	return s.settings.Update(key, value)
}

// SetSystemProxyEnabled toggles the HTTP proxy of the tunnel.
func (s *Service) SetSystemProxyEnabled(enabled bool) error {
	return s.UpdateSetting(settings.KeySystemProxyEnabled, enabled)
}

// AddServerConfig stores cfg, replacing one with the same id.
func (s *Service) AddServerConfig(cfg servers.Config) error {
	return s.servers.Add(cfg)
}

// UpdateServerConfig rewrites an existing config.
func (s *Service) UpdateServerConfig(cfg servers.Config) error {
	return s.servers.Update(cfg)
}

// RemoveServerConfig deletes a config, reporting whether it existed.
func (s *Service) RemoveServerConfig(id string) (bool, error) {
	return s.servers.Remove(id)
}

// GetServerConfigs lists configs, newest first.
func (s *Service) GetServerConfigs() ([]servers.Config, error) {
	return s.servers.List()
}

// GetServerConfig returns one config or nil.
func (s *Service) GetServerConfig(id string) (servers.Config, error) {
	if strings.TrimSpace(id) == "" {
		return nil, core.NewAlert(core.AlertInvalidArgument, "server config id is required")
	}
	return s.servers.Get(id)
}

// SetActiveServerConfig records id as active; "" clears it.
func (s *Service) SetActiveServerConfig(id string) error {
	return s.servers.SetActive(id)
}

// GetActiveServerConfig resolves the active config, nil when unset or
// dangling.
func (s *Service) GetActiveServerConfig() (servers.Config, error) {
	return s.servers.Active()
}
