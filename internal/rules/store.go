// Package rules holds the persisted bypass, block and DNS rule sets that
// feed the tunnel builder.
package rules

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"singbox-bridge/internal/core"
)

// Kind names one of the rule sets. The value doubles as its storage key.
type Kind string

const (
	BypassApps    Kind = "bypass_apps"
	BypassDomains Kind = "bypass_domains"
	BypassSubnets Kind = "bypass_subnets"
	BlockApps     Kind = "block_apps"
	BlockDomains  Kind = "block_domains"
	DNSServers    Kind = "dns_servers"
)

// AllKinds lists every rule set in a stable order.
var AllKinds = []Kind{BypassApps, BypassDomains, BypassSubnets, BlockApps, BlockDomains, DNSServers}

// DefaultDNSServers seeds the DNS set when nothing has been stored yet.
var DefaultDNSServers = []string{"8.8.8.8", "1.1.1.1"}

// Backend persists a string list under a key.
type Backend interface {
	LoadList(key string) ([]string, bool, error)
	SaveList(key string, values []string) error
}

// Store keeps the six rule sets in memory and writes every change through
// to the backend before reporting success.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	bus     *core.EventBus
	sets    map[Kind]map[string]struct{}
}

// NewStore loads all sets from backend. An empty DNS set is seeded with
// DefaultDNSServers and persisted.
func NewStore(backend Backend, bus *core.EventBus) (*Store, error) {
	s := &Store{
		backend: backend,
		bus:     bus,
		sets:    make(map[Kind]map[string]struct{}, len(AllKinds)),
	}
	for _, k := range AllKinds {
		values, _, err := backend.LoadList(string(k))
		if err != nil {
			return nil, fmt.Errorf("rules: load %s: %w", k, err)
		}
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			if v = canonical(k, v); v != "" {
				set[v] = struct{}{}
			}
		}
		s.sets[k] = set
	}

	if len(s.sets[DNSServers]) == 0 {
		for _, d := range DefaultDNSServers {
			s.sets[DNSServers][d] = struct{}{}
		}
		if err := s.persist(DNSServers); err != nil {
			return nil, err
		}
		core.Log.Infof("Rules", "Seeded DNS servers %v", DefaultDNSServers)
	}
	return s, nil
}

// canonical returns the stored form of entry, or "" if it is blank.
func canonical(k Kind, entry string) string {
	switch k {
	case BypassDomains, BlockDomains:
		return NormalizeDomain(entry)
	case DNSServers:
		return strings.ToLower(strings.TrimSpace(entry))
	default:
		return strings.TrimSpace(entry)
	}
}

func valid(k Kind, entry string) bool {
	switch k {
	case BypassSubnets:
		return ValidSubnet(entry)
	case DNSServers:
		return ValidDNSServer(entry)
	default:
		return entry != ""
	}
}

// Add inserts entry into the set. It returns false for blank or invalid
// entries, duplicates, and persistence failures.
func (s *Store) Add(k Kind, entry string) bool {
	v := canonical(k, entry)
	if v == "" || !valid(k, v) {
		return false
	}

	s.mu.Lock()
	set, ok := s.sets[k]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, dup := set[v]; dup {
		s.mu.Unlock()
		return false
	}
	set[v] = struct{}{}
	if err := s.persist(k); err != nil {
		delete(set, v)
		s.mu.Unlock()
		core.Log.Errorf("Rules", "Add %s %q: %v", k, v, err)
		return false
	}
	s.mu.Unlock()

	core.Log.Debugf("Rules", "Added %s %q", k, v)
	s.publish(k, v, true)
	return true
}

// Remove deletes entry from the set, returning false if it was absent.
func (s *Store) Remove(k Kind, entry string) bool {
	v := canonical(k, entry)
	if v == "" {
		return false
	}

	s.mu.Lock()
	set, ok := s.sets[k]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, present := set[v]; !present {
		s.mu.Unlock()
		return false
	}
	delete(set, v)
	if err := s.persist(k); err != nil {
		set[v] = struct{}{}
		s.mu.Unlock()
		core.Log.Errorf("Rules", "Remove %s %q: %v", k, v, err)
		return false
	}
	s.mu.Unlock()

	core.Log.Debugf("Rules", "Removed %s %q", k, v)
	s.publish(k, v, false)
	return true
}

// List returns a sorted snapshot of the set.
func (s *Store) List(k Kind) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.sets[k])
}

// Contains reports whether entry (after canonicalisation) is in the set.
func (s *Store) Contains(k Kind, entry string) bool {
	v := canonical(k, entry)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sets[k][v]
	return ok
}

// ReplaceDNSServers swaps the whole DNS set. Nothing changes unless every
// entry is valid; duplicates collapse.
func (s *Store) ReplaceDNSServers(entries []string) bool {
	next := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		v := canonical(DNSServers, e)
		if v == "" || !ValidDNSServer(v) {
			return false
		}
		next[v] = struct{}{}
	}

	s.mu.Lock()
	prev := s.sets[DNSServers]
	s.sets[DNSServers] = next
	if err := s.persist(DNSServers); err != nil {
		s.sets[DNSServers] = prev
		s.mu.Unlock()
		core.Log.Errorf("Rules", "Replace DNS servers: %v", err)
		return false
	}
	s.mu.Unlock()

	core.Log.Infof("Rules", "DNS servers set to %v", sortedKeys(next))
	s.publish(DNSServers, "", true)
	return true
}

// persist writes set k. Caller holds s.mu.
func (s *Store) persist(k Kind) error {
	if err := s.backend.SaveList(string(k), sortedKeys(s.sets[k])); err != nil {
		return fmt.Errorf("rules: persist %s: %w", k, err)
	}
	return nil
}

func (s *Store) publish(k Kind, entry string, added bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{
		Type:    core.EventRulesChanged,
		Payload: core.RulesPayload{Set: string(k), Entry: entry, Added: added},
	})
}

func sortedKeys(m map[string]struct{}) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
