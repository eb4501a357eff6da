package settings

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/storage"
)

func TestMain(m *testing.M) {
	core.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type memPrefs struct {
	values map[string]string
	reads  int
	fail   bool
}

func (m *memPrefs) GetPref(key string) (string, bool, error) {
	m.reads++
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memPrefs) SetPref(key, value string) error {
	if m.fail {
		return errors.New("read-only")
	}
	m.values[key] = value
	return nil
}

func TestStore_Defaults(t *testing.T) {
	s := NewStore(&memPrefs{values: map[string]string{}}, nil)
	doc := s.Get()

	if doc[KeyAutoConnectOnStart] != false || doc[KeyKillSwitch] != false || doc[KeySystemProxyEnabled] != false {
		t.Errorf("boolean defaults wrong: %v", doc)
	}
	if doc[KeyActiveServerConfigID] != nil {
		t.Errorf("activeServerConfigId = %v, want nil", doc[KeyActiveServerConfigID])
	}
	subnets := listSetting(s, KeyBypassSubnets)
	want := []string{"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12", "127.0.0.0/8", "169.254.0.0/16"}
	if len(subnets) != len(want) {
		t.Fatalf("bypassSubnets = %v", subnets)
	}
	for i := range want {
		if subnets[i] != want[i] {
			t.Errorf("bypassSubnets[%d] = %q, want %q", i, subnets[i], want[i])
		}
	}
	if dns := listSetting(s, KeyDNSServers); len(dns) != 2 || dns[0] != "8.8.8.8" {
		t.Errorf("dnsServers = %v", dns)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(&memPrefs{values: map[string]string{}}, nil)
	doc := s.Get()
	doc[KeyKillSwitch] = true
	doc[KeyBypassSubnets].([]any)[0] = "mutated"

	if s.Bool(KeyKillSwitch) {
		t.Error("mutating returned document changed the cache")
	}
	if listSetting(s, KeyBypassSubnets)[0] == "mutated" {
		t.Error("nested slice shared with the cache")
	}
}

func TestStore_UpdateAndCache(t *testing.T) {
	prefs := &memPrefs{values: map[string]string{}}
	bus := core.NewEventBus()
	var keys []string
	bus.Subscribe(core.EventSettingsChanged, func(e core.Event) {
		keys = append(keys, e.Payload.(core.SettingsPayload).Key)
	})
	s := NewStore(prefs, bus)

	if err := s.Update(KeySystemProxyEnabled, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Update(KeyBlockedApps, []string{"com.a"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !s.SystemProxyEnabled() {
		t.Error("systemProxyEnabled not updated")
	}
	if got := listSetting(s, KeyBlockedApps); len(got) != 1 || got[0] != "com.a" {
		t.Errorf("blockedApps = %v", got)
	}

	reads := prefs.reads
	s.Get()
	if prefs.reads != reads {
		t.Error("cached Get hit the backend")
	}
	s.InvalidateCache()
	s.Get()
	if prefs.reads != reads+1 {
		t.Error("InvalidateCache did not force a reload")
	}

	if len(keys) != 2 || keys[0] != KeySystemProxyEnabled {
		t.Errorf("change events = %v", keys)
	}

	err := s.Update("  ", 1)
	if !core.IsAlert(err, core.AlertInvalidArgument) {
		t.Errorf("blank key error = %v, want InvalidArgument", err)
	}
}

func TestStore_SaveFailureKeepsCache(t *testing.T) {
	prefs := &memPrefs{values: map[string]string{}}
	s := NewStore(prefs, nil)
	prefs.fail = true
	if err := s.Update(KeyKillSwitch, true); !core.IsAlert(err, core.AlertStorage) {
		t.Fatalf("Update error = %v, want Storage alert", err)
	}
	if s.Bool(KeyKillSwitch) {
		t.Error("failed update leaked into cache")
	}
}

func TestStore_CorruptDocumentFallsBack(t *testing.T) {
	prefs := &memPrefs{values: map[string]string{prefKey: "{not json"}}
	s := NewStore(prefs, nil)
	if s.Get()[KeyDNSServers] == nil {
		t.Fatal("defaults not returned for corrupt document")
	}
	prefs.values[prefKey] = `{"killSwitch":true}`
	if !s.Bool(KeyKillSwitch) {
		t.Error("defaults were cached after a corrupt load")
	}
}

func TestStore_PersistsInSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	db, err := storage.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := NewStore(db, nil).Update(KeyActiveServerConfigID, "srv-1"); err != nil {
		t.Fatal(err)
	}
	if got := NewStore(db, nil).ActiveServerConfigID(); got != "srv-1" {
		t.Fatalf("ActiveServerConfigID = %q", got)
	}
}

// listSetting reads a list setting, skipping non-string elements.
func listSetting(s *Store, key string) []string {
	raw, _ := s.Get()[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
