package rules

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"singbox-bridge/internal/core"
	"singbox-bridge/internal/storage"
)

func TestMain(m *testing.M) {
	core.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// memBackend is an in-memory Backend whose writes can be made to fail.
type memBackend struct {
	mu    sync.Mutex
	lists map[string][]string
	fail  bool
}

func newMemBackend() *memBackend {
	return &memBackend{lists: make(map[string][]string)}
}

func (b *memBackend) LoadList(key string) ([]string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.lists[key]
	return slices.Clone(v), ok, nil
}

func (b *memBackend) SaveList(key string, values []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("disk full")
	}
	b.lists[key] = slices.Clone(values)
	return nil
}

func newTestStore(t *testing.T) (*Store, *memBackend) {
	t.Helper()
	b := newMemBackend()
	s, err := NewStore(b, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, b
}

func TestStore_SeedsDefaultDNS(t *testing.T) {
	s, b := newTestStore(t)
	if got := s.List(DNSServers); !slices.Equal(got, []string{"1.1.1.1", "8.8.8.8"}) {
		t.Fatalf("DNS list = %v", got)
	}
	if got := b.lists[string(DNSServers)]; len(got) != 2 {
		t.Fatalf("seed not persisted: %v", got)
	}
}

func TestStore_DomainsAreNormalized(t *testing.T) {
	s, _ := newTestStore(t)
	if !s.Add(BypassDomains, "https://www.Example.com/x") {
		t.Fatal("first add failed")
	}
	if s.Add(BypassDomains, "example.com") {
		t.Error("normalized duplicate accepted")
	}
	if s.Add(BlockDomains, "https:///") {
		t.Error("entry normalizing to empty accepted")
	}
	if !s.Remove(BypassDomains, "WWW.EXAMPLE.COM") {
		t.Error("remove by un-normalized spelling failed")
	}
	if got := s.List(BypassDomains); len(got) != 0 {
		t.Errorf("list after remove = %v", got)
	}
}

func TestStore_DNSDuplicateAdd(t *testing.T) {
	s, _ := newTestStore(t)
	if s.Add(DNSServers, "8.8.8.8") {
		t.Fatal("duplicate of seeded server accepted")
	}
	if !s.Add(DNSServers, "9.9.9.9") {
		t.Fatal("add 9.9.9.9 failed")
	}
	if s.Add(DNSServers, "9.9.9.9") {
		t.Fatal("second add of 9.9.9.9 accepted")
	}
	if s.Add(DNSServers, "not-an-ip") {
		t.Fatal("invalid DNS server accepted")
	}
	if got := s.List(DNSServers); len(got) != 3 {
		t.Fatalf("DNS list = %v", got)
	}
}

func TestStore_SubnetValidation(t *testing.T) {
	s, _ := newTestStore(t)
	if s.Add(BypassSubnets, "10.0.0.0/33") {
		t.Error("invalid prefix accepted")
	}
	if !s.Add(BypassSubnets, " 10.0.0.0/8 ") {
		t.Error("valid subnet rejected")
	}
	if s.Remove(BypassSubnets, "172.16.0.0/12") {
		t.Error("remove of absent subnet reported true")
	}
}

func TestStore_ReplaceDNSServersIsAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	before := s.List(DNSServers)

	if s.ReplaceDNSServers([]string{"9.9.9.9", "invalid"}) {
		t.Fatal("replace with invalid entry succeeded")
	}
	if got := s.List(DNSServers); !slices.Equal(got, before) {
		t.Fatalf("set changed after failed replace: %v", got)
	}

	if !s.ReplaceDNSServers([]string{"9.9.9.9", "2001:4860:4860::8888", "9.9.9.9"}) {
		t.Fatal("valid replace failed")
	}
	if got := s.List(DNSServers); !slices.Equal(got, []string{"2001:4860:4860::8888", "9.9.9.9"}) {
		t.Fatalf("DNS list = %v", got)
	}
}

func TestStore_PersistFailureRollsBack(t *testing.T) {
	s, b := newTestStore(t)
	b.fail = true
	if s.Add(BypassApps, "com.example.app") {
		t.Fatal("add succeeded although persistence failed")
	}
	if s.Contains(BypassApps, "com.example.app") {
		t.Fatal("in-memory set kept an unpersisted entry")
	}
	if s.ReplaceDNSServers([]string{"9.9.9.9"}) {
		t.Fatal("replace succeeded although persistence failed")
	}
	if s.Contains(DNSServers, "9.9.9.9") {
		t.Fatal("replace not rolled back")
	}
}

func TestStore_PublishesChanges(t *testing.T) {
	bus := core.NewEventBus()
	var got []core.RulesPayload
	bus.Subscribe(core.EventRulesChanged, func(e core.Event) {
		got = append(got, e.Payload.(core.RulesPayload))
	})
	s, err := NewStore(newMemBackend(), bus)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(BlockApps, "com.bad")
	s.Add(BlockApps, "com.bad")
	s.Remove(BlockApps, "com.bad")

	if len(got) != 2 || !got[0].Added || got[1].Added || got[1].Entry != "com.bad" {
		t.Fatalf("events = %+v", got)
	}
}

func TestStore_ConcurrentAdds(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Add(BypassApps, "com.same") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d concurrent adds succeeded, want 1", wins)
	}
}

func TestStore_BypassSubnetsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	db, err := storage.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Add(BypassSubnets, "10.0.0.0/8") {
		t.Fatal("add failed")
	}
	db.Close()

	db, err = storage.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s, err = NewStore(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.List(BypassSubnets); !slices.Equal(got, []string{"10.0.0.0/8"}) {
		t.Fatalf("bypass subnets after reopen = %v", got)
	}
}
