package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/namespace"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	boltstore "github.com/louisbranch/offlinesync/internal/services/sync/storage/bbolt"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) Logf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *logRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "offline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newTestManager(t *testing.T) (*Manager, *sqlite.Store, *fakeClock) {
	t.Helper()
	store := openStore(t)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	logs := &logRecorder{}
	return New(store, nil, Options{Clock: clock.Now, Logf: logs.Logf}), store, clock
}

func TestTTLExpiryBoundary(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	if err := m.CacheDashboard(ctx, "u1", []byte(`{"balance":10}`)); err != nil {
		t.Fatalf("cache dashboard: %v", err)
	}

	clock.Advance(namespace.DefaultDashboardTTL)
	entry, ok, err := m.Get(ctx, namespace.Dashboard, "u1", DashboardKey)
	if err != nil {
		t.Fatalf("get at expiry: %v", err)
	}
	if !ok {
		t.Fatal("entry must still be served at exactly expiresAt")
	}
	if string(entry.Payload) != `{"balance":10}` {
		t.Fatalf("payload = %s", entry.Payload)
	}

	clock.Advance(time.Millisecond)
	if _, ok, err := m.Get(ctx, namespace.Dashboard, "u1", DashboardKey); err != nil || ok {
		t.Fatalf("get after expiry = ok %v err %v, want miss", ok, err)
	}
	if _, err := store.GetCacheRecord(ctx, string(namespace.Dashboard), "u1", DashboardKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expired entry should be evicted, got err %v", err)
	}
}

func TestTTLExpiryBoundarySubMillisecond(t *testing.T) {
	cases := []struct {
		name string
		open func(t *testing.T) storage.Store
	}{
		{name: "sqlite", open: func(t *testing.T) storage.Store { return openStore(t) }},
		{name: "bbolt", open: func(t *testing.T) storage.Store {
			store, err := boltstore.Open(filepath.Join(t.TempDir(), "offline.bolt"))
			if err != nil {
				t.Fatalf("open bolt store: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := tc.open(t)
			clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 700_000, time.UTC)}
			m := New(store, nil, Options{Clock: clock.Now, Logf: func(string, ...any) {}})
			ctx := context.Background()

			if err := m.CacheDashboard(ctx, "u1", []byte("x")); err != nil {
				t.Fatalf("cache dashboard: %v", err)
			}
			clock.Advance(namespace.DefaultDashboardTTL)
			if _, ok, err := m.Get(ctx, namespace.Dashboard, "u1", DashboardKey); err != nil || !ok {
				t.Fatalf("get at expiresAt = ok %v err %v, want hit", ok, err)
			}

			clock.Advance(100 * time.Microsecond)
			if _, ok, err := m.Get(ctx, namespace.Dashboard, "u1", DashboardKey); err != nil || ok {
				t.Fatalf("get after expiresAt = ok %v err %v, want miss", ok, err)
			}
			if _, err := store.GetCacheRecord(ctx, string(namespace.Dashboard), "u1", DashboardKey); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("expired entry should be evicted, got err %v", err)
			}
		})
	}
}

func TestOwnerIDIsTrimmed(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Put(ctx, namespace.Wallet, " alice ", WalletKey, []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.GetCacheRecord(ctx, string(namespace.Wallet), "alice", WalletKey); err != nil {
		t.Fatalf("record stored under trimmed owner: %v", err)
	}
	if _, ok, err := m.Get(ctx, namespace.Wallet, "alice", WalletKey); err != nil || !ok {
		t.Fatalf("get trimmed = ok %v err %v, want hit", ok, err)
	}
	if err := m.ReplaceAll(ctx, namespace.Transactions, "alice\t", []Value{{Key: "t1", Payload: []byte("a")}}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	entries, err := m.GetAll(ctx, namespace.Transactions, " alice")
	if err != nil || len(entries) != 1 {
		t.Fatalf("get all = %d entries err %v, want 1", len(entries), err)
	}

	if err := m.Clear(ctx, namespace.Wallet, " alice"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := m.Get(ctx, namespace.Wallet, " alice ", WalletKey); ok {
		t.Fatal("clear with padded owner should remove the entry")
	}
}

func TestNoTTLNeverExpires(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if err := m.CacheWallet(ctx, "u1", []byte(`{"amount":5}`)); err != nil {
		t.Fatalf("cache wallet: %v", err)
	}
	clock.Advance(10 * 365 * 24 * time.Hour)
	entry, ok, err := m.Get(ctx, namespace.Wallet, "u1", WalletKey)
	if err != nil || !ok {
		t.Fatalf("get = ok %v err %v, want hit", ok, err)
	}
	if entry.ExpiresAt != nil {
		t.Fatalf("expires at = %v, want nil", entry.ExpiresAt)
	}
}

func TestLastWriteWins(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Put(ctx, namespace.Notifications, "u1", "n1", []byte("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := m.Put(ctx, namespace.Notifications, "u1", "n1", []byte("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	entry, ok, err := m.Get(ctx, namespace.Notifications, "u1", "n1")
	if err != nil || !ok {
		t.Fatalf("get = ok %v err %v", ok, err)
	}
	if string(entry.Payload) != "v2" {
		t.Fatalf("payload = %q, want v2", entry.Payload)
	}
}

func TestGetAllEvictsExpired(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	if err := m.Put(ctx, namespace.Dashboard, "u1", "a", []byte("old")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	clock.Advance(time.Hour)
	if err := m.Put(ctx, namespace.Dashboard, "u1", "b", []byte("new")); err != nil {
		t.Fatalf("put b: %v", err)
	}
	clock.Advance(namespace.DefaultDashboardTTL - 30*time.Minute)

	entries, err := m.GetAll(ctx, namespace.Dashboard, "u1")
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "b" {
		t.Fatalf("entries = %+v, want only b", entries)
	}
	counts, err := store.CountCacheRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[string(namespace.Dashboard)] != 1 {
		t.Fatalf("dashboard count = %d, want 1 after eviction", counts[string(namespace.Dashboard)])
	}
}

func TestReplaceAllNeverObservedEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	batch := func(gen int) []Value {
		values := make([]Value, 0, 4)
		for i := 0; i < 4; i++ {
			values = append(values, Value{Key: fmt.Sprintf("t%d", i), Payload: []byte(fmt.Sprintf("gen-%d", gen))})
		}
		return values
	}
	if err := m.CacheTransactions(ctx, "u1", batch(0)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg     sync.WaitGroup
		stop   = make(chan struct{})
		mu     sync.Mutex
		failed string
	)
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				entries, err := m.GetAll(ctx, namespace.Transactions, "u1")
				if err != nil || len(entries) != 4 {
					mu.Lock()
					if failed == "" {
						failed = fmt.Sprintf("observed %d entries (err %v)", len(entries), err)
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	for gen := 1; gen <= 25; gen++ {
		if err := m.CacheTransactions(ctx, "u1", batch(gen)); err != nil {
			t.Fatalf("replace %d: %v", gen, err)
		}
	}
	close(stop)
	wg.Wait()
	if failed != "" {
		t.Fatal(failed)
	}
}

func TestReplaceAllValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		values []Value
	}{
		{name: "empty key", values: []Value{{Key: "", Payload: []byte("x")}}},
		{name: "duplicate key", values: []Value{{Key: "b1"}, {Key: "b1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := m.CacheBeneficiaries(ctx, "u1", tc.values); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNamespaceAndOwnerValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Put(ctx, namespace.SyncQueue, "u1", "k", nil); !errors.Is(err, namespace.ErrReservedNamespace) {
		t.Fatalf("reserved err = %v, want ErrReservedNamespace", err)
	}
	if _, _, err := m.Get(ctx, "ledger", "u1", "k"); !errors.Is(err, namespace.ErrUnknownNamespace) {
		t.Fatalf("unknown err = %v, want ErrUnknownNamespace", err)
	}
	if err := m.Put(ctx, namespace.Wallet, "", "k", nil); err == nil {
		t.Fatal("expected empty owner to be rejected")
	}
	if err := m.Put(ctx, namespace.Wallet, "u1", "", nil); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
	if err := m.Clear(ctx, namespace.SyncQueue, ""); !errors.Is(err, namespace.ErrReservedNamespace) {
		t.Fatalf("clear reserved err = %v, want ErrReservedNamespace", err)
	}
}

func TestClearAllOwners(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, owner := range []string{"u1", "u2"} {
		if err := m.Put(ctx, namespace.Notifications, owner, "n1", []byte("x")); err != nil {
			t.Fatalf("put %s: %v", owner, err)
		}
	}
	if err := m.Clear(ctx, namespace.Notifications, "u1"); err != nil {
		t.Fatalf("clear u1: %v", err)
	}
	if _, ok, _ := m.Get(ctx, namespace.Notifications, "u2", "n1"); !ok {
		t.Fatal("u2 entry should survive owner clear")
	}
	if err := m.Clear(ctx, namespace.Notifications, ""); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if _, ok, _ := m.Get(ctx, namespace.Notifications, "u2", "n1"); ok {
		t.Fatal("clear with empty owner should remove every owner")
	}
}

func TestSweep(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	if err := m.CacheDashboard(ctx, "u1", []byte("a")); err != nil {
		t.Fatalf("dashboard u1: %v", err)
	}
	if err := m.CacheDashboard(ctx, "u2", []byte("b")); err != nil {
		t.Fatalf("dashboard u2: %v", err)
	}
	if err := m.CacheWallet(ctx, "u1", []byte("c")); err != nil {
		t.Fatalf("wallet: %v", err)
	}
	clock.Advance(namespace.DefaultDashboardTTL + time.Second)

	removed, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok, _ := m.Get(ctx, namespace.Wallet, "u1", WalletKey); !ok {
		t.Fatal("wallet entry has no ttl and must survive sweep")
	}
}

func TestSetRegistryAppliesToNewWrites(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	shorter, err := namespace.DefaultRegistry().WithTTL(namespace.Transactions, time.Minute)
	if err != nil {
		t.Fatalf("with ttl: %v", err)
	}
	m.SetRegistry(shorter)
	m.SetRegistry(nil)
	if m.Registry() != shorter {
		t.Fatal("nil registry must not replace the active one")
	}

	if err := m.Put(ctx, namespace.Transactions, "u1", "t1", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, namespace.Transactions, "u1", "t1"); ok {
		t.Fatal("entry should expire under the swapped policy")
	}
}

type failingStore struct {
	storage.CacheStore
	err error
}

func (s failingStore) PutCacheRecord(context.Context, storage.CacheRecord) error { return s.err }
func (s failingStore) GetCacheRecord(context.Context, string, string, string) (storage.CacheRecord, error) {
	return storage.CacheRecord{}, s.err
}
func (s failingStore) ListCacheRecords(context.Context, string, string) ([]storage.CacheRecord, error) {
	return nil, s.err
}
func (s failingStore) ReplaceCacheRecords(context.Context, string, string, []storage.CacheRecord) error {
	return s.err
}
func (s failingStore) ClearCacheRecords(context.Context, string, string) error { return s.err }

func TestStorageFailuresDegrade(t *testing.T) {
	logs := &logRecorder{}
	m := New(failingStore{err: errors.New("disk I/O error")}, nil, Options{Logf: logs.Logf})
	ctx := context.Background()

	if err := m.Put(ctx, namespace.Wallet, "u1", WalletKey, []byte("x")); err != nil {
		t.Fatalf("put err = %v, want degraded no-op", err)
	}
	if _, ok, err := m.Get(ctx, namespace.Wallet, "u1", WalletKey); err != nil || ok {
		t.Fatalf("get = ok %v err %v, want miss", ok, err)
	}
	entries, err := m.GetAll(ctx, namespace.Wallet, "u1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("get all = %v, %v; want empty", entries, err)
	}
	if err := m.ReplaceAll(ctx, namespace.Transactions, "u1", []Value{{Key: "t1"}}); err != nil {
		t.Fatalf("replace err = %v, want degraded no-op", err)
	}
	if err := m.Clear(ctx, namespace.Wallet, "u1"); err != nil {
		t.Fatalf("clear err = %v, want degraded no-op", err)
	}

	lines := logs.Lines()
	if len(lines) != 5 {
		t.Fatalf("log lines = %d, want 5: %v", len(lines), lines)
	}
	for _, line := range lines {
		if !strings.Contains(line, "disk I/O error") {
			t.Fatalf("log line %q missing cause", line)
		}
	}
}

func TestMissIsNotLogged(t *testing.T) {
	logs := &logRecorder{}
	m := New(failingStore{err: storage.ErrNotFound}, nil, Options{Logf: logs.Logf})
	if _, ok, err := m.Get(context.Background(), namespace.Wallet, "u1", WalletKey); err != nil || ok {
		t.Fatalf("get = ok %v err %v, want miss", ok, err)
	}
	if lines := logs.Lines(); len(lines) != 0 {
		t.Fatalf("plain miss should not log, got %v", lines)
	}
}
