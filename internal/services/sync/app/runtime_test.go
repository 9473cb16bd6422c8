package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/cache"
	"github.com/louisbranch/offlinesync/internal/services/sync/connectivity"
	"github.com/louisbranch/offlinesync/internal/services/sync/engine"
	"github.com/louisbranch/offlinesync/internal/services/sync/namespace"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

func discardLogf(string, ...any) {}

func okApplier() engine.Applier {
	return engine.ApplyFunc(func(context.Context, storage.SyncItem) error { return nil })
}

func openRuntime(t *testing.T, cfg RuntimeConfig, applier engine.Applier, source connectivity.Source) *Runtime {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "data", "offline.db")
	}
	if cfg.Logf == nil {
		cfg.Logf = discardLogf
	}
	rt, err := Open(context.Background(), cfg, applier, source)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Fatalf("close runtime: %v", err)
		}
	})
	return rt
}

func TestRuntimeBackends(t *testing.T) {
	for _, backend := range []Backend{BackendSQLite, BackendBolt} {
		t.Run(string(backend), func(t *testing.T) {
			rt := openRuntime(t, RuntimeConfig{Backend: backend}, okApplier(), nil)
			ctx := context.Background()

			if err := rt.Cache().CacheWallet(ctx, "u1", []byte(`{"amount":3}`)); err != nil {
				t.Fatalf("cache wallet: %v", err)
			}
			if err := rt.Cache().CacheTransactions(ctx, "u1", []cache.Value{{Key: "t1"}, {Key: "t2"}}); err != nil {
				t.Fatalf("cache transactions: %v", err)
			}
			if _, err := rt.Enqueue(ctx, "u1", "transfer", []byte(`{}`)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}

			stats, err := rt.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			want := map[string]int{
				"dashboard":     0,
				"transactions":  2,
				"beneficiaries": 0,
				"notifications": 0,
				"wallet":        1,
				"syncQueue":     1,
			}
			for ns, n := range want {
				if stats[ns] != n {
					t.Fatalf("stats[%s] = %d, want %d (all: %v)", ns, stats[ns], n, stats)
				}
			}

			result, err := rt.Drain(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if result.Synced != 1 {
				t.Fatalf("synced = %d, want 1", result.Synced)
			}
			pending, err := rt.Pending(ctx, "u1")
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(pending) != 0 {
				t.Fatalf("pending = %d, want 0", len(pending))
			}
		})
	}
}

func TestRuntimeDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.db")
	ctx := context.Background()

	rt, err := Open(ctx, RuntimeConfig{DBPath: path, Logf: discardLogf}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := rt.Enqueue(ctx, "u1", "transfer", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	reopened := openRuntime(t, RuntimeConfig{DBPath: path}, nil, nil)
	pending, err := reopened.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("pending = %+v, want item %d", pending, id)
	}
}

func TestDrainWithoutApplier(t *testing.T) {
	rt := openRuntime(t, RuntimeConfig{}, nil, nil)
	if _, err := rt.Drain(context.Background()); !errors.Is(err, ErrNoApplier) {
		t.Fatalf("err = %v, want ErrNoApplier", err)
	}
	if rt.Engine() != nil {
		t.Fatal("engine should be nil without an applier")
	}
}

func TestConnectivityDrivesDrainAndCloseUnsubscribes(t *testing.T) {
	sw := connectivity.NewSwitch(false)
	rt := openRuntime(t, RuntimeConfig{}, okApplier(), sw)
	ctx := context.Background()

	id, err := rt.Enqueue(ctx, "u1", "transfer", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if sw.Listeners() != 1 {
		t.Fatalf("listeners = %d, want 1", sw.Listeners())
	}
	sw.Set(true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		item, err := rt.Queue().Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item.Synced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("online edge did not drain the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !rt.Online() {
		t.Fatal("runtime should report online")
	}

	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sw.Listeners() != 0 {
		t.Fatalf("listeners = %d, want 0 after close", sw.Listeners())
	}
}

func TestPolicyFileAndWatch(t *testing.T) {
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("namespaces:\n  transactions:\n    ttl: 1h\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	rt := openRuntime(t, RuntimeConfig{PolicyPath: policyPath, WatchPolicy: true}, nil, nil)

	if got := rt.Cache().Registry().TTL(namespace.Transactions); got != time.Hour {
		t.Fatalf("transactions ttl = %v, want 1h", got)
	}

	if err := os.WriteFile(policyPath, []byte("namespaces:\n  transactions:\n    ttl: 5m\n"), 0o600); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for rt.Cache().Registry().TTL(namespace.Transactions) != 5*time.Minute {
		if time.Now().After(deadline) {
			t.Fatalf("ttl = %v, want reload to 5m", rt.Cache().Registry().TTL(namespace.Transactions))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  RuntimeConfig
	}{
		{name: "unknown backend", cfg: RuntimeConfig{DBPath: filepath.Join(dir, "a.db"), Backend: "leveldb"}},
		{name: "missing policy file", cfg: RuntimeConfig{DBPath: filepath.Join(dir, "b.db"), PolicyPath: filepath.Join(dir, "nope.yaml")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Logf = discardLogf
			if rt, err := Open(context.Background(), tc.cfg, nil, nil); err == nil {
				_ = rt.Close()
				t.Fatal("expected open to fail")
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OFFLINESYNC_DB_PATH", "/tmp/offline-test.db")
	t.Setenv("OFFLINESYNC_STORE_BACKEND", "bbolt")
	t.Setenv("OFFLINESYNC_MAX_ATTEMPTS", "5")
	t.Setenv("OFFLINESYNC_APPLY_TIMEOUT", "3s")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.DBPath != "/tmp/offline-test.db" || cfg.Backend != BackendBolt {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.MaxAttempts != 5 || cfg.ApplyTimeout != 3*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.SyncedRetention != 168*time.Hour {
		t.Fatalf("synced retention = %v, want default 168h", cfg.SyncedRetention)
	}
}
