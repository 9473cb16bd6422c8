// Package app assembles the offline cache and sync queue into one runtime
// with an explicit open and close lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/offlinesync/internal/platform/config"
	"github.com/louisbranch/offlinesync/internal/services/sync/cache"
	"github.com/louisbranch/offlinesync/internal/services/sync/connectivity"
	"github.com/louisbranch/offlinesync/internal/services/sync/engine"
	"github.com/louisbranch/offlinesync/internal/services/sync/namespace"
	"github.com/louisbranch/offlinesync/internal/services/sync/queue"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	boltstore "github.com/louisbranch/offlinesync/internal/services/sync/storage/bbolt"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage/sqlite"
	"go.opentelemetry.io/otel/trace"
)

// Backend selects the local store implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bbolt"
)

const defaultDBPath = "data/offline.db"

// ErrNoApplier is returned by Drain when the runtime was opened without a
// remote applier.
var ErrNoApplier = errors.New("no remote applier configured")

// RuntimeConfig controls runtime startup.
type RuntimeConfig struct {
	DBPath          string        `env:"DB_PATH" envDefault:"data/offline.db"`
	Backend         Backend       `env:"STORE_BACKEND" envDefault:"sqlite"`
	PolicyPath      string        `env:"POLICY_PATH"`
	WatchPolicy     bool          `env:"WATCH_POLICY"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ApplyTimeout    time.Duration `env:"APPLY_TIMEOUT" envDefault:"10s"`
	SyncedRetention time.Duration `env:"SYNCED_RETENTION" envDefault:"168h"`
	DrainOnStart    bool          `env:"DRAIN_ON_START"`

	Logf   func(string, ...any)
	Clock  func() time.Time
	Tracer trace.Tracer
}

// ConfigFromEnv loads RuntimeConfig from OFFLINESYNC_* variables.
func ConfigFromEnv() (RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := config.ParseEnvScoped(&cfg, ""); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// OpenStore opens the configured backend, creating the parent directory.
// The SQLite backend applies pending migrations before returning.
func OpenStore(path string, backend Backend) (storage.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultDBPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	switch Backend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case BackendSQLite, "":
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case BackendBolt:
		store, err := boltstore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open bbolt store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// Runtime owns the store and every component built on it.
type Runtime struct {
	store   storage.Store
	cache   *cache.Manager
	queue   *queue.Queue
	engine  *engine.Engine
	monitor *connectivity.Monitor
	logf    func(string, ...any)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open builds a Runtime. applier and source may be nil for maintenance use:
// without an applier Drain fails, and without a source nothing drains
// automatically.
func Open(ctx context.Context, cfg RuntimeConfig, applier engine.Applier, source connectivity.Source) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}

	registry := namespace.DefaultRegistry()
	if strings.TrimSpace(cfg.PolicyPath) != "" {
		loaded, err := namespace.LoadPolicyFile(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		registry = loaded
	}

	store, err := OpenStore(cfg.DBPath, cfg.Backend)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt := &Runtime{
		store:  store,
		cache:  cache.New(store, registry, cache.Options{Clock: cfg.Clock, Logf: logf}),
		queue:  queue.New(store, queue.Options{MaxAttempts: cfg.MaxAttempts, Clock: cfg.Clock}),
		logf:   logf,
		cancel: cancel,
	}
	if applier != nil {
		rt.engine = engine.New(rt.queue, applier, engine.Options{
			ApplyTimeout:    cfg.ApplyTimeout,
			SyncedRetention: cfg.SyncedRetention,
			Clock:           cfg.Clock,
			Logf:            logf,
			Tracer:          cfg.Tracer,
		})
		if source != nil {
			rt.monitor = connectivity.New(source, rt.engine, connectivity.Options{
				DrainOnStart: cfg.DrainOnStart,
				Logf:         logf,
			})
			rt.monitor.Start(runCtx)
		}
	}

	if cfg.WatchPolicy && strings.TrimSpace(cfg.PolicyPath) != "" {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := namespace.Watch(runCtx, cfg.PolicyPath, logf, rt.cache.SetRegistry); err != nil {
				logf("namespace policy watch stopped: %v", err)
			}
		}()
	}
	return rt, nil
}

// Close stops the monitor and policy watch, then closes the store.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		if r.monitor != nil {
			r.monitor.Close()
		}
		r.cancel()
		r.wg.Wait()
		if err := r.store.Close(); err != nil {
			r.closeErr = fmt.Errorf("close store: %w", err)
		}
	})
	return r.closeErr
}

// Cache returns the cache manager.
func (r *Runtime) Cache() *cache.Manager { return r.cache }

// Queue returns the sync queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// Engine returns the sync engine, or nil without an applier.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// Online reports the last observed connectivity, or false without a source.
func (r *Runtime) Online() bool {
	return r.monitor != nil && r.monitor.Online()
}

// Enqueue queues a mutation for the owner.
func (r *Runtime) Enqueue(ctx context.Context, ownerID, kind string, payload []byte) (int64, error) {
	return r.queue.Enqueue(ctx, ownerID, kind, payload)
}

// Pending lists the owner's unsynced items.
func (r *Runtime) Pending(ctx context.Context, ownerID string) ([]queue.Item, error) {
	return r.queue.Pending(ctx, ownerID)
}

// Drain forces a drain regardless of connectivity.
func (r *Runtime) Drain(ctx context.Context) (engine.Result, error) {
	if r.engine == nil {
		return engine.Result{}, ErrNoApplier
	}
	return r.engine.Drain(ctx)
}

// Stats maps every namespace to its entry count. The syncQueue entry counts
// unsynced items, dead letters included.
func (r *Runtime) Stats(ctx context.Context) (map[string]int, error) {
	counts, err := r.store.CountCacheRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("count cache entries: %w", err)
	}
	queueCounts, err := r.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sync queue: %w", err)
	}
	stats := make(map[string]int)
	for _, ns := range r.cache.Registry().Names() {
		stats[string(ns)] = counts[string(ns)]
	}
	stats[string(namespace.SyncQueue)] = queueCounts.Unsynced()
	return stats, nil
}
