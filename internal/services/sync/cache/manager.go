// Package cache provides the namespaced, TTL-aware cache over the local
// store.
//
// Expiry is lazy: Get and GetAll evict entries whose ExpiresAt has passed and
// report them as misses. Sweep is available to hosts that want periodic
// cleanup, but nothing in this package schedules it.
//
// Invalid input (unknown or reserved namespace, empty owner or key) is
// returned as an error. Local store failures are logged and degraded to a
// cache miss or a no-op so callers can fall back to the network.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/namespace"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

// Entry is one cached value as seen by callers.
type Entry = storage.CacheRecord

// Value is one keyed payload for bulk writes.
type Value struct {
	Key     string
	Payload []byte
}

// Options configures a Manager.
type Options struct {
	Clock func() time.Time
	Logf  func(string, ...any)
}

// Manager applies namespace policy to cache reads and writes.
type Manager struct {
	store    storage.CacheStore
	registry atomic.Pointer[namespace.Registry]
	clock    func() time.Time
	logf     func(string, ...any)
}

// New builds a Manager. A nil registry uses the default namespace policies.
func New(store storage.CacheStore, registry *namespace.Registry, opts Options) *Manager {
	if registry == nil {
		registry = namespace.DefaultRegistry()
	}
	m := &Manager{store: store, clock: opts.Clock, logf: opts.Logf}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	m.registry.Store(registry)
	return m
}

// Registry returns the active namespace registry.
func (m *Manager) Registry() *namespace.Registry {
	return m.registry.Load()
}

// SetRegistry swaps the namespace policy used by subsequent calls. Entries
// already written keep the expiry computed when they were put.
func (m *Manager) SetRegistry(registry *namespace.Registry) {
	if registry == nil {
		return
	}
	m.registry.Store(registry)
}

// Put stores payload under key, replacing any previous entry in full.
func (m *Manager) Put(ctx context.Context, ns namespace.Namespace, ownerID, key string, payload []byte) error {
	policy, ownerID, err := m.policy(ns, ownerID)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	if err := m.store.PutCacheRecord(ctx, m.newRecord(ns, ownerID, key, payload, policy)); err != nil {
		m.degraded("put", ns, ownerID, err)
	}
	return nil
}

// Get returns the live entry for key. Expired entries are evicted and
// reported as a miss.
func (m *Manager) Get(ctx context.Context, ns namespace.Namespace, ownerID, key string) (Entry, bool, error) {
	_, ownerID, err := m.policy(ns, ownerID)
	if err != nil {
		return Entry{}, false, err
	}
	if key == "" {
		return Entry{}, false, fmt.Errorf("cache key is required")
	}
	record, err := m.store.GetCacheRecord(ctx, string(ns), ownerID, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.degraded("get", ns, ownerID, err)
		}
		return Entry{}, false, nil
	}
	now := m.clock()
	if record.Expired(now) {
		m.evict(ctx, record, now)
		return Entry{}, false, nil
	}
	return record, true, nil
}

// GetAll returns the owner's live entries ordered by key, evicting any that
// expired.
func (m *Manager) GetAll(ctx context.Context, ns namespace.Namespace, ownerID string) ([]Entry, error) {
	_, ownerID, err := m.policy(ns, ownerID)
	if err != nil {
		return nil, err
	}
	records, err := m.store.ListCacheRecords(ctx, string(ns), ownerID)
	if err != nil {
		m.degraded("get all", ns, ownerID, err)
		return []Entry{}, nil
	}
	now := m.clock()
	live := make([]Entry, 0, len(records))
	for _, record := range records {
		if record.Expired(now) {
			m.evict(ctx, record, now)
			continue
		}
		live = append(live, record)
	}
	return live, nil
}

// ReplaceAll atomically swaps the owner's whole entry set in ns. Readers see
// either the previous set or the new one.
func (m *Manager) ReplaceAll(ctx context.Context, ns namespace.Namespace, ownerID string, values []Value) error {
	policy, ownerID, err := m.policy(ns, ownerID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(values))
	records := make([]storage.CacheRecord, 0, len(values))
	for _, value := range values {
		if value.Key == "" {
			return fmt.Errorf("cache key is required")
		}
		if _, dup := seen[value.Key]; dup {
			return fmt.Errorf("duplicate cache key %q", value.Key)
		}
		seen[value.Key] = struct{}{}
		records = append(records, m.newRecord(ns, ownerID, value.Key, value.Payload, policy))
	}
	if err := m.store.ReplaceCacheRecords(ctx, string(ns), ownerID, records); err != nil {
		m.degraded("replace all", ns, ownerID, err)
	}
	return nil
}

// Clear removes the owner's entries in ns; an empty ownerID clears every
// owner.
func (m *Manager) Clear(ctx context.Context, ns namespace.Namespace, ownerID string) error {
	if _, err := m.Registry().CachePolicy(ns); err != nil {
		return err
	}
	ownerID = strings.TrimSpace(ownerID)
	if err := m.store.ClearCacheRecords(ctx, string(ns), ownerID); err != nil {
		m.degraded("clear", ns, ownerID, err)
	}
	return nil
}

// Sweep removes expired entries from every cache namespace and returns how
// many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock()
	total := 0
	for _, ns := range m.Registry().CacheNames() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		removed, err := m.store.DeleteExpiredCacheRecords(ctx, string(ns), now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", ns, err)
		}
		total += removed
	}
	return total, nil
}

// policy validates ns and returns its policy with the trimmed owner id every
// store call must use.
func (m *Manager) policy(ns namespace.Namespace, ownerID string) (namespace.Policy, string, error) {
	policy, err := m.Registry().CachePolicy(ns)
	if err != nil {
		return namespace.Policy{}, "", err
	}
	ownerID = strings.TrimSpace(ownerID)
	if policy.OwnerPartitioned && ownerID == "" {
		return namespace.Policy{}, "", fmt.Errorf("owner id is required for %s", ns)
	}
	return policy, ownerID, nil
}

func (m *Manager) newRecord(ns namespace.Namespace, ownerID, key string, payload []byte, policy namespace.Policy) storage.CacheRecord {
	// Stores keep millisecond precision; expiry is computed on that grid so a
	// read at exactly ExpiresAt is still a hit.
	now := m.clock().UTC().Truncate(time.Millisecond)
	record := storage.CacheRecord{
		Namespace: string(ns),
		OwnerID:   ownerID,
		Key:       key,
		Payload:   payload,
		CachedAt:  now,
	}
	if policy.TTL > 0 {
		expiresAt := now.Add(policy.TTL)
		record.ExpiresAt = &expiresAt
	}
	return record
}

// evict deletes an entry only if it is still expired, so a concurrent fresh
// put is kept.
func (m *Manager) evict(ctx context.Context, record storage.CacheRecord, now time.Time) {
	if _, err := m.store.DeleteExpiredCacheRecord(ctx, record.Namespace, record.OwnerID, record.Key, now); err != nil {
		m.degraded("evict", namespace.Namespace(record.Namespace), record.OwnerID, err)
	}
}

func (m *Manager) degraded(op string, ns namespace.Namespace, ownerID string, err error) {
	m.logf("cache %s %s/%s degraded: %v", op, ns, ownerID, err)
}
