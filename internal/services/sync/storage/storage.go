package storage

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrClosed indicates the store is not open.
	ErrClosed = errors.New("storage is not configured")
)

// CacheRecord is one cached entity payload.
type CacheRecord struct {
	Namespace string
	OwnerID   string
	Key       string
	Payload   []byte
	CachedAt  time.Time
	// ExpiresAt is nil for entries that never expire by TTL.
	ExpiresAt *time.Time
}

// Expired reports whether the record is past its TTL at now.
func (r CacheRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// SyncItem is one locally originated mutation awaiting remote apply.
type SyncItem struct {
	ID         int64
	OwnerID    string
	Kind       string
	Payload    []byte
	EnqueuedAt time.Time
	Synced     bool
	SyncedAt   *time.Time
	Attempts   int
	LastError  string
	// IdempotencyKey is "<installation id>:<id>", filled in on every read.
	IdempotencyKey string
}

// IdempotencyKey derives the remote idempotency key for an item id.
func IdempotencyKey(installationID string, id int64) string {
	return installationID + ":" + strconv.FormatInt(id, 10)
}

// QueueCounts summarizes sync queue depth.
type QueueCounts struct {
	// Pending counts unsynced items still eligible for automatic retry.
	Pending int
	// Dead counts unsynced items that exhausted their retry budget.
	Dead int
	// Synced counts items awaiting purge.
	Synced int
}

// Unsynced is Pending plus Dead.
func (c QueueCounts) Unsynced() int {
	return c.Pending + c.Dead
}

// CacheStore persists namespaced cache entries.
type CacheStore interface {
	PutCacheRecord(ctx context.Context, record CacheRecord) error
	GetCacheRecord(ctx context.Context, namespace, ownerID, key string) (CacheRecord, error)
	// ListCacheRecords lists entries ordered by key; an empty ownerID lists the
	// whole namespace ordered by owner then key.
	ListCacheRecords(ctx context.Context, namespace, ownerID string) ([]CacheRecord, error)
	DeleteCacheRecord(ctx context.Context, namespace, ownerID, key string) error
	// DeleteExpiredCacheRecord deletes the entry only if it is still expired at
	// now, so a concurrent fresh put is never lost. It reports whether a row
	// was removed.
	DeleteExpiredCacheRecord(ctx context.Context, namespace, ownerID, key string, now time.Time) (bool, error)
	DeleteExpiredCacheRecords(ctx context.Context, namespace string, now time.Time) (int, error)
	// ClearCacheRecords removes the owner's entries; an empty ownerID clears
	// the namespace.
	ClearCacheRecords(ctx context.Context, namespace, ownerID string) error
	// ReplaceCacheRecords swaps the owner's whole entry set in one transaction.
	ReplaceCacheRecords(ctx context.Context, namespace, ownerID string, records []CacheRecord) error
	CountCacheRecords(ctx context.Context) (map[string]int, error)
}

// QueueStore persists the sync queue.
type QueueStore interface {
	// EnqueueSyncItem stores a new unsynced item and returns its assigned id.
	EnqueueSyncItem(ctx context.Context, item SyncItem) (int64, error)
	GetSyncItem(ctx context.Context, id int64) (SyncItem, error)
	ListOwnerUnsyncedItems(ctx context.Context, ownerID string) ([]SyncItem, error)
	ListDrainCandidates(ctx context.Context, maxAttempts int) ([]SyncItem, error)
	ListDeadLetters(ctx context.Context, maxAttempts int) ([]SyncItem, error)
	// MarkSyncItemSynced returns ErrNotFound when the item is missing or
	// already synced.
	MarkSyncItemSynced(ctx context.Context, id int64, syncedAt time.Time) error
	// IncrementSyncItemAttempts returns the updated item, or ErrNotFound when
	// the item is missing or already synced.
	IncrementSyncItemAttempts(ctx context.Context, id int64, lastError string) (SyncItem, error)
	CountSyncItems(ctx context.Context, maxAttempts int) (QueueCounts, error)
	PurgeSyncedItems(ctx context.Context, syncedBefore time.Time) (int, error)
}

// MetaStore exposes per-store metadata.
type MetaStore interface {
	InstallationID() string
}

// Store is the full local store contract.
type Store interface {
	CacheStore
	QueueStore
	MetaStore
	Close() error
}
