// Package queue exposes the durable sync queue: locally originated
// mutations waiting to be applied to the remote system of record.
//
// Items move PENDING -> SYNCED on a successful apply, or accumulate attempts
// until they reach MaxAttempts and become dead letters. Dead letters are kept
// for inspection and manual replay; they are never discarded automatically.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

// DefaultMaxAttempts is the retry budget before an item is dead-lettered.
const DefaultMaxAttempts = 3

// Item is one queued mutation.
type Item = storage.SyncItem

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	Clock       func() time.Time
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Queue wraps a QueueStore with the retry budget and enqueue bookkeeping.
type Queue struct {
	store      storage.QueueStore
	opts       Options
	generation atomic.Uint64
}

// New builds a Queue over store.
func New(store storage.QueueStore, opts Options) *Queue {
	return &Queue{store: store, opts: opts.normalized()}
}

// MaxAttempts returns the configured retry budget.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

// Generation counts successful enqueues seen by this process.
func (q *Queue) Generation() uint64 {
	return q.generation.Load()
}

// Enqueue durably appends a mutation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, ownerID, kind string, payload []byte) (int64, error) {
	if q == nil || q.store == nil {
		return 0, storage.ErrClosed
	}
	ownerID = strings.TrimSpace(ownerID)
	kind = strings.TrimSpace(kind)
	if ownerID == "" {
		return 0, fmt.Errorf("owner id is required")
	}
	if kind == "" {
		return 0, fmt.Errorf("kind is required")
	}
	id, err := q.store.EnqueueSyncItem(ctx, storage.SyncItem{
		OwnerID:    ownerID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.opts.Clock().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for %s: %w", kind, ownerID, err)
	}
	q.generation.Add(1)
	return id, nil
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id int64) (Item, error) {
	if q == nil || q.store == nil {
		return Item{}, storage.ErrClosed
	}
	return q.store.GetSyncItem(ctx, id)
}

// Pending lists the owner's unsynced items, dead letters included, oldest
// first.
func (q *Queue) Pending(ctx context.Context, ownerID string) ([]Item, error) {
	if q == nil || q.store == nil {
		return nil, storage.ErrClosed
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	return q.store.ListOwnerUnsyncedItems(ctx, ownerID)
}

// DrainCandidates lists items still eligible for automatic retry across all
// owners, oldest first.
func (q *Queue) DrainCandidates(ctx context.Context) ([]Item, error) {
	if q == nil || q.store == nil {
		return nil, storage.ErrClosed
	}
	return q.store.ListDrainCandidates(ctx, q.opts.MaxAttempts)
}

// DeadLetters lists items that exhausted their retry budget.
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	if q == nil || q.store == nil {
		return nil, storage.ErrClosed
	}
	return q.store.ListDeadLetters(ctx, q.opts.MaxAttempts)
}

// MarkSynced records a successful apply.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	if q == nil || q.store == nil {
		return storage.ErrClosed
	}
	if err := q.store.MarkSyncItemSynced(ctx, id, q.opts.Clock().UTC()); err != nil {
		return fmt.Errorf("mark item %d synced: %w", id, err)
	}
	return nil
}

// IncrementAttempts records a failed apply and returns the updated item.
func (q *Queue) IncrementAttempts(ctx context.Context, id int64, cause error) (Item, error) {
	if q == nil || q.store == nil {
		return Item{}, storage.ErrClosed
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	item, err := q.store.IncrementSyncItemAttempts(ctx, id, lastError)
	if err != nil {
		return Item{}, fmt.Errorf("record attempt for item %d: %w", id, err)
	}
	return item, nil
}

// IsDead reports whether item exhausted its retry budget.
func (q *Queue) IsDead(item Item) bool {
	return !item.Synced && item.Attempts >= q.opts.MaxAttempts
}

// Counts summarizes queue depth.
func (q *Queue) Counts(ctx context.Context) (storage.QueueCounts, error) {
	if q == nil || q.store == nil {
		return storage.QueueCounts{}, storage.ErrClosed
	}
	return q.store.CountSyncItems(ctx, q.opts.MaxAttempts)
}

// PurgeSynced deletes synced items older than olderThan.
func (q *Queue) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	if q == nil || q.store == nil {
		return 0, storage.ErrClosed
	}
	if olderThan < 0 {
		return 0, fmt.Errorf("purge age must not be negative")
	}
	return q.store.PurgeSyncedItems(ctx, q.opts.Clock().UTC().Add(-olderThan))
}
