package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage/sqlite"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *fakeClock) {
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
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, Options{MaxAttempts: maxAttempts, Clock: clock.Now}), clock
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.normalized()
	if opts.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("max attempts = %d, want %d", opts.MaxAttempts, DefaultMaxAttempts)
	}
	if opts.Clock == nil {
		t.Fatal("expected default clock")
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	cases := []struct {
		name  string
		owner string
		kind  string
	}{
		{name: "missing owner", owner: " ", kind: "transfer"},
		{name: "missing kind", owner: "u1", kind: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := q.Enqueue(ctx, tc.owner, tc.kind, nil); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if got := q.Generation(); got != 0 {
		t.Fatalf("generation = %d, want 0 after rejected enqueues", got)
	}
}

func TestEnqueueStampsClockAndGeneration(t *testing.T) {
	q, clock := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "u1", "transfer", []byte(`{"to":"b1"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := q.Generation(); got != 1 {
		t.Fatalf("generation = %d, want 1", got)
	}
	item, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !item.EnqueuedAt.Equal(clock.now) {
		t.Fatalf("enqueued at = %v, want %v", item.EnqueuedAt, clock.now)
	}
	if item.Attempts != 0 || item.Synced {
		t.Fatalf("unexpected fresh item %+v", item)
	}
}

func TestRetryBudgetMovesItemToDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "u1", "transfer", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 1; i <= 2; i++ {
		item, err := q.IncrementAttempts(ctx, id, errors.New("remote said no"))
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if wantDead := i == 2; q.IsDead(item) != wantDead {
			t.Fatalf("attempt %d: dead = %v, want %v", i, q.IsDead(item), wantDead)
		}
		if item.LastError != "remote said no" {
			t.Fatalf("last error = %q", item.LastError)
		}
	}

	candidates, err := q.DrainCandidates(ctx)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("dead item must not be a drain candidate, got %d", len(candidates))
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("dead letters = %+v, want item %d", dead, id)
	}
	pending, err := q.Pending(ctx, "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("dead letters stay pending for the owner, got %d", len(pending))
	}
	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts != (storage.QueueCounts{Dead: 1}) {
		t.Fatalf("counts = %+v, want one dead", counts)
	}
}

func TestMarkSyncedIsTerminal(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "u1", "transfer", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.MarkSynced(ctx, id); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := q.MarkSynced(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second mark err = %v, want ErrNotFound", err)
	}
	if _, err := q.IncrementAttempts(ctx, id, errors.New("late")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("increment err = %v, want ErrNotFound", err)
	}
}

func TestPurgeSyncedUsesClock(t *testing.T) {
	q, clock := newTestQueue(t, 3)
	ctx := context.Background()

	old, _ := q.Enqueue(ctx, "u1", "transfer", nil)
	if err := q.MarkSynced(ctx, old); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	clock.now = clock.now.Add(48 * time.Hour)
	recent, _ := q.Enqueue(ctx, "u1", "transfer", nil)
	if err := q.MarkSynced(ctx, recent); err != nil {
		t.Fatalf("mark recent: %v", err)
	}

	purged, err := q.PurgeSynced(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := q.Get(ctx, recent); err != nil {
		t.Fatalf("recent item should survive: %v", err)
	}
	if _, err := q.PurgeSynced(ctx, -time.Second); err == nil {
		t.Fatal("expected negative age to be rejected")
	}
}

func TestNilQueueReportsClosed(t *testing.T) {
	var q *Queue
	if _, err := q.Enqueue(context.Background(), "u1", "transfer", nil); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
