// Package storagetest holds the behavioral contract every local store
// backend must satisfy. Backend packages call Run from their tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

// OpenFunc opens (or reopens) a backend at path.
type OpenFunc func(t *testing.T, path string) storage.Store

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the store contract against a backend.
func Run(t *testing.T, open OpenFunc) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, open OpenFunc)
	}{
		{name: "PutGetLastWriteWins", fn: testPutGetLastWriteWins},
		{name: "GetMissing", fn: testGetMissing},
		{name: "OwnerScoping", fn: testOwnerScoping},
		{name: "ListOrdering", fn: testListOrdering},
		{name: "DeleteExpiredIsConditional", fn: testDeleteExpiredIsConditional},
		{name: "DeleteExpiredSubMillisecond", fn: testDeleteExpiredSubMillisecond},
		{name: "SweepNamespace", fn: testSweepNamespace},
		{name: "Clear", fn: testClear},
		{name: "ReplaceScopedToOwner", fn: testReplaceScopedToOwner},
		{name: "ReplaceRejectsForeignRecords", fn: testReplaceRejectsForeignRecords},
		{name: "ReplaceAtomicUnderConcurrentReads", fn: testReplaceAtomicUnderConcurrentReads},
		{name: "CountCacheRecords", fn: testCountCacheRecords},
		{name: "QueueLifecycle", fn: testQueueLifecycle},
		{name: "QueueTerminalSynced", fn: testQueueTerminalSynced},
		{name: "QueueConcurrentEnqueue", fn: testQueueConcurrentEnqueue},
		{name: "QueuePurge", fn: testQueuePurge},
		{name: "DurableAcrossReopen", fn: testDurableAcrossReopen},
		{name: "ClosedStore", fn: testClosedStore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open)
		})
	}
}

func openFresh(t *testing.T, open OpenFunc) storage.Store {
	t.Helper()
	store := open(t, filepath.Join(t.TempDir(), "offline.db"))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func record(namespace, owner, key, payload string, expiresAt *time.Time) storage.CacheRecord {
	return storage.CacheRecord{
		Namespace: namespace,
		OwnerID:   owner,
		Key:       key,
		Payload:   []byte(payload),
		CachedAt:  baseTime,
		ExpiresAt: expiresAt,
	}
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func mustPut(t *testing.T, store storage.Store, rec storage.CacheRecord) {
	t.Helper()
	if err := store.PutCacheRecord(context.Background(), rec); err != nil {
		t.Fatalf("put %s/%s/%s: %v", rec.Namespace, rec.OwnerID, rec.Key, err)
	}
}

func mustEnqueue(t *testing.T, store storage.Store, owner, kind string) int64 {
	t.Helper()
	id, err := store.EnqueueSyncItem(context.Background(), storage.SyncItem{
		OwnerID:    owner,
		Kind:       kind,
		Payload:    []byte(`{"amount":10}`),
		EnqueuedAt: baseTime,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func ids(items []storage.SyncItem) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func equalIDs(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func testPutGetLastWriteWins(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	expiresAt := baseTime.Add(time.Hour)

	mustPut(t, store, record("wallet", "u1", "balance", "v1", &expiresAt))
	mustPut(t, store, record("wallet", "u1", "balance", "v2", nil))

	got, err := store.GetCacheRecord(ctx, "wallet", "u1", "balance")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != "v2" {
		t.Fatalf("payload = %q, want %q", got.Payload, "v2")
	}
	if got.ExpiresAt != nil {
		t.Fatalf("expires at = %v, want nil after full replacement", got.ExpiresAt)
	}
	if !got.CachedAt.Equal(baseTime) {
		t.Fatalf("cached at = %v, want %v", got.CachedAt, baseTime)
	}
}

func testGetMissing(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	_, err := store.GetCacheRecord(context.Background(), "wallet", "u1", "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := store.GetSyncItem(context.Background(), 999); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("sync item err = %v, want ErrNotFound", err)
	}
}

func testOwnerScoping(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("transactions", "u1", "t1", "a", nil))
	mustPut(t, store, record("transactions", "u2", "t1", "b", nil))

	got, err := store.GetCacheRecord(ctx, "transactions", "u2", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != "b" {
		t.Fatalf("payload = %q, want %q", got.Payload, "b")
	}
	if err := store.DeleteCacheRecord(ctx, "transactions", "u1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetCacheRecord(ctx, "transactions", "u2", "t1"); err != nil {
		t.Fatalf("other owner entry should survive delete: %v", err)
	}
	if err := store.DeleteCacheRecord(ctx, "transactions", "u1", "t1"); err != nil {
		t.Fatalf("delete missing should not fail: %v", err)
	}
}

func testListOrdering(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("beneficiaries", "u2", "b", "4", nil))
	mustPut(t, store, record("beneficiaries", "u1", "c", "3", nil))
	mustPut(t, store, record("beneficiaries", "u1", "a", "1", nil))
	mustPut(t, store, record("wallet", "u1", "z", "x", nil))

	owned, err := store.ListCacheRecords(ctx, "beneficiaries", "u1")
	if err != nil {
		t.Fatalf("list owner: %v", err)
	}
	if len(owned) != 2 || owned[0].Key != "a" || owned[1].Key != "c" {
		t.Fatalf("owner list = %+v, want keys [a c]", owned)
	}

	all, err := store.ListCacheRecords(ctx, "beneficiaries", "")
	if err != nil {
		t.Fatalf("list namespace: %v", err)
	}
	var got []string
	for _, rec := range all {
		got = append(got, rec.OwnerID+"/"+rec.Key)
	}
	if strings.Join(got, ",") != "u1/a,u1/c,u2/b" {
		t.Fatalf("namespace list = %v, want [u1/a u1/c u2/b]", got)
	}

	empty, err := store.ListCacheRecords(ctx, "notifications", "u1")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty list, got %d", len(empty))
	}
}

func testDeleteExpiredIsConditional(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	expiresAt := baseTime.Add(time.Minute)

	mustPut(t, store, record("dashboard", "u1", "summary", "old", &expiresAt))

	removed, err := store.DeleteExpiredCacheRecord(ctx, "dashboard", "u1", "summary", expiresAt)
	if err != nil {
		t.Fatalf("delete expired at boundary: %v", err)
	}
	if removed {
		t.Fatal("entry must not be removed at exactly expiresAt")
	}

	// A fresh put lands before the conditional delete runs.
	fresh := expiresAt.Add(time.Hour)
	mustPut(t, store, record("dashboard", "u1", "summary", "new", &fresh))
	removed, err = store.DeleteExpiredCacheRecord(ctx, "dashboard", "u1", "summary", expiresAt.Add(time.Second))
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed {
		t.Fatal("fresh entry must survive a stale conditional delete")
	}

	removed, err = store.DeleteExpiredCacheRecord(ctx, "dashboard", "u1", "summary", fresh.Add(time.Second))
	if err != nil {
		t.Fatalf("delete expired after ttl: %v", err)
	}
	if !removed {
		t.Fatal("expected expired entry to be removed")
	}

	mustPut(t, store, record("wallet", "u1", "balance", "forever", nil))
	removed, err = store.DeleteExpiredCacheRecord(ctx, "wallet", "u1", "balance", baseTime.Add(24*365*time.Hour))
	if err != nil {
		t.Fatalf("delete non-expiring: %v", err)
	}
	if removed {
		t.Fatal("entry without expiry must never be removed by ttl")
	}
}

func testDeleteExpiredSubMillisecond(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	expiresAt := baseTime.Add(time.Minute).Truncate(time.Millisecond)

	mustPut(t, store, record("dashboard", "u1", "summary", "v", &expiresAt))
	got, err := store.GetCacheRecord(ctx, "dashboard", "u1", "summary")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Expired(expiresAt) {
		t.Fatal("stored entry must not be expired at exactly expiresAt")
	}

	removed, err := store.DeleteExpiredCacheRecord(ctx, "dashboard", "u1", "summary", expiresAt)
	if err != nil {
		t.Fatalf("delete at boundary: %v", err)
	}
	if removed {
		t.Fatal("entry must not be removed at exactly expiresAt")
	}

	within := expiresAt.Add(300 * time.Microsecond)
	if !got.Expired(within) {
		t.Fatal("stored entry must be expired just past expiresAt")
	}
	removed, err = store.DeleteExpiredCacheRecord(ctx, "dashboard", "u1", "summary", within)
	if err != nil {
		t.Fatalf("delete within the millisecond: %v", err)
	}
	if !removed {
		t.Fatal("entry expired at a sub-millisecond offset must be removed")
	}

	mustPut(t, store, record("dashboard", "u2", "summary", "v", &expiresAt))
	swept, err := store.DeleteExpiredCacheRecords(ctx, "dashboard", within)
	if err != nil {
		t.Fatalf("sweep within the millisecond: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
}

func testSweepNamespace(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	soon := baseTime.Add(time.Minute)
	later := baseTime.Add(time.Hour)

	mustPut(t, store, record("dashboard", "u1", "a", "1", &soon))
	mustPut(t, store, record("dashboard", "u2", "b", "2", &soon))
	mustPut(t, store, record("dashboard", "u1", "c", "3", &later))
	mustPut(t, store, record("dashboard", "u1", "d", "4", nil))
	mustPut(t, store, record("wallet", "u1", "e", "5", &soon))

	removed, err := store.DeleteExpiredCacheRecords(ctx, "dashboard", soon.Add(time.Second))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	remaining, err := store.ListCacheRecords(ctx, "dashboard", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d, want 2", len(remaining))
	}
	if _, err := store.GetCacheRecord(ctx, "wallet", "u1", "e"); err != nil {
		t.Fatalf("sweep must stay within namespace: %v", err)
	}
}

func testClear(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("notifications", "u1", "n1", "1", nil))
	mustPut(t, store, record("notifications", "u2", "n1", "2", nil))
	mustPut(t, store, record("wallet", "u1", "w", "3", nil))

	if err := store.ClearCacheRecords(ctx, "notifications", "u1"); err != nil {
		t.Fatalf("clear owner: %v", err)
	}
	if _, err := store.GetCacheRecord(ctx, "notifications", "u2", "n1"); err != nil {
		t.Fatalf("other owner should survive: %v", err)
	}
	if err := store.ClearCacheRecords(ctx, "notifications", ""); err != nil {
		t.Fatalf("clear namespace: %v", err)
	}
	left, err := store.ListCacheRecords(ctx, "notifications", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected cleared namespace, got %d entries", len(left))
	}
	if _, err := store.GetCacheRecord(ctx, "wallet", "u1", "w"); err != nil {
		t.Fatalf("other namespace should survive: %v", err)
	}
}

func testReplaceScopedToOwner(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("transactions", "u1", "old", "x", nil))
	mustPut(t, store, record("transactions", "u2", "keep", "y", nil))

	next := []storage.CacheRecord{
		record("transactions", "u1", "t1", "1", nil),
		record("transactions", "u1", "t2", "2", nil),
	}
	if err := store.ReplaceCacheRecords(ctx, "transactions", "u1", next); err != nil {
		t.Fatalf("replace: %v", err)
	}
	owned, err := store.ListCacheRecords(ctx, "transactions", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(owned) != 2 || owned[0].Key != "t1" || owned[1].Key != "t2" {
		t.Fatalf("owned = %+v, want [t1 t2]", owned)
	}
	if _, err := store.GetCacheRecord(ctx, "transactions", "u2", "keep"); err != nil {
		t.Fatalf("other owner should survive replace: %v", err)
	}

	if err := store.ReplaceCacheRecords(ctx, "transactions", "u1", nil); err != nil {
		t.Fatalf("replace with empty set: %v", err)
	}
	owned, err = store.ListCacheRecords(ctx, "transactions", "u1")
	if err != nil {
		t.Fatalf("list after empty replace: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("expected empty owner set, got %d", len(owned))
	}
}

func testReplaceRejectsForeignRecords(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("beneficiaries", "u1", "b1", "1", nil))
	err := store.ReplaceCacheRecords(ctx, "beneficiaries", "u1", []storage.CacheRecord{
		record("beneficiaries", "u1", "b2", "2", nil),
		record("beneficiaries", "u2", "b3", "3", nil),
	})
	if err == nil {
		t.Fatal("expected foreign record to be rejected")
	}
	if _, err := store.GetCacheRecord(ctx, "beneficiaries", "u1", "b1"); err != nil {
		t.Fatalf("failed replace must leave previous data: %v", err)
	}
}

func testReplaceAtomicUnderConcurrentReads(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	generation := func(gen int) []storage.CacheRecord {
		out := make([]storage.CacheRecord, 0, 5)
		for i := 0; i < 5; i++ {
			out = append(out, record("transactions", "u1", fmt.Sprintf("t%d", i), fmt.Sprintf("gen-%d", gen), nil))
		}
		return out
	}
	if err := store.ReplaceCacheRecords(ctx, "transactions", "u1", generation(0)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg       sync.WaitGroup
		stop     = make(chan struct{})
		failures = make(chan string, 1)
	)
	report := func(msg string) {
		select {
		case failures <- msg:
		default:
		}
	}

	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				records, err := store.ListCacheRecords(ctx, "transactions", "u1")
				if err != nil {
					report(fmt.Sprintf("list: %v", err))
					return
				}
				if len(records) != 5 {
					report(fmt.Sprintf("observed %d records, want 5", len(records)))
					return
				}
				for _, rec := range records[1:] {
					if string(rec.Payload) != string(records[0].Payload) {
						report(fmt.Sprintf("mixed generations %q and %q", records[0].Payload, rec.Payload))
						return
					}
				}
			}
		}()
	}

	for gen := 1; gen <= 40; gen++ {
		if err := store.ReplaceCacheRecords(ctx, "transactions", "u1", generation(gen)); err != nil {
			close(stop)
			wg.Wait()
			t.Fatalf("replace generation %d: %v", gen, err)
		}
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-failures:
		t.Fatal(msg)
	default:
	}
}

func testCountCacheRecords(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	mustPut(t, store, record("wallet", "u1", "a", "1", nil))
	mustPut(t, store, record("wallet", "u2", "a", "1", nil))
	mustPut(t, store, record("dashboard", "u1", "a", "1", nil))

	counts, err := store.CountCacheRecords(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["wallet"] != 2 || counts["dashboard"] != 1 {
		t.Fatalf("counts = %v, want wallet=2 dashboard=1", counts)
	}
	if _, ok := counts["notifications"]; ok {
		t.Fatalf("empty namespaces should be absent, got %v", counts)
	}
}

func testQueueLifecycle(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	const maxAttempts = 3

	first := mustEnqueue(t, store, "u1", "transfer")
	second := mustEnqueue(t, store, "u2", "transfer")
	third := mustEnqueue(t, store, "u1", "beneficiary.add")
	if !(first < second && second < third) {
		t.Fatalf("ids not increasing: %d %d %d", first, second, third)
	}

	item, err := store.GetSyncItem(ctx, first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Synced || item.Attempts != 0 || item.OwnerID != "u1" || item.Kind != "transfer" {
		t.Fatalf("unexpected fresh item %+v", item)
	}
	if string(item.Payload) != `{"amount":10}` {
		t.Fatalf("payload = %q", item.Payload)
	}
	if !item.EnqueuedAt.Equal(baseTime) {
		t.Fatalf("enqueued at = %v, want %v", item.EnqueuedAt, baseTime)
	}
	wantKey := storage.IdempotencyKey(store.InstallationID(), first)
	if store.InstallationID() == "" || item.IdempotencyKey != wantKey {
		t.Fatalf("idempotency key = %q, want %q", item.IdempotencyKey, wantKey)
	}

	for i := 1; i <= maxAttempts; i++ {
		updated, err := store.IncrementSyncItemAttempts(ctx, first, fmt.Sprintf("  failure %d  ", i))
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if updated.Attempts != i {
			t.Fatalf("attempts = %d, want %d", updated.Attempts, i)
		}
		if updated.LastError != fmt.Sprintf("failure %d", i) {
			t.Fatalf("last error = %q", updated.LastError)
		}
	}

	candidates, err := store.ListDrainCandidates(ctx, maxAttempts)
	if err != nil {
		t.Fatalf("drain candidates: %v", err)
	}
	if !equalIDs(ids(candidates), []int64{second, third}) {
		t.Fatalf("candidates = %v, want [%d %d]", ids(candidates), second, third)
	}

	dead, err := store.ListDeadLetters(ctx, maxAttempts)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if !equalIDs(ids(dead), []int64{first}) {
		t.Fatalf("dead = %v, want [%d]", ids(dead), first)
	}

	pending, err := store.ListOwnerUnsyncedItems(ctx, "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !equalIDs(ids(pending), []int64{first, third}) {
		t.Fatalf("pending = %v, want [%d %d]", ids(pending), first, third)
	}

	if err := store.MarkSyncItemSynced(ctx, second, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	counts, err := store.CountSyncItems(ctx, maxAttempts)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts != (storage.QueueCounts{Pending: 1, Dead: 1, Synced: 1}) {
		t.Fatalf("counts = %+v", counts)
	}
}

func testQueueTerminalSynced(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()
	id := mustEnqueue(t, store, "u1", "transfer")
	syncedAt := baseTime.Add(time.Minute)

	if err := store.MarkSyncItemSynced(ctx, id, syncedAt); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := store.MarkSyncItemSynced(ctx, id, syncedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second mark err = %v, want ErrNotFound", err)
	}
	if _, err := store.IncrementSyncItemAttempts(ctx, id, "late failure"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("increment synced err = %v, want ErrNotFound", err)
	}
	item, err := store.GetSyncItem(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !item.Synced || item.SyncedAt == nil || !item.SyncedAt.Equal(syncedAt) || item.Attempts != 0 {
		t.Fatalf("unexpected synced item %+v", item)
	}
	pending, err := store.ListOwnerUnsyncedItems(ctx, "u1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("synced item must not be pending, got %v", ids(pending))
	}
	if err := store.MarkSyncItemSynced(ctx, 12345, syncedAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing mark err = %v, want ErrNotFound", err)
	}
}

func testQueueConcurrentEnqueue(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	const workers, perWorker = 4, 10
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
		errs = make(chan error, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := store.EnqueueSyncItem(ctx, storage.SyncItem{
					OwnerID:    fmt.Sprintf("u%d", w),
					Kind:       "transfer",
					EnqueuedAt: baseTime,
				})
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("enqueue: %v", err)
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("unique ids = %d, want %d", len(seen), workers*perWorker)
	}
	candidates, err := store.ListDrainCandidates(ctx, 3)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	for i := 1; i < len(candidates); i++ {
		if candidates[i-1].ID >= candidates[i].ID {
			t.Fatalf("candidates not ascending at %d: %v", i, ids(candidates))
		}
	}
}

func testQueuePurge(t *testing.T, open OpenFunc) {
	store := openFresh(t, open)
	ctx := context.Background()

	old := mustEnqueue(t, store, "u1", "transfer")
	recent := mustEnqueue(t, store, "u1", "transfer")
	unsynced := mustEnqueue(t, store, "u1", "transfer")
	if err := store.MarkSyncItemSynced(ctx, old, baseTime); err != nil {
		t.Fatalf("mark old: %v", err)
	}
	if err := store.MarkSyncItemSynced(ctx, recent, baseTime.Add(2*time.Hour)); err != nil {
		t.Fatalf("mark recent: %v", err)
	}

	purged, err := store.PurgeSyncedItems(ctx, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.GetSyncItem(ctx, old); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("old item err = %v, want ErrNotFound", err)
	}
	for _, id := range []int64{recent, unsynced} {
		if _, err := store.GetSyncItem(ctx, id); err != nil {
			t.Fatalf("item %d should survive purge: %v", id, err)
		}
	}
}

func testDurableAcrossReopen(t *testing.T, open OpenFunc) {
	path := filepath.Join(t.TempDir(), "offline.db")
	ctx := context.Background()

	store := open(t, path)
	mustPut(t, store, record("wallet", "u1", "balance", "42", nil))
	first := mustEnqueue(t, store, "u1", "transfer")
	installationID := store.InstallationID()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := open(t, path)
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	got, err := reopened.GetCacheRecord(ctx, "wallet", "u1", "balance")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(got.Payload) != "42" {
		t.Fatalf("payload = %q, want 42", got.Payload)
	}
	if _, err := reopened.GetSyncItem(ctx, first); err != nil {
		t.Fatalf("queue item after reopen: %v", err)
	}
	next := mustEnqueue(t, reopened, "u1", "transfer")
	if next <= first {
		t.Fatalf("id after reopen = %d, want > %d", next, first)
	}
	if reopened.InstallationID() != installationID {
		t.Fatalf("installation id changed across reopen: %q -> %q", installationID, reopened.InstallationID())
	}
}

func testClosedStore(t *testing.T, open OpenFunc) {
	store := open(t, filepath.Join(t.TempDir(), "offline.db"))
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx := context.Background()
	if err := store.PutCacheRecord(ctx, record("wallet", "u1", "k", "v", nil)); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("put err = %v, want ErrClosed", err)
	}
	if _, err := store.EnqueueSyncItem(ctx, storage.SyncItem{OwnerID: "u1", Kind: "k"}); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("enqueue err = %v, want ErrClosed", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
