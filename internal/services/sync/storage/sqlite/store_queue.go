package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

const syncItemColumns = `id, owner_id, kind, payload, enqueued_at, synced, synced_at, attempts, last_error`

// EnqueueSyncItem persists a new unsynced item and returns its id.
func (s *Store) EnqueueSyncItem(ctx context.Context, item storage.SyncItem) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(item.OwnerID) == "" {
		return 0, fmt.Errorf("owner id is required")
	}
	if strings.TrimSpace(item.Kind) == "" {
		return 0, fmt.Errorf("kind is required")
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	payload := item.Payload
	if payload == nil {
		payload = []byte{}
	}

	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_queue (
	owner_id,
	kind,
	payload,
	enqueued_at,
	synced,
	attempts,
	last_error
) VALUES (?, ?, ?, ?, 0, 0, '')
`,
		item.OwnerID,
		item.Kind,
		payload,
		toMillis(item.EnqueuedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item id: %w", err)
	}
	return id, nil
}

// GetSyncItem returns one sync item by id.
func (s *Store) GetSyncItem(ctx context.Context, id int64) (storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SyncItem{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+syncItemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := s.scanSyncItem(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return storage.SyncItem{}, storage.ErrNotFound
		}
		return storage.SyncItem{}, fmt.Errorf("get sync item: %w", err)
	}
	return item, nil
}

// ListOwnerUnsyncedItems lists the owner's unsynced items, dead letters
// included, in ascending id order.
func (s *Store) ListOwnerUnsyncedItems(ctx context.Context, ownerID string) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	return s.querySyncItems(ctx, "list owner sync items", `
SELECT `+syncItemColumns+`
FROM sync_queue
WHERE owner_id = ? AND synced = 0
ORDER BY id ASC
`, ownerID)
}

// ListDrainCandidates lists unsynced items below maxAttempts across all
// owners in ascending id order.
func (s *Store) ListDrainCandidates(ctx context.Context, maxAttempts int) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be greater than zero")
	}
	return s.querySyncItems(ctx, "list drain candidates", `
SELECT `+syncItemColumns+`
FROM sync_queue
WHERE synced = 0 AND attempts < ?
ORDER BY id ASC
`, maxAttempts)
}

// ListDeadLetters lists unsynced items that reached maxAttempts.
func (s *Store) ListDeadLetters(ctx context.Context, maxAttempts int) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be greater than zero")
	}
	return s.querySyncItems(ctx, "list dead letters", `
SELECT `+syncItemColumns+`
FROM sync_queue
WHERE synced = 0 AND attempts >= ?
ORDER BY id ASC
`, maxAttempts)
}

// MarkSyncItemSynced moves an unsynced item to the terminal synced state.
func (s *Store) MarkSyncItemSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET synced = 1, synced_at = ?
WHERE id = ? AND synced = 0
`, toMillis(syncedAt), id)
	if err != nil {
		return fmt.Errorf("mark sync item synced: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync item synced rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// IncrementSyncItemAttempts records one failed attempt and returns the
// updated item.
func (s *Store) IncrementSyncItemAttempts(ctx context.Context, id int64, lastError string) (storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SyncItem{}, err
	}
	lastError = strings.TrimSpace(lastError)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.SyncItem{}, fmt.Errorf("start attempt transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	result, err := tx.ExecContext(ctx, `
UPDATE sync_queue
SET attempts = attempts + 1, last_error = ?
WHERE id = ? AND synced = 0
`, lastError, id)
	if err != nil {
		return storage.SyncItem{}, fmt.Errorf("increment sync item attempts: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storage.SyncItem{}, fmt.Errorf("increment sync item attempts rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return storage.SyncItem{}, storage.ErrNotFound
	}

	row := tx.QueryRowContext(ctx, `SELECT `+syncItemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := s.scanSyncItem(row.Scan)
	if err != nil {
		return storage.SyncItem{}, fmt.Errorf("scan updated sync item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.SyncItem{}, fmt.Errorf("commit attempt transaction: %w", err)
	}
	return item, nil
}

// CountSyncItems summarizes queue depth by state.
func (s *Store) CountSyncItems(ctx context.Context, maxAttempts int) (storage.QueueCounts, error) {
	if err := s.ready(ctx); err != nil {
		return storage.QueueCounts{}, err
	}
	if maxAttempts <= 0 {
		return storage.QueueCounts{}, fmt.Errorf("max attempts must be greater than zero")
	}
	var counts storage.QueueCounts
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN synced = 0 AND attempts < ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN synced = 0 AND attempts >= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0)
FROM sync_queue
`, maxAttempts, maxAttempts).Scan(&counts.Pending, &counts.Dead, &counts.Synced)
	if err != nil {
		return storage.QueueCounts{}, fmt.Errorf("count sync items: %w", err)
	}
	return counts, nil
}

// PurgeSyncedItems deletes synced items whose synced_at is before cutoff.
func (s *Store) PurgeSyncedItems(ctx context.Context, syncedBefore time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM sync_queue
WHERE synced = 1 AND synced_at < ?
`, toMillis(syncedBefore))
	if err != nil {
		return 0, fmt.Errorf("purge synced items: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge synced items rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

func (s *Store) querySyncItems(ctx context.Context, op string, query string, args ...any) ([]storage.SyncItem, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	items := make([]storage.SyncItem, 0)
	for rows.Next() {
		item, err := s.scanSyncItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	return items, nil
}

func (s *Store) scanSyncItem(scan func(dest ...any) error) (storage.SyncItem, error) {
	var (
		item       storage.SyncItem
		enqueuedAt int64
		synced     int
		syncedAt   sql.NullInt64
	)
	if err := scan(
		&item.ID,
		&item.OwnerID,
		&item.Kind,
		&item.Payload,
		&enqueuedAt,
		&synced,
		&syncedAt,
		&item.Attempts,
		&item.LastError,
	); err != nil {
		return storage.SyncItem{}, err
	}
	item.EnqueuedAt = fromMillis(enqueuedAt)
	item.Synced = synced != 0
	item.SyncedAt = fromNullMillis(syncedAt)
	item.IdempotencyKey = storage.IdempotencyKey(s.installationID, item.ID)
	return item, nil
}
