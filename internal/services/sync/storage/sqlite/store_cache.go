package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

const cacheColumns = `namespace, owner_id, key, payload, cached_at, expires_at`

const upsertCacheSQL = `
INSERT INTO cache_entries (
	namespace,
	owner_id,
	key,
	payload,
	cached_at,
	expires_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(namespace, owner_id, key) DO UPDATE SET
	payload = excluded.payload,
	cached_at = excluded.cached_at,
	expires_at = excluded.expires_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PutCacheRecord inserts or fully replaces one cache entry.
func (s *Store) PutCacheRecord(ctx context.Context, record storage.CacheRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateCacheRecord(record); err != nil {
		return err
	}
	if err := upsertCacheRecord(ctx, s.sqlDB, record); err != nil {
		return fmt.Errorf("put cache record: %w", err)
	}
	return nil
}

// GetCacheRecord returns one cache entry regardless of expiry.
func (s *Store) GetCacheRecord(ctx context.Context, namespace, ownerID, key string) (storage.CacheRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CacheRecord{}, err
	}
	if err := validateCacheKey(namespace, ownerID, key); err != nil {
		return storage.CacheRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+cacheColumns+`
FROM cache_entries
WHERE namespace = ? AND owner_id = ? AND key = ?
`, namespace, ownerID, key)
	record, err := scanCacheRecord(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return storage.CacheRecord{}, storage.ErrNotFound
		}
		return storage.CacheRecord{}, fmt.Errorf("get cache record: %w", err)
	}
	return record, nil
}

// ListCacheRecords lists the owner's entries, or the whole namespace when
// ownerID is empty.
func (s *Store) ListCacheRecords(ctx context.Context, namespace, ownerID string) ([]storage.CacheRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("namespace is required")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if ownerID == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+cacheColumns+`
FROM cache_entries
WHERE namespace = ?
ORDER BY owner_id ASC, key ASC
`, namespace)
	} else {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT `+cacheColumns+`
FROM cache_entries
WHERE namespace = ? AND owner_id = ?
ORDER BY key ASC
`, namespace, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list cache records: %w", err)
	}
	defer rows.Close()

	records := make([]storage.CacheRecord, 0)
	for rows.Next() {
		record, err := scanCacheRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cache record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache records: %w", err)
	}
	return records, nil
}

// DeleteCacheRecord removes one entry. Deleting a missing entry is not an error.
func (s *Store) DeleteCacheRecord(ctx context.Context, namespace, ownerID, key string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateCacheKey(namespace, ownerID, key); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM cache_entries
WHERE namespace = ? AND owner_id = ? AND key = ?
`, namespace, ownerID, key); err != nil {
		return fmt.Errorf("delete cache record: %w", err)
	}
	return nil
}

// DeleteExpiredCacheRecord removes one entry only if it is expired at now.
func (s *Store) DeleteExpiredCacheRecord(ctx context.Context, namespace, ownerID, key string, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := validateCacheKey(namespace, ownerID, key); err != nil {
		return false, err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM cache_entries
WHERE namespace = ? AND owner_id = ? AND key = ?
AND expires_at IS NOT NULL AND expires_at < ?
`, namespace, ownerID, key, expiryCutoff(now))
	if err != nil {
		return false, fmt.Errorf("delete expired cache record: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete expired cache record rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteExpiredCacheRecords removes every entry in namespace expired at now.
func (s *Store) DeleteExpiredCacheRecords(ctx context.Context, namespace string, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(namespace) == "" {
		return 0, fmt.Errorf("namespace is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM cache_entries
WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at < ?
`, namespace, expiryCutoff(now))
	if err != nil {
		return 0, fmt.Errorf("sweep cache records: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep cache records rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// ClearCacheRecords removes the owner's entries, or the whole namespace when
// ownerID is empty.
func (s *Store) ClearCacheRecords(ctx context.Context, namespace, ownerID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	var err error
	if ownerID == "" {
		_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace)
	} else {
		_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ? AND owner_id = ?`, namespace, ownerID)
	}
	if err != nil {
		return fmt.Errorf("clear cache records: %w", err)
	}
	return nil
}

// ReplaceCacheRecords deletes the owner's entries and inserts records in one
// transaction.
func (s *Store) ReplaceCacheRecords(ctx context.Context, namespace, ownerID string, records []storage.CacheRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	for _, record := range records {
		if record.Namespace != namespace || record.OwnerID != ownerID {
			return fmt.Errorf("replace record %q belongs to %s/%s, want %s/%s",
				record.Key, record.Namespace, record.OwnerID, namespace, ownerID)
		}
		if err := validateCacheRecord(record); err != nil {
			return err
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start replace transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND owner_id = ?`,
		namespace, ownerID,
	); err != nil {
		return fmt.Errorf("replace cache records delete: %w", err)
	}
	for _, record := range records {
		if err := upsertCacheRecord(ctx, tx, record); err != nil {
			return fmt.Errorf("replace cache records insert %q: %w", record.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace transaction: %w", err)
	}
	return nil
}

// CountCacheRecords returns the number of stored entries per namespace.
func (s *Store) CountCacheRecords(ctx context.Context) (map[string]int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT namespace, COUNT(*)
FROM cache_entries
GROUP BY namespace
`)
	if err != nil {
		return nil, fmt.Errorf("count cache records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			namespace string
			count     int
		)
		if err := rows.Scan(&namespace, &count); err != nil {
			return nil, fmt.Errorf("scan cache count: %w", err)
		}
		counts[namespace] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache counts: %w", err)
	}
	return counts, nil
}

func upsertCacheRecord(ctx context.Context, exec execer, record storage.CacheRecord) error {
	payload := record.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := exec.ExecContext(ctx, upsertCacheSQL,
		record.Namespace,
		record.OwnerID,
		record.Key,
		payload,
		toMillis(record.CachedAt),
		toNullMillis(record.ExpiresAt),
	)
	return err
}

func scanCacheRecord(scan func(dest ...any) error) (storage.CacheRecord, error) {
	var (
		record    storage.CacheRecord
		cachedAt  int64
		expiresAt sql.NullInt64
	)
	if err := scan(
		&record.Namespace,
		&record.OwnerID,
		&record.Key,
		&record.Payload,
		&cachedAt,
		&expiresAt,
	); err != nil {
		return storage.CacheRecord{}, err
	}
	record.CachedAt = fromMillis(cachedAt)
	record.ExpiresAt = fromNullMillis(expiresAt)
	return record, nil
}

func validateCacheRecord(record storage.CacheRecord) error {
	if err := validateCacheKey(record.Namespace, record.OwnerID, record.Key); err != nil {
		return err
	}
	if record.CachedAt.IsZero() {
		return fmt.Errorf("cached at is required")
	}
	return nil
}

func validateCacheKey(namespace, ownerID, key string) error {
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	return nil
}
