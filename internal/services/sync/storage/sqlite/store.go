package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
	"github.com/louisbranch/offlinesync/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const metaInstallationID = "installation_id"

// Store provides SQLite-backed cache and sync queue persistence.
type Store struct {
	sqlDB          *sql.DB
	installationID string
	schemaVersion  int
}

// Open opens a SQLite store at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageUnavailable, "open sqlite db", err)
	}
	// One connection serializes every transaction on the file.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, platformerrors.Wrap(platformerrors.CodeStorageUnavailable, "ping sqlite db", err)
	}

	ctx := context.Background()
	version, err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ".")
	if err != nil {
		_ = sqlDB.Close()
		return nil, platformerrors.Wrap(platformerrors.CodeStorageCorrupt, "run migrations", err)
	}

	store := &Store{sqlDB: sqlDB, schemaVersion: version}
	if err := store.loadInstallationID(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}

// InstallationID returns the per-store UUID used to prefix idempotency keys.
func (s *Store) InstallationID() string {
	if s == nil {
		return ""
	}
	return s.installationID
}

// SchemaVersion returns the migration version applied at Open.
func (s *Store) SchemaVersion() int {
	if s == nil {
		return 0
	}
	return s.schemaVersion
}

func (s *Store) loadInstallationID(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO store_meta (key, value) VALUES (?, ?)`,
		metaInstallationID,
		uuid.NewString(),
	); err != nil {
		return fmt.Errorf("init installation id: %w", err)
	}
	var id string
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM store_meta WHERE key = ?`,
		metaInstallationID,
	).Scan(&id); err != nil {
		return fmt.Errorf("read installation id: %w", err)
	}
	s.installationID = id
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrClosed
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// expiryCutoff returns the smallest stored millisecond value that is not yet
// expired at now. Entries with expires_at below it satisfy expires_at < now at
// full precision, matching CacheRecord.Expired.
func expiryCutoff(now time.Time) int64 {
	ms := toMillis(now)
	if now.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var _ storage.Store = (*Store)(nil)
