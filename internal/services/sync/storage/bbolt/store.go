// Package bbolt implements the local store on a BoltDB file.
//
// Layout:
//
//	cache/<namespace>/<owner>/<key>  JSON cache value
//	sync_queue/<id>                  JSON sync item, id big-endian
//	sync_owner/<owner>/<id>          owner index into sync_queue
//	meta/<name>                      store metadata
//
// bbolt allows one writer at a time and gives readers a consistent snapshot,
// so a replace committed in one Update is never observed half-applied.
package bbolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
	"github.com/louisbranch/offlinesync/internal/platform/timeouts"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"go.etcd.io/bbolt"
)

const (
	cacheBucket     = "cache"
	syncQueueBucket = "sync_queue"
	syncOwnerBucket = "sync_owner"
	metaBucket      = "meta"

	metaInstallationID = "installation_id"
)

// Store provides a BoltDB-backed local store.
type Store struct {
	db             *bbolt.DB
	installationID string
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: timeouts.StoreOpen})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageUnavailable, "open storage db", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// InstallationID returns the per-store UUID used to prefix idempotency keys.
func (s *Store) InstallationID() string {
	if s == nil {
		return ""
	}
	return s.installationID
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{cacheBucket, syncQueueBucket, syncOwnerBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(metaBucket))
		if existing := meta.Get([]byte(metaInstallationID)); existing != nil {
			s.installationID = string(existing)
			return nil
		}
		id := uuid.NewString()
		if err := meta.Put([]byte(metaInstallationID), []byte(id)); err != nil {
			return fmt.Errorf("init installation id: %w", err)
		}
		s.installationID = id
		return nil
	})
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return storage.ErrClosed
	}
	return nil
}

func rootBucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, platformerrors.New(platformerrors.CodeStorageCorrupt, name+" bucket is missing")
	}
	return bucket, nil
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func keyID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toMillisPtr(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	ms := toMillis(*value)
	return &ms
}

func fromMillisPtr(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	t := fromMillis(*value)
	return &t
}

var _ storage.Store = (*Store)(nil)
