package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"go.etcd.io/bbolt"
)

type cacheValue struct {
	Payload   []byte `json:"payload"`
	CachedAt  int64  `json:"cached_at"`
	ExpiresAt *int64 `json:"expires_at,omitempty"`
}

// PutCacheRecord inserts or fully replaces one cache entry.
func (s *Store) PutCacheRecord(ctx context.Context, record storage.CacheRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := validateCacheRecord(record); err != nil {
		return err
	}
	payload, err := encodeCacheValue(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		owner, err := ownerBucketForWrite(tx, record.Namespace, record.OwnerID)
		if err != nil {
			return err
		}
		if err := owner.Put([]byte(record.Key), payload); err != nil {
			return fmt.Errorf("put cache record: %w", err)
		}
		return nil
	})
}

// GetCacheRecord returns one cache entry regardless of expiry.
func (s *Store) GetCacheRecord(ctx context.Context, namespace, ownerID, key string) (storage.CacheRecord, error) {
	if err := s.ready(ctx); err != nil {
		return storage.CacheRecord{}, err
	}
	if err := validateCacheKey(namespace, ownerID, key); err != nil {
		return storage.CacheRecord{}, err
	}

	var record storage.CacheRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		owner, err := ownerBucketForRead(tx, namespace, ownerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return storage.ErrNotFound
		}
		raw := owner.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		record, err = decodeCacheValue(namespace, ownerID, key, raw)
		return err
	})
	if err != nil {
		return storage.CacheRecord{}, err
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

	records := make([]storage.CacheRecord, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucketForRead(tx, namespace)
		if err != nil || ns == nil {
			return err
		}
		return forEachOwner(ns, ownerID, func(owner string, bucket *bbolt.Bucket) error {
			return bucket.ForEach(func(k, v []byte) error {
				record, err := decodeCacheValue(namespace, owner, string(k), v)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list cache records: %w", err)
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		owner, err := ownerBucketForRead(tx, namespace, ownerID)
		if err != nil || owner == nil {
			return err
		}
		if err := owner.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete cache record: %w", err)
		}
		return nil
	})
}

// DeleteExpiredCacheRecord removes one entry only if it is expired at now.
func (s *Store) DeleteExpiredCacheRecord(ctx context.Context, namespace, ownerID, key string, now time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := validateCacheKey(namespace, ownerID, key); err != nil {
		return false, err
	}
	removed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		owner, err := ownerBucketForRead(tx, namespace, ownerID)
		if err != nil || owner == nil {
			return err
		}
		raw := owner.Get([]byte(key))
		if raw == nil {
			return nil
		}
		record, err := decodeCacheValue(namespace, ownerID, key, raw)
		if err != nil {
			return err
		}
		if !record.Expired(now) {
			return nil
		}
		if err := owner.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete expired cache record: %w", err)
		}
		removed = true
		return nil
	})
	return removed, err
}

// DeleteExpiredCacheRecords removes every entry in namespace expired at now.
func (s *Store) DeleteExpiredCacheRecords(ctx context.Context, namespace string, now time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	if strings.TrimSpace(namespace) == "" {
		return 0, fmt.Errorf("namespace is required")
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucketForRead(tx, namespace)
		if err != nil || ns == nil {
			return err
		}
		return forEachOwner(ns, "", func(owner string, bucket *bbolt.Bucket) error {
			var expired [][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				record, err := decodeCacheValue(namespace, owner, string(k), v)
				if err != nil {
					return err
				}
				if record.Expired(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range expired {
				if err := bucket.Delete(k); err != nil {
					return fmt.Errorf("sweep cache record: %w", err)
				}
				removed++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		cache, err := rootBucket(tx, cacheBucket)
		if err != nil {
			return err
		}
		ns := cache.Bucket([]byte(namespace))
		if ns == nil {
			return nil
		}
		if ownerID == "" {
			return cache.DeleteBucket([]byte(namespace))
		}
		if ns.Bucket([]byte(ownerID)) == nil {
			return nil
		}
		return ns.DeleteBucket([]byte(ownerID))
	})
}

// ReplaceCacheRecords drops the owner's bucket and refills it in one Update.
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
	encoded := make([][]byte, len(records))
	for i, record := range records {
		if record.Namespace != namespace || record.OwnerID != ownerID {
			return fmt.Errorf("replace record %q belongs to %s/%s, want %s/%s",
				record.Key, record.Namespace, record.OwnerID, namespace, ownerID)
		}
		if err := validateCacheRecord(record); err != nil {
			return err
		}
		payload, err := encodeCacheValue(record)
		if err != nil {
			return err
		}
		encoded[i] = payload
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		cache, err := rootBucket(tx, cacheBucket)
		if err != nil {
			return err
		}
		ns, err := cache.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("create namespace bucket: %w", err)
		}
		if ns.Bucket([]byte(ownerID)) != nil {
			if err := ns.DeleteBucket([]byte(ownerID)); err != nil {
				return fmt.Errorf("replace cache records delete: %w", err)
			}
		}
		owner, err := ns.CreateBucket([]byte(ownerID))
		if err != nil {
			return fmt.Errorf("replace cache records create: %w", err)
		}
		for i, record := range records {
			if err := owner.Put([]byte(record.Key), encoded[i]); err != nil {
				return fmt.Errorf("replace cache records insert %q: %w", record.Key, err)
			}
		}
		return nil
	})
}

// CountCacheRecords returns the number of stored entries per namespace.
func (s *Store) CountCacheRecords(ctx context.Context) (map[string]int, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cache, err := rootBucket(tx, cacheBucket)
		if err != nil {
			return err
		}
		return cache.ForEachBucket(func(name []byte) error {
			ns := cache.Bucket(name)
			total := 0
			err := forEachOwner(ns, "", func(_ string, bucket *bbolt.Bucket) error {
				total += bucket.Stats().KeyN
				return nil
			})
			if err != nil {
				return err
			}
			if total > 0 {
				counts[string(name)] = total
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("count cache records: %w", err)
	}
	return counts, nil
}

func namespaceBucketForRead(tx *bbolt.Tx, namespace string) (*bbolt.Bucket, error) {
	cache, err := rootBucket(tx, cacheBucket)
	if err != nil {
		return nil, err
	}
	return cache.Bucket([]byte(namespace)), nil
}

func ownerBucketForRead(tx *bbolt.Tx, namespace, ownerID string) (*bbolt.Bucket, error) {
	ns, err := namespaceBucketForRead(tx, namespace)
	if err != nil || ns == nil {
		return nil, err
	}
	return ns.Bucket([]byte(ownerID)), nil
}

func ownerBucketForWrite(tx *bbolt.Tx, namespace, ownerID string) (*bbolt.Bucket, error) {
	cache, err := rootBucket(tx, cacheBucket)
	if err != nil {
		return nil, err
	}
	ns, err := cache.CreateBucketIfNotExists([]byte(namespace))
	if err != nil {
		return nil, fmt.Errorf("create namespace bucket: %w", err)
	}
	owner, err := ns.CreateBucketIfNotExists([]byte(ownerID))
	if err != nil {
		return nil, fmt.Errorf("create owner bucket: %w", err)
	}
	return owner, nil
}

// forEachOwner visits owner buckets in key order; a non-empty ownerID visits
// only that owner.
func forEachOwner(ns *bbolt.Bucket, ownerID string, fn func(owner string, bucket *bbolt.Bucket) error) error {
	if ownerID != "" {
		bucket := ns.Bucket([]byte(ownerID))
		if bucket == nil {
			return nil
		}
		return fn(ownerID, bucket)
	}
	var owners []string
	if err := ns.ForEachBucket(func(name []byte) error {
		owners = append(owners, string(name))
		return nil
	}); err != nil {
		return err
	}
	sort.Strings(owners)
	for _, owner := range owners {
		if err := fn(owner, ns.Bucket([]byte(owner))); err != nil {
			return err
		}
	}
	return nil
}

func encodeCacheValue(record storage.CacheRecord) ([]byte, error) {
	payload := record.Payload
	if payload == nil {
		payload = []byte{}
	}
	raw, err := json.Marshal(cacheValue{
		Payload:   payload,
		CachedAt:  toMillis(record.CachedAt),
		ExpiresAt: toMillisPtr(record.ExpiresAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal cache record: %w", err)
	}
	return raw, nil
}

func decodeCacheValue(namespace, ownerID, key string, raw []byte) (storage.CacheRecord, error) {
	var value cacheValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return storage.CacheRecord{}, platformerrors.Wrap(platformerrors.CodeStorageCorrupt, "unmarshal cache record", err)
	}
	return storage.CacheRecord{
		Namespace: namespace,
		OwnerID:   ownerID,
		Key:       key,
		Payload:   value.Payload,
		CachedAt:  fromMillis(value.CachedAt),
		ExpiresAt: fromMillisPtr(value.ExpiresAt),
	}, nil
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
