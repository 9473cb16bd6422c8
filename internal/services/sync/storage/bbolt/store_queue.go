package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"go.etcd.io/bbolt"
)

type syncValue struct {
	OwnerID    string `json:"owner_id"`
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Synced     bool   `json:"synced"`
	SyncedAt   *int64 `json:"synced_at,omitempty"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

// EnqueueSyncItem persists a new unsynced item under the next bucket sequence.
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

	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		seq, err := queue.NextSequence()
		if err != nil {
			return fmt.Errorf("next sync item id: %w", err)
		}
		id = int64(seq)
		if err := putSyncValue(queue, id, syncValue{
			OwnerID:    item.OwnerID,
			Kind:       item.Kind,
			Payload:    payload,
			EnqueuedAt: toMillis(item.EnqueuedAt),
		}); err != nil {
			return err
		}
		index, err := ownerIndex(tx, item.OwnerID, true)
		if err != nil {
			return err
		}
		return index.Put(idKey(id), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue sync item: %w", err)
	}
	return id, nil
}

// GetSyncItem returns one sync item by id.
func (s *Store) GetSyncItem(ctx context.Context, id int64) (storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SyncItem{}, err
	}
	var item storage.SyncItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		item, err = s.loadSyncItem(queue, id)
		return err
	})
	if err != nil {
		return storage.SyncItem{}, err
	}
	return item, nil
}

// ListOwnerUnsyncedItems walks the owner index in ascending id order.
func (s *Store) ListOwnerUnsyncedItems(ctx context.Context, ownerID string) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	items := make([]storage.SyncItem, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		index, err := ownerIndex(tx, ownerID, false)
		if err != nil || index == nil {
			return err
		}
		return index.ForEach(func(k, _ []byte) error {
			item, err := s.loadSyncItem(queue, keyID(k))
			if err != nil {
				return err
			}
			if !item.Synced {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list owner sync items: %w", err)
	}
	return items, nil
}

// ListDrainCandidates lists unsynced items below maxAttempts in ascending id
// order.
func (s *Store) ListDrainCandidates(ctx context.Context, maxAttempts int) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be greater than zero")
	}
	return s.scanQueue("list drain candidates", func(item storage.SyncItem) bool {
		return !item.Synced && item.Attempts < maxAttempts
	})
}

// ListDeadLetters lists unsynced items that reached maxAttempts.
func (s *Store) ListDeadLetters(ctx context.Context, maxAttempts int) ([]storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be greater than zero")
	}
	return s.scanQueue("list dead letters", func(item storage.SyncItem) bool {
		return !item.Synced && item.Attempts >= maxAttempts
	})
}

// MarkSyncItemSynced moves an unsynced item to the terminal synced state.
func (s *Store) MarkSyncItemSynced(ctx context.Context, id int64, syncedAt time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		value, err := getSyncValue(queue, id)
		if err != nil {
			return err
		}
		if value.Synced {
			return storage.ErrNotFound
		}
		value.Synced = true
		value.SyncedAt = toMillisPtr(&syncedAt)
		if err := putSyncValue(queue, id, value); err != nil {
			return err
		}
		index, err := ownerIndex(tx, value.OwnerID, false)
		if err != nil || index == nil {
			return err
		}
		return index.Delete(idKey(id))
	})
}

// IncrementSyncItemAttempts records one failed attempt and returns the
// updated item.
func (s *Store) IncrementSyncItemAttempts(ctx context.Context, id int64, lastError string) (storage.SyncItem, error) {
	if err := s.ready(ctx); err != nil {
		return storage.SyncItem{}, err
	}
	lastError = strings.TrimSpace(lastError)

	var item storage.SyncItem
	err := s.db.Update(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		value, err := getSyncValue(queue, id)
		if err != nil {
			return err
		}
		if value.Synced {
			return storage.ErrNotFound
		}
		value.Attempts++
		value.LastError = lastError
		if err := putSyncValue(queue, id, value); err != nil {
			return err
		}
		item = s.toSyncItem(id, value)
		return nil
	})
	if err != nil {
		return storage.SyncItem{}, err
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
	_, err := s.scanQueue("count sync items", func(item storage.SyncItem) bool {
		switch {
		case item.Synced:
			counts.Synced++
		case item.Attempts >= maxAttempts:
			counts.Dead++
		default:
			counts.Pending++
		}
		return false
	})
	if err != nil {
		return storage.QueueCounts{}, err
	}
	return counts, nil
}

// PurgeSyncedItems deletes synced items whose synced time is before cutoff.
func (s *Store) PurgeSyncedItems(ctx context.Context, syncedBefore time.Time) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	cutoff := toMillis(syncedBefore)
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		var doomed [][]byte
		err = queue.ForEach(func(k, v []byte) error {
			value, err := decodeSyncValue(v)
			if err != nil {
				return err
			}
			if value.Synced && value.SyncedAt != nil && *value.SyncedAt < cutoff {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := queue.Delete(k); err != nil {
				return fmt.Errorf("delete synced item: %w", err)
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge synced items: %w", err)
	}
	return purged, nil
}

// scanQueue walks the whole queue bucket in id order.
func (s *Store) scanQueue(op string, keep func(storage.SyncItem) bool) ([]storage.SyncItem, error) {
	items := make([]storage.SyncItem, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		queue, err := rootBucket(tx, syncQueueBucket)
		if err != nil {
			return err
		}
		return queue.ForEach(func(k, v []byte) error {
			value, err := decodeSyncValue(v)
			if err != nil {
				return err
			}
			item := s.toSyncItem(keyID(k), value)
			if keep(item) {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return items, nil
}

func (s *Store) loadSyncItem(queue *bbolt.Bucket, id int64) (storage.SyncItem, error) {
	value, err := getSyncValue(queue, id)
	if err != nil {
		return storage.SyncItem{}, err
	}
	return s.toSyncItem(id, value), nil
}

func (s *Store) toSyncItem(id int64, value syncValue) storage.SyncItem {
	return storage.SyncItem{
		ID:             id,
		OwnerID:        value.OwnerID,
		Kind:           value.Kind,
		Payload:        value.Payload,
		EnqueuedAt:     fromMillis(value.EnqueuedAt),
		Synced:         value.Synced,
		SyncedAt:       fromMillisPtr(value.SyncedAt),
		Attempts:       value.Attempts,
		LastError:      value.LastError,
		IdempotencyKey: storage.IdempotencyKey(s.installationID, id),
	}
}

func ownerIndex(tx *bbolt.Tx, ownerID string, create bool) (*bbolt.Bucket, error) {
	owners, err := rootBucket(tx, syncOwnerBucket)
	if err != nil {
		return nil, err
	}
	if !create {
		return owners.Bucket([]byte(ownerID)), nil
	}
	index, err := owners.CreateBucketIfNotExists([]byte(ownerID))
	if err != nil {
		return nil, fmt.Errorf("create owner index: %w", err)
	}
	return index, nil
}

func getSyncValue(queue *bbolt.Bucket, id int64) (syncValue, error) {
	raw := queue.Get(idKey(id))
	if raw == nil {
		return syncValue{}, storage.ErrNotFound
	}
	return decodeSyncValue(raw)
}

func putSyncValue(queue *bbolt.Bucket, id int64, value syncValue) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal sync item: %w", err)
	}
	if err := queue.Put(idKey(id), raw); err != nil {
		return fmt.Errorf("put sync item: %w", err)
	}
	return nil
}

func decodeSyncValue(raw []byte) (syncValue, error) {
	var value syncValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return syncValue{}, platformerrors.Wrap(platformerrors.CodeStorageCorrupt, "unmarshal sync item", err)
	}
	return value, nil
}
