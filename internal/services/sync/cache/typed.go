package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/offlinesync/internal/services/sync/namespace"
)

// Keys used for single-document namespaces.
const (
	DashboardKey = "summary"
	WalletKey    = "balance"
)

// PutJSON marshals value and stores it under key.
func PutJSON[T any](ctx context.Context, m *Manager, ns namespace.Namespace, ownerID, key string, value T) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", ns, key, err)
	}
	return m.Put(ctx, ns, ownerID, key, payload)
}

// GetJSON loads and unmarshals the entry under key. A payload that no longer
// decodes into T is logged and reported as a miss.
func GetJSON[T any](ctx context.Context, m *Manager, ns namespace.Namespace, ownerID, key string) (T, bool, error) {
	var zero T
	entry, ok, err := m.Get(ctx, ns, ownerID, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var value T
	if err := json.Unmarshal(entry.Payload, &value); err != nil {
		m.degraded("decode "+key, ns, ownerID, err)
		return zero, false, nil
	}
	return value, true, nil
}

// GetAllJSON loads every live entry for the owner, skipping payloads that do
// not decode.
func GetAllJSON[T any](ctx context.Context, m *Manager, ns namespace.Namespace, ownerID string) ([]T, error) {
	entries, err := m.GetAll(ctx, ns, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		var value T
		if err := json.Unmarshal(entry.Payload, &value); err != nil {
			m.degraded("decode "+entry.Key, ns, ownerID, err)
			continue
		}
		out = append(out, value)
	}
	return out, nil
}

// ReplaceAllJSON marshals values and atomically replaces the owner's set,
// keying each value with keyOf.
func ReplaceAllJSON[T any](ctx context.Context, m *Manager, ns namespace.Namespace, ownerID string, values []T, keyOf func(T) string) error {
	if keyOf == nil {
		return fmt.Errorf("key function is required")
	}
	encoded := make([]Value, 0, len(values))
	for _, value := range values {
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s value: %w", ns, err)
		}
		encoded = append(encoded, Value{Key: keyOf(value), Payload: payload})
	}
	return m.ReplaceAll(ctx, ns, ownerID, encoded)
}

// CacheDashboard stores the owner's dashboard snapshot.
func (m *Manager) CacheDashboard(ctx context.Context, ownerID string, payload []byte) error {
	return m.Put(ctx, namespace.Dashboard, ownerID, DashboardKey, payload)
}

// CacheTransactions replaces the owner's cached transaction list.
func (m *Manager) CacheTransactions(ctx context.Context, ownerID string, values []Value) error {
	return m.ReplaceAll(ctx, namespace.Transactions, ownerID, values)
}

// CacheBeneficiaries replaces the owner's cached beneficiary list.
func (m *Manager) CacheBeneficiaries(ctx context.Context, ownerID string, values []Value) error {
	return m.ReplaceAll(ctx, namespace.Beneficiaries, ownerID, values)
}

// CacheNotifications upserts notifications without dropping ones already
// cached.
func (m *Manager) CacheNotifications(ctx context.Context, ownerID string, values []Value) error {
	for _, value := range values {
		if err := m.Put(ctx, namespace.Notifications, ownerID, value.Key, value.Payload); err != nil {
			return err
		}
	}
	return nil
}

// CacheWallet stores the owner's wallet balance document.
func (m *Manager) CacheWallet(ctx context.Context, ownerID string, payload []byte) error {
	return m.Put(ctx, namespace.Wallet, ownerID, WalletKey, payload)
}
