package namespace

import (
	"fmt"
	"sort"
	"strings"
	"time"

	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
)

// Namespace names one logical partition of the local store.
type Namespace string

const (
	Dashboard     Namespace = "dashboard"
	Transactions  Namespace = "transactions"
	Beneficiaries Namespace = "beneficiaries"
	Notifications Namespace = "notifications"
	Wallet        Namespace = "wallet"
	SyncQueue     Namespace = "syncQueue"
)

// DefaultDashboardTTL is how long dashboard snapshots stay fresh by default.
const DefaultDashboardTTL = 24 * time.Hour

var (
	// ErrUnknownNamespace is returned for names outside the registry.
	ErrUnknownNamespace = platformerrors.New(platformerrors.CodeUnknownNamespace, "unknown namespace")
	// ErrReservedNamespace is returned when cache operations target the queue namespace.
	ErrReservedNamespace = platformerrors.New(platformerrors.CodeReservedNamespace, "namespace is reserved for the sync queue")
)

// Policy describes how one namespace behaves.
type Policy struct {
	// TTL is the freshness horizon; zero means entries never expire.
	TTL time.Duration
	// OwnerPartitioned scopes every entry to an owner id.
	OwnerPartitioned bool
	// GloballyIterable allows listing across all owners (sync engine only).
	GloballyIterable bool
	// Reserved excludes the namespace from the cache API.
	Reserved bool
}

// Registry maps namespaces to policies.
type Registry struct {
	policies map[Namespace]Policy
}

// DefaultRegistry returns the built-in namespace policies.
func DefaultRegistry() *Registry {
	return &Registry{policies: map[Namespace]Policy{
		Dashboard:     {TTL: DefaultDashboardTTL, OwnerPartitioned: true},
		Transactions:  {OwnerPartitioned: true},
		Beneficiaries: {OwnerPartitioned: true},
		Notifications: {OwnerPartitioned: true},
		Wallet:        {OwnerPartitioned: true},
		SyncQueue:     {OwnerPartitioned: true, GloballyIterable: true, Reserved: true},
	}}
}

// Parse converts a raw string into a known namespace.
func Parse(raw string) (Namespace, error) {
	ns := Namespace(strings.TrimSpace(raw))
	if _, ok := DefaultRegistry().policies[ns]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, raw)
	}
	return ns, nil
}

// Lookup returns the policy for ns.
func (r *Registry) Lookup(ns Namespace) (Policy, error) {
	if r == nil {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	policy, ok := r.policies[ns]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownNamespace, ns)
	}
	return policy, nil
}

// CachePolicy returns the policy for ns, rejecting reserved namespaces.
func (r *Registry) CachePolicy(ns Namespace) (Policy, error) {
	policy, err := r.Lookup(ns)
	if err != nil {
		return Policy{}, err
	}
	if policy.Reserved {
		return Policy{}, fmt.Errorf("%w: %q", ErrReservedNamespace, ns)
	}
	return policy, nil
}

// TTL returns the TTL for ns, or zero when ns is unknown or never expires.
func (r *Registry) TTL(ns Namespace) time.Duration {
	policy, err := r.Lookup(ns)
	if err != nil {
		return 0
	}
	return policy.TTL
}

// WithTTL returns a copy of r with the TTL for ns replaced.
func (r *Registry) WithTTL(ns Namespace, ttl time.Duration) (*Registry, error) {
	policy, err := r.Lookup(ns)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("ttl for %q must not be negative", ns)
	}
	if policy.Reserved && ttl > 0 {
		return nil, fmt.Errorf("%w: %q has no ttl", ErrReservedNamespace, ns)
	}
	next := r.clone()
	policy.TTL = ttl
	next.policies[ns] = policy
	return next, nil
}

// Names lists every namespace in stable order.
func (r *Registry) Names() []Namespace {
	if r == nil {
		return nil
	}
	names := make([]Namespace, 0, len(r.policies))
	for ns := range r.policies {
		names = append(names, ns)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// CacheNames lists the namespaces usable through the cache API.
func (r *Registry) CacheNames() []Namespace {
	names := r.Names()
	out := names[:0]
	for _, ns := range names {
		if !r.policies[ns].Reserved {
			out = append(out, ns)
		}
	}
	return out
}

func (r *Registry) clone() *Registry {
	next := &Registry{policies: make(map[Namespace]Policy, len(r.policies))}
	for ns, policy := range r.policies {
		next.policies[ns] = policy
	}
	return next
}
