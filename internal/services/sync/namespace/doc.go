// Package namespace defines the fixed set of cache namespaces and the TTL
// policy attached to each.
//
// The registry is immutable; policy changes (from a YAML policy file or a
// hot reload) produce a new Registry that callers swap in atomically.
package namespace
