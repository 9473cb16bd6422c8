// Package storage defines the persistence contract of the local store.
//
// Cache entries are addressed by the composite key (namespace, owner, key)
// and sync items by a store-assigned, strictly increasing id. Backends live
// in subpackages (sqlite, bbolt) and must make every mutating call atomic at
// the transaction level.
//
// # Error Types
//
//   - ErrNotFound: the requested entry or item does not exist.
//   - ErrClosed: the store was closed or never opened.
package storage
