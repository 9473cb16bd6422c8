// Package sqlite implements the local store on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
//
// The store keeps a single pooled connection, so every statement and
// transaction is serialized: readers never observe a half-applied replace.
// The schema is created by versioned migrations applied once in Open.
package sqlite
