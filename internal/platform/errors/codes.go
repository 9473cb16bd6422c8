// Package errors provides coded domain errors shared across the sync core.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeUnknownNamespace  Code = "UNKNOWN_NAMESPACE"
	CodeReservedNamespace Code = "RESERVED_NAMESPACE"

	// Storage errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeStorageCorrupt     Code = "STORAGE_CORRUPT"

	// Remote-apply errors
	CodeRemoteRejected    Code = "REMOTE_REJECTED"
	CodeRemoteUnreachable Code = "REMOTE_UNREACHABLE"
)
