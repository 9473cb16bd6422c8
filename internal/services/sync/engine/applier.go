package engine

import (
	"context"
	"errors"

	platformerrors "github.com/louisbranch/offlinesync/internal/platform/errors"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
)

// Applier applies one queued mutation to the remote system of record.
//
// Apply must be idempotent for item.IdempotencyKey: the engine retries an
// item whose remote effect landed but whose local synced mark did not.
// Return an error wrapped with Unreachable when the remote could not be
// reached; any other error counts as a rejection.
type Applier interface {
	Apply(ctx context.Context, item storage.SyncItem) error
}

// ApplyFunc adapts a function to Applier.
type ApplyFunc func(ctx context.Context, item storage.SyncItem) error

// Apply calls f.
func (f ApplyFunc) Apply(ctx context.Context, item storage.SyncItem) error {
	return f(ctx, item)
}

// Failure classifies a failed apply.
type Failure string

const (
	FailureRejected    Failure = "rejected"
	FailureUnreachable Failure = "unreachable"
)

// Rejected marks err as a remote rejection.
func Rejected(err error) error {
	if err == nil {
		err = errors.New("remote rejected item")
	}
	return platformerrors.Wrap(platformerrors.CodeRemoteRejected, "remote rejected", err)
}

// Unreachable marks err as a connectivity failure. An unreachable failure
// halts the current drain pass.
func Unreachable(err error) error {
	if err == nil {
		err = errors.New("remote unreachable")
	}
	return platformerrors.Wrap(platformerrors.CodeRemoteUnreachable, "remote unreachable", err)
}

// Classify reports how the engine treats err. Unclassified errors are
// rejections.
func Classify(err error) Failure {
	if platformerrors.HasCode(err, platformerrors.CodeRemoteUnreachable) {
		return FailureUnreachable
	}
	return FailureRejected
}
