// Package blobstore defines the Blobstore abstraction: a content store
// keyed by opaque, printable keys, holding opaque byte values. Concrete
// backends and decorators throughout this module and its subpackages
// (multiplex, scrub, local, sqlstore, remote) all implement or wrap this
// interface.
package blobstore

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxKeyBytes is the largest key this module will accept. Keys are
// required to be printable (no control characters), but this package
// does not itself validate printability; that is a backend concern.
const MaxKeyBytes = 1024

// MaxValueBytes is the largest blob value this module will accept.
const MaxValueBytes = 2 << 30 // 2 GiB

// Blobstore is the common contract implemented by every backend and
// decorator. Get and Put both take a Key rather than a structured
// digest: unlike a content-addressed store, nothing here assumes the
// key is derived from the value.
type Blobstore interface {
	// Get returns the blob and its creation time, or a NotFound status
	// if it is absent. Creation time is populated by the backend on
	// the blob's first write and preserved across subsequent reads,
	// even after a value is overwritten. The caller must close the
	// returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error)

	// Put stores sizeBytes of data read from r under key. Backends
	// may use sizeBytes as a hint; r is always read to completion on
	// success.
	Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error

	// IsPresent reports whether key is stored, without transferring
	// the blob's contents.
	IsPresent(ctx context.Context, key string) (bool, error)
}

// ErrBackendUnopenable is returned only from factory construction, when
// a backend cannot be opened (e.g. a missing directory, an unreachable
// database). It is never returned from Get, Put or IsPresent.
func ErrBackendUnopenable(cause error, msg string) error {
	return statusWrapf(cause, codes.Unavailable, "%s", msg)
}

// ErrNotFound reports that a key is absent from a backend.
func ErrNotFound(key string) error {
	return status.Errorf(codes.NotFound, "key %q not found", key)
}

// ErrBackendUnavailable reports a transient infrastructure failure.
func ErrBackendUnavailable(cause error, backend string) error {
	return statusWrapf(cause, codes.Unavailable, "backend %s unavailable", backend)
}

// ErrBackendCorrupt reports that a backend returned data that failed
// validation.
func ErrBackendCorrupt(backend, key string) error {
	return status.Errorf(codes.DataLoss, "backend %s: key %q is corrupt", backend, key)
}

// ErrReadOnly reports a write attempted against a read-only decorator.
func ErrReadOnly() error {
	return status.Error(codes.PermissionDenied, "blobstore is read-only")
}

// ErrThrottled reports that a call was rejected by the throttle
// decorator before reaching the underlying backend.
func ErrThrottled() error {
	return status.Error(codes.ResourceExhausted, "request throttled")
}

// ErrChaosInjected reports a synthetic failure produced by the chaos
// decorator.
func ErrChaosInjected() error {
	return status.Error(codes.Unavailable, "chaos: injected failure")
}

// ErrMultiplexWriteFailed reports that a multiplexed write did not
// reach write quorum.
func ErrMultiplexWriteFailed(succeeded, quorum, total int) error {
	return status.Errorf(codes.Unavailable, "multiplex write reached %d/%d components, quorum is %d", succeeded, total, quorum)
}

// ErrSomeFailedOthersAbsent reports a multiplexed read where every
// component either errored or reported absence, with at least one
// error present.
func ErrSomeFailedOthersAbsent(key string) error {
	return status.Errorf(codes.Unavailable, "key %q: some components failed, others reported absent", key)
}

// ErrAllFailed reports a multiplexed operation where every component
// failed.
func ErrAllFailed(key string) error {
	return status.Errorf(codes.Unavailable, "key %q: all components failed", key)
}

// ErrScrubInconsistent reports that scrub observed disagreement between
// components that it could not repair: more than one distinct value
// among present components, or a repair write that failed.
func ErrScrubInconsistent(key string) error {
	return status.Errorf(codes.DataLoss, "key %q: scrub found unrepairable inconsistency", key)
}

// ErrQueueEnqueueFailed reports that a sync queue append failed,
// downgrading a degraded write to a hard error.
func ErrQueueEnqueueFailed(cause error) error {
	return statusWrapf(cause, codes.Unavailable, "failed to enqueue sync queue entry")
}

func statusWrapf(cause error, code codes.Code, format string, args ...interface{}) error {
	if cause == nil {
		return status.Errorf(code, format, args...)
	}
	msg := status.Newf(code, format, args...).Message()
	return status.Errorf(code, "%s: %s", msg, cause.Error())
}

// IsInfrastructureError reports whether an error stems from backend
// infrastructure rather than caller-provided parameters, matching the
// classification used to decide whether an operation should be retried
// against another component.
func IsInfrastructureError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DataLoss, codes.ResourceExhausted, codes.Unknown, codes.Internal:
		return true
	default:
		return false
	}
}
