package blobstore

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorBlobstore struct {
	err error
}

// NewErrorBlobstore creates a Blobstore whose every call fails with a
// fixed error carrying msg, the spec's "Disabled" backend. Used to
// reject oversized requests or retire a store without removing it from
// configuration.
func NewErrorBlobstore(msg string) Blobstore {
	return &errorBlobstore{err: status.Error(codes.Unavailable, msg)}
}

func (ba *errorBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	return nil, time.Time{}, ba.err
}

func (ba *errorBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	return ba.err
}

func (ba *errorBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	return false, ba.err
}
