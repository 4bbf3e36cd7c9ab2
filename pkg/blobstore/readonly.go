package blobstore

import (
	"context"
	"io"
	"time"
)

type readOnlyBlobstore struct {
	base Blobstore
}

// NewReadOnlyBlobstore creates a decorator that rejects all writes with
// ErrReadOnly, while leaving Get and IsPresent untouched. Used to put a
// maintenance window on a component without taking it fully offline for
// reads.
func NewReadOnlyBlobstore(base Blobstore) Blobstore {
	return &readOnlyBlobstore{base: base}
}

func (ba *readOnlyBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	return ba.base.Get(ctx, key)
}

func (ba *readOnlyBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	return ErrReadOnly()
}

func (ba *readOnlyBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	return ba.base.IsPresent(ctx, key)
}
