package blobstore

import (
	"context"
	"io"
	"time"
)

type prefixingBlobstore struct {
	base   Blobstore
	prefix string
}

// NewPrefixingBlobstore creates a decorator that prepends a fixed
// prefix to every key before delegating to base. Multiple independent
// callers (e.g. distinct repos) can share one physical backend this way
// without colliding on keys.
func NewPrefixingBlobstore(base Blobstore, prefix string) Blobstore {
	return &prefixingBlobstore{base: base, prefix: prefix}
}

func (ba *prefixingBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	return ba.base.Get(ctx, ba.prefix+key)
}

func (ba *prefixingBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	return ba.base.Put(ctx, ba.prefix+key, sizeBytes, r)
}

func (ba *prefixingBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	return ba.base.IsPresent(ctx, ba.prefix+key)
}
