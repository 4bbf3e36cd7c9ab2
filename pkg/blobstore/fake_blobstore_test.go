package blobstore_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
)

// fakeBlobstore is a minimal in-memory Blobstore used by this
// package's tests in place of a generated mock, matching spec.md §8's
// requirement that acceptance tests run against hand-written fakes.
type fakeBlobstore struct {
	mu       sync.Mutex
	data     map[string][]byte
	ctime    time.Time
	getErr   error
	putErr   error
	presence error
}

func newFakeBlobstore() *fakeBlobstore {
	return &fakeBlobstore{data: map[string][]byte{}}
}

func (f *fakeBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, time.Time{}, f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return nil, time.Time{}, blobstore.ErrNotFound(key)
	}
	return io.NopCloser(bytes.NewReader(v)), f.ctime, nil
}

func (f *fakeBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	if f.putErr != nil {
		return f.putErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctime.IsZero() {
		f.ctime = time.Now()
	}
	f.data[key] = body
	return nil
}

func (f *fakeBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.presence != nil {
		return false, f.presence
	}
	_, ok := f.data[key]
	return ok, nil
}
