package blobstore

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-catrate"
	bb_atomic "github.com/mononoke-oss/blobmux/pkg/atomic"
	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

type throttlingBlobstore struct {
	base      Blobstore
	semaphore *semaphore.Weighted
	limiter   *catrate.Limiter
	inFlight  bb_atomic.Int64
}

// NewThrottlingBlobstore creates a decorator that limits requests by
// concurrency and by sliding-window rate. A request over the rate limit
// is rejected with ErrThrottled at once; a request over the concurrency
// limit waits for a free slot and fails with ErrThrottled if its
// context is done first. maxConcurrentRequests <= 0
// disables the concurrency limit; a nil or empty rates map disables
// rate limiting. rates follows catrate.NewLimiter's convention: keys
// are sliding-window durations, values the max event count per window.
func NewThrottlingBlobstore(base Blobstore, maxConcurrentRequests int64, rates map[time.Duration]int) Blobstore {
	ba := &throttlingBlobstore{base: base}
	if maxConcurrentRequests > 0 {
		ba.semaphore = semaphore.NewWeighted(maxConcurrentRequests)
	}
	if len(rates) > 0 {
		ba.limiter = catrate.NewLimiter(rates)
	}
	return ba
}

func (ba *throttlingBlobstore) acquire(ctx context.Context) (func(), error) {
	if ba.limiter != nil {
		if _, ok := ba.limiter.Allow("blobstore"); !ok {
			return nil, ErrThrottled()
		}
	}
	if ba.semaphore == nil {
		return func() {}, nil
	}
	if err := bb_util.AcquireSemaphore(ctx, ba.semaphore, 1); err != nil {
		return nil, ErrThrottled()
	}
	ba.inFlight.Add(1)
	return func() {
		ba.inFlight.Add(-1)
		ba.semaphore.Release(1)
	}, nil
}

// InFlight returns the number of requests currently holding the
// concurrency-limit slot. Zero if no concurrency limit is configured,
// since nothing is tracked in that case.
func (ba *throttlingBlobstore) InFlight() int64 {
	return ba.inFlight.Load()
}

func (ba *throttlingBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	release, err := ba.acquire(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer release()
	return ba.base.Get(ctx, key)
}

func (ba *throttlingBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	release, err := ba.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return ba.base.Put(ctx, key, sizeBytes, r)
}

func (ba *throttlingBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	release, err := ba.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return ba.base.IsPresent(ctx, key)
}
