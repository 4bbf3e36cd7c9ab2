package blobstore

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/clock"
)

type sampledLoggingBlobstore struct {
	base      Blobstore
	component string
	sampler   Sampler
	clock     clock.Clock
}

// NewSampledLoggingBlobstore creates a decorator that logs one line per
// successfully sampled operation, reporting component, operation, key
// and duration. It is independent of error reporting: a failing
// operation is always surfaced to the caller as an error and, for
// multiplex stragglers, always reported through an ErrorLogger; this
// decorator only throttles the volume of additional, non-error
// structured records, using sampler to decide which calls are worth
// recording in detail.
func NewSampledLoggingBlobstore(base Blobstore, component string, sampler Sampler, clk clock.Clock) Blobstore {
	return &sampledLoggingBlobstore{base: base, component: component, sampler: sampler, clock: clk}
}

func (ba *sampledLoggingBlobstore) logIfSampled(operation, key string, start time.Time, err error) {
	if !ba.sampler.ShouldSample() {
		return
	}
	log.Printf("blobstore component=%s operation=%s key=%s duration=%s err=%v",
		ba.component, operation, key, ba.clock.Now().Sub(start), err)
}

func (ba *sampledLoggingBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	start := ba.clock.Now()
	r, ctime, err := ba.base.Get(ctx, key)
	ba.logIfSampled("Get", key, start, err)
	return r, ctime, err
}

func (ba *sampledLoggingBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	start := ba.clock.Now()
	err := ba.base.Put(ctx, key, sizeBytes, r)
	ba.logIfSampled("Put", key, start, err)
	return err
}

func (ba *sampledLoggingBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	start := ba.clock.Now()
	present, err := ba.base.IsPresent(ctx, key)
	ba.logIfSampled("IsPresent", key, start, err)
	return present, err
}
