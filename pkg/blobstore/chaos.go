package blobstore

import (
	"context"
	"io"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/random"
)

// ChaosConfig sets the per-operation probability [0, 1] that the chaos
// decorator fails a call before it reaches the base backend. A zero
// probability disables chaos for that operation.
type ChaosConfig struct {
	GetFailureProbability       float64
	PutFailureProbability       float64
	IsPresentFailureProbability float64
}

type chaosBlobstore struct {
	base      Blobstore
	config    ChaosConfig
	generator random.ThreadSafeGenerator
}

// NewChaosBlobstore creates a decorator that randomly fails operations
// with ErrChaosInjected, at the given per-operation probabilities. It is
// applied to exactly one component of a multiplexed blobstore, never to
// the multiplex as a whole, so that chaos testing exercises the
// multiplexer's degraded-write and race-read paths rather than failing
// every component at once.
func NewChaosBlobstore(base Blobstore, config ChaosConfig, generator random.ThreadSafeGenerator) Blobstore {
	if generator == nil {
		generator = random.FastThreadSafeGenerator
	}
	return &chaosBlobstore{base: base, config: config, generator: generator}
}

func (ba *chaosBlobstore) shouldFail(probability float64) bool {
	return probability > 0 && ba.generator.Float64() < probability
}

func (ba *chaosBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	if ba.shouldFail(ba.config.GetFailureProbability) {
		return nil, time.Time{}, ErrChaosInjected()
	}
	return ba.base.Get(ctx, key)
}

func (ba *chaosBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	if ba.shouldFail(ba.config.PutFailureProbability) {
		return ErrChaosInjected()
	}
	return ba.base.Put(ctx, key, sizeBytes, r)
}

func (ba *chaosBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	if ba.shouldFail(ba.config.IsPresentFailureProbability) {
		return false, ErrChaosInjected()
	}
	return ba.base.IsPresent(ctx, key)
}
