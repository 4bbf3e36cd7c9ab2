package configuration

import (
	"context"
	"hash/fnv"
	"io"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/multiplex"
)

// rendezvousBlobstore routes each key to exactly one shard, selected by
// rendezvous (highest random weight) hashing over the key and the
// shard's ID. This is the same shard-selection idea as the teacher's
// sharding.rendezvousShardSelector, adapted from selecting among Bazel
// digests to selecting among this module's opaque string keys.
type rendezvousBlobstore struct {
	shards []multiplex.Component
}

func newRendezvousBlobstore(shards []multiplex.Component) blobstore.Blobstore {
	return &rendezvousBlobstore{shards: shards}
}

func (ba *rendezvousBlobstore) shardFor(key string) blobstore.Blobstore {
	var best blobstore.Blobstore
	var bestWeight uint64
	for _, shard := range ba.shards {
		h := fnv.New64a()
		h.Write([]byte(shard.ID))
		h.Write([]byte(key))
		weight := h.Sum64()
		if best == nil || weight > bestWeight {
			best = shard.Store
			bestWeight = weight
		}
	}
	return best
}

func (ba *rendezvousBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	return ba.shardFor(key).Get(ctx, key)
}

func (ba *rendezvousBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	return ba.shardFor(key).Put(ctx, key, sizeBytes, r)
}

func (ba *rendezvousBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	return ba.shardFor(key).IsPresent(ctx, key)
}
