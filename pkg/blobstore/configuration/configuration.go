// Package configuration implements the BlobConfig grammar and the
// factory that builds a Blobstore tree from it. The grammar is a closed
// tagged union (one Go type per constructor), matching Design Note §9's
// guidance to use tagged-variant dispatch when the set of backends is
// fixed; composition order (construct, then read-only, then throttle,
// then chaos-if-leaf) follows Mononoke's blobstore/factory/src/lib.rs,
// the direct ancestor of this package.
package configuration

import (
	"context"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/local"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/multiplex"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/remote"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/scrub"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/sqlstore"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/syncqueue"
	"github.com/mononoke-oss/blobmux/pkg/clock"
	"github.com/mononoke-oss/blobmux/pkg/program"
	"github.com/mononoke-oss/blobmux/pkg/random"
	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

// BlobConfig is the closed set of backend/combinator constructors. Every
// implementation lives in this file; blobConfig() is unexported so no
// other package may add a new case.
type BlobConfig interface {
	blobConfig()
}

// Decorators common to every constructor below: applied in the order
// construct -> ReadOnly -> Throttle -> Chaos (chaos only if this config
// is a leaf; a Multiplexed or Scrub config ignores its own Chaos, and
// at most one of its components, the first whose own Decorators
// request chaos, applies it).
//
// Prefix is deliberately not one of these: a per-repo key prefix
// applies once per repository, not once per backend component, so it
// is a higher-level repo factory's concern, applied outside this
// core's tree (see DESIGN.md).
type Decorators struct {
	ReadOnly bool
	Throttle *ThrottleSettings
	Chaos    *blobstore.ChaosConfig
}

// ThrottleSettings mirrors blobstore.NewThrottlingBlobstore's
// parameters in a form that survives JSON unmarshalling.
type ThrottleSettings struct {
	MaxConcurrentRequests int64
	RatesPerSecond        map[string]int // window label (e.g. "1s", "1m") -> max events
}

// Telemetry configures the ambient, always-applied decorators every
// built node gets regardless of its own Decorators: Prometheus
// histograms and rate-limited structured logging.
type Telemetry struct {
	// SamplesPerEpoch and EpochDuration configure the Sampler gating
	// structured log lines. A zero SamplesPerEpoch disables sampled
	// logging entirely for this tree.
	SamplesPerEpoch int
	EpochDuration   time.Duration
}

// Disabled constructs a Blobstore whose every call fails with a fixed
// error, the spec's "Disabled" backend (used to reject oversized
// requests, or retire a store entirely).
type Disabled struct {
	Decorators
	Message string
}

func (Disabled) blobConfig() {}

// Files constructs the local filesystem backend.
type Files struct {
	Decorators
	Root string
}

func (Files) blobConfig() {}

// Sqlite constructs a single-node SQL-backed backend using
// mattn/go-sqlite3.
type Sqlite struct {
	Decorators
	Path string
}

func (Sqlite) blobConfig() {}

// Remote constructs the S3-backed backend.
type Remote struct {
	Decorators
	remote.Config
}

func (Remote) blobConfig() {}

// Sharded constructs a Postgres-backed backend spanning one or more
// shards, selected by rendezvous hashing over the key.
type Sharded struct {
	Decorators
	Shards []ShardDSN
}

// ShardDSN names one shard's connection string.
type ShardDSN struct {
	ID  string
	DSN string
}

func (Sharded) blobConfig() {}

// Multiplexed constructs a multiplexed Blobstore over its Components.
// Chaos is applied to at most one component (the first whose Decorators
// request it), matching Mononoke's applied_chaos flag in
// make_blobstore_multiplexed.
type Multiplexed struct {
	Decorators
	Components []ComponentConfig
	// MultiplexID names this deployment in sync queue rows, isolating
	// its entries when several Multiplexed configs share one
	// QueueDriver/QueueDSN.
	MultiplexID string
	WriteQuorum int
	GracePeriod time.Duration
	QueueDriver string
	QueueDSN    string
}

// ComponentConfig names one child of a Multiplexed or Scrub config.
type ComponentConfig struct {
	ID     string
	Config BlobConfig
}

func (Multiplexed) blobConfig() {}

// Scrub constructs a consistency-checking Blobstore over its
// Components, per Design Note §9's wait-for-all semantics.
type Scrub struct {
	Decorators
	Components []ComponentConfig
	// Handler, if set, is notified of every divergence a scrub pass
	// observes. See scrub.ScrubHandler.
	Handler scrub.ScrubHandler
	// Action chooses whether divergence is only reported or also
	// repaired. Its components are always built with ReadOnly
	// suppressed, so a repair write is never rejected by a
	// component's own read-only decoration.
	Action scrub.ScrubAction
}

func (Scrub) blobConfig() {}

// Dependencies are the ambient collaborators the factory needs beyond
// what BlobConfig itself describes.
type Dependencies struct {
	Clock         clock.Clock
	Random        random.ThreadSafeGenerator
	ErrorLogger   bb_util.ErrorLogger
	Lifecycle     program.Group
	UUIDGenerator bb_util.UUIDGenerator
	Telemetry     Telemetry

	sampler blobstore.Sampler
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Clock == nil {
		d.Clock = clock.SystemClock
	}
	if d.Random == nil {
		d.Random = random.FastThreadSafeGenerator
	}
	if d.ErrorLogger == nil {
		d.ErrorLogger = bb_util.DefaultErrorLogger
	}
	if d.Telemetry.SamplesPerEpoch > 0 {
		epoch := d.Telemetry.EpochDuration
		if epoch <= 0 {
			epoch = time.Minute
		}
		d.sampler = blobstore.NewMaximumRateSampler(d.Clock, d.Telemetry.SamplesPerEpoch, epoch)
	}
	return d
}

// Build constructs a Blobstore tree from cfg. It is the sole entry
// point callers outside this package should use.
func Build(ctx context.Context, cfg BlobConfig, deps Dependencies) (blobstore.Blobstore, error) {
	deps = deps.withDefaults()
	return build(ctx, cfg, deps, "root", false, false)
}

// build mirrors make_blobstore's match-and-wrap structure: construct
// the leaf/combinator, then apply ReadOnly, then Throttle, then Chaos
// unless skipChaos is set for this node (the caller controls that:
// Multiplexed and Scrub set it for every component after the first
// one that requests chaos). name identifies this node for tracing;
// it is the component ID for a Multiplexed or Scrub child, and "root"
// for the top-level config. suppressReadOnly is set by buildScrub,
// whose repair writes must reach a component even when it is
// otherwise configured read-only.
func build(ctx context.Context, cfg BlobConfig, deps Dependencies, name string, skipChaos, suppressReadOnly bool) (blobstore.Blobstore, error) {
	var (
		ba  blobstore.Blobstore
		err error
		dec Decorators
	)

	switch c := cfg.(type) {
	case Disabled:
		dec = c.Decorators
		ba = blobstore.NewErrorBlobstore(c.Message)
	case Files:
		dec = c.Decorators
		ba, err = local.New(c.Root)
	case Sqlite:
		dec = c.Decorators
		ba, err = sqlstore.Open("sqlite3", c.Path)
	case Remote:
		dec = c.Decorators
		ba, err = remote.New(ctx, c.Config)
	case Sharded:
		dec = c.Decorators
		ba, err = buildSharded(c)
	case Multiplexed:
		dec = c.Decorators
		ba, err = buildMultiplexed(ctx, c, deps)
		skipChaos = true // chaos already distributed to a component
	case Scrub:
		dec = c.Decorators
		ba, err = buildScrub(ctx, c, deps)
		skipChaos = true
	default:
		return nil, blobstore.ErrBackendUnopenable(nil, "unknown BlobConfig variant")
	}
	if err != nil {
		return nil, err
	}

	if dec.ReadOnly && !suppressReadOnly {
		ba = blobstore.NewReadOnlyBlobstore(ba)
	}
	if dec.Throttle != nil {
		ba = blobstore.NewThrottlingBlobstore(ba, dec.Throttle.MaxConcurrentRequests, parseRates(dec.Throttle.RatesPerSecond))
	}
	if !skipChaos && dec.Chaos != nil {
		ba = blobstore.NewChaosBlobstore(ba, *dec.Chaos, deps.Random)
	}
	ba = blobstore.NewMetricsBlobstore(ba, name, deps.Clock)
	if deps.sampler != nil {
		ba = blobstore.NewSampledLoggingBlobstore(ba, name, deps.sampler, deps.Clock)
	}
	return blobstore.NewTracingBlobstore(ba, name), nil
}

func parseRates(rates map[string]int) map[time.Duration]int {
	if len(rates) == 0 {
		return nil
	}
	out := make(map[time.Duration]int, len(rates))
	for label, n := range rates {
		d, err := time.ParseDuration(label)
		if err != nil {
			continue
		}
		out[d] = n
	}
	return out
}

func buildSharded(c Sharded) (blobstore.Blobstore, error) {
	components := make([]multiplex.Component, 0, len(c.Shards))
	for _, shard := range c.Shards {
		ba, err := sqlstore.Open("postgres", shard.DSN)
		if err != nil {
			return nil, err
		}
		components = append(components, multiplex.Component{ID: shard.ID, Store: ba})
	}
	return newRendezvousBlobstore(components), nil
}

func buildMultiplexed(ctx context.Context, c Multiplexed, deps Dependencies) (blobstore.Blobstore, error) {
	components := make([]multiplex.Component, 0, len(c.Components))
	chaosAssigned := false
	for _, cc := range c.Components {
		skipChaos := chaosAssigned
		ba, err := build(ctx, cc.Config, deps, cc.ID, skipChaos, false)
		if err != nil {
			return nil, err
		}
		if !chaosAssigned {
			if hasChaos(cc.Config) {
				chaosAssigned = true
			}
		}
		components = append(components, multiplex.Component{ID: cc.ID, Store: ba})
	}

	var queue syncqueue.Queue
	if c.QueueDriver != "" {
		q, err := syncqueue.Open(c.QueueDriver, c.QueueDSN)
		if err != nil {
			return nil, err
		}
		queue = q
	}

	return multiplex.New(components, multiplex.Config{
		MultiplexID:   c.MultiplexID,
		WriteQuorum:   c.WriteQuorum,
		GracePeriod:   c.GracePeriod,
		Clock:         deps.Clock,
		Queue:         queue,
		ErrorLogger:   deps.ErrorLogger,
		Lifecycle:     deps.Lifecycle,
		UUIDGenerator: deps.UUIDGenerator,
	}), nil
}

// buildScrub builds a Scrub config's components with suppressReadOnly
// set, so that repair writes reach a component that would otherwise
// reject them with ErrReadOnly.
func buildScrub(ctx context.Context, c Scrub, deps Dependencies) (blobstore.Blobstore, error) {
	components := make([]scrub.Component, 0, len(c.Components))
	chaosAssigned := false
	for _, cc := range c.Components {
		ba, err := build(ctx, cc.Config, deps, cc.ID, chaosAssigned, true)
		if err != nil {
			return nil, err
		}
		if !chaosAssigned && hasChaos(cc.Config) {
			chaosAssigned = true
		}
		components = append(components, scrub.Component{ID: cc.ID, Store: ba})
	}
	return scrub.New(components, scrub.Config{
		ErrorLogger: deps.ErrorLogger,
		Handler:     c.Handler,
		Action:      c.Action,
	}), nil
}

// hasChaos reports whether a not-yet-built component config requests
// chaos at its own top level, used only to decide which single
// component within a Multiplexed config receives it.
func hasChaos(cfg BlobConfig) bool {
	switch c := cfg.(type) {
	case Disabled:
		return c.Chaos != nil
	case Files:
		return c.Chaos != nil
	case Sqlite:
		return c.Chaos != nil
	case Remote:
		return c.Chaos != nil
	case Sharded:
		return c.Chaos != nil
	default:
		return false
	}
}
