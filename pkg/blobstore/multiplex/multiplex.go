// Package multiplex implements the multiplexed blobstore: a Blobstore
// that fans writes out to a fixed set of components, requires only a
// write quorum to succeed synchronously, and races reads across
// components, returning whichever answers first.
package multiplex

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/syncqueue"
	"github.com/mononoke-oss/blobmux/pkg/clock"
	"github.com/mononoke-oss/blobmux/pkg/program"
	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

// DefaultGracePeriod is used when Config.GracePeriod is left at zero.
const DefaultGracePeriod = 5 * time.Second

// Component is one child store of a multiplexed blobstore, identified
// by a stable BlobstoreId used in sync queue entries and scrub repair
// tie-breaking.
type Component struct {
	ID    string
	Store blobstore.Blobstore
}

// Config bounds the behavior of a Blobstore created by New.
type Config struct {
	// MultiplexID names this deployment in sync queue rows. It isolates
	// entries when several independently-configured multiplexes share
	// one queue table (e.g. across repos), so a healer iterating one
	// multiplex's backlog never sees another's rows.
	MultiplexID string

	// WriteQuorum is the number of components a Put must durably
	// reach before it may report success. If zero, it defaults to
	// floor(n/2)+1 of the component count.
	WriteQuorum int

	// GracePeriod bounds how long Put waits, after quorum is
	// reached, for the remaining components before giving up on
	// them synchronously and enqueueing them to the sync queue
	// instead. Defaults to DefaultGracePeriod.
	GracePeriod time.Duration

	Clock         clock.Clock
	Queue         syncqueue.Queue
	ErrorLogger   bb_util.ErrorLogger
	Lifecycle     program.Group
	UUIDGenerator bb_util.UUIDGenerator
}

type multiplexedBlobstore struct {
	components  []Component
	multiplexID string
	writeQuorum int
	gracePeriod time.Duration
	clock       clock.Clock
	queue       syncqueue.Queue
	errorLogger bb_util.ErrorLogger
	lifecycle   program.Group
	uuidGen     bb_util.UUIDGenerator
}

// New creates a multiplexed Blobstore over components. Component order
// has no semantic meaning beyond providing a stable iteration order for
// tests; quorum and tie-breaking only ever consult BlobstoreId values.
func New(components []Component, config Config) blobstore.Blobstore {
	writeQuorum := config.WriteQuorum
	if writeQuorum == 0 {
		writeQuorum = len(components)/2 + 1
	}
	gracePeriod := config.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = DefaultGracePeriod
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.SystemClock
	}
	errorLogger := config.ErrorLogger
	if errorLogger == nil {
		errorLogger = bb_util.DefaultErrorLogger
	}
	uuidGen := config.UUIDGenerator
	if uuidGen == nil {
		uuidGen = uuid.NewRandom
	}
	return &multiplexedBlobstore{
		components:  components,
		multiplexID: config.MultiplexID,
		writeQuorum: writeQuorum,
		gracePeriod: gracePeriod,
		clock:       clk,
		queue:       config.Queue,
		errorLogger: errorLogger,
		lifecycle:   config.Lifecycle,
		uuidGen:     uuidGen,
	}
}

// WriteQuorum computes this package's default quorum size, floor(n/2)+1,
// for a component count n — the same default New applies when
// Config.WriteQuorum is left at zero. Exported so factories and tests
// can compute the same value without constructing a multiplexed
// Blobstore.
func WriteQuorum(componentCount int) int {
	return componentCount/2 + 1
}

type putOutcome struct {
	componentIndex int
	err            error
}

func (ba *multiplexedBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	// The teacher's buffer.Buffer supports re-reading a stream for
	// multiple backends via CloneStream(); this module uses a plain
	// io.Reader instead (see DESIGN.md), so the body is read into
	// memory once up front and replayed per component.
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	opID, err := ba.uuidGen()
	if err != nil {
		return err
	}

	results := make(chan putOutcome, len(ba.components))
	var group errgroup.Group
	for i, c := range ba.components {
		i, c := i, c
		group.Go(func() error {
			err := c.Store.Put(ctx, key, sizeBytes, bytes.NewReader(body))
			results <- putOutcome{componentIndex: i, err: err}
			return nil
		})
	}
	go func() {
		group.Wait()
		close(results)
	}()

	succeeded := make(map[int]bool, len(ba.components))
	failed := make(map[int]bool, len(ba.components))
	pending := make(map[int]bool, len(ba.components))
	for i := range ba.components {
		pending[i] = true
	}

	timer, timerCh := ba.clock.NewTimer(ba.gracePeriod)
	defer timer.Stop()

	quorumDeadline := false
	for len(pending) > 0 {
		select {
		case outcome, ok := <-results:
			if !ok {
				pending = map[int]bool{}
				continue
			}
			delete(pending, outcome.componentIndex)
			if outcome.err == nil {
				succeeded[outcome.componentIndex] = true
			} else {
				failed[outcome.componentIndex] = true
			}
			if len(succeeded) >= ba.writeQuorum && !quorumDeadline {
				// Quorum reached; stop waiting
				// synchronously for the remaining
				// components and switch to a bounded
				// grace period for stragglers.
				quorumDeadline = true
				timer.Stop()
				timer, timerCh = ba.clock.NewTimer(ba.gracePeriod)
			}
		case <-timerCh:
			if len(succeeded) < ba.writeQuorum {
				return ba.failWrite(ctx, opID.String(), key, succeeded)
			}
			// Grace period elapsed with quorum already met;
			// treat the remaining pending components, plus any
			// that already reported a definite failure, as
			// stragglers and hand them to the sync queue.
			return ba.handleStragglers(ctx, opID.String(), key, pending, failed, results)
		case <-ctx.Done():
			return bb_util.StatusFromContext(ctx)
		}
	}

	if len(succeeded) < ba.writeQuorum {
		return ba.failWrite(ctx, opID.String(), key, succeeded)
	}
	if len(failed) > 0 {
		// Quorum was reached, but one or more components already
		// failed conclusively before the grace period ever fired.
		// Treat them exactly like a straggler: enqueue and report
		// success.
		return ba.handleStragglers(ctx, opID.String(), key, pending, failed, results)
	}
	return nil
}

// entryFor builds the sync queue row recording that component i did
// not durably complete this Put as part of operation opID.
func (ba *multiplexedBlobstore) entryFor(i int, opID, key string) syncqueue.Entry {
	return syncqueue.Entry{
		MultiplexID:  ba.multiplexID,
		BlobstoreKey: key,
		BlobstoreID:  ba.components[i].ID,
		Timestamp:    ba.clock.Now(),
		OperationID:  opID,
	}
}

// failWrite is invoked when a Put could not reach write quorum, either
// because the hard deadline fired first or because every component had
// already finished without enough successes. Every component is
// enqueued, not just the ones that failed, so a healer can reconcile
// the write regardless of which components it did or did not reach.
func (ba *multiplexedBlobstore) failWrite(ctx context.Context, opID, key string, succeeded map[int]bool) error {
	if ba.queue != nil {
		entries := make([]syncqueue.Entry, 0, len(ba.components))
		for i := range ba.components {
			entries = append(entries, ba.entryFor(i, opID, key))
		}
		if err := ba.queue.Enqueue(ctx, entries); err != nil {
			ba.errorLogger.Log(blobstore.ErrQueueEnqueueFailed(err))
		}
	}
	return blobstore.ErrMultiplexWriteFailed(len(succeeded), ba.writeQuorum, len(ba.components))
}

// handleStragglers is invoked once the grace period has elapsed for a
// write that already reached quorum, but whose remaining components
// have neither succeeded nor failed conclusively, plus any components
// that had already reported a definite failure before the grace period
// fired. Their completion is no longer awaited synchronously: the
// multiplexer instead records a sync queue entry for each, falling back
// to the stricter invariant of downgrading the whole write to an error
// if even that enqueue fails. If a Lifecycle is configured, the
// still-pending ones are then drained in the background and any
// failure among them is logged; an entry already enqueued for a
// pending component that later succeeds is not removed.
func (ba *multiplexedBlobstore) handleStragglers(ctx context.Context, opID, key string, pending, failed map[int]bool, results <-chan putOutcome) error {
	stragglers := make([]int, 0, len(pending)+len(failed))
	for i := range failed {
		stragglers = append(stragglers, i)
	}
	for i := range pending {
		stragglers = append(stragglers, i)
	}

	if ba.queue != nil {
		entries := make([]syncqueue.Entry, 0, len(stragglers))
		for _, i := range stragglers {
			entries = append(entries, ba.entryFor(i, opID, key))
		}
		if err := ba.queue.Enqueue(ctx, entries); err != nil {
			return blobstore.ErrQueueEnqueueFailed(err)
		}
	}

	if ba.lifecycle != nil {
		ba.lifecycle.Go(func(ctx context.Context, siblings, dependencies program.Group) error {
			remaining := len(pending)
			for remaining > 0 {
				select {
				case outcome, ok := <-results:
					if !ok {
						return nil
					}
					if outcome.err != nil {
						ba.errorLogger.Log(outcome.err)
					}
					remaining--
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	return nil
}

type getOutcome struct {
	componentIndex int
	present        bool
	r              io.ReadCloser
	ctime          time.Time
	err            error
}

func (ba *multiplexedBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	raceCtx, cancel := context.WithCancel(ctx)

	results := make(chan getOutcome, len(ba.components))
	var wg sync.WaitGroup
	wg.Add(len(ba.components))
	for i, c := range ba.components {
		i, c := i, c
		go func() {
			defer wg.Done()
			r, ctime, err := c.Store.Get(raceCtx, key)
			results <- getOutcome{componentIndex: i, present: err == nil, r: r, ctime: ctime, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var failures int
	for outcome := range results {
		if outcome.present {
			cancel()
			go drainRemaining(results, cancel)
			return outcome.r, outcome.ctime, nil
		}
		if blobstore.IsInfrastructureError(outcome.err) {
			failures++
		}
	}
	cancel()

	if failures == len(ba.components) {
		return nil, time.Time{}, blobstore.ErrAllFailed(key)
	}
	if failures > 0 {
		return nil, time.Time{}, blobstore.ErrSomeFailedOthersAbsent(key)
	}
	return nil, time.Time{}, blobstore.ErrNotFound(key)
}

func drainRemaining(results <-chan getOutcome, cancel context.CancelFunc) {
	for outcome := range results {
		if outcome.r != nil {
			outcome.r.Close()
		}
	}
	cancel()
}

func (ba *multiplexedBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		present bool
		err     error
	}
	results := make(chan outcome, len(ba.components))
	for _, c := range ba.components {
		c := c
		go func() {
			present, err := c.Store.IsPresent(raceCtx, key)
			results <- outcome{present: present, err: err}
		}()
	}

	var failures int
	for range ba.components {
		o := <-results
		if o.err != nil {
			failures++
			continue
		}
		if o.present {
			return true, nil
		}
	}
	if failures == len(ba.components) {
		return false, blobstore.ErrAllFailed(key)
	}
	if failures > 0 {
		return false, blobstore.ErrSomeFailedOthersAbsent(key)
	}
	return false, nil
}
