// Package scrub implements the consistency-checking Blobstore: unlike
// the multiplexer's race reads, every call here waits for every
// component, classifies the result, and, when its Action is Repair,
// repairs divergence it can resolve deterministically.
package scrub

import (
	"bytes"
	"context"
	"io"
	"sort"
	"time"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

// Component is one child store participating in a scrub pass,
// identified the same way as multiplex.Component so that a scrubbed
// multiplex and its own components can share one BlobstoreId space.
type Component struct {
	ID    string
	Store blobstore.Blobstore
}

// ScrubAction controls what a scrub Get does once it observes
// divergence between components beyond the unrepairable inconsistent
// case, which is always reported and never repaired regardless of
// Action.
type ScrubAction int

const (
	// ReportOnly invokes Config.Handler, if set, but never writes.
	// Get returns the reference value without mutating any component.
	ReportOnly ScrubAction = iota
	// Repair additionally copies the reference value to every
	// component that reported absence or an error.
	Repair
)

// ScrubHandler is notified of every divergence a scrub Get observes,
// called before any repair write Action may trigger. presentIDs and
// absentIDs partition the scrubbed components by whether they already
// held the reference value; referenceCtime is that value's creation
// time. Held by shared ownership and invoked synchronously within Get;
// it never owns or is owned by the scrub Blobstore itself.
type ScrubHandler interface {
	Handle(ctx context.Context, key string, presentIDs, absentIDs []string, referenceCtime time.Time)
}

// ScrubHandlerFunc adapts a plain function to ScrubHandler.
type ScrubHandlerFunc func(ctx context.Context, key string, presentIDs, absentIDs []string, referenceCtime time.Time)

// Handle calls f.
func (f ScrubHandlerFunc) Handle(ctx context.Context, key string, presentIDs, absentIDs []string, referenceCtime time.Time) {
	f(ctx, key, presentIDs, absentIDs, referenceCtime)
}

// Config bounds the behavior of a Blobstore created by New.
type Config struct {
	ErrorLogger bb_util.ErrorLogger

	// Handler, if set, is invoked on every divergence this scrub
	// observes, including the unrepairable inconsistent case. Left
	// nil, divergence is still classified (and, per Action, repaired)
	// but nothing is additionally reported.
	Handler ScrubHandler

	// Action chooses whether divergence is only reported or also
	// repaired. The zero value is ReportOnly, so that a Config left
	// unset never performs a write a caller did not ask for.
	Action ScrubAction
}

type scrubBlobstore struct {
	components  []Component
	errorLogger bb_util.ErrorLogger
	handler     ScrubHandler
	action      ScrubAction
}

// New creates a scrub Blobstore over components. Component order only
// sets the order of the IDs passed to Handler. No tie-break between
// differing values is ever made: more than one distinct value among
// present components is reported as ErrScrubInconsistent.
func New(components []Component, config Config) blobstore.Blobstore {
	errorLogger := config.ErrorLogger
	if errorLogger == nil {
		errorLogger = bb_util.DefaultErrorLogger
	}
	return &scrubBlobstore{
		components:  components,
		errorLogger: errorLogger,
		handler:     config.Handler,
		action:      config.Action,
	}
}

type componentResult struct {
	id      string
	present bool
	body    []byte
	ctime   time.Time
	err     error
}

func (ba *scrubBlobstore) fetchAll(ctx context.Context, key string) []componentResult {
	type indexed struct {
		i int
		r componentResult
	}
	results := make(chan indexed, len(ba.components))
	for i, c := range ba.components {
		i, c := i, c
		go func() {
			r, ctime, err := c.Store.Get(ctx, key)
			if err != nil {
				results <- indexed{i, componentResult{id: c.ID, present: false, err: err}}
				return
			}
			defer r.Close()
			body, readErr := io.ReadAll(r)
			if readErr != nil {
				results <- indexed{i, componentResult{id: c.ID, present: false, err: readErr}}
				return
			}
			results <- indexed{i, componentResult{id: c.ID, present: true, body: body, ctime: ctime}}
		}()
	}
	out := make([]componentResult, len(ba.components))
	for range ba.components {
		r := <-results
		out[r.i] = r.r
	}
	return out
}

// valueGroup is one distinct byte value observed among present
// components, and the set of component IDs holding it.
type valueGroup struct {
	value      []byte
	ctime      time.Time
	holders    map[string]bool
	earliestID string
}

// groupByValue partitions the present results by exact byte equality.
// A single group means every present component agrees; more than one
// group means components hold genuinely different payloads, the fatal
// inconsistency case.
func groupByValue(results []componentResult) []*valueGroup {
	var groups []*valueGroup
	for _, r := range results {
		if !r.present {
			continue
		}
		var g *valueGroup
		for _, candidate := range groups {
			if bytes.Equal(candidate.value, r.body) {
				g = candidate
				break
			}
		}
		if g == nil {
			g = &valueGroup{value: r.body, ctime: r.ctime, holders: map[string]bool{}, earliestID: r.id}
			groups = append(groups, g)
		}
		g.holders[r.id] = true
		if r.id < g.earliestID {
			g.earliestID = r.id
		}
		if r.ctime.Before(g.ctime) {
			g.ctime = r.ctime
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].earliestID < groups[j].earliestID
	})
	return groups
}

func partitionIDs(results []componentResult, holders map[string]bool) (presentIDs, absentIDs []string) {
	for _, r := range results {
		if holders[r.id] {
			presentIDs = append(presentIDs, r.id)
		} else {
			absentIDs = append(absentIDs, r.id)
		}
	}
	return presentIDs, absentIDs
}

// Get waits for every component and classifies the result: identical
// values everywhere are returned as-is; a single value held by some
// but not all components is a repairable divergence; more than one
// distinct value among present components is a fatal, unrepairable
// inconsistency that is always reported through Handler and never
// repaired regardless of Action.
func (ba *scrubBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	results := ba.fetchAll(ctx, key)

	var anyPresent, anyAbsent, anyErr bool
	for _, r := range results {
		switch {
		case r.present:
			anyPresent = true
		case blobstore.IsInfrastructureError(r.err):
			anyErr = true
		default:
			anyAbsent = true
		}
	}

	if !anyPresent {
		if anyErr && anyAbsent {
			return nil, time.Time{}, blobstore.ErrSomeFailedOthersAbsent(key)
		}
		if anyErr {
			return nil, time.Time{}, blobstore.ErrAllFailed(key)
		}
		return nil, time.Time{}, blobstore.ErrNotFound(key)
	}

	groups := groupByValue(results)
	if len(groups) > 1 {
		if ba.handler != nil {
			// No single reference value exists; report every
			// present component against every other one.
			presentIDs, absentIDs := partitionIDs(results, allPresentHolders(groups))
			ba.handler.Handle(ctx, key, presentIDs, absentIDs, time.Time{})
		}
		return nil, time.Time{}, blobstore.ErrScrubInconsistent(key)
	}

	reference := groups[0]
	if anyAbsent || anyErr {
		if ba.handler != nil {
			presentIDs, absentIDs := partitionIDs(results, reference.holders)
			ba.handler.Handle(ctx, key, presentIDs, absentIDs, reference.ctime)
		}
		if ba.action == Repair {
			ba.repair(ctx, key, reference.value, reference.holders, results)
		}
	}

	return io.NopCloser(bytes.NewReader(reference.value)), reference.ctime, nil
}

func allPresentHolders(groups []*valueGroup) map[string]bool {
	holders := map[string]bool{}
	for _, g := range groups {
		for id := range g.holders {
			holders[id] = true
		}
	}
	return holders
}

func (ba *scrubBlobstore) repair(ctx context.Context, key string, reference []byte, referenceHolders map[string]bool, results []componentResult) {
	for _, r := range results {
		if referenceHolders[r.id] {
			continue
		}
		for _, c := range ba.components {
			if c.ID != r.id {
				continue
			}
			if err := c.Store.Put(ctx, key, int64(len(reference)), bytes.NewReader(reference)); err != nil {
				ba.errorLogger.Log(blobstore.ErrScrubInconsistent(key))
			}
		}
	}
}

func (ba *scrubBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	for _, c := range ba.components {
		if err := c.Store.Put(ctx, key, int64(len(body)), bytes.NewReader(body)); err != nil {
			return err
		}
	}
	return nil
}

func (ba *scrubBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	results := ba.fetchAll(ctx, key)
	var anyPresent bool
	for _, r := range results {
		if r.present {
			anyPresent = true
		}
	}
	return anyPresent, nil
}
