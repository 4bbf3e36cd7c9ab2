package multiplex_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/multiplex"
	"github.com/mononoke-oss/blobmux/pkg/blobstore/syncqueue"
	"github.com/mononoke-oss/blobmux/pkg/clock"
)

// delayedBlobstore wraps an in-memory map, delaying Get and Put by delay and
// optionally failing every call, to exercise the multiplexer's
// degraded-write, failed-write and race-read paths without a real
// backend.
type delayedBlobstore struct {
	mu    sync.Mutex
	data  map[string][]byte
	delay time.Duration
	fail  bool
}

func newDelayedBlobstore(delay time.Duration, fail bool) *delayedBlobstore {
	return &delayedBlobstore{data: map[string][]byte{}, delay: delay, fail: fail}
}

func (d *delayedBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		}
	}
	if d.fail {
		return nil, time.Time{}, status.Error(codes.Unavailable, "injected failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.data[key]
	if !ok {
		return nil, time.Time{}, blobstore.ErrNotFound(key)
	}
	return io.NopCloser(strings.NewReader(string(v))), time.Time{}, nil
}

func (d *delayedBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.fail {
		return status.Error(codes.Unavailable, "injected failure")
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = body
	return nil
}

func (d *delayedBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return false, status.Error(codes.Unavailable, "injected failure")
	}
	_, ok := d.data[key]
	return ok, nil
}

// fakeQueue records enqueued entries for straggler assertions.
type fakeQueue struct {
	mu      sync.Mutex
	entries []syncqueue.Entry
}

func (q *fakeQueue) Enqueue(ctx context.Context, entries []syncqueue.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entries...)
	return nil
}
func (q *fakeQueue) Iter(ctx context.Context, multiplexID string, olderThan time.Time, limit int) ([]syncqueue.Entry, error) {
	return nil, nil
}
func (q *fakeQueue) Delete(ctx context.Context, entries []syncqueue.Entry) error { return nil }
func (q *fakeQueue) Close() error                                                { return nil }

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func TestHappyPathTripleReplica(t *testing.T) {
	components := []multiplex.Component{
		{ID: "a", Store: newDelayedBlobstore(0, false)},
		{ID: "b", Store: newDelayedBlobstore(0, false)},
		{ID: "c", Store: newDelayedBlobstore(0, false)},
	}
	ba := multiplex.New(components, multiplex.Config{GracePeriod: 50 * time.Millisecond})

	require.NoError(t, ba.Put(context.Background(), "key", 3, strings.NewReader("abc")))

	r, _, err := ba.Get(context.Background(), "key")
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abc", string(body))
}

func TestDegradedWriteEnqueuesStraggler(t *testing.T) {
	queue := &fakeQueue{}
	components := []multiplex.Component{
		{ID: "a", Store: newDelayedBlobstore(0, false)},
		{ID: "b", Store: newDelayedBlobstore(0, false)},
		{ID: "c", Store: newDelayedBlobstore(200 * time.Millisecond, false)},
	}
	ba := multiplex.New(components, multiplex.Config{
		WriteQuorum: 2,
		GracePeriod: 20 * time.Millisecond,
		Clock:       clock.SystemClock,
		Queue:       queue,
	})

	err := ba.Put(context.Background(), "key", 3, strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, 1, queue.len())
	require.Equal(t, "c", queue.entries[0].BlobstoreID)
}

// TestDegradedWriteEnqueuesFailedStraggler covers a component that
// fails outright, rather than merely running slow, before the grace
// period fires. It must still end up in the sync queue: a definite
// failure is forgotten just as easily as a pending one unless it is
// tracked separately.
func TestDegradedWriteEnqueuesFailedStraggler(t *testing.T) {
	queue := &fakeQueue{}
	components := []multiplex.Component{
		{ID: "1", Store: newDelayedBlobstore(0, false)},
		{ID: "2", Store: newDelayedBlobstore(0, true)},
		{ID: "3", Store: newDelayedBlobstore(0, false)},
	}
	ba := multiplex.New(components, multiplex.Config{
		WriteQuorum: 2,
		GracePeriod: 20 * time.Millisecond,
		Clock:       clock.SystemClock,
		Queue:       queue,
	})

	err := ba.Put(context.Background(), "key", 3, strings.NewReader("abc"))
	require.NoError(t, err)
	require.Equal(t, 1, queue.len())
	require.Equal(t, "2", queue.entries[0].BlobstoreID)
}

func TestFailedWriteBelowQuorum(t *testing.T) {
	queue := &fakeQueue{}
	components := []multiplex.Component{
		{ID: "1", Store: newDelayedBlobstore(0, true)},
		{ID: "2", Store: newDelayedBlobstore(0, true)},
		{ID: "3", Store: newDelayedBlobstore(0, false)},
	}
	ba := multiplex.New(components, multiplex.Config{
		WriteQuorum: 2,
		GracePeriod: 20 * time.Millisecond,
		Clock:       clock.SystemClock,
		Queue:       queue,
	})

	err := ba.Put(context.Background(), "key", 3, strings.NewReader("abc"))
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.Equal(t, 3, queue.len(), "a failed write enqueues every component, not just the ones below quorum")
}

func TestReadRaceReturnsFirstPresent(t *testing.T) {
	fast := newDelayedBlobstore(0, false)
	require.NoError(t, fast.Put(context.Background(), "key", 3, strings.NewReader("abc")))

	components := []multiplex.Component{
		{ID: "slow", Store: newDelayedBlobstore(200 * time.Millisecond, false)},
		{ID: "fast", Store: fast},
	}
	ba := multiplex.New(components, multiplex.Config{GracePeriod: time.Second})

	start := time.Now()
	r, _, err := ba.Get(context.Background(), "key")
	elapsed := time.Since(start)
	require.NoError(t, err)
	defer r.Close()
	require.Less(t, elapsed, 150*time.Millisecond)
}

func TestReadAllFailedReturnsAllFailed(t *testing.T) {
	components := []multiplex.Component{
		{ID: "1", Store: newDelayedBlobstore(0, true)},
		{ID: "2", Store: newDelayedBlobstore(0, true)},
	}
	ba := multiplex.New(components, multiplex.Config{GracePeriod: time.Second})

	_, _, err := ba.Get(context.Background(), "key")
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.Contains(t, err.Error(), "all components failed")
}

func TestReadSomeFailedOthersAbsent(t *testing.T) {
	components := []multiplex.Component{
		{ID: "1", Store: newDelayedBlobstore(0, true)},
		{ID: "2", Store: newDelayedBlobstore(0, false)},
	}
	ba := multiplex.New(components, multiplex.Config{GracePeriod: time.Second})

	_, _, err := ba.Get(context.Background(), "key")
	require.Equal(t, codes.Unavailable, status.Code(err))
	require.Contains(t, err.Error(), "some components failed")
}
