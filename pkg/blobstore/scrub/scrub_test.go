package scrub_test

import (
	"bytes"
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
	"github.com/mononoke-oss/blobmux/pkg/blobstore/scrub"
)

type memBlobstore struct {
	mu    sync.Mutex
	data  map[string][]byte
	ctime time.Time
}

func newMemBlobstore() *memBlobstore { return &memBlobstore{data: map[string][]byte{}} }

func (m *memBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, time.Time{}, blobstore.ErrNotFound(key)
	}
	return io.NopCloser(bytes.NewReader(v)), m.ctime, nil
}

func (m *memBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctime.IsZero() {
		m.ctime = time.Now()
	}
	m.data[key] = body
	return nil
}

func (m *memBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func TestScrubRepairsDivergence(t *testing.T) {
	a, b, c := newMemBlobstore(), newMemBlobstore(), newMemBlobstore()
	require.NoError(t, a.Put(context.Background(), "key", 3, strings.NewReader("abc")))
	require.NoError(t, b.Put(context.Background(), "key", 3, strings.NewReader("abc")))
	// c is missing the blob entirely: a divergent component.

	ba := scrub.New([]scrub.Component{
		{ID: "a", Store: a},
		{ID: "b", Store: b},
		{ID: "c", Store: c},
	}, scrub.Config{Action: scrub.Repair})

	r, _, err := ba.Get(context.Background(), "key")
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "abc", string(body))

	present, err := c.IsPresent(context.Background(), "key")
	require.NoError(t, err)
	require.True(t, present, "scrub should have repaired the missing replica")
}

func TestScrubReportOnlyNeverWrites(t *testing.T) {
	a, b, c := newMemBlobstore(), newMemBlobstore(), newMemBlobstore()
	require.NoError(t, a.Put(context.Background(), "key", 3, strings.NewReader("abc")))
	require.NoError(t, b.Put(context.Background(), "key", 3, strings.NewReader("abc")))

	var reported bool
	ba := scrub.New([]scrub.Component{
		{ID: "a", Store: a},
		{ID: "b", Store: b},
		{ID: "c", Store: c},
	}, scrub.Config{
		Handler: scrub.ScrubHandlerFunc(func(ctx context.Context, key string, presentIDs, absentIDs []string, referenceCtime time.Time) {
			reported = true
		}),
	})

	r, _, err := ba.Get(context.Background(), "key")
	require.NoError(t, err)
	r.Close()

	require.True(t, reported, "ReportOnly should still invoke the handler")
	present, err := c.IsPresent(context.Background(), "key")
	require.NoError(t, err)
	require.False(t, present, "ReportOnly must not repair")
}

func TestScrubInconsistentDiffersBetweenComponentsIsUnrepairable(t *testing.T) {
	a, b := newMemBlobstore(), newMemBlobstore()
	require.NoError(t, a.Put(context.Background(), "key", 3, strings.NewReader("aaa")))
	require.NoError(t, b.Put(context.Background(), "key", 3, strings.NewReader("bbb")))

	var reported bool
	ba := scrub.New([]scrub.Component{
		{ID: "a", Store: a},
		{ID: "b", Store: b},
	}, scrub.Config{
		Action: scrub.Repair,
		Handler: scrub.ScrubHandlerFunc(func(ctx context.Context, key string, presentIDs, absentIDs []string, referenceCtime time.Time) {
			reported = true
		}),
	})

	_, _, err := ba.Get(context.Background(), "key")
	require.Equal(t, codes.DataLoss, status.Code(err))
	require.True(t, reported, "an unrepairable inconsistency must always be reported")
}
