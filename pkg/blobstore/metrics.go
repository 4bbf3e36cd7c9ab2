package blobstore

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/status"

	"github.com/mononoke-oss/blobmux/pkg/clock"
	bb_util "github.com/mononoke-oss/blobmux/pkg/util"
)

var (
	metricsBlobstorePrometheusMetrics sync.Once

	// Buckets span 1ms to 100s, three steps per decade, so a blob fetch
	// over a slow remote backend and a microsecond-fast local cache hit
	// both land in a meaningfully distinct bucket.
	blobstoreOperationsDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blobmux",
			Subsystem: "blobstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Blobstore operations against a single component.",
			Buckets:   bb_util.DecimalExponentialBuckets(-3, 5, 2),
		},
		[]string{"component", "operation", "code"})
)

type metricsBlobstore struct {
	base      Blobstore
	component string
	clock     clock.Clock
}

// NewMetricsBlobstore creates a decorator that records per-component,
// per-operation Prometheus histograms labeled by outcome (gRPC status
// code). component identifies the wrapped backend in a multiplex (e.g.
// its BlobstoreId), giving a (component, operation, outcome) breakdown;
// there is no multiplex ID label, so components with the same ID in
// different multiplexes share one series.
func NewMetricsBlobstore(base Blobstore, component string, clock clock.Clock) Blobstore {
	metricsBlobstorePrometheusMetrics.Do(func() {
		prometheus.MustRegister(blobstoreOperationsDuration)
	})
	return &metricsBlobstore{base: base, component: component, clock: clock}
}

func (ba *metricsBlobstore) observe(operation string, start time.Time, err error) {
	blobstoreOperationsDuration.WithLabelValues(ba.component, operation, status.Code(err).String()).
		Observe(ba.clock.Now().Sub(start).Seconds())
}

func (ba *metricsBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	start := ba.clock.Now()
	r, ctime, err := ba.base.Get(ctx, key)
	ba.observe("Get", start, err)
	return r, ctime, err
}

func (ba *metricsBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	start := ba.clock.Now()
	err := ba.base.Put(ctx, key, sizeBytes, r)
	ba.observe("Put", start, err)
	return err
}

func (ba *metricsBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	start := ba.clock.Now()
	present, err := ba.base.IsPresent(ctx, key)
	ba.observe("IsPresent", start, err)
	return present, err
}
