package blobstore

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mononoke-oss/blobmux/pkg/blobstore")

type tracingBlobstore struct {
	base      Blobstore
	component string
}

// NewTracingBlobstore creates a decorator that wraps every operation in
// an OpenTelemetry span tagged with the component name, independent of
// the Sampler-gated structured telemetry in sampler.go: a trace
// exporter decides its own sampling, separately from whether a
// structured record is additionally emitted for an outer operation.
func NewTracingBlobstore(base Blobstore, component string) Blobstore {
	return &tracingBlobstore{base: base, component: component}
}

func (ba *tracingBlobstore) startSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "blobstore."+operation,
		trace.WithAttributes(
			attribute.String("blobstore.component", ba.component),
			attribute.String("blobstore.key", key)))
}

func (ba *tracingBlobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	ctx, span := ba.startSpan(ctx, "Get", key)
	defer span.End()
	r, ctime, err := ba.base.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
	}
	return r, ctime, err
}

func (ba *tracingBlobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	ctx, span := ba.startSpan(ctx, "Put", key)
	defer span.End()
	err := ba.base.Put(ctx, key, sizeBytes, r)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (ba *tracingBlobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	ctx, span := ba.startSpan(ctx, "IsPresent", key)
	defer span.End()
	present, err := ba.base.IsPresent(ctx, key)
	if err != nil {
		span.RecordError(err)
	}
	return present, err
}
