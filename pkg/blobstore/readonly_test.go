package blobstore_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
)

func TestReadOnlyBlobstoreRejectsPut(t *testing.T) {
	base := newFakeBlobstore()
	ba := blobstore.NewReadOnlyBlobstore(base)

	err := ba.Put(context.Background(), "foo", 3, strings.NewReader("bar"))
	require.Equal(t, codes.PermissionDenied, status.Code(err))

	_, _, err = base.Get(context.Background(), "foo")
	require.Equal(t, codes.NotFound, status.Code(err))
}

func TestReadOnlyBlobstorePassesReadsThrough(t *testing.T) {
	base := newFakeBlobstore()
	require.NoError(t, base.Put(context.Background(), "foo", 3, strings.NewReader("bar")))

	ba := blobstore.NewReadOnlyBlobstore(base)
	present, err := ba.IsPresent(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, present)
}

func TestPrefixingBlobstore(t *testing.T) {
	base := newFakeBlobstore()
	ba := blobstore.NewPrefixingBlobstore(base, "ns1/")

	require.NoError(t, ba.Put(context.Background(), "foo", 3, strings.NewReader("bar")))
	_, _, err := base.Get(context.Background(), "ns1/foo")
	require.NoError(t, err)

	present, err := ba.IsPresent(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, present)
}

func TestChaosBlobstoreAlwaysFails(t *testing.T) {
	base := newFakeBlobstore()
	ba := blobstore.NewChaosBlobstore(base, blobstore.ChaosConfig{PutFailureProbability: 1}, nil)

	err := ba.Put(context.Background(), "foo", 3, strings.NewReader("bar"))
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestChaosBlobstoreNeverFails(t *testing.T) {
	base := newFakeBlobstore()
	ba := blobstore.NewChaosBlobstore(base, blobstore.ChaosConfig{}, nil)

	require.NoError(t, ba.Put(context.Background(), "foo", 3, strings.NewReader("bar")))
}
