// Package remote implements the Remote backend against an S3-compatible
// object store, using the AWS SDK v2. Credential resolution follows the
// teacher's pkg/cloud/aws/config.go pattern (static credentials, else
// the SDK's default provider chain), simplified here to drop the
// protobuf-based SessionConfiguration message and HTTP metrics
// round-tripper that package wires in, neither of which this module's
// plain-struct configuration grammar has a use for.
package remote

import (
	"bytes"
	"context"
	"io"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/mononoke-oss/blobmux/pkg/blobstore"
)

// Config describes how to reach one S3-compatible bucket.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// UsePathStyle is required by most S3-compatible services other
	// than AWS itself (e.g. many on-prem object stores).
	UsePathStyle bool
}

type s3Blobstore struct {
	client *s3.Client
	bucket string
}

// New creates a Blobstore backed by the S3 bucket described by cfg.
func New(ctx context.Context, cfg Config) (blobstore.Blobstore, error) {
	var loadOptions []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOptions = append(loadOptions, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, blobstore.ErrBackendUnopenable(err, "failed to load AWS SDK configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = awsv2.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &s3Blobstore{client: client, bucket: cfg.Bucket}, nil
}

func (ba *s3Blobstore) Get(ctx context.Context, key string) (io.ReadCloser, time.Time, error) {
	out, err := ba.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awsv2.String(ba.bucket),
		Key:    awsv2.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, time.Time{}, blobstore.ErrNotFound(key)
		}
		return nil, time.Time{}, blobstore.ErrBackendUnavailable(err, "s3")
	}
	// ctime is the object's LastModified time. An overwrite of the key
	// replaces it, so unlike the other backends this one does not
	// preserve the time of the key's first write.
	var ctime time.Time
	if out.LastModified != nil {
		ctime = *out.LastModified
	}
	return out.Body, ctime, nil
}

func (ba *s3Blobstore) Put(ctx context.Context, key string, sizeBytes int64, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	_, err = ba.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        awsv2.String(ba.bucket),
		Key:           awsv2.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: awsv2.Int64(sizeBytes),
	})
	if err != nil {
		return blobstore.ErrBackendUnavailable(err, "s3")
	}
	return nil
}

func (ba *s3Blobstore) IsPresent(ctx context.Context, key string) (bool, error) {
	_, err := ba.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: awsv2.String(ba.bucket),
		Key:    awsv2.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, blobstore.ErrBackendUnavailable(err, "s3")
	}
	return true, nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	return asResponseError(err, &respErr) && respErr.HTTPStatusCode() == 404
}

func asResponseError(err error, target **smithyhttp.ResponseError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*smithyhttp.ResponseError); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
