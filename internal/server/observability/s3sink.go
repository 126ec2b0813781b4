// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package observability

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/pgzip"
)

// ArchiveSink archives a rotated JSONL segment out-of-process instead of
// letting rotate() discard it. Implemented by S3ArchiveSink; stores hold
// one as an optional interface so tests can substitute a fake.
type ArchiveSink interface {
	Archive(ctx context.Context, name string, payload []byte) error
}

// S3ArchiveSink gzip-compresses each rotated segment of the session-history,
// event and metrics-snapshot stores and uploads it to S3. Disabled unless
// a bucket is configured; each store's rotation calls Archive once per
// rotated segment, never per entry.
type S3ArchiveSink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3ArchiveSink builds a sink using the default AWS credential chain
// (environment, shared config, EC2/ECS role), optionally pinned to
// region. bucket must be non-empty; callers should only construct a sink
// when cfg.Metrics.S3ArchiveBucket is set.
func NewS3ArchiveSink(ctx context.Context, bucket, prefix, region string) (*S3ArchiveSink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("observability: S3 archive bucket must not be empty")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: loading AWS config: %w", err)
	}

	return &S3ArchiveSink{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive gzip-compresses payload (a rotated JSONL segment) and uploads
// it under prefix/name-<timestamp>.jsonl.gz.
func (s *S3ArchiveSink) Archive(ctx context.Context, name string, payload []byte) error {
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		gz.Close()
		return fmt.Errorf("observability: gzip archive payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("observability: finalize gzip archive: %w", err)
	}

	key := fmt.Sprintf("%s%s-%s.jsonl.gz", s.prefix, name, time.Now().UTC().Format("20060102T150405Z"))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("observability: uploading archive to s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}
