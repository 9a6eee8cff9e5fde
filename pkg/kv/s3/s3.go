// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3 is an object-storage KV backend. It suits large, long-lived
// cache entries (fetched pages) shared across replicas. Incr is a
// read-modify-write and not atomic across writers.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/leseb/deepsearch-gw/pkg/kv"
	"github.com/leseb/deepsearch-gw/pkg/provider"
)

func init() {
	kv.Providers.Register("s3", func(ctx context.Context, params provider.Params) (kv.Store, error) {
		return New(ctx, Options{
			Bucket:   params.Get("bucket"),
			Region:   params.Get("region"),
			Prefix:   params.Get("prefix"),
			Endpoint: params.Get("endpoint"),
		})
	})
}

// compile-time check
var _ kv.Store = (*Store)(nil)

// expiresMetaKey is the user metadata entry holding the unix-ms deadline.
const expiresMetaKey = "expires-at"

// Options configures the S3 backend.
type Options struct {
	Bucket   string // required
	Region   string // e.g. "us-east-1"
	Prefix   string // key prefix, e.g. "kv/"
	Endpoint string // custom endpoint for MinIO compatibility
}

// Store implements kv.Store with one object per key:
//
//	<prefix><key>
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates an S3-backed Store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 kv: bucket is required")
	}

	optFns := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // required for MinIO
		})
	}

	return &Store{
		client: s3.NewFromConfig(cfg, s3Opts...),
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		now:    time.Now,
	}, nil
}

func (s *Store) objectKey(key string) string {
	return s.prefix + key
}

// Get downloads the object for key. Expired objects are reported as missing
// and left for a bucket lifecycle rule to collect.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, expiresAt, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	if kv.Expired(s.now(), expiresAt) {
		return nil, kv.ErrNotFound
	}
	return data, nil
}

// Set uploads value with its deadline in object metadata.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.write(ctx, key, value, kv.ExpiresAt(s.now(), ttl))
}

// Incr reads, increments and rewrites the counter object.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	data, expiresAt, err := s.read(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}

	n := int64(1)
	deadline := kv.ExpiresAt(now, ttl)
	if err == nil && !kv.Expired(now, expiresAt) {
		cur, perr := strconv.ParseInt(string(data), 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("s3 kv: value at %q is not a counter", key)
		}
		n = cur + 1
		deadline = expiresAt
	}

	if err := s.write(ctx, key, []byte(strconv.FormatInt(n, 10)), deadline); err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes the object for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// Close is a no-op for the S3 store.
func (s *Store) Close(_ context.Context) error {
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, kv.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read object body: %w", err)
	}

	var expiresAt int64
	if v, ok := out.Metadata[expiresMetaKey]; ok {
		expiresAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return data, expiresAt, nil
}

func (s *Store) write(ctx context.Context, key string, value []byte, expiresAt int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{expiresMetaKey: strconv.FormatInt(expiresAt, 10)},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// isNotFound checks whether the error indicates a missing S3 object.
func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	// Some S3-compatible services return a generic "NotFound" status.
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
