// Package objectstore stores raw weather responses and processed exports in an
// S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/metrics"
)

var ErrNoObjects = errors.New("no objects matched")

// WriteError is a failed put. Credential and missing-bucket failures will not fix
// themselves; anything else is worth another attempt.
type WriteError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("put s3://%s/%s: %v", e.Bucket, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Retryable() bool {
	switch minio.ToErrorResponse(e.Err).Code {
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
		return false
	}
	return true
}

type Store struct {
	client  *minio.Client
	bucket  string
	region  string
	timeout time.Duration
}

// New builds a client whose every call is bounded by timeout, retries included. A zero
// timeout leaves calls bounded only by the caller's context.
func New(cfg config.S3Config, timeout time.Duration) (*Store, error) {
	transport, err := minio.DefaultTransport(cfg.UseSSL)
	if err != nil {
		return nil, fmt.Errorf("object store transport: %w", err)
	}
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region, timeout: timeout}, nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) Bucket() string { return s.bucket }

// EnsureBucket fails fast when the bucket is unreachable; create makes it when missing.
func (s *Store) EnsureBucket(ctx context.Context, create bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if !create {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		metrics.IncObjectWrite("failure")
		return "", &WriteError{Bucket: s.bucket, Key: key, Err: err}
	}
	metrics.IncObjectWrite("success")
	return key, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer obj.Close()
	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("stat s3://%s/%s: %w", s.bucket, key, err)
}

// Stat returns the object's user metadata with lower-cased keys.
func (s *Store) Stat(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat s3://%s/%s: %w", s.bucket, key, err)
	}
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	return meta, nil
}

// List returns every key under prefix ending in ext. It fails with ErrNoObjects when none
// match. A listing spans many requests, so only each page is bounded.
func (s *Store) List(ctx context.Context, prefix, ext string) ([]string, error) {
	var keys []string
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, info.Err)
		}
		if ext == "" || strings.HasSuffix(info.Key, ext) {
			keys = append(keys, info.Key)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: s3://%s/%s*%s", ErrNoObjects, s.bucket, prefix, ext)
	}
	return keys, nil
}

func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey},
	)
	if err != nil {
		return fmt.Errorf("copy s3://%s/%s to s3://%s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

// PartitionKey builds {prefix}/year=YYYY/month=MM/day=DD/zipcode={postal}/{id}.json.
func PartitionKey(prefix string, date time.Time, postalCode, id string) string {
	return path.Join(
		strings.TrimSuffix(prefix, "/"),
		fmt.Sprintf("year=%04d", date.Year()),
		fmt.Sprintf("month=%02d", int(date.Month())),
		fmt.Sprintf("day=%02d", date.Day()),
		"zipcode="+postalCode,
		id+".json",
	)
}
