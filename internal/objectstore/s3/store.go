// Package s3 implements the objectstore.Store interface using the AWS SDK,
// for AWS S3 and S3-compatible endpoints such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chunkd-io/chunkd/internal/objectstore"
)

// Config configures an S3 store.
type Config struct {
	// Bucket is the name of the S3 bucket.
	Bucket string

	// Region is the AWS region (e.g., "us-east-1").
	// Required for AWS S3, optional for S3-compatible endpoints.
	Region string

	// Endpoint is the S3 endpoint URL (e.g., "http://localhost:9000" for MinIO).
	// If empty, uses the default AWS endpoint for the region.
	Endpoint string

	// AccessKeyID is the AWS access key ID.
	// If empty, uses the default credential chain.
	AccessKeyID string

	// SecretAccessKey is the AWS secret access key.
	// If empty, uses the default credential chain.
	SecretAccessKey string

	// UsePathStyle enables path-style addressing (required for MinIO and some
	// S3-compatible stores).
	// When true: http://endpoint/bucket/key
	// When false (default): http://bucket.endpoint/key
	UsePathStyle bool
}

// Store implements objectstore.Store using AWS S3.
type Store struct {
	client *s3.Client
	bucket string
	closed bool
	mu     sync.RWMutex
}

// New creates a new S3 store with the given configuration.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}

	opts := []func(*config.LoadOptions) error{}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	} else {
		opts = append(opts, config.WithRegion("us-east-1"))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			// Suppress "Response has no supported checksum" warnings.
			// S3 doesn't always provide checksums for all response types,
			// which is normal and doesn't indicate a problem.
			o.DisableLogOutputChecksumValidationSkipped = true
		},
	}

	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &Store{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("s3: store is closed")
	}
	return nil
}

// Put stores an object at the given key.
func (s *Store) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, objectstore.PutOptions{})
}

// PutWithOptions stores an object with additional options.
func (s *Store) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts objectstore.PutOptions) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          reader,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	}

	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	if opts.IfNoneMatch == "*" {
		input.IfNoneMatch = aws.String("*")
	}

	_, err := s.client.PutObject(ctx, input)
	if err != nil {
		return s.wrapError("Put", key, err)
	}

	return nil
}

// Close releases resources associated with the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) wrapError(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusForbidden:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrAccessDenied}
		case http.StatusPreconditionFailed:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrPreconditionFailed}
		case http.StatusNotFound:
			return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrBucketNotFound}
		}
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &objectstore.ObjectError{Op: op, Key: key, Err: objectstore.ErrBucketNotFound}
	}

	return &objectstore.ObjectError{Op: op, Key: key, Err: err}
}

// Verify interface compliance at compile time.
var _ objectstore.Store = (*Store)(nil)
