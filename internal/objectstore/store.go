// Package objectstore provides durable storage for run reports.
//
// A defrag run produces a report file and a summary document; the Store
// interface is the upload surface those artifacts go through. The production
// implementation lives in the s3 subpackage and speaks to any S3-compatible
// endpoint; MockStore serves tests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for object store operations. Implementations map their
// native failures onto these so callers can branch with errors.Is.
var (
	// ErrAccessDenied indicates the credentials lack permission for the bucket.
	ErrAccessDenied = errors.New("objectstore: access denied")

	// ErrBucketNotFound indicates the configured bucket does not exist.
	ErrBucketNotFound = errors.New("objectstore: bucket not found")

	// ErrPreconditionFailed indicates a conditional write lost to an existing
	// object, e.g. a Put with IfNoneMatch finding the key already present.
	ErrPreconditionFailed = errors.New("objectstore: precondition failed")
)

// ObjectError wraps an error with the operation and key that produced it.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// PutOptions carries optional parameters for uploads.
type PutOptions struct {
	// Metadata is attached to the object as user-defined metadata.
	Metadata map[string]string

	// IfNoneMatch, when set to "*", makes the upload fail with
	// ErrPreconditionFailed if an object already exists at the key.
	IfNoneMatch string
}

// Store is the interface for uploading run artifacts.
type Store interface {
	// Put stores an object at the given key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// PutWithOptions stores an object with additional options.
	PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Close releases resources associated with the store.
	Close() error
}
