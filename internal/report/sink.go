package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkd-io/chunkd/internal/objectstore"
)

// Sink stores a finished report artifact under a name.
type Sink interface {
	Store(ctx context.Context, name string, data []byte, contentType string) error

	// String describes the destination for log lines.
	String() string
}

// DirSink writes artifacts into a directory on local disk. The directory is
// created on first write.
type DirSink struct {
	dir string
}

// NewDirSink creates a sink rooted at dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir}
}

func (s *DirSink) Store(ctx context.Context, name string, data []byte, contentType string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("report: create directory %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

func (s *DirSink) String() string {
	return "dir " + s.dir
}

// ObjectSink uploads artifacts to an object store under a key prefix. The
// metadata map, when set, is attached to every uploaded object.
type ObjectSink struct {
	store    objectstore.Store
	prefix   string
	metadata map[string]string
}

// NewObjectSink creates a sink that uploads through store.
func NewObjectSink(store objectstore.Store, prefix string, metadata map[string]string) *ObjectSink {
	return &ObjectSink{store: store, prefix: prefix, metadata: metadata}
}

func (s *ObjectSink) Store(ctx context.Context, name string, data []byte, contentType string) error {
	key := objectstore.JoinKey(s.prefix, name)
	opts := objectstore.PutOptions{Metadata: s.metadata}
	if err := s.store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), contentType, opts); err != nil {
		return fmt.Errorf("report: upload %s: %w", key, err)
	}
	return nil
}

func (s *ObjectSink) String() string {
	if s.prefix == "" {
		return "objectstore"
	}
	return "objectstore prefix " + s.prefix
}
