package objectstore

import (
	"context"
	"io"
	"sort"
	"sync"
)

// MockStore is an in-memory implementation of the Store interface for testing.
// Tests inspect uploads through Object, Metadata and Keys, and can force
// failures with SetPutErr.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	putErr  error
}

type mockObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
	}
}

// SetPutErr makes every subsequent upload fail with err. Passing nil clears
// the failure.
func (s *MockStore) SetPutErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

func (s *MockStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *MockStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.putErr != nil {
		return &ObjectError{Op: "Put", Key: key, Err: s.putErr}
	}

	if opts.IfNoneMatch == "*" {
		if _, exists := s.objects[key]; exists {
			return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
		}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	s.objects[key] = mockObject{
		data:        data,
		contentType: contentType,
		metadata:    opts.Metadata,
	}

	return nil
}

func (s *MockStore) Close() error {
	return nil
}

// Object returns the stored bytes and content type for key.
func (s *MockStore) Object(key string) (data []byte, contentType string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[key]
	if !exists {
		return nil, "", false
	}
	return obj.data, obj.contentType, true
}

// Metadata returns the user metadata attached to key.
func (s *MockStore) Metadata(key string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[key].metadata
}

// Keys returns all stored keys in sorted order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (s *MockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MockStore)(nil)
