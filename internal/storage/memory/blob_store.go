// Package memory provides in-process stores for async job records and
// archived results.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned by GetObject for unknown paths.
var ErrObjectNotFound = errors.New("object not found")

type object struct {
	contentType string
	data        []byte
}

// BlobStore keeps archived results in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores a copy of data under path.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{contentType: contentType, data: body}
	return "memory://" + path, nil
}

// GetObject returns a copy of the stored bytes and their content type.
func (s *BlobStore) GetObject(path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[strings.TrimPrefix(path, "memory://")]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}
