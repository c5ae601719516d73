package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
)

// MemoryStore keeps objects in process memory. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  string
	baseURL string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStore creates an empty in-memory store whose URLs are rooted at baseURL.
func NewMemoryStore(bucket, baseURL string) *MemoryStore {
	return &MemoryStore{
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]memoryObject),
	}
}

func (m *MemoryStore) Bucket() string {
	return m.bucket
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) URL(_ context.Context, key string) (string, error) {
	return m.baseURL + "/" + m.bucket + "/" + escapeKey(key), nil
}

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
