package storage

import (
	"context"
	"os"
	"sort"
	"sync"
)

// MemoryBucket is a test-friendly bucket that keeps objects in process memory.
// It is safe for concurrent use.
type MemoryBucket struct {
	name    string
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBucket constructs an empty in-memory bucket
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{name: name, objects: make(map[string][]byte)}
}

// Name returns the bucket name
func (b *MemoryBucket) Name() string {
	return b.name
}

// ReadObject returns a copy of the stored payload
func (b *MemoryBucket) ReadObject(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[key]
	if !ok {
		return nil, opError("read", b.name, key, ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

// WriteObject saves a copy of the payload
func (b *MemoryBucket) WriteObject(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[key] = append([]byte(nil), data...)
	return nil
}

// UploadFile stores the content of the local file
func (b *MemoryBucket) UploadFile(ctx context.Context, key, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return opError("upload", b.name, key, err)
	}
	return b.WriteObject(ctx, key, data)
}

// DeleteObject removes the payload, failing when it does not exist
func (b *MemoryBucket) DeleteObject(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.objects[key]; !ok {
		return opError("delete", b.name, key, ErrObjectNotFound)
	}
	delete(b.objects, key)
	return nil
}

// Keys returns the sorted keys currently stored
func (b *MemoryBucket) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
