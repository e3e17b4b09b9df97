package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryBackend keeps blobs in a map. An optional byte limit rejects writes
// that would exceed it.
type MemoryBackend struct {
	mu           sync.RWMutex
	blobs        map[string][]byte
	currentSize  int64
	maxSizeBytes int64
}

// NewMemoryBackend creates a MemoryBackend. maxSizeBytes <= 0 means no limit.
func NewMemoryBackend(maxSizeBytes int64) *MemoryBackend {
	return &MemoryBackend{
		blobs:        make(map[string][]byte),
		maxSizeBytes: maxSizeBytes,
	}
}

// Put reads all data and stores it under id.
func (b *MemoryBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("reading content: %w", err)
	}
	n := int64(len(data))

	b.mu.Lock()
	defer b.mu.Unlock()

	delta := n - int64(len(b.blobs[id]))
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return 0, fmt.Errorf("%w: current=%d, delta=%d, max=%d", ErrFull, b.currentSize, delta, b.maxSizeBytes)
	}
	b.blobs[id] = data
	b.currentSize += delta
	return n, nil
}

// Get returns a reader over the requested range of the blob.
func (b *MemoryBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.blobs[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(sliceRange(data, offset, length))), nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if data, ok := b.blobs[id]; ok {
		b.currentSize -= int64(len(data))
		delete(b.blobs, id)
	}
	return nil
}

func (b *MemoryBackend) Exists(ctx context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[id]
	return ok, nil
}

// Compose concatenates blobs in memory.
func (b *MemoryBackend) Compose(ctx context.Context, dst string, srcs []string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf bytes.Buffer
	for _, id := range srcs {
		data, ok := b.blobs[id]
		if !ok {
			return 0, fmt.Errorf("composing %s: source %s: %w", dst, id, ErrNotFound)
		}
		buf.Write(data)
	}
	n := int64(buf.Len())
	if b.maxSizeBytes > 0 && b.currentSize+n > b.maxSizeBytes {
		return 0, fmt.Errorf("%w: current=%d, delta=%d, max=%d", ErrFull, b.currentSize, n, b.maxSizeBytes)
	}
	b.blobs[dst] = buf.Bytes()
	b.currentSize += n
	return n, nil
}

func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Size returns the number of bytes held.
func (b *MemoryBackend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSize
}

// sliceRange returns data[offset:offset+length] clamped to the slice.
func sliceRange(data []byte, offset, length int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return data[offset:end]
}

var (
	_ Backend  = (*MemoryBackend)(nil)
	_ Composer = (*MemoryBackend)(nil)
)
