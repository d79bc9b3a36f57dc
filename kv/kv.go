package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store defines the key-value backend behind the kv-read and kv-write nodes
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

func notFound(key string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, key)
}

// MemoryStore is an in-memory key-value store
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (kv *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	value, exists := kv.data[key]
	if !exists {
		return nil, notFound(key)
	}
	return append([]byte(nil), value...), nil
}

func (kv *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.data[key] = append([]byte(nil), value...)
	return nil
}

func (kv *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.data, key)
	return nil
}

func (kv *MemoryStore) Close() error {
	return nil
}

// FileStore keeps all pairs in one JSON document, rewritten on every change
type FileStore struct {
	filePath string
	data     map[string][]byte
	mu       sync.RWMutex
}

// NewFileStore opens filePath, loading existing pairs when the file exists
func NewFileStore(filePath string) (*FileStore, error) {
	store := &FileStore{
		filePath: filePath,
		data:     make(map[string][]byte),
	}
	if err := store.load(); err != nil {
		return nil, fmt.Errorf("load kv file %s: %w", filePath, err)
	}
	return store, nil
}

func (kv *FileStore) load() error {
	data, err := os.ReadFile(kv.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &kv.data)
}

// saveLocked writes through a temp file; callers hold the write lock
func (kv *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(kv.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(kv.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := kv.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, kv.filePath)
}

func (kv *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	value, exists := kv.data[key]
	if !exists {
		return nil, notFound(key)
	}
	return append([]byte(nil), value...), nil
}

func (kv *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.data[key] = append([]byte(nil), value...)
	return kv.saveLocked()
}

func (kv *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()

	delete(kv.data, key)
	return kv.saveLocked()
}

func (kv *FileStore) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.saveLocked()
}
