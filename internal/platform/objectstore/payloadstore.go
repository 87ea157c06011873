package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
)

// ObjectInfo describes a stored payload object.
type ObjectInfo struct {
	Key       string
	SHA256    string
	SizeBytes int64
}

// PayloadStore stores artifact payload bodies. The MinIO implementation
// backs production; the memory implementation backs dev mode and tests.
type PayloadStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ErrObjectNotFound is returned when a payload object does not exist.
var ErrObjectNotFound = errors.New("object not found")

type MinIOPayloadStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOPayloadStore(client *minio.Client, bucket string) *MinIOPayloadStore {
	if client == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &MinIOPayloadStore{client: client, bucket: bucket}
}

func (s *MinIOPayloadStore) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	if s == nil || s.client == nil {
		return ObjectInfo{}, errors.New("payload store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ObjectInfo{}, errors.New("object key is required")
	}
	sum := sha256.Sum256(data)
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return ObjectInfo{}, fmt.Errorf("put object: %w", err)
	}
	return ObjectInfo{
		Key:       key,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}

func (s *MinIOPayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("payload store not initialized")
	}
	obj, err := s.client.GetObject(ctx, s.bucket, strings.TrimSpace(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

type MemoryPayloadStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryPayloadStore() *MemoryPayloadStore {
	return &MemoryPayloadStore{objects: map[string][]byte{}}
}

func (s *MemoryPayloadStore) Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ObjectInfo{}, errors.New("object key is required")
	}
	sum := sha256.Sum256(data)
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	s.objects[key] = stored
	s.mu.Unlock()
	return ObjectInfo{
		Key:       key,
		SHA256:    hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(data)),
	}, nil
}

func (s *MemoryPayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.objects[strings.TrimSpace(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
