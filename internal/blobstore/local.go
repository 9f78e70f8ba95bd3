package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore keeps objects under a root directory with one subdirectory per
// bucket. Every resolved path is re-checked against the root so a hostile
// storage key can never escape it. Writes are temp-file-then-rename.
type LocalStore struct {
	root string
}

// NewLocalStore creates the bucket directories under root.
func NewLocalStore(root string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, bucket := range []Bucket{Staging, Clean, Quarantine} {
		if err := os.MkdirAll(filepath.Join(abs, string(bucket)), 0o755); err != nil {
			return nil, fmt.Errorf("create bucket dir: %w", err)
		}
	}
	return &LocalStore{root: abs}, nil
}

// Name identifies the backend.
func (s *LocalStore) Name() string { return "local" }

// path resolves bucket/key under the root, rejecting escapes.
func (s *LocalStore) path(bucket Bucket, key string) (string, error) {
	joined := filepath.Join(s.root, string(bucket), filepath.FromSlash(key))
	cleaned := filepath.Clean(joined)
	if cleaned != joined || !strings.HasPrefix(cleaned, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("blobstore: key escapes storage root: %q", key)
	}
	return cleaned, nil
}

// PresignPut points the worker at the internal upload route; bytes flow
// through this service for the local backend.
func (s *LocalStore) PresignPut(key, contentType string, maxBytes int64, ttl time.Duration) (PresignedUpload, error) {
	if _, err := s.path(Staging, key); err != nil {
		return PresignedUpload{}, err
	}
	return PresignedUpload{
		Method:  "PUT",
		Headers: map[string]string{"Content-Type": contentType},
		Direct:  true,
	}, nil
}

// PresignGet returns the internal download marker; the HTTP layer proxies.
func (s *LocalStore) PresignGet(bucket Bucket, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(bucket, key); err != nil {
		return "", err
	}
	return "", nil
}

// Put writes atomically: temp file in the same directory, fsync, rename.
func (s *LocalStore) Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64) error {
	target, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	reader := io.Reader(r)
	if size > 0 {
		reader = io.LimitReader(r, size)
	}
	if _, err := io.Copy(tmp, reader); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// Get opens the object for reading.
func (s *LocalStore) Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error) {
	target, err := s.path(bucket, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Copy duplicates an object across buckets.
func (s *LocalStore) Copy(ctx context.Context, src Bucket, srcKey string, dst Bucket, dstKey string) error {
	reader, err := s.Get(ctx, src, srcKey)
	if err != nil {
		return err
	}
	defer reader.Close()
	return s.Put(ctx, dst, dstKey, reader, 0)
}

// Delete removes the object; missing objects are fine.
func (s *LocalStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	target, err := s.path(bucket, key)
	if err != nil {
		return err
	}
	err = os.Remove(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
