// Package blobstore abstracts artifact byte storage. The coordination plane
// treats blob storage as an external collaborator: a typed backend that can
// presign uploads, move objects between the staging, clean, and quarantine
// buckets, and delete them. Two implementations ship: a root-bound local
// filesystem store for single-node deployments, and an HTTP object store
// speaking presigned URLs for S3-compatible backends.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// Bucket names the logical bucket an object lives in.
type Bucket string

const (
	Staging    Bucket = "staging"
	Clean      Bucket = "clean"
	Quarantine Bucket = "quarantine"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("blobstore: object not found")

// PresignedUpload tells the worker where to PUT its bytes.
type PresignedUpload struct {
	URL     string
	Method  string
	Headers map[string]string
	// Direct is true for the local backend, where the PUT goes through
	// this service instead of the object store.
	Direct bool
}

// Store is the typed object backend.
type Store interface {
	// Name identifies the backend ("local" or "s3").
	Name() string
	// PresignPut returns an upload target for the staging area.
	PresignPut(key, contentType string, maxBytes int64, ttl time.Duration) (PresignedUpload, error)
	// PresignGet returns a bounded-lifetime download URL from a bucket.
	// The local backend returns an internal download path.
	PresignGet(bucket Bucket, key string, ttl time.Duration) (string, error)
	// Put writes an object. Local backend only; the s3 backend rejects it.
	Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64) error
	// Get opens an object for reading; the caller closes it.
	Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error)
	// Copy duplicates an object across buckets.
	Copy(ctx context.Context, src Bucket, srcKey string, dst Bucket, dstKey string) error
	// Delete removes an object; deleting a missing object is not an error.
	Delete(ctx context.Context, bucket Bucket, key string) error
}
