package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteStore speaks to an S3-compatible object server over HTTP using
// HMAC-signed URLs (the signature covers method, bucket, key, and expiry).
// Workers PUT directly against the presigned URL; this service performs the
// scan-time GET/copy/delete calls itself with the same signing scheme.
type RemoteStore struct {
	endpoint string
	buckets  map[Bucket]string
	secret   []byte
	client   *http.Client
	now      func() time.Time
}

// RemoteConfig wires a RemoteStore.
type RemoteConfig struct {
	Endpoint         string
	StagingBucket    string
	CleanBucket      string
	QuarantineBucket string
	SigningSecret    string
	Timeout          time.Duration
}

// NewRemoteStore validates the config and builds the HTTP client.
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("blobstore: remote endpoint required")
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("blobstore: signing secret required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoteStore{
		endpoint: endpoint,
		buckets: map[Bucket]string{
			Staging:    cfg.StagingBucket,
			Clean:      cfg.CleanBucket,
			Quarantine: cfg.QuarantineBucket,
		},
		secret: []byte(cfg.SigningSecret),
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

// Name identifies the backend.
func (s *RemoteStore) Name() string { return "s3" }

func (s *RemoteStore) objectURL(bucket Bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.buckets[bucket], url.PathEscape(key))
}

func (s *RemoteStore) sign(method string, bucket Bucket, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, s.buckets[bucket], key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *RemoteStore) signedURL(method string, bucket Bucket, key string, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	query := url.Values{}
	query.Set("X-Pw-Expires", strconv.FormatInt(expires, 10))
	query.Set("X-Pw-Signature", s.sign(method, bucket, key, expires))
	return s.objectURL(bucket, key) + "?" + query.Encode()
}

// PresignPut returns the staging PUT target for the worker.
func (s *RemoteStore) PresignPut(key, contentType string, maxBytes int64, ttl time.Duration) (PresignedUpload, error) {
	return PresignedUpload{
		URL:    s.signedURL(http.MethodPut, Staging, key, ttl),
		Method: http.MethodPut,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
	}, nil
}

// PresignGet returns a bounded-lifetime download URL.
func (s *RemoteStore) PresignGet(bucket Bucket, key string, ttl time.Duration) (string, error) {
	return s.signedURL(http.MethodGet, bucket, key, ttl), nil
}

// Put is not used for the remote backend: workers upload straight to the
// object store with the presigned URL.
func (s *RemoteStore) Put(ctx context.Context, bucket Bucket, key string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.signedURL(http.MethodPut, bucket, key, time.Minute), r)
	if err != nil {
		return err
	}
	if size > 0 {
		req.ContentLength = size
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("blobstore: put %s: status %d", key, resp.StatusCode)
	}
	return nil
}

// Get opens an object for reading; the caller closes it.
func (s *RemoteStore) Get(ctx context.Context, bucket Bucket, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.signedURL(http.MethodGet, bucket, key, time.Minute), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("blobstore: get %s: status %d", key, resp.StatusCode)
	}
	return resp.Body, nil
}

// Copy duplicates an object across buckets via download+upload; the object
// server in use has no server-side copy.
func (s *RemoteStore) Copy(ctx context.Context, src Bucket, srcKey string, dst Bucket, dstKey string) error {
	reader, err := s.Get(ctx, src, srcKey)
	if err != nil {
		return err
	}
	defer reader.Close()
	return s.Put(ctx, dst, dstKey, reader, 0)
}

// Delete removes an object; a 404 is treated as success.
func (s *RemoteStore) Delete(ctx context.Context, bucket Bucket, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.signedURL(http.MethodDelete, bucket, key, time.Minute), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("blobstore: delete %s: status %d", key, resp.StatusCode)
}
