// Package webhookauth authenticates inbound billing webhooks: an HMAC over
// the timestamp and raw body with a bounded clock skew, plus a LevelDB
// replay store keyed by event id.
package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>".
	SignatureHeader = "X-Proofwork-Signature"
	// TimestampHeader carries the sender's unix-seconds clock.
	TimestampHeader = "X-Proofwork-Timestamp"

	// DefaultTolerance bounds sender clock skew.
	DefaultTolerance = 5 * time.Minute

	seenKeyPrefix = "seen:"
)

var (
	// ErrBadSignature rejects webhooks whose HMAC does not verify.
	ErrBadSignature = errors.New("invalid_signature")
	// ErrStaleTimestamp rejects webhooks outside the tolerance window.
	ErrStaleTimestamp = errors.New("stale_timestamp")
	// ErrReplayed rejects webhooks whose event id was already processed.
	ErrReplayed = errors.New("replayed_event")
)

// Verify checks the timestamp window and the signature over the raw body.
func Verify(secret []byte, timestamp, signature string, body []byte, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	seconds, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrStaleTimestamp)
	}
	sent := time.Unix(seconds, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrStaleTimestamp
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	provided := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrBadSignature
	}
	return nil
}

// ReplayStore persists observed webhook event ids across restarts.
type ReplayStore struct {
	db *leveldb.DB
}

// OpenReplayStore opens (or creates) the LevelDB database at path.
func OpenReplayStore(path string) (*ReplayStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("webhook replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve replay store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	return &ReplayStore{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *ReplayStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MarkSeen records an event id, returning ErrReplayed if it was already
// observed.
func (s *ReplayStore) MarkSeen(eventID string, observedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("replay store not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("event id required")
	}
	key := []byte(seenKeyPrefix + eventID)
	_, err := s.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load event id: %w", err)
	default:
		return ErrReplayed
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(observedAt.UTC().UnixNano()))
	if err := s.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("record event id: %w", err)
	}
	return nil
}

// Prune drops entries observed before the cutoff.
func (s *ReplayStore) Prune(cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenKeyPrefix)), nil)
	defer iter.Release()
	threshold := uint64(cutoff.UTC().UnixNano())
	removed := 0
	for iter.Next() {
		if len(iter.Value()) != 8 {
			continue
		}
		if binary.BigEndian.Uint64(iter.Value()) < threshold {
			key := append([]byte(nil), iter.Key()...)
			if err := s.db.Delete(key, nil); err != nil {
				return removed, fmt.Errorf("prune event id: %w", err)
			}
			removed++
		}
	}
	return removed, iter.Error()
}
