package webhookauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)

	sig := sign(secret, ts, body)
	require.NoError(t, Verify(secret, ts, sig, body, now, 0))
	require.NoError(t, Verify(secret, ts, "sha256="+sig, body, now, 0))

	require.ErrorIs(t, Verify(secret, ts, sig, []byte("tampered"), now, 0), ErrBadSignature)
	require.ErrorIs(t, Verify([]byte("wrong"), ts, sig, body, now, 0), ErrBadSignature)

	old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	require.ErrorIs(t, Verify(secret, old, sign(secret, old, body), body, now, 5*time.Minute), ErrStaleTimestamp)
	require.ErrorIs(t, Verify(secret, "garbage", sig, body, now, 0), ErrStaleTimestamp)
}

func TestReplayStore(t *testing.T) {
	store, err := OpenReplayStore(filepath.Join(t.TempDir(), "nonces"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.MarkSeen("stripe:evt_1", now))
	require.ErrorIs(t, store.MarkSeen("stripe:evt_1", now), ErrReplayed)
	require.NoError(t, store.MarkSeen("stripe:evt_2", now))

	// Pruning drops old ids so they can be seen again.
	removed, err := store.Prune(now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.NoError(t, store.MarkSeen("stripe:evt_1", now))
}
