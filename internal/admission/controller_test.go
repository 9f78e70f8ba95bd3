package admission

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/internal/storage"
)

type stubBacklog struct {
	count int64
	age   time.Duration
	err   error
}

func (s stubBacklog) PendingBacklog(ctx context.Context) (int64, time.Duration, error) {
	return s.count, s.age, s.err
}

type stubScans struct {
	age time.Duration
	err error
}

func (s stubScans) OldestScanBacklogAge(ctx context.Context) (time.Duration, error) {
	return s.age, s.err
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	return db
}

func TestCheckOpenByDefault(t *testing.T) {
	c := NewController(testDB(t), Thresholds{}, stubBacklog{count: 9999, age: time.Hour}, stubScans{age: time.Hour}, slog.Default())
	require.Empty(t, c.Check(context.Background()))
}

func TestPauseFlagFreezesClaims(t *testing.T) {
	c := NewController(testDB(t), Thresholds{}, nil, nil, slog.Default())
	ctx := context.Background()

	require.NoError(t, c.SetPaused(ctx, true))
	require.Equal(t, "paused", c.Check(ctx))

	require.NoError(t, c.SetPaused(ctx, false))
	require.Empty(t, c.Check(ctx))
}

func TestVerifierBacklogThresholds(t *testing.T) {
	db := testDB(t)
	limits := Thresholds{MaxVerifierBacklog: 10, MaxVerifierBacklogAge: time.Minute}

	c := NewController(db, limits, stubBacklog{count: 11}, nil, slog.Default())
	require.Equal(t, "verifier_backlog", c.Check(context.Background()))

	c = NewController(db, limits, stubBacklog{count: 5, age: 2 * time.Minute}, nil, slog.Default())
	require.Equal(t, "verifier_backlog_age", c.Check(context.Background()))

	c = NewController(db, limits, stubBacklog{count: 10, age: time.Minute}, nil, slog.Default())
	require.Empty(t, c.Check(context.Background()))
}

func TestOutboxAgeThreshold(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.Enqueue(tx, outbox.TopicPayoutRequested, nil, time.Now().Add(-10*time.Minute), "payout:old")
	}))

	c := NewController(db, Thresholds{MaxOutboxPendingAge: 5 * time.Minute}, nil, nil, slog.Default())
	require.Equal(t, "outbox_pending_age", c.Check(context.Background()))

	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("idempotency_key = ?", "payout:old").
		Update("status", models.OutboxSent).Error)
	require.Empty(t, c.Check(context.Background()))
}

func TestScanBacklogThreshold(t *testing.T) {
	db := testDB(t)
	limits := Thresholds{MaxScanBacklogAge: time.Minute}

	c := NewController(db, limits, nil, stubScans{age: 90 * time.Second}, slog.Default())
	require.Equal(t, "scan_backlog_age", c.Check(context.Background()))

	c = NewController(db, limits, nil, stubScans{age: 30 * time.Second}, slog.Default())
	require.Empty(t, c.Check(context.Background()))
}

func TestSignalErrorsFailOpen(t *testing.T) {
	db := testDB(t)
	limits := Thresholds{
		MaxVerifierBacklog: 1,
		MaxScanBacklogAge:  time.Second,
	}
	c := NewController(db, limits,
		stubBacklog{err: errors.New("gauge down")},
		stubScans{err: errors.New("gauge down")},
		slog.Default())
	require.Empty(t, c.Check(context.Background()))
}
