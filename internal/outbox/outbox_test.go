package outbox

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
	"proofwork/internal/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	return db
}

func enqueue(t *testing.T, db *gorm.DB, topic, key string, at time.Time) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return Enqueue(tx, topic, map[string]any{"k": key}, at, key)
	}))
}

func loadEvent(t *testing.T, db *gorm.DB, topic, key string) models.OutboxEvent {
	t.Helper()
	var event models.OutboxEvent
	require.NoError(t, db.First(&event, "topic = ? AND idempotency_key = ?", topic, key).Error)
	return event
}

func TestEnqueueIdempotent(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, TopicPayoutRequested, "payout:1", now)
	enqueue(t, db, TopicPayoutRequested, "payout:1", now.Add(time.Hour))

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("topic = ?", TopicPayoutRequested).Count(&count).Error)
	require.Equal(t, int64(1), count)

	// The same key on a different topic is a distinct event.
	enqueue(t, db, TopicVerificationRequested, "payout:1", now)
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestDispatcherAcksSuccess(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{}, slog.Default()).
		WithClock(func() time.Time { return now })

	var handled []string
	d.Register(TopicArtifactScanRequested, func(ctx context.Context, event models.OutboxEvent) error {
		handled = append(handled, event.IdempotencyKey)
		return nil
	})

	enqueue(t, db, TopicArtifactScanRequested, "scan:1", now.Add(-time.Second))
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"scan:1"}, handled)

	event := loadEvent(t, db, TopicArtifactScanRequested, "scan:1")
	require.Equal(t, models.OutboxSent, event.Status)
	require.NotNil(t, event.SentAt)

	// A drained queue ticks to zero.
	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcherSkipsFutureEvents(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{}, slog.Default()).
		WithClock(func() time.Time { return now })
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return nil
	})

	enqueue(t, db, TopicPayoutRequested, "payout:hold", now.Add(time.Hour))
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	now = now.Add(2 * time.Hour)
	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDispatcherRetriesWithBackoff(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{BackoffBase: time.Minute, MaxAttempts: 5}, slog.Default()).
		WithClock(func() time.Time { return now })
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return errors.New("provider unavailable")
	})

	enqueue(t, db, TopicPayoutRequested, "payout:2", now.Add(-time.Second))
	n, err := d.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	event := loadEvent(t, db, TopicPayoutRequested, "payout:2")
	require.Equal(t, models.OutboxPending, event.Status)
	require.Equal(t, 1, event.Attempts)
	require.Contains(t, event.LastError, "provider unavailable")
	// First retry backs off to base*2, with ±20% jitter.
	delay := event.AvailableAt.Sub(now)
	require.GreaterOrEqual(t, delay, 96*time.Second)
	require.LessOrEqual(t, delay, 144*time.Second)

	// Not visible again until the retry time.
	n, err = d.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDispatcherDeadlettersTerminalErrors(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{}, slog.Default()).
		WithClock(func() time.Time { return now })
	d.Register(TopicVerificationRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return Terminal(errors.New("malformed payload"))
	})

	enqueue(t, db, TopicVerificationRequested, "verification:x:1", now.Add(-time.Second))
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	event := loadEvent(t, db, TopicVerificationRequested, "verification:x:1")
	require.Equal(t, models.OutboxDeadletter, event.Status)
	require.Contains(t, event.LastError, "malformed payload")
}

func TestDispatcherDeadlettersAtAttemptCap(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{BackoffBase: time.Second, MaxAttempts: 2}, slog.Default()).
		WithClock(func() time.Time { return now })
	d.Register(TopicPayoutRequested, func(ctx context.Context, event models.OutboxEvent) error {
		return errors.New("still failing")
	})

	enqueue(t, db, TopicPayoutRequested, "payout:3", now.Add(-time.Second))
	for i := 0; i < 2; i++ {
		_, err := d.Tick(context.Background())
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	event := loadEvent(t, db, TopicPayoutRequested, "payout:3")
	require.Equal(t, models.OutboxDeadletter, event.Status)
	require.Equal(t, 2, event.Attempts)
}

func TestDispatcherRetriesUnregisteredTopic(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	d := NewDispatcher(db, DispatcherConfig{}, slog.Default()).
		WithClock(func() time.Time { return now })

	enqueue(t, db, "unknown.topic", "u:1", now.Add(-time.Second))
	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	event := loadEvent(t, db, "unknown.topic", "u:1")
	require.Equal(t, models.OutboxPending, event.Status)
	require.Contains(t, event.LastError, "no handler")
}

func TestRequeueRevivesDeadletter(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, TopicPayoutRequested, "payout:4", now)
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("idempotency_key = ?", "payout:4").
		Updates(map[string]any{"status": models.OutboxDeadletter, "locked_by": "w1", "locked_at": now}).Error)

	require.NoError(t, Requeue(context.Background(), db, TopicPayoutRequested, "payout:4", nil, now))
	event := loadEvent(t, db, TopicPayoutRequested, "payout:4")
	require.Equal(t, models.OutboxPending, event.Status)
	require.Nil(t, event.LockedAt)

	// An unknown key is enqueued fresh.
	require.NoError(t, Requeue(context.Background(), db, TopicPayoutRequested, "payout:5",
		map[string]any{"payoutId": uuid.NewString()}, now))
	event = loadEvent(t, db, TopicPayoutRequested, "payout:5")
	require.Equal(t, models.OutboxPending, event.Status)
}

func TestRequeueRevivesAckedEvent(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	// Ack the event exactly as a dispatcher does after a nil handler return.
	enqueue(t, db, TopicPayoutRequested, "payout:9", now)
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("idempotency_key = ?", "payout:9").
		Updates(map[string]any{
			"status": models.OutboxSent, "sent_at": now, "attempts": 1, "last_error": "",
		}).Error)

	require.NoError(t, Requeue(context.Background(), db, TopicPayoutRequested, "payout:9",
		map[string]any{"k": "payout:9"}, now))

	var pending int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ? AND status = ?",
			TopicPayoutRequested, "payout:9", models.OutboxPending).
		Count(&pending).Error)
	require.Equal(t, int64(1), pending)

	event := loadEvent(t, db, TopicPayoutRequested, "payout:9")
	require.Nil(t, event.SentAt)
	require.Zero(t, event.Attempts)
	require.WithinDuration(t, now, event.AvailableAt, time.Second)
}

func TestReleaseTerminatesPending(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	enqueue(t, db, TopicPayoutRequested, "payout:6", now)
	require.NoError(t, Release(context.Background(), db, TopicPayoutRequested, "payout:6"))

	event := loadEvent(t, db, TopicPayoutRequested, "payout:6")
	require.Equal(t, models.OutboxSent, event.Status)

	// Release does not touch non-pending events.
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("idempotency_key = ?", "payout:6").
		Update("status", models.OutboxDeadletter).Error)
	require.NoError(t, Release(context.Background(), db, TopicPayoutRequested, "payout:6"))
	event = loadEvent(t, db, TopicPayoutRequested, "payout:6")
	require.Equal(t, models.OutboxDeadletter, event.Status)
}

func TestOldestPendingAge(t *testing.T) {
	db := testDB(t)
	now := time.Now()

	age, err := OldestPendingAge(context.Background(), db, now)
	require.NoError(t, err)
	require.Zero(t, age)

	enqueue(t, db, TopicPayoutRequested, "payout:7", now.Add(-3*time.Minute))
	enqueue(t, db, TopicPayoutRequested, "payout:8", now.Add(-time.Minute))

	age, err = OldestPendingAge(context.Background(), db, now)
	require.NoError(t, err)
	require.InDelta(t, (3 * time.Minute).Seconds(), age.Seconds(), 1)
}
