// Package outbox is the transactional at-least-once event queue that drives
// every side effect: verification requests, artifact scans, payouts, and
// retention deletes. Events are enqueued inside the same transaction that
// records the triggering state change; dispatcher loops claim visible rows
// and hand them to topic handlers.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/models"
)

// Topics consumed by the background workers.
const (
	TopicVerificationRequested   = "verification.requested"
	TopicArtifactScanRequested   = "artifact.scan.requested"
	TopicArtifactDeleteRequested = "artifact.delete.requested"
	TopicPayoutRequested         = "payout.requested"
	TopicPayoutConfirmRequested  = "payout.confirm.requested"
)

// terminalError wraps handler failures that must not be retried.
type terminalError struct{ err error }

func (t terminalError) Error() string { return t.err.Error() }
func (t terminalError) Unwrap() error { return t.err }

// Terminal marks a handler error as non-retryable; the event deadletters
// immediately with the error recorded.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

// IsTerminal reports whether an error was marked with Terminal.
func IsTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

// Enqueue inserts an event into the outbox within the supplied transaction.
// With an idempotency key, re-insertion is a no-op on conflict.
func Enqueue(tx *gorm.DB, topic string, payload any, availableAt time.Time, idempotencyKey string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	event := models.OutboxEvent{
		ID:             uuid.New(),
		Topic:          topic,
		IdempotencyKey: idempotencyKey,
		Payload:        raw,
		Status:         models.OutboxPending,
		AvailableAt:    availableAt,
		CreatedAt:      time.Now(),
	}
	stmt := tx
	if idempotencyKey != "" {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "topic"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	return stmt.Create(&event).Error
}

// Release terminates the pending event for (topic, key) without running its
// handler, used by admin break-glass paths.
func Release(ctx context.Context, db *gorm.DB, topic, idempotencyKey string) error {
	now := time.Now()
	return db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("topic = ? AND idempotency_key = ? AND status = ?", topic, idempotencyKey, models.OutboxPending).
		Updates(map[string]any{"status": models.OutboxSent, "sent_at": now}).Error
}

// Requeue makes the event for (topic, key) pending and visible at the given
// time, clearing any stale lock. Sent and deadlettered events are
// resurrected with a fresh attempt budget; a parked payout that was acked by
// the dispatcher resumes through here. Missing events are re-enqueued.
func Requeue(ctx context.Context, db *gorm.DB, topic, idempotencyKey string, payload any, availableAt time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxEvent{}).
			Where("topic = ? AND idempotency_key = ?", topic, idempotencyKey).
			Updates(map[string]any{
				"status":       models.OutboxPending,
				"available_at": availableAt,
				"attempts":     0,
				"last_error":   "",
				"locked_at":    nil,
				"locked_by":    "",
				"sent_at":      nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return Enqueue(tx, topic, payload, availableAt, idempotencyKey)
	})
}

// OldestPendingAge returns how long the oldest pending event has waited, or
// zero when the queue is drained.
func OldestPendingAge(ctx context.Context, db *gorm.DB, now time.Time) (time.Duration, error) {
	var event models.OutboxEvent
	err := db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", models.OutboxPending, now).
		Order("available_at asc").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return now.Sub(event.AvailableAt), nil
}
