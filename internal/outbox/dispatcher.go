package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/models"
	"proofwork/observability"
)

// Handler processes one claimed event. Returning nil acks the event; a
// Terminal error deadletters it; any other error schedules a retry.
type Handler func(ctx context.Context, event models.OutboxEvent) error

// DispatcherConfig tunes the claim loop.
type DispatcherConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
}

// Dispatcher claims visible events and routes them to topic handlers.
type Dispatcher struct {
	db       *gorm.DB
	cfg      DispatcherConfig
	handlers map[string]Handler
	log      *slog.Logger
	id       string
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher with a unique worker identity.
func NewDispatcher(db *gorm.DB, cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Dispatcher{
		db:       db,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		log:      log,
		id:       uuid.NewString()[:8],
		now:      time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Register binds a handler to a topic. Events on unregistered topics retry
// until a handler appears or the attempt cap deadletters them.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.handlers[topic] = h
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.Tick(ctx); err != nil {
				d.log.Error("outbox tick failed", "error", err)
			} else if n > 0 {
				// Drain bursts without waiting out the poll interval.
				continue
			}
		}
	}
}

// Tick claims and processes one batch. It returns the number of events seen.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	events, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		d.process(ctx, event)
	}
	if age, err := OldestPendingAge(ctx, d.db, d.now()); err == nil {
		observability.Outbox().PendingAge.Set(age.Seconds())
	}
	return len(events), nil
}

func (d *Dispatcher) claim(ctx context.Context) ([]models.OutboxEvent, error) {
	now := d.now()
	stale := now.Add(-d.cfg.VisibilityTimeout)
	var claimed []models.OutboxEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.OutboxEvent
		query := tx.
			Where("status = ? AND available_at <= ?", models.OutboxPending, now).
			Where("locked_at IS NULL OR locked_at < ?", stale).
			Order("available_at asc").
			Limit(d.cfg.BatchSize)
		if d.db.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(candidates))
		for _, event := range candidates {
			ids = append(ids, event.ID)
		}
		if err := tx.Model(&models.OutboxEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_at": now,
				"locked_by": d.id,
				"attempts":  gorm.Expr("attempts + 1"),
			}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Find(&claimed).Error
	})
	return claimed, err
}

func (d *Dispatcher) process(ctx context.Context, event models.OutboxEvent) {
	handler, ok := d.handlers[event.Topic]
	if !ok {
		d.retryOrDeadletter(ctx, event, fmt.Errorf("no handler for topic %s", event.Topic))
		return
	}
	if err := handler(ctx, event); err != nil {
		if IsTerminal(err) {
			d.deadletter(ctx, event, err)
			return
		}
		d.retryOrDeadletter(ctx, event, err)
		return
	}
	now := d.now()
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{"status": models.OutboxSent, "sent_at": now, "last_error": ""}).Error; err != nil {
		d.log.Error("outbox ack failed", "event", event.ID, "error", err)
		return
	}
	observability.Outbox().Dispatched.WithLabelValues(event.Topic).Inc()
}

func (d *Dispatcher) retryOrDeadletter(ctx context.Context, event models.OutboxEvent, cause error) {
	if event.Attempts >= d.cfg.MaxAttempts {
		d.deadletter(ctx, event, cause)
		return
	}
	next := d.now().Add(d.backoff(event.Attempts))
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"status":       models.OutboxPending,
			"available_at": next,
			"locked_at":    nil,
			"locked_by":    "",
			"last_error":   truncate(cause.Error(), 512),
		}).Error; err != nil {
		d.log.Error("outbox retry update failed", "event", event.ID, "error", err)
		return
	}
	observability.Outbox().Failures.WithLabelValues(event.Topic).Inc()
	d.log.Warn("outbox handler failed, retrying",
		"topic", event.Topic, "event", event.ID, "attempts", event.Attempts, "error", cause)
}

func (d *Dispatcher) deadletter(ctx context.Context, event models.OutboxEvent, cause error) {
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(map[string]any{
			"status":     models.OutboxDeadletter,
			"last_error": truncate(cause.Error(), 512),
		}).Error; err != nil {
		d.log.Error("outbox deadletter update failed", "event", event.ID, "error", err)
		return
	}
	observability.Outbox().Deadletters.WithLabelValues(event.Topic).Inc()
	d.log.Error("outbox event deadlettered",
		"topic", event.Topic, "event", event.ID, "attempts", event.Attempts, "error", cause)
}

// backoff is exponential with ±20% jitter, capped.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < attempts && delay < d.cfg.BackoffCap; i++ {
		delay *= 2
	}
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	if rand.Intn(2) == 0 {
		return delay - jitter
	}
	return delay + jitter
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
