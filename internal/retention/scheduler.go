// Package retention promotes due artifact-deletion jobs into outbox events.
// Every presigned artifact gets a retention row at creation time, so data
// leaves the system by default rather than by cleanup campaign.
package retention

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"proofwork/internal/models"
	"proofwork/internal/outbox"
)

// Scheduler sweeps the retention table on an interval.
type Scheduler struct {
	db        *gorm.DB
	interval  time.Duration
	batchSize int
	log       *slog.Logger
	now       func() time.Time
}

// NewScheduler wires the sweep loop.
func NewScheduler(db *gorm.DB, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{db: db, interval: interval, batchSize: 200, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// Sweep promotes due, unpromoted retention jobs to artifact.delete.requested
// events. The promotion and the enqueue share a transaction so a crash
// re-promotes rather than losing the delete.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	promoted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []models.RetentionJob
		if err := tx.Where("promoted = ? AND due_at <= ?", false, s.now()).
			Order("due_at ASC").
			Limit(s.batchSize).
			Find(&due).Error; err != nil {
			return err
		}
		for _, job := range due {
			payload := map[string]string{"artifactId": job.ArtifactID.String()}
			key := "retention:" + job.ID.String()
			if err := outbox.Enqueue(tx, outbox.TopicArtifactDeleteRequested, payload, s.now(), key); err != nil {
				return err
			}
			if err := tx.Model(&models.RetentionJob{}).Where("id = ?", job.ID).
				Update("promoted", true).Error; err != nil {
				return err
			}
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		s.log.Info("promoted retention jobs", "count", promoted)
	}
	return promoted, nil
}
