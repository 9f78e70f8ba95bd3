// Package admission gates jobs/next behind backpressure signals so workers
// stop pulling new work while the downstream pipeline is saturated.
package admission

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/observability"
)

// PauseFlag is the control flag that freezes all claims.
const PauseFlag = "claims_paused"

// Thresholds are the config-driven saturation limits; zero disables a check.
type Thresholds struct {
	MaxVerifierBacklog    int64
	MaxVerifierBacklogAge time.Duration
	MaxOutboxPendingAge   time.Duration
	MaxScanBacklogAge     time.Duration
}

// BacklogReader reports verification backlog; implemented by the
// verification engine.
type BacklogReader interface {
	PendingBacklog(ctx context.Context) (int64, time.Duration, error)
}

// ScanBacklogReader reports artifact scan backlog; implemented by the
// artifact service.
type ScanBacklogReader interface {
	OldestScanBacklogAge(ctx context.Context) (time.Duration, error)
}

// Controller evaluates admission before each jobs/next poll.
type Controller struct {
	db       *gorm.DB
	limits   Thresholds
	verifier BacklogReader
	scans    ScanBacklogReader
	log      *slog.Logger
	now      func() time.Time
}

// NewController wires the admission controller.
func NewController(db *gorm.DB, limits Thresholds, verifier BacklogReader, scans ScanBacklogReader, log *slog.Logger) *Controller {
	return &Controller{db: db, limits: limits, verifier: verifier, scans: scans, log: log, now: time.Now}
}

// Check returns a non-empty idle reason when the system should not hand out
// work. Signal read errors fail open: a broken gauge must not halt the
// marketplace.
func (c *Controller) Check(ctx context.Context) string {
	var flag models.ControlFlag
	if err := c.db.WithContext(ctx).First(&flag, "name = ?", PauseFlag).Error; err == nil && flag.Enabled {
		return c.idle("paused")
	}

	if c.verifier != nil && (c.limits.MaxVerifierBacklog > 0 || c.limits.MaxVerifierBacklogAge > 0) {
		count, age, err := c.verifier.PendingBacklog(ctx)
		if err != nil {
			c.log.Warn("verifier backlog check failed", "error", err)
		} else {
			if c.limits.MaxVerifierBacklog > 0 && count > c.limits.MaxVerifierBacklog {
				return c.idle("verifier_backlog")
			}
			if c.limits.MaxVerifierBacklogAge > 0 && age > c.limits.MaxVerifierBacklogAge {
				return c.idle("verifier_backlog_age")
			}
		}
	}

	if c.limits.MaxOutboxPendingAge > 0 {
		age, err := outbox.OldestPendingAge(ctx, c.db, c.now())
		if err != nil {
			c.log.Warn("outbox age check failed", "error", err)
		} else if age > c.limits.MaxOutboxPendingAge {
			return c.idle("outbox_pending_age")
		}
	}

	if c.scans != nil && c.limits.MaxScanBacklogAge > 0 {
		age, err := c.scans.OldestScanBacklogAge(ctx)
		if err != nil {
			c.log.Warn("scan backlog check failed", "error", err)
		} else if age > c.limits.MaxScanBacklogAge {
			return c.idle("scan_backlog_age")
		}
	}
	return ""
}

func (c *Controller) idle(signal string) string {
	observability.Admission().Idle.WithLabelValues(signal).Inc()
	return signal
}

// SetPaused flips the global claim pause flag.
func (c *Controller) SetPaused(ctx context.Context, paused bool) error {
	flag := models.ControlFlag{Name: PauseFlag, Enabled: paused, UpdatedAt: c.now()}
	return c.db.WithContext(ctx).Save(&flag).Error
}
