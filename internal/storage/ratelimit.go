package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/models"
)

// Buckets implements a per-key token bucket persisted in the store. Each take
// pre-inserts the bucket row, then refills and debits under a row lock so
// concurrent callers across processes observe a single budget.
type Buckets struct {
	db  *gorm.DB
	now func() time.Time
}

// NewBuckets constructs a persisted bucket store.
func NewBuckets(db *gorm.DB) *Buckets {
	return &Buckets{db: db, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (b *Buckets) WithClock(now func() time.Time) *Buckets {
	b.now = now
	return b
}

// Take attempts to remove one token from the bucket identified by key. The
// bucket refills at ratePerSec up to burst. It returns false when the bucket
// is empty.
func (b *Buckets) Take(ctx context.Context, key string, ratePerSec float64, burst float64) (bool, error) {
	if ratePerSec <= 0 || burst <= 0 {
		return true, nil
	}
	now := b.now()
	allowed := false
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.RateLimitBucket{Key: key, Tokens: burst, LastRefill: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var bucket models.RateLimitBucket
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&bucket, "key = ?", key).Error; err != nil {
			return err
		}
		tokens := bucket.Tokens + now.Sub(bucket.LastRefill).Seconds()*ratePerSec
		if tokens > burst {
			tokens = burst
		}
		if tokens >= 1 {
			tokens--
			allowed = true
		}
		return tx.Model(&models.RateLimitBucket{}).Where("key = ?", key).
			Updates(map[string]any{"tokens": tokens, "last_refill": now}).Error
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// Prune removes buckets idle longer than ttl.
func (b *Buckets) Prune(ctx context.Context, ttl time.Duration) error {
	cutoff := b.now().Add(-ttl)
	return b.db.WithContext(ctx).
		Where("last_refill < ?", cutoff).
		Delete(&models.RateLimitBucket{}).Error
}
