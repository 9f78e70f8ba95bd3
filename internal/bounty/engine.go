// Package bounty owns the buyer-side lifecycle: drafting, publishing with
// budget reservation and fan-out, pausing, and closing with release of the
// unspent reservation. All money movement happens inside one transaction
// with conditional debits, so the account balance can never go negative.
package bounty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/descriptor"
	"proofwork/internal/models"
)

var (
	// ErrInsufficientFunds rejects publish when the balance cannot cover the
	// reservation.
	ErrInsufficientFunds = errors.New("insufficient_funds")
	// ErrDailySpendLimit rejects publish over the rolling daily quota.
	ErrDailySpendLimit = errors.New("daily_spend_limit_exceeded")
	// ErrMonthlySpendLimit rejects publish over the rolling monthly quota.
	ErrMonthlySpendLimit = errors.New("monthly_spend_limit_exceeded")
	// ErrMaxOpenJobs rejects publish when the org has too many live jobs.
	ErrMaxOpenJobs = errors.New("max_open_jobs_exceeded")
	// ErrBadState rejects lifecycle transitions out of order.
	ErrBadState = errors.New("bad_state")
	// ErrOriginNotVerified rejects bounties referencing unverified origins.
	ErrOriginNotVerified = errors.New("invalid_origin_unverified")
)

// Quotas are the effective limits applied at publish; zero means unlimited.
type Quotas struct {
	DailySpendLimitCents   int64
	MonthlySpendLimitCents int64
	MaxOpenJobs            int
}

// Engine coordinates bounty lifecycle and billing.
type Engine struct {
	db       *gorm.DB
	defaults Quotas
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine wires the engine with org-default quotas.
func NewEngine(db *gorm.DB, defaults Quotas, log *slog.Logger) *Engine {
	return &Engine{db: db, defaults: defaults, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Draft describes a new bounty.
type Draft struct {
	Title              string
	Description        string
	AllowedOrigins     []string
	Journey            json.RawMessage
	TaskDescriptor     json.RawMessage
	PayoutCents        int64
	RequiredProofs     int
	FingerprintClasses []string
	Priority           int
	DisputeWindowSec   int
	Tags               []string
}

// Create validates and stores a draft bounty.
func (e *Engine) Create(ctx context.Context, orgID uuid.UUID, draft Draft) (*models.Bounty, error) {
	if strings.TrimSpace(draft.Title) == "" {
		return nil, fmt.Errorf("invalid: title required")
	}
	if draft.PayoutCents <= 0 {
		return nil, fmt.Errorf("invalid_amount: payout must be positive")
	}
	if draft.DisputeWindowSec < 0 {
		return nil, fmt.Errorf("invalid: dispute window must be non-negative")
	}
	if len(draft.TaskDescriptor) > 0 {
		if _, err := descriptor.Parse(draft.TaskDescriptor); err != nil {
			return nil, err
		}
	}
	if draft.RequiredProofs <= 0 {
		draft.RequiredProofs = 1
	}
	if len(draft.FingerprintClasses) == 0 {
		draft.FingerprintClasses = []string{"default"}
	}
	now := e.now()
	row := models.Bounty{
		ID:                 uuid.New(),
		OrgID:              orgID,
		Title:              strings.TrimSpace(draft.Title),
		Description:        draft.Description,
		Status:             models.BountyDraft,
		AllowedOrigins:     marshalStrings(draft.AllowedOrigins),
		Journey:            string(draft.Journey),
		TaskDescriptor:     draft.TaskDescriptor,
		PayoutCents:        draft.PayoutCents,
		RequiredProofs:     draft.RequiredProofs,
		FingerprintClasses: marshalStrings(draft.FingerprintClasses),
		Priority:           draft.Priority,
		DisputeWindowSec:   draft.DisputeWindowSec,
		Tags:               marshalStrings(draft.Tags),
		CreatedAt:          now,
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// EnsureAccount returns the org's billing account, creating it at zero.
func EnsureAccount(tx *gorm.DB, orgID uuid.UUID) (*models.BillingAccount, error) {
	var account models.BillingAccount
	err := tx.First(&account, "org_id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = models.BillingAccount{ID: uuid.New(), OrgID: orgID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
			return nil, err
		}
		err = tx.First(&account, "org_id = ?", orgID).Error
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Credit appends a positive billing event and raises the balance. The event
// key makes retried credits (webhooks, admin) idempotent.
func Credit(tx *gorm.DB, orgID uuid.UUID, amountCents int64, eventKey, kind, detail string) error {
	if amountCents <= 0 {
		return fmt.Errorf("invalid_amount")
	}
	account, err := EnsureAccount(tx, orgID)
	if err != nil {
		return err
	}
	event := models.BillingEvent{
		ID:          uuid.New(),
		AccountID:   account.ID,
		EventKey:    eventKey,
		Kind:        kind,
		AmountCents: amountCents,
		Detail:      detail,
		CreatedAt:   time.Now(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // replayed event
	}
	return tx.Model(&models.BillingAccount{}).Where("id = ?", account.ID).
		Update("balance", gorm.Expr("balance + ?", amountCents)).Error
}

// Publish reserves budget, enforces quotas, and fans one job per
// fingerprint class, all in one transaction.
func (e *Engine) Publish(ctx context.Context, orgID, bountyID uuid.UUID) (*models.Bounty, error) {
	var published models.Bounty
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Bounty
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ? AND org_id = ?", bountyID, orgID).Error; err != nil {
			return err
		}
		if row.Status == models.BountyPublished {
			published = row
			return nil // idempotent
		}
		if row.Status != models.BountyDraft && row.Status != models.BountyPaused {
			return fmt.Errorf("%w: bounty is %s", ErrBadState, row.Status)
		}

		if err := e.checkOriginsVerified(tx, orgID, unmarshalStrings(row.AllowedOrigins)); err != nil {
			return err
		}

		classes := unmarshalStrings(row.FingerprintClasses)
		jobCount := len(classes)
		if jobCount == 0 {
			classes = []string{"default"}
			jobCount = 1
		}
		reserveCents := row.PayoutCents * int64(jobCount)

		account, err := EnsureAccount(tx, orgID)
		if err != nil {
			return err
		}

		var reservation models.BudgetReservation
		reserveErr := tx.First(&reservation, "bounty_id = ?", row.ID).Error
		if errors.Is(reserveErr, gorm.ErrRecordNotFound) {
			res := tx.Model(&models.BillingAccount{}).
				Where("id = ? AND balance >= ?", account.ID, reserveCents).
				Update("balance", gorm.Expr("balance - ?", reserveCents))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrInsufficientFunds
			}
			event := models.BillingEvent{
				ID:          uuid.New(),
				AccountID:   account.ID,
				EventKey:    "bounty_budget_reserve:" + row.ID.String(),
				Kind:        "bounty_budget_reserve",
				AmountCents: -reserveCents,
				Detail:      row.Title,
				CreatedAt:   e.now(),
			}
			if err := tx.Create(&event).Error; err != nil {
				return err
			}
			reservation = models.BudgetReservation{
				ID:          uuid.New(),
				BountyID:    row.ID,
				AccountID:   account.ID,
				AmountCents: reserveCents,
				Status:      models.ReservationActive,
				CreatedAt:   e.now(),
			}
			if err := tx.Create(&reservation).Error; err != nil {
				return err
			}
		} else if reserveErr != nil {
			return reserveErr
		}

		if err := e.enforceQuotas(tx, orgID, account.ID, jobCount); err != nil {
			return err
		}

		now := e.now()
		if err := tx.Model(&models.Bounty{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": models.BountyPublished, "published_at": now}).Error; err != nil {
			return err
		}

		// Fan-out happens exactly once; re-publish after pause keeps jobs.
		var existing int64
		if err := tx.Model(&models.Job{}).Where("bounty_id = ?", row.ID).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			for _, class := range classes {
				job := models.Job{
					ID:               uuid.New(),
					BountyID:         row.ID,
					FingerprintClass: class,
					Status:           models.JobOpen,
					TaskDescriptor:   row.TaskDescriptor, // frozen snapshot
					CreatedAt:        now,
				}
				if err := tx.Create(&job).Error; err != nil {
					return err
				}
			}
		}
		return tx.First(&published, "id = ?", row.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &published, nil
}

func (e *Engine) checkOriginsVerified(tx *gorm.DB, orgID uuid.UUID, origins []string) error {
	for _, origin := range origins {
		var count int64
		if err := tx.Model(&models.Origin{}).
			Where("org_id = ? AND origin = ? AND status = ?", orgID, origin, models.OriginVerified).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrOriginNotVerified, origin)
		}
	}
	return nil
}

func (e *Engine) enforceQuotas(tx *gorm.DB, orgID, accountID uuid.UUID, newJobs int) error {
	quotas := e.effectiveQuotas(tx, orgID)
	now := e.now()

	spendSince := func(cutoff time.Time) (int64, error) {
		var total int64
		err := tx.Model(&models.BillingEvent{}).
			Where("account_id = ? AND kind = ? AND created_at >= ?", accountID, "bounty_budget_reserve", cutoff).
			Select("COALESCE(SUM(-amount_cents), 0)").
			Scan(&total).Error
		return total, err
	}

	if quotas.DailySpendLimitCents > 0 {
		spent, err := spendSince(now.Add(-24 * time.Hour))
		if err != nil {
			return err
		}
		if spent > quotas.DailySpendLimitCents {
			return ErrDailySpendLimit
		}
	}
	if quotas.MonthlySpendLimitCents > 0 {
		spent, err := spendSince(now.Add(-30 * 24 * time.Hour))
		if err != nil {
			return err
		}
		if spent > quotas.MonthlySpendLimitCents {
			return ErrMonthlySpendLimit
		}
	}
	if quotas.MaxOpenJobs > 0 {
		var open int64
		err := tx.Model(&models.Job{}).
			Joins("JOIN bounties ON bounties.id = jobs.bounty_id").
			Where("bounties.org_id = ?", orgID).
			Where("jobs.status IN ?", []models.JobStatus{models.JobOpen, models.JobClaimed, models.JobSubmitted, models.JobVerifying}).
			Count(&open).Error
		if err != nil {
			return err
		}
		if int(open)+newJobs > quotas.MaxOpenJobs {
			return ErrMaxOpenJobs
		}
	}
	return nil
}

func (e *Engine) effectiveQuotas(tx *gorm.DB, orgID uuid.UUID) Quotas {
	quotas := e.defaults
	var row models.OrgQuota
	if err := tx.First(&row, "org_id = ?", orgID).Error; err == nil {
		if row.DailySpendLimitCents > 0 {
			quotas.DailySpendLimitCents = row.DailySpendLimitCents
		}
		if row.MonthlySpendLimitCents > 0 {
			quotas.MonthlySpendLimitCents = row.MonthlySpendLimitCents
		}
		if row.MaxOpenJobs > 0 {
			quotas.MaxOpenJobs = row.MaxOpenJobs
		}
	}
	return quotas
}

// Pause stops further claims without releasing budget.
func (e *Engine) Pause(ctx context.Context, orgID, bountyID uuid.UUID) error {
	res := e.db.WithContext(ctx).Model(&models.Bounty{}).
		Where("id = ? AND org_id = ? AND status = ?", bountyID, orgID, models.BountyPublished).
		Update("status", models.BountyPaused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBadState
	}
	return nil
}

// Close releases the unspent reservation and expires any unfinished jobs.
func (e *Engine) Close(ctx context.Context, orgID, bountyID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Bounty
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ? AND org_id = ?", bountyID, orgID).Error; err != nil {
			return err
		}
		if row.Status == models.BountyClosed {
			return nil
		}
		now := e.now()
		if err := tx.Model(&models.Bounty{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": models.BountyClosed, "closed_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Job{}).
			Where("bounty_id = ? AND status IN ?", row.ID,
				[]models.JobStatus{models.JobOpen, models.JobClaimed}).
			Update("status", models.JobExpired).Error; err != nil {
			return err
		}

		var reservation models.BudgetReservation
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&reservation, "bounty_id = ? AND status = ?", row.ID, models.ReservationActive).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // draft never published
		}
		if err != nil {
			return err
		}

		var paid int64
		if err := tx.Model(&models.Payout{}).
			Where("bounty_id = ? AND status = ?", row.ID, models.PayoutPaid).
			Select("COALESCE(SUM(amount_cents), 0)").
			Scan(&paid).Error; err != nil {
			return err
		}
		release := reservation.AmountCents - paid
		if release < 0 {
			release = 0
		}
		if release > 0 {
			if err := tx.Model(&models.BillingAccount{}).Where("id = ?", reservation.AccountID).
				Update("balance", gorm.Expr("balance + ?", release)).Error; err != nil {
				return err
			}
			event := models.BillingEvent{
				ID:          uuid.New(),
				AccountID:   reservation.AccountID,
				EventKey:    "bounty_budget_release:" + row.ID.String(),
				Kind:        "bounty_budget_release",
				AmountCents: release,
				Detail:      row.Title,
				CreatedAt:   now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&event).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.BudgetReservation{}).Where("id = ?", reservation.ID).
			Update("status", models.ReservationReleased).Error
	})
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(values)
	return string(raw)
}

func unmarshalStrings(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	_ = json.Unmarshal([]byte(raw), &values)
	return values
}

// AllowedOrigins exposes the decoded origin list.
func AllowedOrigins(b *models.Bounty) []string { return unmarshalStrings(b.AllowedOrigins) }

// FingerprintClasses exposes the decoded class list.
func FingerprintClasses(b *models.Bounty) []string { return unmarshalStrings(b.FingerprintClasses) }
