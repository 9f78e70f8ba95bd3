// Package payout turns accepted submissions into money movement: a payout
// row created at verification pass, held through the bounty's dispute
// window, fee-split, and settled through a pluggable provider by the outbox
// consumer.
package payout

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/observability"
)

const blockedAddressMissing = "worker_payout_address_missing"

var (
	// ErrAlreadyPaid rejects disputes against settled payouts.
	ErrAlreadyPaid = errors.New("payout_already_paid")
	// ErrBadState rejects transitions that do not apply to the payout's
	// current status.
	ErrBadState = errors.New("bad_state")
)

// Engine owns payout persistence and settlement.
type Engine struct {
	db              *gorm.DB
	provider        Provider
	proofworkFeeBps int
	maxPlatformBps  int
	log             *slog.Logger
	now             func() time.Time
}

// NewEngine wires the payout engine around a settlement provider.
func NewEngine(db *gorm.DB, provider Provider, proofworkFeeBps, maxPlatformBps int, log *slog.Logger) *Engine {
	return &Engine{
		db:              db,
		provider:        provider,
		proofworkFeeBps: proofworkFeeBps,
		maxPlatformBps:  maxPlatformBps,
		log:             log,
		now:             time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func eventKey(payoutID uuid.UUID) string { return "payout:" + payoutID.String() }

// CreateOnPass inserts the pending payout for an accepted submission and
// enqueues payout.requested past the dispute window. Idempotent on the
// submission's unique payout.
func CreateOnPass(tx *gorm.DB, sub *models.Submission, job *models.Job, bounty *models.Bounty, now time.Time) error {
	hold := now.Add(time.Duration(bounty.DisputeWindowSec) * time.Second)
	row := models.Payout{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		WorkerID:     sub.WorkerID,
		BountyID:     bounty.ID,
		AmountCents:  bounty.PayoutCents,
		Status:       models.PayoutPending,
		HoldUntil:    &hold,
		CreatedAt:    now,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil // payout already exists for this submission
	}
	payload := map[string]string{"payoutId": row.ID.String()}
	return outbox.Enqueue(tx, outbox.TopicPayoutRequested, payload, hold, eventKey(row.ID))
}

type payoutEventPayload struct {
	PayoutID string `json:"payoutId"`
}

// HandlePayoutRequested is the outbox consumer for payout.requested.
func (e *Engine) HandlePayoutRequested(ctx context.Context, event models.OutboxEvent) error {
	var payload payoutEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return outbox.Terminal(fmt.Errorf("payout payload: %w", err))
	}
	payoutID, err := uuid.Parse(payload.PayoutID)
	if err != nil {
		return outbox.Terminal(fmt.Errorf("payout payload id: %w", err))
	}

	var (
		request  PaymentRequest
		prepared bool
		split    FeeSplit
	)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", payoutID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return outbox.Terminal(err)
			}
			return err
		}
		if row.Status != models.PayoutPending {
			return nil // already settled, refunded, or marked
		}
		if row.HoldUntil != nil && row.HoldUntil.After(e.now()) {
			return fmt.Errorf("payout %s still held until %s", row.ID, row.HoldUntil)
		}

		var openDisputes int64
		if err := tx.Model(&models.Dispute{}).
			Where("payout_id = ? AND status = ?", row.ID, models.DisputeOpen).
			Count(&openDisputes).Error; err != nil {
			return err
		}
		if openDisputes > 0 {
			// Resolution requeues the event; park it.
			return nil
		}

		var worker models.Worker
		if err := tx.First(&worker, "id = ?", row.WorkerID).Error; err != nil {
			return err
		}
		if worker.PayoutAddress == "" {
			observability.Payouts().Blocked.WithLabelValues(blockedAddressMissing).Inc()
			return tx.Model(&models.Payout{}).Where("id = ?", row.ID).
				Update("blocked_reason", blockedAddressMissing).Error
		}

		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", row.BountyID).Error; err != nil {
			return err
		}
		var org models.Org
		if err := tx.First(&org, "id = ?", bounty.OrgID).Error; err != nil {
			return err
		}
		platformBps := org.PlatformFeeBps
		if e.maxPlatformBps > 0 && platformBps > e.maxPlatformBps {
			platformBps = e.maxPlatformBps
		}
		split = Split(row.AmountCents, platformBps, e.proofworkFeeBps)

		if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).Updates(map[string]any{
			"net_amount_cents":    split.NetCents,
			"platform_fee_cents":  split.PlatformFeeCents,
			"proofwork_fee_cents": split.ProofworkFeeCents,
			"platform_fee_bps":    split.PlatformFeeBps,
			"proofwork_fee_bps":   split.ProofworkFeeBps,
			"blocked_reason":      "",
		}).Error; err != nil {
			return err
		}
		request = PaymentRequest{
			PayoutID:          row.ID,
			WorkerAddress:     worker.PayoutAddress,
			FeeWallet:         org.FeeWallet,
			NetCents:          split.NetCents,
			PlatformFeeCents:  split.PlatformFeeCents,
			ProofworkFeeCents: split.ProofworkFeeCents,
		}
		prepared = true
		return nil
	})
	if err != nil || !prepared {
		return err
	}

	// Provider call happens outside the transaction; the provider's own
	// idempotency (payout id as reference) covers the crash window between
	// payment and the status write.
	providerRef, payErr := e.provider.Pay(ctx, request)
	return e.recordOutcome(ctx, payoutID, providerRef, payErr)
}

func (e *Engine) recordOutcome(ctx context.Context, payoutID uuid.UUID, providerRef string, payErr error) error {
	status := models.PayoutPaid
	outcome := "paid"
	if payErr != nil {
		status = models.PayoutFailed
		outcome = "failed"
		e.log.Error("payout execution failed", "payout_id", payoutID, "error", payErr)
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":       status,
			"provider":     e.provider.Name(),
			"provider_ref": providerRef,
		}).Error; err != nil {
			return err
		}
		mirror := models.PayoutMirrorPaid
		if status == models.PayoutFailed {
			mirror = models.PayoutMirrorFailed
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", row.SubmissionID).
			Update("payout_status", mirror).Error; err != nil {
			return err
		}
		if status == models.PayoutPaid {
			payload := map[string]string{"payoutId": row.ID.String()}
			if err := outbox.Enqueue(tx, outbox.TopicPayoutConfirmRequested, payload,
				e.now().Add(time.Minute), "payout-confirm:"+row.ID.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	observability.Payouts().Executed.WithLabelValues(e.provider.Name(), outcome).Inc()
	if payErr == nil {
		var row models.Payout
		if e.db.WithContext(ctx).First(&row, "id = ?", payoutID).Error == nil {
			if row.PlatformFeeCents != nil {
				observability.Payouts().FeeCents.WithLabelValues("platform").Add(float64(*row.PlatformFeeCents))
			}
			if row.ProofworkFeeCents != nil {
				observability.Payouts().FeeCents.WithLabelValues("proofwork").Add(float64(*row.ProofworkFeeCents))
			}
		}
	}
	return nil
}

// HandlePayoutConfirm is the outbox consumer for payout.confirm.requested;
// it polls providers that expose settlement confirmation.
func (e *Engine) HandlePayoutConfirm(ctx context.Context, event models.OutboxEvent) error {
	confirmer, ok := e.provider.(Confirmer)
	if !ok {
		return nil
	}
	var payload payoutEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return outbox.Terminal(fmt.Errorf("payout confirm payload: %w", err))
	}
	var row models.Payout
	if err := e.db.WithContext(ctx).First(&row, "id = ?", payload.PayoutID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return outbox.Terminal(err)
		}
		return err
	}
	if row.Status != models.PayoutPaid {
		return nil
	}
	if err := confirmer.Confirm(ctx, row.ProviderRef); err != nil {
		return err // retry until the provider settles
	}
	e.log.Info("payout settlement confirmed", "payout_id", row.ID, "provider_ref", row.ProviderRef)
	return nil
}

// SetWorkerAddress verifies the signed challenge, stores the address, and
// unblocks any payouts that were waiting on it.
func (e *Engine) SetWorkerAddress(ctx context.Context, workerID uuid.UUID, address, signature string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var worker models.Worker
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&worker, "id = ?", workerID).Error; err != nil {
			return err
		}
		if worker.AddressNonce == "" {
			return fmt.Errorf("%w: no challenge issued", ErrBadSignature)
		}
		if err := VerifyAddressSignature(workerID, worker.AddressNonce, address, signature); err != nil {
			return err
		}
		if err := tx.Model(&models.Worker{}).Where("id = ?", workerID).Updates(map[string]any{
			"payout_address": address,
			"address_nonce":  "",
		}).Error; err != nil {
			return err
		}

		var blocked []models.Payout
		if err := tx.Where("worker_id = ? AND status = ? AND blocked_reason = ?",
			workerID, models.PayoutPending, blockedAddressMissing).
			Find(&blocked).Error; err != nil {
			return err
		}
		now := e.now()
		for _, row := range blocked {
			availableAt := now
			if row.HoldUntil != nil && row.HoldUntil.After(availableAt) {
				availableAt = *row.HoldUntil
			}
			if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).
				Update("blocked_reason", "").Error; err != nil {
				return err
			}
			payload := map[string]string{"payoutId": row.ID.String()}
			if err := outbox.Requeue(ctx, tx, outbox.TopicPayoutRequested, eventKey(row.ID), payload, availableAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// IssueAddressChallenge mints the single-use nonce a worker must sign.
func (e *Engine) IssueAddressChallenge(ctx context.Context, workerID uuid.UUID) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	nonce := hex.EncodeToString(buf)
	if err := e.db.WithContext(ctx).Model(&models.Worker{}).
		Where("id = ?", workerID).
		Update("address_nonce", nonce).Error; err != nil {
		return "", err
	}
	return AddressChallenge(workerID, nonce), nil
}

// OpenDispute records a buyer challenge against a not-yet-paid payout.
func (e *Engine) OpenDispute(ctx context.Context, orgID, payoutID uuid.UUID, reason string) (*models.Dispute, error) {
	var dispute models.Dispute
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", payoutID).Error; err != nil {
			return err
		}
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", row.BountyID).Error; err != nil {
			return err
		}
		if bounty.OrgID != orgID {
			return gorm.ErrRecordNotFound
		}
		switch row.Status {
		case models.PayoutPending:
		case models.PayoutPaid:
			return ErrAlreadyPaid
		default:
			return fmt.Errorf("%w: payout is %s", ErrBadState, row.Status)
		}
		dispute = models.Dispute{
			ID:        uuid.New(),
			PayoutID:  row.ID,
			OrgID:     orgID,
			Reason:    reason,
			Status:    models.DisputeOpen,
			CreatedAt: e.now(),
		}
		return tx.Create(&dispute).Error
	})
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// ResolveDispute applies an admin decision: refund reverses the payout and
// terminates its outbox event; uphold lets the payout proceed on schedule.
func (e *Engine) ResolveDispute(ctx context.Context, disputeID uuid.UUID, refund bool, resolution string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dispute models.Dispute
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&dispute, "id = ?", disputeID).Error; err != nil {
			return err
		}
		if dispute.Status != models.DisputeOpen {
			return fmt.Errorf("%w: dispute is %s", ErrBadState, dispute.Status)
		}
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", dispute.PayoutID).Error; err != nil {
			return err
		}

		now := e.now()
		status := models.DisputeUpheld
		if refund {
			status = models.DisputeRefunded
			if row.Status != models.PayoutPending {
				return fmt.Errorf("%w: payout is %s", ErrBadState, row.Status)
			}
			if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).
				Update("status", models.PayoutRefunded).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Submission{}).Where("id = ?", row.SubmissionID).
				Update("payout_status", models.PayoutMirrorReversed).Error; err != nil {
				return err
			}
			if err := outbox.Release(ctx, tx, outbox.TopicPayoutRequested, eventKey(row.ID)); err != nil {
				return err
			}
		} else if row.Status == models.PayoutPending {
			availableAt := now
			if row.HoldUntil != nil && row.HoldUntil.After(availableAt) {
				availableAt = *row.HoldUntil
			}
			payload := map[string]string{"payoutId": row.ID.String()}
			if err := outbox.Requeue(ctx, tx, outbox.TopicPayoutRequested, eventKey(row.ID), payload, availableAt); err != nil {
				return err
			}
		}
		return tx.Model(&models.Dispute{}).Where("id = ?", dispute.ID).Updates(map[string]any{
			"status":      status,
			"resolution":  resolution,
			"resolved_at": now,
		}).Error
	})
}

// AdminMark force-sets a payout status, recording provider details and
// terminating the outstanding outbox event.
func (e *Engine) AdminMark(ctx context.Context, payoutID uuid.UUID, status models.PayoutStatus, provider, providerRef, reason string) error {
	switch status {
	case models.PayoutPaid, models.PayoutFailed, models.PayoutRefunded:
	default:
		return fmt.Errorf("%w: cannot mark payout %s", ErrBadState, status)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":         status,
			"provider":       provider,
			"provider_ref":   providerRef,
			"blocked_reason": reason,
		}).Error; err != nil {
			return err
		}
		mirror := models.PayoutMirrorPaid
		switch status {
		case models.PayoutFailed:
			mirror = models.PayoutMirrorFailed
		case models.PayoutRefunded:
			mirror = models.PayoutMirrorReversed
		}
		if err := tx.Model(&models.Submission{}).Where("id = ?", row.SubmissionID).
			Update("payout_status", mirror).Error; err != nil {
			return err
		}
		return outbox.Release(ctx, tx, outbox.TopicPayoutRequested, eventKey(row.ID))
	})
}

// AdminRetry makes a failed payout pending again and requeues it now.
func (e *Engine) AdminRetry(ctx context.Context, payoutID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Payout
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ?", payoutID).Error; err != nil {
			return err
		}
		if row.Status != models.PayoutFailed {
			return fmt.Errorf("%w: payout is %s", ErrBadState, row.Status)
		}
		if err := tx.Model(&models.Payout{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":       models.PayoutPending,
			"provider_ref": "",
		}).Error; err != nil {
			return err
		}
		payload := map[string]string{"payoutId": row.ID.String()}
		return outbox.Requeue(ctx, tx, outbox.TopicPayoutRequested, eventKey(row.ID), payload, e.now())
	})
}
