// Package verification runs the attempt-bounded review loop: external
// verifiers claim an attempt with a TTL-limited token, then post a verdict
// that settles the submission, the job, the worker's reputation, and (on
// pass) the payout.
package verification

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

	"proofwork/internal/artifact"
	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/internal/payout"
)

var (
	// ErrClaimed means another verifier holds an unexpired claim.
	ErrClaimed = errors.New("claimed")
	// ErrClaimInvalid means the presented claim token did not match.
	ErrClaimInvalid = errors.New("not_owner")
	// ErrClaimExpired means the claim lapsed before the verdict arrived.
	ErrClaimExpired = errors.New("lease_expired")
	// ErrBadState rejects operations on rows in the wrong status.
	ErrBadState = errors.New("bad_state")
	// ErrBadScorecard rejects out-of-range scorecard fields.
	ErrBadScorecard = errors.New("invalid_scorecard")
)

const (
	minClaimTTL = time.Minute
	maxClaimTTL = 2 * time.Hour
)

// Config bounds the verification loop.
type Config struct {
	MaxAttempts     int
	DefaultClaimTTL time.Duration
}

// Scorecard grades a submission on five axes plus a free-form quality score.
type Scorecard struct {
	Reproducibility float64 `json:"r"`
	Evidence        float64 `json:"e"`
	Accuracy        float64 `json:"a"`
	Novelty         float64 `json:"n"`
	Thoroughness    float64 `json:"t"`
	QualityScore    float64 `json:"qualityScore"`
}

func (s Scorecard) validate() error {
	for _, axis := range []float64{s.Reproducibility, s.Evidence, s.Accuracy, s.Novelty, s.Thoroughness} {
		if axis < 0 || axis > 1 {
			return ErrBadScorecard
		}
	}
	return nil
}

// Engine owns the verification state machine.
type Engine struct {
	db  *gorm.DB
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// NewEngine wires the verification engine.
func NewEngine(db *gorm.DB, cfg Config, log *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultClaimTTL <= 0 {
		cfg.DefaultClaimTTL = 15 * time.Minute
	}
	return &Engine{db: db, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Claim acquires (or creates) the attempt row for a verifier. The returned
// row carries the claim token required to post the verdict.
func (e *Engine) Claim(ctx context.Context, submissionID uuid.UUID, attemptNo int, claimedBy string, ttl time.Duration) (*models.Verification, error) {
	if attemptNo <= 0 {
		attemptNo = 1
	}
	if ttl <= 0 {
		ttl = e.cfg.DefaultClaimTTL
	}
	ttl = min(max(ttl, minClaimTTL), maxClaimTTL)

	var claimed models.Verification
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.First(&sub, "id = ?", submissionID).Error; err != nil {
			return err
		}

		var row models.Verification
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "submission_id = ? AND attempt_no = ?", submissionID, attemptNo).Error
		now := e.now()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.Verification{
				ID:           uuid.New(),
				SubmissionID: submissionID,
				AttemptNo:    attemptNo,
				Status:       models.VerificationQueued,
				CreatedAt:    now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		switch row.Status {
		case models.VerificationFinished:
			return fmt.Errorf("%w: verification finished", ErrBadState)
		case models.VerificationInProgress:
			if row.ClaimExpiresAt != nil && row.ClaimExpiresAt.After(now) {
				return ErrClaimed
			}
			// Lapsed claim; fall through and re-mint.
		}

		token, err := newToken()
		if err != nil {
			return err
		}
		expires := now.Add(ttl)
		if err := tx.Model(&models.Verification{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":           models.VerificationInProgress,
			"claim_token":      token,
			"claimed_by":       claimedBy,
			"claim_expires_at": expires,
		}).Error; err != nil {
			return err
		}
		return tx.First(&claimed, "id = ?", row.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// VerdictRequest is one posted verdict.
type VerdictRequest struct {
	SubmissionID uuid.UUID
	AttemptNo    int
	ClaimToken   string
	Verdict      models.Verdict
	Reason       string
	Scorecard    *Scorecard
	EvidenceIDs  []uuid.UUID
}

// Verdict settles an attempt. Posting against an already-finished attempt
// returns the stored row unchanged.
func (e *Engine) Verdict(ctx context.Context, req VerdictRequest) (*models.Verification, error) {
	switch req.Verdict {
	case models.VerdictPass, models.VerdictFail, models.VerdictInconclusive:
	default:
		return nil, fmt.Errorf("%w: verdict %q", ErrBadState, req.Verdict)
	}
	if req.Scorecard != nil {
		if err := req.Scorecard.validate(); err != nil {
			return nil, err
		}
	}

	var finished models.Verification
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Verification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "submission_id = ? AND attempt_no = ?", req.SubmissionID, req.AttemptNo).Error; err != nil {
			return err
		}
		if row.Status == models.VerificationFinished {
			finished = row
			return nil // idempotent replay
		}
		if row.Status != models.VerificationInProgress || row.ClaimToken == "" {
			return fmt.Errorf("%w: attempt not claimed", ErrBadState)
		}
		if row.ClaimToken != req.ClaimToken {
			return ErrClaimInvalid
		}
		now := e.now()
		if row.ClaimExpiresAt == nil || !row.ClaimExpiresAt.After(now) {
			return ErrClaimExpired
		}

		var scorecard []byte
		var quality *float64
		if req.Scorecard != nil {
			raw, err := json.Marshal(req.Scorecard)
			if err != nil {
				return err
			}
			scorecard = raw
			q := req.Scorecard.QualityScore
			quality = &q
		}
		evidence, err := json.Marshal(req.EvidenceIDs)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Verification{}).Where("id = ?", row.ID).Updates(map[string]any{
			"status":      models.VerificationFinished,
			"verdict":     req.Verdict,
			"reason":      req.Reason,
			"scorecard":   scorecard,
			"evidence":    evidence,
			"finished_at": now,
		}).Error; err != nil {
			return err
		}

		var sub models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&sub, "id = ?", row.SubmissionID).Error; err != nil {
			return err
		}
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", sub.JobID).Error; err != nil {
			return err
		}
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", job.BountyID).Error; err != nil {
			return err
		}

		if err := e.bumpReputation(tx, sub.WorkerID, req.Verdict); err != nil {
			return err
		}

		switch req.Verdict {
		case models.VerdictPass:
			if err := e.settlePass(tx, &sub, &job, &bounty, quality, now); err != nil {
				return err
			}
		case models.VerdictFail:
			if err := e.settleFinal(tx, &sub, &job, models.SubmissionFailed, models.VerdictFail, quality, now); err != nil {
				return err
			}
		case models.VerdictInconclusive:
			if req.AttemptNo < e.cfg.MaxAttempts {
				nextAttempt := models.Verification{
					ID:           uuid.New(),
					SubmissionID: sub.ID,
					AttemptNo:    req.AttemptNo + 1,
					Status:       models.VerificationQueued,
					CreatedAt:    now,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "submission_id"}, {Name: "attempt_no"}},
					DoNothing: true,
				}).Create(&nextAttempt).Error; err != nil {
					return err
				}
				payload := map[string]string{"submissionId": sub.ID.String()}
				key := fmt.Sprintf("verification:%s:%d", sub.ID, req.AttemptNo+1)
				if err := outbox.Enqueue(tx, outbox.TopicVerificationRequested, payload, now, key); err != nil {
					return err
				}
				// Job stays verifying while the next attempt runs.
			} else if err := e.settleFinal(tx, &sub, &job, models.SubmissionInconclusive, models.VerdictInconclusive, quality, now); err != nil {
				return err
			}
		}
		return tx.First(&finished, "id = ?", row.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &finished, nil
}

func (e *Engine) bumpReputation(tx *gorm.DB, workerID uuid.UUID, verdict models.Verdict) error {
	column := "rep_beta"
	if verdict == models.VerdictPass {
		column = "rep_alpha"
	}
	return tx.Model(&models.Worker{}).Where("id = ?", workerID).
		Update(column, gorm.Expr(column+" + 1")).Error
}

func (e *Engine) settlePass(tx *gorm.DB, sub *models.Submission, job *models.Job, bounty *models.Bounty, quality *float64, now time.Time) error {
	accepted := models.AcceptedKey{
		BountyID:     bounty.ID,
		DedupeKey:    sub.DedupeKey,
		SubmissionID: sub.ID,
		CreatedAt:    now,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&accepted).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]any{
		"status":        models.SubmissionAccepted,
		"final_verdict": models.VerdictPass,
		"quality_score": quality,
		"payout_status": models.PayoutMirrorPending,
	}).Error; err != nil {
		return err
	}
	if err := artifact.AcceptForSubmission(tx, sub.ID); err != nil {
		return err
	}
	if err := payout.CreateOnPass(tx, sub, job, bounty, now); err != nil {
		return err
	}
	return tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":              models.JobDone,
		"final_verdict":       models.VerdictPass,
		"final_quality_score": quality,
		"done_at":             now,
	}).Error
}

func (e *Engine) settleFinal(tx *gorm.DB, sub *models.Submission, job *models.Job, subStatus models.SubmissionStatus, verdict models.Verdict, quality *float64, now time.Time) error {
	if err := tx.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]any{
		"status":        subStatus,
		"final_verdict": verdict,
		"quality_score": quality,
	}).Error; err != nil {
		return err
	}
	return tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":              models.JobDone,
		"final_verdict":       verdict,
		"final_quality_score": quality,
		"done_at":             now,
	}).Error
}

// AdminRequeue mints a fresh verification attempt for a submission whose
// review stalled. It releases any lapsed claim on the latest attempt and
// re-enqueues the request.
func (e *Engine) AdminRequeue(ctx context.Context, submissionID uuid.UUID) (*models.Verification, error) {
	var requeued models.Verification
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.Verification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("submission_id = ?", submissionID).
			Order("attempt_no DESC").
			First(&latest).Error; err != nil {
			return err
		}
		now := e.now()
		attemptNo := latest.AttemptNo
		if latest.Status == models.VerificationFinished {
			attemptNo++
			next := models.Verification{
				ID:           uuid.New(),
				SubmissionID: submissionID,
				AttemptNo:    attemptNo,
				Status:       models.VerificationQueued,
				CreatedAt:    now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "submission_id"}, {Name: "attempt_no"}},
				DoNothing: true,
			}).Create(&next).Error; err != nil {
				return err
			}
		} else if err := tx.Model(&models.Verification{}).Where("id = ?", latest.ID).Updates(map[string]any{
			"status":           models.VerificationQueued,
			"claim_token":      "",
			"claimed_by":       "",
			"claim_expires_at": nil,
		}).Error; err != nil {
			return err
		}
		payload := map[string]string{"submissionId": submissionID.String()}
		key := fmt.Sprintf("verification:%s:%d", submissionID, attemptNo)
		if err := outbox.Requeue(ctx, tx, outbox.TopicVerificationRequested, key, payload, now); err != nil {
			return err
		}
		return tx.First(&requeued, "submission_id = ? AND attempt_no = ?", submissionID, attemptNo).Error
	})
	if err != nil {
		return nil, err
	}
	return &requeued, nil
}

// AdminOverride force-settles a submission with the given verdict, bypassing
// claim tokens. The latest attempt records the override.
func (e *Engine) AdminOverride(ctx context.Context, submissionID uuid.UUID, verdict models.Verdict, reason string) error {
	switch verdict {
	case models.VerdictPass, models.VerdictFail, models.VerdictInconclusive:
	default:
		return fmt.Errorf("%w: verdict %q", ErrBadState, verdict)
	}
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.Verification
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("submission_id = ?", submissionID).
			Order("attempt_no DESC").
			First(&latest).Error; err != nil {
			return err
		}
		now := e.now()
		if err := tx.Model(&models.Verification{}).Where("id = ?", latest.ID).Updates(map[string]any{
			"status":      models.VerificationFinished,
			"verdict":     verdict,
			"reason":      reason,
			"finished_at": now,
		}).Error; err != nil {
			return err
		}
		var sub models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&sub, "id = ?", submissionID).Error; err != nil {
			return err
		}
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", sub.JobID).Error; err != nil {
			return err
		}
		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", job.BountyID).Error; err != nil {
			return err
		}
		if verdict == models.VerdictPass {
			return e.settlePass(tx, &sub, &job, &bounty, nil, now)
		}
		status := models.SubmissionFailed
		if verdict == models.VerdictInconclusive {
			status = models.SubmissionInconclusive
		}
		return e.settleFinal(tx, &sub, &job, status, verdict, nil, now)
	})
}

// PendingBacklog reports the count and oldest age of queued verifications,
// feeding admission control.
func (e *Engine) PendingBacklog(ctx context.Context) (int64, time.Duration, error) {
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Verification{}).
		Where("status IN ?", []models.VerificationStatus{models.VerificationQueued, models.VerificationInProgress}).
		Count(&count).Error
	if err != nil || count == 0 {
		return count, 0, err
	}
	var oldest models.Verification
	err = e.db.WithContext(ctx).
		Where("status IN ?", []models.VerificationStatus{models.VerificationQueued, models.VerificationInProgress}).
		Order("created_at ASC").
		First(&oldest).Error
	if err != nil {
		return count, 0, err
	}
	return count, e.now().Sub(oldest.CreatedAt), nil
}

// HandleVerificationRequested acknowledges verification.requested events.
// Verification work is pulled by external verifiers over the API; the event
// exists so the request survives crashes and feeds the backlog gauge.
func (e *Engine) HandleVerificationRequested(ctx context.Context, event models.OutboxEvent) error {
	var payload struct {
		SubmissionID string `json:"submissionId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return outbox.Terminal(fmt.Errorf("verification payload: %w", err))
	}
	var count int64
	err := e.db.WithContext(ctx).Model(&models.Verification{}).
		Where("submission_id = ?", payload.SubmissionID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return outbox.Terminal(fmt.Errorf("verification for unknown submission %s", payload.SubmissionID))
	}
	return nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
