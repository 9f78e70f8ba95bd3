// Package submission implements proof-pack intake with three layers of
// idempotency: the job's current-submission pointer, the caller's
// Idempotency-Key header, and the content-derived dedupe key that catches
// the same finding resubmitted across workers.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"proofwork/internal/artifact"
	"proofwork/internal/descriptor"
	"proofwork/internal/jobs"
	"proofwork/internal/models"
	"proofwork/internal/outbox"
)

var (
	// ErrIdempotencyConflict means the same key was replayed with a
	// different body.
	ErrIdempotencyConflict = errors.New("idempotency_conflict")
	// ErrStaleJob means the job aged past its freshness SLA.
	ErrStaleJob = errors.New("stale_job")
	// ErrInvalidOrigin means the manifest's finalUrl is outside the
	// bounty's allowed origins.
	ErrInvalidOrigin = errors.New("invalid_origin")
	// ErrBadState means the job cannot accept a submission right now.
	ErrBadState = errors.New("bad_state")
)

// Request is one submit call.
type Request struct {
	JobID          uuid.UUID
	WorkerID       uuid.UUID
	LeaseNonce     string
	IdempotencyKey string
	Manifest       []byte
	ArtifactIndex  []byte
	Notes          string
	ArtifactIDs    []uuid.UUID
}

// Result reports the stored submission and whether this call was a replay.
type Result struct {
	Submission     models.Submission
	VerificationID *uuid.UUID
	Replayed       bool
	Duplicate      bool
}

// Engine persists submissions and seeds the verification pipeline.
type Engine struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewEngine wires the submission engine.
func NewEngine(db *gorm.DB, log *slog.Logger) *Engine {
	return &Engine{db: db, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// RequestHash fingerprints the submit body for idempotency comparison.
func RequestHash(manifest, artifactIndex []byte, notes string) string {
	h := sha256.New()
	h.Write(manifest)
	h.Write(artifactIndex)
	h.Write([]byte(notes))
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey derives the content identity of a finding: same bounty, same
// observed text prefix, same key.
func DedupeKey(bountyID uuid.UUID, observed string) string {
	if len(observed) > 200 {
		observed = observed[:200]
	}
	sum := sha256.Sum256([]byte(bountyID.String() + "|" + observed))
	return hex.EncodeToString(sum[:])
}

// Submit records a proof pack for a leased job. Replays return the stored
// submission; genuinely new packs move the job to verifying and enqueue the
// first verification attempt.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	var result Result
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", req.JobID).Error; err != nil {
			return err
		}
		if job.LeaseWorkerID == nil || *job.LeaseWorkerID != req.WorkerID {
			return jobs.ErrNotOwner
		}
		// Fencing: every submit must carry the nonce issued at claim time.
		if req.LeaseNonce == "" || job.LeaseNonce != req.LeaseNonce {
			return jobs.ErrNotOwner
		}

		requestHash := RequestHash(req.Manifest, req.ArtifactIndex, req.Notes)
		now := e.now()

		// Replay path A: the job already carries this worker's submission.
		if job.CurrentSubmissionID != nil {
			var prior models.Submission
			if err := tx.First(&prior, "id = ?", *job.CurrentSubmissionID).Error; err != nil {
				return err
			}
			if prior.WorkerID != req.WorkerID {
				return jobs.ErrNotOwner
			}
			result = Result{Submission: prior, Replayed: true}
			result.VerificationID = e.latestVerificationID(tx, prior.ID)
			return nil
		}

		// Replay path B: same (job, worker, key) seen before.
		if req.IdempotencyKey != "" {
			var prior models.Submission
			err := tx.First(&prior, "job_id = ? AND worker_id = ? AND idempotency_key = ?",
				req.JobID, req.WorkerID, req.IdempotencyKey).Error
			if err == nil {
				if prior.RequestHash != requestHash {
					return ErrIdempotencyConflict
				}
				if err := artifact.AttachToSubmission(tx, prior.ID, req.WorkerID, req.JobID, req.ArtifactIDs); err != nil {
					return err
				}
				if err := e.ensureVerification(tx, prior.ID, 1, now); err != nil {
					return err
				}
				if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).
					Update("current_submission_id", prior.ID).Error; err != nil {
					return err
				}
				result = Result{Submission: prior, Replayed: true}
				result.VerificationID = e.latestVerificationID(tx, prior.ID)
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		// Fresh path only from here: lease and freshness now matter.
		if job.Status != models.JobClaimed {
			return fmt.Errorf("%w: job is %s", ErrBadState, job.Status)
		}
		if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
			return jobs.ErrLeaseExpired
		}
		if jobs.StaleJob(&job, now) {
			return ErrStaleJob
		}

		manifest, err := descriptor.ParseManifest(req.Manifest)
		if err != nil {
			return err
		}

		var bounty models.Bounty
		if err := tx.First(&bounty, "id = ?", job.BountyID).Error; err != nil {
			return err
		}
		if manifest.FinalURL != "" {
			if err := checkFinalURL(manifest.FinalURL, bounty.AllowedOrigins); err != nil {
				return err
			}
		}

		dedupeKey := DedupeKey(bounty.ID, manifest.Result.Observed)
		var accepted int64
		if err := tx.Model(&models.AcceptedKey{}).
			Where("bounty_id = ? AND dedupe_key = ?", bounty.ID, dedupeKey).
			Count(&accepted).Error; err != nil {
			return err
		}

		row := models.Submission{
			ID:             uuid.New(),
			JobID:          job.ID,
			WorkerID:       req.WorkerID,
			IdempotencyKey: req.IdempotencyKey,
			RequestHash:    requestHash,
			Manifest:       req.Manifest,
			ArtifactIndex:  req.ArtifactIndex,
			Notes:          req.Notes,
			DedupeKey:      dedupeKey,
			PayoutStatus:   models.PayoutMirrorNone,
			CreatedAt:      now,
		}

		if accepted > 0 {
			// A prior accepted proof already covers this finding.
			row.Status = models.SubmissionDuplicate
			row.FinalVerdict = string(models.VerdictFail)
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
				"status":                models.JobDone,
				"final_verdict":         models.VerdictFail,
				"current_submission_id": row.ID,
				"done_at":               now,
			}).Error; err != nil {
				return err
			}
			result = Result{Submission: row, Duplicate: true}
			return nil
		}

		row.Status = models.SubmissionSubmitted
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := artifact.AttachToSubmission(tx, row.ID, req.WorkerID, req.JobID, req.ArtifactIDs); err != nil {
			return err
		}
		if err := tx.Model(&models.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
			"status":                models.JobVerifying,
			"current_submission_id": row.ID,
		}).Error; err != nil {
			return err
		}
		if err := e.ensureVerification(tx, row.ID, 1, now); err != nil {
			return err
		}
		result = Result{Submission: row}
		result.VerificationID = e.latestVerificationID(tx, row.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ensureVerification creates the queued attempt row (idempotent on the
// unique (submission, attempt) index) and enqueues its outbox event.
func (e *Engine) ensureVerification(tx *gorm.DB, submissionID uuid.UUID, attemptNo int, now time.Time) error {
	row := models.Verification{
		ID:           uuid.New(),
		SubmissionID: submissionID,
		AttemptNo:    attemptNo,
		Status:       models.VerificationQueued,
		CreatedAt:    now,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}, {Name: "attempt_no"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return err
	}
	payload := map[string]string{"submissionId": submissionID.String()}
	key := fmt.Sprintf("verification:%s:%d", submissionID, attemptNo)
	return outbox.Enqueue(tx, outbox.TopicVerificationRequested, payload, now, key)
}

func (e *Engine) latestVerificationID(tx *gorm.DB, submissionID uuid.UUID) *uuid.UUID {
	var row models.Verification
	err := tx.Where("submission_id = ?", submissionID).
		Order("attempt_no DESC").
		First(&row).Error
	if err != nil {
		return nil
	}
	id := row.ID
	return &id
}

func checkFinalURL(finalURL, allowedOriginsJSON string) error {
	parsed, err := url.Parse(finalURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: unparseable finalUrl", ErrInvalidOrigin)
	}
	origins := decodeOrigins(allowedOriginsJSON)
	if len(origins) == 0 {
		return nil // bounty does not restrict origins
	}
	target := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	for _, origin := range origins {
		if strings.ToLower(strings.TrimRight(origin, "/")) == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidOrigin, target)
}

func decodeOrigins(encoded string) []string {
	var origins []string
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	// Stored as a JSON array at bounty create time.
	_ = json.Unmarshal([]byte(encoded), &origins)
	return origins
}

// MarkDuplicate retroactively flags a submission as a duplicate finding and
// cancels its pending payout. Paid submissions cannot be re-marked.
func (e *Engine) MarkDuplicate(ctx context.Context, submissionID uuid.UUID, reason string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Submission
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&sub, "id = ?", submissionID).Error; err != nil {
			return err
		}
		if sub.Status == models.SubmissionDuplicate {
			return nil
		}
		if sub.PayoutStatus == models.PayoutMirrorPaid {
			return fmt.Errorf("%w: submission already paid out", ErrBadState)
		}
		now := e.now()
		if err := tx.Model(&models.Submission{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"status":        models.SubmissionDuplicate,
			"final_verdict": models.VerdictFail,
			"payout_status": models.PayoutMirrorNone,
		}).Error; err != nil {
			return err
		}
		var payoutRow models.Payout
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&payoutRow, "submission_id = ? AND status = ?", sub.ID, models.PayoutPending).Error
		if err == nil {
			if err := tx.Model(&models.Payout{}).Where("id = ?", payoutRow.ID).Updates(map[string]any{
				"status":         models.PayoutRefunded,
				"blocked_reason": reason,
			}).Error; err != nil {
				return err
			}
			key := "payout:" + payoutRow.ID.String()
			if err := outbox.Release(ctx, tx, outbox.TopicPayoutRequested, key); err != nil {
				return err
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Model(&models.Verification{}).
			Where("submission_id = ? AND status <> ?", sub.ID, models.VerificationFinished).
			Updates(map[string]any{"status": models.VerificationFinished, "verdict": models.VerdictFail,
				"reason": reason, "finished_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Job{}).Where("id = ?", sub.JobID).Updates(map[string]any{
			"status":        models.JobDone,
			"final_verdict": models.VerdictFail,
			"done_at":       now,
		}).Error
	})
}
