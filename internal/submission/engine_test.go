package submission

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"proofwork/internal/jobs"
	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/internal/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	return db
}

type fixture struct {
	db     *gorm.DB
	engine *Engine
	worker *models.Worker
	bounty *models.Bounty
	job    *models.Job
	nonce  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testDB(t)
	worker := &models.Worker{ID: uuid.New(), Status: models.WorkerActive, RepAlpha: 2, RepBeta: 2}
	require.NoError(t, db.Create(worker).Error)
	bounty := &models.Bounty{
		ID:             uuid.New(),
		OrgID:          uuid.New(),
		Title:          "bounty",
		Status:         models.BountyPublished,
		PayoutCents:    1000,
		AllowedOrigins: `["https://shop.example"]`,
	}
	require.NoError(t, db.Create(bounty).Error)
	job := &models.Job{
		ID:               uuid.New(),
		BountyID:         bounty.ID,
		FingerprintClass: "default",
		Status:           models.JobOpen,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, db.Create(job).Error)

	leased, err := jobs.NewEngine(db, slog.Default()).
		Lease(context.Background(), job.ID, worker.ID, 20*time.Minute)
	require.NoError(t, err)

	return &fixture{
		db:     db,
		engine: NewEngine(db, slog.Default()),
		worker: worker,
		bounty: bounty,
		job:    leased,
		nonce:  leased.LeaseNonce,
	}
}

func manifest(observed string) []byte {
	return []byte(`{
		"manifestVersion": "v1.0",
		"finalUrl": "https://shop.example/product/42",
		"result": {
			"outcome": "mismatch",
			"severity": "medium",
			"expected": "$19.99",
			"observed": "` + observed + `",
			"reproConfidence": 0.9
		},
		"reproSteps": ["open product page", "read displayed price"]
	}`)
}

func TestSubmitCreatesSubmissionAndQueuesVerification(t *testing.T) {
	fix := newFixture(t)

	res, err := fix.engine.Submit(context.Background(), Request{
		JobID:          fix.job.ID,
		WorkerID:       fix.worker.ID,
		LeaseNonce:     fix.nonce,
		IdempotencyKey: "k1",
		Manifest:       manifest("$24.99"),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.False(t, res.Duplicate)
	require.Equal(t, models.SubmissionSubmitted, res.Submission.Status)
	require.NotNil(t, res.VerificationID)

	var job models.Job
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobVerifying, job.Status)
	require.NotNil(t, job.CurrentSubmissionID)
	require.Equal(t, res.Submission.ID, *job.CurrentSubmissionID)

	var event models.OutboxEvent
	require.NoError(t, fix.db.First(&event, "topic = ?", outbox.TopicVerificationRequested).Error)
	require.Contains(t, event.IdempotencyKey, res.Submission.ID.String())
}

func TestSubmitIdempotencyKeyReplay(t *testing.T) {
	fix := newFixture(t)
	req := Request{
		JobID:          fix.job.ID,
		WorkerID:       fix.worker.ID,
		LeaseNonce:     fix.nonce,
		IdempotencyKey: "ik-1",
		Manifest:       manifest("$24.99"),
	}

	first, err := fix.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	second, err := fix.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Submission.ID, second.Submission.ID)

	var count int64
	require.NoError(t, fix.db.Model(&models.Submission{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSubmitIdempotencyConflict(t *testing.T) {
	fix := newFixture(t)

	_, err := fix.engine.Submit(context.Background(), Request{
		JobID:          fix.job.ID,
		WorkerID:       fix.worker.ID,
		LeaseNonce:     fix.nonce,
		IdempotencyKey: "ik-1",
		Manifest:       manifest("$24.99"),
	})
	require.NoError(t, err)

	// Clear the pointer so the key lookup (not the job pointer) decides.
	require.NoError(t, fix.db.Model(&models.Job{}).Where("id = ?", fix.job.ID).
		Update("current_submission_id", nil).Error)

	_, err = fix.engine.Submit(context.Background(), Request{
		JobID:          fix.job.ID,
		WorkerID:       fix.worker.ID,
		LeaseNonce:     fix.nonce,
		IdempotencyKey: "ik-1",
		Manifest:       manifest("$29.99"),
	})
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestSubmitReplaySurvivesLeaseExpiry(t *testing.T) {
	fix := newFixture(t)
	req := Request{
		JobID:          fix.job.ID,
		WorkerID:       fix.worker.ID,
		LeaseNonce:     fix.nonce,
		IdempotencyKey: "ik-1",
		Manifest:       manifest("$24.99"),
	}
	first, err := fix.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	// The lease lapses between the original call and the retry.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, fix.db.Model(&models.Job{}).Where("id = ?", fix.job.ID).
		Update("lease_expires_at", past).Error)

	second, err := fix.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Submission.ID, second.Submission.ID)
}

func TestSubmitDuplicateFinding(t *testing.T) {
	fix := newFixture(t)

	// Another worker's proof of the same finding was already accepted.
	dedupe := DedupeKey(fix.bounty.ID, "$24.99")
	require.NoError(t, fix.db.Create(&models.AcceptedKey{
		BountyID:     fix.bounty.ID,
		DedupeKey:    dedupe,
		SubmissionID: uuid.New(),
		CreatedAt:    time.Now(),
	}).Error)

	res, err := fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   fix.worker.ID,
		LeaseNonce: fix.nonce,
		Manifest:   manifest("$24.99"),
	})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, models.SubmissionDuplicate, res.Submission.Status)

	var job models.Job
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobDone, job.Status)
	require.Equal(t, string(models.VerdictFail), job.FinalVerdict)

	// Duplicates never reach verification.
	var count int64
	require.NoError(t, fix.db.Model(&models.Verification{}).Count(&count).Error)
	require.Equal(t, int64(0), count)
}

func TestSubmitRejectsForeignOrigin(t *testing.T) {
	fix := newFixture(t)

	bad := []byte(`{
		"manifestVersion": "v1.0",
		"finalUrl": "https://evil.example/page",
		"result": {"outcome": "mismatch", "severity": "low", "expected": "a", "observed": "b", "reproConfidence": 1}
	}`)
	_, err := fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   fix.worker.ID,
		LeaseNonce: fix.nonce,
		Manifest:   bad,
	})
	require.ErrorIs(t, err, ErrInvalidOrigin)
}

func TestSubmitRejectsWrongNonceAndForeignWorker(t *testing.T) {
	fix := newFixture(t)

	_, err := fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   fix.worker.ID,
		LeaseNonce: "bogus",
		Manifest:   manifest("$24.99"),
	})
	require.ErrorIs(t, err, jobs.ErrNotOwner)

	_, err = fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   uuid.New(),
		LeaseNonce: fix.nonce,
		Manifest:   manifest("$24.99"),
	})
	require.ErrorIs(t, err, jobs.ErrNotOwner)

	// An omitted nonce is rejected the same way as a wrong one.
	_, err = fix.engine.Submit(context.Background(), Request{
		JobID:    fix.job.ID,
		WorkerID: fix.worker.ID,
		Manifest: manifest("$24.99"),
	})
	require.ErrorIs(t, err, jobs.ErrNotOwner)
}

func TestSubmitRejectsExpiredLeaseForFreshPack(t *testing.T) {
	fix := newFixture(t)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, fix.db.Model(&models.Job{}).Where("id = ?", fix.job.ID).
		Update("lease_expires_at", past).Error)

	_, err := fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   fix.worker.ID,
		LeaseNonce: fix.nonce,
		Manifest:   manifest("$24.99"),
	})
	require.ErrorIs(t, err, jobs.ErrLeaseExpired)
}

func TestSubmitRejectsStaleJob(t *testing.T) {
	fix := newFixture(t)
	td := []byte(`{"schema_version":"v1","type":"price_check","freshness_sla_sec":60,"output_spec":{"required_artifacts":[]}}`)
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, fix.db.Model(&models.Job{}).Where("id = ?", fix.job.ID).
		Updates(map[string]any{"task_descriptor": td, "created_at": old}).Error)

	_, err := fix.engine.Submit(context.Background(), Request{
		JobID:      fix.job.ID,
		WorkerID:   fix.worker.ID,
		LeaseNonce: fix.nonce,
		Manifest:   manifest("$24.99"),
	})
	require.ErrorIs(t, err, ErrStaleJob)
}
