package verification

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

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

type verifyFixture struct {
	db     *gorm.DB
	engine *Engine
	now    *time.Time
	worker *models.Worker
	bounty *models.Bounty
	job    *models.Job
	sub    *models.Submission
}

func newVerifyFixture(t *testing.T, cfg Config) *verifyFixture {
	t.Helper()
	db := testDB(t)
	now := time.Now()
	engine := NewEngine(db, cfg, slog.Default()).
		WithClock(func() time.Time { return now })

	worker := &models.Worker{ID: uuid.New(), Status: models.WorkerActive, RepAlpha: 2, RepBeta: 2}
	require.NoError(t, db.Create(worker).Error)

	bounty := &models.Bounty{
		ID:          uuid.New(),
		OrgID:       uuid.New(),
		Title:       "bounty",
		Status:      models.BountyPublished,
		PayoutCents: 1500,
	}
	require.NoError(t, db.Create(bounty).Error)

	job := &models.Job{
		ID:               uuid.New(),
		BountyID:         bounty.ID,
		FingerprintClass: "default",
		Status:           models.JobVerifying,
		CreatedAt:        now,
	}
	require.NoError(t, db.Create(job).Error)

	sub := &models.Submission{
		ID:           uuid.New(),
		JobID:        job.ID,
		WorkerID:     worker.ID,
		Status:       models.SubmissionSubmitted,
		DedupeKey:    "dedupe-" + uuid.NewString(),
		PayoutStatus: models.PayoutMirrorNone,
		CreatedAt:    now,
	}
	require.NoError(t, db.Create(sub).Error)
	require.NoError(t, db.Create(&models.Verification{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		AttemptNo:    1,
		Status:       models.VerificationQueued,
		CreatedAt:    now,
	}).Error)

	return &verifyFixture{db: db, engine: engine, now: &now, worker: worker, bounty: bounty, job: job, sub: sub}
}

func (f *verifyFixture) claim(t *testing.T, attemptNo int) *models.Verification {
	t.Helper()
	row, err := f.engine.Claim(context.Background(), f.sub.ID, attemptNo, "verifier-1", 30*time.Minute)
	require.NoError(t, err)
	return row
}

func TestClaimMintsTokenAndClampsTTL(t *testing.T) {
	fix := newVerifyFixture(t, Config{})

	row, err := fix.engine.Claim(context.Background(), fix.sub.ID, 1, "verifier-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, models.VerificationInProgress, row.Status)
	require.NotEmpty(t, row.ClaimToken)
	require.Equal(t, "verifier-1", row.ClaimedBy)
	require.NotNil(t, row.ClaimExpiresAt)
	// A one-second TTL is raised to the floor.
	require.WithinDuration(t, fix.now.Add(time.Minute), *row.ClaimExpiresAt, time.Second)
}

func TestClaimIsExclusiveUntilExpiry(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	first := fix.claim(t, 1)

	_, err := fix.engine.Claim(context.Background(), fix.sub.ID, 1, "verifier-2", 30*time.Minute)
	require.ErrorIs(t, err, ErrClaimed)

	*fix.now = fix.now.Add(31 * time.Minute)
	second, err := fix.engine.Claim(context.Background(), fix.sub.ID, 1, "verifier-2", 30*time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, first.ClaimToken, second.ClaimToken)
	require.Equal(t, "verifier-2", second.ClaimedBy)
}

func TestVerdictPassSettlesEverything(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	claim := fix.claim(t, 1)

	finished, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID,
		AttemptNo:    1,
		ClaimToken:   claim.ClaimToken,
		Verdict:      models.VerdictPass,
		Reason:       "reproduced the mismatch",
		Scorecard:    &Scorecard{Reproducibility: 1, Evidence: 0.9, Accuracy: 1, Novelty: 0.5, Thoroughness: 0.8, QualityScore: 0.85},
	})
	require.NoError(t, err)
	require.Equal(t, models.VerificationFinished, finished.Status)
	require.Equal(t, string(models.VerdictPass), finished.Verdict)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.SubmissionAccepted, sub.Status)
	require.Equal(t, models.PayoutMirrorPending, sub.PayoutStatus)
	require.NotNil(t, sub.QualityScore)
	require.InDelta(t, 0.85, *sub.QualityScore, 1e-9)

	var job models.Job
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobDone, job.Status)
	require.Equal(t, string(models.VerdictPass), job.FinalVerdict)
	require.NotNil(t, job.DoneAt)

	var accepted models.AcceptedKey
	require.NoError(t, fix.db.First(&accepted,
		"bounty_id = ? AND dedupe_key = ?", fix.bounty.ID, fix.sub.DedupeKey).Error)
	require.Equal(t, fix.sub.ID, accepted.SubmissionID)

	var pay models.Payout
	require.NoError(t, fix.db.First(&pay, "submission_id = ?", fix.sub.ID).Error)
	require.Equal(t, models.PayoutPending, pay.Status)
	require.Equal(t, int64(1500), pay.AmountCents)

	var worker models.Worker
	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	require.Equal(t, float64(3), worker.RepAlpha)
	require.Equal(t, float64(2), worker.RepBeta)
}

func TestVerdictReplayIsIdempotent(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	claim := fix.claim(t, 1)
	req := VerdictRequest{
		SubmissionID: fix.sub.ID,
		AttemptNo:    1,
		ClaimToken:   claim.ClaimToken,
		Verdict:      models.VerdictPass,
	}

	first, err := fix.engine.Verdict(context.Background(), req)
	require.NoError(t, err)

	// Retried delivery returns the stored result and changes nothing.
	second, err := fix.engine.Verdict(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var payouts int64
	require.NoError(t, fix.db.Model(&models.Payout{}).
		Where("submission_id = ?", fix.sub.ID).Count(&payouts).Error)
	require.Equal(t, int64(1), payouts)

	var worker models.Worker
	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	require.Equal(t, float64(3), worker.RepAlpha)
}

func TestVerdictRequiresLiveClaim(t *testing.T) {
	fix := newVerifyFixture(t, Config{})

	// Not claimed yet.
	_, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: "x", Verdict: models.VerdictPass,
	})
	require.ErrorIs(t, err, ErrBadState)

	claim := fix.claim(t, 1)

	_, err = fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: "wrong", Verdict: models.VerdictPass,
	})
	require.ErrorIs(t, err, ErrClaimInvalid)

	*fix.now = fix.now.Add(31 * time.Minute)
	_, err = fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: claim.ClaimToken, Verdict: models.VerdictPass,
	})
	require.ErrorIs(t, err, ErrClaimExpired)
}

func TestVerdictRejectsBadInput(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	claim := fix.claim(t, 1)

	_, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: claim.ClaimToken, Verdict: "maybe",
	})
	require.ErrorIs(t, err, ErrBadState)

	_, err = fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: claim.ClaimToken,
		Verdict:   models.VerdictPass,
		Scorecard: &Scorecard{Reproducibility: 1.5},
	})
	require.ErrorIs(t, err, ErrBadScorecard)
}

func TestVerdictFailSettlesWithoutPayout(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	claim := fix.claim(t, 1)

	_, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID,
		AttemptNo:    1,
		ClaimToken:   claim.ClaimToken,
		Verdict:      models.VerdictFail,
		Reason:       "could not reproduce",
	})
	require.NoError(t, err)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.SubmissionFailed, sub.Status)

	var job models.Job
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobDone, job.Status)
	require.Equal(t, string(models.VerdictFail), job.FinalVerdict)

	var payouts int64
	require.NoError(t, fix.db.Model(&models.Payout{}).Count(&payouts).Error)
	require.Zero(t, payouts)

	var worker models.Worker
	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	require.Equal(t, float64(3), worker.RepBeta)
}

func TestInconclusiveRetriesUntilAttemptBudget(t *testing.T) {
	fix := newVerifyFixture(t, Config{MaxAttempts: 2})

	claim := fix.claim(t, 1)
	_, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: claim.ClaimToken,
		Verdict: models.VerdictInconclusive, Reason: "page kept timing out",
	})
	require.NoError(t, err)

	// A second attempt is queued and the job keeps verifying.
	var next models.Verification
	require.NoError(t, fix.db.First(&next,
		"submission_id = ? AND attempt_no = ?", fix.sub.ID, 2).Error)
	require.Equal(t, models.VerificationQueued, next.Status)

	var event models.OutboxEvent
	require.NoError(t, fix.db.First(&event,
		"topic = ? AND idempotency_key = ?",
		outbox.TopicVerificationRequested, "verification:"+fix.sub.ID.String()+":2").Error)

	var job models.Job
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobVerifying, job.Status)

	// The budget is spent on the second inconclusive.
	claim2 := fix.claim(t, 2)
	_, err = fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 2, ClaimToken: claim2.ClaimToken,
		Verdict: models.VerdictInconclusive,
	})
	require.NoError(t, err)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.SubmissionInconclusive, sub.Status)
	require.NoError(t, fix.db.First(&job, "id = ?", fix.job.ID).Error)
	require.Equal(t, models.JobDone, job.Status)
	require.Equal(t, string(models.VerdictInconclusive), job.FinalVerdict)
}

func TestAdminRequeueResetsStalledAttempt(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	fix.claim(t, 1)

	row, err := fix.engine.AdminRequeue(context.Background(), fix.sub.ID)
	require.NoError(t, err)
	require.Equal(t, 1, row.AttemptNo)
	require.Equal(t, models.VerificationQueued, row.Status)
	require.Empty(t, row.ClaimToken)
	require.Nil(t, row.ClaimExpiresAt)
}

func TestAdminRequeueMintsNextAttemptAfterFinish(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	claim := fix.claim(t, 1)
	_, err := fix.engine.Verdict(context.Background(), VerdictRequest{
		SubmissionID: fix.sub.ID, AttemptNo: 1, ClaimToken: claim.ClaimToken,
		Verdict: models.VerdictFail,
	})
	require.NoError(t, err)

	row, err := fix.engine.AdminRequeue(context.Background(), fix.sub.ID)
	require.NoError(t, err)
	require.Equal(t, 2, row.AttemptNo)
	require.Equal(t, models.VerificationQueued, row.Status)
}

func TestAdminOverrideBypassesClaims(t *testing.T) {
	fix := newVerifyFixture(t, Config{})

	require.NoError(t, fix.engine.AdminOverride(context.Background(), fix.sub.ID,
		models.VerdictPass, "manual spot check"))

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.SubmissionAccepted, sub.Status)

	var pay models.Payout
	require.NoError(t, fix.db.First(&pay, "submission_id = ?", fix.sub.ID).Error)
	require.Equal(t, models.PayoutPending, pay.Status)

	require.ErrorIs(t, fix.engine.AdminOverride(context.Background(), fix.sub.ID, "maybe", ""), ErrBadState)
}

func TestPendingBacklog(t *testing.T) {
	fix := newVerifyFixture(t, Config{})
	*fix.now = fix.now.Add(10 * time.Minute)

	count, age, err := fix.engine.PendingBacklog(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	require.InDelta(t, float64(10*time.Minute), float64(age), float64(time.Second))
}

func TestHandleVerificationRequested(t *testing.T) {
	fix := newVerifyFixture(t, Config{})

	good := models.OutboxEvent{Payload: []byte(`{"submissionId":"` + fix.sub.ID.String() + `"}`)}
	require.NoError(t, fix.engine.HandleVerificationRequested(context.Background(), good))

	unknown := models.OutboxEvent{Payload: []byte(`{"submissionId":"` + uuid.NewString() + `"}`)}
	require.Error(t, fix.engine.HandleVerificationRequested(context.Background(), unknown))
}
