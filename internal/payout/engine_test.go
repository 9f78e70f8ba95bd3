package payout

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

type payoutFixture struct {
	db     *gorm.DB
	engine *Engine
	now    time.Time
	org    *models.Org
	worker *models.Worker
	bounty *models.Bounty
	sub    *models.Submission
	row    *models.Payout
}

func newPayoutFixture(t *testing.T) *payoutFixture {
	t.Helper()
	db := testDB(t)
	now := time.Now()
	engine := NewEngine(db, MockProvider{}, 100, 2500, slog.Default()).
		WithClock(func() time.Time { return now })

	org := &models.Org{
		ID:             uuid.New(),
		Name:           "org-" + uuid.NewString(),
		PlatformFeeBps: 1000,
		FeeWallet:      "0x2222222222222222222222222222222222222222",
	}
	require.NoError(t, db.Create(org).Error)

	worker := &models.Worker{
		ID:            uuid.New(),
		Status:        models.WorkerActive,
		PayoutAddress: "0x1111111111111111111111111111111111111111",
		RepAlpha:      2,
		RepBeta:       2,
	}
	require.NoError(t, db.Create(worker).Error)

	bounty := &models.Bounty{
		ID:          uuid.New(),
		OrgID:       org.ID,
		Title:       "bounty",
		Status:      models.BountyPublished,
		PayoutCents: 2000,
	}
	require.NoError(t, db.Create(bounty).Error)

	sub := &models.Submission{
		ID:       uuid.New(),
		JobID:    uuid.New(),
		WorkerID: worker.ID,
		Status:   models.SubmissionAccepted,
	}
	require.NoError(t, db.Create(sub).Error)

	hold := now.Add(-time.Minute)
	row := &models.Payout{
		ID:           uuid.New(),
		SubmissionID: sub.ID,
		WorkerID:     worker.ID,
		BountyID:     bounty.ID,
		AmountCents:  2000,
		Status:       models.PayoutPending,
		HoldUntil:    &hold,
		CreatedAt:    now,
	}
	require.NoError(t, db.Create(row).Error)

	return &payoutFixture{db: db, engine: engine, now: now, org: org, worker: worker, bounty: bounty, sub: sub, row: row}
}

func payoutEvent(payoutID uuid.UUID) models.OutboxEvent {
	return models.OutboxEvent{
		ID:      uuid.New(),
		Topic:   outbox.TopicPayoutRequested,
		Payload: []byte(`{"payoutId":"` + payoutID.String() + `"}`),
	}
}

func reloadPayout(t *testing.T, db *gorm.DB, id uuid.UUID) models.Payout {
	t.Helper()
	var row models.Payout
	require.NoError(t, db.First(&row, "id = ?", id).Error)
	return row
}

func TestHandlePayoutRequestedPaysAndSplits(t *testing.T) {
	fix := newPayoutFixture(t)

	require.NoError(t, fix.engine.HandlePayoutRequested(context.Background(), payoutEvent(fix.row.ID)))

	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutPaid, row.Status)
	require.Equal(t, "mock", row.Provider)
	require.Equal(t, "mock-"+fix.row.ID.String(), row.ProviderRef)
	require.NotNil(t, row.PlatformFeeCents)
	require.Equal(t, int64(200), *row.PlatformFeeCents)
	require.Equal(t, int64(18), *row.ProofworkFeeCents)
	require.Equal(t, int64(1782), *row.NetAmountCents)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.PayoutMirrorPaid, sub.PayoutStatus)

	// Settlement confirmation is scheduled as a follow-up event.
	var confirm models.OutboxEvent
	require.NoError(t, fix.db.First(&confirm,
		"topic = ? AND idempotency_key = ?",
		outbox.TopicPayoutConfirmRequested, "payout-confirm:"+fix.row.ID.String()).Error)
}

func TestHandlePayoutRequestedCapsPlatformFee(t *testing.T) {
	fix := newPayoutFixture(t)
	require.NoError(t, fix.db.Model(&models.Org{}).Where("id = ?", fix.org.ID).
		Update("platform_fee_bps", 9000).Error)

	require.NoError(t, fix.engine.HandlePayoutRequested(context.Background(), payoutEvent(fix.row.ID)))

	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, 2500, *row.PlatformFeeBps)
	require.Equal(t, int64(500), *row.PlatformFeeCents)
}

func TestHandlePayoutRequestedHonorsHold(t *testing.T) {
	fix := newPayoutFixture(t)
	future := fix.now.Add(time.Hour)
	require.NoError(t, fix.db.Model(&models.Payout{}).Where("id = ?", fix.row.ID).
		Update("hold_until", future).Error)

	// Still inside the dispute window; the event must come back around.
	require.Error(t, fix.engine.HandlePayoutRequested(context.Background(), payoutEvent(fix.row.ID)))
	require.Equal(t, models.PayoutPending, reloadPayout(t, fix.db, fix.row.ID).Status)
}

func TestHandlePayoutRequestedBlocksOnMissingAddress(t *testing.T) {
	fix := newPayoutFixture(t)
	require.NoError(t, fix.db.Model(&models.Worker{}).Where("id = ?", fix.worker.ID).
		Update("payout_address", "").Error)

	require.NoError(t, fix.engine.HandlePayoutRequested(context.Background(), payoutEvent(fix.row.ID)))

	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutPending, row.Status)
	require.Equal(t, "worker_payout_address_missing", row.BlockedReason)
}

func TestSetWorkerAddressUnblocksPayouts(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()
	require.NoError(t, fix.db.Model(&models.Worker{}).Where("id = ?", fix.worker.ID).
		Update("payout_address", "").Error)
	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))

	_, err := fix.engine.IssueAddressChallenge(ctx, fix.worker.ID)
	require.NoError(t, err)
	var worker models.Worker
	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	require.NotEmpty(t, worker.AddressNonce)

	address, signature := signChallenge(t, fix.worker.ID, worker.AddressNonce)
	require.NoError(t, fix.engine.SetWorkerAddress(ctx, fix.worker.ID, address, signature))

	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	require.Equal(t, address, worker.PayoutAddress)
	require.Empty(t, worker.AddressNonce)

	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Empty(t, row.BlockedReason)

	var event models.OutboxEvent
	require.NoError(t, fix.db.First(&event,
		"topic = ? AND idempotency_key = ?",
		outbox.TopicPayoutRequested, "payout:"+fix.row.ID.String()).Error)

	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))
	require.Equal(t, models.PayoutPaid, reloadPayout(t, fix.db, fix.row.ID).Status)
}

func TestBlockedPayoutResumesThroughDispatcher(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()
	require.NoError(t, fix.db.Model(&models.Worker{}).Where("id = ?", fix.worker.ID).
		Update("payout_address", "").Error)

	key := "payout:" + fix.row.ID.String()
	require.NoError(t, fix.db.Transaction(func(tx *gorm.DB) error {
		payload := map[string]string{"payoutId": fix.row.ID.String()}
		return outbox.Enqueue(tx, outbox.TopicPayoutRequested, payload, fix.now.Add(-time.Second), key)
	}))

	d := outbox.NewDispatcher(fix.db, outbox.DispatcherConfig{}, slog.Default()).
		WithClock(func() time.Time { return fix.now })
	d.Register(outbox.TopicPayoutRequested, fix.engine.HandlePayoutRequested)

	// The missing address parks the payout; the dispatcher acks the event.
	n, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutPending, row.Status)
	require.Equal(t, "worker_payout_address_missing", row.BlockedReason)

	var event models.OutboxEvent
	require.NoError(t, fix.db.First(&event,
		"topic = ? AND idempotency_key = ?", outbox.TopicPayoutRequested, key).Error)
	require.Equal(t, models.OutboxSent, event.Status)

	// Setting the address must revive the acked event, not just clear the
	// blocked reason.
	_, err = fix.engine.IssueAddressChallenge(ctx, fix.worker.ID)
	require.NoError(t, err)
	var worker models.Worker
	require.NoError(t, fix.db.First(&worker, "id = ?", fix.worker.ID).Error)
	address, signature := signChallenge(t, fix.worker.ID, worker.AddressNonce)
	require.NoError(t, fix.engine.SetWorkerAddress(ctx, fix.worker.ID, address, signature))

	require.NoError(t, fix.db.First(&event,
		"topic = ? AND idempotency_key = ?", outbox.TopicPayoutRequested, key).Error)
	require.Equal(t, models.OutboxPending, event.Status)

	// The next dispatch pays out.
	n, err = d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.PayoutPaid, reloadPayout(t, fix.db, fix.row.ID).Status)
}

func TestSetWorkerAddressRejectsBadSignature(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()

	// No challenge issued yet.
	err := fix.engine.SetWorkerAddress(ctx, fix.worker.ID,
		"0x1111111111111111111111111111111111111111", "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = fix.engine.IssueAddressChallenge(ctx, fix.worker.ID)
	require.NoError(t, err)
	address, _ := signChallenge(t, fix.worker.ID, "wrong-nonce")
	err = fix.engine.SetWorkerAddress(ctx, fix.worker.ID, address, "deadbeef")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestOpenDisputeParksPayout(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()

	dispute, err := fix.engine.OpenDispute(ctx, fix.org.ID, fix.row.ID, "result looks fabricated")
	require.NoError(t, err)
	require.Equal(t, models.DisputeOpen, dispute.Status)

	// The payout event no-ops while the dispute is open.
	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))
	require.Equal(t, models.PayoutPending, reloadPayout(t, fix.db, fix.row.ID).Status)

	// Another org cannot see this payout.
	_, err = fix.engine.OpenDispute(ctx, uuid.New(), fix.row.ID, "nope")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestOpenDisputeRejectsPaidPayout(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()
	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))

	_, err := fix.engine.OpenDispute(ctx, fix.org.ID, fix.row.ID, "too late")
	require.ErrorIs(t, err, ErrAlreadyPaid)
}

func TestResolveDisputeRefund(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()
	dispute, err := fix.engine.OpenDispute(ctx, fix.org.ID, fix.row.ID, "bad proof")
	require.NoError(t, err)

	require.NoError(t, fix.engine.ResolveDispute(ctx, dispute.ID, true, "evidence did not hold up"))

	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutRefunded, row.Status)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.PayoutMirrorReversed, sub.PayoutStatus)

	var resolved models.Dispute
	require.NoError(t, fix.db.First(&resolved, "id = ?", dispute.ID).Error)
	require.Equal(t, models.DisputeRefunded, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	// A refunded payout never settles, even if the event fires again.
	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))
	require.Equal(t, models.PayoutRefunded, reloadPayout(t, fix.db, fix.row.ID).Status)

	// Double resolution is rejected.
	require.ErrorIs(t, fix.engine.ResolveDispute(ctx, dispute.ID, true, "again"), ErrBadState)
}

func TestResolveDisputeUpheldLetsPayoutProceed(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()
	dispute, err := fix.engine.OpenDispute(ctx, fix.org.ID, fix.row.ID, "spot check")
	require.NoError(t, err)

	require.NoError(t, fix.engine.ResolveDispute(ctx, dispute.ID, false, "submission verified manually"))

	var resolved models.Dispute
	require.NoError(t, fix.db.First(&resolved, "id = ?", dispute.ID).Error)
	require.Equal(t, models.DisputeUpheld, resolved.Status)

	require.NoError(t, fix.engine.HandlePayoutRequested(ctx, payoutEvent(fix.row.ID)))
	require.Equal(t, models.PayoutPaid, reloadPayout(t, fix.db, fix.row.ID).Status)
}

func TestAdminRetryRequeuesFailedPayout(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, fix.engine.AdminRetry(ctx, fix.row.ID), ErrBadState)

	require.NoError(t, fix.db.Model(&models.Payout{}).Where("id = ?", fix.row.ID).
		Updates(map[string]any{"status": models.PayoutFailed, "provider_ref": "old-ref"}).Error)

	require.NoError(t, fix.engine.AdminRetry(ctx, fix.row.ID))
	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutPending, row.Status)
	require.Empty(t, row.ProviderRef)

	var event models.OutboxEvent
	require.NoError(t, fix.db.First(&event,
		"topic = ? AND idempotency_key = ?",
		outbox.TopicPayoutRequested, "payout:"+fix.row.ID.String()).Error)
}

func TestAdminMarkForcesStatus(t *testing.T) {
	fix := newPayoutFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, fix.engine.AdminMark(ctx, fix.row.ID, models.PayoutPending, "", "", ""), ErrBadState)

	require.NoError(t, fix.engine.AdminMark(ctx, fix.row.ID, models.PayoutPaid, "wire", "wire-123", ""))
	row := reloadPayout(t, fix.db, fix.row.ID)
	require.Equal(t, models.PayoutPaid, row.Status)
	require.Equal(t, "wire", row.Provider)
	require.Equal(t, "wire-123", row.ProviderRef)

	var sub models.Submission
	require.NoError(t, fix.db.First(&sub, "id = ?", fix.sub.ID).Error)
	require.Equal(t, models.PayoutMirrorPaid, sub.PayoutStatus)
}

func TestCreateOnPassIsIdempotent(t *testing.T) {
	fix := newPayoutFixture(t)
	require.NoError(t, fix.db.Where("id = ?", fix.row.ID).Delete(&models.Payout{}).Error)
	fix.bounty.DisputeWindowSec = 3600
	now := time.Now()

	job := &models.Job{ID: fix.sub.JobID, BountyID: fix.bounty.ID}
	for i := 0; i < 2; i++ {
		require.NoError(t, fix.db.Transaction(func(tx *gorm.DB) error {
			return CreateOnPass(tx, fix.sub, job, fix.bounty, now)
		}))
	}

	var rows []models.Payout
	require.NoError(t, fix.db.Find(&rows, "submission_id = ?", fix.sub.ID).Error)
	require.Len(t, rows, 1)
	require.Equal(t, models.PayoutPending, rows[0].Status)
	require.Equal(t, int64(2000), rows[0].AmountCents)
	require.NotNil(t, rows[0].HoldUntil)
	require.WithinDuration(t, now.Add(time.Hour), *rows[0].HoldUntil, time.Second)

	var events []models.OutboxEvent
	require.NoError(t, fix.db.Find(&events,
		"topic = ? AND idempotency_key = ?",
		outbox.TopicPayoutRequested, "payout:"+rows[0].ID.String()).Error)
	require.Len(t, events, 1)
	require.WithinDuration(t, now.Add(time.Hour), events[0].AvailableAt, time.Second)
}
