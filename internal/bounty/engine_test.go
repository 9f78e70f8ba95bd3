package bounty

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"proofwork/internal/models"
	"proofwork/internal/storage"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open("sqlite", "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	return db
}

func testEngine(t *testing.T, db *gorm.DB, defaults Quotas) *Engine {
	t.Helper()
	return NewEngine(db, defaults, slog.Default())
}

func topUp(t *testing.T, db *gorm.DB, orgID uuid.UUID, cents int64) {
	t.Helper()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return Credit(tx, orgID, cents, "test_topup:"+uuid.NewString(), "admin_topup", "")
	}))
}

func balance(t *testing.T, db *gorm.DB, orgID uuid.UUID) int64 {
	t.Helper()
	var account models.BillingAccount
	require.NoError(t, db.First(&account, "org_id = ?", orgID).Error)
	return account.Balance
}

func TestPublishReservesBudgetAndFansOut(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{})
	orgID := uuid.New()
	topUp(t, db, orgID, 5000)

	draft, err := engine.Create(context.Background(), orgID, Draft{
		Title:              "price audit",
		PayoutCents:        1500,
		FingerprintClasses: []string{"chrome-win", "chrome-mac", "firefox-linux"},
	})
	require.NoError(t, err)

	published, err := engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)
	require.Equal(t, models.BountyPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	require.Equal(t, int64(500), balance(t, db, orgID))

	var jobs []models.Job
	require.NoError(t, db.Find(&jobs, "bounty_id = ?", draft.ID).Error)
	require.Len(t, jobs, 3)
	classes := map[string]bool{}
	for _, job := range jobs {
		require.Equal(t, models.JobOpen, job.Status)
		classes[job.FingerprintClass] = true
	}
	require.Len(t, classes, 3)

	var reservation models.BudgetReservation
	require.NoError(t, db.First(&reservation, "bounty_id = ?", draft.ID).Error)
	require.Equal(t, int64(4500), reservation.AmountCents)
	require.Equal(t, models.ReservationActive, reservation.Status)

	// Re-publish is idempotent: no double debit, no extra jobs.
	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance(t, db, orgID))
	var count int64
	require.NoError(t, db.Model(&models.Job{}).Where("bounty_id = ?", draft.ID).Count(&count).Error)
	require.Equal(t, int64(3), count)
}

func TestPublishInsufficientFunds(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{})
	orgID := uuid.New()
	topUp(t, db, orgID, 5000)

	first, err := engine.Create(context.Background(), orgID, Draft{
		Title:              "first",
		PayoutCents:        1500,
		FingerprintClasses: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	_, err = engine.Publish(context.Background(), orgID, first.ID)
	require.NoError(t, err)

	second, err := engine.Create(context.Background(), orgID, Draft{
		Title:       "second",
		PayoutCents: 4000,
	})
	require.NoError(t, err)
	_, err = engine.Publish(context.Background(), orgID, second.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Failed publish leaves the draft untouched and the balance intact.
	var row models.Bounty
	require.NoError(t, db.First(&row, "id = ?", second.ID).Error)
	require.Equal(t, models.BountyDraft, row.Status)
	require.Equal(t, int64(500), balance(t, db, orgID))
}

func TestPublishRequiresVerifiedOrigins(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{})
	orgID := uuid.New()
	topUp(t, db, orgID, 2000)

	draft, err := engine.Create(context.Background(), orgID, Draft{
		Title:          "needs origin",
		PayoutCents:    1000,
		AllowedOrigins: []string{"https://shop.example"},
	})
	require.NoError(t, err)

	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.ErrorIs(t, err, ErrOriginNotVerified)

	now := time.Now()
	require.NoError(t, db.Create(&models.Origin{
		ID:         uuid.New(),
		OrgID:      orgID,
		Origin:     "https://shop.example",
		Method:     models.OriginMethodDNS,
		Status:     models.OriginVerified,
		VerifiedAt: &now,
	}).Error)

	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)
}

func TestCloseReleasesUnspentReservation(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{})
	orgID := uuid.New()
	topUp(t, db, orgID, 5000)

	draft, err := engine.Create(context.Background(), orgID, Draft{
		Title:              "to close",
		PayoutCents:        1500,
		FingerprintClasses: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)

	// One job settled and paid before the close.
	require.NoError(t, db.Create(&models.Payout{
		ID:           uuid.New(),
		SubmissionID: uuid.New(),
		WorkerID:     uuid.New(),
		BountyID:     draft.ID,
		AmountCents:  1500,
		Status:       models.PayoutPaid,
	}).Error)

	require.NoError(t, engine.Close(context.Background(), orgID, draft.ID))

	// 500 remaining + (4500 reserved - 1500 paid) released.
	require.Equal(t, int64(3500), balance(t, db, orgID))

	var jobs []models.Job
	require.NoError(t, db.Find(&jobs, "bounty_id = ?", draft.ID).Error)
	for _, job := range jobs {
		require.Equal(t, models.JobExpired, job.Status)
	}
	var reservation models.BudgetReservation
	require.NoError(t, db.First(&reservation, "bounty_id = ?", draft.ID).Error)
	require.Equal(t, models.ReservationReleased, reservation.Status)

	// Closing again neither double-releases nor errors.
	require.NoError(t, engine.Close(context.Background(), orgID, draft.ID))
	require.Equal(t, int64(3500), balance(t, db, orgID))
}

func TestPauseAndRepublishKeepsJobs(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{})
	orgID := uuid.New()
	topUp(t, db, orgID, 2000)

	draft, err := engine.Create(context.Background(), orgID, Draft{Title: "pausable", PayoutCents: 1000})
	require.NoError(t, err)

	require.ErrorIs(t, engine.Pause(context.Background(), orgID, draft.ID), ErrBadState)

	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Pause(context.Background(), orgID, draft.ID))

	_, err = engine.Publish(context.Background(), orgID, draft.ID)
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.Job{}).Where("bounty_id = ?", draft.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.Equal(t, int64(1000), balance(t, db, orgID))
}

func TestPublishEnforcesSpendAndJobQuotas(t *testing.T) {
	db := testDB(t)
	engine := testEngine(t, db, Quotas{DailySpendLimitCents: 1000})
	orgID := uuid.New()
	topUp(t, db, orgID, 10_000)

	publish := func(title string, payout int64, classes []string) error {
		draft, err := engine.Create(context.Background(), orgID, Draft{
			Title:              title,
			PayoutCents:        payout,
			FingerprintClasses: classes,
		})
		require.NoError(t, err)
		_, err = engine.Publish(context.Background(), orgID, draft.ID)
		return err
	}

	require.NoError(t, publish("within", 600, nil))
	require.ErrorIs(t, publish("over", 600, nil), ErrDailySpendLimit)

	jobsEngine := testEngine(t, db, Quotas{MaxOpenJobs: 2})
	otherOrg := uuid.New()
	topUp(t, db, otherOrg, 10_000)
	draft, err := jobsEngine.Create(context.Background(), otherOrg, Draft{
		Title:              "too wide",
		PayoutCents:        100,
		FingerprintClasses: []string{"a", "b", "c"},
	})
	require.NoError(t, err)
	_, err = jobsEngine.Publish(context.Background(), otherOrg, draft.ID)
	require.ErrorIs(t, err, ErrMaxOpenJobs)
}

func TestCreditReplayIsIdempotent(t *testing.T) {
	db := testDB(t)
	orgID := uuid.New()
	for i := 0; i < 2; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return Credit(tx, orgID, 2500, "stripe_evt_abc", "webhook_topup", "")
		}))
	}
	require.Equal(t, int64(2500), balance(t, db, orgID))
}
