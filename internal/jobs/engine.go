// Package jobs implements claim selection and the lease state machine. A
// lease is a TTL-bounded exclusive hold fenced by a random nonce; every
// lease-sensitive action must present the nonce it was given at claim time.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/descriptor"
	"proofwork/internal/models"
	"proofwork/internal/storage"
)

var (
	// ErrNotAvailable means the job was taken (or never claimable) by the
	// time the UPDATE ran.
	ErrNotAvailable = errors.New("not_available")
	// ErrAlreadyClaimed means this worker already holds a live job.
	ErrAlreadyClaimed = errors.New("already_claimed")
	// ErrLeaseExpired means the worker's hold on the job lapsed.
	ErrLeaseExpired = errors.New("lease_expired")
	// ErrNotOwner means the caller's worker id or lease nonce did not match.
	ErrNotOwner = errors.New("not_owner")
)

const (
	candidateLimit = 50
	recentWindow   = 100

	minLeaseTTL     = time.Minute
	maxLeaseTTL     = 2 * time.Hour
	defaultLeaseTTL = 20 * time.Minute
)

// Filters narrows the claimable set on behalf of a polling worker.
type Filters struct {
	TaskType                string
	MinPayoutCents          int64
	CapabilityTag           string
	SupportedCapabilityTags []string
	ExcludeJobIDs           []uuid.UUID
}

// Candidate is a claimable job with its bounty context and claim score.
type Candidate struct {
	Job        models.Job
	Bounty     models.Bounty
	Descriptor *descriptor.TaskDescriptor
	Score      float64
}

// Engine selects and leases jobs.
type Engine struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// NewEngine wires the claim engine.
func NewEngine(db *gorm.DB, log *slog.Logger) *Engine {
	return &Engine{db: db, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type candidateRow struct {
	models.Job
	BountyTitle       string
	BountyOrgID       uuid.UUID
	BountyPayout      int64
	BountyPriority    int
	BountyOrigins     string
	BountyDescriptor  []byte
	BountyDisputeSec  int
	BountyTagsEncoded string
}

// FindClaimable scores the candidate set and returns the best job for this
// worker, or nil when nothing qualifies.
func (e *Engine) FindClaimable(ctx context.Context, worker *models.Worker, filters Filters) (*Candidate, error) {
	now := e.now()
	query := e.db.WithContext(ctx).Model(&models.Job{}).
		Select(`jobs.*,
			bounties.title AS bounty_title,
			bounties.org_id AS bounty_org_id,
			bounties.payout_cents AS bounty_payout,
			bounties.priority AS bounty_priority,
			bounties.allowed_origins AS bounty_origins,
			bounties.task_descriptor AS bounty_descriptor,
			bounties.dispute_window_sec AS bounty_dispute_sec,
			bounties.tags AS bounty_tags_encoded`).
		Joins("JOIN bounties ON bounties.id = jobs.bounty_id").
		Where("bounties.status = ?", models.BountyPublished).
		Where("jobs.status IN ? OR (jobs.status = ? AND jobs.lease_expires_at < ?)",
			[]models.JobStatus{models.JobOpen, models.JobExpired}, models.JobClaimed, now).
		Order("bounties.priority DESC").
		Order("bounties.payout_cents DESC").
		Order("jobs.created_at ASC").
		Limit(candidateLimit)
	if filters.MinPayoutCents > 0 {
		query = query.Where("bounties.payout_cents >= ?", filters.MinPayoutCents)
	}
	if len(filters.ExcludeJobIDs) > 0 {
		query = query.Where("jobs.id NOT IN ?", filters.ExcludeJobIDs)
	}

	var rows []candidateRow
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	reputation := worker.RepAlpha / (worker.RepAlpha + worker.RepBeta)
	duplicateRate, err := e.duplicateRate(ctx, worker.ID)
	if err != nil {
		return nil, err
	}
	supported, browserDisabled := workerTags(worker, filters.SupportedCapabilityTags)

	var best *Candidate
	for i := range rows {
		row := &rows[i]
		raw := row.TaskDescriptor
		if len(raw) == 0 {
			raw = row.BountyDescriptor
		}
		td, err := descriptor.Parse(raw)
		if err != nil {
			continue // malformed snapshot is never claimable
		}
		if !matchesFilters(td, filters) {
			continue
		}
		if !capabilitiesSatisfied(td, supported, browserDisabled) {
			continue
		}
		if stale(td, row.CreatedAt, now) {
			continue
		}
		verified, err := e.originsVerified(ctx, row.BountyOrgID, row.BountyOrigins)
		if err != nil {
			return nil, err
		}
		if !verified {
			continue
		}
		score := claimScore(row.BountyPriority, row.BountyPayout, td, reputation, duplicateRate)
		if best == nil || score > best.Score {
			best = &Candidate{
				Job:        row.Job,
				Descriptor: td,
				Score:      score,
				Bounty: models.Bounty{
					ID:               row.BountyID,
					OrgID:            row.BountyOrgID,
					Title:            row.BountyTitle,
					PayoutCents:      row.BountyPayout,
					Priority:         row.BountyPriority,
					AllowedOrigins:   row.BountyOrigins,
					DisputeWindowSec: row.BountyDisputeSec,
					Tags:             row.BountyTagsEncoded,
				},
			}
		}
	}
	return best, nil
}

func matchesFilters(td *descriptor.TaskDescriptor, filters Filters) bool {
	if filters.TaskType != "" {
		if td == nil || td.Type != filters.TaskType {
			return false
		}
	}
	if filters.CapabilityTag != "" {
		if td == nil {
			return false
		}
		found := false
		for _, tag := range td.CapabilityTags {
			if tag == filters.CapabilityTag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// capabilitiesSatisfied requires the job's tags to be a subset of the
// worker's. Jobs without a descriptor predate capability tags and assume a
// browser, so they stay claimable unless the worker disabled browser work.
func capabilitiesSatisfied(td *descriptor.TaskDescriptor, supported map[string]bool, browserDisabled bool) bool {
	if td == nil || len(td.CapabilityTags) == 0 {
		return !browserDisabled
	}
	for _, tag := range td.CapabilityTags {
		if !supported[tag] {
			return false
		}
	}
	return true
}

func stale(td *descriptor.TaskDescriptor, createdAt, now time.Time) bool {
	if td == nil || td.FreshnessSLA <= 0 {
		return false
	}
	return now.Sub(createdAt) > time.Duration(td.FreshnessSLA)*time.Second
}

// StaleJob reports whether a job has aged past its freshness SLA.
func StaleJob(job *models.Job, now time.Time) bool {
	td, err := descriptor.Parse(job.TaskDescriptor)
	if err != nil {
		return false
	}
	return stale(td, job.CreatedAt, now)
}

func claimScore(priority int, payoutCents int64, td *descriptor.TaskDescriptor, reputation, duplicateRate float64) float64 {
	complexity := 1.0
	if td != nil && len(td.CapabilityTags) > 1 {
		complexity = float64(len(td.CapabilityTags))
	}
	return float64(priority)*100_000 +
		float64(payoutCents) -
		complexity*(1-reputation)*500 -
		float64(payoutCents)*duplicateRate*0.2
}

func (e *Engine) duplicateRate(ctx context.Context, workerID uuid.UUID) (float64, error) {
	var statuses []models.SubmissionStatus
	err := e.db.WithContext(ctx).Model(&models.Submission{}).
		Where("worker_id = ?", workerID).
		Order("created_at DESC").
		Limit(recentWindow).
		Pluck("status", &statuses).Error
	if err != nil || len(statuses) == 0 {
		return 0, err
	}
	duplicates := 0
	for _, status := range statuses {
		if status == models.SubmissionDuplicate {
			duplicates++
		}
	}
	return float64(duplicates) / float64(len(statuses)), nil
}

func (e *Engine) originsVerified(ctx context.Context, orgID uuid.UUID, encoded string) (bool, error) {
	var origins []string
	if encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &origins); err != nil {
			return false, nil
		}
	}
	for _, origin := range origins {
		var count int64
		err := e.db.WithContext(ctx).Model(&models.Origin{}).
			Where("org_id = ? AND origin = ? AND status = ?", orgID, origin, models.OriginVerified).
			Count(&count).Error
		if err != nil {
			return false, err
		}
		if count == 0 {
			return false, nil
		}
	}
	return true, nil
}

func workerTags(worker *models.Worker, extra []string) (map[string]bool, bool) {
	supported := map[string]bool{}
	browserDisabled := false
	if len(worker.Capabilities) > 0 {
		var caps map[string]bool
		if err := json.Unmarshal(worker.Capabilities, &caps); err == nil {
			for tag, enabled := range caps {
				if enabled {
					supported[tag] = true
				} else if tag == "browser" {
					browserDisabled = true
				}
			}
		}
	}
	for _, tag := range extra {
		supported[tag] = true
	}
	return supported, browserDisabled
}

// Lease claims a job for a worker. The per-worker advisory lock serializes
// the single-active-job check against concurrent claims from the same
// worker's other connections.
func (e *Engine) Lease(ctx context.Context, jobID, workerID uuid.UUID, ttl time.Duration) (*models.Job, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	ttl = min(max(ttl, minLeaseTTL), maxLeaseTTL)

	var leased models.Job
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unlock, err := storage.WithAdvisoryLock(tx, "worker-lease:"+workerID.String())
		if err != nil {
			return err
		}
		defer unlock()

		now := e.now()
		var active int64
		err = tx.Model(&models.Job{}).
			Where("lease_worker_id = ?", workerID).
			Where("status IN ? OR (status = ? AND lease_expires_at > ?)",
				[]models.JobStatus{models.JobSubmitted, models.JobVerifying}, models.JobClaimed, now).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrAlreadyClaimed
		}

		nonce, err := newNonce()
		if err != nil {
			return err
		}
		expires := now.Add(ttl)
		res := tx.Model(&models.Job{}).
			Where("id = ? AND (status IN ? OR (status = ? AND lease_expires_at < ?))",
				jobID, []models.JobStatus{models.JobOpen, models.JobExpired}, models.JobClaimed, now).
			Updates(map[string]any{
				"status":           models.JobClaimed,
				"lease_worker_id":  workerID,
				"lease_expires_at": expires,
				"lease_nonce":      nonce,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotAvailable
		}
		return tx.First(&leased, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &leased, nil
}

// Release returns a claimed job to the open pool. Both the worker id and the
// fencing nonce must match the current lease.
func (e *Engine) Release(ctx context.Context, jobID, workerID uuid.UUID, leaseNonce string) error {
	res := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND lease_worker_id = ? AND lease_nonce = ?",
			jobID, models.JobClaimed, workerID, leaseNonce).
		Updates(map[string]any{
			"status":           models.JobOpen,
			"lease_worker_id":  nil,
			"lease_expires_at": nil,
			"lease_nonce":      "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotOwner
	}
	return nil
}

// HeldBy checks that the worker still holds an unexpired lease with the
// given nonce, distinguishing ownership failures from expiry. The nonce is
// mandatory; an empty nonce never matches a live lease.
func (e *Engine) HeldBy(job *models.Job, workerID uuid.UUID, leaseNonce string, now time.Time) error {
	if job.Status != models.JobClaimed || job.LeaseWorkerID == nil || *job.LeaseWorkerID != workerID {
		return ErrNotOwner
	}
	if leaseNonce == "" || job.LeaseNonce != leaseNonce {
		return ErrNotOwner
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return ErrLeaseExpired
	}
	return nil
}

// ReapExpired flips claimed jobs with lapsed leases to expired. Expired jobs
// re-enter the claim query; the previous holder sees lease_expired on its
// next action.
func (e *Engine) ReapExpired(ctx context.Context) (int64, error) {
	res := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND lease_expires_at < ?", models.JobClaimed, e.now()).
		Update("status", models.JobExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		e.log.Info("reaped expired leases", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
