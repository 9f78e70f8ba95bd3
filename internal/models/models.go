package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OriginStatus tracks the out-of-band ownership proof for an origin.
type OriginStatus string

const (
	OriginUnverified OriginStatus = "unverified"
	OriginPending    OriginStatus = "pending"
	OriginVerified   OriginStatus = "verified"
	OriginFailed     OriginStatus = "failed"
	OriginRevoked    OriginStatus = "revoked"
)

// OriginMethod selects how ownership of an origin is proven.
type OriginMethod string

const (
	OriginMethodDNS    OriginMethod = "dns_txt"
	OriginMethodFile   OriginMethod = "http_file"
	OriginMethodHeader OriginMethod = "http_header"
)

// BountyStatus is a state in the bounty lifecycle.
type BountyStatus string

const (
	BountyDraft     BountyStatus = "draft"
	BountyPublished BountyStatus = "published"
	BountyPaused    BountyStatus = "paused"
	BountyClosed    BountyStatus = "closed"
)

// JobStatus is a state in the job lifecycle.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobClaimed   JobStatus = "claimed"
	JobSubmitted JobStatus = "submitted"
	JobVerifying JobStatus = "verifying"
	JobDone      JobStatus = "done"
	JobExpired   JobStatus = "expired"
)

// SubmissionStatus is a state in the submission lifecycle.
type SubmissionStatus string

const (
	SubmissionSubmitted    SubmissionStatus = "submitted"
	SubmissionDuplicate    SubmissionStatus = "duplicate"
	SubmissionAccepted     SubmissionStatus = "accepted"
	SubmissionFailed       SubmissionStatus = "failed"
	SubmissionInconclusive SubmissionStatus = "inconclusive"
)

// PayoutMirror mirrors payout progress onto the submission row.
type PayoutMirror string

const (
	PayoutMirrorNone     PayoutMirror = "none"
	PayoutMirrorPending  PayoutMirror = "pending"
	PayoutMirrorPaid     PayoutMirror = "paid"
	PayoutMirrorFailed   PayoutMirror = "failed"
	PayoutMirrorReversed PayoutMirror = "reversed"
)

// VerificationStatus is a state in the verification lifecycle.
type VerificationStatus string

const (
	VerificationQueued     VerificationStatus = "queued"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationFinished   VerificationStatus = "finished"
)

// Verdict is the outcome of a verification attempt.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// ArtifactStatus is a state in the artifact pipeline.
type ArtifactStatus string

const (
	ArtifactPresigned  ArtifactStatus = "presigned"
	ArtifactUploaded   ArtifactStatus = "uploaded"
	ArtifactScanned    ArtifactStatus = "scanned"
	ArtifactBlocked    ArtifactStatus = "blocked"
	ArtifactAccepted   ArtifactStatus = "accepted"
	ArtifactDeleted    ArtifactStatus = "deleted"
	ArtifactScanFailed ArtifactStatus = "scan_failed"
)

// BucketKind names the object-store bucket an artifact currently lives in.
type BucketKind string

const (
	BucketStaging    BucketKind = "staging"
	BucketClean      BucketKind = "clean"
	BucketQuarantine BucketKind = "quarantine"
)

// PayoutStatus is a state in the payout lifecycle.
type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "pending"
	PayoutPaid     PayoutStatus = "paid"
	PayoutFailed   PayoutStatus = "failed"
	PayoutRefunded PayoutStatus = "refunded"
)

// OutboxStatus is a state of a durable outbox event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxSent       OutboxStatus = "sent"
	OutboxDeadletter OutboxStatus = "deadletter"
)

// WorkerStatus flags whether a worker may participate.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerBanned WorkerStatus = "banned"
)

// DisputeStatus is a state in the dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeRefunded DisputeStatus = "refunded"
	DisputeUpheld   DisputeStatus = "upheld"
)

// Org is a buyer organization.
type Org struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"uniqueIndex;size:128"`
	PlatformFeeBps   int       `gorm:"not null;default:0"`
	FeeWallet        string    `gorm:"size:64"`
	APIKeyPrefix     string    `gorm:"uniqueIndex;size:16"`
	APIKeyDigest     string    `gorm:"size:64"`
	Email            string    `gorm:"size:255;index"`
	CORSAllowOrigins string    `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrgQuota stores configurable spend and open-job limits for an org.
type OrgQuota struct {
	OrgID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	DailySpendLimitCents   int64     `gorm:"not null;default:0"`
	MonthlySpendLimitCents int64     `gorm:"not null;default:0"`
	MaxOpenJobs            int       `gorm:"not null;default:0"`
	UpdatedAt              time.Time
}

// BillingAccount holds an org's prepaid balance in cents.
type BillingAccount struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID     uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BillingEvent is an append-only balance delta with a deterministic key.
type BillingEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID   uuid.UUID `gorm:"type:uuid;index"`
	EventKey    string    `gorm:"uniqueIndex;size:128"`
	Kind        string    `gorm:"size:48;index"`
	AmountCents int64     `gorm:"not null"`
	Detail      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

// BudgetReservation earmarks buyer funds for a published bounty.
type BudgetReservation struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	BountyID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	AccountID   uuid.UUID `gorm:"type:uuid;index"`
	AmountCents int64     `gorm:"not null"`
	Status      string    `gorm:"size:16;index"` // active | released
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	ReservationActive   = "active"
	ReservationReleased = "released"
)

// Origin is a buyer-owned origin awaiting or holding ownership proof.
type Origin struct {
	ID            uuid.UUID    `gorm:"type:uuid;primaryKey"`
	OrgID         uuid.UUID    `gorm:"type:uuid;index"`
	Origin        string       `gorm:"size:255;index"`
	Method        OriginMethod `gorm:"size:16"`
	Token         string       `gorm:"size:64"`
	Status        OriginStatus `gorm:"size:16;index"`
	VerifiedAt    *time.Time
	FailureReason string `gorm:"size:255"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bounty is a buyer's declarative task template.
type Bounty struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primaryKey"`
	OrgID              uuid.UUID    `gorm:"type:uuid;index"`
	Title              string       `gorm:"size:255"`
	Description        string       `gorm:"type:text"`
	Status             BountyStatus `gorm:"size:16;index"`
	AllowedOrigins     string       `gorm:"type:text"` // JSON array
	Journey            string       `gorm:"type:text"` // JSON blob
	TaskDescriptor     []byte       `gorm:"type:jsonb"`
	PayoutCents        int64        `gorm:"not null"`
	RequiredProofs     int          `gorm:"not null;default:1"`
	FingerprintClasses string       `gorm:"type:text"` // JSON array
	Priority           int          `gorm:"not null;default:0;index"`
	DisputeWindowSec   int          `gorm:"not null;default:0"`
	Tags               string       `gorm:"type:text"` // JSON array
	PublishedAt        *time.Time
	ClosedAt           *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Job is a single leasable unit fanned out from a bounty.
type Job struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BountyID            uuid.UUID  `gorm:"type:uuid;index"`
	FingerprintClass    string     `gorm:"size:64;index"`
	Status              JobStatus  `gorm:"size:16;index"`
	LeaseWorkerID       *uuid.UUID `gorm:"type:uuid;index"`
	LeaseExpiresAt      *time.Time
	LeaseNonce          string     `gorm:"size:64"`
	CurrentSubmissionID *uuid.UUID `gorm:"type:uuid"`
	FinalVerdict        string     `gorm:"size:16"`
	FinalQualityScore   *float64
	DoneAt              *time.Time
	TaskDescriptor      []byte    `gorm:"type:jsonb"` // frozen snapshot at publish
	CreatedAt           time.Time `gorm:"index"`
	UpdatedAt           time.Time
}

// Worker is an anonymous task executor identified by a bearer token digest.
type Worker struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey"`
	DisplayName      string       `gorm:"size:128"`
	Status           WorkerStatus `gorm:"size:16;index"`
	Capabilities     []byte       `gorm:"type:jsonb"`
	KeyPrefix        string       `gorm:"uniqueIndex;size:16"`
	TokenDigest      string       `gorm:"size:64"`
	LegacyDigest     bool         `gorm:"not null;default:false"`
	RateLimitedUntil *time.Time
	PayoutAddress    string  `gorm:"size:64"`
	AddressNonce     string  `gorm:"size:64"`
	RepAlpha         float64 `gorm:"not null;default:2"`
	RepBeta          float64 `gorm:"not null;default:2"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Submission is a worker's proof pack for one job.
type Submission struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey"`
	JobID          uuid.UUID        `gorm:"type:uuid;index;uniqueIndex:idx_submission_idem,priority:1"`
	WorkerID       uuid.UUID        `gorm:"type:uuid;index;uniqueIndex:idx_submission_idem,priority:2"`
	IdempotencyKey string           `gorm:"size:128;uniqueIndex:idx_submission_idem,priority:3"`
	RequestHash    string           `gorm:"size:64"`
	Manifest       []byte           `gorm:"type:jsonb"`
	ArtifactIndex  []byte           `gorm:"type:jsonb"`
	Notes          string           `gorm:"type:text"`
	Status         SubmissionStatus `gorm:"size:16;index"`
	DedupeKey      string           `gorm:"size:64;index"`
	FinalVerdict   string           `gorm:"size:16"`
	QualityScore   *float64
	PayoutStatus   PayoutMirror `gorm:"size:16;default:none"`
	CreatedAt      time.Time    `gorm:"index"`
	UpdatedAt      time.Time
}

// AcceptedKey registers the dedupe key of an accepted submission per bounty.
type AcceptedKey struct {
	BountyID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	DedupeKey    string    `gorm:"primaryKey;size:64"`
	SubmissionID uuid.UUID `gorm:"type:uuid"`
	CreatedAt    time.Time
}

// Verification is one attempt at independently checking a submission.
type Verification struct {
	ID             uuid.UUID          `gorm:"type:uuid;primaryKey"`
	SubmissionID   uuid.UUID          `gorm:"type:uuid;index;uniqueIndex:idx_verification_attempt,priority:1"`
	AttemptNo      int                `gorm:"not null;uniqueIndex:idx_verification_attempt,priority:2"`
	Status         VerificationStatus `gorm:"size:16;index"`
	ClaimToken     string             `gorm:"size:64"`
	ClaimedBy      string             `gorm:"size:128"`
	ClaimExpiresAt *time.Time
	Verdict        string    `gorm:"size:16"`
	Reason         string    `gorm:"size:512"`
	Scorecard      []byte    `gorm:"type:jsonb"`
	Evidence       []byte    `gorm:"type:jsonb"`
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// Artifact is an uploaded evidence object moving through the scan pipeline.
type Artifact struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SubmissionID   *uuid.UUID `gorm:"type:uuid;index"`
	JobID          *uuid.UUID `gorm:"type:uuid;index"`
	WorkerID       *uuid.UUID `gorm:"type:uuid;index"`
	Kind           string     `gorm:"size:32"`
	Label          string     `gorm:"size:255"`
	SHA256         string     `gorm:"size:64"`
	StorageKey     string     `gorm:"size:512"`
	ContentType    string     `gorm:"size:128"`
	SizeBytes      *int64
	Status         ArtifactStatus `gorm:"size:16;index"`
	BucketKind     BucketKind     `gorm:"size:16"`
	ScanEngine     string         `gorm:"size:64"`
	ScanStartedAt  *time.Time
	ScanFinishedAt *time.Time
	ScanReason     string `gorm:"size:255"`
	ExpiresAt      time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payout pays a worker for an accepted submission after the dispute hold.
type Payout struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey"`
	SubmissionID      uuid.UUID    `gorm:"type:uuid;uniqueIndex"`
	WorkerID          uuid.UUID    `gorm:"type:uuid;index"`
	BountyID          uuid.UUID    `gorm:"type:uuid;index"`
	AmountCents       int64        `gorm:"not null"`
	Status            PayoutStatus `gorm:"size:16;index"`
	Provider          string       `gorm:"size:32"`
	ProviderRef       string       `gorm:"size:128"`
	BlockedReason     string       `gorm:"size:64"`
	HoldUntil         *time.Time
	NetAmountCents    *int64
	PlatformFeeCents  *int64
	ProofworkFeeCents *int64
	PlatformFeeBps    *int
	ProofworkFeeBps   *int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Dispute is a buyer challenge against a pending payout.
type Dispute struct {
	ID         uuid.UUID     `gorm:"type:uuid;primaryKey"`
	PayoutID   uuid.UUID     `gorm:"type:uuid;index"`
	OrgID      uuid.UUID     `gorm:"type:uuid;index"`
	Reason     string        `gorm:"size:512"`
	Status     DisputeStatus `gorm:"size:16;index"`
	Resolution string        `gorm:"size:512"`
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OutboxEvent is a durable at-least-once side-effect record.
type OutboxEvent struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey"`
	Topic          string       `gorm:"size:64;index;uniqueIndex:idx_outbox_idem,priority:1"`
	IdempotencyKey string       `gorm:"size:128;uniqueIndex:idx_outbox_idem,priority:2"`
	Payload        []byte       `gorm:"type:jsonb"`
	Status         OutboxStatus `gorm:"size:16;index:idx_outbox_claim,priority:1"`
	Attempts       int          `gorm:"not null;default:0"`
	AvailableAt    time.Time    `gorm:"index:idx_outbox_claim,priority:2"`
	LockedAt       *time.Time
	LockedBy       string `gorm:"size:64"`
	LastError      string `gorm:"size:512"`
	CreatedAt      time.Time
	SentAt         *time.Time
}

// RetentionPolicy caps artifact age per org.
type RetentionPolicy struct {
	OrgID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	AppliesTo  string    `gorm:"primaryKey;size:32;default:artifacts"`
	MaxAgeDays int       `gorm:"not null"`
	UpdatedAt  time.Time
}

// RetentionJob schedules deletion of one artifact.
type RetentionJob struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	ArtifactID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	DueAt      time.Time `gorm:"index"`
	Promoted   bool      `gorm:"not null;default:false;index"`
	CreatedAt  time.Time
}

// AuditLog is the append-only operator/buyer action trail.
type AuditLog struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ActorKind string    `gorm:"size:16;index"`
	ActorID   string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64;index"`
	Subject   string    `gorm:"size:128"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// RateLimitBucket persists a token bucket per limiter key.
type RateLimitBucket struct {
	Key        string    `gorm:"primaryKey;size:128"`
	Tokens     float64   `gorm:"not null"`
	LastRefill time.Time `gorm:"not null"`
	UpdatedAt  time.Time
}

// Session is a cookie-backed buyer console session.
type Session struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrgID     uuid.UUID `gorm:"type:uuid;index"`
	CSRFToken string    `gorm:"size:64"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

// BlockedDomain denies bounty origins and artifact URLs by host suffix.
type BlockedDomain struct {
	Domain    string `gorm:"primaryKey;size:255"`
	Reason    string `gorm:"size:255"`
	CreatedAt time.Time
}

// AlarmNotification records operator-facing alarms raised by backpressure.
type AlarmNotification struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Kind      string    `gorm:"size:64;index"`
	Message   string    `gorm:"size:512"`
	CreatedAt time.Time `gorm:"index"`
}

// ControlFlag is a named boolean switch (e.g. global claim pause).
type ControlFlag struct {
	Name      string `gorm:"primaryKey;size:64"`
	Enabled   bool   `gorm:"not null;default:false"`
	UpdatedAt time.Time
}

// AutoMigrate creates or updates the schema for all marketplace entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Org{},
		&OrgQuota{},
		&BillingAccount{},
		&BillingEvent{},
		&BudgetReservation{},
		&Origin{},
		&Bounty{},
		&Job{},
		&Worker{},
		&Submission{},
		&AcceptedKey{},
		&Verification{},
		&Artifact{},
		&Payout{},
		&Dispute{},
		&OutboxEvent{},
		&RetentionPolicy{},
		&RetentionJob{},
		&AuditLog{},
		&RateLimitBucket{},
		&Session{},
		&BlockedDomain{},
		&AlarmNotification{},
		&ControlFlag{},
	)
}
