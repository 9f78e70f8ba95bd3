// Package artifact owns the evidence upload pipeline: presign, upload, scan,
// accept, and retention-scheduled deletion. Status moves monotonically
// through presigned → uploaded → scanned|blocked → accepted → deleted; the
// single allowed reversal is scan_failed → uploaded so transient scanner
// faults can retry.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/blobstore"
	"proofwork/internal/models"
	"proofwork/internal/outbox"
	"proofwork/observability"
)

// MaxFilesPerPresign bounds one presign call.
const MaxFilesPerPresign = 16

var (
	// ErrBlockedContentType rejects uploads outside the allow-list.
	ErrBlockedContentType = errors.New("blocked_content_type")
	// ErrInvalidFilename rejects filenames carrying path separators.
	ErrInvalidFilename = errors.New("invalid_filename")
	// ErrTooLarge rejects uploads above the configured byte cap.
	ErrTooLarge = errors.New("upload_too_large")
	// ErrTooManyFiles rejects oversized presign batches.
	ErrTooManyFiles = errors.New("too_many_files")
	// ErrBadState rejects operations against the wrong pipeline state.
	ErrBadState = errors.New("bad_state")
	// ErrBlocked marks artifacts the scanner refused.
	ErrBlocked = errors.New("blocked")
	// ErrNotOwner rejects cross-worker artifact access.
	ErrNotOwner = errors.New("not_owner")
)

var allowedTransitions = map[models.ArtifactStatus][]models.ArtifactStatus{
	models.ArtifactPresigned:  {models.ArtifactUploaded, models.ArtifactScanned, models.ArtifactBlocked, models.ArtifactScanFailed},
	models.ArtifactUploaded:   {models.ArtifactScanned, models.ArtifactBlocked, models.ArtifactScanFailed},
	models.ArtifactScanFailed: {models.ArtifactUploaded, models.ArtifactScanned, models.ArtifactBlocked},
	models.ArtifactScanned:    {models.ArtifactAccepted, models.ArtifactDeleted},
	models.ArtifactAccepted:   {models.ArtifactDeleted},
	models.ArtifactBlocked:    {models.ArtifactDeleted},
}

// ValidateTransition ensures artifact status only moves forward.
func ValidateTransition(current, next models.ArtifactStatus) error {
	if current == next {
		return nil
	}
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: artifact %s -> %s", ErrBadState, current, next)
}

// Config tunes the pipeline.
type Config struct {
	MaxUploadBytes int64
	PresignTTL     time.Duration
	DefaultTTLDays int
	DownloadURLTTL time.Duration
}

// Service coordinates artifact state with blob storage and the scanner.
type Service struct {
	db      *gorm.DB
	store   blobstore.Store
	scanner Scanner
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

// NewService wires the pipeline.
func NewService(db *gorm.DB, store blobstore.Store, scanner Scanner, cfg Config, log *slog.Logger) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.DefaultTTLDays <= 0 {
		cfg.DefaultTTLDays = 30
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = 5 * time.Minute
	}
	if scanner == nil {
		scanner = NoopScanner{}
	}
	return &Service{db: db, store: store, scanner: scanner, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the blob backend for handlers that proxy bytes.
func (s *Service) Store() blobstore.Store { return s.store }

// MaxUploadBytes exposes the configured cap.
func (s *Service) MaxUploadBytes() int64 { return s.cfg.MaxUploadBytes }

// PresignRequest describes one file of a presign batch.
type PresignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   *int64 `json:"sizeBytes,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Label       string `json:"label,omitempty"`
}

// PresignResult tells the caller where to upload one file.
type PresignResult struct {
	ArtifactID uuid.UUID         `json:"artifactId"`
	URL        string            `json:"url,omitempty"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Direct     bool              `json:"direct"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// Owner scopes a presign batch to the uploading actor.
type Owner struct {
	WorkerID     *uuid.UUID
	JobID        *uuid.UUID
	SubmissionID *uuid.UUID
	OrgID        *uuid.UUID // retention policy lookup
}

// Presign validates the batch, inserts presigned rows, schedules retention,
// and returns upload targets.
func (s *Service) Presign(ctx context.Context, owner Owner, reqs []PresignRequest) ([]PresignResult, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidFilename)
	}
	if len(reqs) > MaxFilesPerPresign {
		return nil, ErrTooManyFiles
	}
	ttlDays := s.retentionDays(ctx, owner.OrgID)
	now := s.now()
	expiresAt := now.Add(time.Duration(ttlDays) * 24 * time.Hour)

	results := make([]PresignResult, 0, len(reqs))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, req := range reqs {
			name := strings.TrimSpace(req.Filename)
			if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
				return fmt.Errorf("%w: %q", ErrInvalidFilename, req.Filename)
			}
			if !ContentTypeAllowed(req.ContentType) {
				return fmt.Errorf("%w: %s", ErrBlockedContentType, req.ContentType)
			}
			if req.SizeBytes != nil && *req.SizeBytes > s.cfg.MaxUploadBytes {
				return ErrTooLarge
			}
			id := uuid.New()
			row := models.Artifact{
				ID:           id,
				SubmissionID: owner.SubmissionID,
				JobID:        owner.JobID,
				WorkerID:     owner.WorkerID,
				Kind:         req.Kind,
				Label:        req.Label,
				StorageKey:   fmt.Sprintf("artifacts/%s/%s", id, name),
				ContentType:  normalizeContentType(req.ContentType),
				SizeBytes:    req.SizeBytes,
				Status:       models.ArtifactPresigned,
				BucketKind:   models.BucketStaging,
				ExpiresAt:    expiresAt,
				CreatedAt:    now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			retention := models.RetentionJob{
				ID:         uuid.New(),
				ArtifactID: id,
				DueAt:      expiresAt,
				CreatedAt:  now,
			}
			if err := tx.Create(&retention).Error; err != nil {
				return err
			}
			upload, err := s.store.PresignPut(row.StorageKey, row.ContentType, s.cfg.MaxUploadBytes, s.cfg.PresignTTL)
			if err != nil {
				return err
			}
			results = append(results, PresignResult{
				ArtifactID: id,
				URL:        upload.URL,
				Method:     upload.Method,
				Headers:    upload.Headers,
				Direct:     upload.Direct,
				ExpiresAt:  now.Add(s.cfg.PresignTTL),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Service) retentionDays(ctx context.Context, orgID *uuid.UUID) int {
	if orgID == nil {
		return s.cfg.DefaultTTLDays
	}
	var policy models.RetentionPolicy
	err := s.db.WithContext(ctx).
		First(&policy, "org_id = ? AND applies_to = ?", *orgID, "artifacts").Error
	if err != nil || policy.MaxAgeDays <= 0 {
		return s.cfg.DefaultTTLDays
	}
	return policy.MaxAgeDays
}

// PutLocal receives bytes for the local backend and scans them inline.
func (s *Service) PutLocal(ctx context.Context, artifactID, workerID uuid.UUID, body io.Reader, declaredSize int64) (*models.Artifact, error) {
	var row models.Artifact
	if err := s.db.WithContext(ctx).First(&row, "id = ?", artifactID).Error; err != nil {
		return nil, err
	}
	if row.WorkerID == nil || *row.WorkerID != workerID {
		return nil, ErrNotOwner
	}
	if row.Status != models.ArtifactPresigned && row.Status != models.ArtifactScanFailed {
		return nil, fmt.Errorf("%w: status %s", ErrBadState, row.Status)
	}
	if declaredSize > s.cfg.MaxUploadBytes {
		return nil, ErrTooLarge
	}

	limited := io.LimitReader(body, s.cfg.MaxUploadBytes+1)
	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(limited, hasher)}
	if err := s.store.Put(ctx, blobstore.Staging, row.StorageKey, counter, 0); err != nil {
		return nil, err
	}
	if counter.n > s.cfg.MaxUploadBytes {
		_ = s.store.Delete(ctx, blobstore.Staging, row.StorageKey)
		return nil, ErrTooLarge
	}
	size := counter.n
	digest := hex.EncodeToString(hasher.Sum(nil))

	outcome := s.scanObject(ctx, blobstore.Staging, row.StorageKey, row.ContentType)
	now := s.now()
	updates := map[string]any{
		"sha256":           digest,
		"size_bytes":       size,
		"scan_engine":      s.scanner.Name(),
		"scan_started_at":  now,
		"scan_finished_at": now,
	}
	switch {
	case outcome.blockedReason != "":
		// Deterministic failure: drop the bytes, keep the verdict.
		_ = s.store.Delete(ctx, blobstore.Staging, row.StorageKey)
		updates["status"] = models.ArtifactBlocked
		updates["scan_reason"] = outcome.blockedReason
		observability.Artifacts().Blocked.WithLabelValues(outcome.blockedReason).Inc()
	case outcome.transient != nil:
		updates["status"] = models.ArtifactScanFailed
		updates["scan_reason"] = truncate(outcome.transient.Error(), 255)
		observability.Artifacts().Scans.WithLabelValues("transient_error").Inc()
	default:
		if err := s.store.Copy(ctx, blobstore.Staging, row.StorageKey, blobstore.Clean, row.StorageKey); err != nil {
			return nil, err
		}
		if err := s.store.Delete(ctx, blobstore.Staging, row.StorageKey); err != nil {
			s.log.Warn("staging delete after promote failed", "artifact", row.ID, "error", err)
		}
		updates["status"] = models.ArtifactScanned
		updates["bucket_kind"] = models.BucketClean
		updates["scan_reason"] = ""
		observability.Artifacts().Scans.WithLabelValues("clean").Inc()
	}
	if err := s.db.WithContext(ctx).Model(&models.Artifact{}).
		Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(&row, "id = ?", row.ID).Error; err != nil {
		return nil, err
	}
	if row.Status == models.ArtifactBlocked {
		return &row, ErrBlocked
	}
	return &row, nil
}

// CompleteRemote marks an S3-style upload finished and queues the scan.
func (s *Service) CompleteRemote(ctx context.Context, artifactID, workerID uuid.UUID) (*models.Artifact, error) {
	var row models.Artifact
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", artifactID).Error; err != nil {
			return err
		}
		if row.WorkerID == nil || *row.WorkerID != workerID {
			return ErrNotOwner
		}
		if err := ValidateTransition(row.Status, models.ArtifactUploaded); err != nil {
			return err
		}
		if err := tx.Model(&models.Artifact{}).Where("id = ?", row.ID).
			Update("status", models.ArtifactUploaded).Error; err != nil {
			return err
		}
		row.Status = models.ArtifactUploaded
		return outbox.Enqueue(tx, outbox.TopicArtifactScanRequested,
			map[string]string{"artifactId": row.ID.String()},
			s.now(), "scan:"+row.ID.String())
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// HandleScanEvent is the outbox consumer for artifact.scan.requested.
// Transient faults return retryable errors; deterministic verdicts settle
// the row and ack.
func (s *Service) HandleScanEvent(ctx context.Context, event models.OutboxEvent) error {
	var payload struct {
		ArtifactID string `json:"artifactId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return outbox.Terminal(err)
	}
	id, err := uuid.Parse(payload.ArtifactID)
	if err != nil {
		return outbox.Terminal(err)
	}
	var row models.Artifact
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return outbox.Terminal(err)
		}
		return err
	}
	switch row.Status {
	case models.ArtifactUploaded, models.ArtifactScanFailed:
	case models.ArtifactScanned, models.ArtifactBlocked, models.ArtifactAccepted, models.ArtifactDeleted:
		return nil // already settled
	default:
		return outbox.Terminal(fmt.Errorf("scan requested for %s in state %s", row.ID, row.Status))
	}

	started := s.now()
	outcome := s.scanObject(ctx, blobstore.Staging, row.StorageKey, row.ContentType)
	finished := s.now()
	updates := map[string]any{
		"scan_engine":      s.scanner.Name(),
		"scan_started_at":  started,
		"scan_finished_at": finished,
	}
	switch {
	case outcome.transient != nil:
		// Leave the object in staging for the retry.
		if err := s.db.WithContext(ctx).Model(&models.Artifact{}).Where("id = ?", row.ID).
			Updates(map[string]any{"status": models.ArtifactScanFailed, "scan_reason": truncate(outcome.transient.Error(), 255)}).Error; err != nil {
			return err
		}
		observability.Artifacts().Scans.WithLabelValues("transient_error").Inc()
		return outcome.transient
	case outcome.blockedReason != "":
		if err := s.store.Copy(ctx, blobstore.Staging, row.StorageKey, blobstore.Quarantine, row.StorageKey); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, blobstore.Staging, row.StorageKey); err != nil {
			s.log.Warn("staging delete after quarantine failed", "artifact", row.ID, "error", err)
		}
		updates["status"] = models.ArtifactBlocked
		updates["bucket_kind"] = models.BucketQuarantine
		updates["scan_reason"] = outcome.blockedReason
		observability.Artifacts().Blocked.WithLabelValues(outcome.blockedReason).Inc()
	default:
		if err := s.store.Copy(ctx, blobstore.Staging, row.StorageKey, blobstore.Clean, row.StorageKey); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, blobstore.Staging, row.StorageKey); err != nil {
			s.log.Warn("staging delete after promote failed", "artifact", row.ID, "error", err)
		}
		updates["status"] = models.ArtifactScanned
		updates["bucket_kind"] = models.BucketClean
		updates["scan_reason"] = ""
		observability.Artifacts().Scans.WithLabelValues("clean").Inc()
	}
	return s.db.WithContext(ctx).Model(&models.Artifact{}).Where("id = ?", row.ID).Updates(updates).Error
}

type scanOutcome struct {
	blockedReason string
	transient     error
}

// scanObject runs the sniff and AV passes against a stored object.
func (s *Service) scanObject(ctx context.Context, bucket blobstore.Bucket, key, contentType string) scanOutcome {
	reader, err := s.store.Get(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return scanOutcome{blockedReason: "empty_file"}
		}
		return scanOutcome{transient: err}
	}
	defer reader.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(reader, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return scanOutcome{transient: err}
	}
	if sniffErr := Sniff(contentType, head[:n]); sniffErr != nil {
		var se *SniffError
		if errors.As(sniffErr, &se) {
			return scanOutcome{blockedReason: se.Reason}
		}
		return scanOutcome{transient: sniffErr}
	}

	remainder := io.MultiReader(bytes.NewReader(head[:n]), io.LimitReader(reader, s.cfg.MaxUploadBytes))
	if scanErr := s.scanner.Scan(ctx, remainder); scanErr != nil {
		var infected *InfectedError
		if errors.As(scanErr, &infected) {
			return scanOutcome{blockedReason: "malware_detected"}
		}
		return scanOutcome{transient: scanErr}
	}
	return scanOutcome{}
}

// HandleDeleteEvent is the outbox consumer for artifact.delete.requested.
func (s *Service) HandleDeleteEvent(ctx context.Context, event models.OutboxEvent) error {
	var payload struct {
		ArtifactID string `json:"artifactId"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return outbox.Terminal(err)
	}
	id, err := uuid.Parse(payload.ArtifactID)
	if err != nil {
		return outbox.Terminal(err)
	}
	return s.DeleteObject(ctx, id)
}

// Quarantine force-moves an artifact into the quarantine bucket regardless
// of its scan result. Already-blocked artifacts are a no-op.
func (s *Service) Quarantine(ctx context.Context, artifactID uuid.UUID, reason string) error {
	var row models.Artifact
	if err := s.db.WithContext(ctx).First(&row, "id = ?", artifactID).Error; err != nil {
		return err
	}
	switch row.Status {
	case models.ArtifactBlocked:
		return nil
	case models.ArtifactDeleted:
		return fmt.Errorf("%w: artifact deleted", ErrBadState)
	}
	if row.Status != models.ArtifactPresigned {
		from := blobstore.Staging
		if row.BucketKind == models.BucketClean {
			from = blobstore.Clean
		}
		if err := s.store.Copy(ctx, from, row.StorageKey, blobstore.Quarantine, row.StorageKey); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, from, row.StorageKey); err != nil {
			s.log.Warn("source delete after quarantine failed", "artifact", row.ID, "error", err)
		}
	}
	observability.Artifacts().Blocked.WithLabelValues("admin_quarantine").Inc()
	return s.db.WithContext(ctx).Model(&models.Artifact{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":      models.ArtifactBlocked,
		"bucket_kind": models.BucketQuarantine,
		"scan_reason": truncate(reason, 255),
	}).Error
}

// DeleteObject removes the bytes from every bucket and marks the row deleted.
func (s *Service) DeleteObject(ctx context.Context, artifactID uuid.UUID) error {
	var row models.Artifact
	if err := s.db.WithContext(ctx).First(&row, "id = ?", artifactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if row.Status == models.ArtifactDeleted {
		return nil
	}
	for _, bucket := range []blobstore.Bucket{blobstore.Staging, blobstore.Clean, blobstore.Quarantine} {
		if err := s.store.Delete(ctx, bucket, row.StorageKey); err != nil {
			return err
		}
	}
	now := s.now()
	return s.db.WithContext(ctx).Model(&models.Artifact{}).Where("id = ?", row.ID).
		Updates(map[string]any{"status": models.ArtifactDeleted, "deleted_at": now}).Error
}

// AttachToSubmission links already-scanned artifacts to a submission inside
// the caller's transaction, validating ownership and pipeline state.
func AttachToSubmission(tx *gorm.DB, submissionID, workerID, jobID uuid.UUID, artifactIDs []uuid.UUID) error {
	for _, id := range artifactIDs {
		var row models.Artifact
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return fmt.Errorf("artifact %s: %w", id, err)
		}
		if row.WorkerID == nil || *row.WorkerID != workerID {
			return fmt.Errorf("artifact %s: %w", id, ErrNotOwner)
		}
		if row.JobID != nil && *row.JobID != jobID {
			return fmt.Errorf("artifact %s: %w", id, ErrNotOwner)
		}
		if row.DeletedAt != nil || row.Status == models.ArtifactDeleted || row.Status == models.ArtifactBlocked {
			return fmt.Errorf("artifact %s: %w (status %s)", id, ErrBadState, row.Status)
		}
		if row.Status != models.ArtifactScanned && row.Status != models.ArtifactAccepted {
			return fmt.Errorf("artifact %s: %w (status %s)", id, ErrBadState, row.Status)
		}
		if row.SubmissionID != nil && *row.SubmissionID == submissionID {
			continue // already attached
		}
		if err := tx.Model(&models.Artifact{}).Where("id = ?", row.ID).
			Update("submission_id", submissionID).Error; err != nil {
			return err
		}
	}
	return nil
}

// AcceptForSubmission promotes a submission's artifacts on verification pass.
func AcceptForSubmission(tx *gorm.DB, submissionID uuid.UUID) error {
	return tx.Model(&models.Artifact{}).
		Where("submission_id = ? AND status = ?", submissionID, models.ArtifactScanned).
		Update("status", models.ArtifactAccepted).Error
}

// Download resolves the bytes for an authorized fetch. For the local backend
// it returns a reader; for remote backends it returns a presigned URL.
func (s *Service) Download(ctx context.Context, row *models.Artifact) (io.ReadCloser, string, error) {
	if row.DeletedAt != nil || row.Status == models.ArtifactDeleted {
		return nil, "", gorm.ErrRecordNotFound
	}
	if row.Status != models.ArtifactScanned && row.Status != models.ArtifactAccepted {
		return nil, "", ErrBlocked
	}
	bucket := blobstore.Clean
	if s.store.Name() == "local" {
		reader, err := s.store.Get(ctx, bucket, row.StorageKey)
		return reader, "", err
	}
	url, err := s.store.PresignGet(bucket, row.StorageKey, s.cfg.DownloadURLTTL)
	return nil, url, err
}

// OldestScanBacklogAge reports how long the oldest unscanned upload has
// waited; the admission controller reads this.
func (s *Service) OldestScanBacklogAge(ctx context.Context) (time.Duration, error) {
	var row models.Artifact
	err := s.db.WithContext(ctx).
		Where("status = ?", models.ArtifactUploaded).
		Order("updated_at asc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	age := s.now().Sub(row.UpdatedAt)
	observability.Artifacts().BacklogAge.Set(age.Seconds())
	return age, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
