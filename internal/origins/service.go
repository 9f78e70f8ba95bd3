package origins

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/models"
)

// ErrBlockedDomain rejects origins whose host matches the operator denylist.
var ErrBlockedDomain = errors.New("blocked_domain")

// Service manages origin registration and the out-of-band ownership check.
type Service struct {
	db       *gorm.DB
	verifier *Verifier
	log      *slog.Logger
	now      func() time.Time
}

// NewService wires the origin service.
func NewService(db *gorm.DB, verifier *Verifier, log *slog.Logger) *Service {
	return &Service{db: db, verifier: verifier, log: log, now: time.Now}
}

// Register records an origin for an org with a fresh proof token. The origin
// is normalized and SSRF-checked up front so obviously private hosts fail at
// registration rather than at check time.
func (s *Service) Register(ctx context.Context, orgID uuid.UUID, rawOrigin string, method models.OriginMethod) (*models.Origin, error) {
	switch method {
	case models.OriginMethodDNS, models.OriginMethodFile, models.OriginMethodHeader:
	default:
		return nil, fmt.Errorf("invalid: unknown verification method %q", method)
	}
	parsed, err := ParseOrigin(rawOrigin)
	if err != nil {
		return nil, err
	}
	normalized := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if err := s.checkBlocked(ctx, parsed.Hostname()); err != nil {
		return nil, err
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	row := models.Origin{
		ID:        uuid.New(),
		OrgID:     orgID,
		Origin:    normalized,
		Method:    method,
		Token:     "proofwork-verify-" + hex.EncodeToString(buf),
		Status:    models.OriginPending,
		CreatedAt: s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Check runs the proof for one origin and records the outcome.
func (s *Service) Check(ctx context.Context, orgID, originID uuid.UUID) (*models.Origin, error) {
	var row models.Origin
	if err := s.db.WithContext(ctx).
		First(&row, "id = ? AND org_id = ?", originID, orgID).Error; err != nil {
		return nil, err
	}
	if row.Status == models.OriginRevoked {
		return nil, fmt.Errorf("bad_state: origin revoked")
	}

	verifyErr := s.verifier.Verify(ctx, string(row.Method), row.Origin, row.Token)
	updates := map[string]any{}
	if verifyErr == nil {
		now := s.now()
		updates["status"] = models.OriginVerified
		updates["verified_at"] = now
		updates["failure_reason"] = ""
	} else {
		updates["status"] = models.OriginFailed
		updates["failure_reason"] = truncateReason(verifyErr.Error())
		s.log.Info("origin check failed", "origin", row.Origin, "error", verifyErr)
	}
	if err := s.db.WithContext(ctx).Model(&models.Origin{}).
		Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(&row, "id = ?", row.ID).Error; err != nil {
		return nil, err
	}
	return &row, verifyErr
}

// Revoke permanently retires an origin; published bounties referencing it
// stop being claimable on the next claim pass.
func (s *Service) Revoke(ctx context.Context, orgID, originID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Origin{}).
		Where("id = ? AND org_id = ?", originID, orgID).
		Update("status", models.OriginRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// checkBlocked matches the host and its parent domains against the
// operator denylist.
func (s *Service) checkBlocked(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	parts := strings.Split(host, ".")
	for i := 0; i < len(parts)-1; i++ {
		candidate := strings.Join(parts[i:], ".")
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.BlockedDomain{}).
			Where("domain = ?", candidate).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrBlockedDomain, candidate)
		}
	}
	return nil
}

func truncateReason(reason string) string {
	if len(reason) > 255 {
		return reason[:255]
	}
	return reason
}
