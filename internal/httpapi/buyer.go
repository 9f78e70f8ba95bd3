package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/auth"
	"proofwork/internal/bounty"
	"proofwork/internal/models"
)

func (s *Server) handleOrgRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid", "name required")
		return
	}
	token, prefix, digest, err := s.minter.Mint(auth.AudienceBuyer)
	if err != nil {
		s.fail(w, err)
		return
	}
	org := models.Org{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(req.Name),
		Email:        req.Email,
		APIKeyPrefix: prefix,
		APIKeyDigest: digest,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(r.Context()).Create(&org).Error; err != nil {
		s.fail(w, err)
		return
	}
	if err := s.sessions.Issue(r.Context(), w, org.ID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"orgId":  org.ID,
		"apiKey": token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	aud, prefix, err := auth.Prefix(req.APIKey)
	if err != nil || aud != auth.AudienceBuyer {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}
	var org models.Org
	if err := s.db.WithContext(r.Context()).First(&org, "api_key_prefix = ?", prefix).Error; err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}
	if !s.minter.Verify(req.APIKey, org.APIKeyDigest, false) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}
	if err := s.sessions.Issue(r.Context(), w, org.ID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orgId": org.ID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Revoke(r.Context(), w, r)
	writeJSON(w, http.StatusOK, map[string]any{"loggedOut": true})
}

// handleOrgAPIKey rotates the org's API key; the old key stops working
// immediately.
func (s *Server) handleOrgAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	token, prefix, digest, err := s.minter.Mint(auth.AudienceBuyer)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.db.WithContext(r.Context()).Model(&models.Org{}).Where("id = ?", orgID).
		Updates(map[string]any{"api_key_prefix": prefix, "api_key_digest": digest}).Error; err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "api_key_rotate", orgID.String(), nil)
	writeJSON(w, http.StatusCreated, map[string]any{"apiKey": token})
}

func (s *Server) handleGetPlatformFee(w http.ResponseWriter, r *http.Request) {
	var org models.Org
	if err := s.db.WithContext(r.Context()).First(&org, "id = ?", orgIDFrom(r)).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platformFeeBps": org.PlatformFeeBps,
		"feeWallet":      org.FeeWallet,
	})
}

func (s *Server) handlePutPlatformFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlatformFeeBps int    `json:"platformFeeBps"`
		FeeWallet      string `json:"feeWallet"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if req.PlatformFeeBps < 0 || req.PlatformFeeBps > s.cfg.Payout.MaxPlatformBps {
		writeError(w, http.StatusBadRequest, "invalid_amount", "platform fee bps out of range")
		return
	}
	if err := s.db.WithContext(r.Context()).Model(&models.Org{}).Where("id = ?", orgIDFrom(r)).
		Updates(map[string]any{"platform_fee_bps": req.PlatformFeeBps, "fee_wallet": req.FeeWallet}).Error; err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "platform_fee_update", "", map[string]any{"platformFeeBps": req.PlatformFeeBps})
	writeJSON(w, http.StatusOK, map[string]any{"platformFeeBps": req.PlatformFeeBps})
}

func orEmptyArray(encoded string) string {
	if strings.TrimSpace(encoded) == "" {
		return "[]"
	}
	return encoded
}

func (s *Server) handleGetCORS(w http.ResponseWriter, r *http.Request) {
	var org models.Org
	if err := s.db.WithContext(r.Context()).First(&org, "id = ?", orgIDFrom(r)).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"corsAllowOrigins": json.RawMessage(orEmptyArray(org.CORSAllowOrigins)),
	})
}

func (s *Server) handlePutCORS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CORSAllowOrigins []string `json:"corsAllowOrigins"`
	}
	if !decodeBody(w, r, &req, 1<<14) {
		return
	}
	encoded, _ := json.Marshal(req.CORSAllowOrigins)
	if err := s.db.WithContext(r.Context()).Model(&models.Org{}).Where("id = ?", orgIDFrom(r)).
		Update("cors_allow_origins", string(encoded)).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"corsAllowOrigins": req.CORSAllowOrigins})
}

func (s *Server) handleGetQuotas(w http.ResponseWriter, r *http.Request) {
	var quota models.OrgQuota
	err := s.db.WithContext(r.Context()).First(&quota, "org_id = ?", orgIDFrom(r)).Error
	if err != nil {
		quota = models.OrgQuota{
			OrgID:                  orgIDFrom(r),
			DailySpendLimitCents:   s.cfg.Quotas.DailySpendLimitCents,
			MonthlySpendLimitCents: s.cfg.Quotas.MonthlySpendLimitCents,
			MaxOpenJobs:            s.cfg.Quotas.MaxOpenJobs,
		}
	}
	writeJSON(w, http.StatusOK, quota)
}

func (s *Server) handlePutQuotas(w http.ResponseWriter, r *http.Request) {
	var req models.OrgQuota
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	req.OrgID = orgIDFrom(r)
	req.UpdatedAt = s.now()
	if err := s.db.WithContext(r.Context()).Save(&req).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleOriginCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Origin string `json:"origin"`
		Method string `json:"method"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	row, err := s.origins.Register(r.Context(), orgIDFrom(r), req.Origin, models.OriginMethod(req.Method))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleOriginCheck(w http.ResponseWriter, r *http.Request) {
	originID, err := uuid.Parse(chi.URLParam(r, "originID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed origin id")
		return
	}
	row, verifyErr := s.origins.Check(r.Context(), orgIDFrom(r), originID)
	if row == nil {
		s.fail(w, verifyErr)
		return
	}
	body := map[string]any{"origin": row}
	if verifyErr != nil {
		body["failureReason"] = row.FailureReason
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOriginRevoke(w http.ResponseWriter, r *http.Request) {
	originID, err := uuid.Parse(chi.URLParam(r, "originID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed origin id")
		return
	}
	if err := s.origins.Revoke(r.Context(), orgIDFrom(r), originID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (s *Server) handleBountyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title              string          `json:"title"`
		Description        string          `json:"description"`
		AllowedOrigins     []string        `json:"allowedOrigins"`
		Journey            json.RawMessage `json:"journey"`
		TaskDescriptor     json.RawMessage `json:"taskDescriptor"`
		PayoutCents        int64           `json:"payoutCents"`
		RequiredProofs     int             `json:"requiredProofs"`
		FingerprintClasses []string        `json:"fingerprintClassesRequired"`
		Priority           int             `json:"priority"`
		DisputeWindowSec   int             `json:"disputeWindowSec"`
		Tags               []string        `json:"tags"`
	}
	if !decodeBody(w, r, &req, 64<<10) {
		return
	}
	row, err := s.bounties.Create(r.Context(), orgIDFrom(r), bounty.Draft{
		Title:              req.Title,
		Description:        req.Description,
		AllowedOrigins:     req.AllowedOrigins,
		Journey:            req.Journey,
		TaskDescriptor:     req.TaskDescriptor,
		PayoutCents:        req.PayoutCents,
		RequiredProofs:     req.RequiredProofs,
		FingerprintClasses: req.FingerprintClasses,
		Priority:           req.Priority,
		DisputeWindowSec:   req.DisputeWindowSec,
		Tags:               req.Tags,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) bountyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "bountyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed bounty id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleBountyPublish(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bountyID(w, r)
	if !ok {
		return
	}
	row, err := s.bounties.Publish(r.Context(), orgIDFrom(r), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "bounty_publish", id.String(), nil)
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleBountyPause(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bountyID(w, r)
	if !ok {
		return
	}
	if err := s.bounties.Pause(r.Context(), orgIDFrom(r), id); err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "bounty_pause", id.String(), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": models.BountyPaused})
}

func (s *Server) handleBountyClose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.bountyID(w, r)
	if !ok {
		return
	}
	if err := s.bounties.Close(r.Context(), orgIDFrom(r), id); err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "bounty_close", id.String(), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": models.BountyClosed})
}

func (s *Server) handleOrgPayouts(w http.ResponseWriter, r *http.Request) {
	var rows []models.Payout
	err := s.db.WithContext(r.Context()).
		Joins("JOIN bounties ON bounties.id = payouts.bounty_id").
		Where("bounties.org_id = ?", orgIDFrom(r)).
		Order("payouts.created_at DESC").
		Limit(200).
		Find(&rows).Error
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": rows})
}

func (s *Server) handleOrgEarnings(w http.ResponseWriter, r *http.Request) {
	orgID := orgIDFrom(r)
	var account models.BillingAccount
	err := s.db.WithContext(r.Context()).First(&account, "org_id = ?", orgID).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		s.fail(w, err)
		return
	}
	var platformFees int64
	if err := s.db.WithContext(r.Context()).Model(&models.Payout{}).
		Joins("JOIN bounties ON bounties.id = payouts.bounty_id").
		Where("bounties.org_id = ? AND payouts.status = ?", orgID, models.PayoutPaid).
		Select("COALESCE(SUM(payouts.platform_fee_cents), 0)").
		Scan(&platformFees).Error; err != nil {
		s.fail(w, err)
		return
	}
	var events []models.BillingEvent
	if account.ID != uuid.Nil {
		_ = s.db.WithContext(r.Context()).
			Where("account_id = ?", account.ID).
			Order("created_at DESC").
			Limit(100).
			Find(&events).Error
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balanceCents":           account.Balance,
		"platformFeeEarnedCents": platformFees,
		"events":                 events,
	})
}

func (s *Server) handleOrgDisputes(w http.ResponseWriter, r *http.Request) {
	var rows []models.Dispute
	if err := s.db.WithContext(r.Context()).
		Where("org_id = ?", orgIDFrom(r)).
		Order("created_at DESC").
		Limit(100).
		Find(&rows).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": rows})
}

func (s *Server) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayoutID uuid.UUID `json:"payoutId"`
		Reason   string    `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<14) {
		return
	}
	row, err := s.payouts.OpenDispute(r.Context(), orgIDFrom(r), req.PayoutID, req.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.auditBuyer(r, "dispute_open", req.PayoutID.String(), map[string]any{"reason": req.Reason})
	writeJSON(w, http.StatusCreated, row)
}
