package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/bounty"
	"proofwork/internal/models"
)

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed "+param)
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleAdminWorkerBan(w http.ResponseWriter, r *http.Request) {
	workerID, ok := pathUUID(w, r, "workerID")
	if !ok {
		return
	}
	var req struct {
		Unban bool `json:"unban"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	status := models.WorkerBanned
	if req.Unban {
		status = models.WorkerActive
	}
	res := s.db.WithContext(r.Context()).Model(&models.Worker{}).
		Where("id = ?", workerID).Update("status", status)
	if res.Error != nil {
		s.fail(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "not_found", "worker not found")
		return
	}
	s.auditAdmin(r, "worker_ban", workerID.String(), map[string]any{"status": status})
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleAdminWorkerRateLimit(w http.ResponseWriter, r *http.Request) {
	workerID, ok := pathUUID(w, r, "workerID")
	if !ok {
		return
	}
	var req struct {
		DurationMs int64 `json:"durationMs"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	var until *time.Time
	if req.DurationMs > 0 {
		t := s.now().Add(time.Duration(req.DurationMs) * time.Millisecond)
		until = &t
	}
	res := s.db.WithContext(r.Context()).Model(&models.Worker{}).
		Where("id = ?", workerID).Update("rate_limited_until", until)
	if res.Error != nil {
		s.fail(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "not_found", "worker not found")
		return
	}
	s.auditAdmin(r, "worker_rate_limit", workerID.String(), map[string]any{"until": until})
	writeJSON(w, http.StatusOK, map[string]any{"rateLimitedUntil": until})
}

func (s *Server) handleAdminVerificationRequeue(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := pathUUID(w, r, "submissionID")
	if !ok {
		return
	}
	row, err := s.verify.AdminRequeue(r.Context(), submissionID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "verification_requeue", submissionID.String(), map[string]any{"attemptNo": row.AttemptNo})
	writeJSON(w, http.StatusOK, map[string]any{
		"submissionId": row.SubmissionID,
		"attemptNo":    row.AttemptNo,
		"status":       row.Status,
	})
}

func (s *Server) handleAdminMarkDuplicate(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := pathUUID(w, r, "submissionID")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if req.Reason == "" {
		req.Reason = "marked duplicate by operator"
	}
	if err := s.subs.MarkDuplicate(r.Context(), submissionID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "submission_mark_duplicate", submissionID.String(), map[string]any{"reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"status": models.SubmissionDuplicate})
}

func (s *Server) handleAdminOverrideVerdict(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := pathUUID(w, r, "submissionID")
	if !ok {
		return
	}
	var req struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if err := s.verify.AdminOverride(r.Context(), submissionID, models.Verdict(req.Verdict), req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "verdict_override", submissionID.String(), map[string]any{"verdict": req.Verdict, "reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"verdict": req.Verdict})
}

func (s *Server) handleAdminPayouts(w http.ResponseWriter, r *http.Request) {
	q := s.db.WithContext(r.Context()).Model(&models.Payout{})
	if status := r.URL.Query().Get("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.Payout
	if err := q.Order("created_at DESC").Limit(200).Find(&rows).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": rows})
}

func (s *Server) handleAdminPayoutRetry(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := pathUUID(w, r, "payoutID")
	if !ok {
		return
	}
	if err := s.payouts.AdminRetry(r.Context(), payoutID); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "payout_retry", payoutID.String(), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": models.PayoutPending})
}

func (s *Server) handleAdminPayoutMark(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := pathUUID(w, r, "payoutID")
	if !ok {
		return
	}
	var req struct {
		Status      string `json:"status"`
		Provider    string `json:"provider"`
		ProviderRef string `json:"providerRef"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	status := models.PayoutStatus(req.Status)
	switch status {
	case models.PayoutPaid, models.PayoutFailed, models.PayoutRefunded:
	default:
		writeError(w, http.StatusBadRequest, "invalid", "status must be paid, failed, or refunded")
		return
	}
	if err := s.payouts.AdminMark(r.Context(), payoutID, status, req.Provider, req.ProviderRef, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "payout_mark", payoutID.String(), map[string]any{"status": status, "reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleAdminDisputeResolve(w http.ResponseWriter, r *http.Request) {
	disputeID, ok := pathUUID(w, r, "disputeID")
	if !ok {
		return
	}
	var req struct {
		Refund     bool   `json:"refund"`
		Resolution string `json:"resolution"`
	}
	if !decodeBody(w, r, &req, 1<<14) {
		return
	}
	if err := s.payouts.ResolveDispute(r.Context(), disputeID, req.Refund, req.Resolution); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "dispute_resolve", disputeID.String(), map[string]any{"refund": req.Refund, "resolution": req.Resolution})
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "refund": req.Refund})
}

func (s *Server) handleBlockedDomainsList(w http.ResponseWriter, r *http.Request) {
	var rows []models.BlockedDomain
	if err := s.db.WithContext(r.Context()).Order("domain ASC").Find(&rows).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": rows})
}

func (s *Server) handleBlockedDomainsAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Domain string `json:"domain"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	if domain == "" {
		writeError(w, http.StatusBadRequest, "invalid", "domain required")
		return
	}
	row := models.BlockedDomain{Domain: domain, Reason: req.Reason, CreatedAt: s.now()}
	if err := s.db.WithContext(r.Context()).Save(&row).Error; err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "blocked_domain_add", domain, map[string]any{"reason": req.Reason})
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleBlockedDomainsDelete(w http.ResponseWriter, r *http.Request) {
	domain := strings.ToLower(chi.URLParam(r, "domain"))
	res := s.db.WithContext(r.Context()).Delete(&models.BlockedDomain{}, "domain = ?", domain)
	if res.Error != nil {
		s.fail(w, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		writeError(w, http.StatusNotFound, "not_found", "domain not blocked")
		return
	}
	s.auditAdmin(r, "blocked_domain_delete", domain, nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": domain})
}

func (s *Server) handleAdminArtifactQuarantine(w http.ResponseWriter, r *http.Request) {
	artifactID, ok := pathUUID(w, r, "artifactID")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if req.Reason == "" {
		req.Reason = "quarantined by operator"
	}
	if err := s.artifacts.Quarantine(r.Context(), artifactID, req.Reason); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "artifact_quarantine", artifactID.String(), map[string]any{"reason": req.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"status": models.ArtifactBlocked})
}

func (s *Server) handleAdminArtifactDelete(w http.ResponseWriter, r *http.Request) {
	artifactID, ok := pathUUID(w, r, "artifactID")
	if !ok {
		return
	}
	if err := s.artifacts.DeleteObject(r.Context(), artifactID); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "artifact_delete", artifactID.String(), nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": models.ArtifactDeleted})
}

// handleAdminTopup credits an org's prepaid balance. The reference doubles as
// the idempotency key so a retried call cannot double-credit.
func (s *Server) handleAdminTopup(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathUUID(w, r, "orgID")
	if !ok {
		return
	}
	var req struct {
		AmountCents int64  `json:"amountCents"`
		Reference   string `json:"reference"`
		Detail      string `json:"detail"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if req.AmountCents <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amountCents must be positive")
		return
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}
	key := "admin_topup:" + req.Reference
	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		return bounty.Credit(tx, orgID, req.AmountCents, key, "admin_topup", req.Detail)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	var account models.BillingAccount
	if err := s.db.WithContext(r.Context()).First(&account, "org_id = ?", orgID).Error; err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "billing_topup", orgID.String(), map[string]any{"amountCents": req.AmountCents, "eventKey": key})
	writeJSON(w, http.StatusOK, map[string]any{
		"balanceCents": account.Balance,
		"eventKey":     key,
	})
}

func (s *Server) handleAdminClaimsPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if err := s.admission.SetPaused(r.Context(), req.Paused); err != nil {
		s.fail(w, err)
		return
	}
	s.auditAdmin(r, "claims_pause", "", map[string]any{"paused": req.Paused})
	writeJSON(w, http.StatusOK, map[string]any{"paused": req.Paused})
}
