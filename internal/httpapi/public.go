package httpapi

import (
	"io"
	"net/http"

	"proofwork/contracts"
	"proofwork/internal/auth"
	"proofwork/internal/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDescriptorSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(contracts.TaskDescriptorSchema)
}

// handleArtifactDownload streams an artifact to its owner, the buyer whose
// bounty it belongs to, or a verifier/admin. Blocked artifacts return 422
// with the scan reason instead of bytes.
func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	artifactID, ok := pathUUID(w, r, "artifactID")
	if !ok {
		return
	}
	var row models.Artifact
	if err := s.db.WithContext(r.Context()).First(&row, "id = ?", artifactID).Error; err != nil {
		s.fail(w, err)
		return
	}
	if !s.canDownload(r, &row) {
		writeError(w, http.StatusForbidden, "forbidden", "not authorized for this artifact")
		return
	}
	switch row.Status {
	case models.ArtifactBlocked:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      apiError{Code: "blocked", Message: "artifact failed content scanning"},
			"scanReason": row.ScanReason,
		})
		return
	case models.ArtifactDeleted:
		writeError(w, http.StatusNotFound, "not_found", "artifact deleted")
		return
	}
	reader, contentType, err := s.artifacts.Download(r.Context(), &row)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = io.Copy(w, reader)
}

// canDownload resolves the caller from the bearer token. Download sits on a
// public route so each audience is tried in turn.
func (s *Server) canDownload(r *http.Request, row *models.Artifact) bool {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return false
	}
	if auth.VerifyStatic(token, s.cfg.Auth.AdminTokens) ||
		auth.VerifyStatic(token, s.cfg.Auth.VerifierTokens) {
		return true
	}
	aud, prefix, err := auth.Prefix(token)
	if err != nil {
		return false
	}
	switch aud {
	case auth.AudienceWorker:
		var worker models.Worker
		if err := s.db.WithContext(r.Context()).First(&worker, "key_prefix = ?", prefix).Error; err != nil {
			return false
		}
		if !s.minter.Verify(token, worker.TokenDigest, worker.LegacyDigest) {
			return false
		}
		return row.WorkerID != nil && *row.WorkerID == worker.ID
	case auth.AudienceBuyer:
		var org models.Org
		if err := s.db.WithContext(r.Context()).First(&org, "api_key_prefix = ?", prefix).Error; err != nil {
			return false
		}
		if !s.minter.Verify(token, org.APIKeyDigest, false) {
			return false
		}
		if row.JobID == nil {
			return false
		}
		var count int64
		err := s.db.WithContext(r.Context()).Model(&models.Job{}).
			Joins("JOIN bounties ON bounties.id = jobs.bounty_id").
			Where("jobs.id = ? AND bounties.org_id = ?", *row.JobID, org.ID).
			Count(&count).Error
		return err == nil && count > 0
	}
	return false
}
