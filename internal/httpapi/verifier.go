package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"proofwork/internal/artifact"
	"proofwork/internal/models"
	"proofwork/internal/verification"
)

// handleVerifierClaim claims a verification attempt. With no submissionId in
// the body it picks the oldest queued attempt.
func (s *Server) handleVerifierClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionID uuid.UUID `json:"submissionId"`
		AttemptNo    int       `json:"attemptNo"`
		TTLMs        int64     `json:"ttlMs"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}

	if req.SubmissionID == uuid.Nil {
		var next models.Verification
		err := s.db.WithContext(r.Context()).
			Where("status = ?", models.VerificationQueued).
			Order("created_at ASC").
			First(&next).Error
		if err == gorm.ErrRecordNotFound {
			writeJSON(w, http.StatusOK, map[string]any{"claimed": false})
			return
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		req.SubmissionID = next.SubmissionID
		req.AttemptNo = next.AttemptNo
	}

	row, err := s.verify.Claim(r.Context(), req.SubmissionID, req.AttemptNo,
		verifierFrom(r), time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.fail(w, err)
		return
	}

	var sub models.Submission
	if err := s.db.WithContext(r.Context()).First(&sub, "id = ?", row.SubmissionID).Error; err != nil {
		s.fail(w, err)
		return
	}
	var job models.Job
	var bounty models.Bounty
	_ = s.db.WithContext(r.Context()).First(&job, "id = ?", sub.JobID).Error
	_ = s.db.WithContext(r.Context()).First(&bounty, "id = ?", job.BountyID).Error
	var artifacts []models.Artifact
	_ = s.db.WithContext(r.Context()).
		Where("submission_id = ?", sub.ID).
		Order("created_at ASC").
		Find(&artifacts).Error

	writeJSON(w, http.StatusOK, map[string]any{
		"claimed":        true,
		"submissionId":   row.SubmissionID,
		"attemptNo":      row.AttemptNo,
		"claimToken":     row.ClaimToken,
		"claimExpiresAt": row.ClaimExpiresAt,
		"submission": map[string]any{
			"manifest":      rawOrNull(sub.Manifest),
			"artifactIndex": rawOrNull(sub.ArtifactIndex),
			"notes":         sub.Notes,
		},
		"job": map[string]any{
			"id":             job.ID,
			"taskDescriptor": rawOrNull(job.TaskDescriptor),
		},
		"bounty": map[string]any{
			"id":             bounty.ID,
			"title":          bounty.Title,
			"journey":        bounty.Journey,
			"requiredProofs": bounty.RequiredProofs,
		},
		"artifacts": artifacts,
	})
}

func (s *Server) handleVerifierVerdict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionID uuid.UUID               `json:"submissionId"`
		AttemptNo    int                     `json:"attemptNo"`
		ClaimToken   string                  `json:"claimToken"`
		Verdict      string                  `json:"verdict"`
		Reason       string                  `json:"reason"`
		Scorecard    *verification.Scorecard `json:"scorecard"`
		EvidenceIDs  []uuid.UUID             `json:"evidenceIds"`
	}
	if !decodeBody(w, r, &req, 1<<16) {
		return
	}
	row, err := s.verify.Verdict(r.Context(), verification.VerdictRequest{
		SubmissionID: req.SubmissionID,
		AttemptNo:    req.AttemptNo,
		ClaimToken:   req.ClaimToken,
		Verdict:      models.Verdict(req.Verdict),
		Reason:       req.Reason,
		Scorecard:    req.Scorecard,
		EvidenceIDs:  req.EvidenceIDs,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submissionId": row.SubmissionID,
		"attemptNo":    row.AttemptNo,
		"verdict":      row.Verdict,
		"finishedAt":   row.FinishedAt,
	})
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

// handleVerifierPresign stages verifier evidence artifacts against the
// submission under review.
func (s *Server) handleVerifierPresign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionID uuid.UUID                 `json:"submissionId"`
		Files        []artifact.PresignRequest `json:"files"`
	}
	if !decodeBody(w, r, &req, 1<<16) {
		return
	}
	actorID := verifierActorID(verifierFrom(r))
	owner := artifact.Owner{WorkerID: &actorID}
	if req.SubmissionID != uuid.Nil {
		var sub models.Submission
		if err := s.db.WithContext(r.Context()).First(&sub, "id = ?", req.SubmissionID).Error; err != nil {
			s.fail(w, err)
			return
		}
		owner.SubmissionID = &sub.ID
		owner.JobID = &sub.JobID
	}
	results, err := s.artifacts.Presign(r.Context(), owner, req.Files)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": results})
}

func (s *Server) handleVerifierUploadLocal(w http.ResponseWriter, r *http.Request) {
	s.putLocal(w, r, verifierActorID(verifierFrom(r)))
}
