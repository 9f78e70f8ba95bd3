package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"proofwork/internal/artifact"
	"proofwork/internal/auth"
	"proofwork/internal/jobs"
	"proofwork/internal/models"
	"proofwork/internal/submission"
)

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName  string          `json:"displayName"`
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if !decodeBody(w, r, &req, 1<<16) {
		return
	}
	token, prefix, digest, err := s.minter.Mint(auth.AudienceWorker)
	if err != nil {
		s.fail(w, err)
		return
	}
	worker := models.Worker{
		ID:           uuid.New(),
		DisplayName:  req.DisplayName,
		Status:       models.WorkerActive,
		Capabilities: req.Capabilities,
		KeyPrefix:    prefix,
		TokenDigest:  digest,
		RepAlpha:     2,
		RepBeta:      2,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(r.Context()).Create(&worker).Error; err != nil {
		s.fail(w, err)
		return
	}
	// The token is returned exactly once; only its digest is stored.
	writeJSON(w, http.StatusCreated, map[string]any{
		"workerId": worker.ID,
		"token":    token,
	})
}

func (s *Server) handleWorkerMe(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"workerId":      worker.ID,
		"displayName":   worker.DisplayName,
		"status":        worker.Status,
		"capabilities":  json.RawMessage(worker.Capabilities),
		"payoutAddress": worker.PayoutAddress,
		"reputation":    worker.RepAlpha / (worker.RepAlpha + worker.RepBeta),
	})
}

func (s *Server) handlePayoutAddressMessage(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	message, err := s.payouts.IssueAddressChallenge(r.Context(), worker.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": message})
}

func (s *Server) handlePayoutAddressSet(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	var req struct {
		Address   string `json:"address"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if err := s.payouts.SetWorkerAddress(r.Context(), worker.ID, req.Address, req.Signature); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": req.Address, "verified": true})
}

func (s *Server) handleWorkerPayouts(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	var rows []models.Payout
	if err := s.db.WithContext(r.Context()).
		Where("worker_id = ?", worker.ID).
		Order("created_at DESC").
		Limit(100).
		Find(&rows).Error; err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": rows})
}

func claimEnvelope(job *models.Job, bounty *models.Bounty) envelope {
	data := map[string]any{
		"jobId":            job.ID,
		"bountyId":         job.BountyID,
		"fingerprintClass": job.FingerprintClass,
		"taskDescriptor":   json.RawMessage(job.TaskDescriptor),
	}
	constraints := map[string]any{}
	if bounty != nil {
		data["payoutCents"] = bounty.PayoutCents
		data["title"] = bounty.Title
		constraints["allowedOrigins"] = json.RawMessage(orEmptyArray(bounty.AllowedOrigins))
	}
	if job.LeaseExpiresAt != nil {
		constraints["leaseExpiresAt"] = job.LeaseExpiresAt
	}
	if job.LeaseNonce != "" {
		data["leaseNonce"] = job.LeaseNonce
	}
	return envelope{
		State:       stateFor(job),
		NextSteps:   nextStepsFor(job),
		Constraints: constraints,
		SubmissionFormat: map[string]any{
			"manifestVersion": "v1.0",
			"schema":          "/contracts/task_descriptor.schema.json",
		},
		Data: data,
	}
}

func stateFor(job *models.Job) string {
	switch job.Status {
	case models.JobOpen, models.JobExpired:
		return "claimable"
	case models.JobClaimed:
		return "claimed"
	case models.JobSubmitted, models.JobVerifying:
		return "verifying"
	case models.JobDone:
		return "done"
	}
	return "idle"
}

func nextStepsFor(job *models.Job) []string {
	switch job.Status {
	case models.JobOpen, models.JobExpired:
		return []string{"claim"}
	case models.JobClaimed:
		return []string{"upload_artifacts", "submit"}
	case models.JobVerifying:
		return []string{"await_verification"}
	}
	return []string{}
}

func idleEnvelope(reason string) envelope {
	return envelope{
		State:       "idle",
		NextSteps:   []string{"poll_later"},
		Constraints: map[string]any{"reason": reason, "retryAfterSec": 30},
	}
}

func (s *Server) handleJobsNext(w http.ResponseWriter, r *http.Request) {
	if reason := s.admission.Check(r.Context()); reason != "" {
		writeJSON(w, http.StatusOK, idleEnvelope(reason))
		return
	}
	worker := workerFrom(r)
	filters := jobs.Filters{
		TaskType:      r.URL.Query().Get("taskType"),
		CapabilityTag: r.URL.Query().Get("capabilityTag"),
	}
	if raw := r.URL.Query().Get("minPayoutCents"); raw != "" {
		if cents, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filters.MinPayoutCents = cents
		}
	}
	if raw := r.URL.Query()["supportedCapabilityTags"]; len(raw) > 0 {
		filters.SupportedCapabilityTags = raw
	}
	for _, raw := range r.URL.Query()["excludeJobIds"] {
		if id, err := uuid.Parse(raw); err == nil {
			filters.ExcludeJobIDs = append(filters.ExcludeJobIDs, id)
		}
	}
	candidate, err := s.jobs.FindClaimable(r.Context(), worker, filters)
	if err != nil {
		s.fail(w, err)
		return
	}
	if candidate == nil {
		writeJSON(w, http.StatusOK, idleEnvelope("no_matching_jobs"))
		return
	}
	writeJSON(w, http.StatusOK, claimEnvelope(&candidate.Job, &candidate.Bounty))
}

func (s *Server) handleJobClaim(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed job id")
		return
	}
	var req struct {
		TTLMs int64 `json:"ttlMs"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req, 1<<12) {
		return
	}
	job, err := s.jobs.Lease(r.Context(), jobID, worker.ID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.fail(w, err)
		return
	}
	var row models.Bounty
	_ = s.db.WithContext(r.Context()).First(&row, "id = ?", job.BountyID).Error
	writeJSON(w, http.StatusOK, claimEnvelope(job, &row))
}

func (s *Server) handleJobRelease(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed job id")
		return
	}
	var req struct {
		LeaseNonce string `json:"leaseNonce"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	if err := s.jobs.Release(r.Context(), jobID, worker.ID, req.LeaseNonce); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": true})
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed job id")
		return
	}
	var req struct {
		LeaseNonce    string          `json:"leaseNonce"`
		Manifest      json.RawMessage `json:"manifest"`
		ArtifactIndex json.RawMessage `json:"artifactIndex"`
		Notes         string          `json:"notes"`
		ArtifactIDs   []uuid.UUID     `json:"artifactIds"`
	}
	if !decodeBody(w, r, &req, 256<<10) {
		return
	}
	result, err := s.subs.Submit(r.Context(), submission.Request{
		JobID:          jobID,
		WorkerID:       worker.ID,
		LeaseNonce:     req.LeaseNonce,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Manifest:       req.Manifest,
		ArtifactIndex:  req.ArtifactIndex,
		Notes:          req.Notes,
		ArtifactIDs:    req.ArtifactIDs,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	var job models.Job
	if err := s.db.WithContext(r.Context()).First(&job, "id = ?", jobID).Error; err != nil {
		s.fail(w, err)
		return
	}
	env := claimEnvelope(&job, nil)
	data := env.Data.(map[string]any)
	data["submissionId"] = result.Submission.ID
	data["submissionStatus"] = result.Submission.Status
	data["replayed"] = result.Replayed
	if result.VerificationID != nil {
		data["verificationId"] = result.VerificationID
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, env)
}

func (s *Server) handleUploadsPresign(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	var req struct {
		JobID      uuid.UUID                 `json:"jobId"`
		LeaseNonce string                    `json:"leaseNonce"`
		Files      []artifact.PresignRequest `json:"files"`
	}
	if !decodeBody(w, r, &req, 1<<16) {
		return
	}
	owner := artifact.Owner{WorkerID: &worker.ID}
	if req.JobID != uuid.Nil {
		var job models.Job
		if err := s.db.WithContext(r.Context()).First(&job, "id = ?", req.JobID).Error; err != nil {
			s.fail(w, err)
			return
		}
		if err := s.jobs.HeldBy(&job, worker.ID, req.LeaseNonce, s.now()); err != nil {
			s.fail(w, err)
			return
		}
		owner.JobID = &job.ID
		var row models.Bounty
		if err := s.db.WithContext(r.Context()).First(&row, "id = ?", job.BountyID).Error; err == nil {
			owner.OrgID = &row.OrgID
		}
	}
	results, err := s.artifacts.Presign(r.Context(), owner, req.Files)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"uploads": results})
}

func (s *Server) handleUploadsComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArtifactID uuid.UUID `json:"artifactId"`
	}
	if !decodeBody(w, r, &req, 1<<12) {
		return
	}
	actorID, ok := uploadActor(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing identity")
		return
	}
	row, err := s.artifacts.CompleteRemote(r.Context(), req.ArtifactID, actorID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifactId": row.ID, "status": row.Status})
}

func (s *Server) handleUploadLocal(w http.ResponseWriter, r *http.Request) {
	worker := workerFrom(r)
	s.putLocal(w, r, worker.ID)
}

func (s *Server) putLocal(w http.ResponseWriter, r *http.Request, actorID uuid.UUID) {
	artifactID, err := uuid.Parse(chi.URLParam(r, "artifactID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed artifact id")
		return
	}
	row, err := s.artifacts.PutLocal(r.Context(), artifactID, actorID, r.Body, r.ContentLength)
	if err != nil && !errors.Is(err, artifact.ErrBlocked) {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	body := map[string]any{"artifactId": artifactID, "status": row.Status}
	if errors.Is(err, artifact.ErrBlocked) {
		status = http.StatusUnprocessableEntity
		body["scanReason"] = row.ScanReason
	}
	writeJSON(w, status, body)
}

// uploadActor resolves the identity for upload routes shared between the
// worker and verifier groups.
func uploadActor(r *http.Request) (uuid.UUID, bool) {
	if worker := workerFrom(r); worker != nil {
		return worker.ID, true
	}
	if id := verifierFrom(r); id != "" {
		return verifierActorID(id), true
	}
	return uuid.Nil, false
}

// verifierActorID derives a stable synthetic owner id from the verifier's
// token identity so verifier uploads pass the same ownership checks as
// worker uploads.
func verifierActorID(tokenID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("verifier:"+tokenID))
}
