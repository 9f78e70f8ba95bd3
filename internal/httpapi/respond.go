package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"proofwork/internal/artifact"
	"proofwork/internal/auth"
	"proofwork/internal/bounty"
	"proofwork/internal/jobs"
	"proofwork/internal/origins"
	"proofwork/internal/payout"
	"proofwork/internal/submission"
	"proofwork/internal/verification"
	"proofwork/internal/webhookauth"
)

// envelope is the worker-facing response shape for jobs/next, claim, and
// submit.
type envelope struct {
	State            string         `json:"state"`
	NextSteps        []string       `json:"next_steps"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	SubmissionFormat map[string]any `json:"submission_format,omitempty"`
	Data             any            `json:"data,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// fail maps a domain error onto the wire taxonomy.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrMalformedToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrCSRF):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, origins.ErrBlockedDomain):
		return http.StatusForbidden, "blocked_domain"
	case errors.Is(err, origins.ErrHostPrivate):
		return http.StatusBadRequest, "origin_host_private"
	case errors.Is(err, origins.ErrTokenMismatch):
		return http.StatusBadRequest, "origin_token_mismatch"

	case errors.Is(err, bounty.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, bounty.ErrDailySpendLimit):
		return http.StatusConflict, "daily_spend_limit_exceeded"
	case errors.Is(err, bounty.ErrMonthlySpendLimit):
		return http.StatusConflict, "monthly_spend_limit_exceeded"
	case errors.Is(err, bounty.ErrMaxOpenJobs):
		return http.StatusConflict, "max_open_jobs_exceeded"
	case errors.Is(err, bounty.ErrOriginNotVerified):
		return http.StatusBadRequest, "invalid_origin_unverified"

	case errors.Is(err, jobs.ErrNotAvailable):
		return http.StatusConflict, "not_available"
	case errors.Is(err, jobs.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, jobs.ErrLeaseExpired):
		return http.StatusConflict, "lease_expired"
	case errors.Is(err, jobs.ErrNotOwner):
		return http.StatusConflict, "not_owner"

	case errors.Is(err, submission.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, submission.ErrStaleJob):
		return http.StatusConflict, "stale_job"
	case errors.Is(err, submission.ErrInvalidOrigin):
		return http.StatusBadRequest, "invalid_origin"

	case errors.Is(err, verification.ErrClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, verification.ErrClaimInvalid):
		return http.StatusConflict, "not_owner"
	case errors.Is(err, verification.ErrClaimExpired):
		return http.StatusConflict, "lease_expired"
	case errors.Is(err, verification.ErrBadScorecard):
		return http.StatusBadRequest, "invalid"

	case errors.Is(err, payout.ErrAlreadyPaid):
		return http.StatusConflict, "payout_already_paid"
	case errors.Is(err, payout.ErrBadSignature):
		return http.StatusBadRequest, "invalid_signature"

	case errors.Is(err, artifact.ErrBlockedContentType):
		return http.StatusBadRequest, "blocked_content_type"
	case errors.Is(err, artifact.ErrInvalidFilename), errors.Is(err, artifact.ErrTooLarge),
		errors.Is(err, artifact.ErrTooManyFiles):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, artifact.ErrBlocked):
		return http.StatusUnprocessableEntity, "blocked"
	case errors.Is(err, artifact.ErrNotOwner):
		return http.StatusConflict, "not_owner"
	case errors.Is(err, artifact.ErrBadState):
		return http.StatusConflict, "bad_state"

	case errors.Is(err, webhookauth.ErrBadSignature), errors.Is(err, webhookauth.ErrStaleTimestamp):
		return http.StatusUnauthorized, "unauthorized"

	case errors.Is(err, bounty.ErrBadState), errors.Is(err, submission.ErrBadState),
		errors.Is(err, verification.ErrBadState), errors.Is(err, payout.ErrBadState):
		return http.StatusConflict, "bad_state"
	}

	// Validation errors carry their wire code as the message prefix.
	msg := err.Error()
	for _, prefix := range []string{"invalid_amount", "task_descriptor_", "manifest_", "invalid"} {
		if strings.HasPrefix(msg, prefix) {
			code := msg
			if idx := strings.IndexAny(msg, ":("); idx > 0 {
				code = strings.TrimSpace(msg[:idx])
			}
			return http.StatusBadRequest, code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// decodeBody parses a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) bool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "malformed request body")
		return false
	}
	return true
}
