package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"proofwork/internal/auth"
	"proofwork/internal/models"
)

type contextKey string

const (
	ctxWorker   contextKey = "worker"
	ctxOrgID    contextKey = "orgID"
	ctxVerifier contextKey = "verifier"
)

func (s *Server) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		aud, prefix, err := auth.Prefix(token)
		if err != nil || aud != auth.AudienceWorker {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		var worker models.Worker
		if err := s.db.WithContext(r.Context()).
			First(&worker, "key_prefix = ?", prefix).Error; err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !s.minter.Verify(token, worker.TokenDigest, worker.LegacyDigest) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if worker.Status == models.WorkerBanned {
			writeError(w, http.StatusForbidden, "forbidden", "worker banned")
			return
		}
		if worker.RateLimitedUntil != nil && worker.RateLimitedUntil.After(s.now()) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "worker rate limited")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxWorker, &worker)))
	})
}

func workerFrom(r *http.Request) *models.Worker {
	worker, _ := r.Context().Value(ctxWorker).(*models.Worker)
	return worker
}

// requireBuyer accepts either a console session cookie (with CSRF on
// mutations) or an org API key bearer token.
func (s *Server) requireBuyer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := auth.BearerToken(r.Header.Get("Authorization")); ok {
			aud, prefix, err := auth.Prefix(token)
			if err != nil || aud != auth.AudienceBuyer {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			var org models.Org
			if err := s.db.WithContext(r.Context()).
				First(&org, "api_key_prefix = ?", prefix).Error; err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			if !s.minter.Verify(token, org.APIKeyDigest, false) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxOrgID, org.ID)))
			return
		}
		orgID, err := s.sessions.Resolve(r)
		if err != nil {
			s.fail(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxOrgID, orgID)))
	})
}

func orgIDFrom(r *http.Request) uuid.UUID {
	orgID, _ := r.Context().Value(ctxOrgID).(uuid.UUID)
	return orgID
}

func (s *Server) requireVerifier(next http.Handler) http.Handler {
	return s.requireStatic(next, s.cfg.Auth.VerifierTokens, ctxVerifier)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireStatic(next, s.cfg.Auth.AdminTokens, contextKey("admin"))
}

func (s *Server) requireStatic(next http.Handler, allowed []string, key contextKey) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok || !auth.VerifyStatic(token, allowed) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		id := token
		if len(id) > 12 {
			id = id[:12]
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), key, id)))
	})
}

func verifierFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxVerifier).(string)
	return id
}
