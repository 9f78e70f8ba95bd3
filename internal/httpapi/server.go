// Package httpapi is the HTTP facade over the marketplace engines: worker,
// buyer, verifier, admin, and webhook surfaces plus the public health and
// artifact endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"proofwork/config"
	"proofwork/internal/admission"
	"proofwork/internal/artifact"
	"proofwork/internal/auth"
	"proofwork/internal/bounty"
	"proofwork/internal/jobs"
	"proofwork/internal/middleware"
	"proofwork/internal/origins"
	"proofwork/internal/payout"
	"proofwork/internal/storage"
	"proofwork/internal/submission"
	"proofwork/internal/verification"
	"proofwork/internal/webhookauth"
)

// Server binds the engines to routes.
type Server struct {
	db        *gorm.DB
	cfg       *config.Config
	log       *slog.Logger
	minter    *auth.Minter
	sessions  *auth.Sessions
	bounties  *bounty.Engine
	jobs      *jobs.Engine
	subs      *submission.Engine
	verify    *verification.Engine
	artifacts *artifact.Service
	payouts   *payout.Engine
	origins   *origins.Service
	admission *admission.Controller
	replays   *webhookauth.ReplayStore
	limiter   *middleware.RateLimiter
	now       func() time.Time
}

// Deps carries the wired engines into the server.
type Deps struct {
	DB        *gorm.DB
	Config    *config.Config
	Log       *slog.Logger
	Minter    *auth.Minter
	Sessions  *auth.Sessions
	Bounties  *bounty.Engine
	Jobs      *jobs.Engine
	Subs      *submission.Engine
	Verify    *verification.Engine
	Artifacts *artifact.Service
	Payouts   *payout.Engine
	Origins   *origins.Service
	Admission *admission.Controller
	Replays   *webhookauth.ReplayStore
}

// NewServer assembles the HTTP facade.
func NewServer(deps Deps) *Server {
	limits := map[string]middleware.RateLimit{}
	for route, rl := range deps.Config.Limits.Routes {
		limits[route] = middleware.RateLimit{RequestsPerMinute: rl.PerMinute, Burst: rl.Burst, Shared: rl.Shared}
	}
	global := middleware.RateLimit{
		RequestsPerMinute: deps.Config.Limits.Global.PerMinute,
		Burst:             deps.Config.Limits.Global.Burst,
	}
	return &Server{
		db:        deps.DB,
		cfg:       deps.Config,
		log:       deps.Log,
		minter:    deps.Minter,
		sessions:  deps.Sessions,
		bounties:  deps.Bounties,
		jobs:      deps.Jobs,
		subs:      deps.Subs,
		verify:    deps.Verify,
		artifacts: deps.Artifacts,
		payouts:   deps.Payouts,
		origins:   deps.Origins,
		admission: deps.Admission,
		replays:   deps.Replays,
		limiter:   middleware.NewRateLimiter(global, limits, storage.NewBuckets(deps.DB), deps.Log),
		now:       time.Now,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Trace("proofworkd"))
	r.Use(middleware.SecurityHeaders(s.cfg.Production()))
	r.Use(middleware.RequestLog(s.log))
	r.Use(middleware.Metrics)
	r.Use(s.limiter.Limit("global"))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/health/metrics", promhttp.Handler())
	r.Get("/contracts/task_descriptor.schema.json", s.handleDescriptorSchema)
	r.Get("/api/artifacts/{artifactID}", s.handleArtifactDownload)
	r.Get("/api/artifacts/{artifactID}/download", s.handleArtifactDownload)

	r.Route("/api", func(r chi.Router) {
		r.With(s.limiter.Limit("register")).Post("/workers/register", s.handleWorkerRegister)
		r.With(s.limiter.Limit("register")).Post("/org/register", s.handleOrgRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)
		r.With(s.limiter.Limit("webhook")).Post("/webhooks/{provider}", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.requireWorker)
			r.Get("/worker/me", s.handleWorkerMe)
			r.Post("/worker/payout-address/message", s.handlePayoutAddressMessage)
			r.Post("/worker/payout-address", s.handlePayoutAddressSet)
			r.Get("/worker/payouts", s.handleWorkerPayouts)
			r.With(s.limiter.Limit("jobs_next")).Get("/jobs/next", s.handleJobsNext)
			r.Post("/jobs/{jobID}/claim", s.handleJobClaim)
			r.Post("/jobs/{jobID}/release", s.handleJobRelease)
			r.With(s.limiter.Limit("submit")).Post("/jobs/{jobID}/submit", s.handleJobSubmit)
			r.With(s.limiter.Limit("presign")).Post("/uploads/presign", s.handleUploadsPresign)
			r.Post("/uploads/complete", s.handleUploadsComplete)
			r.Put("/uploads/local/{artifactID}", s.handleUploadLocal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireBuyer)
			r.Post("/org/api-keys", s.handleOrgAPIKey)
			r.Get("/org/platform-fee", s.handleGetPlatformFee)
			r.Put("/org/platform-fee", s.handlePutPlatformFee)
			r.Get("/org/cors-allow-origins", s.handleGetCORS)
			r.Put("/org/cors-allow-origins", s.handlePutCORS)
			r.Get("/org/quotas", s.handleGetQuotas)
			r.Put("/org/quotas", s.handlePutQuotas)
			r.Post("/origins", s.handleOriginCreate)
			r.Post("/origins/{originID}/check", s.handleOriginCheck)
			r.Post("/origins/{originID}/revoke", s.handleOriginRevoke)
			r.Post("/bounties", s.handleBountyCreate)
			r.Post("/bounties/{bountyID}/publish", s.handleBountyPublish)
			r.Post("/bounties/{bountyID}/pause", s.handleBountyPause)
			r.Post("/bounties/{bountyID}/close", s.handleBountyClose)
			r.Get("/org/payouts", s.handleOrgPayouts)
			r.Get("/org/earnings", s.handleOrgEarnings)
			r.Get("/org/disputes", s.handleOrgDisputes)
			r.Post("/org/disputes", s.handleDisputeOpen)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireVerifier)
			r.Post("/verifier/claim", s.handleVerifierClaim)
			r.Post("/verifier/verdict", s.handleVerifierVerdict)
			r.Post("/verifier/uploads/presign", s.handleVerifierPresign)
			r.Post("/verifier/uploads/complete", s.handleUploadsComplete)
			r.Put("/verifier/uploads/local/{artifactID}", s.handleVerifierUploadLocal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/admin/workers/{workerID}/ban", s.handleAdminWorkerBan)
			r.Post("/admin/workers/{workerID}/rate-limit", s.handleAdminWorkerRateLimit)
			r.Post("/admin/verifications/{submissionID}/requeue", s.handleAdminVerificationRequeue)
			r.Post("/admin/submissions/{submissionID}/mark-duplicate", s.handleAdminMarkDuplicate)
			r.Post("/admin/submissions/{submissionID}/override-verdict", s.handleAdminOverrideVerdict)
			r.Get("/admin/payouts", s.handleAdminPayouts)
			r.Post("/admin/payouts/{payoutID}/retry", s.handleAdminPayoutRetry)
			r.Post("/admin/payouts/{payoutID}/mark", s.handleAdminPayoutMark)
			r.Post("/admin/disputes/{disputeID}/resolve", s.handleAdminDisputeResolve)
			r.Get("/admin/blocked-domains", s.handleBlockedDomainsList)
			r.Post("/admin/blocked-domains", s.handleBlockedDomainsAdd)
			r.Delete("/admin/blocked-domains/{domain}", s.handleBlockedDomainsDelete)
			r.Post("/admin/artifacts/{artifactID}/quarantine", s.handleAdminArtifactQuarantine)
			r.Post("/admin/artifacts/{artifactID}/delete", s.handleAdminArtifactDelete)
			r.Post("/admin/billing/orgs/{orgID}/topup", s.handleAdminTopup)
			r.Post("/admin/claims/pause", s.handleAdminClaimsPause)
		})
	})
	return r
}
