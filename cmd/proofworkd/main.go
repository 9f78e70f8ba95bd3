package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"gorm.io/gorm"

	"proofwork/config"
	"proofwork/internal/admission"
	"proofwork/internal/artifact"
	"proofwork/internal/auth"
	"proofwork/internal/blobstore"
	"proofwork/internal/bounty"
	"proofwork/internal/httpapi"
	"proofwork/internal/jobs"
	"proofwork/internal/origins"
	"proofwork/internal/outbox"
	"proofwork/internal/payout"
	"proofwork/internal/retention"
	"proofwork/internal/storage"
	"proofwork/internal/submission"
	"proofwork/internal/verification"
	"proofwork/internal/webhookauth"
	"proofwork/observability/logging"
	"proofwork/observability/otel"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "proofworkd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.Setup("proofworkd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Endpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "proofworkd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     cfg.Telemetry.Headers,
			Traces:      cfg.Telemetry.Traces,
			Metrics:     cfg.Telemetry.Metrics,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	scanner, err := buildScanner(cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	replays, err := webhookauth.OpenReplayStore(cfg.Webhook.NoncePath)
	if err != nil {
		return fmt.Errorf("webhook replay store: %w", err)
	}
	defer replays.Close()

	minter := auth.NewMinter(cfg.Auth.TokenPepper, cfg.Auth.AllowLegacyTokenHash)
	sessions := auth.NewSessions(db, cfg.Auth.SessionSecret, cfg.Auth.SessionTTL.Duration, cfg.Production())

	artifacts := artifact.NewService(db, store, scanner, artifact.Config{
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		PresignTTL:     cfg.Storage.PresignTTL.Duration,
		DefaultTTLDays: cfg.Retention.DefaultTTLDays,
	}, log)

	bounties := bounty.NewEngine(db, bounty.Quotas{
		DailySpendLimitCents:   cfg.Quotas.DailySpendLimitCents,
		MonthlySpendLimitCents: cfg.Quotas.MonthlySpendLimitCents,
		MaxOpenJobs:            cfg.Quotas.MaxOpenJobs,
	}, log)
	jobEngine := jobs.NewEngine(db, log)
	subs := submission.NewEngine(db, log)
	verify := verification.NewEngine(db, verification.Config{
		MaxAttempts:     cfg.Verification.MaxAttempts,
		DefaultClaimTTL: cfg.Verification.ClaimTTLMin.Duration,
	}, log)
	payouts := payout.NewEngine(db, provider, cfg.Payout.ProofworkFeeBps, cfg.Payout.MaxPlatformBps, log)
	originSvc := origins.NewService(db, origins.NewVerifier(origins.Config{
		DNSTimeout:    cfg.Origins.DNSTimeout.Duration,
		FetchTimeout:  cfg.Origins.FetchTimeout.Duration,
		MaxFetchBytes: cfg.Origins.MaxFetchBytes,
		AllowPrivate:  cfg.Origins.AllowPrivate,
		Resolver:      cfg.Origins.Resolver,
	}), log)
	control := admission.NewController(db, admission.Thresholds{
		MaxVerifierBacklog:    int64(cfg.Admission.MaxVerifierBacklog),
		MaxVerifierBacklogAge: cfg.Admission.MaxVerifierBacklogAge.Duration,
		MaxOutboxPendingAge:   cfg.Admission.MaxOutboxPendingAge.Duration,
		MaxScanBacklogAge:     cfg.Admission.MaxArtifactScanAge.Duration,
	}, verify, artifacts, log)

	dispatcherCfg := outbox.DispatcherConfig{
		BatchSize:         cfg.Outbox.BatchSize,
		PollInterval:      cfg.Outbox.PollInterval.Duration,
		VisibilityTimeout: cfg.Outbox.VisibilityTimeout.Duration,
		BackoffBase:       cfg.Outbox.BackoffBase.Duration,
		BackoffCap:        cfg.Outbox.BackoffCap.Duration,
		MaxAttempts:       cfg.Outbox.MaxAttempts,
	}
	dispatchers := cfg.Outbox.Dispatchers
	if dispatchers <= 0 {
		dispatchers = 1
	}
	for i := 0; i < dispatchers; i++ {
		d := outbox.NewDispatcher(db, dispatcherCfg, log)
		d.Register(outbox.TopicVerificationRequested, verify.HandleVerificationRequested)
		d.Register(outbox.TopicArtifactScanRequested, artifacts.HandleScanEvent)
		d.Register(outbox.TopicArtifactDeleteRequested, artifacts.HandleDeleteEvent)
		d.Register(outbox.TopicPayoutRequested, payouts.HandlePayoutRequested)
		d.Register(outbox.TopicPayoutConfirmRequested, payouts.HandlePayoutConfirm)
		go d.Run(ctx)
	}

	go retention.NewScheduler(db, cfg.Retention.SweepInterval.Duration, log).Run(ctx)
	go reapLoop(ctx, jobEngine, log)
	go pruneLoops(ctx, db, replays, log)

	server := httpapi.NewServer(httpapi.Deps{
		DB:        db,
		Config:    cfg,
		Log:       log,
		Minter:    minter,
		Sessions:  sessions,
		Bounties:  bounties,
		Jobs:      jobEngine,
		Subs:      subs,
		Verify:    verify,
		Artifacts: artifacts,
		Payouts:   payouts,
		Origins:   originSvc,
		Admission: control,
		Replays:   replays,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.Storage.Backend {
	case "local", "":
		return blobstore.NewLocalStore(cfg.Storage.LocalRoot)
	case "s3":
		return blobstore.NewRemoteStore(blobstore.RemoteConfig{
			Endpoint:         cfg.Storage.Endpoint,
			StagingBucket:    cfg.Storage.StagingBucket,
			CleanBucket:      cfg.Storage.CleanBucket,
			QuarantineBucket: cfg.Storage.QuarantineBucket,
			SigningSecret:    cfg.Storage.SigningSecret,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func buildScanner(cfg *config.Config) (artifact.Scanner, error) {
	switch cfg.Scanner.Engine {
	case "none", "":
		return artifact.NoopScanner{}, nil
	case "clamav":
		return artifact.NewClamScanner(cfg.Scanner.Address, cfg.Scanner.Timeout.Duration), nil
	default:
		return nil, fmt.Errorf("unsupported scanner engine %q", cfg.Scanner.Engine)
	}
}

func buildProvider(cfg *config.Config) (payout.Provider, error) {
	switch cfg.Payout.Provider {
	case "mock", "":
		return payout.MockProvider{}, nil
	case "http":
		return payout.NewHTTPProvider(cfg.Payout.ProviderURL, cfg.Payout.ProviderKey, cfg.Payout.ProviderTimeout.Duration), nil
	case "evmsplit":
		return payout.NewEVMSplitProvider(payout.EVMConfig{
			RPCEndpoint: cfg.Payout.EVMRPCEndpoint,
			PrivateKey:  cfg.Payout.EVMPrivateKey,
			ChainID:     cfg.Payout.EVMChainID,
			WeiPerCent:  cfg.Payout.EVMWeiPerCent,
		})
	default:
		return nil, fmt.Errorf("unsupported payout provider %q", cfg.Payout.Provider)
	}
}

// reapLoop sweeps expired leases back to open so other workers can claim.
func reapLoop(ctx context.Context, engine *jobs.Engine, log *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := engine.ReapExpired(ctx); err != nil {
				log.Warn("lease reaper failed", "error", err)
			} else if n > 0 {
				log.Info("reaped expired leases", "count", n)
			}
		}
	}
}

// pruneLoops drops aged webhook replay nonces and idle rate buckets.
func pruneLoops(ctx context.Context, db *gorm.DB, replays *webhookauth.ReplayStore, log *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	buckets := storage.NewBuckets(db)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := replays.Prune(time.Now().Add(-48 * time.Hour)); err != nil {
				log.Warn("replay prune failed", "error", err)
			}
			if err := buckets.Prune(ctx, 24*time.Hour); err != nil {
				log.Warn("rate bucket prune failed", "error", err)
			}
		}
	}
}
