package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClawsCorp/core/pkg/api"
	"github.com/ClawsCorp/core/pkg/archive"
	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/auth"
	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/config"
	"github.com/ClawsCorp/core/pkg/database"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/observability"
	"github.com/ClawsCorp/core/pkg/outbox"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

var version = "dev"

// chainClient is everything the pipeline needs from the chain.
type chainClient interface {
	chain.BalanceReader
	chain.DistributorReader
	chain.Submitter
}

// app holds the wired server-side components.
type app struct {
	cfg    *config.Config
	db     *sql.DB
	logger *slog.Logger

	ledger       *ledger.SQLStore
	settlements  *settlement.Engine
	reconciler   *reconcile.Engine
	payouts      *distribution.SQLStore
	tasks        *outbox.SQLStore
	orchestrator *distribution.Orchestrator
	audit        *audit.SQLStore
	auditor      *audit.Recorder
	telemetry    *observability.Provider

	chain  chainClient
	closer []func() error
}

// newApp opens the database, applies migrations and wires every component.
// A nil override makes the chain client come from configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, override chainClient) (*app, error) {
	db, dialect, err := database.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, logger: logger, closer: []func() error{db.Close}}
	if err := database.Migrate(ctx, db); err != nil {
		a.close()
		return nil, err
	}

	signer := true
	switch {
	case override != nil:
		a.chain = override
	default:
		gw, err := chain.NewGateway(chain.GatewayConfig{
			BaseURL:            cfg.Chain.GatewayURL,
			DistributorAddress: cfg.Chain.DistributorAddress,
			SignerKey:          cfg.Chain.SignerKey,
			Timeout:            cfg.Chain.Timeout,
			MaxRetries:         3,
			Logger:             logger,
		})
		switch {
		case errors.Is(err, chain.ErrNotConfigured):
			logger.WarnContext(ctx, "chain gateway not configured; reconciliation and payouts will block")
		case err != nil:
			a.close()
			return nil, err
		default:
			a.chain = gw
			signer = gw.HasSigner()
		}
	}

	a.telemetry, err = observability.New(ctx, observability.FromConfig(cfg.Telemetry, version))
	if err != nil {
		a.close()
		return nil, err
	}
	a.closer = append(a.closer, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(sctx)
	})

	evidence, err := archive.NewStore(ctx, cfg.Archive, cfg.DataDir)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		balances chain.BalanceReader
		reader   chain.DistributorReader
	)
	if a.chain != nil {
		balances, reader = a.chain, a.chain
	}

	a.ledger = ledger.NewSQLStore(db, dialect)
	a.settlements = settlement.NewEngine(a.ledger, settlement.NewSQLStore(db), logger)
	a.reconciler = reconcile.NewEngine(a.settlements, balances, reconcile.NewSQLStore(db), reconcile.Config{
		DistributorAddress: cfg.Chain.DistributorAddress,
		MaxAge:             cfg.Reconcile.MaxAge,
		ReadTimeout:        cfg.Chain.Timeout,
		Logger:             logger,
	})
	a.payouts = distribution.NewSQLStore(db)
	a.tasks = outbox.NewSQLStore(db)
	a.audit = audit.NewSQLStore(db)
	a.auditor = audit.NewRecorder(a.audit, logger)
	a.orchestrator = distribution.NewOrchestrator(distribution.Options{
		Gate:             a.reconciler,
		Store:            a.payouts,
		Outbox:           a.tasks,
		Reader:           reader,
		SignerConfigured: signer,
		Limits:           distribution.Limits{MaxStakers: cfg.Payout.MaxStakers, MaxAuthors: cfg.Payout.MaxAuthors},
		StakersBps:       cfg.Payout.StakersBps,
		AuthorsBps:       cfg.Payout.AuthorsBps,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		Settlements:      a.settlements,
		Audit:            a.audit,
		Archive:          evidence,
		Logger:           logger,
	})
	return a, nil
}

func (a *app) close() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closer = nil
}

// nonceStore builds the configured nonce store. The returned sweep is nil
// for stores that expire entries themselves.
func (a *app) nonceStore(ctx context.Context) (auth.NonceStore, func(context.Context) (int64, error), error) {
	switch a.cfg.Auth.NonceStore {
	case "memory":
		return auth.NewMemoryNonceStore(), nil, nil
	case "redis":
		rs := auth.NewRedisNonceStore(a.cfg.Auth.RedisAddr, a.cfg.Auth.RedisPassword, 0)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis nonce store: %w", err)
		}
		a.closer = append(a.closer, rs.Close)
		return rs, nil, nil
	case "sql", "":
		s := auth.NewSQLNonceStore(a.db)
		return s, s.Sweep, nil
	default:
		return nil, nil, fmt.Errorf("unsupported nonce store %q", a.cfg.Auth.NonceStore)
	}
}

// worker returns an outbox worker with the distribution handlers bound.
func (a *app) worker() *outbox.Worker {
	w := outbox.NewWorker(a.tasks, outbox.WorkerConfig{
		ID:           a.cfg.Worker.ID,
		BatchSize:    a.cfg.Worker.BatchSize,
		LeaseTTL:     a.cfg.Worker.LeaseTTL,
		PollInterval: a.cfg.Worker.PollInterval,
		Logger:       a.logger,
		Tracker:      a.telemetry,
	})
	var (
		submitter chain.Submitter
		reader    chain.DistributorReader
	)
	if a.chain != nil {
		submitter, reader = a.chain, a.chain
	}
	distribution.NewHandlers(submitter, reader, a.payouts, a.logger).Register(w)
	return w
}

// server returns the HTTP API and the idempotency store it replays from.
func (a *app) server(nonces auth.NonceStore) (*api.Server, *api.SQLIdempotencyStore) {
	idem := api.NewSQLIdempotencyStore(a.db, a.cfg.HTTP.IdempotencyTTL)
	srv := api.NewServer(api.Options{
		Ledger:        a.ledger,
		Settlements:   a.settlements,
		Reconciler:    a.reconciler,
		Distributions: a.orchestrator,
		Payouts:       a.payouts,
		Verifier: auth.NewVerifier([]byte(a.cfg.Auth.HMACSecret), nonces, auth.VerifierConfig{
			TTL:  a.cfg.Auth.TTL,
			Skew: a.cfg.Auth.AllowedSkew,
		}),
		Audit:       a.auditor,
		Idempotency: idem,
		Limiter:     api.NewRateLimiter(a.cfg.HTTP.RateLimitRPS, a.cfg.HTTP.RateLimitBurst),
		Tracker:     a.telemetry,
		Health:      a.db,
		Logger:      a.logger,
	})
	return srv, idem
}
