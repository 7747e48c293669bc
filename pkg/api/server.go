// Package api exposes settlement, reconciliation and payout actions over
// HTTP. Privileged routes require a signed request and write exactly one
// audit row per call before the response is sent.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ClawsCorp/core/pkg/apierror"
	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/auth"
	"github.com/ClawsCorp/core/pkg/chain"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

// Settler computes and reads settlements.
type Settler interface {
	Compute(ctx context.Context, month ledger.MonthID, projectID *string) (settlement.Settlement, error)
	Latest(ctx context.Context, month ledger.MonthID) (settlement.Settlement, error)
}

// Reconciler computes and reads reconciliation reports.
type Reconciler interface {
	Reconcile(ctx context.Context, month ledger.MonthID) (reconcile.Report, error)
	Latest(ctx context.Context, month ledger.MonthID) (reconcile.Report, error)
}

// Distributor runs the payout steps.
type Distributor interface {
	Create(ctx context.Context, month ledger.MonthID) (distribution.CreateResult, error)
	Execute(ctx context.Context, month ledger.MonthID, req distribution.ExecuteRequest) (distribution.ExecuteResult, error)
	SyncPayout(ctx context.Context, month ledger.MonthID) (distribution.SyncResult, error)
}

// PayoutRecords reads payout rows for the public month summary.
type PayoutRecords interface {
	Summary(ctx context.Context, month ledger.MonthID) (distribution.PayoutSummary, error)
	LatestExecution(ctx context.Context, month ledger.MonthID) (distribution.Execution, error)
}

// Pinger reports backing store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Tracker records one operation; observability.Provider implements it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// Options wires a Server.
type Options struct {
	Ledger        ledger.Store
	Settlements   Settler
	Reconciler    Reconciler
	Distributions Distributor
	Payouts       PayoutRecords

	Verifier    *auth.Verifier
	Audit       audit.Logger
	Idempotency IdempotencyStore
	Limiter     *RateLimiter
	Tracker     Tracker
	Health      Pinger
	Logger      *slog.Logger
}

// Server serves the payoutd HTTP API.
type Server struct {
	opts   Options
	logger *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{opts: opts, logger: opts.Logger.With("component", "api")}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.TraceIDMiddleware)

	r.Get("/health", s.health)
	r.Get("/months/{month}/summary", s.monthSummary)

	r.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware)
		}
		r.Use(auth.NewMiddleware(s.opts.Verifier, s.opts.Audit, s.opts.Logger))

		r.Post("/settlement/{month}", s.privileged("settlement", s.settle))
		r.Post("/reconciliation/{month}", s.privileged("reconciliation", s.reconcile))
		r.Route("/distributions/{month}", func(r chi.Router) {
			r.Post("/create", s.privileged("distribution.create", s.createDistribution))
			r.Post("/execute", s.privileged("distribution.execute", s.executeDistribution))
		})
		r.Post("/payouts/{month}/sync", s.privileged("payout.sync", s.syncPayout))
		r.Post("/ledger/revenue", s.privileged("ledger.revenue", s.ingest(ledger.KindRevenue)))
		r.Post("/ledger/expenses", s.privileged("ledger.expense", s.ingest(ledger.KindExpense)))
	})

	return otelhttp.NewHandler(r, "payoutd")
}

// reply is the outcome of one privileged action.
type reply struct {
	status  int
	body    any
	outcome string
	blocked string
	txHash  string
	hint    string
	// transient marks a success that reports work still in flight; it is
	// never cached under an Idempotency-Key.
	transient bool
	// title and detail are set for problem responses.
	title  string
	detail string
	cause  error
}

type action func(r *http.Request, body []byte) (reply, error)

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

func invalidf(format string, args ...any) error {
	return &invalidError{msg: fmt.Sprintf(format, args...)}
}

func ok(body any, txHash string) reply {
	return reply{status: http.StatusOK, body: body, outcome: audit.OutcomeOK, txHash: txHash}
}

// progress is ok for an orchestrator result; only final statuses are cached.
func progress(body any, status distribution.Status, txHash string) reply {
	rep := ok(body, txHash)
	rep.transient = !status.Final()
	return rep
}

func blocked(body any, reason, hint string) reply {
	return reply{status: http.StatusConflict, body: body, outcome: audit.OutcomeBlocked, blocked: reason, hint: hint}
}

// failure maps an action error to a problem reply.
func failure(err error) reply {
	var inv *invalidError
	switch {
	case errors.As(err, &inv),
		errors.Is(err, ledger.ErrInvalidMonth),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidEvent),
		errors.Is(err, distribution.ErrInvalidRecipients):
		return reply{status: http.StatusBadRequest, outcome: audit.OutcomeInvalid, title: "Bad Request", detail: err.Error(), hint: err.Error()}
	case errors.Is(err, ledger.ErrIdempotencyConflict),
		errors.Is(err, distribution.ErrKeyReused):
		return reply{status: http.StatusConflict, outcome: audit.OutcomeRejected, title: "Conflict", detail: err.Error(), hint: err.Error()}
	default:
		return reply{status: http.StatusInternalServerError, outcome: audit.OutcomeError, hint: chain.SanitizeError(err), cause: err}
	}
}

// privileged runs fn for a verified caller, audits the outcome and only
// then writes the response. A final response cached under the caller's
// Idempotency-Key is replayed instead of running fn again.
func (s *Server) privileged(name string, fn action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, found := auth.GetCaller(ctx)
		if !found {
			apierror.WriteUnauthorized(w, "")
			return
		}
		entry := caller.Entry(r)

		var done func(error)
		if s.opts.Tracker != nil {
			ctx, done = s.opts.Tracker.TrackOperation(ctx, "http."+name, attribute.String("route", name))
			r = r.WithContext(ctx)
		}
		var opErr error
		defer func() {
			if done != nil {
				done(opErr)
			}
		}()

		scope := r.Method + " " + r.URL.Path
		key := caller.IdempotencyKey
		if key != "" && s.opts.Idempotency != nil {
			cached, hit, err := s.opts.Idempotency.Check(ctx, scope, key)
			if err != nil {
				s.logger.WarnContext(ctx, "idempotency lookup failed", "route", name, "error", err)
			}
			if hit {
				entry.Outcome = audit.OutcomeOK
				entry.ErrorHint = "replayed"
				if !s.record(ctx, w, entry) {
					return
				}
				w.Header().Set("Idempotent-Replayed", "true")
				writeJSON(w, cached.StatusCode, cached.Body)
				return
			}
		}

		var rep reply
		body, err := io.ReadAll(r.Body)
		if err == nil {
			rep, err = fn(r, body)
		}
		if err != nil {
			rep = failure(err)
		}

		var payload []byte
		if rep.title == "" && rep.cause == nil {
			if payload, err = json.Marshal(rep.body); err != nil {
				rep = failure(fmt.Errorf("encode response: %w", err))
			}
		}

		entry.Outcome = rep.outcome
		entry.BlockedReason = rep.blocked
		entry.TxHash = rep.txHash
		entry.ErrorHint = rep.hint
		if !s.record(ctx, w, entry) {
			opErr = audit.ErrNotConfigured
			return
		}

		switch {
		case rep.cause != nil:
			opErr = rep.cause
			apierror.WriteInternal(w, rep.cause)
		case rep.title != "":
			apierror.WriteErrorR(w, r, rep.status, rep.title, rep.detail)
		default:
			if key != "" && s.opts.Idempotency != nil && rep.status >= 200 && rep.status < 300 && !rep.transient {
				if err := s.opts.Idempotency.Set(ctx, scope, key, rep.status, payload); err != nil {
					s.logger.WarnContext(ctx, "idempotency store failed", "route", name, "error", err)
				}
			}
			writeJSON(w, rep.status, payload)
		}
	}
}

// record writes the audit row. On failure it answers 500 and returns false.
func (s *Server) record(ctx context.Context, w http.ResponseWriter, e audit.Entry) bool {
	err := audit.ErrNotConfigured
	if s.opts.Audit != nil {
		err = s.opts.Audit.Record(ctx, e)
	}
	if err != nil {
		apierror.WriteInternal(w, fmt.Errorf("audit: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
