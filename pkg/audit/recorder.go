package audit

import (
	"context"
	"log/slog"
)

// Recorder forwards entries to a store and mirrors them to the process log.
type Recorder struct {
	store  Logger
	logger *slog.Logger
}

func NewRecorder(store Logger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "audit")}
}

func (r *Recorder) Record(ctx context.Context, e Entry) error {
	if r == nil || r.store == nil {
		return ErrNotConfigured
	}
	if err := r.store.Record(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed", "route", e.Route, "error", err)
		return err
	}
	r.logger.DebugContext(ctx, "audit",
		"route", e.Route, "method", e.Method, "signature", e.SignatureStatus,
		"outcome", e.Outcome, "blocked_reason", e.BlockedReason)
	return nil
}
