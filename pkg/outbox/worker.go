package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Handler performs one task against the chain. Handlers must be idempotent:
// a task may run again after a lease expires.
type Handler interface {
	Handle(ctx context.Context, t Task) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t Task) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, t Task) (Result, error) { return f(ctx, t) }

// Tracker records one operation; observability.Provider implements it.
type Tracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	ID           string
	BatchSize    int
	LeaseTTL     time.Duration
	PollInterval time.Duration
	// TaskTimeout bounds one handler run. It defaults to three quarters of
	// LeaseTTL so a handler gives up before its lease can be stolen.
	TaskTimeout time.Duration
	Logger      *slog.Logger
	Tracker     Tracker
}

// Worker claims tasks and dispatches them to handlers by task type.
type Worker struct {
	store    Store
	cfg      WorkerConfig
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker returns a Worker over store.
func NewWorker(store Store, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TaskTimeout <= 0 || cfg.TaskTimeout >= cfg.LeaseTTL {
		cfg.TaskTimeout = cfg.LeaseTTL * 3 / 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "outbox-worker", "worker_id", cfg.ID),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type.
func (w *Worker) Register(taskType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = h
}

func (w *Worker) handler(taskType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[taskType]
	return h, ok
}

// RunOnce claims up to BatchSize tasks and runs each synchronously. It
// returns the number of tasks claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.store.Claim(ctx, w.cfg.ID, w.cfg.BatchSize, w.cfg.LeaseTTL)
	if err != nil && len(tasks) == 0 {
		return 0, err
	}
	for _, t := range tasks {
		w.process(ctx, t)
	}
	return len(tasks), err
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another claim; otherwise the worker sleeps for PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "outbox worker started",
		"batch", w.cfg.BatchSize, "lease", w.cfg.LeaseTTL, "poll", w.cfg.PollInterval)
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "claim failed", "error", err)
		}
		if ctx.Err() != nil {
			w.logger.InfoContext(context.Background(), "outbox worker stopped")
			return nil
		}
		if n >= w.cfg.BatchSize && err == nil {
			continue
		}
		t := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			w.logger.InfoContext(context.Background(), "outbox worker stopped")
			return nil
		case <-t.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, t Task) {
	log := w.logger.With("task_id", t.ID, "task_type", t.Type, "attempt", t.Attempts)

	var done func(error)
	if w.cfg.Tracker != nil {
		ctx, done = w.cfg.Tracker.TrackOperation(ctx, "outbox."+t.Type,
			attribute.String("task_type", t.Type), attribute.Int("attempt", t.Attempts))
	}

	res, err := w.run(ctx, t)
	if done != nil {
		done(err)
	}

	// Persist the outcome even if ctx was cancelled mid-run.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		log.WarnContext(ctx, "task failed", "error", err)
		if ferr := w.store.Fail(storeCtx, t.ID, t.LockToken, err); ferr != nil {
			log.ErrorContext(ctx, "record task failure", "error", ferr)
		}
		return
	}
	if cerr := w.store.Complete(storeCtx, t.ID, t.LockToken, res); cerr != nil {
		log.ErrorContext(ctx, "record task success", "error", cerr)
		return
	}
	log.InfoContext(ctx, "task succeeded", "tx_hash", res.TxHash)
}

func (w *Worker) run(ctx context.Context, t Task) (res Result, err error) {
	h, ok := w.handler(t.Type)
	if !ok {
		return Result{}, Permanent(fmt.Errorf("no handler for task type %q", t.Type))
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}
