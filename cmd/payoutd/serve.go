package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ClawsCorp/core/pkg/database"
)

func (c *cli) serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return withCode(exitUsage, err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return transport(c.serve(ctx, withWorker))
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run the outbox worker in this process")
	return cmd
}

func (c *cli) serve(ctx context.Context, withWorker bool) error {
	a, err := newApp(ctx, c.cfg, c.logger, nil)
	if err != nil {
		return err
	}
	defer a.close()

	nonces, sweepNonces, err := a.nonceStore(ctx)
	if err != nil {
		return err
	}
	srv, idem := a.server(nonces)

	go a.sweep(ctx, c.cfg.Auth.SweepInterval, "nonces", sweepNonces)
	go a.sweep(ctx, c.cfg.Auth.SweepInterval, "idempotent responses", idem.Sweep)
	if withWorker {
		go func() { _ = a.worker().Run(ctx) }()
	}

	httpSrv := &http.Server{
		Addr:              ":" + c.cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		c.logger.InfoContext(ctx, "payoutd listening", "addr", httpSrv.Addr, "version", version, "worker", withWorker)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// sweep runs fn every interval until ctx is cancelled. A nil fn is a no-op.
func (a *app) sweep(ctx context.Context, interval time.Duration, what string, fn func(context.Context) (int64, error)) {
	if fn == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := fn(ctx)
			if err != nil {
				a.logger.WarnContext(ctx, "sweep failed", "what", what, "error", err)
				continue
			}
			if n > 0 {
				a.logger.DebugContext(ctx, "sweep removed expired rows", "what", what, "count", n)
			}
		}
	}
}

func (c *cli) workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the outbox submission worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger, nil)
			if err != nil {
				return transport(err)
			}
			defer a.close()

			w := a.worker()
			if once {
				n, err := w.RunOnce(ctx)
				if err != nil {
					return transport(err)
				}
				return c.print(map[string]int{"claimed": n}, fmt.Sprintf("claimed %d task(s)", n))
			}
			return transport(w.Run(ctx))
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Claim and run one batch, then exit")
	return cmd
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, dialect, err := database.Open(ctx, c.cfg.DatabaseURL, c.cfg.DataDir)
			if err != nil {
				return transport(err)
			}
			defer db.Close()
			if err := database.Migrate(ctx, db); err != nil {
				return transport(err)
			}
			return c.print(map[string]string{"status": "migrated", "dialect": dialect}, "schema applied ("+dialect+")")
		},
	}
}
