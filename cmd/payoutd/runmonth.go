package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ClawsCorp/core/pkg/api"
	"github.com/ClawsCorp/core/pkg/client"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
)

// monthRun is the single JSON object run-month prints.
type monthRun struct {
	MonthID        ledger.MonthID `json:"month_id"`
	Stage          string         `json:"stage"`
	Status         string         `json:"status"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
	ExitCode       int            `json:"exit_code"`
	ProfitSum      *int64         `json:"profit_sum,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreateTxHash   string         `json:"create_tx_hash,omitempty"`
	ExecuteTxHash  string         `json:"execute_tx_hash,omitempty"`
	PayoutTxHash   string         `json:"payout_tx_hash,omitempty"`
	Error          string         `json:"error,omitempty"`
}

func (c *cli) runMonthCmd() *cobra.Command {
	var (
		recipients string
		key        string
		wait       time.Duration
		poll       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run-month <month>",
		Short: "Settle, reconcile, create, execute and sync one month",
		Long: `Runs every payout step for the month and prints one JSON summary.
Exit codes: 0 done, 10 not ready, 11 create blocked, 12 execute blocked,
13 payout pending, 1 transport or internal error, 2 usage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out monthRun
			r, err := c.newMonthRunner(args, recipients)
			if err != nil {
				out = monthRun{Stage: "usage", Status: "error", ExitCode: exitUsage, Error: err.Error()}
				if r != nil {
					out.MonthID = r.month
				}
			} else {
				r.key, r.wait, r.poll = key, wait, poll
				out = r.run(cmd.Context())
			}
			if err := json.NewEncoder(c.stdout).Encode(out); err != nil {
				return withCode(exitFailure, err)
			}
			if out.ExitCode != exitOK {
				return withCode(out.ExitCode, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&recipients, "recipients", "", `JSON file with {"stakers":[...],"authors":[...]}`)
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Override the derived execute idempotency key")
	cmd.Flags().DurationVar(&wait, "wait", 0, "How long to wait for queued submissions before reporting pending")
	cmd.Flags().DurationVar(&poll, "poll", 2*time.Second, "Interval between checks while waiting")
	return cmd
}

// newMonthRunner validates the run-month inputs. Every error it returns is a
// usage error; the runner is still returned once the month has parsed.
func (c *cli) newMonthRunner(args []string, recipients string) (*monthRunner, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("accepts 1 arg, received %d", len(args))
	}
	month, err := monthArg(args[0])
	if err != nil {
		return nil, err
	}
	r := &monthRunner{month: month}
	if r.req, err = loadRecipients(recipients); err != nil {
		return r, err
	}
	if r.client, err = c.client(); err != nil {
		return r, err
	}
	return r, nil
}

type monthRunner struct {
	client *client.Client
	month  ledger.MonthID
	req    api.ExecuteRequest
	key    string
	wait   time.Duration
	poll   time.Duration
}

func (r *monthRunner) fail(out monthRun, stage string, err error) monthRun {
	out.Stage = stage
	out.Status = "error"
	out.ExitCode = exitFailure
	out.Error = err.Error()
	return out
}

// until repeats step while it reports an in-flight status and the wait
// budget allows. Every step is idempotent, so repeating it only re-reads.
func (r *monthRunner) until(ctx context.Context, step func() (distribution.Status, error)) (distribution.Status, error) {
	deadline := time.Now().Add(r.wait)
	for {
		status, err := step()
		if err != nil || !inFlight(status) || time.Now().Add(r.poll).After(deadline) {
			return status, err
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func inFlight(s distribution.Status) bool {
	return s == distribution.StatusQueued || s == distribution.StatusProcessing || s == distribution.StatusPending
}

func (r *monthRunner) run(ctx context.Context) monthRun {
	out := monthRun{MonthID: r.month}

	st, err := r.client.Settle(ctx, r.month, nil)
	if err != nil {
		return r.fail(out, "settle", err)
	}
	out.ProfitSum = &st.ProfitSum

	rec, err := r.client.Reconcile(ctx, r.month)
	if err != nil {
		return r.fail(out, "reconcile", err)
	}
	out.Stage = "reconcile"
	switch {
	case rec.Report == nil:
		out.Status, out.BlockedReason, out.ExitCode = "blocked", rec.BlockedReason, exitNotReady
		return out
	case !rec.Report.Ready:
		out.Status, out.BlockedReason, out.ExitCode = "not_ready", string(rec.Report.BlockedReason), exitNotReady
		return out
	}

	var created distribution.CreateResult
	status, err := r.until(ctx, func() (distribution.Status, error) {
		var err error
		created, err = r.client.CreateDistribution(ctx, r.month)
		return created.Status, err
	})
	if err != nil {
		return r.fail(out, "create", err)
	}
	out.Stage, out.Status, out.CreateTxHash = "create", string(status), created.TxHash
	switch status {
	case distribution.StatusBlocked, distribution.StatusFailed:
		out.BlockedReason, out.Error, out.ExitCode = string(created.BlockedReason), created.ErrorHint, exitCreateBlocked
		return out
	case distribution.StatusQueued, distribution.StatusProcessing:
		out.ExitCode = exitPayoutPending
		return out
	}

	var executed distribution.ExecuteResult
	status, err = r.until(ctx, func() (distribution.Status, error) {
		var err error
		executed, err = r.client.ExecuteDistribution(ctx, r.month, r.req, r.key)
		return executed.Status, err
	})
	if err != nil {
		return r.fail(out, "execute", err)
	}
	out.Stage, out.Status = "execute", string(status)
	out.IdempotencyKey, out.ExecuteTxHash = executed.IdempotencyKey, executed.TxHash
	switch {
	case status == distribution.StatusBlocked && executed.BlockedReason == distribution.ReasonAlreadyDistributed:
		// Paid by an earlier run; sync will record it.
	case status == distribution.StatusBlocked, status == distribution.StatusFailed:
		out.BlockedReason, out.Error, out.ExitCode = string(executed.BlockedReason), executed.ErrorHint, exitExecuteBlocked
		return out
	case inFlight(status):
		out.ExitCode = exitPayoutPending
		return out
	}

	var synced distribution.SyncResult
	status, err = r.until(ctx, func() (distribution.Status, error) {
		var err error
		synced, err = r.client.SyncPayout(ctx, r.month)
		return synced.Status, err
	})
	if err != nil {
		return r.fail(out, "sync", err)
	}
	out.Stage, out.Status, out.PayoutTxHash = "sync", string(status), synced.TxHash
	if status != distribution.StatusSynced && status != distribution.StatusAlreadySynced {
		out.BlockedReason, out.Error, out.ExitCode = string(synced.BlockedReason), synced.ErrorHint, exitPayoutPending
		return out
	}
	out.Stage = "done"
	return out
}
