package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ClawsCorp/core/pkg/api"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
)

func (c *cli) ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record a revenue or expense event",
	}
	for _, kind := range []ledger.Kind{ledger.KindRevenue, ledger.KindExpense} {
		cmd.AddCommand(c.ingestKindCmd(kind))
	}
	return cmd
}

func (c *cli) ingestKindCmd(kind ledger.Kind) *cobra.Command {
	var (
		amount      int64
		key         string
		projectID   string
		txReference string
	)
	cmd := &cobra.Command{
		Use:   string(kind) + " <month>",
		Short: "Record a " + string(kind) + " event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			if amount <= 0 {
				return usageErrorf("--amount must be positive")
			}
			if key == "" {
				return usageErrorf("--idempotency-key is required")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}

			req := api.LedgerRequest{MonthID: string(month), Amount: amount, IdempotencyKey: key}
			if projectID != "" {
				req.ProjectID = &projectID
			}
			if txReference != "" {
				req.TxReference = &txReference
			}
			ingest := cl.IngestRevenue
			if kind == ledger.KindExpense {
				ingest = cl.IngestExpense
			}
			res, err := ingest(cmd.Context(), req)
			if err != nil {
				return transport(err)
			}
			verb := "recorded"
			if !res.Created {
				verb = "already recorded"
			}
			return c.print(res, fmt.Sprintf("%s %s %d for %s (%s)", verb, kind, res.Amount, res.MonthID, res.ID))
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "Amount in minor units")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Unique key for this event")
	cmd.Flags().StringVar(&projectID, "project", "", "Optional project id")
	cmd.Flags().StringVar(&txReference, "tx-reference", "", "Optional external transaction reference")
	return cmd
}

func (c *cli) settleCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "settle <month>",
		Short: "Freeze the month's profit from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			var project *string
			if projectID != "" {
				project = &projectID
			}
			st, err := cl.Settle(cmd.Context(), month, project)
			if err != nil {
				return transport(err)
			}
			return c.print(st, fmt.Sprintf("settled %s: revenue=%d expense=%d profit=%d", month, st.RevenueSum, st.ExpenseSum, st.ProfitSum))
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Settle one project only")
	return cmd
}

func (c *cli) reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <month>",
		Short: "Compare the month's profit with the distributor balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			rec, err := cl.Reconcile(cmd.Context(), month)
			if err != nil {
				return transport(err)
			}
			if rec.Report == nil {
				if err := c.print(rec, fmt.Sprintf("reconcile %s blocked: %s", month, rec.BlockedReason)); err != nil {
					return err
				}
				return withCode(exitNotReady, nil)
			}
			r := rec.Report
			if err := c.print(r, fmt.Sprintf("reconcile %s: ready=%t blocked_reason=%s", month, r.Ready, r.BlockedReason)); err != nil {
				return err
			}
			if !r.Ready {
				return withCode(exitNotReady, nil)
			}
			return nil
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-distribution <month>",
		Short: "Queue the on-chain distribution record for the month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.CreateDistribution(cmd.Context(), month)
			if err != nil {
				return transport(err)
			}
			if err := c.print(res, describe("create", month, res.Status, res.BlockedReason, res.TxHash)); err != nil {
				return err
			}
			if res.Status == distribution.StatusBlocked || res.Status == distribution.StatusFailed {
				return withCode(exitCreateBlocked, nil)
			}
			return nil
		},
	}
}

func (c *cli) executeCmd() *cobra.Command {
	var (
		recipients string
		key        string
	)
	cmd := &cobra.Command{
		Use:   "execute-distribution <month>",
		Short: "Queue the payout to stakers, authors and treasury",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			req, err := loadRecipients(recipients)
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.ExecuteDistribution(cmd.Context(), month, req, key)
			if err != nil {
				return transport(err)
			}
			if err := c.print(res, describe("execute", month, res.Status, res.BlockedReason, res.TxHash)); err != nil {
				return err
			}
			if res.Status == distribution.StatusBlocked || res.Status == distribution.StatusFailed {
				return withCode(exitExecuteBlocked, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&recipients, "recipients", "", `JSON file with {"stakers":[...],"authors":[...]}`)
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Override the derived idempotency key")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-payout <month>",
		Short: "Record the payout once the chain reports it distributed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			res, err := cl.SyncPayout(cmd.Context(), month)
			if err != nil {
				return transport(err)
			}
			if err := c.print(res, describe("sync", month, res.Status, res.BlockedReason, res.TxHash)); err != nil {
				return err
			}
			if res.Status != distribution.StatusSynced && res.Status != distribution.StatusAlreadySynced {
				return withCode(exitPayoutPending, nil)
			}
			return nil
		},
	}
}

func (c *cli) summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <month>",
		Short: "Show the public month summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := monthArg(args[0])
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			sum, err := cl.MonthSummary(cmd.Context(), month)
			if err != nil {
				return transport(err)
			}
			return c.print(sum, fmt.Sprintf("%s: profit=%s balance=%s delta=%s ready=%t payout_tx=%s",
				month, optInt(sum.Profit), optInt(sum.DistributorBalance), optInt(sum.Delta), sum.Ready, optStr(sum.PayoutTxHash)))
		},
	}
}

// loadRecipients reads the execute body from path.
func loadRecipients(path string) (api.ExecuteRequest, error) {
	if path == "" {
		return api.ExecuteRequest{}, usageErrorf("--recipients is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return api.ExecuteRequest{}, usageErrorf("read recipients: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var req api.ExecuteRequest
	if err := dec.Decode(&req); err != nil {
		return api.ExecuteRequest{}, usageErrorf("parse recipients %s: %v", path, err)
	}
	return req, nil
}

func describe(step string, month ledger.MonthID, status distribution.Status, reason distribution.BlockedReason, tx string) string {
	s := fmt.Sprintf("%s %s: %s", step, month, status)
	if reason != distribution.ReasonNone {
		s += " (" + string(reason) + ")"
	}
	if tx != "" {
		s += " tx=" + tx
	}
	return s
}

func optInt(p *int64) string {
	if p == nil {
		return "null"
	}
	return fmt.Sprintf("%d", *p)
}

func optStr(p *string) string {
	if p == nil {
		return "null"
	}
	return *p
}
