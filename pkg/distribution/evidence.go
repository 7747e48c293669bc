package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

// Evidence is the archived record of how a month's payout was decided.
type Evidence struct {
	MonthID        ledger.MonthID         `json:"month_id"`
	Settlement     *settlement.Settlement `json:"settlement"`
	Reconciliation *reconcile.Report      `json:"reconciliation"`
	Creation       *Creation              `json:"creation"`
	Execution      Execution              `json:"execution"`
	Summary        PayoutSummary          `json:"summary"`
	Audit          []audit.Entry          `json:"audit"`
}

// archive stores the canonical evidence bundle and returns its hash.
func (o *Orchestrator) archive(ctx context.Context, exec Execution, summary PayoutSummary) (string, error) {
	month := exec.MonthID
	ev := Evidence{MonthID: month, Execution: exec, Summary: summary}

	if o.opts.Settlements != nil {
		st, err := o.opts.Settlements.Latest(ctx, month)
		switch {
		case err == nil:
			ev.Settlement = &st
		case !errors.Is(err, settlement.ErrNotFound):
			return "", fmt.Errorf("evidence settlement: %w", err)
		}
	}
	v, err := o.opts.Gate.LatestReady(ctx, month)
	if err != nil {
		return "", fmt.Errorf("evidence reconciliation: %w", err)
	}
	ev.Reconciliation = v.Report

	c, err := o.opts.Store.Creation(ctx, month)
	switch {
	case err == nil:
		ev.Creation = &c
	case !errors.Is(err, ErrNotFound):
		return "", fmt.Errorf("evidence creation: %w", err)
	}

	if o.opts.Audit != nil {
		entries, err := o.opts.Audit.List(ctx, audit.Filter{RouteContains: "/" + string(month)})
		if err != nil {
			return "", fmt.Errorf("evidence audit: %w", err)
		}
		ev.Audit = entries
	}

	data, err := Canonical(ev)
	if err != nil {
		return "", err
	}
	hash, err := o.opts.Archive.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("archive evidence: %w", err)
	}
	return hash, nil
}
