package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
)

// Service closes the gap between provider-reported outcomes and ledger state.
type Service interface {
	// Run performs one reconciliation pass: stale status queries, hard-timeout
	// expiry, then replay of callbacks that could not be matched earlier.
	Run(ctx context.Context, limit int) (Report, error)
	ReconcileStale(ctx context.Context, limit int) (Report, error)
	ReconcilePayout(ctx context.Context, payoutID snowflake.ID) (*payoutdomain.Detail, error)
	AuditLedger(ctx context.Context, limit int) (AuditReport, error)
}

type Report struct {
	Checked  int `json:"checked"`
	Settled  int `json:"settled"`
	Pending  int `json:"pending"`
	Expired  int `json:"expired"`
	Replayed int `json:"replayed"`
	Errors   int `json:"errors"`
}

type AuditReport struct {
	Creators   int `json:"creators"`
	Violations int `json:"violations"`
}
