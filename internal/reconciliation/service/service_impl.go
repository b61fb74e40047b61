package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	reconciliationdomain "github.com/smallbiznis/creatorledger/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errStatusUnavailable = errors.New("provider status unavailable")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Policies  *config.PolicyHolder
	Payouts   payoutdomain.Service
	Callbacks callbackdomain.Service
	Ledger    ledgerdomain.Service
	Adapters  *adapters.Registry
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	policies  *config.PolicyHolder
	payouts   payoutdomain.Service
	callbacks callbackdomain.Service
	ledger    ledgerdomain.Service
	adapters  *adapters.Registry
}

func NewService(p Params) reconciliationdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("reconciliation.service"),
		policies:  p.Policies,
		payouts:   p.Payouts,
		callbacks: p.Callbacks,
		ledger:    p.Ledger,
		adapters:  p.Adapters,
	}
}

func (s *Service) Run(ctx context.Context, limit int) (reconciliationdomain.Report, error) {
	report, staleErr := s.ReconcileStale(ctx, limit)

	expired, expireErr := s.payouts.ExpireSubmitted(ctx, limit)
	report.Expired = expired

	replayed, replayErr := s.callbacks.ReplayPending(ctx, limit)
	report.Replayed = replayed

	return report, errors.Join(staleErr, expireErr, replayErr)
}

// ReconcileStale asks providers about SUBMITTED payouts whose callback is overdue and
// applies any settled outcome. A provider that cannot answer is retried after the
// next callback wait.
func (s *Service) ReconcileStale(ctx context.Context, limit int) (reconciliationdomain.Report, error) {
	var report reconciliationdomain.Report
	stale, err := s.payouts.ListStale(ctx, limit)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, payout := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.Checked++
		settled, err := s.reconcile(ctx, payout)
		switch {
		case err != nil:
			report.Errors++
			if !errors.Is(err, errStatusUnavailable) {
				errs = append(errs, fmt.Errorf("payout %s: %w", payout.ID, err))
			}
		case settled:
			report.Settled++
		default:
			report.Pending++
		}
		if err := s.payouts.MarkStatusChecked(ctx, payout.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if report.Checked > 0 {
		s.log.Info("stale payouts reconciled",
			zap.Int("checked", report.Checked),
			zap.Int("settled", report.Settled),
			zap.Int("pending", report.Pending),
			zap.Int("errors", report.Errors),
		)
	}
	return report, errors.Join(errs...)
}

// ReconcilePayout forces a status query for one payout. Payouts without a provider
// reference are returned unchanged.
func (s *Service) ReconcilePayout(ctx context.Context, payoutID snowflake.ID) (*payoutdomain.Detail, error) {
	detail, err := s.payouts.Get(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if detail.ExternalReference == nil {
		return detail, nil
	}
	switch detail.State {
	case payoutdomain.StateSubmitted, payoutdomain.StateConfirmed:
	default:
		return detail, nil
	}

	if _, err := s.reconcile(ctx, detail.Payout); err != nil {
		return nil, err
	}
	if detail.State == payoutdomain.StateSubmitted {
		if err := s.payouts.MarkStatusChecked(ctx, payoutID); err != nil {
			return nil, err
		}
	}
	return s.payouts.Get(ctx, payoutID)
}

func (s *Service) reconcile(ctx context.Context, payout payoutdomain.Payout) (bool, error) {
	adapter, err := s.adapters.Get(payout.Provider)
	if err != nil {
		return false, err
	}
	ref := ""
	if payout.ExternalReference != nil {
		ref = *payout.ExternalReference
	}

	callCtx, cancel := context.WithTimeout(ctx, s.policies.Get().SubmitTimeout)
	status, err := adapter.Status(callCtx, ref)
	cancel()
	if err != nil {
		s.log.Warn("provider status query failed",
			zap.String("payout_id", payout.ID.String()),
			zap.String("provider", payout.Provider),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: %w", errStatusUnavailable, err)
	}
	if status.Outcome == providerdomain.OutcomePending || status.Outcome == "" {
		return false, nil
	}

	_, err = s.payouts.ApplyOutcome(ctx, payoutdomain.Outcome{
		Provider:          payout.Provider,
		ExternalReference: ref,
		Outcome:           status.Outcome,
		Reason:            status.Reason,
		Source:            "status",
	})
	if err != nil {
		if errors.Is(err, payoutdomain.ErrOutcomeConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type violationRow struct {
	CreatorID string
	Subject   string
}

// AuditLedger re-derives every non-halted creator's balance invariants, then checks
// that ledger postings agree with payout state. Violations are escalated, which halts
// the creator.
func (s *Service) AuditLedger(ctx context.Context, limit int) (reconciliationdomain.AuditReport, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		report reconciliationdomain.AuditReport
		errs   []error
		after  string
	)
	for {
		var creators []string
		if err := s.db.WithContext(ctx).Raw(
			`SELECT creator_id FROM creator_accounts
			WHERE halted_at IS NULL AND creator_id > ?
			ORDER BY creator_id
			LIMIT ?`,
			after,
			limit,
		).Scan(&creators).Error; err != nil {
			return report, err
		}
		for _, creatorID := range creators {
			report.Creators++
			if err := s.ledger.CheckIntegrity(ctx, creatorID); err != nil {
				if errors.Is(err, ledgerdomain.ErrIntegrityViolation) {
					report.Violations++
					continue
				}
				errs = append(errs, fmt.Errorf("creator %s: %w", creatorID, err))
			}
		}
		if len(creators) < limit || ctx.Err() != nil {
			break
		}
		after = creators[len(creators)-1]
	}

	checks := []struct {
		check  string
		detail string
		query  string
		args   []any
	}{
		{
			check:  ledgerdomain.CheckDebitHasPayout,
			detail: "payout_debit for payout %s that is not CONFIRMED",
			query: `SELECT e.creator_id, CAST(e.payout_id AS TEXT) AS subject
				FROM ledger_entries e
				JOIN creator_accounts a ON a.creator_id = e.creator_id AND a.halted_at IS NULL
				LEFT JOIN payout_requests p ON p.id = e.payout_id
				WHERE e.kind = ? AND e.payout_id IS NOT NULL AND (p.id IS NULL OR p.state <> ?)`,
			args: []any{ledgerdomain.KindPayoutDebit, payoutdomain.StateConfirmed},
		},
		{
			check:  ledgerdomain.CheckReversalHasFailure,
			detail: "payout_reversal for payout %s that was not returned by its provider",
			query: `SELECT e.creator_id, CAST(e.payout_id AS TEXT) AS subject
				FROM ledger_entries e
				JOIN creator_accounts a ON a.creator_id = e.creator_id AND a.halted_at IS NULL
				LEFT JOIN payout_requests p ON p.id = e.payout_id
				WHERE e.kind = ? AND (p.id IS NULL OR p.state <> ? OR p.reversed_at IS NULL)`,
			args: []any{ledgerdomain.KindPayoutReversal, payoutdomain.StateConfirmed},
		},
		{
			check:  ledgerdomain.CheckHoldLeak,
			detail: "active hold %s outlived its payout",
			query: `SELECT h.creator_id, h.id AS subject
				FROM ledger_holds h
				JOIN creator_accounts a ON a.creator_id = h.creator_id AND a.halted_at IS NULL
				JOIN payout_requests p ON p.id = h.payout_id
				WHERE h.status = ?
				  AND (p.state IN (?, ?, ?) OR p.hold_id IS NULL OR p.hold_id <> h.id)`,
			args: []any{
				ledgerdomain.HoldStatusActive,
				payoutdomain.StateConfirmed,
				payoutdomain.StateFailed,
				payoutdomain.StateDead,
			},
		},
	}
	for _, c := range checks {
		var rows []violationRow
		if err := s.db.WithContext(ctx).Raw(c.query, c.args...).Scan(&rows).Error; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.check, err))
			continue
		}
		for _, row := range rows {
			report.Violations++
			// Escalate hands the error back; it has been recorded and alerted.
			_ = s.ledger.Escalate(ctx, &ledgerdomain.IntegrityViolationError{
				CreatorID: row.CreatorID,
				Check:     c.check,
				Detail:    fmt.Sprintf(c.detail, row.Subject),
			})
		}
	}

	s.log.Info("ledger audit finished",
		zap.Int("creators", report.Creators),
		zap.Int("violations", report.Violations),
	)
	return report, errors.Join(errs...)
}
