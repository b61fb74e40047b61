package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/observability/tracing"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("creatorledger/payout")

// SubmitDue claims HELD payouts whose next attempt is due and submits each to its
// provider. No transaction is open while a provider call is in flight.
func (s *Service) SubmitDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.claim(ctx, batchLimit(limit), nil)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if _, err := s.submitClaimed(ctx, id); err != nil && !errors.Is(err, payoutdomain.ErrInvalidTransition) {
			errs = append(errs, fmt.Errorf("payout %s: %w", id, err))
		}
	}
	return len(ids), errors.Join(errs...)
}

// Submit pushes one HELD payout to its provider immediately.
func (s *Service) Submit(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	ids, err := s.claim(ctx, 1, &id)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		var payout payoutdomain.Payout
		if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&payout).Error; err != nil {
			if db.IsNotFound(err) {
				return nil, payoutdomain.ErrPayoutNotFound
			}
			return nil, err
		}
		if payout.State != payoutdomain.StateHeld {
			return nil, fmt.Errorf("%w: payout is %s", payoutdomain.ErrInvalidTransition, payout.State)
		}
		return nil, payoutdomain.ErrPayoutLeased
	}
	return s.submitClaimed(ctx, id)
}

// claim leases due HELD payouts and counts the attempt. A worker that dies mid-call
// leaves the lease to expire and the same hold token is resubmitted.
func (s *Service) claim(ctx context.Context, limit int, only *snowflake.ID) ([]snowflake.ID, error) {
	policy := s.policies.Get()
	now := s.clock.Now()
	lease := now.Add(2 * policy.SubmitTimeout)

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id FROM payout_requests
			WHERE state = ?
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			  AND (lease_until IS NULL OR lease_until <= ?)`
		args := []any{payoutdomain.StateHeld, now, now}
		if only != nil {
			query += ` AND id = ?`
			args = append(args, *only)
		}
		query += ` ORDER BY next_attempt_at, id LIMIT ?` + db.ForUpdateSkipLocked(tx)
		args = append(args, limit)

		var raw []int64
		if err := tx.WithContext(ctx).Raw(query, args...).Scan(&raw).Error; err != nil {
			return err
		}
		if len(raw) == 0 {
			return nil
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payout_requests SET lease_until = ?, attempts = attempts + 1, updated_at = ? WHERE id IN ?`,
			lease,
			now,
			raw,
		).Error; err != nil {
			return err
		}
		for _, id := range raw {
			ids = append(ids, snowflake.ID(id))
		}
		return nil
	})
	return ids, err
}

func (s *Service) submitClaimed(ctx context.Context, id snowflake.ID) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&payout).Error; err != nil {
		return nil, err
	}
	if payout.State != payoutdomain.StateHeld || payout.HoldID == nil {
		return nil, fmt.Errorf("%w: payout is %s", payoutdomain.ErrInvalidTransition, payout.State)
	}
	holdID := *payout.HoldID
	policy := s.policies.Get()

	ctx, span := tracer.Start(ctx, "payout.submit", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("payout.id", payout.ID.String()),
		attribute.String("payout.provider", payout.Provider),
		attribute.Int("payout.attempt", payout.Attempts),
	)...))
	defer span.End()

	result, callErr := s.callProvider(ctx, payout, holdID, policy)
	if callErr != nil {
		span.RecordError(tracing.SafeError(callErr))
		span.SetStatus(codes.Error, providerdomain.Code(callErr))
	}

	updated, err := s.recordSubmission(ctx, id, holdID, result, callErr, policy)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return nil, err
	}
	return updated, nil
}

func (s *Service) callProvider(ctx context.Context, payout payoutdomain.Payout, holdID string, policy config.PayoutPolicy) (providerdomain.SubmitResult, error) {
	adapter, err := s.adapters.Get(payout.Provider)
	if err != nil {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(payout.Provider, "provider_not_registered", err)
	}
	dest, err := s.loadDestination(ctx, payout.CreatorID, payout.Provider)
	if err != nil {
		if errors.Is(err, payoutdomain.ErrNoDestination) || errors.Is(err, payoutdomain.ErrInvalidDestination) {
			return providerdomain.SubmitResult{}, providerdomain.Permanent(payout.Provider, "destination_unavailable", err)
		}
		return providerdomain.SubmitResult{}, providerdomain.Transient(payout.Provider, "destination_lookup", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, policy.SubmitTimeout)
	defer cancel()
	return adapter.Submit(callCtx, providerdomain.SubmitRequest{
		PayoutID:    payout.ID,
		Reference:   holdID,
		Amount:      payout.Amount,
		Currency:    payout.Currency,
		Destination: dest,
	})
}

func (s *Service) recordSubmission(
	ctx context.Context,
	id snowflake.ID,
	holdID string,
	result providerdomain.SubmitResult,
	callErr error,
	policy config.PayoutPolicy,
) (*payoutdomain.Payout, error) {
	var (
		payout  *payoutdomain.Payout
		changes changeLog
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		payout, err = s.lockPayout(ctx, tx, id)
		if err != nil {
			return err
		}
		if payout.State != payoutdomain.StateHeld || payout.HoldID == nil || *payout.HoldID != holdID {
			return fmt.Errorf("%w: payout moved to %s during submission", payoutdomain.ErrInvalidTransition, payout.State)
		}
		now := s.clock.Now()
		payout.LeaseUntil = nil

		switch {
		case callErr == nil:
			ref := strings.TrimSpace(result.ExternalReference)
			payout.ExternalReference = &ref
			payout.SubmittedAt = timePtr(now)
			payout.StatusCheckedAt = nil
			payout.NextAttemptAt = nil
			payout.LastError = ""
			if err := s.recordAttempt(ctx, tx, payout, holdID, ref, now); err != nil {
				return err
			}
			if err := s.move(ctx, tx, &changes, payout, payoutdomain.StateSubmitted, "acknowledged by "+payout.Provider); err != nil {
				return err
			}
		case providerdomain.IsPermanent(callErr):
			return s.failTx(ctx, tx, &changes, payout, payoutdomain.FailurePermanent, callErr.Error(), policy)
		default:
			payout.LastError = callErr.Error()
			if payout.Attempts >= payout.MaxAttempts {
				return s.failTx(ctx, tx, &changes, payout, payoutdomain.FailureTransient, callErr.Error(), policy)
			}
			payout.NextAttemptAt = timePtr(now.Add(policy.Backoff(payout.Attempts)))
			s.log.Warn("payout submission deferred",
				zap.String("payout_id", payout.ID.String()),
				zap.String("provider", payout.Provider),
				zap.Int("attempt", payout.Attempts),
				zap.Time("next_attempt_at", *payout.NextAttemptAt),
				zap.Error(callErr),
			)
		}
		return s.savePayout(ctx, tx, payout)
	})
	if err != nil {
		if errors.Is(err, payoutdomain.ErrInvalidTransition) {
			s.log.Warn("stale payout submission discarded", zap.String("payout_id", id.String()), zap.Error(err))
		}
		return nil, s.ledger.Escalate(ctx, err)
	}
	s.publish(ctx, changes)
	return payout, nil
}

// recordAttempt keeps the acknowledged reference after a retry replaces it on the
// payout row. A provider that hands back a reference it already issued is ignored.
func (s *Service) recordAttempt(ctx context.Context, tx *gorm.DB, payout *payoutdomain.Payout, holdID, ref string, now time.Time) error {
	if ref == "" {
		return nil
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payout_attempts (id, payout_id, attempt, provider, external_reference, hold_id, amount, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, external_reference) DO NOTHING`,
		s.genID.Generate(),
		payout.ID,
		payout.Attempts,
		payout.Provider,
		ref,
		holdID,
		payout.Amount,
		now,
	).Error
}

// failTx releases the payout's hold and moves it to FAILED. When no attempt or
// usable provider remains it continues to DEAD in the same transaction.
func (s *Service) failTx(
	ctx context.Context,
	tx *gorm.DB,
	changes *changeLog,
	payout *payoutdomain.Payout,
	kind payoutdomain.FailureKind,
	reason string,
	policy config.PayoutPolicy,
) error {
	if payout.HoldID != nil {
		if err := s.ledger.ReleaseHoldTx(ctx, tx, *payout.HoldID); err != nil {
			return err
		}
	}
	now := s.clock.Now()
	payout.FailureKind = kind
	payout.LastError = reason
	payout.FailedAt = timePtr(now)
	payout.LeaseUntil = nil
	if kind == payoutdomain.FailurePermanent && !payout.ProviderFailed(payout.Provider) {
		if payout.FailedProviders != "" {
			payout.FailedProviders += ","
		}
		payout.FailedProviders += payout.Provider
	}
	if err := s.move(ctx, tx, changes, payout, payoutdomain.StateFailed, string(kind)+": "+reason); err != nil {
		return err
	}

	if payout.Attempts >= payout.MaxAttempts {
		payout.NextAttemptAt = nil
		if err := s.move(ctx, tx, changes, payout, payoutdomain.StateDead, "retries exhausted"); err != nil {
			return err
		}
		return s.savePayout(ctx, tx, payout)
	}
	usable, err := s.usableProviders(ctx, tx, payout.CreatorID, policy)
	if err != nil {
		return err
	}
	if _, err := nextProvider(s.fitting(usable, payout.Amount, policy), *payout); err != nil {
		payout.NextAttemptAt = nil
		if err := s.move(ctx, tx, changes, payout, payoutdomain.StateDead, err.Error()); err != nil {
			return err
		}
		return s.savePayout(ctx, tx, payout)
	}
	payout.NextAttemptAt = timePtr(now.Add(policy.Backoff(payout.Attempts)))
	return s.savePayout(ctx, tx, payout)
}

// RetryFailed re-holds due FAILED payouts and sends them back to HELD, switching
// provider after a permanent failure. Payouts of frozen or halted creators wait.
func (s *Service) RetryFailed(ctx context.Context, limit int) (int, error) {
	ids, err := s.dueIDs(ctx,
		`SELECT id FROM payout_requests
		WHERE state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY next_attempt_at, id LIMIT ?`,
		payoutdomain.StateFailed,
		s.clock.Now(),
		batchLimit(limit),
	)
	if err != nil {
		return 0, err
	}

	var (
		retried int
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.retry(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("payout %s: %w", id, err))
			continue
		}
		if ok {
			retried++
		}
	}
	return retried, errors.Join(errs...)
}

func (s *Service) retry(ctx context.Context, id snowflake.ID) (bool, error) {
	policy := s.policies.Get()
	var (
		changes changeLog
		retried bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := s.lockPayout(ctx, tx, id)
		if err != nil {
			return err
		}
		if payout.State != payoutdomain.StateFailed {
			return nil
		}
		if payout.Attempts >= payout.MaxAttempts {
			if err := s.move(ctx, tx, &changes, payout, payoutdomain.StateDead, "retries exhausted"); err != nil {
				return err
			}
			return s.savePayout(ctx, tx, payout)
		}

		usable, err := s.usableProviders(ctx, tx, payout.CreatorID, policy)
		if err != nil {
			return err
		}
		provider, err := nextProvider(s.fitting(usable, payout.Amount, policy), *payout)
		if err != nil {
			if err := s.move(ctx, tx, &changes, payout, payoutdomain.StateDead, err.Error()); err != nil {
				return err
			}
			return s.savePayout(ctx, tx, payout)
		}

		pid := payout.ID
		hold, err := s.ledger.HoldTx(ctx, tx, payout.CreatorID, payout.Amount, &pid)
		switch {
		case errors.Is(err, ledgerdomain.ErrAccountFrozen), errors.Is(err, ledgerdomain.ErrLedgerHalted):
			s.log.Info("payout retry waiting on creator account",
				zap.String("payout_id", payout.ID.String()),
				zap.String("creator_id", payout.CreatorID),
				zap.Error(err),
			)
			return nil
		case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
			if err := s.move(ctx, tx, &changes, payout, payoutdomain.StateDead, "insufficient balance to retry"); err != nil {
				return err
			}
			return s.savePayout(ctx, tx, payout)
		case err != nil:
			return err
		}

		previous := ""
		if payout.ExternalReference != nil {
			previous = " (previous reference " + *payout.ExternalReference + ")"
		}
		holdID := hold.ID
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE payout_attempts SET superseded_at = ? WHERE payout_id = ? AND superseded_at IS NULL`,
			now,
			payout.ID,
		).Error; err != nil {
			return err
		}
		payout.HoldID = &holdID
		payout.Provider = provider
		payout.ExternalReference = nil
		payout.SubmittedAt = nil
		payout.StatusCheckedAt = nil
		payout.NextAttemptAt = timePtr(now)
		payout.LeaseUntil = nil
		if err := s.move(ctx, tx, &changes, payout, payoutdomain.StateHeld, "retry via "+provider+previous); err != nil {
			return err
		}
		retried = true
		return s.savePayout(ctx, tx, payout)
	})
	if err != nil {
		return false, s.ledger.Escalate(ctx, err)
	}
	s.publish(ctx, changes)
	return retried, nil
}

// ApplyOutcome drives a SUBMITTED payout to its settlement. Re-delivered outcomes are
// no-ops. A failure reported after confirmation is a returned payout: the debit is
// reversed once and the payout stays CONFIRMED.
func (s *Service) ApplyOutcome(ctx context.Context, outcome payoutdomain.Outcome) (*payoutdomain.Payout, error) {
	provider := strings.ToLower(strings.TrimSpace(outcome.Provider))
	ref := strings.TrimSpace(outcome.ExternalReference)
	if provider == "" || ref == "" {
		return nil, payoutdomain.ErrInvalidRequest
	}
	switch outcome.Outcome {
	case providerdomain.OutcomeConfirmed, providerdomain.OutcomeFailed, providerdomain.OutcomePending:
	default:
		return nil, payoutdomain.ErrInvalidRequest
	}

	policy := s.policies.Get()
	var (
		payout     payoutdomain.Payout
		changes    changeLog
		reversed   bool
		superseded bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Raw(
			`SELECT * FROM payout_requests WHERE provider = ? AND external_reference = ?`+db.ForUpdate(tx),
			provider,
			ref,
		).Scan(&payout).Error; err != nil {
			return err
		}
		if payout.ID == 0 {
			attempt, err := s.supersededAttempt(ctx, tx, provider, ref)
			if err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Where("id = ?", attempt.PayoutID).Take(&payout).Error; err != nil {
				return err
			}
			superseded = true
			if outcome.Outcome == providerdomain.OutcomeConfirmed {
				return fmt.Errorf("%w: attempt %d of payout %s was replaced by a retry but %s reports settlement",
					payoutdomain.ErrOutcomeConflict, attempt.Attempt, payout.ID, provider)
			}
			// A replaced attempt failing or pending changes nothing.
			return nil
		}
		now := s.clock.Now()

		switch payout.State {
		case payoutdomain.StateSubmitted:
			switch outcome.Outcome {
			case providerdomain.OutcomeConfirmed:
				if payout.HoldID == nil {
					return &ledgerdomain.IntegrityViolationError{
						CreatorID: payout.CreatorID,
						Check:     ledgerdomain.CheckCommittedHoldDebited,
						Detail:    fmt.Sprintf("submitted payout %s has no hold", payout.ID),
					}
				}
				if _, err := s.ledger.CommitDebitTx(ctx, tx, *payout.HoldID); err != nil {
					return err
				}
				payout.ConfirmedAt = timePtr(now)
				payout.LastError = ""
				if err := s.move(ctx, tx, &changes, &payout, payoutdomain.StateConfirmed, "settled via "+outcome.Source); err != nil {
					return err
				}
				return s.savePayout(ctx, tx, &payout)
			case providerdomain.OutcomeFailed:
				return s.failTx(ctx, tx, &changes, &payout, payoutdomain.FailureCallback, reasonOr(outcome.Reason, "provider reported failure"), policy)
			}
			return nil

		case payoutdomain.StateConfirmed:
			if outcome.Outcome != providerdomain.OutcomeFailed || payout.ReversedAt != nil {
				return nil
			}
			if _, err := s.ledger.ReverseTx(ctx, tx, payout.ID, "returned: "+reasonOr(outcome.Reason, "provider return")); err != nil {
				return err
			}
			payout.ReversedAt = timePtr(now)
			payout.LastError = reasonOr(outcome.Reason, "provider return")
			reversed = true
			return s.savePayout(ctx, tx, &payout)

		case payoutdomain.StateFailed, payoutdomain.StateDead:
			if outcome.Outcome == providerdomain.OutcomeConfirmed {
				return fmt.Errorf("%w: payout %s is %s but %s reports settlement", payoutdomain.ErrOutcomeConflict, payout.ID, payout.State, provider)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, payoutdomain.ErrOutcomeConflict) {
			kind, msg := "settled_after_failure", "provider settled a payout already failed"
			if superseded {
				kind, msg = "superseded_attempt_settled", "provider settled a replaced payout attempt"
			}
			s.alerts.IncReconcileMismatch(provider, kind)
			s.log.Error(msg,
				zap.Bool("alert", true),
				zap.String("payout_id", payout.ID.String()),
				zap.String("external_reference", ref),
				zap.Error(err),
			)
		}
		return nil, s.ledger.Escalate(ctx, err)
	}

	s.publish(ctx, changes)
	if reversed {
		s.log.Warn("confirmed payout returned by provider",
			zap.String("payout_id", payout.ID.String()),
			zap.String("provider", provider),
			zap.String("reason", outcome.Reason),
		)
		events.PublishQuietly(ctx, s.publisher, s.log, events.New(events.TypePayoutStateChanged, payout.CreatorID, payout.UpdatedAt, stateChangedData{
			PayoutID:  payout.ID.String(),
			From:      payoutdomain.StateConfirmed,
			To:        payoutdomain.StateConfirmed,
			Provider:  payout.Provider,
			Amount:    payout.Amount,
			Currency:  payout.Currency,
			Reason:    "reversed",
			Reference: ref,
		}))
	}
	return &payout, nil
}

// supersededAttempt resolves a reference that no longer sits on its payout row.
func (s *Service) supersededAttempt(ctx context.Context, tx *gorm.DB, provider, ref string) (*payoutdomain.Attempt, error) {
	var attempt payoutdomain.Attempt
	err := tx.WithContext(ctx).
		Where("provider = ? AND external_reference = ?", provider, ref).
		Take(&attempt).Error
	if db.IsNotFound(err) {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ExpireSubmitted fails SUBMITTED payouts that outlived the hard timeout without a
// settlement.
func (s *Service) ExpireSubmitted(ctx context.Context, limit int) (int, error) {
	policy := s.policies.Get()
	deadline := s.clock.Now().Add(-policy.HardTimeout)
	ids, err := s.dueIDs(ctx,
		`SELECT id FROM payout_requests WHERE state = ? AND submitted_at <= ? ORDER BY submitted_at, id LIMIT ?`,
		payoutdomain.StateSubmitted,
		deadline,
		batchLimit(limit),
	)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		var changes changeLog
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			payout, err := s.lockPayout(ctx, tx, id)
			if err != nil {
				return err
			}
			if payout.State != payoutdomain.StateSubmitted || payout.SubmittedAt == nil || payout.SubmittedAt.After(deadline) {
				return nil
			}
			return s.failTx(ctx, tx, &changes, payout, payoutdomain.FailureTimeout,
				fmt.Sprintf("no settlement within %s", policy.HardTimeout), policy)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("payout %s: %w", id, s.ledger.Escalate(ctx, err)))
			continue
		}
		if len(changes) > 0 {
			expired++
		}
		s.publish(ctx, changes)
	}
	return expired, errors.Join(errs...)
}

// ListStale returns SUBMITTED payouts past the callback wait whose status has not
// been queried within that wait.
func (s *Service) ListStale(ctx context.Context, limit int) ([]payoutdomain.Payout, error) {
	policy := s.policies.Get()
	cutoff := s.clock.Now().Add(-policy.CallbackWait)
	var payouts []payoutdomain.Payout
	err := s.db.WithContext(ctx).
		Where("state = ? AND submitted_at <= ?", payoutdomain.StateSubmitted, cutoff).
		Where("status_checked_at IS NULL OR status_checked_at <= ?", cutoff).
		Order("submitted_at ASC, id ASC").
		Limit(batchLimit(limit)).
		Find(&payouts).Error
	return payouts, err
}

func (s *Service) MarkStatusChecked(ctx context.Context, id snowflake.ID) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Exec(
		`UPDATE payout_requests SET status_checked_at = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	).Error
}

func reasonOr(reason, fallback string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return fallback
}
