package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	callbackdomain "github.com/smallbiznis/creatorledger/internal/callback/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policies   *config.PolicyHolder
	Repo       callbackdomain.Repository
	Payouts    payoutdomain.Service
	Adapters   *adapters.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policies   *config.PolicyHolder
	repo       callbackdomain.Repository
	payouts    payoutdomain.Service
	adapters   *adapters.Registry
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) callbackdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("callback.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policies:   p.Policies,
		repo:       p.Repo,
		payouts:    p.Payouts,
		adapters:   p.Adapters,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (callbackdomain.Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", callbackdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return "", err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("provider webhook rejected", zap.String("provider", provider), zap.Error(err))
		return "", err
	}

	cb, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, providerdomain.ErrEventIgnored) {
			s.obsMetrics.RecordProviderCallback(ctx, provider, string(callbackdomain.ResultIgnored))
			return callbackdomain.ResultIgnored, nil
		}
		return "", err
	}
	if cb == nil {
		return "", providerdomain.ErrInvalidPayload
	}
	cb.Provider = adapter.Provider()
	if cb.Payload == nil {
		cb.Payload = payload
	}
	return s.Record(ctx, *cb)
}

func (s *Service) Record(ctx context.Context, cb providerdomain.Callback) (callbackdomain.Result, error) {
	record, err := s.normalize(cb)
	if err != nil {
		return "", err
	}

	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return "", err
	}
	if !inserted {
		stored, err := s.repo.Find(ctx, s.db, record.Provider, record.DedupKey)
		if err != nil {
			return "", err
		}
		if stored == nil {
			return "", callbackdomain.ErrInvalidCallback
		}
		if stored.Processed {
			s.obsMetrics.RecordProviderCallback(ctx, record.Provider, string(callbackdomain.ResultDuplicate))
			s.log.Debug("duplicate provider callback acknowledged",
				zap.String("provider", stored.Provider),
				zap.String("dedup_key", stored.DedupKey),
			)
			return callbackdomain.ResultDuplicate, callbackdomain.ErrCallbackAlreadyProcessed
		}
		record = stored
	}

	result, err := s.apply(ctx, record)
	s.obsMetrics.RecordProviderCallback(ctx, record.Provider, string(result))
	return result, err
}

// ReplayPending retries unprocessed callbacks, typically ones that arrived before
// the submission they settle was committed. Callbacks older than the policy hard
// timeout are abandoned with their last error kept for audit.
func (s *Service) ReplayPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.repo.ListPending(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.policies.Get().HardTimeout)

	var (
		applied int
		errs    []error
	)
	for i := range records {
		record := &records[i]
		if record.ReceivedAt.Before(cutoff) {
			if _, err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now(), "abandoned: "+record.LastError); err != nil {
				errs = append(errs, err)
				continue
			}
			s.log.Warn("provider callback abandoned",
				zap.Bool("alert", true),
				zap.String("provider", record.Provider),
				zap.String("external_reference", record.ExternalReference),
				zap.String("last_error", record.LastError),
			)
			continue
		}
		result, err := s.apply(ctx, record)
		s.obsMetrics.RecordProviderCallback(ctx, record.Provider, string(result))
		if err != nil {
			errs = append(errs, fmt.Errorf("callback %s: %w", record.ID, err))
			continue
		}
		if result == callbackdomain.ResultApplied {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// apply drives the payout state machine and settles the callback row. Callbacks for
// unknown references stay pending for replay; anything else is marked processed.
func (s *Service) apply(ctx context.Context, record *callbackdomain.Record) (callbackdomain.Result, error) {
	_, err := s.payouts.ApplyOutcome(ctx, payoutdomain.Outcome{
		Provider:          record.Provider,
		ExternalReference: record.ExternalReference,
		Outcome:           record.Outcome,
		Reason:            record.Reason,
		Source:            "callback",
	})

	fields := []zap.Field{
		zap.String("provider", record.Provider),
		zap.String("external_reference", record.ExternalReference),
		zap.String("dedup_key", record.DedupKey),
		zap.String("outcome", string(record.Outcome)),
	}
	switch {
	case err == nil:
		if _, err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now(), ""); err != nil {
			return callbackdomain.ResultError, err
		}
		s.log.Info("provider callback applied", fields...)
		return callbackdomain.ResultApplied, nil

	case errors.Is(err, payoutdomain.ErrPayoutNotFound):
		if markErr := s.repo.MarkError(ctx, s.db, record.ID, err.Error()); markErr != nil {
			return callbackdomain.ResultError, markErr
		}
		s.log.Warn("provider callback deferred, payout not found", fields...)
		return callbackdomain.ResultDeferred, nil

	case errors.Is(err, payoutdomain.ErrOutcomeConflict):
		if _, markErr := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now(), err.Error()); markErr != nil {
			return callbackdomain.ResultError, markErr
		}
		return callbackdomain.ResultConflict, nil

	default:
		if markErr := s.repo.MarkError(ctx, s.db, record.ID, err.Error()); markErr != nil {
			s.log.Warn("failed to record callback error", append(fields, zap.Error(markErr))...)
		}
		s.log.Error("provider callback failed", append(fields, zap.Error(err))...)
		return callbackdomain.ResultError, err
	}
}

func (s *Service) normalize(cb providerdomain.Callback) (*callbackdomain.Record, error) {
	provider := strings.ToLower(strings.TrimSpace(cb.Provider))
	if provider == "" {
		return nil, callbackdomain.ErrInvalidProvider
	}
	ref := strings.TrimSpace(cb.ExternalReference)
	dedup := strings.TrimSpace(cb.DedupKey)
	if ref == "" || dedup == "" {
		return nil, fmt.Errorf("%w: external reference and dedup key are required", callbackdomain.ErrInvalidCallback)
	}
	switch cb.Outcome {
	case providerdomain.OutcomeConfirmed, providerdomain.OutcomeFailed:
	default:
		return nil, fmt.Errorf("%w: outcome %q", callbackdomain.ErrInvalidCallback, cb.Outcome)
	}
	payload := cb.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return &callbackdomain.Record{
		ID:                s.genID.Generate(),
		Provider:          provider,
		ExternalReference: ref,
		DedupKey:          dedup,
		Outcome:           cb.Outcome,
		Reason:            strings.TrimSpace(cb.Reason),
		Payload:           datatypes.JSON(payload),
		ReceivedAt:        s.clock.Now(),
	}, nil
}
