package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	payoutdomain "github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Policies   *config.PolicyHolder
	Ledger     ledgerdomain.Service
	Adapters   *adapters.Registry
	Publisher  events.Publisher         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
	Alerts     *obsmetrics.AlertMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	policies   *config.PolicyHolder
	ledger     ledgerdomain.Service
	adapters   *adapters.Registry
	sealer     *sealer
	publisher  events.Publisher
	obsMetrics *obsmetrics.Metrics
	alerts     *obsmetrics.AlertMetrics
}

func NewService(p Params) payoutdomain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.LedgerCurrency))
	if currency == "" {
		currency = "USD"
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		currency:   currency,
		policies:   p.Policies,
		ledger:     p.Ledger,
		adapters:   p.Adapters,
		sealer:     newSealer(p.Config.DestinationEncryptionKey),
		publisher:  publisher,
		obsMetrics: p.ObsMetrics,
		alerts:     p.Alerts,
	}
}

var errReplay = errors.New("idempotent replay")

const maxIdempotencyKeyLen = 128

func (s *Service) EvaluateEligibility(ctx context.Context, creatorID string) (payoutdomain.Eligibility, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return payoutdomain.Eligibility{}, ledgerdomain.ErrInvalidCreator
	}
	policy := s.policies.Get()

	balance, err := s.ledger.Balance(ctx, creatorID, nil)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}
	providers, err := s.usableProviders(ctx, s.db, creatorID, policy)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}
	places := policy.PayoutDecimalPlaces
	if len(providers) > 0 {
		places = s.amountPlaces(providers[0], policy)
	}
	result := payoutdomain.Eligibility{
		CreatorID: creatorID,
		Available: balance.Available,
		Minimum:   policy.MinimumAmount(),
		Payable:   balance.Available.Truncate(places),
	}

	account, err := s.ledger.Account(ctx, creatorID)
	if err != nil && !errors.Is(err, ledgerdomain.ErrAccountNotFound) {
		return payoutdomain.Eligibility{}, err
	}
	open, err := s.hasOpenPayout(ctx, s.db, creatorID)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}
	dead, err := s.lastPayoutDead(ctx, s.db, creatorID)
	if err != nil {
		return payoutdomain.Eligibility{}, err
	}

	switch {
	case account.Halted():
		result.Reason = payoutdomain.ReasonHalted
	case account.PayoutsFrozen:
		result.Reason = payoutdomain.ReasonFrozen
	case open:
		result.Reason = payoutdomain.ReasonInFlight
	case dead:
		result.Reason = payoutdomain.ReasonLastPayoutDead
	case result.Payable < result.Minimum:
		result.Reason = payoutdomain.ReasonBelowMinimum
	default:
		result.Eligible = true
	}
	return result, nil
}

func (s *Service) RequestPayout(ctx context.Context, in payoutdomain.RequestPayoutInput) (*payoutdomain.Payout, error) {
	return s.requestPayout(ctx, in, payoutdomain.OriginCreator)
}

// ScanEligible opens a full-balance payout for every eligible creator without one in
// flight. Creators whose latest payout went DEAD are left for an explicit request.
func (s *Service) ScanEligible(ctx context.Context, limit int) (int, error) {
	policy := s.policies.Get()
	creators, err := s.ledger.Candidates(ctx, policy.MinimumAmount(), limit)
	if err != nil {
		return 0, err
	}

	var (
		created int
		errs    []error
	)
	for _, creatorID := range creators {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.requestPayout(ctx, payoutdomain.RequestPayoutInput{CreatorID: creatorID}, payoutdomain.OriginScan)
		switch {
		case err == nil:
			created++
		case errors.Is(err, payoutdomain.ErrPayoutInFlight),
			errors.Is(err, payoutdomain.ErrLastPayoutDead),
			errors.Is(err, payoutdomain.ErrNotEligible),
			errors.Is(err, payoutdomain.ErrNoDestination),
			errors.Is(err, ledgerdomain.ErrAccountFrozen),
			errors.Is(err, ledgerdomain.ErrLedgerHalted),
			errors.Is(err, ledgerdomain.ErrInsufficientBalance):
			s.log.Debug("creator skipped by eligibility scan", zap.String("creator_id", creatorID), zap.Error(err))
		default:
			s.log.Warn("eligibility scan payout failed", zap.String("creator_id", creatorID), zap.Error(err))
			errs = append(errs, fmt.Errorf("creator %s: %w", creatorID, err))
		}
	}
	return created, errors.Join(errs...)
}

func (s *Service) requestPayout(ctx context.Context, in payoutdomain.RequestPayoutInput, origin payoutdomain.Origin) (*payoutdomain.Payout, error) {
	creatorID := strings.TrimSpace(in.CreatorID)
	if creatorID == "" {
		return nil, ledgerdomain.ErrInvalidCreator
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > maxIdempotencyKeyLen {
		return nil, fmt.Errorf("%w: idempotency key too long", payoutdomain.ErrInvalidRequest)
	}
	hash := requestHash(creatorID, in)

	if key != "" {
		existing, err := s.findByIdempotencyKey(ctx, creatorID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replayed(existing, hash)
		}
	}

	policy := s.policies.Get()
	var (
		payout  payoutdomain.Payout
		changes changeLog
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.ledger.LockAccountTx(ctx, tx, creatorID)
		if err != nil {
			return err
		}
		if account.Halted() {
			return ledgerdomain.ErrLedgerHalted
		}
		if account.PayoutsFrozen {
			return ledgerdomain.ErrAccountFrozen
		}
		if origin == payoutdomain.OriginScan {
			open, err := s.hasOpenPayout(ctx, tx, creatorID)
			if err != nil {
				return err
			}
			if open {
				return payoutdomain.ErrPayoutInFlight
			}
			dead, err := s.lastPayoutDead(ctx, tx, creatorID)
			if err != nil {
				return err
			}
			if dead {
				return payoutdomain.ErrLastPayoutDead
			}
		}

		providers, err := s.usableProviders(ctx, tx, creatorID, policy)
		if err != nil {
			return err
		}
		provider, err := pickProvider(providers, in.Provider)
		if err != nil {
			return err
		}
		balance, err := s.ledger.BalanceTx(ctx, tx, creatorID, nil)
		if err != nil {
			return err
		}
		amount, err := payableAmount(in.Amount, balance, policy.MinimumAmount(), s.amountPlaces(provider, policy))
		if err != nil {
			return err
		}

		id := s.genID.Generate()
		hold, err := s.ledger.HoldTx(ctx, tx, creatorID, amount, &id)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		holdID := hold.ID
		payout = payoutdomain.Payout{
			ID:            id,
			CreatorID:     creatorID,
			Amount:        amount,
			Currency:      s.currency,
			Provider:      provider,
			State:         payoutdomain.StateEligible,
			HoldID:        &holdID,
			MaxAttempts:   policy.MaxAttempts,
			NextAttemptAt: &now,
			PolicyVersion: policy.Version,
			Origin:        origin,
			RequestHash:   hash,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if key != "" {
			payout.IdempotencyKey = &key
		}
		if err := s.move(ctx, tx, &changes, &payout, payoutdomain.StateHeld, "hold "+hold.ID); err != nil {
			return err
		}
		inserted, err := s.insertPayout(ctx, tx, &payout)
		if err != nil {
			return err
		}
		if !inserted {
			return errReplay
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		existing, findErr := s.findByIdempotencyKey(ctx, creatorID, key)
		if findErr != nil {
			return nil, findErr
		}
		if existing == nil {
			return nil, payoutdomain.ErrIdempotencyConflict
		}
		return replayed(existing, hash)
	}
	if err != nil {
		return nil, s.ledger.Escalate(ctx, err)
	}

	s.log.Info("payout requested",
		zap.String("payout_id", payout.ID.String()),
		zap.String("creator_id", creatorID),
		zap.String("amount", payout.Amount.String()),
		zap.String("provider", payout.Provider),
		zap.String("origin", string(origin)),
	)
	s.publish(ctx, changes)
	return &payout, nil
}

// payableAmount resolves the requested amount. Without one the whole available
// balance is paid, truncated to the rail's granularity.
func payableAmount(requested *money.Amount, balance ledgerdomain.Balance, minimum money.Amount, places int32) (money.Amount, error) {
	if requested == nil {
		amount := balance.Available.Truncate(places)
		if amount < minimum {
			// Another payout holding the funds is a lost race, not a small balance.
			if balance.Held.IsPositive() && balance.Available+balance.Held >= minimum {
				return 0, fmt.Errorf("%w: available %s, %s already held", ledgerdomain.ErrInsufficientBalance, balance.Available, balance.Held)
			}
			return 0, fmt.Errorf("%w: available %s below minimum %s", payoutdomain.ErrNotEligible, amount, minimum)
		}
		return amount, nil
	}
	amount := *requested
	if !amount.IsPositive() || amount.Truncate(places) != amount {
		return 0, fmt.Errorf("%w: amount %s is finer than %d decimal places", payoutdomain.ErrInvalidRequest, amount, places)
	}
	if amount < minimum {
		return 0, fmt.Errorf("%w: amount %s below minimum %s", payoutdomain.ErrNotEligible, amount, minimum)
	}
	return amount, nil
}

func requestHash(creatorID string, in payoutdomain.RequestPayoutInput) string {
	amount := "full"
	if in.Amount != nil {
		amount = in.Amount.String()
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		creatorID,
		amount,
		strings.ToLower(strings.TrimSpace(in.Provider)),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func replayed(existing *payoutdomain.Payout, hash string) (*payoutdomain.Payout, error) {
	if existing.RequestHash != hash {
		return nil, payoutdomain.ErrIdempotencyConflict
	}
	return existing, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*payoutdomain.Detail, error) {
	var payout payoutdomain.Payout
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&payout).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, payoutdomain.ErrPayoutNotFound
		}
		return nil, err
	}
	var transitions []payoutdomain.Transition
	if err := s.db.WithContext(ctx).
		Where("payout_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&transitions).Error; err != nil {
		return nil, err
	}
	return &payoutdomain.Detail{Payout: payout, Transitions: transitions}, nil
}

func (s *Service) List(ctx context.Context, req payoutdomain.ListRequest) (payoutdomain.ListResponse, error) {
	creatorID := strings.TrimSpace(req.CreatorID)
	if creatorID == "" {
		return payoutdomain.ListResponse{}, ledgerdomain.ErrInvalidCreator
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return payoutdomain.ListResponse{}, err
	}
	limit := pagination.Pagination{PageSize: req.PageSize}.Limit()

	query := s.db.WithContext(ctx).Where("creator_id = ?", creatorID)
	if cursor != nil {
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return payoutdomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		query = query.Where("id < ?", id)
	}
	var rows []*payoutdomain.Payout
	if err := query.Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return payoutdomain.ListResponse{}, err
	}

	page, info, err := pagination.BuildCursorPageInfo(rows, limit, func(p *payoutdomain.Payout) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.String()}
	})
	if err != nil {
		return payoutdomain.ListResponse{}, err
	}
	payouts := make([]payoutdomain.Payout, 0, len(page))
	for _, p := range page {
		payouts = append(payouts, *p)
	}
	return payoutdomain.ListResponse{PageInfo: *info, Payouts: payouts}, nil
}

// Freeze blocks new holds and retries. Payouts already SUBMITTED run to completion.
func (s *Service) Freeze(ctx context.Context, creatorID, reason string) (ledgerdomain.CreatorAccount, error) {
	account, err := s.ledger.SetPayoutsFrozen(ctx, creatorID, true, reason)
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	s.log.Info("creator payouts frozen", zap.String("creator_id", account.CreatorID), zap.String("reason", reason))
	return account, nil
}

func (s *Service) Unfreeze(ctx context.Context, creatorID string) (ledgerdomain.CreatorAccount, error) {
	account, err := s.ledger.SetPayoutsFrozen(ctx, creatorID, false, "")
	if err != nil {
		return ledgerdomain.CreatorAccount{}, err
	}
	s.log.Info("creator payouts unfrozen", zap.String("creator_id", account.CreatorID))
	return account, nil
}

func (s *Service) insertPayout(ctx context.Context, tx *gorm.DB, p *payoutdomain.Payout) (bool, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO payout_requests (
			id, creator_id, amount, currency, provider, state, hold_id, external_reference,
			attempts, max_attempts, next_attempt_at, failure_kind, last_error, failed_providers,
			policy_version, origin, idempotency_key, request_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (creator_id, idempotency_key) DO NOTHING`,
		p.ID,
		p.CreatorID,
		p.Amount,
		p.Currency,
		p.Provider,
		p.State,
		p.HoldID,
		p.ExternalReference,
		p.Attempts,
		p.MaxAttempts,
		p.NextAttemptAt,
		p.FailureKind,
		p.LastError,
		p.FailedProviders,
		p.PolicyVersion,
		p.Origin,
		p.IdempotencyKey,
		p.RequestHash,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) savePayout(ctx context.Context, tx *gorm.DB, p *payoutdomain.Payout) error {
	p.UpdatedAt = s.clock.Now()
	return tx.WithContext(ctx).Save(p).Error
}

func (s *Service) findByIdempotencyKey(ctx context.Context, creatorID, key string) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	err := s.db.WithContext(ctx).
		Where("creator_id = ? AND idempotency_key = ?", creatorID, key).
		Take(&payout).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &payout, nil
}

func (s *Service) lockPayout(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*payoutdomain.Payout, error) {
	var payout payoutdomain.Payout
	if err := tx.WithContext(ctx).Raw(
		`SELECT * FROM payout_requests WHERE id = ?`+db.ForUpdate(tx),
		id,
	).Scan(&payout).Error; err != nil {
		return nil, err
	}
	if payout.ID == 0 {
		return nil, payoutdomain.ErrPayoutNotFound
	}
	return &payout, nil
}

func (s *Service) hasOpenPayout(ctx context.Context, tx *gorm.DB, creatorID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM payout_requests WHERE creator_id = ? AND state IN (?, ?, ?)`,
		creatorID,
		payoutdomain.StateHeld,
		payoutdomain.StateSubmitted,
		payoutdomain.StateFailed,
	).Scan(&count).Error
	return count > 0, err
}

// lastPayoutDead reports whether the creator's most recent payout ended DEAD.
func (s *Service) lastPayoutDead(ctx context.Context, tx *gorm.DB, creatorID string) (bool, error) {
	var states []string
	err := tx.WithContext(ctx).Raw(
		`SELECT state FROM payout_requests WHERE creator_id = ? ORDER BY id DESC LIMIT 1`,
		creatorID,
	).Scan(&states).Error
	if err != nil {
		return false, err
	}
	return len(states) == 1 && payoutdomain.State(states[0]) == payoutdomain.StateDead, nil
}

// amountPlaces is the payout granularity on a rail: the policy's, or the rail's
// when it is coarser.
func (s *Service) amountPlaces(provider string, policy config.PayoutPolicy) int32 {
	places := policy.PayoutDecimalPlaces
	if adapter, err := s.adapters.Get(provider); err == nil && adapter.AmountPlaces() < places {
		places = adapter.AmountPlaces()
	}
	return places
}

func (s *Service) dueIDs(ctx context.Context, query string, args ...any) ([]snowflake.ID, error) {
	var raw []int64
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&raw).Error; err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, snowflake.ID(id))
	}
	return ids, nil
}

func batchLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func timePtr(t time.Time) *time.Time { return &t }
