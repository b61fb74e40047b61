package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
)

// Service orchestrates payouts from eligibility through provider settlement.
//
// Batch operations (ScanEligible, SubmitDue, RetryFailed, ExpireSubmitted) are safe to
// run from several workers at once: rows are claimed with SKIP LOCKED and every state
// change re-checks the current state under a row lock.
type Service interface {
	EvaluateEligibility(ctx context.Context, creatorID string) (Eligibility, error)
	RequestPayout(ctx context.Context, in RequestPayoutInput) (*Payout, error)
	ScanEligible(ctx context.Context, limit int) (int, error)

	SubmitDue(ctx context.Context, limit int) (int, error)
	Submit(ctx context.Context, id snowflake.ID) (*Payout, error)
	RetryFailed(ctx context.Context, limit int) (int, error)
	ApplyOutcome(ctx context.Context, outcome Outcome) (*Payout, error)
	ExpireSubmitted(ctx context.Context, limit int) (int, error)

	ListStale(ctx context.Context, limit int) ([]Payout, error)
	MarkStatusChecked(ctx context.Context, id snowflake.ID) error

	Get(ctx context.Context, id snowflake.ID) (*Detail, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	UpsertDestination(ctx context.Context, req UpsertDestinationRequest) (DestinationView, error)
	ListDestinations(ctx context.Context, creatorID string) ([]DestinationView, error)

	Freeze(ctx context.Context, creatorID, reason string) (ledgerdomain.CreatorAccount, error)
	Unfreeze(ctx context.Context, creatorID string) (ledgerdomain.CreatorAccount, error)
}

var (
	ErrPayoutNotFound       = errors.New("payout_not_found")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrNotEligible          = errors.New("not_eligible")
	ErrPayoutInFlight       = errors.New("payout_in_flight")
	ErrLastPayoutDead       = errors.New("last_payout_dead")
	ErrNoDestination        = errors.New("destination_not_found")
	ErrProviderUnavailable  = errors.New("provider_unavailable")
	ErrIdempotencyConflict  = errors.New("idempotency_conflict")
	ErrInvalidTransition    = errors.New("invalid_payout_transition")
	ErrPayoutLeased         = errors.New("payout_leased")
	ErrOutcomeConflict      = errors.New("outcome_conflict")
	ErrEncryptionKeyMissing = errors.New("encryption_key_missing")
	ErrInvalidDestination   = errors.New("invalid_destination")
)
