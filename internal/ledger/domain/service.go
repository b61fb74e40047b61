package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"gorm.io/gorm"
)

// Service is the creator ledger. The *Tx variants run inside a caller's transaction so
// ledger effects commit atomically with the caller's own rows.
type Service interface {
	Credit(ctx context.Context, req CreditRequest) (Entry, error)
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (Entry, error)

	Hold(ctx context.Context, creatorID string, amount money.Amount) (Hold, error)
	HoldTx(ctx context.Context, tx *gorm.DB, creatorID string, amount money.Amount, payoutID *snowflake.ID) (Hold, error)
	ReleaseHold(ctx context.Context, token string) error
	ReleaseHoldTx(ctx context.Context, tx *gorm.DB, token string) error
	CommitDebit(ctx context.Context, token string) (Entry, error)
	CommitDebitTx(ctx context.Context, tx *gorm.DB, token string) (Entry, error)
	Reverse(ctx context.Context, payoutID snowflake.ID, memo string) (Entry, error)
	ReverseTx(ctx context.Context, tx *gorm.DB, payoutID snowflake.ID, memo string) (Entry, error)
	Adjust(ctx context.Context, req AdjustRequest) (Entry, error)

	Balance(ctx context.Context, creatorID string, asOf *time.Time) (Balance, error)
	BalanceTx(ctx context.Context, tx *gorm.DB, creatorID string, asOf *time.Time) (Balance, error)
	ListEntries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	GetHold(ctx context.Context, token string) (Hold, error)

	Account(ctx context.Context, creatorID string) (CreatorAccount, error)
	EnsureAccount(ctx context.Context, creatorID string) (CreatorAccount, error)
	LockAccountTx(ctx context.Context, tx *gorm.DB, creatorID string) (CreatorAccount, error)
	SetPayoutsFrozen(ctx context.Context, creatorID string, frozen bool, reason string) (CreatorAccount, error)
	Resume(ctx context.Context, creatorID string) (CreatorAccount, error)
	Candidates(ctx context.Context, minimum money.Amount, limit int) ([]string, error)

	CheckIntegrity(ctx context.Context, creatorID string) error
	Escalate(ctx context.Context, err error) error
}

var (
	ErrInvalidCreator      = errors.New("invalid_creator")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrHoldNotFound        = errors.New("hold_not_found")
	ErrHoldNotActive       = errors.New("hold_not_active")
	ErrHoldCommitted       = errors.New("hold_already_committed")
	ErrDebitNotFound       = errors.New("payout_debit_not_found")
	ErrDuplicateEntry      = errors.New("duplicate_entry")
	ErrAccountFrozen       = errors.New("account_frozen")
	ErrLedgerHalted        = errors.New("ledger_halted")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrIntegrityViolation  = errors.New("ledger_integrity_violation")
)

// IntegrityViolationError reports a broken ledger invariant for one creator.
// It is never retried; the creator's ledger is halted until an operator resumes it.
type IntegrityViolationError struct {
	CreatorID string
	Check     string
	Detail    string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("ledger integrity violation for creator %s: %s: %s", e.CreatorID, e.Check, e.Detail)
}

func (e *IntegrityViolationError) Unwrap() error { return ErrIntegrityViolation }

const (
	CheckNonNegativeCommitted = "non_negative_committed"
	CheckHeldWithinCommitted  = "held_within_committed"
	CheckCommittedHoldDebited = "committed_hold_debited"
	CheckDebitHasPayout       = "debit_has_terminal_payout"
	CheckReversalHasFailure   = "reversal_has_failed_payout"
	CheckHoldLeak             = "hold_released_on_terminal"
)
