package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

type State string

const (
	StateEligible  State = "ELIGIBLE"
	StateHeld      State = "HELD"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateDead      State = "DEAD"
)

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateDead
}

// Open payouts still own, or will re-acquire, part of the creator's balance.
func (s State) Open() bool {
	return s == StateHeld || s == StateSubmitted || s == StateFailed
}

// TransitionAllowed enumerates every edge of the payout state machine.
func TransitionAllowed(from, to State) bool {
	switch from {
	case StateEligible:
		return to == StateHeld
	case StateHeld:
		return to == StateSubmitted || to == StateFailed
	case StateSubmitted:
		return to == StateConfirmed || to == StateFailed
	case StateFailed:
		return to == StateHeld || to == StateDead
	default:
		return false
	}
}

type Origin string

const (
	OriginScan    Origin = "scan"
	OriginCreator Origin = "creator"
)

type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
	FailureCallback  FailureKind = "provider_failed"
	FailureTimeout   FailureKind = "timeout"
)

// Payout is one PayoutRequest row.
type Payout struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	CreatorID         string       `gorm:"type:text;not null" json:"creator_id"`
	Amount            money.Amount `gorm:"not null" json:"amount"`
	Currency          string       `gorm:"type:text;not null" json:"currency"`
	Provider          string       `gorm:"type:text;not null" json:"provider"`
	State             State        `gorm:"type:text;not null" json:"state"`
	HoldID            *string      `json:"hold_id,omitempty"`
	ExternalReference *string      `json:"external_reference,omitempty"`
	Attempts          int          `gorm:"not null" json:"attempts"`
	MaxAttempts       int          `gorm:"not null" json:"max_attempts"`
	NextAttemptAt     *time.Time   `json:"next_attempt_at,omitempty"`
	LeaseUntil        *time.Time   `json:"-"`
	SubmittedAt       *time.Time   `json:"submitted_at,omitempty"`
	StatusCheckedAt   *time.Time   `json:"status_checked_at,omitempty"`
	ConfirmedAt       *time.Time   `json:"confirmed_at,omitempty"`
	FailedAt          *time.Time   `json:"failed_at,omitempty"`
	ReversedAt        *time.Time   `json:"reversed_at,omitempty"`
	FailureKind       FailureKind  `gorm:"type:text;not null" json:"failure_kind,omitempty"`
	LastError         string       `gorm:"type:text;not null" json:"last_error,omitempty"`
	FailedProviders   string       `gorm:"type:text;not null" json:"-"`
	PolicyVersion     string       `gorm:"type:text;not null" json:"policy_version"`
	Origin            Origin       `gorm:"type:text;not null" json:"origin"`
	IdempotencyKey    *string      `json:"-"`
	RequestHash       string       `gorm:"type:text;not null" json:"-"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (Payout) TableName() string { return "payout_requests" }

// ProviderFailed reports whether provider already failed this payout permanently.
func (p Payout) ProviderFailed(provider string) bool {
	for _, name := range strings.Split(p.FailedProviders, ",") {
		if name != "" && name == provider {
			return true
		}
	}
	return false
}

// Transition is one audited edge of a payout's state machine.
type Transition struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	PayoutID  snowflake.ID `gorm:"not null" json:"payout_id"`
	FromState State        `gorm:"type:text;not null" json:"from"`
	ToState   State        `gorm:"type:text;not null" json:"to"`
	Reason    string       `gorm:"type:text;not null" json:"reason,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (Transition) TableName() string { return "payout_transitions" }

// Attempt is one acknowledged submission. References of superseded attempts stay
// resolvable so a late settlement of an earlier attempt is still recognised.
type Attempt struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	PayoutID          snowflake.ID `gorm:"not null" json:"payout_id"`
	Attempt           int          `gorm:"not null" json:"attempt"`
	Provider          string       `gorm:"type:text;not null" json:"provider"`
	ExternalReference string       `gorm:"type:text;not null" json:"external_reference"`
	HoldID            string       `gorm:"type:text;not null" json:"hold_id"`
	Amount            money.Amount `gorm:"not null" json:"amount"`
	SubmittedAt       time.Time    `gorm:"not null" json:"submitted_at"`
	SupersededAt      *time.Time   `json:"superseded_at,omitempty"`
}

func (Attempt) TableName() string { return "payout_attempts" }

// DestinationRecord stores a sealed provider destination.
type DestinationRecord struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	CreatorID  string       `gorm:"type:text;not null"`
	Provider   string       `gorm:"type:text;not null"`
	Ciphertext string       `gorm:"type:text;not null"`
	Masked     string       `gorm:"type:text;not null"`
	IsDefault  bool         `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null"`
	UpdatedAt  time.Time    `gorm:"not null"`
}

func (DestinationRecord) TableName() string { return "payout_destinations" }

// DestinationView is what the dashboard sees of a destination.
type DestinationView struct {
	Provider  string    `json:"provider"`
	Masked    string    `json:"masked"`
	IsDefault bool      `json:"is_default"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UpsertDestinationRequest struct {
	CreatorID   string                     `json:"-"`
	Destination providerdomain.Destination `json:"destination"`
	MakeDefault bool                       `json:"make_default"`
}

type Eligibility struct {
	CreatorID string       `json:"creator_id"`
	Available money.Amount `json:"available"`
	Minimum   money.Amount `json:"minimum"`
	Payable   money.Amount `json:"payable"`
	Eligible  bool         `json:"eligible"`
	Reason    string       `json:"reason,omitempty"`
}

const (
	ReasonFrozen       = "account_frozen"
	ReasonHalted       = "ledger_halted"
	ReasonBelowMinimum = "below_minimum"
	ReasonInFlight     = "payout_in_flight"
	// Automatic payouts pause after a dead payout until one is requested explicitly.
	ReasonLastPayoutDead = "last_payout_dead"
)

type RequestPayoutInput struct {
	CreatorID      string        `json:"-"`
	Amount         *money.Amount `json:"amount,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	IdempotencyKey string        `json:"-"`
}

// Outcome is a normalized settlement result from a callback or a status query.
type Outcome struct {
	Provider          string
	ExternalReference string
	Outcome           providerdomain.Outcome
	Reason            string
	Source            string
}

type Detail struct {
	Payout
	Transitions []Transition `json:"transitions"`
}

type ListRequest struct {
	CreatorID string
	PageToken string
	PageSize  int
}

type ListResponse struct {
	pagination.PageInfo
	Payouts []Payout `json:"payouts"`
}
