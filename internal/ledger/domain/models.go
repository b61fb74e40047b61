package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

type Kind string

const (
	KindAccrual        Kind = "accrual"
	KindPlatformFee    Kind = "platform_fee"
	KindPayoutDebit    Kind = "payout_debit"
	KindPayoutReversal Kind = "payout_reversal"
	KindAdjustment     Kind = "adjustment"
)

// Account separates the creator's money from the platform's share of the same gross flow.
type Account string

const (
	AccountCreator  Account = "creator"
	AccountPlatform Account = "platform"
)

// AccountFor returns the account an entry kind posts to.
func AccountFor(kind Kind) Account {
	if kind == KindPlatformFee {
		return AccountPlatform
	}
	return AccountCreator
}

type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusReleased  HoldStatus = "released"
	HoldStatusCommitted HoldStatus = "committed"
)

// Entry is an immutable ledger posting. Corrections are new entries.
type Entry struct {
	ID               snowflake.ID  `gorm:"primaryKey" json:"id"`
	CreatorID        string        `gorm:"type:text;not null" json:"creator_id"`
	Account          Account       `gorm:"type:text;not null" json:"account"`
	Amount           money.Amount  `gorm:"not null" json:"amount"`
	Kind             Kind          `gorm:"type:text;not null" json:"kind"`
	ReferenceEventID *snowflake.ID `json:"reference_event_id,omitempty"`
	PayoutID         *snowflake.ID `json:"payout_id,omitempty"`
	HoldID           *string       `json:"hold_id,omitempty"`
	RateVersion      *int64        `json:"rate_version,omitempty"`
	Currency         string        `gorm:"type:text;not null" json:"currency"`
	Memo             string        `gorm:"type:text;not null" json:"memo,omitempty"`
	CreatedAt        time.Time     `gorm:"not null" json:"created_at"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Hold reserves part of a creator's balance until it is committed or released.
type Hold struct {
	ID         string        `gorm:"primaryKey" json:"token"`
	CreatorID  string        `gorm:"type:text;not null" json:"creator_id"`
	Amount     money.Amount  `gorm:"not null" json:"amount"`
	Status     HoldStatus    `gorm:"type:text;not null" json:"status"`
	PayoutID   *snowflake.ID `json:"payout_id,omitempty"`
	CreatedAt  time.Time     `gorm:"not null" json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

func (Hold) TableName() string { return "ledger_holds" }

// CreatorAccount is the per-creator control row. Locking it serializes all
// ledger mutations for that creator.
type CreatorAccount struct {
	CreatorID     string     `gorm:"primaryKey" json:"creator_id"`
	PayoutsFrozen bool       `gorm:"not null" json:"payouts_frozen"`
	FrozenReason  string     `gorm:"type:text;not null" json:"frozen_reason,omitempty"`
	HaltedAt      *time.Time `json:"halted_at,omitempty"`
	HaltReason    string     `gorm:"type:text;not null" json:"halt_reason,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (CreatorAccount) TableName() string { return "creator_accounts" }

func (a CreatorAccount) Halted() bool { return a.HaltedAt != nil }

type IntegrityViolation struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	CreatorID string       `gorm:"type:text;not null" json:"creator_id"`
	CheckName string       `gorm:"type:text;not null" json:"check"`
	Detail    string       `gorm:"type:text;not null" json:"detail"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (IntegrityViolation) TableName() string { return "ledger_integrity_violations" }

// Balance is derived from entries and holds, never stored.
// Available = Committed - Held and is what payouts may draw on.
type Balance struct {
	CreatorID string       `json:"creator_id"`
	Currency  string       `json:"currency"`
	Committed money.Amount `json:"committed"`
	Held      money.Amount `json:"held"`
	Available money.Amount `json:"available"`
	AsOf      *time.Time   `json:"as_of,omitempty"`
}

type CreditRequest struct {
	CreatorID        string
	Amount           money.Amount
	Kind             Kind
	ReferenceEventID *snowflake.ID
	RateVersion      *int64
	Memo             string
	OccurredAt       time.Time
}

type AdjustRequest struct {
	CreatorID string       `json:"-"`
	Amount    money.Amount `json:"amount"`
	Memo      string       `json:"memo" validate:"required"`
}

type ListEntriesRequest struct {
	CreatorID string
	PageToken string
	PageSize  int
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}
