package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

type SourceType string

const (
	SourceAdView       SourceType = "ad_view"
	SourcePPVPurchase  SourceType = "ppv_purchase"
	SourceSubscription SourceType = "subscription"
	SourceTip          SourceType = "tip"
	SourceStreamTicket SourceType = "stream_ticket"
	SourceVideoCall    SourceType = "video_call"
	SourceEngagement   SourceType = "engagement"
)

// IsPurchase reports whether the event carries its own gross amount.
func (s SourceType) IsPurchase() bool {
	switch s {
	case SourcePPVPurchase, SourceSubscription, SourceTip, SourceStreamTicket, SourceVideoCall:
		return true
	}
	return false
}

func (s SourceType) Valid() bool {
	return s == SourceAdView || s == SourceEngagement || s.IsPurchase()
}

type EngagementAction string

const (
	ActionLike    EngagementAction = "like"
	ActionComment EngagementAction = "comment"
	ActionShare   EngagementAction = "share"
)

// RateSnapshot is one immutable version of the rate configuration.
type RateSnapshot struct {
	Version        int64           `json:"version"`
	BaseCPM        money.Amount    `json:"base_cpm"`
	LikeBonus      money.Amount    `json:"like_bonus"`
	CommentBonus   money.Amount    `json:"comment_bonus"`
	ShareBonus     money.Amount    `json:"share_bonus"`
	PlatformFeePct decimal.Decimal `json:"platform_fee_pct"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	Note           string          `json:"note,omitempty"`
}

// BonusFor returns the per-action bonus rate.
func (s RateSnapshot) BonusFor(action EngagementAction) (money.Amount, bool) {
	switch action {
	case ActionLike:
		return s.LikeBonus, true
	case ActionComment:
		return s.CommentBonus, true
	case ActionShare:
		return s.ShareBonus, true
	}
	return 0, false
}

// CalcInput is the subset of a revenue event the calculator looks at.
type CalcInput struct {
	SourceType           SourceType
	Action               EngagementAction
	Quantity             int64
	GrossAmount          money.Amount
	EngagementMultiplier decimal.Decimal
}

// Accrual is the result of one calculation. Net + Fee == Gross always.
type Accrual struct {
	Gross       money.Amount
	Net         money.Amount
	Fee         money.Amount
	RateVersion int64
}

// RateCard is the external, string-typed form of a snapshot (admin API and rate card files).
type RateCard struct {
	Version        int64      `json:"version" yaml:"version" validate:"required,gt=0"`
	BaseCPM        string     `json:"base_cpm" yaml:"base_cpm" validate:"required"`
	LikeBonus      string     `json:"like_bonus" yaml:"like_bonus"`
	CommentBonus   string     `json:"comment_bonus" yaml:"comment_bonus"`
	ShareBonus     string     `json:"share_bonus" yaml:"share_bonus"`
	PlatformFeePct string     `json:"platform_fee_pct" yaml:"platform_fee_pct" validate:"required"`
	EffectiveFrom  time.Time  `json:"effective_from" yaml:"effective_from" validate:"required"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty" yaml:"effective_until,omitempty"`
	Note           string     `json:"note,omitempty" yaml:"note,omitempty"`
}

// RateConfig is the persisted row.
type RateConfig struct {
	Version        int64        `gorm:"primaryKey;autoIncrement:false"`
	BaseCPM        money.Amount `gorm:"column:base_cpm;not null"`
	LikeBonus      money.Amount `gorm:"not null"`
	CommentBonus   money.Amount `gorm:"not null"`
	ShareBonus     money.Amount `gorm:"not null"`
	PlatformFeePct string       `gorm:"type:text;not null"`
	EffectiveFrom  time.Time    `gorm:"not null"`
	EffectiveUntil *time.Time
	Note           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (RateConfig) TableName() string { return "rate_configs" }
