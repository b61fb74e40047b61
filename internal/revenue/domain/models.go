package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	ratingdomain "github.com/smallbiznis/creatorledger/internal/rating/domain"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"gorm.io/datatypes"
)

// RawEvent is a monetizable action as reported by content and engagement systems.
//
// The dedup key is derived from ExternalID when present (a purchase or batch id),
// otherwise from content, viewer and an hourly bucket of OccurredAt.
type RawEvent struct {
	CreatorID            string                  `json:"creator_id" validate:"required,max=128"`
	SourceType           ratingdomain.SourceType `json:"source_type" validate:"required"`
	Action               string                  `json:"action,omitempty"`
	Quantity             int64                   `json:"quantity,omitempty" validate:"gte=0"`
	GrossAmount          money.Amount            `json:"gross_amount,omitempty"`
	EngagementMultiplier string                  `json:"engagement_multiplier,omitempty"`
	OccurredAt           time.Time               `json:"occurred_at" validate:"required"`
	ExternalID           string                  `json:"external_id,omitempty" validate:"max=256"`
	ContentID            string                  `json:"content_id,omitempty" validate:"max=256"`
	ViewerID             string                  `json:"viewer_id,omitempty" validate:"max=256"`
	Metadata             map[string]any          `json:"metadata,omitempty"`
}

// RevenueEvent is the canonical, immutable record of one accrued event.
type RevenueEvent struct {
	ID                   snowflake.ID            `gorm:"primaryKey" json:"id"`
	CreatorID            string                  `gorm:"type:text;not null" json:"creator_id"`
	SourceType           ratingdomain.SourceType `gorm:"type:text;not null" json:"source_type"`
	Action               string                  `gorm:"type:text;not null" json:"action,omitempty"`
	Quantity             int64                   `gorm:"not null" json:"quantity"`
	GrossAmount          money.Amount            `gorm:"not null" json:"gross_amount"`
	EngagementMultiplier string                  `gorm:"type:text;not null" json:"engagement_multiplier"`
	OccurredAt           time.Time               `gorm:"not null" json:"occurred_at"`
	DedupKey             string                  `gorm:"type:text;not null" json:"dedup_key"`
	RateVersion          int64                   `gorm:"not null" json:"rate_version"`
	AccrualAmount        money.Amount            `gorm:"not null" json:"accrual_amount"`
	FeeAmount            money.Amount            `gorm:"not null" json:"fee_amount"`
	Metadata             datatypes.JSONMap       `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt            time.Time               `gorm:"not null" json:"created_at"`
}

func (RevenueEvent) TableName() string { return "revenue_events" }

type SourceSummary struct {
	SourceType ratingdomain.SourceType `json:"source_type"`
	Events     int64                   `json:"events"`
	Gross      money.Amount            `json:"gross"`
	Accrued    money.Amount            `json:"accrued"`
	Fees       money.Amount            `json:"fees"`
}

// Summary aggregates a creator's earnings over [From, To).
type Summary struct {
	CreatorID string          `json:"creator_id"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Sources   []SourceSummary `json:"sources"`
	Gross     money.Amount    `json:"gross"`
	Accrued   money.Amount    `json:"accrued"`
	Fees      money.Amount    `json:"fees"`
}
