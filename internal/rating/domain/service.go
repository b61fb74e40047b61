package domain

import (
	"context"
	"errors"
	"time"
)

type Service interface {
	SnapshotAt(ctx context.Context, at time.Time) (RateSnapshot, error)
	Publish(ctx context.Context, card RateCard) (RateSnapshot, error)
	List(ctx context.Context) ([]RateSnapshot, error)
	Seed(ctx context.Context, cards []RateCard) error
}

var (
	ErrNoRateConfig       = errors.New("no_rate_config")
	ErrVersionExists      = errors.New("rate_version_exists")
	ErrInvalidRateCard    = errors.New("invalid_rate_card")
	ErrInvalidFeePct      = errors.New("invalid_platform_fee_pct")
	ErrUnknownSourceType  = errors.New("unknown_source_type")
	ErrUnknownAction      = errors.New("unknown_engagement_action")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrInvalidGrossAmount = errors.New("invalid_gross_amount")
	ErrInvalidMultiplier  = errors.New("invalid_engagement_multiplier")
	ErrZeroAccrual        = errors.New("zero_accrual")
)
