package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

var (
	one      = decimal.NewFromInt(1)
	thousand = decimal.NewFromInt(1000)
)

// MaxQuantity caps the units one event may carry.
const MaxQuantity int64 = 1_000_000_000

// Compute maps one event to its accrual and platform fee under snap.
//
// Intermediate values stay exact; rounding (half to even, to the ledger unit) happens
// once for gross and once for net, and the fee is gross minus net so the two entries
// always reconstruct the gross flow.
func Compute(in CalcInput, snap RateSnapshot) (Accrual, error) {
	if err := snap.validateFee(); err != nil {
		return Accrual{}, err
	}

	var gross decimal.Decimal
	switch {
	case in.SourceType == SourceAdView:
		qty, err := quantity(in.Quantity)
		if err != nil {
			return Accrual{}, err
		}
		mult := in.EngagementMultiplier
		if mult.IsZero() {
			mult = one
		}
		if mult.IsNegative() {
			return Accrual{}, ErrInvalidMultiplier
		}
		gross = snap.BaseCPM.Decimal().Mul(qty).Div(thousand).Mul(mult)
	case in.SourceType == SourceEngagement:
		rate, ok := snap.BonusFor(in.Action)
		if !ok {
			return Accrual{}, ErrUnknownAction
		}
		qty, err := quantity(in.Quantity)
		if err != nil {
			return Accrual{}, err
		}
		gross = rate.Decimal().Mul(qty)
	case in.SourceType.IsPurchase():
		if !in.GrossAmount.IsPositive() || in.GrossAmount > money.Max {
			return Accrual{}, ErrInvalidGrossAmount
		}
		gross = in.GrossAmount.Decimal()
	default:
		return Accrual{}, ErrUnknownSourceType
	}

	grossAmt, err := money.FromDecimal(gross)
	if err != nil {
		if in.SourceType.IsPurchase() {
			return Accrual{}, fmt.Errorf("%w: %w", ErrInvalidGrossAmount, err)
		}
		return Accrual{}, fmt.Errorf("%w: gross %w", ErrInvalidQuantity, err)
	}
	if !grossAmt.IsPositive() {
		return Accrual{}, ErrZeroAccrual
	}
	// 0 <= fee < 1 keeps net within [0, gross].
	net, err := money.FromDecimal(gross.Mul(one.Sub(snap.PlatformFeePct)))
	if err != nil {
		return Accrual{}, err
	}

	return Accrual{
		Gross:       grossAmt,
		Net:         net,
		Fee:         grossAmt - net,
		RateVersion: snap.Version,
	}, nil
}

func quantity(q int64) (decimal.Decimal, error) {
	if q == 0 {
		q = 1
	}
	if q < 0 || q > MaxQuantity {
		return decimal.Decimal{}, ErrInvalidQuantity
	}
	return decimal.NewFromInt(q), nil
}

func (s RateSnapshot) validateFee() error {
	if s.PlatformFeePct.IsNegative() || s.PlatformFeePct.GreaterThanOrEqual(one) {
		return ErrInvalidFeePct
	}
	return nil
}
