package domain

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

const (
	ProviderMpesa = "mpesa"
	ProviderCard  = "card"
	ProviderBank  = "bank"
)

// Outcome is the canonical result of a payout at a provider.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Destination holds the rail-specific payee details. Only the fields of the
// destination's provider are set.
type Destination struct {
	Provider      string `json:"provider"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	CardToken     string `json:"card_token,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	BankCode      string `json:"bank_code,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
}

// Masked renders the destination for dashboards without exposing the full identifier.
func (d Destination) Masked() string {
	switch {
	case d.PhoneNumber != "":
		return maskTail(d.PhoneNumber, 3)
	case d.CardToken != "":
		return maskTail(d.CardToken, 4)
	case d.AccountNumber != "":
		masked := maskTail(d.AccountNumber, 4)
		if d.BankCode != "" {
			return d.BankCode + " " + masked
		}
		return masked
	}
	return ""
}

func maskTail(value string, keep int) string {
	value = strings.TrimSpace(value)
	if len(value) <= keep {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
}

type SubmitRequest struct {
	PayoutID snowflake.ID
	// Reference is the payout's current hold token. It is stable across transient
	// retries, so it doubles as the provider-side idempotency key.
	Reference   string
	Amount      money.Amount
	Currency    string
	Destination Destination
}

// SubmitResult is the provider's acknowledgment; settlement arrives later.
type SubmitResult struct {
	ExternalReference string
}

type StatusResult struct {
	ExternalReference string
	Outcome           Outcome
	Reason            string
}

// Callback is a provider webhook normalized to canonical form.
type Callback struct {
	Provider          string
	ExternalReference string
	Outcome           Outcome
	DedupKey          string
	Reason            string
	OccurredAt        time.Time
	Payload           []byte
}

// Adapter is the uniform capability interface of a payout rail.
type Adapter interface {
	Provider() string
	// AmountPlaces is the finest decimal granularity the rail can move.
	AmountPlaces() int32
	ValidateDestination(d Destination) (Destination, error)
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Status(ctx context.Context, externalRef string) (StatusResult, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Callback, error)
}
