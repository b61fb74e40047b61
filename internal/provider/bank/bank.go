// Package bank sends payouts as bank transfers through a banking partner API.
package bank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
)

const (
	signatureHeader = "X-Bank-Signature"
	amountPlaces    = 2
)

var (
	accountPattern  = regexp.MustCompile(`^[0-9A-Z]{6,34}$`)
	bankCodePattern = regexp.MustCompile(`^[0-9A-Z]{3,11}$`)
)

type Adapter struct {
	cfg    config.BankConfig
	client *transport.Client
	now    func() time.Time
}

func New(cfg config.BankConfig, httpClient *http.Client) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: transport.New(providerdomain.ProviderBank, cfg.BaseURL, cfg.RatePerSecond, httpClient),
		now:    time.Now,
	}
}

func (a *Adapter) Provider() string { return providerdomain.ProviderBank }

func (a *Adapter) AmountPlaces() int32 { return amountPlaces }

func (a *Adapter) ValidateDestination(d providerdomain.Destination) (providerdomain.Destination, error) {
	account := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(d.AccountNumber), " ", ""))
	code := strings.ToUpper(strings.TrimSpace(d.BankCode))
	name := strings.TrimSpace(d.AccountName)
	if !accountPattern.MatchString(account) || !bankCodePattern.MatchString(code) || name == "" {
		return providerdomain.Destination{}, providerdomain.ErrInvalidDestination
	}
	return providerdomain.Destination{
		Provider:      providerdomain.ProviderBank,
		AccountNumber: account,
		BankCode:      code,
		AccountName:   name,
	}, nil
}

type transferRequest struct {
	Reference     string `json:"reference"`
	SourceAccount string `json:"source_account"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Beneficiary   struct {
		AccountNumber string `json:"account_number"`
		BankCode      string `json:"bank_code"`
		Name          string `json:"name"`
	} `json:"beneficiary"`
	Narration string `json:"narration"`
}

type transferObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Submit creates a transfer. The partner deduplicates on reference, so a retried
// attempt with the same reference never produces a second transfer.
func (a *Adapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	dest, err := a.ValidateDestination(req.Destination)
	if err != nil {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "invalid_destination", err)
	}
	if strings.TrimSpace(a.cfg.SourceAccount) == "" {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "not_configured", providerdomain.ErrNotConfigured)
	}

	body := transferRequest{
		Reference:     req.Reference,
		SourceAccount: a.cfg.SourceAccount,
		Amount:        req.Amount.Truncate(amountPlaces).StringFixed(amountPlaces),
		Currency:      strings.ToUpper(req.Currency),
		Narration:     "Creator payout " + req.PayoutID.String(),
	}
	body.Beneficiary.AccountNumber = dest.AccountNumber
	body.Beneficiary.BankCode = dest.BankCode
	body.Beneficiary.Name = dest.AccountName

	var transfer transferObject
	if err := a.client.Do(ctx, http.MethodPost, "/transfers", a.headers(), body, &transfer, decodeError); err != nil {
		return providerdomain.SubmitResult{}, err
	}
	if strings.TrimSpace(transfer.ID) == "" {
		return providerdomain.SubmitResult{}, providerdomain.Transient(a.Provider(), "missing_reference", providerdomain.ErrInvalidPayload)
	}
	if outcomeOf(transfer.Status) == providerdomain.OutcomeFailed {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "rejected", errors.New(transfer.Reason))
	}
	return providerdomain.SubmitResult{ExternalReference: transfer.ID}, nil
}

func (a *Adapter) Status(ctx context.Context, externalRef string) (providerdomain.StatusResult, error) {
	var transfer transferObject
	if err := a.client.Do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(externalRef), a.headers(), nil, &transfer, decodeError); err != nil {
		return providerdomain.StatusResult{}, err
	}
	return providerdomain.StatusResult{
		ExternalReference: externalRef,
		Outcome:           outcomeOf(transfer.Status),
		Reason:            transfer.Reason,
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return transport.VerifySignature(a.cfg.WebhookSecret, payload, headers.Get(signatureHeader))
}

type webhookEvent struct {
	EventID    string `json:"event_id"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	OccurredAt string `json:"occurred_at"`
}

// Parse reads a transfer notification. A "returned" transfer bounced after
// settlement and is reported as failed.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*providerdomain.Callback, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.TransferID) == "" {
		return nil, providerdomain.ErrInvalidPayload
	}

	outcome := outcomeOf(event.Status)
	if outcome == providerdomain.OutcomePending {
		return nil, providerdomain.ErrEventIgnored
	}

	occurredAt := a.now().UTC()
	if parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(event.OccurredAt)); err == nil {
		occurredAt = parsed.UTC()
	}
	return &providerdomain.Callback{
		Provider:          a.Provider(),
		ExternalReference: event.TransferID,
		Outcome:           outcome,
		DedupKey:          event.EventID,
		Reason:            strings.TrimSpace(event.Reason),
		OccurredAt:        occurredAt,
		Payload:           payload,
	}, nil
}

func (a *Adapter) headers() http.Header {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.cfg.APIKey)
	return headers
}

func outcomeOf(status string) providerdomain.Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "settled", "completed":
		return providerdomain.OutcomeConfirmed
	case "rejected", "returned", "failed":
		return providerdomain.OutcomeFailed
	}
	return providerdomain.OutcomePending
}

func decodeError(_ int, body []byte) string {
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Code)
}
