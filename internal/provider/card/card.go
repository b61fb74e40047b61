// Package card pushes payouts to debit cards through a card processor's payouts API.
package card

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
)

const (
	signatureHeader    = "Card-Signature"
	signatureTolerance = 5 * time.Minute
	minorUnitPlaces    = 2
)

// Permanent processor error codes; everything else is retryable.
var permanentCodes = map[string]bool{
	"invalid_destination":   true,
	"card_declined":         true,
	"expired_card":          true,
	"unsupported_currency":  true,
	"account_closed":        true,
	"amount_too_small":      true,
	"payouts_not_allowed":   true,
	"invalid_card_token":    true,
	"destination_not_found": true,
}

type Adapter struct {
	cfg    config.CardConfig
	client *transport.Client
	now    func() time.Time
}

func New(cfg config.CardConfig, httpClient *http.Client) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: transport.New(providerdomain.ProviderCard, cfg.BaseURL, cfg.RatePerSecond, httpClient),
		now:    time.Now,
	}
}

func (a *Adapter) Provider() string { return providerdomain.ProviderCard }

func (a *Adapter) AmountPlaces() int32 { return minorUnitPlaces }

func (a *Adapter) ValidateDestination(d providerdomain.Destination) (providerdomain.Destination, error) {
	token := strings.TrimSpace(d.CardToken)
	if !strings.HasPrefix(token, "tok_") || len(token) < 8 {
		return providerdomain.Destination{}, providerdomain.ErrInvalidDestination
	}
	return providerdomain.Destination{Provider: providerdomain.ProviderCard, CardToken: token}, nil
}

type payoutRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Method      string            `json:"method"`
	Metadata    map[string]string `json:"metadata"`
}

type payoutObject struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureCode   string `json:"failure_code"`
	FailureReason string `json:"failure_message"`
}

func (a *Adapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	if _, err := a.ValidateDestination(req.Destination); err != nil {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "invalid_destination", err)
	}

	headers := a.headers()
	headers.Set("Idempotency-Key", req.Reference)

	var payout payoutObject
	err := a.client.Do(ctx, http.MethodPost, "/v1/payouts", headers, payoutRequest{
		Amount:      req.Amount.Truncate(minorUnitPlaces).MinorUnits(minorUnitPlaces),
		Currency:    strings.ToLower(req.Currency),
		Destination: req.Destination.CardToken,
		Method:      "instant",
		Metadata:    map[string]string{"payout_id": req.PayoutID.String(), "reference": req.Reference},
	}, &payout, decodeError)
	if err != nil {
		return providerdomain.SubmitResult{}, reclassify(err)
	}
	if strings.TrimSpace(payout.ID) == "" {
		return providerdomain.SubmitResult{}, providerdomain.Transient(a.Provider(), "missing_reference", providerdomain.ErrInvalidPayload)
	}
	if payout.Status == "failed" {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), payout.FailureCode, fmt.Errorf("%s", payout.FailureReason))
	}
	return providerdomain.SubmitResult{ExternalReference: payout.ID}, nil
}

func (a *Adapter) Status(ctx context.Context, externalRef string) (providerdomain.StatusResult, error) {
	var payout payoutObject
	if err := a.client.Do(ctx, http.MethodGet, "/v1/payouts/"+externalRef, a.headers(), nil, &payout, decodeError); err != nil {
		return providerdomain.StatusResult{}, reclassify(err)
	}
	return providerdomain.StatusResult{
		ExternalReference: externalRef,
		Outcome:           outcomeOf(payout.Status),
		Reason:            payout.FailureReason,
	}, nil
}

// Verify checks a "t=<unix>,v1=<hex>" signature over "<t>.<payload>" and rejects stale timestamps.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	ts, signatures, err := parseSignature(headers.Get(signatureHeader))
	if err != nil {
		return providerdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return providerdomain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return providerdomain.ErrInvalidSignature
	}

	signed := []byte(ts + "." + string(payload))
	for _, sig := range signatures {
		if transport.VerifySignature(a.cfg.WebhookSecret, signed, sig) == nil {
			return nil
		}
	}
	return providerdomain.ErrInvalidSignature
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object payoutObject `json:"object"`
	} `json:"data"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*providerdomain.Callback, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Data.Object.ID) == "" {
		return nil, providerdomain.ErrInvalidPayload
	}

	var outcome providerdomain.Outcome
	switch event.Type {
	case "payout.paid":
		outcome = providerdomain.OutcomeConfirmed
	case "payout.failed", "payout.canceled":
		outcome = providerdomain.OutcomeFailed
	default:
		return nil, providerdomain.ErrEventIgnored
	}

	occurredAt := a.now().UTC()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	return &providerdomain.Callback{
		Provider:          a.Provider(),
		ExternalReference: event.Data.Object.ID,
		Outcome:           outcome,
		DedupKey:          event.ID,
		Reason:            strings.TrimSpace(event.Data.Object.FailureReason),
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
	case "paid":
		return providerdomain.OutcomeConfirmed
	case "failed", "canceled":
		return providerdomain.OutcomeFailed
	}
	return providerdomain.OutcomePending
}

// reclassify makes processor 4xx codes outside the permanent list retryable.
func reclassify(err error) error {
	code := providerdomain.Code(err)
	if providerdomain.IsPermanent(err) && code != "not_configured" && !permanentCodes[code] && !strings.HasPrefix(code, "http_4") {
		return providerdomain.Transient(providerdomain.ProviderCard, code, err)
	}
	return err
}

func decodeError(_ int, body []byte) string {
	var resp struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if resp.Error.Code != "" {
		return resp.Error.Code
	}
	return resp.Error.Type
}

func parseSignature(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			timestamp = strings.TrimSpace(keyValue[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(keyValue[1]))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, providerdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
