// Package mpesa pays creators through M-Pesa B2C mobile-money transfers.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
	"github.com/smallbiznis/creatorledger/pkg/money"
)

const signatureHeader = "X-Mpesa-Signature"

var nonNumeric = regexp.MustCompile(`[^0-9]`)

// SanitizePhone normalizes a Kenyan mobile number to 2547XXXXXXXX / 2541XXXXXXXX.
func SanitizePhone(phone string) (string, error) {
	digits := nonNumeric.ReplaceAllString(phone, "")
	switch {
	case (strings.HasPrefix(digits, "07") || strings.HasPrefix(digits, "01")) && len(digits) == 10:
		return "254" + digits[1:], nil
	case (strings.HasPrefix(digits, "7") || strings.HasPrefix(digits, "1")) && len(digits) == 9:
		return "254" + digits, nil
	case strings.HasPrefix(digits, "254") && len(digits) == 12:
		return digits, nil
	}
	return "", providerdomain.ErrInvalidDestination
}

type Adapter struct {
	cfg    config.MpesaConfig
	client *transport.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg config.MpesaConfig, httpClient *http.Client) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: transport.New(providerdomain.ProviderMpesa, cfg.BaseURL, cfg.RatePerSecond, httpClient),
		now:    time.Now,
	}
}

func (a *Adapter) Provider() string { return providerdomain.ProviderMpesa }

// AmountPlaces is zero: B2C moves whole shillings.
func (a *Adapter) AmountPlaces() int32 { return 0 }

func (a *Adapter) ValidateDestination(d providerdomain.Destination) (providerdomain.Destination, error) {
	phone, err := SanitizePhone(d.PhoneNumber)
	if err != nil {
		return providerdomain.Destination{}, err
	}
	return providerdomain.Destination{Provider: providerdomain.ProviderMpesa, PhoneNumber: phone}, nil
}

type paymentRequest struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	CommandID                string `json:"CommandID"`
	Amount                   string `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

type paymentResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// Submit sends a B2C payment. M-Pesa moves whole shillings only, so fractional
// amounts are refused permanently.
func (a *Adapter) Submit(ctx context.Context, req providerdomain.SubmitRequest) (providerdomain.SubmitResult, error) {
	phone, err := SanitizePhone(req.Destination.PhoneNumber)
	if err != nil {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "invalid_destination", err)
	}
	if req.Amount.Truncate(a.AmountPlaces()) != req.Amount || !req.Amount.IsPositive() {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "unsupported_amount", money.ErrPrecision)
	}

	headers, err := a.authHeaders(ctx)
	if err != nil {
		return providerdomain.SubmitResult{}, err
	}
	var resp paymentResponse
	err = a.client.Do(ctx, http.MethodPost, "/mpesa/b2c/v1/paymentrequest", headers, paymentRequest{
		OriginatorConversationID: req.Reference,
		CommandID:                "BusinessPayment",
		Amount:                   req.Amount.StringFixed(0),
		PartyA:                   a.cfg.ShortCode,
		PartyB:                   phone,
		Remarks:                  "creator payout",
		ResultURL:                a.cfg.CallbackURL,
		Occasion:                 req.PayoutID.String(),
	}, &resp, decodeError)
	if err != nil {
		return providerdomain.SubmitResult{}, err
	}
	if resp.ResponseCode != "0" {
		return providerdomain.SubmitResult{}, providerdomain.Permanent(a.Provider(), "rejected_"+resp.ResponseCode, errors.New(resp.ResponseDescription))
	}
	if strings.TrimSpace(resp.ConversationID) == "" {
		return providerdomain.SubmitResult{}, providerdomain.Transient(a.Provider(), "missing_reference", providerdomain.ErrInvalidPayload)
	}
	return providerdomain.SubmitResult{ExternalReference: resp.ConversationID}, nil
}

type statusResponse struct {
	ConversationID string `json:"ConversationID"`
	ResultCode     string `json:"ResultCode"`
	ResultDesc     string `json:"ResultDesc"`
	Status         string `json:"Status"`
}

func (a *Adapter) Status(ctx context.Context, externalRef string) (providerdomain.StatusResult, error) {
	headers, err := a.authHeaders(ctx)
	if err != nil {
		return providerdomain.StatusResult{}, err
	}
	var resp statusResponse
	err = a.client.Do(ctx, http.MethodPost, "/mpesa/transactionstatus/v1/query", headers, map[string]string{
		"ConversationID": externalRef,
		"PartyA":         a.cfg.ShortCode,
	}, &resp, decodeError)
	if err != nil {
		return providerdomain.StatusResult{}, err
	}

	result := providerdomain.StatusResult{ExternalReference: externalRef, Reason: resp.ResultDesc}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "completed":
		result.Outcome = providerdomain.OutcomeConfirmed
	case "failed", "cancelled", "reversed":
		result.Outcome = providerdomain.OutcomeFailed
	default:
		result.Outcome = providerdomain.OutcomePending
	}
	return result, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return transport.VerifySignature(a.cfg.WebhookSecret, payload, headers.Get(signatureHeader))
}

type resultCallback struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// Parse reads a B2C result callback. ResultCode 0 settles the payout; anything else fails it.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*providerdomain.Callback, error) {
	var cb resultCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}
	ref := strings.TrimSpace(cb.Result.ConversationID)
	if ref == "" {
		return nil, providerdomain.ErrInvalidPayload
	}

	outcome := providerdomain.OutcomeFailed
	if cb.Result.ResultCode == 0 {
		outcome = providerdomain.OutcomeConfirmed
	}
	return &providerdomain.Callback{
		Provider:          a.Provider(),
		ExternalReference: ref,
		Outcome:           outcome,
		DedupKey:          ref + ":" + string(outcome),
		Reason:            strings.TrimSpace(cb.Result.ResultDesc),
		OccurredAt:        a.now().UTC(),
		Payload:           payload,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// authHeaders returns a bearer header, refreshing the OAuth token a minute before expiry.
func (a *Adapter) authHeaders(ctx context.Context) (http.Header, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token == "" || a.now().After(a.tokenExpiry.Add(-time.Minute)) {
		if strings.TrimSpace(a.cfg.ConsumerKey) == "" || strings.TrimSpace(a.cfg.ConsumerSecret) == "" {
			return nil, providerdomain.Permanent(a.Provider(), "not_configured", providerdomain.ErrNotConfigured)
		}
		basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ConsumerKey + ":" + a.cfg.ConsumerSecret))
		headers := http.Header{}
		headers.Set("Authorization", "Basic "+basic)

		var tok tokenResponse
		if err := a.client.Do(ctx, http.MethodGet, "/oauth/v1/generate?grant_type=client_credentials", headers, nil, &tok, decodeError); err != nil {
			return nil, err
		}
		if tok.AccessToken == "" {
			return nil, providerdomain.Transient(a.Provider(), "empty_token", providerdomain.ErrInvalidPayload)
		}
		ttl, err := time.ParseDuration(strings.TrimSpace(tok.ExpiresIn) + "s")
		if err != nil || ttl <= 0 {
			ttl = time.Hour
		}
		a.token = tok.AccessToken
		a.tokenExpiry = a.now().Add(ttl)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.token)
	return headers, nil
}

func decodeError(_ int, body []byte) string {
	var resp struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.ErrorCode)
}
