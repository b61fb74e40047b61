package bank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/config"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.BankConfig{
		BaseURL:       srv.URL,
		APIKey:        "bank_key",
		SourceAccount: "001122334455",
		WebhookSecret: "whsec",
	}, srv.Client())
}

func transfer() providerdomain.SubmitRequest {
	return providerdomain.SubmitRequest{
		PayoutID:  snowflake.ID(99),
		Reference: "99-2",
		Amount:    money.MustParse("1250.5"),
		Currency:  "usd",
		Destination: providerdomain.Destination{
			AccountNumber: "gb29 nwbk 6016 1331 9268 19",
			BankCode:      "nwbkgb2l",
			AccountName:   "Ada Creator",
		},
	}
}

func TestValidateDestinationNormalizes(t *testing.T) {
	adapter := New(config.BankConfig{}, nil)
	dest, err := adapter.ValidateDestination(transfer().Destination)
	require.NoError(t, err)
	assert.Equal(t, "GB29NWBK60161331926819", dest.AccountNumber)
	assert.Equal(t, "NWBKGB2L", dest.BankCode)

	_, err = adapter.ValidateDestination(providerdomain.Destination{AccountNumber: "12", BankCode: "X", AccountName: "A"})
	assert.ErrorIs(t, err, providerdomain.ErrInvalidDestination)
}

func TestSubmitCreatesTransfer(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transfers", r.URL.Path)
		assert.Equal(t, "Bearer bank_key", r.Header.Get("Authorization"))
		var body transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "99-2", body.Reference)
		assert.Equal(t, "1250.50", body.Amount)
		assert.Equal(t, "USD", body.Currency)
		assert.Equal(t, "001122334455", body.SourceAccount)
		assert.Equal(t, "GB29NWBK60161331926819", body.Beneficiary.AccountNumber)
		_, _ = w.Write([]byte(`{"id":"tr_1","status":"processing"}`))
	})

	result, err := adapter.Submit(context.Background(), transfer())
	require.NoError(t, err)
	assert.Equal(t, "tr_1", result.ExternalReference)
}

func TestSubmitFailures(t *testing.T) {
	rejected := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"tr_2","status":"rejected","reason":"beneficiary bank unreachable"}`))
	})
	_, err := rejected.Submit(context.Background(), transfer())
	assert.True(t, providerdomain.IsPermanent(err))

	unavailable := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"maintenance"}`))
	})
	_, err = unavailable.Submit(context.Background(), transfer())
	assert.True(t, providerdomain.IsTransient(err))
	assert.Equal(t, "maintenance", providerdomain.Code(err))
}

func TestStatus(t *testing.T) {
	adapter := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/tr_1", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"tr_1","status":"returned","reason":"account closed"}`))
	})
	status, err := adapter.Status(context.Background(), "tr_1")
	require.NoError(t, err)
	assert.Equal(t, providerdomain.OutcomeFailed, status.Outcome)
	assert.Equal(t, "account closed", status.Reason)
}

func TestVerifyAndParse(t *testing.T) {
	adapter := newAdapter(t, func(http.ResponseWriter, *http.Request) {})
	payload := []byte(`{"event_id":"evt_9","transfer_id":"tr_1","status":"settled","occurred_at":"2024-05-01T12:00:00Z"}`)

	headers := http.Header{}
	headers.Set(signatureHeader, transport.Sign("whsec", payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	cb, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, providerdomain.OutcomeConfirmed, cb.Outcome)
	assert.Equal(t, "evt_9", cb.DedupKey)
	assert.Equal(t, 2024, cb.OccurredAt.Year())

	_, err = adapter.Parse(context.Background(), []byte(`{"event_id":"evt_10","transfer_id":"tr_1","status":"processing"}`))
	assert.ErrorIs(t, err, providerdomain.ErrEventIgnored)
}
