package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/config"
	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/smallbiznis/creatorledger/internal/provider/transport"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePhone(t *testing.T) {
	cases := map[string]string{
		"0712 345 678":  "254712345678",
		"712345678":     "254712345678",
		"+254712345678": "254712345678",
		"0112345678":    "254112345678",
	}
	for in, want := range cases {
		got, err := SanitizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := SanitizePhone("12345")
	assert.ErrorIs(t, err, providerdomain.ErrInvalidDestination)
}

func newServer(t *testing.T, responseCode string) (*httptest.Server, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/b2c/v1/paymentrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body paymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "254712345678", body.PartyB)
		assert.Equal(t, "150", body.Amount)
		_ = json.NewEncoder(w).Encode(paymentResponse{
			ConversationID:           "AG_2024_1",
			OriginatorConversationID: body.OriginatorConversationID,
			ResponseCode:             responseCode,
			ResponseDescription:      "Accept the service request successfully.",
		})
	})
	mux.HandleFunc("/mpesa/transactionstatus/v1/query", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ConversationID":"AG_2024_1","ResultCode":"0","Status":"Completed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func newAdapter(srv *httptest.Server) *Adapter {
	return New(config.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "600000",
		WebhookSecret:  "whsec",
	}, srv.Client())
}

func submitRequest(amount string) providerdomain.SubmitRequest {
	return providerdomain.SubmitRequest{
		PayoutID:    snowflake.ID(42),
		Reference:   "42-1",
		Amount:      money.MustParse(amount),
		Currency:    "KES",
		Destination: providerdomain.Destination{PhoneNumber: "0712345678"},
	}
}

func TestSubmitReturnsConversationID(t *testing.T) {
	srv, tokenCalls := newServer(t, "0")
	adapter := newAdapter(srv)

	result, err := adapter.Submit(context.Background(), submitRequest("150.00"))
	require.NoError(t, err)
	assert.Equal(t, "AG_2024_1", result.ExternalReference)

	_, err = adapter.Submit(context.Background(), submitRequest("150.00"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls))

	status, err := adapter.Status(context.Background(), "AG_2024_1")
	require.NoError(t, err)
	assert.Equal(t, providerdomain.OutcomeConfirmed, status.Outcome)
}

func TestSubmitRejectionIsPermanent(t *testing.T) {
	srv, _ := newServer(t, "2001")
	_, err := newAdapter(srv).Submit(context.Background(), submitRequest("150.00"))
	assert.True(t, providerdomain.IsPermanent(err))
	assert.Equal(t, "rejected_2001", providerdomain.Code(err))
}

func TestSubmitRefusesFractionalAmount(t *testing.T) {
	srv, tokenCalls := newServer(t, "0")
	_, err := newAdapter(srv).Submit(context.Background(), submitRequest("150.50"))
	assert.True(t, providerdomain.IsPermanent(err))
	assert.Zero(t, atomic.LoadInt32(tokenCalls))
}

func TestVerifyAndParseCallback(t *testing.T) {
	srv, _ := newServer(t, "0")
	adapter := newAdapter(srv)
	payload := []byte(`{"Result":{"ResultType":0,"ResultCode":0,"ResultDesc":"ok","ConversationID":"AG_2024_1","TransactionID":"NLJ41HAY6Q"}}`)

	headers := http.Header{}
	headers.Set(signatureHeader, transport.Sign("whsec", payload))
	require.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set(signatureHeader, transport.Sign("wrong", payload))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), providerdomain.ErrInvalidSignature)

	cb, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "AG_2024_1", cb.ExternalReference)
	assert.Equal(t, providerdomain.OutcomeConfirmed, cb.Outcome)
	assert.Equal(t, "AG_2024_1:confirmed", cb.DedupKey)

	failed, err := adapter.Parse(context.Background(), []byte(`{"Result":{"ResultCode":2040,"ResultDesc":"limit","ConversationID":"AG_2024_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, providerdomain.OutcomeFailed, failed.Outcome)

	_, err = adapter.Parse(context.Background(), []byte(`{"Result":{}}`))
	assert.ErrorIs(t, err, providerdomain.ErrInvalidPayload)
}
