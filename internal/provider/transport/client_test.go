package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoClassifiesStatusCodes(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"id":"po_1","code":"bad_account"}`))
	}))
	defer srv.Close()

	client := New("card", srv.URL, 0, srv.Client())
	headers := http.Header{}
	headers.Set("Idempotency-Key", "abc")
	decode := func(_ int, body []byte) string {
		if len(body) > 0 {
			return "bad_account"
		}
		return ""
	}

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, client.Do(context.Background(), http.MethodPost, "/payouts", headers, map[string]string{"a": "b"}, &out, decode))
	assert.Equal(t, "po_1", out.ID)

	status = http.StatusServiceUnavailable
	err := client.Do(context.Background(), http.MethodPost, "/payouts", headers, map[string]string{}, nil, decode)
	assert.True(t, providerdomain.IsTransient(err))

	status = http.StatusTooManyRequests
	err = client.Do(context.Background(), http.MethodPost, "/payouts", headers, map[string]string{}, nil, decode)
	assert.ErrorIs(t, err, providerdomain.ErrTransient)

	status = http.StatusUnprocessableEntity
	err = client.Do(context.Background(), http.MethodPost, "/payouts", headers, map[string]string{}, nil, decode)
	assert.True(t, providerdomain.IsPermanent(err))
	assert.Equal(t, "bad_account", providerdomain.Code(err))
}

func TestDoWithoutBaseURLIsPermanent(t *testing.T) {
	err := New("bank", "", 0, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil, nil, nil)
	assert.ErrorIs(t, err, providerdomain.ErrNotConfigured)
	assert.True(t, providerdomain.IsPermanent(err))
}

func TestDoNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New("mpesa", url, 0, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil, nil, nil)
	assert.ErrorIs(t, err, providerdomain.ErrTransient)
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"ok":true}`)
	sig := Sign("secret", payload)

	assert.NoError(t, VerifySignature("secret", payload, sig))
	assert.NoError(t, VerifySignature("secret", payload, "  "+sig))
	assert.ErrorIs(t, VerifySignature("other", payload, sig), providerdomain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("", payload, sig), providerdomain.ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("secret", payload, ""), providerdomain.ErrInvalidSignature)
}
