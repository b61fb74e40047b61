// Package transport is the outbound HTTP client shared by payout adapters. It paces
// requests per provider and classifies failures as transient or permanent.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	providerdomain "github.com/smallbiznis/creatorledger/internal/provider/domain"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

type Client struct {
	provider string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

// New returns a client for baseURL. perSecond <= 0 disables pacing.
func New(provider, baseURL string, perSecond float64, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Client{
		provider: provider,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:     httpClient,
		limiter:  limiter,
	}
}

func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

// ErrorDecoder extracts a provider error code from a non-2xx body.
type ErrorDecoder func(status int, body []byte) string

// Do sends a JSON request and decodes a 2xx JSON response into out.
//
// Network errors, 408, 429 and 5xx are transient. Other 4xx are permanent.
func (c *Client) Do(ctx context.Context, method, path string, headers http.Header, in, out any, decode ErrorDecoder) error {
	if !c.Configured() {
		return providerdomain.Permanent(c.provider, "not_configured", providerdomain.ErrNotConfigured)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return providerdomain.Transient(c.provider, "rate_limited", err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if in != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return providerdomain.Transient(c.provider, "network", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return providerdomain.Transient(c.provider, "read_body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := ""
		if decode != nil {
			code = decode(resp.StatusCode, raw)
		}
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		statusErr := fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			return providerdomain.Transient(c.provider, code, statusErr)
		default:
			return providerdomain.Permanent(c.provider, code, statusErr)
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// The request may have been applied; let the caller retry with the same reference.
		return providerdomain.Transient(c.provider, "decode_response", err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, payload []byte, signature string) error {
	secret = strings.TrimSpace(secret)
	signature = strings.ToLower(strings.TrimSpace(signature))
	if secret == "" || signature == "" {
		return providerdomain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(secret, payload))) {
		return providerdomain.ErrInvalidSignature
	}
	return nil
}
