package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creatorledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonCreatorRate  = "creator-rate"
	rateLimitReasonProviderRate = "provider-rate"

	maxIngestBodyBytes = 64 << 10
)

type ingestRateLimitKey struct {
	CreatorID string `json:"creator_id"`
}

// IngestRateLimit throttles event ingestion per creator. A limiter outage lets
// traffic through; ingestion is idempotent and the ledger is the real guard.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		creatorID, err := readIngestKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if creatorID == "" {
			// Let the handler reject it with a proper validation error.
			c.Next()
			return
		}

		result, err := s.limiter.AllowIngest(ctx, creatorID)
		if err != nil {
			logger.FromContext(ctx).Warn("ingest rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		setRateLimitHeaders(c, result)
		if !result.Allowed {
			denyRateLimit(c, result, rateLimitReasonCreatorRate, s.obsMetrics)
			return
		}
		c.Next()
	}
}

func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		result, err := s.limiter.AllowWebhook(ctx, c.Param("provider"))
		if err != nil {
			logger.FromContext(ctx).Warn("webhook rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		setRateLimitHeaders(c, result)
		if !result.Allowed {
			denyRateLimit(c, result, rateLimitReasonProviderRate, s.obsMetrics)
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result *ratelimit.RateLimitResult) {
	if result == nil || result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetTime.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}
}

func denyRateLimit(c *gin.Context, result *ratelimit.RateLimitResult, reason string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)
	logger.FromContext(ctx).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	retryAfter := 1
	if result != nil && result.RetryAfter > 0 {
		retryAfter = int(math.Ceil(result.RetryAfter.Seconds()))
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

// readIngestKey peeks at the body and restores it for the handler.
func readIngestKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBodyBytes+1))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 || len(body) > maxIngestBodyBytes {
		return "", nil
	}

	var payload ingestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.CreatorID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
