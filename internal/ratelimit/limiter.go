package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorledger/internal/config"
)

const (
	keyIngestCreator   = "creatorledger:ratelimit:ingest:creator:%s"
	keyWebhookProvider = "creatorledger:ratelimit:webhook:provider:%s"
)

// Limiter throttles revenue ingest per creator and webhook delivery per provider.
// A nil or disabled Limiter allows everything.
type Limiter struct {
	enabled bool
	bucket  *TokenBucket

	ingestRate   float64
	ingestBurst  int
	webhookRate  float64
	webhookBurst int
}

func NewLimiter(cfg config.Config, client *redis.Client) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &Limiter{}, nil
	}
	if client == nil {
		return nil, errors.New("rate limiting requires REDIS_ADDR")
	}
	if limitCfg.IngestRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("ingest rate limit must be positive")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}
	return &Limiter{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		ingestRate:   limitCfg.IngestRate,
		ingestBurst:  limitCfg.IngestBurst,
		webhookRate:  limitCfg.WebhookRate,
		webhookBurst: limitCfg.WebhookBurst,
	}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *Limiter) AllowIngest(ctx context.Context, creatorID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, ingestKey(creatorID), l.ingestRate, l.ingestBurst)
}

func (l *Limiter) AllowWebhook(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, webhookKey(provider), l.webhookRate, l.webhookBurst)
}

func ingestKey(creatorID string) string {
	return fmt.Sprintf(keyIngestCreator, strings.TrimSpace(creatorID))
}

func webhookKey(provider string) string {
	return fmt.Sprintf(keyWebhookProvider, strings.ToLower(strings.TrimSpace(provider)))
}
