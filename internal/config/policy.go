package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/creatorledger/pkg/money"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ProviderPolicy enables a payout rail. Order in PayoutPolicy.Providers is the
// selection preference.
type ProviderPolicy struct {
	Name    string `mapstructure:"name"`
	Enabled bool   `mapstructure:"enabled"`
}

// PayoutPolicy is the externally supplied payout configuration.
type PayoutPolicy struct {
	Version             string           `mapstructure:"version"`
	MinimumPayout       string           `mapstructure:"minimum_payout"`
	PayoutDecimalPlaces int32            `mapstructure:"payout_decimal_places"`
	MaxAttempts         int              `mapstructure:"max_attempts"`
	BackoffBase         time.Duration    `mapstructure:"backoff_base"`
	BackoffMax          time.Duration    `mapstructure:"backoff_max"`
	SubmitTimeout       time.Duration    `mapstructure:"submit_timeout"`
	CallbackWait        time.Duration    `mapstructure:"callback_wait"`
	HardTimeout         time.Duration    `mapstructure:"hard_timeout"`
	Providers           []ProviderPolicy `mapstructure:"providers"`

	minimum money.Amount
}

func DefaultPayoutPolicy() PayoutPolicy {
	return PayoutPolicy{
		Version:             "default",
		MinimumPayout:       "50.00",
		PayoutDecimalPlaces: 2,
		MaxAttempts:         5,
		BackoffBase:         30 * time.Second,
		BackoffMax:          30 * time.Minute,
		SubmitTimeout:       15 * time.Second,
		CallbackWait:        30 * time.Minute,
		HardTimeout:         24 * time.Hour,
		Providers: []ProviderPolicy{
			{Name: "mpesa", Enabled: true},
			{Name: "card", Enabled: true},
			{Name: "bank", Enabled: true},
		},
	}
}

// MinimumAmount is the parsed minimum payout threshold.
func (p PayoutPolicy) MinimumAmount() money.Amount { return p.minimum }

func (p PayoutPolicy) ProviderEnabled(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, provider := range p.Providers {
		if strings.ToLower(provider.Name) == name {
			return provider.Enabled
		}
	}
	return false
}

// EnabledProviders returns enabled rails in preference order.
func (p PayoutPolicy) EnabledProviders() []string {
	out := make([]string, 0, len(p.Providers))
	for _, provider := range p.Providers {
		if provider.Enabled {
			out = append(out, strings.ToLower(provider.Name))
		}
	}
	return out
}

// Backoff returns the delay before the given attempt number (1-based), doubling
// from BackoffBase and capped at BackoffMax.
func (p PayoutPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		return p.BackoffMax
	}
	return delay
}

// Normalize validates the policy and resolves derived fields.
func (p PayoutPolicy) Normalize() (PayoutPolicy, error) {
	minimum, err := money.Parse(p.MinimumPayout)
	if err != nil {
		return p, fmt.Errorf("payout.minimum_payout: %w", err)
	}
	if minimum <= 0 {
		return p, errors.New("payout.minimum_payout must be positive")
	}
	if p.PayoutDecimalPlaces < 0 || p.PayoutDecimalPlaces > money.Scale {
		return p, errors.New("payout.payout_decimal_places out of range")
	}
	if p.MaxAttempts <= 0 {
		return p, errors.New("payout.max_attempts must be positive")
	}
	if p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase {
		return p, errors.New("payout.backoff_base/backoff_max invalid")
	}
	if p.SubmitTimeout <= 0 || p.CallbackWait <= 0 || p.HardTimeout < p.CallbackWait {
		return p, errors.New("payout timeouts invalid")
	}
	if len(p.EnabledProviders()) == 0 {
		return p, errors.New("payout.providers: at least one provider must be enabled")
	}
	if strings.TrimSpace(p.Version) == "" {
		return p, errors.New("payout.version cannot be empty")
	}
	p.minimum = minimum
	return p, nil
}

// PolicyHolder serves the current payout policy and swaps it on file change.
type PolicyHolder struct {
	current atomic.Value // holds PayoutPolicy
}

// NewStaticPolicyHolder wraps a fixed policy.
func NewStaticPolicyHolder(p PayoutPolicy) (*PolicyHolder, error) {
	normalized, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	holder := &PolicyHolder{}
	holder.current.Store(normalized)
	return holder, nil
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.payout_policy")
	v := viper.New()

	if cfg.PolicyFile != "" {
		v.SetConfigFile(cfg.PolicyFile)
	} else {
		v.SetConfigName("payout")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creatorledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CREATORLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPayoutPolicy()
	v.SetDefault("payout.version", defaults.Version)
	v.SetDefault("payout.minimum_payout", defaults.MinimumPayout)
	v.SetDefault("payout.payout_decimal_places", defaults.PayoutDecimalPlaces)
	v.SetDefault("payout.max_attempts", defaults.MaxAttempts)
	v.SetDefault("payout.backoff_base", defaults.BackoffBase)
	v.SetDefault("payout.backoff_max", defaults.BackoffMax)
	v.SetDefault("payout.submit_timeout", defaults.SubmitTimeout)
	v.SetDefault("payout.callback_wait", defaults.CallbackWait)
	v.SetDefault("payout.hard_timeout", defaults.HardTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
		log.Info("payout policy file not found, using defaults")
	}

	policy, err := decodePolicy(v, defaults)
	if err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v, defaults)
			if err != nil {
				log.Warn("invalid payout policy ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("payout policy reloaded", zap.String("file", e.Name), zap.String("version", updated.Version))
		})
	}

	return holder, nil
}

func decodePolicy(v *viper.Viper, defaults PayoutPolicy) (PayoutPolicy, error) {
	var policy PayoutPolicy
	if err := v.UnmarshalKey("payout", &policy); err != nil {
		return PayoutPolicy{}, err
	}
	if len(policy.Providers) == 0 {
		policy.Providers = defaults.Providers
	}
	return policy.Normalize()
}

func (h *PolicyHolder) Get() PayoutPolicy {
	return h.current.Load().(PayoutPolicy)
}
