package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	LedgerCurrency string
	RateCardFile   string
	PolicyFile     string

	AdminJWTSecret           string
	DestinationEncryptionKey string

	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Providers ProvidersConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return strings.TrimSpace(c.Addr) != "" }

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

type RateLimitConfig struct {
	Enabled      bool
	IngestRate   float64
	IngestBurst  int
	WebhookRate  float64
	WebhookBurst int
}

type SchedulerConfig struct {
	Enabled     bool
	EnabledJobs []string
	// Specs maps job name to a cron spec, e.g. "@every 1m".
	Specs       map[string]string
	LockTTL     time.Duration
	BatchSize   int
}

type ProvidersConfig struct {
	Mpesa MpesaConfig
	Card  CardConfig
	Bank  BankConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	CallbackURL    string
	WebhookSecret  string
	RatePerSecond  float64
}

type CardConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	RatePerSecond float64
}

type BankConfig struct {
	BaseURL       string
	APIKey        string
	SourceAccount string
	WebhookSecret string
	RatePerSecond float64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creatorledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creatorledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		LedgerCurrency:    strings.ToUpper(getenv("LEDGER_CURRENCY", "USD")),
		RateCardFile:      strings.TrimSpace(getenv("RATE_CARD_FILE", "")),
		PolicyFile:        strings.TrimSpace(getenv("PAYOUT_POLICY_FILE", "")),

		AdminJWTSecret:           strings.TrimSpace(getenv("ADMIN_JWT_SECRET", "")),
		DestinationEncryptionKey: strings.TrimSpace(getenv("DESTINATION_ENCRYPTION_KEY", "")),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:     getenvList("KAFKA_BROKERS"),
			TopicPrefix: getenv("KAFKA_TOPIC_PREFIX", "creatorledger"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			IngestRate:   getenvFloat("INGEST_RATE_LIMIT_RATE", 200),
			IngestBurst:  getenvInt("INGEST_RATE_LIMIT_BURST", 400),
			WebhookRate:  getenvFloat("WEBHOOK_RATE_LIMIT_RATE", 50),
			WebhookBurst: getenvInt("WEBHOOK_RATE_LIMIT_BURST", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			EnabledJobs: getenvList("SCHEDULER_ENABLED_JOBS"),
			Specs: map[string]string{
				"eligibility_scan": getenv("SCHEDULER_ELIGIBILITY_SPEC", "@every 5m"),
				"payout_submit":    getenv("SCHEDULER_SUBMIT_SPEC", "@every 30s"),
				"payout_retry":     getenv("SCHEDULER_RETRY_SPEC", "@every 1m"),
				"reconciliation":   getenv("SCHEDULER_RECONCILIATION_SPEC", "@every 10m"),
				"ledger_audit":     getenv("SCHEDULER_LEDGER_AUDIT_SPEC", "@every 1h"),
			},
			LockTTL:   getenvDuration("SCHEDULER_LOCK_TTL", 5*time.Minute),
			BatchSize: getenvInt("SCHEDULER_BATCH_SIZE", 50),
		},
		Providers: ProvidersConfig{
			Mpesa: MpesaConfig{
				BaseURL:        getenv("MPESA_BASE_URL", ""),
				ConsumerKey:    strings.TrimSpace(getenv("MPESA_CONSUMER_KEY", "")),
				ConsumerSecret: strings.TrimSpace(getenv("MPESA_CONSUMER_SECRET", "")),
				ShortCode:      strings.TrimSpace(getenv("MPESA_SHORT_CODE", "")),
				CallbackURL:    strings.TrimSpace(getenv("MPESA_CALLBACK_URL", "")),
				WebhookSecret:  strings.TrimSpace(getenv("MPESA_WEBHOOK_SECRET", "")),
				RatePerSecond:  getenvFloat("MPESA_RATE_PER_SECOND", 5),
			},
			Card: CardConfig{
				BaseURL:       getenv("CARD_BASE_URL", ""),
				APIKey:        strings.TrimSpace(getenv("CARD_API_KEY", "")),
				WebhookSecret: strings.TrimSpace(getenv("CARD_WEBHOOK_SECRET", "")),
				RatePerSecond: getenvFloat("CARD_RATE_PER_SECOND", 10),
			},
			Bank: BankConfig{
				BaseURL:       getenv("BANK_BASE_URL", ""),
				APIKey:        strings.TrimSpace(getenv("BANK_API_KEY", "")),
				SourceAccount: strings.TrimSpace(getenv("BANK_SOURCE_ACCOUNT", "")),
				WebhookSecret: strings.TrimSpace(getenv("BANK_WEBHOOK_SECRET", "")),
				RatePerSecond: getenvFloat("BANK_RATE_PER_SECOND", 2),
			},
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	parts := strings.Split(os.Getenv(key), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
