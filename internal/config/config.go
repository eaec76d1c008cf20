package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderNames lists every integration provider the sync core knows about.
// Adding a provider means registering an adapter; this list only drives
// which credential blocks Load looks for in the environment.
var ProviderNames = []string{
	"oura", "whoop", "strava", "dexcom", "gmail", "outlook", "slack", "linear",
}

// ProviderCreds holds the per-provider OAuth app and webhook secrets.
type ProviderCreds struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string // HMAC secret or static verification token
	VerifyToken   string // GET handshake token (strava-style subscriptions)
	SyncInterval  time.Duration
}

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (sync leases + rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS services
	AWSRegion    string
	SNSTopicARN  string // push notification fan-out topic
	SESFromEmail string
	SQSQueueURL  string // optional distributed sync-job queue

	// Worker pool / queue
	QueueWorkers int
	QueueSize    int

	// Sync tunables
	DefaultSyncInterval time.Duration // minimum gap between poll-driven syncs
	SyncBudget          time.Duration // wall-clock budget for one sync batch
	ProviderTimeout     time.Duration // per outbound provider call
	SchedulerTick       time.Duration // poll sweep cadence

	// Secrets
	TokenEncryptionKey string // 32-byte hex, AES-256-GCM for tokens at rest
	StateSigningSecret string // HMAC for OAuth state round-trips
	OAuthRedirectBase  string // public base URL for OAuth callbacks

	// Per-provider OAuth apps and webhook secrets
	Providers map[string]ProviderCreds
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "moccet",
		DBName:    "moccet_health",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		QueueWorkers: 4,
		QueueSize:    256,

		DefaultSyncInterval: time.Hour,
		SyncBudget:          2 * time.Minute,
		ProviderTimeout:     15 * time.Second,
		SchedulerTick:       5 * time.Minute,

		OAuthRedirectBase: "http://localhost:8080",

		Providers: make(map[string]ProviderCreds),
	}

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envStr("ENV", cfg.Env)

	cfg.DBHost = envStr("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envStr("DB_USER", cfg.DBUser)
	cfg.DBPassword = envStr("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envStr("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envStr("DB_SSLMODE", cfg.DBSSLMode)

	cfg.RedisHost = envStr("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envStr("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.AWSRegion = envStr("AWS_REGION", cfg.AWSRegion)
	cfg.SNSTopicARN = envStr("SNS_TOPIC_ARN", "")
	cfg.SESFromEmail = envStr("SES_FROM_EMAIL", "")
	cfg.SQSQueueURL = envStr("SQS_QUEUE_URL", "")

	if cfg.QueueWorkers, err = envInt("QUEUE_WORKERS", cfg.QueueWorkers); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = envInt("QUEUE_SIZE", cfg.QueueSize); err != nil {
		return nil, err
	}

	if cfg.DefaultSyncInterval, err = envMinutes("SYNC_INTERVAL_MINUTES", cfg.DefaultSyncInterval); err != nil {
		return nil, err
	}
	if cfg.SyncBudget, err = envSeconds("SYNC_BUDGET_SECONDS", cfg.SyncBudget); err != nil {
		return nil, err
	}
	if cfg.ProviderTimeout, err = envSeconds("PROVIDER_TIMEOUT_SECONDS", cfg.ProviderTimeout); err != nil {
		return nil, err
	}
	if cfg.SchedulerTick, err = envMinutes("SCHEDULER_TICK_MINUTES", cfg.SchedulerTick); err != nil {
		return nil, err
	}

	cfg.TokenEncryptionKey = envStr("TOKEN_ENCRYPTION_KEY", "")
	cfg.StateSigningSecret = envStr("STATE_SIGNING_SECRET", "")
	cfg.OAuthRedirectBase = envStr("OAUTH_REDIRECT_BASE_URL", cfg.OAuthRedirectBase)

	for _, name := range ProviderNames {
		prefix := strings.ToUpper(name)
		creds := ProviderCreds{
			ClientID:      envStr(prefix+"_CLIENT_ID", ""),
			ClientSecret:  envStr(prefix+"_CLIENT_SECRET", ""),
			WebhookSecret: envStr(prefix+"_WEBHOOK_SECRET", ""),
			VerifyToken:   envStr(prefix+"_VERIFY_TOKEN", ""),
		}
		if creds.SyncInterval, err = envMinutes(prefix+"_SYNC_INTERVAL_MINUTES", cfg.DefaultSyncInterval); err != nil {
			return nil, err
		}
		cfg.Providers[name] = creds
	}

	return cfg, nil
}

// Enabled reports whether a provider has OAuth credentials configured.
func (c *Config) Enabled(provider string) bool {
	creds, ok := c.Providers[provider]
	return ok && creds.ClientID != "" && creds.ClientSecret != ""
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envMinutes(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Minute))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Minute, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	n, err := envInt(key, int(def/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
