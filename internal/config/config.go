/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @notes
 * - Secrets arrive as plain environment values injected by the deployment's secret
 *   store. They are never logged.
 * - Durations are configured in whole seconds or hours and clamped to sane ranges.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Fee and tolerance settings.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Pipeline roles a process can run.
const (
	RoleOrchestrator = "orchestrator"
	RoleExecutor     = "executor"
	RoleWorker       = "worker"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	ServiceRoles  string `mapstructure:"SERVICE_ROLES"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	AutoMigrate          bool   `mapstructure:"AUTO_MIGRATE"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TaskExchange         string `mapstructure:"TASK_EXCHANGE"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`
	TaskQueues           string `mapstructure:"TASK_QUEUES"`
	TaskPrefetch         int    `mapstructure:"TASK_PREFETCH"`

	ExchangeAPIBaseURL    string `mapstructure:"EXCHANGE_API_BASE_URL"`
	ExchangeAPIKey        string `mapstructure:"EXCHANGE_API_KEY"`
	ExchangeMinIntervalMS int    `mapstructure:"EXCHANGE_MIN_INTERVAL_MS"`
	ExchangeMaxAttempts   int    `mapstructure:"EXCHANGE_MAX_ATTEMPTS"`
	QuoteReuseTolerance   string `mapstructure:"QUOTE_REUSE_TOLERANCE"`
	QuoteTTLSeconds       int    `mapstructure:"QUOTE_TTL_SECONDS"`

	ChainRPCURL          string `mapstructure:"CHAIN_RPC_URL"`
	ChainRPCUsername     string `mapstructure:"CHAIN_RPC_USERNAME"`
	ChainRPCPassword     string `mapstructure:"CHAIN_RPC_PASSWORD"`
	ChainID              int64  `mapstructure:"CHAIN_ID"`
	HostWalletPrivateKey string `mapstructure:"HOST_WALLET_PRIVATE_KEY"`
	GasLimitMin          uint64 `mapstructure:"GAS_LIMIT_MIN"`
	GasLimitMax          uint64 `mapstructure:"GAS_LIMIT_MAX"`

	TokenSecretInbound       string `mapstructure:"TOKEN_SECRET_INBOUND"`
	TokenSecretOrchestration string `mapstructure:"TOKEN_SECRET_ORCHESTRATION"`
	TokenSecretExecution     string `mapstructure:"TOKEN_SECRET_EXECUTION"`
	TokenSecretReport        string `mapstructure:"TOKEN_SECRET_REPORT"`
	InboundLegacyTokens      bool   `mapstructure:"INBOUND_LEGACY_TOKENS"`
	WebhookHMACSecret        string `mapstructure:"WEBHOOK_HMAC_SECRET"`
	OperatorJWTSecret        string `mapstructure:"OPERATOR_JWT_SECRET"`
	OperatorJWKSURL          string `mapstructure:"OPERATOR_JWKS_URL"`
	OperatorJWTIssuer        string `mapstructure:"OPERATOR_JWT_ISSUER"`

	SettlementSuccessFeePercent string `mapstructure:"SETTLEMENT_SUCCESS_FEE_PERCENT"`
	RetryDelaySeconds           int    `mapstructure:"RETRY_DELAY_SECONDS"`
	ExchangeStatusDelaySeconds  int    `mapstructure:"EXCHANGE_STATUS_DELAY_SECONDS"`
	MaxRetryDurationHours       int    `mapstructure:"MAX_RETRY_DURATION_HOURS"`
	ReestimateTolerance         string `mapstructure:"REESTIMATE_TOLERANCE"`
	ConfirmationSweepSchedule   string `mapstructure:"CONFIRMATION_SWEEP_SCHEDULE"`
	AssetsFile                  string `mapstructure:"ASSETS_FILE"`

	// Parsed forms of the decimal settings above.
	FeePercent          decimal.Decimal `mapstructure:"-"`
	QuoteTolerance      decimal.Decimal `mapstructure:"-"`
	ReestimateThreshold decimal.Decimal `mapstructure:"-"`
}

var envKeys = []string{
	"SERVER_PORT", "SERVICE_ROLES", "PUBLIC_BASE_URL",
	"DATABASE_URL", "AUTO_MIGRATE", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL",
	"TASK_EXCHANGE", "EVENT_EXCHANGE", "TASK_QUEUES", "TASK_PREFETCH",
	"EXCHANGE_API_BASE_URL", "EXCHANGE_API_KEY", "EXCHANGE_MIN_INTERVAL_MS", "EXCHANGE_MAX_ATTEMPTS",
	"QUOTE_REUSE_TOLERANCE", "QUOTE_TTL_SECONDS",
	"CHAIN_RPC_URL", "CHAIN_RPC_USERNAME", "CHAIN_RPC_PASSWORD", "CHAIN_ID", "HOST_WALLET_PRIVATE_KEY",
	"GAS_LIMIT_MIN", "GAS_LIMIT_MAX",
	"TOKEN_SECRET_INBOUND", "TOKEN_SECRET_ORCHESTRATION", "TOKEN_SECRET_EXECUTION", "TOKEN_SECRET_REPORT",
	"INBOUND_LEGACY_TOKENS", "WEBHOOK_HMAC_SECRET",
	"OPERATOR_JWT_SECRET", "OPERATOR_JWKS_URL", "OPERATOR_JWT_ISSUER",
	"SETTLEMENT_SUCCESS_FEE_PERCENT", "RETRY_DELAY_SECONDS", "EXCHANGE_STATUS_DELAY_SECONDS",
	"MAX_RETRY_DURATION_HOURS", "REESTIMATE_TOLERANCE", "CONFIRMATION_SWEEP_SCHEDULE", "ASSETS_FILE",
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("SERVICE_ROLES", "orchestrator,executor,worker")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_gate")
	viper.SetDefault("TASK_EXCHANGE", "settlement.tasks")
	viper.SetDefault("EVENT_EXCHANGE", "settlement.events")
	viper.SetDefault("TASK_PREFETCH", 8)
	viper.SetDefault("EXCHANGE_API_BASE_URL", "https://api.changenow.io/v2")
	viper.SetDefault("EXCHANGE_MIN_INTERVAL_MS", 1000)
	viper.SetDefault("EXCHANGE_MAX_ATTEMPTS", 3)
	viper.SetDefault("QUOTE_REUSE_TOLERANCE", "0.05")
	viper.SetDefault("QUOTE_TTL_SECONDS", 120)
	viper.SetDefault("CHAIN_ID", 1)
	viper.SetDefault("GAS_LIMIT_MIN", 21000)
	viper.SetDefault("GAS_LIMIT_MAX", 500000)
	viper.SetDefault("SETTLEMENT_SUCCESS_FEE_PERCENT", "1")
	viper.SetDefault("RETRY_DELAY_SECONDS", 60)
	viper.SetDefault("EXCHANGE_STATUS_DELAY_SECONDS", 300)
	viper.SetDefault("MAX_RETRY_DURATION_HOURS", 24)
	viper.SetDefault("REESTIMATE_TOLERANCE", "0.02")
	viper.SetDefault("CONFIRMATION_SWEEP_SCHEDULE", "@every 15m")
	viper.SetDefault("ASSETS_FILE", "configs/assets.yaml")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_gate"
	}

	if config.FeePercent, err = parsePercent("SETTLEMENT_SUCCESS_FEE_PERCENT", config.SettlementSuccessFeePercent); err != nil {
		return
	}
	if config.QuoteTolerance, err = parseFraction("QUOTE_REUSE_TOLERANCE", config.QuoteReuseTolerance); err != nil {
		return
	}
	if config.ReestimateThreshold, err = parseFraction("REESTIMATE_TOLERANCE", config.ReestimateTolerance); err != nil {
		return
	}

	config.TaskPrefetch = clamp(config.TaskPrefetch, 1, 256)
	config.ExchangeMinIntervalMS = clamp(config.ExchangeMinIntervalMS, 0, 60_000)
	config.ExchangeMaxAttempts = clamp(config.ExchangeMaxAttempts, 1, 10)
	config.QuoteTTLSeconds = clamp(config.QuoteTTLSeconds, 1, 3600)
	config.RetryDelaySeconds = clamp(config.RetryDelaySeconds, 1, 3600)
	config.ExchangeStatusDelaySeconds = clamp(config.ExchangeStatusDelaySeconds, 10, 3600)
	config.MaxRetryDurationHours = clamp(config.MaxRetryDurationHours, 1, 168)
	if config.GasLimitMax < config.GasLimitMin {
		log.Printf("level=warn component=config msg=\"gas limit max below min; using min\" gas_min=%d gas_max=%d", config.GasLimitMin, config.GasLimitMax)
		config.GasLimitMax = config.GasLimitMin
	}
	return
}

func parsePercent(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 100, got %s", key, d)
	}
	return d, nil
}

func parseFraction(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be a fraction between 0 and 1, got %s", key, d)
	}
	return d, nil
}

// Roles returns the configured pipeline roles.
func (c Config) Roles() []string {
	var roles []string
	for _, r := range strings.Split(c.ServiceRoles, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// HasRole reports whether the process runs role.
func (c Config) HasRole(role string) bool {
	for _, r := range c.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// Queues returns the task queues the worker consumes. Empty means every pipeline queue.
func (c Config) Queues() []string {
	var queues []string
	for _, q := range strings.Split(c.TaskQueues, ",") {
		if q = strings.TrimSpace(q); q != "" {
			queues = append(queues, q)
		}
	}
	return queues
}

func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

func (c Config) ExchangeStatusDelay() time.Duration {
	return time.Duration(c.ExchangeStatusDelaySeconds) * time.Second
}

func (c Config) MaxRetryDuration() time.Duration {
	return time.Duration(c.MaxRetryDurationHours) * time.Hour
}

func (c Config) ExchangeMinInterval() time.Duration {
	return time.Duration(c.ExchangeMinIntervalMS) * time.Millisecond
}

func (c Config) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSeconds) * time.Second
}

// Validate checks that every setting the configured roles depend on is present. It
// names the missing variables, never their values.
func (c Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	roles := c.Roles()
	if len(roles) == 0 {
		return fmt.Errorf("SERVICE_ROLES is empty")
	}
	for _, role := range roles {
		switch role {
		case RoleOrchestrator:
			require("DATABASE_URL", c.DatabaseURL)
			require("RABBITMQ_URL", c.RabbitMQURL)
			require("EXCHANGE_API_KEY", c.ExchangeAPIKey)
			require("TOKEN_SECRET_INBOUND", c.TokenSecretInbound)
			require("TOKEN_SECRET_ORCHESTRATION", c.TokenSecretOrchestration)
			require("TOKEN_SECRET_EXECUTION", c.TokenSecretExecution)
			require("TOKEN_SECRET_REPORT", c.TokenSecretReport)
			require("WEBHOOK_HMAC_SECRET", c.WebhookHMACSecret)
		case RoleExecutor:
			require("DATABASE_URL", c.DatabaseURL)
			require("RABBITMQ_URL", c.RabbitMQURL)
			require("CHAIN_RPC_URL", c.ChainRPCURL)
			require("HOST_WALLET_PRIVATE_KEY", c.HostWalletPrivateKey)
			require("TOKEN_SECRET_EXECUTION", c.TokenSecretExecution)
			require("TOKEN_SECRET_REPORT", c.TokenSecretReport)
		case RoleWorker:
			require("RABBITMQ_URL", c.RabbitMQURL)
			require("PUBLIC_BASE_URL", c.PublicBaseURL)
		default:
			return fmt.Errorf("unknown service role %q", role)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(dedupe(missing), ", "))
	}
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
