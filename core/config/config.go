// Package config loads bot configuration from a YAML file overlaid by
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"lingvobot/core/database"
	"lingvobot/core/logger"
)

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// AdminIDs is the allow-list of Telegram IDs permitted to use admin commands.
	AdminIDs []int64 `yaml:"admin_ids" envconfig:"TELEGRAM_ADMIN_IDS"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// IsAdmin reports whether id is in the admin allow-list.
func (t TelegramConfig) IsAdmin(id int64) bool {
	for _, admin := range t.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// SessionConfig holds session store settings. An empty RedisAddr selects the
// in-memory store.
type SessionConfig struct {
	RedisAddr     string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" envconfig:"SESSION_TTL"`
}

// LedgerConfig tunes the crystal ledger amounts.
type LedgerConfig struct {
	// WelcomeBonus is the one-time credit granted on first contact.
	WelcomeBonus int64 `yaml:"welcome_bonus" envconfig:"LEDGER_WELCOME_BONUS"`
	// RequestCost is debited for each AI-assisted request.
	RequestCost int64 `yaml:"request_cost" envconfig:"LEDGER_REQUEST_COST"`
	// DefaultGrant is credited by /grant when no amount is given.
	DefaultGrant int64 `yaml:"default_grant" envconfig:"LEDGER_DEFAULT_GRANT"`
}

// AIConfig holds settings for the OpenAI collaborator.
type AIConfig struct {
	APIKey            string  `yaml:"api_key" envconfig:"OPENAI_API_KEY"`
	Model             string  `yaml:"model" envconfig:"OPENAI_MODEL"`
	Temperature       float32 `yaml:"temperature" envconfig:"OPENAI_TEMPERATURE"`
	MaxResponseTokens int     `yaml:"max_response_tokens" envconfig:"OPENAI_MAX_RESPONSE_TOKENS"`
	// ContextMessages is how many recent exchanges are replayed into the
	// model context on each request.
	ContextMessages int `yaml:"context_messages" envconfig:"OPENAI_CONTEXT_MESSAGES"`
}

// RateLimitConfig holds settings for per-user rate limiting.
type RateLimitConfig struct {
	IntervalMS int `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
}

// Config aggregates the full application configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Database  database.Config `yaml:"database"`
	Session   SessionConfig   `yaml:"session"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	AI        AIConfig        `yaml:"ai"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   logger.Config   `yaml:"logging"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if cfg.Session.TTL < 0 {
		return fmt.Errorf("session.ttl must be >= 0")
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 8 * time.Hour
	}

	if cfg.Ledger.WelcomeBonus < 0 || cfg.Ledger.RequestCost < 0 || cfg.Ledger.DefaultGrant < 0 {
		return fmt.Errorf("ledger amounts must be >= 0")
	}
	if cfg.Ledger.WelcomeBonus == 0 {
		cfg.Ledger.WelcomeBonus = 100
	}
	if cfg.Ledger.RequestCost == 0 {
		cfg.Ledger.RequestCost = 1
	}
	if cfg.Ledger.DefaultGrant == 0 {
		cfg.Ledger.DefaultGrant = 10
	}

	if cfg.AI.Model == "" {
		cfg.AI.Model = "gpt-4o-mini"
	}
	if cfg.AI.MaxResponseTokens <= 0 {
		cfg.AI.MaxResponseTokens = 1000
	}
	if cfg.AI.ContextMessages <= 0 {
		cfg.AI.ContextMessages = 5
	}

	if cfg.RateLimit.IntervalMS < 0 {
		return fmt.Errorf("rate_limit.interval_ms must be >= 0")
	}

	return nil
}
