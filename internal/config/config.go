package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Storage
	StoreDriver       string `envconfig:"STORE_DRIVER" default:"sqlite"`
	StorePath         string `envconfig:"STORE_PATH" default:"leadgen.db"`
	StoreCacheEntries int    `envconfig:"STORE_CACHE_ENTRIES" default:"256"`

	// Generation backend
	GenerationAPIURL  string        `envconfig:"GENERATION_API_URL" default:"http://localhost:8000"`
	GenerationAPIKey  string        `envconfig:"GENERATION_API_KEY"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"10m"`
	AgentProfilesPath string        `envconfig:"AGENT_PROFILES_PATH"`

	// Orchestrator
	MaxAttempts        int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	StalenessThreshold time.Duration `envconfig:"STALENESS_THRESHOLD" default:"5m"`
	ProgressCeiling    int           `envconfig:"PROGRESS_CEILING" default:"95"`
	ProgressTick       time.Duration `envconfig:"PROGRESS_TICK" default:"2s"`
	HistoryLimit       int           `envconfig:"HISTORY_LIMIT" default:"50"`
	FailedRetention    time.Duration `envconfig:"FAILED_RETENTION" default:"24h"`
	EstimateWebsite    time.Duration `envconfig:"ESTIMATE_WEBSITE" default:"90s"`
	EstimateContent    time.Duration `envconfig:"ESTIMATE_CONTENT" default:"60s"`
	EstimateMarketing  time.Duration `envconfig:"ESTIMATE_MARKETING" default:"120s"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
	MgmtTLSCert        string `envconfig:"MGMT_TLS_CERT"`
	MgmtTLSKey         string `envconfig:"MGMT_TLS_KEY"`

	// Slack notifications (optional)
	SlackBotToken      string `envconfig:"SLACK_BOT_TOKEN"`
	SlackNotifyChannel string `envconfig:"SLACK_NOTIFY_CHANNEL"`
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackNotifyChannel != ""
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// ExpectedDurations returns the configured per-agent duration estimates.
func (c *Config) ExpectedDurations() map[task.AgentType]time.Duration {
	return map[task.AgentType]time.Duration{
		task.AgentWebsite:   c.EstimateWebsite,
		task.AgentContent:   c.EstimateContent,
		task.AgentMarketing: c.EstimateMarketing,
	}
}

// CORSOriginList returns the parsed list of allowed origins.
func (c *Config) CORSOriginList() []string {
	if c.MgmtCORSOrigins == "" {
		return nil
	}
	parts := strings.Split(c.MgmtCORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, o := range parts {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StoreSQLite, c.StoreDriver))
	}
	if c.ProgressCeiling < 1 || c.ProgressCeiling > 99 {
		errs = append(errs, fmt.Errorf("PROGRESS_CEILING must be within 1..99, got %d", c.ProgressCeiling))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts))
	}
	switch c.MgmtAuthMode {
	case "none":
	case "api-key":
		if c.MgmtAPIKey == "" {
			errs = append(errs, errors.New("MGMT_API_KEY is required when MGMT_AUTH_MODE=api-key"))
		}
	default:
		errs = append(errs, fmt.Errorf("MGMT_AUTH_MODE must be \"none\" or \"api-key\", got %q", c.MgmtAuthMode))
	}
	if (c.MgmtTLSCert == "") != (c.MgmtTLSKey == "") {
		errs = append(errs, errors.New("MGMT_TLS_CERT and MGMT_TLS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// Load reads an optional .env file, then configuration from environment
// variables. Variables already set in the environment win over .env.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
