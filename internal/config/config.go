// Package config builds the typed runtime configuration once, from the
// environment (optionally seeded by a .env file), and validates it before
// any component is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/desertmls/harvester/internal/errs"
)

// Mode selects how the orchestrator schedules collector/region pairs.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// AssessorConfig configures the county assessor REST collector.
type AssessorConfig struct {
	BaseURL          string
	APIKey           string
	PageSize         int
	RateLimitPerHour int
	SafetyMargin     float64
	MaxRetries       int
}

// MLSConfig configures the MLS scrape collector.
type MLSConfig struct {
	BaseURL       string
	MaxRetries    int
	MaxPages      int
	PageTimeout   time.Duration
	RespectRobots bool
	SelectorFile  string
}

// ProxyConfig configures the egress proxy pool.
type ProxyConfig struct {
	Endpoints           []string // host:port
	Username            string
	Password            string
	MaxFailures         int
	MinHealthy          int
	HealthCheckInterval time.Duration
}

// LLMConfig configures the local LLM server client.
type LLMConfig struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	BatchSize  int
}

// ValidationConfig holds validator thresholds.
type ValidationConfig struct {
	MinConfidence float64
	Strict        bool
	MinPrice      float64
	MaxPrice      float64
	MinSqft       int
	MaxSqft       int
}

// ProcessingConfig holds pipeline tuning.
type ProcessingConfig struct {
	BatchSize     int
	MaxConcurrent int
	EnableStorage bool
}

// OrchestrationConfig holds run control.
type OrchestrationConfig struct {
	Mode                Mode
	Budget              time.Duration
	PerCollectorTimeout time.Duration
}

// Config is the full, validated runtime configuration. Built once in main
// and passed by handle; there is no dynamic lookup.
type Config struct {
	TargetZipCodes []string

	Assessor      AssessorConfig
	MLS           MLSConfig
	Proxy         ProxyConfig
	LLM           LLMConfig
	Validation    ValidationConfig
	Processing    ProcessingConfig
	Orchestration OrchestrationConfig

	DatabaseURL   string
	RedisAddr     string
	OpsListenAddr string
	ReportsDir    string
	LogLevel      string

	EnabledCollectors []string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv(os.Getenv)
}

// fromEnv builds config from the given lookup. Split out for tests.
func fromEnv(get func(string) string) (*Config, error) {
	cfg := &Config{
		TargetZipCodes: splitList(get("TARGET_ZIP_CODES")),
		Assessor: AssessorConfig{
			BaseURL:          get("ASSESSOR_BASE_URL"),
			APIKey:           get("ASSESSOR_API_KEY"),
			PageSize:         envInt(get, "ASSESSOR_PAGE_SIZE", 50),
			RateLimitPerHour: envInt(get, "ASSESSOR_RATE_LIMIT_PER_HOUR", 1000),
			SafetyMargin:     envFloat(get, "ASSESSOR_SAFETY_MARGIN", 0.10),
			MaxRetries:       envInt(get, "ASSESSOR_MAX_RETRIES", 3),
		},
		MLS: MLSConfig{
			BaseURL:       get("MLS_BASE_URL"),
			MaxRetries:    envInt(get, "MLS_MAX_RETRIES", 3),
			MaxPages:      envInt(get, "MLS_MAX_PAGES", 10),
			PageTimeout:   time.Duration(envInt(get, "MLS_PAGE_TIMEOUT_MS", 30000)) * time.Millisecond,
			RespectRobots: envBool(get, "MLS_RESPECT_ROBOTS", true),
			SelectorFile:  envDefault(get, "MLS_SELECTOR_FILE", "config/mls_selectors.yaml"),
		},
		Proxy: ProxyConfig{
			Endpoints:           splitList(get("PROXY_ENDPOINTS")),
			Username:            get("PROXY_USERNAME"),
			Password:            get("PROXY_PASSWORD"),
			MaxFailures:         envInt(get, "PROXY_MAX_FAILURES", 3),
			MinHealthy:          envInt(get, "PROXY_MIN_HEALTHY", 2),
			HealthCheckInterval: time.Duration(envInt(get, "PROXY_HEALTH_CHECK_INTERVAL_S", 300)) * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:    get("LLM_BASE_URL"),
			Model:      envDefault(get, "LLM_MODEL", "llama3.2:latest"),
			Timeout:    time.Duration(envInt(get, "LLM_TIMEOUT_S", 30)) * time.Second,
			MaxRetries: envInt(get, "LLM_MAX_RETRIES", 2),
			BatchSize:  envInt(get, "LLM_BATCH_SIZE", 5),
		},
		Validation: ValidationConfig{
			MinConfidence: envFloat(get, "VALIDATION_MIN_CONFIDENCE", 0.7),
			Strict:        envBool(get, "VALIDATION_STRICT", false),
			MinPrice:      envFloat(get, "VALIDATION_MIN_PRICE", 10_000),
			MaxPrice:      envFloat(get, "VALIDATION_MAX_PRICE", 10_000_000),
			MinSqft:       envInt(get, "VALIDATION_MIN_SQFT", 100),
			MaxSqft:       envInt(get, "VALIDATION_MAX_SQFT", 20_000),
		},
		Processing: ProcessingConfig{
			BatchSize:     envInt(get, "PROCESSING_BATCH_SIZE", 10),
			MaxConcurrent: envInt(get, "PROCESSING_MAX_CONCURRENT", 3),
			EnableStorage: envBool(get, "PROCESSING_ENABLE_STORAGE", true),
		},
		Orchestration: OrchestrationConfig{
			Mode:                Mode(envDefault(get, "ORCHESTRATION_MODE", string(ModeSequential))),
			Budget:              time.Duration(envInt(get, "ORCHESTRATION_BUDGET_MINUTES", 75)) * time.Minute,
			PerCollectorTimeout: time.Duration(envInt(get, "ORCHESTRATION_PER_COLLECTOR_TIMEOUT_MINUTES", 30)) * time.Minute,
		},
		DatabaseURL:       get("DATABASE_URL"),
		RedisAddr:         get("REDIS_ADDR"),
		OpsListenAddr:     envDefault(get, "OPS_LISTEN_ADDR", ":9180"),
		ReportsDir:        envDefault(get, "REPORTS_DIR", "reports"),
		LogLevel:          envDefault(get, "LOG_LEVEL", "info"),
		EnabledCollectors: splitList(envDefault(get, "ENABLED_COLLECTORS", "assessor,mls")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required options and cross-field constraints. Any
// failure is a fatal ConfigError; the process must refuse to start.
func (c *Config) Validate() error {
	if len(c.TargetZipCodes) == 0 {
		return errs.New(errs.KindConfig, "target_zip_codes is required")
	}
	for _, z := range c.TargetZipCodes {
		if len(z) != 5 {
			return errs.New(errs.KindConfig, fmt.Sprintf("invalid target zip code %q", z))
		}
	}

	assessorOn := c.collectorEnabled("assessor")
	mlsOn := c.collectorEnabled("mls")

	if assessorOn {
		if c.Assessor.BaseURL == "" {
			return errs.New(errs.KindConfig, "assessor.base_url is required")
		}
		if c.Assessor.APIKey == "" {
			return errs.New(errs.KindConfig, "assessor.api_key is required")
		}
	}
	if mlsOn {
		if c.MLS.BaseURL == "" {
			return errs.New(errs.KindConfig, "mls.base_url is required")
		}
		if len(c.Proxy.Endpoints) == 0 {
			return errs.New(errs.KindConfig, "proxy.endpoints is required when the MLS collector is enabled")
		}
		if c.Proxy.Username == "" || c.Proxy.Password == "" {
			return errs.New(errs.KindConfig, "proxy credentials are required when the MLS collector is enabled")
		}
	}

	if c.LLM.BaseURL == "" {
		return errs.New(errs.KindConfig, "llm.base_url is required")
	}

	switch c.Orchestration.Mode {
	case ModeSequential, ModeParallel:
	default:
		return errs.New(errs.KindConfig, fmt.Sprintf("unknown orchestration mode %q", c.Orchestration.Mode))
	}

	if c.Validation.MinPrice >= c.Validation.MaxPrice {
		return errs.New(errs.KindConfig, "validation.min_price must be below max_price")
	}
	return nil
}

func (c *Config) collectorEnabled(name string) bool {
	for _, n := range c.EnabledCollectors {
		if n == name {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDefault(get func(string) string, key, def string) string {
	if v := get(key); v != "" {
		return v
	}
	return def
}

func envInt(get func(string) string, key string, def int) int {
	v := get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(get func(string) string, key string, def float64) float64 {
	v := get(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(get func(string) string, key string, def bool) bool {
	v := strings.ToLower(get(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
