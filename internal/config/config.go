package config

import (
	"errors"
	"fmt"
	"os"

	"terapia/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Logging      LoggingConfig      `yaml:"logging"`
	Availability AvailabilityConfig `yaml:"availability"`
	Backend      BackendConfig      `yaml:"backend"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	API          APIConfig          `yaml:"api"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Worker       WorkerConfig       `yaml:"worker"`
	Plans        []models.Plan      `yaml:"plans"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// AvailabilityConfig points at the external scheduling availability service.
type AvailabilityConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// BackendConfig points at the clinic backend that accepts registrations.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SchedulerConfig struct {
	DraftTTLSeconds     int `yaml:"draft_ttl_seconds"`
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds"`
}

type WorkerConfig struct {
	Enabled             bool        `yaml:"enabled"`
	PollIntervalSeconds int         `yaml:"poll_interval_seconds"`
	BatchSize           int         `yaml:"batch_size"`
	Retry               RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	InitialDelaySeconds int     `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; env vars may also come from the environment itself.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Expand ${VAR} references before parsing, so secrets stay out of YAML.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Availability.BaseURL == "" {
		return errors.New("availability base_url is required")
	}

	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	return ValidatePlans(c.Plans)
}

// ValidatePlans rejects duplicate or degenerate treatment plans.
func ValidatePlans(plans []models.Plan) error {
	if len(plans) == 0 {
		return errors.New("at least one treatment plan is required")
	}

	planIDs := make(map[string]bool)
	for _, plan := range plans {
		if plan.ID == "" {
			return fmt.Errorf("plan %q has an empty id", plan.Name)
		}
		if planIDs[plan.ID] {
			return fmt.Errorf("duplicate plan id found: %s", plan.ID)
		}
		planIDs[plan.ID] = true
		if plan.Sessions <= 0 {
			return fmt.Errorf("plan %s must require at least one session", plan.ID)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Scheduler.DraftTTLSeconds == 0 {
		c.Scheduler.DraftTTLSeconds = models.DefaultDraftTTL
	}
	if c.Scheduler.QueryTimeoutSeconds == 0 {
		c.Scheduler.QueryTimeoutSeconds = models.DefaultQueryTimeout
	}

	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 2
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 20
	}
	if c.Worker.Retry.MaxRetries == 0 {
		c.Worker.Retry.MaxRetries = 5
	}
	if c.Worker.Retry.InitialDelaySeconds == 0 {
		c.Worker.Retry.InitialDelaySeconds = 2
	}
	if c.Worker.Retry.MaxDelaySeconds == 0 {
		c.Worker.Retry.MaxDelaySeconds = 60
	}
	if c.Worker.Retry.BackoffFactor == 0 {
		c.Worker.Retry.BackoffFactor = 2
	}
}
