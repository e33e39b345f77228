package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration read from the environment. Empty
// DATABASE_URL, REDIS_URL and KAFKA_BROKERS select the in-memory adapters.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"dispute-notifications"`
	OpsTopic     string   `env:"KAFKA_OPS_TOPIC" envDefault:"dispute-ops-alerts"`

	SettleDelay       time.Duration `env:"ASSESSMENT_SETTLE_DELAY" envDefault:"5s"`
	AssessmentTimeout time.Duration `env:"ASSESSMENT_TIMEOUT" envDefault:"30s"`
	CriterionTimeout  time.Duration `env:"CRITERION_TIMEOUT" envDefault:"5s"`
	AssessmentWorkers int           `env:"ASSESSMENT_WORKERS" envDefault:"6"`
	CriteriaFile      string        `env:"CRITERIA_FILE"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses and validates the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.JWTSecret) == "":
		return errors.New("config: JWT_SECRET must not be blank")
	case c.SettleDelay < 0:
		return errors.New("config: ASSESSMENT_SETTLE_DELAY must not be negative")
	case c.AssessmentTimeout <= 0:
		return errors.New("config: ASSESSMENT_TIMEOUT must be positive")
	case c.CriterionTimeout <= 0 || c.CriterionTimeout > c.AssessmentTimeout:
		return errors.New("config: CRITERION_TIMEOUT must be positive and within ASSESSMENT_TIMEOUT")
	case c.AssessmentWorkers <= 0:
		return errors.New("config: ASSESSMENT_WORKERS must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
