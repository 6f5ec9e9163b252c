package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, read from the environment
type Config struct {
	UserID    string `split_words:"true" default:"default_user"`
	Log       LogConfig
	Store     StoreConfig
	Redis     RedisConfig
	Session   SessionConfig
	Scheduler SchedulerConfig
	Dialogue  DialogueConfig
	NLU       NLUConfig
	HTTP      HTTPConfig
	Export    ExportConfig
}

// LogConfig configures the zerolog output
type LogConfig struct {
	Level      string `split_words:"true" default:"info"`
	Format     string `split_words:"true" default:"json"`
	Output     string `split_words:"true" default:"stdout"`
	FilePath   string `split_words:"true" default:"logs/eric.log"`
	TimeFormat string `split_words:"true" default:"rfc3339"`
}

// StoreConfig selects the persistent store
type StoreConfig struct {
	// sqlite or memory
	Driver string `split_words:"true" default:"sqlite"`
	Path   string `split_words:"true" default:"database/eric_memory.db"`
}

// RedisConfig enables the Redis context mirror when URL is set
type RedisConfig struct {
	URL       string `split_words:"true"`
	KeyPrefix string `split_words:"true" default:"context"`
}

type SessionConfig struct {
	DefaultTTL    time.Duration `split_words:"true" default:"60m"`
	SweepInterval time.Duration `split_words:"true" default:"5m"`
}

type SchedulerConfig struct {
	Interval time.Duration `split_words:"true" default:"30s"`
}

type DialogueConfig struct {
	HistorySize int `split_words:"true" default:"50"`
	// round_robin or random
	Picker string `split_words:"true" default:"round_robin"`
	Seed   int64  `split_words:"true" default:"1"`
}

// NLUConfig selects the classifiers. The llm provider talks to any OpenAI-compatible endpoint.
type NLUConfig struct {
	Provider    string        `split_words:"true" default:"keyword"`
	LexiconPath string        `split_words:"true" default:"config.yaml"`
	Model       string        `split_words:"true" default:"openai/gpt-3.5-turbo"`
	APIKey      string        `split_words:"true"`
	BaseURL     string        `split_words:"true" default:"https://openrouter.ai/api/v1"`
	MaxTokens   int           `split_words:"true" default:"256"`
	Temperature float64       `split_words:"true" default:"0.1"`
	Timeout     time.Duration `split_words:"true" default:"30s"`
}

type HTTPConfig struct {
	Addr string `split_words:"true" default:":8080"`
}

type ExportConfig struct {
	Dir string `split_words:"true" default:"data/longterm"`
}

// Store drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// NLU providers
const (
	ProviderKeyword = "keyword"
	ProviderLLM     = "llm"
)

// Response pickers
const (
	PickerRoundRobin = "round_robin"
	PickerRandom     = "random"
)

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	// A missing .env is normal outside development
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("USER_ID cannot be empty"))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		errs = append(errs, errors.New("STORE_PATH is required for the sqlite driver"))
	}
	switch c.NLU.Provider {
	case ProviderKeyword:
	case ProviderLLM:
		if c.NLU.APIKey == "" {
			errs = append(errs, errors.New("NLU_API_KEY is required for the llm provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NLU_PROVIDER %q", c.NLU.Provider))
	}
	switch c.Dialogue.Picker {
	case PickerRoundRobin, PickerRandom:
	default:
		errs = append(errs, fmt.Errorf("unknown DIALOGUE_PICKER %q", c.Dialogue.Picker))
	}
	if c.Session.DefaultTTL <= 0 {
		errs = append(errs, errors.New("SESSION_DEFAULT_TTL must be positive"))
	}
	if c.Session.SweepInterval <= 0 || c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL and SCHEDULER_INTERVAL must be positive"))
	}
	if c.Dialogue.HistorySize <= 0 {
		errs = append(errs, errors.New("DIALOGUE_HISTORY_SIZE must be positive"))
	}
	return errors.Join(errs...)
}
