// Package config loads transferdesk settings from the environment (optionally seeded
// from a .env file) and an optional YAML tuning file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend modes.
const (
	ModeMemory   = "memory"
	ModeSupabase = "supabase"
)

// Config is the process configuration.
type Config struct {
	Mode       string `env:"TRANSFERDESK_MODE,default=memory"`
	ListenAddr string `env:"TRANSFERDESK_LISTEN,default=:8080"`
	TuningFile string `env:"TRANSFERDESK_TUNING"`

	SupabaseURL string `env:"SUPABASE_URL"`
	SupabaseKey string `env:"SUPABASE_ANON_KEY"`

	// RedisURL selects the Redis draft store when set.
	RedisURL string `env:"REDIS_URL"`

	AssistantURL string `env:"ASSISTANT_URL"`
	AssistantKey string `env:"ASSISTANT_API_KEY"`

	// CORSOrigins lists browser origins allowed to call the session API, separated by ';'.
	CORSOrigins []string `env:"TRANSFERDESK_CORS_ORIGINS"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	Tuning Tuning
}

// Tuning holds the engine's windows and limits.
type Tuning struct {
	ToastTTL       time.Duration `yaml:"toast_ttl"`
	ToastExit      time.Duration `yaml:"toast_exit"`
	FreshWindow    time.Duration `yaml:"fresh_window"`
	ConfirmWindow  time.Duration `yaml:"confirm_window"`
	AggregateTTL   time.Duration `yaml:"aggregate_ttl"`
	RefreshDelay   time.Duration `yaml:"refresh_delay"`
	RequestLimit   int           `yaml:"request_limit"`
	PendingLimit   int           `yaml:"pending_limit"`
	ChatLimit      int           `yaml:"chat_limit"`
	CenterLimit    int           `yaml:"center_limit"`
	HistoryLimit   int           `yaml:"history_limit"`
	RosterLimit    int           `yaml:"roster_limit"`
	HeartbeatSpec  string        `yaml:"heartbeat"`
	AssistantRate  float64       `yaml:"assistant_rate"`
	AssistantBurst int           `yaml:"assistant_burst"`
	ReadRate       float64       `yaml:"read_rate"`
	ActionRate     float64       `yaml:"action_rate"`
	ActionBurst    int           `yaml:"action_burst"`
}

// DefaultTuning returns the built-in windows and limits.
func DefaultTuning() Tuning {
	return Tuning{
		ToastTTL:       5 * time.Second,
		ToastExit:      500 * time.Millisecond,
		FreshWindow:    15 * time.Second,
		ConfirmWindow:  4 * time.Second,
		AggregateTTL:   120 * time.Second,
		RefreshDelay:   1500 * time.Millisecond,
		RequestLimit:   30,
		PendingLimit:   50,
		ChatLimit:      50,
		CenterLimit:    20,
		HistoryLimit:   100,
		RosterLimit:    100,
		HeartbeatSpec:  "@every 1m",
		AssistantRate:  0.2,
		AssistantBurst: 1,
		ActionRate:     5,
		ActionBurst:    10,
	}
}

// Load reads envFile if it exists, decodes the environment and applies the tuning file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Tuning = DefaultTuning()
	if cfg.TuningFile != "" {
		if err := cfg.Tuning.LoadFile(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the values present in a YAML file onto t.
func (t *Tuning) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}
	return t.Parse(data)
}

// Parse overlays YAML data onto t. Keys that are absent keep their current values.
func (t *Tuning) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("failed to parse tuning file: %w", err)
	}
	return nil
}

// Validate checks the settings required by the selected mode.
func (c *Config) Validate() error {
	var problems []string

	switch c.Mode {
	case ModeMemory:
	case ModeSupabase:
		if c.SupabaseURL == "" {
			problems = append(problems, "SUPABASE_URL is required in supabase mode")
		}
		if c.SupabaseKey == "" {
			problems = append(problems, "SUPABASE_ANON_KEY is required in supabase mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", c.Mode))
	}

	t := c.Tuning
	for name, d := range map[string]time.Duration{
		"toast_ttl":      t.ToastTTL,
		"toast_exit":     t.ToastExit,
		"fresh_window":   t.FreshWindow,
		"confirm_window": t.ConfirmWindow,
		"aggregate_ttl":  t.AggregateTTL,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	for name, n := range map[string]int{
		"request_limit": t.RequestLimit,
		"pending_limit": t.PendingLimit,
		"chat_limit":    t.ChatLimit,
		"center_limit":  t.CenterLimit,
		"history_limit": t.HistoryLimit,
		"roster_limit":  t.RosterLimit,
	} {
		if n <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
