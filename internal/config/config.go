// Package config resolves runtime settings. Precedence, highest first:
// environment variables (WHEREWASI_*, nested sections as WHEREWASI_AI_MODEL),
// OLLAMA_HOST, the YAML config file, defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all wherewasi settings.
type Config struct {
	Port     int    `yaml:"port" split_words:"true"`
	DBPath   string `yaml:"db_path" split_words:"true"`
	LogDir   string `yaml:"log_dir" split_words:"true"`
	LogLevel string `yaml:"log_level" split_words:"true"`

	// Firefox profile used to seed the tab table before the extension connects.
	Profile string `yaml:"profile" split_words:"true"`

	AI      AIConfig      `yaml:"ai" split_words:"true"`
	Scoring ScoringConfig `yaml:"scoring" split_words:"true"`
	Store   StoreConfig   `yaml:"store" split_words:"true"`

	AssignWorkers int  `yaml:"assign_workers" split_words:"true"`
	FetchContent  bool `yaml:"fetch_content" split_words:"true"`
}

// AIConfig configures the completion service used for tie-breaks and titles.
type AIConfig struct {
	OllamaHost      string        `yaml:"ollama_host" split_words:"true"`
	Model           string        `yaml:"model" split_words:"true"`
	TiebreakTimeout time.Duration `yaml:"tiebreak_timeout" split_words:"true"`
	TitleTimeout    time.Duration `yaml:"title_timeout" split_words:"true"`
	RatePerSecond   float64       `yaml:"rate_per_second" split_words:"true"`
	CacheSize       int           `yaml:"cache_size" split_words:"true"`
}

// ScoringConfig holds the heuristic weights and selection thresholds.
type ScoringConfig struct {
	TimeWeight    float64 `yaml:"time_weight" split_words:"true"`
	DomainWeight  float64 `yaml:"domain_weight" split_words:"true"`
	KeywordWeight float64 `yaml:"keyword_weight" split_words:"true"`
	MinScore      float64 `yaml:"min_score" split_words:"true"`
	NearTieRatio  float64 `yaml:"near_tie_ratio" split_words:"true"`
}

// StoreConfig bounds the persisted collections.
type StoreConfig struct {
	MaxSessions     int `yaml:"max_sessions" split_words:"true"`
	ClosedTabsLimit int `yaml:"closed_tabs_limit" split_words:"true"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Port:     19191,
		DBPath:   filepath.Join(dataDir, "wherewasi.db"),
		LogDir:   dataDir,
		LogLevel: "info",
		AI: AIConfig{
			OllamaHost:      "http://localhost:11434",
			Model:           "llama3.2",
			TiebreakTimeout: 8 * time.Second,
			TitleTimeout:    30 * time.Second,
			RatePerSecond:   2,
			CacheSize:       256,
		},
		Scoring: ScoringConfig{
			TimeWeight:    0.2,
			DomainWeight:  0.5,
			KeywordWeight: 0.3,
			MinScore:      0.2,
			NearTieRatio:  0.9,
		},
		Store: StoreConfig{
			MaxSessions:     50,
			ClosedTabsLimit: 100,
		},
		AssignWorkers: 2,
	}
}

// DataDir returns ~/.local/share/wherewasi.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wherewasi")
	}
	return filepath.Join(home, ".local", "share", "wherewasi")
}

// DefaultPath returns ~/.config/wherewasi/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wherewasi", "config.yaml")
}

// Load builds the configuration from defaults, the YAML file at path (a
// missing file is not an error) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// Ollama's own variable sits between the file and WHEREWASI_AI_OLLAMA_HOST.
	// No other unprefixed variable is read.
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.AI.OllamaHost = host
	}
	if err := envconfig.Process("wherewasi", cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	s := c.Scoring
	if s.TimeWeight < 0 || s.DomainWeight < 0 || s.KeywordWeight < 0 {
		return errors.New("scoring weights must not be negative")
	}
	if s.NearTieRatio <= 0 || s.NearTieRatio > 1 {
		return fmt.Errorf("near_tie_ratio must be in (0, 1], got %v", s.NearTieRatio)
	}
	if s.MinScore < 0 || s.MinScore > 1 {
		return fmt.Errorf("min_score must be in [0, 1], got %v", s.MinScore)
	}
	if c.Store.MaxSessions < 1 || c.Store.ClosedTabsLimit < 1 {
		return errors.New("store limits must be at least 1")
	}
	if c.AI.TiebreakTimeout <= 0 {
		return errors.New("tiebreak_timeout must be positive")
	}
	if c.AssignWorkers < 1 {
		c.AssignWorkers = 1
	}
	return nil
}
