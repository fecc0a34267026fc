// Package config holds the startup configuration, parsed from the
// environment with optional .env overlays.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is every recognized startup option. Credentials and the group id
// have no defaults and must be supplied.
type Config struct {
	CPAPIID   string `env:"CP_API_ID"`
	CPAPIKey  string `env:"CP_API_KEY"`
	ECMAPIID  string `env:"ECM_API_ID"`
	ECMAPIKey string `env:"ECM_API_KEY"`

	GroupID string `env:"ECM_GROUP_ID"`
	BaseURL string `env:"ECM_BASE_URL" envDefault:"https://www.cradlepointecm.com/api/v2"`

	IncludeGroupLayer   bool `env:"INCLUDE_GROUP_LAYER" envDefault:"true"`
	IncludeDefaultLayer bool `env:"INCLUDE_DEFAULT_LAYER" envDefault:"false"`
	MaxDepth            int  `env:"MAX_DEPTH" envDefault:"5"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// When set, the full tree is dumped to this file as indented text once
	// after the build.
	TreeDumpPath string `env:"TREE_DUMP_PATH"`
}

// LoadEnv loads the given .env files into the process environment, skipping
// files that do not exist. Returns how many files were loaded.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env and .env.local if present, then parses the environment.
func Load() (*Config, error) {
	if _, err := LoadEnv([]string{".env", ".env.local"}); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the options that have no usable default.
func (c *Config) Validate() error {
	var errs []error
	if c.CPAPIID == "" || c.CPAPIKey == "" || c.ECMAPIID == "" || c.ECMAPIKey == "" {
		errs = append(errs, errors.New("CP_API_ID, CP_API_KEY, ECM_API_ID and ECM_API_KEY are required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("ECM_GROUP_ID is required"))
	}
	if c.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("MAX_DEPTH must be at least 1, got %d", c.MaxDepth))
	}
	return errors.Join(errs...)
}
