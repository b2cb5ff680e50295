// Package config loads the client configuration: defaults, then the YAML
// config file, then DECKSYNC_ environment variables, then command-line
// flags, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix is stripped from environment variables: DECKSYNC_LMS_URL
// becomes the key lms_url.
const envPrefix = "DECKSYNC_"

// Config is the effective client configuration.
type Config struct {
	LMSURL   string        `koanf:"lms_url" validate:"required,url"`
	DBPath   string        `koanf:"db_path" validate:"required"`
	DecksDir string        `koanf:"decks_dir" validate:"required"`
	Listen   string        `koanf:"listen" validate:"required"`
	Timeout  time.Duration `koanf:"timeout" validate:"required"`
	LogLevel string        `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LMSURL:   "https://lms.ankivn.com",
		DBPath:   DefaultDBPath(),
		DecksDir: DefaultDecksDir(),
		Listen:   "127.0.0.1:8766",
		Timeout:  30 * time.Second,
		LogLevel: "info",
	}
}

// Load builds the configuration from the file at path (skipped when absent),
// the environment, and the given flag set, over the defaults.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		// Flag names use dashes; config keys use underscores.
		if err := k.Load(posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		}), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
