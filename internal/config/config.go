package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds everything studydeck needs to run. Values are layered:
// defaults, then the yaml config file, then STUDYDECK_* environment
// variables, then command-line flags.
type Config struct {
	Driver      string `koanf:"driver" validate:"oneof=sqlite postgres"`
	SQLitePath  string `koanf:"sqlite-path" validate:"required_if=Driver sqlite"`
	PostgresDSN string `koanf:"postgres-dsn" validate:"required_if=Driver postgres"`
	ListenAddr  string `koanf:"listen-addr" validate:"required"`
	Owner       string `koanf:"owner" validate:"required"`
	ReposDir    string `koanf:"repos-dir" validate:"required"`
}

func defaults() Config {
	return Config{
		Driver:     "sqlite",
		SQLitePath: "studydeck.db",
		ListenAddr: ":8484",
		Owner:      "default",
		ReposDir:   "repos",
	}
}

// Load builds the configuration from the given file (optional) and flag set
// (optional), validates it, and returns it.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if configFile != "" {
		if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
	}

	// STUDYDECK_LISTEN_ADDR=... becomes listen-addr.
	err := k.Load(env.Provider("STUDYDECK_", ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, "STUDYDECK_")), "_", "-")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
