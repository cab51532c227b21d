// Package environment loads the embedding configuration for the sandbox
// layer: which isolate binary to run, how many boxes the host has, and
// where they live. Values come from an optional TOML file, overridden by
// environment variables (a .env file is honored when present).
package environment

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/judicia/isolate-box/isolate"
)

// Config is everything the embedding application decides for the sandbox
// layer. The core isolate package takes these as plain parameters and reads
// no environment of its own.
type Config struct {
	IsolateBin string `toml:"isolate_bin"`
	BoxCount   int    `toml:"box_count"`
	BoxRoot    string `toml:"box_root"`

	// ExtraWallMarginMs pads the host-side run deadline beyond the
	// in-sandbox wall limit.
	ExtraWallMarginMs int `toml:"extra_wall_margin_ms"`
}

// Default returns the stock configuration for a conventional isolate
// install.
func Default() Config {
	return Config{
		IsolateBin:        isolate.DefaultBinary,
		BoxCount:          isolate.DefaultBoxCount,
		BoxRoot:           isolate.DefaultBoxRoot,
		ExtraWallMarginMs: 2000,
	}
}

// Load reads the optional TOML file at path (skipped when path is empty or
// the file is absent), then applies environment overrides. A .env file in
// the working directory is loaded first, if there is one.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.BoxCount <= 0 {
		return cfg, fmt.Errorf("box_count must be positive, got %d", cfg.BoxCount)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ISOLATE_BIN"); v != "" {
		c.IsolateBin = v
	}
	if v := os.Getenv("ISOLATE_BOX_ROOT"); v != "" {
		c.BoxRoot = v
	}
	if v := os.Getenv("ISOLATE_BOX_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ISOLATE_BOX_COUNT: %w", err)
		}
		c.BoxCount = n
	}
	return nil
}
