package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config holds options for the zippy CLI, loaded from zippy.jsonc.
type Config struct {
	// Root is the store directory the CLI operates against.
	Root string `json:"root"`

	// Strict is the default of put's --strict flag, which sets strict
	// schema enforcement on the target collection at every put.
	Strict bool `json:"strict,omitempty"`

	// ScanWorkers overrides the default parallel scan worker count.
	ScanWorkers int `json:"scan_workers,omitempty"`
}

// ConfigFileName is the default config file name, looked up relative to
// the working directory.
const ConfigFileName = "zippy.jsonc"

// DefaultConfig returns the CLI's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Root: ".",
	}
}

// LoadConfig reads zippy.jsonc from workDir if present, applying it over
// [DefaultConfig]. The file is parsed as HuJSON (JSON plus comments and
// trailing commas), so it doesn't error on a trailing comma or a `//`
// comment left in by hand.
//
// A missing config file is not an error: the CLI runs with defaults.
func LoadConfig(workDir string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	standard, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := json.Unmarshal(standard, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Root == "" {
		cfg.Root = "."
	}

	return cfg, nil
}
