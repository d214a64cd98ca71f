// Package config implements an explicit, typed configuration record,
// replacing pythorrent's Config.__getattribute__ attribute-tunnel
// (spec.md §9 Design Notes: "replace with an explicit typed
// configuration record enumerating recognized options").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config enumerates every option this client recognizes. There is no
// generic fallthrough: an unrecognized YAML key is a load-time error.
type Config struct {
	FilePath string `yaml:"file_path"`
	SavePath string `yaml:"save_path"`
	LogLevel string `yaml:"log_level"`
}

// Default is used when no config file is given and no CLI flag
// overrides a field.
func Default() Config {
	return Config{
		SavePath: ".",
		LogLevel: "info",
	}
}

// Load reads path as YAML into a Config, starting from Default() so an
// omitted field keeps its default. Unknown keys are rejected outright
// rather than silently ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every field required to start a download is
// present.
func (c Config) Validate() error {
	if c.FilePath == "" {
		return fmt.Errorf("file_path is required")
	}
	if c.SavePath == "" {
		return fmt.Errorf("save_path is required")
	}
	return nil
}
