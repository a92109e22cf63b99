package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration file layout for synclogd.
type fileConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
	NodeID  string `yaml:"node_id"`

	Store struct {
		// Driver is "memory" or "sqlite".
		Driver string `yaml:"driver"`
		// Path is the SQLite database file (sqlite driver only).
		Path string `yaml:"path"`
	} `yaml:"store"`

	Backend struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"backend"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	cfg.Store.Driver = "memory"
	cfg.Metrics.Enabled = true

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	switch cfg.Store.Driver {
	case "memory", "sqlite":
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		return nil, fmt.Errorf("sqlite store requires store.path")
	}
	return cfg, nil
}
