package circulation

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and addresses the backing engine.
type StoreConfig struct {
	Engine string `yaml:"engine"` // "sqlite" (default) or "postgres"
	Path   string `yaml:"path"`   // sqlite database file
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// Config is the persisted session configuration. It is read once at session
// start and never written by this package.
type Config struct {
	PageSize   int         `yaml:"page_size"`
	LastFilter string      `yaml:"last_filter"`
	LookupSite string      `yaml:"lookup_site"`
	Operator   string      `yaml:"operator"`
	Store      StoreConfig `yaml:"store"`
}

// DefaultConfig is used when no configuration file exists yet.
func DefaultConfig() Config {
	return Config{
		PageSize:   25,
		LastFilter: "All",
		Store:      StoreConfig{Engine: string(EngineSQLite), Path: "library.db"},
	}
}

// LoadConfig reads the YAML session configuration. A missing file yields
// the defaults; a malformed file is an error.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PageSize < 0 {
		cfg.PageSize = PageSizeUnlimited
	}
	return cfg, nil
}
