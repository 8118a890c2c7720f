package sqlengine

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Defaults used when a setting is absent from every source.
const (
	DefaultDriver       = "sqlite"
	DefaultDSN          = "file:xtable.db?_pragma=journal_mode(WAL)"
	DefaultMaxOpenConns = 4
	DefaultBusyTimeout  = 5 * time.Second

	// EnvPrefix prefixes environment overrides: XTABLE_DSN -> dsn.
	EnvPrefix = "XTABLE_"
)

// Config selects and tunes the database/sql connection of an Engine.
type Config struct {
	// Driver is a registered database/sql driver name: "sqlite" (modernc,
	// always available) or "sqlite3" (mattn, cgo builds only).
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`

	MaxOpenConns int `koanf:"max_open_conns"`
	MaxIdleConns int `koanf:"max_idle_conns"`

	// BusyTimeout is how long SQLite waits on a locked database. Zero keeps
	// the driver default.
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.DSN == "" {
		c.DSN = DefaultDSN
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 || c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
}

// LoadConfig loads configuration from defaults, an optional YAML file and
// XTABLE_ environment variables.
// Precedence (highest to lowest): env vars > config file > defaults
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"driver":         DefaultDriver,
		"dsn":            DefaultDSN,
		"max_open_conns": DefaultMaxOpenConns,
		"busy_timeout":   DefaultBusyTimeout.String(),
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// 3. Environment: XTABLE_MAX_OPEN_CONNS -> max_open_conns
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
