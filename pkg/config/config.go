package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/platformconf/platformconf/pkg/engine"
	"github.com/platformconf/platformconf/pkg/inisetting"
	"github.com/platformconf/platformconf/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is read when no config file is given.
	DefaultPath = "/etc/platformconf/config.yaml"

	// DefaultDatabasePath holds the fact cache and the audit trail.
	DefaultDatabasePath = "/var/lib/platformconf/platformconf.db"

	// DefaultClockConfPath is the clock synchronization config file.
	DefaultClockConfPath = "/etc/platform/ptpinstance/clock-conf.conf"
)

// Environment overrides applied after the file is read.
const (
	EnvLogLevel = "PCONF_LOG_LEVEL"
	EnvDatabase = "PCONF_DATABASE"
	EnvRoot     = "PCONF_ROOT"
)

// Config is the platformconf configuration file.
type Config struct {
	// Root is prepended to every managed path, e.g. a chroot or image mount.
	Root string `yaml:"root"`

	Database  DatabaseConfig          `yaml:"database"`
	ClockConf ClockConfConfig         `yaml:"clock_conf"`
	Facts     FactsConfig             `yaml:"facts"`
	Policies  PoliciesConfig          `yaml:"policies"`
	Hosts     []engine.Host           `yaml:"hosts" validate:"dive"`
	Settings  []inisetting.Definition `yaml:"settings" validate:"dive"`
	Telemetry telemetry.Config        `yaml:"telemetry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ClockConfConfig locates the clock synchronization config.
type ClockConfConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Strict rejects files containing lines that were skipped.
	Strict bool `yaml:"strict"`
}

// FactsConfig configures fact resolution and caching.
type FactsConfig struct {
	// TTL is how long collected facts stay cached. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// Scripts are Starlark fact files or directories of them.
	Scripts []string `yaml:"scripts"`

	// ScriptTimeout bounds a single scripted fact.
	ScriptTimeout time.Duration `yaml:"script_timeout" validate:"gte=0"`
}

// PoliciesConfig configures the setting change policies.
type PoliciesConfig struct {
	// Paths are .rego or .json policy files or directories.
	Paths []string `yaml:"paths"`

	// Protected lists "type:section/setting" entries that may not change.
	Protected []string `yaml:"protected"`

	// Disabled names policies to switch off, built-ins included.
	Disabled []string `yaml:"disabled"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		ClockConf: ClockConfConfig{
			Path: DefaultClockConfPath,
		},
		Facts: FactsConfig{
			TTL:           engine.DefaultFactsTTL,
			ScriptTimeout: 30 * time.Second,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

var validate = validator.New()

// Load reads the config file at path on top of the defaults. A missing
// file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug().Str("path", path).Msg("Config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := Parse(path, data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse checks data against the config schema and decodes it into cfg.
func Parse(filename string, data []byte, cfg *Config) error {
	schema, err := NewSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(filename, data); err != nil {
		return engine.NewValidationError("invalid config file", err).WithResource(filename)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return engine.NewValidationError("failed to decode config file", err).WithResource(filename)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvRoot); v != "" {
		c.Root = v
	}
}

// Validate checks field constraints the schema cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return engine.NewValidationError("invalid configuration", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewValidationError("invalid telemetry configuration", err)
	}

	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if seen[h.Name] {
			return engine.NewValidationError("duplicate host", nil).WithResource(h.Name)
		}
		seen[h.Name] = true
	}
	return nil
}

// Resolve joins path under Root.
func (c *Config) Resolve(path string) string {
	if c.Root == "" {
		return path
	}
	return filepath.Join(c.Root, path)
}

// SettingRegistry returns the built-in setting types plus those defined
// in the file. Defined types may not reuse a built-in name.
func (c *Config) SettingRegistry() (*inisetting.Registry, error) {
	r := inisetting.NewDefaultRegistry(c.Root)
	for _, def := range c.Settings {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// HostRegistry returns the configured remote hosts.
func (c *Config) HostRegistry() (*engine.HostRegistry, error) {
	return engine.NewHostRegistry(c.Hosts)
}

// PolicyData is the data document exposed to setting policies.
func (c *Config) PolicyData() map[string]interface{} {
	protected := make([]interface{}, len(c.Policies.Protected))
	for i, p := range c.Policies.Protected {
		protected[i] = p
	}
	return map[string]interface{}{
		"protected_settings": protected,
	}
}
