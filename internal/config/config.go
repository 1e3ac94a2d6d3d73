// Package config loads the sidecar configuration and resolves the platform
// directory layout.
//
// Precedence, lowest first: built-in defaults, <dir>/pear.yaml, environment
// (PEAR_DIR, PEAR_SOCKET, PEAR_LOG_LEVEL). The result is validated before
// use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pear/internal/drive"
	"github.com/roach88/pear/internal/errs"
)

// FileName is the config file looked up in the platform directory.
const FileName = "pear.yaml"

// Environment variables.
const (
	EnvDir      = "PEAR_DIR"
	EnvSocket   = "PEAR_SOCKET"
	EnvLogLevel = "PEAR_LOG_LEVEL"
)

// Defaults.
const (
	DefaultSpindown      = 20 * time.Second
	DefaultDeathClock    = 20 * time.Second
	DefaultLinger        = 60 * time.Second
	DefaultUnloadTimeout = 5 * time.Second
	DefaultLogLevel      = "info"
)

// Log configures the sidecar logger.
type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// File, when set, receives log output instead of stderr.
	File string `yaml:"file"`
	// Journal adds a systemd journal handler.
	Journal bool `yaml:"journal"`
}

// Platform is the platform drive version the sidecar runs.
type Platform struct {
	Key    string `yaml:"key" validate:"omitempty,len=64,hexadecimal"`
	Length uint64 `yaml:"length"`
	Fork   uint64 `yaml:"fork"`
}

// Version converts p to a drive version.
func (p Platform) Version() drive.Version {
	return drive.Version{Key: p.Key, Length: p.Length, Fork: p.Fork}
}

// Config is the sidecar configuration.
type Config struct {
	Dir    string `yaml:"dir" validate:"required"`
	Socket string `yaml:"socket" validate:"required"`

	Spindown      time.Duration `yaml:"spindown" validate:"gt=0"`
	DeathClock    time.Duration `yaml:"death_clock" validate:"gt=0"`
	Linger        time.Duration `yaml:"linger" validate:"gt=0"`
	UnloadTimeout time.Duration `yaml:"unload_timeout" validate:"gt=0"`

	Log         Log    `yaml:"log"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	Platform Platform `yaml:"platform"`
	// Aliases maps well-known app names to hex keys. Aliased keys are
	// trusted.
	Aliases map[string]string `yaml:"aliases" validate:"dive,keys,required,endkeys,len=64,hexadecimal"`

	// Runtime is the executable used to respawn apps and the sidecar.
	Runtime string `yaml:"runtime"`
}

// Default returns the defaults rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Dir:           dir,
		Socket:        filepath.Join(dir, "pear.sock"),
		Spindown:      DefaultSpindown,
		DeathClock:    DefaultDeathClock,
		Linger:        DefaultLinger,
		UnloadTimeout: DefaultUnloadTimeout,
		Log:           Log{Level: DefaultLogLevel},
		Aliases:       map[string]string{},
	}
}

// DefaultDir is the platform directory used when PEAR_DIR is unset.
func DefaultDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".pear")
	}
	return filepath.Join(os.TempDir(), "pear")
}

// Load reads the configuration. dir overrides PEAR_DIR when non-empty.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv(EnvDir)
	}
	if dir == "" {
		dir = DefaultDir()
	}
	cfg := Default(dir)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, errs.Wrap(errs.ErrInvalidConfig, "read config", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errs.Wrap(errs.ErrInvalidConfig, "parse config", err).With("path", filepath.Join(dir, FileName))
		}
		// The file may not move the platform directory it was read from.
		cfg.Dir = dir
	}

	if v := os.Getenv(EnvSocket); v != "" {
		cfg.Socket = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints. Failures are ERR_INVALID_CONFIG and
// name the offending fields.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.ErrInvalidConfig, "validate config", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
	}
	return errs.Wrap(errs.ErrInvalidConfig, "invalid config: "+strings.Join(fields, ", "), err).
		With("fields", fields)
}

// Corestore is the corestore directory.
func (c *Config) Corestore() string { return filepath.Join(c.Dir, "corestores", "platform") }

// AppStorage is the app-storage root.
func (c *Config) AppStorage() string { return filepath.Join(c.Dir, "app-storage") }

// StorePath is the platform database.
func (c *Config) StorePath() string { return filepath.Join(c.Dir, "platform.db") }

// LockPath is the sidecar singleton lock.
func (c *Config) LockPath() string { return filepath.Join(c.Dir, "sidecar.lock") }

// UpdatePath records the applied platform version.
func (c *Config) UpdatePath() string { return filepath.Join(c.Dir, "current.json") }

// LogPath is the default log file for a detached sidecar.
func (c *Config) LogPath() string { return filepath.Join(c.Dir, "sidecar.log") }
