package app

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/store"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds runtime wiring options for building the client.
type Config struct {
	Home        string          `yaml:"home"`       // state directory, e.g. $HOME/.roomcrypt
	Homeserver  string          `yaml:"homeserver"` // e.g. https://matrix.example.org
	UserID      domain.UserID   `yaml:"user_id"`
	DeviceID    domain.DeviceID `yaml:"device_id"`
	AccessToken string          `yaml:"access_token"`

	Store    StoreConfig    `yaml:"store"`
	Rotation RotationConfig `yaml:"rotation"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`

	HTTP *http.Client `yaml:"-"` // optional; defaults to http.DefaultClient
}

// StoreConfig selects where keys are persisted.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path overrides the default location under Home.
	Path string `yaml:"path"`
}

// RotationConfig bounds outbound group sessions.
type RotationConfig struct {
	MaxMessages int           `yaml:"max_messages"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// SyncConfig controls the sync loop.
type SyncConfig struct {
	LongPoll       time.Duration `yaml:"long_poll"`
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the retry schedule after failed syncs.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("app: read config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("app: parse %s: %w", path, err)
	}
	if cfg.Home == "" {
		cfg.Home = filepath.Dir(path)
	}
	return cfg, cfg.Validate()
}

// Validate reports every missing or invalid setting. Rotation and sync
// timings have no defaults and must be given explicitly.
func (c Config) Validate() error {
	var errs []error
	if c.Homeserver == "" {
		errs = append(errs, errors.New("homeserver is required"))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user_id is required"))
	}
	if c.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	switch c.Store.Backend {
	case BackendFile, BackendSQLite:
		if c.Home == "" && c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store backend %q needs home or store.path", c.Store.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %s, %s or %s, got %q",
			BackendFile, BackendSQLite, BackendMemory, c.Store.Backend))
	}
	if err := c.sessionConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.syncConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: invalid config: %w", err)
	}
	return nil
}

// OpenBackend opens the configured store backend.
func (c Config) OpenBackend() (store.Backend, error) {
	switch c.Store.Backend {
	case BackendMemory:
		return store.NewMemoryBackend(), nil
	case BackendFile:
		dir := c.Store.Path
		if dir == "" {
			dir = filepath.Join(c.Home, "store")
		}
		return store.NewFileBackend(dir)
	case BackendSQLite:
		path := c.Store.Path
		if path == "" {
			if err := os.MkdirAll(c.Home, 0o700); err != nil {
				return nil, err
			}
			path = filepath.Join(c.Home, "roomcrypt.db")
		}
		return store.OpenSQLiteBackend(path)
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", c.Store.Backend)
	}
}
