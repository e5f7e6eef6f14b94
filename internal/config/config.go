// Package config loads vetsync configuration from a YAML file, an optional
// .env file and VETSYNC_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

const envPrefix = "VETSYNC_"

// Config is the root configuration.
type Config struct {
	DataDir string        `yaml:"data_dir" validate:"required"`
	API     APIConfig     `yaml:"api"`
	Sync    SyncConfig    `yaml:"sync"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	// Session is the tenant the daemon signs in as at startup. Optional.
	Session tenant.Scope `yaml:"session" validate:"-"`
}

// APIConfig configures the host application's REST API.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" validate:"required,url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	// RateLimit caps outbound requests per second during a drain; 0 disables it.
	RateLimit   float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int     `yaml:"rate_burst" validate:"gte=0"`
	MaxAttempts int     `yaml:"max_attempts" validate:"gte=1,lte=10"`
}

// SyncConfig configures the engine and scheduler.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	// QueueInterval is how often the scheduler looks for newly queued work while online.
	QueueInterval time.Duration `yaml:"queue_interval" validate:"gt=0"`
	RunTimeout    time.Duration `yaml:"run_timeout" validate:"gt=0"`
	// AutoRetryFailed requeues failed operations at the start of every run.
	AutoRetryFailed bool `yaml:"auto_retry_failed"`
	// Coalesce folds consecutive updates of one entity into a single operation.
	Coalesce bool `yaml:"coalesce"`
	// RetryLimit is the retry count at which failed operations are left alone; 0 means unlimited.
	RetryLimit       int            `yaml:"retry_limit" validate:"gte=0"`
	PriorityWeights  map[string]int `yaml:"priority_weights" validate:"dive,keys,oneof=high normal low,endkeys"`
	CrossProcessLock bool           `yaml:"cross_process_lock"`
}

// StorageConfig configures the local entity store.
type StorageConfig struct {
	// CompressThreshold is the payload size in bytes above which payloads are compressed; 0 disables compression.
	CompressThreshold int  `yaml:"compress_threshold" validate:"gte=0"`
	CacheEnabled      bool `yaml:"cache_enabled"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// DaemonConfig configures cmd/vetsyncd.
type DaemonConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		API: APIConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 15 * time.Second,
			RateLimit:      10,
			RateBurst:      5,
			MaxAttempts:    3,
		},
		Sync: SyncConfig{
			Interval:        5 * time.Minute,
			QueueInterval:   30 * time.Second,
			RunTimeout:      5 * time.Minute,
			AutoRetryFailed: true,
			Coalesce:        true,
			RetryLimit:      5,
		},
		Storage: StorageConfig{
			CompressThreshold: 4096,
			CacheEnabled:      true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Daemon: DaemonConfig{
			ListenAddr: "127.0.0.1:8091",
		},
	}
}

// DefaultDataDir resolves the data directory: VETSYNC_DATA_DIR first, then XDG data home.
func DefaultDataDir() string {
	if explicit := os.Getenv(envPrefix + "DATA_DIR"); explicit != "" {
		return explicit
	}

	xdg.Reload()

	dataHome := xdg.DataHome
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "vetsync")
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "vetsync")
}

// Load reads path (optional) and the environment into a validated Config.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load .env", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse config file", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads a .env file if present. Existing variables are not overridden.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("DATA_DIR", &c.DataDir)
	str("API_URL", &c.API.BaseURL)
	str("API_TOKEN", &c.API.Token)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LISTEN_ADDR", &c.Daemon.ListenAddr)
	str("TENANT_ID", &c.Session.TenantID)
	str("PRACTICE_ID", &c.Session.PracticeID)
	str("USER_ID", &c.Session.UserID)

	if v, ok := os.LookupEnv(envPrefix + "SYNC_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sSYNC_INTERVAL: %w", envPrefix, err)
		}
		c.Sync.Interval = d
	}
	if v, ok := os.LookupEnv(envPrefix + "REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREQUEST_TIMEOUT: %w", envPrefix, err)
		}
		c.API.RequestTimeout = d
	}
	if v, ok := os.LookupEnv(envPrefix + "RETRY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETRY_LIMIT: %w", envPrefix, err)
		}
		c.Sync.RetryLimit = n
	}
	if v, ok := os.LookupEnv(envPrefix + "CROSS_PROCESS_LOCK"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sCROSS_PROCESS_LOCK: %w", envPrefix, err)
		}
		c.Sync.CrossProcessLock = b
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(c.Log.Level)
	if err := validate.Struct(c); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid configuration: "+models.ValidationErrorToString(err), err)
	}
	return nil
}

// PriorityWeights converts the configured weights into model priorities.
func (c *Config) PriorityWeights() map[models.Priority]int {
	if len(c.Sync.PriorityWeights) == 0 {
		return nil
	}
	out := make(map[models.Priority]int, len(c.Sync.PriorityWeights))
	for k, v := range c.Sync.PriorityWeights {
		out[models.Priority(k)] = v
	}
	return out
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "vetsync.db")
}

// LockPath returns the cross-process drain lock path.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "sync.lock")
}
