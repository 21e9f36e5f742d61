// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	StoreDriver       string        `mapstructure:"STORE_DRIVER"`
	DBURL             string        `mapstructure:"DB_URL"`
	SQLitePath        string        `mapstructure:"SQLITE_PATH"`
	DataFolder        string        `mapstructure:"DATA_FOLDER"`
	APIKeysFile       string        `mapstructure:"API_KEYS_FILE"`
	GithubAPIKey      string        `mapstructure:"GITHUB_API_KEY"`
	GithubBaseURL     string        `mapstructure:"GITHUB_BASE_URL"`
	SourceName        string        `mapstructure:"SOURCE_NAME"`
	SourceURLRoot     string        `mapstructure:"SOURCE_URL_ROOT"`
	QueryMinThreshold int           `mapstructure:"QUERY_MIN_THRESHOLD"`
	PerPage           int           `mapstructure:"PER_PAGE"`
	Workers           int           `mapstructure:"WORKERS"`
	FailOnWait        bool          `mapstructure:"FAIL_ON_WAIT"`
	RequestsPerSecond float64       `mapstructure:"REQUESTS_PER_SECOND"`
	WriteJitter       time.Duration `mapstructure:"WRITE_JITTER"`
	MetricsAddr       string        `mapstructure:"METRICS_ADDR"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "repo_crawler.db")
	v.SetDefault("DATA_FOLDER", "data")
	v.SetDefault("API_KEYS_FILE", "github_api_keys.txt")
	v.SetDefault("SOURCE_NAME", "GitHub")
	v.SetDefault("SOURCE_URL_ROOT", "github.com")
	v.SetDefault("QUERY_MIN_THRESHOLD", 50)
	v.SetDefault("PER_PAGE", 100)
	v.SetDefault("WORKERS", 1)
	v.SetDefault("FAIL_ON_WAIT", false)
	v.SetDefault("REQUESTS_PER_SECOND", 0)
	v.SetDefault("WRITE_JITTER", "1s")
	// Declared so that AutomaticEnv values reach Unmarshal.
	for _, key := range []string{"DB_URL", "GITHUB_API_KEY", "GITHUB_BASE_URL", "METRICS_ADDR"} {
		v.SetDefault(key, "")
	}
}

// LoadConfig reads configuration from the optional file, a .env file in the working
// directory and environment variables, in increasing priority. Flags bound to v with
// BindPFlag take precedence over all of them.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	} else {
		// Load from .env file if it exists
		v.SetConfigName(".env")
		v.SetConfigType("env")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // Ignore error if file not found
	}

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBURL == "" {
			return errors.New("DB_URL is a required configuration field for the postgres store")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is a required configuration field for the sqlite store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of %s, %s, %s; got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}
	if c.PerPage < 1 || c.PerPage > 100 {
		return errors.New("PER_PAGE must be between 1 and 100")
	}
	if c.Workers < 1 {
		return errors.New("WORKERS must be at least 1")
	}
	if c.QueryMinThreshold < 0 {
		return errors.New("QUERY_MIN_THRESHOLD must not be negative")
	}
	if c.SourceName == "" || c.SourceURLRoot == "" {
		return errors.New("SOURCE_NAME and SOURCE_URL_ROOT are required configuration fields")
	}
	return nil
}

// APIKeysPath resolves API_KEYS_FILE; a relative path lives under DATA_FOLDER.
func (c *Config) APIKeysPath() string {
	if c.APIKeysFile == "" || filepath.IsAbs(c.APIKeysFile) {
		return c.APIKeysFile
	}
	return filepath.Join(c.DataFolder, c.APIKeysFile)
}
