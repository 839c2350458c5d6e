package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/spacerat/internal/db"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Datastore DatastoreConfig `yaml:"datastore" mapstructure:"datastore"`
	Model     ModelConfig     `yaml:"model" mapstructure:"model"`
	Build     BuildConfig     `yaml:"build" mapstructure:"build"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run ledger.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DatastoreConfig configures the PostGIS database that holds source tables
// and materialized indices.
type DatastoreConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	ReadURL  string `yaml:"read_url" mapstructure:"read_url"`
	Schema   string `yaml:"schema" mapstructure:"schema"`
	ReadRole string `yaml:"read_role" mapstructure:"read_role"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ReadConnString returns the connection string for answer queries, which
// falls back to the build connection.
func (d DatastoreConfig) ReadConnString() string {
	if d.ReadURL != "" {
		return d.ReadURL
	}
	return d.URL
}

// ModelConfig locates the model definitions.
type ModelConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// BuildConfig configures batch builds.
type BuildConfig struct {
	Concurrency int  `yaml:"concurrency" mapstructure:"concurrency"`
	SaveModel   bool `yaml:"save_model" mapstructure:"save_model"`
	// MaxAttempts bounds how often a job failing with a transient datastore
	// error is run. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// CacheConfig configures the answer cache. An empty RedisAddr selects the
// in-process cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisAddr     string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int           `yaml:"redis_db" mapstructure:"redis_db"`
	Prefix        string        `yaml:"prefix" mapstructure:"prefix"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MemoryEntries int           `yaml:"memory_entries" mapstructure:"memory_entries"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are kept.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return eris.Wrapf(err, "config: load %s", f)
		}
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPACERAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "spacerat.db")
	v.SetDefault("datastore.url", "")
	v.SetDefault("datastore.read_url", "")
	v.SetDefault("datastore.schema", "spacerat")
	v.SetDefault("datastore.read_role", "")
	v.SetDefault("datastore.max_conns", 10)
	v.SetDefault("model.dir", "model")
	v.SetDefault("build.concurrency", 4)
	v.SetDefault("build.save_model", true)
	v.SetDefault("build.max_attempts", 3)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.prefix", "spacerat:")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.memory_entries", 1024)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: model,
// build, answer, serve.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "model":
	case "build":
		if c.Datastore.URL == "" {
			errs = append(errs, "datastore.url is required")
		}
		if c.Build.Concurrency < 1 || c.Build.Concurrency > 64 {
			errs = append(errs, "build.concurrency must be between 1 and 64")
		}
		if c.Build.MaxAttempts < 1 {
			errs = append(errs, "build.max_attempts must be at least 1")
		}
		errs = append(errs, c.validateStore()...)
	case "answer":
		if c.Datastore.ReadConnString() == "" {
			errs = append(errs, "datastore.url or datastore.read_url is required")
		}
	case "serve":
		if c.Datastore.ReadConnString() == "" {
			errs = append(errs, "datastore.url or datastore.read_url is required")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "runs":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Datastore.Schema != "" && !db.ValidIdent(c.Datastore.Schema) {
		errs = append(errs, "datastore.schema must be a plain identifier")
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, "cache.ttl must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite", "":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
