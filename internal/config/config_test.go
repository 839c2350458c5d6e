package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "spacerat.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "spacerat", cfg.Datastore.Schema)
	assert.Equal(t, int32(10), cfg.Datastore.MaxConns)
	assert.Equal(t, "model", cfg.Model.Dir)
	assert.Equal(t, 4, cfg.Build.Concurrency)
	assert.Equal(t, 3, cfg.Build.MaxAttempts)
	assert.True(t, cfg.Build.SaveModel)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1024, cfg.Cache.MemoryEntries)
	assert.Equal(t, "spacerat:", cfg.Cache.Prefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/ledger
datastore:
  url: postgres://localhost/gis
  read_role: web_anon
cache:
  redis_addr: localhost:6379
  ttl: 15m
log:
  level: debug
  format: console
build:
  concurrency: 8
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/gis", cfg.Datastore.URL)
	assert.Equal(t, "web_anon", cfg.Datastore.ReadRole)
	assert.Equal(t, "localhost:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Build.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, "spacerat", cfg.Datastore.Schema)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SPACERAT_STORE_DRIVER", "postgres")
	t.Setenv("SPACERAT_LOG_LEVEL", "warn")
	t.Setenv("SPACERAT_DATASTORE_READ_URL", "postgres://replica/gis")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "postgres://replica/gis", cfg.Datastore.ReadConnString())
}

func TestLoadEnv_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SPACERAT_SERVER_PORT=3000\n"), 0644))
	t.Setenv("SPACERAT_SERVER_PORT", "")
	require.NoError(t, os.Unsetenv("SPACERAT_SERVER_PORT"))

	require.NoError(t, LoadEnv())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadEnv_MissingFileSkipped(t *testing.T) {
	chdirTemp(t)
	assert.NoError(t, LoadEnv("nope.env", filepath.Join("data", ".env")))
}

func TestReadConnString(t *testing.T) {
	d := DatastoreConfig{URL: "postgres://primary"}
	assert.Equal(t, "postgres://primary", d.ReadConnString())
	d.ReadURL = "postgres://replica"
	assert.Equal(t, "postgres://replica", d.ReadConnString())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Datastore.URL = "postgres://localhost/gis"
	cfg.Datastore.Schema = "spacerat"
	cfg.Build.Concurrency = 4
	cfg.Build.MaxAttempts = 3
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"model", "build", "answer", "serve", "runs"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateBuild_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Datastore.URL = ""
	cfg.Build.Concurrency = 0
	cfg.Build.MaxAttempts = 0
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datastore.url is required")
	assert.Contains(t, err.Error(), "build.concurrency must be between 1 and 64")
	assert.Contains(t, err.Error(), "build.max_attempts must be at least 1")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateAnswer_ReadURLSuffices(t *testing.T) {
	cfg := validDefaults()
	cfg.Datastore.URL = ""
	cfg.Datastore.ReadURL = "postgres://replica/gis"
	assert.NoError(t, cfg.Validate("answer"))

	cfg.Datastore.ReadURL = ""
	err := cfg.Validate("answer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datastore.url or datastore.read_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_Schema(t *testing.T) {
	cfg := validDefaults()
	cfg.Datastore.Schema = "spacerat; DROP TABLE x"

	err := cfg.Validate("model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "datastore.schema must be a plain identifier")
}

func TestValidate_UnknownStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
