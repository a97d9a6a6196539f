package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/idbuilder/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idbuilder.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[auth]
admin_token = "secret"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "./data", cfg.Storage.File.Dir)
	assert.Equal(t, 60*time.Second, cfg.Snowflake.LeaseTTL)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[auth]
admin_token = "secret"

[storage]
backend = "redis"

[storage.redis]
addr = "127.0.0.1:6379"
db = 3

[sequence]
batch_size = 200
prefetch_threshold = 0.3

[log]
level = "debug"
format = "json"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "127.0.0.1:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, 200, cfg.Sequence.BatchSize)
	assert.Equal(t, 0.3, cfg.Sequence.PrefetchThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("IDBUILDER__STORAGE__BACKEND", "postgres")
	t.Setenv("IDBUILDER__SERVER__ADDR", ":7070")

	// 环境变量覆盖只对配置树上已有的键生效
	path := writeConfig(t, `
[server]
addr = ":8080"

[auth]
admin_token = "secret"

[storage]
backend = "file"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestMissingAdminTokenFails(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestUnknownBackendFails(t *testing.T) {
	path := writeConfig(t, `
[auth]
admin_token = "secret"

[storage]
backend = "cassandra"
`)
	_, err := config.Load(path)
	assert.Error(t, err)
}
