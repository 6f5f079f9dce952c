package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BackendMemory, cfg.Lock.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, 64, cfg.Lock.Stripes)
	assert.Equal(t, ".docx", cfg.Blob.Extension)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", cfg.Blob.ContentType)
	assert.Equal(t, BackendMemory, cfg.Metadata.Backend)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.NeedsAWS())
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("WOPI_LOCK_BACKEND", "dynamodb")
	t.Setenv("WOPI_LOCK_TABLE", "EditingLocks")
	t.Setenv("WOPI_LOCK_TTL", "10m")
	t.Setenv("WOPI_BLOB_BACKEND", "s3")
	t.Setenv("WOPI_BLOB_BUCKET", "docs")
	t.Setenv("DEV_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.DevMode)
	assert.Equal(t, BackendDynamoDB, cfg.Lock.Backend)
	assert.Equal(t, "EditingLocks", cfg.Lock.Table)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, "docs", cfg.Blob.Bucket)
	assert.True(t, cfg.NeedsAWS())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wopi.yaml")
	content := `
server:
  addr: ":9090"
lock:
  backend: redis
  redis:
    addr: "redis:6379"
    key_prefix: "locks:"
metadata:
  backend: postgres
  postgres_dsn: "postgres://wopi@db/wopi"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, BackendRedis, cfg.Lock.Backend)
	assert.Equal(t, "redis:6379", cfg.Lock.Redis.Addr)
	assert.Equal(t, "locks:", cfg.Lock.Redis.KeyPrefix)
	assert.Equal(t, BackendPostgres, cfg.Metadata.Backend)
	assert.Equal(t, "postgres://wopi@db/wopi", cfg.Metadata.PostgresDSN)
}

func TestLoad_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestLoad_EmptyEnvironmentOverridesDefault(t *testing.T) {
	t.Setenv("WOPI_BLOB_KEY_PREFIX", "")
	t.Setenv("WOPI_LOCK_REDIS_KEY_PREFIX", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Lock.Redis.KeyPrefix)
}

func TestLoad_CallbackHosts(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Callback.AllowedHosts)

	t.Setenv("WOPI_CALLBACK_ALLOWED_HOSTS", "docs.example.com,onlyoffice:8000")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs.example.com", "onlyoffice:8000"}, cfg.Callback.AllowedHosts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown lock backend", map[string]string{"WOPI_LOCK_BACKEND": "etcd"}},
		{"s3 without bucket", map[string]string{"WOPI_BLOB_BACKEND": "s3"}},
		{"postgres without dsn", map[string]string{"WOPI_METADATA_BACKEND": "postgres"}},
		{"extension without dot", map[string]string{"WOPI_BLOB_EXTENSION": "docx"}},
		{"redis without addr", map[string]string{"WOPI_LOCK_BACKEND": "redis", "WOPI_LOCK_REDIS_ADDR": ""}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}
