package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsFromEnvOnly(t *testing.T) {
	t.Setenv("CHATFEED_TELEGRAM_TOKEN", "test-token")
	t.Setenv("CHATFEED_DB_PROVIDER", "memory")
	t.Setenv("CHATFEED_BUS_PROVIDER", "memory")
	t.Setenv("CHATFEED_BLOB_PROVIDER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "test-token", cfg.Telegram.Token)
	assert.Equal(t, "memory", cfg.DB.Provider)
	assert.Equal(t, 200, cfg.Ingest.BatchLimit)
	assert.Equal(t, 2*time.Second, cfg.Rate.SourceInterval)
	assert.Equal(t, 4, cfg.Scheduler.Slots)
	assert.Equal(t, "CHATFEED", cfg.Bus.NATS.Stream)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
telegram:
  token: file-token
db:
  provider: postgres
  dsn: postgres://localhost/chatfeed
bus:
  provider: nats
  nats:
    url: nats://bus:4222
    dedup_window: 30m
blob:
  provider: gcs
  gcs_bucket: chatfeed-media
rate:
  source_interval: 3s
sources:
  - id: chat-42
    display_name: Chat 42
    enabled: true
    priority: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/chatfeed", cfg.DB.DSN)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.NATS.URL)
	assert.Equal(t, 30*time.Minute, cfg.Bus.NATS.DedupWindow)
	assert.Equal(t, "chatfeed-media", cfg.Blob.GCSBucket)
	assert.Equal(t, 3*time.Second, cfg.Rate.SourceInterval)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "chat-42", cfg.Sources[0].ID)
	assert.Equal(t, 5, cfg.Sources[0].Priority)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	t.Setenv("CHATFEED_DB_PROVIDER", "memory")
	t.Setenv("CHATFEED_BUS_PROVIDER", "memory")
	t.Setenv("CHATFEED_BLOB_PROVIDER", "memory")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: x
db:
  provider: postgres
bus:
  provider: memory
blob:
  provider: memory
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn")
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: x
db:
  provider: sqlite
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.provider")
}

func TestValidateRejectsOversizedBatchLimit(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: x
db:
  provider: memory
bus:
  provider: memory
blob:
  provider: memory
ingest:
  batch_limit: 500
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.batch_limit")
}

func TestValidateRejectsSourceWithoutID(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: x
db:
  provider: memory
bus:
  provider: memory
blob:
  provider: memory
sources:
  - display_name: anonymous
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sources[0].id")
}
