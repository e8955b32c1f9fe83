package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "scrivano.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 10, cfg.Executor.BatchSize)
	require.Equal(t, 30*time.Second, cfg.Executor.HandlerTimeout.Duration)
	require.Equal(t, "Drafts", cfg.IMAP.Mailbox)
	require.Equal(t, "info", cfg.Logging.Level)
	require.NotEmpty(t, cfg.Database.Path)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[database]
path = "/var/lib/scrivano/scrivano.db"

[executor]
batch_size = 25
handler_timeout = "45s"
execute_interval = "5s"
retry_interval = "10m"

[smtp]
host = "mail.snals.it:587"
username = "studio@snals.it"
password = "segreta"
from = "studio@snals.it"

[storage]
endpoint = "minio.local:9000"
bucket = "scrivano"

[metrics]
listen = "0.0.0.0:9464"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/scrivano/scrivano.db", cfg.Database.Path)
	require.Equal(t, 25, cfg.Executor.BatchSize)
	require.Equal(t, 45*time.Second, cfg.Executor.HandlerTimeout.Duration)
	require.Equal(t, 10*time.Minute, cfg.Executor.RetryInterval.Duration)
	require.Equal(t, "mail.snals.it:587", cfg.SMTP.Host)
	require.Equal(t, "scrivano", cfg.Storage.Bucket)
	require.Equal(t, "0.0.0.0:9464", cfg.Metrics.Listen)

	// Untouched sections keep their defaults.
	require.Equal(t, "Drafts", cfg.IMAP.Mailbox)
	require.True(t, cfg.SMTP.UseStartTLS)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[executor]
batchsize = 25
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown key")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[executor]
batch_size = -1
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "batch_size")

	path = writeConfig(t, `
[executor]
handler_timeout = "presto"
`)

	_, err = Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
[logging]
level = "verbose"
`)

	_, err = Load(path)
	require.ErrorContains(t, err, "logging.level")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
