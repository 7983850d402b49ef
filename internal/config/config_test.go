package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
site:
  id: depot-1
  name: North Depot
  config_path: site.yaml
sender:
  enabled: true
  write_api_key: WKEY
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "depot-1", cfg.Site.ID)
	assert.Equal(t, "https://api.thingspeak.com", cfg.Sender.URL)
	assert.Equal(t, 30*time.Second, cfg.Sender.Timeout)
	assert.Equal(t, 5, cfg.Sender.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sender.Retry.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Sender.Retry.MaxDelay)
	assert.Equal(t, "analysis.txt", cfg.Files.AnalysisPath)
	assert.Equal(t, "fullness.txt", cfg.Files.FullnessPath)
	assert.Equal(t, "tank-fullness-reports", cfg.Kafka.Topic)
	assert.Equal(t, 24*time.Hour, cfg.Buffer.MaxAge)
	assert.Equal(t, 30*time.Second, cfg.Buffer.RetryInterval)
	assert.Equal(t, ":8080", cfg.Health.Address)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Telegram.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_EnvOverridesWriteKey(t *testing.T) {
	t.Setenv("SENDER_WRITE_API_KEY", "FROM-ENV")
	cfg, err := Load(writeFile(t, "config.yaml", minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "FROM-ENV", cfg.Sender.WriteAPIKey)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeFile(t, "config.yaml", minimalConfig))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "North Depot", cfg.Site.Name)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_SenderWithoutKey(t *testing.T) {
	_, err := Load(writeFile(t, "config.yaml", `
site:
  id: depot-1
  name: North Depot
  config_path: site.yaml
sender:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write_api_key")
}

func TestLoad_TelegramWithoutChats(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	_, err := Load(writeFile(t, "config.yaml", minimalConfig+`
telegram:
  enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat_ids")
}

func TestMustLoad_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	})
}

func TestLoadSite(t *testing.T) {
	cfg, err := LoadSite(writeFile(t, "site.yaml", `
site_id: depot-1
site_name: North Depot
tanks:
  - tag: A
    depth: 50
  - tag: B
    depth: 120.5
sources:
  - channel_id: "1001"
    read_api_key: R1
  - channel_id: "1002"
    read_api_key: R2
    field: 3
`))
	require.NoError(t, err)

	assert.Equal(t, "thingspeak", cfg.Connection.Adapter)
	assert.Equal(t, "https://api.thingspeak.com", cfg.Connection.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 5*time.Second, cfg.Polling.Timeout)
	assert.InDelta(t, 1.05, cfg.Analysis.RangeTolerance, 1e-9)

	require.Len(t, cfg.Tanks, 2)
	assert.Equal(t, TankConfig{Tag: "B", Depth: 120.5}, cfg.Tanks[1])

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "field1", cfg.Sources[0].FieldName())
	assert.Equal(t, "field3", cfg.Sources[1].FieldName())
}

func TestLoadSite_MissingFile(t *testing.T) {
	_, err := LoadSite(filepath.Join(t.TempDir(), "site.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site config file not found")
}

func TestSourceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		src     SourceConfig
		wantErr bool
	}{
		{"public channel", SourceConfig{ChannelID: "2215678"}, false},
		{"explicit field", SourceConfig{ChannelID: "2215678", ReadAPIKey: "k", Field: 8}, false},
		{"missing channel", SourceConfig{ReadAPIKey: "k", Field: 1}, true},
		{"field too high", SourceConfig{ChannelID: "2215678", Field: 9}, true},
		{"negative field", SourceConfig{ChannelID: "2215678", Field: -2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.src.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
