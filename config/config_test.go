package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	conf := Default()
	require.NoError(t, conf.Validate())
	assert.Equal(t, 257, conf.Election.PrimeBits)
	assert.Equal(t, 3, conf.Election.Threshold)
	assert.Equal(t, 5, conf.Election.Shares)
	assert.False(t, conf.Election.PersistKey)
	assert.False(t, conf.Election.Authenticated)
}

func TestLoadWithoutFile(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), conf)
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "election.yaml",
			content: `
data_dir: /var/lib/election
store: bolt
election:
  threshold: 2
  shares: 4
  persist_key: true
log:
  level: debug
  format: json
`,
		},
		{
			name: "toml",
			file: "election.toml",
			content: `
data_dir = "/var/lib/election"
store = "bolt"

[election]
threshold = 2
shares = 4
persist_key = true

[log]
level = "debug"
format = "json"
`,
		},
		{
			name:    "json",
			file:    "election.json",
			content: `{"data_dir": "/var/lib/election", "store": "bolt", "election": {"threshold": 2, "shares": 4, "persist_key": true}, "log": {"level": "debug", "format": "json"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf, err := Load(writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "/var/lib/election", conf.DataDir)
			assert.Equal(t, "bolt", conf.Store)
			assert.Equal(t, 2, conf.Election.Threshold)
			assert.Equal(t, 4, conf.Election.Shares)
			assert.True(t, conf.Election.PersistKey)
			assert.Equal(t, "debug", conf.Log.Level)
			assert.Equal(t, "json", conf.Log.Format)

			// Unset keys keep their defaults.
			assert.Equal(t, 257, conf.Election.PrimeBits)
			assert.Equal(t, ":8080", conf.Listen)
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	for name, content := range map[string]string{
		"c.yaml": "threshhold: 3\n",
		"c.toml": "threshhold = 3\n",
		"c.json": `{"threshhold": 3}`,
	} {
		_, err := Load(writeFile(t, name, content))
		assert.Error(t, err, name)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load(writeFile(t, "election.ini", "x=1"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELECTION_DATA_DIR", "/tmp/votes")
	t.Setenv("ELECTION_THRESHOLD", "4")
	t.Setenv("ELECTION_SHARES", "7")
	t.Setenv("ELECTION_AUTHENTICATED", "true")
	t.Setenv("ELECTION_LOG_LEVEL", "warn")

	conf, err := Load(writeFile(t, "c.yaml", "data_dir: /from/file\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/votes", conf.DataDir)
	assert.Equal(t, 4, conf.Election.Threshold)
	assert.Equal(t, 7, conf.Election.Shares)
	assert.True(t, conf.Election.Authenticated)
	assert.Equal(t, "warn", conf.Log.Level)
}

func TestEnvInvalidValues(t *testing.T) {
	t.Setenv("ELECTION_SHARES", "five")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnvInvalidBool(t *testing.T) {
	t.Setenv("ELECTION_PERSIST_KEY", "maybe")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "threshold above shares", mutate: func(c *Config) { c.Election.Threshold = 6 }},
		{name: "zero threshold", mutate: func(c *Config) { c.Election.Threshold = 0 }},
		{name: "small prime", mutate: func(c *Config) { c.Election.PrimeBits = 128 }},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "sqlite" }},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }},
		{name: "no attempts", mutate: func(c *Config) { c.Election.MaxPrimeAttempts = 0 }},
		{name: "negative workers", mutate: func(c *Config) { c.Election.TallyWorkers = -1 }},
		{name: "archive keep", mutate: func(c *Config) { c.ArchiveKeep = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := Default()
			tt.mutate(&conf)
			assert.ErrorIs(t, conf.Validate(), ErrInvalidConfig)
		})
	}
}
