package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	c, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), c)
	assert.Equal(t, 150, c.IngestConcurrency)
	assert.Equal(t, 500, c.SyncBatchSize)
	assert.True(t, c.AutoWiden)
	assert.False(t, c.SyncDistributed)
}

func TestFromEnv_Overrides(t *testing.T) {
	c, err := FromEnv(env(map[string]string{
		"PORT":                      "8080",
		"STORE_KIND":                "postgres",
		"DATABASE_URL":              "postgres://u@localhost/db",
		"AUTO_WIDEN_ON_TYPE_ERRORS": "false",
		"SOURCE_URLS":               " https://a.example/x.json , ,https://b.example/y.json",
		"JOB_BACKOFF":               "250",
		"HTTP_TIMEOUT":              "30s",
		"QUEUE_KIND":                "kafka",
		"KAFKA_BROKERS":             "k1:9092,k2:9092",
		"METRICS_TAGS":              "team:data,env:test",
		"SYNC_DISTRIBUTED":          "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "postgres", c.StoreKind)
	assert.False(t, c.AutoWiden)
	assert.Equal(t, []string{"https://a.example/x.json", "https://b.example/y.json"}, c.SourceURLs)
	assert.Equal(t, 250*time.Millisecond, c.JobBackoff)
	assert.Equal(t, 30*time.Second, c.HTTPTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.KafkaBrokers)
	assert.Equal(t, []string{"team:data", "env:test"}, c.MetricsTags)
	assert.True(t, c.SyncDistributed)
}

func TestFromEnv_ParseErrorsAreJoined(t *testing.T) {
	_, err := FromEnv(env(map[string]string{
		"PORT":                      "eighty",
		"AUTO_WIDEN_ON_TYPE_ERRORS": "maybe",
		"JOB_BACKOFF":               "soon",
	}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "PORT")
	assert.ErrorContains(t, err, "AUTO_WIDEN_ON_TYPE_ERRORS")
	assert.ErrorContains(t, err, "JOB_BACKOFF")
}

func TestFromEnv_Validation(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":        {"STORE_KIND": "mongo"},
		"sql store needs dsn":  {"STORE_KIND": "sqlite"},
		"bad source url":       {"SOURCE_URLS": "not a url"},
		"kafka needs brokers":  {"QUEUE_KIND": "kafka"},
		"zero batch":           {"SYNC_BATCH_SIZE": "0"},
		"bad timezone":         {"SYNC_TIMEZONE": "Nowhere/Special"},
		"unknown metrics sink": {"METRICS_BACKEND": "statsd"},
		"port out of range":    {"PORT": "70000"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(env(vars))
			assert.ErrorContains(t, err, "invalid")
		})
	}
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SYNC_BATCH_SIZE=42\nSTORE_KIND=memory\n"), 0o644))
	t.Setenv("ENV_PATH", path)
	t.Setenv("SYNC_BATCH_SIZE", "")
	require.NoError(t, os.Unsetenv("SYNC_BATCH_SIZE"))

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, c.SyncBatchSize)
}

func TestLoad_MissingEnvFileIsFine(t *testing.T) {
	t.Setenv("ENV_PATH", filepath.Join(t.TempDir(), "absent.env"))
	_, err := Load()
	require.NoError(t, err)
}
