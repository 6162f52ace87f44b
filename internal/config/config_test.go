package config

import (
	"math/rand/v2"
	"os"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.OpenAPI.Configured())
	assert.False(t, cfg.DB.Enabled())
	loc, err := cfg.Scheduler.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", loc.String())
}

func TestLoadFromReader(t *testing.T) {
	for _, k := range []string{"SHOPRANK_OPENAPI_CLIENT_ID", "SHOPRANK_OPENAPI_CLIENT_SECRET"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	yaml := `
openapi:
  client_id: " id "
  client_secret: secret
  redirect_timeout: 5
queue:
  retry_backoff: 3s
scheduler:
  granularity: Second
  tick: 10s
selectors:
  block_markers: ["CAPTCHA", "captcha", " Blocked "]
shaping:
  extract_delay: {min: 0s, max: 0s}
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.True(t, cfg.OpenAPI.Configured())
	assert.Equal(t, "id", cfg.OpenAPI.ClientID)
	assert.Equal(t, 5*time.Second, cfg.OpenAPI.RedirectTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.Queue.RetryBackoff.Duration)
	assert.Equal(t, "second", cfg.Scheduler.Granularity)
	assert.Equal(t, []string{"captcha", "blocked"}, cfg.Selectors.BlockMarkers)
	assert.Equal(t, 100, cfg.OpenAPI.PageSize, "unset fields keep defaults")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("crawl:\n  seeds: []\n"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SHOPRANK_OPENAPI_CLIENT_ID":     "cid",
		"SHOPRANK_OPENAPI_CLIENT_SECRET": "secret",
		"SHOPRANK_DB_DSN":                "postgres://u:p@db/shoprank",
		"REDIS_ADDRESS":                  "redis:6379",
		"REDIS_DB":                       "3",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.True(t, cfg.OpenAPI.Configured())
	assert.True(t, cfg.DB.Enabled())
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, 3, cfg.Redis.DB)

	bad := Default()
	err := bad.ApplyEnv(func(k string) (string, bool) {
		if k == "REDIS_DB" {
			return "three", true
		}
		return noEnv(k)
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"one credential", func(c *Config) { c.OpenAPI.ClientID = "id" }},
		{"page size", func(c *Config) { c.OpenAPI.PageSize = 101 }},
		{"search url", func(c *Config) { c.Browser.SearchURL = "https://example.com/?q={query}" }},
		{"engine", func(c *Config) { c.Browser.Engine = "rod" }},
		{"minute tick", func(c *Config) { c.Scheduler.Tick = DurationFrom(10 * time.Second) }},
		{"second tick", func(c *Config) {
			c.Scheduler.Granularity = "second"
			c.Scheduler.Tick = DurationFrom(7 * time.Second)
		}},
		{"granularity", func(c *Config) { c.Scheduler.Granularity = "hour" }},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"retries", func(c *Config) { c.Queue.MaxRetries = -1 }},
		{"inverted range", func(c *Config) { c.Shaping.PageDelay = RangeFrom(5*time.Second, time.Second) }},
		{"no cards", func(c *Config) { c.Selectors.Cards = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRangePick(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	r := RangeFrom(time.Second, 2*time.Second)
	for i := 0; i < 100; i++ {
		d := r.Pick(rnd)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
	assert.Equal(t, time.Second, RangeFrom(time.Second, 0).Pick(rnd))
	assert.Zero(t, Range{}.Pick(nil))
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../configs/shoprank.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, "minute", cfg.Scheduler.Granularity)
	assert.Equal(t, 26280*time.Hour, cfg.Scheduler.HistoryRetention.Duration)
}
