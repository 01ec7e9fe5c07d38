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
	path := filepath.Join(t.TempDir(), "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, c.Sweep.Period())
	assert.True(t, *c.Sweep.RunOnStart)
	assert.Equal(t, "skip", c.Sweep.Overlap)
	assert.Equal(t, 4*time.Minute, c.Sweep.JobTimeout())
	assert.Equal(t, 2*time.Minute, c.Sampler.Period())
	assert.Equal(t, 5*time.Minute, c.Cache.PerformanceTTL())
	assert.Equal(t, 2*time.Minute, c.Cache.InvocationsTTL())
	assert.Equal(t, 200, c.Cache.InvocationsWindow)
	assert.Equal(t, 30, c.Cache.DefaultLimit)
	assert.Equal(t, 30*time.Second, c.Cache.FetchTimeout())
	assert.Equal(t, ":3000", c.API.Addr)
	assert.Equal(t, "sqlite", c.Database.Driver)
	assert.Equal(t, "data/arena.db", c.Database.DSN)
	assert.Equal(t, 60, c.Exchange.RequestsPerMinute)
	assert.Equal(t, 0.20, c.Agent.MaxAllocation)
	assert.Equal(t, "data/orders.jsonl", c.Paper.OutboxPath)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
sweep:
  period_seconds: 60
  run_on_start: false
  overlap: allow
sampler:
  period_seconds: 30
cache:
  invocations_ttl_seconds: 10
database:
  driver: postgres
  dsn: postgres://arena@localhost/arena
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Sweep.Period())
	assert.False(t, *c.Sweep.RunOnStart)
	assert.Equal(t, "allow", c.Sweep.Overlap)
	assert.Equal(t, 30*time.Second, c.Sampler.Period())
	assert.Equal(t, 10*time.Second, c.Cache.InvocationsTTL())
	assert.Equal(t, 5*time.Minute, c.Cache.PerformanceTTL())
	assert.Equal(t, "postgres", c.Database.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("ARENA_DATABASE_DSN", "file:/tmp/other.db")
	t.Setenv("ARENA_API_ADDR", ":8080")
	t.Setenv("ARENA_EXCHANGE_BASE_URL", "http://127.0.0.1:9999")

	c, err := Load(writeConfig(t, "api:\n  addr: \":4000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", c.Agent.AnthropicAPIKey)
	assert.Equal(t, "file:/tmp/other.db", c.Database.DSN)
	assert.Equal(t, ":8080", c.API.Addr)
	assert.Equal(t, "http://127.0.0.1:9999", c.Exchange.BaseURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown overlap":   "sweep:\n  overlap: queue\n",
		"negative period":   "sampler:\n  period_seconds: -5\n",
		"negative ttl":      "cache:\n  performance_ttl_seconds: -1\n",
		"limit over window": "cache:\n  default_limit: 500\n",
		"allocation":        "agent:\n  max_allocation: 1.5\n",
		"postgres sans dsn": "database:\n  driver: postgres\n",
		"unnamed tenant":    "tenants:\n  - model: m\n",
		"duplicate tenant":  "tenants:\n  - name: a\n  - name: a\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadTenantSeeds(t *testing.T) {
	c, err := Load(writeConfig(t, `
tenants:
  - name: Claude Sonnet
    model: claude-sonnet-4-5
    account_index: "281474976"
    api_key_env: SONNET_EXCHANGE_KEY
`))
	require.NoError(t, err)
	require.Len(t, c.Tenants, 1)
	assert.Equal(t, TenantSeed{
		Name:         "Claude Sonnet",
		Model:        "claude-sonnet-4-5",
		AccountIndex: "281474976",
		APIKeyEnv:    "SONNET_EXCHANGE_KEY",
	}, c.Tenants[0])
}
