package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Sweep struct {
	PeriodSeconds     int    `yaml:"period_seconds"`
	RunOnStart        *bool  `yaml:"run_on_start"` // nil means true
	Overlap           string `yaml:"overlap"`      // allow | skip
	JobTimeoutSeconds int    `yaml:"job_timeout_seconds"`
}

type Sampler struct {
	PeriodSeconds int   `yaml:"period_seconds"`
	RunOnStart    *bool `yaml:"run_on_start"`
}

type Cache struct {
	PerformanceTTLSeconds int `yaml:"performance_ttl_seconds"`
	InvocationsTTLSeconds int `yaml:"invocations_ttl_seconds"`
	InvocationsWindow     int `yaml:"invocations_window"`
	DefaultLimit          int `yaml:"default_limit"`
	FetchTimeoutSeconds   int `yaml:"fetch_timeout_seconds"`
}

type API struct {
	Addr string `yaml:"addr"`
}

type Database struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type Exchange struct {
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	TimeoutMs         int    `yaml:"timeout_ms"`
}

type Agent struct {
	Model              string  `yaml:"model"`
	MaxTokens          int     `yaml:"max_tokens"`
	MaxAllocation      float64 `yaml:"max_allocation"` // fraction of available balance per trade
	CandleCount        int     `yaml:"candle_count"`
	AdvisorPerMinute   int     `yaml:"advisor_requests_per_minute"`
	AnthropicAPIKey    string  `yaml:"-"`
	SystemInstructions string  `yaml:"system_instructions"`
}

type Paper struct {
	OutboxPath       string `yaml:"outbox_path"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
	SlippageBps      int    `yaml:"slippage_bps"`
}

// TenantSeed declares a tenant created at startup when no tenant with the same
// name exists. The exchange key is read from the named environment variable.
type TenantSeed struct {
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	AccountIndex string `yaml:"account_index"`
	APIKeyEnv    string `yaml:"api_key_env"`
}

type Root struct {
	Sweep    Sweep    `yaml:"sweep"`
	Sampler  Sampler  `yaml:"sampler"`
	Cache    Cache    `yaml:"cache"`
	API      API      `yaml:"api"`
	Database Database `yaml:"database"`
	Exchange Exchange `yaml:"exchange"`
	Agent    Agent    `yaml:"agent"`
	Paper    Paper    `yaml:"paper"`

	Tenants []TenantSeed `yaml:"tenants"`
}

// envOverrides are secrets and deployment knobs that never live in the YAML file.
type envOverrides struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	DatabaseDSN     string `env:"ARENA_DATABASE_DSN"`
	DatabaseDriver  string `env:"ARENA_DATABASE_DRIVER"`
	ExchangeBaseURL string `env:"ARENA_EXCHANGE_BASE_URL"`
	APIAddr         string `env:"ARENA_API_ADDR"`
}

// Load reads path, fills defaults and applies environment overrides.
// An empty path yields the defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Root) applyDefaults() {
	if c.Sweep.PeriodSeconds == 0 {
		c.Sweep.PeriodSeconds = 300
	}
	if c.Sweep.RunOnStart == nil {
		c.Sweep.RunOnStart = boolPtr(true)
	}
	if c.Sweep.Overlap == "" {
		c.Sweep.Overlap = "skip"
	}
	if c.Sweep.JobTimeoutSeconds == 0 {
		c.Sweep.JobTimeoutSeconds = 240
	}

	if c.Sampler.PeriodSeconds == 0 {
		c.Sampler.PeriodSeconds = 120
	}
	if c.Sampler.RunOnStart == nil {
		c.Sampler.RunOnStart = boolPtr(true)
	}

	if c.Cache.PerformanceTTLSeconds == 0 {
		c.Cache.PerformanceTTLSeconds = 300
	}
	if c.Cache.InvocationsTTLSeconds == 0 {
		c.Cache.InvocationsTTLSeconds = 120
	}
	if c.Cache.InvocationsWindow == 0 {
		c.Cache.InvocationsWindow = 200
	}
	if c.Cache.DefaultLimit == 0 {
		c.Cache.DefaultLimit = 30
	}
	if c.Cache.FetchTimeoutSeconds == 0 {
		c.Cache.FetchTimeoutSeconds = 30
	}

	if c.API.Addr == "" {
		c.API.Addr = ":3000"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/arena.db"
	}

	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://mainnet.zklighter.elliot.ai"
	}
	if c.Exchange.RequestsPerMinute == 0 {
		c.Exchange.RequestsPerMinute = 60
	}
	if c.Exchange.TimeoutMs == 0 {
		c.Exchange.TimeoutMs = 10000
	}

	if c.Agent.Model == "" {
		c.Agent.Model = "claude-sonnet-4-5"
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 1024
	}
	if c.Agent.MaxAllocation == 0 {
		c.Agent.MaxAllocation = 0.20
	}
	if c.Agent.CandleCount == 0 {
		c.Agent.CandleCount = 50
	}
	if c.Agent.AdvisorPerMinute == 0 {
		c.Agent.AdvisorPerMinute = 30
	}

	if c.Paper.OutboxPath == "" {
		c.Paper.OutboxPath = "data/orders.jsonl"
	}
	if c.Paper.DedupeWindowSecs == 0 {
		c.Paper.DedupeWindowSecs = 90
	}
	if c.Paper.SlippageBps == 0 {
		c.Paper.SlippageBps = 5
	}
}

func (c *Root) applyEnv() error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if e.AnthropicAPIKey != "" {
		c.Agent.AnthropicAPIKey = e.AnthropicAPIKey
	}
	if e.DatabaseDriver != "" {
		c.Database.Driver = e.DatabaseDriver
	}
	if e.DatabaseDSN != "" {
		c.Database.DSN = e.DatabaseDSN
	}
	if e.ExchangeBaseURL != "" {
		c.Exchange.BaseURL = e.ExchangeBaseURL
	}
	if e.APIAddr != "" {
		c.API.Addr = e.APIAddr
	}
	return nil
}

// Validate rejects settings the loops and caches cannot run with.
func (c Root) Validate() error {
	switch {
	case c.Sweep.PeriodSeconds < 0:
		return fmt.Errorf("sweep.period_seconds must be positive, got %d", c.Sweep.PeriodSeconds)
	case c.Sweep.JobTimeoutSeconds < 0:
		return fmt.Errorf("sweep.job_timeout_seconds must be positive, got %d", c.Sweep.JobTimeoutSeconds)
	case c.Sampler.PeriodSeconds < 0:
		return fmt.Errorf("sampler.period_seconds must be positive, got %d", c.Sampler.PeriodSeconds)
	case c.Cache.PerformanceTTLSeconds < 0, c.Cache.InvocationsTTLSeconds < 0:
		return fmt.Errorf("cache TTLs must be positive")
	case c.Cache.InvocationsWindow < 0, c.Cache.DefaultLimit < 0:
		return fmt.Errorf("cache window and default limit must be positive")
	case c.Cache.DefaultLimit > c.Cache.InvocationsWindow:
		return fmt.Errorf("cache.default_limit %d exceeds invocations_window %d", c.Cache.DefaultLimit, c.Cache.InvocationsWindow)
	case c.Agent.MaxAllocation < 0 || c.Agent.MaxAllocation > 1:
		return fmt.Errorf("agent.max_allocation must be within [0,1], got %v", c.Agent.MaxAllocation)
	}
	if c.Sweep.Overlap != "allow" && c.Sweep.Overlap != "skip" {
		return fmt.Errorf("sweep.overlap must be allow or skip, got %q", c.Sweep.Overlap)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
	}
	seen := map[string]bool{}
	for i, t := range c.Tenants {
		if t.Name == "" {
			return fmt.Errorf("tenants[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tenant %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

func (s Sweep) Period() time.Duration { return seconds(s.PeriodSeconds) }
func (s Sweep) JobTimeout() time.Duration { return seconds(s.JobTimeoutSeconds) }
func (s Sampler) Period() time.Duration { return seconds(s.PeriodSeconds) }
func (e Exchange) Timeout() time.Duration { return time.Duration(e.TimeoutMs) * time.Millisecond }
func (p Paper) DedupeWindow() time.Duration { return seconds(p.DedupeWindowSecs) }

func (c Cache) PerformanceTTL() time.Duration { return seconds(c.PerformanceTTLSeconds) }
func (c Cache) InvocationsTTL() time.Duration { return seconds(c.InvocationsTTLSeconds) }
func (c Cache) FetchTimeout() time.Duration { return seconds(c.FetchTimeoutSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func boolPtr(b bool) *bool { return &b }
