// Package config loads the gatekeeper control plane's configuration
// tree: agent definitions, per-model pricing and rate limits, budget
// tiers, breaker thresholds, retry policy, heartbeat intervals, and
// router keyword weights. Layering follows defaults -> TOML file ->
// env override, with env winning.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrel-labs/gatekeeper"
)

type Config struct {
	Server    ServerConfig                    `toml:"server"`
	Database  DatabaseConfig                  `toml:"database"`
	Agents    []AgentConfig                   `toml:"agents"`
	Pricing   map[string]ModelPricing         `toml:"pricing"`
	Budget    BudgetConfig                    `toml:"budget"`
	Quota     QuotaConfig                     `toml:"quota"`
	Retry     RetryConfig                     `toml:"retry"`
	Breaker   BreakerConfig                   `toml:"breaker"`
	Heartbeat HeartbeatConfig                 `toml:"heartbeat"`
	Router    RouterConfig                    `toml:"router"`
	Observer  ObserverConfig                  `toml:"observer"`
	Workflows []gatekeeper.WorkflowDefinition `toml:"workflows"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	AuthToken  string `toml:"auth_token"`
}

type DatabaseConfig struct {
	Driver      string `toml:"driver"`       // "sqlite", "postgres", or "file"
	Path        string `toml:"path"`         // sqlite file path
	DSN         string `toml:"dsn"`          // postgres connection string
	CostLog     string `toml:"cost_log"`     // file driver: append-only NDJSON cost log
	AlertLog    string `toml:"alert_log"`    // file driver: append-only NDJSON alert log
	WorkflowDir string `toml:"workflow_dir"` // file driver: one JSON file per execution
	Fsync       bool   `toml:"fsync"`        // file driver: sync each append
}

type AgentConfig struct {
	ID            string   `toml:"id"`
	Kind          string   `toml:"kind"` // coordinator | developer | security | data | generic
	Skills        []string `toml:"skills"`
	Model         string   `toml:"model"`
	Endpoint      string   `toml:"endpoint"`
	Backups       []string `toml:"backup_agent_ids"`
	RPM           int      `toml:"rpm"`
	TPM           int      `toml:"tpm"`
	MaxConcurrent int      `toml:"max_concurrent"`
}

type ModelPricing struct {
	InputPerThousand  float64 `toml:"input_per_thousand"`
	OutputPerThousand float64 `toml:"output_per_thousand"`
}

type BudgetTierConfig struct {
	Limit   float64 `toml:"limit"`
	WarnPct float64 `toml:"warn_pct"`
}

type ProjectBudgetOverride struct {
	ProjectID string           `toml:"project_id"`
	PerTask   BudgetTierConfig `toml:"per_task"`
	Daily     BudgetTierConfig `toml:"daily"`
	Monthly   BudgetTierConfig `toml:"monthly"`
}

type BudgetConfig struct {
	PerTask          BudgetTierConfig        `toml:"per_task"`
	Daily            BudgetTierConfig        `toml:"daily"`
	Monthly          BudgetTierConfig        `toml:"monthly"`
	ProjectOverride  []ProjectBudgetOverride `toml:"project_override"`
	SafeMediumInput  float64                 `toml:"safe_medium_input"`
	SafeMediumOutput float64                 `toml:"safe_medium_output"`
}

type QuotaConfig struct {
	MaxQueueSize            int `toml:"max_queue_size"`
	PerProjectConcurrentMax int `toml:"per_project_concurrent_max"`
	PerAgentConcurrentMax   int `toml:"per_agent_concurrent_max"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

type BreakerConfig struct {
	FailureWindowSec   int `toml:"failure_window_sec"`
	FailureThreshold   int `toml:"failure_threshold"`
	HalfOpenTimeoutSec int `toml:"half_open_timeout_sec"`
}

type HeartbeatConfig struct {
	IntervalSec int `toml:"interval_sec"`
	StaleSec    int `toml:"stale_sec"`
	TimeoutSec  int `toml:"timeout_sec"`
}

// RouterConfig carries the keyword lists and weights used by the
// complexity scorer and intent classifier, overridable without a
// code change.
type RouterConfig struct {
	HighKeywords   []string `toml:"high_keywords"`
	MediumKeywords []string `toml:"medium_keywords"`
	LowKeywords    []string `toml:"low_keywords"`

	SecurityKeywords    []string `toml:"security_keywords"`
	DevelopmentKeywords []string `toml:"development_keywords"`
	PlanningKeywords    []string `toml:"planning_keywords"`
	DatabaseKeywords    []string `toml:"database_keywords"`

	CacheTTLSec int `toml:"cache_ttl_sec"`

	MinConfidenceHigh   float64 `toml:"min_confidence_high"`
	MinConfidenceMedium float64 `toml:"min_confidence_medium"`
	MinConfidenceLow    float64 `toml:"min_confidence_low"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8080"},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			Path:        "gatekeeper.db",
			CostLog:     "costs.ndjson",
			AlertLog:    "alerts.ndjson",
			WorkflowDir: "workflows",
			Fsync:       true,
		},
		Budget: BudgetConfig{
			PerTask:          BudgetTierConfig{Limit: 5.0, WarnPct: 0.80},
			Daily:            BudgetTierConfig{Limit: 20.0, WarnPct: 0.80},
			Monthly:          BudgetTierConfig{Limit: 500.0, WarnPct: 0.80},
			SafeMediumInput:  0.01,
			SafeMediumOutput: 0.03,
		},
		Quota: QuotaConfig{
			MaxQueueSize:            1000,
			PerProjectConcurrentMax: 50,
			PerAgentConcurrentMax:   20,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 2000,
			MaxDelayMS:  60000,
		},
		Breaker: BreakerConfig{
			FailureWindowSec:   60,
			FailureThreshold:   5,
			HalfOpenTimeoutSec: 30,
		},
		Heartbeat: HeartbeatConfig{
			IntervalSec: 30,
			StaleSec:    300,
			TimeoutSec:  1800,
		},
		Router: RouterConfig{
			HighKeywords:   []string{"architecture", "security", "distributed", "consensus", "scalability", "refactor", "optimization"},
			MediumKeywords: []string{"review", "fix", "bug", "implement", "test", "integration"},
			LowKeywords:    []string{"hello", "thanks", "format", "simple"},

			SecurityKeywords:    []string{"security", "auth", "vulnerability", "encrypt", "credential"},
			DevelopmentKeywords: []string{"implement", "refactor", "bug", "test", "build"},
			PlanningKeywords:    []string{"plan", "roadmap", "architecture", "design"},
			DatabaseKeywords:    []string{"database", "query", "schema", "migration", "sql"},

			CacheTTLSec: 300,

			MinConfidenceHigh:   0.5,
			MinConfidenceMedium: 0.3,
			MinConfidenceLow:    0.0,
		},
	}
}

// ToAgents converts the configured agent definitions into the runtime
// Agent shape the Router/Registry consume.
func (c Config) ToAgents() []gatekeeper.Agent {
	agents := make([]gatekeeper.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, gatekeeper.Agent{
			AgentID:        a.ID,
			Kind:           gatekeeper.AgentKind(a.Kind),
			Model:          a.Model,
			Skills:         a.Skills,
			BackupAgentIDs: a.Backups,
		})
	}
	return agents
}

// ToPricing converts the configured per-model pricing table.
func (c Config) ToPricing() map[string]gatekeeper.Pricing {
	pricing := make(map[string]gatekeeper.Pricing, len(c.Pricing))
	for model, p := range c.Pricing {
		pricing[model] = gatekeeper.Pricing{InputPerThousand: p.InputPerThousand, OutputPerThousand: p.OutputPerThousand}
	}
	return pricing
}

// ToBudgetGateConfig converts the budget tiers and project overrides.
func (c Config) ToBudgetGateConfig() gatekeeper.BudgetGateConfig {
	toLimits := func(t BudgetTierConfig) gatekeeper.BudgetTier {
		return gatekeeper.BudgetTier{Limit: t.Limit, WarnPct: t.WarnPct}
	}
	overrides := make(map[string]gatekeeper.BudgetLimits, len(c.Budget.ProjectOverride))
	for _, o := range c.Budget.ProjectOverride {
		overrides[o.ProjectID] = gatekeeper.BudgetLimits{
			PerTask: toLimits(o.PerTask),
			Daily:   toLimits(o.Daily),
			Monthly: toLimits(o.Monthly),
		}
	}
	return gatekeeper.BudgetGateConfig{
		Global: gatekeeper.BudgetLimits{
			PerTask: toLimits(c.Budget.PerTask),
			Daily:   toLimits(c.Budget.Daily),
			Monthly: toLimits(c.Budget.Monthly),
		},
		ProjectOverride: overrides,
		SafeMediumPrice: gatekeeper.Pricing{
			InputPerThousand:  c.Budget.SafeMediumInput,
			OutputPerThousand: c.Budget.SafeMediumOutput,
		},
	}
}

func (c Config) ToQuotaGateConfig() gatekeeper.QuotaGateConfig {
	return gatekeeper.QuotaGateConfig{
		MaxQueueSize:            c.Quota.MaxQueueSize,
		PerProjectConcurrentMax: c.Quota.PerProjectConcurrentMax,
		PerAgentConcurrentMax:   c.Quota.PerAgentConcurrentMax,
	}
}

func (c Config) ToRetryPolicy() gatekeeper.RetryPolicy {
	return gatekeeper.RetryPolicy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   time.Duration(c.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.Retry.MaxDelayMS) * time.Millisecond,
	}
}

func (c Config) ToBreakerConfig() gatekeeper.CircuitBreakerConfig {
	return gatekeeper.CircuitBreakerConfig{
		FailureWindow:    time.Duration(c.Breaker.FailureWindowSec) * time.Second,
		FailureThreshold: c.Breaker.FailureThreshold,
		HalfOpenTimeout:  time.Duration(c.Breaker.HalfOpenTimeoutSec) * time.Second,
	}
}

func (c Config) ToHeartbeatConfig() gatekeeper.HeartbeatConfig {
	return gatekeeper.HeartbeatConfig{
		CheckInterval: time.Duration(c.Heartbeat.IntervalSec) * time.Second,
		StaleAfter:    time.Duration(c.Heartbeat.StaleSec) * time.Second,
		TimeoutAfter:  time.Duration(c.Heartbeat.TimeoutSec) * time.Second,
	}
}

func (c Config) ToRouterConfig() gatekeeper.RouterConfig {
	return gatekeeper.RouterConfig{
		Keywords: gatekeeper.RouterKeywords{
			High:        c.Router.HighKeywords,
			Medium:      c.Router.MediumKeywords,
			Low:         c.Router.LowKeywords,
			Security:    c.Router.SecurityKeywords,
			Development: c.Router.DevelopmentKeywords,
			Planning:    c.Router.PlanningKeywords,
			Database:    c.Router.DatabaseKeywords,
		},
		CacheTTL:            time.Duration(c.Router.CacheTTLSec) * time.Second,
		MinConfidenceHigh:   c.Router.MinConfidenceHigh,
		MinConfidenceMedium: c.Router.MinConfidenceMedium,
		MinConfidenceLow:    c.Router.MinConfidenceLow,
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "gatekeeper.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("GATEKEEPER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("GATEKEEPER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("GATEKEEPER_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if os.Getenv("GATEKEEPER_OBSERVER_ENABLED") == "true" || os.Getenv("GATEKEEPER_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
