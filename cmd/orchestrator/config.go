package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentspilot/orchestrator/internal/actions"
	"github.com/agentspilot/orchestrator/internal/audit"
	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/scheduler"
	"github.com/agentspilot/orchestrator/internal/tasks"
)

// envPrefix namespaces environment overrides, e.g. ORCHESTRATOR_STORE_DRIVER.
const envPrefix = "ORCHESTRATOR"

// Config holds all orchestrator configuration.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	Log          LogConfig           `mapstructure:"log"`
	Store        StoreConfig         `mapstructure:"store"`
	Lease        LeaseConfig         `mapstructure:"lease"`
	Audit        AuditConfig         `mapstructure:"audit"`
	Engine       engine.Config       `mapstructure:"engine"`
	Tasks        tasks.Config        `mapstructure:"tasks"`
	Scheduler    scheduler.Config    `mapstructure:"scheduler"`
	HTTP         HTTPConfig          `mapstructure:"http"`
	Plans        PlansConfig         `mapstructure:"plans"`
	Approval     ApprovalConfig      `mapstructure:"approval"`
	Intelligence IntelligenceConfig  `mapstructure:"intelligence"`
	Plugins      []actions.MCPConfig `mapstructure:"plugins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

type StoreConfig struct {
	Driver   string         `mapstructure:"driver"` // libsql, postgres or memory
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LeaseConfig struct {
	Driver string      `mapstructure:"driver"` // memory or redis
	Redis  RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addrs     []string `mapstructure:"addrs"`
	Password  string   `mapstructure:"password"`
	Namespace string   `mapstructure:"namespace"`
}

type AuditConfig struct {
	Driver string             `mapstructure:"driver"` // log, object or none
	Object audit.ObjectConfig `mapstructure:"object"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type PlansConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ApprovalConfig struct {
	// Policy is a CEL expression deciding whether a responder may answer.
	Policy string `mapstructure:"policy"`
}

// IntelligenceConfig names the plugin action that answers Decision steps.
// Decision steps fail as unavailable when Plugin is empty.
type IntelligenceConfig struct {
	Plugin string `mapstructure:"plugin"`
	Action string `mapstructure:"action"`
}

func orchestratorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestrator"
	}
	return filepath.Join(home, ".orchestrator")
}

func setDefaults(v *viper.Viper) {
	eng := engine.DefaultConfig()
	tq := tasks.DefaultConfig()
	sc := scheduler.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "file:"+filepath.Join(orchestratorDir(), "orchestrator.db"))
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.postgres.max_open_conns", 10)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("lease.driver", "memory")
	v.SetDefault("lease.redis.addrs", []string{"localhost:6379"})
	v.SetDefault("lease.redis.password", "")
	v.SetDefault("lease.redis.namespace", "orchestrator")

	v.SetDefault("audit.driver", "log")
	v.SetDefault("audit.object.endpoint", "")
	v.SetDefault("audit.object.access_key", "")
	v.SetDefault("audit.object.secret_key", "")
	v.SetDefault("audit.object.region", "")
	v.SetDefault("audit.object.use_ssl", true)
	v.SetDefault("audit.object.bucket", "orchestrator-audit")
	v.SetDefault("audit.object.prefix", "audit")

	v.SetDefault("engine.max_concurrency", eng.MaxConcurrency)
	v.SetDefault("engine.max_loop_iterations", eng.MaxLoopIterations)
	v.SetDefault("engine.max_subworkflow_depth", eng.MaxSubWorkflowDepth)
	v.SetDefault("engine.decision_history", eng.DecisionHistory)
	v.SetDefault("engine.decision_value_limit", eng.DecisionValueLimit)
	v.SetDefault("engine.max_inflight_calls", eng.MaxInflightCalls)
	v.SetDefault("engine.lease_ttl", eng.LeaseTTL)
	v.SetDefault("engine.circuit_breaker.failure_threshold", eng.CircuitBreaker.FailureThreshold)
	v.SetDefault("engine.circuit_breaker.cooldown", eng.CircuitBreaker.Cooldown)
	v.SetDefault("engine.circuit_breaker.half_open_max", eng.CircuitBreaker.HalfOpenMax)

	v.SetDefault("tasks.workers", tq.Workers)
	v.SetDefault("tasks.buffer", tq.Buffer)
	v.SetDefault("tasks.max_retries", tq.MaxRetries)
	v.SetDefault("tasks.retry_interval", tq.RetryInterval)
	v.SetDefault("tasks.task_timeout", tq.TaskTimeout)

	v.SetDefault("scheduler.tick_interval", sc.TickInterval)
	v.SetDefault("scheduler.sweep_interval", sc.SweepInterval)

	v.SetDefault("http.addr", ":4100")
	v.SetDefault("plans.cache_ttl", 5*time.Minute)
	v.SetDefault("approval.policy", "")
	v.SetDefault("intelligence.plugin", "")
	v.SetDefault("intelligence.action", "")
}

// loadConfig layers defaults, the config file at path (JSON, YAML or TOML by
// extension) and ORCHESTRATOR_* environment variables, then validates.
// Without a path, <home>/.orchestrator/config.yaml is read when it exists.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if def := filepath.Join(orchestratorDir(), "config.yaml"); fileExists(def) {
			path = def
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	switch c.Store.Driver {
	case "libsql":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the libsql driver"))
		}
	case "postgres":
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url is required for the postgres driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Lease.Driver {
	case "memory":
	case "redis":
		if len(c.Lease.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("lease.redis.addrs is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lease.driver %q", c.Lease.Driver))
	}

	switch c.Audit.Driver {
	case "log", "none":
	case "object":
		if err := c.Audit.Object.Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.driver %q", c.Audit.Driver))
	}

	if c.Engine.MaxConcurrency < 0 || c.Engine.MaxLoopIterations < 0 || c.Engine.MaxSubWorkflowDepth < 0 || c.Engine.MaxInflightCalls < 0 {
		errs = append(errs, errors.New("engine limits must be >= 0"))
	}
	if c.Scheduler.TickInterval <= 0 || c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler intervals must be > 0"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if (c.Intelligence.Plugin == "") != (c.Intelligence.Action == "") {
		errs = append(errs, errors.New("intelligence.plugin and intelligence.action must be set together"))
	}

	seen := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		switch {
		case p.Name == "" || p.Command == "":
			errs = append(errs, fmt.Errorf("plugins[%d]: name and command are required", i))
		case p.Name == actions.CorePluginName:
			errs = append(errs, fmt.Errorf("plugins[%d]: name %q is reserved", i, p.Name))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("plugins[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
	}

	return errors.Join(errs...)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
