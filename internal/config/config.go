// Package config loads the dispatchwatch runtime configuration: built-in
// defaults, overlaid by a YAML file, overlaid by DISPATCHWATCH_* variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/dispatchwatch/internal/alert"
)

// Duration is a time.Duration written as "30s" or "15m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory or postgres
	DSN    string `yaml:"dsn"`
}

type DedupConfig struct {
	Backend   string   `yaml:"backend"` // memory or redis
	RedisAddr string   `yaml:"redis_addr"`
	Prefix    string   `yaml:"prefix"`
	Cooldown  Duration `yaml:"cooldown"`
	Retention Duration `yaml:"retention"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
	// SQLitePath mirrors entries into a queryable table when set.
	SQLitePath string `yaml:"sqlite_path"`
}

type DispatchConfig struct {
	Interval     Duration `yaml:"interval"`
	OfferTTL     Duration `yaml:"offer_ttl"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxOffers    int      `yaml:"max_offers"`
	BatchSize    int      `yaml:"batch_size"`
	RadiusKm     float64  `yaml:"radius_km"`
	MaxOrders    int      `yaml:"max_orders"`
}

type EscalationConfig struct {
	Interval           Duration `yaml:"interval"`
	CriticalMinutes    float64  `yaml:"critical_minutes"`
	HighMinutes        float64  `yaml:"high_minutes"`
	MediumMinutes      float64  `yaml:"medium_minutes"`
	StallWindow        Duration `yaml:"stall_window"`
	UnresponsiveWindow Duration `yaml:"unresponsive_window"`
	MinSavingMinutes   float64  `yaml:"min_saving_minutes"`
}

type OrchestratorConfig struct {
	Interval            Duration `yaml:"interval"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	MaxActions          int      `yaml:"max_actions"`
	LearningWindow      int      `yaml:"learning_window"`
}

type RoutingConfig struct {
	// URL of the route optimization service. Empty uses straight-line ETAs.
	URL      string  `yaml:"url"`
	SpeedKmh float64 `yaml:"speed_kmh"`
}

type NotifyConfig struct {
	// WebhookURL receives driver offers and customer messages. Empty logs them.
	WebhookURL string            `yaml:"webhook_url"`
	PerSecond  float64           `yaml:"per_second"`
	Burst      int               `yaml:"burst"`
	Headers    map[string]string `yaml:"headers"`
}

type DecisionConfig struct {
	// APIURL of an OpenAI-compatible endpoint. Empty uses fixed rules only.
	APIURL    string   `yaml:"api_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Model     string   `yaml:"model"`
	Timeout   Duration `yaml:"timeout"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full runtime configuration.
type Config struct {
	Log          LogConfig           `yaml:"log"`
	PolicyPath   string              `yaml:"policy_path"`
	ApprovalsDir string              `yaml:"approvals_dir"`
	Store        StoreConfig         `yaml:"store"`
	Dedup        DedupConfig         `yaml:"dedup"`
	Audit        AuditConfig         `yaml:"audit"`
	Dispatch     DispatchConfig      `yaml:"dispatch"`
	Escalation   EscalationConfig    `yaml:"escalation"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator"`
	Routing      RoutingConfig       `yaml:"routing"`
	Notify       NotifyConfig        `yaml:"notify"`
	Decision     DecisionConfig      `yaml:"decision"`
	Alerts       []alert.AlertConfig `yaml:"alerts"`
	API          APIConfig           `yaml:"api"`
}

// Dir is the per-user state directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dispatchwatch"
	}
	return filepath.Join(home, ".dispatchwatch")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns every documented default.
func Default() *Config {
	dir := Dir()
	return &Config{
		Log:          LogConfig{Level: "info", Format: "text"},
		PolicyPath:   filepath.Join(dir, "policy.yaml"),
		ApprovalsDir: filepath.Join(dir, "approvals"),
		Store:        StoreConfig{Driver: "memory"},
		Dedup: DedupConfig{
			Backend:   "memory",
			Prefix:    "dispatchwatch:dedup:",
			Cooldown:  Duration(10 * time.Minute),
			Retention: Duration(20 * time.Minute),
		},
		Audit: AuditConfig{Path: filepath.Join(dir, "audit.jsonl")},
		Dispatch: DispatchConfig{
			Interval:     Duration(15 * time.Second),
			OfferTTL:     Duration(30 * time.Second),
			PollInterval: Duration(2 * time.Second),
			MaxOffers:    3,
			BatchSize:    50,
			RadiusKm:     20,
			MaxOrders:    5,
		},
		Escalation: EscalationConfig{
			Interval:           Duration(60 * time.Second),
			CriticalMinutes:    15,
			HighMinutes:        30,
			MediumMinutes:      60,
			StallWindow:        Duration(30 * time.Minute),
			UnresponsiveWindow: Duration(15 * time.Minute),
			MinSavingMinutes:   10,
		},
		Orchestrator: OrchestratorConfig{
			Interval:            Duration(60 * time.Second),
			ConfidenceThreshold: 0.75,
			MaxActions:          5,
			LearningWindow:      1000,
		},
		Routing:  RoutingConfig{SpeedKmh: 40},
		Notify:   NotifyConfig{PerSecond: 10, Burst: 20},
		Decision: DecisionConfig{APIKeyEnv: "DISPATCHWATCH_LLM_API_KEY", Timeout: Duration(20 * time.Second)},
		API:      APIConfig{Listen: "127.0.0.1:8470"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Dedup.Backend {
	case "memory":
	case "redis":
		if c.Dedup.RedisAddr == "" {
			errs = append(errs, errors.New("dedup.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend))
	}
	if c.Dispatch.MaxOffers < 1 {
		errs = append(errs, errors.New("dispatch.max_offers must be at least 1"))
	}
	if c.Dispatch.OfferTTL <= 0 {
		errs = append(errs, errors.New("dispatch.offer_ttl must be positive"))
	}
	e := c.Escalation
	if !(e.CriticalMinutes < e.HighMinutes && e.HighMinutes < e.MediumMinutes) {
		errs = append(errs, errors.New("escalation thresholds must increase: critical < high < medium"))
	}
	if t := c.Orchestrator.ConfidenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("orchestrator.confidence_threshold %v outside [0,1]", t))
	}
	for _, iv := range []Duration{c.Dispatch.Interval, c.Escalation.Interval, c.Orchestrator.Interval} {
		if iv <= 0 {
			errs = append(errs, errors.New("tick intervals must be positive"))
			break
		}
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			errs = append(errs, fmt.Errorf("alerts[%d].url is required", i))
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			errs = append(errs, fmt.Errorf("alerts[%d].format %q must be generic, slack or pagerduty", i, a.Format))
		}
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides fields from DISPATCHWATCH_* variables. Unparseable
// values are reported and leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("DISPATCHWATCH_LOG_LEVEL", &c.Log.Level)
	str("DISPATCHWATCH_LOG_FORMAT", &c.Log.Format)
	str("DISPATCHWATCH_POLICY", &c.PolicyPath)
	str("DISPATCHWATCH_STORE_DRIVER", &c.Store.Driver)
	str("DISPATCHWATCH_DATABASE_URL", &c.Store.DSN)
	str("DISPATCHWATCH_REDIS_ADDR", &c.Dedup.RedisAddr)
	if c.Dedup.RedisAddr != "" && getenv("DISPATCHWATCH_REDIS_ADDR") != "" {
		c.Dedup.Backend = "redis"
	}
	dur("DISPATCHWATCH_DEDUP_COOLDOWN", &c.Dedup.Cooldown)
	dur("DISPATCHWATCH_DEDUP_RETENTION", &c.Dedup.Retention)
	str("DISPATCHWATCH_AUDIT_PATH", &c.Audit.Path)

	dur("DISPATCHWATCH_OFFER_TTL", &c.Dispatch.OfferTTL)
	integer("DISPATCHWATCH_MAX_OFFERS", &c.Dispatch.MaxOffers)
	num("DISPATCHWATCH_RADIUS_KM", &c.Dispatch.RadiusKm)
	integer("DISPATCHWATCH_MAX_ORDERS", &c.Dispatch.MaxOrders)
	dur("DISPATCHWATCH_DISPATCH_INTERVAL", &c.Dispatch.Interval)

	num("DISPATCHWATCH_CRITICAL_MINUTES", &c.Escalation.CriticalMinutes)
	num("DISPATCHWATCH_HIGH_MINUTES", &c.Escalation.HighMinutes)
	num("DISPATCHWATCH_MEDIUM_MINUTES", &c.Escalation.MediumMinutes)
	dur("DISPATCHWATCH_STALL_WINDOW", &c.Escalation.StallWindow)
	dur("DISPATCHWATCH_UNRESPONSIVE_WINDOW", &c.Escalation.UnresponsiveWindow)
	dur("DISPATCHWATCH_ESCALATION_INTERVAL", &c.Escalation.Interval)

	num("DISPATCHWATCH_CONFIDENCE_THRESHOLD", &c.Orchestrator.ConfidenceThreshold)
	integer("DISPATCHWATCH_MAX_ACTIONS", &c.Orchestrator.MaxActions)
	dur("DISPATCHWATCH_ORCHESTRATOR_INTERVAL", &c.Orchestrator.Interval)

	str("DISPATCHWATCH_ROUTING_URL", &c.Routing.URL)
	str("DISPATCHWATCH_NOTIFY_WEBHOOK", &c.Notify.WebhookURL)
	str("DISPATCHWATCH_LLM_URL", &c.Decision.APIURL)
	str("DISPATCHWATCH_LLM_MODEL", &c.Decision.Model)
	str("DISPATCHWATCH_LISTEN", &c.API.Listen)
	return errors.Join(errs...)
}

// DefaultYAML renders the defaults for init-config.
func DefaultYAML() (string, error) {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", err
	}
	return "# dispatchwatch configuration\n" + string(data), nil
}
