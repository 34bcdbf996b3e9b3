package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawdeck/internal/otel"
)

// TenantConfig declares one supervised agent daemon. Each tenant has its own
// gateway endpoint, bearer token, and transcript directory; no state is
// shared between tenants.
type TenantConfig struct {
	ID            string `yaml:"id"`
	GatewayURL    string `yaml:"gateway_url"`
	GatewayToken  string `yaml:"gateway_token"`
	TranscriptDir string `yaml:"transcript_dir"`
	Model         string `yaml:"model"` // model hint passed to sessions_spawn
}

// CacheConfig holds per-kind TTLs for the tenant cache, in seconds.
type CacheConfig struct {
	StatusTTLSeconds   int `yaml:"status_ttl_seconds"`
	SessionsTTLSeconds int `yaml:"sessions_ttl_seconds"`
	ActivityTTLSeconds int `yaml:"activity_ttl_seconds"`
	CostsTTLSeconds    int `yaml:"costs_ttl_seconds"`
	CronTTLSeconds     int `yaml:"cron_ttl_seconds"`

	// MaxTenants bounds the in-memory tenant cache; least recently used
	// tenants are evicted (their next read is a cold start).
	MaxTenants int `yaml:"max_tenants"`

	// WarmSchedule is a 5-field cron expression for proactive cache
	// refreshes across all tenants. Empty disables warming.
	WarmSchedule string `yaml:"warm_schedule"`
}

// ExecConfig tunes the task execution orchestrator.
type ExecConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	DeadlineSeconds     int `yaml:"deadline_seconds"`
	SpawnTimeoutSeconds int `yaml:"spawn_timeout_seconds"`
	RPCTimeoutSeconds   int `yaml:"rpc_timeout_seconds"`

	// IdleThresholdSeconds is the idle time after which a still-listed
	// session counts as ended. Heuristic, not contract.
	IdleThresholdSeconds int `yaml:"idle_threshold_seconds"`

	// ResultMaxBytes bounds the stored task result.
	ResultMaxBytes int `yaml:"result_max_bytes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"` // bearer token for the dashboard API

	// AllowOrigins lists Origin patterns accepted for browser WebSocket
	// connections. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	Tenants []TenantConfig `yaml:"tenants"`
	Cache   CacheConfig    `yaml:"cache"`
	Exec    ExecConfig     `yaml:"exec"`
	OTel    otel.Config    `yaml:"otel"`
}

// Tenant returns the configuration for the named tenant, or false.
func (c Config) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}

// PollInterval returns the orchestrator poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Exec.PollIntervalSeconds) * time.Second
}

// Deadline returns the hard execution deadline as a duration.
func (c Config) Deadline() time.Duration {
	return time.Duration(c.Exec.DeadlineSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tenants=%d|poll=%d|deadline=%d",
		c.BindAddr, c.LogLevel, len(c.Tenants), c.Exec.PollIntervalSeconds, c.Exec.DeadlineSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Cache: CacheConfig{
			StatusTTLSeconds:   30,
			SessionsTTLSeconds: 30,
			ActivityTTLSeconds: 45,
			CostsTTLSeconds:    60,
			CronTTLSeconds:     60,
			MaxTenants:         64,
		},
		Exec: ExecConfig{
			PollIntervalSeconds:  10,
			DeadlineSeconds:      int((6 * time.Minute).Seconds()),
			SpawnTimeoutSeconds:  300,
			RPCTimeoutSeconds:    10,
			IdleThresholdSeconds: 60,
			ResultMaxBytes:       4096,
		},
	}
}

// HomeDir resolves the data directory, honoring the CLAWDECK_HOME override.
func HomeDir() string {
	if override := os.Getenv("CLAWDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawdeck")
}

// Load reads config.yaml from the home directory, applies env overrides,
// and fills in defaults. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	d := defaultConfig()
	if cfg.Cache.StatusTTLSeconds <= 0 {
		cfg.Cache.StatusTTLSeconds = d.Cache.StatusTTLSeconds
	}
	if cfg.Cache.SessionsTTLSeconds <= 0 {
		cfg.Cache.SessionsTTLSeconds = d.Cache.SessionsTTLSeconds
	}
	if cfg.Cache.ActivityTTLSeconds <= 0 {
		cfg.Cache.ActivityTTLSeconds = d.Cache.ActivityTTLSeconds
	}
	if cfg.Cache.CostsTTLSeconds <= 0 {
		cfg.Cache.CostsTTLSeconds = d.Cache.CostsTTLSeconds
	}
	if cfg.Cache.CronTTLSeconds <= 0 {
		cfg.Cache.CronTTLSeconds = d.Cache.CronTTLSeconds
	}
	if cfg.Cache.MaxTenants <= 0 {
		cfg.Cache.MaxTenants = d.Cache.MaxTenants
	}
	if cfg.Exec.PollIntervalSeconds <= 0 {
		cfg.Exec.PollIntervalSeconds = d.Exec.PollIntervalSeconds
	}
	if cfg.Exec.DeadlineSeconds <= 0 {
		cfg.Exec.DeadlineSeconds = d.Exec.DeadlineSeconds
	}
	if cfg.Exec.SpawnTimeoutSeconds <= 0 {
		cfg.Exec.SpawnTimeoutSeconds = d.Exec.SpawnTimeoutSeconds
	}
	if cfg.Exec.RPCTimeoutSeconds <= 0 {
		cfg.Exec.RPCTimeoutSeconds = d.Exec.RPCTimeoutSeconds
	}
	if cfg.Exec.IdleThresholdSeconds <= 0 {
		cfg.Exec.IdleThresholdSeconds = d.Exec.IdleThresholdSeconds
	}
	if cfg.Exec.ResultMaxBytes <= 0 {
		cfg.Exec.ResultMaxBytes = d.Exec.ResultMaxBytes
	}
	for i := range cfg.Tenants {
		if cfg.Tenants[i].TranscriptDir == "" {
			cfg.Tenants[i].TranscriptDir = filepath.Join(cfg.HomeDir, "transcripts", cfg.Tenants[i].ID)
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("tenant with empty id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate tenant id %q", id)
		}
		seen[id] = struct{}{}
		if strings.TrimSpace(t.GatewayURL) == "" {
			return fmt.Errorf("tenant %s: gateway_url is required", id)
		}
	}
	// The deadline must outlast at least one poll tick or no poll ever runs.
	if cfg.Exec.DeadlineSeconds <= cfg.Exec.PollIntervalSeconds {
		return fmt.Errorf("exec.deadline_seconds (%d) must exceed exec.poll_interval_seconds (%d)",
			cfg.Exec.DeadlineSeconds, cfg.Exec.PollIntervalSeconds)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWDECK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWDECK_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Exec.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CLAWDECK_DEADLINE_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Exec.DeadlineSeconds = v
		}
	}
}
