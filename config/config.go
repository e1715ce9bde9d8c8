// Package config loads and validates the venuesync configuration from a
// YAML file with environment variable overrides. Credentials never live in
// the file; they are read from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/venuesync/venuesync/internal/model"
)

// Config is the complete configuration for the synchronizer.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	SoT         SoTConfig         `yaml:"sot"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Stores      []model.Store     `yaml:"stores"`
	Batching    BatchingConfig    `yaml:"batching"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Background  BackgroundConfig  `yaml:"background"`
	Priority    PriorityConfig    `yaml:"priority"`
	Ops         OpsConfig         `yaml:"ops"`
	History     HistoryConfig     `yaml:"history"`
}

// ServiceConfig holds scheduler and process-level settings.
type ServiceConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	StateDir        string        `yaml:"state_dir"`
	StateWriteMode  string        `yaml:"state_write_mode"` // atomic | direct
	SingleStore     int           `yaml:"single_store"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SoTConfig holds the upstream ERP connection settings.
type SoTConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	ChunkSize int           `yaml:"chunk_size"`
	Login     string        `yaml:"-"`
	Password  string        `yaml:"-"`
}

// MarketplaceConfig holds the downstream marketplace API settings.
type MarketplaceConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BatchingConfig holds the fixed batch shapes for non-adaptive pushes.
type BatchingConfig struct {
	FirstSyncBatch int           `yaml:"first_sync_batch"`
	FirstSyncDelay time.Duration `yaml:"first_sync_delay"`
	DeltaBatch     int           `yaml:"delta_batch"`
	DeltaDelay     time.Duration `yaml:"delta_delay"`
	PhasePause     time.Duration `yaml:"phase_pause"`
}

// AdaptiveConfig parametrizes the per-venue adaptive batch controller.
type AdaptiveConfig struct {
	Initial           int           `yaml:"initial"`
	Min               int           `yaml:"min"`
	Max               int           `yaml:"max"`
	IncreaseThreshold int           `yaml:"increase_threshold"`
	IncreaseRate      float64       `yaml:"increase_rate"`
	DecreaseRate      float64       `yaml:"decrease_rate"`
	NominalDelay      time.Duration `yaml:"nominal_delay"`
	ConservativeDelay time.Duration `yaml:"conservative_delay"`
}

// RateLimitConfig parametrizes the per-venue rate governor.
type RateLimitConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	Learning    bool          `yaml:"learning"`
	LearnedCap  time.Duration `yaml:"learned_cap"`
	Buffer      time.Duration `yaml:"buffer"`
	Jitter      time.Duration `yaml:"jitter"`
	PostSuccess bool          `yaml:"post_success"`
}

// BackgroundConfig parametrizes the per-store completion worker.
type BackgroundConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	DailyLimit   int           `yaml:"daily_limit"`
	Interval     time.Duration `yaml:"interval"`
}

// PriorityConfig holds the scoring weights and thresholds for the
// priority phase of hybrid initialization.
type PriorityConfig struct {
	TopN               int     `yaml:"top_n"`
	InStockWeight      int     `yaml:"in_stock_weight"`
	HighStockWeight    int     `yaml:"high_stock_weight"`
	HighStockThreshold int     `yaml:"high_stock_threshold"`
	LowStockWeight     int     `yaml:"low_stock_weight"`
	LowStockThreshold  int     `yaml:"low_stock_threshold"`
	HighValueWeight    int     `yaml:"high_value_weight"`
	HighValueThreshold float64 `yaml:"high_value_threshold"`
}

// OpsConfig holds the operator HTTP and metrics server settings.
type OpsConfig struct {
	APIPort     int `yaml:"api_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// HistoryConfig holds the optional Postgres sweep-history sink.
type HistoryConfig struct {
	PostgresURL string `yaml:"-"`
	Retain      int    `yaml:"retain"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. Credentials are always sourced from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Store
// credentials use VENUESYNC_STORE_<id>_USER / _PASSWORD.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VENUESYNC_SOT_URL"); v != "" {
		c.SoT.BaseURL = v
	}
	c.SoT.Login = os.Getenv("VENUESYNC_SOT_LOGIN")
	c.SoT.Password = os.Getenv("VENUESYNC_SOT_PASSWORD")

	if v := os.Getenv("VENUESYNC_MARKETPLACE_URL"); v != "" {
		c.Marketplace.BaseURL = v
	}
	if v := os.Getenv("VENUESYNC_STATE_DIR"); v != "" {
		c.Service.StateDir = v
	}
	if v := os.Getenv("VENUESYNC_SYNC_INTERVAL"); v != "" {
		c.Service.SyncInterval = cast.ToDuration(v)
	}
	if v := os.Getenv("VENUESYNC_SINGLE_STORE"); v != "" {
		c.Service.SingleStore = cast.ToInt(v)
	}
	if v := os.Getenv("VENUESYNC_API_PORT"); v != "" {
		c.Ops.APIPort = cast.ToInt(v)
	}
	if v := os.Getenv("VENUESYNC_METRICS_PORT"); v != "" {
		c.Ops.MetricsPort = cast.ToInt(v)
	}
	c.History.PostgresURL = os.Getenv("VENUESYNC_HISTORY_DSN")

	for i := range c.Stores {
		prefix := fmt.Sprintf("VENUESYNC_STORE_%d_", c.Stores[i].ID)
		if v := os.Getenv(prefix + "USER"); v != "" {
			c.Stores[i].Login = v
		}
		if v := os.Getenv(prefix + "PASSWORD"); v != "" {
			c.Stores[i].Password = v
		}
	}
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.SoT.BaseURL == "" {
		return fmt.Errorf("sot base URL is required")
	}
	if c.Marketplace.BaseURL == "" {
		return fmt.Errorf("marketplace base URL is required")
	}
	if len(c.Stores) == 0 {
		return fmt.Errorf("at least one store is required")
	}
	seen := make(map[int]bool, len(c.Stores))
	for _, s := range c.Stores {
		if s.ID <= 0 {
			return fmt.Errorf("store id must be positive, got %d", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate store id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Enabled && s.VenueID == "" {
			return fmt.Errorf("store %d: venue id is required", s.ID)
		}
	}

	if c.Service.SyncInterval <= 0 {
		c.Service.SyncInterval = 15 * time.Minute
	}
	if c.Service.StateDir == "" {
		c.Service.StateDir = "state"
	}
	switch c.Service.StateWriteMode {
	case "":
		c.Service.StateWriteMode = "atomic"
	case "atomic", "direct":
	default:
		return fmt.Errorf("state_write_mode must be atomic or direct, got %q", c.Service.StateWriteMode)
	}
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.SoT.Timeout <= 0 {
		c.SoT.Timeout = 30 * time.Second
	}
	if c.SoT.ChunkSize <= 0 || c.SoT.ChunkSize > 1000 {
		c.SoT.ChunkSize = 1000
	}
	if c.Marketplace.Timeout <= 0 {
		c.Marketplace.Timeout = 30 * time.Second
	}

	// 200 is the marketplace payload ceiling; fixed shapes must respect it
	// just like the adaptive controller does.
	if c.Batching.FirstSyncBatch <= 0 {
		c.Batching.FirstSyncBatch = 20
	}
	if c.Batching.FirstSyncBatch > 200 {
		c.Batching.FirstSyncBatch = 200
	}
	if c.Batching.FirstSyncDelay <= 0 {
		c.Batching.FirstSyncDelay = 5 * time.Second
	}
	if c.Batching.DeltaBatch <= 0 {
		c.Batching.DeltaBatch = 100
	}
	if c.Batching.DeltaBatch > 200 {
		c.Batching.DeltaBatch = 200
	}
	if c.Batching.DeltaDelay <= 0 {
		c.Batching.DeltaDelay = time.Second
	}
	if c.Batching.PhasePause <= 0 {
		c.Batching.PhasePause = 2 * time.Second
	}

	if c.Adaptive.Initial <= 0 {
		c.Adaptive.Initial = 50
	}
	if c.Adaptive.Min <= 0 {
		c.Adaptive.Min = 10
	}
	// 200 is the marketplace payload ceiling.
	if c.Adaptive.Max <= 0 || c.Adaptive.Max > 200 {
		c.Adaptive.Max = 200
	}
	if c.Adaptive.Initial > 50 {
		c.Adaptive.Initial = 50
	}
	if c.Adaptive.IncreaseThreshold <= 0 {
		c.Adaptive.IncreaseThreshold = 5
	}
	if c.Adaptive.IncreaseRate <= 1 {
		c.Adaptive.IncreaseRate = 1.5
	}
	if c.Adaptive.DecreaseRate <= 0 || c.Adaptive.DecreaseRate >= 1 {
		c.Adaptive.DecreaseRate = 0.5
	}
	if c.Adaptive.NominalDelay <= 0 {
		c.Adaptive.NominalDelay = 2 * time.Second
	}
	if c.Adaptive.ConservativeDelay <= 0 {
		c.Adaptive.ConservativeDelay = 10 * time.Second
	}

	if c.RateLimit.MinInterval <= 0 {
		c.RateLimit.MinInterval = time.Second
	}
	if c.RateLimit.LearnedCap <= 0 {
		c.RateLimit.LearnedCap = 15 * time.Minute
	}
	if c.RateLimit.Buffer <= 0 {
		c.RateLimit.Buffer = time.Second
	}
	if c.RateLimit.Jitter < 0 {
		c.RateLimit.Jitter = 0
	}

	if c.Background.InitialDelay <= 0 {
		c.Background.InitialDelay = time.Hour
	}
	if c.Background.DailyLimit <= 0 {
		c.Background.DailyLimit = 500
	}
	if c.Background.Interval <= 0 {
		c.Background.Interval = 24 * time.Hour
	}

	if c.Priority.TopN <= 0 {
		c.Priority.TopN = 500
	}
	if c.Priority.InStockWeight <= 0 {
		c.Priority.InStockWeight = 100
	}
	if c.Priority.HighStockWeight <= 0 {
		c.Priority.HighStockWeight = 20
	}
	if c.Priority.HighStockThreshold <= 0 {
		c.Priority.HighStockThreshold = 50
	}
	if c.Priority.LowStockWeight <= 0 {
		c.Priority.LowStockWeight = 10
	}
	if c.Priority.LowStockThreshold <= 0 {
		c.Priority.LowStockThreshold = 5
	}
	if c.Priority.HighValueWeight <= 0 {
		c.Priority.HighValueWeight = 15
	}
	if c.Priority.HighValueThreshold <= 0 {
		c.Priority.HighValueThreshold = 50
	}

	if c.Ops.APIPort == 0 {
		c.Ops.APIPort = 8080
	}
	if c.Ops.MetricsPort == 0 {
		c.Ops.MetricsPort = 9090
	}
	if c.History.Retain <= 0 {
		c.History.Retain = 1000
	}

	return nil
}

// EnabledStores returns the stores eligible for scheduling. When
// single-store mode is set, only that store is returned.
func (c *Config) EnabledStores() []model.Store {
	var out []model.Store
	for _, s := range c.Stores {
		if !s.Enabled {
			continue
		}
		if c.Service.SingleStore != 0 && s.ID != c.Service.SingleStore {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Store returns the configured store with the given id.
func (c *Config) Store(id int) (model.Store, bool) {
	for _, s := range c.Stores {
		if s.ID == id {
			return s, true
		}
	}
	return model.Store{}, false
}
