// Package config loads coolsite configuration from config.yaml, .env and
// COOLSITE_* environment variables.
package config

import (
	"errors"
	"io"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Network   NetworkConfig   `yaml:"network" mapstructure:"network"`
	Coverage  CoverageConfig  `yaml:"coverage" mapstructure:"coverage"`
	Optimizer OptimizerConfig `yaml:"optimizer" mapstructure:"optimizer"`
	Demand    DemandConfig    `yaml:"demand" mapstructure:"demand"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// NetworkConfig configures pedestrian network acquisition.
type NetworkConfig struct {
	Type                 string  `yaml:"type" mapstructure:"type"`
	OverpassURL          string  `yaml:"overpass_url" mapstructure:"overpass_url"`
	TimeoutSecs          int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries              int     `yaml:"retries" mapstructure:"retries"`
	InitialBackoffMS     int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffSecs       int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	RequestsPerSecond    float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	UserAgent            string  `yaml:"user_agent" mapstructure:"user_agent"`
	KeepLargestComponent bool    `yaml:"keep_largest_component" mapstructure:"keep_largest_component"`
	ClipToSites          bool    `yaml:"clip_to_sites" mapstructure:"clip_to_sites"`
}

// CoverageConfig configures the coverage engine.
type CoverageConfig struct {
	WalkSpeedKmh     float64 `yaml:"walk_speed_kmh" mapstructure:"walk_speed_kmh"`
	ThresholdMinutes float64 `yaml:"threshold_minutes" mapstructure:"threshold_minutes"`
	SnapToleranceM   float64 `yaml:"snap_tolerance_m" mapstructure:"snap_tolerance_m"`
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	CutoffFactor     float64 `yaml:"cutoff_factor" mapstructure:"cutoff_factor"`
}

// OptimizerConfig configures site selection.
type OptimizerConfig struct {
	K              int    `yaml:"k" mapstructure:"k"`
	Mode           string `yaml:"mode" mapstructure:"mode"`
	TimeLimitSecs  int    `yaml:"time_limit_secs" mapstructure:"time_limit_secs"`
	MaxNodes       int    `yaml:"max_nodes" mapstructure:"max_nodes"`
	PinExisting    bool   `yaml:"pin_existing" mapstructure:"pin_existing"`
	FallbackGreedy bool   `yaml:"fallback_greedy" mapstructure:"fallback_greedy"`
}

// DemandConfig configures demand weighting.
type DemandConfig struct {
	WeightBy     string  `yaml:"weight_by" mapstructure:"weight_by"`
	Population   bool    `yaml:"population" mapstructure:"population"`
	EquityWeight float64 `yaml:"equity_weight" mapstructure:"equity_weight"`
	EquityTable  string  `yaml:"equity_table" mapstructure:"equity_table"`
}

// CacheConfig configures the graph cache.
type CacheConfig struct {
	Capacity int  `yaml:"capacity" mapstructure:"capacity"`
	TTLHours int  `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	Disabled bool `yaml:"disabled" mapstructure:"disabled"`
}

// StoreConfig configures the local SQLite database for runs and the disk
// cache tier.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ExportConfig configures the optional Postgres export of results.
type ExportConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig configures the Prometheus textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// Timeout returns the Overpass request timeout.
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSecs) * time.Second
}

// ThresholdSeconds returns the coverage threshold in seconds.
func (c CoverageConfig) ThresholdSeconds() float64 {
	return c.ThresholdMinutes * 60
}

// TimeLimit returns the exact solver time limit; zero means none.
func (o OptimizerConfig) TimeLimit() time.Duration {
	return time.Duration(o.TimeLimitSecs) * time.Second
}

// TTL returns the graph cache time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// WriteYAML writes the effective configuration in config.yaml form. The
// export database url is masked.
func (c *Config) WriteYAML(w io.Writer) error {
	out := *c
	if out.Export.DatabaseURL != "" {
		out.Export.DatabaseURL = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return eris.Wrap(err, "config: encode yaml")
	}
	return eris.Wrap(enc.Close(), "config: flush yaml")
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COOLSITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.type", "walk")
	v.SetDefault("network.overpass_url", "https://overpass-api.de/api/interpreter")
	v.SetDefault("network.timeout_secs", 180)
	v.SetDefault("network.retries", 3)
	v.SetDefault("network.initial_backoff_ms", 1000)
	v.SetDefault("network.max_backoff_secs", 30)
	v.SetDefault("network.requests_per_second", 1.0)
	v.SetDefault("network.user_agent", "coolsite/1.0")
	v.SetDefault("network.keep_largest_component", false)
	v.SetDefault("network.clip_to_sites", false)
	v.SetDefault("coverage.walk_speed_kmh", 4.8)
	v.SetDefault("coverage.threshold_minutes", 15.0)
	v.SetDefault("coverage.snap_tolerance_m", 250.0)
	v.SetDefault("coverage.workers", runtime.NumCPU())
	v.SetDefault("coverage.cutoff_factor", 2.0)
	v.SetDefault("optimizer.k", 5)
	v.SetDefault("optimizer.mode", "approximate")
	v.SetDefault("optimizer.time_limit_secs", 30)
	v.SetDefault("optimizer.max_nodes", 20000)
	v.SetDefault("optimizer.pin_existing", true)
	v.SetDefault("optimizer.fallback_greedy", true)
	v.SetDefault("demand.weight_by", "hvi")
	v.SetDefault("demand.population", false)
	v.SetDefault("demand.equity_weight", 1.0)
	v.SetDefault("cache.capacity", 4)
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("store.path", "coolsite.db")
	v.SetDefault("export.database_url", "")
	v.SetDefault("export.schema", "coolsite")
	v.SetDefault("export.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("metrics.textfile", "")
}

// Validate rejects values no run could use.
func (c *Config) Validate() error {
	switch {
	case c.Coverage.WalkSpeedKmh <= 0:
		return eris.Errorf("config: coverage.walk_speed_kmh must be positive, got %v", c.Coverage.WalkSpeedKmh)
	case c.Coverage.ThresholdMinutes < 0:
		return eris.Errorf("config: coverage.threshold_minutes must be non-negative, got %v", c.Coverage.ThresholdMinutes)
	case c.Coverage.SnapToleranceM < 0:
		return eris.Errorf("config: coverage.snap_tolerance_m must be non-negative, got %v", c.Coverage.SnapToleranceM)
	case c.Coverage.CutoffFactor != 0 && c.Coverage.CutoffFactor < 1:
		return eris.Errorf("config: coverage.cutoff_factor must be 0 or >= 1, got %v", c.Coverage.CutoffFactor)
	case c.Optimizer.K < 0:
		return eris.Errorf("config: optimizer.k must be non-negative, got %d", c.Optimizer.K)
	case c.Cache.Capacity < 1:
		return eris.Errorf("config: cache.capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	switch strings.ToLower(c.Demand.WeightBy) {
	case "hvi", "risk":
	default:
		return eris.Errorf("config: demand.weight_by must be hvi or risk, got %q", c.Demand.WeightBy)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
