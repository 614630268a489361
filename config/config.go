// Package config loads the service configuration from config.yaml and
// BASTION_-prefixed environment variables, with sane defaults for every
// knob.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DataPaths holds the data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (BASTION_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (BASTION_SQLITE_PATH, default: ${DataDir}/bastion.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// RulesDir holds the rule files (BASTION_RULES_DIR, default: ${DataDir}/rules)
	RulesDir string `mapstructure:"rules_dir"`
	// TemplatesDir holds the response template files (BASTION_TEMPLATES_DIR, default: ${DataDir}/templates)
	TemplatesDir string `mapstructure:"templates_dir"`
}

// Config holds all configuration for the bastion service.
type Config struct {
	DataPaths DataPaths `mapstructure:"data_paths"`

	Rules struct {
		// DefaultAction applies when no rule matches: allow or block.
		DefaultAction string        `mapstructure:"default_action"`
		CacheSize     int           `mapstructure:"cache_size"`
		CacheTTL      time.Duration `mapstructure:"cache_ttl"`
		RegexTimeout  time.Duration `mapstructure:"regex_timeout"`
		// HotReload watches the rules directory for changes.
		HotReload      bool          `mapstructure:"hot_reload"`
		ReloadDebounce time.Duration `mapstructure:"reload_debounce"`
	} `mapstructure:"rules"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Aggregator struct {
		Interval  time.Duration `mapstructure:"interval"`
		BufferCap int           `mapstructure:"buffer_cap"`
		Retention time.Duration `mapstructure:"retention"`
		// MemoryHighWaterPercent triggers load shedding; 0 disables the
		// check.
		MemoryHighWaterPercent float64            `mapstructure:"memory_high_water_percent"`
		SeverityWeights        map[string]float64 `mapstructure:"severity_weights"`
		EventKeyWeights        map[string]float64 `mapstructure:"event_key_weights"`
	} `mapstructure:"aggregator"`

	Detector struct {
		Interval          time.Duration `mapstructure:"interval"`
		ScanInterval      time.Duration `mapstructure:"scan_interval"`
		BaselineInterval  time.Duration `mapstructure:"baseline_interval"`
		BaselineWindow    time.Duration `mapstructure:"baseline_window"`
		BaselineAlpha     float64       `mapstructure:"baseline_alpha"`
		ThresholdMultiple float64       `mapstructure:"threshold_multiple"`
		ThresholdFloor    int           `mapstructure:"threshold_floor"`
		PatternShare      float64       `mapstructure:"pattern_share"`
		PatternMinVolume  int           `mapstructure:"pattern_min_volume"`
		ScoreThreshold    float64       `mapstructure:"score_threshold"`
		// Artifacts are the critical paths covered by integrity scans.
		Artifacts              []string `mapstructure:"artifacts"`
		PressureSampleFraction float64  `mapstructure:"pressure_sample_fraction"`
	} `mapstructure:"detector"`

	Incidents struct {
		EscalationCount int           `mapstructure:"escalation_count"`
		DedupWindow     time.Duration `mapstructure:"dedup_window"`
	} `mapstructure:"incidents"`

	API struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
		// RateLimit is requests per second per client; Burst is the
		// token-bucket depth.
		RateLimit    float64       `mapstructure:"rate_limit"`
		Burst        int           `mapstructure:"burst"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"api"`

	Logging struct {
		// Level is one of debug, info, warn, error.
		Level string `mapstructure:"level"`
		// Development switches to the human-readable console encoder.
		Development bool `mapstructure:"development"`
	} `mapstructure:"logging"`
}

func setDefaults() {
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // Empty = derive from data_dir
	viper.SetDefault("data_paths.rules_dir", "")
	viper.SetDefault("data_paths.templates_dir", "")

	viper.SetDefault("rules.default_action", "allow")
	viper.SetDefault("rules.cache_size", 10000)
	viper.SetDefault("rules.cache_ttl", "5m")
	viper.SetDefault("rules.regex_timeout", "500ms")
	viper.SetDefault("rules.hot_reload", true)
	viper.SetDefault("rules.reload_debounce", "500ms")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("aggregator.interval", "1m")
	viper.SetDefault("aggregator.buffer_cap", 10000)
	viper.SetDefault("aggregator.retention", "168h") // 7 days
	viper.SetDefault("aggregator.memory_high_water_percent", 85.0)

	viper.SetDefault("detector.interval", "1m")
	viper.SetDefault("detector.scan_interval", "10m")
	viper.SetDefault("detector.baseline_interval", "15m")
	viper.SetDefault("detector.baseline_window", "6h")
	viper.SetDefault("detector.baseline_alpha", 0.3)
	viper.SetDefault("detector.threshold_multiple", 2.0)
	viper.SetDefault("detector.threshold_floor", 5)
	viper.SetDefault("detector.pattern_share", 0.5)
	viper.SetDefault("detector.pattern_min_volume", 20)
	viper.SetDefault("detector.score_threshold", 50.0)
	viper.SetDefault("detector.artifacts", []string{})
	viper.SetDefault("detector.pressure_sample_fraction", 0.25)

	viper.SetDefault("incidents.escalation_count", 10)
	viper.SetDefault("incidents.dedup_window", "1h")

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.rate_limit", 50.0)
	viper.SetDefault("api.burst", 100)
	viper.SetDefault("api.read_timeout", "10s")
	viper.SetDefault("api.write_timeout", "30s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.development", false)
}

func loadFromEnv() {
	viper.SetEnvPrefix("BASTION")
	viper.AutomaticEnv()

	// Explicit bindings for shorter, cleaner env var names
	_ = viper.BindEnv("data_paths.data_dir", "BASTION_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "BASTION_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.rules_dir", "BASTION_RULES_DIR")
	_ = viper.BindEnv("data_paths.templates_dir", "BASTION_TEMPLATES_DIR")
	_ = viper.BindEnv("redis.addr", "BASTION_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "BASTION_REDIS_PASSWORD")
	_ = viper.BindEnv("api.port", "BASTION_API_PORT")
	_ = viper.BindEnv("logging.level", "BASTION_LOG_LEVEL")
}

// LoadConfig loads configuration from config.yaml and environment
// variables. A missing config file is fine; defaults and env cover it.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	config.ResolveDataPaths()
	return &config, nil
}

func validateConfig(c *Config) error {
	switch c.Rules.DefaultAction {
	case "allow", "block":
	default:
		return fmt.Errorf("rules.default_action must be allow or block, got %q", c.Rules.DefaultAction)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.Aggregator.Interval <= 0 {
		return fmt.Errorf("aggregator.interval must be positive")
	}
	if c.Detector.Interval <= 0 {
		return fmt.Errorf("detector.interval must be positive")
	}
	if c.Aggregator.MemoryHighWaterPercent < 0 || c.Aggregator.MemoryHighWaterPercent > 100 {
		return fmt.Errorf("aggregator.memory_high_water_percent must be within [0, 100]")
	}
	return nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "bastion.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
	if c.DataPaths.RulesDir == "" {
		c.DataPaths.RulesDir = filepath.Join(dataDir, "rules")
	} else if !filepath.IsAbs(c.DataPaths.RulesDir) {
		c.DataPaths.RulesDir = filepath.Clean(c.DataPaths.RulesDir)
	}
	if c.DataPaths.TemplatesDir == "" {
		c.DataPaths.TemplatesDir = filepath.Join(dataDir, "templates")
	} else if !filepath.IsAbs(c.DataPaths.TemplatesDir) {
		c.DataPaths.TemplatesDir = filepath.Clean(c.DataPaths.TemplatesDir)
	}

	c.DataPaths.DataDir = dataDir
}
