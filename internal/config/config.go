// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Graph() GraphConfig
	Register() RegisterConfig
	Ingest() IngestConfig
	Server() ServerConfig
	Metrics() MetricsConfig

	// Database Setters
	SetDatabasePath(path string)

	// Graph Setters
	SetGraphDefaultMaxDepth(depth int)

	// Register Setters
	SetRegisterBlastRadiusWeighting(enabled bool)
}

// Config holds the entire application configuration.
// Fields are exported for viper's mapstructure decoding; callers go through
// the Interface getters.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	GraphCfg    GraphConfig    `mapstructure:"graph" yaml:"graph"`
	RegisterCfg RegisterConfig `mapstructure:"register" yaml:"register"`
	IngestCfg   IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Graph() GraphConfig       { return c.GraphCfg }
func (c *Config) Register() RegisterConfig { return c.RegisterCfg }
func (c *Config) Ingest() IngestConfig     { return c.IngestCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetDatabasePath(path string)       { c.DatabaseCfg.Path = path }
func (c *Config) SetGraphDefaultMaxDepth(depth int) { c.GraphCfg.DefaultMaxDepth = depth }
func (c *Config) SetRegisterBlastRadiusWeighting(enabled bool) {
	c.RegisterCfg.BlastRadiusWeighting = enabled
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig locates the on-disk knowledge store.
type DatabaseConfig struct {
	// Path is the SQLite file. One file per environment.
	Path string `mapstructure:"path" yaml:"path"`
	// BusyTimeout is how long SQLite waits on a lock held by another process.
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	// WriteTimeout bounds how long a writer waits for the single-writer lock.
	// Zero waits indefinitely.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// GraphConfig controls resource graph traversal.
type GraphConfig struct {
	DefaultMaxDepth int `mapstructure:"default_max_depth" yaml:"default_max_depth"`
}

// RegisterConfig controls risk register building.
type RegisterConfig struct {
	// BlastRadiusWeighting enables the blast-radius tie-break bonus on top of
	// the severity score.
	BlastRadiusWeighting bool `mapstructure:"blast_radius_weighting" yaml:"blast_radius_weighting"`
	// ClassificationFile optionally extends the built-in resource type table.
	ClassificationFile string `mapstructure:"classification_file" yaml:"classification_file"`
}

// IngestConfig controls bulk loading of authored findings.
type IngestConfig struct {
	// FindingsBatchSize is how many findings are buffered before a flush.
	FindingsBatchSize int `mapstructure:"findings_batch_size" yaml:"findings_batch_size"`
	// FindingsFlushInterval flushes a partial batch after this long.
	FindingsFlushInterval time.Duration `mapstructure:"findings_flush_interval" yaml:"findings_flush_interval"`
}

// ServerConfig holds settings for the read-only query API.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// MetricsConfig controls Prometheus metric export for CLI runs.
type MetricsConfig struct {
	// Textfile, when set, receives a node-exporter textfile after each command.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "riskgraph")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.path", "riskgraph.db")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.write_timeout", "0s")

	// -- Graph --
	v.SetDefault("graph.default_max_depth", 5)

	// -- Register --
	v.SetDefault("register.blast_radius_weighting", false)
	v.SetDefault("register.classification_file", "")

	// -- Ingest --
	v.SetDefault("ingest.findings_batch_size", 100)
	v.SetDefault("ingest.findings_flush_interval", "2s")

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8088")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")

	// -- Metrics --
	v.SetDefault("metrics.textfile", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind the one variable operators commonly set without a config file.
	_ = v.BindEnv("database.path", "RISKGRAPH_DATABASE_PATH")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every configured file path.
func (c *Config) expandPaths() error {
	paths := []*string{
		&c.DatabaseCfg.Path,
		&c.LoggerCfg.LogFile,
		&c.RegisterCfg.ClassificationFile,
		&c.MetricsCfg.Textfile,
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.DatabaseCfg.Path == "" {
		return fmt.Errorf("database.path is a required configuration field")
	}
	if c.DatabaseCfg.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative")
	}
	if c.DatabaseCfg.WriteTimeout < 0 {
		return fmt.Errorf("database.write_timeout must not be negative")
	}
	if c.GraphCfg.DefaultMaxDepth <= 0 {
		return fmt.Errorf("graph.default_max_depth must be a positive integer")
	}
	if c.IngestCfg.FindingsBatchSize < 0 || c.IngestCfg.FindingsFlushInterval < 0 {
		return fmt.Errorf("ingest batch size and flush interval must not be negative")
	}
	if err := c.ServerCfg.Validate(); err != nil {
		return fmt.Errorf("server configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the ServerConfig settings.
func (s *ServerConfig) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
