package config

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Fetch  FetchConfig  `yaml:"fetch" mapstructure:"fetch"`
	Batch  BatchConfig  `yaml:"batch" mapstructure:"batch"`
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// FetchConfig configures the fetch engine and the per-call defaults.
type FetchConfig struct {
	UserAgent             string   `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs           int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	InactivityTimeoutSecs int      `yaml:"inactivity_timeout_secs" mapstructure:"inactivity_timeout_secs"`
	ChunkSize             int      `yaml:"chunk_size" mapstructure:"chunk_size"`
	SkipIfIdentical       bool     `yaml:"skip_if_identical" mapstructure:"skip_if_identical"`
	ArchiveExisting       bool     `yaml:"archive_existing" mapstructure:"archive_existing"`
	Verbose               bool     `yaml:"verbose" mapstructure:"verbose"`
	SignedPrefixes        []string `yaml:"signed_prefixes" mapstructure:"signed_prefixes"`
	RatePerHost           float64  `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	RateBurst             int      `yaml:"rate_burst" mapstructure:"rate_burst"`
	FTPTimeoutSecs        int      `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
}

// BatchConfig configures manifest runs.
type BatchConfig struct {
	MaxAttempts      int  `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int  `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int  `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Concurrency      int  `yaml:"concurrency" mapstructure:"concurrency"`
	FailFast         bool `yaml:"fail_fast" mapstructure:"fail_fast"`
	BreakerThreshold int  `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int  `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	DLQMaxRetries    int  `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// StoreConfig configures the fetch ledger.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// DownloadRoot confines every API destination.
	DownloadRoot string `yaml:"download_root" mapstructure:"download_root"`
	// AllowedOrigins enables CORS for the listed origins only.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ITCHDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("fetch.user_agent", "itch-dl/1.0")
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.inactivity_timeout_secs", 120)
	v.SetDefault("fetch.chunk_size", 8192)
	v.SetDefault("fetch.skip_if_identical", true)
	v.SetDefault("fetch.archive_existing", true)
	v.SetDefault("fetch.verbose", false)
	v.SetDefault("fetch.signed_prefixes", []string{"https://itchio-mirror.", "https://r2.cloudflarestorage.com"})
	v.SetDefault("fetch.rate_per_host", 20.0)
	v.SetDefault("fetch.rate_burst", 20)
	v.SetDefault("fetch.ftp_timeout_secs", 30)
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.initial_backoff_ms", 1000)
	v.SetDefault("batch.max_backoff_ms", 30000)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("batch.fail_fast", true)
	v.SetDefault("batch.breaker_threshold", 5)
	v.SetDefault("batch.breaker_reset_secs", 60)
	v.SetDefault("batch.dlq_max_retries", 3)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "itch-dl.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.download_root", "downloads")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

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

	return &cfg, nil
}

// Validate checks the settings a command depends on. mode is the command
// name: "fetch", "batch", "status" or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	need(c.Fetch.ChunkSize > 0, "fetch.chunk_size must be positive")
	need(c.Fetch.TimeoutSecs >= 0, "fetch.timeout_secs must not be negative")
	need(c.Fetch.InactivityTimeoutSecs >= 0, "fetch.inactivity_timeout_secs must not be negative")

	switch mode {
	case "batch", "status", "serve":
		need(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
			"store.driver must be sqlite or postgres")
		need(c.Store.DatabaseURL != "", "store.database_url is required")
	}
	if mode == "batch" {
		need(c.Batch.MaxAttempts > 0, "batch.max_attempts must be positive")
		need(c.Batch.Concurrency > 0, "batch.concurrency must be positive")
	}
	if mode == "serve" {
		need(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
		need(c.Server.DownloadRoot != "", "server.download_root is required")
		need(!slices.Contains(c.Server.AllowedOrigins, "*"), "server.allowed_origins must not contain *")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
