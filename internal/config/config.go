// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// AppVersion is recorded in the store's system record.
const AppVersion = "1.4.0"

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config holds all configuration parameters for the application
type Config struct {
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// File paths
	DBPath      string `mapstructure:"dbpath"`
	HistoryPath string `mapstructure:"historypath"`
	GeoDBPath   string `mapstructure:"geodbpath"`
	ASNDBPath   string `mapstructure:"asndbpath"`
	RulesFile   string `mapstructure:"rulesfile"`

	// MaxMind account used by geoip-update
	MaxMindLicenseKey string `mapstructure:"maxmindlicensekey"`
	TimeZone    string `mapstructure:"timezone"`

	// Run mode
	Incremental bool `mapstructure:"incremental"`
	Batch       bool `mapstructure:"batch"`
	LastLog     bool `mapstructure:"lastlog"`
	MemoryMode  bool `mapstructure:"memorymode"`

	// Sessions
	VisitTimeoutSeconds    int `mapstructure:"visittimeoutseconds"`
	MaxVisitLengthSeconds  int `mapstructure:"maxvisitlengthseconds"`
	DownloadTimeoutSeconds int `mapstructure:"downloadtimeoutseconds"`

	// Cache and store tuning
	SwapFrequency        int     `mapstructure:"swapfrequency"`
	SwapFirstRecord      int     `mapstructure:"swapfirstrecord"`
	SwapCutoffMultiplier int     `mapstructure:"swapcutoffmultiplier"`
	CacheBudget          int     `mapstructure:"cachebudget"`
	SequenceCacheSize    int     `mapstructure:"sequencecachesize"`
	TrickleRate          float64 `mapstructure:"tricklerate"`
	MaxOpenLogs          int     `mapstructure:"maxopenlogs"`

	// Resolver
	DNSEnabled   bool `mapstructure:"dnsenabled"`
	DNSWorkers   int  `mapstructure:"dnsworkers"`
	DNSTimeoutMs int  `mapstructure:"dnstimeoutms"`
	DNSCacheSize int  `mapstructure:"dnscachesize"`
	GroupDomains int  `mapstructure:"groupdomains"`

	// Aggregation policy
	PageEntry             bool `mapstructure:"pageentry"`
	IgnoreReferrerPartial bool `mapstructure:"ignorereferrerpartial"`

	StatusAddr string `mapstructure:"statusaddr"`

	// Rules are loaded from RulesFile after unmarshalling.
	Rules *Rules `mapstructure:"-"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		var err error
		cfg, err = Load(viper.New())
		if err != nil {
			log.Fatalf("config: %v", err)
		}
	})
	return cfg
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("environment", Development)
	v.SetDefault("loglevel", string(LogLevelInfo))
	v.SetDefault("logsdir", "logs")
	v.SetDefault("logsmaxsizeinmb", 20)
	v.SetDefault("logsmaxbackups", 10)
	v.SetDefault("logsmaxageindays", 30)
	v.SetDefault("dbpath", "storage/webalyze.db")
	v.SetDefault("historypath", "storage/history.db")
	v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
	v.SetDefault("asndbpath", "")
	v.SetDefault("rulesfile", "")
	v.SetDefault("maxmindlicensekey", "")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("incremental", false)
	v.SetDefault("batch", false)
	v.SetDefault("lastlog", false)
	v.SetDefault("memorymode", false)
	v.SetDefault("visittimeoutseconds", 1800)
	v.SetDefault("maxvisitlengthseconds", 0)
	v.SetDefault("downloadtimeoutseconds", 180)
	v.SetDefault("swapfrequency", 1000)
	v.SetDefault("swapfirstrecord", 0)
	v.SetDefault("swapcutoffmultiplier", 2)
	v.SetDefault("cachebudget", 100000)
	v.SetDefault("sequencecachesize", 1024)
	v.SetDefault("tricklerate", 1.0)
	v.SetDefault("maxopenlogs", 64)
	v.SetDefault("dnsenabled", false)
	v.SetDefault("dnsworkers", 8)
	v.SetDefault("dnstimeoutms", 2000)
	v.SetDefault("dnscachesize", 10000)
	v.SetDefault("groupdomains", 0)
	v.SetDefault("pageentry", false)
	v.SetDefault("ignorereferrerpartial", false)
	v.SetDefault("statusaddr", ":9464")
}

// BindEnv binds every key to its WEBALYZE_* environment variable.
func BindEnv(v *viper.Viper) {
	v.BindEnv("environment", "WEBALYZE_ENV")
	v.BindEnv("loglevel", "WEBALYZE_LOG_LEVEL")
	v.BindEnv("logsdir", "WEBALYZE_LOGS_DIR")
	v.BindEnv("logsmaxsizeinmb", "WEBALYZE_LOGS_MAX_SIZE_IN_MB")
	v.BindEnv("logsmaxbackups", "WEBALYZE_LOGS_MAX_BACKUPS")
	v.BindEnv("logsmaxageindays", "WEBALYZE_LOGS_MAX_AGE_IN_DAYS")
	v.BindEnv("dbpath", "WEBALYZE_DB_PATH")
	v.BindEnv("historypath", "WEBALYZE_HISTORY_PATH")
	v.BindEnv("geodbpath", "WEBALYZE_GEO_DB_PATH")
	v.BindEnv("asndbpath", "WEBALYZE_ASN_DB_PATH")
	v.BindEnv("rulesfile", "WEBALYZE_RULES_FILE")
	v.BindEnv("maxmindlicensekey", "WEBALYZE_MAXMIND_LICENSE_KEY")
	v.BindEnv("timezone", "WEBALYZE_TIMEZONE")
	v.BindEnv("incremental", "WEBALYZE_INCREMENTAL")
	v.BindEnv("batch", "WEBALYZE_BATCH")
	v.BindEnv("lastlog", "WEBALYZE_LAST_LOG")
	v.BindEnv("memorymode", "WEBALYZE_MEMORY_MODE")
	v.BindEnv("visittimeoutseconds", "WEBALYZE_VISIT_TIMEOUT_SECONDS")
	v.BindEnv("maxvisitlengthseconds", "WEBALYZE_MAX_VISIT_LENGTH_SECONDS")
	v.BindEnv("downloadtimeoutseconds", "WEBALYZE_DOWNLOAD_TIMEOUT_SECONDS")
	v.BindEnv("swapfrequency", "WEBALYZE_SWAP_FREQUENCY")
	v.BindEnv("swapfirstrecord", "WEBALYZE_SWAP_FIRST_RECORD")
	v.BindEnv("swapcutoffmultiplier", "WEBALYZE_SWAP_CUTOFF_MULTIPLIER")
	v.BindEnv("cachebudget", "WEBALYZE_CACHE_BUDGET")
	v.BindEnv("sequencecachesize", "WEBALYZE_SEQUENCE_CACHE_SIZE")
	v.BindEnv("tricklerate", "WEBALYZE_TRICKLE_RATE")
	v.BindEnv("maxopenlogs", "WEBALYZE_MAX_OPEN_LOGS")
	v.BindEnv("dnsenabled", "WEBALYZE_DNS_ENABLED")
	v.BindEnv("dnsworkers", "WEBALYZE_DNS_WORKERS")
	v.BindEnv("dnstimeoutms", "WEBALYZE_DNS_TIMEOUT_MS")
	v.BindEnv("dnscachesize", "WEBALYZE_DNS_CACHE_SIZE")
	v.BindEnv("groupdomains", "WEBALYZE_GROUP_DOMAINS")
	v.BindEnv("pageentry", "WEBALYZE_PAGE_ENTRY")
	v.BindEnv("ignorereferrerpartial", "WEBALYZE_IGNORE_REFERRER_PARTIAL")
	v.BindEnv("statusaddr", "WEBALYZE_STATUS_ADDR")
}

// Load builds a validated configuration from v after registering defaults
// and environment bindings. Values already set on v win over both.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rules, err := LoadRules(c.RulesFile)
	if err != nil {
		return nil, err
	}
	c.Rules = rules
	return c, nil
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if c.VisitTimeoutSeconds <= 0 {
		return fmt.Errorf("visit timeout must be positive: %d", c.VisitTimeoutSeconds)
	}
	if c.DownloadTimeoutSeconds <= 0 {
		return fmt.Errorf("download timeout must be positive: %d", c.DownloadTimeoutSeconds)
	}
	if c.MaxVisitLengthSeconds < 0 {
		return fmt.Errorf("max visit length cannot be negative: %d", c.MaxVisitLengthSeconds)
	}
	if c.TrickleRate < 0 {
		return fmt.Errorf("trickle rate cannot be negative: %v", c.TrickleRate)
	}
	if c.SwapCutoffMultiplier < 1 {
		return fmt.Errorf("swap cutoff multiplier must be at least 1: %d", c.SwapCutoffMultiplier)
	}
	if c.MaxOpenLogs < 1 {
		return fmt.Errorf("max open logs must be at least 1: %d", c.MaxOpenLogs)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", c.TimeZone, err)
	}

	// Below the minimum the sequence would sync on nearly every new record.
	if c.SequenceCacheSize < 256 {
		c.SequenceCacheSize = 256
	}
	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) VisitTimeout() time.Duration {
	return time.Duration(c.VisitTimeoutSeconds) * time.Second
}

func (c *Config) MaxVisitLength() time.Duration {
	return time.Duration(c.MaxVisitLengthSeconds) * time.Second
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNSTimeoutMs) * time.Millisecond
}

// SwapCutoff returns how far behind the log clock an entity must be idle
// before swap-out may evict it.
func (c *Config) SwapCutoff() time.Duration {
	return time.Duration(c.SwapCutoffMultiplier) * c.VisitTimeout()
}

// GetLogLevel returns the log level as a string.
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory.
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
