// Package config loads the agent's configuration from file and environment,
// following the same viper-based layering the rest of the hamzaKhattat stack
// uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
)

// Config is the root configuration tree for the agent.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Source      SourceConfig      `mapstructure:"source"`
	AMI         AMIConfig         `mapstructure:"ami"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Recording   RecordingConfig   `mapstructure:"recording"`
	Shipper     ShipperConfig     `mapstructure:"shipper"`
	LocalState  LocalStateConfig  `mapstructure:"local_state"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// CacheConfig configures the optional Redis second-tier dedupe cache
// (internal/cache). Disabled by default — the local bbolt state store alone
// is sufficient for correctness; Redis only helps skip redundant
// re-shipment across restarts when available.
type CacheConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

type AppConfig struct {
	Name        string       `mapstructure:"name"`
	Environment string       `mapstructure:"environment"`
	Hostname    string       `mapstructure:"hostname"`
	Tenant      TenantConfig `mapstructure:"tenant"`
	CustomerID  int          `mapstructure:"customer_id"`
}

type TenantConfig struct {
	Default     string   `mapstructure:"default"`
	KnownTrunks []string `mapstructure:"known_trunks"`
}

// SourceConfig selects and configures the CDR/CEL source readers.
type SourceConfig struct {
	DB  DBSourceConfig  `mapstructure:"db"`
	CEL CELSourceConfig `mapstructure:"cel"`
}

type DBSourceConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	CDRTable        string        `mapstructure:"cdr_table"`
	CELTable        string        `mapstructure:"cel_table"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// CELSourceConfig selects the CEL source mode: db, csv, or ami (event-stream).
type CELSourceConfig struct {
	Mode       string        `mapstructure:"mode"`
	CSVPath    string        `mapstructure:"csv_path"`
	CSVLineCap int           `mapstructure:"csv_line_cap"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type AMIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
}

type AggregationConfig struct {
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	QuietPeriod            time.Duration `mapstructure:"quiet_period"`
	ShippingMode           string        `mapstructure:"shipping_mode"` // complete | progressive
	LongCallUpdateInterval time.Duration `mapstructure:"long_call_update_interval"`
	CacheMaxEntries        int           `mapstructure:"cache_max_entries"`
}

type RecordingConfig struct {
	RootPaths           []string      `mapstructure:"root_paths"`
	MinFileSize         int64         `mapstructure:"min_file_size"`
	StabilizationChecks int           `mapstructure:"stabilization_checks"`
	WatchInterval        time.Duration `mapstructure:"watch_interval"`
	StopUploadDelay      time.Duration `mapstructure:"stop_upload_delay"`
	DiscoveryWindow      time.Duration `mapstructure:"discovery_window"`
	DescriptorTTL        time.Duration `mapstructure:"descriptor_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
}

type ShipperConfig struct {
	Endpoint             string        `mapstructure:"endpoint"`
	RecordingEndpoint    string        `mapstructure:"recording_endpoint"`
	APIKey               string        `mapstructure:"api_key"`
	Mode                 string        `mapstructure:"mode"` // batch | direct
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	BatchSize            int           `mapstructure:"batch_size"`
	BatchTimeout         time.Duration `mapstructure:"batch_timeout"`
	MaxConcurrentUploads int           `mapstructure:"max_concurrent_uploads"`
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	ShutdownDeadline     time.Duration `mapstructure:"shutdown_deadline"`
}

type LocalStateConfig struct {
	Path              string        `mapstructure:"path"`
	FallbackPath      string        `mapstructure:"fallback_path"`
	CallStateTTL      time.Duration `mapstructure:"call_state_ttl"`
	RecordingStateTTL time.Duration `mapstructure:"recording_state_ttl"`
	// AuditEnabled turns on the MySQL-backed shipment audit log, which opens
	// its own connection using Source.DB's settings.
	AuditEnabled bool `mapstructure:"audit_enabled"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from configFile (if non-empty), then environment
// variables prefixed CALLAGENT_, applying defaults for anything unset.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CALLAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "asterisk-call-agent")
	v.SetDefault("app.environment", "production")
	v.SetDefault("app.tenant.default", "unknown")
	v.SetDefault("app.customer_id", 0)

	v.SetDefault("source.db.driver", "mysql")
	v.SetDefault("source.db.port", 3306)
	v.SetDefault("source.db.cdr_table", "cdr")
	v.SetDefault("source.db.cel_table", "cel")
	v.SetDefault("source.db.max_open_conns", 25)
	v.SetDefault("source.db.max_idle_conns", 5)
	v.SetDefault("source.db.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("source.db.retry_attempts", 3)
	v.SetDefault("source.db.retry_delay", time.Second)
	v.SetDefault("source.db.poll_interval", 5*time.Second)
	v.SetDefault("source.db.batch_size", 100)

	v.SetDefault("source.cel.mode", "db")
	v.SetDefault("source.cel.csv_line_cap", 5000)
	v.SetDefault("source.cel.cache_ttl", 5*time.Minute)

	v.SetDefault("ami.port", 5038)
	v.SetDefault("ami.reconnect_delay", time.Second)
	v.SetDefault("ami.ping_interval", 30*time.Second)

	v.SetDefault("aggregation.poll_interval", 5*time.Second)
	v.SetDefault("aggregation.quiet_period", 60*time.Second)
	v.SetDefault("aggregation.shipping_mode", "complete")
	v.SetDefault("aggregation.long_call_update_interval", 0)
	v.SetDefault("aggregation.cache_max_entries", 10000)

	v.SetDefault("recording.root_paths", []string{
		"/var/spool/asterisk/monitor",
		"/var/spool/asterisk/mixmonitor",
		"/var/spool/asterisk/recordings",
	})
	v.SetDefault("recording.min_file_size", 1000)
	v.SetDefault("recording.stabilization_checks", 2)
	v.SetDefault("recording.watch_interval", 30*time.Second)
	v.SetDefault("recording.stop_upload_delay", 5*time.Second)
	v.SetDefault("recording.discovery_window", 2*time.Minute)
	v.SetDefault("recording.descriptor_ttl", 24*time.Hour)
	v.SetDefault("recording.sweep_interval", 5*time.Minute)

	v.SetDefault("shipper.mode", "batch")
	v.SetDefault("shipper.queue_capacity", 10000)
	v.SetDefault("shipper.batch_size", 150)
	v.SetDefault("shipper.batch_timeout", 30*time.Second)
	v.SetDefault("shipper.max_concurrent_uploads", 10)
	v.SetDefault("shipper.max_retries", 3)
	v.SetDefault("shipper.backoff_base", time.Second)
	v.SetDefault("shipper.backoff_cap", 60*time.Second)
	v.SetDefault("shipper.shutdown_deadline", 30*time.Second)

	v.SetDefault("local_state.path", "/data/agent-state.db")
	v.SetDefault("local_state.fallback_path", "/tmp/agent-state.db")
	v.SetDefault("local_state.call_state_ttl", 48*time.Hour)
	v.SetDefault("local_state.recording_state_ttl", 24*time.Hour)
	v.SetDefault("local_state.audit_enabled", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)
	v.SetDefault("cache.max_retries", 3)

	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9092)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("monitoring.health.enabled", true)
	v.SetDefault("monitoring.health.port", 8089)
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "json")
	v.SetDefault("monitoring.logging.output", "stdout")
}

// Validate checks required fields per spec.md §6's configuration surface.
func (c *Config) Validate() error {
	if c.Shipper.APIKey == "" {
		return errors.New(errors.ErrConfiguration, "shipper.api_key is required")
	}
	if c.Shipper.Endpoint == "" {
		return errors.New(errors.ErrConfiguration, "shipper.endpoint is required")
	}
	if c.Source.DB.Host == "" {
		return errors.New(errors.ErrConfiguration, "source.db.host is required")
	}
	if c.Source.DB.Database == "" {
		return errors.New(errors.ErrConfiguration, "source.db.database is required")
	}

	switch c.Source.CEL.Mode {
	case "db", "csv", "ami":
	default:
		return errors.New(errors.ErrConfiguration,
			fmt.Sprintf("source.cel.mode must be one of db|csv|ami, got %q", c.Source.CEL.Mode))
	}
	if c.Source.CEL.Mode == "csv" && c.Source.CEL.CSVPath == "" {
		return errors.New(errors.ErrConfiguration, "source.cel.csv_path is required when cel.mode=csv")
	}

	switch c.Aggregation.ShippingMode {
	case "complete", "progressive":
	default:
		return errors.New(errors.ErrConfiguration,
			fmt.Sprintf("aggregation.shipping_mode must be complete|progressive, got %q", c.Aggregation.ShippingMode))
	}

	switch c.Shipper.Mode {
	case "batch", "direct":
	default:
		return errors.New(errors.ErrConfiguration,
			fmt.Sprintf("shipper.mode must be batch|direct, got %q", c.Shipper.Mode))
	}

	if c.App.Hostname == "" {
		return errors.New(errors.ErrConfiguration, "app.hostname is required")
	}

	return nil
}

// GetDSN returns the MySQL DSN for the CDR/CEL source database.
func (c *Config) GetDSN() string {
	d := c.Source.DB
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

func (c *Config) GetAMIAddr() string {
	return fmt.Sprintf("%s:%d", c.AMI.Host, c.AMI.Port)
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
