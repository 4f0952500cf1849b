package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string          `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	Reader      ReaderConfig    `yaml:"reader"`
	Metasys     MetasysConfig   `yaml:"metasys"`
	OPCUA       OPCUAConfig     `yaml:"opcua"`
	Assets      []AssetConfig   `yaml:"assets"`
	Polling     PollingConfig   `yaml:"polling"`
	Publisher   PublisherConfig `yaml:"publisher"`
	Sinks       SinksConfig     `yaml:"sinks"`
	WAL         WALConfig       `yaml:"wal"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Tracing     TracingConfig   `yaml:"tracing"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type ReaderConfig struct {
	Kind string `yaml:"kind"` // "metasys" or "opcua"
}

type MetasysConfig struct {
	Host               string        `yaml:"host"`
	APIVersion         int           `yaml:"api_version"`
	Auth               AuthConfig    `yaml:"auth"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

type AuthConfig struct {
	Mode        string `yaml:"mode"` // "none" or "basic"
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

type OPCUAConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Username        string `yaml:"username"`
	PasswordEnv     string `yaml:"password_env"`
	SecurityMode    string `yaml:"security_mode"`
	SecurityPolicy  string `yaml:"security_policy"`
	ApplicationName string `yaml:"application_name"`
}

type AssetConfig struct {
	AssetID string        `yaml:"asset_id"`
	Name    string        `yaml:"name"`
	Points  []PointConfig `yaml:"points"`
}

// PointConfig leaves optional overrides as pointers so an explicit zero is
// distinguishable from "use the tier default".
type PointConfig struct {
	PointID           string   `yaml:"point_id"`
	Name              string   `yaml:"name"`
	DataType          string   `yaml:"data_type"`
	Tier              int      `yaml:"tier"`
	SourceRef         string   `yaml:"source_ref"`
	Deadband          *float64 `yaml:"deadband"`
	MinPublishSeconds *int     `yaml:"min_publish_seconds"`
}

type PollingConfig struct {
	Tick                       time.Duration  `yaml:"tick"`
	FlushInterval              time.Duration  `yaml:"flush_interval"`
	MaxPointsPerBatch          int            `yaml:"max_points_per_batch"`
	Workers                    int            `yaml:"workers"`
	ReadTimeout                time.Duration  `yaml:"read_timeout"`
	QualityChangePublishes     bool           `yaml:"quality_change_publishes"`
	FailureEscalationThreshold int            `yaml:"failure_escalation_threshold"`
	Defaults                   PollingDefault `yaml:"defaults"`
}

type PollingDefault struct {
	Tiers   map[string]TierConfig `yaml:"tiers"`
	Analog  DeadbandConfig        `yaml:"analog"`
	Digital DeadbandConfig        `yaml:"digital"`
}

type TierConfig struct {
	PollSeconds       int `yaml:"poll_seconds"`
	MinPublishSeconds int `yaml:"min_publish_seconds"`
}

type DeadbandConfig struct {
	Deadband float64 `yaml:"deadband"`
}

type PublisherConfig struct {
	MaxBufferedEvents int    `yaml:"max_buffered_events"`
	OnSinkFailure     string `yaml:"on_sink_failure"`
	MaxFlushRetries   int    `yaml:"max_flush_retries"`
}

type SinksConfig struct {
	File  FileSinkConfig  `yaml:"file"`
	SQL   SQLSinkConfig   `yaml:"sql"`
	NATS  NATSSinkConfig  `yaml:"nats"`
	Redis RedisSinkConfig `yaml:"redis"`
	S3    S3SinkConfig    `yaml:"s3"`
}

type FileSinkConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

type SQLSinkConfig struct {
	Driver     string `yaml:"driver"` // "postgres" or "sqlite"
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type NATSSinkConfig struct {
	URL       string `yaml:"url"`
	Subject   string `yaml:"subject"`
	JetStream bool   `yaml:"jetstream"`
}

type RedisSinkConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Stream      string `yaml:"stream"`
	MaxLen      int64  `yaml:"max_len"`
}

type S3SinkConfig struct {
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	UsePathStyle       bool   `yaml:"use_path_style"`
	AccessKeyIDEnv     string `yaml:"access_key_id_env"`
	SecretAccessKeyEnv string `yaml:"secret_access_key_env"`
}

type WALConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
		if c.Environment == "development" {
			c.Logging.Format = "console"
		}
	}
	if c.Reader.Kind == "" {
		c.Reader.Kind = "metasys"
	}
	if c.Metasys.APIVersion == 0 {
		c.Metasys.APIVersion = 6
	}
	if c.Metasys.Auth.Mode == "" {
		c.Metasys.Auth.Mode = "none"
	}
	if c.Metasys.Timeout <= 0 {
		c.Metasys.Timeout = 10 * time.Second
	}
	if c.OPCUA.SecurityMode == "" {
		c.OPCUA.SecurityMode = "None"
	}
	if c.OPCUA.SecurityPolicy == "" {
		c.OPCUA.SecurityPolicy = "None"
	}
	if c.OPCUA.ApplicationName == "" {
		c.OPCUA.ApplicationName = "Metasys Connector"
	}

	if c.Polling.Tick <= 0 {
		c.Polling.Tick = 250 * time.Millisecond
	}
	if c.Polling.FlushInterval <= 0 {
		c.Polling.FlushInterval = 5 * time.Second
	}
	if c.Polling.MaxPointsPerBatch <= 0 {
		c.Polling.MaxPointsPerBatch = 200
	}
	if c.Polling.Workers <= 0 {
		c.Polling.Workers = 1
	}
	if c.Polling.ReadTimeout <= 0 {
		c.Polling.ReadTimeout = c.Metasys.Timeout
	}

	if c.Publisher.MaxBufferedEvents <= 0 {
		c.Publisher.MaxBufferedEvents = 100_000
	}
	if c.Publisher.OnSinkFailure == "" {
		c.Publisher.OnSinkFailure = "retry"
	}
	if c.Publisher.MaxFlushRetries <= 0 {
		c.Publisher.MaxFlushRetries = 3
	}

	if c.Sinks.File.Path == "" {
		c.Sinks.File.Path = "out/batches.jsonl"
	}
	if c.Sinks.SQL.Driver == "" {
		c.Sinks.SQL.Driver = "postgres"
	}
	if c.Sinks.SQL.Table == "" {
		c.Sinks.SQL.Table = "point_events"
	}
	if c.Sinks.NATS.Subject == "" {
		c.Sinks.NATS.Subject = "metasys.batches"
	}
	if c.Sinks.Redis.Stream == "" {
		c.Sinks.Redis.Stream = "metasys:batches"
	}
	if c.Sinks.S3.Region == "" {
		c.Sinks.S3.Region = "us-east-1"
	}
	if c.Sinks.S3.Prefix == "" {
		c.Sinks.S3.Prefix = "batches"
	}

	if c.WAL.Dir == "" {
		c.WAL.Dir = "./data/wal"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":8082"
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

// validate checks process-level settings. Point-level rules live in the plan builder.
func (c *Config) validate() error {
	var errs []error

	switch c.Reader.Kind {
	case "metasys":
		if c.Metasys.Host == "" {
			errs = append(errs, errors.New("metasys.host is required"))
		}
		switch c.Metasys.Auth.Mode {
		case "none":
		case "basic":
			if c.Metasys.Auth.Username == "" {
				errs = append(errs, errors.New("metasys.auth.username is required for basic auth"))
			}
		default:
			errs = append(errs, fmt.Errorf("metasys.auth.mode %q is not supported", c.Metasys.Auth.Mode))
		}
	case "opcua":
		if c.OPCUA.Endpoint == "" {
			errs = append(errs, errors.New("opcua.endpoint is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("reader.kind %q is not supported", c.Reader.Kind))
	}

	if len(c.Polling.Defaults.Tiers) == 0 {
		errs = append(errs, errors.New("polling.defaults.tiers is required"))
	}
	for name, tier := range c.Polling.Defaults.Tiers {
		if _, err := strconv.Atoi(name); err != nil {
			errs = append(errs, fmt.Errorf("polling.defaults.tiers: key %q is not a tier number", name))
		}
		if tier.PollSeconds <= 0 {
			errs = append(errs, fmt.Errorf("polling.defaults.tiers.%s.poll_seconds must be > 0", name))
		}
		if tier.MinPublishSeconds < 0 {
			errs = append(errs, fmt.Errorf("polling.defaults.tiers.%s.min_publish_seconds must be >= 0", name))
		}
	}
	if c.Polling.Tick > c.Polling.FlushInterval {
		errs = append(errs, fmt.Errorf("polling.tick (%s) must not exceed polling.flush_interval (%s)", c.Polling.Tick, c.Polling.FlushInterval))
	}

	switch c.Publisher.OnSinkFailure {
	case "retry", "fatal":
	default:
		errs = append(errs, fmt.Errorf("publisher.on_sink_failure %q must be retry or fatal", c.Publisher.OnSinkFailure))
	}

	switch c.Sinks.SQL.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("sinks.sql.driver %q must be postgres or sqlite", c.Sinks.SQL.Driver))
	}
	if c.Sinks.File.Disabled && !c.hasRemoteSink() {
		errs = append(errs, errors.New("at least one sink must be configured"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be within [0,1]"))
	}

	return errors.Join(errs...)
}

func (c *Config) hasRemoteSink() bool {
	return c.Sinks.SQL.ConnString != "" ||
		c.Sinks.NATS.URL != "" ||
		c.Sinks.Redis.Addr != "" ||
		c.Sinks.S3.Bucket != ""
}
