package config

import "time"

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Defaults applied to missing settings.
const (
	DefaultHost          = "127.0.0.1"
	DefaultPort          = 7125
	DefaultTimeout       = 3 * time.Second
	DefaultMaxRetries    = 6
	DefaultRetryInterval = 5 * time.Second
	DefaultDiscipline    = "lifo"
	DefaultLogLevel      = "info"
)

// Config is the top-level front-end configuration.
type Config struct {
	// Schema version for backward compatibility. Empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	Printer    *PrinterConfig    `hcl:"printer,block" json:"printer,omitempty"`
	Connection *ConnectionConfig `hcl:"connection,block" json:"connection,omitempty"`
	Queue      *QueueConfig      `hcl:"queue,block" json:"queue,omitempty"`
	Logging    *LoggingConfig    `hcl:"logging,block" json:"logging,omitempty"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics,omitempty"`
}

// PrinterConfig addresses the printer host's REST and websocket API.
type PrinterConfig struct {
	Host    string `hcl:"host,optional" json:"host,omitempty"`
	Port    int    `hcl:"port,optional" json:"port,omitempty"`
	APIKey  string `hcl:"api_key,optional" json:"api_key,omitempty"`
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"` // per-request REST timeout, e.g. "3s"
}

// ConnectionConfig tunes the reconnect policy of the persistent channel.
type ConnectionConfig struct {
	MaxRetries    *int   `hcl:"max_retries,optional" json:"max_retries,omitempty"`
	RetryInterval string `hcl:"retry_interval,optional" json:"retry_interval,omitempty"`
	Identify      *bool  `hcl:"identify,optional" json:"identify,omitempty"` // announce ourselves after connect
	ClientName    string `hcl:"client_name,optional" json:"client_name,omitempty"`
}

// QueueConfig configures the streamed command queue.
type QueueConfig struct {
	Discipline string `hcl:"discipline,optional" json:"discipline,omitempty"` // "lifo" or "fifo"
	Capacity   int    `hcl:"capacity,optional" json:"capacity,omitempty"`     // 0 = unbounded
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
}

// MetricsConfig configures the prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// DefaultConfig returns a config with every default filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in missing blocks and settings.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Printer == nil {
		c.Printer = &PrinterConfig{}
	}
	if c.Printer.Host == "" {
		c.Printer.Host = DefaultHost
	}
	if c.Printer.Port == 0 {
		c.Printer.Port = DefaultPort
	}
	if c.Printer.Timeout == "" {
		c.Printer.Timeout = DefaultTimeout.String()
	}

	if c.Connection == nil {
		c.Connection = &ConnectionConfig{}
	}
	if c.Connection.MaxRetries == nil {
		n := DefaultMaxRetries
		c.Connection.MaxRetries = &n
	}
	if c.Connection.RetryInterval == "" {
		c.Connection.RetryInterval = DefaultRetryInterval.String()
	}
	if c.Connection.Identify == nil {
		on := true
		c.Connection.Identify = &on
	}

	if c.Queue == nil {
		c.Queue = &QueueConfig{}
	}
	if c.Queue.Discipline == "" {
		c.Queue.Discipline = DefaultDiscipline
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
}

// RequestTimeout returns the parsed REST timeout.
func (p *PrinterConfig) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(p.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// Interval returns the parsed reconnect interval.
func (c *ConnectionConfig) Interval() time.Duration {
	d, err := time.ParseDuration(c.RetryInterval)
	if err != nil || d <= 0 {
		return DefaultRetryInterval
	}
	return d
}

// Retries returns the configured retry cap.
func (c *ConnectionConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// ShouldIdentify reports whether the client announces itself after connecting.
func (c *ConnectionConfig) ShouldIdentify() bool {
	return c.Identify == nil || *c.Identify
}
