package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/motor.monitor/internal/errorlog"
	"github.com/banshee-data/motor.monitor/internal/motor"
)

// DefaultConfigPath is where motormon looks when -config is not given.
const DefaultConfigPath = "config/motormon.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the service configuration. Every field is optional; the Get*
// methods supply defaults for anything left unset.
type Config struct {
	// Ingestion
	UDPAddress *string  `json:"udp_address,omitempty" yaml:"udp_address,omitempty"`
	RcvBuf     *int     `json:"rcv_buf,omitempty" yaml:"rcv_buf,omitempty"`
	MotorCount *int     `json:"motor_count,omitempty" yaml:"motor_count,omitempty"`
	Fields     []string `json:"fields,omitempty" yaml:"fields,omitempty"`

	// Sampling
	SampleInterval *string `json:"sample_interval,omitempty" yaml:"sample_interval,omitempty"` // duration string like "20ms"
	SeriesWindow   *string `json:"series_window,omitempty" yaml:"series_window,omitempty"`     // duration string like "30s"

	// Error logging
	LogDir      *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	LogMode     *string `json:"log_mode,omitempty" yaml:"log_mode,omitempty"`
	TrailFrames *int    `json:"trail_frames,omitempty" yaml:"trail_frames,omitempty"`
	MaxPending  *int    `json:"max_pending,omitempty" yaml:"max_pending,omitempty"`

	// Outputs
	HTTPAddress     *string `json:"http_address,omitempty" yaml:"http_address,omitempty"`
	GRPCAddress     *string `json:"grpc_address,omitempty" yaml:"grpc_address,omitempty"`
	DBPath          *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	MQTTBroker      *string `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `json:"mqtt_topic_prefix,omitempty" yaml:"mqtt_topic_prefix,omitempty"`
	ForwardAddress  *string `json:"forward_address,omitempty" yaml:"forward_address,omitempty"`

	Diagnostics *Diagnostics `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Diagnostics configures the rotating diagnostic log file.
type Diagnostics struct {
	Directory  string `json:"directory,omitempty" yaml:"directory,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a YAML (.yaml, .yml) or JSON (.json) config file. Fields
// omitted from the file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.MotorCount != nil && (*c.MotorCount < 1 || *c.MotorCount > motor.MaxMotorCount) {
		return fmt.Errorf("motor_count must be between 1 and %d, got %d", motor.MaxMotorCount, *c.MotorCount)
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if len(c.Fields) > 0 {
		if _, err := motor.ParseFields(c.Fields); err != nil {
			return fmt.Errorf("invalid fields: %w", err)
		}
	}
	for name, v := range map[string]*string{"sample_interval": c.SampleInterval, "series_window": c.SeriesWindow} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	if c.LogMode != nil && *c.LogMode != "" {
		if _, err := errorlog.ParseLogMode(*c.LogMode); err != nil {
			return err
		}
	}
	if c.TrailFrames != nil && *c.TrailFrames < 0 {
		return fmt.Errorf("trail_frames must be non-negative, got %d", *c.TrailFrames)
	}
	if c.MaxPending != nil && *c.MaxPending < 1 {
		return fmt.Errorf("max_pending must be at least 1, got %d", *c.MaxPending)
	}
	if c.Diagnostics != nil && (c.Diagnostics.MaxSizeMB < 0 || c.Diagnostics.MaxAgeDays < 0 || c.Diagnostics.MaxBackups < 0) {
		return fmt.Errorf("diagnostics limits must be non-negative")
	}
	return nil
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def // default on parse error
	}
	return d
}

// GetUDPAddress returns the telemetry listen address or ":4015".
func (c *Config) GetUDPAddress() string { return stringOr(c.UDPAddress, ":4015") }

// GetRcvBuf returns the socket receive buffer size or 1 MiB.
func (c *Config) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 1 << 20
	}
	return *c.RcvBuf
}

// GetMotorCount returns the motors per datagram or 13.
func (c *Config) GetMotorCount() int {
	if c.MotorCount == nil {
		return motor.DefaultMotorCount
	}
	return *c.MotorCount
}

// GetFields returns the sampled fields or motor.DefaultFields.
func (c *Config) GetFields() []motor.Field {
	if len(c.Fields) == 0 {
		return motor.DefaultFields()
	}
	fields, err := motor.ParseFields(c.Fields)
	if err != nil {
		return motor.DefaultFields()
	}
	return fields
}

// GetSampleInterval returns the sampling period or 20ms.
func (c *Config) GetSampleInterval() time.Duration {
	return durationOr(c.SampleInterval, 20*time.Millisecond)
}

// GetSeriesWindow returns the live series window or 30s.
func (c *Config) GetSeriesWindow() time.Duration {
	return durationOr(c.SeriesWindow, 30*time.Second)
}

// GetLogDir returns the error log directory.
func (c *Config) GetLogDir() string { return stringOr(c.LogDir, errorlog.DefaultDir) }

// GetLogMode returns the initial log mode or ErrorTriggered.
func (c *Config) GetLogMode() errorlog.LogMode {
	if c.LogMode == nil {
		return errorlog.ErrorTriggered
	}
	m, err := errorlog.ParseLogMode(*c.LogMode)
	if err != nil {
		return errorlog.ErrorTriggered
	}
	return m
}

// GetTrailFrames returns the error-free frames captured after an error, or 0.
func (c *Config) GetTrailFrames() int {
	if c.TrailFrames == nil {
		return 0
	}
	return *c.TrailFrames
}

// GetMaxPending returns the retained-frame bound or errorlog.DefaultMaxPending.
func (c *Config) GetMaxPending() int {
	if c.MaxPending == nil {
		return errorlog.DefaultMaxPending
	}
	return *c.MaxPending
}

// GetHTTPAddress returns the HTTP listen address or ":8080".
func (c *Config) GetHTTPAddress() string { return stringOr(c.HTTPAddress, ":8080") }

// GetGRPCAddress returns the gRPC listen address; empty disables gRPC.
func (c *Config) GetGRPCAddress() string { return stringOr(c.GRPCAddress, "") }

// GetDBPath returns the episode database path; empty disables it.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, "") }

// GetMQTTBroker returns the broker URL; empty disables MQTT.
func (c *Config) GetMQTTBroker() string { return stringOr(c.MQTTBroker, "") }

// GetMQTTTopicPrefix returns the topic root or "motors".
func (c *Config) GetMQTTTopicPrefix() string { return stringOr(c.MQTTTopicPrefix, "motors") }

// GetForwardAddress returns the datagram mirror address; empty disables it.
func (c *Config) GetForwardAddress() string { return stringOr(c.ForwardAddress, "") }

// GetDiagnostics returns the diagnostic log settings. An empty Directory
// disables the log file.
func (c *Config) GetDiagnostics() Diagnostics {
	d := Diagnostics{MaxSizeMB: 50, MaxAgeDays: 14, MaxBackups: 5}
	if c.Diagnostics == nil {
		return d
	}
	d.Directory = c.Diagnostics.Directory
	d.Compress = c.Diagnostics.Compress
	if c.Diagnostics.MaxSizeMB > 0 {
		d.MaxSizeMB = c.Diagnostics.MaxSizeMB
	}
	if c.Diagnostics.MaxAgeDays > 0 {
		d.MaxAgeDays = c.Diagnostics.MaxAgeDays
	}
	if c.Diagnostics.MaxBackups > 0 {
		d.MaxBackups = c.Diagnostics.MaxBackups
	}
	return d
}
