// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mqtt-service/topics"
	"gopkg.in/ini.v1"
)

const (
	// FileName is the configuration file inside the configuration directory.
	FileName = "config.ini"

	// BrokerPlaceholder is written into a fresh template and is never a valid broker address.
	BrokerPlaceholder = "your-ip-here"
)

// '#' is a valid topic character, so only " #" starts an inline comment.
func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{Loose: true, SpaceBeforeInlineComment: true}
}

// ErrBrokerMissing indicates that [mqtt] broker-ip is absent, empty or still the placeholder.
var ErrBrokerMissing = errors.New("mqtt broker-ip is not configured")

// Config holds all configuration for the MQTT service.
type Config struct {
	MQTT    MQTTConfig
	Archive ArchiveConfig
	HTTP    HTTPConfig
	Health  HealthConfig
	Log     LogConfig
	Otel    OtelConfig
}

// MQTTConfig holds broker session settings.
type MQTTConfig struct {
	BrokerIP        string
	BrokerPort      int
	ClientIDPrefix  string
	SubscribeFilter string
	QoS             int
	ConnectTimeout  time.Duration
	KeepAlive       time.Duration

	// Dispatch worker pool
	Workers   int
	QueueSize int
}

// ArchiveConfig holds settings for the archive HTTP service.
type ArchiveConfig struct {
	APIRoot            string
	ResourceType       string
	Timeout            time.Duration
	InsecureSkipVerify bool
	LifecycleEvents    bool

	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
}

// HTTPConfig holds ingress listener settings.
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// HealthConfig holds health endpoint listener settings.
type HealthConfig struct {
	Enabled bool
	Addr    string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Enabled         bool
	Endpoint        string
	Insecure        bool // plaintext gRPC to the collector
	ExportInterval  time.Duration
	ServiceName     string
	ServiceVersion  string
	Metrics         bool
	Traces          bool
	TraceSampleRate float64
}

// Default returns a configuration with sensible defaults and no broker address.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			BrokerPort:      1883,
			ClientIDPrefix:  "mqtt-service-",
			SubscribeFilter: "#",
			QoS:             0,
			ConnectTimeout:  10 * time.Second,
			KeepAlive:       30 * time.Second,
			Workers:         4,
			QueueSize:       256,
		},
		Archive: ArchiveConfig{
			APIRoot:                 "http://resource/",
			ResourceType:            "mqtt-messages",
			Timeout:                 time.Second,
			InsecureSkipVerify:      true,
			BreakerFailureThreshold: 0,
			BreakerResetTimeout:     30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            "0.0.0.0:80",
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Health: HealthConfig{
			Addr: ":8081",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ExportInterval:  10 * time.Second,
			ServiceName:     "mqtt-service",
			ServiceVersion:  "0.1.0",
			Metrics:         true,
			TraceSampleRate: 1.0,
		},
	}
}

// Path returns the configuration file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// EnsureDir creates the configuration directory if it does not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads the INI file at filename on top of the defaults.
// A missing file is treated as empty, so it yields ErrBrokerMissing.
func Load(filename string) (*Config, error) {
	f, err := ini.LoadSources(loadOptions(), filename)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	cfg.apply(f)

	if cfg.MQTT.BrokerIP == "" || cfg.MQTT.BrokerIP == BrokerPlaceholder {
		return nil, fmt.Errorf("%w in %s", ErrBrokerMissing, filename)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) apply(f *ini.File) {
	mqtt := f.Section("mqtt")
	c.MQTT.BrokerIP = strings.TrimSpace(mqtt.Key("broker-ip").String())
	c.MQTT.BrokerPort = mqtt.Key("broker-port").MustInt(c.MQTT.BrokerPort)
	c.MQTT.ClientIDPrefix = mqtt.Key("client-id-prefix").MustString(c.MQTT.ClientIDPrefix)
	c.MQTT.SubscribeFilter = mqtt.Key("subscribe-filter").MustString(c.MQTT.SubscribeFilter)
	c.MQTT.QoS = mqtt.Key("qos").MustInt(c.MQTT.QoS)
	c.MQTT.ConnectTimeout = mqtt.Key("connect-timeout").MustDuration(c.MQTT.ConnectTimeout)
	c.MQTT.KeepAlive = mqtt.Key("keep-alive").MustDuration(c.MQTT.KeepAlive)
	c.MQTT.Workers = mqtt.Key("workers").MustInt(c.MQTT.Workers)
	c.MQTT.QueueSize = mqtt.Key("queue-size").MustInt(c.MQTT.QueueSize)

	archive := f.Section("archive")
	c.Archive.APIRoot = archive.Key("api-root").MustString(c.Archive.APIRoot)
	c.Archive.ResourceType = archive.Key("resource-type").MustString(c.Archive.ResourceType)
	c.Archive.Timeout = archive.Key("timeout").MustDuration(c.Archive.Timeout)
	c.Archive.InsecureSkipVerify = archive.Key("insecure-skip-verify").MustBool(c.Archive.InsecureSkipVerify)
	c.Archive.LifecycleEvents = archive.Key("lifecycle-events").MustBool(c.Archive.LifecycleEvents)
	c.Archive.BreakerFailureThreshold = archive.Key("breaker-failure-threshold").MustInt(c.Archive.BreakerFailureThreshold)
	c.Archive.BreakerResetTimeout = archive.Key("breaker-reset-timeout").MustDuration(c.Archive.BreakerResetTimeout)

	http := f.Section("http")
	c.HTTP.Addr = http.Key("addr").MustString(c.HTTP.Addr)
	c.HTTP.ShutdownTimeout = http.Key("shutdown-timeout").MustDuration(c.HTTP.ShutdownTimeout)
	c.HTTP.MaxBodyBytes = http.Key("max-body-bytes").MustInt64(c.HTTP.MaxBodyBytes)

	health := f.Section("health")
	c.Health.Enabled = health.Key("enabled").MustBool(c.Health.Enabled)
	c.Health.Addr = health.Key("addr").MustString(c.Health.Addr)

	log := f.Section("log")
	c.Log.Level = log.Key("level").MustString(c.Log.Level)
	c.Log.Format = log.Key("format").MustString(c.Log.Format)

	otel := f.Section("otel")
	c.Otel.Enabled = otel.Key("enabled").MustBool(c.Otel.Enabled)
	c.Otel.Endpoint = otel.Key("endpoint").MustString(c.Otel.Endpoint)
	c.Otel.Insecure = otel.Key("insecure").MustBool(c.Otel.Insecure)
	c.Otel.ExportInterval = otel.Key("export-interval").MustDuration(c.Otel.ExportInterval)
	c.Otel.ServiceName = otel.Key("service-name").MustString(c.Otel.ServiceName)
	c.Otel.ServiceVersion = otel.Key("service-version").MustString(c.Otel.ServiceVersion)
	c.Otel.Metrics = otel.Key("metrics").MustBool(c.Otel.Metrics)
	c.Otel.Traces = otel.Key("traces").MustBool(c.Otel.Traces)
	c.Otel.TraceSampleRate = otel.Key("trace-sample-rate").MustFloat64(c.Otel.TraceSampleRate)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MQTT.BrokerPort < 1 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("mqtt.broker-port must be between 1 and 65535")
	}
	if err := topics.ValidateFilter(c.MQTT.SubscribeFilter); err != nil {
		return fmt.Errorf("mqtt.subscribe-filter %q: %w", c.MQTT.SubscribeFilter, err)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.ConnectTimeout <= 0 {
		return fmt.Errorf("mqtt.connect-timeout must be positive")
	}
	if c.MQTT.Workers < 1 {
		return fmt.Errorf("mqtt.workers must be at least 1")
	}
	if c.MQTT.QueueSize < 1 {
		return fmt.Errorf("mqtt.queue-size must be at least 1")
	}

	if c.Archive.APIRoot == "" {
		return fmt.Errorf("archive.api-root cannot be empty")
	}
	if c.Archive.ResourceType == "" {
		return fmt.Errorf("archive.resource-type cannot be empty")
	}
	if c.Archive.Timeout <= 0 {
		return fmt.Errorf("archive.timeout must be positive")
	}
	if c.Archive.BreakerFailureThreshold < 0 {
		return fmt.Errorf("archive.breaker-failure-threshold cannot be negative")
	}
	if c.Archive.BreakerFailureThreshold > 0 && c.Archive.BreakerResetTimeout <= 0 {
		return fmt.Errorf("archive.breaker-reset-timeout must be positive when the breaker is enabled")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr cannot be empty")
	}
	if c.HTTP.MaxBodyBytes < 1 {
		return fmt.Errorf("http.max-body-bytes must be positive")
	}
	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health is enabled")
	}

	if err := c.Log.Validate(); err != nil {
		return err
	}

	if c.Otel.Enabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service-name cannot be empty when otel is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when otel is enabled")
		}
		if c.Otel.ExportInterval <= 0 {
			return fmt.Errorf("otel.export-interval must be positive")
		}
		if c.Otel.TraceSampleRate < 0 || c.Otel.TraceSampleRate > 1 {
			return fmt.Errorf("otel.trace-sample-rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Validate checks the log level and format.
func (l LogConfig) Validate() error {
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}
	return nil
}

// BrokerURL returns the paho server URL for the configured broker.
func (c *Config) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.MQTT.BrokerIP, strconv.Itoa(c.MQTT.BrokerPort))
}

// ClientID derives the broker client identifier from the host name.
func (c *Config) ClientID(hostname string) string {
	return c.MQTT.ClientIDPrefix + hostname
}

// WriteTemplate makes sure filename carries a broker-ip entry, inserting the
// placeholder when the key is absent or empty. Other content is preserved.
func WriteTemplate(filename string) error {
	f, err := ini.LoadSources(loadOptions(), filename)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	key := f.Section("mqtt").Key("broker-ip")
	if strings.TrimSpace(key.String()) != "" {
		return nil
	}
	key.SetValue(BrokerPlaceholder)

	if err := f.SaveTo(filename); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
