// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config resolves MCSB client settings from, in increasing order of
// precedence, compiled-in defaults, a YAML file, MCSB_* environment
// variables and command line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/mcsb/client"
	"github.com/absmach/mcsb/crc"
	"github.com/absmach/mcsb/internal/logging"
	"github.com/absmach/mcsb/transport/unixsock"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the package reads.
const EnvPrefix = "MCSB_"

// Config holds all configuration for an MCSB client process.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ClientConfig holds the channel settings passed to client.New.
type ClientConfig struct {
	// Flow control floors
	ProducerBytes Size `yaml:"prod_bytes" env:"PROD_BYTES"`
	ConsumerBytes Size `yaml:"cons_bytes" env:"CONS_BYTES"`
	ProducerSlabs int  `yaml:"prod_slabs" env:"PROD_SLABS"`
	ConsumerSlabs int  `yaml:"cons_slabs" env:"CONS_SLABS"`

	CtrlSock   string `yaml:"ctrl_sock" env:"CTRL_SOCK"`     // %U is replaced with the user name
	ClientName string `yaml:"client_name" env:"CLIENT_NAME"` // Empty derives one from the program name
	Group      string `yaml:"group,omitempty" env:"GROUP"`   // Requested from the Manager on open

	CRCPolicy       crc.Policy    `yaml:"crc_policy" env:"CRC_POLICY"`
	MessageIDLimit  uint32        `yaml:"message_id_limit" env:"MESSAGE_ID_LIMIT"`
	MutablePayloads bool          `yaml:"mutable_payloads" env:"MUTABLE_PAYLOADS"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Verbosity int    `yaml:"verbosity" env:"VERBOSITY"` // 0 critical .. 5 debug
	Format    string `yaml:"format" env:"LOG_FORMAT"`   // text, json
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled" env:"OTEL_ENABLED"`
	Endpoint        string  `yaml:"endpoint" env:"OTEL_ENDPOINT"` // OTLP gRPC collector
	Insecure        bool    `yaml:"insecure" env:"OTEL_INSECURE"`
	ServiceName     string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"OTEL_SERVICE_VERSION"`
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"OTEL_METRICS_ENABLED"`
	TracesEnabled   bool    `yaml:"traces_enabled" env:"OTEL_TRACES_ENABLED"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" env:"OTEL_TRACE_SAMPLE_RATE"` // 0.0 to 1.0
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			ProducerBytes:   client.DefaultMinProducerBytes,
			ConsumerBytes:   client.DefaultMinConsumerBytes,
			ProducerSlabs:   client.DefaultMinProducerSlabs,
			ConsumerSlabs:   client.DefaultMinConsumerSlabs,
			CtrlSock:        client.DefaultCtrlSockName,
			CRCPolicy:       crc.None,
			ShutdownTimeout: client.DefaultShutdownTimeout,
		},
		Log: LogConfig{
			Verbosity: logging.DefaultVerbosity,
			Format:    logging.FormatText,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "mcsb",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load reads a YAML file over the defaults.
// If filename is empty or the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays MCSB_* environment variables. Unset variables leave the
// current values alone.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(nil)
}

func (c *Config) applyEnv(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Resolve builds the configuration: defaults, then the YAML file, then the
// environment, then every flag in f the user set. f may be nil.
func Resolve(filename string, f *Flags) (*Config, error) {
	cfg, err := Load(filename)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if f != nil {
		f.Apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Client.ProducerBytes < 0 {
		return fmt.Errorf("client.prod_bytes cannot be negative")
	}
	if c.Client.ConsumerBytes < 0 {
		return fmt.Errorf("client.cons_bytes cannot be negative")
	}
	if c.Client.ProducerSlabs < 0 {
		return fmt.Errorf("client.prod_slabs cannot be negative")
	}
	if c.Client.ConsumerSlabs < 0 {
		return fmt.Errorf("client.cons_slabs cannot be negative")
	}
	if c.Client.CtrlSock == "" {
		return fmt.Errorf("client.ctrl_sock cannot be empty")
	}
	if !c.Client.CRCPolicy.Valid() {
		return fmt.Errorf("client.crc_policy must be one of: OFF, SET, VERIFY, ON, DEFAULT")
	}
	if c.Client.ShutdownTimeout < 0 {
		return fmt.Errorf("client.shutdown_timeout cannot be negative")
	}

	if c.Log.Verbosity < 0 || c.Log.Verbosity > logging.VerbosityDebug {
		return fmt.Errorf("log.verbosity must be between 0 and %d", logging.VerbosityDebug)
	}
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}

	// OpenTelemetry validation (only if enabled)
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ClientOptions converts the configuration into client options. The control
// socket path is expanded.
func (c *Config) ClientOptions() *client.Options {
	return client.NewOptions().
		SetProducerWatermarks(int64(c.Client.ProducerBytes), c.Client.ProducerSlabs).
		SetConsumerWatermarks(int64(c.Client.ConsumerBytes), c.Client.ConsumerSlabs).
		SetCtrlSockName(unixsock.ExpandPath(c.Client.CtrlSock)).
		SetClientName(c.Client.ClientName).
		SetGroup(c.Client.Group).
		SetCRCPolicy(c.Client.CRCPolicy).
		SetMessageIDLimit(c.Client.MessageIDLimit).
		SetMutablePayloads(c.Client.MutablePayloads).
		SetShutdownTimeout(c.Client.ShutdownTimeout).
		SetVerbosity(c.Log.Verbosity)
}
