// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mcsb/crc"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, Size(8<<20), cfg.Client.ProducerBytes)
	assert.Equal(t, Size(8<<20), cfg.Client.ConsumerBytes)
	assert.Equal(t, 4, cfg.Client.ProducerSlabs)
	assert.Equal(t, 4, cfg.Client.ConsumerSlabs)
	assert.Equal(t, "/tmp/mcsb-%U.sock", cfg.Client.CtrlSock)
	assert.Equal(t, crc.None, cfg.Client.CRCPolicy)
	assert.Equal(t, 3, cfg.Log.Verbosity)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "negative producer bytes",
			modify:  func(c *Config) { c.Client.ProducerBytes = -1 },
			wantErr: true,
		},
		{
			name:    "negative consumer slabs",
			modify:  func(c *Config) { c.Client.ConsumerSlabs = -1 },
			wantErr: true,
		},
		{
			name:    "zero watermarks",
			modify:  func(c *Config) { c.Client.ProducerBytes, c.Client.ProducerSlabs = 0, 0 },
			wantErr: false,
		},
		{
			name:    "empty control socket",
			modify:  func(c *Config) { c.Client.CtrlSock = "" },
			wantErr: true,
		},
		{
			name:    "unknown CRC policy",
			modify:  func(c *Config) { c.Client.CRCPolicy = crc.Policy(42) },
			wantErr: true,
		},
		{
			name:    "verbosity too high",
			modify:  func(c *Config) { c.Log.Verbosity = 6 },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name:    "sample rate ignored when telemetry disabled",
			modify:  func(c *Config) { c.Telemetry.TraceSampleRate = 1.5 },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty filename", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcsb.yaml")
		data := "client:\n  prod_bytes: 16M\n  cons_bytes: 65536\n  crc_policy: VERIFY\n  shutdown_timeout: 2s\nlog:\n  format: json\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, Size(16<<20), cfg.Client.ProducerBytes)
		assert.Equal(t, Size(65536), cfg.Client.ConsumerBytes)
		assert.Equal(t, crc.VerifyOnly, cfg.Client.CRCPolicy)
		assert.Equal(t, 2*time.Second, cfg.Client.ShutdownTimeout)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, 4, cfg.Client.ProducerSlabs)
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcsb.yaml")
		require.NoError(t, os.WriteFile(path, []byte("client:\n  crc_policy: SOMETIMES\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcsb.yaml")
	cfg := Default()
	cfg.Client.ProducerBytes = 3 << 30
	cfg.Client.ConsumerBytes = 1536
	cfg.Client.CRCPolicy = crc.SetAndVerify
	cfg.Client.ClientName = "saved"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.Client.ClientName = "from-file"
	cfg.Client.ProducerSlabs = 2

	err := cfg.applyEnv(map[string]string{
		"MCSB_PROD_BYTES":       "1G",
		"MCSB_CONS_SLABS":       "9",
		"MCSB_CTRL_SOCK":        "/run/mcsb.sock",
		"MCSB_CRC_POLICY":       "on",
		"MCSB_VERBOSITY":        "5",
		"MCSB_SHUTDOWN_TIMEOUT": "250ms",
		"PROD_BYTES":            "1K",
	})
	require.NoError(t, err)

	assert.Equal(t, Size(1<<30), cfg.Client.ProducerBytes)
	assert.Equal(t, 9, cfg.Client.ConsumerSlabs)
	assert.Equal(t, "/run/mcsb.sock", cfg.Client.CtrlSock)
	assert.Equal(t, crc.SetAndVerify, cfg.Client.CRCPolicy)
	assert.Equal(t, 5, cfg.Log.Verbosity)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ShutdownTimeout)
	assert.Equal(t, "from-file", cfg.Client.ClientName, "unset variables keep the file value")
	assert.Equal(t, 2, cfg.Client.ProducerSlabs)
}

func TestEnvInvalid(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.applyEnv(map[string]string{"MCSB_PROD_BYTES": "8X"}))
}

func TestFlagsOverrideEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--mcsb-cons-bytes", "2M",
		"--mcsb-crc-policy=SET",
		"--mcsb-group", "flag",
		"-v", "4",
	}))

	cfg := Default()
	require.NoError(t, cfg.applyEnv(map[string]string{
		"MCSB_CONS_BYTES": "1K",
		"MCSB_PROD_BYTES": "1K",
		"MCSB_VERBOSITY":  "1",
		"MCSB_GROUP":      "env",
	}))
	assert.Equal(t, "env", cfg.Client.Group)
	flags.Apply(cfg)

	assert.Equal(t, Size(2<<20), cfg.Client.ConsumerBytes)
	assert.Equal(t, Size(1<<10), cfg.Client.ProducerBytes, "unset flag keeps the environment value")
	assert.Equal(t, crc.SetOnly, cfg.Client.CRCPolicy)
	assert.Equal(t, 4, cfg.Log.Verbosity)
	assert.Equal(t, "flag", cfg.Client.Group)
	assert.Equal(t, "/tmp/mcsb-%U.sock", cfg.Client.CtrlSock)
}

func TestResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcsb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  client_name: file\n  prod_slabs: 1\n"), 0o644))
	t.Setenv("MCSB_CLIENT_NAME", "env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--mcsb-prod-slabs=7"}))

	cfg, err := Resolve(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Client.ClientName)
	assert.Equal(t, 7, cfg.Client.ProducerSlabs)

	require.NoError(t, fs.Set(FlagVerbosity, "9"))
	_, err = Resolve(path, flags)
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	t.Setenv("USER", "bob")
	cfg := Default()
	cfg.Client.ProducerBytes = 1 << 20
	cfg.Client.ConsumerSlabs = 8
	cfg.Client.CRCPolicy = crc.VerifyOnly
	cfg.Client.MessageIDLimit = 1000
	cfg.Client.Group = "workers"
	cfg.Log.Verbosity = 5

	opts := cfg.ClientOptions()
	assert.Equal(t, int64(1<<20), opts.MinProducerBytes)
	assert.Equal(t, 8, opts.MinConsumerSlabs)
	assert.Equal(t, "/tmp/mcsb-bob.sock", opts.CtrlSockName)
	assert.Equal(t, crc.VerifyOnly, opts.CRCPolicy)
	assert.Equal(t, uint32(1000), opts.MessageIDLimit)
	assert.Equal(t, "workers", opts.Group)
	assert.Equal(t, 5, opts.Verbosity)
	assert.NoError(t, opts.Validate())
}
