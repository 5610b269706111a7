// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.WaitingAreaCapacity)
	assert.Equal(t, 2, cfg.FastPileCount)
	assert.Equal(t, 3, cfg.TricklePileCount)
	assert.Equal(t, 30.0, cfg.FastPilePowerKW)
	assert.Equal(t, 7.0, cfg.TricklePilePowerKW)
	assert.Equal(t, 500*time.Millisecond, cfg.DispatchInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.WaitingAreaCapacity = 0 }},
		{"negative pile count", func(c *Config) { c.FastPileCount = -1 }},
		{"zero fast power", func(c *Config) { c.FastPilePowerKW = 0 }},
		{"negative rate", func(c *Config) { c.PeakPrice = -0.1 }},
		{"zero dispatch interval", func(c *Config) { c.DispatchInterval = 0 }},
		{"zero completing timeout", func(c *Config) { c.CompletingTimeout = 0 }},
		{"zero speed factor", func(c *Config) { c.ChargingSpeedFactor = 0 }},
		{"empty redis addr", func(c *Config) { c.RedisAddr = "" }},
		{"empty sqlite path", func(c *Config) { c.SQLitePath = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("STATIOND_WAITING_AREA_CAPACITY", "10")
	t.Setenv("STATIOND_FAST_PILE_COUNT", "4")
	t.Setenv("STATIOND_PEAK_PRICE", "1.50")
	t.Setenv("STATIOND_PROGRESS_INTERVAL", "3s")
	t.Setenv("STATIOND_REDIS_ADDR", "redis:6380")

	cfg := FromEnv(Default())
	assert.Equal(t, 10, cfg.WaitingAreaCapacity)
	assert.Equal(t, 4, cfg.FastPileCount)
	assert.Equal(t, 1.50, cfg.PeakPrice)
	assert.Equal(t, 3*time.Second, cfg.ProgressInterval)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("STATIOND_WAITING_AREA_CAPACITY", "banana")
	t.Setenv("STATIOND_PROGRESS_INTERVAL", "soon")

	cfg := FromEnv(Default())
	assert.Equal(t, Default().WaitingAreaCapacity, cfg.WaitingAreaCapacity)
	assert.Equal(t, Default().ProgressInterval, cfg.ProgressInterval)
}

func TestLoadFilePlusEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("waiting_area_capacity: 8\nvalley_price: 0.35\n"), 0o600))

	t.Setenv("STATIOND_VALLEY_PRICE", "0.30")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WaitingAreaCapacity) // from file
	assert.Equal(t, 0.30, cfg.ValleyPrice)      // env wins over file
	assert.Equal(t, 30.0, cfg.FastPilePowerKW)  // default survives
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().WaitingAreaCapacity, cfg.WaitingAreaCapacity)
}

func TestRatesProjection(t *testing.T) {
	cfg := Default()
	r := cfg.Rates()
	assert.Equal(t, cfg.PeakPrice, r.Peak)
	assert.Equal(t, cfg.NormalPrice, r.Normal)
	assert.Equal(t, cfg.ValleyPrice, r.Valley)
	assert.Equal(t, cfg.ServicePrice, r.Service)
}
