// SPDX-License-Identifier: MIT

// Package config holds the static runtime configuration for stationd.
// Values are resolved file < environment, then validated once at boot.
package config

import (
	"fmt"
	"time"
)

// Config is the full option surface of the dispatch core.
type Config struct {
	// Station admission
	WaitingAreaCapacity int `yaml:"waiting_area_capacity"`

	// Pile inventory provisioned on first boot
	FastPileCount    int `yaml:"fast_pile_count"`
	TricklePileCount int `yaml:"trickle_pile_count"`

	// Nominal pile power per type (kW)
	FastPilePowerKW    float64 `yaml:"fast_pile_power_kw"`
	TricklePilePowerKW float64 `yaml:"trickle_pile_power_kw"`

	// Tariff rates (currency units per kWh)
	PeakPrice    float64 `yaml:"peak_price"`
	NormalPrice  float64 `yaml:"normal_price"`
	ValleyPrice  float64 `yaml:"valley_price"`
	ServicePrice float64 `yaml:"service_price"`

	// Worker cadences
	DispatchInterval     time.Duration `yaml:"dispatch_interval"`
	EventDrainInterval   time.Duration `yaml:"event_drain_interval"`
	ProgressInterval     time.Duration `yaml:"progress_interval"`
	PromotionInterval    time.Duration `yaml:"promotion_interval"`
	TimeoutSweepInterval time.Duration `yaml:"timeout_sweep_interval"`

	// Recovery
	CompletingTimeout time.Duration `yaml:"completing_timeout"`

	// Test-only multiplier on progress accumulation. 1 in production.
	ChargingSpeedFactor float64 `yaml:"charging_speed_factor"`

	// Stores
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`

	// Observability. Empty metrics_addr disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the documented production defaults.
func Default() Config {
	return Config{
		WaitingAreaCapacity:  6,
		FastPileCount:        2,
		TricklePileCount:     3,
		FastPilePowerKW:      30,
		TricklePilePowerKW:   7,
		PeakPrice:            1.00,
		NormalPrice:          0.70,
		ValleyPrice:          0.40,
		ServicePrice:         0.80,
		DispatchInterval:     500 * time.Millisecond,
		EventDrainInterval:   2 * time.Second,
		ProgressInterval:     10 * time.Second,
		PromotionInterval:    5 * time.Second,
		TimeoutSweepInterval: 60 * time.Second,
		CompletingTimeout:    60 * time.Second,
		ChargingSpeedFactor:  1,
		RedisAddr:            "localhost:6379",
		SQLitePath:           "stationd.db",
		LogLevel:             "info",
	}
}

// Validate rejects configurations that would make dispatch or billing
// misbehave silently.
func (c *Config) Validate() error {
	if c.WaitingAreaCapacity <= 0 {
		return fmt.Errorf("config: waiting_area_capacity must be > 0, got %d", c.WaitingAreaCapacity)
	}
	if c.FastPileCount < 0 || c.TricklePileCount < 0 {
		return fmt.Errorf("config: pile counts must be >= 0 (fast=%d, trickle=%d)", c.FastPileCount, c.TricklePileCount)
	}
	if c.FastPilePowerKW <= 0 || c.TricklePilePowerKW <= 0 {
		return fmt.Errorf("config: pile power must be > 0 (fast=%v, trickle=%v)", c.FastPilePowerKW, c.TricklePilePowerKW)
	}
	if c.PeakPrice < 0 || c.NormalPrice < 0 || c.ValleyPrice < 0 || c.ServicePrice < 0 {
		return fmt.Errorf("config: tariff rates must be >= 0")
	}
	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"dispatch_interval", c.DispatchInterval},
		{"event_drain_interval", c.EventDrainInterval},
		{"progress_interval", c.ProgressInterval},
		{"promotion_interval", c.PromotionInterval},
		{"timeout_sweep_interval", c.TimeoutSweepInterval},
		{"completing_timeout", c.CompletingTimeout},
	} {
		if iv.d <= 0 {
			return fmt.Errorf("config: %s must be > 0, got %v", iv.name, iv.d)
		}
	}
	if c.ChargingSpeedFactor <= 0 {
		return fmt.Errorf("config: charging_speed_factor must be > 0, got %v", c.ChargingSpeedFactor)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: redis_addr must be set")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("config: sqlite_path must be set")
	}
	return nil
}

// Rates is the tariff view consumed by the billing calculator.
type Rates struct {
	Peak    float64
	Normal  float64
	Valley  float64
	Service float64
}

// Rates returns the configured tariff rates.
func (c *Config) Rates() Rates {
	return Rates{Peak: c.PeakPrice, Normal: c.NormalPrice, Valley: c.ValleyPrice, Service: c.ServicePrice}
}
