// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/evgrid/stationd/internal/log"
	"github.com/rs/zerolog"
)

// ParseString reads a string from an environment variable or returns the
// default value. The source is logged for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if strings.Contains(strings.ToLower(key), "password") {
			logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
		} else {
			logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
		}
		return value
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer environment variable or returns the default.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			logger.Debug().Str("key", key).Int("value", parsed).Str("source", "environment").Msg("using environment variable")
			return parsed
		}
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid integer, using default")
	}
	return defaultValue
}

// ParseFloat reads a float environment variable or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			logger.Debug().Str("key", key).Float64("value", parsed).Str("source", "environment").Msg("using environment variable")
			return parsed
		}
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid float, using default")
	}
	return defaultValue
}

// ParseDuration reads a duration environment variable or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			logger.Debug().Str("key", key).Dur("value", parsed).Str("source", "environment").Msg("using environment variable")
			return parsed
		}
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
	}
	return defaultValue
}

// FromEnv applies environment overrides on top of the given config.
func FromEnv(c Config) Config {
	c.WaitingAreaCapacity = ParseInt("STATIOND_WAITING_AREA_CAPACITY", c.WaitingAreaCapacity)
	c.FastPileCount = ParseInt("STATIOND_FAST_PILE_COUNT", c.FastPileCount)
	c.TricklePileCount = ParseInt("STATIOND_TRICKLE_PILE_COUNT", c.TricklePileCount)
	c.FastPilePowerKW = ParseFloat("STATIOND_FAST_PILE_POWER_KW", c.FastPilePowerKW)
	c.TricklePilePowerKW = ParseFloat("STATIOND_TRICKLE_PILE_POWER_KW", c.TricklePilePowerKW)
	c.PeakPrice = ParseFloat("STATIOND_PEAK_PRICE", c.PeakPrice)
	c.NormalPrice = ParseFloat("STATIOND_NORMAL_PRICE", c.NormalPrice)
	c.ValleyPrice = ParseFloat("STATIOND_VALLEY_PRICE", c.ValleyPrice)
	c.ServicePrice = ParseFloat("STATIOND_SERVICE_PRICE", c.ServicePrice)
	c.DispatchInterval = ParseDuration("STATIOND_DISPATCH_INTERVAL", c.DispatchInterval)
	c.EventDrainInterval = ParseDuration("STATIOND_EVENT_DRAIN_INTERVAL", c.EventDrainInterval)
	c.ProgressInterval = ParseDuration("STATIOND_PROGRESS_INTERVAL", c.ProgressInterval)
	c.PromotionInterval = ParseDuration("STATIOND_PROMOTION_INTERVAL", c.PromotionInterval)
	c.TimeoutSweepInterval = ParseDuration("STATIOND_TIMEOUT_SWEEP_INTERVAL", c.TimeoutSweepInterval)
	c.CompletingTimeout = ParseDuration("STATIOND_COMPLETING_TIMEOUT", c.CompletingTimeout)
	c.ChargingSpeedFactor = ParseFloat("STATIOND_CHARGING_SPEED_FACTOR", c.ChargingSpeedFactor)
	c.RedisAddr = ParseString("STATIOND_REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = ParseString("STATIOND_REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = ParseInt("STATIOND_REDIS_DB", c.RedisDB)
	c.SQLitePath = ParseString("STATIOND_SQLITE_PATH", c.SQLitePath)
	c.MetricsAddr = ParseString("STATIOND_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = ParseString("STATIOND_LOG_LEVEL", c.LogLevel)
	return c
}
