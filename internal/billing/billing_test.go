// SPDX-License-Identifier: MIT

package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/evgrid/stationd/internal/config"
)

var testRates = config.Rates{Peak: 1.00, Normal: 0.70, Valley: 0.40, Service: 0.80}

func at(hour, min int) time.Time {
	return time.Date(2026, 3, 10, hour, min, 0, 0, time.UTC)
}

func TestBucketOf(t *testing.T) {
	cases := []struct {
		hour, min int
		want      Bucket
	}{
		{10, 0, BucketPeak},
		{14, 59, BucketPeak},
		{15, 0, BucketNormal},
		{18, 0, BucketPeak},
		{20, 59, BucketPeak},
		{21, 0, BucketNormal},
		{23, 0, BucketValley},
		{0, 0, BucketValley},
		{6, 59, BucketValley},
		{7, 0, BucketNormal},
		{9, 30, BucketNormal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BucketOf(at(tc.hour, tc.min)), "hour=%d min=%d", tc.hour, tc.min)
	}
}

func TestCalculateSinglePeakSegment(t *testing.T) {
	fees := Calculate(testRates, at(10, 0), at(11, 0), 15)
	assert.Equal(t, 15.00, fees.ChargingFee)
	assert.Equal(t, 12.00, fees.ServiceFee)
	assert.Equal(t, 27.00, fees.TotalFee)
}

func TestCalculateCrossesTariffBoundary(t *testing.T) {
	// 09:00-10:30: one normal hour, then half a peak hour. Energy is
	// allocated proportionally to segment duration.
	fees := Calculate(testRates, at(9, 0), at(10, 30), 15)
	assert.Equal(t, 12.00, fees.ChargingFee) // 10 kWh * 0.70 + 5 kWh * 1.00
	assert.Equal(t, 12.00, fees.ServiceFee)
	assert.Equal(t, 24.00, fees.TotalFee)
}

func TestCalculateValleyAcrossMidnight(t *testing.T) {
	start := at(23, 0)
	end := start.Add(2 * time.Hour)
	fees := Calculate(testRates, start, end, 14)
	assert.Equal(t, 5.60, fees.ChargingFee)
	assert.Equal(t, 11.20, fees.ServiceFee)
	assert.Equal(t, 16.80, fees.TotalFee)
}

func TestCalculateEveningPeakToNormal(t *testing.T) {
	fees := Calculate(testRates, at(20, 0), at(22, 0), 10)
	assert.Equal(t, 8.50, fees.ChargingFee) // 5 kWh * 1.00 + 5 kWh * 0.70
	assert.Equal(t, 8.00, fees.ServiceFee)
	assert.Equal(t, 16.50, fees.TotalFee)
}

func TestCalculateDegenerateInputs(t *testing.T) {
	assert.Equal(t, Fees{}, Calculate(testRates, at(10, 0), at(11, 0), 0))
	assert.Equal(t, Fees{}, Calculate(testRates, at(11, 0), at(10, 0), 5))
	assert.Equal(t, Fees{}, Calculate(testRates, at(10, 0), at(10, 0), 5))
	assert.Equal(t, Fees{}, Calculate(testRates, time.Time{}, at(10, 0), 5))
}

func TestRound4(t *testing.T) {
	assert.Equal(t, 1.2346, Round4(1.23456))
	assert.Equal(t, 0.0, Round4(0))
	assert.Equal(t, 2.5, Round4(2.5))
}
