// SPDX-License-Identifier: MIT

// Package billing computes tariff-segmented charging fees. The
// calculation is pure: same inputs always give the same outputs.
package billing

import (
	"math"
	"time"

	"github.com/evgrid/stationd/internal/config"
)

// Bucket is a tariff class for a calendar time.
type Bucket string

const (
	BucketPeak   Bucket = "peak"   // [10:00,15:00) and [18:00,21:00)
	BucketNormal Bucket = "normal" // everything else
	BucketValley Bucket = "valley" // [23:00,24:00) and [00:00,07:00)
)

// Tariff boundaries, in local hours. Segments never cross one.
var boundaryHours = []int{0, 7, 10, 15, 18, 21, 23}

// Fees is the result of one fee calculation, rounded to 2 decimals.
type Fees struct {
	ChargingFee float64
	ServiceFee  float64
	TotalFee    float64
}

// BucketOf returns the tariff bucket containing t.
func BucketOf(t time.Time) Bucket {
	h := t.Hour()
	switch {
	case (h >= 10 && h < 15) || (h >= 18 && h < 21):
		return BucketPeak
	case h >= 23 || h < 7:
		return BucketValley
	default:
		return BucketNormal
	}
}

// nextBoundary returns the first tariff boundary strictly after t.
func nextBoundary(t time.Time) time.Time {
	for _, h := range boundaryHours {
		b := time.Date(t.Year(), t.Month(), t.Day(), h, 0, 0, 0, t.Location())
		if b.After(t) {
			return b
		}
	}
	// Past 23:00: next boundary is midnight of the following day.
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// Calculate partitions [start, end] at tariff boundaries, allocates
// actualKWH to each segment proportionally to its duration, and prices
// each segment at the rate of its bucket. Zero-energy or inverted
// windows yield zero fees.
func Calculate(rates config.Rates, start, end time.Time, actualKWH float64) Fees {
	if actualKWH <= 0 || start.IsZero() || end.IsZero() || !start.Before(end) {
		return Fees{}
	}

	total := end.Sub(start).Seconds()
	charging := 0.0
	for cur := start; cur.Before(end); {
		next := nextBoundary(cur)
		if next.After(end) {
			next = end
		}
		segKWH := actualKWH * next.Sub(cur).Seconds() / total
		charging += segKWH * rate(rates, BucketOf(cur))
		cur = next
	}

	fees := Fees{
		ChargingFee: round2(charging),
		ServiceFee:  round2(actualKWH * rates.Service),
	}
	fees.TotalFee = round2(fees.ChargingFee + fees.ServiceFee)
	return fees
}

func rate(r config.Rates, b Bucket) float64 {
	switch b {
	case BucketPeak:
		return r.Peak
	case BucketValley:
		return r.Valley
	default:
		return r.Normal
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round4 rounds energy values to the 4-decimal precision used for
// persisted kWh figures.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
