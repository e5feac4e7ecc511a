// Package pricing computes the credit cost of a completed analysis from the
// file size and elapsed processing time. The two tables below are the pricing
// contract; changing a value changes what users are billed.
package pricing

import (
	"time"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

const (
	kib = 1024
	mib = 1024 * kib
)

// All bucket upper bounds are exclusive: a file of exactly 0.5 MiB lands in
// the next bucket up.
var sizeBuckets = []struct {
	below   int64
	credits int
	label   string
}{
	{mib / 2, 2, "tiny"},
	{5 * mib, 5, "small"},
	{20 * mib, 10, "medium"},
	{50 * mib, 20, "large"},
}

const (
	sizeMaxCredits = 35
	sizeMaxLabel   = "huge"
)

var timeBuckets = []struct {
	below   float64
	credits int
	label   string
}{
	{10, 0, "quick"},
	{30, 3, "normal"},
	{60, 7, "slow"},
	{120, 15, "heavy"},
}

const (
	timeMaxCredits = 25
	timeMaxLabel   = "extreme"
)

// SizeCredits returns the size component of the price and its tier label.
func SizeCredits(bytes int64) (int, string) {
	for _, b := range sizeBuckets {
		if bytes < b.below {
			return b.credits, b.label
		}
	}
	return sizeMaxCredits, sizeMaxLabel
}

// TimeCredits returns the time component of the price and its tier label.
func TimeCredits(seconds float64) (int, string) {
	for _, b := range timeBuckets {
		if seconds < b.below {
			return b.credits, b.label
		}
	}
	return timeMaxCredits, timeMaxLabel
}

// Price computes the full breakdown for a job. Both components are integral,
// so the total is their exact sum.
func Price(fileSize int64, elapsed time.Duration) models.CreditBreakdown {
	sizeCredits, sizeTier := SizeCredits(fileSize)
	timeCredits, timeTier := TimeCredits(elapsed.Seconds())
	return models.CreditBreakdown{
		SizeTier:    sizeTier,
		TimeTier:    timeTier,
		SizeCredits: sizeCredits,
		TimeCredits: timeCredits,
		Total:       sizeCredits + timeCredits,
	}
}
