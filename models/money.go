package models

import "math"

// Round2 rounds a money amount to cents.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ConversionRate is subscriptions per click as a percentage, rounded to cents.
func ConversionRate(subscriptions, clicks int) float64 {
	if clicks == 0 {
		return 0
	}
	return Round2(float64(subscriptions) / float64(clicks) * 100)
}
