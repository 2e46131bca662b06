package geo

import (
	"errors"
	"time"
)

var (
	ErrNegativeAccuracy = errors.New("accuracy_m cannot be negative")
	ErrInvalidHeading   = errors.New("heading_deg must be between 0 and 360")
	ErrNegativeSpeed    = errors.New("speed_kmh cannot be negative")
	ErrZeroTimestamp    = errors.New("captured_at is required")
)

// Sample is a single position fix. Only the most recent sample is retained
// by the core; history is not kept on the device.
type Sample struct {
	Point
	AccuracyM  float64   `json:"accuracy_m"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate checks invariants of the Sample.
func (s Sample) Validate() error {
	if err := s.Point.Validate(); err != nil {
		return err
	}
	if s.AccuracyM < 0 {
		return ErrNegativeAccuracy
	}
	if s.HeadingDeg < 0 || s.HeadingDeg > 360 {
		return ErrInvalidHeading
	}
	if s.SpeedKmh < 0 {
		return ErrNegativeSpeed
	}
	if s.CapturedAt.IsZero() {
		return ErrZeroTimestamp
	}
	return nil
}
