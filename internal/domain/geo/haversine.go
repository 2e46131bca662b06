package geo

import (
	"errors"
	"math"
	"time"
)

const earthRadiusM = 6371000.0

var (
	ErrNonPositiveSpeed = errors.New("assumed speed must be positive")
	ErrNegativeDistance = errors.New("distance cannot be negative")
)

// HaversineMeters returns the great-circle distance in meters between two
// points specified in decimal degrees.
func HaversineMeters(a, b Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c
}

// EstimateArrival projects distance over an assumed speed. This is a planning
// estimate, not a routed ETA.
func EstimateArrival(distanceM, assumedSpeedKmh float64) (time.Duration, error) {
	if assumedSpeedKmh <= 0 {
		return 0, ErrNonPositiveSpeed
	}
	if distanceM < 0 {
		return 0, ErrNegativeDistance
	}
	hours := (distanceM / 1000.0) / assumedSpeedKmh
	return time.Duration(hours * float64(time.Hour)), nil
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
