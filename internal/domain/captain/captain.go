package captain

import (
	"errors"
	"strings"
	"time"
)

var ErrIDRequired = errors.New("captain id is required")

// Profile is the captain's account data. It is mutated only via a completed
// login or a confirmed profile-update response; every other component reads
// snapshot copies.
type Profile struct {
	ID              string
	Name            string
	Phone           string
	VehicleType     string
	Rating          float64
	TotalDeliveries int
	UpdatedAt       time.Time
}

// NewProfile constructs a Profile with sane defaults.
func NewProfile(id, name string) (*Profile, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrIDRequired
	}
	return &Profile{
		ID:        id,
		Name:      strings.TrimSpace(name),
		Rating:    5.0,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// DailyStats are the per-day counters shown on the captain's dashboard.
// They reset when the session observes a day rollover.
type DailyStats struct {
	Day       string // YYYY-MM-DD in the device's timezone
	Completed int
	Rejected  int
	Earnings  float64
}

// RecordDelivery bumps the completed counter and earnings.
func (s *DailyStats) RecordDelivery(total float64) {
	s.Completed++
	if total > 0 {
		s.Earnings += total
	}
}

// RecordRejection bumps the rejected counter.
func (s *DailyStats) RecordRejection() {
	s.Rejected++
}
