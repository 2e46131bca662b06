package order

import (
	"errors"
	"strings"
	"time"

	"captain-core/internal/domain/geo"
)

var (
	ErrIDRequired        = errors.New("order id is required")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Order is a delivery job as seen by the captain. Orders arrive in the bulk
// available list, as a single offer push, or as a status update referencing
// an existing id.
type Order struct {
	ID            string
	Number        string
	CustomerName  string
	CustomerPhone string
	Address       string
	Total         float64
	Priority      Priority
	Status        Status
	Pickup        geo.Point
	Dropoff       geo.Point
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// New constructs an offered Order with sane defaults.
func New(id, number string, priority Priority) (*Order, error) {
	if id = strings.TrimSpace(id); id == "" {
		return nil, ErrIDRequired
	}
	if !priority.Valid() {
		return nil, ErrInvalidPriority
	}
	now := time.Now().UTC()
	return &Order{
		ID:        id,
		Number:    number,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NewPlaceholder builds a minimal Order for a status update referencing an id
// the client does not hold, typically because the preceding offer push was
// missed across a reconnect.
func NewPlaceholder(id string, status Status) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:        id,
		Priority:  PriorityNormal,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AdvanceTo moves the order to next if the transition table allows it.
// Invalid transitions are rejected, never coerced.
func (o *Order) AdvanceTo(next Status) error {
	if !next.Valid() {
		return ErrInvalidStatus
	}
	if !o.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	o.Status = next
	o.touch()
	return nil
}

// ApplyStatus overwrites the status from a server-confirmed update without
// table validation; the server is authoritative for pushes it originates.
func (o *Order) ApplyStatus(status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	o.Status = status
	o.touch()
	return nil
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}
