package order

import (
	"errors"
	"strings"
)

// Status is a captain-side order status as carried on the wire.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusAtPickup   Status = "at_pickup"
	StatusPickedUp   Status = "picked_up"
	StatusInDelivery Status = "in_delivery"
	StatusDelivered  Status = "delivered"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

var ErrInvalidStatus = errors.New("invalid order status")

// ParseStatus normalizes (lowercases+trims) and validates a status string.
func ParseStatus(in string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(in)))
	if status.Valid() {
		return status, nil
	}
	return "", ErrInvalidStatus
}

// Valid reports whether status is one of the allowed order status constants.
func (status Status) Valid() bool {
	switch status {
	case StatusPending, StatusAccepted, StatusAtPickup, StatusPickedUp,
		StatusInDelivery, StatusDelivered, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Status.
func (status Status) String() string {
	return string(status)
}

// Terminal indicates if the status is in a terminal/completed state.
func (status Status) Terminal() bool {
	return status == StatusDelivered || status == StatusRejected || status == StatusCancelled
}

// Active indicates if an order in this status occupies the captain's
// single active-order slot.
func (status Status) Active() bool {
	switch status {
	case StatusAccepted, StatusAtPickup, StatusPickedUp, StatusInDelivery:
		return true
	default:
		return false
	}
}

// CanTransitionTo specifies if the status can transition to the next status.
// Pickup states are mandatory intermediates: accepted cannot jump straight
// to in_delivery. Cancellation is reachable only from the active states.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusAccepted || next == StatusRejected

	case StatusAccepted:
		return next == StatusAtPickup || next == StatusPickedUp || next == StatusCancelled

	case StatusAtPickup:
		return next == StatusPickedUp || next == StatusInDelivery || next == StatusCancelled

	case StatusPickedUp:
		return next == StatusInDelivery || next == StatusCancelled

	case StatusInDelivery:
		return next == StatusDelivered || next == StatusCancelled

	case StatusDelivered, StatusRejected, StatusCancelled:
		return false

	default:
		return false
	}
}
