package order

import (
	"errors"
	"strings"
)

// Priority is the delivery urgency class set by the customer.
type Priority string

const (
	PriorityNormal  Priority = "normal"
	PriorityExpress Priority = "express"
	PriorityUrgent  Priority = "urgent"
)

var ErrInvalidPriority = errors.New("invalid order priority")

// ParsePriority normalizes and validates a priority string. An empty input
// defaults to normal.
func ParsePriority(in string) (Priority, error) {
	in = strings.ToLower(strings.TrimSpace(in))
	if in == "" {
		return PriorityNormal, nil
	}
	priority := Priority(in)
	if priority.Valid() {
		return priority, nil
	}
	return "", ErrInvalidPriority
}

// Valid reports whether priority is one of the allowed constants.
func (priority Priority) Valid() bool {
	switch priority {
	case PriorityNormal, PriorityExpress, PriorityUrgent:
		return true
	default:
		return false
	}
}

// String returns the string representation of the Priority.
func (priority Priority) String() string {
	return string(priority)
}
