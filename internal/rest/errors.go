package rest

import "errors"

var (
	// ErrConflict means the server refused an accept because another captain
	// already took the order.
	ErrConflict = errors.New("order already taken")
	// ErrUnauthorized means the credential was rejected; a fresh login is
	// required.
	ErrUnauthorized = errors.New("credential rejected")
	// ErrNotFound means the referenced order is unknown to the server.
	ErrNotFound = errors.New("order not found")
)
