package eventbus

import "time"

// Type is the closed set of event names flowing through the bus. Payload
// types are fixed per event so handlers can assert without guessing.
type Type string

const (
	// EventConnectionState carries a dispatch.State.
	EventConnectionState Type = "connection_state"
	// EventAuthFailed carries the server-supplied reason string.
	EventAuthFailed Type = "auth_failed"
	// EventConnectionLost fires once when reconnect attempts are exhausted.
	EventConnectionLost Type = "connection_lost"

	// EventOrderOffered carries an order.Order snapshot of the new offer.
	EventOrderOffered Type = "order_offered"
	// EventOrderUpdated carries an order.Order snapshot after an inbound
	// status push was applied.
	EventOrderUpdated Type = "order_updated"
	// EventOrderAccepted carries a snapshot of the optimistically accepted
	// order.
	EventOrderAccepted Type = "order_accepted"
	// EventOrderAcceptFailed carries an AcceptFailure.
	EventOrderAcceptFailed Type = "order_accept_failed"
	// EventOrderRejected carries a snapshot of the refused order.
	EventOrderRejected Type = "order_rejected"
	// EventOrderAdvanced carries an order.Order snapshot after a
	// captain-driven transition.
	EventOrderAdvanced Type = "order_advanced"

	// EventAvailabilityChanged carries the new availability bool.
	EventAvailabilityChanged Type = "availability_changed"
	// EventLocationSample carries a geo.Sample.
	EventLocationSample Type = "location_sample"
	// EventLocationError carries the sampler error, permission denial included.
	EventLocationError Type = "location_error"
	// EventProfileUpdated carries a captain.Profile snapshot.
	EventProfileUpdated Type = "profile_updated"
)

// Event is a single bus emission.
type Event struct {
	Type    Type
	Payload any
	At      time.Time
}

// AcceptFailure explains a rolled-back optimistic accept.
type AcceptFailure struct {
	OrderID string
	Reason  string
	Err     error
}
