package contracts

import (
	"time"

	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
)

// Outbound message types (captain -> dispatch).
const (
	TypeAuthenticate        = "authenticate"
	TypeCaptainOnline       = "captain_online"
	TypeCaptainOffline      = "captain_offline"
	TypeCaptainStatusUpdate = "captain_status_update"
	TypeDriverLocation      = "driver_location_update"
	TypeOrderStatusUpdate   = "order_status_update"
	TypePing                = "ping"
)

// Inbound message types (dispatch -> captain).
const (
	TypeAuthenticated   = "authenticated"
	TypeAuthFailed      = "auth_failed"
	TypeNewOrder        = "new_order_available"
	TypeLocationRequest = "captain_location_update"
	TypeWelcome         = "welcome"
)

// Authenticate is the handshake payload, sent as the first frame after the
// transport opens. No business traffic is valid before the reply.
type Authenticate struct {
	CaptainID string `json:"captain_id"`
	Token     string `json:"token"`
	Envelope
}

// CaptainStatus announces availability plus a free-text status line.
type CaptainStatus struct {
	Available  bool   `json:"available"`
	StatusText string `json:"status_text,omitempty"`
	Envelope
}

// LocationUpdate is the periodic position report.
type LocationUpdate struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	SpeedKmh   float64   `json:"speed_kmh,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Envelope
}

// LocationUpdateFrom builds the wire payload from a sample.
func LocationUpdateFrom(s geo.Sample) LocationUpdate {
	return LocationUpdate{
		Lat:        s.Lat,
		Lng:        s.Lng,
		AccuracyM:  s.AccuracyM,
		SpeedKmh:   s.SpeedKmh,
		HeadingDeg: s.HeadingDeg,
		Timestamp:  s.CapturedAt,
		Envelope:   NewEnvelope(),
	}
}

// OrderStatusUpdate is the captain-driven order transition broadcast.
type OrderStatusUpdate struct {
	OrderID  string     `json:"order_id"`
	Status   string     `json:"status"`
	Notes    string     `json:"notes,omitempty"`
	Location *geo.Point `json:"location,omitempty"`
	Envelope
}

// AuthResult is the payload of authenticated / auth_failed replies.
type AuthResult struct {
	CaptainID string `json:"captain_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// OrderStatusPush is the inbound order_status_update payload.
type OrderStatusPush struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// LocationRequest asks the captain to report position immediately.
type LocationRequest struct {
	Reason string `json:"reason,omitempty"`
}

// OrderPush is the wire shape of an order, used both in the bulk available
// list and in new_order_available offers.
type OrderPush struct {
	ID            string    `json:"id"`
	Number        string    `json:"number,omitempty"`
	CustomerName  string    `json:"customer_name,omitempty"`
	CustomerPhone string    `json:"customer_phone,omitempty"`
	Address       string    `json:"address,omitempty"`
	Total         float64   `json:"total,omitempty"`
	Priority      string    `json:"priority,omitempty"`
	Status        string    `json:"status,omitempty"`
	Pickup        geo.Point `json:"pickup"`
	Dropoff       geo.Point `json:"dropoff"`
	Notes         string    `json:"notes,omitempty"`
}

// ToOrder converts the wire shape into a domain Order. Missing status
// defaults to pending, missing priority to normal.
func (p OrderPush) ToOrder() (*order.Order, error) {
	priority, err := order.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}
	status := order.StatusPending
	if p.Status != "" {
		status, err = order.ParseStatus(p.Status)
		if err != nil {
			return nil, err
		}
	}

	o, err := order.New(p.ID, p.Number, priority)
	if err != nil {
		return nil, err
	}
	o.CustomerName = p.CustomerName
	o.CustomerPhone = p.CustomerPhone
	o.Address = p.Address
	o.Total = p.Total
	o.Status = status
	o.Pickup = p.Pickup
	o.Dropoff = p.Dropoff
	o.Notes = p.Notes
	return o, nil
}
