package session

import (
	"context"
	"encoding/json"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/dispatch"
	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
	"captain-core/internal/eventbus"
)

// register wires the session's inbound surface: socket frames and bus events.
// Called once from New; Close unwinds everything it registered.
func (s *Session) register() {
	s.wsSubs = []wsSub{
		{contracts.TypeNewOrder, s.transport.OnMessage(contracts.TypeNewOrder, s.onNewOrder)},
		{contracts.TypeOrderStatusUpdate, s.transport.OnMessage(contracts.TypeOrderStatusUpdate, s.onOrderStatusPush)},
		{contracts.TypeLocationRequest, s.transport.OnMessage(contracts.TypeLocationRequest, s.onLocationRequest)},
		{contracts.TypeWelcome, s.transport.OnMessage(contracts.TypeWelcome, s.onWelcome)},
	}
	s.busSubs = []busSub{
		{eventbus.EventLocationSample, s.bus.Subscribe(eventbus.EventLocationSample, s.onLocationSample)},
		{eventbus.EventConnectionState, s.bus.Subscribe(eventbus.EventConnectionState, s.onConnectionState)},
	}
}

// onNewOrder appends a pushed offer. Offers already held, or matching the
// active order, are deduplicated by id.
func (s *Session) onNewOrder(data json.RawMessage) {
	ctx := context.Background()

	var push contracts.OrderPush
	if err := json.Unmarshal(data, &push); err != nil {
		s.logger.Warn(ctx, "offer_push_malformed", "Discarding malformed offer push", map[string]any{
			"error": err.Error(),
		})
		return
	}
	o, err := push.ToOrder()
	if err != nil {
		s.logger.Warn(ctx, "offer_push_invalid", "Discarding invalid offer push", map[string]any{
			"order_id": push.ID,
			"error":    err.Error(),
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.active != nil && s.active.ID == o.ID {
		s.mu.Unlock()
		return
	}
	if s.offerIndexLocked(o.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	s.offered = append(s.offered, o)
	offered := *o
	s.mu.Unlock()

	s.bus.Publish(eventbus.EventOrderOffered, offered)
	s.logger.Info(log.WithOrderID(ctx, o.ID), "offer_received", "New order offered", map[string]any{
		"priority": o.Priority.String(),
	})
}

// onOrderStatusPush applies a server-originated status change wherever the
// order is held. An unknown id gets a placeholder in the offered list; the
// details are filled in by the next list refresh.
func (s *Session) onOrderStatusPush(data json.RawMessage) {
	ctx := context.Background()

	var push contracts.OrderStatusPush
	if err := json.Unmarshal(data, &push); err != nil || push.OrderID == "" {
		s.logger.Warn(ctx, "status_push_malformed", "Discarding malformed status push", nil)
		return
	}
	status, err := order.ParseStatus(push.Status)
	if err != nil {
		s.logger.Warn(log.WithOrderID(ctx, push.OrderID), "status_push_invalid", "Discarding status push with unknown status", map[string]any{
			"status": push.Status,
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	var updated order.Order
	switch {
	case s.active != nil && s.active.ID == push.OrderID:
		_ = s.active.ApplyStatus(status)
		updated = *s.active
		if status.Terminal() {
			s.active = nil
			if status == order.StatusDelivered {
				s.rollStatsLocked()
				s.stats.RecordDelivery(updated.Total)
			}
		}
	default:
		if idx := s.offerIndexLocked(push.OrderID); idx >= 0 {
			o := s.offered[idx]
			_ = o.ApplyStatus(status)
			if status != order.StatusPending {
				// The offer is no longer claimable; drop it from the list.
				s.offered = append(s.offered[:idx:idx], s.offered[idx+1:]...)
			}
			updated = *o
		} else {
			o := order.NewPlaceholder(push.OrderID, status)
			if status == order.StatusPending {
				s.offered = append(s.offered, o)
			}
			updated = *o
		}
	}
	s.mu.Unlock()

	s.bus.Publish(eventbus.EventOrderUpdated, updated)
	s.logger.Info(log.WithOrderID(ctx, push.OrderID), "status_push_applied", "Server status update applied", map[string]any{
		"status": status.String(),
	})
}

// onLocationRequest answers a server nudge with the freshest sample,
// bypassing the min-distance gate.
func (s *Session) onLocationRequest(json.RawMessage) {
	sample, ok := s.sampler.Current()
	if !ok {
		s.logger.Debug(context.Background(), "location_request_unanswered", "Server asked for a position but none is known", nil)
		return
	}
	s.sendLocation(sample)
}

func (s *Session) onWelcome(json.RawMessage) {
	s.logger.Debug(context.Background(), "dispatch_welcome", "Dispatch welcome received", nil)
}

// onLocationSample forwards published samples to the server. Forwarding is
// gated on availability and an authenticated transport; local reads keep
// working either way.
func (s *Session) onLocationSample(e eventbus.Event) {
	sample, ok := e.Payload.(geo.Sample)
	if !ok {
		return
	}
	s.mu.Lock()
	forward := s.available && !s.closed
	s.mu.Unlock()
	if !forward || !s.transport.Authenticated() {
		return
	}
	s.sendLocation(sample)
}

func (s *Session) sendLocation(sample geo.Sample) {
	if err := s.transport.Send(contracts.TypeDriverLocation, contracts.LocationUpdateFrom(sample)); err != nil {
		s.logger.Debug(context.Background(), "location_forward_failed", "Failed to forward location sample", map[string]any{
			"error": err.Error(),
		})
	}
}

// onConnectionState re-announces session state after every successful
// handshake. Reconnect timing itself belongs to the transport; the session
// only reacts here.
func (s *Session) onConnectionState(e eventbus.Event) {
	state, ok := e.Payload.(dispatch.State)
	if !ok || state != dispatch.StateAuthenticated {
		return
	}

	s.mu.Lock()
	closed := s.closed
	available := s.available
	s.mu.Unlock()
	if closed {
		return
	}

	// Off the bus goroutine: the refresh does a REST round trip and the
	// emitter may be the transport's read loop.
	go func() {
		ctx := log.WithCaptainID(context.Background(), s.captainID)
		if available {
			s.announceAvailability(ctx, true)
		}
		s.RefreshOffers(ctx)
	}()
}
