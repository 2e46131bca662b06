package session

import (
	"context"
	"errors"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/dispatch"
	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
	"captain-core/internal/eventbus"
	"captain-core/internal/rest"
)

// SetAvailability flips the availability flag, starts or stops location
// sampling, and announces the change to the server when the transport is
// authenticated. It never touches connection state; availability and
// connectivity are independent axes.
func (s *Session) SetAvailability(ctx context.Context, available bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.available == available {
		s.mu.Unlock()
		return nil
	}
	s.available = available
	s.mu.Unlock()

	if available {
		if err := s.sampler.Start(ctx); err != nil {
			// Sampling degrades, the session stays available.
			s.logger.Warn(ctx, "availability_sampler_degraded", "Available without location sampling", map[string]any{
				"error": err.Error(),
			})
		}
	} else {
		s.sampler.Stop()
	}

	s.announceAvailability(ctx, available)
	s.bus.Publish(eventbus.EventAvailabilityChanged, available)
	s.persist()
	return nil
}

// announceAvailability sends the online/offline notice plus the status
// update. Not being authenticated is not an error; the state is re-announced
// after the next successful handshake.
func (s *Session) announceAvailability(ctx context.Context, available bool) {
	notice := contracts.TypeCaptainOffline
	if available {
		notice = contracts.TypeCaptainOnline
	}
	if err := s.transport.Send(notice, contracts.NewEnvelope()); err != nil {
		if !errors.Is(err, dispatch.ErrNotAuthenticated) {
			s.logger.Warn(ctx, "availability_notice_failed", "Failed to send availability notice", map[string]any{
				"error": err.Error(),
			})
		}
		return
	}
	_ = s.transport.Send(contracts.TypeCaptainStatusUpdate, contracts.CaptainStatus{
		Available: available,
		Envelope:  contracts.NewEnvelope(),
	})
}

// AcceptOffer claims a pending offer. The accept is applied locally first so
// the captain sees immediate feedback, then confirmed with the server; a
// conflict rolls the local state back and restores the offer.
func (s *Session) AcceptOffer(ctx context.Context, orderID string) error {
	ctx = log.WithOrderID(ctx, orderID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active != nil {
		s.mu.Unlock()
		return &ValidationError{Op: "accept", OrderID: orderID, Reason: ErrActiveExists}
	}
	idx := s.offerIndexLocked(orderID)
	if idx < 0 {
		s.mu.Unlock()
		return &ValidationError{Op: "accept", OrderID: orderID, Reason: ErrNotOffered}
	}
	o := s.offered[idx]
	if o.Status != order.StatusPending {
		s.mu.Unlock()
		return &ValidationError{Op: "accept", OrderID: orderID, Reason: ErrOfferNotReady}
	}

	// Optimistic accept: slot filled and offer removed before the round trip.
	if err := o.AdvanceTo(order.StatusAccepted); err != nil {
		s.mu.Unlock()
		return &ValidationError{Op: "accept", OrderID: orderID, Reason: err}
	}
	s.offered = append(s.offered[:idx:idx], s.offered[idx+1:]...)
	s.active = o
	accepted := *o
	s.mu.Unlock()

	s.bus.Publish(eventbus.EventOrderAccepted, accepted)

	if err := s.api.AcceptOrder(ctx, s.captainID, orderID); err != nil {
		s.rollbackAccept(ctx, orderID, err)
		if errors.Is(err, rest.ErrConflict) {
			return &ConflictError{OrderID: orderID}
		}
		return err
	}

	s.broadcastOrderStatus(ctx, orderID, order.StatusAccepted, "")
	s.logger.Info(ctx, "offer_accepted", "Offer accepted", map[string]any{
		"order_id": orderID,
	})
	s.persist()
	return nil
}

// rollbackAccept undoes an optimistic accept: the slot is cleared and the
// offer returns to the list as pending. On a conflict the offered list is
// re-queried afterwards, since the server view has moved on.
func (s *Session) rollbackAccept(ctx context.Context, orderID string, cause error) {
	s.mu.Lock()
	if s.active != nil && s.active.ID == orderID {
		o := s.active
		s.active = nil
		o.Status = order.StatusPending
		if s.offerIndexLocked(orderID) < 0 {
			s.offered = append(s.offered, o)
		}
	}
	s.mu.Unlock()

	s.logger.Warn(ctx, "offer_accept_rolled_back", "Server refused the accept, local state rolled back", map[string]any{
		"order_id": orderID,
		"error":    cause.Error(),
	})
	s.bus.Publish(eventbus.EventOrderAcceptFailed, eventbus.AcceptFailure{
		OrderID: orderID,
		Reason:  cause.Error(),
		Err:     cause,
	})

	if errors.Is(cause, rest.ErrConflict) {
		s.RefreshOffers(ctx)
	}
}

// RejectOffer refuses a pending offer. The local removal happens regardless
// of the server call outcome; a refused offer never comes back.
func (s *Session) RejectOffer(ctx context.Context, orderID string) error {
	ctx = log.WithOrderID(ctx, orderID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	idx := s.offerIndexLocked(orderID)
	if idx < 0 {
		s.mu.Unlock()
		return &ValidationError{Op: "reject", OrderID: orderID, Reason: ErrNotOffered}
	}
	o := s.offered[idx]
	s.offered = append(s.offered[:idx:idx], s.offered[idx+1:]...)
	o.Status = order.StatusRejected
	s.rollStatsLocked()
	s.stats.RecordRejection()
	rejected := *o
	s.mu.Unlock()

	s.bus.Publish(eventbus.EventOrderRejected, rejected)

	if err := s.api.RejectOrder(ctx, s.captainID, orderID); err != nil {
		s.logger.Warn(ctx, "offer_reject_failed", "Server reject call failed, offer dropped locally anyway", map[string]any{
			"error": err.Error(),
		})
		return err
	}
	s.logger.Info(ctx, "offer_rejected", "Offer rejected", nil)
	return nil
}

// Advance moves the active order along the lifecycle table. The server is
// told first; the local state only changes on a confirmed update. The current
// position, when one is known, rides along with the report.
func (s *Session) Advance(ctx context.Context, orderID string, next order.Status, notes string) error {
	ctx = log.WithOrderID(ctx, orderID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.active == nil || s.active.ID != orderID {
		s.mu.Unlock()
		return &ValidationError{Op: "advance", OrderID: orderID, Reason: ErrNotActive}
	}
	if !next.Valid() {
		s.mu.Unlock()
		return &ValidationError{Op: "advance", OrderID: orderID, Reason: order.ErrInvalidStatus}
	}
	if !s.active.Status.CanTransitionTo(next) {
		s.mu.Unlock()
		return &ValidationError{Op: "advance", OrderID: orderID, Reason: order.ErrInvalidTransition}
	}
	s.mu.Unlock()

	var loc *geo.Point
	if sample, ok := s.sampler.Current(); ok {
		p := sample.Point
		loc = &p
	}

	if err := s.api.UpdateOrderStatus(ctx, s.captainID, orderID, next, notes, loc); err != nil {
		s.logger.Error(ctx, "order_advance_failed", "Server refused the status update", err, map[string]any{
			"next": next.String(),
		})
		return err
	}

	s.mu.Lock()
	if s.active == nil || s.active.ID != orderID {
		// A server push moved the order while we waited on the confirm.
		s.mu.Unlock()
		return nil
	}
	if err := s.active.AdvanceTo(next); err != nil {
		s.mu.Unlock()
		return &ValidationError{Op: "advance", OrderID: orderID, Reason: err}
	}
	advanced := *s.active
	if next.Terminal() {
		s.active = nil
		if next == order.StatusDelivered {
			s.rollStatsLocked()
			s.stats.RecordDelivery(advanced.Total)
		}
	}
	s.mu.Unlock()

	s.broadcastOrderStatus(ctx, orderID, next, notes)
	s.bus.Publish(eventbus.EventOrderAdvanced, advanced)
	s.logger.Info(ctx, "order_advanced", "Order status advanced", map[string]any{
		"status": next.String(),
	})
	s.persist()
	return nil
}

// RefreshOffers replaces the offered list with the server's current view,
// keeping only pending orders and never touching the active slot.
func (s *Session) RefreshOffers(ctx context.Context) {
	orders, err := s.api.ListAvailableOrders(ctx, s.captainID)
	if err != nil {
		s.logger.Warn(ctx, "offers_refresh_failed", "Failed to refresh the offered list", map[string]any{
			"error": err.Error(),
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	activeID := ""
	if s.active != nil {
		activeID = s.active.ID
	}
	known := make(map[string]bool, len(s.offered))
	for _, o := range s.offered {
		known[o.ID] = true
	}

	fresh := make([]*order.Order, 0, len(orders))
	var added []order.Order
	for _, o := range orders {
		if o.ID == activeID || o.Status != order.StatusPending {
			continue
		}
		fresh = append(fresh, o)
		if !known[o.ID] {
			added = append(added, *o)
		}
	}
	s.offered = fresh
	s.mu.Unlock()

	for _, o := range added {
		s.bus.Publish(eventbus.EventOrderOffered, o)
	}
}

// broadcastOrderStatus mirrors a confirmed transition onto the socket. A
// send failure here is tolerable; the REST confirm already happened.
func (s *Session) broadcastOrderStatus(ctx context.Context, orderID string, status order.Status, notes string) {
	msg := contracts.OrderStatusUpdate{
		OrderID:  orderID,
		Status:   status.String(),
		Notes:    notes,
		Envelope: contracts.NewEnvelope(),
	}
	if sample, ok := s.sampler.Current(); ok {
		p := sample.Point
		msg.Location = &p
	}
	if err := s.transport.Send(contracts.TypeOrderStatusUpdate, msg); err != nil && !errors.Is(err, dispatch.ErrNotAuthenticated) {
		s.logger.Warn(ctx, "order_broadcast_failed", "Failed to broadcast order status", map[string]any{
			"error": err.Error(),
		})
	}
}

func (s *Session) offerIndexLocked(orderID string) int {
	for i, o := range s.offered {
		if o.ID == orderID {
			return i
		}
	}
	return -1
}
