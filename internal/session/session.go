package session

import (
	"context"
	"sync"
	"time"

	"captain-core/internal/common/log"
	"captain-core/internal/dispatch"
	"captain-core/internal/domain/captain"
	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
	"captain-core/internal/eventbus"
)

// Transport is the duplex dispatch connection as the session sees it. The
// session never drives reconnects; it only reacts to state events.
type Transport interface {
	Send(msgType string, payload any) error
	Authenticated() bool
	OnMessage(msgType string, fn dispatch.Handler) dispatch.HandlerID
	Off(msgType string, id dispatch.HandlerID)
	Disconnect()
}

// Dispatcher is the REST side of the dispatch service.
type Dispatcher interface {
	ListAvailableOrders(ctx context.Context, captainID string) ([]*order.Order, error)
	AcceptOrder(ctx context.Context, captainID, orderID string) error
	RejectOrder(ctx context.Context, captainID, orderID string) error
	UpdateOrderStatus(ctx context.Context, captainID, orderID string, status order.Status, notes string, loc *geo.Point) error
	UpdateLocation(ctx context.Context, captainID string, sample geo.Sample) error
}

// Locator is the sampling surface the session needs.
type Locator interface {
	Start(ctx context.Context) error
	Stop()
	Current() (geo.Sample, bool)
}

type wsSub struct {
	msgType string
	id      dispatch.HandlerID
}

type busSub struct {
	t  eventbus.Type
	id eventbus.SubID
}

// Session is the aggregate for one logged-in captain. It is the single
// writer of the profile, availability flag, offered list, active-order slot,
// and daily stats; everything external reads snapshot copies. One Session is
// constructed per login, carrying its own collaborators.
type Session struct {
	captainID string
	token     string
	profile   captain.Profile
	transport Transport
	api       Dispatcher
	sampler   Locator
	bus       *eventbus.Bus
	store     Store
	logger    *log.Logger

	mu        sync.Mutex
	closed    bool
	available bool
	offered   []*order.Order
	active    *order.Order
	stats     captain.DailyStats

	wsSubs  []wsSub
	busSubs []busSub
}

// New wires a session for an authenticated captain and registers its inbound
// handlers. The caller owns connecting the transport afterwards.
func New(profile captain.Profile, token string, transport Transport, api Dispatcher, sampler Locator, bus *eventbus.Bus, store Store, logger *log.Logger) *Session {
	if store == nil {
		store = NopStore()
	}
	s := &Session{
		captainID: profile.ID,
		token:     token,
		profile:   profile,
		transport: transport,
		api:       api,
		sampler:   sampler,
		bus:       bus,
		store:     store,
		logger:    logger,
		stats:     captain.DailyStats{Day: today()},
	}
	s.register()
	return s
}

// CaptainID returns the owning captain's identifier.
func (s *Session) CaptainID() string { return s.captainID }

// Profile returns a snapshot of the captain profile.
func (s *Session) Profile() captain.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Available reports the availability flag. It says nothing about the
// connection; a captain can be available while the transport reconnects.
func (s *Session) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Offered returns a snapshot of the offered list in arrival order.
func (s *Session) Offered() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, len(s.offered))
	for i, o := range s.offered {
		out[i] = *o
	}
	return out
}

// Active returns a snapshot of the active order, if any.
func (s *Session) Active() (order.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return order.Order{}, false
	}
	return *s.active, true
}

// Stats returns a snapshot of today's counters.
func (s *Session) Stats() captain.DailyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollStatsLocked()
	return s.stats
}

// Close tears the session down exactly once: inbound handlers first so no
// new work arrives, then the sampler, then a graceful disconnect. Safe to
// call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wsSubs := s.wsSubs
	busSubs := s.busSubs
	s.wsSubs = nil
	s.busSubs = nil
	s.mu.Unlock()

	for _, sub := range wsSubs {
		s.transport.Off(sub.msgType, sub.id)
	}
	for _, sub := range busSubs {
		s.bus.Unsubscribe(sub.t, sub.id)
	}
	s.sampler.Stop()
	s.transport.Disconnect()
	s.logger.Info(context.Background(), "session_closed", "Captain session closed", map[string]any{
		"captain_id": s.captainID,
	})
}

// --- persistence ---

func (s *Session) persist() {
	s.mu.Lock()
	r := Resume{
		CaptainID: s.captainID,
		Token:     s.token,
		Available: s.available,
	}
	if s.active != nil {
		r.ActiveOrderID = s.active.ID
	}
	s.mu.Unlock()

	if err := s.store.Save(r); err != nil {
		s.logger.Warn(context.Background(), "session_persist_failed", "Failed to save resume state", map[string]any{
			"error": err.Error(),
		})
	}
}

// rollStatsLocked resets the daily counters on a day rollover.
func (s *Session) rollStatsLocked() {
	if d := today(); s.stats.Day != d {
		s.stats = captain.DailyStats{Day: d}
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}
