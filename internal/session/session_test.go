package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"captain-core/internal/common/log"
	"captain-core/internal/contracts"
	"captain-core/internal/dispatch"
	"captain-core/internal/domain/captain"
	"captain-core/internal/domain/geo"
	"captain-core/internal/domain/order"
	"captain-core/internal/eventbus"
	"captain-core/internal/location"
	"captain-core/internal/rest"
)

// --- fakes ---

type sentFrame struct {
	Type    string
	Payload any
}

type fakeTransport struct {
	mu       sync.Mutex
	authed   bool
	sent     []sentFrame
	handlers map[string]map[dispatch.HandlerID]dispatch.Handler
	nextID   dispatch.HandlerID
	closed   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{authed: true, handlers: make(map[string]map[dispatch.HandlerID]dispatch.Handler)}
}

func (f *fakeTransport) Send(msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authed {
		return dispatch.ErrNotAuthenticated
	}
	f.sent = append(f.sent, sentFrame{Type: msgType, Payload: payload})
	return nil
}

func (f *fakeTransport) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed
}

func (f *fakeTransport) OnMessage(msgType string, fn dispatch.Handler) dispatch.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[msgType] == nil {
		f.handlers[msgType] = make(map[dispatch.HandlerID]dispatch.Handler)
	}
	f.handlers[msgType][f.nextID] = fn
	return f.nextID
}

func (f *fakeTransport) Off(msgType string, id dispatch.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[msgType], id)
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// push simulates an inbound frame from the server.
func (f *fakeTransport) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal push payload: %v", err)
	}
	f.mu.Lock()
	var fns []dispatch.Handler
	for _, fn := range f.handlers[msgType] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeTransport) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Type
	}
	return out
}

func (f *fakeTransport) countSent(msgType string) int {
	n := 0
	for _, t := range f.sentTypes() {
		if t == msgType {
			n++
		}
	}
	return n
}

type statusCall struct {
	OrderID string
	Status  order.Status
	Notes   string
	Loc     *geo.Point
}

type fakeAPI struct {
	mu        sync.Mutex
	acceptErr error
	rejectErr error
	updateErr error
	list      []*order.Order
	listErr   error

	accepts   []string
	rejects   []string
	updates   []statusCall
	listCalls int
}

func (f *fakeAPI) ListAvailableOrders(ctx context.Context, captainID string) ([]*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.list, f.listErr
}

func (f *fakeAPI) AcceptOrder(ctx context.Context, captainID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepts = append(f.accepts, orderID)
	return nil
}

func (f *fakeAPI) RejectOrder(ctx context.Context, captainID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectErr != nil {
		return f.rejectErr
	}
	f.rejects = append(f.rejects, orderID)
	return nil
}

func (f *fakeAPI) UpdateOrderStatus(ctx context.Context, captainID, orderID string, status order.Status, notes string, loc *geo.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, statusCall{OrderID: orderID, Status: status, Notes: notes, Loc: loc})
	return nil
}

func (f *fakeAPI) UpdateLocation(ctx context.Context, captainID string, sample geo.Sample) error {
	return nil
}

type fakeLocator struct {
	mu       sync.Mutex
	startErr error
	running  bool
	cur      *geo.Sample
	stops    int
}

func (f *fakeLocator) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeLocator) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeLocator) Current() (geo.Sample, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == nil {
		return geo.Sample{}, false
	}
	return *f.cur, true
}

// --- helpers ---

type fixture struct {
	session   *Session
	transport *fakeTransport
	api       *fakeAPI
	locator   *fakeLocator
	bus       *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := newFakeTransport()
	api := &fakeAPI{}
	locator := &fakeLocator{}
	bus := eventbus.New()

	profile, err := captain.NewProfile("cap-1", "Test Captain")
	if err != nil {
		t.Fatalf("NewProfile: %v", err)
	}
	s := New(*profile, "tok-1", transport, api, locator, bus, nil, log.New("session-test"))
	t.Cleanup(s.Close)
	return &fixture{session: s, transport: transport, api: api, locator: locator, bus: bus}
}

func offerPush(id string) contracts.OrderPush {
	return contracts.OrderPush{
		ID:       id,
		Number:   "N-" + id,
		Priority: "normal",
		Pickup:   geo.Point{Lat: 43.25, Lng: 76.95},
		Dropoff:  geo.Point{Lat: 43.26, Lng: 76.96},
		Total:    1500,
	}
}

func (fx *fixture) offer(t *testing.T, id string) {
	t.Helper()
	fx.transport.push(t, contracts.TypeNewOrder, offerPush(id))
}

// --- scenario tests ---

func TestAcceptOfferMovesToActiveSlot(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")

	if got := fx.session.Offered(); len(got) != 1 || got[0].ID != "O1" || got[0].Status != order.StatusPending {
		t.Fatalf("offered = %+v", got)
	}

	if err := fx.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	active, ok := fx.session.Active()
	if !ok || active.ID != "O1" || active.Status != order.StatusAccepted {
		t.Errorf("active = %+v, %v", active, ok)
	}
	if got := fx.session.Offered(); len(got) != 0 {
		t.Errorf("offered list not emptied: %+v", got)
	}
	fx.api.mu.Lock()
	accepts := fx.api.accepts
	fx.api.mu.Unlock()
	if len(accepts) != 1 || accepts[0] != "O1" {
		t.Errorf("server accepts = %v", accepts)
	}
	if fx.transport.countSent(contracts.TypeOrderStatusUpdate) != 1 {
		t.Errorf("order_status_update broadcasts = %d, want 1", fx.transport.countSent(contracts.TypeOrderStatusUpdate))
	}
}

func TestAcceptOfferPreconditions(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")

	var verr *ValidationError
	if err := fx.session.AcceptOffer(context.Background(), "ghost"); !errors.As(err, &verr) || !errors.Is(err, ErrNotOffered) {
		t.Errorf("accept unknown = %v, want ValidationError(ErrNotOffered)", err)
	}

	if err := fx.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	fx.offer(t, "O2")
	if err := fx.session.AcceptOffer(context.Background(), "O2"); !errors.Is(err, ErrActiveExists) {
		t.Errorf("second accept = %v, want ErrActiveExists", err)
	}
	if got := fx.session.Offered(); len(got) != 1 || got[0].ID != "O2" {
		t.Errorf("offered after refused accept = %+v", got)
	}
}

func TestAdvanceFollowsTransitionTable(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")
	if err := fx.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	// accepted cannot jump straight to in_delivery.
	err := fx.session.Advance(context.Background(), "O1", order.StatusInDelivery, "")
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("accepted->in_delivery = %v, want ErrInvalidTransition", err)
	}
	fx.api.mu.Lock()
	updates := len(fx.api.updates)
	fx.api.mu.Unlock()
	if updates != 0 {
		t.Fatalf("server was called for an invalid transition")
	}

	for _, next := range []order.Status{order.StatusPickedUp, order.StatusInDelivery} {
		if err := fx.session.Advance(context.Background(), "O1", next, ""); err != nil {
			t.Fatalf("Advance to %s: %v", next, err)
		}
	}
	active, ok := fx.session.Active()
	if !ok || active.Status != order.StatusInDelivery {
		t.Errorf("active = %+v, %v", active, ok)
	}
}

func TestAcceptConflictRollsBack(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O2")
	fx.api.mu.Lock()
	fx.api.acceptErr = rest.ErrConflict
	o2, _ := offerPush("O2").ToOrder()
	fx.api.list = []*order.Order{o2} // the re-query still lists O2
	fx.api.mu.Unlock()

	var failures []eventbus.AcceptFailure
	fx.bus.Subscribe(eventbus.EventOrderAcceptFailed, func(e eventbus.Event) {
		if f, ok := e.Payload.(eventbus.AcceptFailure); ok {
			failures = append(failures, f)
		}
	})

	err := fx.session.AcceptOffer(context.Background(), "O2")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.OrderID != "O2" {
		t.Fatalf("AcceptOffer = %v, want ConflictError for O2", err)
	}

	if _, ok := fx.session.Active(); ok {
		t.Error("active slot not cleared after conflict")
	}
	got := fx.session.Offered()
	if len(got) != 1 || got[0].ID != "O2" || got[0].Status != order.StatusPending {
		t.Errorf("offered after rollback = %+v, want O2 pending", got)
	}
	if len(failures) != 1 || failures[0].OrderID != "O2" {
		t.Errorf("accept-failed events = %+v", failures)
	}
	fx.api.mu.Lock()
	listCalls := fx.api.listCalls
	fx.api.mu.Unlock()
	if listCalls != 1 {
		t.Errorf("offered list re-queries = %d, want 1", listCalls)
	}
}

func TestPermissionDeniedDegradesSamplingOnly(t *testing.T) {
	fx := newFixture(t)
	fx.locator.mu.Lock()
	fx.locator.startErr = location.ErrPermissionDenied
	fx.locator.mu.Unlock()

	if err := fx.session.SetAvailability(context.Background(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	if !fx.session.Available() {
		t.Error("availability dropped because sampling was denied")
	}

	// Order flow is unaffected.
	fx.offer(t, "O1")
	if err := fx.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if fx.transport.countSent(contracts.TypeDriverLocation) != 0 {
		t.Error("location frames sent without any sample")
	}
}

// --- behavior beyond the scenarios ---

func TestRejectOffer(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")

	if err := fx.session.RejectOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("RejectOffer: %v", err)
	}
	if got := fx.session.Offered(); len(got) != 0 {
		t.Errorf("offered = %+v after reject", got)
	}
	if stats := fx.session.Stats(); stats.Rejected != 1 {
		t.Errorf("stats.Rejected = %d, want 1", stats.Rejected)
	}
	if err := fx.session.RejectOffer(context.Background(), "O1"); !errors.Is(err, ErrNotOffered) {
		t.Errorf("second reject = %v, want ErrNotOffered", err)
	}
}

func TestOfferDeduplicated(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")
	fx.offer(t, "O1")
	if got := fx.session.Offered(); len(got) != 1 {
		t.Errorf("offered = %+v, want a single O1", got)
	}
}

func TestDeliveredUpdatesStatsAndClearsSlot(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")
	ctx := context.Background()
	if err := fx.session.AcceptOffer(ctx, "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	steps := []order.Status{order.StatusAtPickup, order.StatusPickedUp, order.StatusInDelivery, order.StatusDelivered}
	for _, next := range steps {
		if err := fx.session.Advance(ctx, "O1", next, ""); err != nil {
			t.Fatalf("Advance to %s: %v", next, err)
		}
	}
	if _, ok := fx.session.Active(); ok {
		t.Error("active slot not cleared after delivery")
	}
	stats := fx.session.Stats()
	if stats.Completed != 1 || stats.Earnings != 1500 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAdvanceAttachesCurrentLocation(t *testing.T) {
	fx := newFixture(t)
	fx.locator.mu.Lock()
	fx.locator.cur = &geo.Sample{Point: geo.Point{Lat: 43.25, Lng: 76.95}, AccuracyM: 5, CapturedAt: time.Now()}
	fx.locator.mu.Unlock()

	fx.offer(t, "O1")
	ctx := context.Background()
	if err := fx.session.AcceptOffer(ctx, "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := fx.session.Advance(ctx, "O1", order.StatusAtPickup, "arrived"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	fx.api.mu.Lock()
	defer fx.api.mu.Unlock()
	if len(fx.api.updates) != 1 {
		t.Fatalf("updates = %+v", fx.api.updates)
	}
	upd := fx.api.updates[0]
	if upd.Status != order.StatusAtPickup || upd.Notes != "arrived" {
		t.Errorf("update = %+v", upd)
	}
	if upd.Loc == nil || upd.Loc.Lat != 43.25 {
		t.Errorf("location not attached: %+v", upd.Loc)
	}
}

func TestStatusPushOnActiveOrder(t *testing.T) {
	fx := newFixture(t)
	fx.offer(t, "O1")
	if err := fx.session.AcceptOffer(context.Background(), "O1"); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}

	fx.transport.push(t, contracts.TypeOrderStatusUpdate, contracts.OrderStatusPush{OrderID: "O1", Status: "cancelled"})

	if _, ok := fx.session.Active(); ok {
		t.Error("active slot survived a cancellation push")
	}
}

func TestStatusPushUnknownOrderCreatesPlaceholder(t *testing.T) {
	fx := newFixture(t)
	var updates []order.Order
	fx.bus.Subscribe(eventbus.EventOrderUpdated, func(e eventbus.Event) {
		if o, ok := e.Payload.(order.Order); ok {
			updates = append(updates, o)
		}
	})

	fx.transport.push(t, contracts.TypeOrderStatusUpdate, contracts.OrderStatusPush{OrderID: "mystery", Status: "pending"})

	got := fx.session.Offered()
	if len(got) != 1 || got[0].ID != "mystery" || got[0].Status != order.StatusPending {
		t.Errorf("offered = %+v, want the placeholder", got)
	}
	if len(updates) != 1 || updates[0].ID != "mystery" {
		t.Errorf("update events = %+v", updates)
	}
}

func TestAvailabilityDrivesSamplerAndNotices(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.session.SetAvailability(ctx, true); err != nil {
		t.Fatalf("SetAvailability(true): %v", err)
	}
	fx.locator.mu.Lock()
	running := fx.locator.running
	fx.locator.mu.Unlock()
	if !running {
		t.Error("sampler not started")
	}
	if fx.transport.countSent(contracts.TypeCaptainOnline) != 1 {
		t.Errorf("captain_online notices = %d, want 1", fx.transport.countSent(contracts.TypeCaptainOnline))
	}
	if fx.transport.countSent(contracts.TypeCaptainStatusUpdate) != 1 {
		t.Errorf("status updates = %d, want 1", fx.transport.countSent(contracts.TypeCaptainStatusUpdate))
	}

	// Same value again is a no-op.
	if err := fx.session.SetAvailability(ctx, true); err != nil {
		t.Fatalf("SetAvailability(true) again: %v", err)
	}
	if fx.transport.countSent(contracts.TypeCaptainOnline) != 1 {
		t.Error("repeated availability re-announced")
	}

	if err := fx.session.SetAvailability(ctx, false); err != nil {
		t.Fatalf("SetAvailability(false): %v", err)
	}
	fx.locator.mu.Lock()
	running = fx.locator.running
	fx.locator.mu.Unlock()
	if running {
		t.Error("sampler still running after going unavailable")
	}
	if fx.transport.countSent(contracts.TypeCaptainOffline) != 1 {
		t.Errorf("captain_offline notices = %d, want 1", fx.transport.countSent(contracts.TypeCaptainOffline))
	}
}

func TestLocationForwardingGates(t *testing.T) {
	fx := newFixture(t)
	sample := geo.Sample{Point: geo.Point{Lat: 43.25, Lng: 76.95}, AccuracyM: 5, CapturedAt: time.Now()}

	// Not available: sample stays local.
	fx.bus.Publish(eventbus.EventLocationSample, sample)
	if fx.transport.countSent(contracts.TypeDriverLocation) != 0 {
		t.Fatal("sample forwarded while unavailable")
	}

	if err := fx.session.SetAvailability(context.Background(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	fx.bus.Publish(eventbus.EventLocationSample, sample)
	if fx.transport.countSent(contracts.TypeDriverLocation) != 1 {
		t.Fatal("sample not forwarded while available and authenticated")
	}

	// Unauthenticated transport: forwarding pauses, no error surfaces.
	fx.transport.mu.Lock()
	fx.transport.authed = false
	fx.transport.mu.Unlock()
	fx.bus.Publish(eventbus.EventLocationSample, sample)
	if fx.transport.countSent(contracts.TypeDriverLocation) != 1 {
		t.Fatal("sample forwarded while unauthenticated")
	}
}

func TestLocationRequestAnsweredImmediately(t *testing.T) {
	fx := newFixture(t)
	fx.transport.push(t, contracts.TypeLocationRequest, contracts.LocationRequest{Reason: "stale"})
	if fx.transport.countSent(contracts.TypeDriverLocation) != 0 {
		t.Fatal("answered a location request without a sample")
	}

	fx.locator.mu.Lock()
	fx.locator.cur = &geo.Sample{Point: geo.Point{Lat: 51.1, Lng: 71.4}, AccuracyM: 4, CapturedAt: time.Now()}
	fx.locator.mu.Unlock()
	fx.transport.push(t, contracts.TypeLocationRequest, contracts.LocationRequest{Reason: "stale"})
	if fx.transport.countSent(contracts.TypeDriverLocation) != 1 {
		t.Fatal("location request not answered")
	}
}

func TestReauthenticationReannouncesState(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.SetAvailability(context.Background(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	before := fx.transport.countSent(contracts.TypeCaptainOnline)

	fx.bus.Publish(eventbus.EventConnectionState, dispatch.StateAuthenticated)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fx.api.mu.Lock()
		listed := fx.api.listCalls
		fx.api.mu.Unlock()
		if listed >= 1 && fx.transport.countSent(contracts.TypeCaptainOnline) == before+1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("state not re-announced after re-authentication")
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	if err := fx.session.SetAvailability(context.Background(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	fx.session.Close()
	fx.session.Close()

	fx.transport.mu.Lock()
	closed := fx.transport.closed
	fx.transport.mu.Unlock()
	if closed != 1 {
		t.Errorf("transport disconnects = %d, want 1", closed)
	}
	fx.locator.mu.Lock()
	stops := fx.locator.stops
	fx.locator.mu.Unlock()
	if stops < 1 {
		t.Error("sampler never stopped")
	}

	// Inbound pushes after Close are ignored.
	fx.offer(t, "late")
	if got := fx.session.Offered(); len(got) != 0 {
		t.Errorf("offer accepted after Close: %+v", got)
	}
	if err := fx.session.SetAvailability(context.Background(), false); !errors.Is(err, ErrClosed) {
		t.Errorf("SetAvailability after Close = %v, want ErrClosed", err)
	}
}
