package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"captain-core/internal/common/log"
	"captain-core/internal/domain/geo"
	"captain-core/internal/eventbus"
)

var ErrNoSample = errors.New("no location sample yet")

// Config controls sampling cadence and publication gating.
type Config struct {
	// Interval is the time between polls of the provider.
	Interval time.Duration
	// MinDistanceM suppresses publication when the captain moved less than
	// this many meters since the last published sample. The internal current
	// sample still updates.
	MinDistanceM float64
	// AssumedSpeedKmh is the ETA fallback when the fix carries no speed.
	AssumedSpeedKmh float64
}

// Sampler polls a Provider on a fixed interval and publishes samples on the
// bus. It never starts without permission and never publishes a sample that
// fails validation.
type Sampler struct {
	cfg      Config
	provider Provider
	bus      *eventbus.Bus
	logger   *log.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	current   *geo.Sample
	published *geo.Sample

	wg sync.WaitGroup
}

// NewSampler wires a sampler. It does not touch the provider until Start.
func NewSampler(cfg Config, provider Provider, bus *eventbus.Bus, logger *log.Logger) *Sampler {
	return &Sampler{cfg: cfg, provider: provider, bus: bus, logger: logger}
}

// Start requests permission and begins the sampling loop. It is idempotent
// while running. ErrPermissionDenied is returned without starting the loop.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.provider.Request(ctx); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s.logger.Warn(ctx, "location_permission_denied", "Location permission refused, sampler not started", nil)
			s.bus.Publish(eventbus.EventLocationError, err)
		}
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.Info(ctx, "location_sampler_started", "Location sampling started", map[string]any{
		"interval_s":     s.cfg.Interval.Seconds(),
		"min_distance_m": s.cfg.MinDistanceM,
	})
	return nil
}

// Stop halts the loop and waits for it to exit. Idempotent. The last sample
// stays readable after Stop.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info(context.Background(), "location_sampler_stopped", "Location sampling stopped", nil)
}

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Current returns the most recent valid sample, published or not.
func (s *Sampler) Current() (geo.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return geo.Sample{}, false
	}
	return *s.current, true
}

// DistanceTo returns straight-line meters from the current sample to p.
func (s *Sampler) DistanceTo(p geo.Point) (float64, error) {
	cur, ok := s.Current()
	if !ok {
		return 0, ErrNoSample
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return geo.HaversineMeters(cur.Point, p), nil
}

// EstimateArrival returns the ETA to p. The fix's own speed is used when it
// carries one, otherwise the configured assumed speed.
func (s *Sampler) EstimateArrival(p geo.Point) (time.Duration, error) {
	cur, ok := s.Current()
	if !ok {
		return 0, ErrNoSample
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	speed := s.cfg.AssumedSpeedKmh
	if cur.SpeedKmh > 0 {
		speed = cur.SpeedKmh
	}
	return geo.EstimateArrival(geo.HaversineMeters(cur.Point, p), speed)
}

func (s *Sampler) loop(ctx context.Context) {
	defer s.wg.Done()

	// First poll happens immediately, then on the interval.
	s.poll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Sampler) poll(ctx context.Context) {
	sample, err := s.provider.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn(ctx, "location_fix_failed", "Provider returned no fix", map[string]any{
			"error": err.Error(),
		})
		s.bus.Publish(eventbus.EventLocationError, err)
		return
	}
	if err := sample.Validate(); err != nil {
		s.logger.Warn(ctx, "location_fix_invalid", "Discarding invalid fix", map[string]any{
			"error": err.Error(),
		})
		s.bus.Publish(eventbus.EventLocationError, err)
		return
	}

	s.mu.Lock()
	s.current = &sample
	publish := s.published == nil ||
		s.cfg.MinDistanceM <= 0 ||
		geo.HaversineMeters(s.published.Point, sample.Point) >= s.cfg.MinDistanceM
	if publish {
		s.published = &sample
	}
	s.mu.Unlock()

	if publish {
		s.bus.Publish(eventbus.EventLocationSample, sample)
	}
}
