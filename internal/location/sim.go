package location

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"captain-core/internal/domain/geo"
)

// SimProvider is a development provider that random-walks from a start point.
// It grants permission unconditionally and produces a fix per call.
type SimProvider struct {
	mu    sync.Mutex
	pos   geo.Point
	stepM float64
	rng   *rand.Rand
}

// NewSimProvider starts a simulated walk at start, moving about stepM meters
// per fix.
func NewSimProvider(start geo.Point, stepM float64) *SimProvider {
	if stepM <= 0 {
		stepM = 40
	}
	return &SimProvider{
		pos:   start,
		stepM: stepM,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimProvider) Request(ctx context.Context) error {
	return nil
}

func (p *SimProvider) Next(ctx context.Context) (geo.Sample, error) {
	if err := ctx.Err(); err != nil {
		return geo.Sample{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	heading := p.rng.Float64() * 2 * math.Pi
	dist := p.stepM * (0.5 + p.rng.Float64())

	// Rough meters-to-degrees conversion, good enough for a walk simulation.
	latDeg := dist * math.Cos(heading) / 111320.0
	lngDeg := dist * math.Sin(heading) / (111320.0 * math.Cos(p.pos.Lat*math.Pi/180))

	next := geo.Point{Lat: p.pos.Lat + latDeg, Lng: p.pos.Lng + lngDeg}
	if next.Validate() == nil {
		p.pos = next
	}

	return geo.Sample{
		Point:      p.pos,
		AccuracyM:  3 + p.rng.Float64()*10,
		HeadingDeg: heading * 180 / math.Pi,
		SpeedKmh:   10 + p.rng.Float64()*30,
		CapturedAt: time.Now().UTC(),
	}, nil
}
