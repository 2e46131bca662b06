package location

import (
	"context"
	"errors"

	"captain-core/internal/domain/geo"
)

var (
	// ErrPermissionDenied means the platform refused location access. The
	// sampler stays stopped until permission is granted and Start is retried.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrUnavailable means the positioning hardware produced no fix.
	ErrUnavailable = errors.New("location unavailable")
)

// Provider abstracts the platform positioning source.
type Provider interface {
	// Request asks for location permission. It returns ErrPermissionDenied
	// when the user refused, nil when sampling may begin.
	Request(ctx context.Context) error
	// Next blocks until a fix is available or ctx is done.
	Next(ctx context.Context) (geo.Sample, error)
}
