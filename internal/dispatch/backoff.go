package dispatch

import "time"

// Policy computes reconnect delays: base * 2^(attempt-1), capped. The Client
// is the only owner of retry timing; nothing else in the process schedules
// reconnects.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether the attempt count has passed the configured
// maximum.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
