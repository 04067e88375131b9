package scheduler

import "time"

// Backoff computes retry delays as Base * Factor^attempt, without jitter so
// retry timing stays predictable. A zero Max leaves the delay uncapped.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

func NewBackoff(base, max time.Duration, factor float64) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Factor: factor,
	}
}

// Duration returns the delay before the retry following the given zero-based
// attempt index.
func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt <= 0 {
		return b.capped(float64(b.Base))
	}
	return b.capped(float64(b.Base) * pow(b.Factor, attempt))
}

func (b *Backoff) capped(d float64) time.Duration {
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
