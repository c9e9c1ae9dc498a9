package syncer

import "time"

// ExponentialBackoff computes the wait between retry attempts within one
// sync cycle.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   1 * time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Next returns the delay before retry number attempt (0-based: the wait
// after the first failure is Next(0)).
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		return b.Base
	}

	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Factor
	}

	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	return time.Duration(delay)
}
