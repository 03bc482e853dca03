package orchestrator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Delay returns the wait before the attempt after failedAttempt (1-based).
func (b BackoffConfig) Delay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}

	d := float64(b.Base)
	if b.Policy == BackoffExponential {
		d *= math.Pow(b.Multiplier, float64(failedAttempt-1))
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
