package dispatcher

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff computes jittered exponential waits between selection rounds.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

const (
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = 2 * time.Second
)

// Delay returns the wait before selection round n (0-based). The result lies
// in [d/2, d) where d is Initial*2^n capped at Max.
func (b Backoff) Delay(round int) time.Duration {
	initial, maxDelay := b.Initial, b.Max
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	delay := float64(initial) * math.Pow(2, float64(round))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
