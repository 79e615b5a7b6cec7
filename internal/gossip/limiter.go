package gossip

import (
	"sync"
	"time"
)

// offerLimiter is a token bucket shared across all links. Offers spend one
// token each; the bucket refills at ratePerSec up to burst.
type offerLimiter struct {
	mu         sync.Mutex
	ratePerSec float64
	burst      float64
	tokens     float64
	last       time.Time
}

func newOfferLimiter(ratePerSec float64, burst int) *offerLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = int(ratePerSec)
	}
	return &offerLimiter{
		ratePerSec: ratePerSec,
		burst:      float64(burst),
		tokens:     float64(burst),
		last:       time.Now(),
	}
}

func (l *offerLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.ratePerSec
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
