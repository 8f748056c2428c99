package verifier

import (
	"errors"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	errRateLimited    = errors.New("session rate limit exceeded")
	errTooManySession = errors.New("too many concurrent sessions")
)

// ConnectionLimiter admits new prover connections: a token bucket bounds the
// arrival rate and a weighted semaphore bounds concurrent sessions.
type ConnectionLimiter struct {
	rate *rate.Limiter
	sem  *semaphore.Weighted
}

func NewConnectionLimiter(perSecond float64, burst, maxConcurrent int) *ConnectionLimiter {
	return &ConnectionLimiter{
		rate: rate.NewLimiter(rate.Limit(perSecond), burst),
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Admit reserves a session slot without blocking. Release must be called
// once for every successful Admit.
func (l *ConnectionLimiter) Admit() error {
	if !l.rate.Allow() {
		return errRateLimited
	}
	if !l.sem.TryAcquire(1) {
		return errTooManySession
	}
	return nil
}

func (l *ConnectionLimiter) Release() {
	l.sem.Release(1)
}
