package exchange

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes retransmission timeouts for Confirmable
// messages.
//
// From RFC 7252 Section 4.2:
//
//	timeout(0) = ACK_TIMEOUT * (1 + random(0,1) * (ACK_RANDOM_FACTOR - 1))
//	timeout(n) = timeout(0) * 2^n
//
// The jitter is drawn once per exchange; every retransmission doubles the
// previous timeout.
type BackoffCalculator struct {
	params Params
	random RandomSource
}

// NewBackoffCalculator creates a new backoff calculator with the given random source.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(params Params, random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{params: params.WithDefaults(), random: random}
}

// Initial draws the timeout for the first transmission.
func (b *BackoffCalculator) Initial() time.Duration {
	jitter := 1.0 + b.random.Float64()*(b.params.AckRandomFactor-1.0)
	return time.Duration(float64(b.params.AckTimeout) * jitter)
}

// Next returns the timeout following prev.
func (b *BackoffCalculator) Next(prev time.Duration) time.Duration {
	return 2 * prev
}

// CalculateMin computes the minimum timeout for a transmission (no jitter).
// attempt is 0 for the initial transmission.
func (b *BackoffCalculator) CalculateMin(attempt int) time.Duration {
	return b.params.AckTimeout << attempt
}

// CalculateMax computes the upper bound (exclusive) of the timeout for a
// transmission.
func (b *BackoffCalculator) CalculateMax(attempt int) time.Duration {
	return time.Duration(float64(b.params.AckTimeout)*b.params.AckRandomFactor) << attempt
}
