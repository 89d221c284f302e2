package handshake

import (
	"math/rand"
	"sync"
	"time"
)

// Retry defaults for resending the wildcard-targeted opening handshake
// while the Inner side waits in AwaitingReply.
const (
	// InitialRetryDelay is the delay before the first resend.
	InitialRetryDelay = 250 * time.Millisecond

	// MaxRetryDelay caps the delay between resends.
	MaxRetryDelay = 5 * time.Second

	// RetryMultiplier is the factor by which the delay grows.
	RetryMultiplier = 2.0

	// RetryJitterFactor is the maximum jitter as a fraction of the base delay.
	RetryJitterFactor = 0.25

	// DefaultMaxRetries bounds resends before the reply deadline takes over.
	DefaultMaxRetries = 5
)

// RetryPolicy configures optional resending of the opening handshake.
// The zero value disables retry entirely; the base protocol relies on
// listener ordering rather than retransmission.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// DefaultRetryPolicy returns the stock resend schedule.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: DefaultMaxRetries,
		Initial:     InitialRetryDelay,
		Max:         MaxRetryDelay,
		Multiplier:  RetryMultiplier,
		Jitter:      RetryJitterFactor,
	}
}

// backoff produces the delay sequence for one AwaitingReply episode.
func (p *RetryPolicy) backoff() *retryBackoff {
	b := &retryBackoff{
		initial:    p.Initial,
		max:        p.Max,
		multiplier: p.Multiplier,
		jitter:     p.Jitter,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if b.initial <= 0 {
		b.initial = InitialRetryDelay
	}
	if b.max <= 0 {
		b.max = MaxRetryDelay
	}
	if b.multiplier <= 1 {
		b.multiplier = RetryMultiplier
	}
	if b.jitter < 0 {
		b.jitter = 0
	}
	b.current = b.initial
	return b
}

// retryBackoff calculates exponential resend delays with jitter.
type retryBackoff struct {
	mu sync.Mutex

	current time.Duration

	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64

	attempts int

	rng *rand.Rand
}

// Next returns the next delay (with jitter) and advances the schedule.
func (b *retryBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(delay) * b.jitter * b.rng.Float64())
	}

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Attempts returns the number of delays handed out since Reset.
func (b *retryBackoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset restores the schedule to its initial delay.
func (b *retryBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}
