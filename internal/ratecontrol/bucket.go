// Package ratecontrol implements the leaky-bucket token scheduler from
// spec §4.7, with token counts and rates held as float64 values rather
// than fixed-point integers: one bucket bounds the source data path
// (txw_max_rte), a second independently-parameterized bucket bounds
// repair/ODATA bursts (nak_rte).
package ratecontrol

import (
	"time"
)

// Clock is the minimal time source this package needs.
type Clock interface {
	Now() time.Time
}

// Decision is the outcome of a Check call.
type Decision struct {
	Accept bool
	Defer  time.Duration // time until n tokens will be available, if !Accept
}

// Bucket is one leaky-bucket token scheduler. Refill is lazy: tokens are
// only recomputed when Check or Consume is called, never on a background
// ticker.
type Bucket struct {
	ratePerSec float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
	clock      Clock
}

// NewBucket builds a bucket with the given sustained rate (tokens/sec) and
// burst capacity, starting full.
func NewBucket(ratePerSec, capacity float64, clock Clock) *Bucket {
	return &Bucket{
		ratePerSec: ratePerSec,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

func (b *Bucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Check reports whether n tokens are currently available. If not, Defer
// reports how long until they will be, assuming no further consumption.
func (b *Bucket) Check(n float64) Decision {
	b.refill()
	if b.tokens >= n {
		return Decision{Accept: true}
	}
	deficit := n - b.tokens
	secs := deficit / b.ratePerSec
	return Decision{Accept: false, Defer: time.Duration(secs * float64(time.Second))}
}

// Consume debits n tokens. Callers should Check first; Consume does not
// re-validate and will drive tokens negative if called without a
// preceding successful Check (useful for "spend what we have" accounting
// in tests, but protocol code must always Check first).
func (b *Bucket) Consume(n float64) {
	b.refill()
	b.tokens -= n
}

// Tokens reports the current token count after a lazy refill, for
// diagnostics and metrics.
func (b *Bucket) Tokens() float64 {
	b.refill()
	return b.tokens
}

// SetRate updates the sustained rate (e.g. in response to SetOption
// TXW_MAX_RTE); the next refill uses the new rate from this point forward.
func (b *Bucket) SetRate(ratePerSec float64) {
	b.refill()
	b.ratePerSec = ratePerSec
}
