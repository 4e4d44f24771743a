// Package freshness implements the checks that decide whether a protocol
// message is recent: nonce equality and timestamp windows.
//
// The server is the sole source of freshness truth: it issues nonces and
// stamps timestamps. Validators only compare; they never generate.
package freshness

import (
	"crypto/subtle"
	"sync"
	"time"
)

// VerifyNonce reports whether the presented nonce equals the issued one.
// The comparison is constant-time.
func VerifyNonce(issued, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(issued), []byte(presented)) == 1
}

// VerifyTimestamp reports whether ts is fresh at now: now - ts <= window.
// The boundary is inclusive. Timestamps ahead of now are accepted.
func VerifyTimestamp(now, ts time.Time, window time.Duration) bool {
	return now.Sub(ts) <= window
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to. It is safe for
// concurrent use and is meant for simulations and tests.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a ManualClock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Validator checks timestamps against a clock and a fixed window.
type Validator struct {
	Clock  Clock
	Window time.Duration
}

// Fresh reports whether ts is within the window at the validator's current time.
func (v Validator) Fresh(ts time.Time) bool {
	return VerifyTimestamp(v.now(), ts, v.Window)
}

// Age returns how old ts is at the validator's current time.
func (v Validator) Age(ts time.Time) time.Duration {
	return v.now().Sub(ts)
}

func (v Validator) now() time.Time {
	if v.Clock == nil {
		return time.Now()
	}
	return v.Clock.Now()
}
