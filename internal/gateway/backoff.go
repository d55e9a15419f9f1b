// ABOUTME: Exponential reconnect backoff for the gateway connection
// ABOUTME: Starts at one second, doubles per attempt, caps at thirty seconds

package gateway

import "time"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Backoff yields reconnect delays. Not safe for concurrent use; the client
// guards it with its own mutex.
type Backoff struct {
	delay    time.Duration
	attempts int
}

// NewBackoff returns a Backoff at its initial delay.
func NewBackoff() *Backoff {
	return &Backoff{delay: initialBackoff}
}

// Next returns the delay for the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.delay
	b.attempts++
	b.delay = min(b.delay*2, maxBackoff)
	return d
}

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns to the initial delay and clears the attempt counter.
func (b *Backoff) Reset() {
	b.delay = initialBackoff
	b.attempts = 0
}
