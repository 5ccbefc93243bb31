package chat

import (
	"sync"
	"time"
)

// A Clock assigns message timestamps that never go backwards for a sender,
// however many sessions or requests that sender sends through.
type Clock struct {
	now func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewClock returns a clock reading now. A nil now means time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now, last: make(map[string]time.Time)}
}

// Stamp returns the timestamp of the next message from sender: the current
// time in UTC, or the sender's previous timestamp if the clock went back.
func (c *Clock) Stamp(sender string) time.Time {
	t := c.now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[sender]; ok && t.Before(prev) {
		t = prev
	}
	c.last[sender] = t
	return t
}
