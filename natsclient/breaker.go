package natsclient

import (
	"sync"
	"time"
)

const initialCooldown = time.Second

// breaker gates Connect after repeated failures. Every threshold consecutive
// failures trip it for the current cooldown; the cooldown doubles on each
// trip up to max and resets on the first success.
type breaker struct {
	mu        sync.Mutex
	threshold int
	max       time.Duration
	cooldown  time.Duration
	streak    int
	total     int
	openUntil time.Time
	now       func() time.Time
}

func newBreaker(threshold int, max time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		max:       max,
		cooldown:  initialCooldown,
		now:       time.Now,
	}
}

// allow returns ErrCircuitOpen while the breaker is tripped.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return ErrCircuitOpen
	}
	return nil
}

// failure records a failed attempt and reports whether it tripped the
// breaker, with the cooldown that now applies.
func (b *breaker) failure() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.streak++
	if b.streak < b.threshold {
		return false, 0
	}
	wait := b.cooldown
	b.openUntil = b.now().Add(wait)
	b.streak = 0
	b.cooldown = min(b.cooldown*2, b.max)
	return true, wait
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total, b.streak = 0, 0
	b.cooldown = initialCooldown
	b.openUntil = time.Time{}
}

func (b *breaker) tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

func (b *breaker) failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// nextCooldown is the wait the next trip will impose.
func (b *breaker) nextCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}
