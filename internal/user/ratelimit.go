package user

import (
	"time"
)

// timeline holds the request timestamps for one bearer token inside the
// current window. Entries older than the window are pruned on each call.
type timeline struct {
	stamps []time.Time
}

// RateLimiter enforces a fixed requests-per-window cap per bearer token.
// It keeps exact timestamps rather than an interpolated counter so the
// boundary is precise: the cap-th request inside the window is admitted
// and the cap+1-th is rejected.
type RateLimiter struct {
	cap    int
	window time.Duration
	tokens *shardedMap[*timeline]
}

// NewRateLimiter builds a limiter admitting at most cap requests per window.
// A cap of zero or less disables limiting.
func NewRateLimiter(cap int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		cap:    cap,
		window: window,
		tokens: newShardedMap[*timeline](),
	}
}

// Allow records a request attempt for token at now and reports whether it is
// within the cap. Rejected attempts are not recorded, so a client hammering
// past the cap does not push its own window forward.
func (rl *RateLimiter) Allow(token string, now time.Time) bool {
	if rl.cap <= 0 {
		return true
	}
	s := rl.tokens.getShard(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.items[token]
	if !ok {
		tl = &timeline{}
		s.items[token] = tl
	}

	cutoff := now.Add(-rl.window)
	kept := tl.stamps[:0]
	for _, ts := range tl.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	tl.stamps = kept

	if len(tl.stamps) >= rl.cap {
		return false
	}
	tl.stamps = append(tl.stamps, now)
	return true
}

// Remaining reports how many requests the token may still make in the
// current window without recording an attempt.
func (rl *RateLimiter) Remaining(token string, now time.Time) int {
	if rl.cap <= 0 {
		return -1
	}
	s := rl.tokens.getShard(token)
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, ok := s.items[token]
	if !ok {
		return rl.cap
	}
	cutoff := now.Add(-rl.window)
	n := 0
	for _, ts := range tl.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	if n >= rl.cap {
		return 0
	}
	return rl.cap - n
}

// Sweep drops tokens whose every timestamp has aged out of the window.
// Called periodically so idle tokens do not accumulate.
func (rl *RateLimiter) Sweep(now time.Time) {
	cutoff := now.Add(-rl.window)
	rl.tokens.deleteFunc(func(_ string, tl *timeline) bool {
		for _, ts := range tl.stamps {
			if ts.After(cutoff) {
				return false
			}
		}
		return true
	})
}
