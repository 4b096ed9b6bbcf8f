// Package affinity pins each client to one pool session for a TTL so the
// platform observes a stable device identity, while spreading clients
// across sessions and draining exhausted ones.
package affinity

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/session"
)

// binding pins one client key to a session until expiry.
type binding struct {
	sessionID string
	expiresAt time.Time
}

// Options configures a Router.
type Options struct {
	TTL                time.Duration // binding lifetime, extended on each hit
	MaxUsersPerSession int           // capacity cap per session, 0 = default
	Strict             bool          // reject instead of overflowing at capacity
}

// Router maps client keys (remote addresses) to pool sessions.
type Router struct {
	mu       sync.Mutex
	opts     Options
	bindings map[string]*binding
	store    *session.Store
}

// NewRouter builds a Router over the given session pool.
func NewRouter(store *session.Store, opts Options) *Router {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.MaxUsersPerSession <= 0 {
		opts.MaxUsersPerSession = 4
	}
	return &Router{
		opts:     opts,
		bindings: make(map[string]*binding),
		store:    store,
	}
}

// Acquire returns the session bound to clientKey, binding one if needed.
// A hit extends the TTL. A binding whose session has died, been disabled or
// run out of credits is dropped and the client is rebound.
func (r *Router) Acquire(clientKey string) (session.Session, bool) {
	now := time.Now()

	r.mu.Lock()
	if b, ok := r.bindings[clientKey]; ok && now.Before(b.expiresAt) {
		if s, found := r.store.Get(b.sessionID); found && s.Enabled && s.CreditsRemaining > 0 {
			b.expiresAt = now.Add(r.opts.TTL)
			r.mu.Unlock()
			return s, true
		}
		delete(r.bindings, clientKey)
	}

	s, ok := r.selectLocked(clientKey, now)
	if !ok {
		r.mu.Unlock()
		return session.Session{}, false
	}
	r.bindings[clientKey] = &binding{sessionID: s.ID, expiresAt: now.Add(r.opts.TTL)}
	r.mu.Unlock()

	logging.Info("affinity bound",
		zap.String("client", clientKey),
		zap.String("session", s.ID))
	return s, true
}

// selectLocked implements the placement policy: among enabled sessions with
// credits, prefer the least-bound below the capacity cap, breaking ties by
// most remaining credits. Falls back to the richest enabled session when all
// are at capacity, then to the globally least-used session.
func (r *Router) selectLocked(clientKey string, now time.Time) (session.Session, bool) {
	counts := r.boundCountsLocked(now)
	sessions := r.store.List()

	type candidate struct {
		s     session.Session
		bound int
	}
	var eligible, overflow []candidate
	for _, s := range sessions {
		if !s.Enabled || s.CreditsRemaining <= 0 {
			continue
		}
		c := candidate{s: s, bound: counts[s.ID]}
		if c.bound >= r.opts.MaxUsersPerSession {
			overflow = append(overflow, c)
			continue
		}
		eligible = append(eligible, c)
	}

	if len(eligible) > 0 {
		sort.SliceStable(eligible, func(i, j int) bool {
			if eligible[i].bound != eligible[j].bound {
				return eligible[i].bound < eligible[j].bound
			}
			return eligible[i].s.CreditsRemaining > eligible[j].s.CreditsRemaining
		})
		return eligible[0].s, true
	}

	if len(overflow) > 0 {
		if r.opts.Strict {
			logging.Warn("all sessions at affinity capacity", zap.String("client", clientKey))
			return session.Session{}, false
		}
		sort.SliceStable(overflow, func(i, j int) bool {
			if overflow[i].bound != overflow[j].bound {
				return overflow[i].bound < overflow[j].bound
			}
			return overflow[i].s.CreditsRemaining > overflow[j].s.CreditsRemaining
		})
		logging.Warn("affinity overflow past capacity cap",
			zap.String("client", clientKey),
			zap.String("session", overflow[0].s.ID))
		return overflow[0].s, true
	}

	// No enabled session has credits left. Last resort: least-used enabled
	// session so traffic degrades instead of hard-failing.
	var last *session.Session
	for i := range sessions {
		s := &sessions[i]
		if !s.Enabled {
			continue
		}
		if last == nil || s.UsedTokens < last.UsedTokens {
			last = s
		}
	}
	if last == nil {
		return session.Session{}, false
	}
	logging.Warn("no session with credits remaining, using least-used fallback",
		zap.String("client", clientKey),
		zap.String("session", last.ID))
	return *last, true
}

func (r *Router) boundCountsLocked(now time.Time) map[string]int {
	counts := make(map[string]int, len(r.bindings))
	for key, b := range r.bindings {
		if !now.Before(b.expiresAt) {
			delete(r.bindings, key)
			continue
		}
		counts[b.sessionID]++
	}
	return counts
}

// EvictSession drops every binding pointing at sessionID. Called when a
// session's credits hit zero or it is removed from the pool.
func (r *Router) EvictSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, b := range r.bindings {
		if b.sessionID == sessionID {
			delete(r.bindings, key)
			n++
		}
	}
	if n > 0 {
		logging.Info("affinity bindings evicted",
			zap.String("session", sessionID),
			zap.Int("count", n))
	}
	return n
}

// Sweep removes expired bindings. Run every five minutes.
func (r *Router) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, b := range r.bindings {
		if !now.Before(b.expiresAt) {
			delete(r.bindings, key)
			n++
		}
	}
	return n
}

// BoundCount reports the active bindings for one session.
func (r *Router) BoundCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundCountsLocked(time.Now())[sessionID]
}

// Len reports the number of live bindings.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.boundCountsLocked(time.Now()) {
		n += c
	}
	return n
}
