package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	Path            string        // sessions.json path
	DailyTokenLimit int64         // 0 disables the per-day token cap
	DefaultCredits  float64       // credits granted to sessions without a snapshot
	MaxAge          time.Duration // acquisition-age expiry fallback
}

// Store is the ordered session pool. All mutation is serialised behind one
// mutex; no network I/O happens while it is held.
type Store struct {
	mu    sync.Mutex
	opts  StoreOptions
	order []string
	byID  map[string]*Session

	// onDepleted fires (outside the lock) when a session's credits hit zero.
	onDepleted func(id string)
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	if opts.DefaultCredits <= 0 {
		opts.DefaultCredits = 1000
	}
	return &Store{
		opts: opts,
		byID: make(map[string]*Session),
	}
}

// OnDepleted registers the credit-depletion callback (affinity eviction).
func (st *Store) OnDepleted(fn func(id string)) {
	st.mu.Lock()
	st.onDepleted = fn
	st.mu.Unlock()
}

// --- persistence -----------------------------------------------------------

type fileDoc struct {
	Sessions []fileSession `json:"sessions"`
}

type fileSession struct {
	ID           string     `json:"id"`
	Platform     string     `json:"platform"`
	SessionToken string     `json:"sessionToken,omitempty"`
	Label        string     `json:"label,omitempty"`
	PoolName     string     `json:"poolName,omitempty"`
	Enabled      bool       `json:"enabled"`
	Extra        fileExtra  `json:"extra"`
	Runtime      *fileState `json:"runtime,omitempty"`
}

type fileExtra struct {
	APIKey          string `json:"apiKey,omitempty"`
	FirebaseIDToken string `json:"firebaseIdToken,omitempty"`
	UID             string `json:"uid,omitempty"`
	RefreshToken    string `json:"refreshToken,omitempty"`
	Email           string `json:"email,omitempty"`
}

// fileState is the persisted runtime snapshot.
type fileState struct {
	DisabledReason   DisabledReason `json:"disabledReason,omitempty"`
	UsedRequests     int64          `json:"usedRequests"`
	UsedTokens       int64          `json:"usedTokens"`
	RequestsServed   int64          `json:"requestsServed"`
	CreditsRemaining float64        `json:"creditsRemaining"`
	CreditsTotal     float64        `json:"creditsTotal"`
	AcquiredAt       time.Time      `json:"acquiredAt,omitzero"`
	ExpiresAt        time.Time      `json:"expiresAt,omitzero"`
	LastModelSeen    string         `json:"lastModelSeen,omitempty"`
}

// Load replaces the pool with the contents of the sessions file.
func (st *Store) Load() error {
	data, err := os.ReadFile(st.opts.Path)
	if err != nil {
		return fmt.Errorf("read sessions file: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse sessions file: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.order = st.order[:0]
	st.byID = make(map[string]*Session, len(doc.Sessions))
	for _, fs := range doc.Sessions {
		s := st.fromFile(fs)
		if _, dup := st.byID[s.ID]; dup {
			continue
		}
		st.order = append(st.order, s.ID)
		st.byID[s.ID] = s
	}
	return nil
}

// Reload re-reads the file, preserving in-memory runtime counters for
// sessions whose id survives.
func (st *Store) Reload() error {
	data, err := os.ReadFile(st.opts.Path)
	if err != nil {
		return fmt.Errorf("read sessions file: %w", err)
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse sessions file: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.byID
	st.order = st.order[:0]
	st.byID = make(map[string]*Session, len(doc.Sessions))
	for _, fs := range doc.Sessions {
		s := st.fromFile(fs)
		if old, ok := prev[s.ID]; ok {
			s.ConsecutiveFailures = old.ConsecutiveFailures
			s.ConsecutiveSuccesses = old.ConsecutiveSuccesses
			s.LastKeepaliveAt = old.LastKeepaliveAt
			s.LastHealthCheckAt = old.LastHealthCheckAt
			s.LastUsedAt = old.LastUsedAt
			s.UsedRequests = old.UsedRequests
			s.UsedTokens = old.UsedTokens
			s.RequestsServed = old.RequestsServed
			s.CreditsRemaining = old.CreditsRemaining
			s.CreditsTotal = old.CreditsTotal
			s.LastModelSeen = old.LastModelSeen
		}
		if _, dup := st.byID[s.ID]; dup {
			continue
		}
		st.order = append(st.order, s.ID)
		st.byID[s.ID] = s
	}
	return nil
}

func (st *Store) fromFile(fs fileSession) *Session {
	apiKey := fs.Extra.APIKey
	if apiKey == "" {
		apiKey = fs.SessionToken
	}
	s := &Session{
		ID:           fs.ID,
		Platform:     fs.Platform,
		Label:        fs.Label,
		PoolName:     fs.PoolName,
		Email:        fs.Extra.Email,
		APIKey:       apiKey,
		JWT:          fs.Extra.FirebaseIDToken,
		RefreshToken: fs.Extra.RefreshToken,
		MachineID:    fs.Extra.UID,
		Enabled:      fs.Enabled,
	}
	if !fs.Enabled {
		s.DisabledReason = ReasonDisabledInConfig
	}
	if fs.Runtime != nil {
		r := fs.Runtime
		s.UsedRequests = r.UsedRequests
		s.UsedTokens = r.UsedTokens
		s.RequestsServed = r.RequestsServed
		s.CreditsRemaining = r.CreditsRemaining
		s.CreditsTotal = r.CreditsTotal
		s.AcquiredAt = r.AcquiredAt
		s.ExpiresAt = r.ExpiresAt
		s.LastModelSeen = r.LastModelSeen
		if fs.Enabled && r.DisabledReason != ReasonNone {
			s.Enabled = false
			s.DisabledReason = r.DisabledReason
		}
	}
	if s.CreditsTotal == 0 {
		s.CreditsTotal = st.opts.DefaultCredits
		s.CreditsRemaining = st.opts.DefaultCredits
	}
	if s.AcquiredAt.IsZero() {
		s.AcquiredAt = time.Now()
	}
	if s.ExpiresAt.IsZero() {
		if exp, ok := JWTExpiry(s.JWT); ok {
			s.ExpiresAt = exp
		}
	}
	return s
}

// Save persists the pool atomically: mkdir -p, write temp, rename.
func (st *Store) Save() error {
	st.mu.Lock()
	doc := fileDoc{Sessions: make([]fileSession, 0, len(st.order))}
	for _, id := range st.order {
		s := st.byID[id]
		reason := DisabledReason("")
		if !s.Enabled {
			reason = s.DisabledReason
		}
		doc.Sessions = append(doc.Sessions, fileSession{
			ID:       s.ID,
			Platform: s.Platform,
			Label:    s.Label,
			PoolName: s.PoolName,
			Enabled:  s.Enabled || s.DisabledReason != ReasonDisabledInConfig,
			Extra: fileExtra{
				APIKey:          s.APIKey,
				FirebaseIDToken: s.JWT,
				UID:             s.MachineID,
				RefreshToken:    s.RefreshToken,
				Email:           s.Email,
			},
			Runtime: &fileState{
				DisabledReason:   reason,
				UsedRequests:     s.UsedRequests,
				UsedTokens:       s.UsedTokens,
				RequestsServed:   s.RequestsServed,
				CreditsRemaining: s.CreditsRemaining,
				CreditsTotal:     s.CreditsTotal,
				AcquiredAt:       s.AcquiredAt,
				ExpiresAt:        s.ExpiresAt,
				LastModelSeen:    s.LastModelSeen,
			},
		})
	}
	path := st.opts.Path
	st.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// --- pool operations -------------------------------------------------------

// Add inserts a new session at the end of the pool.
func (st *Store) Add(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s.ID == "" {
		return fmt.Errorf("session id required")
	}
	if _, exists := st.byID[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	cp := *s
	if cp.CreditsTotal == 0 {
		cp.CreditsTotal = st.opts.DefaultCredits
		cp.CreditsRemaining = st.opts.DefaultCredits
	}
	if cp.AcquiredAt.IsZero() {
		cp.AcquiredAt = time.Now()
	}
	if cp.ExpiresAt.IsZero() {
		if exp, ok := JWTExpiry(cp.JWT); ok {
			cp.ExpiresAt = exp
		}
	}
	st.order = append(st.order, cp.ID)
	st.byID[cp.ID] = &cp
	return nil
}

// Update applies a mutation to one session under the lock.
func (st *Store) Update(id string, fn func(*Session)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	fn(s)
	return nil
}

// Remove deletes a session from the pool.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.byID[id]; !ok {
		return false
	}
	delete(st.byID, id)
	for i, sid := range st.order {
		if sid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of one session.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions in pool order.
func (st *Store) List() []Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Session, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, *st.byID[id])
	}
	return out
}

// Len returns the pool size.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.order)
}

// Pick returns the least-used enabled session, optionally filtered by
// platform tag.
func (st *Store) Pick(platformTag string) (Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var best *Session
	for _, id := range st.order {
		s := st.byID[id]
		if !s.Enabled {
			continue
		}
		if platformTag != "" && s.Platform != platformTag {
			continue
		}
		if best == nil || s.UsedTokens < best.UsedTokens {
			best = s
		}
	}
	if best == nil {
		return Session{}, false
	}
	return *best, true
}

// RecordUsage adds token usage. Reaching the daily limit disables the
// session with reason quota_exhausted.
func (st *Store) RecordUsage(id string, tokens int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[id]
	if !ok {
		return
	}
	s.UsedTokens += tokens
	s.UsedRequests++
	s.LastUsedAt = time.Now()
	if st.opts.DailyTokenLimit > 0 && s.UsedTokens >= st.opts.DailyTokenLimit && s.Enabled {
		s.Enabled = false
		s.DisabledReason = ReasonQuotaExhausted
		logging.Warn("session hit daily token limit",
			zap.String("session", id),
			zap.Int64("used_tokens", s.UsedTokens))
	}
}

// ConsumeCredits deducts the model cost from a session's credits. Depletion
// fires the eviction callback after the lock is released.
func (st *Store) ConsumeCredits(id string, cost float64, model string) (remaining float64, ok bool) {
	st.mu.Lock()
	s, found := st.byID[id]
	if !found {
		st.mu.Unlock()
		return 0, false
	}
	s.CreditsRemaining -= cost
	if s.CreditsRemaining < 0 {
		s.CreditsRemaining = 0
	}
	s.RequestsServed++
	s.LastUsedAt = time.Now()
	if model != "" {
		s.LastModelSeen = model
	}
	remaining = s.CreditsRemaining
	depleted := remaining <= 0
	cb := st.onDepleted
	st.mu.Unlock()

	if depleted && cb != nil {
		cb(id)
	}
	return remaining, true
}

// Disable takes a session out of rotation. The reason is set atomically
// with the transition.
func (st *Store) Disable(id string, reason DisabledReason) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[id]; ok {
		s.Enabled = false
		s.DisabledReason = reason
	}
}

// Enable puts a session back into rotation and clears the reason.
func (st *Store) Enable(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[id]; ok {
		s.Enabled = true
		s.DisabledReason = ReasonNone
	}
}

// ResetCredits restores a session's credits to its total.
func (st *Store) ResetCredits(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.byID[id]; ok {
		s.CreditsRemaining = s.CreditsTotal
	}
}

// UpdateTokens installs a refreshed JWT (and optionally a rotated refresh
// token), recomputing expiry from the new token.
func (st *Store) UpdateTokens(id, newJWT, newRefreshToken string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byID[id]
	if !ok {
		return
	}
	s.JWT = newJWT
	if newRefreshToken != "" {
		s.RefreshToken = newRefreshToken
	}
	if exp, found := JWTExpiry(newJWT); found {
		s.ExpiresAt = exp
	}
	if !s.Enabled && s.DisabledReason == ReasonSessionExpired {
		s.Enabled = true
		s.DisabledReason = ReasonNone
	}
}

// MarkExpired disables sessions past their expiry; returns the ids it
// disabled. Runs before health checks each tick.
func (st *Store) MarkExpired(now time.Time) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var expired []string
	for _, id := range st.order {
		s := st.byID[id]
		if s.Enabled && s.Expired(now, st.opts.MaxAge) {
			s.Enabled = false
			s.DisabledReason = ReasonSessionExpired
			expired = append(expired, id)
		}
	}
	return expired
}

// RecordKeepalive notes a keepalive result. Failures never disable.
func (st *Store) RecordKeepalive(id string, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, found := st.byID[id]; found {
		s.LastKeepaliveAt = time.Now()
		if !ok {
			logging.Debug("session keepalive failed", zap.String("session", id))
		}
	}
}

// RecordHealthResult applies one probe result to the consecutive counters
// and performs the disable/recover transitions.
func (st *Store) RecordHealthResult(id string, healthy bool, failureThreshold, recoveryThreshold int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, found := st.byID[id]
	if !found {
		return
	}
	s.LastHealthCheckAt = time.Now()
	if healthy {
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses++
		if !s.Enabled && s.DisabledReason == ReasonHealthCheckFailed && s.ConsecutiveSuccesses >= recoveryThreshold {
			s.Enabled = true
			s.DisabledReason = ReasonNone
			logging.Info("session recovered", zap.String("session", id))
		}
		return
	}
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	if s.Enabled && s.ConsecutiveFailures >= failureThreshold {
		s.Enabled = false
		s.DisabledReason = ReasonHealthCheckFailed
		logging.Warn("session disabled after consecutive health failures",
			zap.String("session", id),
			zap.Int("failures", s.ConsecutiveFailures))
	}
}

// DailyReset clears per-day usage and re-enables sessions whose only
// disable reason was the daily quota.
func (st *Store) DailyReset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range st.order {
		s := st.byID[id]
		s.UsedTokens = 0
		s.UsedRequests = 0
		if !s.Enabled && s.DisabledReason == ReasonQuotaExhausted {
			s.Enabled = true
			s.DisabledReason = ReasonNone
		}
	}
}

// StatusView is the admin-facing snapshot with masked credentials.
type StatusView struct {
	ID               string         `json:"id"`
	Platform         string         `json:"platform"`
	Label            string         `json:"label,omitempty"`
	PoolName         string         `json:"poolName,omitempty"`
	Email            string         `json:"email,omitempty"`
	APIKey           string         `json:"apiKey"`
	JWT              string         `json:"jwt,omitempty"`
	Enabled          bool           `json:"enabled"`
	DisabledReason   DisabledReason `json:"disabledReason,omitempty"`
	CreditsRemaining float64        `json:"creditsRemaining"`
	CreditsTotal     float64        `json:"creditsTotal"`
	UsedRequests     int64          `json:"usedRequests"`
	UsedTokens       int64          `json:"usedTokens"`
	RequestsServed   int64          `json:"requestsServed"`
	LastModelSeen    string         `json:"lastModelSeen,omitempty"`
	LastUsedAt       time.Time      `json:"lastUsedAt,omitzero"`
	ExpiresAt        time.Time      `json:"expiresAt,omitzero"`
}

// Status returns masked admin snapshots in pool order.
func (st *Store) Status() []StatusView {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StatusView, 0, len(st.order))
	for _, id := range st.order {
		s := st.byID[id]
		out = append(out, StatusView{
			ID:               s.ID,
			Platform:         s.Platform,
			Label:            s.Label,
			PoolName:         s.PoolName,
			Email:            s.Email,
			APIKey:           Mask(s.APIKey),
			JWT:              Mask(s.JWT),
			Enabled:          s.Enabled,
			DisabledReason:   s.DisabledReason,
			CreditsRemaining: s.CreditsRemaining,
			CreditsTotal:     s.CreditsTotal,
			UsedRequests:     s.UsedRequests,
			UsedTokens:       s.UsedTokens,
			RequestsServed:   s.RequestsServed,
			LastModelSeen:    s.LastModelSeen,
			LastUsedAt:       s.LastUsedAt,
			ExpiresAt:        s.ExpiresAt,
		})
	}
	return out
}
