package user

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
	Path string // users.json path
}

// Store is the user registry. Authentication, credit checks and deductions
// all happen under one mutex so a deduction can never race past the limit.
type Store struct {
	mu      sync.Mutex
	opts    StoreOptions
	order   []string
	byID    map[string]*User
	byToken map[string]string // token -> id
}

// NewStore creates an empty store.
func NewStore(opts StoreOptions) *Store {
	return &Store{
		opts:    opts,
		byID:    make(map[string]*User),
		byToken: make(map[string]string),
	}
}

// --- persistence -----------------------------------------------------------

type usersDoc struct {
	Users []fileUser `json:"users"`
}

type fileUser struct {
	ID                       string     `json:"id"`
	Token                    string     `json:"token"`
	Name                     string     `json:"name"`
	CreditLimit              float64    `json:"creditLimit"`
	CreditRecoveryAmount     float64    `json:"creditRecoveryAmount"`
	CreditRecoveryIntervalMS int64      `json:"creditRecoveryIntervalMs"`
	Enabled                  bool       `json:"enabled"`
	CreatedAt                time.Time  `json:"createdAt,omitzero"`
	Note                     string     `json:"note,omitempty"`
	Runtime                  *userState `json:"runtime,omitempty"`
}

type userState struct {
	UsedCredits    float64   `json:"usedCredits"`
	TotalUsed      float64   `json:"totalUsed"`
	RequestCount   int64     `json:"requestCount"`
	LastRequestAt  time.Time `json:"lastRequestAt,omitzero"`
	LastRecoveryAt time.Time `json:"lastRecoveryAt,omitzero"`
}

// Load replaces the registry with the contents of the users file.
func (st *Store) Load() error {
	data, err := os.ReadFile(st.opts.Path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var doc usersDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.order = st.order[:0]
	st.byID = make(map[string]*User, len(doc.Users))
	st.byToken = make(map[string]string, len(doc.Users))
	for _, fu := range doc.Users {
		u := fromFile(fu)
		if err := st.insertLocked(u); err != nil {
			logging.Warn("skipping user entry", zap.String("user", fu.ID), zap.Error(err))
		}
	}
	return nil
}

// Reload re-reads the file, preserving in-memory runtime counters for users
// whose id survives.
func (st *Store) Reload() error {
	data, err := os.ReadFile(st.opts.Path)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var doc usersDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.byID
	st.order = st.order[:0]
	st.byID = make(map[string]*User, len(doc.Users))
	st.byToken = make(map[string]string, len(doc.Users))
	for _, fu := range doc.Users {
		u := fromFile(fu)
		if old, ok := prev[u.ID]; ok {
			u.UsedCredits = old.UsedCredits
			u.TotalUsed = old.TotalUsed
			u.RequestCount = old.RequestCount
			u.LastRequestAt = old.LastRequestAt
			u.LastRecoveryAt = old.LastRecoveryAt
		}
		if err := st.insertLocked(u); err != nil {
			logging.Warn("skipping user entry", zap.String("user", fu.ID), zap.Error(err))
		}
	}
	return nil
}

func fromFile(fu fileUser) *User {
	u := &User{
		ID:                     fu.ID,
		Token:                  fu.Token,
		Name:                   fu.Name,
		CreditLimit:            fu.CreditLimit,
		CreditRecoveryAmount:   fu.CreditRecoveryAmount,
		CreditRecoveryInterval: time.Duration(fu.CreditRecoveryIntervalMS) * time.Millisecond,
		Enabled:                fu.Enabled,
		CreatedAt:              fu.CreatedAt,
		Note:                   fu.Note,
	}
	if fu.Runtime != nil {
		r := fu.Runtime
		u.UsedCredits = r.UsedCredits
		u.TotalUsed = r.TotalUsed
		u.RequestCount = r.RequestCount
		u.LastRequestAt = r.LastRequestAt
		u.LastRecoveryAt = r.LastRecoveryAt
	}
	if u.UsedCredits < 0 {
		u.UsedCredits = 0
	}
	if u.UsedCredits > u.CreditLimit {
		u.UsedCredits = u.CreditLimit
	}
	return u
}

func (st *Store) insertLocked(u *User) error {
	if u.ID == "" || u.Token == "" {
		return fmt.Errorf("user id and token are required")
	}
	if _, dup := st.byID[u.ID]; dup {
		return fmt.Errorf("duplicate user id %s", u.ID)
	}
	if _, dup := st.byToken[u.Token]; dup {
		return fmt.Errorf("duplicate token for user %s", u.ID)
	}
	st.order = append(st.order, u.ID)
	st.byID[u.ID] = u
	st.byToken[u.Token] = u.ID
	return nil
}

// Save persists the registry atomically: mkdir -p, write temp, rename.
func (st *Store) Save() error {
	st.mu.Lock()
	doc := usersDoc{Users: make([]fileUser, 0, len(st.order))}
	for _, id := range st.order {
		u := st.byID[id]
		doc.Users = append(doc.Users, fileUser{
			ID:                       u.ID,
			Token:                    u.Token,
			Name:                     u.Name,
			CreditLimit:              u.CreditLimit,
			CreditRecoveryAmount:     u.CreditRecoveryAmount,
			CreditRecoveryIntervalMS: u.CreditRecoveryInterval.Milliseconds(),
			Enabled:                  u.Enabled,
			CreatedAt:                u.CreatedAt,
			Note:                     u.Note,
			Runtime: &userState{
				UsedCredits:    u.UsedCredits,
				TotalUsed:      u.TotalUsed,
				RequestCount:   u.RequestCount,
				LastRequestAt:  u.LastRequestAt,
				LastRecoveryAt: u.LastRecoveryAt,
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
	tmp, err := os.CreateTemp(dir, ".users-*")
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

// --- registry operations ---------------------------------------------------

// Add inserts a new user.
func (st *Store) Add(u *User) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	return st.insertLocked(&cp)
}

// Update applies a mutation to one user under the lock. The token index is
// rebuilt if the mutation changed the token.
func (st *Store) Update(id string, fn func(*User)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok {
		return fmt.Errorf("user %s not found", id)
	}
	oldToken := u.Token
	fn(u)
	if u.Token != oldToken {
		if other, dup := st.byToken[u.Token]; dup && other != id {
			u.Token = oldToken
			return fmt.Errorf("token already assigned to user %s", other)
		}
		delete(st.byToken, oldToken)
		st.byToken[u.Token] = id
	}
	return nil
}

// Remove deletes a user.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok {
		return false
	}
	delete(st.byID, id)
	delete(st.byToken, u.Token)
	for i, uid := range st.order {
		if uid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of one user.
func (st *Store) Get(id string) (User, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Authenticate resolves a bearer token to a copy of the enabled user owning
// it. Disabled users authenticate as unknown.
func (st *Store) Authenticate(token string) (User, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.byToken[token]
	if !ok {
		return User{}, false
	}
	u := st.byID[id]
	if !u.Enabled {
		return User{}, false
	}
	return *u, true
}

// List returns copies of all users in file order.
func (st *Store) List() []User {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]User, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, *st.byID[id])
	}
	return out
}

// Len returns the registry size.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.order)
}

// Consume checks and deducts cost in one step, so usedCredits never leaves
// [0, creditLimit]. Zero-cost models deduct nothing and do not advance the
// recovery pacing counters. On rejection it returns the credits still
// available and false.
func (st *Store) Consume(id string, cost float64) (available float64, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, found := st.byID[id]
	if !found {
		return 0, false
	}
	if cost <= 0 {
		return u.Available(), true
	}
	if u.Available() < cost {
		return u.Available(), false
	}
	u.UsedCredits += cost
	u.TotalUsed += cost
	u.RequestCount++
	u.LastRequestAt = time.Now()
	if u.LastRecoveryAt.IsZero() {
		u.LastRecoveryAt = u.LastRequestAt
	}
	return u.Available(), true
}

// Refund returns cost credits to a user after a failed upstream call. Only
// called when the refund_on_upstream_failure flag is on.
func (st *Store) Refund(id string, cost float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok || cost <= 0 {
		return
	}
	u.UsedCredits -= cost
	if u.UsedCredits < 0 {
		u.UsedCredits = 0
	}
	u.TotalUsed -= cost
	if u.TotalUsed < 0 {
		u.TotalUsed = 0
	}
}

// ResetCredits zeroes a user's spend.
func (st *Store) ResetCredits(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if u, ok := st.byID[id]; ok {
		u.UsedCredits = 0
	}
}

// RecoverTick restores credits to every user whose recovery interval has
// elapsed since its last recovery. Returns how many users were credited.
func (st *Store) RecoverTick(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	credited := 0
	for _, id := range st.order {
		u := st.byID[id]
		if u.CreditRecoveryAmount <= 0 || u.CreditRecoveryInterval <= 0 {
			continue
		}
		if u.LastRecoveryAt.IsZero() || now.Sub(u.LastRecoveryAt) < u.CreditRecoveryInterval {
			continue
		}
		u.LastRecoveryAt = now
		if u.UsedCredits <= 0 {
			continue
		}
		u.UsedCredits -= u.CreditRecoveryAmount
		if u.UsedCredits < 0 {
			u.UsedCredits = 0
		}
		credited++
	}
	if credited > 0 {
		logging.Info("credit recovery applied", zap.Int("users", credited))
	}
	return credited
}

// RecoveryPeriod derives the scheduler period from the smallest configured
// recovery interval: a sixth of it, floored at ten minutes.
func (st *Store) RecoveryPeriod() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	var min time.Duration
	for _, id := range st.order {
		u := st.byID[id]
		if u.CreditRecoveryInterval <= 0 {
			continue
		}
		if min == 0 || u.CreditRecoveryInterval < min {
			min = u.CreditRecoveryInterval
		}
	}
	period := min / 6
	if period < 10*time.Minute {
		period = 10 * time.Minute
	}
	return period
}

// DailyReset restores every user's credits at local midnight and clears the
// per-day request counter.
func (st *Store) DailyReset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range st.order {
		u := st.byID[id]
		u.UsedCredits = 0
		u.RequestCount = 0
	}
}

// Credits builds the caller-facing credit report for one user.
func (st *Store) Credits(id string, now time.Time) (CreditsView, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok {
		return CreditsView{}, false
	}
	var pct float64
	if u.CreditLimit > 0 {
		pct = u.UsedCredits / u.CreditLimit * 100
	}
	view := CreditsView{
		UserID: u.ID,
		Name:   u.Name,
		Credits: CreditDetail{
			Available:    u.Available(),
			Limit:        u.CreditLimit,
			Used:         u.UsedCredits,
			UsagePercent: pct,
		},
		Recovery: RecoveryInfo{
			Amount:         u.CreditRecoveryAmount,
			IntervalHours:  u.CreditRecoveryInterval.Hours(),
			LastRecoveryAt: u.LastRecoveryAt,
		},
		Stats: UsageStats{
			TotalUsed:     u.TotalUsed,
			RequestCount:  u.RequestCount,
			LastRequestAt: u.LastRequestAt,
		},
	}
	if next := u.NextRecoveryIn(now); next > 0 {
		view.Recovery.NextIn = fmtRecoveryETA(next)
	}
	return view, true
}

// NextRecovery returns the recovery ETA string for a user, used in
// credit-exhaustion error responses.
func (st *Store) NextRecovery(id string, now time.Time) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.byID[id]
	if !ok {
		return ""
	}
	next := u.NextRecoveryIn(now)
	if next <= 0 {
		return ""
	}
	return fmtRecoveryETA(next)
}

func fmtRecoveryETA(d time.Duration) string {
	mins := int(d.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	if mins < 60 {
		return fmt.Sprintf("~%dmin", mins)
	}
	return fmt.Sprintf("~%.1fh", d.Hours())
}

// Status returns masked admin snapshots in file order.
func (st *Store) Status() []StatusView {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StatusView, 0, len(st.order))
	for _, id := range st.order {
		u := st.byID[id]
		out = append(out, StatusView{
			ID:           u.ID,
			Token:        Mask(u.Token),
			Name:         u.Name,
			Enabled:      u.Enabled,
			CreditLimit:  u.CreditLimit,
			UsedCredits:  u.UsedCredits,
			Available:    u.Available(),
			TotalUsed:    u.TotalUsed,
			RequestCount: u.RequestCount,
			LastRequest:  u.LastRequestAt,
			Note:         u.Note,
		})
	}
	return out
}
