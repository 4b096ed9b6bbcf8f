package user

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCreditCost(t *testing.T) {
	cases := []struct {
		model string
		want  float64
	}{
		{"swe-1", 0},
		{"SWE-1-lite", 0},
		{"gpt-5-low", 0.5},
		{"gpt-5-high", 1.5},
		{"gpt-5", 1.5},
		{"gpt-4o-mini", 0.5},
		{"gpt-4o", 1},
		{"gpt-4-turbo", 1},
		{"gemini-2.5-flash", 0.5},
		{"gemini-2.5-pro", 1},
		{"kimi-k2-instruct", 0.5},
		{"qwen3-coder-480b", 0.5},
		{"deepseek-chat", 0.5},
		{"deepseek-reasoner", 1},
		{"claude-3-5-sonnet-20241022", 1},
		{"claude-sonnet-4-20250514", 5},
		{"claude-opus-4-1", 20},
		{"Claude-Opus-4", 20},
		{"some-unknown-model", 1},
	}
	for _, tc := range cases {
		if got := CreditCost(tc.model); got != tc.want {
			t.Errorf("CreditCost(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestRateLimiterBoundary(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow("tok", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("request %d should be within the cap", i+1)
		}
	}
	if rl.Allow("tok", now.Add(3*time.Second)) {
		t.Fatal("request past the cap should be rejected")
	}
	// Other tokens are unaffected.
	if !rl.Allow("other", now.Add(3*time.Second)) {
		t.Fatal("independent token should be admitted")
	}
	// Once the first stamp ages out, a slot opens.
	if !rl.Allow("tok", now.Add(61*time.Second)) {
		t.Fatal("request after window expiry should be admitted")
	}
}

func TestRateLimiterRejectionsNotRecorded(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	if !rl.Allow("tok", now) {
		t.Fatal("first request should pass")
	}
	for i := 0; i < 10; i++ {
		rl.Allow("tok", now.Add(30*time.Second))
	}
	// Rejections at t+30s must not extend the window past t+60s.
	if !rl.Allow("tok", now.Add(61*time.Second)) {
		t.Fatal("window should have expired despite rejected attempts")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	now := time.Now()
	rl.Allow("stale", now.Add(-2*time.Minute))
	rl.Allow("fresh", now)
	rl.Sweep(now)
	if rl.Remaining("fresh", now) != 4 {
		t.Fatal("fresh token timeline should survive the sweep")
	}
	s := rl.tokens.getShard("stale")
	s.mu.Lock()
	_, kept := s.items["stale"]
	s.mu.Unlock()
	if kept {
		t.Fatal("stale token timeline should be swept")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st := NewStore(StoreOptions{Path: filepath.Join(t.TempDir(), "users.json")})
	err := st.Add(&User{
		ID:                     "u1",
		Token:                  "sk-user-alpha",
		Name:                   "alpha",
		CreditLimit:            1000,
		CreditRecoveryAmount:   1000,
		CreditRecoveryInterval: 5 * time.Hour,
		Enabled:                true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestConsumePreCheck(t *testing.T) {
	st := newTestStore(t)
	if err := st.Update("u1", func(u *User) { u.UsedCredits = 999 }); err != nil {
		t.Fatal(err)
	}

	// Available is 1, cost 1.5 must be rejected before any deduction.
	avail, ok := st.Consume("u1", 1.5)
	if ok {
		t.Fatal("consume past the limit should be rejected")
	}
	if avail != 1 {
		t.Fatalf("available = %v, want 1", avail)
	}
	u, _ := st.Get("u1")
	if u.UsedCredits != 999 {
		t.Fatalf("rejected consume must not deduct, usedCredits = %v", u.UsedCredits)
	}

	// An exact-fit cost is admitted.
	avail, ok = st.Consume("u1", 1)
	if !ok || avail != 0 {
		t.Fatalf("exact-fit consume: ok=%v avail=%v", ok, avail)
	}
}

func TestConsumeZeroCost(t *testing.T) {
	st := newTestStore(t)
	if _, ok := st.Consume("u1", 0); !ok {
		t.Fatal("zero-cost consume should succeed")
	}
	u, _ := st.Get("u1")
	if u.RequestCount != 0 || !u.LastRecoveryAt.IsZero() {
		t.Fatal("zero-cost consume must not advance recovery pacing")
	}
}

func TestRefundClamps(t *testing.T) {
	st := newTestStore(t)
	st.Consume("u1", 5)
	st.Refund("u1", 20)
	u, _ := st.Get("u1")
	if u.UsedCredits != 0 {
		t.Fatalf("refund should clamp usedCredits at 0, got %v", u.UsedCredits)
	}
}

func TestRecoverTick(t *testing.T) {
	st := newTestStore(t)
	now := time.Now()
	st.Consume("u1", 600)

	// Interval not yet elapsed: nothing happens.
	if n := st.RecoverTick(now.Add(time.Hour)); n != 0 {
		t.Fatalf("early tick credited %d users", n)
	}
	// Past the 5h interval the full recovery amount lands, clamped at 0 used.
	if n := st.RecoverTick(now.Add(6 * time.Hour)); n != 1 {
		t.Fatalf("due tick credited %d users, want 1", n)
	}
	u, _ := st.Get("u1")
	if u.UsedCredits != 0 {
		t.Fatalf("usedCredits = %v after recovery, want 0", u.UsedCredits)
	}
}

func TestRecoveryPeriodFloor(t *testing.T) {
	st := newTestStore(t)
	// 5h/6 = 50min.
	if got := st.RecoveryPeriod(); got != 50*time.Minute {
		t.Fatalf("period = %v, want 50m", got)
	}
	st.Update("u1", func(u *User) { u.CreditRecoveryInterval = 30 * time.Minute })
	if got := st.RecoveryPeriod(); got != 10*time.Minute {
		t.Fatalf("period = %v, want the 10m floor", got)
	}
}

func TestAuthenticate(t *testing.T) {
	st := newTestStore(t)
	if _, ok := st.Authenticate("sk-user-alpha"); !ok {
		t.Fatal("valid token should authenticate")
	}
	if _, ok := st.Authenticate("sk-nope"); ok {
		t.Fatal("unknown token should not authenticate")
	}
	st.Update("u1", func(u *User) { u.Enabled = false })
	if _, ok := st.Authenticate("sk-user-alpha"); ok {
		t.Fatal("disabled user should not authenticate")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := newTestStore(t)
	st.Consume("u1", 42.5)
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}

	st2 := NewStore(StoreOptions{Path: st.opts.Path})
	if err := st2.Load(); err != nil {
		t.Fatal(err)
	}
	u, ok := st2.Get("u1")
	if !ok {
		t.Fatal("user missing after reload")
	}
	if u.UsedCredits != 42.5 || u.CreditRecoveryInterval != 5*time.Hour {
		t.Fatalf("runtime state lost: used=%v interval=%v", u.UsedCredits, u.CreditRecoveryInterval)
	}
}

func TestReloadPreservesRuntime(t *testing.T) {
	st := newTestStore(t)
	st.Consume("u1", 100)
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}
	// Rewrite the file without runtime state; Reload keeps the live counters.
	doc := `{"users":[{"id":"u1","token":"sk-user-alpha","name":"alpha-renamed","creditLimit":2000,"creditRecoveryAmount":1000,"creditRecoveryIntervalMs":18000000,"enabled":true}]}`
	if err := os.WriteFile(st.opts.Path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.Reload(); err != nil {
		t.Fatal(err)
	}
	u, _ := st.Get("u1")
	if u.UsedCredits != 100 {
		t.Fatalf("reload dropped runtime counters, used=%v", u.UsedCredits)
	}
	if u.CreditLimit != 2000 || u.Name != "alpha-renamed" {
		t.Fatal("reload should pick up config changes")
	}
}

func TestStatusMasksTokens(t *testing.T) {
	st := newTestStore(t)
	views := st.Status()
	if len(views) != 1 {
		t.Fatalf("got %d views", len(views))
	}
	if views[0].Token != "****lpha" {
		t.Fatalf("token not masked: %q", views[0].Token)
	}
}

func TestDuplicateTokenRejected(t *testing.T) {
	st := newTestStore(t)
	err := st.Add(&User{ID: "u2", Token: "sk-user-alpha", CreditLimit: 100, Enabled: true})
	if err == nil {
		t.Fatal("duplicate token should be rejected")
	}
}
