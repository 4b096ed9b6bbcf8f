package affinity

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/wavelab/surfgate/internal/session"
)

func newPool(t *testing.T, n int) *session.Store {
	t.Helper()
	st := session.NewStore(session.StoreOptions{
		Path:           filepath.Join(t.TempDir(), "sessions.json"),
		DefaultCredits: 1000,
	})
	for i := 0; i < n; i++ {
		err := st.Add(&session.Session{
			ID:       fmt.Sprintf("s%d", i),
			Platform: "windsurf",
			APIKey:   fmt.Sprintf("key-%d", i),
			Enabled:  true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestAcquireStickyWithinTTL(t *testing.T) {
	pool := newPool(t, 3)
	r := NewRouter(pool, Options{TTL: time.Minute})

	first, ok := r.Acquire("10.0.0.1")
	if !ok {
		t.Fatal("acquire failed")
	}
	for i := 0; i < 5; i++ {
		s, ok := r.Acquire("10.0.0.1")
		if !ok || s.ID != first.ID {
			t.Fatalf("call %d returned %q, want sticky %q", i, s.ID, first.ID)
		}
	}
}

func TestSelectionSpreadsByBoundCount(t *testing.T) {
	pool := newPool(t, 3)
	r := NewRouter(pool, Options{TTL: time.Minute, MaxUsersPerSession: 4})

	counts := map[string]int{}
	for i := 0; i < 12; i++ {
		s, ok := r.Acquire(fmt.Sprintf("10.0.0.%d", i))
		if !ok {
			t.Fatalf("client %d got no session", i)
		}
		counts[s.ID]++
	}
	for id, c := range counts {
		if c != 4 {
			t.Fatalf("session %s bound %d clients, want 4 (counts %v)", id, c, counts)
		}
	}
}

func TestCapacityOverflowAndStrict(t *testing.T) {
	pool := newPool(t, 1)
	r := NewRouter(pool, Options{TTL: time.Minute, MaxUsersPerSession: 2})

	r.Acquire("a")
	r.Acquire("b")
	// Default mode overflows to the least-bound session.
	if _, ok := r.Acquire("c"); !ok {
		t.Fatal("overflow client should still be bound")
	}

	strict := NewRouter(pool, Options{TTL: time.Minute, MaxUsersPerSession: 2, Strict: true})
	strict.Acquire("a")
	strict.Acquire("b")
	if _, ok := strict.Acquire("c"); ok {
		t.Fatal("strict mode should reject past the capacity cap")
	}
}

func TestPrefersSessionWithMostCredits(t *testing.T) {
	pool := newPool(t, 2)
	pool.ConsumeCredits("s0", 900, "")
	r := NewRouter(pool, Options{TTL: time.Minute})

	s, ok := r.Acquire("10.0.0.1")
	if !ok || s.ID != "s1" {
		t.Fatalf("bound %q, want the session with more credits", s.ID)
	}
}

func TestEvictionOnCreditDepletion(t *testing.T) {
	pool := newPool(t, 2)
	r := NewRouter(pool, Options{TTL: time.Minute})
	pool.OnDepleted(func(id string) { r.EvictSession(id) })

	s, _ := r.Acquire("10.0.0.1")
	pool.ConsumeCredits(s.ID, 1000, "gpt-4o")

	if r.BoundCount(s.ID) != 0 {
		t.Fatal("depleted session should have no bindings")
	}
	next, ok := r.Acquire("10.0.0.1")
	if !ok {
		t.Fatal("client should rebind to the surviving session")
	}
	if next.ID == s.ID {
		t.Fatalf("client rebound to depleted session %q", s.ID)
	}
}

func TestDisabledSessionBindingDropped(t *testing.T) {
	pool := newPool(t, 2)
	r := NewRouter(pool, Options{TTL: time.Minute})

	s, _ := r.Acquire("10.0.0.1")
	pool.Disable(s.ID, session.ReasonHealthCheckFailed)

	next, ok := r.Acquire("10.0.0.1")
	if !ok || next.ID == s.ID {
		t.Fatalf("rebind after disable returned %q ok=%v", next.ID, ok)
	}
}

func TestSweepDropsExpired(t *testing.T) {
	pool := newPool(t, 1)
	r := NewRouter(pool, Options{TTL: 10 * time.Millisecond})
	r.Acquire("10.0.0.1")

	if n := r.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("sweep removed %d bindings, want 1", n)
	}
	if r.Len() != 0 {
		t.Fatal("bindings should be empty after sweep")
	}
}

func TestLastResortFallback(t *testing.T) {
	pool := newPool(t, 1)
	pool.ConsumeCredits("s0", 1000, "")
	r := NewRouter(pool, Options{TTL: time.Minute})

	// All credits gone but the session is still enabled: degrade, don't fail.
	if _, ok := r.Acquire("10.0.0.1"); !ok {
		t.Fatal("least-used fallback should still serve")
	}
}
