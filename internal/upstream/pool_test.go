package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAccounts(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndPickLeastUsed(t *testing.T) {
	path := writeAccounts(t, `{"accounts":[
		{"id":"a1","apiKey":"sk-1","baseUrl":"https://api.example.com/v1","enabled":true},
		{"id":"a2","apiKey":"sk-2","baseUrl":"https://api.example.com/v1","enabled":true},
		{"id":"a3","apiKey":"sk-3","baseUrl":"https://api.example.com/v1","enabled":false}
	]}`)
	p := NewPool(PoolOptions{Path: path, DefaultDailyLimit: 100})
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}
	if p.Len() != 3 {
		t.Fatalf("loaded %d accounts", p.Len())
	}

	p.RecordUsage("a1", 50)
	a, ok := p.Pick()
	if !ok || a.ID != "a2" {
		t.Fatalf("picked %q, want least-used a2", a.ID)
	}
}

func TestPickSkipsAtDailyLimit(t *testing.T) {
	path := writeAccounts(t, `{"accounts":[
		{"id":"a1","apiKey":"sk-1","baseUrl":"https://api.example.com/v1","dailyLimit":10,"enabled":true},
		{"id":"a2","apiKey":"sk-2","baseUrl":"https://api.example.com/v1","enabled":true}
	]}`)
	p := NewPool(PoolOptions{Path: path, DefaultDailyLimit: 100})
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}
	p.RecordUsage("a1", 10)
	a, ok := p.Pick()
	if !ok || a.ID != "a2" {
		t.Fatalf("picked %q, want a2 after a1 hit its limit", a.ID)
	}

	p.DailyReset()
	a, _ = p.Pick()
	if a.ID != "a1" {
		t.Fatalf("after daily reset picked %q, want a1", a.ID)
	}
}

func TestMissingFileIsNotAnError(t *testing.T) {
	p := NewPool(PoolOptions{Path: filepath.Join(t.TempDir(), "absent.json")})
	if err := p.Load(); err != nil {
		t.Fatalf("missing accounts file should be tolerated: %v", err)
	}
	if _, ok := p.Pick(); ok {
		t.Fatal("empty pool should not yield an account")
	}
}

func TestCheckAllMarksUnhealthy(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("probe hit %s", r.URL.Path)
		}
		w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer bad.Close()

	path := writeAccounts(t, `{"accounts":[
		{"id":"good","apiKey":"sk-1","baseUrl":"`+good.URL+`/v1","enabled":true},
		{"id":"bad","apiKey":"sk-2","baseUrl":"`+bad.URL+`/v1","enabled":true}
	]}`)
	p := NewPool(PoolOptions{Path: path})
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}

	p.CheckAll(context.Background())

	g, _ := p.Get("good")
	b, _ := p.Get("bad")
	if !g.Healthy {
		t.Fatal("good account should stay healthy")
	}
	if b.Healthy {
		t.Fatal("bad account should be marked unhealthy")
	}
	if a, ok := p.Pick(); !ok || a.ID != "good" {
		t.Fatalf("pick returned %q, want the healthy account", a.ID)
	}
}

func TestReloadPreservesCounters(t *testing.T) {
	path := writeAccounts(t, `{"accounts":[
		{"id":"a1","apiKey":"sk-1","baseUrl":"https://api.example.com/v1","enabled":true}
	]}`)
	p := NewPool(PoolOptions{Path: path})
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}
	p.RecordUsage("a1", 77)
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}
	a, _ := p.Get("a1")
	if a.UsedTokens != 77 {
		t.Fatalf("reload dropped usage, got %d", a.UsedTokens)
	}
}

func TestStatusMasksKeys(t *testing.T) {
	path := writeAccounts(t, `{"accounts":[
		{"id":"a1","apiKey":"sk-secret-key-abcd","baseUrl":"https://api.example.com/v1","enabled":true}
	]}`)
	p := NewPool(PoolOptions{Path: path})
	if err := p.Load(); err != nil {
		t.Fatal(err)
	}
	views := p.Status()
	if len(views) != 1 || views[0].APIKey != "****abcd" {
		t.Fatalf("status = %+v", views)
	}
}
