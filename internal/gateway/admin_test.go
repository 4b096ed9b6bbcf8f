package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func adminGET(srv *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func adminPOST(srv *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdminUserLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := adminPOST(srv, "/admin/users/create",
		`{"id":"u1","token":"tok-alpha-secret","name":"alice","creditLimit":500}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d; body %s", rec.Code, rec.Body.String())
	}

	rec = adminGET(srv, "/admin/users/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "tok-alpha-secret") {
		t.Error("status leaked the full token")
	}
	if tok := gjson.Get(body, "users.0.token").String(); tok != "****cret" {
		t.Errorf("masked token: got %q", tok)
	}

	rec = adminPOST(srv, "/admin/users/update", `{"id":"u1","enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: got %d", rec.Code)
	}
	u, _ := srv.users.Get("u1")
	if u.Enabled {
		t.Error("user still enabled after update")
	}

	rec = adminPOST(srv, "/admin/users/reset-credits", `{"id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset-credits: got %d", rec.Code)
	}

	rec = adminPOST(srv, "/admin/users/delete", `{"id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rec.Code)
	}
	if rec = adminPOST(srv, "/admin/users/delete", `{"id":"u1"}`); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", rec.Code)
	}
}

func TestAdminUserCreateDefaultsTrialCredits(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := adminPOST(srv, "/admin/users/create", `{"id":"u1","token":"tok-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d", rec.Code)
	}
	u, _ := srv.users.Get("u1")
	if u.CreditLimit != srv.cfg.Users.TrialInitialCredits {
		t.Errorf("credit limit: got %v, want trial default %v",
			u.CreditLimit, srv.cfg.Users.TrialInitialCredits)
	}
}

func TestAdminSessionRegisterAndRemove(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := adminPOST(srv, "/admin/sessions/register",
		`{"id":"s1","apiKey":"sk-live-verylongsessionkey","label":"pool-a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: got %d; body %s", rec.Code, rec.Body.String())
	}

	rec = adminGET(srv, "/admin/sessions/status")
	body := rec.Body.String()
	if strings.Contains(body, "sk-live-verylongsessionkey") {
		t.Error("session status leaked the full api key")
	}

	rec = adminGET(srv, "/v1/session-credits")
	if rec.Code != http.StatusOK {
		t.Fatalf("session-credits: got %d", rec.Code)
	}
	if id := gjson.Get(rec.Body.String(), "sessions.0.id").String(); id != "s1" {
		t.Errorf("session-credits id: got %q", id)
	}

	rec = adminPOST(srv, "/admin/sessions/remove", `{"id":"s1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove: got %d", rec.Code)
	}
	if rec = adminPOST(srv, "/admin/sessions/remove", `{"id":"s1"}`); rec.Code != http.StatusNotFound {
		t.Errorf("second remove: got %d, want 404", rec.Code)
	}
}

func TestAdminSessionRegisterValidates(t *testing.T) {
	srv := newTestServer(t, nil)

	if rec := adminPOST(srv, "/admin/sessions/register", `{"id":"s1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key: got %d, want 400", rec.Code)
	}
	if rec := adminPOST(srv, "/admin/sessions/register", `{nope`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: got %d, want 400", rec.Code)
	}
}

func TestAdminAccountsStatusMasksKeys(t *testing.T) {
	srv := newTestServer(t, nil)
	// No accounts file seeded: status is an empty list, not an error.
	rec := adminGET(srv, "/admin/accounts/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "accounts").Exists() {
		t.Error("accounts key missing")
	}
}

func TestAdminBandwidthAndEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	addTestUser(t, srv, "u1", "tok-1", 100)

	// Generate one failed chat call so the telemetry surfaces have data.
	doChat(srv, "wrong-token", chatBody("gpt-4o", "hi"))

	rec := adminGET(srv, "/admin/bandwidth")
	if rec.Code != http.StatusOK {
		t.Fatalf("bandwidth: got %d", rec.Code)
	}
	if !gjson.Get(rec.Body.String(), "smoothness").Exists() {
		t.Error("bandwidth report missing smoothness")
	}

	rec = adminGET(srv, "/soc/events?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: got %d", rec.Code)
	}
	if reason := gjson.Get(rec.Body.String(), "events.0.reason").String(); reason != "invalid_token" {
		t.Errorf("latest event reason: got %q", reason)
	}

	rec = adminGET(srv, "/soc/alerts")
	if rec.Code != http.StatusOK {
		t.Fatalf("alerts: got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := adminGET(srv, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "surfgate_") {
		t.Error("metrics exposition missing surfgate_ series")
	}
}

func TestHealthAndModels(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := adminGET(srv, "/health")
	if rec.Code != http.StatusOK || !gjson.Get(rec.Body.String(), "ok").Bool() {
		t.Fatalf("health: got %d %s", rec.Code, rec.Body.String())
	}

	rec = adminGET(srv, "/v1/models")
	if rec.Code != http.StatusOK {
		t.Fatalf("models: got %d", rec.Code)
	}
	if n := gjson.Get(rec.Body.String(), "data.#").Int(); n == 0 {
		t.Error("models list empty")
	}
}

func TestCreditsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	addTestUser(t, srv, "u1", "tok-1", 200)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("credits: got %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "credits.available").Float(); got != 200 {
		t.Errorf("available: got %v, want 200", got)
	}
}
