package gateway

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/wavelab/surfgate/internal/config"
	"github.com/wavelab/surfgate/internal/wire"
)

const chatRPC = "/exa.api_server_pb.ApiServerService/GetChatMessage"

// rpcBody builds a bare protobuf request whose ClientMetadata carries a
// placeholder key, with the model name riding in a sibling field.
func rpcBody(model string) []byte {
	meta := wire.AppendStringField(nil, 3, "placeholder-key")
	msg := wire.AppendBytesField(nil, 1, meta)
	msg = wire.AppendStringField(msg, 2, model)
	return msg
}

func doRPC(srv *Server, token, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/proto")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPassthroughSplicesCredentials(t *testing.T) {
	var gotBody []byte
	var gotAuth, gotHost, gotConn string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = mustRead(t, r)
		gotAuth = r.Header.Get("Authorization")
		gotHost = r.Host
		gotConn = r.Header.Get("Connection")
		fmt.Fprint(w, "rpc-reply")
	}))
	defer up.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Platform.BaseURL = up.URL
	})
	addTestUser(t, srv, "u1", "tok-1", 100)
	addTestSession(t, srv, "s1", "sk-session", "jwt-abc")

	rec := doRPC(srv, "tok-1", chatRPC, rpcBody("claude-sonnet-4"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "rpc-reply" {
		t.Errorf("reply not relayed verbatim: %q", rec.Body.String())
	}
	if gotAuth != "Bearer jwt-abc" {
		t.Errorf("auth header: got %q, want session JWT", gotAuth)
	}
	if gotHost != "server.codeium.com" {
		t.Errorf("host: got %q, want canonical host", gotHost)
	}
	if gotConn != "" {
		t.Errorf("hop header leaked: Connection=%q", gotConn)
	}

	fields := wire.FieldMap(gotBody)
	metas := fields[1]
	if len(metas) != 1 {
		t.Fatalf("metadata fields: got %d, want 1", len(metas))
	}
	inner := wire.FieldMap(metas[0].Bytes)
	if got := string(inner[3][0].Bytes); got != "sk-session" {
		t.Errorf("spliced api key: got %q, want sk-session", got)
	}
	if got := string(inner[21][0].Bytes); got != "jwt-abc" {
		t.Errorf("spliced jwt: got %q, want jwt-abc", got)
	}
}

func TestPassthroughChargesChatRPC(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer up.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Platform.BaseURL = up.URL
	})
	addTestUser(t, srv, "u1", "tok-1", 100)
	addTestSession(t, srv, "s1", "sk-session", "")

	// claude-sonnet-4 costs 5 credits.
	if rec := doRPC(srv, "tok-1", chatRPC, rpcBody("claude-sonnet-4")); rec.Code != http.StatusOK {
		t.Fatalf("chat rpc: got %d, want 200", rec.Code)
	}
	u, _ := srv.users.Get("u1")
	if u.UsedCredits != 5 {
		t.Errorf("used credits after chat rpc: got %v, want 5", u.UsedCredits)
	}

	// Non-chat RPCs relay for free.
	ping := "/exa.api_server_pb.ApiServerService/Ping"
	if rec := doRPC(srv, "tok-1", ping, rpcBody("claude-sonnet-4")); rec.Code != http.StatusOK {
		t.Fatalf("ping rpc: got %d, want 200", rec.Code)
	}
	u, _ = srv.users.Get("u1")
	if u.UsedCredits != 5 {
		t.Errorf("used credits after ping: got %v, want 5 still", u.UsedCredits)
	}

	// The serving session got charged too.
	sess, _ := srv.sessions.Get("s1")
	if sess.CreditsRemaining >= sess.CreditsTotal {
		t.Errorf("session credits not deducted: %v of %v", sess.CreditsRemaining, sess.CreditsTotal)
	}
}

func TestPassthroughStatusVerbatim(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	}))
	defer up.Close()

	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Platform.BaseURL = up.URL
	})
	addTestUser(t, srv, "u1", "tok-1", 100)
	addTestSession(t, srv, "s1", "sk-session", "")

	rec := doRPC(srv, "tok-1", "/exa.api_server_pb.ApiServerService/Ping", rpcBody("x"))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status: got %d, want 418 verbatim", rec.Code)
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("body: got %q", rec.Body.String())
	}
}

func TestPassthroughRequiresAuth(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doRPC(srv, "", chatRPC, rpcBody("gpt-4o"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
}

func TestPassthroughNoSessionAvailable(t *testing.T) {
	srv := newTestServer(t, nil)
	addTestUser(t, srv, "u1", "tok-1", 100)

	rec := doRPC(srv, "tok-1", chatRPC, rpcBody("gpt-4o"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}
	if kind := gjson.Get(rec.Body.String(), "error.kind").String(); kind != "no_available_account" {
		t.Errorf("error kind: got %q", kind)
	}
}

func TestPassthroughOnlyForPlatformPrefix(t *testing.T) {
	srv := newTestServer(t, nil)
	addTestUser(t, srv, "u1", "tok-1", 100)

	// GET is never an RPC.
	req := httptest.NewRequest(http.MethodGet, "/exa.api_server_pb.ApiServerService/Ping", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET rpc path: got %d, want 404", rec.Code)
	}

	// Unknown non-platform paths 404 too.
	rec = doRPC(srv, "tok-1", "/other.Service/Method", rpcBody("x"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign rpc path: got %d, want 404", rec.Code)
	}
}
