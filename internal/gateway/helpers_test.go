package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wavelab/surfgate/internal/config"
	"github.com/wavelab/surfgate/internal/session"
	"github.com/wavelab/surfgate/internal/user"
)

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Sessions.File = filepath.Join(dir, "sessions.json")
	cfg.Users.File = filepath.Join(dir, "users.json")
	cfg.Accounts.File = filepath.Join(dir, "accounts.json")
	cfg.Platform.BaseURL = "http://platform.invalid"
	cfg.Platform.CanonicalHost = "server.codeium.com"
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func addTestUser(t *testing.T, srv *Server, id, token string, credits float64) {
	t.Helper()
	err := srv.users.Add(&user.User{
		ID:          id,
		Token:       token,
		Name:        id,
		CreditLimit: credits,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("add user %s: %v", id, err)
	}
}

func addTestSession(t *testing.T, srv *Server, id, apiKey, jwt string) {
	t.Helper()
	err := srv.sessions.Add(&session.Session{
		ID:       id,
		Platform: "windsurf",
		APIKey:   apiKey,
		JWT:      jwt,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("add session %s: %v", id, err)
	}
}

// writeAccountsFile seeds the upstream account pool file before NewServer
// reads it.
func writeAccountsFile(t *testing.T, path string, accounts []map[string]any) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"accounts": accounts})
	if err != nil {
		t.Fatalf("marshal accounts: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write accounts file: %v", err)
	}
}
