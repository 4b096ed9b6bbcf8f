package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Users.MaxRPMPerToken != 30 {
		t.Errorf("default rpm cap: got %d", cfg.Users.MaxRPMPerToken)
	}
	if cfg.Affinity.TTL != 30*time.Minute {
		t.Errorf("default affinity ttl: got %v", cfg.Affinity.TTL)
	}
	if cfg.Server.UpstreamTimeout != 120*time.Second {
		t.Errorf("default upstream timeout: got %v", cfg.Server.UpstreamTimeout)
	}
}

func TestParseYAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_SG_HOST", "10.0.0.5")
	data := []byte(`
server:
  host: ${TEST_SG_HOST}
  port: 9090
sessions:
  keepalive_interval: 2m
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Server.Host != "10.0.0.5" {
		t.Errorf("env expansion failed: got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Sessions.KeepaliveInterval != 2*time.Minute {
		t.Errorf("keepalive interval: got %v", cfg.Sessions.KeepaliveInterval)
	}
}

func TestEnvKnobsOverrideFile(t *testing.T) {
	t.Setenv("MAX_RPM_PER_TOKEN", "12")
	t.Setenv("SESSION_AFFINITY_TTL_MS", "60000")
	t.Setenv("MAX_USERS_PER_SESSION", "2")

	data := []byte(`
users:
  max_rpm_per_token: 99
`)
	cfg, err := NewLoader().Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Users.MaxRPMPerToken != 12 {
		t.Errorf("env override lost: got %d, want 12", cfg.Users.MaxRPMPerToken)
	}
	if cfg.Affinity.TTL != time.Minute {
		t.Errorf("affinity ttl: got %v, want 1m", cfg.Affinity.TTL)
	}
	if cfg.Affinity.MaxUsersPerSession != 2 {
		t.Errorf("max users per session: got %d", cfg.Affinity.MaxUsersPerSession)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	data := []byte(`
server:
  port: 70000
`)
	if _, err := NewLoader().Parse(data); err == nil {
		t.Fatal("expected validation error for port 70000")
	}
}

func TestValidateRejectsZeroRPM(t *testing.T) {
	data := []byte(`
users:
  max_rpm_per_token: -1
`)
	if _, err := NewLoader().Parse(data); err == nil {
		t.Fatal("expected validation error for negative rpm cap")
	}
}
