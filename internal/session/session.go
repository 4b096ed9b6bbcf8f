// Package session manages the pool of harvested platform sessions: their
// credentials, runtime counters, persistence, and health lifecycle.
package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wavelab/surfgate/internal/platform"
)

// DisabledReason explains why a session is out of rotation.
type DisabledReason string

const (
	ReasonNone              DisabledReason = ""
	ReasonDisabledInConfig  DisabledReason = "disabled_in_config"
	ReasonQuotaExhausted    DisabledReason = "quota_exhausted"
	ReasonSessionExpired    DisabledReason = "session_expired"
	ReasonHealthCheckFailed DisabledReason = "health_check_failed"
)

// Session is one harvested platform credential set plus its runtime state.
// Identity fields are immutable after creation; runtime fields are mutated
// only under the store lock.
type Session struct {
	// Identity
	ID       string `json:"id"`
	Platform string `json:"platform"`
	Label    string `json:"label,omitempty"`
	PoolName string `json:"poolName,omitempty"`
	Email    string `json:"email,omitempty"`

	// Credentials
	APIKey        string `json:"apiKey"`
	JWT           string `json:"jwt,omitempty"`
	RefreshToken  string `json:"refreshToken,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	EditorVersion string `json:"editorVersion,omitempty"`
	Locale        string `json:"locale,omitempty"`
	OSTag         string `json:"osTag,omitempty"`
	MachineID     string `json:"machineId,omitempty"`

	// Runtime
	Enabled              bool           `json:"enabled"`
	DisabledReason       DisabledReason `json:"disabledReason,omitempty"`
	ConsecutiveFailures  int            `json:"consecutiveFailures"`
	ConsecutiveSuccesses int            `json:"consecutiveSuccesses"`
	LastKeepaliveAt      time.Time      `json:"lastKeepaliveAt,omitzero"`
	LastHealthCheckAt    time.Time      `json:"lastHealthCheckAt,omitzero"`
	LastUsedAt           time.Time      `json:"lastUsedAt,omitzero"`
	UsedRequests         int64          `json:"usedRequests"`
	UsedTokens           int64          `json:"usedTokens"`
	AcquiredAt           time.Time      `json:"acquiredAt,omitzero"`
	ExpiresAt            time.Time      `json:"expiresAt,omitzero"`
	CreditsRemaining     float64        `json:"creditsRemaining"`
	CreditsTotal         float64        `json:"creditsTotal"`
	RequestsServed       int64          `json:"requestsServed"`
	LastModelSeen        string         `json:"lastModelSeen,omitempty"`
}

// Credentials copies the fields needed for upstream I/O. Callers take this
// copy before releasing the store lock.
func (s *Session) Credentials() platform.Credentials {
	return platform.Credentials{
		APIKey:        s.APIKey,
		JWT:           s.JWT,
		DeviceID:      s.DeviceID,
		EditorVersion: s.EditorVersion,
		Locale:        s.Locale,
		OSTag:         s.OSTag,
		MachineID:     s.MachineID,
	}
}

// Expired reports whether the session has outlived its credentials.
// maxAge == 0 disables the acquisition-age fallback.
func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	if !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now) {
		return true
	}
	if maxAge > 0 && !s.AcquiredAt.IsZero() && s.AcquiredAt.Add(maxAge).Before(now) {
		return true
	}
	return false
}

// JWTExpiry extracts the exp claim from a JWT without verifying the
// signature. The gateway never trusts the JWT; the platform does.
func JWTExpiry(token string) (time.Time, bool) {
	if token == "" || strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Mask hides all but the last four characters of a credential.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
