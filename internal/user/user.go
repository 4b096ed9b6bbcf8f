package user

import (
	"time"
)

// User is a gateway caller identified by a bearer token. Credits meter
// model usage; credit recovery restores creditRecoveryAmount credits every
// creditRecoveryInterval, modelling subscription plans of the form
// "N credits restored every M hours".
type User struct {
	ID                     string        `json:"id"`
	Token                  string        `json:"token"`
	Name                   string        `json:"name"`
	CreditLimit            float64       `json:"creditLimit"`
	CreditRecoveryAmount   float64       `json:"creditRecoveryAmount"`
	CreditRecoveryInterval time.Duration `json:"-"`
	Enabled                bool          `json:"enabled"`
	CreatedAt              time.Time     `json:"createdAt,omitzero"`
	Note                   string        `json:"note,omitempty"`

	// Runtime counters, persisted so restarts do not reset spend.
	UsedCredits    float64   `json:"usedCredits"`
	TotalUsed      float64   `json:"totalUsed"`
	RequestCount   int64     `json:"requestCount"`
	LastRequestAt  time.Time `json:"lastRequestAt,omitzero"`
	LastRecoveryAt time.Time `json:"lastRecoveryAt,omitzero"`
}

// Available reports the credits the user may still spend.
func (u *User) Available() float64 {
	avail := u.CreditLimit - u.UsedCredits
	if avail < 0 {
		return 0
	}
	return avail
}

// NextRecoveryIn estimates how long until the next recovery tick credits
// this user. Zero means recovery is due now or not configured.
func (u *User) NextRecoveryIn(now time.Time) time.Duration {
	if u.CreditRecoveryInterval <= 0 || u.CreditRecoveryAmount <= 0 {
		return 0
	}
	base := u.LastRecoveryAt
	if base.IsZero() {
		base = u.LastRequestAt
	}
	if base.IsZero() {
		return 0
	}
	due := base.Add(u.CreditRecoveryInterval)
	if !due.After(now) {
		return 0
	}
	return due.Sub(now)
}

// Mask returns the bearer token reduced to its last four characters for
// admin listings. Tokens never appear whole outside the users file.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

// CreditsView is the caller-facing credit report served by the gateway.
type CreditsView struct {
	UserID   string       `json:"userId"`
	Name     string       `json:"name"`
	Credits  CreditDetail `json:"credits"`
	Recovery RecoveryInfo `json:"recovery"`
	Stats    UsageStats   `json:"stats"`
}

type CreditDetail struct {
	Available    float64 `json:"available"`
	Limit        float64 `json:"limit"`
	Used         float64 `json:"used"`
	UsagePercent float64 `json:"usagePercent"`
}

type RecoveryInfo struct {
	Amount         float64   `json:"amount"`
	IntervalHours  float64   `json:"intervalHours"`
	LastRecoveryAt time.Time `json:"lastRecoveryAt,omitzero"`
	NextIn         string    `json:"nextIn,omitempty"`
}

type UsageStats struct {
	TotalUsed     float64   `json:"totalUsed"`
	RequestCount  int64     `json:"requestCount"`
	LastRequestAt time.Time `json:"lastRequestAt,omitzero"`
}

// StatusView is the admin listing entry with the token masked.
type StatusView struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	CreditLimit  float64   `json:"creditLimit"`
	UsedCredits  float64   `json:"usedCredits"`
	Available    float64   `json:"available"`
	TotalUsed    float64   `json:"totalUsed"`
	RequestCount int64     `json:"requestCount"`
	LastRequest  time.Time `json:"lastRequestAt,omitzero"`
	Note         string    `json:"note,omitempty"`
}
