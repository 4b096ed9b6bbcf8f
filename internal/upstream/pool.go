// Package upstream manages the pool of OpenAI-compatible accounts used by
// /v1/chat/completions when a request is routed away from the platform
// session pool.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavelab/surfgate/internal/logging"
)

// Account is one OpenAI-compatible upstream credential.
type Account struct {
	ID         string `json:"id"`
	APIKey     string `json:"apiKey"`
	BaseURL    string `json:"baseUrl"`
	Model      string `json:"model,omitempty"` // forced model override, optional
	DailyLimit int64  `json:"dailyLimit,omitempty"`
	Enabled    bool   `json:"enabled"`

	// Runtime counters.
	UsedTokens    int64     `json:"usedTokens"`
	RequestCount  int64     `json:"requestCount"`
	Healthy       bool      `json:"healthy"`
	LastCheckedAt time.Time `json:"lastCheckedAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// ChatURL returns the account's chat-completions endpoint.
func (a *Account) ChatURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/chat/completions"
}

func (a *Account) modelsURL() string {
	return strings.TrimRight(a.BaseURL, "/") + "/models"
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Path              string        // accounts file path
	DefaultDailyLimit int64         // applied when an account has no limit
	HealthTimeout     time.Duration // per-probe deadline
}

// Pool is the account registry with least-used selection and a periodic
// health monitor.
type Pool struct {
	mu    sync.Mutex
	opts  PoolOptions
	order []string
	byID  map[string]*Account

	client *http.Client
}

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2500 * time.Millisecond
	}
	return &Pool{
		opts:   opts,
		byID:   make(map[string]*Account),
		client: &http.Client{Timeout: opts.HealthTimeout},
	}
}

type accountsDoc struct {
	Accounts []Account `json:"accounts"`
}

// Load replaces the pool with the accounts file contents. A missing file is
// not an error: running without an upstream pool is a supported mode.
func (p *Pool) Load() error {
	if p.opts.Path == "" {
		return nil
	}
	data, err := os.ReadFile(p.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read accounts file: %w", err)
	}
	var doc accountsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse accounts file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.byID
	p.order = p.order[:0]
	p.byID = make(map[string]*Account, len(doc.Accounts))
	for i := range doc.Accounts {
		a := doc.Accounts[i]
		if a.ID == "" || a.APIKey == "" || a.BaseURL == "" {
			logging.Warn("skipping account entry with missing fields", zap.String("account", a.ID))
			continue
		}
		if _, dup := p.byID[a.ID]; dup {
			continue
		}
		if a.DailyLimit == 0 {
			a.DailyLimit = p.opts.DefaultDailyLimit
		}
		// New accounts start healthy until the monitor says otherwise.
		a.Healthy = true
		if old, ok := prev[a.ID]; ok {
			a.UsedTokens = old.UsedTokens
			a.RequestCount = old.RequestCount
			a.Healthy = old.Healthy
			a.LastCheckedAt = old.LastCheckedAt
			a.LastError = old.LastError
		}
		p.order = append(p.order, a.ID)
		p.byID[a.ID] = &a
	}
	return nil
}

// Save persists the pool atomically.
func (p *Pool) Save() error {
	if p.opts.Path == "" {
		return nil
	}
	p.mu.Lock()
	doc := accountsDoc{Accounts: make([]Account, 0, len(p.order))}
	for _, id := range p.order {
		doc.Accounts = append(doc.Accounts, *p.byID[id])
	}
	path := p.opts.Path
	p.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".accounts-*")
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

// Pick returns the enabled healthy account with the fewest used tokens that
// still has daily headroom.
func (p *Pool) Pick() (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best *Account
	for _, id := range p.order {
		a := p.byID[id]
		if !a.Enabled || !a.Healthy {
			continue
		}
		if a.DailyLimit > 0 && a.UsedTokens >= a.DailyLimit {
			continue
		}
		if best == nil || a.UsedTokens < best.UsedTokens {
			best = a
		}
	}
	if best == nil {
		return Account{}, false
	}
	return *best, true
}

// RecordUsage adds token usage to an account.
func (p *Pool) RecordUsage(id string, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.byID[id]; ok {
		a.UsedTokens += tokens
		a.RequestCount++
	}
}

// Get returns a copy of one account.
func (p *Pool) Get(id string) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Len reports how many accounts are loaded.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// DailyReset clears per-day token counters.
func (p *Pool) DailyReset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		p.byID[id].UsedTokens = 0
	}
}

// CheckAll probes every enabled account's /models endpoint once. Run on the
// 30 s monitor tick and on the admin health-check endpoint.
func (p *Pool) CheckAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]Account, 0, len(p.order))
	for _, id := range p.order {
		if a := p.byID[id]; a.Enabled {
			targets = append(targets, *a)
		}
	}
	p.mu.Unlock()

	for _, a := range targets {
		healthy, errMsg := p.probe(ctx, &a)
		p.mu.Lock()
		if live, ok := p.byID[a.ID]; ok {
			wasHealthy := live.Healthy
			live.Healthy = healthy
			live.LastCheckedAt = time.Now()
			live.LastError = errMsg
			if wasHealthy && !healthy {
				logging.Warn("upstream account unhealthy",
					zap.String("account", a.ID),
					zap.String("error", errMsg))
			} else if !wasHealthy && healthy {
				logging.Info("upstream account recovered", zap.String("account", a.ID))
			}
		}
		p.mu.Unlock()
	}
}

func (p *Pool) probe(ctx context.Context, a *Account) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.modelsURL(), nil)
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return true, ""
}

// Monitor runs CheckAll on a fixed interval until ctx is cancelled.
func (p *Pool) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckAll(ctx)
		}
	}
}

// StatusView is the admin listing entry with the key masked.
type StatusView struct {
	ID            string    `json:"id"`
	APIKey        string    `json:"apiKey"`
	BaseURL       string    `json:"baseUrl"`
	Model         string    `json:"model,omitempty"`
	Enabled       bool      `json:"enabled"`
	Healthy       bool      `json:"healthy"`
	UsedTokens    int64     `json:"usedTokens"`
	DailyLimit    int64     `json:"dailyLimit,omitempty"`
	RequestCount  int64     `json:"requestCount"`
	LastCheckedAt time.Time `json:"lastCheckedAt,omitzero"`
	LastError     string    `json:"lastError,omitempty"`
}

// Status returns masked admin snapshots in file order.
func (p *Pool) Status() []StatusView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StatusView, 0, len(p.order))
	for _, id := range p.order {
		a := p.byID[id]
		out = append(out, StatusView{
			ID:            a.ID,
			APIKey:        mask(a.APIKey),
			BaseURL:       a.BaseURL,
			Model:         a.Model,
			Enabled:       a.Enabled,
			Healthy:       a.Healthy,
			UsedTokens:    a.UsedTokens,
			DailyLimit:    a.DailyLimit,
			RequestCount:  a.RequestCount,
			LastCheckedAt: a.LastCheckedAt,
			LastError:     a.LastError,
		})
	}
	return out
}

func mask(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
