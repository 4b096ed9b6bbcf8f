package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wavelab/surfgate/internal/logging"
)

// RefresherConfig points at the identity provider's token endpoint. The URL
// and key come from configuration; they are never hardcoded.
type RefresherConfig struct {
	TokenURL string
	APIKey   string
	Interval time.Duration
	QPS      float64
}

// Refresher exchanges refresh tokens for fresh JWTs on a coarse interval.
// Failures are soft: the session keeps its prior JWT until the health
// monitor demotes it.
type Refresher struct {
	store   *Store
	client  *http.Client
	cfg     RefresherConfig
	limiter *rate.Limiter
	save    func() error
}

// NewRefresher creates a refresher. save persists the pool after a
// successful rotation (normally Store.Save).
func NewRefresher(store *Store, cfg RefresherConfig, save func() error) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 45 * time.Minute
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 1
	}
	if save == nil {
		save = store.Save
	}
	return &Refresher{
		store:   store,
		client:  &http.Client{Timeout: 15 * time.Second},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.QPS), 1),
		save:    save,
	}
}

// Run blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// RefreshAll rotates every session that carries a refresh token.
func (r *Refresher) RefreshAll(ctx context.Context) {
	if r.cfg.TokenURL == "" {
		return
	}
	rotated := 0
	for _, s := range r.store.List() {
		if s.RefreshToken == "" {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if err := r.refreshOne(ctx, s.ID, s.RefreshToken); err != nil {
			logging.Warn("token refresh failed",
				zap.String("session", s.ID),
				zap.Error(err))
			continue
		}
		rotated++
	}
	if rotated > 0 {
		if err := r.save(); err != nil {
			logging.Error("persisting refreshed tokens failed", zap.Error(err))
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, id, refreshToken string) error {
	var body []byte

	op := func() error {
		b, err := r.exchange(ctx, refreshToken)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	// A couple of quick retries inside the tick; anything further waits
	// for the next tick.
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return err
	}

	idToken := gjson.GetBytes(body, "id_token").String()
	if idToken == "" {
		return fmt.Errorf("identity provider response missing id_token")
	}
	newRefresh := gjson.GetBytes(body, "refresh_token").String()
	r.store.UpdateTokens(id, idToken, newRefresh)
	return nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, err
	}

	url := r.cfg.TokenURL
	if r.cfg.APIKey != "" {
		url += "?key=" + r.cfg.APIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider returned %d", resp.StatusCode)
	}
	return body, nil
}
