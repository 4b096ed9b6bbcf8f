package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/wavelab/surfgate/internal/errors"
	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/session"
	"github.com/wavelab/surfgate/internal/telemetry"
	"github.com/wavelab/surfgate/internal/user"
)

// Admin endpoints speak plain JSON. Operator authentication is delegated to
// the deployment (reverse proxy / private bind); credentials in every
// response are masked to their last four characters.

const maxAdminBody = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(v); err != nil {
		gwerrors.ErrInvalidJSON.WriteJSON(w)
		return false
	}
	return true
}

// --- accounts --------------------------------------------------------------

func (s *Server) handleAccountsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.accounts.Status()})
}

func (s *Server) handleAccountsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Load(); err != nil {
		gwerrors.Wrap(err, http.StatusInternalServerError, "reload_failed", "accounts reload failed").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accounts": s.accounts.Len()})
}

func (s *Server) handleAccountsHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.accounts.CheckAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "accounts": s.accounts.Status()})
}

// --- sessions --------------------------------------------------------------

func (s *Server) handleSessionsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Status()})
}

type registerSessionRequest struct {
	ID              string `json:"id"`
	Platform        string `json:"platform"`
	Label           string `json:"label"`
	PoolName        string `json:"poolName"`
	Email           string `json:"email"`
	APIKey          string `json:"apiKey"`
	SessionToken    string `json:"sessionToken"`
	FirebaseIDToken string `json:"firebaseIdToken"`
	RefreshToken    string `json:"refreshToken"`
	UID             string `json:"uid"`
}

func (s *Server) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = req.SessionToken
	}
	if req.ID == "" || apiKey == "" {
		gwerrors.New(http.StatusBadRequest, "bad_request", "id and apiKey are required").WriteJSON(w)
		return
	}
	platformTag := req.Platform
	if platformTag == "" {
		platformTag = s.adapter.Name()
	}
	err := s.sessions.Add(&session.Session{
		ID:           req.ID,
		Platform:     platformTag,
		Label:        req.Label,
		PoolName:     req.PoolName,
		Email:        req.Email,
		APIKey:       apiKey,
		JWT:          req.FirebaseIDToken,
		RefreshToken: req.RefreshToken,
		MachineID:    req.UID,
		Enabled:      true,
	})
	if err != nil {
		gwerrors.Wrap(err, http.StatusBadRequest, "bad_request", "session not registered").WriteJSON(w)
		return
	}
	if err := s.sessions.Save(); err != nil {
		logging.Error("sessions save failed", zap.Error(err))
	}
	logging.Info("session registered",
		zap.String("session", req.ID),
		zap.String("platform", platformTag))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

func (s *Server) handleSessionsReload(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Reload(); err != nil {
		gwerrors.Wrap(err, http.StatusInternalServerError, "reload_failed", "sessions reload failed").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.Len()})
}

func (s *Server) handleSessionRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.sessions.Remove(req.ID) {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	s.binder.EvictSession(req.ID)
	if err := s.sessions.Save(); err != nil {
		logging.Error("sessions save failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionsHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.monitor.RunHealthChecks(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": s.sessions.Status()})
}

// --- users -----------------------------------------------------------------

func (s *Server) handleUsersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.users.Status()})
}

type createUserRequest struct {
	ID                       string  `json:"id"`
	Token                    string  `json:"token"`
	Name                     string  `json:"name"`
	CreditLimit              float64 `json:"creditLimit"`
	CreditRecoveryAmount     float64 `json:"creditRecoveryAmount"`
	CreditRecoveryIntervalMS int64   `json:"creditRecoveryIntervalMs"`
	Note                     string  `json:"note"`
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CreditLimit <= 0 {
		req.CreditLimit = s.cfg.Users.TrialInitialCredits
	}
	err := s.users.Add(&user.User{
		ID:                     req.ID,
		Token:                  req.Token,
		Name:                   req.Name,
		CreditLimit:            req.CreditLimit,
		CreditRecoveryAmount:   req.CreditRecoveryAmount,
		CreditRecoveryInterval: time.Duration(req.CreditRecoveryIntervalMS) * time.Millisecond,
		Enabled:                true,
		Note:                   req.Note,
	})
	if err != nil {
		gwerrors.Wrap(err, http.StatusBadRequest, "bad_request", "user not created").WriteJSON(w)
		return
	}
	if err := s.users.Save(); err != nil {
		logging.Error("users save failed", zap.Error(err))
	}
	logging.Info("user created", zap.String("user", req.ID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": req.ID})
}

type updateUserRequest struct {
	ID                       string   `json:"id"`
	Token                    *string  `json:"token,omitempty"`
	Name                     *string  `json:"name,omitempty"`
	CreditLimit              *float64 `json:"creditLimit,omitempty"`
	CreditRecoveryAmount     *float64 `json:"creditRecoveryAmount,omitempty"`
	CreditRecoveryIntervalMS *int64   `json:"creditRecoveryIntervalMs,omitempty"`
	Enabled                  *bool    `json:"enabled,omitempty"`
	Note                     *string  `json:"note,omitempty"`
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.users.Update(req.ID, func(u *user.User) {
		if req.Token != nil {
			u.Token = *req.Token
		}
		if req.Name != nil {
			u.Name = *req.Name
		}
		if req.CreditLimit != nil {
			u.CreditLimit = *req.CreditLimit
		}
		if req.CreditRecoveryAmount != nil {
			u.CreditRecoveryAmount = *req.CreditRecoveryAmount
		}
		if req.CreditRecoveryIntervalMS != nil {
			u.CreditRecoveryInterval = time.Duration(*req.CreditRecoveryIntervalMS) * time.Millisecond
		}
		if req.Enabled != nil {
			u.Enabled = *req.Enabled
		}
		if req.Note != nil {
			u.Note = *req.Note
		}
	})
	if err != nil {
		gwerrors.Wrap(err, http.StatusNotFound, "not_found", "user not updated").WriteJSON(w)
		return
	}
	if err := s.users.Save(); err != nil {
		logging.Error("users save failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.users.Remove(req.ID) {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	if err := s.users.Save(); err != nil {
		logging.Error("users save failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUserResetCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.users.Get(req.ID); !ok {
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	s.users.ResetCredits(req.ID)
	if err := s.users.Save(); err != nil {
		logging.Error("users save failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUsersReload(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Reload(); err != nil {
		gwerrors.Wrap(err, http.StatusInternalServerError, "reload_failed", "users reload failed").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "users": s.users.Len()})
}

// --- telemetry surface -----------------------------------------------------

func (s *Server) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bandwidth.Snapshot(time.Now()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent(limit)})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var nearing []telemetry.QuotaSubject
	for _, u := range s.users.List() {
		if u.CreditLimit <= 0 {
			continue
		}
		pct := u.UsedCredits / u.CreditLimit * 100
		if pct >= 90 {
			nearing = append(nearing, telemetry.QuotaSubject{Name: u.Name, UsedPercent: pct})
		}
	}
	alerts := s.events.Alerts(time.Now(), telemetry.AlertOptions{
		RPMLimit:     s.cfg.Users.MaxRPMPerToken,
		QuotaNearing: nearing,
	})
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// sessionCreditsView is the operator snapshot joining pool credits with
// live affinity load.
type sessionCreditsView struct {
	ID               string  `json:"id"`
	Label            string  `json:"label,omitempty"`
	Enabled          bool    `json:"enabled"`
	CreditsRemaining float64 `json:"creditsRemaining"`
	CreditsTotal     float64 `json:"creditsTotal"`
	BoundClients     int     `json:"boundClients"`
}

func (s *Server) handleSessionCredits(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	out := make([]sessionCreditsView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionCreditsView{
			ID:               sess.ID,
			Label:            sess.Label,
			Enabled:          sess.Enabled,
			CreditsRemaining: sess.CreditsRemaining,
			CreditsTotal:     sess.CreditsTotal,
			BoundClients:     s.binder.BoundCount(sess.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}
