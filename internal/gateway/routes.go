package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	gwerrors "github.com/wavelab/surfgate/internal/errors"
	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/telemetry"
	"github.com/wavelab/surfgate/internal/user"
)

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()

	r.HandlerFunc(http.MethodGet, "/health", s.instrument(s.handleHealth))
	r.HandlerFunc(http.MethodGet, "/v1/models", s.instrument(s.handleModels))
	r.HandlerFunc(http.MethodGet, "/v1/credits", s.instrument(s.handleCredits))
	r.HandlerFunc(http.MethodPost, "/v1/chat/completions", s.instrument(s.handleChat))

	// Admin surface.
	r.HandlerFunc(http.MethodGet, "/admin/accounts/status", s.handleAccountsStatus)
	r.HandlerFunc(http.MethodPost, "/admin/accounts/reload", s.handleAccountsReload)
	r.HandlerFunc(http.MethodPost, "/admin/accounts/health-check", s.handleAccountsHealthCheck)
	r.HandlerFunc(http.MethodGet, "/admin/sessions/status", s.handleSessionsStatus)
	r.HandlerFunc(http.MethodPost, "/admin/sessions/register", s.handleSessionRegister)
	r.HandlerFunc(http.MethodPost, "/admin/sessions/reload", s.handleSessionsReload)
	r.HandlerFunc(http.MethodPost, "/admin/sessions/remove", s.handleSessionRemove)
	r.HandlerFunc(http.MethodPost, "/admin/sessions/health-check", s.handleSessionsHealthCheck)
	r.HandlerFunc(http.MethodGet, "/admin/users/status", s.handleUsersStatus)
	r.HandlerFunc(http.MethodPost, "/admin/users/create", s.handleUserCreate)
	r.HandlerFunc(http.MethodPost, "/admin/users/update", s.handleUserUpdate)
	r.HandlerFunc(http.MethodPost, "/admin/users/delete", s.handleUserDelete)
	r.HandlerFunc(http.MethodPost, "/admin/users/reset-credits", s.handleUserResetCredits)
	r.HandlerFunc(http.MethodPost, "/admin/users/reload", s.handleUsersReload)
	r.HandlerFunc(http.MethodGet, "/admin/bandwidth", s.handleBandwidth)
	r.HandlerFunc(http.MethodGet, "/soc/events", s.handleEvents)
	r.HandlerFunc(http.MethodGet, "/soc/alerts", s.handleAlerts)
	r.HandlerFunc(http.MethodGet, "/v1/session-credits", s.handleSessionCredits)
	r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())

	// The platform RPC surface is an open path prefix, not a fixed route.
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost && strings.HasPrefix(req.URL.Path, s.adapter.RPCPathPrefix()) {
			s.instrument(s.handlePassthrough)(w, req)
			return
		}
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	return r
}

// countingWriter tracks status and outbound bytes for telemetry.
type countingWriter struct {
	http.ResponseWriter
	status   int
	bytesOut int64
}

func (cw *countingWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.status == 0 {
		cw.status = http.StatusOK
	}
	n, err := cw.ResponseWriter.Write(p)
	cw.bytesOut += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument wraps a data-plane handler with the bandwidth ring and the
// Prometheus collectors.
func (s *Server) instrument(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &countingWriter{ResponseWriter: w}
		s.bandwidth.Begin()
		s.metrics.Concurrent.Inc()

		next(cw, r)

		status := cw.status
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		s.bandwidth.End(telemetry.RequestSample{
			At:       start,
			Duration: dur,
			BytesIn:  r.ContentLength,
			BytesOut: cw.bytesOut,
			Status:   status,
		})
		s.metrics.Concurrent.Dec()
		route := r.URL.Path
		if strings.HasPrefix(route, s.adapter.RPCPathPrefix()) {
			route = s.adapter.RPCPathPrefix() + "*"
		}
		s.metrics.RequestDuration.WithLabelValues(route).Observe(dur.Seconds())
		if r.ContentLength > 0 {
			s.metrics.BytesTransferred.WithLabelValues("in").Add(float64(r.ContentLength))
		}
		s.metrics.BytesTransferred.WithLabelValues("out").Add(float64(cw.bytesOut))
	}
}

// record appends one event and bumps the request counter.
func (s *Server) record(e telemetry.EventRecord) {
	s.events.Append(e)
	route := e.Path
	if strings.HasPrefix(route, s.adapter.RPCPathPrefix()) {
		route = s.adapter.RPCPathPrefix() + "*"
	}
	s.metrics.RequestsTotal.WithLabelValues(route, string(e.Mode), strconv.Itoa(e.Status)).Inc()
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed")
	}
}

// --- user-facing basics ----------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"service": s.cfg.Server.ServiceName,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := s.startTime.Unix()
	models := user.KnownModels()
	data := make([]modelEntry, 0, len(models))
	for _, id := range models {
		data = append(data, modelEntry{ID: id, Object: "model", OwnedBy: "system", Created: created})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	u, ok := s.users.Authenticate(token)
	if !ok {
		s.record(telemetry.EventRecord{
			Method: r.Method, Path: r.URL.Path, IP: clientIP(r),
			TokenHash: logging.TokenDigest(token), Status: http.StatusUnauthorized,
			Reason: "invalid_token",
		})
		gwerrors.ErrUnauthorized.WriteJSON(w)
		return
	}
	view, _ := s.users.Credits(u.ID, time.Now())
	writeJSON(w, http.StatusOK, view)
}
