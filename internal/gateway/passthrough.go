package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/wavelab/surfgate/internal/errors"
	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/splice"
	"github.com/wavelab/surfgate/internal/telemetry"
	"github.com/wavelab/surfgate/internal/user"
	"github.com/wavelab/surfgate/internal/wire"
)

// maxRPCBody caps pass-through bodies. RPC envelopes are small; anything
// near this size is abuse.
const maxRPCBody = 16 << 20

// chatMethodSuffix marks the platform RPCs that cost credits.
const chatMethodSuffix = "/GetChatMessage"

// hop-by-hop headers never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handlePassthrough relays a platform RPC: authenticate, charge, bind a
// session, splice its credentials into the envelope and stream the
// platform's answer back verbatim.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	token := bearerToken(r)
	base := telemetry.EventRecord{
		Method:    r.Method,
		Path:      r.URL.Path,
		IP:        ip,
		TokenHash: logging.TokenDigest(token),
		Mode:      telemetry.ModeWindsurfProxy,
	}

	u, ok := s.users.Authenticate(token)
	if !ok {
		base.Status = http.StatusUnauthorized
		base.Reason = "invalid_token"
		s.record(base)
		gwerrors.ErrUnauthorized.WriteJSON(w)
		return
	}
	base.UserName = u.Name

	if !s.limiter.Allow(token, time.Now()) {
		base.Status = http.StatusTooManyRequests
		base.Reason = "rate_limited"
		s.record(base)
		gwerrors.ErrRateLimited.WriteJSON(w)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody+1))
	if err != nil || len(body) > maxRPCBody {
		base.Status = http.StatusRequestEntityTooLarge
		base.Reason = "payload_too_large"
		s.record(base)
		gwerrors.ErrPayloadTooLarge.WriteJSON(w)
		return
	}

	// Only chat RPCs are charged. The model rides inside the opaque
	// protobuf, so scan the (decompressed) payload for a priced name.
	var cost float64
	if strings.HasSuffix(r.URL.Path, chatMethodSuffix) {
		model, _ := user.DetectModel(scanTarget(body))
		base.Model = model
		cost = user.CreditCost(model)
		base.CreditCost = cost

		available, ok := s.users.Consume(u.ID, cost)
		if !ok {
			base.Status = http.StatusTooManyRequests
			base.Reason = "credits_exhausted"
			s.record(base)
			gwerrors.ErrCreditsExhausted.WriteJSONExtra(w, map[string]any{
				"credits":        map[string]any{"available": available},
				"nextRecoveryIn": s.users.NextRecovery(u.ID, time.Now()),
			})
			return
		}
	}

	sess, ok := s.binder.Acquire(ip)
	if !ok {
		if s.cfg.Server.RefundOnUpstreamFailure && cost > 0 {
			s.users.Refund(u.ID, cost)
		}
		base.Status = http.StatusServiceUnavailable
		base.Reason = "no_available_account"
		s.record(base)
		gwerrors.ErrNoAvailableAccount.WriteJSON(w)
		return
	}
	base.SessionID = sess.ID

	var jwt *string
	if sess.JWT != "" {
		jwt = &sess.JWT
	}
	outBody := splice.Rewrite(body, sess.APIKey, jwt)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.UpstreamTimeout)
	defer cancel()
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.adapter.BaseURL()+r.URL.Path, bytes.NewReader(outBody))
	if err != nil {
		base.Status = http.StatusInternalServerError
		s.record(base)
		gwerrors.ErrProxyProcessing.WriteJSON(w)
		return
	}
	copyForwardHeaders(upReq.Header, r.Header)
	upReq.Host = s.adapter.CanonicalHost()
	upReq.Header.Set("Content-Type", s.adapter.NormalizeContentType(r.Header.Get("Content-Type")))
	upReq.Header.Set("Authorization", s.adapter.AuthHeader(sess.Credentials()))

	resp, err := s.client.Do(upReq)
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues(string(telemetry.ModeWindsurfProxy)).Inc()
		if s.cfg.Server.RefundOnUpstreamFailure && cost > 0 {
			s.users.Refund(u.ID, cost)
		}
		gwErr := gwerrors.ErrUpstream
		if errIsTimeout(err) {
			gwErr = gwerrors.ErrUpstreamTimeout
		}
		base.Status = gwErr.Code
		base.Reason = gwErr.Kind
		s.record(base)
		logging.Warn("platform relay failed",
			zap.String("path", r.URL.Path),
			zap.String("session", sess.ID),
			zap.Error(err))
		gwErr.WithDetails(gwerrors.Truncate(err.Error(), 200)).WriteJSON(w)
		return
	}
	defer resp.Body.Close()

	// Upstream status passes through verbatim; only transport errors were
	// remapped above.
	base.Status = resp.StatusCode
	s.record(base)

	for k, vv := range resp.Header {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n := relayBody(w, resp.Body)

	if resp.StatusCode == http.StatusOK && cost > 0 {
		s.deductSession(sess.ID, cost, base.Model)
		s.sessions.RecordUsage(sess.ID, approxTokens(int64(len(body))+n))
	}
}

// scanTarget returns the bytes to scan for a model name: the decompressed
// first frame when the body is enveloped, otherwise the body itself.
func scanTarget(body []byte) []byte {
	if !wire.LooksLikeFrame(body) {
		return body
	}
	frames := wire.DecodeFrames(body)
	if len(frames) == 0 {
		return body
	}
	payload, err := frames[0].Decompressed()
	if err != nil {
		return body
	}
	return payload
}

// relayBody streams response bytes to the client, flushing as they arrive
// so streamed RPCs are not buffered.
func relayBody(w http.ResponseWriter, body io.Reader) int64 {
	flusher, _ := w.(http.Flusher)
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if flusher != nil {
				flusher.Flush()
			}
			if werr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}

func copyForwardHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) || strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// approxTokens is the crude byte-based token estimate used for daily
// session quotas.
func approxTokens(bytes int64) int64 {
	return bytes / 4
}
