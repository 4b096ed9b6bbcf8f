package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	gwerrors "github.com/wavelab/surfgate/internal/errors"
	"github.com/wavelab/surfgate/internal/logging"
	"github.com/wavelab/surfgate/internal/platform"
	"github.com/wavelab/surfgate/internal/session"
	"github.com/wavelab/surfgate/internal/telemetry"
	"github.com/wavelab/surfgate/internal/upstream"
	"github.com/wavelab/surfgate/internal/user"
	"github.com/wavelab/surfgate/internal/wire"
)

// ChatRequest is the OpenAI-shaped completion request.
type ChatRequest struct {
	Model       string                 `json:"model"`
	Messages    []platform.ChatMessage `json:"messages"`
	Stream      bool                   `json:"stream,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
}

// ChatResponse is the OpenAI-shaped completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	LabMeta *LabMeta `json:"lab_meta,omitempty"`
}

type Choice struct {
	Index        int                  `json:"index"`
	Message      platform.ChatMessage `json:"message"`
	FinishReason string               `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// LabMeta identifies how the gateway routed a completion.
type LabMeta struct {
	RoutedID string   `json:"routedId,omitempty"`
	Mode     string   `json:"mode"`
	Tags     []string `json:"tags,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	token := bearerToken(r)
	base := telemetry.EventRecord{
		Method:    r.Method,
		Path:      r.URL.Path,
		IP:        ip,
		TokenHash: logging.TokenDigest(token),
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

	maxBody := s.cfg.Server.MaxJSONBody
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		base.Status = http.StatusBadRequest
		s.record(base)
		gwerrors.ErrBadRequest.WriteJSON(w)
		return
	}
	if int64(len(body)) > maxBody {
		base.Status = http.StatusRequestEntityTooLarge
		base.Reason = "payload_too_large"
		s.record(base)
		gwerrors.ErrPayloadTooLarge.WriteJSON(w)
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		base.Status = http.StatusBadRequest
		base.Reason = "invalid_json"
		s.record(base)
		gwerrors.ErrInvalidJSON.WriteJSON(w)
		return
	}
	if len(req.Messages) == 0 {
		base.Status = http.StatusBadRequest
		base.Reason = "messages_required"
		s.record(base)
		gwerrors.New(http.StatusBadRequest, "bad_request", "messages_required").WriteJSON(w)
		return
	}
	base.Model = req.Model

	var tags []string
	for _, m := range req.Messages {
		if telemetry.DetectInjection(m.Content) {
			tags = append(tags, telemetry.TagPromptInjection)
			break
		}
	}
	base.Tags = tags

	cost := user.CreditCost(req.Model)
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
	s.metrics.UserCreditsUsed.WithLabelValues(u.ID).Set(u.CreditLimit - available)

	// Routing: upstream account pool first, then the platform session pool,
	// then simulate mode if enabled.
	if account, found := s.accounts.Pick(); found {
		s.chatUpstream(w, r, base, u, account, req, body)
		return
	}
	if sess, found := s.binder.Acquire(ip); found {
		s.chatPlatform(w, r, base, u, sess, req, cost)
		return
	}
	if s.cfg.Server.SimulateEnabled {
		s.chatSimulate(w, base, req)
		return
	}

	if s.cfg.Server.RefundOnUpstreamFailure {
		s.users.Refund(u.ID, cost)
	}
	base.Status = http.StatusServiceUnavailable
	base.Reason = "no_available_account"
	s.record(base)
	gwerrors.ErrNoAvailableAccount.WriteJSON(w)
}

// --- upstream (OpenAI-compatible) mode -------------------------------------

func (s *Server) chatUpstream(w http.ResponseWriter, r *http.Request, base telemetry.EventRecord, u user.User, account upstream.Account, req ChatRequest, body []byte) {
	outBody := body
	if account.Model != "" && account.Model != req.Model {
		if patched, err := sjson.SetBytes(body, "model", account.Model); err == nil {
			outBody = patched
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.UpstreamTimeout)
	defer cancel()
	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, account.ChatURL(), bytes.NewReader(outBody))
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+account.APIKey)

	resp, err := s.client.Do(upReq)
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	defer resp.Body.Close()

	base.SessionID = account.ID
	if req.Stream {
		base.Mode = telemetry.ModeUpstreamStream
		base.Status = resp.StatusCode
		s.record(base)
		s.streamSSE(w, resp)
		return
	}
	base.Mode = telemetry.ModeUpstream

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	base.Status = resp.StatusCode

	if resp.StatusCode == http.StatusOK {
		if tokens := gjson.GetBytes(respBody, "usage.total_tokens").Int(); tokens > 0 {
			s.accounts.RecordUsage(account.ID, tokens)
			base.PromptTokens = gjson.GetBytes(respBody, "usage.prompt_tokens").Int()
		}
		if patched, err := sjson.SetBytes(respBody, "lab_meta", LabMeta{
			RoutedID: account.ID,
			Mode:     string(telemetry.ModeUpstream),
			Tags:     base.Tags,
		}); err == nil {
			respBody = patched
		}
	}
	s.record(base)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// failUpstream maps a transport error to 502/504, refunding only when the
// operator opted in.
func (s *Server) failUpstream(w http.ResponseWriter, base telemetry.EventRecord, u user.User, err error) {
	s.metrics.UpstreamErrors.WithLabelValues(string(base.Mode)).Inc()
	if s.cfg.Server.RefundOnUpstreamFailure {
		s.users.Refund(u.ID, base.CreditCost)
	}
	gwErr := gwerrors.ErrUpstream
	if errIsTimeout(err) {
		gwErr = gwerrors.ErrUpstreamTimeout
	}
	base.Status = gwErr.Code
	base.Reason = gwErr.Kind
	s.record(base)
	logging.Warn("upstream call failed", zap.String("mode", string(base.Mode)), zap.Error(err))
	gwErr.WithDetails(gwerrors.Truncate(err.Error(), 200)).WriteJSON(w)
}

func errIsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "context deadline exceeded")
}

// streamSSE copies an SSE body line by line, flushing each event. Data
// lines, including the [DONE] sentinel, pass through verbatim.
func (s *Server) streamSSE(w http.ResponseWriter, resp *http.Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		gwerrors.ErrProxyProcessing.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		fmt.Fprintf(w, "%s\n", scanner.Text())
		flusher.Flush()
	}
}

// --- platform session mode -------------------------------------------------

func (s *Server) chatPlatform(w http.ResponseWriter, r *http.Request, base telemetry.EventRecord, u user.User, sess session.Session, req ChatRequest, cost float64) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.UpstreamTimeout)
	defer cancel()

	upReq, err := s.adapter.BuildChat(ctx, sess.Credentials(), req.Model, req.Messages)
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	resp, err := s.client.Do(upReq)
	if err != nil {
		base.Mode = telemetry.ModePlatform
		s.failUpstream(w, base, u, err)
		return
	}
	defer resp.Body.Close()

	base.SessionID = sess.ID
	if req.Stream {
		base.Mode = telemetry.ModePlatformStream
		base.Status = resp.StatusCode
		s.record(base)
		s.streamPlatform(w, resp, req.Model)
		if resp.StatusCode == http.StatusOK {
			s.deductSession(sess.ID, cost, req.Model)
		}
		return
	}
	base.Mode = telemetry.ModePlatform

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		base.Status = http.StatusBadGateway
		base.Reason = "platform_error"
		s.record(base)
		gwerrors.ErrPlatform.WithDetails(gwerrors.Truncate(string(respBody), 200)).WriteJSON(w)
		return
	}

	result, err := s.adapter.ParseChatResponse(respBody)
	if err != nil {
		s.failUpstream(w, base, u, err)
		return
	}
	s.deductSession(sess.ID, cost, req.Model)
	base.Status = http.StatusOK
	base.PromptTokens = result.PromptTokens
	s.record(base)

	writeJSON(w, http.StatusOK, ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      platform.ChatMessage{Role: "assistant", Content: result.Text},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens: result.PromptTokens,
			TotalTokens:  result.PromptTokens,
		},
		LabMeta: &LabMeta{RoutedID: sess.ID, Mode: string(telemetry.ModePlatform), Tags: base.Tags},
	})
}

// streamPlatform re-frames the platform's RPC stream as OpenAI SSE chunks.
func (s *Server) streamPlatform(w http.ResponseWriter, resp *http.Response, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		gwerrors.ErrProxyProcessing.WriteJSON(w)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	reader := wire.NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			break
		}
		delta, done, err := s.adapter.ParseStreamFrame(frame)
		if err != nil || done {
			break
		}
		if delta == "" {
			continue
		}
		chunk, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": delta},
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) deductSession(id string, cost float64, model string) {
	remaining, _ := s.sessions.ConsumeCredits(id, cost, model)
	s.metrics.SessionCredits.WithLabelValues(id).Set(remaining)
}

// --- simulate mode ---------------------------------------------------------

// chatSimulate answers with a deterministic completion so the contract can
// be smoke-tested without any upstream.
func (s *Server) chatSimulate(w http.ResponseWriter, base telemetry.EventRecord, req ChatRequest) {
	base.Mode = telemetry.ModeSimulate
	base.Status = http.StatusOK
	s.record(base)

	last := req.Messages[len(req.Messages)-1].Content
	text := fmt.Sprintf("[simulated:%s] %s", req.Model, gwerrors.Truncate(last, 120))
	writeJSON(w, http.StatusOK, ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      platform.ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		LabMeta: &LabMeta{Mode: string(telemetry.ModeSimulate), Tags: base.Tags},
	})
}
