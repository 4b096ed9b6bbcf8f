package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError represents an error that can be returned to clients.
// Kind is a stable machine-readable tag; Code is the HTTP status.
type GatewayError struct {
	Code       int    `json:"-"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// envelope is the wire shape: {"error":{...}}.
type envelope struct {
	Error *GatewayError `json:"error"`
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(envelope{Error: e})
}

// WriteJSONExtra writes the error plus caller-supplied extra top-level fields
// (e.g. credits.available on quota exhaustion).
func (e *GatewayError) WriteJSONExtra(w http.ResponseWriter, extra map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	body := map[string]any{"error": e}
	for k, v := range extra {
		body[k] = v
	}
	json.NewEncoder(w).Encode(body)
}

// Common errors, one per taxonomy kind.
var (
	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Kind:    "unauthorized",
		Message: "missing or invalid bearer token",
	}

	ErrRateLimited = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    "rate_limited",
		Message: "per-token request rate exceeded",
	}

	ErrCreditsExhausted = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Kind:    "credits_exhausted",
		Message: "credit limit reached",
	}

	ErrNoSubscription = &GatewayError{
		Code:    http.StatusForbidden,
		Kind:    "no_subscription",
		Message: "no active subscription",
	}

	ErrNoAvailableAccount = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Kind:    "no_available_account",
		Message: "no upstream account or session available",
	}

	ErrUpstream = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    "upstream_error",
		Message: "upstream request failed",
	}

	ErrUpstreamTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Kind:    "upstream_timeout",
		Message: "upstream request timed out",
	}

	ErrPlatform = &GatewayError{
		Code:    http.StatusBadGateway,
		Kind:    "platform_error",
		Message: "platform adapter error",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    "bad_request",
		Message: "malformed request",
	}

	ErrPayloadTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Kind:    "payload_too_large",
		Message: "request body exceeds limit",
	}

	ErrInvalidJSON = &GatewayError{
		Code:    http.StatusBadRequest,
		Kind:    "invalid_json",
		Message: "request body is not valid JSON",
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Kind:    "not_found",
		Message: "not found",
	}

	ErrProxyProcessing = &GatewayError{
		Code:    http.StatusInternalServerError,
		Kind:    "proxy_processing_error",
		Message: "proxy failed to process the request",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrUnauthorized, ErrRateLimited, ErrCreditsExhausted, ErrNoSubscription,
		ErrNoAvailableAccount, ErrUpstream, ErrUpstreamTimeout, ErrPlatform,
		ErrBadRequest, ErrPayloadTooLarge, ErrInvalidJSON, ErrNotFound,
		ErrProxyProcessing,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(envelope{Error: e})
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, code int, kind, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error carrying extra detail text.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// Truncate shortens upstream body text for inclusion in error details.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
