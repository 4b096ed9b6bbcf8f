package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONBase(t *testing.T) {
	w := httptest.NewRecorder()
	ErrRateLimited.WriteJSON(w)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status: got %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}

	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Error.Kind != "rate_limited" {
		t.Errorf("kind: got %q, want rate_limited", body.Error.Kind)
	}
}

func TestWriteJSONExtra(t *testing.T) {
	w := httptest.NewRecorder()
	ErrCreditsExhausted.WriteJSONExtra(w, map[string]any{
		"credits": map[string]any{"available": 1.0},
	})

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := body["credits"]; !ok {
		t.Error("expected extra credits field in body")
	}
	if _, ok := body["error"]; !ok {
		t.Error("expected error field in body")
	}
}

func TestWithDetailsDoesNotMutateBase(t *testing.T) {
	d := ErrUpstream.WithDetails("status 500 from platform")
	if ErrUpstream.Details != "" {
		t.Error("base error mutated by WithDetails")
	}
	if d.Details == "" || d.Kind != ErrUpstream.Kind {
		t.Errorf("derived error wrong: %+v", d)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	e := Wrap(inner, http.StatusBadGateway, "upstream_error", "forward failed")
	if e.Unwrap() != inner {
		t.Error("Unwrap did not return the underlying error")
	}
	if e.Error() == "forward failed" {
		t.Error("Error() should include the underlying error")
	}
}

func TestTruncate(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if got := Truncate(string(long), 200); len(got) != 200 {
		t.Errorf("truncated length: got %d, want 200", len(got))
	}
	if got := Truncate("short", 200); got != "short" {
		t.Errorf("short string altered: %q", got)
	}
}
