package session

import (
	"context"
	"net/http"

	"github.com/wavelab/surfgate/internal/platform"
	"github.com/wavelab/surfgate/internal/wire"
)

// testAdapter routes probes at an httptest server.
type testAdapter struct {
	base string
}

func newTestAdapter(base string) *testAdapter {
	return &testAdapter{base: base}
}

func (a *testAdapter) Name() string          { return "test" }
func (a *testAdapter) BaseURL() string       { return a.base }
func (a *testAdapter) CanonicalHost() string { return "test.local" }
func (a *testAdapter) RPCPathPrefix() string { return "/exa." }

func (a *testAdapter) NormalizeContentType(ct string) string { return ct }

func (a *testAdapter) AuthHeader(c platform.Credentials) string {
	if c.JWT != "" {
		return "Bearer " + c.JWT
	}
	return "Bearer " + c.APIKey
}

func (a *testAdapter) BuildKeepalive(ctx context.Context, c platform.Credentials) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/ping", nil)
}

func (a *testAdapter) BuildHealthCheck(ctx context.Context, c platform.Credentials) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/health", nil)
}

func (a *testAdapter) BuildChat(ctx context.Context, c platform.Credentials, model string, msgs []platform.ChatMessage) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/chat", nil)
}

func (a *testAdapter) ParseChatResponse(body []byte) (platform.ChatResult, error) {
	return platform.ChatResult{Text: string(body)}, nil
}

func (a *testAdapter) ParseStreamFrame(f wire.Frame) (string, bool, error) {
	if f.IsEndOfStream() {
		return "", true, nil
	}
	return string(f.Payload), false, nil
}
