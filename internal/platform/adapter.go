// Package platform provides the per-platform protocol adapter registry.
// An adapter knows the upstream's URLs, header shape, and how to build the
// keepalive and health probes for a harvested session.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/wavelab/surfgate/internal/wire"
)

// Credentials is the slice of session state an adapter needs to talk to the
// platform. Copied out of the store before any network I/O.
type Credentials struct {
	APIKey        string
	JWT           string
	DeviceID      string
	EditorVersion string
	Locale        string
	OSTag         string
	MachineID     string
}

// Adapter describes one upstream platform.
type Adapter interface {
	// Name returns the platform tag (e.g. "windsurf").
	Name() string

	// BaseURL is the platform's HTTPS origin.
	BaseURL() string

	// CanonicalHost is the Host header the platform expects.
	CanonicalHost() string

	// RPCPathPrefix is the path prefix of the platform's RPC surface.
	RPCPathPrefix() string

	// NormalizeContentType maps the client's RPC media type to the one the
	// platform accepts.
	NormalizeContentType(ct string) string

	// AuthHeader returns the authorization header value for a session.
	AuthHeader(c Credentials) string

	// BuildKeepalive builds the periodic liveness ping request.
	BuildKeepalive(ctx context.Context, c Credentials) (*http.Request, error)

	// BuildHealthCheck builds the health probe request.
	BuildHealthCheck(ctx context.Context, c Credentials) (*http.Request, error)

	// BuildChat converts an OpenAI-shaped conversation into the platform's
	// chat RPC.
	BuildChat(ctx context.Context, c Credentials, model string, msgs []ChatMessage) (*http.Request, error)

	// ParseChatResponse extracts the completion text and token usage from a
	// fully buffered chat RPC response body.
	ParseChatResponse(body []byte) (ChatResult, error)

	// ParseStreamFrame extracts the text delta carried by one RPC frame of a
	// streaming chat response.
	ParseStreamFrame(f wire.Frame) (delta string, done bool, err error)
}

// ChatMessage is one turn of an OpenAI-shaped conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the platform's answer to a chat RPC.
type ChatResult struct {
	Text         string
	PromptTokens int64
}

// Factory creates an Adapter from platform settings.
type Factory func(Settings) Adapter

// Settings carries the configurable pieces of an adapter.
type Settings struct {
	BaseURL       string
	CanonicalHost string
}

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register registers an adapter factory. Called from init() in the
// implementation files.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// New creates an Adapter for the given platform tag.
func New(name string, settings Settings) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown platform: %s", name)
	}
	return factory(settings), nil
}

// Registered returns the registered platform tags.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	return names
}
