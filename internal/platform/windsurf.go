package platform

import (
	"bytes"
	"context"
	"net/http"

	"github.com/wavelab/surfgate/internal/wire"
)

const (
	defaultWindsurfBaseURL = "https://server.codeium.com"
	defaultWindsurfHost    = "server.codeium.com"

	windsurfRPCPrefix = "/exa."

	pingPath   = "/exa.api_server_pb.ApiServerService/Ping"
	statusPath = "/exa.seat_management_pb.SeatManagementService/GetUserStatus"
	chatPath   = "/exa.api_server_pb.ApiServerService/GetChatMessage"
)

// Chat RPC field numbers.
const (
	chatReqField     = 2 // request submessage on the outer message
	chatModelField   = 1 // model name inside the request submessage
	chatMessageField = 2 // repeated message inside the request submessage
	chatRoleField    = 1 // role inside a message
	chatContentField = 2 // content inside a message

	chatRespTextField   = 1 // text delta on a response payload
	chatRespTokensField = 2 // prompt token count on a response payload
)

func init() {
	Register("windsurf", func(s Settings) Adapter {
		return newWindsurf(s)
	})
}

// windsurf is the adapter for the Windsurf/Codeium platform.
type windsurf struct {
	baseURL string
	host    string
}

func newWindsurf(s Settings) *windsurf {
	baseURL := s.BaseURL
	if baseURL == "" {
		baseURL = defaultWindsurfBaseURL
	}
	host := s.CanonicalHost
	if host == "" {
		host = defaultWindsurfHost
	}
	return &windsurf{baseURL: baseURL, host: host}
}

func (w *windsurf) Name() string          { return "windsurf" }
func (w *windsurf) BaseURL() string       { return w.baseURL }
func (w *windsurf) CanonicalHost() string { return w.host }
func (w *windsurf) RPCPathPrefix() string { return windsurfRPCPrefix }

// NormalizeContentType maps connect framing to the media type the platform
// accepts. The server rejects mismatched labels.
func (w *windsurf) NormalizeContentType(ct string) string {
	if ct == "application/connect+proto" {
		return "application/grpc"
	}
	return ct
}

// AuthHeader prefers the JWT; sessions without one fall back to the api key.
func (w *windsurf) AuthHeader(c Credentials) string {
	if c.JWT != "" {
		return "Bearer " + c.JWT
	}
	return "Bearer " + c.APIKey
}

func (w *windsurf) BuildKeepalive(ctx context.Context, c Credentials) (*http.Request, error) {
	return w.buildRPC(ctx, c, pingPath)
}

func (w *windsurf) BuildHealthCheck(ctx context.Context, c Credentials) (*http.Request, error) {
	return w.buildRPC(ctx, c, statusPath)
}

// BuildChat frames the conversation as a GetChatMessage RPC: outer field 1
// is the ClientMetadata, outer field 2 the chat request with the model name
// and one submessage per turn.
func (w *windsurf) BuildChat(ctx context.Context, c Credentials, model string, msgs []ChatMessage) (*http.Request, error) {
	var chat []byte
	chat = wire.AppendStringField(chat, chatModelField, model)
	for _, m := range msgs {
		var turn []byte
		turn = wire.AppendStringField(turn, chatRoleField, m.Role)
		turn = wire.AppendStringField(turn, chatContentField, m.Content)
		chat = wire.AppendBytesField(chat, chatMessageField, turn)
	}

	var meta []byte
	meta = wire.AppendStringField(meta, 3, c.APIKey)
	if c.JWT != "" {
		meta = wire.AppendStringField(meta, 21, c.JWT)
	}

	var msg []byte
	msg = wire.AppendBytesField(msg, 1, meta)
	msg = wire.AppendBytesField(msg, chatReqField, chat)

	frame, err := wire.EncodeFrame(msg, false, false)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+chatPath, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Host = w.host
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("Authorization", w.AuthHeader(c))
	return req, nil
}

// ParseChatResponse concatenates the text deltas of every response frame and
// picks up the prompt token count when the platform reports one.
func (w *windsurf) ParseChatResponse(body []byte) (ChatResult, error) {
	frames := wire.DecodeFrames(body)
	var res ChatResult
	var text bytes.Buffer
	for _, f := range frames {
		if f.IsEndOfStream() {
			continue
		}
		delta, tokens, err := parseChatPayload(f)
		if err != nil {
			return ChatResult{}, err
		}
		text.WriteString(delta)
		if tokens > 0 {
			res.PromptTokens = tokens
		}
	}
	res.Text = text.String()
	return res, nil
}

// ParseStreamFrame extracts the delta of one streaming frame. The
// end-of-stream flag terminates the stream.
func (w *windsurf) ParseStreamFrame(f wire.Frame) (string, bool, error) {
	if f.IsEndOfStream() {
		return "", true, nil
	}
	delta, _, err := parseChatPayload(f)
	return delta, false, err
}

func parseChatPayload(f wire.Frame) (text string, tokens int64, err error) {
	payload, err := f.Decompressed()
	if err != nil {
		return "", 0, err
	}
	fields := wire.ParseFields(payload)
	var b bytes.Buffer
	for _, fd := range fields {
		switch {
		case fd.Number == chatRespTextField && fd.Type == wire.TypeLen:
			b.Write(fd.Data)
		case fd.Number == chatRespTokensField && fd.Type == wire.TypeVarint:
			tokens = int64(fd.Value)
		}
	}
	return b.String(), tokens, nil
}

// buildRPC frames a minimal request whose ClientMetadata carries only the
// session credentials.
func (w *windsurf) buildRPC(ctx context.Context, c Credentials, path string) (*http.Request, error) {
	var meta []byte
	meta = wire.AppendStringField(meta, 3, c.APIKey)
	if c.JWT != "" {
		meta = wire.AppendStringField(meta, 21, c.JWT)
	}

	var msg []byte
	msg = wire.AppendBytesField(msg, 1, meta)

	frame, err := wire.EncodeFrame(msg, false, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Host = w.host
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("Authorization", w.AuthHeader(c))
	return req, nil
}
