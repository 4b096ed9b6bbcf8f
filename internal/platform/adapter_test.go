package platform

import (
	"context"
	"io"
	"testing"

	"github.com/wavelab/surfgate/internal/wire"
)

func TestRegistryKnowsWindsurf(t *testing.T) {
	a, err := New("windsurf", Settings{})
	if err != nil {
		t.Fatalf("New(windsurf): %v", err)
	}
	if a.Name() != "windsurf" {
		t.Errorf("name: %q", a.Name())
	}
	if a.RPCPathPrefix() != "/exa." {
		t.Errorf("rpc prefix: %q", a.RPCPathPrefix())
	}
}

func TestRegistryUnknownPlatform(t *testing.T) {
	if _, err := New("no-such-platform", Settings{}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestNormalizeContentType(t *testing.T) {
	a, _ := New("windsurf", Settings{})
	if got := a.NormalizeContentType("application/connect+proto"); got != "application/grpc" {
		t.Errorf("connect+proto: got %q", got)
	}
	if got := a.NormalizeContentType("application/proto"); got != "application/proto" {
		t.Errorf("proto should pass through: got %q", got)
	}
}

func TestAuthHeaderPrefersJWT(t *testing.T) {
	a, _ := New("windsurf", Settings{})
	if got := a.AuthHeader(Credentials{APIKey: "k", JWT: "j"}); got != "Bearer j" {
		t.Errorf("with jwt: %q", got)
	}
	if got := a.AuthHeader(Credentials{APIKey: "k"}); got != "Bearer k" {
		t.Errorf("without jwt: %q", got)
	}
}

func TestBuildHealthCheckCarriesCredentials(t *testing.T) {
	a, _ := New("windsurf", Settings{BaseURL: "https://example.test", CanonicalHost: "example.test"})
	req, err := a.BuildHealthCheck(context.Background(), Credentials{APIKey: "key-1", JWT: "jwt-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.Method != "POST" {
		t.Errorf("method: %s", req.Method)
	}
	if req.Host != "example.test" {
		t.Errorf("host: %q", req.Host)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer jwt-1" {
		t.Errorf("authorization: %q", got)
	}

	body, _ := io.ReadAll(req.Body)
	frames := wire.DecodeFrames(body)
	if len(frames) != 1 {
		t.Fatalf("frames: %d", len(frames))
	}
	outer := wire.FieldMap(frames[0].Payload)
	meta := wire.FieldMap(outer[1][0].Bytes)
	if string(meta[3][0].Bytes) != "key-1" {
		t.Errorf("api key in probe: %q", meta[3][0].Bytes)
	}
	if string(meta[21][0].Bytes) != "jwt-1" {
		t.Errorf("jwt in probe: %q", meta[21][0].Bytes)
	}
}

func TestBuildChatFramesConversation(t *testing.T) {
	a, _ := New("windsurf", Settings{BaseURL: "https://example.test"})
	req, err := a.BuildChat(context.Background(), Credentials{APIKey: "key-1"}, "gpt-4o", []ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if req.URL.Path != "/exa.api_server_pb.ApiServerService/GetChatMessage" {
		t.Errorf("path: %q", req.URL.Path)
	}

	body, _ := io.ReadAll(req.Body)
	frames := wire.DecodeFrames(body)
	if len(frames) != 1 {
		t.Fatalf("frames: got %d, want 1", len(frames))
	}
	msg := wire.FieldMap(frames[0].Payload)
	if len(msg[1]) != 1 {
		t.Fatal("metadata field missing")
	}
	meta := wire.FieldMap(msg[1][0].Bytes)
	if got := string(meta[3][0].Bytes); got != "key-1" {
		t.Errorf("api key: %q", got)
	}
	chat := wire.FieldMap(msg[2][0].Bytes)
	if got := string(chat[1][0].Bytes); got != "gpt-4o" {
		t.Errorf("model: %q", got)
	}
	if len(chat[2]) != 2 {
		t.Fatalf("turns: got %d, want 2", len(chat[2]))
	}
	first := wire.FieldMap(chat[2][0].Bytes)
	if string(first[1][0].Bytes) != "user" || string(first[2][0].Bytes) != "hello" {
		t.Errorf("first turn: role=%q content=%q", first[1][0].Bytes, first[2][0].Bytes)
	}
}

func TestParseChatResponseConcatsDeltas(t *testing.T) {
	a, _ := New("windsurf", Settings{})

	var body []byte
	for _, delta := range []string{"hel", "lo"} {
		var payload []byte
		payload = wire.AppendStringField(payload, 1, delta)
		frame, err := wire.EncodeFrame(payload, false, false)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		body = append(body, frame...)
	}
	var last []byte
	last = wire.AppendVarintField(last, 2, 12)
	frame, _ := wire.EncodeFrame(last, false, false)
	body = append(body, frame...)

	res, err := a.ParseChatResponse(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text: %q", res.Text)
	}
	if res.PromptTokens != 12 {
		t.Errorf("tokens: %d", res.PromptTokens)
	}
}

func TestParseStreamFrameEndOfStream(t *testing.T) {
	a, _ := New("windsurf", Settings{})

	var payload []byte
	payload = wire.AppendStringField(payload, 1, "chunk")
	raw, _ := wire.EncodeFrame(payload, false, false)
	frames := wire.DecodeFrames(raw)
	delta, done, err := a.ParseStreamFrame(frames[0])
	if err != nil || done {
		t.Fatalf("data frame: delta=%q done=%v err=%v", delta, done, err)
	}
	if delta != "chunk" {
		t.Errorf("delta: %q", delta)
	}

	eos, _ := wire.EncodeFrame(nil, false, true)
	frames = wire.DecodeFrames(eos)
	_, done, err = a.ParseStreamFrame(frames[0])
	if err != nil || !done {
		t.Errorf("eos frame: done=%v err=%v", done, err)
	}
}
