// Package splice rewrites the credential fields embedded in platform RPC
// requests. The platform server is byte-sensitive: everything except the
// targeted fields must survive verbatim, so the rewrite works on raw field
// spans rather than a schema round trip.
package splice

import (
	"github.com/wavelab/surfgate/internal/wire"
)

const (
	// clientMetadataField is the outer field carrying the ClientMetadata
	// submessage.
	clientMetadataField = 1
	// apiKeyField is the api key string inside ClientMetadata.
	apiKeyField = 3
	// jwtField is the JWT string inside ClientMetadata.
	jwtField = 21
)

// Rewrite replaces the api key and JWT inside the request's ClientMetadata
// submessage. The buffer may be a framed envelope (compressed or not) or a
// bare protobuf message; the result has the same shape. jwt == nil omits
// field 21 entirely, even when the original carried one.
//
// Any failure returns the input unchanged: the caller forwards it and lets
// the upstream reject it.
func Rewrite(buf []byte, apiKey string, jwt *string) []byte {
	if len(buf) < 2 {
		return buf
	}

	if wire.LooksLikeFrame(buf) {
		return rewriteFramed(buf, apiKey, jwt)
	}

	// Bare protobuf: some platform endpoints use application/proto bodies.
	out, ok := rewriteMessage(buf, apiKey, jwt)
	if !ok {
		return buf
	}
	return out
}

func rewriteFramed(buf []byte, apiKey string, jwt *string) []byte {
	frames := wire.DecodeFrames(buf)
	if len(frames) == 0 {
		return buf
	}
	first := frames[0]

	payload, err := first.Decompressed()
	if err != nil {
		return buf
	}

	rewritten, ok := rewriteMessage(payload, apiKey, jwt)
	if !ok {
		return buf
	}

	out, err := wire.EncodeFrame(rewritten, first.IsCompressed(), first.IsEndOfStream())
	if err != nil {
		// Re-compression failed; forward the untouched original.
		return buf
	}

	// Any trailing frames are carried over verbatim.
	if tail := buf[5+len(first.Payload):]; len(tail) > 0 {
		out = append(out, tail...)
	}
	return out
}

// rewriteMessage splices new credentials into a bare protobuf message.
func rewriteMessage(msg []byte, apiKey string, jwt *string) ([]byte, bool) {
	fields := wire.ParseFields(msg)
	if !covers(fields, len(msg)) {
		return nil, false
	}

	metaIdx := -1
	for i, f := range fields {
		if f.Number == clientMetadataField && f.Type == wire.TypeLen {
			metaIdx = i
			break
		}
	}

	var newMeta []byte
	if metaIdx >= 0 {
		inner, ok := rewriteMetadata(fields[metaIdx].Data, apiKey, jwt)
		if !ok {
			return nil, false
		}
		newMeta = inner
	} else {
		// No ClientMetadata at all: synthesise one with just the new
		// credentials and place it at the head of the message.
		var inner []byte
		inner = wire.AppendStringField(inner, apiKeyField, apiKey)
		if jwt != nil {
			inner = wire.AppendStringField(inner, jwtField, *jwt)
		}
		newMeta = inner
	}

	var out []byte
	if metaIdx < 0 {
		out = wire.AppendBytesField(out, clientMetadataField, newMeta)
	}
	for i, f := range fields {
		if i == metaIdx {
			out = wire.AppendBytesField(out, clientMetadataField, newMeta)
			continue
		}
		out = append(out, f.Raw...)
	}
	return out, true
}

// rewriteMetadata rebuilds the ClientMetadata submessage: field 3 replaced
// (or injected at the head), field 21 replaced or dropped, everything else
// spliced back from its original span.
func rewriteMetadata(meta []byte, apiKey string, jwt *string) ([]byte, bool) {
	fields := wire.ParseFields(meta)
	if len(meta) > 0 && !covers(fields, len(meta)) {
		return nil, false
	}

	keyIdx := -1
	jwtIdx := -1
	for i, f := range fields {
		if f.Number == apiKeyField && keyIdx < 0 {
			keyIdx = i
		}
		if f.Number == jwtField && jwtIdx < 0 {
			jwtIdx = i
		}
	}

	var out []byte
	if keyIdx < 0 {
		out = wire.AppendStringField(out, apiKeyField, apiKey)
	}
	for i, f := range fields {
		switch f.Number {
		case apiKeyField:
			if i == keyIdx {
				out = wire.AppendStringField(out, apiKeyField, apiKey)
			}
			// Duplicate api key fields are dropped: later scalar
			// occurrences would override the spliced value.
		case jwtField:
			if i == jwtIdx && jwt != nil {
				out = wire.AppendStringField(out, jwtField, *jwt)
			}
		default:
			out = append(out, f.Raw...)
		}
	}
	if jwt != nil && jwtIdx < 0 {
		out = wire.AppendStringField(out, jwtField, *jwt)
	}
	return out, true
}

// covers reports whether the parsed fields account for every input byte.
// A partial parse means an unsupported or malformed structure.
func covers(fields []wire.RawField, total int) bool {
	n := 0
	for _, f := range fields {
		n += len(f.Raw)
	}
	return n == total
}
