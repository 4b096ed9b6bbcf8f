package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// FlagCompressed marks a gzip-compressed payload.
	FlagCompressed byte = 0x01
	// FlagEndOfStream terminates a streaming response.
	FlagEndOfStream byte = 0x02

	// headerSize is the size of an envelope header (1 flag + 4 length).
	headerSize = 5
)

// Frame is one decoded RPC envelope: 1 byte flag bitmask, 4 bytes big-endian
// payload length, payload.
type Frame struct {
	Flags   byte
	Payload []byte
}

// IsCompressed reports whether the payload is gzip-compressed.
func (f *Frame) IsCompressed() bool {
	return f.Flags&FlagCompressed != 0
}

// IsEndOfStream reports whether this frame terminates the stream.
func (f *Frame) IsEndOfStream() bool {
	return f.Flags&FlagEndOfStream != 0
}

// Decompressed returns the payload bytes, gunzipping when the compressed
// flag is set.
func (f *Frame) Decompressed() ([]byte, error) {
	if !f.IsCompressed() {
		return f.Payload, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// EncodeFrame wraps a payload in an envelope. When compress is set the
// payload is gzipped before framing.
func EncodeFrame(payload []byte, compress, endOfStream bool) ([]byte, error) {
	var flags byte
	body := payload
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
		flags |= FlagCompressed
	}
	if endOfStream {
		flags |= FlagEndOfStream
	}

	frame := make([]byte, headerSize+len(body))
	frame[0] = flags
	binary.BigEndian.PutUint32(frame[1:headerSize], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// DecodeFrames splits a buffer into complete envelopes. A truncated tail
// frame is dropped silently; pass-through capture sees partial arrivals.
func DecodeFrames(buf []byte) []Frame {
	var frames []Frame
	for len(buf) >= headerSize {
		length := binary.BigEndian.Uint32(buf[1:headerSize])
		end := headerSize + int(length)
		if end > len(buf) || end < headerSize {
			break
		}
		frames = append(frames, Frame{Flags: buf[0], Payload: buf[headerSize:end]})
		buf = buf[end:]
	}
	return frames
}

// LooksLikeFrame reports whether buf plausibly starts with an envelope whose
// declared length is consistent with the buffer. Used to distinguish framed
// bodies from bare protobuf bodies.
func LooksLikeFrame(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	if buf[0] != 0x00 && buf[0] != FlagCompressed {
		return false
	}
	length := binary.BigEndian.Uint32(buf[1:headerSize])
	return headerSize+int(length) <= len(buf)
}

// FrameReader decodes envelopes incrementally from a stream.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps a stream of envelopes.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next reads one complete envelope. io.EOF after the last whole frame;
// io.ErrUnexpectedEOF if the stream ends mid-frame.
func (fr *FrameReader) Next() (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Flags: header[0], Payload: payload}, nil
}
