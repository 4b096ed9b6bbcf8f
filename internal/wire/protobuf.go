package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// Protobuf wire types.
const (
	TypeVarint byte = 0
	TypeI64    byte = 1
	TypeLen    byte = 2
	TypeI32    byte = 5
)

// maxVarintBytes caps varint length per the protobuf encoding.
const maxVarintBytes = 10

var errVarintOverflow = errors.New("wire: varint exceeds 10 bytes")

// RawField is one field as it appeared on the wire. Raw is the untouched
// original span including the tag; Data holds the value bytes of LEN fields.
// Keeping Raw verbatim is what makes byte-exact re-serialisation possible.
type RawField struct {
	Number int
	Type   byte
	Raw    []byte
	Data   []byte
	Value  uint64 // numeric value for VARINT/I64/I32
}

// readVarint decodes a varint; rejects encodings longer than 10 bytes.
func readVarint(buf []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		if i >= maxVarintBytes {
			return 0, 0, errVarintOverflow
		}
		b := buf[i]
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("wire: truncated varint")
}

// ParseFields decodes top-level fields of a protobuf message. Unsupported
// wire types and malformed tails stop the parse early: whatever was decoded
// up to that point is returned, never an error. Callers that need strictness
// compare consumed length themselves.
func ParseFields(buf []byte) []RawField {
	var fields []RawField
	off := 0
	for off < len(buf) {
		tag, n, err := readVarint(buf[off:])
		if err != nil {
			break
		}
		number := int(tag >> 3)
		wt := byte(tag & 0x7)
		if number == 0 {
			break
		}
		start := off
		off += n

		switch wt {
		case TypeVarint:
			v, m, err := readVarint(buf[off:])
			if err != nil {
				return fields
			}
			off += m
			fields = append(fields, RawField{Number: number, Type: wt, Raw: buf[start:off], Value: v})
		case TypeI64:
			if off+8 > len(buf) {
				return fields
			}
			v := binary.LittleEndian.Uint64(buf[off : off+8])
			off += 8
			fields = append(fields, RawField{Number: number, Type: wt, Raw: buf[start:off], Value: v})
		case TypeLen:
			l, m, err := readVarint(buf[off:])
			if err != nil {
				return fields
			}
			off += m
			end := off + int(l)
			if end > len(buf) || end < off {
				return fields
			}
			fields = append(fields, RawField{Number: number, Type: wt, Raw: buf[start:end], Data: buf[off:end]})
			off = end
		case TypeI32:
			if off+4 > len(buf) {
				return fields
			}
			v := uint64(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
			fields = append(fields, RawField{Number: number, Type: wt, Raw: buf[start:off], Value: v})
		default:
			// Groups and reserved types: stop, return what we have.
			return fields
		}
	}
	return fields
}

// FieldValue is one decoded value for FieldMap.
type FieldValue struct {
	Type  byte
	Num   uint64 // VARINT/I64/I32
	Bytes []byte // LEN
}

// FieldMap decodes a message into a field-number to values multimap.
// Per-field value order follows wire order. Read-only convenience; the
// splicer always goes through ParseFields.
func FieldMap(buf []byte) map[int][]FieldValue {
	m := make(map[int][]FieldValue)
	for _, f := range ParseFields(buf) {
		m[f.Number] = append(m[f.Number], FieldValue{Type: f.Type, Num: f.Value, Bytes: f.Data})
	}
	return m
}

// AppendTag appends a field tag (number<<3 | wireType).
func AppendTag(dst []byte, number int, wireType byte) []byte {
	return binary.AppendUvarint(dst, uint64(number)<<3|uint64(wireType))
}

// AppendVarintField appends a VARINT field.
func AppendVarintField(dst []byte, number int, v uint64) []byte {
	dst = AppendTag(dst, number, TypeVarint)
	return binary.AppendUvarint(dst, v)
}

// AppendBytesField appends a LEN field (string, bytes, or submessage).
func AppendBytesField(dst []byte, number int, data []byte) []byte {
	dst = AppendTag(dst, number, TypeLen)
	dst = binary.AppendUvarint(dst, uint64(len(data)))
	return append(dst, data...)
}

// AppendStringField appends a LEN field carrying a string.
func AppendStringField(dst []byte, number int, s string) []byte {
	return AppendBytesField(dst, number, []byte(s))
}

// AppendFixed64Field appends an I64 field.
func AppendFixed64Field(dst []byte, number int, v uint64) []byte {
	dst = AppendTag(dst, number, TypeI64)
	return binary.LittleEndian.AppendUint64(dst, v)
}

// AppendDoubleField appends a double as an I64 field.
func AppendDoubleField(dst []byte, number int, v float64) []byte {
	return AppendFixed64Field(dst, number, math.Float64bits(v))
}
