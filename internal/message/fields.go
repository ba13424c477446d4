package message

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Payloads use the protobuf wire format without generated code: each
// message appends numbered fields and walks them back on decode.
// Unknown field numbers are skipped, so a newer sender can add fields
// without breaking an older receiver of the same registry version.

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// field is one decoded wire value.
type field struct {
	typ protowire.Type
	u   uint64
	raw []byte
}

func (f field) asUint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	return f.u
}

func (f field) asBool() bool { return protowire.DecodeBool(f.asUint()) }

func (f field) asString() string {
	if f.typ != protowire.BytesType {
		return ""
	}
	return string(f.raw)
}

// asBytes returns a copy; raw aliases the frame buffer.
func (f field) asBytes() []byte {
	if f.typ != protowire.BytesType || len(f.raw) == 0 {
		return nil
	}
	out := make([]byte, len(f.raw))
	copy(out, f.raw)
	return out
}

// walk calls visit for every varint and length-delimited field in b.
func walk(b []byte, visit func(num protowire.Number, f field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			visit(num, field{typ: typ, u: v})
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			visit(num, field{typ: typ, raw: v})
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}
