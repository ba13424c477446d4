// Package wire frames registry messages for a byte stream.
//
// A frame is a uvarint body length followed by the body.  The body is a
// two-field protobuf-wire envelope: field 1 carries the message kind,
// field 2 the message payload.  Kinds outside the registry are refused
// in both directions.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	cherr "connhub/internal/errors"
	"connhub/internal/message"
)

const (
	fieldKind    protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// Codec encodes and decodes frames against one registry.
type Codec struct {
	registry *message.Registry
	maxFrame int
}

// NewCodec returns a codec bound to reg.  Frames whose body exceeds
// maxFrame bytes are rejected.
func NewCodec(reg *message.Registry, maxFrame int) *Codec {
	return &Codec{registry: reg, maxFrame: maxFrame}
}

// Registry returns the registry the codec discriminates against.
func (c *Codec) Registry() *message.Registry { return c.registry }

// AppendFrame appends the framed encoding of m to b.
func (c *Codec) AppendFrame(b []byte, m message.Message) ([]byte, error) {
	kind := m.Kind()
	if !c.registry.Contains(kind) {
		return b, fmt.Errorf("encode %s: %w", kind, cherr.ErrUnregisteredKind)
	}
	body := appendEnvelope(nil, kind, m.MarshalWire(nil))
	if len(body) > c.maxFrame {
		return b, fmt.Errorf("encode %s (%d bytes): %w", kind, len(body), cherr.ErrFrameTooLarge)
	}
	b = binary.AppendUvarint(b, uint64(len(body)))
	return append(b, body...), nil
}

// Encode returns the framed encoding of m.
func (c *Codec) Encode(m message.Message) ([]byte, error) {
	return c.AppendFrame(nil, m)
}

// AppendRawFrame frames an arbitrary kind and payload without consulting
// any registry.  Protocol tooling uses it to test peers.
func AppendRawFrame(b []byte, kind uint16, payload []byte) []byte {
	body := appendEnvelope(nil, message.Kind(kind), payload)
	b = binary.AppendUvarint(b, uint64(len(body)))
	return append(b, body...)
}

func appendEnvelope(b []byte, kind message.Kind, payload []byte) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(kind))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// ── Decoding ─────────────────────────────────────────────────────────

// Decoder reads frames from a stream.  It is not safe for concurrent
// use; each endpoint read loop owns one.
type Decoder struct {
	codec *Codec
	r     *bufio.Reader
	owner string // endpoint ID for error attribution
	buf   []byte
}

// NewDecoder returns a decoder reading from r.  owner names the
// endpoint in protocol errors.
func (c *Codec) NewDecoder(r io.Reader, owner string) *Decoder {
	return &Decoder{codec: c, r: bufio.NewReader(r), owner: owner}
}

// Decode blocks until a full frame is read.  Transport failures are
// returned as-is; anything wrong with the frame itself is returned as
// a *errors.ProtocolError.
func (d *Decoder) Decode() (message.Message, error) {
	size, err := d.readLength()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, cherr.Protocol(d.owner, 0, fmt.Errorf("empty frame"))
	}
	if size > uint64(d.codec.maxFrame) {
		return nil, cherr.Protocol(d.owner, 0, fmt.Errorf("%d bytes: %w", size, cherr.ErrFrameTooLarge))
	}

	if cap(d.buf) < int(size) {
		d.buf = make([]byte, size)
	}
	body := d.buf[:size]
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	kind, payload, err := parseEnvelope(body)
	if err != nil {
		return nil, cherr.Protocol(d.owner, uint16(kind), err)
	}

	m, err := d.codec.registry.New(kind)
	if err != nil {
		return nil, cherr.Protocol(d.owner, uint16(kind), err)
	}
	if err := m.UnmarshalWire(payload); err != nil {
		return nil, cherr.Protocol(d.owner, uint16(kind), fmt.Errorf("decode %s: %w", kind, err))
	}
	return m, nil
}

func parseEnvelope(b []byte) (kind message.Kind, payload []byte, err error) {
	seenKind := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kind, nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return kind, nil, protowire.ParseError(n)
			}
			if v > 0xFFFF {
				return kind, nil, fmt.Errorf("kind %d out of range", v)
			}
			kind, seenKind = message.Kind(v), true
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return kind, nil, protowire.ParseError(n)
			}
			payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return kind, nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !seenKind {
		return 0, nil, fmt.Errorf("envelope has no kind")
	}
	return kind, payload, nil
}

// maxLengthBytes bounds the uvarint length prefix; four bytes already
// cover 256 MiB, far beyond any accepted frame.
const maxLengthBytes = 4

func (d *Decoder) readLength() (uint64, error) {
	var size uint64
	for i := 0; i < maxLengthBytes; i++ {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		size |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return size, nil
		}
	}
	return 0, cherr.Protocol(d.owner, 0, fmt.Errorf("length prefix longer than %d bytes", maxLengthBytes))
}
