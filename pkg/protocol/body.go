package protocol

import (
	"fmt"
	"strings"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
)

// Format is a compact on-wire indicator of payload encoding.
// It is carried as the first byte of every frame body.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	default:
		return ContentUnknown
	}
}

// ParseFormat accepts short names (cbor, json, proto) or content types.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cbor", ContentCBOR:
		return FormatCBOR, nil
	case "json", ContentJSON:
		return FormatJSON, nil
	case "proto", "protobuf", ContentProto:
		return FormatProto, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format: %q", s)
	}
}

// CodecFor returns a codec instance for a given format.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f {
	case FormatJSON:
		if c := r.Get(ContentJSON); c != nil {
			return c, nil
		}
		return codec.JSON(), nil
	case FormatCBOR:
		if c := r.Get(ContentCBOR); c != nil {
			return c, nil
		}
		return codec.CBOR()
	case FormatProto:
		if c := r.Get(ContentProto); c != nil {
			return c, nil
		}
		return codec.Proto(), nil
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

// EncodeBody serializes v using the codec for f and prefixes the payload
// with a single format byte.
func EncodeBody(r *codec.Registry, f Format, v any) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeBody decodes payload produced by EncodeBody into v.
func DecodeBody(r *codec.Registry, payload []byte, v any) (Format, error) {
	if len(payload) == 0 {
		return FormatUnknown, fmt.Errorf("empty payload")
	}
	f := Format(payload[0])
	c, err := CodecFor(r, f)
	if err != nil {
		return f, err
	}
	if err := c.Unmarshal(payload[1:], v); err != nil {
		return f, err
	}
	return f, nil
}

// EncodeMessage encodes m as a frame body in format f. Protobuf bodies carry
// the message as a structpb.Struct.
func EncodeMessage(r *codec.Registry, f Format, m *Message) ([]byte, error) {
	if f != FormatProto {
		return EncodeBody(r, f, m)
	}
	s, err := messageToStruct(m)
	if err != nil {
		return nil, err
	}
	return EncodeBody(r, f, s)
}

// DecodeMessage decodes a frame body of any supported format and returns the
// format it was written in, so replies can mirror it.
func DecodeMessage(r *codec.Registry, payload []byte) (*Message, Format, error) {
	if len(payload) > 0 && Format(payload[0]) == FormatProto {
		m, err := decodeProtoMessage(r, payload)
		return m, FormatProto, err
	}
	var m Message
	f, err := DecodeBody(r, payload, &m)
	if err != nil {
		return nil, f, fmt.Errorf("decode %s message: %w", f, err)
	}
	return &m, f, nil
}
