package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Double-Cloth/Whalgebra-sub000/pkg/protocol/codec"
)

// Protobuf bodies go through the JSON shape of Message, so they carry the same
// value domain as JSON. The id travels as a decimal string to keep all 64 bits.

func messageToStruct(m *Message) (*structpb.Struct, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protobuf body: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("protobuf body: %w", err)
	}
	if m.ID != 0 {
		fields["id"] = strconv.FormatUint(m.ID, 10)
	}
	return structpb.NewStruct(fields)
}

func decodeProtoMessage(r *codec.Registry, payload []byte) (*Message, error) {
	var s structpb.Struct
	if _, err := DecodeBody(r, payload, &s); err != nil {
		return nil, fmt.Errorf("decode protobuf message: %w", err)
	}
	fields := s.AsMap()
	var id uint64
	if raw, ok := fields["id"].(string); ok {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode protobuf message: bad id %q", raw)
		}
		id = n
		delete(fields, "id")
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("decode protobuf message: %w", err)
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode protobuf message: %w", err)
	}
	m.ID = id
	return &m, nil
}
