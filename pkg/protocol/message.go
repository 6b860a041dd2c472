package protocol

import (
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/api"
	"github.com/Double-Cloth/Whalgebra-sub000/pkg/serial"
)

// Message is the single frame shape exchanged with an execution unit. Only the
// fields relevant to Type are set.
type Message struct {
	Type    Type       `cbor:"1,keyasint" json:"t"`
	ID      uint64     `cbor:"2,keyasint,omitempty" json:"id,omitempty"`
	Op      string     `cbor:"3,keyasint,omitempty" json:"op,omitempty"`
	Args    []any      `cbor:"4,keyasint,omitempty" json:"args,omitempty"`
	Value   any        `cbor:"5,keyasint,omitempty" json:"value,omitempty"`
	Error   *ErrorBody `cbor:"6,keyasint,omitempty" json:"error,omitempty"`
	Program *Program   `cbor:"7,keyasint,omitempty" json:"program,omitempty"`
	Ready   *ReadyBody `cbor:"8,keyasint,omitempty" json:"ready,omitempty"`
}

// ErrorBody is the structured error carried by MsgError and MsgFatal.
type ErrorBody struct {
	Kind    string `cbor:"1,keyasint" json:"kind"`
	Message string `cbor:"2,keyasint" json:"message"`
	Trace   string `cbor:"3,keyasint,omitempty" json:"trace,omitempty"`
}

// Program is what a unit needs to bootstrap: the operations it must expose and
// the constant bindings its operations can read.
type Program struct {
	Version    string           `cbor:"1,keyasint" json:"version"`
	Operations []string         `cbor:"2,keyasint" json:"operations"`
	Bindings   []serial.Binding `cbor:"3,keyasint,omitempty" json:"bindings,omitempty"`
}

// ReadyBody acknowledges a Program.
type ReadyBody struct {
	Version string   `cbor:"1,keyasint" json:"version"`
	Ops     []string `cbor:"2,keyasint" json:"ops"`
}

func Invoke(id uint64, op string, args []any) *Message {
	return &Message{Type: MsgInvoke, ID: id, Op: op, Args: args}
}

func Cancel(id uint64) *Message { return &Message{Type: MsgCancel, ID: id} }

func Result(id uint64, v any) *Message { return &Message{Type: MsgResult, ID: id, Value: v} }

func Failure(id uint64, kind api.Kind, msg, trace string) *Message {
	return &Message{Type: MsgError, ID: id, Error: &ErrorBody{Kind: string(kind), Message: msg, Trace: trace}}
}

func Fatal(kind api.Kind, msg, trace string) *Message {
	return &Message{Type: MsgFatal, Error: &ErrorBody{Kind: string(kind), Message: msg, Trace: trace}}
}

// Err converts the error body into an *api.Error. Unknown kinds become
// OperationError so a misbehaving unit cannot forge a health classification.
func (b *ErrorBody) Err() *api.Error {
	if b == nil {
		return api.Errorf(api.KindOperation, "missing error body")
	}
	k := api.Kind(b.Kind)
	switch k {
	case api.KindCancelled, api.KindFunctionNotFound, api.KindOperation:
	default:
		k = api.KindOperation
	}
	return &api.Error{Kind: k, Msg: b.Message, Trace: b.Trace}
}
