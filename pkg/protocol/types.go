package protocol

// Version is the message protocol version spoken by this build. Units report
// it in Ready and the controller checks it against a semver constraint.
const Version = "1.0.0"

// Type identifies a message on the channel boundary.
type Type uint8

const (
	MsgUnknown   Type = iota
	MsgInvoke         // controller -> unit: run an operation
	MsgCancel         // controller -> unit: cooperative cancel
	MsgResult         // unit -> controller: value for an id
	MsgError          // unit -> controller: structured error for an id
	MsgFatal          // unit -> controller: unit is going down
	MsgBootstrap      // controller -> unit: program to load
	MsgReady          // unit -> controller: program loaded
)

func (t Type) String() string {
	switch t {
	case MsgInvoke:
		return "invoke"
	case MsgCancel:
		return "cancel"
	case MsgResult:
		return "result"
	case MsgError:
		return "error"
	case MsgFatal:
		return "fatal"
	case MsgBootstrap:
		return "bootstrap"
	case MsgReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) Type {
	for t := MsgInvoke; t <= MsgReady; t++ {
		if t.String() == s {
			return t
		}
	}
	return MsgUnknown
}

// ContentType is optional hint for payload decoding.
const (
	ContentUnknown = "application/octet-stream"
	ContentCBOR    = "application/cbor"
	ContentJSON    = "application/json"
	ContentProto   = "application/x-protobuf"
)
