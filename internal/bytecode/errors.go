package bytecode

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching. Every DecodeError unwraps to one
// of these by kind.
var (
	ErrCorruptChecksum = errors.New("bytecode: corrupt checksum")
	ErrTruncatedStream = errors.New("bytecode: truncated stream")
	ErrUnknownOpcode   = errors.New("bytecode: unknown opcode")
	ErrMalformed       = errors.New("bytecode: malformed stream")
)

// DecodeErrorKind classifies how a stream failed to decode.
type DecodeErrorKind uint8

const (
	// CorruptChecksum means a segment's CRC32 did not match its payload.
	CorruptChecksum DecodeErrorKind = iota + 1
	// TruncatedStream means the stream ended mid-value or with open nodes.
	TruncatedStream
	// UnknownOpcode means an unrecognized opcode byte, or close-node
	// with no node open.
	UnknownOpcode
	// Malformed means the stream framing contradicts itself (header
	// counts, dangling set-field, trailing bytes after end-segment).
	Malformed
)

func (k DecodeErrorKind) String() string {
	switch k {
	case CorruptChecksum:
		return "corrupt checksum"
	case TruncatedStream:
		return "truncated stream"
	case UnknownOpcode:
		return "unknown opcode"
	case Malformed:
		return "malformed stream"
	default:
		return fmt.Sprintf("decode error %d", uint8(k))
	}
}

// DecodeError reports a failed decode. Segment is -1 when the failure
// is not scoped to one segment.
type DecodeError struct {
	Kind    DecodeErrorKind
	Segment int
	Detail  string
}

func (e *DecodeError) Error() string {
	if e.Segment >= 0 {
		return fmt.Sprintf("bytecode: %s in segment %d: %s", e.Kind, e.Segment, e.Detail)
	}
	return fmt.Sprintf("bytecode: %s: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	switch e.Kind {
	case CorruptChecksum:
		return ErrCorruptChecksum
	case TruncatedStream:
		return ErrTruncatedStream
	case UnknownOpcode:
		return ErrUnknownOpcode
	default:
		return ErrMalformed
	}
}

func decodeErr(kind DecodeErrorKind, segment int, format string, args ...any) error {
	return &DecodeError{Kind: kind, Segment: segment, Detail: fmt.Sprintf(format, args...)}
}
