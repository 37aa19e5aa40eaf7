// Package frameunit encodes and decodes the frame unit carried on the camera
// stream: per-frame sensor metadata followed by the raw pixel bytes.
//
// Wire format is a protobuf message (hand-coded with protowire, no generated
// code):
//
//	1 frame_id        varint
//	2 timestamp_eof   varint
//	3 integ_lines     varint
//	4 global_gain     varint
//	5 payload_length  varint
//	6 image           bytes (length must equal payload_length)
//
// Unknown fields are skipped so producers may add fields freely.
package frameunit

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers.
const (
	fieldFrameID       protowire.Number = 1
	fieldTimestampEOF  protowire.Number = 2
	fieldIntegLines    protowire.Number = 3
	fieldGlobalGain    protowire.Number = 4
	fieldPayloadLength protowire.Number = 5
	fieldImage         protowire.Number = 6
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("frameunit: malformed frame unit")

// Unit is one decoded frame.
type Unit struct {
	FrameID      uint64
	TimestampEOF uint64
	IntegLines   uint32
	GlobalGain   uint32
	PayloadLen   uint32

	// Image aliases the decoded message. Copy it before the message buffer
	// is reused.
	Image []byte
}

// Encode serializes u into a new buffer. PayloadLen is taken from len(Image).
func Encode(u Unit) []byte {
	return Append(make([]byte, 0, len(u.Image)+48), u)
}

// Append serializes u onto b.
func Append(b []byte, u Unit) []byte {
	b = appendVarint(b, fieldFrameID, u.FrameID)
	b = appendVarint(b, fieldTimestampEOF, u.TimestampEOF)
	b = appendVarint(b, fieldIntegLines, uint64(u.IntegLines))
	b = appendVarint(b, fieldGlobalGain, uint64(u.GlobalGain))
	b = appendVarint(b, fieldPayloadLength, uint64(len(u.Image)))
	b = protowire.AppendTag(b, fieldImage, protowire.BytesType)
	b = protowire.AppendBytes(b, u.Image)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Decode parses a frame unit. The returned Image is a view into msg.
//
// A message with no image field decodes as a zero-length frame when
// payload_length is absent or zero.
func Decode(msg []byte) (Unit, error) {
	var (
		u        Unit
		declared uint64
		hasImage bool
	)

	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return Unit{}, fmt.Errorf("%w: tag: %w", ErrMalformed, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch num {
		case fieldFrameID, fieldTimestampEOF, fieldIntegLines, fieldGlobalGain, fieldPayloadLength:
			if typ != protowire.VarintType {
				return Unit{}, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return Unit{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			msg = msg[n:]

			switch num {
			case fieldFrameID:
				u.FrameID = v
			case fieldTimestampEOF:
				u.TimestampEOF = v
			case fieldIntegLines:
				if v > math.MaxUint32 {
					return Unit{}, fmt.Errorf("%w: integ_lines %d overflows uint32", ErrMalformed, v)
				}
				u.IntegLines = uint32(v)
			case fieldGlobalGain:
				if v > math.MaxUint32 {
					return Unit{}, fmt.Errorf("%w: global_gain %d overflows uint32", ErrMalformed, v)
				}
				u.GlobalGain = uint32(v)
			case fieldPayloadLength:
				declared = v
			}

		case fieldImage:
			if typ != protowire.BytesType {
				return Unit{}, fmt.Errorf("%w: image has wire type %d", ErrMalformed, typ)
			}
			img, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return Unit{}, fmt.Errorf("%w: image: %w", ErrMalformed, protowire.ParseError(n))
			}
			msg = msg[n:]
			u.Image = img
			hasImage = true

		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return Unit{}, fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}

	if declared > math.MaxUint32 {
		return Unit{}, fmt.Errorf("%w: payload_length %d overflows uint32", ErrMalformed, declared)
	}
	if !hasImage && declared != 0 {
		return Unit{}, fmt.Errorf("%w: payload_length %d without image", ErrMalformed, declared)
	}
	if uint64(len(u.Image)) != declared {
		return Unit{}, fmt.Errorf("%w: image is %d bytes, payload_length says %d",
			ErrMalformed, len(u.Image), declared)
	}

	u.PayloadLen = uint32(declared)
	return u, nil
}
