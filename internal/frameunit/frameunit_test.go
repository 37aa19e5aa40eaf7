package frameunit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecode_RoundTrip(t *testing.T) {
	img := bytes.Repeat([]byte{0xAB}, 1164*3)
	in := Unit{
		FrameID:      1234,
		TimestampEOF: 987654321,
		IntegLines:   1500,
		GlobalGain:   300,
		Image:        img,
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)

	assert.Equal(t, in.FrameID, out.FrameID)
	assert.Equal(t, in.TimestampEOF, out.TimestampEOF)
	assert.Equal(t, in.IntegLines, out.IntegLines)
	assert.Equal(t, in.GlobalGain, out.GlobalGain)
	assert.Equal(t, uint32(len(img)), out.PayloadLen)
	assert.Equal(t, img, out.Image)
}

func TestDecode_ImageIsView(t *testing.T) {
	msg := Encode(Unit{FrameID: 1, Image: []byte{1, 2, 3}})

	u, err := Decode(msg)
	require.NoError(t, err)

	u.Image[0] = 9
	assert.Contains(t, string(msg), string([]byte{9, 2, 3}), "image must alias the message")
}

func TestDecode_ZeroLengthPayload(t *testing.T) {
	u, err := Decode(Encode(Unit{FrameID: 5}))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), u.FrameID)
	assert.Zero(t, u.PayloadLen)
	assert.Empty(t, u.Image)
}

func TestDecode_SkipsUnknownFields(t *testing.T) {
	msg := Encode(Unit{FrameID: 7, Image: []byte{1, 2}})
	msg = protowire.AppendTag(msg, 15, protowire.BytesType)
	msg = protowire.AppendString(msg, "camera=rear")
	msg = protowire.AppendTag(msg, 16, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, 42)

	u, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), u.FrameID)
	assert.Equal(t, []byte{1, 2}, u.Image)
}

func TestDecode_Malformed(t *testing.T) {
	good := Encode(Unit{FrameID: 1, Image: []byte{1, 2, 3, 4}})

	var lengthMismatch []byte
	lengthMismatch = appendVarint(lengthMismatch, fieldFrameID, 1)
	lengthMismatch = appendVarint(lengthMismatch, fieldPayloadLength, 10)
	lengthMismatch = protowire.AppendTag(lengthMismatch, fieldImage, protowire.BytesType)
	lengthMismatch = protowire.AppendBytes(lengthMismatch, []byte{1, 2, 3})

	var missingImage []byte
	missingImage = appendVarint(missingImage, fieldPayloadLength, 3)

	var wrongType []byte
	wrongType = protowire.AppendTag(wrongType, fieldFrameID, protowire.BytesType)
	wrongType = protowire.AppendBytes(wrongType, []byte("x"))

	var gainOverflow []byte
	gainOverflow = appendVarint(gainOverflow, fieldGlobalGain, 1<<40)

	tests := []struct {
		name string
		msg  []byte
	}{
		{"truncated", good[:len(good)-2]},
		{"garbage", []byte{0xFF, 0xFF, 0xFF}},
		{"length mismatch", lengthMismatch},
		{"missing image", missingImage},
		{"wrong wire type", wrongType},
		{"gain overflow", gainOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.msg)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestAppend_ReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 256)
	a := Append(buf, Unit{FrameID: 1, Image: []byte{1}})
	b := Append(buf[:0], Unit{FrameID: 2, Image: []byte{2}})

	assert.Equal(t, &a[:1][0], &b[:1][0], "same backing array")

	u, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), u.FrameID)
}
