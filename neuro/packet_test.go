package neuro

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPacket_PayloadBounds(t *testing.T) {
	_, err := NewPacket(CommandPacket, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidPayloadSize, "empty payload must be rejected")

	_, err = NewPacket(CommandPacket, 1, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrInvalidPayloadSize, "255-byte payload must be rejected")

	p, err := NewPacket(CommandPacket, 1, []byte{0x01})
	require.NoError(t, err)
	assert.Len(t, p.Payload(), 1)

	p, err = NewPacket(CommandPacket, 1, make([]byte, MaxPayloadSize))
	require.NoError(t, err)
	assert.Len(t, p.Payload(), MaxPayloadSize)
}

func TestNewPacket_CopiesPayload(t *testing.T) {
	payload := []byte{0x01, 0x02}
	p, err := NewPacket(CommandPacket, 9, payload)
	require.NoError(t, err)

	payload[0] = 0xFF
	assert.Equal(t, byte(0x01), p.Payload()[0], "packet must not alias the caller's slice")
}

func TestPacket_Encode_KnownFrames(t *testing.T) {
	tests := []struct {
		name string
		typ  PacketType
		id   byte
		data []byte
		want []byte
	}{
		{
			name: "watchdog reset command",
			typ:  CommandPacket,
			id:   7,
			data: []byte{byte(OpWatchdogReset)},
			want: []byte{0xAA, 0x01, 0x02, 0x01, 0x07, 0x01, 0x02, 0x0E},
		},
		{
			name: "command ack",
			typ:  CommandPacket,
			id:   7,
			data: []byte{0x00},
			want: []byte{0xAA, 0x01, 0x02, 0x01, 0x07, 0x01, 0x00, 0x0C},
		},
		{
			name: "start streaming command",
			typ:  CommandPacket,
			id:   8,
			data: []byte{byte(OpStartStreaming)},
			want: []byte{0xAA, 0x01, 0x02, 0x01, 0x08, 0x01, 0x03, 0x10},
		},
		{
			name: "error reply",
			typ:  ErrorPacket,
			id:   8,
			data: []byte{byte(CodeAlreadyStreaming)},
			want: []byte{0xAA, 0x01, 0x02, 0x00, 0x08, 0x01, 0x05, 0x11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPacket(tt.typ, tt.id, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Encode())
		})
	}
}

func TestPacket_EncodeDecodeRoundTrip(t *testing.T) {
	for _, size := range []int{1, 2, 17, 128, 254} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		p, err := NewPacket(StreamDataPacket, 0xC3, payload)
		require.NoError(t, err)

		framer := NewFramer(nil)

		var got *Packet
		for _, b := range p.Encode() {
			if pkt := framer.Feed(b); pkt != nil {
				require.Nil(t, got, "one frame must yield exactly one packet")
				got = pkt
			}
		}

		require.NotNil(t, got, "size %d", size)
		assert.Equal(t, StreamDataPacket, got.Type())
		assert.Equal(t, byte(0xC3), got.ID())
		assert.True(t, bytes.Equal(payload, got.Payload()))
	}
}

func TestChecksum_Overflow(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 256)
	assert.Equal(t, byte(0x00), Checksum(data), "256 x 0xFF wraps to zero")
}

func TestPacketType_IsValid(t *testing.T) {
	assert.True(t, ErrorPacket.IsValid())
	assert.True(t, CommandPacket.IsValid())
	assert.True(t, StreamDataPacket.IsValid())
	assert.False(t, PacketType(3).IsValid())
	assert.False(t, PacketType(0xFF).IsValid())
}

func TestDeviceError_CodeOf(t *testing.T) {
	err := NewDeviceError(CodeAlreadyStreaming)

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadyStreaming, code)

	assert.True(t, IsCode(err, CodeAlreadyStreaming))
	assert.True(t, IsCode(err, CodeBadChecksum, CodeAlreadyStreaming))
	assert.False(t, IsCode(err, CodeBadChecksum))

	_, ok = CodeOf(ErrListenerNotFound)
	assert.False(t, ok)
}

func TestIDGenerator_Wraps(t *testing.T) {
	var gen IDGenerator

	for i := 0; i < 255; i++ {
		gen.Next()
	}

	assert.Equal(t, byte(0), gen.Next(), "sequence id 255 wraps to 0")
	assert.Equal(t, byte(1), gen.Next())
}
