package rtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	csrcCounts := []int{0, 1, 5, 15}
	payloadSizes := []int{0, 1, 160, 1400}

	for _, cc := range csrcCounts {
		for _, size := range payloadSizes {
			csrc := make([]uint32, cc)
			for i := range csrc {
				csrc[i] = uint32(0xCAFE0000 + i)
			}
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i)
			}

			original := &Packet{
				Header: Header{
					Version:        2,
					Marker:         true,
					PayloadType:    96,
					SequenceNumber: 54321,
					Timestamp:      0xDEADBEEF,
					SSRC:           0x11223344,
					CSRC:           csrc,
				},
				Payload: payload,
			}

			data, err := original.Marshal()
			require.NoError(t, err)
			assert.Len(t, data, HeaderSize+4*cc+size)

			var decoded Packet
			require.NoError(t, decoded.Unmarshal(data))
			assert.Equal(t, original.Header, decoded.Header)
			assert.Equal(t, payload, decoded.Payload)
		}
	}
}

func TestPacketPCMUSerialization(t *testing.T) {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x5A
	}

	pkt := &Packet{
		Header: Header{
			Version:        2,
			Marker:         true,
			PayloadType:    0, // PCMU
			SequenceNumber: 1234,
			Timestamp:      5678,
			SSRC:           0x12345678,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	require.NoError(t, err)
	require.Len(t, data, 172)

	// Byte 0: V=2, no padding/extension, CC=0. Byte 1: M=1, PT=0.
	assert.Equal(t, byte(0x80), data[0])
	assert.Equal(t, byte(0x80), data[1])

	var decoded Packet
	require.NoError(t, decoded.Unmarshal(data))
	assert.Equal(t, uint16(1234), decoded.SequenceNumber)
	assert.Equal(t, uint32(5678), decoded.Timestamp)
	assert.Equal(t, uint32(0x12345678), decoded.SSRC)
	assert.True(t, decoded.Marker)
	assert.Equal(t, uint8(0), decoded.PayloadType)
	assert.Equal(t, byte(0x5A), decoded.Payload[0])
	assert.Equal(t, byte(0x5A), decoded.Payload[159])
}

func TestPacketUnmarshalTooShort(t *testing.T) {
	for size := 0; size < HeaderSize; size++ {
		var pkt Packet
		err := pkt.Unmarshal(make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidPacket, "size %d", size)
	}
}

func TestPacketUnmarshalBadVersion(t *testing.T) {
	data := make([]byte, HeaderSize)
	data[0] = 1 << 6 // version 1

	var pkt Packet
	assert.ErrorIs(t, pkt.Unmarshal(data), ErrInvalidPacket)
}

func TestPacketUnmarshalTruncatedCSRC(t *testing.T) {
	// Declares 4 CSRC entries but carries only the fixed header.
	data := make([]byte, HeaderSize)
	data[0] = 2<<6 | 4

	var pkt Packet
	assert.ErrorIs(t, pkt.Unmarshal(data), ErrInvalidPacket)
}

func TestPacketMarshalTooManyCSRC(t *testing.T) {
	pkt := &Packet{
		Header: Header{
			Version: 2,
			CSRC:    make([]uint32, 16),
		},
	}
	_, err := pkt.Marshal()
	assert.ErrorIs(t, err, ErrInvalidPacket)
}
