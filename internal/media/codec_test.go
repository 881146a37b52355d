package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFrameArithmetic(t *testing.T) {
	assert.Equal(t, 160, CodecPCMU.SamplesPerFrame())
	assert.Equal(t, 160, CodecPCMU.BytesPerFrame())
	assert.Equal(t, uint32(160), CodecPCMU.TimestampIncrement())
	assert.Equal(t, 160, CodecPCMA.BytesPerFrame())
}

func TestCodecLookup(t *testing.T) {
	c, err := CodecByPayloadType(0)
	require.NoError(t, err)
	assert.Equal(t, "PCMU", c.Name)

	c, err = CodecByPayloadType(8)
	require.NoError(t, err)
	assert.Equal(t, "PCMA", c.Name)

	_, err = CodecByPayloadType(96)
	assert.Error(t, err)

	c, err = CodecByName("telephone-event")
	require.NoError(t, err)
	assert.Equal(t, uint8(101), c.PayloadType)

	_, err = CodecByName("opus")
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTripLength(t *testing.T) {
	// 160 samples of 16-bit PCM.
	lpcm := make([]byte, 320)
	for i := range lpcm {
		lpcm[i] = byte(i)
	}

	for _, codec := range []Codec{CodecPCMU, CodecPCMA} {
		encoded, err := codec.Encode(lpcm)
		require.NoError(t, err)
		assert.Len(t, encoded, 160, codec.Name)

		decoded, err := codec.Decode(encoded)
		require.NoError(t, err)
		assert.Len(t, decoded, 320, codec.Name)
	}
}

func TestEncodeUnsupportedCodec(t *testing.T) {
	_, err := CodecTelephoneEvent.Encode([]byte{0, 0})
	assert.Error(t, err)
	_, err = CodecTelephoneEvent.Decode([]byte{0})
	assert.Error(t, err)
}

func TestTranscode(t *testing.T) {
	payload := []byte{0xFF, 0x80, 0x00, 0x7F}

	alaw, err := Transcode(CodecPCMU, CodecPCMA, payload)
	require.NoError(t, err)
	assert.Len(t, alaw, len(payload))

	back, err := Transcode(CodecPCMA, CodecPCMU, alaw)
	require.NoError(t, err)
	assert.Len(t, back, len(payload))

	same, err := Transcode(CodecPCMU, CodecPCMU, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, same)

	_, err = Transcode(CodecPCMU, CodecTelephoneEvent, payload)
	assert.Error(t, err)
}

func TestFrameClone(t *testing.T) {
	f := &Frame{
		Type:      TypeAudio,
		Format:    "PCMU",
		Data:      []byte{1, 2, 3},
		Timestamp: 160,
		Marker:    true,
	}

	c := f.Clone()
	c.Data[0] = 99

	assert.Equal(t, byte(1), f.Data[0])
	assert.Equal(t, f.Format, c.Format)
	assert.Equal(t, f.Timestamp, c.Timestamp)
}
