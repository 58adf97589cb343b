package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func sineWavePCM(samples, channels int) []byte {
	out := make([]byte, samples*channels*2)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(float64(i)/20) * 10000)
		for c := 0; c < channels; c++ {
			idx := (i*channels + c) * 2
			out[idx] = byte(v)
			out[idx+1] = byte(v >> 8)
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := NewOpusEncoder(48000, 2, 960)
	require.NoError(t, err)
	dec, err := NewOpusDecoder(48000, 2)
	require.NoError(t, err)

	pcm := sineWavePCM(960, 2)
	opusData, err := enc.EncodeBytes(pcm)
	require.NoError(t, err)
	require.True(t, SanityCheckOpusPayload(opusData))

	decoded, err := dec.DecodeToBytes(opusData)
	require.NoError(t, err)
	require.NotEmpty(t, decoded)
}

func TestSanityCheckOpusPayload(t *testing.T) {
	require.False(t, SanityCheckOpusPayload(nil))
	require.False(t, SanityCheckOpusPayload(make([]byte, maxOpusFrameBytes+1)))
	require.True(t, SanityCheckOpusPayload([]byte{0xFC, 0xFF, 0xFE}))
}
