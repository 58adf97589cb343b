// Package audio wraps libopus encode/decode for the voice plane's payload
// codec. The signaling and routing layers never touch this package — the
// DataChannel and legacy UDP paths both carry Opus payloads as opaque
// bytes per spec.md §3 ("does not implement a full SFU"). It exists for
// the pieces of the system that do need real Opus: the in-process test
// client (internal/testclient) producing realistic payloads, and the
// legacy UDP ingress's optional payload sanity check.
package audio

import (
	"encoding/binary"

	"gopkg.in/hraban/opus.v2"
)

// OpusEncoder encodes PCM audio to Opus.
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
}

// NewOpusEncoder creates a new Opus encoder tuned for voice (VoIP
// application, 64kbps).
func NewOpusEncoder(sampleRate, channels, frameSize int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(64000)

	return &OpusEncoder{
		encoder:    enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
	}, nil
}

// Encode encodes PCM int16 samples to Opus.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	data := make([]byte, 1024)
	n, err := e.encoder.Encode(pcm, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// EncodeBytes encodes PCM bytes (little-endian int16) to Opus.
func (e *OpusEncoder) EncodeBytes(pcmBytes []byte) ([]byte, error) {
	numSamples := len(pcmBytes) / 2
	pcm := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}
	return e.Encode(pcm)
}

// FrameSize returns the frame size in samples per channel.
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// SampleRate returns the sample rate.
func (e *OpusEncoder) SampleRate() int {
	return e.sampleRate
}

// Channels returns the number of channels.
func (e *OpusEncoder) Channels() int {
	return e.channels
}

// maxOpusFrameBytes is the largest a single compressed Opus frame can be
// per RFC 6716 §3.2.1.
const maxOpusFrameBytes = 1275

// SanityCheckOpusPayload does a cheap structural check on a claimed Opus
// payload before it is routed: non-empty and within the RFC 6716 maximum
// frame size. It does not fully decode the frame — that cost is left to
// the receiving client, matching spec §3's "opaque payload" routing model.
// Used only by the optional legacy UDP ingress (internal/udpingress),
// which cannot otherwise tell a corrupt payload from a deliberately novel
// codec byte.
func SanityCheckOpusPayload(payload []byte) bool {
	return len(payload) > 0 && len(payload) <= maxOpusFrameBytes
}
