// Package wire implements the binary PacketCodec (spec.md §4.1) used over
// the DataChannel and the optional legacy UDP ingress, plus the JSON
// signaling envelope (spec.md §6.1). The codec is pure functions: it never
// allocates more than the exact output size, and decoding never mutates the
// input buffer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
)

// Packet type tags, the first byte of every binary packet.
const (
	TagAuth       byte = 0x01
	TagAudio      byte = 0x02
	TagAuthAck    byte = 0x03
	TagDisconnect byte = 0x04
)

// hasPositionFlag is OR'd into the codec byte of an audio packet to signal
// a trailing (x,y,z) float32 triple.
const hasPositionFlag byte = 0x80
const codecMask byte = 0x7F

// Fixed header sizes, in bytes.
const (
	audioFixedHeaderLen = 1 + 1 + 16 + 4 + 4 // tag, codec, senderId, seq, audioLen
	positionTailLen      = 4 * 3             // 3 x float32
	authFixedHeaderLen   = 1 + 16 + 4        // tag, senderId, usernameLen
	authAckFixedHeaderLen = 1 + 16 + 1 + 2   // tag, clientId, accepted, msgLen
	disconnectLen         = 1 + 16           // tag, clientId
)

// ErrShortPacket is returned when a buffer is too small for its declared tag.
var ErrShortPacket = errors.New("wire: packet shorter than header")

// ErrEmptyAudio is returned when an audio packet declares audioLen == 0.
var ErrEmptyAudio = errors.New("wire: audio payload must not be empty")

// ErrOversizeAudio is returned when an audio payload would exceed the
// configured SCTP user-message MTU.
var ErrOversizeAudio = errors.New("wire: audio payload exceeds configured MTU")

// AuthPacket is the client's initial `[0x01]` authentication frame.
type AuthPacket struct {
	SenderClientID ids.ClientID
	Username       string
}

// AuthAckPacket is the server's `[0x03]` reply to an AuthPacket.
type AuthAckPacket struct {
	ClientID ids.ClientID
	Accepted bool
	Message  string
}

// DisconnectPacket is the `[0x04]` teardown notice.
type DisconnectPacket struct {
	ClientID ids.ClientID
}

// EncodeAuth encodes an AuthPacket: [0x01][senderId:16][usernameLen:u32][username].
func EncodeAuth(p AuthPacket) []byte {
	uname := []byte(p.Username)
	out := make([]byte, authFixedHeaderLen+len(uname))
	out[0] = TagAuth
	copy(out[1:17], p.SenderClientID[:])
	binary.BigEndian.PutUint32(out[17:21], uint32(len(uname)))
	copy(out[21:], uname)
	return out
}

// DecodeAuth decodes an AuthPacket from buf, which must begin with the tag byte.
func DecodeAuth(buf []byte) (AuthPacket, error) {
	if len(buf) < authFixedHeaderLen {
		return AuthPacket{}, ErrShortPacket
	}
	var id ids.ClientID
	copy(id[:], buf[1:17])
	unameLen := binary.BigEndian.Uint32(buf[17:21])
	if uint32(len(buf)-authFixedHeaderLen) < unameLen {
		return AuthPacket{}, ErrShortPacket
	}
	uname := string(buf[authFixedHeaderLen : authFixedHeaderLen+int(unameLen)])
	return AuthPacket{SenderClientID: id, Username: uname}, nil
}

// EncodeAuthAck encodes an AuthAckPacket:
// [0x03][clientId:16][accepted:u8][msgLen:u16][message].
func EncodeAuthAck(p AuthAckPacket) []byte {
	msg := []byte(p.Message)
	out := make([]byte, authAckFixedHeaderLen+len(msg))
	out[0] = TagAuthAck
	copy(out[1:17], p.ClientID[:])
	if p.Accepted {
		out[17] = 1
	}
	binary.BigEndian.PutUint16(out[18:20], uint16(len(msg)))
	copy(out[20:], msg)
	return out
}

// DecodeAuthAck decodes an AuthAckPacket from buf.
func DecodeAuthAck(buf []byte) (AuthAckPacket, error) {
	if len(buf) < authAckFixedHeaderLen {
		return AuthAckPacket{}, ErrShortPacket
	}
	var id ids.ClientID
	copy(id[:], buf[1:17])
	accepted := buf[17] != 0
	msgLen := binary.BigEndian.Uint16(buf[18:20])
	if uint16(len(buf)-authAckFixedHeaderLen) < msgLen {
		return AuthAckPacket{}, ErrShortPacket
	}
	msg := string(buf[authAckFixedHeaderLen : authAckFixedHeaderLen+int(msgLen)])
	return AuthAckPacket{ClientID: id, Accepted: accepted, Message: msg}, nil
}

// EncodeDisconnect encodes a DisconnectPacket: [0x04][clientId:16].
func EncodeDisconnect(p DisconnectPacket) []byte {
	out := make([]byte, disconnectLen)
	out[0] = TagDisconnect
	copy(out[1:17], p.ClientID[:])
	return out
}

// DecodeDisconnect decodes a DisconnectPacket from buf.
func DecodeDisconnect(buf []byte) (DisconnectPacket, error) {
	if len(buf) < disconnectLen {
		return DisconnectPacket{}, ErrShortPacket
	}
	var id ids.ClientID
	copy(id[:], buf[1:17])
	return DisconnectPacket{ClientID: id}, nil
}

// EncodeAudio encodes an AudioFrame per spec §4.1. It does not bound the
// payload length; the MTU check is applied only on decode.
func EncodeAudio(f model.AudioFrame) []byte {
	hasPos := f.Position != nil
	total := audioFixedHeaderLen + len(f.Payload)
	if hasPos {
		total += positionTailLen
	}
	out := make([]byte, total)
	out[0] = TagAudio
	codecByte := byte(f.Codec) & codecMask
	if hasPos {
		codecByte |= hasPositionFlag
	}
	out[1] = codecByte
	copy(out[2:18], f.SenderClientID[:])
	binary.BigEndian.PutUint32(out[18:22], f.SequenceNumber)
	binary.BigEndian.PutUint32(out[22:26], uint32(len(f.Payload)))
	copy(out[26:26+len(f.Payload)], f.Payload)
	if hasPos {
		tail := out[26+len(f.Payload):]
		binary.BigEndian.PutUint32(tail[0:4], float32bits(f.Position.X))
		binary.BigEndian.PutUint32(tail[4:8], float32bits(f.Position.Y))
		binary.BigEndian.PutUint32(tail[8:12], float32bits(f.Position.Z))
	}
	return out
}

// DecodeAudio decodes an AudioFrame from buf, which must begin with the
// audio tag byte (0x02). Per spec §4.1, a legacy variant lacking the codec
// byte is accepted: it is inferred when the byte following the tag is not a
// recognized codec tag (0x00 PCM or 0x01 OPUS, optionally OR'd with the
// 0x80 position-tail flag) — in that case senderId begins immediately after
// the tag, codec defaults to PCM, and no position tail is present (the
// legacy layout predates the position-flag bit). maxMTU, if > 0, rejects
// payloads whose length would exceed it.
func DecodeAudio(buf []byte, maxMTU int) (model.AudioFrame, error) {
	if len(buf) < 2 {
		return model.AudioFrame{}, ErrShortPacket
	}
	if buf[0] != TagAudio {
		return model.AudioFrame{}, fmt.Errorf("wire: not an audio packet (tag 0x%02x)", buf[0])
	}
	if isRecognizedCodecByte(buf[1]) {
		return decodeModernAudio(buf, maxMTU)
	}
	return decodeLegacyAudio(buf, maxMTU)
}

func isRecognizedCodecByte(b byte) bool {
	switch model.CodecTag(b & codecMask) {
	case model.CodecPCM, model.CodecOpus:
		return true
	default:
		return false
	}
}

func decodeModernAudio(buf []byte, maxMTU int) (model.AudioFrame, error) {
	if len(buf) < audioFixedHeaderLen {
		return model.AudioFrame{}, ErrShortPacket
	}
	codecByte := buf[1]
	hasPos := codecByte&hasPositionFlag != 0
	codec := model.CodecTag(codecByte & codecMask)

	var senderID ids.ClientID
	copy(senderID[:], buf[2:18])
	seq := binary.BigEndian.Uint32(buf[18:22])
	audioLen := binary.BigEndian.Uint32(buf[22:26])
	if audioLen == 0 {
		return model.AudioFrame{}, ErrEmptyAudio
	}
	if maxMTU > 0 && audioLen > uint32(maxMTU) {
		return model.AudioFrame{}, ErrOversizeAudio
	}

	needed := audioFixedHeaderLen + int(audioLen)
	if hasPos {
		needed += positionTailLen
	}
	if len(buf) < needed {
		return model.AudioFrame{}, ErrShortPacket
	}

	payload := make([]byte, audioLen)
	copy(payload, buf[26:26+audioLen])

	frame := model.AudioFrame{
		SenderClientID: senderID,
		Codec:          codec,
		SequenceNumber: seq,
		Payload:        payload,
	}
	if hasPos {
		tail := buf[26+audioLen : 26+audioLen+positionTailLen]
		frame.Position = &model.Position3{
			X: float32frombits(binary.BigEndian.Uint32(tail[0:4])),
			Y: float32frombits(binary.BigEndian.Uint32(tail[4:8])),
			Z: float32frombits(binary.BigEndian.Uint32(tail[8:12])),
		}
	}
	return frame, nil
}

// legacy fixed header (after the 0x02 tag): senderId(16), seqNum(4),
// audioLen(4) — no codec byte, no position tail.
const legacyFixedHeaderLen = 1 + 16 + 4 + 4

// decodeLegacyAudio handles packets whose byte following the tag is not a
// recognized codec tag, i.e. it is actually the first byte of senderId.
// The legacy layout predates the codec/position-flag byte entirely, so the
// codec defaults to PCM and no position tail is ever present.
func decodeLegacyAudio(buf []byte, maxMTU int) (model.AudioFrame, error) {
	if len(buf) < legacyFixedHeaderLen {
		return model.AudioFrame{}, ErrShortPacket
	}
	var senderID ids.ClientID
	copy(senderID[:], buf[1:17])
	seq := binary.BigEndian.Uint32(buf[17:21])
	audioLen := binary.BigEndian.Uint32(buf[21:25])
	if audioLen == 0 {
		return model.AudioFrame{}, ErrEmptyAudio
	}
	if maxMTU > 0 && audioLen > uint32(maxMTU) {
		return model.AudioFrame{}, ErrOversizeAudio
	}

	needed := legacyFixedHeaderLen + int(audioLen)
	if len(buf) < needed {
		return model.AudioFrame{}, ErrShortPacket
	}

	payload := make([]byte, audioLen)
	copy(payload, buf[25:25+audioLen])

	return model.AudioFrame{
		SenderClientID: senderID,
		Codec:          model.CodecPCM,
		SequenceNumber: seq,
		Payload:        payload,
	}, nil
}

// PacketTag returns the first byte of buf, or an error if buf is empty.
func PacketTag(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, ErrShortPacket
	}
	return buf[0], nil
}

// DescribeError formats a decode error with the offending tag for logging.
func DescribeError(tag byte, err error) error {
	return fmt.Errorf("wire: decode tag 0x%02x: %w", tag, err)
}
