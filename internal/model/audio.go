package model

import "github.com/zokiio/ovc/internal/ids"

// CodecTag identifies the audio payload encoding carried by an AudioFrame.
type CodecTag uint8

const (
	CodecPCM  CodecTag = 0x00
	CodecOpus CodecTag = 0x01
)

// AudioFrame is one decoded inbound or outbound audio packet. Per spec §3,
// SequenceNumber increases monotonically per sender within one session;
// receivers tolerate gaps. The Payload is treated as opaque bytes — the
// router never inspects or re-encodes it.
type AudioFrame struct {
	SenderClientID ids.ClientID
	Codec          CodecTag
	SequenceNumber uint32
	Payload        []byte
	Position       *Position3 // absolute (inbound) or nil if sender has none
}

// Position3 is a bare (x,y,z) triple, used for the optional position tail
// on the wire (spec §4.1) — distinct from the full Position in position.go,
// which also carries orientation/world/timestamp not sent over the wire.
type Position3 struct {
	X, Y, Z float32
}
