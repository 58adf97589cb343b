// Package ids defines the two identifier types threaded through the voice
// plane: ClientID (assigned by the server on successful authentication) and
// PlayerID (assigned by the game). Both are 128-bit values backed by
// google/uuid, matching spec §3's identifier width exactly.
package ids

import "github.com/google/uuid"

// ClientID identifies one WebSocket/WebRTC session for its lifetime.
type ClientID uuid.UUID

// PlayerID identifies one in-game player. A PlayerID may be re-bound to a
// different ClientID after disconnect.
type PlayerID uuid.UUID

// NewClientID mints a fresh random ClientID.
func NewClientID() ClientID {
	return ClientID(uuid.New())
}

func (c ClientID) String() string {
	return uuid.UUID(c).String()
}

// IsZero reports whether c is the zero-value ClientID (never assigned).
func (c ClientID) IsZero() bool {
	return c == ClientID{}
}

func (p PlayerID) String() string {
	return uuid.UUID(p).String()
}

// IsZero reports whether p is the zero-value PlayerID.
func (p PlayerID) IsZero() bool {
	return p == PlayerID{}
}

// ParsePlayerID parses a canonical UUID string into a PlayerID.
func ParsePlayerID(s string) (PlayerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PlayerID{}, err
	}
	return PlayerID(u), nil
}

// ParseClientID parses a canonical UUID string into a ClientID.
func ParseClientID(s string) (ClientID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientID{}, err
	}
	return ClientID(u), nil
}

// MarshalText implements encoding.TextMarshaler so ClientID round-trips
// through JSON as a plain UUID string.
func (c ClientID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClientID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*c = ClientID(u)
	return nil
}

// MarshalText implements encoding.TextMarshaler so PlayerID round-trips
// through JSON as a plain UUID string.
func (p PlayerID) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PlayerID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*p = PlayerID(u)
	return nil
}
