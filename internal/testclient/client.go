// Package testclient is a minimal in-process client used only by this
// module's own tests: it drives the full authenticate → negotiate →
// exchange-audio flow against a real *httptest.Server the way a game's
// embedded browser client would. Adapted from the teacher's
// client/client.go (andrijaa-agent-bridge), trimmed of its RTP-track,
// screenshot, and AI-agent-specific fields and rebuilt on top of
// internal/rtcsession and internal/wire so it speaks this module's own
// signaling and audio-framing protocol instead of the teacher's.
package testclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/rtcsession"
	"github.com/zokiio/ovc/internal/wire"
	"github.com/zokiio/ovc/pkg/audio"
)

// opusSampleRate/opusChannels/opusFrameSize match the voice plane's
// reference Opus framing (20ms mono frames at 48kHz) used by SendOpusFrame
// and RecvDecodedAudio to drive real encode/decode paths in tests instead
// of opaque placeholder bytes.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameSize  = 960
	// opusDecodeMTU is a generous upper bound for RecvDecodedAudio's wire
	// decode; the packet has already arrived, so this only guards against
	// a corrupt length field, not real transport MTU.
	opusDecodeMTU = 4096
)

// Client is one simulated end-user connection: a WebSocket signaling
// channel plus, once negotiated, a WebRTC audio session.
type Client struct {
	conn *websocket.Conn
	rtc  *rtcsession.Session

	clientID ids.ClientID
	username string

	incoming chan wire.Envelope
	readErr  chan error

	audio chan []byte

	encoder *audio.OpusEncoder
	decoder *audio.OpusDecoder
}

// Dial connects to url (a "ws://..." address) and starts the background
// read loop. The caller must call Close when done.
func Dial(url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("testclient: dial: %w", err)
	}
	c := &Client{
		conn:     conn,
		incoming: make(chan wire.Envelope, 32),
		readErr:  make(chan error, 1),
		audio:    make(chan []byte, 32),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.readErr <- err
			close(c.incoming)
			return
		}
		c.incoming <- env
	}
}

// Next blocks until the next inbound envelope or ctx is cancelled.
func (c *Client) Next(ctx context.Context) (wire.Envelope, error) {
	select {
	case env, ok := <-c.incoming:
		if !ok {
			return wire.Envelope{}, fmt.Errorf("testclient: connection closed")
		}
		return env, nil
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// NextOfType drains envelopes until one of type msgType arrives (or ctx is
// cancelled), returning it. Other message types are discarded.
func (c *Client) NextOfType(ctx context.Context, msgType string) (wire.Envelope, error) {
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return wire.Envelope{}, err
		}
		if env.Type == msgType {
			return env, nil
		}
	}
}

// Send writes an envelope of msgType carrying data.
func (c *Client) Send(msgType string, data any) error {
	env, err := wire.Encode(msgType, data)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(env)
}

// Authenticate performs the authenticate/auth_success handshake and records
// the resulting ClientID.
func (c *Client) Authenticate(ctx context.Context, username, code string) error {
	c.username = username
	if err := c.Send(wire.MsgAuthenticate, wire.AuthenticatePayload{Username: username, AuthCode: code}); err != nil {
		return err
	}
	env, err := c.Next(ctx)
	if err != nil {
		return err
	}
	if env.Type == wire.MsgError {
		var errPayload wire.ErrorPayload
		_ = json.Unmarshal(env.Data, &errPayload)
		return fmt.Errorf("testclient: authenticate rejected: %s", errPayload.Message)
	}
	if env.Type != wire.MsgAuthSuccess {
		return fmt.Errorf("testclient: unexpected reply %q to authenticate", env.Type)
	}
	var payload wire.AuthSuccessPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return err
	}
	clientID, err := ids.ParseClientID(payload.ClientID)
	if err != nil {
		return err
	}
	c.clientID = clientID
	return nil
}

// Negotiate opens a WebRTC session as the offering side: creates the audio
// DataChannel, sends the offer over signaling, applies the server's
// answer, trickles ICE both ways, and blocks until the channel opens or ctx
// expires.
func (c *Client) Negotiate(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	rtc, err := rtcsession.New(c.clientID, cfg, log)
	if err != nil {
		return fmt.Errorf("testclient: new rtc session: %w", err)
	}
	rtc.OnFrame(func(raw []byte) {
		select {
		case c.audio <- raw:
		default:
		}
	})
	c.rtc = rtc

	if err := rtc.CreateAudioChannel(); err != nil {
		return err
	}
	offer, err := rtc.CreateOffer()
	if err != nil {
		return err
	}
	if err := c.Send(wire.MsgWebRTCOffer, wire.WebRTCOfferPayload{SDP: offer.SDP}); err != nil {
		return err
	}

	opened := make(chan struct{})
	go c.drainRTCEvents(opened)

	answerEnv, err := c.NextOfType(ctx, wire.MsgWebRTCAnswer)
	if err != nil {
		return err
	}
	var answerPayload wire.WebRTCAnswerPayload
	if err := json.Unmarshal(answerEnv.Data, &answerPayload); err != nil {
		return err
	}
	if err := rtc.SetRemoteAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerPayload.SDP}); err != nil {
		return err
	}

	go c.relayICEFromServer(ctx)

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relayICEFromServer forwards webrtc_ice_candidate envelopes received over
// signaling into the local peer connection.
func (c *Client) relayICEFromServer(ctx context.Context) {
	for {
		env, err := c.Next(ctx)
		if err != nil {
			return
		}
		if env.Type != wire.MsgWebRTCICE {
			continue
		}
		var payload wire.WebRTCICEPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			continue
		}
		_ = c.rtc.AddICECandidate(webrtc.ICECandidateInit{Candidate: payload.Candidate})
	}
}

// drainRTCEvents forwards this client's own ICE candidates to the server
// and closes opened once the audio channel is reported open.
func (c *Client) drainRTCEvents(opened chan struct{}) {
	for ev := range c.rtc.Events() {
		switch ev.Kind {
		case rtcsession.EventICECandidate:
			_ = c.Send(wire.MsgWebRTCICE, wire.WebRTCICEPayload{Candidate: ev.Candidate.ToJSON().Candidate})
		case rtcsession.EventChannelOpen:
			select {
			case <-opened:
			default:
				close(opened)
			}
		}
	}
}

// SendAudio writes a raw, already wire-encoded audio packet over the
// negotiated DataChannel.
func (c *Client) SendAudio(raw []byte) rtcsession.SendResult {
	return c.rtc.Send(raw)
}

// RecvAudio blocks for one inbound raw audio packet, or ctx expiring.
func (c *Client) RecvAudio(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.audio:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendOpusFrame encodes pcm to a real Opus frame, wraps it in this module's
// wire format, and writes it to the negotiated DataChannel. Exercises
// pkg/audio.OpusEncoder end-to-end instead of placeholder payload bytes.
func (c *Client) SendOpusFrame(pcm []int16, seq uint32) (rtcsession.SendResult, error) {
	if c.encoder == nil {
		enc, err := audio.NewOpusEncoder(opusSampleRate, opusChannels, opusFrameSize)
		if err != nil {
			return rtcsession.SendClosed, fmt.Errorf("testclient: new opus encoder: %w", err)
		}
		c.encoder = enc
	}
	opusPayload, err := c.encoder.Encode(pcm)
	if err != nil {
		return rtcsession.SendClosed, fmt.Errorf("testclient: encode opus frame: %w", err)
	}
	packet := wire.EncodeAudio(model.AudioFrame{
		SenderClientID: c.clientID,
		Codec:          model.CodecOpus,
		SequenceNumber: seq,
		Payload:        opusPayload,
	})
	return c.SendAudio(packet), nil
}

// RecvDecodedAudio blocks for one inbound audio packet, decodes its wire
// frame, and returns the Opus payload decoded back to PCM. Exercises
// pkg/audio.OpusDecoder end-to-end.
func (c *Client) RecvDecodedAudio(ctx context.Context) ([]int16, error) {
	raw, err := c.RecvAudio(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := wire.DecodeAudio(raw, opusDecodeMTU)
	if err != nil {
		return nil, fmt.Errorf("testclient: decode audio frame: %w", err)
	}
	if c.decoder == nil {
		dec, err := audio.NewOpusDecoder(opusSampleRate, opusChannels)
		if err != nil {
			return nil, fmt.Errorf("testclient: new opus decoder: %w", err)
		}
		c.decoder = dec
	}
	return c.decoder.Decode(frame.Payload)
}

// CreateGroup sends a create_group request and waits for the reply.
func (c *Client) CreateGroup(ctx context.Context, name string, settings *wire.GroupSettingsIn) (wire.GroupCreatedPayload, error) {
	if err := c.Send(wire.MsgCreateGroup, wire.CreateGroupPayload{GroupName: name, Settings: settings}); err != nil {
		return wire.GroupCreatedPayload{}, err
	}
	env, err := c.NextOfType(ctx, wire.MsgGroupCreated)
	if err != nil {
		return wire.GroupCreatedPayload{}, err
	}
	var payload wire.GroupCreatedPayload
	err = json.Unmarshal(env.Data, &payload)
	return payload, err
}

// JoinGroup sends a join_group request and waits for the reply.
func (c *Client) JoinGroup(ctx context.Context, groupID, password string) error {
	if err := c.Send(wire.MsgJoinGroup, wire.JoinGroupPayload{GroupID: groupID, Password: password}); err != nil {
		return err
	}
	_, err := c.NextOfType(ctx, wire.MsgGroupJoined)
	return err
}

// ClientID returns the ID assigned on Authenticate.
func (c *Client) ClientID() ids.ClientID { return c.clientID }

// Close tears down the RTC session (if any) and the WebSocket connection.
func (c *Client) Close() error {
	if c.rtc != nil {
		_ = c.rtc.Close()
	}
	return c.conn.Close()
}

// DefaultNegotiateTimeout is a reasonable ICE/DTLS handshake budget for
// loopback tests.
const DefaultNegotiateTimeout = 10 * time.Second
