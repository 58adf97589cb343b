// Package rtcsession wraps one client's WebRTC peer connection and audio
// DataChannel (spec.md §4.6): ICE gathering, the DTLS/SCTP handshake, and a
// single ordered-but-unreliable audio channel. Grounded on
// andrijaa-agent-bridge/server/webrtc.go and peer.go, generalized from a
// per-room RTP track relay to a per-client DataChannel session.
package rtcsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/ids"
)

// SendResult reports the outcome of a Send call, per spec §4.6's
// OK/BACKPRESSURE/CLOSED contract.
type SendResult int

const (
	SendOK SendResult = iota
	SendBackpressure
	SendClosed
)

// audioChannelLabel is the well-known DataChannel label both sides agree on.
const audioChannelLabel = "audio"

// bufferedAmountHighThreshold gates SendBackpressure: once the channel's
// buffered-amount exceeds this many bytes, new sends are rejected rather
// than queued, per spec §4.6 ("non-blocking, bounded").
const bufferedAmountHighThreshold = 1 << 16

// FrameHandler receives a decoded inbound frame's raw bytes. The session
// does not decode; it forwards opaque payloads to whatever owns the wire
// codec (internal/signaling).
type FrameHandler func(raw []byte)

// StateHandler is notified on ICE/peer connection state transitions.
type StateHandler func(state webrtc.PeerConnectionState)

// Session is one client's WebRTC session.
type Session struct {
	clientID ids.ClientID
	log      *zap.SugaredLogger

	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	mu       sync.Mutex
	closed   bool
	channelOpen bool

	onFrame FrameHandler
	onState StateHandler

	// events is the single event channel (spec §9 remediation) carrying
	// ICE candidates to be relayed to the remote peer over signaling.
	events chan Event

	connectedMu sync.Mutex
	connected   chan struct{} // closed exactly once, when state first reaches Connected
}

// EventKind identifies the payload carried by an Event.
type EventKind int

const (
	EventICECandidate EventKind = iota
	EventStateChange
	EventChannelOpen
	EventChannelClosed
)

// Event is the single-channel event type a Session emits; the signaling
// layer drains it in one place instead of registering N callbacks.
type Event struct {
	Kind      EventKind
	Candidate *webrtc.ICECandidate
	State     webrtc.PeerConnectionState
}

// New constructs a PeerConnection configured per cfg and wires its
// callbacks onto a single outgoing event channel. The caller must read
// Events() until it is closed (on Close).
func New(clientID ids.ClientID, cfg config.Config, log *zap.SugaredLogger) (*Session, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.ICEPortMin > 0 && cfg.ICEPortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.ICEPortMin, cfg.ICEPortMax); err != nil {
			return nil, fmt.Errorf("rtcsession: ice port range: %w", err)
		}
	}

	mediaEngine := &webrtc.MediaEngine{}
	// Audio rides the DataChannel as opaque framed payloads (spec §3 "does
	// not implement a full SFU"); no RTP codec is registered.

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("rtcsession: new peer connection: %w", err)
	}

	s := &Session{
		clientID:  clientID,
		log:       log,
		pc:        pc,
		events:    make(chan Event, 32),
		connected: make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.emit(Event{Kind: EventICECandidate, Candidate: c})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.emit(Event{Kind: EventStateChange, State: state})
		if state == webrtc.PeerConnectionStateConnected {
			s.connectedMu.Lock()
			select {
			case <-s.connected:
			default:
				close(s.connected)
			}
			s.connectedMu.Unlock()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != audioChannelLabel {
			return
		}
		s.bindChannel(dc)
	})

	return s, nil
}

// CreateAudioChannel creates the outbound "audio" DataChannel (the
// offering side calls this before CreateOffer; the answering side instead
// receives it via OnDataChannel, wired in New).
func (s *Session) CreateAudioChannel() error {
	ordered := true
	maxRetransmits := uint16(0)
	dc, err := s.pc.CreateDataChannel(audioChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return fmt.Errorf("rtcsession: create data channel: %w", err)
	}
	s.bindChannel(dc)
	return nil
}

func (s *Session) bindChannel(dc *webrtc.DataChannel) {
	dc.SetBufferedAmountLowThreshold(bufferedAmountHighThreshold / 2)
	dc.OnOpen(func() {
		s.mu.Lock()
		s.channel = dc
		s.channelOpen = true
		s.mu.Unlock()
		s.emit(Event{Kind: EventChannelOpen})
	})
	dc.OnClose(func() {
		s.mu.Lock()
		s.channelOpen = false
		s.mu.Unlock()
		s.emit(Event{Kind: EventChannelClosed})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		handler := s.onFrame
		s.mu.Unlock()
		if handler != nil {
			handler(msg.Data)
		}
	})
}

// OnFrame registers the handler invoked for every inbound DataChannel
// message. Frames that arrive before a handler is registered are
// discarded.
func (s *Session) OnFrame(h FrameHandler) {
	s.mu.Lock()
	s.onFrame = h
	s.mu.Unlock()
}

// Events returns the session's single event channel. Closed when the
// session is closed.
func (s *Session) Events() <-chan Event {
	return s.events
}

// emit is the only place that writes to or closes s.events, both done
// under s.mu, so a pion callback racing Close can never send on a
// channel Close has already closed.
func (s *Session) emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- e:
	default:
		// Event channel backpressure: drop rather than block the pion
		// callback goroutine (spec §9: never block a webrtc callback).
		if s.log != nil {
			s.log.Warnw("rtcsession: event dropped, consumer too slow", "clientId", s.clientID.String())
		}
	}
}

// CreateOffer creates and sets the local SDP offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer sets remoteSDP as the remote offer and creates+sets a local
// answer.
func (s *Session) CreateAnswer(remoteSDP webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(remoteSDP); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("rtcsession: set remote offer: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteAnswer applies the remote side's SDP answer (only the real
// negotiated answer is accepted; spec §9 Open Question resolved against
// speculative rollback).
func (s *Session) SetRemoteAnswer(answer webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(answer)
}

// AddICECandidate applies a trickled remote ICE candidate.
func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

// WaitDTLSHandshake blocks until the peer connection reaches "connected" or
// the configured timeout elapses.
func (s *Session) WaitDTLSHandshake(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rtcsession: dtls handshake timed out: %w", ctx.Err())
	}
}

// Send writes raw (an already-encoded wire packet) to the audio channel.
// Per spec §4.6 this never blocks: if the channel's buffered amount is
// already over threshold, it returns SendBackpressure without writing.
func (s *Session) Send(raw []byte) SendResult {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return SendClosed
	}
	ch := s.channel
	open := s.channelOpen
	s.mu.Unlock()

	if ch == nil || !open {
		return SendClosed
	}
	if ch.BufferedAmount() > bufferedAmountHighThreshold {
		return SendBackpressure
	}
	if err := ch.Send(raw); err != nil {
		return SendClosed
	}
	return SendOK
}

// Close tears down the peer connection and DataChannel, closing the event
// channel exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.channelOpen = false
	close(s.events)
	s.mu.Unlock()

	var errs []error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClientID returns the session's owning client.
func (s *Session) ClientID() ids.ClientID { return s.clientID }
