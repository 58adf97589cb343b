// Package signaling implements the SignalingSession of spec.md §4.5: one
// state machine per WebSocket connection, running the
// UNAUTH→AUTH_OK→PEER_NEGOTIATING→PEER_OPEN→CLOSING→CLOSED lifecycle and
// dispatching the JSON `{type, data}` protocol of spec §6.1. Grounded on
// andrijaa-agent-bridge/server/handlers.go's handleWebSocket loop and
// peer.go's SendMessage, generalized from a single-switch dispatcher over a
// fixed peer struct to an explicit state table plus a single-writer
// outbound queue (grounded on n0remac-robot-webrtc/websocket/websocket.go's
// ReadPump/WritePump split).
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/authcode"
	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/router"
	"github.com/zokiio/ovc/internal/rtcsession"
	"github.com/zokiio/ovc/internal/wire"
)

// State is a SignalingSession's position in the spec §4.5 state machine.
type State int

const (
	StateUnauth State = iota
	StateAuthOK
	StatePeerNegotiating
	StatePeerOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauth:
		return "UNAUTH"
	case StateAuthOK:
		return "AUTH_OK"
	case StatePeerNegotiating:
		return "PEER_NEGOTIATING"
	case StatePeerOpen:
		return "PEER_OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const outboundQueueDepth = 64

// Deps bundles the collaborators a Session needs; constructed once by
// internal/corectx and shared across all sessions.
type Deps struct {
	Registry     *registry.Registry
	Groups       *group.Registry
	Positions    *position.Tracker
	AuthCodes    *authcode.Store
	AuthThrottle *AuthThrottle // optional; nil disables auth-failure throttling
	Router       *router.Router
	Config       config.Config
	Log          *zap.SugaredLogger
	Now          func() int64 // monotonic milliseconds; overridable in tests
}

// Session is one WebSocket connection's state machine.
type Session struct {
	deps Deps
	conn *websocket.Conn

	mu       sync.Mutex
	state    State
	clientID ids.ClientID
	playerID ids.PlayerID
	username string

	rtc *rtcsession.Session

	outbound chan wire.Envelope
}

// NewUpgrader builds a gorilla/websocket Upgrader enforcing cfg's origin
// allow-list (spec §4.5: "exact match on scheme+host[+port]").
func NewUpgrader(cfg config.Config) websocket.Upgrader {
	allow := make(map[string]struct{}, len(cfg.OriginAllowlist))
	for _, o := range cfg.OriginAllowlist {
		allow[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allow) == 0 {
				return false
			}
			origin := r.Header.Get("Origin")
			_, ok := allow[origin]
			return ok
		},
	}
}

// Serve constructs a Session around an already-upgraded connection and starts
// its read/write pumps. Blocks until the connection closes.
func Serve(conn *websocket.Conn, deps Deps) {
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().UnixMilli() }
	}
	s := &Session{
		deps:     deps,
		conn:     conn,
		state:    StateUnauth,
		outbound: make(chan wire.Envelope, outboundQueueDepth),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()
	s.readPump()
	close(s.outbound)
	wg.Wait()
	s.teardown()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) readPump() {
	idleTimeout := s.deps.Config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.sendError("malformed message")
			continue
		}
		if err := s.handle(env); err != nil {
			s.sendError(err.Error())
		}
		if s.getState() == StateClosing {
			return
		}
	}
}

func (s *Session) writePump() {
	pingTicker := time.NewTicker(20 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case env, ok := <-s.outbound:
			if !ok {
				return
			}
			raw, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue sends msgType/data to this session's single writer. Non-blocking
// beyond the bounded queue: a session that can't keep up has its oldest
// unsent message dropped in favor of the new one, never blocking the
// caller (spec §5: outbound delivery is ordered but must not stall others).
func (s *Session) enqueue(msgType string, data any) {
	env, err := wire.Encode(msgType, data)
	if err != nil {
		return
	}
	select {
	case s.outbound <- env:
	default:
		if s.deps.Log != nil {
			s.deps.Log.Warnw("signaling: outbound queue full, dropping oldest", "clientId", s.clientID.String())
		}
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- env:
		default:
		}
	}
}

func (s *Session) sendError(message string) {
	s.enqueue(wire.MsgError, wire.ErrorPayload{Message: message})
}

// SendJSON satisfies the registry.Entry.SendJSON contract.
func (s *Session) SendJSON(msgType string, data any) {
	s.enqueue(msgType, data)
}

// handle dispatches one inbound envelope according to the state table of
// spec §4.5.
func (s *Session) handle(env wire.Envelope) error {
	state := s.getState()

	if state == StateUnauth {
		if env.Type != wire.MsgAuthenticate {
			return fmt.Errorf("must authenticate first")
		}
		return s.handleAuthenticate(env.Data)
	}

	switch env.Type {
	case wire.MsgPing:
		return s.handlePing(env.Data)
	case wire.MsgCreateGroup:
		return s.handleCreateGroup(env.Data)
	case wire.MsgJoinGroup:
		return s.handleJoinGroup(env.Data)
	case wire.MsgLeaveGroup:
		return s.handleLeaveGroup()
	case wire.MsgListGroups:
		return s.handleListGroups()
	case wire.MsgListPlayers:
		return s.handleListPlayers()
	case wire.MsgUserMute:
		return s.handleUserMute(env.Data)
	case wire.MsgUserSpeaking:
		return s.handleUserSpeaking(env.Data)
	case wire.MsgWebRTCOffer:
		if state != StateAuthOK && state != StatePeerNegotiating {
			return fmt.Errorf("unexpected webrtc_offer in state %s", state)
		}
		return s.handleWebRTCOffer(env.Data)
	case wire.MsgWebRTCICE:
		if state != StatePeerNegotiating && state != StatePeerOpen {
			return fmt.Errorf("unexpected webrtc_ice_candidate in state %s", state)
		}
		return s.handleICECandidate(env.Data)
	case wire.MsgStartDataChannel:
		return nil // client hint only; the server already listens via OnDataChannel
	case wire.MsgDisconnect:
		s.setState(StateClosing)
		return nil
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

func (s *Session) handleAuthenticate(raw json.RawMessage) error {
	payload, err := decode[wire.AuthenticatePayload](raw)
	if err != nil {
		return err
	}
	ip := s.remoteIP()
	if s.deps.AuthThrottle.Throttled(ip) {
		return fmt.Errorf("too many failed authentication attempts, try again later")
	}
	if !s.deps.AuthCodes.Validate(payload.Username, payload.AuthCode) {
		s.deps.AuthThrottle.RecordFailure(ip)
		return fmt.Errorf("invalid username or auth code")
	}
	playerID, _ := s.deps.AuthCodes.LookupPlayer(payload.Username)

	clientID := ids.NewClientID()
	s.mu.Lock()
	s.clientID = clientID
	s.playerID = playerID
	s.username = payload.Username
	s.state = StateAuthOK
	s.mu.Unlock()

	s.deps.Registry.Join(&registry.Entry{
		ClientID: clientID,
		PlayerID: playerID,
		Username: payload.Username,
		SendJSON: s.SendJSON,
		Send:     func(raw []byte) bool { return s.sendAudioFrame(raw) },
	})

	s.enqueue(wire.MsgAuthSuccess, wire.AuthSuccessPayload{ClientID: clientID.String(), Username: payload.Username})

	if s.deps.Positions != nil {
		go s.watchPendingGameJoin(playerID)
	}
	return nil
}

// remoteIP extracts the throttling key for handleAuthenticate's failure
// counter (spec §7: auth failures are throttled per source IP).
func (s *Session) remoteIP() string {
	addr := s.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// watchPendingGameJoin disconnects a client that authenticated but never
// bound to an in-game session (spec §5, PendingGameJoinTimeout, default
// 60s): binding is observed as the game adapter publishing a tracked
// position for playerID via ControlPlane.UpsertPosition. A client that
// instead starts WebRTC negotiation moves out of StateAuthOK and is left
// alone.
func (s *Session) watchPendingGameJoin(playerID ids.PlayerID) {
	timeout := s.deps.Config.PendingGameJoinTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for now := range ticker.C {
		if s.getState() != StateAuthOK {
			return
		}
		if _, ok := s.deps.Positions.Get(playerID, s.deps.Now()); ok {
			return
		}
		if now.After(deadline) {
			if s.deps.Log != nil {
				s.deps.Log.Infow("signaling: pending-game-join timeout", "clientId", s.clientID.String())
			}
			s.sendError("pending-game-join timeout: never bound to an in-game session")
			s.setState(StateClosing)
			_ = s.conn.Close()
			return
		}
	}
}

func (s *Session) sendAudioFrame(raw []byte) bool {
	s.mu.Lock()
	rtc := s.rtc
	s.mu.Unlock()
	if rtc == nil {
		return false
	}
	return rtc.Send(raw) == rtcsession.SendOK
}

func (s *Session) handlePing(raw json.RawMessage) error {
	payload, err := decode[wire.PingPayload](raw)
	if err != nil {
		return err
	}
	s.enqueue(wire.MsgPong, wire.PongPayload{Timestamp: payload.Timestamp})
	return nil
}

func (s *Session) handleCreateGroup(raw json.RawMessage) error {
	payload, err := decode[wire.CreateGroupPayload](raw)
	if err != nil {
		return err
	}
	settings := resolveSettings(payload.Settings, s.deps.Config)
	g, err := s.deps.Groups.Create(s.currentPlayerID(), payload.GroupName, settings)
	if err != nil {
		return err
	}
	s.enqueue(wire.MsgGroupCreated, wire.GroupCreatedPayload{GroupID: g.ID, GroupName: g.Name})
	return nil
}

func resolveSettings(in *wire.GroupSettingsIn, cfg config.Config) model.GroupSettings {
	settings := model.GroupSettings{MaxMembers: cfg.DefaultMaxMembers}
	if in == nil {
		return settings
	}
	if in.IsIsolated != nil {
		settings.IsIsolated = *in.IsIsolated
	}
	if in.ProximityOverride != nil {
		settings.ProximityOverride = in.ProximityOverride
	}
	if in.Password != nil && *in.Password != "" {
		settings.PasswordHash = group.HashPassword(*in.Password)
	}
	if in.Permanent != nil {
		settings.Permanent = *in.Permanent
	}
	if in.GlobalVoice != nil {
		settings.GlobalVoice = *in.GlobalVoice
	}
	if in.Spatial != nil {
		settings.Spatial = *in.Spatial
	}
	if in.MinVolume != nil {
		settings.MinVolume = *in.MinVolume
	}
	if in.MaxMembers != nil {
		settings.MaxMembers = *in.MaxMembers
	}
	return settings
}

func (s *Session) handleJoinGroup(raw json.RawMessage) error {
	payload, err := decode[wire.JoinGroupPayload](raw)
	if err != nil {
		return err
	}
	if err := s.deps.Groups.Join(s.currentPlayerID(), payload.GroupID, payload.Password); err != nil {
		return err
	}
	s.enqueue(wire.MsgGroupJoined, wire.GroupJoinedPayload{GroupID: payload.GroupID})
	return nil
}

func (s *Session) handleLeaveGroup() error {
	playerID := s.currentPlayerID()
	groupID, ok := s.deps.Groups.GroupOf(playerID)
	if !ok {
		return fmt.Errorf("not in a group")
	}
	if err := s.deps.Groups.Leave(playerID, groupID); err != nil {
		return err
	}
	g := s.deps.Groups.Get(groupID)
	count := 0
	if g != nil {
		count = len(g.Members)
	}
	s.enqueue(wire.MsgGroupLeft, wire.GroupLeftPayload{GroupID: groupID, MemberCount: count})
	return nil
}

func (s *Session) handleListGroups() error {
	groups := s.deps.Groups.List()
	entries := make([]wire.GroupListEntry, 0, len(groups))
	for _, g := range groups {
		snap := g.ToSnapshot()
		entries = append(entries, wire.GroupListEntry{
			GroupID:     snap.GroupID,
			GroupName:   snap.GroupName,
			MemberCount: snap.MemberCount,
			MaxMembers:  snap.MaxMembers,
			IsIsolated:  snap.IsIsolated,
			HasPassword: snap.HasPassword,
		})
	}
	s.enqueue(wire.MsgGroupList, wire.GroupListPayload{Groups: entries})
	return nil
}

func (s *Session) handleListPlayers() error {
	all := s.deps.Registry.All()
	entries := make([]wire.PlayerListEntry, 0, len(all))
	for _, e := range all {
		groupID, _ := s.deps.Groups.GroupOf(e.PlayerID)
		entries = append(entries, wire.PlayerListEntry{
			PlayerID: e.PlayerID.String(),
			Username: e.Username,
			GroupID:  groupID,
		})
	}
	s.enqueue(wire.MsgPlayerList, wire.PlayerListPayload{Players: entries})
	return nil
}

func (s *Session) handleUserMute(raw json.RawMessage) error {
	payload, err := decode[wire.UserMutePayload](raw)
	if err != nil {
		return err
	}
	s.broadcastToGroup(wire.MsgUserMuteBroadcast, payload)
	return nil
}

func (s *Session) handleUserSpeaking(raw json.RawMessage) error {
	payload, err := decode[wire.UserSpeakingPayload](raw)
	if err != nil {
		return err
	}
	s.broadcastToGroup(wire.MsgUserSpeakingBroadcast, payload)
	return nil
}

func (s *Session) broadcastToGroup(msgType string, payload any) {
	playerID := s.currentPlayerID()
	groupID, ok := s.deps.Groups.GroupOf(playerID)
	if !ok {
		return
	}
	g := s.deps.Groups.Get(groupID)
	if g == nil {
		return
	}
	for member := range g.Members {
		if member == playerID {
			continue
		}
		if entry := s.deps.Registry.GetByPlayer(member); entry != nil && entry.SendJSON != nil {
			entry.SendJSON(msgType, payload)
		}
	}
}

func (s *Session) handleWebRTCOffer(raw json.RawMessage) error {
	payload, err := decode[wire.WebRTCOfferPayload](raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	clientID := s.clientID
	s.mu.Unlock()

	rtc, err := rtcsession.New(clientID, s.deps.Config, s.deps.Log)
	if err != nil {
		return fmt.Errorf("webrtc session: %w", err)
	}
	rtc.OnFrame(s.RouteInboundAudio)

	s.mu.Lock()
	s.rtc = rtc
	s.state = StatePeerNegotiating
	s.mu.Unlock()

	go s.drainRTCEvents(rtc)
	go s.watchDTLSHandshake(rtc)

	answer, err := rtc.CreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP})
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	s.enqueue(wire.MsgWebRTCAnswer, wire.WebRTCAnswerPayload{SDP: answer.SDP})
	return nil
}

// watchDTLSHandshake aborts negotiation if the peer connection never reaches
// "connected" within Config.DTLSHandshakeTimeout (spec §5: "DTLS handshake
// timeout (default 10s) aborts peer negotiation").
func (s *Session) watchDTLSHandshake(rtc *rtcsession.Session) {
	timeout := s.deps.Config.DTLSHandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := rtc.WaitDTLSHandshake(context.Background(), timeout); err != nil {
		if s.getState() == StateClosing || s.getState() == StateClosed {
			return // torn down for an unrelated reason; nothing to abort
		}
		if s.deps.Log != nil {
			s.deps.Log.Infow("signaling: dtls handshake timed out", "clientId", s.clientID.String())
		}
		s.sendError("webrtc handshake timed out")
		s.setState(StateClosing)
		_ = rtc.Close()
		_ = s.conn.Close()
	}
}

func (s *Session) handleICECandidate(raw json.RawMessage) error {
	payload, err := decode[wire.WebRTCICEPayload](raw)
	if err != nil {
		return err
	}
	if payload.Complete {
		return nil
	}
	s.mu.Lock()
	rtc := s.rtc
	s.mu.Unlock()
	if rtc == nil {
		return fmt.Errorf("no peer connection negotiated yet")
	}
	return rtc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        strPtr(payload.SDPMid),
		SDPMLineIndex: payload.SDPMLineIndex,
	})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// drainRTCEvents is the single place that consumes the WebRTCSession's
// event channel (spec §9 remediation: one event channel instead of N
// registered callbacks).
func (s *Session) drainRTCEvents(rtc *rtcsession.Session) {
	for ev := range rtc.Events() {
		switch ev.Kind {
		case rtcsession.EventICECandidate:
			s.enqueue(wire.MsgWebRTCICE, wire.WebRTCICEPayload{Candidate: ev.Candidate.ToJSON().Candidate})
		case rtcsession.EventChannelOpen:
			s.setState(StatePeerOpen)
		case rtcsession.EventChannelClosed:
			if s.getState() == StatePeerOpen {
				s.setState(StateAuthOK)
			}
		case rtcsession.EventStateChange:
			if ev.State == webrtc.PeerConnectionStateFailed || ev.State == webrtc.PeerConnectionStateClosed {
				s.setState(StateClosing)
			}
		}
	}
}

// RouteInboundAudio decodes raw (already delivered from the DataChannel)
// and forwards it to the router. Wired from rtcsession's OnFrame.
func (s *Session) RouteInboundAudio(raw []byte) {
	frame, err := wire.DecodeAudio(raw, s.deps.Config.SCTPMTU)
	if err != nil {
		if s.deps.Log != nil {
			s.deps.Log.Warnw("signaling: dropping malformed audio frame", "error", err)
		}
		return
	}
	s.mu.Lock()
	clientID := s.clientID
	playerID := s.playerID
	s.mu.Unlock()
	if frame.Position != nil {
		// Inbound position, if present, is advisory only; the authoritative
		// source is the game adapter via ControlPlane.UpsertPosition (spec
		// §6.3). It is not applied here.
		_ = frame.Position
	}
	s.deps.Router.Route(clientID, playerID, frame, s.deps.Now())
}

func (s *Session) currentPlayerID() ids.PlayerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

func (s *Session) teardown() {
	s.setState(StateClosed)

	s.mu.Lock()
	clientID := s.clientID
	rtc := s.rtc
	s.mu.Unlock()

	if !clientID.IsZero() {
		s.deps.Registry.Leave(clientID)
		if s.deps.Router != nil {
			s.deps.Router.RemoveSender(clientID)
		}
	}
	if rtc != nil {
		_ = rtc.Close()
	}
	_ = s.conn.Close()
}
