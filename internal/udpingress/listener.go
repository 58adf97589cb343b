// Package udpingress implements the optional legacy UDP audio path named in
// spec.md §9's Open Question #2: older clients that never negotiate a
// WebRTC DataChannel instead send the same binary PacketCodec frames over a
// plain UDP socket. Disabled unless internal/config.Config.UDPIngressAddr is
// set. Grounded on madpsy-ka9q_ubersdr's audio relay ReadFromUDP loop (a
// single goroutine looping on net.UDPConn.ReadFromUDP into a reused buffer),
// generalized to decode spec §4.1 frames and hand them to the router instead
// of re-broadcasting raw audio.
package udpingress

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/router"
	"github.com/zokiio/ovc/internal/wire"
	"github.com/zokiio/ovc/pkg/audio"
)

// maxDatagramSize is large enough for any single SCTP-MTU-bounded audio
// frame plus the fixed header, with headroom for the legacy variant.
const maxDatagramSize = 4096

// Listener is the legacy UDP ingress point. One Listener serves the whole
// process; individual senders are distinguished by the ClientID carried in
// each frame, not by source address alone (NAT rebinding is tolerated).
type Listener struct {
	conn     *net.UDPConn
	mtu      int
	router   *router.Router
	registry *registry.Registry
	log      *zap.SugaredLogger

	mu        sync.RWMutex
	addrOf    map[ids.ClientID]*net.UDPAddr
	clientOf  map[string]ids.ClientID // addr.String() -> ClientID, reverse of addrOf
}

// New binds addr but does not start reading; call Start to begin the
// receive loop.
func New(addr string, mtu int, r *router.Router, reg *registry.Registry, log *zap.SugaredLogger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpingress: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udpingress: listen %s: %w", addr, err)
	}
	return &Listener{
		conn:     conn,
		mtu:      mtu,
		router:   r,
		registry: reg,
		log:      log,
		addrOf:   make(map[ids.ClientID]*net.UDPAddr),
		clientOf: make(map[string]ids.ClientID),
	}, nil
}

// Start spawns the receive loop. It stops when ctx is cancelled or Close is
// called.
func (l *Listener) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.conn.Close()
	}()
	go l.readLoop()
	return nil
}

// Close stops the listener, releasing its socket.
func (l *Listener) Close() error {
	return l.conn.Close()
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		l.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (l *Listener) handleDatagram(raw []byte, addr *net.UDPAddr) {
	tag, err := wire.PacketTag(raw)
	if err != nil {
		return
	}
	switch tag {
	case wire.TagAuth:
		l.handleAuth(raw, addr)
	case wire.TagAudio:
		l.handleAudio(raw, addr)
	case wire.TagDisconnect:
		l.handleDisconnect(raw)
	default:
		if l.log != nil {
			l.log.Debugw("udpingress: unrecognized packet tag", "tag", tag)
		}
	}
}

// handleAuth binds a UDP source address to an already-authenticated
// ClientID (the client authenticates over the WebSocket signaling
// connection first; this packet merely attaches its UDP path) and rewires
// that client's registry.Entry.Send to deliver over UDP instead of whatever
// transport it had, so legacy clients that can't open a DataChannel still
// receive routed audio.
func (l *Listener) handleAuth(raw []byte, addr *net.UDPAddr) {
	packet, err := wire.DecodeAuth(raw)
	if err != nil {
		return
	}
	entry := l.registry.Get(packet.SenderClientID)
	if entry == nil {
		l.replyAuthAck(addr, packet.SenderClientID, false, "unknown client, authenticate via signaling first")
		return
	}

	l.mu.Lock()
	if prior, ok := l.addrOf[packet.SenderClientID]; ok {
		delete(l.clientOf, prior.String())
	}
	l.addrOf[packet.SenderClientID] = addr
	l.clientOf[addr.String()] = packet.SenderClientID
	l.mu.Unlock()

	entry.Send = l.sendTo(packet.SenderClientID)
	l.replyAuthAck(addr, packet.SenderClientID, true, "")
}

func (l *Listener) sendTo(clientID ids.ClientID) func(raw []byte) bool {
	return func(raw []byte) bool {
		l.mu.RLock()
		addr, ok := l.addrOf[clientID]
		l.mu.RUnlock()
		if !ok {
			return false
		}
		_, err := l.conn.WriteToUDP(raw, addr)
		return err == nil
	}
}

func (l *Listener) replyAuthAck(addr *net.UDPAddr, clientID ids.ClientID, accepted bool, message string) {
	ack := wire.EncodeAuthAck(wire.AuthAckPacket{ClientID: clientID, Accepted: accepted, Message: message})
	_, _ = l.conn.WriteToUDP(ack, addr)
}

func (l *Listener) handleAudio(raw []byte, addr *net.UDPAddr) {
	frame, err := wire.DecodeAudio(raw, l.mtu)
	if err != nil {
		if l.log != nil {
			l.log.Debugw("udpingress: dropping malformed audio frame", "error", err)
		}
		return
	}

	entry := l.registry.Get(frame.SenderClientID)
	if entry == nil {
		return
	}

	if frame.Codec == model.CodecOpus && !audio.SanityCheckOpusPayload(frame.Payload) {
		if l.log != nil {
			l.log.Debugw("udpingress: rejecting malformed opus payload", "clientId", frame.SenderClientID.String())
		}
		return
	}

	l.mu.RLock()
	bound, ok := l.addrOf[frame.SenderClientID]
	l.mu.RUnlock()
	if !ok || bound.String() != addr.String() {
		// Address drifted (NAT rebind) without a fresh auth packet; accept
		// the frame but don't trust it for reverse delivery until the
		// client re-authenticates.
		if l.log != nil {
			l.log.Debugw("udpingress: audio from unbound address", "clientId", frame.SenderClientID.String())
		}
	}

	l.router.Route(frame.SenderClientID, entry.PlayerID, frame, nowMs())
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func (l *Listener) handleDisconnect(raw []byte) {
	packet, err := wire.DecodeDisconnect(raw)
	if err != nil {
		return
	}
	l.mu.Lock()
	if addr, ok := l.addrOf[packet.ClientID]; ok {
		delete(l.clientOf, addr.String())
		delete(l.addrOf, packet.ClientID)
	}
	l.mu.Unlock()
}
