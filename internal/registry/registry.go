// Package registry implements the SessionRegistry of spec.md §4.8: the
// process-wide index from ClientID to session and from PlayerID to
// ClientID. Grounded on andrijaa-agent-bridge/server/room.go's RoomManager
// (a guarded map, get-or-create style), generalized from one global room to
// a 16-bucket FNV-sharded map to cut lock contention under many concurrent
// clients.
package registry

import (
	"hash/fnv"
	"sync"

	"github.com/zokiio/ovc/internal/ids"
)

const shardCount = 16

// Entry is whatever the registry tracks per connected client. Callers
// (internal/signaling, internal/control) populate PlayerID once the client
// binds to an in-game player.
type Entry struct {
	ClientID ids.ClientID
	PlayerID ids.PlayerID // zero value until bound
	Username string

	// Send delivers an already-encoded wire packet to this client's audio
	// DataChannel. Supplied by the owning signaling session, which forwards
	// to its rtcsession.Session.
	Send func(raw []byte) (ok bool)

	// SendJSON enqueues an outbound signaling envelope for this client's
	// WebSocket. Supplied by the owning signaling session.
	SendJSON func(msgType string, data any)
}

type shard struct {
	mu        sync.RWMutex
	byClient  map[ids.ClientID]*Entry
	playerIdx map[ids.PlayerID]ids.ClientID
}

// Registry is the SessionRegistry.
type Registry struct {
	shards [shardCount]*shard
}

// New constructs an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			byClient:  make(map[ids.ClientID]*Entry),
			playerIdx: make(map[ids.PlayerID]ids.ClientID),
		}
	}
	return r
}

func (r *Registry) shardFor(c ids.ClientID) *shard {
	h := fnv.New32a()
	h.Write(c[:])
	return r.shards[h.Sum32()%shardCount]
}

// Join registers a newly authenticated client.
func (r *Registry) Join(e *Entry) {
	s := r.shardFor(e.ClientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byClient[e.ClientID] = e
	if !e.PlayerID.IsZero() {
		s.playerIdx[e.PlayerID] = e.ClientID
	}
}

// BindPlayer associates clientID with playerID (spec §3: "one ClientId
// corresponds to at most one PlayerId at a time").
func (r *Registry) BindPlayer(clientID ids.ClientID, playerID ids.PlayerID) {
	s := r.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byClient[clientID]
	if !ok {
		return
	}
	if !e.PlayerID.IsZero() {
		delete(s.playerIdx, e.PlayerID)
	}
	e.PlayerID = playerID
	s.playerIdx[playerID] = clientID
}

// Leave removes clientID from the registry.
func (r *Registry) Leave(clientID ids.ClientID) {
	s := r.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byClient[clientID]
	if !ok {
		return
	}
	delete(s.byClient, clientID)
	if !e.PlayerID.IsZero() {
		delete(s.playerIdx, e.PlayerID)
	}
}

// Get returns the entry for clientID, or nil.
func (r *Registry) Get(clientID ids.ClientID) *Entry {
	s := r.shardFor(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byClient[clientID]
}

// ClientFor returns the ClientID currently bound to playerID, if connected.
func (r *Registry) ClientFor(playerID ids.PlayerID) (ids.ClientID, bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		c, ok := s.playerIdx[playerID]
		s.mu.RUnlock()
		if ok {
			return c, true
		}
	}
	return ids.ClientID{}, false
}

// GetByPlayer is a convenience wrapper combining ClientFor and Get.
func (r *Registry) GetByPlayer(playerID ids.PlayerID) *Entry {
	clientID, ok := r.ClientFor(playerID)
	if !ok {
		return nil
	}
	return r.Get(clientID)
}

// All returns a snapshot of every registered entry. Used by presence
// broadcast and the router's candidate-set computation.
func (r *Registry) All() []*Entry {
	var out []*Entry
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.byClient {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.byClient)
		s.mu.RUnlock()
	}
	return n
}
