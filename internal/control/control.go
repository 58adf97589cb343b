// Package control implements the ControlPlane of spec.md §4.8: a thin,
// idempotent façade the game adapter drives (create groups, mute, proximity
// overrides, position updates, radar pings). Grounded on
// andrijaa-agent-bridge/client/client.go's Client — a small façade object
// exposing named operations over the same underlying state — generalized
// from a WebSocket client wrapper to a server-side façade over the
// registry/group/position/authcode components.
package control

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/authcode"
	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/wire"
)

// ControlPlane is the façade used by the game adapter (spec §6.3) and by
// administrative callers (spec §4.8).
type ControlPlane struct {
	registry  *registry.Registry
	groups    *group.Registry
	positions *position.Tracker
	authcodes *authcode.Store
	log       *zap.SugaredLogger

	mu        sync.RWMutex
	overrides map[ids.PlayerID]float64 // per-player proximity override, meters
}

// New constructs a ControlPlane over the already-wired components.
func New(reg *registry.Registry, groups *group.Registry, positions *position.Tracker, authcodes *authcode.Store, log *zap.SugaredLogger) *ControlPlane {
	return &ControlPlane{
		registry:  reg,
		groups:    groups,
		positions: positions,
		authcodes: authcodes,
		log:       log,
		overrides: make(map[ids.PlayerID]float64),
	}
}

// PlayerOverride implements router.ProximityOverrides.
func (c *ControlPlane) PlayerOverride(playerID ids.PlayerID) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meters, ok := c.overrides[playerID]
	return meters, ok
}

// SetProximityOverride sets or clears (meters <= 0) playerID's personal
// proximity range, taking priority over any group override (spec §4.7.2).
func (c *ControlPlane) SetProximityOverride(playerID ids.PlayerID, meters float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meters <= 0 {
		delete(c.overrides, playerID)
		return
	}
	c.overrides[playerID] = meters
}

// CreateGroup creates a group owned by creator and broadcasts the result to
// the caller.
func (c *ControlPlane) CreateGroup(creator ids.PlayerID, name string, settings model.GroupSettings) (*model.Group, error) {
	return c.groups.Create(creator, name, settings)
}

// ForceLeaveGroup removes playerID from its current group, if any. Calling
// it on a player with no group is a no-op, making the operation idempotent
// per spec §4.8.
func (c *ControlPlane) ForceLeaveGroup(playerID ids.PlayerID) error {
	return c.groups.ForceLeaveCurrent(playerID)
}

// Mute broadcasts playerID's mute state to the player's current group peers,
// mirroring the `user_mute` signaling broadcast (spec §6.1). The state is
// not stored anywhere on the server.
func (c *ControlPlane) Mute(playerID ids.PlayerID, muted bool) error {
	entry := c.registry.GetByPlayer(playerID)
	if entry == nil {
		return fmt.Errorf("control: player %s is not connected", playerID)
	}
	c.broadcastToGroup(playerID, wire.MsgUserMuteBroadcast, wire.UserMutePayload{IsMuted: muted})
	return nil
}

// SendRadarPing notifies target's client of a radar ping originating at
// source, carrying an arbitrary payload the game adapter controls (e.g.
// direction/distance hint). Delivery is best-effort: if target is not
// connected, the call is a silent no-op per spec §4.8's idempotency
// requirement.
func (c *ControlPlane) SendRadarPing(source, target ids.PlayerID, payload any) {
	entry := c.registry.GetByPlayer(target)
	if entry == nil || entry.SendJSON == nil {
		return
	}
	entry.SendJSON("radar_ping", map[string]any{
		"sourcePlayerId": source.String(),
		"payload":        payload,
	})
}

func (c *ControlPlane) broadcastToGroup(playerID ids.PlayerID, msgType string, payload any) {
	groupID, ok := c.groups.GroupOf(playerID)
	if !ok {
		return
	}
	g := c.groups.Get(groupID)
	if g == nil {
		return
	}
	for member := range g.Members {
		if member == playerID {
			continue
		}
		if entry := c.registry.GetByPlayer(member); entry != nil && entry.SendJSON != nil {
			entry.SendJSON(msgType, payload)
		}
	}
}

// --- game adapter inbound interface, spec §6.3 ---

// UpsertPosition forwards a game-sampled position to the PositionTracker.
func (c *ControlPlane) UpsertPosition(playerID ids.PlayerID, x, y, z, yaw, pitch float64, worldID string, nowMs int64) bool {
	return c.positions.Upsert(playerID, model.Position{
		X: x, Y: y, Z: z,
		Yaw: model.NormalizeAngle(yaw), Pitch: model.NormalizeAngle(pitch),
		WorldID: worldID, TimestampMs: nowMs,
	})
}

// OnPlayerJoin records initialPosition for the newly bound playerID.
// username is accepted for parity with spec §6.3's interface but the
// tracker itself is keyed purely by PlayerID.
func (c *ControlPlane) OnPlayerJoin(playerID ids.PlayerID, username string, initial model.Position) {
	c.positions.Upsert(playerID, initial)
}

// OnPlayerLeave forgets playerID's tracked position and removes it from any
// group, mirroring a disconnect's side effects without touching the
// session registry (which is driven by the WebSocket lifecycle instead).
func (c *ControlPlane) OnPlayerLeave(playerID ids.PlayerID) {
	c.positions.Remove(playerID)
	_ = c.groups.ForceLeaveCurrent(playerID)
	c.mu.Lock()
	delete(c.overrides, playerID)
	c.mu.Unlock()
}

// ValidateCode delegates to the AuthCodeStore (spec §6.3).
func (c *ControlPlane) ValidateCode(username, code string) bool {
	return c.authcodes.Validate(username, code)
}
