// Package corectx wires the voice plane's components into one explicit
// object graph (spec.md §9 remediation: no package-level singletons). A
// CoreContext is constructed once per process from a resolved
// internal/config.Config and owns every shared component's lifetime.
// Grounded on andrijaa-agent-bridge/server/main.go's plain top-level
// wiring, generalized into an explicit struct so construction order and
// shutdown order are both visible at one call site, and on
// rustyguts-bken/server/server.go's Server.Run for the graceful-shutdown
// shape.
package corectx

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/zokiio/ovc/internal/authcode"
	"github.com/zokiio/ovc/internal/config"
	"github.com/zokiio/ovc/internal/control"
	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/router"
	"github.com/zokiio/ovc/internal/signaling"
	"github.com/zokiio/ovc/internal/udpingress"
	"github.com/zokiio/ovc/internal/wire"
)

// CoreContext is the fully wired voice plane: every component a
// SignalingSession or the game adapter needs, constructed in dependency
// order.
type CoreContext struct {
	Config       config.Config
	Log          *zap.SugaredLogger
	AuthCodes    *authcode.Store
	AuthThrottle *signaling.AuthThrottle
	Positions    *position.Tracker
	Groups       *group.Registry
	Registry     *registry.Registry
	Router       *router.Router
	Control      *control.ControlPlane

	udpIngress *udpingress.Listener
}

// New constructs a CoreContext from cfg. Construction order mirrors
// ownership in spec §3: registries before the router, the router before
// anything that references it.
func New(cfg config.Config, log *zap.SugaredLogger) (*CoreContext, error) {
	authCodes, err := authcode.New(cfg.AuthCodeFilePath, log)
	if err != nil {
		return nil, fmt.Errorf("corectx: auth code store: %w", err)
	}

	positions := position.New(position.Config{
		MinIntervalMs:     cfg.MinPositionIntervalMs,
		MinDistanceDelta:  cfg.MinDistanceDeltaM,
		RotationThreshold: cfg.RotationThresholdDeg,
		TTL:               cfg.PositionTTL,
	})

	reg := registry.New()

	var groups *group.Registry
	groups = group.New(cfg.MaxGroupsGlobal, cfg.DefaultMaxMembers, func(groupID string, members []ids.PlayerID) {
		broadcastGroupMembersUpdated(reg, groups, groupID, members)
	})

	ctl := control.New(reg, groups, positions, authCodes, log)

	routerWorkers := cfg.RouterWorkers
	if routerWorkers <= 0 {
		routerWorkers = runtime.GOMAXPROCS(0) * 4
	}
	r := router.New(router.Config{
		MaxVoiceDistance: cfg.MaxVoiceDistance,
		RolloffFactor:    cfg.RolloffFactor,
		FanoutWorkers:    routerWorkers,
	}, reg, groups, positions, ctl, log)

	cc := &CoreContext{
		Config:       cfg,
		Log:          log,
		AuthCodes:    authCodes,
		AuthThrottle: signaling.NewAuthThrottle(cfg.AuthFailureLimit, cfg.AuthFailureWindow),
		Positions:    positions,
		Groups:       groups,
		Registry:     reg,
		Router:       r,
		Control:      ctl,
	}

	if cfg.UDPIngressAddr != "" {
		listener, err := udpingress.New(cfg.UDPIngressAddr, cfg.SCTPMTU, r, reg, log)
		if err != nil {
			return nil, fmt.Errorf("corectx: udp ingress: %w", err)
		}
		cc.udpIngress = listener
	}

	return cc, nil
}

// SignalingDeps builds the signaling.Deps value every SignalingSession
// shares.
func (c *CoreContext) SignalingDeps() signaling.Deps {
	return signaling.Deps{
		Registry:     c.Registry,
		Groups:       c.Groups,
		Positions:    c.Positions,
		AuthCodes:    c.AuthCodes,
		AuthThrottle: c.AuthThrottle,
		Router:       c.Router,
		Config:       c.Config,
		Log:          c.Log,
	}
}

// Start begins any background listeners (currently just the optional
// legacy UDP ingress).
func (c *CoreContext) Start(ctx context.Context) error {
	if c.udpIngress != nil {
		if err := c.udpIngress.Start(ctx); err != nil {
			return fmt.Errorf("corectx: start udp ingress: %w", err)
		}
	}
	return nil
}

// Shutdown closes the optional UDP ingress, sends a `disconnected` message
// to every registered session, and then waits up to 250ms (or until ctx is
// done) for those messages to flush. It does not drain the router's queues
// and does not close WebRTC sessions; those end when their WebSocket
// connections close.
func (c *CoreContext) Shutdown(ctx context.Context) error {
	if c.udpIngress != nil {
		_ = c.udpIngress.Close()
	}

	for _, e := range c.Registry.All() {
		if e.SendJSON != nil {
			e.SendJSON(wire.MsgDisconnected, wire.DisconnectedPayload{Reason: "server shutting down"})
		}
	}

	select {
	case <-time.After(250 * time.Millisecond): // let the disconnect notice flush
	case <-ctx.Done():
	}
	return nil
}

func broadcastGroupMembersUpdated(reg *registry.Registry, groups *group.Registry, groupID string, members []ids.PlayerID) {
	memberStrs := make([]string, 0, len(members))
	for _, m := range members {
		memberStrs = append(memberStrs, m.String())
	}
	payload := wire.GroupMembersUpdatedPayload{GroupID: groupID, Members: memberStrs}
	g := groups.Get(groupID)
	if g == nil {
		return
	}
	for member := range g.Members {
		if entry := reg.GetByPlayer(member); entry != nil && entry.SendJSON != nil {
			entry.SendJSON(wire.MsgGroupMembersUpdated, payload)
			entry.SendJSON(wire.MsgGroupList, groupListPayloadFor(groups))
		}
	}
}

func groupListPayloadFor(groups *group.Registry) wire.GroupListPayload {
	all := groups.List()
	entries := make([]wire.GroupListEntry, 0, len(all))
	for _, g := range all {
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
	return wire.GroupListPayload{Groups: entries}
}
