// Package router implements the AudioRouter of spec.md §4.7: the single
// fan-out point that turns one inbound AudioFrame into a per-recipient
// transmission with proximity/group/isolation transforms applied. Grounded
// on spec §4.7 directly (the teacher has no equivalent); the per-sender
// single-dispatcher-goroutine shape is grounded on
// n0remac-robot-webrtc/websocket/websocket.go's Hub.Run() broadcast loop,
// generalized from one shared broadcast channel to one queue per sender so
// that a slow recipient never stalls another sender's frames.
package router

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zokiio/ovc/internal/group"
	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
	"github.com/zokiio/ovc/internal/position"
	"github.com/zokiio/ovc/internal/registry"
	"github.com/zokiio/ovc/internal/wire"
)

// Config bundles the router's tunable proximity/concurrency parameters.
type Config struct {
	MaxVoiceDistance float64 // hard cap, meters, spec §4.7.2
	RolloffFactor    float64 // k in rolloff(d), default 1.5
	FanoutWorkers    int     // bounded concurrency for recipient sends
	SenderQueueDepth int     // per-sender inbound queue depth
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxVoiceDistance: 100,
		RolloffFactor:    1.5,
		FanoutWorkers:    64,
		SenderQueueDepth: 32,
	}
}

// ProximityOverrides resolves the effective proximity range for a sender,
// per spec §4.7.2's priority: admin override (per-player) > group override >
// default.
type ProximityOverrides interface {
	PlayerOverride(playerID ids.PlayerID) (meters float64, ok bool)
}

// Router is the AudioRouter.
type Router struct {
	cfg       Config
	registry  *registry.Registry
	groups    *group.Registry
	positions *position.Tracker
	overrides ProximityOverrides
	log       *zap.SugaredLogger

	sem *semaphore.Weighted

	mu        sync.Mutex
	queues    map[ids.ClientID]chan routeJob
	dropCount sync.Map // ids.ClientID -> *int64, backpressure drop counters
	lastLog   sync.Map // ids.ClientID -> time.Time, coalesced-logging timestamps
}

type routeJob struct {
	senderClientID ids.ClientID
	senderPlayerID ids.PlayerID
	frame          model.AudioFrame
	nowMs          int64
}

// New constructs a Router. overrides may be nil (no per-player proximity
// overrides configured).
func New(cfg Config, reg *registry.Registry, groups *group.Registry, positions *position.Tracker, overrides ProximityOverrides, log *zap.SugaredLogger) *Router {
	if cfg.FanoutWorkers <= 0 {
		cfg.FanoutWorkers = 64
	}
	if cfg.SenderQueueDepth <= 0 {
		cfg.SenderQueueDepth = 32
	}
	return &Router{
		cfg:       cfg,
		registry:  reg,
		groups:    groups,
		positions: positions,
		overrides: overrides,
		log:       log,
		sem:       semaphore.NewWeighted(int64(cfg.FanoutWorkers)),
		queues:    make(map[ids.ClientID]chan routeJob),
	}
}

// Route enqueues frame from senderClientID/senderPlayerID for routing. It
// never blocks the caller (the DataChannel's OnMessage callback) beyond a
// bounded channel send; if the sender's queue is full the frame is dropped,
// matching spec §5's "the router never buffers" backpressure policy.
func (r *Router) Route(senderClientID ids.ClientID, senderPlayerID ids.PlayerID, frame model.AudioFrame, nowMs int64) {
	q := r.queueFor(senderClientID)
	select {
	case q <- routeJob{senderClientID: senderClientID, senderPlayerID: senderPlayerID, frame: frame, nowMs: nowMs}:
	default:
		r.noteDrop(senderClientID, "sender queue full")
	}
}

func (r *Router) queueFor(senderClientID ids.ClientID) chan routeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[senderClientID]
	if ok {
		return q
	}
	q = make(chan routeJob, r.cfg.SenderQueueDepth)
	r.queues[senderClientID] = q
	go r.dispatch(senderClientID, q)
	return q
}

// dispatch is the single goroutine per sender that preserves per-sender
// frame order (spec §5: "the router must not reorder frames from a single
// sender"). Different senders dispatch concurrently.
func (r *Router) dispatch(senderClientID ids.ClientID, q chan routeJob) {
	for job := range q {
		r.route(job)
	}
}

// RemoveSender tears down senderClientID's dispatch queue, e.g. on
// disconnect. Safe to call even if no queue was ever created.
func (r *Router) RemoveSender(senderClientID ids.ClientID) {
	r.mu.Lock()
	q, ok := r.queues[senderClientID]
	if ok {
		delete(r.queues, senderClientID)
	}
	r.mu.Unlock()
	if ok {
		close(q)
	}
}

func (r *Router) route(job routeJob) {
	recipients := r.candidateSet(job.senderClientID, job.senderPlayerID, job.nowMs)
	if len(recipients) == 0 {
		return
	}

	senderPos, senderHasPos := r.positions.Get(job.senderPlayerID, job.nowMs)
	senderGroupID, senderInGroup := r.groups.GroupOf(job.senderPlayerID)
	var senderGroup *groupView
	if senderInGroup {
		if g := r.groups.Get(senderGroupID); g != nil {
			senderGroup = &groupView{id: g.ID, isolated: g.Settings.IsIsolated, globalVoice: g.Settings.GlobalVoice, spatial: g.Settings.Spatial, minVolume: g.Settings.MinVolume}
		}
	}

	// Encode once without a position tail; recipients needing a relative
	// position get a per-recipient re-encode (spec §4.7 step 5).
	plainPacket := wire.EncodeAudio(job.frame)

	var wg sync.WaitGroup
	for _, rec := range recipients {
		rec := rec
		sameGroup := senderGroup != nil && rec.groupID == senderGroup.id

		deliver, gain, needsPosition := r.transformFor(senderPos, senderHasPos, senderGroup, sameGroup, rec, job.nowMs)
		if !deliver {
			continue
		}

		wg.Add(1)
		_ = r.sem.Acquire(context.Background(), 1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			r.send(rec, job.frame, plainPacket, senderPos, senderHasPos, needsPosition, gain, job.nowMs)
		}()
	}
	wg.Wait()
}

type groupView struct {
	id          string
	isolated    bool
	globalVoice bool
	spatial     bool
	minVolume   float64
}

type recipient struct {
	clientID ids.ClientID
	playerID ids.PlayerID
	entry    *registry.Entry
	groupID  string
	inGroup  bool
}

// candidateSet computes C per spec §4.7 step 2: the set of players eligible
// to receive S's frame before per-recipient transform/gain is applied.
func (r *Router) candidateSet(senderClientID ids.ClientID, senderPlayerID ids.PlayerID, nowMs int64) []recipient {
	all := r.registry.All()
	senderGroupID, senderInGroup := r.groups.GroupOf(senderPlayerID)

	var senderGroup *model.Group
	if senderInGroup {
		senderGroup = r.groups.Get(senderGroupID)
	}

	effectiveRange := r.effectiveRange(senderPlayerID, senderGroup)
	senderPos, senderHasPos := r.positions.Get(senderPlayerID, nowMs)

	nearby := func(playerID ids.PlayerID) bool {
		if !senderHasPos {
			return false
		}
		pos, ok := r.positions.Get(playerID, nowMs)
		if !ok {
			return false
		}
		return model.Distance(senderPos, pos) < effectiveRange
	}

	var out []recipient
	for _, e := range all {
		if e.ClientID == senderClientID || e.PlayerID.IsZero() {
			continue
		}
		recGroupID, recInGroup := r.groups.GroupOf(e.PlayerID)

		switch {
		case senderInGroup && senderGroup != nil && senderGroup.Settings.IsIsolated:
			// Isolated group: only fellow members.
			if !recInGroup || recGroupID != senderGroupID {
				continue
			}
		case senderInGroup:
			// Non-isolated group: fellow members plus nearby non-grouped players.
			sameGroup := recInGroup && recGroupID == senderGroupID
			if !sameGroup {
				if recInGroup {
					continue // grouped-but-different-group players are never candidates here
				}
				if !nearby(e.PlayerID) {
					continue
				}
			}
		default:
			// Sender ungrouped: nearby non-grouped players, plus members of
			// any nearby non-isolated group.
			if recInGroup {
				g := r.groups.Get(recGroupID)
				if g == nil || g.Settings.IsIsolated {
					continue
				}
				if !nearby(e.PlayerID) {
					continue
				}
			} else if !nearby(e.PlayerID) {
				continue
			}
		}

		out = append(out, recipient{
			clientID: e.ClientID,
			playerID: e.PlayerID,
			entry:    e,
			groupID:  recGroupID,
			inGroup:  recInGroup,
		})
	}
	return out
}

func (r *Router) effectiveRange(senderPlayerID ids.PlayerID, senderGroup *model.Group) float64 {
	if r.overrides != nil {
		if meters, ok := r.overrides.PlayerOverride(senderPlayerID); ok {
			return clampRange(meters, r.cfg.MaxVoiceDistance)
		}
	}
	if senderGroup != nil && senderGroup.Settings.ProximityOverride != nil {
		return clampRange(*senderGroup.Settings.ProximityOverride, r.cfg.MaxVoiceDistance)
	}
	return r.cfg.MaxVoiceDistance
}

func clampRange(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	if v < 0 {
		return 0
	}
	return v
}

// transformFor computes (deliver, gain, needsPosition) for rec per spec
// §4.7 step 4.
func (r *Router) transformFor(senderPos model.Position, senderHasPos bool, senderGroup *groupView, sameGroup bool, rec recipient, nowMs int64) (bool, float64, bool) {
	if rec.entry == nil || rec.entry.Send == nil {
		return false, 0, false
	}

	if sameGroup && senderGroup != nil && senderGroup.globalVoice {
		if !senderGroup.spatial {
			gain := senderGroup.minVolume
			if gain < 1.0 {
				gain = 1.0
			}
			return true, gain, false
		}
		// Spatial within a global-voice group: compute spatial gain, floor
		// at minVolume.
		gain, ok := r.spatialGain(senderPos, senderHasPos, rec, nowMs)
		if !ok {
			return true, senderGroup.minVolume, false
		}
		if gain < senderGroup.minVolume {
			gain = senderGroup.minVolume
		}
		return true, gain, true
	}

	gain, ok := r.spatialGain(senderPos, senderHasPos, rec, nowMs)
	if !ok || gain <= 0 {
		return false, 0, false
	}
	return true, gain, true
}

func (r *Router) spatialGain(senderPos model.Position, senderHasPos bool, rec recipient, nowMs int64) (float64, bool) {
	if !senderHasPos {
		return 0, false
	}
	recPos, ok := r.positions.Get(rec.playerID, nowMs)
	if !ok {
		return 0, false
	}
	d := model.Distance(senderPos, recPos)
	if d >= r.cfg.MaxVoiceDistance {
		return 0, false
	}
	return rolloff(d, r.cfg.MaxVoiceDistance, r.cfg.RolloffFactor), true
}

// rolloff implements spec §4.7.1: clamp(0, 1, (1 - d/maxDistance)^k).
func rolloff(d, maxDistance, k float64) float64 {
	if maxDistance <= 0 {
		return 0
	}
	ratio := 1 - d/maxDistance
	if ratio <= 0 {
		return 0
	}
	if ratio >= 1 {
		return 1
	}
	v := math.Pow(ratio, k)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r *Router) send(rec recipient, frame model.AudioFrame, plainPacket []byte, senderPos model.Position, senderHasPos, needsPosition bool, gain float64, nowMs int64) {
	packet := plainPacket
	if needsPosition && senderHasPos {
		recPos, ok := r.positions.Get(rec.playerID, nowMs)
		if ok {
			dx, dy, dz := model.Relative(senderPos, recPos)
			withPos := frame
			withPos.Position = &model.Position3{X: float32(dx), Y: float32(dy), Z: float32(dz)}
			packet = wire.EncodeAudio(withPos)
		}
	}
	// Gain is computed but neither applied nor transmitted: the payload is
	// opaque and the packet format has no gain field, so every recipient
	// receives the frame unscaled.
	_ = gain

	if ok := rec.entry.Send(packet); !ok {
		r.noteDrop(rec.clientID, "recipient backpressure or closed")
	}
}

func (r *Router) noteDrop(clientID ids.ClientID, reason string) {
	counter, _ := r.dropCount.LoadOrStore(clientID, new(int64))
	atomic.AddInt64(counter.(*int64), 1)
	if r.log == nil {
		return
	}
	now := time.Now()
	if last, ok := r.lastLog.Load(clientID); ok {
		if now.Sub(last.(time.Time)) < 5*time.Second {
			return
		}
	}
	r.lastLog.Store(clientID, now)
	r.log.Warnw("router: dropped frame", "clientId", clientID.String(), "reason", reason)
}
