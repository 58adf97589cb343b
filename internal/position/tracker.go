// Package position implements the PositionTracker of spec.md §4.3: a
// single-writer, many-reader map from PlayerID to Position, with movement
// throttling enforced at the tracker itself (defense in depth beyond
// whatever throttling the game adapter already applies).
package position

import (
	"sync"
	"time"

	"github.com/zokiio/ovc/internal/ids"
	"github.com/zokiio/ovc/internal/model"
)

// Tracker holds the latest known position per player.
type Tracker struct {
	mu   sync.RWMutex
	byID map[ids.PlayerID]model.Position

	minIntervalMs    int64
	minDistanceDelta float64
	rotationThreshold float64
	ttl              time.Duration
}

// Config bundles the throttling/TTL parameters, clamped to the ranges
// documented in spec §4.3.
type Config struct {
	MinIntervalMs     int
	MinDistanceDelta  float64
	RotationThreshold float64
	TTL               time.Duration
}

// DefaultConfig returns the spec-documented defaults: 50ms, 0.25m, 2.0deg.
func DefaultConfig() Config {
	return Config{
		MinIntervalMs:     50,
		MinDistanceDelta:  0.25,
		RotationThreshold: 2.0,
		TTL:               30 * time.Second,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// New constructs a Tracker with cfg, clamping out-of-range values.
func New(cfg Config) *Tracker {
	minInterval := cfg.MinIntervalMs
	if minInterval < 1 {
		minInterval = 1
	}
	if minInterval > 1000 {
		minInterval = 1000
	}
	return &Tracker{
		byID:              make(map[ids.PlayerID]model.Position),
		minIntervalMs:     int64(minInterval),
		minDistanceDelta:  clamp(cfg.MinDistanceDelta, 0, 10),
		rotationThreshold: clamp(cfg.RotationThreshold, 0, 90),
		ttl:               cfg.TTL,
	}
}

// Upsert records pos for playerID, subject to the throttling discipline of
// spec §4.3: an update within minIntervalMs of the last one is dropped
// unless its translation or rotation delta exceeds the configured
// thresholds. Returns true if the update was accepted.
func (t *Tracker) Upsert(playerID ids.PlayerID, pos model.Position) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.byID[playerID]
	if !ok {
		t.byID[playerID] = pos
		return true
	}

	elapsed := pos.TimestampMs - prev.TimestampMs
	if elapsed < t.minIntervalMs {
		if !exceedsThreshold(prev, pos, t.minDistanceDelta, t.rotationThreshold) {
			return false
		}
	}
	t.byID[playerID] = pos
	return true
}

func exceedsThreshold(prev, next model.Position, distDelta, rotDelta float64) bool {
	if model.Distance(prev, next) > distDelta {
		return true
	}
	yawDelta := angleDelta(prev.Yaw, next.Yaw)
	pitchDelta := angleDelta(prev.Pitch, next.Pitch)
	return yawDelta > rotDelta || pitchDelta > rotDelta
}

func angleDelta(a, b float64) float64 {
	d := model.NormalizeAngle(b - a)
	if d < 0 {
		d = -d
	}
	return d
}

// Get returns playerID's last known position, or (zero, false) if absent or
// expired (spec §3: "expired positions route as if absent").
func (t *Tracker) Get(playerID ids.PlayerID, nowMs int64) (model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.byID[playerID]
	if !ok {
		return model.Position{}, false
	}
	if t.ttl > 0 && nowMs-pos.TimestampMs > t.ttl.Milliseconds() {
		return model.Position{}, false
	}
	return pos, true
}

// Snapshot returns a copy of every tracked position, for read-heavy
// consumers (e.g. the router's candidate-set computation) that want a
// single consistent view instead of per-player locking.
func (t *Tracker) Snapshot(nowMs int64) map[ids.PlayerID]model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[ids.PlayerID]model.Position, len(t.byID))
	for id, pos := range t.byID {
		if t.ttl > 0 && nowMs-pos.TimestampMs > t.ttl.Milliseconds() {
			continue
		}
		out[id] = pos
	}
	return out
}

// Remove forgets playerID, e.g. on game-side leave.
func (t *Tracker) Remove(playerID ids.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, playerID)
}
