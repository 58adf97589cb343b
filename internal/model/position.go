// Package model holds the plain value types shared by the voice plane:
// positions, groups, and audio frames. See spec.md §3.
package model

import "math"

// Position is a player's world-space pose, as sampled by the game adapter.
type Position struct {
	X, Y, Z       float64
	Yaw, Pitch    float64 // degrees, normalized to (-180, 180]
	WorldID       string
	TimestampMs   int64 // monotonic milliseconds, per the tracker's clock
}

// NormalizeAngle folds a degree value into (-180, 180].
func NormalizeAngle(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}

// Distance returns the Euclidean distance between a and b, or +Inf if they
// are in different worlds (spec §3: "a position whose worldId differs...
// is treated as infinitely far").
func Distance(a, b Position) float64 {
	if a.WorldID != b.WorldID {
		return math.Inf(1)
	}
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Relative returns the position of `from` relative to `to` (from - to),
// used to serialize a recipient-relative position tail per spec §4.7 step 5.
func Relative(from, to Position) (dx, dy, dz float64) {
	return from.X - to.X, from.Y - to.Y, from.Z - to.Z
}
