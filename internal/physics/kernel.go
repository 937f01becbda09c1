// Package physics is the pure movement/combat kernel of the arena. Every
// function is deterministic over its arguments: no clocks, no randomness,
// no I/O. Time enters only as the tick counter and the per-tick dt, which
// keeps full-match replays byte-identical.
package physics

import (
	"math"

	"github.com/google/uuid"
)

// Canonical tuning constants. These are part of the client protocol
// (clients predict with the same numbers), so they must not drift.
const (
	RadiusScale      = 1.0  // r = RadiusScale·√mass
	SpeedBase        = 5.0  // v_max(ReferenceMass) in units/s
	ReferenceMass    = 10.0 // mass at which v_max = SpeedBase
	AccelPerAxis     = 2.0  // units/s² per unit of input axis
	FrictionPerTick  = 0.9  // velocity multiplier applied every tick
	BoostMultiplier  = 2.0  // velocity multiplier, once per eligible press
	BoostCooldownMS  = 6000 // minimum gap between boosts
	EatRadiusRatio   = 1.15 // eater radius must strictly exceed ratio × target radius
	PelletMass       = 1.0
	StartMass        = 10.0
	FogDamagePerSec  = 5.0  // mass lost per second outside the fog radius
	BoundaryDamping  = -0.5 // velocity multiplier on rim contact
	SpawnRadiusScale = 0.7  // cells spawn within this fraction of the map radius
)

// neverBoosted predates any reachable tick so the first press is eligible.
const neverBoosted = -1 << 30

// Cell is one player's blob. Mutated in place by the kernel; owned by a
// single match goroutine.
type Cell struct {
	PlayerID      uuid.UUID
	TeamID        int // 0 = no team (solo)
	X, Y          float64
	VX, VY        float64
	Mass          float64
	MaxMass       float64 // peak mass reached, kept for placements
	Kills         int
	Dead          bool
	LastBoostTick int64
	boostHeld     bool // previous tick's boost flag, for press-edge detection
}

// NewCell spawns a cell at the given position with the starting mass.
func NewCell(playerID uuid.UUID, teamID int, x, y float64) Cell {
	return Cell{
		PlayerID:      playerID,
		TeamID:        teamID,
		X:             x,
		Y:             y,
		Mass:          StartMass,
		MaxMass:       StartMass,
		LastBoostTick: neverBoosted,
	}
}

// Pellet is a unit-mass food particle.
type Pellet struct {
	ID    uint64
	X, Y  float64
	Eaten bool
}

// Input is the per-tick movement intent of one cell.
type Input struct {
	AxisX, AxisY float64 // unit-clamped
	Boost        bool
}

// Radius converts mass to collision radius.
func Radius(mass float64) float64 {
	return RadiusScale * math.Sqrt(mass)
}

// MaxSpeed is the sustained speed ceiling for a cell of the given mass:
// heavier cells move slower, √-scaled around the reference mass.
func MaxSpeed(mass float64) float64 {
	if mass <= 0 {
		return 0
	}
	return SpeedBase / math.Sqrt(mass/ReferenceMass)
}

// Advance applies one tick of movement to a live cell, in fixed order:
// acceleration from the clamped axes, the boost impulse when a fresh press
// is off cooldown, the mass-dependent speed clamp, position integration,
// then friction. cooldownTicks is BoostCooldownMS expressed in ticks.
func Advance(c *Cell, in Input, tick int64, dt float64, cooldownTicks int64) {
	if c.Dead {
		return
	}

	ax, ay := clampAxes(in.AxisX, in.AxisY)
	c.VX += ax * AccelPerAxis * dt
	c.VY += ay * AccelPerAxis * dt

	// A boost fires at most once per press: holding the button does not
	// re-trigger after the cooldown until it is released and pressed again.
	if in.Boost && !c.boostHeld && tick-c.LastBoostTick >= cooldownTicks {
		c.VX *= BoostMultiplier
		c.VY *= BoostMultiplier
		c.LastBoostTick = tick
	}
	c.boostHeld = in.Boost

	if vmax := MaxSpeed(c.Mass); vmax > 0 {
		if speed := math.Hypot(c.VX, c.VY); speed > vmax {
			scale := vmax / speed
			c.VX *= scale
			c.VY *= scale
		}
	}

	c.X += c.VX * dt
	c.Y += c.VY * dt

	c.VX *= FrictionPerTick
	c.VY *= FrictionPerTick
}

// TryEat resolves a cell-cell collision in the eater's favour when all
// rules pass: both live, not teammates, the eater's radius strictly exceeds
// EatRadiusRatio × the target's, and the eater covers the target's centre.
// The target's full mass transfers, clamped to maxMass (the wager-derived
// growth cap); overflow is discarded.
func TryEat(eater, target *Cell, maxMass float64) bool {
	if eater.Dead || target.Dead {
		return false
	}
	if eater.TeamID != 0 && eater.TeamID == target.TeamID {
		return false
	}
	if Radius(eater.Mass) <= EatRadiusRatio*Radius(target.Mass) {
		return false
	}
	if math.Hypot(target.X-eater.X, target.Y-eater.Y) >= Radius(eater.Mass) {
		return false
	}

	eater.Mass = math.Min(eater.Mass+target.Mass, maxMass)
	eater.MaxMass = math.Max(eater.MaxMass, eater.Mass)
	eater.Kills++
	target.Mass = 0
	target.Dead = true
	return true
}

// TryConsume eats a pellet whose centre lies inside the cell, clamped to
// the growth cap.
func TryConsume(c *Cell, p *Pellet, maxMass float64) bool {
	if c.Dead || p.Eaten {
		return false
	}
	if math.Hypot(p.X-c.X, p.Y-c.Y) >= Radius(c.Mass) {
		return false
	}
	c.Mass = math.Min(c.Mass+PelletMass, maxMass)
	c.MaxMass = math.Max(c.MaxMass, c.Mass)
	p.Eaten = true
	return true
}

// ApplyFog drains mass from a cell outside the fog radius. A cell bled to
// zero dies with no kill attribution.
func ApplyFog(c *Cell, fogRadius, dt float64) {
	if c.Dead {
		return
	}
	if math.Hypot(c.X, c.Y) <= fogRadius {
		return
	}
	c.Mass -= FogDamagePerSec * dt
	if c.Mass <= 0 {
		c.Mass = 0
		c.Dead = true
	}
}

// ClampToMap projects an escaped cell back onto the arena rim and reflects
// its velocity at half magnitude.
func ClampToMap(c *Cell, mapRadius float64) {
	d := math.Hypot(c.X, c.Y)
	if d <= mapRadius || d == 0 {
		return
	}
	scale := mapRadius / d
	c.X *= scale
	c.Y *= scale
	c.VX *= BoundaryDamping
	c.VY *= BoundaryDamping
}

// clampAxes scales an intent vector down to unit norm. The session layer
// rejects oversized vectors outright; this keeps the kernel total anyway.
func clampAxes(x, y float64) (float64, float64) {
	n := math.Hypot(x, y)
	if n <= 1 {
		return x, y
	}
	return x / n, y / n
}
