// Package sim runs authoritative match simulations. A Match is the pure
// deterministic core (state + tick pipeline); a Runner wraps one Match in
// its owner goroutine and connects it to sessions through a Hub. Replaying
// a Match from the same seed, member set, and input trace reproduces every
// snapshot byte for byte.
package sim

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/fair"
	"github.com/stakeforge/arena-engine/internal/physics"
	"github.com/stakeforge/arena-engine/internal/settle"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// Phase timing in seconds, measured from activation (countdown excluded).
const (
	CountdownSeconds = 10
	ActiveSeconds    = 270 // 4.5 minutes of open play
	MatchCapSeconds  = 360 // hard settlement cap: 6 minutes
	MaxPellets       = 500
	// Pellet respawn probability per tick; halved once the fog closes in.
	RespawnChanceActive = 0.10
	RespawnChanceShrink = 0.05
	// Fraction of the map radius the fog reaches at full shrink.
	fogFloorFraction = 0.35
	shrinkEventGapS  = 5 // SHRINK re-broadcast cadence
)

// End reasons carried on the END event and the match row.
const (
	EndLastStanding = "last_standing"
	EndTimeLimit    = "time_limit"
	EndAborted      = "aborted"
)

// Member is one participant at materialization time.
type Member struct {
	AccountID uuid.UUID
	TeamID    int // 0 in solo
}

// Config fixes everything a match needs to be replayed.
type Config struct {
	MatchID   uuid.UUID
	Mode      models.Mode
	BuyIn     int64 // cents; the growth cap derives from it
	MapRadius float64
	TickRate  int
	Seed      []byte // committed seed, SeedLen bytes
	Members   []Member
}

// Match is the authoritative world state. Not safe for concurrent use: all
// access goes through the owning Runner goroutine (or a test driving Step
// directly).
type Match struct {
	cfg           Config
	dt            float64
	cooldownTicks int64
	maxMass       float64

	countdownTicks int64
	activeEndTick  int64 // elapsed ticks from activation
	capTick        int64

	tick      int64 // completed ticks since materialization
	phase     models.MatchState
	fogRadius float64

	cells   []physics.Cell // sorted by player id; index order is protocol
	pellets []physics.Pellet
	nextPID uint64

	spawnStream  *fair.Stream
	pelletStream *fair.Stream
	shrinkStream *fair.Stream

	events    []models.GameEvent
	finished  bool
	endReason string
}

// NewMatch materializes the world: members sorted by account id, spawn
// points drawn from the "spawn" stream inside 0.7× the map radius, then
// 500 pellets from the "pellets" stream across the full disk. Draw order is
// part of the reveal protocol, so nothing here may be reordered.
func NewMatch(cfg Config) (*Match, error) {
	if len(cfg.Members) < 2 {
		return nil, fmt.Errorf("match %s: need at least 2 members, got %d", cfg.MatchID, len(cfg.Members))
	}
	if len(cfg.Seed) != fair.SeedLen {
		return nil, fmt.Errorf("match %s: seed must be %d bytes, got %d", cfg.MatchID, fair.SeedLen, len(cfg.Seed))
	}
	if cfg.TickRate <= 0 {
		return nil, fmt.Errorf("match %s: tick rate must be positive, got %d", cfg.MatchID, cfg.TickRate)
	}

	m := &Match{
		cfg:            cfg,
		dt:             1.0 / float64(cfg.TickRate),
		cooldownTicks:  int64(physics.BoostCooldownMS) * int64(cfg.TickRate) / 1000,
		maxMass:        float64(cfg.BuyIn * 5),
		countdownTicks: int64(CountdownSeconds * cfg.TickRate),
		activeEndTick:  int64(ActiveSeconds * cfg.TickRate),
		capTick:        int64(MatchCapSeconds * cfg.TickRate),
		phase:          models.MatchCountdown,
		fogRadius:      cfg.MapRadius,
		spawnStream:    fair.NewStream(cfg.Seed, fair.TagSpawn),
		pelletStream:   fair.NewStream(cfg.Seed, fair.TagPellets),
		shrinkStream:   fair.NewStream(cfg.Seed, fair.TagShrink),
	}

	members := make([]Member, len(cfg.Members))
	copy(members, cfg.Members)
	sort.Slice(members, func(i, j int) bool {
		return bytes.Compare(members[i].AccountID[:], members[j].AccountID[:]) < 0
	})

	for _, mem := range members {
		x, y := m.spawnStream.PointInDisk(physics.SpawnRadiusScale * cfg.MapRadius)
		m.cells = append(m.cells, physics.NewCell(mem.AccountID, mem.TeamID, x, y))
	}
	for i := 0; i < MaxPellets; i++ {
		m.spawnPellet()
	}
	return m, nil
}

func (m *Match) spawnPellet() {
	x, y := m.pelletStream.PointInDisk(m.cfg.MapRadius)
	m.nextPID++
	m.pellets = append(m.pellets, physics.Pellet{ID: m.nextPID, X: x, Y: y})
}

// Tick returns the number of completed ticks since materialization.
func (m *Match) Tick() int64 { return m.tick }

// Phase returns the current lifecycle phase.
func (m *Match) Phase() models.MatchState { return m.phase }

// Finished reports whether an end condition has fired.
func (m *Match) Finished() bool { return m.finished }

// EndReason is valid once Finished is true.
func (m *Match) EndReason() string { return m.endReason }

// elapsed is the tick count since activation, negative during countdown.
func (m *Match) elapsed() int64 { return m.tick - m.countdownTicks }

// Step executes one tick against the coalesced inputs (latest frame per
// player) and returns the events it produced. The pipeline order below is
// authoritative: changing it changes replays.
func (m *Match) Step(inputs map[uuid.UUID]physics.Input) []models.GameEvent {
	if m.finished {
		return nil
	}
	m.events = m.events[:0]

	// ════════════════════════════════════════════════════════════════════
	// STEP 1: Phase clock (countdown → active → shrink, fog schedule)
	// ════════════════════════════════════════════════════════════════════
	if m.phase == models.MatchCountdown {
		if m.tick%int64(m.cfg.TickRate) == 0 {
			left := CountdownSeconds - int(m.tick/int64(m.cfg.TickRate))
			m.emit(models.GameEvent{Type: models.EventCountdown, Tick: m.tick, SecondsLeft: left})
		}
		m.tick++
		if m.tick >= m.countdownTicks {
			m.phase = models.MatchActive
			m.emit(models.GameEvent{Type: models.EventCountdown, Tick: m.tick, SecondsLeft: 0})
		}
		return m.drain()
	}

	e := m.elapsed()
	if m.phase == models.MatchActive && e >= m.activeEndTick {
		m.phase = models.MatchShrink
	}
	if m.phase == models.MatchShrink {
		p := float64(e-m.activeEndTick) / float64(m.capTick-m.activeEndTick)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		m.fogRadius = m.cfg.MapRadius * (1 - (1-fogFloorFraction)*p)
		if (e-m.activeEndTick)%int64(shrinkEventGapS*m.cfg.TickRate) == 0 {
			m.emit(models.GameEvent{Type: models.EventShrink, Tick: m.tick, FogRadius: m.fogRadius})
		}
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 2: Movement (inputs in cell order, then boundary reflection)
	// ════════════════════════════════════════════════════════════════════
	for i := range m.cells {
		c := &m.cells[i]
		if c.Dead {
			continue
		}
		physics.Advance(c, inputs[c.PlayerID], m.tick, m.dt, m.cooldownTicks)
		physics.ClampToMap(c, m.cfg.MapRadius)
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 3: Cell-cell combat (symmetric try-eat in fixed pair order)
	// ════════════════════════════════════════════════════════════════════
	for i := 0; i < len(m.cells); i++ {
		for j := i + 1; j < len(m.cells); j++ {
			a, b := &m.cells[i], &m.cells[j]
			if victimMass := b.Mass; physics.TryEat(a, b, m.maxMass) {
				m.emitKill(a.PlayerID, b.PlayerID, victimMass)
			} else if victimMass := a.Mass; physics.TryEat(b, a, m.maxMass) {
				m.emitKill(b.PlayerID, a.PlayerID, victimMass)
			}
		}
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 4: Pellet consumption
	// ════════════════════════════════════════════════════════════════════
	for i := range m.cells {
		if m.cells[i].Dead {
			continue
		}
		for j := range m.pellets {
			physics.TryConsume(&m.cells[i], &m.pellets[j], m.maxMass)
		}
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 5: Fog damage (shrink phase only)
	// ════════════════════════════════════════════════════════════════════
	if m.phase == models.MatchShrink {
		for i := range m.cells {
			physics.ApplyFog(&m.cells[i], m.fogRadius, m.dt)
		}
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 6: Pellet respawn (one Bernoulli draw per tick, capped at 500)
	// ════════════════════════════════════════════════════════════════════
	chance := RespawnChanceActive
	if m.phase == models.MatchShrink {
		chance = RespawnChanceShrink
	}
	if m.livePellets() < MaxPellets && m.shrinkStream.Next() < chance {
		m.spawnPellet()
	}

	// ════════════════════════════════════════════════════════════════════
	// STEP 7: End conditions (last standing, 6-minute hard cap)
	// ════════════════════════════════════════════════════════════════════
	m.tick++
	if reason, over := m.endCondition(); over {
		m.finished = true
		m.endReason = reason
		m.phase = models.MatchSettling
		m.emit(models.GameEvent{Type: models.EventEnd, Tick: m.tick, Reason: reason})
	}

	return m.drain()
}

func (m *Match) endCondition() (string, bool) {
	if m.elapsed() >= m.capTick {
		return EndTimeLimit, true
	}
	if m.aliveSides() <= 1 {
		return EndLastStanding, true
	}
	return "", false
}

// aliveSides counts live cells in solo, live distinct teams otherwise.
func (m *Match) aliveSides() int {
	if m.cfg.Mode == models.ModeSolo {
		n := 0
		for i := range m.cells {
			if !m.cells[i].Dead {
				n++
			}
		}
		return n
	}
	teams := make(map[int]bool)
	for i := range m.cells {
		if !m.cells[i].Dead {
			teams[m.cells[i].TeamID] = true
		}
	}
	return len(teams)
}

func (m *Match) livePellets() int {
	n := 0
	for i := range m.pellets {
		if !m.pellets[i].Eaten {
			n++
		}
	}
	return n
}

func (m *Match) emit(ev models.GameEvent) {
	m.events = append(m.events, ev)
}

func (m *Match) emitKill(killer, victim uuid.UUID, mass float64) {
	k, v := killer, victim
	m.emit(models.GameEvent{Type: models.EventKill, Tick: m.tick, Killer: &k, Victim: &v, Mass: mass})
}

func (m *Match) drain() []models.GameEvent {
	if len(m.events) == 0 {
		return nil
	}
	out := make([]models.GameEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Snapshot captures the public world state at the current tick.
func (m *Match) Snapshot() *models.Snapshot {
	snap := &models.Snapshot{
		MatchID:   m.cfg.MatchID,
		Tick:      m.tick,
		Phase:     m.phase,
		FogRadius: m.fogRadius,
		Cells:     make([]models.CellView, 0, len(m.cells)),
		Pellets:   make([]models.PelletView, 0, m.livePellets()),
	}
	for i := range m.cells {
		c := &m.cells[i]
		snap.Cells = append(snap.Cells, models.CellView{
			PlayerID: c.PlayerID,
			TeamID:   c.TeamID,
			Pos:      [2]float64{c.X, c.Y},
			Vel:      [2]float64{c.VX, c.VY},
			Mass:     c.Mass,
			Radius:   physics.Radius(c.Mass),
			Alive:    !c.Dead,
			Kills:    c.Kills,
		})
	}
	for i := range m.pellets {
		if p := &m.pellets[i]; !p.Eaten {
			snap.Pellets = append(snap.Pellets, models.PelletView{ID: p.ID, Pos: [2]float64{p.X, p.Y}})
		}
	}
	return snap
}

// Standings converts the final cell states into settlement input.
func (m *Match) Standings() []settle.Standing {
	out := make([]settle.Standing, 0, len(m.cells))
	for i := range m.cells {
		c := &m.cells[i]
		out = append(out, settle.Standing{
			AccountID: c.PlayerID,
			TeamID:    c.TeamID,
			FinalMass: c.Mass,
			MaxMass:   c.MaxMass,
			Kills:     c.Kills,
		})
	}
	return out
}
