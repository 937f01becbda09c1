package sim

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/physics"
	"github.com/stakeforge/arena-engine/pkg/models"
)

var testSeed = []byte("0123456789abcdef0123456789abcdef")

func testMembers(n int) []Member {
	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
		"33333333-3333-3333-3333-333333333333",
		"44444444-4444-4444-4444-444444444444",
	}
	members := make([]Member, n)
	for i := 0; i < n; i++ {
		members[i] = Member{AccountID: uuid.MustParse(ids[i])}
	}
	return members
}

func testConfig(n, tickRate int) Config {
	return Config{
		MatchID:   uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		Mode:      models.ModeSolo,
		BuyIn:     1000,
		MapRadius: 100,
		TickRate:  tickRate,
		Seed:      testSeed,
		Members:   testMembers(n),
	}
}

// scriptedInput is a fixed per-tick input schedule shared by determinism
// tests: whatever it is, both replays must see the same thing.
func scriptedInput(tick int64, member int) physics.Input {
	switch member {
	case 0:
		return physics.Input{AxisX: 1, Boost: tick%200 < 100}
	case 1:
		return physics.Input{AxisX: -0.5, AxisY: 0.5}
	case 2:
		return physics.Input{AxisY: float64(tick%3) - 1}
	default:
		return physics.Input{AxisX: 0.3, AxisY: -0.8}
	}
}

func TestNewMatch_DeterministicLayout(t *testing.T) {
	a, err := NewMatch(testConfig(4, 30))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	b, err := NewMatch(testConfig(4, 30))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}

	if !reflect.DeepEqual(a.Snapshot(), b.Snapshot()) {
		t.Errorf("Expected identical initial snapshots for the same seed")
	}
	if len(a.Snapshot().Pellets) != MaxPellets {
		t.Errorf("Expected %d initial pellets, got %d", MaxPellets, len(a.Snapshot().Pellets))
	}

	other := testConfig(4, 30)
	other.Seed = []byte("fedcba9876543210fedcba9876543210")
	c, err := NewMatch(other)
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	if reflect.DeepEqual(a.Snapshot().Cells, c.Snapshot().Cells) {
		t.Errorf("Expected different seeds to produce different spawn layouts")
	}
}

func TestNewMatch_Validation(t *testing.T) {
	cfg := testConfig(1, 30)
	if _, err := NewMatch(cfg); err == nil {
		t.Errorf("Expected a single-member match to be rejected")
	}

	cfg = testConfig(2, 30)
	cfg.Seed = []byte("short")
	if _, err := NewMatch(cfg); err == nil {
		t.Errorf("Expected a short seed to be rejected")
	}

	cfg = testConfig(2, 30)
	cfg.TickRate = 0
	if _, err := NewMatch(cfg); err == nil {
		t.Errorf("Expected a zero tick rate to be rejected")
	}
}

func TestMatch_SnapshotDeterminism(t *testing.T) {
	// Two matches, one seed, one input trace: snapshots at ticks 1, 100 and
	// 1000 must match field for field.
	run := func() map[int64]*models.Snapshot {
		m, err := NewMatch(testConfig(4, 30))
		if err != nil {
			t.Fatalf("NewMatch failed: %v", err)
		}
		captures := map[int64]*models.Snapshot{}
		inputs := make(map[uuid.UUID]physics.Input)
		for m.Tick() < 1000 {
			for i, mem := range testMembers(4) {
				inputs[mem.AccountID] = scriptedInput(m.Tick(), i)
			}
			m.Step(inputs)
			switch m.Tick() {
			case 1, 100, 1000:
				captures[m.Tick()] = m.Snapshot()
			}
		}
		return captures
	}

	first, second := run(), run()
	for _, tick := range []int64{1, 100, 1000} {
		if first[tick] == nil || second[tick] == nil {
			t.Fatalf("Expected snapshot captured at tick %d", tick)
		}
		if !reflect.DeepEqual(first[tick], second[tick]) {
			t.Errorf("Expected identical snapshots at tick %d", tick)
		}
	}
}

func TestMatch_CountdownIgnoresInputs(t *testing.T) {
	m, err := NewMatch(testConfig(2, 30))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	before := m.Snapshot().Cells

	inputs := map[uuid.UUID]physics.Input{
		testMembers(2)[0].AccountID: {AxisX: 1, Boost: true},
	}
	var sawGo bool
	for m.Phase() == models.MatchCountdown {
		for _, ev := range m.Step(inputs) {
			if ev.Type == models.EventCountdown && ev.SecondsLeft == 0 {
				sawGo = true
			}
		}
	}

	if m.Tick() != int64(CountdownSeconds*30) {
		t.Errorf("Expected countdown to last %d ticks, got %d", CountdownSeconds*30, m.Tick())
	}
	if !sawGo {
		t.Errorf("Expected a COUNTDOWN event with zero seconds left at activation")
	}
	after := m.Snapshot().Cells
	for i := range before {
		if before[i].Pos != after[i].Pos {
			t.Errorf("Expected cell %d stationary through countdown, moved %v → %v", i, before[i].Pos, after[i].Pos)
		}
	}
}

func TestMatch_EatEmitsKillAndEndsSolo(t *testing.T) {
	m, err := NewMatch(testConfig(2, 2))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	for m.Phase() == models.MatchCountdown {
		m.Step(nil)
	}

	// Stack a 1000-mass cell on top of a 10-mass one: the next tick must
	// resolve the eat and end the match as last-standing.
	m.cells[0].Mass = 1000
	m.cells[1].X, m.cells[1].Y = m.cells[0].X, m.cells[0].Y

	events := m.Step(nil)

	var kill, end *models.GameEvent
	for i := range events {
		switch events[i].Type {
		case models.EventKill:
			kill = &events[i]
		case models.EventEnd:
			end = &events[i]
		}
	}
	if kill == nil {
		t.Fatalf("Expected a KILL event, got %+v", events)
	}
	if *kill.Killer != m.cells[0].PlayerID || *kill.Victim != m.cells[1].PlayerID {
		t.Errorf("Expected the heavy cell to eat the light one, got killer=%v victim=%v", kill.Killer, kill.Victim)
	}
	if kill.Mass != 10 {
		t.Errorf("Expected transferred mass 10, got %f", kill.Mass)
	}
	if end == nil || end.Reason != EndLastStanding {
		t.Errorf("Expected END(last_standing), got %+v", end)
	}
	if !m.Finished() {
		t.Errorf("Expected the match to be finished")
	}

	standings := m.Standings()
	var winnerMass, loserMass float64 = -1, -1
	for _, s := range standings {
		if s.AccountID == m.cells[0].PlayerID {
			winnerMass = s.FinalMass
		} else {
			loserMass = s.FinalMass
		}
	}
	if winnerMass < 1010 {
		t.Errorf("Expected winner mass ≥ 1010 after the eat, got %f", winnerMass)
	}
	if loserMass != 0 {
		t.Errorf("Expected loser mass 0, got %f", loserMass)
	}
}

func TestMatch_TimeLimitAtHardCap(t *testing.T) {
	// Tick rate 2 keeps the 6-minute wall at 720 elapsed ticks. Both cells
	// parked well inside the fog floor (0.35·100 = 35) and at equal mass:
	// nothing can end the match before the cap.
	m, err := NewMatch(testConfig(2, 2))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	m.cells[0].X, m.cells[0].Y = 20, 0
	m.cells[1].X, m.cells[1].Y = -20, 0

	var end *models.GameEvent
	for !m.Finished() {
		for _, ev := range m.Step(nil) {
			if ev.Type == models.EventEnd {
				end = &ev
			}
		}
	}

	if end == nil || end.Reason != EndTimeLimit {
		t.Fatalf("Expected END(time_limit), got %+v", end)
	}
	wantTicks := int64((CountdownSeconds + MatchCapSeconds) * 2)
	if m.Tick() != wantTicks {
		t.Errorf("Expected the cap at tick %d, got %d", wantTicks, m.Tick())
	}
}

func TestMatch_ShrinkFogSchedule(t *testing.T) {
	m, err := NewMatch(testConfig(2, 2))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	m.cells[0].X, m.cells[0].Y = 20, 0
	m.cells[1].X, m.cells[1].Y = -20, 0

	countdown := int64(CountdownSeconds * 2)
	activeEnd := int64(ActiveSeconds * 2)
	var shrinkEvents int
	for m.Tick() < countdown+activeEnd {
		m.Step(nil)
		if m.Phase() == models.MatchShrink {
			t.Fatalf("Expected no shrink before elapsed tick %d, got phase change at %d", activeEnd, m.Tick())
		}
	}

	// First shrink tick: phase flips, fog still at full radius, SHRINK event.
	for _, ev := range m.Step(nil) {
		if ev.Type == models.EventShrink {
			shrinkEvents++
		}
	}
	if m.Phase() != models.MatchShrink {
		t.Fatalf("Expected shrink phase at elapsed tick %d", activeEnd)
	}
	if shrinkEvents != 1 {
		t.Errorf("Expected one SHRINK event on entry, got %d", shrinkEvents)
	}

	// Halfway through the shrink window: fog = 100·(1−0.65·0.5) = 67.5.
	// The fog updates at step entry, so run the step that enters at `half`.
	half := countdown + activeEnd + int64(MatchCapSeconds-ActiveSeconds)*2/2
	for m.Tick() <= half {
		m.Step(nil)
	}
	if got := m.Snapshot().FogRadius; got < 67.49 || got > 67.52 {
		t.Errorf("Expected fog radius ≈67.5 halfway through shrink, got %f", got)
	}
}

func TestMatch_PelletRespawnStaysUnderCap(t *testing.T) {
	m, err := NewMatch(testConfig(2, 2))
	if err != nil {
		t.Fatalf("NewMatch failed: %v", err)
	}
	m.cells[0].X, m.cells[0].Y = 20, 0
	m.cells[1].X, m.cells[1].Y = -20, 0
	for m.Phase() == models.MatchCountdown {
		m.Step(nil)
	}

	// Kill 50 pellets by hand; over 300 active ticks the 10% respawn draw
	// should land ~30 times for this seed, never pushing past the cap.
	for i := 0; i < 50; i++ {
		m.pellets[i].Eaten = true
	}
	low := m.livePellets()

	for i := 0; i < 300; i++ {
		m.Step(nil)
		if n := m.livePellets(); n > MaxPellets {
			t.Fatalf("Expected live pellets ≤ %d, got %d", MaxPellets, n)
		}
	}

	if m.livePellets() <= low {
		t.Errorf("Expected respawns to restore some of the %d missing pellets, still at %d", 50, m.livePellets())
	}
}
