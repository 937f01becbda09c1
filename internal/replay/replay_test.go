package replay

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/fair"
	"github.com/stakeforge/arena-engine/internal/sim"
	"github.com/stakeforge/arena-engine/pkg/models"
)

var (
	replayMatchID = uuid.MustParse("dddddddd-0000-0000-0000-000000000001")
	memberA       = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	memberB       = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	memberC       = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func testSeed(b byte) []byte {
	seed := make([]byte, fair.SeedLen)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func TestReproduce_MatchesLiveMaterialization(t *testing.T) {
	seed := testSeed(0x5a)
	members := []uuid.UUID{memberC, memberA, memberB} // deliberately unsorted

	layout, err := Reproduce(replayMatchID, hex.EncodeToString(seed), members, 100)
	if err != nil {
		t.Fatalf("Reproduce: %v", err)
	}

	world, err := sim.NewMatch(sim.Config{
		MatchID:   replayMatchID,
		Mode:      models.ModeSolo,
		BuyIn:     1000,
		MapRadius: 100,
		TickRate:  30,
		Seed:      seed,
		Members: []sim.Member{
			{AccountID: memberC}, {AccountID: memberA}, {AccountID: memberB},
		},
	})
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	snap := world.Snapshot()

	if len(layout.Spawns) != len(snap.Cells) {
		t.Fatalf("reproduced %d spawns, live match has %d cells", len(layout.Spawns), len(snap.Cells))
	}
	for i, s := range layout.Spawns {
		cell := snap.Cells[i]
		if s.AccountID != cell.PlayerID {
			t.Errorf("spawn %d: account %s, live cell %s", i, s.AccountID, cell.PlayerID)
		}
		if s.X != cell.Pos[0] || s.Y != cell.Pos[1] {
			t.Errorf("spawn %d: reproduced (%g,%g), live (%g,%g)", i, s.X, s.Y, cell.Pos[0], cell.Pos[1])
		}
	}

	if len(layout.Pellets) != len(snap.Pellets) {
		t.Fatalf("reproduced %d pellets, live match has %d", len(layout.Pellets), len(snap.Pellets))
	}
	for i, p := range layout.Pellets {
		if p.X != snap.Pellets[i].Pos[0] || p.Y != snap.Pellets[i].Pos[1] {
			t.Fatalf("pellet %d: reproduced (%g,%g), live (%g,%g)", i, p.X, p.Y, snap.Pellets[i].Pos[0], snap.Pellets[i].Pos[1])
		}
	}
}

func TestReproduce_DeterministicDigest(t *testing.T) {
	seedHex := hex.EncodeToString(testSeed(0x01))
	members := []uuid.UUID{memberA, memberB}

	first, err := Reproduce(replayMatchID, seedHex, members, 100)
	if err != nil {
		t.Fatalf("Reproduce: %v", err)
	}
	second, err := Reproduce(replayMatchID, seedHex, members, 100)
	if err != nil {
		t.Fatalf("Reproduce: %v", err)
	}

	if first.Digest != second.Digest {
		t.Errorf("same seed produced digests %s and %s", first.Digest, second.Digest)
	}
	if d := Compare(first, second); d.SpawnMismatches != 0 || d.PelletMismatches != 0 {
		t.Errorf("same seed drifted: %+v", d)
	}

	other, err := Reproduce(replayMatchID, hex.EncodeToString(testSeed(0x02)), members, 100)
	if err != nil {
		t.Fatalf("Reproduce: %v", err)
	}
	if other.Digest == first.Digest {
		t.Error("different seeds produced identical digests")
	}
	if d := Compare(first, other); d.PelletMismatches == 0 {
		t.Error("different seeds produced zero pellet drift")
	}
}

func TestReproduce_RejectsBadInput(t *testing.T) {
	members := []uuid.UUID{memberA, memberB}

	if _, err := Reproduce(replayMatchID, "zz", members, 100); err == nil {
		t.Error("malformed hex accepted")
	}
	if _, err := Reproduce(replayMatchID, "deadbeef", members, 100); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("short seed err = %v, want length complaint", err)
	}
	if _, err := Reproduce(replayMatchID, hex.EncodeToString(testSeed(0)), nil, 100); err == nil {
		t.Error("empty member list accepted")
	}
	if _, err := Reproduce(replayMatchID, hex.EncodeToString(testSeed(0)), members, 0); err == nil {
		t.Error("zero radius accepted")
	}
}

func TestBuildReport_VerifiesReveal(t *testing.T) {
	commit, err := fair.NewCommitment()
	if err != nil {
		t.Fatalf("NewCommitment: %v", err)
	}
	match := &models.Match{
		ID:         replayMatchID,
		CommitHash: commit.Hash,
		SeedHex:    commit.SeedHex(),
		NonceHex:   commit.NonceHex(),
		State:      models.MatchCompleted,
	}

	report, err := BuildReport(match, []uuid.UUID{memberA, memberB}, 100)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !report.CommitValid {
		t.Error("honest reveal reported invalid")
	}
	if report.Algorithm != CommitAlgorithm {
		t.Errorf("algorithm = %q, want %q", report.Algorithm, CommitAlgorithm)
	}
	if report.Layout == nil || len(report.Layout.Pellets) != sim.MaxPellets {
		t.Fatalf("report layout incomplete: %+v", report.Layout)
	}

	// Tampered commit hash must be flagged, layout still reproducible.
	match.CommitHash = strings.Repeat("0", 64)
	report, err = BuildReport(match, []uuid.UUID{memberA, memberB}, 100)
	if err != nil {
		t.Fatalf("BuildReport tampered: %v", err)
	}
	if report.CommitValid {
		t.Error("tampered commit hash reported valid")
	}
}

func TestBuildReport_RefusesUnrevealedMatch(t *testing.T) {
	match := &models.Match{
		ID:         replayMatchID,
		CommitHash: strings.Repeat("a", 64),
		State:      models.MatchActive,
	}
	if _, err := BuildReport(match, []uuid.UUID{memberA, memberB}, 100); !errors.Is(err, ErrNotRevealed) {
		t.Errorf("err = %v, want ErrNotRevealed", err)
	}
}
