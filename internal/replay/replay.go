// Package replay recomputes the deterministic parts of a match from its
// revealed seed so anyone can audit the reveal: the commitment checks out,
// and the spawn and pellet layout derives from the committed seed alone.
package replay

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/fair"
	"github.com/stakeforge/arena-engine/internal/physics"
	"github.com/stakeforge/arena-engine/internal/sim"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// ErrNotRevealed means the match has not completed, so seed and nonce are
// still server-side and there is nothing to audit yet.
var ErrNotRevealed = errors.New("match seed not yet revealed")

// SpawnPoint is one player's committed starting position.
type SpawnPoint struct {
	AccountID uuid.UUID `json:"accountId"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
}

// Point is a pellet position in the committed initial field.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Layout is everything the seed determines before the first input arrives.
// Digest is a stable fingerprint clients can compare without shipping the
// full pellet field around.
type Layout struct {
	MatchID uuid.UUID    `json:"matchId"`
	Spawns  []SpawnPoint `json:"spawns"`
	Pellets []Point      `json:"pellets"`
	Digest  string       `json:"digest"`
}

// CommitAlgorithm names the commitment construction on the wire so clients
// know what to recompute.
const CommitAlgorithm = "SHA-256(seed || nonce)"

// Report is the verify endpoint's payload for a completed match.
type Report struct {
	MatchID     uuid.UUID `json:"matchId"`
	CommitHash  string    `json:"commitHash"`
	SeedHex     string    `json:"seedHex"`
	NonceHex    string    `json:"nonceHex"`
	Algorithm   string    `json:"algorithm"`
	CommitValid bool      `json:"commitValid"`
	Layout      *Layout   `json:"layout"`
}

// Drift quantifies disagreement between two layouts. All-zero means they
// are byte-identical under the digest.
type Drift struct {
	SpawnMismatches  int     `json:"spawnMismatches"`
	PelletMismatches int     `json:"pelletMismatches"`
	MaxDeviation     float64 `json:"maxDeviation"`
}

// Reproduce recomputes the committed layout from a revealed seed. The draw
// order matches materialization exactly: members sorted by account id, one
// spawn draw each inside 0.7× the radius, then the full pellet field.
func Reproduce(matchID uuid.UUID, seedHex string, memberIDs []uuid.UUID, mapRadius float64) (*Layout, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("malformed seed hex: %v", err)
	}
	if len(seed) != fair.SeedLen {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", fair.SeedLen, len(seed))
	}
	if len(memberIDs) == 0 {
		return nil, fmt.Errorf("no members to reproduce")
	}
	if mapRadius <= 0 {
		return nil, fmt.Errorf("map radius must be positive, got %g", mapRadius)
	}

	sorted := make([]uuid.UUID, len(memberIDs))
	copy(sorted, memberIDs)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	layout := &Layout{MatchID: matchID}

	spawnStream := fair.NewStream(seed, fair.TagSpawn)
	for _, id := range sorted {
		x, y := spawnStream.PointInDisk(physics.SpawnRadiusScale * mapRadius)
		layout.Spawns = append(layout.Spawns, SpawnPoint{AccountID: id, X: x, Y: y})
	}

	pelletStream := fair.NewStream(seed, fair.TagPellets)
	for i := 0; i < sim.MaxPellets; i++ {
		x, y := pelletStream.PointInDisk(mapRadius)
		layout.Pellets = append(layout.Pellets, Point{X: x, Y: y})
	}

	layout.Digest = digest(layout)
	return layout, nil
}

// BuildReport verifies a completed match's reveal and reproduces its layout.
func BuildReport(match *models.Match, memberIDs []uuid.UUID, mapRadius float64) (*Report, error) {
	if match.State != models.MatchCompleted || match.SeedHex == "" {
		return nil, ErrNotRevealed
	}

	report := &Report{
		MatchID:     match.ID,
		CommitHash:  match.CommitHash,
		SeedHex:     match.SeedHex,
		NonceHex:    match.NonceHex,
		Algorithm:   CommitAlgorithm,
		CommitValid: fair.VerifyReveal(match.SeedHex, match.NonceHex, match.CommitHash),
	}

	layout, err := Reproduce(match.ID, match.SeedHex, memberIDs, mapRadius)
	if err != nil {
		return nil, err
	}
	report.Layout = layout
	return report, nil
}

// Compare diffs two layouts position by position, logging any divergence.
// Two honest reproductions of the same seed never drift; any nonzero result
// means the inputs differ.
func Compare(a, b *Layout) Drift {
	var d Drift

	n := len(a.Spawns)
	if len(b.Spawns) < n {
		n = len(b.Spawns)
	}
	for i := 0; i < n; i++ {
		dev := math.Hypot(a.Spawns[i].X-b.Spawns[i].X, a.Spawns[i].Y-b.Spawns[i].Y)
		if a.Spawns[i].AccountID != b.Spawns[i].AccountID || dev != 0 {
			d.SpawnMismatches++
			if dev > d.MaxDeviation {
				d.MaxDeviation = dev
			}
		}
	}
	d.SpawnMismatches += abs(len(a.Spawns) - len(b.Spawns))

	n = len(a.Pellets)
	if len(b.Pellets) < n {
		n = len(b.Pellets)
	}
	for i := 0; i < n; i++ {
		dev := math.Hypot(a.Pellets[i].X-b.Pellets[i].X, a.Pellets[i].Y-b.Pellets[i].Y)
		if dev != 0 {
			d.PelletMismatches++
			if dev > d.MaxDeviation {
				d.MaxDeviation = dev
			}
		}
	}
	d.PelletMismatches += abs(len(a.Pellets) - len(b.Pellets))

	if d.SpawnMismatches > 0 || d.PelletMismatches > 0 {
		log.Printf("[Replay] DRIFT on %s: spawn_mismatches=%d pellet_mismatches=%d max_deviation=%g",
			a.MatchID, d.SpawnMismatches, d.PelletMismatches, d.MaxDeviation)
	}
	return d
}

// digest folds the layout into a hex SHA-256 over the exact float bits, so
// equal digests mean bit-identical layouts.
func digest(l *Layout) string {
	h := sha256.New()
	h.Write(l.MatchID[:])
	buf := make([]byte, 8)
	writeFloat := func(f float64) {
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		h.Write(buf)
	}
	for _, s := range l.Spawns {
		h.Write(s.AccountID[:])
		writeFloat(s.X)
		writeFloat(s.Y)
	}
	for _, p := range l.Pellets {
		writeFloat(p.X)
		writeFloat(p.Y)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
