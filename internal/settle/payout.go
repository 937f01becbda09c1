// Package settle computes final standings and prize splits. Everything here
// is pure integer/ordering logic: money stays in int64 minor units and the
// ledger application lives in the store, so these functions can be verified
// exhaustively without a database.
package settle

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// Standing is one player's end-of-match state before ranking.
type Standing struct {
	AccountID uuid.UUID
	TeamID    int
	FinalMass float64
	MaxMass   float64
	Kills     int
}

// Rank orders standings into placements: final mass descending, ties broken
// by account id ascending so the order is a total one. Ranks start at 1.
func Rank(matchID uuid.UUID, standings []Standing) []models.Placement {
	sorted := make([]Standing, len(standings))
	copy(sorted, standings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FinalMass != sorted[j].FinalMass {
			return sorted[i].FinalMass > sorted[j].FinalMass
		}
		return bytes.Compare(sorted[i].AccountID[:], sorted[j].AccountID[:]) < 0
	})

	placements := make([]models.Placement, len(sorted))
	for i, s := range sorted {
		placements[i] = models.Placement{
			MatchID:   matchID,
			AccountID: s.AccountID,
			TeamID:    s.TeamID,
			Rank:      i + 1,
			FinalMass: s.FinalMass,
			MaxMass:   s.MaxMass,
			Kills:     s.Kills,
		}
	}
	return placements
}

// Rake takes the house cut: ⌊pot·bps/10000⌋, optionally capped.
func Rake(pot, bps int64, cap *int64) int64 {
	r := pot * bps / 10_000
	if cap != nil && r > *cap {
		r = *cap
	}
	return r
}

// Ladder shares for top3_ladder, in percent of the net pot.
const (
	ladderFirstPct  = 65
	ladderSecondPct = 25
	ladderThirdPct  = 10
)

// Distribute splits the net pot across placements (already ranked) under
// the given payout model. The returned slice is aligned with placements.
// Shares floor to whole minor units and the residue goes to rank 1, so the
// sum is exactly netPot for every model.
func Distribute(model models.PayoutModel, netPot int64, placements []models.Placement) ([]int64, error) {
	if len(placements) == 0 {
		return nil, fmt.Errorf("distributing %d cents: no placements", netPot)
	}
	payouts := make([]int64, len(placements))

	switch model {
	case models.PayoutWinnerTakeAll:
		payouts[0] = netPot

	case models.PayoutTop3Ladder:
		shares := []int64{ladderFirstPct, ladderSecondPct, ladderThirdPct}
		var paid int64
		for i := 0; i < len(placements) && i < len(shares); i++ {
			payouts[i] = netPot * shares[i] / 100
			paid += payouts[i]
		}
		// Undistributed shares (fewer than 3 players) and rounding both
		// fold into the winner's residue.
		payouts[0] += netPot - paid

	case models.PayoutProportional:
		var totalMass float64
		for _, p := range placements {
			totalMass += p.FinalMass
		}
		var paid int64
		if totalMass == 0 {
			// Everyone died at zero: equal split.
			each := netPot / int64(len(placements))
			for i := range payouts {
				payouts[i] = each
				paid += each
			}
		} else {
			for i, p := range placements {
				payouts[i] = int64(math.Floor(float64(netPot) * p.FinalMass / totalMass))
				paid += payouts[i]
			}
		}
		payouts[0] += netPot - paid

	default:
		return nil, fmt.Errorf("unknown payout model %q", model)
	}

	return payouts, nil
}
