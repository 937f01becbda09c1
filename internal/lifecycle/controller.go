// Package lifecycle drives lobbies through the match state machine:
// promoting ready lobbies into committed matches, running each match on its
// own goroutine, settling on completion, and refunding on abort or after a
// crash. All money movement goes through the store; the controller only
// decides when.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakeforge/arena-engine/internal/db"
	"github.com/stakeforge/arena-engine/internal/fair"
	"github.com/stakeforge/arena-engine/internal/metrics"
	"github.com/stakeforge/arena-engine/internal/settle"
	"github.com/stakeforge/arena-engine/internal/sim"
	"github.com/stakeforge/arena-engine/pkg/models"
)

const (
	sweepInterval = 2 * time.Second
	// settleTimeout bounds the settlement/refund transactions fired from
	// runner callbacks, which run off the request path.
	settleTimeout = 10 * time.Second
)

// Store is the slice of the persistence layer the controller needs.
// *db.PostgresStore satisfies it; tests substitute an in-memory fake.
type Store interface {
	ListPromotableLobbies(ctx context.Context, waitSeconds int) ([]uuid.UUID, error)
	MaterializeMatch(ctx context.Context, lobbyID uuid.UUID, commitHash, seedHex, nonceHex string) (*models.Match, []models.LobbyMember, error)
	UpdateMatchState(ctx context.Context, matchID uuid.UUID, state models.MatchState) error
	SettleMatch(ctx context.Context, matchID uuid.UUID, placements []models.Placement, rake int64, endReason string) error
	RefundMatch(ctx context.Context, matchID uuid.UUID, reason string) error
	ListUnfinishedMatches(ctx context.Context) ([]models.Match, error)
}

// Publisher mirrors lifecycle events onto an external bus for spectator
// fan-out. Optional.
type Publisher interface {
	PublishMaterialized(ctx context.Context, match *models.Match)
	PublishPhase(ctx context.Context, matchID uuid.UUID, state models.MatchState)
	PublishResult(ctx context.Context, result *models.Result)
	PublishRefund(ctx context.Context, matchID uuid.UUID, reason string)
}

// Config carries the world parameters every match inherits.
type Config struct {
	MapRadius        float64
	TickRate         int
	LobbyWaitSeconds int
}

// Controller owns all live matches in this process.
type Controller struct {
	store Store
	relay Publisher
	cfg   Config

	sweepEvery time.Duration

	mu   sync.Mutex
	live map[uuid.UUID]*liveMatch
}

// liveMatch is one running game plus what the WS layer needs to attach.
type liveMatch struct {
	runner  *sim.Runner
	match   *models.Match
	members map[uuid.UUID]int // account -> team
}

func New(store Store, relay Publisher, cfg Config) *Controller {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 30
	}
	if cfg.MapRadius <= 0 {
		cfg.MapRadius = 100
	}
	if cfg.LobbyWaitSeconds <= 0 {
		cfg.LobbyWaitSeconds = 30
	}
	return &Controller{
		store:      store,
		relay:      relay,
		cfg:        cfg,
		sweepEvery: sweepInterval,
		live:       make(map[uuid.UUID]*liveMatch),
	}
}

// RecoverOrphans refunds every match left unfinished by a previous process.
// Runs at boot before the server takes traffic, so a crash can never strand
// escrowed buy-ins.
func (c *Controller) RecoverOrphans(ctx context.Context) error {
	orphans, err := c.store.ListUnfinishedMatches(ctx)
	if err != nil {
		return fmt.Errorf("listing unfinished matches: %v", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	log.Printf("[Lifecycle] Recovering %d orphaned matches", len(orphans))
	for _, m := range orphans {
		err := c.store.RefundMatch(ctx, m.ID, "recovered")
		if errors.Is(err, db.ErrAlreadySettled) {
			continue
		}
		if err != nil {
			return fmt.Errorf("refunding orphaned match %s: %v", m.ID, err)
		}
		metrics.RefundRecorded()
		if c.relay != nil {
			c.relay.PublishRefund(ctx, m.ID, "recovered")
		}
		log.Printf("[Lifecycle] Refunded orphaned match %s (state was %s)", m.ID, m.State)
	}
	return nil
}

// Run sweeps for promotable lobbies until the context is cancelled. Each
// promoted lobby becomes a match with its own runner goroutine.
func (c *Controller) Run(ctx context.Context) {
	log.Println("Starting lobby promotion sweep...")

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping lobby promotion sweep...")
			return
		case <-ticker.C:
			ids, err := c.store.ListPromotableLobbies(ctx, c.cfg.LobbyWaitSeconds)
			if err != nil {
				log.Printf("[Lifecycle] Error listing promotable lobbies: %v", err)
				continue
			}
			for _, lobbyID := range ids {
				if err := c.Promote(ctx, lobbyID); err != nil {
					// Lost races (another sweep or a concurrent join
					// consumed the lobby) are expected and quiet.
					if !errors.Is(err, db.ErrWrongState) {
						log.Printf("[Lifecycle] Error promoting lobby %s: %v", lobbyID, err)
					}
				}
			}
		}
	}
}

// Promote turns one lobby into a running match. The fairness commitment is
// generated and persisted with the match row before the runner starts, so
// the commit hash is public before the first gameplay event.
func (c *Controller) Promote(ctx context.Context, lobbyID uuid.UUID) error {
	commit, err := fair.NewCommitment()
	if err != nil {
		return fmt.Errorf("generating commitment: %v", err)
	}

	match, roster, err := c.store.MaterializeMatch(ctx, lobbyID, commit.Hash, commit.SeedHex(), commit.NonceHex())
	if err != nil {
		return err
	}

	members := make([]sim.Member, len(roster))
	for i, m := range roster {
		members[i] = sim.Member{AccountID: m.AccountID, TeamID: m.TeamID}
	}

	world, err := sim.NewMatch(sim.Config{
		MatchID:   match.ID,
		Mode:      match.Mode,
		BuyIn:     match.BuyIn,
		MapRadius: c.cfg.MapRadius,
		TickRate:  c.cfg.TickRate,
		Seed:      commit.Seed[:],
		Members:   members,
	})
	if err != nil {
		// The match row already exists, so unwind it rather than strand
		// the escrowed buy-ins.
		if rerr := c.store.RefundMatch(ctx, match.ID, "aborted"); rerr != nil {
			log.Printf("[Lifecycle] Error refunding unstartable match %s: %v", match.ID, rerr)
		} else {
			metrics.RefundRecorded()
		}
		return fmt.Errorf("building match world: %v", err)
	}

	runner := sim.NewRunner(world, c.callbacks(match, commit))

	teamByAccount := make(map[uuid.UUID]int, len(roster))
	for _, m := range roster {
		teamByAccount[m.AccountID] = m.TeamID
	}

	c.mu.Lock()
	c.live[match.ID] = &liveMatch{runner: runner, match: match, members: teamByAccount}
	c.mu.Unlock()

	go func() {
		runner.Run(ctx)
		c.mu.Lock()
		delete(c.live, match.ID)
		c.mu.Unlock()
	}()

	if c.relay != nil {
		c.relay.PublishMaterialized(ctx, match)
	}
	log.Printf("[Lifecycle] Promoted lobby %s to match %s (%d players, pot %d cents, commit %s)",
		lobbyID, match.ID, len(roster), match.Pot, match.CommitHash)
	return nil
}

// callbacks wires a runner back into persistence. Settlement and refund run
// on background contexts: the runner context is already cancelled when
// OnAbort fires.
func (c *Controller) callbacks(match *models.Match, commit *fair.Commitment) sim.Callbacks {
	return sim.Callbacks{
		OnPhase: func(phase models.MatchState) {
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			if err := c.store.UpdateMatchState(ctx, match.ID, phase); err != nil {
				log.Printf("[Lifecycle] Error recording phase %s for match %s: %v", phase, match.ID, err)
				return
			}
			if c.relay != nil {
				c.relay.PublishPhase(ctx, match.ID, phase)
			}
		},
		OnFinish: func(reason string, standings []settle.Standing) (*models.Result, error) {
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()

			placements := settle.Rank(match.ID, standings)
			rake := settle.Rake(match.Pot, match.RakeBps, match.RakeCap)
			payouts, err := settle.Distribute(match.Payout, match.Pot-rake, placements)
			if err != nil {
				return nil, err
			}
			for i := range placements {
				placements[i].Payout = payouts[i]
			}

			if err := c.store.UpdateMatchState(ctx, match.ID, models.MatchSettling); err != nil {
				log.Printf("[Lifecycle] Error entering settlement for match %s: %v", match.ID, err)
			}
			if err := c.store.SettleMatch(ctx, match.ID, placements, rake, reason); err != nil {
				return nil, err
			}
			metrics.SettlementRecorded(string(match.Payout))

			// Settled on disk: now, and only now, the seed is revealed.
			result := &models.Result{
				MatchID:    match.ID,
				Placements: placements,
				SeedHex:    commit.SeedHex(),
				NonceHex:   commit.NonceHex(),
				CommitHash: match.CommitHash,
			}
			if c.relay != nil {
				c.relay.PublishResult(ctx, result)
			}
			log.Printf("[Lifecycle] Settled match %s: %s, pot %d, rake %d", match.ID, reason, match.Pot, rake)
			return result, nil
		},
		OnAbort: func(cause error) {
			log.Printf("[Lifecycle] Match %s aborted: %v", match.ID, cause)
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()

			if err := c.store.UpdateMatchState(ctx, match.ID, models.MatchRefunding); err != nil {
				log.Printf("[Lifecycle] Error entering refund for match %s: %v", match.ID, err)
			}
			err := c.store.RefundMatch(ctx, match.ID, "aborted")
			if errors.Is(err, db.ErrAlreadySettled) {
				return
			}
			if err != nil {
				// The boot-time recovery pass picks this match up if the
				// process survives; if not, the next boot does.
				log.Printf("[Lifecycle] Error refunding aborted match %s: %v", match.ID, err)
				return
			}
			metrics.RefundRecorded()
			if c.relay != nil {
				c.relay.PublishRefund(ctx, match.ID, "aborted")
			}
		},
	}
}

// Attach looks up the live runner for a match and checks membership. The WS
// layer calls this after authenticating the player.
func (c *Controller) Attach(matchID, accountID uuid.UUID) (*sim.Runner, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lm, ok := c.live[matchID]
	if !ok {
		return nil, 0, db.ErrNotFound
	}
	team, ok := lm.members[accountID]
	if !ok {
		return nil, 0, db.ErrNotMember
	}
	return lm.runner, team, nil
}

// RunnerForMatch returns the live runner, if the match is running in this
// process. Spectator streams use this without a membership check.
func (c *Controller) RunnerForMatch(matchID uuid.UUID) (*sim.Runner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lm, ok := c.live[matchID]
	if !ok {
		return nil, false
	}
	return lm.runner, true
}

// ActiveCount reports how many matches this process is running.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// MapRadius reports the arena radius matches are provisioned with. The
// verification endpoint needs it to reproduce initial layouts.
func (c *Controller) MapRadius() float64 {
	return c.cfg.MapRadius
}
