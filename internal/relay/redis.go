// Package relay mirrors match lifecycle events onto Redis pub/sub so
// spectator frontends and sibling processes can follow matches without
// touching the game loop. The relay is optional: when REDIS_URL is unset
// the server runs standalone and nothing here is constructed.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stakeforge/arena-engine/internal/audit"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// Channel carries every lifecycle event; payloads are typed by their "type"
// field.
const Channel = "arena.events"

const publishTimeout = 2 * time.Second

type Relay struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(redisURL string) (*Relay, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %v", err)
	}

	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %v", err)
	}

	log.Println("Connected to Redis event relay")
	return &Relay{rdb: rdb}, nil
}

func (r *Relay) Close() {
	if r.rdb != nil {
		_ = r.rdb.Close()
	}
}

// CommitEvent announces a freshly materialized match and its fairness
// commitment. The first event of a match's life: the hash is public from
// this moment, before any gameplay exists.
type CommitEvent struct {
	Type       string      `json:"type"`
	MatchID    uuid.UUID   `json:"matchId"`
	LobbyID    uuid.UUID   `json:"lobbyId"`
	Mode       models.Mode `json:"mode"`
	PotCents   int64       `json:"potCents"`
	CommitHash string      `json:"commitHash"`
}

// PhaseEvent announces a persisted state transition.
type PhaseEvent struct {
	Type    string            `json:"type"`
	MatchID uuid.UUID         `json:"matchId"`
	State   models.MatchState `json:"state"`
}

// RefundEvent announces that a match's buy-ins went back to their owners,
// on abort or boot recovery.
type RefundEvent struct {
	Type    string    `json:"type"`
	MatchID uuid.UUID `json:"matchId"`
	Reason  string    `json:"reason"`
}

// ResultEvent carries the final placements and the seed reveal.
type ResultEvent struct {
	Type   string         `json:"type"`
	Result *models.Result `json:"result"`
}

// PublishMaterialized mirrors a match creation with its commit hash.
func (r *Relay) PublishMaterialized(ctx context.Context, match *models.Match) {
	r.publish(ctx, CommitEvent{
		Type:       "COMMIT",
		MatchID:    match.ID,
		LobbyID:    match.LobbyID,
		Mode:       match.Mode,
		PotCents:   match.Pot,
		CommitHash: match.CommitHash,
	})
}

// PublishPhase mirrors a phase transition. Errors are logged, never
// propagated: the relay must not be able to stall a match.
func (r *Relay) PublishPhase(ctx context.Context, matchID uuid.UUID, state models.MatchState) {
	r.publish(ctx, PhaseEvent{Type: "PHASE", MatchID: matchID, State: state})
}

// PublishRefund mirrors a refund.
func (r *Relay) PublishRefund(ctx context.Context, matchID uuid.UUID, reason string) {
	r.publish(ctx, RefundEvent{Type: "REFUND", MatchID: matchID, Reason: reason})
}

// PublishResult mirrors a settlement result and reveal.
func (r *Relay) PublishResult(ctx context.Context, result *models.Result) {
	r.publish(ctx, ResultEvent{Type: "RESULT", Result: result})
}

// DriftEvent carries a ledger audit alarm. Ops tooling subscribes for these;
// a single one warrants paging somebody.
type DriftEvent struct {
	Type  string           `json:"type"`
	Alert audit.DriftAlert `json:"alert"`
}

// PublishDrift mirrors an audit drift alert.
func (r *Relay) PublishDrift(ctx context.Context, alert audit.DriftAlert) {
	r.publish(ctx, DriftEvent{Type: "DRIFT", Alert: alert})
}

func (r *Relay) publish(ctx context.Context, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Relay] Error encoding event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, Channel, body).Err(); err != nil {
		log.Printf("[Relay] Error publishing event: %v", err)
	}
}
