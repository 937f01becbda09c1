package models

import (
	"time"

	"github.com/google/uuid"
)

// KYCStatus gates withdrawals. Deposits and play are allowed while pending.
type KYCStatus string

const (
	KYCPending  KYCStatus = "pending"
	KYCApproved KYCStatus = "approved"
	KYCRejected KYCStatus = "rejected"
)

// Account represents a registered player. The row is created once and
// mutated only by the auth/KYC collaborators.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Nickname  string    `json:"nickname"`
	Region    string    `json:"region,omitempty"`
	KYCStatus KYCStatus `json:"kycStatus"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wallet is the money view of an account. All amounts are integer minor
// units (cents); there are no floats anywhere in the money path.
type Wallet struct {
	AccountID uuid.UUID `json:"accountId"`
	Available int64     `json:"availableCents"`
	Escrow    int64     `json:"escrowCents"`
	Version   int64     `json:"version"` // bumped on every mutation
}

// LedgerKind classifies a ledger entry. The set is closed.
type LedgerKind string

const (
	LedgerDeposit       LedgerKind = "deposit"
	LedgerWithdrawal    LedgerKind = "withdrawal"
	LedgerEscrowLock    LedgerKind = "escrow_lock"
	LedgerEscrowRelease LedgerKind = "escrow_release"
	LedgerPayout        LedgerKind = "payout"
	LedgerRake          LedgerKind = "rake"
	LedgerRefund        LedgerKind = "refund"
)

// WalletEffect returns the completed entry's signed deltas against the two
// wallet buckets. Every mutation in the store goes through this table, so
// the invariant "balances = fold of completed entries" holds by construction.
func (k LedgerKind) WalletEffect(amount int64) (available, escrow int64) {
	switch k {
	case LedgerDeposit, LedgerPayout, LedgerRake:
		return amount, 0
	case LedgerWithdrawal:
		return -amount, 0
	case LedgerEscrowLock:
		return -amount, amount
	case LedgerEscrowRelease:
		return 0, -amount
	case LedgerRefund:
		return amount, -amount
	}
	return 0, 0
}

// LedgerStatus tracks entry finality.
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
	LedgerCancelled LedgerStatus = "cancelled"
)

// LedgerEntry is an append-only money movement. Entries are never updated
// except for the pending→terminal status transition. Each kind maps to a
// fixed wallet effect, so balances are always the fold of completed entries:
//
//	deposit         available +a
//	withdrawal      available −a
//	escrow_lock     available −a, escrow +a
//	escrow_release  escrow −a (consumed into the pot at settlement)
//	payout          available +a
//	rake            available +a (house account)
//	refund          available +a, escrow −a (leave, abort, recovery)
type LedgerEntry struct {
	ID             uuid.UUID    `json:"id"`
	AccountID      uuid.UUID    `json:"accountId"`
	Kind           LedgerKind   `json:"kind"`
	Amount         int64        `json:"amountCents"` // always positive; kind carries the sign
	RefID          *uuid.UUID   `json:"refId,omitempty"` // lobby id for locks, match id afterwards
	IdempotencyKey *string      `json:"idempotencyKey,omitempty"`
	Status         LedgerStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Mode is the team arrangement of a lobby.
type Mode string

const (
	ModeSolo  Mode = "solo"
	ModeDuo   Mode = "duo"
	ModeSquad Mode = "squad"
)

// TeamSize returns the number of players per team for the mode.
func (m Mode) TeamSize() int {
	switch m {
	case ModeDuo:
		return 2
	case ModeSquad:
		return 4
	default:
		return 1
	}
}

// PayoutModel selects the settlement distribution.
type PayoutModel string

const (
	PayoutWinnerTakeAll PayoutModel = "winner_take_all"
	PayoutTop3Ladder    PayoutModel = "top3_ladder"
	PayoutProportional  PayoutModel = "proportional"
)

// LobbyState is the waiting-room phase. Consumed lobbies produced a match.
type LobbyState string

const (
	LobbyOpen      LobbyState = "open"
	LobbyLocked    LobbyState = "locked"
	LobbyConsumed  LobbyState = "consumed"
	LobbyCancelled LobbyState = "cancelled"
)

// Lobby is a waiting room with fixed stakes.
type Lobby struct {
	ID         uuid.UUID   `json:"id"`
	Mode       Mode        `json:"mode"`
	BuyIn      int64       `json:"buyInCents"`
	Payout     PayoutModel `json:"payoutModel"`
	RakeBps    int64       `json:"rakeBps"`            // basis points of the pot
	RakeCap    *int64      `json:"rakeCapCents"`       // nil = uncapped
	Capacity   int         `json:"capacity"`           // 2..32
	State      LobbyState  `json:"state"`
	MemberIDs  []uuid.UUID `json:"memberIds,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// LobbyMember pairs an account with its team assignment inside a lobby.
type LobbyMember struct {
	LobbyID   uuid.UUID `json:"lobbyId"`
	AccountID uuid.UUID `json:"accountId"`
	TeamID    int       `json:"teamId"` // 0 in solo; 1..n in duo/squad
	JoinedAt  time.Time `json:"joinedAt"`
}

// MatchState is the authoritative lifecycle phase, persisted on the match row.
type MatchState string

const (
	MatchCountdown MatchState = "countdown"
	MatchActive    MatchState = "active"
	MatchShrink    MatchState = "shrink"
	MatchSettling  MatchState = "settlement"
	MatchRefunding MatchState = "refunding"
	MatchCompleted MatchState = "completed"
)

// Match is a materialized game. The commitment hash is public from creation;
// seed and nonce stay server-side until the state reaches completed.
type Match struct {
	ID          uuid.UUID   `json:"id"`
	LobbyID     uuid.UUID   `json:"lobbyId"`
	Mode        Mode        `json:"mode"`
	BuyIn       int64       `json:"buyInCents"`
	Pot         int64       `json:"potCents"`
	Rake        int64       `json:"rakeCents"`
	Payout      PayoutModel `json:"payoutModel"`
	RakeBps     int64       `json:"rakeBps"`
	RakeCap     *int64      `json:"rakeCapCents"`
	CommitHash  string      `json:"commitHash"`
	SeedHex     string      `json:"seedHex,omitempty"`  // revealed only when completed
	NonceHex    string      `json:"nonceHex,omitempty"` // revealed only when completed
	State       MatchState  `json:"state"`
	EndReason   string      `json:"endReason,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	ActivatedAt *time.Time  `json:"activatedAt,omitempty"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
}

// Placement is one player's final standing and payout in a match.
type Placement struct {
	MatchID   uuid.UUID `json:"matchId"`
	AccountID uuid.UUID `json:"accountId"`
	TeamID    int       `json:"teamId"` // 0 in solo
	Rank      int       `json:"rank"`   // 1 = winner
	FinalMass float64   `json:"finalMass"`
	MaxMass   float64   `json:"maxMass"`
	Kills     int       `json:"kills"`
	Payout    int64     `json:"payoutCents"`
}
