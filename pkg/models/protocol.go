package models

import "github.com/google/uuid"

// Client → server message types.
const (
	MsgAuth  = "AUTH"
	MsgInput = "INPUT"
)

// Server → client message types.
const (
	MsgSnapshot = "SNAPSHOT"
	MsgEvent    = "EVENT"
	MsgResult   = "RESULT"
	MsgError    = "ERROR"
)

// ClientMessage is the inbound websocket envelope. Exactly one payload
// section is set depending on Type.
type ClientMessage struct {
	Type  string      `json:"type"`
	Token string      `json:"token,omitempty"` // AUTH: bearer JWT
	Input *InputFrame `json:"input,omitempty"` // INPUT payload
}

// InputFrame is one player input sample. Axes are a unit-clamped intent
// vector; samples arriving faster than the tick rate are coalesced with
// latest-wins semantics.
type InputFrame struct {
	Seq   uint64     `json:"seq"`  // monotonically increasing per session
	Axes  [2]float64 `json:"axes"` // |axes| must be ≤ 1
	Boost bool       `json:"boost"`
	TS    int64      `json:"ts"` // client unix millis, diagnostic only
}

// ServerMessage is the outbound websocket envelope.
type ServerMessage struct {
	Type     string     `json:"type"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
	Event    *GameEvent `json:"event,omitempty"`
	Result   *Result    `json:"result,omitempty"`
	Error    *WireError `json:"error,omitempty"`
}

// WireError is a structured rejection sent over the socket.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CellView is the per-tick public state of one cell.
type CellView struct {
	PlayerID uuid.UUID  `json:"playerId"`
	TeamID   int        `json:"teamId,omitempty"`
	Pos      [2]float64 `json:"pos"`
	Vel      [2]float64 `json:"vel"`
	Mass     float64    `json:"mass"`
	Radius   float64    `json:"radius"`
	Alive    bool       `json:"alive"`
	Kills    int        `json:"kills"`
}

// PelletView is one live pellet.
type PelletView struct {
	ID  uint64     `json:"id"`
	Pos [2]float64 `json:"pos"`
}

// Snapshot is the authoritative world state at one tick, broadcast to every
// session at the tick rate. Snapshot(t) precedes the events of tick t+1.
type Snapshot struct {
	MatchID   uuid.UUID    `json:"matchId"`
	Tick      int64        `json:"tick"`
	Phase     MatchState   `json:"phase"`
	FogRadius float64      `json:"fogRadius"`
	Cells     []CellView   `json:"cells"`
	Pellets   []PelletView `json:"pellets"`
}

// Game event types.
const (
	EventCountdown = "COUNTDOWN"
	EventKill      = "KILL"
	EventShrink    = "SHRINK"
	EventEnd       = "END"
)

// GameEvent is a discrete match occurrence.
type GameEvent struct {
	Type        string     `json:"type"`
	Tick        int64      `json:"tick"`
	SecondsLeft int        `json:"secondsLeft,omitempty"` // COUNTDOWN
	Killer      *uuid.UUID `json:"killer,omitempty"`      // KILL
	Victim      *uuid.UUID `json:"victim,omitempty"`      // KILL
	Mass        float64    `json:"mass,omitempty"`        // KILL: transferred mass
	FogRadius   float64    `json:"fogRadius,omitempty"`   // SHRINK
	Reason      string     `json:"reason,omitempty"`      // END
}

// Result is the terminal frame of a match stream. It is the first and only
// place the seed and nonce appear; clients recompute the commitment from them.
type Result struct {
	MatchID    uuid.UUID   `json:"matchId"`
	Placements []Placement `json:"placements"`
	SeedHex    string      `json:"seedHex"`
	NonceHex   string      `json:"nonceHex"`
	CommitHash string      `json:"commitHash"`
}
