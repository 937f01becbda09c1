package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stakeforge/arena-engine/pkg/models"
)

const (
	DefaultLobbyCapacity = 8
	MinLobbyCapacity     = 2
	MaxLobbyCapacity     = 32
	maxRakeBps           = 1000
)

// LobbyParams are the knobs for a new lobby.
type LobbyParams struct {
	Mode     models.Mode        `json:"mode"`
	BuyIn    int64              `json:"buyInCents"`
	Payout   models.PayoutModel `json:"payoutModel"`
	RakeBps  int64              `json:"rakeBps"`
	RakeCap  *int64             `json:"rakeCapCents"`
	Capacity int                `json:"capacity"`
}

// Validate applies defaults and rejects out-of-range parameters.
func (p *LobbyParams) Validate() error {
	switch p.Mode {
	case models.ModeSolo, models.ModeDuo, models.ModeSquad:
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	switch p.Payout {
	case models.PayoutWinnerTakeAll, models.PayoutTop3Ladder, models.PayoutProportional:
	default:
		return fmt.Errorf("unknown payout model %q", p.Payout)
	}
	if p.BuyIn <= 0 {
		return fmt.Errorf("buy-in must be positive, got %d", p.BuyIn)
	}
	if p.RakeBps < 0 || p.RakeBps > maxRakeBps {
		return fmt.Errorf("rake bps must be in [0,%d], got %d", maxRakeBps, p.RakeBps)
	}
	if p.RakeCap != nil && *p.RakeCap <= 0 {
		return fmt.Errorf("rake cap must be positive when set")
	}
	if p.Capacity == 0 {
		p.Capacity = DefaultLobbyCapacity
	}
	if p.Capacity < MinLobbyCapacity || p.Capacity > MaxLobbyCapacity {
		return fmt.Errorf("capacity must be in [%d,%d], got %d", MinLobbyCapacity, MaxLobbyCapacity, p.Capacity)
	}
	return nil
}

// CreateLobby persists a new open lobby.
func (s *PostgresStore) CreateLobby(ctx context.Context, p LobbyParams) (*models.Lobby, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	l := &models.Lobby{
		ID:        uuid.New(),
		Mode:      p.Mode,
		BuyIn:     p.BuyIn,
		Payout:    p.Payout,
		RakeBps:   p.RakeBps,
		RakeCap:   p.RakeCap,
		Capacity:  p.Capacity,
		State:     models.LobbyOpen,
		MemberIDs: []uuid.UUID{},
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO lobbies (id, mode, buy_in_cents, payout_model, rake_bps, rake_cap_cents, capacity, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at;
	`, l.ID, l.Mode, l.BuyIn, l.Payout, l.RakeBps, l.RakeCap, l.Capacity, l.State).Scan(&l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert lobby: %v", err)
	}
	return l, nil
}

// GetLobby loads one lobby with its member ids.
func (s *PostgresStore) GetLobby(ctx context.Context, id uuid.UUID) (*models.Lobby, error) {
	l := &models.Lobby{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, mode, buy_in_cents, payout_model, rake_bps, rake_cap_cents, capacity, state, created_at
		FROM lobbies WHERE id = $1;
	`, id).Scan(&l.ID, &l.Mode, &l.BuyIn, &l.Payout, &l.RakeBps, &l.RakeCap, &l.Capacity, &l.State, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	members, err := s.GetLobbyMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	l.MemberIDs = []uuid.UUID{}
	for _, m := range members {
		l.MemberIDs = append(l.MemberIDs, m.AccountID)
	}
	return l, nil
}

// GetLobbyMembers returns the membership rows in join order.
func (s *PostgresStore) GetLobbyMembers(ctx context.Context, lobbyID uuid.UUID) ([]models.LobbyMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lobby_id, account_id, team_id, joined_at
		FROM lobby_members WHERE lobby_id = $1
		ORDER BY joined_at ASC, account_id ASC;
	`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []models.LobbyMember{}
	for rows.Next() {
		var m models.LobbyMember
		if err := rows.Scan(&m.LobbyID, &m.AccountID, &m.TeamID, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListOpenLobbies pages lobbies still accepting players, newest first.
func (s *PostgresStore) ListOpenLobbies(ctx context.Context, page, limit int) ([]models.Lobby, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := (page - 1) * limit

	rows, err := s.pool.Query(ctx, `
		SELECT id, mode, buy_in_cents, payout_model, rake_bps, rake_cap_cents, capacity, state, created_at
		FROM lobbies
		WHERE state = 'open'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2;
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lobbies := []models.Lobby{}
	ids := []uuid.UUID{}
	for rows.Next() {
		var l models.Lobby
		if err := rows.Scan(&l.ID, &l.Mode, &l.BuyIn, &l.Payout, &l.RakeBps, &l.RakeCap, &l.Capacity, &l.State, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.MemberIDs = []uuid.UUID{}
		lobbies = append(lobbies, l)
		ids = append(ids, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(lobbies) == 0 {
		return lobbies, nil
	}

	mrows, err := s.pool.Query(ctx, `
		SELECT lobby_id, account_id FROM lobby_members
		WHERE lobby_id = ANY($1)
		ORDER BY joined_at ASC;
	`, ids)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()

	byLobby := make(map[uuid.UUID][]uuid.UUID)
	for mrows.Next() {
		var lobbyID, accountID uuid.UUID
		if err := mrows.Scan(&lobbyID, &accountID); err != nil {
			return nil, err
		}
		byLobby[lobbyID] = append(byLobby[lobbyID], accountID)
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}
	for i := range lobbies {
		if members, ok := byLobby[lobbies[i].ID]; ok {
			lobbies[i].MemberIDs = members
		}
	}
	return lobbies, nil
}

// ListPromotableLobbies returns lobbies ready to become matches: locked
// (full), or open past the wait window with at least two members.
func (s *PostgresStore) ListPromotableLobbies(ctx context.Context, waitSeconds int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id
		FROM lobbies l
		WHERE l.state = 'locked'
		   OR (l.state = 'open'
		       AND l.created_at < NOW() - ($1 * INTERVAL '1 second')
		       AND (SELECT COUNT(*) FROM lobby_members m WHERE m.lobby_id = l.id) >= 2)
		ORDER BY l.created_at ASC;
	`, waitSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JoinLobby adds an account to an open lobby and locks its buy-in in escrow,
// all-or-nothing. When the join fills the last seat the lobby flips to
// locked so the sweep promotes it immediately.
func (s *PostgresStore) JoinLobby(ctx context.Context, lobbyID, accountID uuid.UUID) (*models.Lobby, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Row-lock the lobby so concurrent joins serialize on it.
	var l models.Lobby
	err = tx.QueryRow(ctx, `
		SELECT id, mode, buy_in_cents, payout_model, rake_bps, rake_cap_cents, capacity, state, created_at
		FROM lobbies WHERE id = $1
		FOR UPDATE;
	`, lobbyID).Scan(&l.ID, &l.Mode, &l.BuyIn, &l.Payout, &l.RakeBps, &l.RakeCap, &l.Capacity, &l.State, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.State != models.LobbyOpen {
		return nil, ErrWrongState
	}

	// 2. Seat and duplicate checks.
	var count int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM lobby_members WHERE lobby_id = $1;
	`, lobbyID).Scan(&count); err != nil {
		return nil, err
	}
	if count >= l.Capacity {
		return nil, ErrLobbyFull
	}

	var isMember bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM lobby_members WHERE lobby_id = $1 AND account_id = $2);
	`, lobbyID, accountID).Scan(&isMember); err != nil {
		return nil, err
	}
	if isMember {
		return nil, ErrAlreadyJoined
	}

	// 3. One unterminated lobby or match per account.
	var busy bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lobby_members lm
			JOIN lobbies lb ON lb.id = lm.lobby_id
			WHERE lm.account_id = $1 AND lb.state IN ('open', 'locked')
		) OR EXISTS (
			SELECT 1 FROM lobby_members lm
			JOIN matches m ON m.lobby_id = lm.lobby_id
			WHERE lm.account_id = $1 AND m.ended_at IS NULL
		);
	`, accountID).Scan(&busy)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, ErrActiveMembership
	}

	// 4. Move the buy-in from available to escrow.
	if err := lockEscrow(ctx, tx, accountID, l.BuyIn, lobbyID); err != nil {
		return nil, err
	}

	// 5. Seat the player. Teams fill in join order: duo 1,1,2,2,..., squad
	// 1,1,1,1,2,... Solo players all carry team 0.
	teamID := 0
	if size := l.Mode.TeamSize(); size > 1 {
		teamID = count/size + 1
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO lobby_members (lobby_id, account_id, team_id) VALUES ($1, $2, $3);
	`, lobbyID, accountID, teamID); err != nil {
		return nil, fmt.Errorf("failed to insert lobby member: %v", err)
	}

	// 6. Last seat locks the lobby.
	if count+1 == l.Capacity {
		if _, err := tx.Exec(ctx, `
			UPDATE lobbies SET state = 'locked' WHERE id = $1;
		`, lobbyID); err != nil {
			return nil, err
		}
		l.State = models.LobbyLocked
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetLobby(ctx, lobbyID)
}

// LeaveLobby removes an account from a still-open lobby and returns its
// escrowed buy-in. Locked lobbies are past the point of no return.
func (s *PostgresStore) LeaveLobby(ctx context.Context, lobbyID, accountID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Row-lock the lobby and check it is still open.
	var state models.LobbyState
	var buyIn int64
	err = tx.QueryRow(ctx, `
		SELECT state, buy_in_cents FROM lobbies WHERE id = $1
		FOR UPDATE;
	`, lobbyID).Scan(&state, &buyIn)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state != models.LobbyOpen {
		return ErrWrongState
	}

	// 2. Drop the membership.
	tag, err := tx.Exec(ctx, `
		DELETE FROM lobby_members WHERE lobby_id = $1 AND account_id = $2;
	`, lobbyID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}

	// 3. Return the buy-in from escrow to available.
	if err := refundEscrow(ctx, tx, accountID, buyIn, lobbyID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CancelLobby dissolves a still-open lobby, refunding every member. Admin
// surface only.
func (s *PostgresStore) CancelLobby(ctx context.Context, lobbyID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var state models.LobbyState
	var buyIn int64
	err = tx.QueryRow(ctx, `
		SELECT state, buy_in_cents FROM lobbies WHERE id = $1
		FOR UPDATE;
	`, lobbyID).Scan(&state, &buyIn)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if state != models.LobbyOpen {
		return ErrWrongState
	}

	rows, err := tx.Query(ctx, `SELECT account_id FROM lobby_members WHERE lobby_id = $1;`, lobbyID)
	if err != nil {
		return err
	}
	members := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		members = append(members, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, accountID := range members {
		if err := refundEscrow(ctx, tx, accountID, buyIn, lobbyID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM lobby_members WHERE lobby_id = $1;`, lobbyID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE lobbies SET state = 'cancelled' WHERE id = $1;`, lobbyID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// lockEscrow moves amount from available to escrow and records the
// escrow_lock entry against the lobby, inside the caller's transaction.
func lockEscrow(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, lobbyID uuid.UUID) error {
	return applyEntry(ctx, tx, &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      models.LedgerEscrowLock,
		Amount:    amount,
		RefID:     &lobbyID,
		Status:    models.LedgerCompleted,
	})
}

// refundEscrow reverses a lock: escrow back to available with a refund
// entry. Used for lobby leave and cancel (ref = lobby) and for match aborts
// and crash recovery (ref = match).
func refundEscrow(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, refID uuid.UUID) error {
	return applyEntry(ctx, tx, &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      models.LedgerRefund,
		Amount:    amount,
		RefID:     &refID,
		Status:    models.LedgerCompleted,
	})
}
