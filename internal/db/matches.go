package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// MaterializeMatch consumes a lobby and creates its match row, state
// countdown, with the fairness commitment persisted before any gameplay
// event can exist. Seed and nonce are stored server-side for the reveal.
func (s *PostgresStore) MaterializeMatch(ctx context.Context, lobbyID uuid.UUID, commitHash, seedHex, nonceHex string) (*models.Match, []models.LobbyMember, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Row-lock the lobby. Promotion races (timer vs. last join) serialize
	// here: the loser sees state consumed and backs off.
	var l models.Lobby
	err = tx.QueryRow(ctx, `
		SELECT id, mode, buy_in_cents, payout_model, rake_bps, rake_cap_cents, capacity, state
		FROM lobbies WHERE id = $1
		FOR UPDATE;
	`, lobbyID).Scan(&l.ID, &l.Mode, &l.BuyIn, &l.Payout, &l.RakeBps, &l.RakeCap, &l.Capacity, &l.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if l.State != models.LobbyOpen && l.State != models.LobbyLocked {
		return nil, nil, ErrWrongState
	}

	// 2. Load the roster; a match needs at least two players.
	rows, err := tx.Query(ctx, `
		SELECT lobby_id, account_id, team_id, joined_at
		FROM lobby_members WHERE lobby_id = $1
		ORDER BY joined_at ASC, account_id ASC;
	`, lobbyID)
	if err != nil {
		return nil, nil, err
	}
	members := []models.LobbyMember{}
	for rows.Next() {
		var m models.LobbyMember
		if err := rows.Scan(&m.LobbyID, &m.AccountID, &m.TeamID, &m.JoinedAt); err != nil {
			rows.Close()
			return nil, nil, err
		}
		members = append(members, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(members) < 2 {
		return nil, nil, ErrWrongState
	}

	// 3. Insert the match in countdown. The commitment hash is client-visible
	// from this moment on.
	m := &models.Match{
		ID:         uuid.New(),
		LobbyID:    l.ID,
		Mode:       l.Mode,
		BuyIn:      l.BuyIn,
		Pot:        l.BuyIn * int64(len(members)),
		Payout:     l.Payout,
		RakeBps:    l.RakeBps,
		RakeCap:    l.RakeCap,
		CommitHash: commitHash,
		State:      models.MatchCountdown,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO matches (id, lobby_id, mode, buy_in_cents, pot_cents, payout_model, rake_bps, rake_cap_cents, commit_hash, seed_hex, nonce_hex, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING started_at;
	`, m.ID, m.LobbyID, m.Mode, m.BuyIn, m.Pot, m.Payout, m.RakeBps, m.RakeCap, m.CommitHash, seedHex, nonceHex, m.State).Scan(&m.StartedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert match: %v", err)
	}

	// 4. Consume the lobby.
	if _, err := tx.Exec(ctx, `UPDATE lobbies SET state = 'consumed' WHERE id = $1;`, lobbyID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return m, members, nil
}

// UpdateMatchState records a phase transition. Moving to active stamps
// activated_at once. Finished matches are immutable.
func (s *PostgresStore) UpdateMatchState(ctx context.Context, matchID uuid.UUID, state models.MatchState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matches
		SET state = $1,
		    activated_at = CASE WHEN $1 = 'active' AND activated_at IS NULL THEN NOW() ELSE activated_at END
		WHERE id = $2 AND ended_at IS NULL;
	`, state, matchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWrongState
	}
	return nil
}

// SettleMatch applies the final money movement for a completed match in one
// transaction: each member's own buy-in leaves escrow, payouts credit the
// winners, rake credits the house, placements are persisted and the match is
// closed. A match with ended_at already set returns ErrAlreadySettled and no
// money moves.
func (s *PostgresStore) SettleMatch(ctx context.Context, matchID uuid.UUID, placements []models.Placement, rake int64, endReason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Lock the match row and enforce the settle-once guard.
	var lobbyID uuid.UUID
	var buyIn, pot int64
	var ended bool
	err = tx.QueryRow(ctx, `
		SELECT lobby_id, buy_in_cents, pot_cents, ended_at IS NOT NULL
		FROM matches WHERE id = $1
		FOR UPDATE;
	`, matchID).Scan(&lobbyID, &buyIn, &pot, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if ended {
		return ErrAlreadySettled
	}

	// 2. Roster check: placements must cover exactly the members who paid in.
	memberSet, err := matchMemberSet(ctx, tx, lobbyID)
	if err != nil {
		return err
	}
	if len(placements) != len(memberSet) {
		return fmt.Errorf("placement count %d does not match roster size %d", len(placements), len(memberSet))
	}
	var paidOut int64
	for _, p := range placements {
		if !memberSet[p.AccountID] {
			return fmt.Errorf("placement for non-member account %s", p.AccountID)
		}
		if p.Payout < 0 {
			return fmt.Errorf("negative payout %d for account %s", p.Payout, p.AccountID)
		}
		paidOut += p.Payout
	}
	if paidOut+rake != pot {
		return fmt.Errorf("settlement does not balance: payouts %d + rake %d != pot %d", paidOut, rake, pot)
	}

	// 3. Release each member's own buy-in from escrow into the pot.
	ref := matchID
	for accountID := range memberSet {
		if err := applyEntry(ctx, tx, &models.LedgerEntry{
			ID:        uuid.New(),
			AccountID: accountID,
			Kind:      models.LedgerEscrowRelease,
			Amount:    buyIn,
			RefID:     &ref,
			Status:    models.LedgerCompleted,
		}); err != nil {
			return fmt.Errorf("escrow release for %s: %w", accountID, err)
		}
	}

	// 4. Credit payouts and persist placements.
	for _, p := range placements {
		if p.Payout > 0 {
			if err := applyEntry(ctx, tx, &models.LedgerEntry{
				ID:        uuid.New(),
				AccountID: p.AccountID,
				Kind:      models.LedgerPayout,
				Amount:    p.Payout,
				RefID:     &ref,
				Status:    models.LedgerCompleted,
			}); err != nil {
				return fmt.Errorf("payout for %s: %w", p.AccountID, err)
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO placements (match_id, account_id, team_id, rank, final_mass, max_mass, kills, payout_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
		`, matchID, p.AccountID, p.TeamID, p.Rank, p.FinalMass, p.MaxMass, p.Kills, p.Payout); err != nil {
			return fmt.Errorf("failed to insert placement: %v", err)
		}
	}

	// 5. Rake goes to the house.
	if rake > 0 {
		if err := applyEntry(ctx, tx, &models.LedgerEntry{
			ID:        uuid.New(),
			AccountID: HouseAccountID,
			Kind:      models.LedgerRake,
			Amount:    rake,
			RefID:     &ref,
			Status:    models.LedgerCompleted,
		}); err != nil {
			return fmt.Errorf("rake credit: %w", err)
		}
	}

	// 6. Close the match. GetMatch exposes seed and nonce from here on.
	if _, err := tx.Exec(ctx, `
		UPDATE matches
		SET state = 'completed', rake_cents = $1, end_reason = $2, ended_at = NOW()
		WHERE id = $3;
	`, rake, endReason, matchID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RefundMatch unwinds an aborted or orphaned match: every member gets their
// own buy-in back from escrow and the match closes with the given reason.
// Same ended_at guard as SettleMatch.
func (s *PostgresStore) RefundMatch(ctx context.Context, matchID uuid.UUID, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 1. Lock the match row and enforce the settle-once guard.
	var lobbyID uuid.UUID
	var buyIn int64
	var ended bool
	err = tx.QueryRow(ctx, `
		SELECT lobby_id, buy_in_cents, ended_at IS NOT NULL
		FROM matches WHERE id = $1
		FOR UPDATE;
	`, matchID).Scan(&lobbyID, &buyIn, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if ended {
		return ErrAlreadySettled
	}

	// 2. Refund each member's own buy-in.
	memberSet, err := matchMemberSet(ctx, tx, lobbyID)
	if err != nil {
		return err
	}
	for accountID := range memberSet {
		if err := refundEscrow(ctx, tx, accountID, buyIn, matchID); err != nil {
			return fmt.Errorf("refund for %s: %w", accountID, err)
		}
	}

	// 3. Close the match.
	if _, err := tx.Exec(ctx, `
		UPDATE matches
		SET state = 'completed', end_reason = $1, ended_at = NOW()
		WHERE id = $2;
	`, reason, matchID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetMatch loads one match. Seed and nonce are included only once the match
// is completed; until then the struct carries just the commitment hash.
func (s *PostgresStore) GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error) {
	m := &models.Match{}
	var endReason *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, lobby_id, mode, buy_in_cents, pot_cents, rake_cents, payout_model, rake_bps, rake_cap_cents,
		       commit_hash, seed_hex, nonce_hex, state, end_reason, started_at, activated_at, ended_at
		FROM matches WHERE id = $1;
	`, id).Scan(
		&m.ID, &m.LobbyID, &m.Mode, &m.BuyIn, &m.Pot, &m.Rake, &m.Payout, &m.RakeBps, &m.RakeCap,
		&m.CommitHash, &m.SeedHex, &m.NonceHex, &m.State, &endReason, &m.StartedAt, &m.ActivatedAt, &m.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endReason != nil {
		m.EndReason = *endReason
	}
	if m.State != models.MatchCompleted {
		m.SeedHex = ""
		m.NonceHex = ""
	}
	return m, nil
}

// GetMatchMembers returns the roster of a match via its source lobby.
func (s *PostgresStore) GetMatchMembers(ctx context.Context, matchID uuid.UUID) ([]models.LobbyMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lm.lobby_id, lm.account_id, lm.team_id, lm.joined_at
		FROM lobby_members lm
		JOIN matches m ON m.lobby_id = lm.lobby_id
		WHERE m.id = $1
		ORDER BY lm.joined_at ASC, lm.account_id ASC;
	`, matchID)
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

// GetPlacements returns the final standings of a match, winner first.
func (s *PostgresStore) GetPlacements(ctx context.Context, matchID uuid.UUID) ([]models.Placement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT match_id, account_id, team_id, rank, final_mass, max_mass, kills, payout_cents
		FROM placements WHERE match_id = $1
		ORDER BY rank ASC;
	`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	placements := []models.Placement{}
	for rows.Next() {
		var p models.Placement
		if err := rows.Scan(&p.MatchID, &p.AccountID, &p.TeamID, &p.Rank, &p.FinalMass, &p.MaxMass, &p.Kills, &p.Payout); err != nil {
			return nil, err
		}
		placements = append(placements, p)
	}
	return placements, rows.Err()
}

// ListUnfinishedMatches returns every match without an ended_at, oldest
// first. Boot-time recovery refunds these before the server starts taking
// traffic.
func (s *PostgresStore) ListUnfinishedMatches(ctx context.Context) ([]models.Match, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lobby_id, mode, buy_in_cents, pot_cents, rake_cents, payout_model, rake_bps, rake_cap_cents,
		       commit_hash, state, started_at, activated_at
		FROM matches
		WHERE ended_at IS NULL
		ORDER BY started_at ASC;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []models.Match{}
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(
			&m.ID, &m.LobbyID, &m.Mode, &m.BuyIn, &m.Pot, &m.Rake, &m.Payout, &m.RakeBps, &m.RakeCap,
			&m.CommitHash, &m.State, &m.StartedAt, &m.ActivatedAt,
		); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// matchMemberSet loads the paying members of a match's source lobby.
func matchMemberSet(ctx context.Context, tx pgx.Tx, lobbyID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := tx.Query(ctx, `SELECT account_id FROM lobby_members WHERE lobby_id = $1;`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}
