package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// AuditRow is one account's stored balances alongside the per-kind totals of
// its completed ledger entries. Both sides are read under one repeatable-read
// snapshot so concurrent settlements cannot shear the comparison.
type AuditRow struct {
	AccountID uuid.UUID
	Available int64
	Escrow    int64

	// KindTotals maps each ledger kind to the sum of its completed amounts.
	// Wallet effects are linear in the amount, so folding per-kind totals is
	// equivalent to folding every entry.
	KindTotals map[models.LedgerKind]int64
}

// ListAuditAccounts pages account ids in id order, strictly after afterID.
// Keyset pagination keeps a sweep stable while accounts are created under it.
func (s *PostgresStore) ListAuditAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	rows, err := s.pool.Query(ctx, `
		SELECT account_id
		FROM wallets
		WHERE account_id > $1
		ORDER BY account_id
		LIMIT $2;
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit accounts: %v", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FetchAuditRow reads one wallet and the per-kind fold of its completed
// ledger entries in a single read-only repeatable-read transaction.
func (s *PostgresStore) FetchAuditRow(ctx context.Context, accountID uuid.UUID) (*AuditRow, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := &AuditRow{
		AccountID:  accountID,
		KindTotals: make(map[models.LedgerKind]int64),
	}

	err = tx.QueryRow(ctx, `
		SELECT available_cents, escrow_cents
		FROM wallets
		WHERE account_id = $1;
	`, accountID).Scan(&row.Available, &row.Escrow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet for audit: %v", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT kind, COALESCE(SUM(amount_cents), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND status = 'completed'
		GROUP BY kind;
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to fold ledger for audit: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind models.LedgerKind
		var total int64
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		row.KindTotals[kind] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return row, nil
}
