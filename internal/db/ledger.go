package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stakeforge/arena-engine/internal/metrics"
	"github.com/stakeforge/arena-engine/pkg/models"
)

// HistoryPage is one page of ledger entries, newest first, plus the cursor
// for the next page (empty when exhausted).
type HistoryPage struct {
	Entries    []models.LedgerEntry `json:"entries"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// Deposit credits an account's available balance. Safe to retry: the
// idempotency key pins the outcome, so a replayed call returns the original
// entry without a second credit.
func (s *PostgresStore) Deposit(ctx context.Context, accountID uuid.UUID, amount int64, idemKey string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      models.LedgerDeposit,
		Amount:    amount,
		Status:    models.LedgerCompleted,
	}
	if idemKey != "" {
		entry.IdempotencyKey = &idemKey
	}

	// 1. Replay check: an existing entry under this key decides the outcome.
	revived := false
	if idemKey != "" {
		prior, err := entryByKey(ctx, tx, accountID, models.LedgerDeposit, idemKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			metrics.LedgerConflict()
			switch prior.Status {
			case models.LedgerCompleted:
				return prior, nil
			case models.LedgerPending:
				return nil, ErrIdempotencyBusy
			default:
				// Failed or cancelled: revive the same entry and apply
				// the credit exactly once.
				entry = prior
				revived = true
			}
		}
	}

	// 2. Credit available under the wallet row lock.
	da, de := entry.Kind.WalletEffect(amount)
	if err := adjustWallet(ctx, tx, accountID, da, de); err != nil {
		return nil, err
	}

	// 3. Persist the entry (or flip the revived one to completed).
	if revived {
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_entries SET status = $1 WHERE id = $2;
		`, models.LedgerCompleted, entry.ID); err != nil {
			return nil, err
		}
		entry.Status = models.LedgerCompleted
	} else if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw debits an account's available balance. Requires approved KYC and
// sufficient available funds; idempotent under the same key like Deposit.
func (s *PostgresStore) Withdraw(ctx context.Context, accountID uuid.UUID, amount int64, idemKey string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("withdrawal amount must be positive, got %d", amount)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry := &models.LedgerEntry{
		ID:        uuid.New(),
		AccountID: accountID,
		Kind:      models.LedgerWithdrawal,
		Amount:    amount,
		Status:    models.LedgerCompleted,
	}
	if idemKey != "" {
		entry.IdempotencyKey = &idemKey
	}

	// 1. Replay check before anything else: an already-completed withdrawal
	// replays as-is even if KYC was revoked since.
	revived := false
	if idemKey != "" {
		prior, err := entryByKey(ctx, tx, accountID, models.LedgerWithdrawal, idemKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			metrics.LedgerConflict()
			switch prior.Status {
			case models.LedgerCompleted:
				return prior, nil
			case models.LedgerPending:
				return nil, ErrIdempotencyBusy
			default:
				entry = prior
				revived = true
			}
		}
	}

	// 2. KYC gate.
	var kyc models.KYCStatus
	err = tx.QueryRow(ctx, `SELECT kyc_status FROM accounts WHERE id = $1;`, accountID).Scan(&kyc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if kyc != models.KYCApproved {
		return nil, ErrKYCRequired
	}

	// 3. Debit available under the wallet row lock.
	da, de := entry.Kind.WalletEffect(amount)
	if err := adjustWallet(ctx, tx, accountID, da, de); err != nil {
		return nil, err
	}

	// 4. Persist the entry (or flip the revived one to completed).
	if revived {
		if _, err := tx.Exec(ctx, `
			UPDATE ledger_entries SET status = $1 WHERE id = $2;
		`, models.LedgerCompleted, entry.ID); err != nil {
			return nil, err
		}
		entry.Status = models.LedgerCompleted
	} else if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// History returns a page of the account's ledger, newest first. The cursor
// is opaque to clients: "<unix-nanos>:<entry-id>" of the last row seen.
func (s *PostgresStore) History(ctx context.Context, accountID uuid.UUID, cursor string, limit int) (*HistoryPage, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, account_id, kind, amount_cents, ref_id, idempotency_key, status, created_at
			FROM ledger_entries
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2;
		`, accountID, limit)
	} else {
		var ts time.Time
		var lastID uuid.UUID
		ts, lastID, err = decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		rows, err = s.pool.Query(ctx, `
			SELECT id, account_id, kind, amount_cents, ref_id, idempotency_key, status, created_at
			FROM ledger_entries
			WHERE account_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4;
		`, accountID, ts, lastID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.RefID, &e.IdempotencyKey, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &HistoryPage{Entries: entries}
	if len(entries) == limit {
		last := entries[len(entries)-1]
		page.NextCursor = fmt.Sprintf("%d:%s", last.CreatedAt.UnixNano(), last.ID)
	}
	return page, nil
}

// entryByKey fetches, and row-locks, the ledger entry recorded under an
// idempotency key. Returns nil when no entry exists.
func entryByKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, kind models.LedgerKind, key string) (*models.LedgerEntry, error) {
	e := &models.LedgerEntry{}
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, kind, amount_cents, ref_id, idempotency_key, status, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND kind = $2 AND idempotency_key = $3
		FOR UPDATE;
	`, accountID, kind, key).Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.RefID, &e.IdempotencyKey, &e.Status, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	tsPart, idPart, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed history cursor")
	}
	nanos, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed history cursor timestamp: %v", err)
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed history cursor id: %v", err)
	}
	return time.Unix(0, nanos).UTC(), id, nil
}
