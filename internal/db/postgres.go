// Package db is the transactional store: accounts, wallets, the append-only
// ledger, lobbies, matches and placements, all in Postgres via pgx. Every
// money operation is a single transaction; wallet rows are locked with
// SELECT ... FOR UPDATE and carry a version bumped on each mutation.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stakeforge/arena-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image, which does not carry the .sql file.
//
//go:embed schema.sql
var schemaSQL string

// HouseAccountID is the well-known account that collects rake. Seeded by
// the schema.
var HouseAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Business rejections surfaced to callers. Handlers map these to stable
// HTTP error codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrKYCRequired       = errors.New("withdrawals require approved kyc")
	ErrIdempotencyBusy   = errors.New("operation with this idempotency key is still pending")
	ErrLobbyFull         = errors.New("lobby is full")
	ErrWrongState        = errors.New("operation not allowed in current state")
	ErrAlreadyJoined     = errors.New("account is already a member of this lobby")
	ErrNotMember         = errors.New("account is not a member of this lobby")
	ErrActiveMembership  = errors.New("account is already in an unterminated lobby or match")
	ErrAlreadySettled    = errors.New("match has already been settled or refunded")
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Arena Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Arena schema initialized")
	return nil
}

// GetPool exposes the connection pool for health checks and subsystems that
// need their own queries.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// CreateAccount registers a player and opens an empty wallet in one
// transaction.
func (s *PostgresStore) CreateAccount(ctx context.Context, nickname, region string) (*models.Account, error) {
	acct := &models.Account{
		ID:        uuid.New(),
		Nickname:  nickname,
		Region:    region,
		KYCStatus: models.KYCPending,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (id, nickname, region)
		VALUES ($1, $2, $3)
		RETURNING created_at;
	`, acct.ID, acct.Nickname, acct.Region).Scan(&acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %v", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO wallets (account_id) VALUES ($1);`, acct.ID); err != nil {
		return nil, fmt.Errorf("failed to open wallet: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetAccount loads one account row.
func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acct := &models.Account{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, nickname, region, kyc_status, created_at
		FROM accounts WHERE id = $1;
	`, id).Scan(&acct.ID, &acct.Nickname, &acct.Region, &acct.KYCStatus, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// SetKYCStatus transitions an account's KYC state. Only the KYC collaborator
// (admin surface) calls this.
func (s *PostgresStore) SetKYCStatus(ctx context.Context, id uuid.UUID, status models.KYCStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET kyc_status = $1 WHERE id = $2;`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWallet loads the balance view of an account.
func (s *PostgresStore) GetWallet(ctx context.Context, accountID uuid.UUID) (*models.Wallet, error) {
	w := &models.Wallet{AccountID: accountID}
	err := s.pool.QueryRow(ctx, `
		SELECT available_cents, escrow_cents, version
		FROM wallets WHERE account_id = $1;
	`, accountID).Scan(&w.Available, &w.Escrow, &w.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// adjustWallet applies a balance delta under a row lock, bumping the
// version. It returns ErrInsufficientFunds when available would go
// negative; an escrow underflow means corrupted bookkeeping and comes back
// as a plain error.
func adjustWallet(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, deltaAvailable, deltaEscrow int64) error {
	var available, escrow int64
	err := tx.QueryRow(ctx, `
		SELECT available_cents, escrow_cents
		FROM wallets WHERE account_id = $1
		FOR UPDATE;
	`, accountID).Scan(&available, &escrow)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	newAvailable := available + deltaAvailable
	newEscrow := escrow + deltaEscrow
	if newAvailable < 0 {
		return ErrInsufficientFunds
	}
	if newEscrow < 0 {
		return fmt.Errorf("escrow underflow for account %s: %d%+d", accountID, escrow, deltaEscrow)
	}

	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET available_cents = $1, escrow_cents = $2, version = version + 1
		WHERE account_id = $3;
	`, newAvailable, newEscrow, accountID)
	return err
}

// applyEntry adjusts the wallet by the entry's kind effect and appends the
// row, inside the caller's transaction. Routing every mutation through the
// kind table keeps balances equal to the fold of completed entries.
func applyEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	deltaAvailable, deltaEscrow := e.Kind.WalletEffect(e.Amount)
	if err := adjustWallet(ctx, tx, e.AccountID, deltaAvailable, deltaEscrow); err != nil {
		return err
	}
	return insertEntry(ctx, tx, e)
}

// insertEntry appends one ledger row inside the caller's transaction and
// fills in the row's created_at.
func insertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	var key any
	if e.IdempotencyKey != nil && *e.IdempotencyKey != "" {
		key = *e.IdempotencyKey
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount_cents, ref_id, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at;
	`, e.ID, e.AccountID, e.Kind, e.Amount, e.RefID, key, e.Status).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s entry: %v", e.Kind, err)
	}
	return nil
}
