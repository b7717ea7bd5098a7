package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mzansibay/platform/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balances are NUMERIC(20,2) with CHECK constraints keeping every
// category >= 0, a second line of defense behind the service's own
// insufficient-funds check. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	acc := &Account{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, escrow_held, pending, rewards, currency, created_at, updated_at
		FROM wallet_accounts WHERE user_id = $1
	`, userID).Scan(&acc.Available, &acc.EscrowHeld, &acc.Pending, &acc.Rewards, &acc.Currency, &acc.CreatedAt, &acc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Apply upserts the accounts and appends the postings in one serializable
// transaction. The service is the single writer per account, so the new
// balance values are written as given.
func (p *PostgresStore) Apply(ctx context.Context, accounts []*Account, postings []*Posting) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, acc := range accounts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_accounts (user_id, available, escrow_held, pending, rewards, currency, created_at, updated_at)
			VALUES ($1, $2::NUMERIC(20,2), $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6, $7, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				available   = $2::NUMERIC(20,2),
				escrow_held = $3::NUMERIC(20,2),
				pending     = $4::NUMERIC(20,2),
				rewards     = $5::NUMERIC(20,2),
				updated_at  = NOW()
		`, acc.UserID, acc.Available, acc.EscrowHeld, acc.Pending, acc.Rewards, acc.Currency, acc.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert account: %w", err)
		}
	}

	for _, posting := range postings {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_postings (id, user_id, category, amount, reason, reference, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7)
		`, posting.ID, posting.UserID, posting.Category, posting.Amount, posting.Reason, nullable(posting.Reference), posting.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record posting: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, userID string, before *pagination.Cursor, limit, offset int) ([]*Posting, error) {
	query := `
		SELECT id, user_id, category, amount, reason, reference, created_at
		FROM ledger_postings
		WHERE user_id = $1
	`
	args := []interface{}{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var postings []*Posting
	for rows.Next() {
		posting := &Posting{}
		var reference sql.NullString
		if err := rows.Scan(&posting.ID, &posting.UserID, &posting.Category, &posting.Amount, &posting.Reason, &reference, &posting.CreatedAt); err != nil {
			return nil, err
		}
		posting.Reference = reference.String
		postings = append(postings, posting)
	}
	return postings, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
