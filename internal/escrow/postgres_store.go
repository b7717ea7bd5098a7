package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL.
//
// Milestones, terms, release conditions and fees are stored as JSONB;
// the status column drives the compare-and-swap. Schema lives in
// migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, escrow *Escrow) error {
	milestones, terms, conditions, fees, err := marshalParts(escrow)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, buyer_id, seller_id, amount, currency, status,
			milestones, terms, release_conditions, fees, dispute_id, resolution,
			resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, escrow.ID, escrow.BuyerID, escrow.SellerID, escrow.Amount, escrow.Currency, escrow.Status,
		milestones, terms, conditions, fees, nullable(escrow.DisputeID), nullable(escrow.Resolution),
		escrow.ResolvedAt, escrow.CreatedAt, escrow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, amount, currency, status,
			milestones, terms, release_conditions, fees, dispute_id, resolution,
			resolved_at, created_at, updated_at
		FROM escrows WHERE id = $1
	`, id)
	escrow, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return escrow, err
}

func (p *PostgresStore) Update(ctx context.Context, escrow *Escrow) error {
	result, err := p.execUpdate(ctx, escrow, "")
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// UpdateWithStatus persists the escrow only if the stored status still
// equals expect.
func (p *PostgresStore) UpdateWithStatus(ctx context.Context, escrow *Escrow, expect Status) error {
	result, err := p.execUpdate(ctx, escrow, expect)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish a missing row from a lost status race
		if _, getErr := p.Get(ctx, escrow.ID); getErr != nil {
			return getErr
		}
		return ErrInvalidStatus
	}
	return nil
}

func (p *PostgresStore) execUpdate(ctx context.Context, escrow *Escrow, expect Status) (sql.Result, error) {
	milestones, terms, conditions, fees, err := marshalParts(escrow)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE escrows SET
			status = $2, milestones = $3, terms = $4, release_conditions = $5,
			fees = $6, dispute_id = $7, resolution = $8, resolved_at = $9, updated_at = $10
		WHERE id = $1`
	args := []any{escrow.ID, escrow.Status, milestones, terms, conditions, fees,
		nullable(escrow.DisputeID), nullable(escrow.Resolution), escrow.ResolvedAt, escrow.UpdatedAt}
	if expect != "" {
		query += ` AND status = $11`
		args = append(args, expect)
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update escrow: %w", err)
	}
	return result, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, amount, currency, status,
			milestones, terms, release_conditions, fees, dispute_id, resolution,
			resolved_at, created_at, updated_at
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, amount, currency, status,
			milestones, terms, release_conditions, fees, dispute_id, resolution,
			resolved_at, created_at, updated_at
		FROM escrows
		WHERE status = 'funded'
		  AND updated_at + ((terms->>'autoReleaseDays')::int * INTERVAL '1 day') <= $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscrows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	escrow := &Escrow{}
	var milestones, terms, conditions, fees []byte
	var disputeID, resolution sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&escrow.ID, &escrow.BuyerID, &escrow.SellerID, &escrow.Amount, &escrow.Currency,
		&escrow.Status, &milestones, &terms, &conditions, &fees, &disputeID, &resolution,
		&resolvedAt, &escrow.CreatedAt, &escrow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(milestones, &escrow.Milestones); err != nil {
		return nil, fmt.Errorf("failed to decode milestones: %w", err)
	}
	if err := json.Unmarshal(terms, &escrow.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode terms: %w", err)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &escrow.ReleaseConditions); err != nil {
			return nil, fmt.Errorf("failed to decode release conditions: %w", err)
		}
	}
	if err := json.Unmarshal(fees, &escrow.Fees); err != nil {
		return nil, fmt.Errorf("failed to decode fees: %w", err)
	}
	escrow.DisputeID = disputeID.String
	escrow.Resolution = resolution.String
	if resolvedAt.Valid {
		escrow.ResolvedAt = &resolvedAt.Time
	}
	return escrow, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var escrows []*Escrow
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, escrow)
	}
	return escrows, rows.Err()
}

func marshalParts(escrow *Escrow) (milestones, terms, conditions, fees []byte, err error) {
	if milestones, err = json.Marshal(escrow.Milestones); err != nil {
		return
	}
	if terms, err = json.Marshal(escrow.Terms); err != nil {
		return
	}
	if conditions, err = json.Marshal(escrow.ReleaseConditions); err != nil {
		return
	}
	fees, err = json.Marshal(escrow.Fees)
	return
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
