package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
//
// Evidence, messages and the resolution record are stored as JSONB.
// Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidence, messages, resolution, err := marshalParts(d)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, escrow_id, buyer_id, seller_id, raised_by, reason,
			description, status, priority, queue, agent, sla, amount, currency,
			evidence, messages, resolution, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::NUMERIC(20,2), $14,
			$15, $16, $17, $18, $19, $20)
	`, d.ID, d.EscrowID, d.BuyerID, d.SellerID, d.RaisedBy, d.Reason,
		d.Description, d.Status, d.Priority, d.Queue, d.Agent, d.SLA, d.Amount, d.Currency,
		evidence, messages, resolution, d.ResolvedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.execUpdate(ctx, d, "")
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// UpdateWithStatus persists the dispute only if the stored status still
// equals expect. A lost race means another caller resolved it first.
func (p *PostgresStore) UpdateWithStatus(ctx context.Context, d *Dispute, expect Status) error {
	result, err := p.execUpdate(ctx, d, expect)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, getErr := p.Get(ctx, d.ID); getErr != nil {
			return getErr
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (p *PostgresStore) execUpdate(ctx context.Context, d *Dispute, expect Status) (sql.Result, error) {
	evidence, messages, resolution, err := marshalParts(d)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE disputes SET
			status = $2, priority = $3, queue = $4, agent = $5, sla = $6,
			evidence = $7, messages = $8, resolution = $9, resolved_at = $10, updated_at = $11
		WHERE id = $1`
	args := []any{d.ID, d.Status, d.Priority, d.Queue, d.Agent, d.SLA,
		evidence, messages, resolution, d.ResolvedAt, d.UpdatedAt}
	if expect != "" {
		query += ` AND status = $12`
		args = append(args, expect)
	}

	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update dispute: %w", err)
	}
	return result, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, selectColumns+`
		FROM disputes
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var disputes []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

const selectColumns = `
	SELECT id, escrow_id, buyer_id, seller_id, raised_by, reason,
		description, status, priority, queue, agent, sla, amount, currency,
		evidence, messages, resolution, resolved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var description sql.NullString
	var evidence, messages, resolution []byte
	var resolvedAt sql.NullTime

	err := row.Scan(&d.ID, &d.EscrowID, &d.BuyerID, &d.SellerID, &d.RaisedBy, &d.Reason,
		&description, &d.Status, &d.Priority, &d.Queue, &d.Agent, &d.SLA, &d.Amount, &d.Currency,
		&evidence, &messages, &resolution, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Description = description.String
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &d.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
	}
	if len(resolution) > 0 && string(resolution) != "null" {
		d.Resolution = &ResolutionRecord{}
		if err := json.Unmarshal(resolution, d.Resolution); err != nil {
			return nil, fmt.Errorf("failed to decode resolution: %w", err)
		}
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func marshalParts(d *Dispute) (evidence, messages, resolution []byte, err error) {
	if evidence, err = json.Marshal(d.Evidence); err != nil {
		return
	}
	if messages, err = json.Marshal(d.Messages); err != nil {
		return
	}
	resolution, err = json.Marshal(d.Resolution)
	return
}
