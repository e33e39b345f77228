package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGPool abstracts pgxpool.Pool for testability.
type PGPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps each dispute as a JSONB document next to the columns sweeps
// and oracles query, and mirrors timeline entries into dispute_timeline.
// Update holds a row lock for the whole read-modify-write.
type PGStore struct {
	pool PGPool
}

// NewPGStore creates a Postgres-backed dispute store.
func NewPGStore(pool PGPool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, d *Dispute) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("dispute: marshal document: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO disputes (id, order_id, buyer_id, seller_id, status, priority,
		                      requires_manual_review, response_deadline, escalation_deadline,
		                      auto_close_at, document, version, created_at, updated_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, 1, $12, $13, $14)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		d.ID, d.OrderID, d.BuyerID, d.SellerID, string(d.Status), string(d.Priority),
		d.RequiresManualReview, d.ResponseDeadline, d.EscalationDeadline, d.AutoCloseAt,
		doc, d.CreatedAt, d.UpdatedAt, d.ClosedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}

	if err := insertTimeline(ctx, tx, d.ID, 0, d.Timeline); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit create: %w", err)
	}
	d.Version = 1
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*Dispute, error) {
	const q = `SELECT document, version FROM disputes WHERE id = $1`
	return scanDocument(s.pool.QueryRow(ctx, q, id))
}

func (s *PGStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	const q = `SELECT document, version FROM disputes WHERE order_id = $1`
	return scanDocument(s.pool.QueryRow(ctx, q, orderID))
}

func (s *PGStore) Update(ctx context.Context, id string, fn func(d *Dispute) error) (*Dispute, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockSQL = `SELECT document, version FROM disputes WHERE id = $1 FOR UPDATE`
	work, err := scanDocument(tx.QueryRow(ctx, lockSQL, id))
	if err != nil {
		return nil, err
	}
	prevVersion := work.Version
	prevLen := len(work.Timeline)

	if err := fn(work); err != nil {
		return nil, err
	}
	if len(work.Timeline) < prevLen {
		return nil, fmt.Errorf("dispute: timeline entries cannot be removed")
	}
	work.Version = prevVersion + 1

	doc, err := json.Marshal(work)
	if err != nil {
		return nil, fmt.Errorf("dispute: marshal document: %w", err)
	}

	const updateSQL = `
		UPDATE disputes
		SET status = $1,
		    priority = $2,
		    requires_manual_review = $3,
		    response_deadline = $4,
		    escalation_deadline = $5,
		    auto_close_at = $6,
		    document = $7::jsonb,
		    version = $8,
		    updated_at = $9,
		    closed_at = $10
		WHERE id = $11 AND version = $12
	`
	tag, err := tx.Exec(ctx, updateSQL,
		string(work.Status), string(work.Priority), work.RequiresManualReview,
		work.ResponseDeadline, work.EscalationDeadline, work.AutoCloseAt,
		doc, work.Version, work.UpdatedAt, work.ClosedAt,
		id, prevVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrVersionConflict
	}

	if err := insertTimeline(ctx, tx, id, prevLen, work.Timeline[prevLen:]); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dispute: commit update: %w", err)
	}
	return work, nil
}

func scanDocument(row pgx.Row) (*Dispute, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dispute: load: %w", err)
	}
	var d Dispute
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("dispute: decode document: %w", err)
	}
	d.Version = version
	return &d, nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, disputeID string, offset int, entries []TimelineEntry) error {
	const q = `
		INSERT INTO dispute_timeline (dispute_id, seq, action, description, performed_by, automated, metadata, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`
	for i, e := range entries {
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("dispute: marshal timeline metadata: %w", err)
		}
		if _, err := tx.Exec(ctx, q, disputeID, offset+i+1, e.Action, e.Description, e.PerformedBy, e.Automated, md, e.Timestamp); err != nil {
			return fmt.Errorf("dispute: insert timeline: %w", err)
		}
	}
	return nil
}
