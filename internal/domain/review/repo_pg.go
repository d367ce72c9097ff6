package review

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgQueue struct {
	pool *pgxpool.Pool
}

// NewPGQueue returns a Queue backed by PostgreSQL.
func NewPGQueue(pool *pgxpool.Pool) Queue {
	return &pgQueue{pool: pool}
}

func (q *pgQueue) Submit(ctx context.Context, r *PersonReview) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid review: %w", err)
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := q.pool.Exec(ctx, `INSERT INTO person_review
    (id, person_oids, description, domain, submitted_by, created_at)
    VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.PersonOIDs, r.Description, r.Domain, r.SubmittedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("submit review: %w", err)
	}
	return nil
}

func (q *pgQueue) Exists(ctx context.Context, description string, personOID uuid.UUID) (bool, error) {
	var exists bool
	err := q.pool.QueryRow(ctx, `SELECT EXISTS (
    SELECT 1 FROM person_review WHERE description = $1 AND $2 = ANY(person_oids))`,
		description, personOID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check review existence: %w", err)
	}
	return exists, nil
}

func (q *pgQueue) Get(ctx context.Context, domain string) ([]*PersonReview, error) {
	return q.list(ctx, `SELECT id, person_oids, description, domain, submitted_by, created_at
    FROM person_review WHERE LOWER(domain) = LOWER($1) ORDER BY created_at`, domain)
}

func (q *pgQueue) GetAll(ctx context.Context) ([]*PersonReview, error) {
	return q.list(ctx, `SELECT id, person_oids, description, domain, submitted_by, created_at
    FROM person_review ORDER BY created_at`)
}

func (q *pgQueue) GetSystem(ctx context.Context) ([]*PersonReview, error) {
	return q.list(ctx, `SELECT id, person_oids, description, domain, submitted_by, created_at
    FROM person_review WHERE domain = '' ORDER BY created_at`)
}

func (q *pgQueue) list(ctx context.Context, sql string, args ...any) ([]*PersonReview, error) {
	rows, err := q.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var out []*PersonReview
	for rows.Next() {
		var r PersonReview
		if err := rows.Scan(&r.ID, &r.PersonOIDs, &r.Description, &r.Domain,
			&r.SubmittedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, nil
}

func (q *pgQueue) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := q.pool.Exec(ctx, `DELETE FROM person_review WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
