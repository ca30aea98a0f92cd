package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat_bridge/server/bridge/domain"
)

// DeadLetterRepository archives jobs whose queue attempts are exhausted so
// operators can inspect (and manually replay) them. Nothing in the worker
// reads this table on the hot path.
type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

func (r *DeadLetterRepository) Insert(ctx context.Context, item domain.DeadLetter) (domain.DeadLetter, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO dead_letters(queue, tenant_id, recipient, attempts, payload, last_error)
		VALUES($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, item.Queue, item.TenantID, item.Recipient, item.Attempts, item.Payload, item.LastError).
		Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	return item, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, tenantID string, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, queue, tenant_id, recipient, attempts, payload, last_error, created_at
		FROM dead_letters
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var item domain.DeadLetter
		if err := rows.Scan(
			&item.ID,
			&item.Queue,
			&item.TenantID,
			&item.Recipient,
			&item.Attempts,
			&item.Payload,
			&item.LastError,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
