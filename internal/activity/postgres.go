package activity

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog appends entries to the activity_logs table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) Record(ctx context.Context, entry Entry) error {
	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO activity_logs (actor_id, actor_role, action, target_type, target_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ActorID, entry.ActorRole, entry.Action, entry.TargetType, entry.TargetID, entry.Description, occurredAt)
	return err
}
