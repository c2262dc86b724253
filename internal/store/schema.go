package store

import (
	"context"
	"fmt"
)

// notifications.user_id carries no foreign key: users may be deleted while
// notifications are still pending, and delivery fails those as USER_NOT_FOUND.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         UUID PRIMARY KEY,
		email      TEXT,
		phone      TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id          UUID PRIMARY KEY,
		user_id     UUID NOT NULL,
		type        TEXT NOT NULL CHECK (type IN ('email', 'sms', 'in_app')),
		content     TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'failed')),
		retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0 AND retry_count <= 3),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		ON notifications (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_pending_updated
		ON notifications (updated_at) WHERE status = 'pending'`,
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	s.logger.Info("schema ensured", map[string]interface{}{"statements": len(schemaStatements)})
	return nil
}
