package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply against an
// existing deployment. Each must be idempotent (IF NOT EXISTS, IF EXISTS).
var migrations = []migration{
	{
		name:  "add conversations.last_message_id",
		sql:   `ALTER TABLE conversations ADD COLUMN IF NOT EXISTS last_message_id uuid`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'conversations' AND column_name = 'last_message_id')`,
	},
	{
		name:  "add group_members.role",
		sql:   `ALTER TABLE group_members ADD COLUMN IF NOT EXISTS role text NOT NULL DEFAULT 'member'`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'group_members' AND column_name = 'role')`,
	},
	{
		name:  "add group_chats.member_count",
		sql:   `ALTER TABLE group_chats ADD COLUMN IF NOT EXISTS member_count int NOT NULL DEFAULT 0`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'group_chats' AND column_name = 'member_count')`,
	},
	{
		name:  "add deleted_messages table",
		sql: `CREATE TABLE IF NOT EXISTS deleted_messages (
			message_id  uuid NOT NULL REFERENCES messages(id),
			user_id     uuid NOT NULL,
			deleted_at  timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (message_id, user_id)
		)`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'deleted_messages')`,
	},
	{
		name:  "add calls active-call partial index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_calls_active ON calls (conversation_id) WHERE status IN ('ringing', 'answered')`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_calls_active')`,
	},
}

// Migrate runs all pending schema migrations.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails. It includes the SQL
// needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart the server.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
