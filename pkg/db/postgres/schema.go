package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// InitializeDB ensures the required tables exist
func (l *Ledger) InitializeDB(ctx context.Context) error {
	for _, t := range []struct {
		name string
		ddl  string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id            TEXT PRIMARY KEY,
				balance       BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
				last_recharge TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
			)`},
		{"creators", `
			CREATE TABLE IF NOT EXISTS creators (
				id                 TEXT PRIMARY KEY,
				watch_time_seconds BIGINT NOT NULL DEFAULT 0,
				earnings           BIGINT NOT NULL DEFAULT 0,
				created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
			)`},
		{"videos", `
			CREATE TABLE IF NOT EXISTS videos (
				external_id TEXT PRIMARY KEY,
				creator_id  TEXT NOT NULL REFERENCES creators (id)
			)`},
		{"settlements", `
			CREATE TABLE IF NOT EXISTS settlements (
				id            UUID PRIMARY KEY,
				user_id       TEXT NOT NULL,
				creator_id    TEXT NOT NULL,
				amount        BIGINT NOT NULL,
				watch_seconds BIGINT NOT NULL,
				earnings      BIGINT NOT NULL,
				trigger       TEXT NOT NULL,
				created_at    TIMESTAMPTZ NOT NULL
			)`},
		{"settlements_user_idx", `CREATE INDEX IF NOT EXISTS settlements_user_idx ON settlements (user_id, created_at DESC)`},
	} {
		l.Logger.Debug("Initialize table", zap.String("table", t.name))
		if err := l.Exec(ctx, t.ddl); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
	}
	return nil
}
