package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id UUID PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			severity TEXT NOT NULL,
			detector TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor_id TEXT,
			source_id TEXT,
			device_id TEXT,
			message TEXT NOT NULL,
			context_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			kind TEXT NOT NULL,
			role TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			rate_flag BOOLEAN NOT NULL,
			value_flag BOOLEAN NOT NULL,
			role_flag BOOLEAN NOT NULL,
			unexpected_flag BOOLEAN NOT NULL,
			activity_flag BOOLEAN NOT NULL,
			payload_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_actor ON verdicts(actor_id, ts)`,
	},
	insertAlert: `INSERT INTO alerts (id, ts, severity, detector, kind, actor_id, source_id, device_id, message, context_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	insertVerdict: `INSERT INTO verdicts (ts, kind, role, actor_id, source_id, rate_flag, value_flag, role_flag, unexpected_flag, activity_flag, payload_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/iotguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &baseStore{db: db, dialect: postgresDialect}, nil
}
