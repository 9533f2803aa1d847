package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			severity TEXT NOT NULL,
			detector TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor_id TEXT,
			source_id TEXT,
			device_id TEXT,
			message TEXT NOT NULL,
			context_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS verdicts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			role TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			rate_flag INTEGER NOT NULL,
			value_flag INTEGER NOT NULL,
			role_flag INTEGER NOT NULL,
			unexpected_flag INTEGER NOT NULL,
			activity_flag INTEGER NOT NULL,
			payload_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_actor ON verdicts(actor_id, ts)`,
	},
	insertAlert: `INSERT INTO alerts (id, ts, severity, detector, kind, actor_id, source_id, device_id, message, context_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	insertVerdict: `INSERT INTO verdicts (ts, kind, role, actor_id, source_id, rate_flag, value_flag, role_flag, unexpected_flag, activity_flag, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:iotguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps in-memory databases shared across calls
	db.SetMaxOpenConns(1)
	return &baseStore{db: db, dialect: sqliteDialect}, nil
}
