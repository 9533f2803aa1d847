package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveAlert(ctx context.Context, alert model.Alert) error
	SaveVerdict(ctx context.Context, verdict model.Verdict) error
	CountAlerts(ctx context.Context) (int, error)
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect holds the per-driver SQL; everything else is shared.
type dialect struct {
	schema        []string
	insertAlert   string
	insertVerdict string
}

type baseStore struct {
	db *sql.DB
	dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.insertAlert,
		alert.ID,
		alert.Timestamp.UTC(),
		string(alert.Severity),
		alert.Detector,
		alert.Kind,
		alert.ActorID,
		alert.SourceID,
		alert.DeviceID,
		alert.Message,
		encodeJSON(alert.Context),
	)
	return err
}

func (b *baseStore) SaveVerdict(ctx context.Context, v model.Verdict) error {
	if b.db == nil {
		return nil
	}
	f := v.Flags
	_, err := b.db.ExecContext(ctx, b.insertVerdict,
		v.Event.Timestamp.UTC(),
		v.Event.Kind,
		string(v.Event.Role),
		v.Event.ActorID,
		v.Event.SourceID,
		f[model.FlagRate],
		f[model.FlagValue],
		f[model.FlagRole],
		f[model.FlagUnexpected],
		f[model.FlagActivity],
		encodeJSON(v.Event.Payload),
	)
	return err
}

func (b *baseStore) CountAlerts(ctx context.Context) (int, error) {
	if b.db == nil {
		return 0, nil
	}
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
