package alerts

import (
	"context"
	"log/slog"
	"time"

	"iotguard/internal/model"
	"iotguard/internal/storage"
)

type Emitter interface {
	Emit(alert model.Alert)
}

// Fanout delivers each alert to every emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(alert model.Alert) {
	for _, e := range f {
		if e != nil {
			e.Emit(alert)
		}
	}
}

// LogSink writes alerts as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(alert model.Alert) {
	if s.logger == nil {
		return
	}
	attrs := []any{
		"id", alert.ID,
		"event_time", alert.Timestamp,
		"detector", alert.Detector,
		"kind", alert.Kind,
		"severity", string(alert.Severity),
	}
	if alert.ActorID != "" {
		attrs = append(attrs, "actor_id", alert.ActorID)
	}
	if alert.SourceID != "" {
		attrs = append(attrs, "source_id", alert.SourceID)
	}
	if alert.DeviceID != "" {
		attrs = append(attrs, "device_id", alert.DeviceID)
	}
	if len(alert.Context) > 0 {
		attrs = append(attrs, "context", alert.Context)
	}
	s.logger.Log(context.Background(), levelFor(alert.Severity), alert.Message, attrs...)
}

func levelFor(sev model.Severity) slog.Level {
	switch sev {
	case model.SeverityAlert:
		return slog.LevelWarn
	case model.SeverityWarning:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

// StorageSink persists alerts at or above a minimum severity.
type StorageSink struct {
	store   storage.Store
	min     model.Severity
	timeout time.Duration
	logger  *slog.Logger
}

func NewStorageSink(store storage.Store, minSeverity model.Severity, logger *slog.Logger) *StorageSink {
	if minSeverity.Rank() == 0 {
		minSeverity = model.SeverityWarning
	}
	return &StorageSink{store: store, min: minSeverity, timeout: 5 * time.Second, logger: logger}
}

func (s *StorageSink) Emit(alert model.Alert) {
	if s.store == nil || alert.Severity.Rank() < s.min.Rank() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.SaveAlert(ctx, alert); err != nil && s.logger != nil {
		s.logger.Warn("save alert failed", "id", alert.ID, "err", err)
	}
}
