package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"iotguard/internal/config"
	"iotguard/internal/model"
	"iotguard/internal/normalize"
)

var ErrNotJSON = errors.New("line is not a JSON object")

// ParseLine decodes one JSON-lines record. Blank lines and lines starting
// with '#' yield nil fields and no error.
func ParseLine(line string) (*normalize.EventFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" || strings.HasPrefix(trim, "#") {
		return nil, nil
	}
	if !strings.HasPrefix(trim, "{") {
		return nil, ErrNotJSON
	}
	fields, err := ParseJSONBytes([]byte(trim))
	if err != nil {
		return nil, err
	}
	fields.Raw = line
	return fields, nil
}

// DecodeLine parses and normalizes one line. ok is false for lines that
// carry no event.
func DecodeLine(line string, cfg *config.Config) (ev model.Event, ok bool, err error) {
	fields, err := ParseLine(line)
	if err != nil || fields == nil {
		return model.Event{}, false, err
	}
	ev, err = normalize.Normalize(*fields, cfg)
	if err != nil {
		return model.Event{}, false, err
	}
	return ev, true, nil
}

func forwardLine(ctx context.Context, line, transport string, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	ev, ok, err := DecodeLine(line, cfg.Get())
	if err != nil {
		if logger != nil {
			logger.Warn("ingest decode error", "transport", transport, "err", err)
		}
		return
	}
	if ok {
		SendNonBlocking(ctx, out, ev, logger)
	}
}
