package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

type EventFields struct {
	Kind      string
	Role      string
	ActorID   string
	SourceID  string
	Timestamp string
	Payload   map[string]any
	Raw       string
}

var ErrMissingKind = errors.New("event kind missing")

func Normalize(fields EventFields, cfg *config.Config) (model.Event, error) {
	kind := strings.ToLower(strings.TrimSpace(fields.Kind))
	if kind == "" {
		return model.Event{}, ErrMissingKind
	}

	loc := time.UTC
	if cfg != nil && cfg.Ingest.Parser.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Ingest.Parser.Timezone); err == nil {
			loc = l
		}
	}

	ts := time.Now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, loc)
		if err != nil {
			return model.Event{}, fmt.Errorf("parse timestamp: %w", err)
		}
		ts = parsed.UTC()
	}

	payload := fields.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if s, ok := payload[model.PayloadStatus].(string); ok {
		payload[model.PayloadStatus] = strings.ToLower(strings.TrimSpace(s))
	}

	return model.Event{
		Kind:      kind,
		Role:      model.ParseRole(fields.Role),
		ActorID:   strings.TrimSpace(fields.ActorID),
		SourceID:  strings.TrimSpace(fields.SourceID),
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts unix seconds (integer or fractional), unix
// milliseconds (13+ digits) and the layouts above.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	dots := 0
	for _, ch := range value {
		if ch == '.' {
			dots++
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && dots <= 1
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

