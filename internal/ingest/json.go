package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"iotguard/internal/model"
	"iotguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap accepts either a nested "payload" object or the device_id,
// value and status keys at the top level.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	flat := make(map[string]interface{}, len(obj))
	for key, val := range obj {
		flat[strings.ToLower(key)] = val
	}
	fields := &normalize.EventFields{
		Kind:      firstNonEmpty(flat, "kind", "event", "event_name", "eventname", "type"),
		Role:      firstNonEmpty(flat, "role", "user_role", "userrole"),
		ActorID:   firstNonEmpty(flat, "actor_id", "actorid", "user_id", "userid", "user"),
		SourceID:  firstNonEmpty(flat, "source_id", "sourceid", "source", "ip"),
		Timestamp: firstNonEmpty(flat, "timestamp", "time", "ts"),
		Payload:   map[string]any{},
	}
	for _, key := range []string{"payload", "context"} {
		if nested, ok := flat[key].(map[string]interface{}); ok {
			for k, v := range nested {
				fields.Payload[strings.ToLower(k)] = v
			}
		}
	}
	for _, key := range []string{model.PayloadDeviceID, model.PayloadValue, model.PayloadStatus} {
		if _, ok := fields.Payload[key]; ok {
			continue
		}
		if v, ok := flat[key]; ok {
			fields.Payload[key] = v
		}
	}
	return fields
}

func firstNonEmpty(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(stringify(m[k])); v != "" {
			return v
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]interface{}, []interface{}:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
