package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

// ValueAnalyzer flags invalid or spiking power readings against a bounded
// per-device history.
type ValueAnalyzer struct {
	historySize int
	minSamples  int
	spikeRatio  float64
	state       *DetectorState
}

func newValueAnalyzer(cfg config.PowerConfig, state *DetectorState) *ValueAnalyzer {
	return &ValueAnalyzer{
		historySize: cfg.HistorySize,
		minSamples:  cfg.MinSamples,
		spikeRatio:  cfg.SpikeRatio,
		state:       state,
	}
}

func (v *ValueAnalyzer) check(x *evaluation) bool {
	ev := x.ev
	if ev.Kind != model.KindPowerReading {
		return false
	}
	deviceID := ev.DeviceID()
	if deviceID == "" {
		return false
	}
	value, ok := payloadNumber(ev.Payload, model.PayloadValue)
	if !ok {
		return false
	}
	if value <= 0 {
		x.emitDevice(model.SeverityAlert, "value", deviceID,
			fmt.Sprintf("Negative or zero power value %g reported by device %s", value, deviceID),
			map[string]string{"value": formatFloat(value)})
		return true
	}

	flag := false
	history := getOrCreate(v.state.power, deviceID, func() *PowerHistory { return NewPowerHistory(v.historySize) })
	if history.Len() >= v.minSamples {
		mean := history.Mean()
		if value > v.spikeRatio*mean {
			x.emitDevice(model.SeverityAlert, "value", deviceID,
				fmt.Sprintf("Power spike detected: value %gW > %.0f%% of average %.2fW for device %s", value, v.spikeRatio*100, mean, deviceID),
				map[string]string{"value": formatFloat(value), "mean": formatFloat(mean)})
			flag = true
		}
	}
	history.Add(value)
	return flag
}

// payloadNumber accepts JSON numbers, Go numeric types and numeric strings.
// NaN and infinities are treated as malformed.
func payloadNumber(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	var f float64
	switch v := payload[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
