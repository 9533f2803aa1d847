package engine

import (
	"fmt"
	"strconv"
	"time"

	"iotguard/internal/config"
	"iotguard/internal/model"
)

// averagePhase is either warmingUp or steadyAverage. The tracker only
// compares intervals against the average once it is steady.
type averagePhase interface {
	add(interval time.Duration) averagePhase
}

type warmingUp struct {
	size      int
	intervals []time.Duration
	sum       time.Duration
}

func (w *warmingUp) add(interval time.Duration) averagePhase {
	w.intervals = append(w.intervals, interval)
	w.sum += interval
	if len(w.intervals) < w.size {
		return w
	}
	return &steadyAverage{
		average: w.sum / time.Duration(w.size),
		ring:    w.intervals,
	}
}

// steadyAverage is a fixed-size moving average over the last len(ring)
// intervals. next indexes the oldest slot.
type steadyAverage struct {
	average time.Duration
	ring    []time.Duration
	next    int
}

func (s *steadyAverage) add(interval time.Duration) averagePhase {
	dropped := s.ring[s.next]
	s.ring[s.next] = interval
	s.next = (s.next + 1) % len(s.ring)
	s.average += (interval - dropped) / time.Duration(len(s.ring))
	return s
}

// DeviceActivity tracks the reporting interval of one device/event key.
type DeviceActivity struct {
	size      int
	phase     averagePhase
	samples   int
	previous  time.Time
	streak    int
	nextCheck time.Time
}

func NewDeviceActivity(size int) *DeviceActivity {
	a := &DeviceActivity{size: size}
	a.Reset()
	return a
}

func (a *DeviceActivity) Reset() {
	a.phase = &warmingUp{size: a.size, intervals: make([]time.Duration, 0, a.size)}
	a.samples = 0
	a.previous = time.Time{}
	a.streak = 0
	a.nextCheck = time.Time{}
}

// Average returns the moving average once enough samples were seen.
func (a *DeviceActivity) Average() (time.Duration, bool) {
	s, ok := a.phase.(*steadyAverage)
	if !ok {
		return 0, false
	}
	return s.average, true
}

func (a *DeviceActivity) Steady() bool {
	_, ok := a.Average()
	return ok && !a.previous.IsZero()
}

func (a *DeviceActivity) Samples() int {
	return a.samples
}

func (a *DeviceActivity) Streak() int {
	return a.streak
}

func (a *DeviceActivity) Previous() time.Time {
	return a.previous
}

func (a *DeviceActivity) Interval(ts time.Time) time.Duration {
	return ts.Sub(a.previous)
}

// IsHigh reports an interval longer than avg*mul.
func (a *DeviceActivity) IsHigh(ts time.Time, mul float64) bool {
	avg, ok := a.Average()
	if !ok || a.previous.IsZero() {
		return false
	}
	return float64(a.Interval(ts)) > float64(avg)*mul
}

// IsLow reports an interval shorter than avg*mul.
func (a *DeviceActivity) IsLow(ts time.Time, mul float64) bool {
	avg, ok := a.Average()
	if !ok || a.previous.IsZero() {
		return false
	}
	return float64(a.Interval(ts)) < float64(avg)*mul
}

// UpdateAverage feeds the interval ending at ts into the average. The first
// timestamp after a reset only sets the anchor.
func (a *DeviceActivity) UpdateAverage(ts time.Time) {
	if a.previous.IsZero() {
		return
	}
	a.samples++
	a.phase = a.phase.add(a.Interval(ts))
}

func (a *DeviceActivity) MarkAnomaly() {
	a.streak++
}

func (a *DeviceActivity) Recover() {
	a.streak = 0
}

func (a *DeviceActivity) SetPrevious(ts time.Time) {
	a.previous = ts
}

// IntervalTracker monitors reporting rates of devices and sensors.
type IntervalTracker struct {
	size      int
	highMul   float64
	lowMul    float64
	limit     int
	period    time.Duration
	reporting map[string]struct{}
	state     *DetectorState
}

func newIntervalTracker(cfg config.DetectionConfig, state *DetectorState) *IntervalTracker {
	reporting := make(map[string]struct{}, len(cfg.ReportingEvents))
	for _, k := range cfg.ReportingEvents {
		reporting[k] = struct{}{}
	}
	return &IntervalTracker{
		size:      cfg.Activity.AverageSize,
		highMul:   cfg.Activity.HighMultiplier,
		lowMul:    cfg.Activity.LowMultiplier,
		limit:     cfg.Activity.AnomalyLimit,
		period:    cfg.Activity.SweepPeriod,
		reporting: reporting,
		state:     state,
	}
}

func (t *IntervalTracker) check(x *evaluation) bool {
	flag := t.sweep(x)

	ev := x.ev
	if _, ok := t.reporting[ev.Kind]; !ok {
		return flag
	}
	deviceID := ev.DeviceID()
	if deviceID == "" {
		return flag
	}
	key := ev.Kind + "_" + deviceID
	activity := getOrCreate(t.state.activity, key, func() *DeviceActivity { return NewDeviceActivity(t.size) })

	switch ev.Status() {
	case model.StatusUpdate, model.StatusReset:
		activity.Reset()
	}
	if !activity.previous.IsZero() && ev.Timestamp.Before(activity.previous) {
		x.outOfOrder("activity", key)
		return flag
	}

	switch {
	case activity.IsLow(ev.Timestamp, t.lowMul):
		activity.MarkAnomaly()
		if activity.streak > t.limit {
			x.emitDevice(model.SeverityAlert, "activity", deviceID,
				fmt.Sprintf("Sudden increase of reporting rate for %s: %s to %s", key, t.average(activity), activity.Interval(ev.Timestamp)),
				t.activityContext(activity, ev.Timestamp))
			flag = true
		}
	case activity.IsHigh(ev.Timestamp, t.highMul):
		activity.MarkAnomaly()
		if activity.streak > t.limit {
			x.emitDevice(model.SeverityAlert, "activity", deviceID,
				fmt.Sprintf("Decrease of reporting rate for %s: %s to %s", key, t.average(activity), activity.Interval(ev.Timestamp)),
				t.activityContext(activity, ev.Timestamp))
			flag = true
		}
	default:
		if activity.streak > 0 {
			activity.Recover()
		}
		activity.UpdateAverage(ev.Timestamp)
	}
	activity.SetPrevious(ev.Timestamp)
	return flag
}

// sweep looks for keys that went silent. It runs at most once per period of
// event time and suppresses repeats for one average interval.
func (t *IntervalTracker) sweep(x *evaluation) bool {
	now := x.ev.Timestamp
	if now.Sub(t.state.lastSweep) <= t.period {
		return false
	}
	flag := false
	for _, key := range t.state.activity.Keys() {
		activity, ok := t.state.activity.Peek(key)
		if !ok {
			continue
		}
		if now.Before(activity.nextCheck) {
			continue
		}
		if !activity.IsHigh(now, t.highMul) {
			continue
		}
		avg, _ := activity.Average()
		x.emitInactive(
			fmt.Sprintf("Inactivity detected for %s: typically reports every %s, inactive for %s", key, avg, activity.Interval(now)),
			map[string]string{"key": key, "average": avg.String(), "interval": activity.Interval(now).String()})
		activity.nextCheck = now.Add(avg)
		flag = true
	}
	t.state.lastSweep = now
	return flag
}

func (t *IntervalTracker) average(a *DeviceActivity) time.Duration {
	avg, _ := a.Average()
	return avg
}

func (t *IntervalTracker) activityContext(a *DeviceActivity, ts time.Time) map[string]string {
	return map[string]string{
		"average":  t.average(a).String(),
		"interval": a.Interval(ts).String(),
		"streak":   strconv.Itoa(a.streak),
	}
}
