package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"iotguard/internal/config"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
	"iotguard/internal/storage"
)

// Sink receives every alert record the detectors produce.
type Sink interface {
	Emit(alert model.Alert)
}

type SinkFunc func(alert model.Alert)

func (f SinkFunc) Emit(alert model.Alert) { f(alert) }

// Engine evaluates events one at a time against the five detectors. All
// detector state lives in a single DetectorState guarded by mu.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Store
	sink    Sink
	store   storage.Store
	cfg     atomic.Value

	mu       sync.Mutex
	state    *DetectorState
	rate     *RateLimiter
	value    *ValueAnalyzer
	role     *RoleFilter
	source   *SourceTracker
	activity *IntervalTracker
	started  time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, sink Sink, store storage.Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		logger:  logger,
		metrics: metricsStore,
		sink:    sink,
		store:   store,
		started: time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.state = newDetectorState(cfg.Detection.StateCapacity, e.evicted)
	e.buildDetectors(cfg)
	return e
}

func (e *Engine) buildDetectors(cfg *config.Config) {
	d := cfg.Detection
	e.rate = newRateLimiter(d, e.state)
	e.value = newValueAnalyzer(d.Power, e.state)
	e.role = newRoleFilter(d)
	e.source = newSourceTracker(d, e.state)
	e.activity = newIntervalTracker(d, e.state)
}

// UpdateConfig swaps thresholds and policy while keeping accumulated state.
// A changed activity.average_size only applies to keys created afterwards.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Store(cfg)
	e.state.resize(cfg.Detection.StateCapacity)
	e.buildDetectors(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Reset drops all detector state.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = newDetectorState(e.config().Detection.StateCapacity, e.evicted)
	e.buildDetectors(e.config())
	e.started = time.Now().UTC()
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	go func() {
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				e.Process(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Evaluate returns the verdict flags for ev.
func (e *Engine) Evaluate(ev model.Event) model.FlagVector {
	return e.Process(ev).Flags
}

// Process runs rate, value, role, source and activity checks in that order
// and delivers the resulting alerts to the sink.
func (e *Engine) Process(ev model.Event) model.Verdict {
	start := time.Now()
	e.mu.Lock()
	x := &evaluation{ev: ev, known: e.state.sources, logger: e.logger}
	var flags model.FlagVector
	flags[model.FlagRate] = e.rate.check(x)
	flags[model.FlagValue] = e.value.check(x)
	flags[model.FlagRole] = e.role.check(x)
	flags[model.FlagUnexpected] = e.source.check(x)
	flags[model.FlagActivity] = e.activity.check(x)
	stats := e.state.stats()
	e.mu.Unlock()

	verdict := model.Verdict{Event: ev, Flags: flags, Alerts: x.alerts}
	e.deliver(verdict)
	if e.metrics != nil {
		e.metrics.ObserveVerdict(verdict, time.Since(start))
		e.metrics.SetTrackedKeys(map[string]int{
			"users":       stats.Users,
			"sources":     stats.Sources,
			"new_sources": stats.NewSources,
			"rate":        stats.RateKeys,
			"power":       stats.Devices,
			"activity":    stats.Activity,
		})
	}
	return verdict
}

func (e *Engine) deliver(v model.Verdict) {
	if e.sink != nil {
		for _, alert := range v.Alerts {
			e.sink.Emit(alert)
		}
	}
	if e.store != nil && v.Flags.Any() {
		if err := e.store.SaveVerdict(context.Background(), v); err != nil && e.logger != nil {
			e.logger.Warn("save verdict failed", "err", err)
		}
	}
}

// Stats reports tracked key counts and engine uptime.
func (e *Engine) Stats() (StateStats, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.stats(), e.started
}

func (e *Engine) evicted(namespace string) {
	if e.logger != nil {
		e.logger.Debug("detector state evicted", "namespace", namespace)
	}
	if e.metrics != nil {
		e.metrics.ObserveEviction(namespace)
	}
}

// evaluation carries one event through the detectors and collects the
// alerts they raise.
type evaluation struct {
	ev     model.Event
	alerts []model.Alert
	known  *KnownSources
	logger *slog.Logger

	sourceChecked bool
	sourceNew     bool
}

// newSource records the event source for the actor on first use and returns
// the same answer to every later caller in this evaluation.
func (x *evaluation) newSource() bool {
	if !x.sourceChecked {
		x.sourceNew = x.known.RecordIfNew(x.ev.ActorID, x.ev.SourceID)
		x.sourceChecked = true
	}
	return x.sourceNew
}

func (x *evaluation) emit(sev model.Severity, detector, msg string, ctx map[string]string) {
	x.emitDevice(sev, detector, x.ev.DeviceID(), msg, ctx)
}

func (x *evaluation) emitDevice(sev model.Severity, detector, deviceID, msg string, ctx map[string]string) {
	x.alerts = append(x.alerts, model.Alert{
		ID:        uuid.NewString(),
		Timestamp: x.ev.Timestamp,
		Severity:  sev,
		Detector:  detector,
		Kind:      x.ev.Kind,
		ActorID:   x.ev.ActorID,
		SourceID:  x.ev.SourceID,
		DeviceID:  deviceID,
		Message:   msg,
		Context:   ctx,
	})
}

// emitInactive reports a silent key found by the sweep. The record is not
// attributed to the actor of the event that triggered the sweep.
func (x *evaluation) emitInactive(msg string, ctx map[string]string) {
	x.alerts = append(x.alerts, model.Alert{
		ID:        uuid.NewString(),
		Timestamp: x.ev.Timestamp,
		Severity:  model.SeverityAlert,
		Detector:  "activity",
		Kind:      "inactivity",
		Message:   msg,
		Context:   ctx,
	})
}

func (x *evaluation) outOfOrder(detector, key string) {
	if x.logger != nil {
		x.logger.Debug("out-of-order timestamp ignored",
			"detector", detector,
			"key", key,
			"actor_id", x.ev.ActorID,
			"timestamp", x.ev.Timestamp,
		)
	}
}
