package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iotguard/internal/model"
)

// Store keeps detector counters both as Prometheus collectors and as an
// in-memory snapshot for the status API.
type Store struct {
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	flags     *prometheus.CounterVec
	alerts    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	tracked   *prometheus.GaugeVec
	latency   prometheus.Histogram

	mu       sync.RWMutex
	snapshot Snapshot
}

type Snapshot struct {
	Events      int64                `json:"events"`
	Flagged     int64                `json:"flagged"`
	Flags       map[string]int64     `json:"flags"`
	Alerts      map[string]int64     `json:"alerts"`
	LastFlagged map[string]time.Time `json:"last_flagged"`
	Tracked     map[string]int       `json:"tracked"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

var knownKinds = map[string]struct{}{
	model.KindRegister:           {},
	model.KindLoginAttempt:       {},
	model.KindPowerReading:       {},
	model.KindToggleDevice:       {},
	model.KindPasswordChange:     {},
	model.KindDeviceRegistration: {},
	model.KindUpdateFirmware:     {},
	model.KindDisableAlarm:       {},
	model.KindDisableDevice:      {},
	model.KindReboot:             {},
	model.KindDeviceHeartbeat:    {},
	model.KindSensorReport:       {},
	model.KindPowerReport:        {},
	model.KindDataSync:           {},
}

func NewStore() *Store {
	reg := prometheus.NewRegistry()
	s := &Store{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotguard_events_total",
			Help: "Events evaluated by the anomaly engine.",
		}, []string{"kind"}),
		flags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotguard_flags_total",
			Help: "Events flagged, per detector.",
		}, []string{"detector"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotguard_alerts_total",
			Help: "Alert records emitted, per detector and severity.",
		}, []string{"detector", "severity"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iotguard_state_evictions_total",
			Help: "Per-key detector state evicted by the capacity bound.",
		}, []string{"namespace"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotguard_tracked_keys",
			Help: "Keys currently tracked, per state namespace.",
		}, []string{"namespace"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "iotguard_evaluation_seconds",
			Help:    "Time spent evaluating one event.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),
	}
	reg.MustRegister(
		s.events, s.flags, s.alerts, s.evictions, s.tracked, s.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.snapshot = emptySnapshot()
	return s
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Flags:       make(map[string]int64),
		Alerts:      make(map[string]int64),
		LastFlagged: make(map[string]time.Time),
		Tracked:     make(map[string]int),
	}
}

func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Store) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *Store) ObserveVerdict(v model.Verdict, took time.Duration) {
	kind := v.Event.Kind
	if _, ok := knownKinds[kind]; !ok {
		kind = "other"
	}
	s.events.WithLabelValues(kind).Inc()
	s.latency.Observe(took.Seconds())
	for _, name := range v.Flags.Names() {
		s.flags.WithLabelValues(name).Inc()
	}
	for _, a := range v.Alerts {
		s.alerts.WithLabelValues(a.Detector, string(a.Severity)).Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Events++
	if v.Flags.Any() {
		s.snapshot.Flagged++
	}
	for _, name := range v.Flags.Names() {
		s.snapshot.Flags[name]++
		s.snapshot.LastFlagged[name] = v.Event.Timestamp
	}
	for _, a := range v.Alerts {
		s.snapshot.Alerts[string(a.Severity)]++
	}
	s.snapshot.UpdatedAt = time.Now().UTC()
}

func (s *Store) ObserveEviction(namespace string) {
	s.evictions.WithLabelValues(namespace).Inc()
}

func (s *Store) SetTrackedKeys(counts map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ns, n := range counts {
		s.tracked.WithLabelValues(ns).Set(float64(n))
		s.snapshot.Tracked[ns] = n
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := emptySnapshot()
	out.Events = s.snapshot.Events
	out.Flagged = s.snapshot.Flagged
	out.UpdatedAt = s.snapshot.UpdatedAt
	for k, v := range s.snapshot.Flags {
		out.Flags[k] = v
	}
	for k, v := range s.snapshot.Alerts {
		out.Alerts[k] = v
	}
	for k, v := range s.snapshot.LastFlagged {
		out.LastFlagged[k] = v
	}
	for k, v := range s.snapshot.Tracked {
		out.Tracked[k] = v
	}
	return out
}

// Clear resets the snapshot. Prometheus counters are monotonic and kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = emptySnapshot()
}
