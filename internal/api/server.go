package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"iotguard/internal/alerts"
	"iotguard/internal/config"
	"iotguard/internal/engine"
	"iotguard/internal/ingest"
	"iotguard/internal/metrics"
	"iotguard/internal/model"
	"iotguard/internal/normalize"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config)
	Process(ev model.Event) model.Verdict
	Stats() (engine.StateStats, time.Time)
}

type Server struct {
	cfg     *config.Manager
	metrics *metrics.Store
	alerts  *alerts.Store
	engine  EngineControl
	logger  *slog.Logger
	version string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Started    string          `json:"started,omitempty"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Detection  detectionStatus `json:"detection"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	Timezone       string   `json:"timezone"`
	BusinessHours  string   `json:"business_hours"`
	CriticalEvents []string `json:"critical_events"`
	StateCapacity  int      `json:"state_capacity"`
}

// rateRuleJSON carries the window as a duration string ("30s", "1h").
type rateRuleJSON struct {
	Max    int    `json:"max"`
	Window string `json:"window"`
}

func NewServer(cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, eng EngineControl, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		metrics: metricsStore,
		alerts:  alertsStore,
		engine:  eng,
		logger:  logger,
		version: version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	mux.HandleFunc("/config/rate_limits", s.handleRateLimits)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.HandleFunc("/admin/reset", s.handleReset)
	if s.metrics != nil {
		mc := s.cfg.Get().Metrics
		if mc.Enabled {
			mux.Handle(mc.Path, s.metrics.Handler())
		}
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, metricsStore *metrics.Store, alertsStore *alerts.Store, eng EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, metricsStore, alertsStore, eng, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Detection: detectionStatus{
			Timezone:       cfg.Detection.Timezone,
			BusinessHours:  fmt.Sprintf("%02d:00-%02d:00", cfg.Detection.BusinessHours.Start, cfg.Detection.BusinessHours.End),
			CriticalEvents: cfg.Detection.CriticalEvents,
			StateCapacity:  cfg.Detection.StateCapacity,
		},
	}
	if s.engine != nil {
		_, started := s.engine.Stats()
		resp.Started = started.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{}
	if s.metrics != nil {
		resp["metrics"] = s.metrics.Snapshot()
	}
	if s.engine != nil {
		stats, started := s.engine.Stats()
		resp["state"] = stats
		resp["uptime"] = time.Since(started).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.Alert{}, "count": 0})
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	minSeverity := model.Severity(strings.ToUpper(strings.TrimSpace(q.Get("severity"))))
	var list []model.Alert
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, a := range s.alerts.Since(ts) {
			if a.Severity.Rank() >= minSeverity.Rank() {
				list = append(list, a)
			}
		}
		if limit > 0 && limit < len(list) {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.alerts.List(limit, minSeverity)
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	fields, err := ingest.ParseJSONBytes(bytes.TrimSpace(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	ev, err := normalize.Normalize(*fields, s.cfg.Get())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	verdict := s.engine.Process(ev)
	writeJSON(w, http.StatusOK, map[string]any{
		"flags":   verdict.Flags,
		"flagged": verdict.Flags.Names(),
		"alerts":  verdict.Alerts,
	})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"rate_limits": encodeRateLimits(s.cfg.Get().Detection.RateLimits),
		})
		return
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var in map[string]map[string]rateRuleJSON
		if err := json.Unmarshal(body, &in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limits, err := decodeRateLimits(in)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		current := s.cfg.Get()
		next := *current
		// posted kinds replace their role table, other kinds are kept
		merged := make(map[string]map[string]config.RateRule, len(current.Detection.RateLimits)+len(limits))
		for key, roles := range current.Detection.RateLimits {
			merged[key] = roles
		}
		for key, roles := range limits {
			merged[key] = roles
		}
		next.Detection.RateLimits = merged
		if err := s.cfg.Update(&next); err != nil {
			if s.logger != nil {
				s.logger.Warn("rate limit update rejected", "err", err)
			}
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if s.engine != nil {
			s.engine.UpdateConfig(&next)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func encodeRateLimits(limits map[string]map[string]config.RateRule) map[string]map[string]rateRuleJSON {
	out := make(map[string]map[string]rateRuleJSON, len(limits))
	for key, roles := range limits {
		m := make(map[string]rateRuleJSON, len(roles))
		for role, rule := range roles {
			m[role] = rateRuleJSON{Max: rule.Max, Window: rule.Window.String()}
		}
		out[key] = m
	}
	return out
}

func decodeRateLimits(in map[string]map[string]rateRuleJSON) (map[string]map[string]config.RateRule, error) {
	out := make(map[string]map[string]config.RateRule, len(in))
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name := strings.ToLower(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		m := make(map[string]config.RateRule, len(in[key]))
		for role, rule := range in[key] {
			window, err := time.ParseDuration(rule.Window)
			if err != nil {
				return nil, fmt.Errorf("rate_limits.%s.%s window: %w", name, role, err)
			}
			m[string(model.ParseRole(role))] = config.RateRule{Max: rule.Max, Window: window}
		}
		out[name] = m
	}
	return out, nil
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.metrics != nil {
			s.metrics.Clear()
		}
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "alerts":
		if s.alerts != nil {
			s.alerts.Clear()
		}
	case "metrics":
		if s.metrics != nil {
			s.metrics.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.engine != nil {
		s.engine.Reset()
	}
	if s.metrics != nil {
		s.metrics.Clear()
	}
	if s.alerts != nil {
		s.alerts.Clear()
	}
	if s.logger != nil {
		s.logger.Info("detector state reset")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
