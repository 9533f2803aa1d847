package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	// Timezone applies to timestamps without an explicit offset.
	Timezone string `json:"timezone" yaml:"timezone"`
}

type DetectionConfig struct {
	// Timezone is used for the business-hours check. "Local" follows the host.
	Timezone          string                         `json:"timezone" yaml:"timezone"`
	BusinessHours     BusinessHoursConfig            `json:"business_hours" yaml:"business_hours"`
	RateLimits        map[string]map[string]RateRule `json:"rate_limits" yaml:"rate_limits"`
	PrivilegedActions map[string][]string            `json:"privileged_actions" yaml:"privileged_actions"`
	CriticalEvents    []string                       `json:"critical_events" yaml:"critical_events"`
	ReportingEvents   []string                       `json:"reporting_events" yaml:"reporting_events"`
	Power             PowerConfig                    `json:"power" yaml:"power"`
	Sources           SourcesConfig                  `json:"sources" yaml:"sources"`
	Activity          ActivityConfig                 `json:"activity" yaml:"activity"`
	StateCapacity     int                            `json:"state_capacity" yaml:"state_capacity"`
}

type BusinessHoursConfig struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

type RateRule struct {
	Max    int           `json:"max" yaml:"max"`
	Window time.Duration `json:"window" yaml:"window"`
}

type PowerConfig struct {
	HistorySize int     `json:"history_size" yaml:"history_size"`
	MinSamples  int     `json:"min_samples" yaml:"min_samples"`
	SpikeRatio  float64 `json:"spike_ratio" yaml:"spike_ratio"`
}

type SourcesConfig struct {
	BurstReset     time.Duration `json:"burst_reset" yaml:"burst_reset"`
	BurstThreshold int           `json:"burst_threshold" yaml:"burst_threshold"`
	CriticalWindow time.Duration `json:"critical_window" yaml:"critical_window"`
}

type ActivityConfig struct {
	AverageSize    int           `json:"average_size" yaml:"average_size"`
	HighMultiplier float64       `json:"high_multiplier" yaml:"high_multiplier"`
	LowMultiplier  float64       `json:"low_multiplier" yaml:"low_multiplier"`
	AnomalyLimit   int           `json:"anomaly_limit" yaml:"anomaly_limit"`
	SweepPeriod    time.Duration `json:"sweep_period" yaml:"sweep_period"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	// MinSeverity is the lowest alert severity written to the database.
	MinSeverity string `json:"min_severity" yaml:"min_severity"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultRateLimits() map[string]map[string]RateRule {
	return map[string]map[string]RateRule{
		"login_attempt_failure": {
			"USER":    {Max: 5, Window: 60 * time.Second},
			"ADMIN":   {Max: 10, Window: 60 * time.Second},
			"MANAGER": {Max: 7, Window: 60 * time.Second},
		},
		"toggle_device": {
			"USER":    {Max: 10, Window: 30 * time.Second},
			"ADMIN":   {Max: 20, Window: 30 * time.Second},
			"MANAGER": {Max: 15, Window: 30 * time.Second},
		},
		"password_change": {
			"USER":    {Max: 2, Window: 30 * time.Minute},
			"ADMIN":   {Max: 3, Window: 30 * time.Minute},
			"MANAGER": {Max: 3, Window: 30 * time.Minute},
		},
		"device_registration": {
			"USER":    {Max: 5, Window: time.Hour},
			"ADMIN":   {Max: 10, Window: time.Hour},
			"MANAGER": {Max: 7, Window: time.Hour},
		},
	}
}

func DefaultPrivilegedActions() map[string][]string {
	return map[string][]string{
		"update_firmware": {"MANAGER"},
		"disable_alarm":   {"ADMIN"},
		"disable_device":  {"ADMIN"},
		"reboot":          {"ADMIN"},
	}
}

func DefaultCriticalEvents() []string {
	return []string{"reboot", "update_firmware", "disable_device", "disable_alarm"}
}

func DefaultReportingEvents() []string {
	return []string{"device_heartbeat", "sensor_report", "power_report", "data_sync"}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Detection: DetectionConfig{
			Timezone:          "Local",
			BusinessHours:     BusinessHoursConfig{Start: 8, End: 18},
			RateLimits:        DefaultRateLimits(),
			PrivilegedActions: DefaultPrivilegedActions(),
			CriticalEvents:    DefaultCriticalEvents(),
			ReportingEvents:   DefaultReportingEvents(),
			Power:             PowerConfig{HistorySize: 100, MinSamples: 5, SpikeRatio: 1.5},
			Sources: SourcesConfig{
				BurstReset:     48 * time.Hour,
				BurstThreshold: 3,
				CriticalWindow: 2 * time.Hour,
			},
			Activity: ActivityConfig{
				AverageSize:    5,
				HighMultiplier: 5,
				LowMultiplier:  0.1,
				AnomalyLimit:   5,
				SweepPeriod:    60 * time.Second,
			},
			StateCapacity: 100000,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:iotguard.db?_pragma=busy_timeout(5000)", MinSeverity: "WARNING"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse decodes YAML or JSON on top of DefaultConfig.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	d := &cfg.Detection
	if d.Timezone == "" {
		d.Timezone = "Local"
	}
	if d.BusinessHours.Start == 0 && d.BusinessHours.End == 0 {
		d.BusinessHours = BusinessHoursConfig{Start: 8, End: 18}
	}
	if d.RateLimits == nil {
		d.RateLimits = DefaultRateLimits()
	}
	if d.PrivilegedActions == nil {
		d.PrivilegedActions = DefaultPrivilegedActions()
	}
	if len(d.CriticalEvents) == 0 {
		d.CriticalEvents = DefaultCriticalEvents()
	}
	if len(d.ReportingEvents) == 0 {
		d.ReportingEvents = DefaultReportingEvents()
	}
	if d.Power.HistorySize <= 0 {
		d.Power.HistorySize = 100
	}
	if d.Power.MinSamples <= 0 {
		d.Power.MinSamples = 5
	}
	if d.Power.SpikeRatio <= 0 {
		d.Power.SpikeRatio = 1.5
	}
	if d.Sources.BurstReset <= 0 {
		d.Sources.BurstReset = 48 * time.Hour
	}
	if d.Sources.BurstThreshold <= 0 {
		d.Sources.BurstThreshold = 3
	}
	if d.Sources.CriticalWindow <= 0 {
		d.Sources.CriticalWindow = 2 * time.Hour
	}
	if d.Activity.AverageSize <= 0 {
		d.Activity.AverageSize = 5
	}
	if d.Activity.HighMultiplier <= 0 {
		d.Activity.HighMultiplier = 5
	}
	if d.Activity.LowMultiplier <= 0 {
		d.Activity.LowMultiplier = 0.1
	}
	if d.Activity.AnomalyLimit <= 0 {
		d.Activity.AnomalyLimit = 5
	}
	if d.Activity.SweepPeriod <= 0 {
		d.Activity.SweepPeriod = 60 * time.Second
	}
	if d.StateCapacity <= 0 {
		d.StateCapacity = 100000
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Storage.MinSeverity == "" {
		cfg.Storage.MinSeverity = "WARNING"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	d := cfg.Detection
	if d.BusinessHours.Start < 0 || d.BusinessHours.End > 24 || d.BusinessHours.Start >= d.BusinessHours.End {
		return fmt.Errorf("detection.business_hours invalid: [%d,%d)", d.BusinessHours.Start, d.BusinessHours.End)
	}
	if _, err := time.LoadLocation(d.Timezone); err != nil {
		return fmt.Errorf("detection.timezone: %w", err)
	}
	for key, roles := range d.RateLimits {
		for role, rule := range roles {
			if rule.Max <= 0 || rule.Window <= 0 {
				return fmt.Errorf("detection.rate_limits.%s.%s must have max > 0 and window > 0", key, role)
			}
		}
	}
	if d.Activity.AverageSize < 2 {
		return errors.New("detection.activity.average_size must be >= 2")
	}
	switch strings.ToLower(cfg.Storage.MinSeverity) {
	case "info", "warning", "alert":
	default:
		return fmt.Errorf("storage.min_severity unsupported: %q", cfg.Storage.MinSeverity)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path == "" {
		return nil
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
