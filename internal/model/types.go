package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser    Role = "USER"
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
)

func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

func (r Role) Known() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleManager:
		return true
	}
	return false
}

// Event kinds with detector-specific handling.
const (
	KindRegister           = "register"
	KindLoginAttempt       = "login_attempt"
	KindPowerReading       = "power_reading"
	KindToggleDevice       = "toggle_device"
	KindPasswordChange     = "password_change"
	KindDeviceRegistration = "device_registration"
	KindUpdateFirmware     = "update_firmware"
	KindDisableAlarm       = "disable_alarm"
	KindDisableDevice      = "disable_device"
	KindReboot             = "reboot"
	KindDeviceHeartbeat    = "device_heartbeat"
	KindSensorReport       = "sensor_report"
	KindPowerReport        = "power_report"
	KindDataSync           = "data_sync"
)

// Payload keys.
const (
	PayloadStatus   = "status"
	PayloadDeviceID = "device_id"
	PayloadValue    = "value"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusUpdate  = "update"
	StatusReset   = "reset"
)

type Event struct {
	Kind      string         `json:"kind"`
	Role      Role           `json:"role"`
	ActorID   string         `json:"actor_id"`
	SourceID  string         `json:"source_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Status returns the payload status as a string, or "" when absent or not a string.
func (e Event) Status() string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[PayloadStatus].(string)
	return s
}

func (e Event) DeviceID() string {
	if e.Payload == nil {
		return ""
	}
	switch v := e.Payload[PayloadDeviceID].(type) {
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityAlert   Severity = "ALERT"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityAlert:
		return 3
	}
	return 0
}

type Alert struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Severity  Severity          `json:"severity"`
	Detector  string            `json:"detector"`
	Kind      string            `json:"kind"`
	ActorID   string            `json:"actor_id,omitempty"`
	SourceID  string            `json:"source_id,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

type Verdict struct {
	Event  Event      `json:"event"`
	Flags  FlagVector `json:"flags"`
	Alerts []Alert    `json:"alerts"`
}
