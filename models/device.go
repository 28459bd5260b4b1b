package models

import "time"

// Device is one entry reported by `adb devices -l`.
type Device struct {
	ADBDeviceID    string `json:"adb_device_id"`
	HardwareSerial string `json:"hardware_serial,omitempty"`
	Name           string `json:"name"`
	Status         string `json:"status"` // online, offline
	Resolution     string `json:"resolution,omitempty"`
	Battery        int    `json:"battery,omitempty"`
	AndroidVersion string `json:"android_version,omitempty"`
}

type SessionStatus string

const (
	SessionConnecting   SessionStatus = "connecting"
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
)

type DeviceSession struct {
	ID               string        `json:"id"`
	TransportAddress string        `json:"transport_address"`
	Status           SessionStatus `json:"status"`
	LastSeenAt       time.Time     `json:"last_seen_at"`
	Model            string        `json:"model,omitempty"`
	AndroidVersion   string        `json:"android_version,omitempty"`
	Resolution       string        `json:"resolution,omitempty"`
	MissedHeartbeats int           `json:"missed_heartbeats"`
}

// AppProfile describes how to drive one target application.
type AppProfile struct {
	AppID             string            `json:"app_id" yaml:"app_id"`
	PackageIdentifier string            `json:"package_identifier" yaml:"package_identifier"`
	EntryActivity     string            `json:"entry_activity" yaml:"entry_activity"`
	Selectors         map[string]string `json:"selectors" yaml:"selectors"`
	AutomationEnabled bool              `json:"automation_enabled" yaml:"automation_enabled"`
}
