package models

import "time"

type EventType string

const (
	EventCommandRunning      EventType = "command.running"
	EventCommandCompleted    EventType = "command.completed"
	EventCommandFailed       EventType = "command.failed"
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventShadowMode          EventType = "controller.shadow_mode"
	EventScriptRunFinished   EventType = "script.run_finished"
)

// Event is pushed to live displays over the websocket hub.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	CommandID string      `json:"command_id,omitempty"`
	ScriptID  string      `json:"script_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func NewEvent(t EventType) Event {
	return Event{Type: t, Timestamp: time.Now().UnixMilli()}
}
