package service

import "mobilecontrol/models"

// WebSocketBroadcaster interface to avoid import cycle
type WebSocketBroadcaster interface {
	BroadcastToDevice(sessionID string, message interface{})
	BroadcastToAll(message interface{})
}

// Notifier publishes lifecycle events to live displays. A nil Notifier, or
// one without a hub, drops events.
type Notifier struct {
	hub WebSocketBroadcaster
}

func NewNotifier(hub WebSocketBroadcaster) *Notifier {
	return &Notifier{hub: hub}
}

// Publish routes session-scoped events to that session's subscribers and
// everything else to all clients.
func (n *Notifier) Publish(ev models.Event) {
	if n == nil || n.hub == nil {
		return
	}
	if ev.SessionID != "" {
		n.hub.BroadcastToDevice(ev.SessionID, ev)
		return
	}
	n.hub.BroadcastToAll(ev)
}
