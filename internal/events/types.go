// Package events provides the pub/sub bus through which the printer link
// reports connection lifecycle and host notifications to the presentation layer.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of event.
type EventType string

const (
	// EventConnState fires on every connection state machine transition.
	EventConnState EventType = "conn.state"

	// EventHostNotification carries an inbound JSON-RPC notification
	// (notify_klippy_ready, notify_status_update, ...).
	EventHostNotification EventType = "host.notification"

	// EventProtocolError reports a malformed or unmatched inbound frame.
	EventProtocolError EventType = "rpc.protocol_error"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "conn", "queue", ...
	Data      interface{} `json:"data"`   // Type-specific payload
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// StateChangeData is the payload for EventConnState.
type StateChangeData struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Event    string `json:"event"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// NotificationData is the payload for EventHostNotification.
type NotificationData struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ProtocolErrorData is the payload for EventProtocolError.
type ProtocolErrorData struct {
	Reason string `json:"reason"`
	ID     *int64 `json:"id,omitempty"`
	Detail string `json:"detail,omitempty"`
}
