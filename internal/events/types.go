// Package events defines event types and payloads for the RubyCave event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle events
	EventPlayerJoined      EventType = "player_joined"
	EventPlayerLeft        EventType = "player_left"
	EventPlayerKicked      EventType = "player_kicked"
	EventHandshakeRejected EventType = "handshake_rejected"
	EventCorruptFrame      EventType = "corrupt_frame"

	// Gameplay events
	EventKeepAlive EventType = "keep_alive"
	EventTeleport  EventType = "teleport"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventHeartbeat     EventType = "heartbeat"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// LeaveReason describes why a player session ended.
type LeaveReason int

const (
	LeaveUnknown LeaveReason = iota
	LeaveDisconnected
	LeaveKicked
	LeaveTimedOut
	LeaveReplaced
	LeaveTransportError
	LeaveShutdown
)

// leaveReasonStrings maps LeaveReason values to their lowercase JSON string representation.
var leaveReasonStrings = map[LeaveReason]string{
	LeaveUnknown:        "unknown",
	LeaveDisconnected:   "disconnected",
	LeaveKicked:         "kicked",
	LeaveTimedOut:       "timed_out",
	LeaveReplaced:       "replaced",
	LeaveTransportError: "transport_error",
	LeaveShutdown:       "shutdown",
}

// String returns the string representation of LeaveReason.
func (r LeaveReason) String() string {
	if str, ok := leaveReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes LeaveReason as a JSON string (e.g. "kicked").
func (r LeaveReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PlayerJoinedPayload is emitted once a connection passed the handshake.
type PlayerJoinedPayload struct {
	SessionID string
	Username  string
	Remote    string
	JoinedAt  time.Time
}

// PlayerLeftPayload is emitted when an accepted connection goes away.
type PlayerLeftPayload struct {
	SessionID string
	Username  string
	Remote    string
	JoinedAt  time.Time
	LeftAt    time.Time
	Reason    LeaveReason
	Detail    string
}

// PlayerKickedPayload is emitted when the server kicks an accepted player.
type PlayerKickedPayload struct {
	SessionID string
	Username  string
	Reason    string
}

// HandshakeRejectedPayload is emitted when a connection fails the handshake.
type HandshakeRejectedPayload struct {
	Remote string
	Reason string
}

// CorruptFramePayload is emitted when a peer sends an undecodable frame.
type CorruptFramePayload struct {
	Remote string
	Error  string
}

// KeepAlivePayload is emitted for every keep-alive a player sends.
type KeepAlivePayload struct {
	Username string
	Latency  time.Duration
}

// TeleportPayload is emitted when a player is moved by the server.
type TeleportPayload struct {
	Username   string
	X, Y, Z    float32
	Yaw, Pitch float32
}

// NotifyMQTTPayload asks the telemetry handler to publish data on a topic.
type NotifyMQTTPayload struct {
	Topic string
	Data  interface{}
}

// HeartbeatPayload is emitted periodically by the health manager.
type HeartbeatPayload struct {
	Players    int
	Uptime     time.Duration
	CPUPercent float64
	MemPercent float64
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
