package ws

import "encoding/json"

// Frame is the single inbound message shape. Type selects the operation;
// unused fields stay empty. ID, when set by the client, is echoed on the
// matching ack or error so requests can be correlated.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Inbound frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameHeartbeat   = "heartbeat"
	FramePing        = "ping"
)

// Welcome is the first frame on every admitted socket. SubscribedSubjects
// lists the interests restored from the registry plus the role defaults, so
// a reconnecting client knows what it already receives.
type Welcome struct {
	Type               string   `json:"type"`
	PrincipalID        string   `json:"principal_id"`
	TenantID           string   `json:"tenant_id"`
	NodeID             string   `json:"node_id"`
	ServerTime         string   `json:"server_time"`
	HeartbeatInterval  int      `json:"heartbeat_interval_seconds"`
	SubscribedSubjects []string `json:"subscribed_subjects"`
}

// Ack confirms a subscribe, unsubscribe, publish, heartbeat or ping.
type Ack struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	ServerTime string `json:"server_time,omitempty"`
}

// ErrorFrame reports a rejected frame. The socket stays open; only
// protocol-level violations close it.
type ErrorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	ResetIn int    `json:"reset_in_s,omitempty"`
}

// Error codes carried on ErrorFrame.
const (
	ErrCodeForbiddenSubject = "forbidden_subject"
	ErrCodeQuotaExceeded    = "quota_exceeded"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeBadFrame         = "bad_frame"
	ErrCodeUnknownType      = "unknown_type"
	ErrCodeInternal         = "internal"
)

// AgentEnvelope wraps agent publishes on agents.* subjects so consumers can
// attribute the payload without trusting client-supplied identity fields.
type AgentEnvelope struct {
	PrincipalID string          `json:"principal_id"`
	Timestamp   string          `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}
