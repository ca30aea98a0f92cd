package domain

import (
	"encoding/json"
	"time"
)

// Queue names on the bridge exchange.
const (
	CommandQueue  = "bridge.commands"
	OutboundQueue = "bridge.outbound"
	InboundQueue  = "bridge.inbound.events"
)

type SessionStatus string

const (
	StatusConnecting       SessionStatus = "connecting"
	StatusQRReady          SessionStatus = "qr_ready"
	StatusPairingCodeReady SessionStatus = "pairing_code_ready"
	StatusConnected        SessionStatus = "connected"
	StatusDisconnected     SessionStatus = "disconnected"
)

type CommandType string

const (
	CommandStartSession CommandType = "START_SESSION"
	CommandStopSession  CommandType = "STOP_SESSION"
)

// Command is the control-plane message consumed from CommandQueue.
type Command struct {
	Type     CommandType `json:"type"`
	TenantID string      `json:"tenant_id"`
	ForceNew bool        `json:"force_new,omitempty"`
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
)

// OutboundJob is the data-plane message consumed from OutboundQueue.
type OutboundJob struct {
	TenantID   string      `json:"tenant_id"`
	Recipient  string      `json:"recipient"`
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	Caption    string      `json:"caption,omitempty"`
	MediaURL   string      `json:"media_url,omitempty"`
	MimeType   string      `json:"mime_type,omitempty"`
	FileName   string      `json:"file_name,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at,omitempty"`
}

const (
	InboundEventMessage          = "message"
	InboundEventConnectionUpdate = "connection.update"
)

// InboundEvent is published to InboundQueue for the orchestrator to consume.
// Data holds the event-specific payload (InboundMessageData or
// ConnectionUpdateData) already marshalled.
type InboundEvent struct {
	TenantID string          `json:"tenant_id"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

type InboundMessageData struct {
	MessageID  string    `json:"message_id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	Text       string    `json:"text,omitempty"`
	MediaKey   string    `json:"media_key,omitempty"`
	ThumbKey   string    `json:"thumb_key,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type ConnectionUpdateData struct {
	Status SessionStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// SessionSnapshot is the ops-API view of a tenant's session, assembled from
// the shared store.
type SessionSnapshot struct {
	TenantID    string        `json:"tenant_id"`
	Status      SessionStatus `json:"status"`
	QRCode      string        `json:"qr_code,omitempty"`
	PairingCode string        `json:"pairing_code,omitempty"`
}

// DeadLetter is an exhausted job archived for operator inspection.
type DeadLetter struct {
	ID        int64     `json:"id"`
	Queue     string    `json:"queue"`
	TenantID  string    `json:"tenant_id"`
	Recipient string    `json:"recipient,omitempty"`
	Attempts  int       `json:"attempts"`
	Payload   []byte    `json:"payload"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
