// Package chatnet wraps the external chat network's gateway protocol behind
// a small client interface. The bridge never touches the wire format
// outside this package, and tests substitute a mock client.
package chatnet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected   = errors.New("chatnet: not connected")
	ErrPairingTimeout = errors.New("chatnet: pairing code request timed out")
)

type EventKind string

const (
	EventQRCode       EventKind = "qr_code"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessages     EventKind = "messages"
)

// Event is delivered on the client's event channel. Exactly one of the
// kind-specific fields is populated.
type Event struct {
	Kind EventKind

	// EventQRCode
	QRCode string

	// EventDisconnected
	Reason    string
	LoggedOut bool

	// EventMessages
	Messages []Message
}

// Message is one inbound message as surfaced by the network.
type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	FromSelf  bool
	Text      string
	MediaURL  string
	MimeType  string
	FileName  string
	Timestamp time.Time
}

// OutboundMedia describes a non-text payload to transmit.
type OutboundMedia struct {
	URL      string
	MimeType string
	FileName string
	Caption  string
	Kind     string
}

type PresenceState string

const (
	PresenceAvailable   PresenceState = "available"
	PresenceComposing   PresenceState = "composing"
	PresencePaused      PresenceState = "paused"
	PresenceUnavailable PresenceState = "unavailable"
)

// CredentialStore is how the client persists credential material handed out
// by the network, keyed by sub-key. The session layer binds it to a tenant.
type CredentialStore interface {
	Load(ctx context.Context, subKey string) ([]byte, bool, error)
	Save(ctx context.Context, subKey string, blob []byte) error
}

// Client is one live connection handle. It is owned by exactly one worker
// process and never shared across processes.
type Client interface {
	// Connect opens the connection and starts the event feed. Linking
	// progress (QR, pairing) and the final connected/disconnected states
	// arrive as events.
	Connect(ctx context.Context) error
	Events() <-chan Event
	Connected() bool

	SendText(ctx context.Context, recipient, text string) error
	SendMedia(ctx context.Context, recipient string, media OutboundMedia) error
	SendPresence(ctx context.Context, recipient string, state PresenceState) error
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error

	// RequestPairingCode asks the network for a phone-linking code.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Logout invalidates the device registration server-side.
	Logout(ctx context.Context) error

	// Close tears the connection down without logging out.
	Close() error
}

// Config parameterizes a gateway connection for one tenant.
type Config struct {
	GatewayURL  string
	TenantID    string
	Credentials CredentialStore
}

// Dialer constructs an unconnected client. The session manager takes one so
// tests can inject mocks.
type Dialer func(cfg Config) Client
