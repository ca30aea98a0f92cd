package chatnet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	commonlog "chat_bridge/server/common/log"
)

const (
	writeTimeout   = 5 * time.Second
	pairingTimeout = 30 * time.Second

	credentialsSubKey = "creds"
)

// frame is the JSON envelope both directions of the gateway socket speak.
type frame struct {
	Type        string           `json:"type"`
	Recipient   string           `json:"recipient,omitempty"`
	Text        string           `json:"text,omitempty"`
	Media       *OutboundMedia   `json:"media,omitempty"`
	State       string           `json:"state,omitempty"`
	ChatID      string           `json:"chat_id,omitempty"`
	MessageIDs  []string         `json:"message_ids,omitempty"`
	PhoneNumber string           `json:"phone_number,omitempty"`
	Code        string           `json:"code,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	LoggedOut   bool             `json:"logged_out,omitempty"`
	Credentials string           `json:"credentials,omitempty"`
	SubKey      string           `json:"sub_key,omitempty"`
	Messages    []gatewayMessage `json:"messages,omitempty"`
}

type gatewayMessage struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	FromSelf  bool   `json:"from_self,omitempty"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type gatewayClient struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	connected bool
	pairing   chan string

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}
}

// NewGatewayDialer returns a Dialer producing websocket clients against the
// given gateway base URL.
func NewGatewayDialer(gatewayURL string) Dialer {
	return func(cfg Config) Client {
		cfg.GatewayURL = gatewayURL
		return &gatewayClient{
			cfg:    cfg,
			events: make(chan Event, 32),
			closed: make(chan struct{}),
		}
	}
}

func (c *gatewayClient) Connect(ctx context.Context) error {
	u := fmt.Sprintf("%s/v1/connect?tenant_id=%s", c.cfg.GatewayURL, c.cfg.TenantID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	c.conn = conn

	hello := frame{Type: "hello"}
	if c.cfg.Credentials != nil {
		blob, ok, err := c.cfg.Credentials.Load(ctx, credentialsSubKey)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("load credentials: %w", err)
		}
		if ok {
			hello.Credentials = base64.StdEncoding.EncodeToString(blob)
		}
	}
	if err := c.writeFrame(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop()
	return nil
}

func (c *gatewayClient) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.setConnected(false)
			select {
			case <-c.closed:
				// Local Close(); the owner already knows.
			default:
				c.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			commonlog.Warnf("event=chatnet action=decode_frame status=failed tenant_id=%s error=%v", c.cfg.TenantID, err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *gatewayClient) dispatch(f frame) {
	switch f.Type {
	case "qr":
		c.emit(Event{Kind: EventQRCode, QRCode: f.Code})
	case "pairing_code":
		c.mu.Lock()
		pending := c.pairing
		c.pairing = nil
		c.mu.Unlock()
		if pending != nil {
			pending <- f.Code
		}
	case "connected":
		c.setConnected(true)
		c.emit(Event{Kind: EventConnected})
	case "disconnected":
		c.setConnected(false)
		c.emit(Event{Kind: EventDisconnected, Reason: f.Reason, LoggedOut: f.LoggedOut})
	case "credentials":
		c.saveCredentials(f)
	case "messages":
		msgs := make([]Message, 0, len(f.Messages))
		for _, gm := range f.Messages {
			msgs = append(msgs, Message{
				ID:        gm.ID,
				ChatID:    gm.ChatID,
				SenderID:  gm.SenderID,
				FromSelf:  gm.FromSelf,
				Text:      gm.Text,
				MediaURL:  gm.MediaURL,
				MimeType:  gm.MimeType,
				FileName:  gm.FileName,
				Timestamp: time.Unix(gm.Timestamp, 0),
			})
		}
		if len(msgs) > 0 {
			c.emit(Event{Kind: EventMessages, Messages: msgs})
		}
	default:
		commonlog.Debugf("event=chatnet action=ignore_frame type=%s tenant_id=%s", f.Type, c.cfg.TenantID)
	}
}

func (c *gatewayClient) saveCredentials(f frame) {
	if c.cfg.Credentials == nil {
		return
	}
	blob, err := base64.StdEncoding.DecodeString(f.Credentials)
	if err != nil {
		commonlog.Warnf("event=chatnet action=save_credentials status=failed tenant_id=%s error=%v", c.cfg.TenantID, err)
		return
	}
	subKey := f.SubKey
	if subKey == "" {
		subKey = credentialsSubKey
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.cfg.Credentials.Save(ctx, subKey, blob); err != nil {
		commonlog.Warnf("event=chatnet action=save_credentials status=failed tenant_id=%s sub_key=%s error=%v", c.cfg.TenantID, subKey, err)
	}
}

func (c *gatewayClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *gatewayClient) Events() <-chan Event {
	return c.events
}

func (c *gatewayClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *gatewayClient) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *gatewayClient) SendText(ctx context.Context, recipient, text string) error {
	return c.writeConnected(frame{Type: "send_message", Recipient: recipient, Text: text})
}

func (c *gatewayClient) SendMedia(ctx context.Context, recipient string, media OutboundMedia) error {
	m := media
	return c.writeConnected(frame{Type: "send_message", Recipient: recipient, Media: &m})
}

func (c *gatewayClient) SendPresence(ctx context.Context, recipient string, state PresenceState) error {
	return c.writeConnected(frame{Type: "presence", Recipient: recipient, State: string(state)})
}

func (c *gatewayClient) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	return c.writeConnected(frame{Type: "read_receipt", ChatID: chatID, MessageIDs: messageIDs})
}

func (c *gatewayClient) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	if c.conn == nil {
		return "", ErrNotConnected
	}
	pending := make(chan string, 1)
	c.mu.Lock()
	c.pairing = pending
	c.mu.Unlock()

	if err := c.writeFrame(frame{Type: "request_pairing_code", PhoneNumber: phoneNumber}); err != nil {
		return "", err
	}
	select {
	case code := <-pending:
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(pairingTimeout):
		return "", ErrPairingTimeout
	}
}

func (c *gatewayClient) Logout(ctx context.Context) error {
	return c.writeFrame(frame{Type: "logout"})
}

func (c *gatewayClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setConnected(false)
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

func (c *gatewayClient) writeConnected(f frame) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	return c.writeFrame(f)
}

func (c *gatewayClient) writeFrame(f frame) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}
