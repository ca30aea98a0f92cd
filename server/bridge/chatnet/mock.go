package chatnet

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Emit pushes events into the
// feed exactly as the gateway would.
type MockClient struct {
	mu sync.Mutex

	ConnectErr error
	PairCode   string
	PairErr    error
	SendErr    error

	connected    bool
	closeCount   int
	logoutCalled bool

	SentTexts    []MockSentText
	SentMedia    []MockSentMedia
	Presences    []PresenceState
	ReadChats    []string
	PairedPhones []string

	events chan Event
}

type MockSentText struct {
	Recipient string
	Text      string
}

type MockSentMedia struct {
	Recipient string
	Media     OutboundMedia
}

func NewMockClient() *MockClient {
	return &MockClient{events: make(chan Event, 64)}
}

func (m *MockClient) Emit(ev Event) {
	m.events <- ev
}

func (m *MockClient) Connect(ctx context.Context) error {
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MockClient) Events() <-chan Event {
	return m.events
}

func (m *MockClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MockClient) SendText(ctx context.Context, recipient, text string) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentTexts = append(m.SentTexts, MockSentText{Recipient: recipient, Text: text})
	return nil
}

func (m *MockClient) SendMedia(ctx context.Context, recipient string, media OutboundMedia) error {
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMedia = append(m.SentMedia, MockSentMedia{Recipient: recipient, Media: media})
	return nil
}

func (m *MockClient) SendPresence(ctx context.Context, recipient string, state PresenceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Presences = append(m.Presences, state)
	return nil
}

func (m *MockClient) MarkRead(ctx context.Context, chatID string, messageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadChats = append(m.ReadChats, chatID)
	return nil
}

func (m *MockClient) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	m.mu.Lock()
	m.PairedPhones = append(m.PairedPhones, phoneNumber)
	m.mu.Unlock()
	if m.PairErr != nil {
		return "", m.PairErr
	}
	return m.PairCode, nil
}

func (m *MockClient) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutCalled = true
	return nil
}

func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closeCount == 0 {
		close(m.events)
	}
	m.closeCount++
	m.connected = false
	return nil
}

func (m *MockClient) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

func (m *MockClient) LogoutCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logoutCalled
}

func (m *MockClient) ReadChatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ReadChats)
}

func (m *MockClient) SentTextCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentTexts)
}
