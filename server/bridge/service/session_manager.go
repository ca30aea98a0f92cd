package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/bridge/domain"
	"chat_bridge/server/bridge/observe"
	"chat_bridge/server/bridge/store"
	commonlog "chat_bridge/server/common/log"
)

var (
	ErrTenantRequired      = errors.New("tenant id required")
	ErrPhoneNumberRequired = errors.New("phone number required")
	ErrSessionNotOperable  = errors.New("session is operated by another instance")
)

// InboundSink receives what the live connection produces. The forwarder
// implements it; tests substitute a recorder.
type InboundSink interface {
	ForwardMessages(ctx context.Context, tenantID string, msgs []chatnet.Message, client chatnet.Client)
	ForwardConnectionUpdate(ctx context.Context, tenantID string, status domain.SessionStatus, reason string)
}

type SessionManagerConfig struct {
	InstanceID     string
	ClaimTTL       time.Duration
	ReconnectDelay time.Duration
	PairingWait    time.Duration
}

// SessionManager owns this process's live connection handles, one per
// claimed tenant, and drives the connect/QR/pairing/reconnect/disconnect
// transitions. All shared state (status, artifacts, credentials, claims)
// lives in the shared store; the handle itself never leaves the process.
type SessionManager struct {
	cfg     SessionManagerConfig
	claims  *store.ClaimRegistry
	locks   *store.StartLocks
	auth    *store.AuthStateStore
	status  *store.StatusStore
	dial    chatnet.Dialer
	inbound InboundSink
	metrics *observe.Metrics

	mu           sync.RWMutex
	sessions     map[string]*managedSession
	reconnecting map[string]*time.Timer
	closed       bool
}

type managedSession struct {
	tenantID string
	client   chatnet.Client
	cancel   context.CancelFunc
	// done closes when the event pump has fully detached from the handle.
	done chan struct{}
}

func NewSessionManager(
	cfg SessionManagerConfig,
	claims *store.ClaimRegistry,
	locks *store.StartLocks,
	auth *store.AuthStateStore,
	status *store.StatusStore,
	dial chatnet.Dialer,
	inbound InboundSink,
	metrics *observe.Metrics,
) *SessionManager {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 60 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PairingWait <= 0 {
		cfg.PairingWait = 10 * time.Second
	}
	return &SessionManager{
		cfg:          cfg,
		claims:       claims,
		locks:        locks,
		auth:         auth,
		status:       status,
		dial:         dial,
		inbound:      inbound,
		metrics:      metrics,
		sessions:     map[string]*managedSession{},
		reconnecting: map[string]*time.Timer{},
	}
}

func (m *SessionManager) InstanceID() string {
	return m.cfg.InstanceID
}

// Start opens (or resumes) the tenant's session. Without forceNew it is
// idempotent: an existing local handle makes it a no-op. A claim held by
// another instance is a no-op too, not an error. Connection-open failures
// propagate so the command queue's retry policy applies.
func (m *SessionManager) Start(ctx context.Context, tenantID string, forceNew bool) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantRequired
	}

	locked, err := m.locks.Acquire(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("acquire start lock: %w", err)
	}
	if !locked {
		commonlog.Infof("event=session action=start status=skipped reason=start_in_progress tenant_id=%s", tenantID)
		return nil
	}

	if forceNew {
		// A stale credential set must not survive into the new link
		// attempt: invalidate the old device registration, drop the local
		// handle, then the shared state.
		if client, ok := m.ClientFor(tenantID); ok {
			if err := client.Logout(ctx); err != nil {
				commonlog.Warnf("event=session action=logout_old_device status=swallowed tenant_id=%s error=%v", tenantID, err)
			}
		}
		m.stopLocal(tenantID, true)
		if err := m.auth.DeleteAll(ctx, tenantID); err != nil {
			_ = m.locks.Release(ctx, tenantID)
			return fmt.Errorf("purge auth state: %w", err)
		}
		if err := m.status.Clear(ctx, tenantID); err != nil {
			_ = m.locks.Release(ctx, tenantID)
			return fmt.Errorf("clear session artifacts: %w", err)
		}
	} else if m.hasLocal(tenantID) {
		_ = m.locks.Release(ctx, tenantID)
		commonlog.Debugf("event=session action=start status=noop reason=already_running tenant_id=%s", tenantID)
		return nil
	}

	claimed, err := m.claims.TryClaim(ctx, tenantID, m.cfg.InstanceID, m.cfg.ClaimTTL)
	if err != nil {
		_ = m.locks.Release(ctx, tenantID)
		return fmt.Errorf("try claim: %w", err)
	}
	if !claimed {
		_ = m.locks.Release(ctx, tenantID)
		commonlog.Infof("event=session action=start status=skipped reason=claim_held_elsewhere tenant_id=%s", tenantID)
		return nil
	}

	if err := m.status.SetStatus(ctx, tenantID, domain.StatusConnecting); err != nil {
		m.releaseOwnership(ctx, tenantID)
		return fmt.Errorf("persist status: %w", err)
	}

	client := m.dial(chatnet.Config{
		TenantID:    tenantID,
		Credentials: tenantCredentials{auth: m.auth, tenantID: tenantID},
	})
	sessionCtx, cancel := context.WithCancel(context.Background())
	ms := &managedSession{
		tenantID: tenantID,
		client:   client,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.releaseOwnership(ctx, tenantID)
		return errors.New("session manager is shut down")
	}
	if _, exists := m.sessions[tenantID]; exists {
		m.mu.Unlock()
		cancel()
		_ = m.locks.Release(ctx, tenantID)
		return nil
	}
	m.sessions[tenantID] = ms
	m.mu.Unlock()
	m.metrics.ActiveSessions.Inc()

	if err := client.Connect(ctx); err != nil {
		m.removeLocal(tenantID, ms)
		cancel()
		_ = client.Close()
		m.metrics.ActiveSessions.Dec()
		_ = m.status.SetStatus(context.WithoutCancel(ctx), tenantID, domain.StatusDisconnected)
		m.releaseOwnership(context.WithoutCancel(ctx), tenantID)
		return fmt.Errorf("open connection: %w", err)
	}

	go m.pumpEvents(sessionCtx, ms)
	go m.renewClaimLoop(sessionCtx, tenantID)
	m.metrics.SessionEvents.WithLabelValues("start").Inc()
	commonlog.Infof("event=session action=start status=ok tenant_id=%s force_new=%t instance_id=%s", tenantID, forceNew, m.cfg.InstanceID)
	return nil
}

// Stop closes the handle and cleans shared status, artifacts, claim, and
// start-lock. Auth state is kept: stop is a pause, not a logout.
func (m *SessionManager) Stop(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrTenantRequired
	}
	m.stopLocal(tenantID, true)
	if err := m.status.SetStatus(ctx, tenantID, domain.StatusDisconnected); err != nil {
		return fmt.Errorf("persist status: %w", err)
	}
	if err := m.status.ClearArtifacts(ctx, tenantID); err != nil {
		return fmt.Errorf("clear session artifacts: %w", err)
	}
	m.releaseOwnership(ctx, tenantID)
	m.metrics.SessionEvents.WithLabelValues("stop").Inc()
	m.inbound.ForwardConnectionUpdate(ctx, tenantID, domain.StatusDisconnected, "stopped")
	commonlog.Infof("event=session action=stop status=ok tenant_id=%s", tenantID)
	return nil
}

// RequestPairingCode issues a phone-linking code. Without a local handle it
// forces a fresh start first and waits for the connection to initialize.
func (m *SessionManager) RequestPairingCode(ctx context.Context, tenantID, phoneNumber string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	normalized := digitsOnly(phoneNumber)
	if normalized == "" {
		return "", ErrPhoneNumberRequired
	}

	client, ok := m.ClientFor(tenantID)
	if !ok {
		if err := m.Start(ctx, tenantID, true); err != nil {
			return "", err
		}
		var err error
		client, err = m.waitForLocal(ctx, tenantID)
		if err != nil {
			return "", err
		}
	}

	code, err := client.RequestPairingCode(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("request pairing code: %w", err)
	}
	if err := m.status.SetPairingCode(ctx, tenantID, code); err != nil {
		return "", fmt.Errorf("persist pairing code: %w", err)
	}
	if err := m.status.SetStatus(ctx, tenantID, domain.StatusPairingCodeReady); err != nil {
		return "", fmt.Errorf("persist status: %w", err)
	}
	m.metrics.SessionEvents.WithLabelValues("pairing_code").Inc()
	commonlog.Infof("event=session action=pairing_code status=ok tenant_id=%s", tenantID)
	return code, nil
}

// ClientFor hands out the tenant's local connection handle, if this
// instance holds one.
func (m *SessionManager) ClientFor(tenantID string) (chatnet.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[tenantID]
	if !ok {
		return nil, false
	}
	return ms.client, true
}

func (m *SessionManager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll drains every local session on graceful shutdown, releasing each
// tenant's claim so another instance can take over immediately.
func (m *SessionManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	tenants := make([]string, 0, len(m.sessions))
	for tenantID := range m.sessions {
		tenants = append(tenants, tenantID)
	}
	for tenantID, timer := range m.reconnecting {
		timer.Stop()
		delete(m.reconnecting, tenantID)
	}
	m.mu.Unlock()

	for _, tenantID := range tenants {
		m.stopLocal(tenantID, true)
		_ = m.status.SetStatus(ctx, tenantID, domain.StatusDisconnected)
		m.releaseOwnership(ctx, tenantID)
	}
	commonlog.Infof("event=session action=close_all status=ok count=%d", len(tenants))
}

func (m *SessionManager) pumpEvents(ctx context.Context, ms *managedSession) {
	defer close(ms.done)
	events := ms.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ctx, ms, ev)
		}
	}
}

func (m *SessionManager) handleEvent(ctx context.Context, ms *managedSession, ev chatnet.Event) {
	tenantID := ms.tenantID
	switch ev.Kind {
	case chatnet.EventQRCode:
		if err := m.status.SetQR(ctx, tenantID, ev.QRCode); err != nil {
			commonlog.Errorf("event=session action=persist_qr status=failed tenant_id=%s error=%v", tenantID, err)
			return
		}
		// A pairing-code link in progress is the more specific mode; a QR
		// refresh must not downgrade it.
		current, err := m.status.Status(ctx, tenantID)
		if err == nil && current != domain.StatusPairingCodeReady {
			_ = m.status.SetStatus(ctx, tenantID, domain.StatusQRReady)
		}
		m.metrics.SessionEvents.WithLabelValues("qr").Inc()
		commonlog.Infof("event=session action=qr_ready tenant_id=%s", tenantID)

	case chatnet.EventConnected:
		if err := m.status.SetStatus(ctx, tenantID, domain.StatusConnected); err != nil {
			commonlog.Errorf("event=session action=persist_status status=failed tenant_id=%s error=%v", tenantID, err)
		}
		_ = m.status.ClearArtifacts(ctx, tenantID)
		_ = m.locks.Release(ctx, tenantID)
		m.metrics.SessionEvents.WithLabelValues("connected").Inc()
		m.inbound.ForwardConnectionUpdate(ctx, tenantID, domain.StatusConnected, "")
		commonlog.Infof("event=session action=connected tenant_id=%s", tenantID)

	case chatnet.EventMessages:
		m.inbound.ForwardMessages(ctx, tenantID, ev.Messages, ms.client)

	case chatnet.EventDisconnected:
		m.handleDisconnect(ctx, ms, ev)
	}
}

func (m *SessionManager) handleDisconnect(ctx context.Context, ms *managedSession, ev chatnet.Event) {
	tenantID := ms.tenantID
	// Detach without waiting: we are the pump goroutine. Detaching cancels
	// the pump context, so the shared-store cleanup below must not ride on
	// it.
	m.detachLocal(tenantID, ms)
	ctx = context.WithoutCancel(ctx)

	if ev.LoggedOut {
		commonlog.Infof("event=session action=logout tenant_id=%s reason=%s", tenantID, ev.Reason)
		if err := m.auth.DeleteAll(ctx, tenantID); err != nil {
			commonlog.Errorf("event=session action=purge_auth status=failed tenant_id=%s error=%v", tenantID, err)
		}
		_ = m.status.Clear(ctx, tenantID)
		_ = m.status.SetStatus(ctx, tenantID, domain.StatusDisconnected)
		m.releaseOwnership(ctx, tenantID)
		m.metrics.SessionEvents.WithLabelValues("logout").Inc()
		m.inbound.ForwardConnectionUpdate(ctx, tenantID, domain.StatusDisconnected, "logged_out")
		return
	}

	commonlog.Warnf("event=session action=disconnected tenant_id=%s reason=%s", tenantID, ev.Reason)
	// The link may have dropped before ever connecting; the start lock must
	// not outlive the session or the delayed reconnect would be refused.
	_ = m.locks.Release(ctx, tenantID)
	_ = m.status.SetStatus(ctx, tenantID, domain.StatusDisconnected)
	m.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	m.inbound.ForwardConnectionUpdate(ctx, tenantID, domain.StatusDisconnected, ev.Reason)
	m.scheduleReconnect(tenantID)
}

// scheduleReconnect arms exactly one delayed reconnect per tenant; a second
// close event while one is pending is a no-op.
func (m *SessionManager) scheduleReconnect(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, pending := m.reconnecting[tenantID]; pending {
		return
	}
	if _, running := m.sessions[tenantID]; running {
		return
	}
	m.reconnecting[tenantID] = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.mu.Lock()
		delete(m.reconnecting, tenantID)
		m.mu.Unlock()
		m.metrics.ReconnectAttempts.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Start(ctx, tenantID, false); err != nil {
			// The tenant stays disconnected until the next explicit start.
			commonlog.Errorf("event=session action=reconnect status=failed tenant_id=%s error=%v", tenantID, err)
		}
	})
	commonlog.Infof("event=session action=reconnect_scheduled tenant_id=%s delay=%s", tenantID, m.cfg.ReconnectDelay)
}

func (m *SessionManager) renewClaimLoop(ctx context.Context, tenantID string) {
	ticker := time.NewTicker(m.cfg.ClaimTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := m.claims.Renew(renewCtx, tenantID, m.cfg.InstanceID, m.cfg.ClaimTTL)
			cancel()
			if err != nil {
				commonlog.Warnf("event=session action=renew_claim status=failed tenant_id=%s error=%v", tenantID, err)
				continue
			}
			if !ok {
				// The lease lapsed and someone else owns the tenant now.
				// Tear down locally; do not touch shared state.
				commonlog.Errorf("event=session action=claim_lost tenant_id=%s instance_id=%s", tenantID, m.cfg.InstanceID)
				m.stopLocal(tenantID, false)
				return
			}
		}
	}
}

// stopLocal closes the handle and removes the registry entry, cancelling
// the pump first so no event subscription outlives the handle. wait blocks
// until the pump has exited; pass false when called from the pump itself.
func (m *SessionManager) stopLocal(tenantID string, wait bool) {
	m.mu.Lock()
	ms, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	if timer, pending := m.reconnecting[tenantID]; pending {
		timer.Stop()
		delete(m.reconnecting, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ms.cancel()
	_ = ms.client.Close()
	if wait {
		select {
		case <-ms.done:
		case <-time.After(3 * time.Second):
			commonlog.Warnf("event=session action=teardown status=timeout tenant_id=%s", tenantID)
		}
	}
	m.metrics.ActiveSessions.Dec()
}

// detachLocal is stopLocal for the pump's own session: no wait, and the
// registry entry is only removed if it still points at this session.
func (m *SessionManager) detachLocal(tenantID string, ms *managedSession) {
	if !m.removeLocal(tenantID, ms) {
		return
	}
	ms.cancel()
	_ = ms.client.Close()
	m.metrics.ActiveSessions.Dec()
}

func (m *SessionManager) removeLocal(tenantID string, ms *managedSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[tenantID]
	if !ok || current != ms {
		return false
	}
	delete(m.sessions, tenantID)
	return true
}

func (m *SessionManager) hasLocal(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[tenantID]
	return ok
}

func (m *SessionManager) waitForLocal(ctx context.Context, tenantID string) (chatnet.Client, error) {
	deadline := time.Now().Add(m.cfg.PairingWait)
	for {
		if client, ok := m.ClientFor(tenantID); ok {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrSessionNotOperable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *SessionManager) releaseOwnership(ctx context.Context, tenantID string) {
	if err := m.claims.Release(ctx, tenantID, m.cfg.InstanceID); err != nil {
		commonlog.Warnf("event=session action=release_claim status=failed tenant_id=%s error=%v", tenantID, err)
	}
	if err := m.locks.Release(ctx, tenantID); err != nil {
		commonlog.Warnf("event=session action=release_start_lock status=failed tenant_id=%s error=%v", tenantID, err)
	}
}

type tenantCredentials struct {
	auth     *store.AuthStateStore
	tenantID string
}

func (c tenantCredentials) Load(ctx context.Context, subKey string) ([]byte, bool, error) {
	return c.auth.Get(ctx, c.tenantID, subKey)
}

func (c tenantCredentials) Save(ctx context.Context, subKey string, blob []byte) error {
	return c.auth.Set(ctx, c.tenantID, subKey, blob)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
