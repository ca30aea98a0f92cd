package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/bridge/domain"
	"chat_bridge/server/bridge/observe"
	"chat_bridge/server/bridge/store"
)

type sinkRecorder struct {
	mu      sync.Mutex
	batches [][]chatnet.Message
	updates []domain.SessionStatus
}

func (r *sinkRecorder) ForwardMessages(ctx context.Context, tenantID string, msgs []chatnet.Message, client chatnet.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, msgs)
}

func (r *sinkRecorder) ForwardConnectionUpdate(ctx context.Context, tenantID string, status domain.SessionStatus, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, status)
}

type mockDialer struct {
	mu         sync.Mutex
	connectErr error
	pairCode   string
	clients    []*chatnet.MockClient
}

func (d *mockDialer) dial(cfg chatnet.Config) chatnet.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := chatnet.NewMockClient()
	c.ConnectErr = d.connectErr
	c.PairCode = d.pairCode
	d.clients = append(d.clients, c)
	return c
}

func (d *mockDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *mockDialer) client(i int) *chatnet.MockClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

type managerFixture struct {
	manager *SessionManager
	dialer  *mockDialer
	sink    *sinkRecorder
	kv      store.KV
	claims  *store.ClaimRegistry
	locks   *store.StartLocks
	auth    *store.AuthStateStore
	status  *store.StatusStore
}

// ctxKV delegates to an inner KV but fails any call whose context is
// already cancelled, the way the redis-backed KV does.
type ctxKV struct {
	inner store.KV
}

func (k ctxKV) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	return k.inner.Get(ctx, key)
}

func (k ctxKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.inner.Set(ctx, key, value, ttl)
}

func (k ctxKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return k.inner.SetNX(ctx, key, value, ttl)
}

func (k ctxKV) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.inner.Del(ctx, keys...)
}

func (k ctxKV) Incr(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return k.inner.Incr(ctx, key)
}

func (k ctxKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.inner.Expire(ctx, key, ttl)
}

func (k ctxKV) CompareExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return k.inner.CompareExpire(ctx, key, expect, ttl)
}

func (k ctxKV) CompareDel(ctx context.Context, key, expect string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return k.inner.CompareDel(ctx, key, expect)
}

func (k ctxKV) DelPrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.inner.DelPrefix(ctx, prefix)
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	return newManagerFixtureKV(t, store.NewMemKV())
}

func newManagerFixtureKV(t *testing.T, kv store.KV) *managerFixture {
	t.Helper()
	f := &managerFixture{
		dialer: &mockDialer{},
		sink:   &sinkRecorder{},
		kv:     kv,
		claims: store.NewClaimRegistry(kv),
		locks:  store.NewStartLocks(kv, time.Minute),
		auth:   store.NewAuthStateStore(kv),
		status: store.NewStatusStore(kv, time.Minute),
	}
	f.manager = NewSessionManager(
		SessionManagerConfig{
			InstanceID:     "worker-1",
			ClaimTTL:       time.Minute,
			ReconnectDelay: 30 * time.Millisecond,
			PairingWait:    time.Second,
		},
		f.claims, f.locks, f.auth, f.status,
		f.dialer.dial, f.sink,
		observe.NewMetrics("test", prometheus.NewRegistry()),
	)
	return f
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartConcurrentYieldsSingleHandle(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.manager.Start(ctx, "t1", false); err != nil {
				t.Errorf("Start() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.manager.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}
	if got := f.dialer.count(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
}

func TestStartIdempotentWithoutForceNew(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventConnected})
	waitUntil(t, time.Second, func() bool {
		status, _ := f.status.Status(ctx, "t1")
		return status == domain.StatusConnected
	})

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if got := f.dialer.count(); got != 1 {
		t.Fatalf("dial count = %d, want 1", got)
	}
	if got := f.dialer.client(0).CloseCount(); got != 0 {
		t.Fatalf("CloseCount() = %d, want 0 (running session untouched)", got)
	}
}

func TestStartSkippedWhenClaimHeldElsewhere(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if ok, _ := f.claims.TryClaim(ctx, "t1", "other-instance", time.Minute); !ok {
		t.Fatal("setup claim should succeed")
	}
	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v, want nil (contention is not an error)", err)
	}
	if got := f.manager.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", got)
	}
	if got := f.dialer.count(); got != 0 {
		t.Fatalf("dial count = %d, want 0", got)
	}
}

func TestStartForceNewPurgesStateBeforeNewArtifacts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_ = f.auth.Set(ctx, "t1", "creds", []byte("stale"))
	_ = f.status.SetQR(ctx, "t1", "stale-qr")
	_ = f.status.SetStatus(ctx, "t1", domain.StatusQRReady)

	if err := f.manager.Start(ctx, "t1", true); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, ok, _ := f.auth.Get(ctx, "t1", "creds"); ok {
		t.Fatal("stale auth state must be purged before a fresh start")
	}
	snapshot, _ := f.status.Snapshot(ctx, "t1")
	if snapshot.QRCode != "" {
		t.Fatal("stale QR must be cleared before a fresh start")
	}
	if snapshot.Status != domain.StatusConnecting {
		t.Fatalf("status = %q, want connecting", snapshot.Status)
	}

	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventQRCode, QRCode: "fresh-qr"})
	waitUntil(t, time.Second, func() bool {
		s, _ := f.status.Snapshot(ctx, "t1")
		return s.QRCode == "fresh-qr" && s.Status == domain.StatusQRReady
	})
}

func TestConnectedClearsArtifactsAndReleasesStartLock(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	client := f.dialer.client(0)
	client.Emit(chatnet.Event{Kind: chatnet.EventQRCode, QRCode: "qr"})
	client.Emit(chatnet.Event{Kind: chatnet.EventConnected})

	waitUntil(t, time.Second, func() bool {
		s, _ := f.status.Snapshot(ctx, "t1")
		return s.Status == domain.StatusConnected && s.QRCode == ""
	})
	if ok, _ := f.locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("start lock should be released once connected")
	}
}

func TestDisconnectSchedulesExactlyOneReconnect(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.cfg.ReconnectDelay = 150 * time.Millisecond
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventDisconnected, Reason: "stream error"})
	waitUntil(t, time.Second, func() bool { return f.manager.ActiveSessions() == 0 })

	// Further close observations while a reconnect is armed must not stack
	// additional timers.
	f.manager.scheduleReconnect("t1")
	f.manager.scheduleReconnect("t1")

	waitUntil(t, 2*time.Second, func() bool { return f.dialer.count() == 2 })
	time.Sleep(300 * time.Millisecond)
	if got := f.dialer.count(); got != 2 {
		t.Fatalf("dial count = %d, want exactly 2 (one reconnect)", got)
	}
	if got := f.manager.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1 after reconnect", got)
	}
}

func TestLogoutPurgesStateAndSkipsReconnect(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = f.auth.Set(ctx, "t1", "creds", []byte("blob"))

	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventDisconnected, Reason: "logged out", LoggedOut: true})
	waitUntil(t, time.Second, func() bool { return f.manager.ActiveSessions() == 0 })
	waitUntil(t, time.Second, func() bool {
		_, ok, _ := f.auth.Get(ctx, "t1", "creds")
		return !ok
	})

	time.Sleep(100 * time.Millisecond)
	if got := f.dialer.count(); got != 1 {
		t.Fatalf("dial count = %d, want 1 (no reconnect after logout)", got)
	}
	status, _ := f.status.Status(ctx, "t1")
	if status != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", status)
	}
	if ok, _ := f.claims.TryClaim(ctx, "t1", "other-instance", time.Minute); !ok {
		t.Fatal("claim should be free after logout")
	}
}

func TestStopKeepsAuthState(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = f.auth.Set(ctx, "t1", "creds", []byte("blob"))

	if err := f.manager.Stop(ctx, "t1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := f.manager.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", got)
	}
	if got := f.dialer.client(0).CloseCount(); got != 1 {
		t.Fatalf("CloseCount() = %d, want 1", got)
	}
	if _, ok, _ := f.auth.Get(ctx, "t1", "creds"); !ok {
		t.Fatal("stop must keep auth state (pause, not logout)")
	}
	status, _ := f.status.Status(ctx, "t1")
	if status != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", status)
	}
	if ok, _ := f.claims.TryClaim(ctx, "t1", "other-instance", time.Minute); !ok {
		t.Fatal("claim should be released on stop")
	}
}

func TestStopThenStartLeavesNoStrayListeners(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.manager.Stop(ctx, "t1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("restart Start() error = %v", err)
	}

	if got := f.dialer.count(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
	if got := f.dialer.client(0).CloseCount(); got != 1 {
		t.Fatalf("old handle CloseCount() = %d, want 1", got)
	}
	if got := f.manager.ActiveSessions(); got != 1 {
		t.Fatalf("ActiveSessions() = %d, want 1", got)
	}

	// Only the new handle's pump is live: its events drive status.
	f.dialer.client(1).Emit(chatnet.Event{Kind: chatnet.EventConnected})
	waitUntil(t, time.Second, func() bool {
		status, _ := f.status.Status(ctx, "t1")
		return status == domain.StatusConnected
	})
}

func TestRequestPairingCodeForcesStartAndNormalizesPhone(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.dialer.pairCode = "ABCD-1234"
	code, err := f.manager.RequestPairingCode(ctx, "t1", " +1 (555) 010-9999 ")
	if err != nil {
		t.Fatalf("RequestPairingCode() error = %v", err)
	}
	if code != "ABCD-1234" {
		t.Fatalf("code = %q, want ABCD-1234", code)
	}

	client := f.dialer.client(0)
	if len(client.PairedPhones) != 1 || client.PairedPhones[0] != "15550109999" {
		t.Fatalf("paired phones = %v, want [15550109999]", client.PairedPhones)
	}
	snapshot, _ := f.status.Snapshot(ctx, "t1")
	if snapshot.Status != domain.StatusPairingCodeReady || snapshot.PairingCode != "ABCD-1234" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestConnectFailurePropagatesAndCleansUp(t *testing.T) {
	f := newManagerFixture(t)
	f.dialer.connectErr = context.DeadlineExceeded
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err == nil {
		t.Fatal("Start() should propagate connection-open failures")
	}
	if got := f.manager.ActiveSessions(); got != 0 {
		t.Fatalf("ActiveSessions() = %d, want 0", got)
	}
	status, _ := f.status.Status(ctx, "t1")
	if status != domain.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", status)
	}
	if ok, _ := f.locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("start lock should be released after a failed start")
	}
}

func TestClaimLossTearsDownLocalSession(t *testing.T) {
	f := newManagerFixture(t)
	f.manager.cfg.ClaimTTL = 90 * time.Millisecond
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Simulate lease lapse plus takeover by another instance.
	_ = f.claims.Release(ctx, "t1", "worker-1")
	if ok, _ := f.claims.TryClaim(ctx, "t1", "other-instance", time.Minute); !ok {
		t.Fatal("takeover claim should succeed")
	}

	waitUntil(t, time.Second, func() bool { return f.manager.ActiveSessions() == 0 })
	if got := f.dialer.client(0).CloseCount(); got != 1 {
		t.Fatalf("CloseCount() = %d, want 1 after claim loss", got)
	}
}

func TestLogoutCleanupOutlivesPumpContext(t *testing.T) {
	f := newManagerFixtureKV(t, ctxKV{inner: store.NewMemKV()})
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = f.auth.Set(ctx, "t1", "creds", []byte("blob"))

	// Handling the close event tears down the pump's own context; the
	// shared-store cleanup must still go through.
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventDisconnected, Reason: "logged out", LoggedOut: true})

	waitUntil(t, time.Second, func() bool {
		_, ok, _ := f.auth.Get(ctx, "t1", "creds")
		return !ok
	})
	waitUntil(t, time.Second, func() bool {
		status, _ := f.status.Status(ctx, "t1")
		return status == domain.StatusDisconnected
	})
	if ok, _ := f.claims.TryClaim(ctx, "t1", "other-instance", time.Minute); !ok {
		t.Fatal("claim should be free after logout")
	}
	if ok, _ := f.locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("start lock should be free after logout")
	}
}

func TestDisconnectCleanupOutlivesPumpContext(t *testing.T) {
	f := newManagerFixtureKV(t, ctxKV{inner: store.NewMemKV()})
	f.manager.cfg.ReconnectDelay = time.Minute
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventDisconnected, Reason: "stream error"})

	waitUntil(t, time.Second, func() bool {
		status, _ := f.status.Status(ctx, "t1")
		return status == domain.StatusDisconnected
	})
	if ok, _ := f.locks.Acquire(ctx, "t1"); !ok {
		t.Fatal("start lock must not survive the dropped session")
	}
}

func TestStartForceNewLogsOutOldDevice(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventConnected})
	waitUntil(t, time.Second, func() bool {
		status, _ := f.status.Status(ctx, "t1")
		return status == domain.StatusConnected
	})

	if err := f.manager.Start(ctx, "t1", true); err != nil {
		t.Fatalf("force Start() error = %v", err)
	}
	if !f.dialer.client(0).LogoutCalled() {
		t.Fatal("force-new start must invalidate the old device registration")
	}
	if got := f.dialer.client(0).CloseCount(); got != 1 {
		t.Fatalf("old handle CloseCount() = %d, want 1", got)
	}
	if got := f.dialer.count(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
}

func TestInboundMessagesReachSink(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.manager.Start(ctx, "t1", false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.dialer.client(0).Emit(chatnet.Event{Kind: chatnet.EventMessages, Messages: []chatnet.Message{
		{ID: "m1", ChatID: "c1", SenderID: "s1", Text: "hi"},
	}})
	waitUntil(t, time.Second, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.batches) == 1
	})
}
