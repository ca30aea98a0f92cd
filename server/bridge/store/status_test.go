package store

import (
	"context"
	"testing"
	"time"

	"chat_bridge/server/bridge/domain"
)

func TestStatusStoreRoundTrip(t *testing.T) {
	s := NewStatusStore(NewMemKV(), time.Minute)
	ctx := context.Background()

	status, err := s.Status(ctx, "t1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status != domain.StatusDisconnected {
		t.Fatalf("unknown tenant status = %q, want disconnected", status)
	}

	if err := s.SetStatus(ctx, "t1", domain.StatusConnecting); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.SetQR(ctx, "t1", "qr-payload"); err != nil {
		t.Fatalf("SetQR() error = %v", err)
	}
	snapshot, err := s.Snapshot(ctx, "t1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snapshot.Status != domain.StatusConnecting || snapshot.QRCode != "qr-payload" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestStatusStoreClearArtifactsKeepsStatus(t *testing.T) {
	s := NewStatusStore(NewMemKV(), time.Minute)
	ctx := context.Background()

	_ = s.SetStatus(ctx, "t1", domain.StatusConnected)
	_ = s.SetQR(ctx, "t1", "qr")
	_ = s.SetPairingCode(ctx, "t1", "AB-12")

	if err := s.ClearArtifacts(ctx, "t1"); err != nil {
		t.Fatalf("ClearArtifacts() error = %v", err)
	}
	snapshot, _ := s.Snapshot(ctx, "t1")
	if snapshot.QRCode != "" || snapshot.PairingCode != "" {
		t.Fatalf("artifacts should be gone: %+v", snapshot)
	}
	if snapshot.Status != domain.StatusConnected {
		t.Fatalf("status = %q, want connected", snapshot.Status)
	}
}

func TestStatusStoreArtifactExpiry(t *testing.T) {
	s := NewStatusStore(NewMemKV(), 20*time.Millisecond)
	ctx := context.Background()

	_ = s.SetQR(ctx, "t1", "qr")
	time.Sleep(40 * time.Millisecond)
	snapshot, _ := s.Snapshot(ctx, "t1")
	if snapshot.QRCode != "" {
		t.Fatal("QR artifact should expire")
	}
}

func TestAuthStateStoreDeleteAll(t *testing.T) {
	auth := NewAuthStateStore(NewMemKV())
	ctx := context.Background()

	_ = auth.Set(ctx, "t1", "creds", []byte("a"))
	_ = auth.Set(ctx, "t1", "prekeys", []byte("b"))
	_ = auth.Set(ctx, "t2", "creds", []byte("c"))

	if err := auth.DeleteAll(ctx, "t1"); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if _, ok, _ := auth.Get(ctx, "t1", "creds"); ok {
		t.Fatal("t1 creds should be purged")
	}
	if _, ok, _ := auth.Get(ctx, "t1", "prekeys"); ok {
		t.Fatal("t1 prekeys should be purged")
	}
	if blob, ok, _ := auth.Get(ctx, "t2", "creds"); !ok || string(blob) != "c" {
		t.Fatal("t2 state must be untouched")
	}
}
