package store

import (
	"context"
	"fmt"
	"time"

	"chat_bridge/server/bridge/domain"
)

const (
	statusKeyPattern   = "bridge:session:status:%s"
	qrKeyPattern       = "bridge:session:qr:%s"
	pairCodeKeyPattern = "bridge:session:paircode:%s"
)

// StatusStore persists per-tenant session status and the short-lived QR /
// pairing-code linking artifacts so any API consumer can poll them.
type StatusStore struct {
	kv          KV
	statusTTL   time.Duration
	artifactTTL time.Duration
}

func NewStatusStore(kv KV, artifactTTL time.Duration) *StatusStore {
	if artifactTTL <= 0 {
		artifactTTL = 90 * time.Second
	}
	return &StatusStore{kv: kv, statusTTL: 24 * time.Hour, artifactTTL: artifactTTL}
}

func (s *StatusStore) SetStatus(ctx context.Context, tenantID string, status domain.SessionStatus) error {
	return s.kv.Set(ctx, fmt.Sprintf(statusKeyPattern, tenantID), string(status), s.statusTTL)
}

func (s *StatusStore) Status(ctx context.Context, tenantID string) (domain.SessionStatus, error) {
	v, ok, err := s.kv.Get(ctx, fmt.Sprintf(statusKeyPattern, tenantID))
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.StatusDisconnected, nil
	}
	return domain.SessionStatus(v), nil
}

func (s *StatusStore) SetQR(ctx context.Context, tenantID, qr string) error {
	return s.kv.Set(ctx, fmt.Sprintf(qrKeyPattern, tenantID), qr, s.artifactTTL)
}

func (s *StatusStore) SetPairingCode(ctx context.Context, tenantID, code string) error {
	return s.kv.Set(ctx, fmt.Sprintf(pairCodeKeyPattern, tenantID), code, s.artifactTTL)
}

// ClearArtifacts removes QR and pairing-code material, e.g. once the
// session is connected or before a forced fresh start.
func (s *StatusStore) ClearArtifacts(ctx context.Context, tenantID string) error {
	return s.kv.Del(ctx,
		fmt.Sprintf(qrKeyPattern, tenantID),
		fmt.Sprintf(pairCodeKeyPattern, tenantID),
	)
}

// Clear removes status and artifacts entirely (forced reset / logout).
func (s *StatusStore) Clear(ctx context.Context, tenantID string) error {
	return s.kv.Del(ctx,
		fmt.Sprintf(statusKeyPattern, tenantID),
		fmt.Sprintf(qrKeyPattern, tenantID),
		fmt.Sprintf(pairCodeKeyPattern, tenantID),
	)
}

func (s *StatusStore) Snapshot(ctx context.Context, tenantID string) (domain.SessionSnapshot, error) {
	status, err := s.Status(ctx, tenantID)
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	qr, _, err := s.kv.Get(ctx, fmt.Sprintf(qrKeyPattern, tenantID))
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	code, _, err := s.kv.Get(ctx, fmt.Sprintf(pairCodeKeyPattern, tenantID))
	if err != nil {
		return domain.SessionSnapshot{}, err
	}
	return domain.SessionSnapshot{
		TenantID:    tenantID,
		Status:      status,
		QRCode:      qr,
		PairingCode: code,
	}, nil
}
