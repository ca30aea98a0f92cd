package service

import (
	"context"
	"encoding/json"
	"fmt"

	"chat_bridge/server/bridge/domain"
	commonlog "chat_bridge/server/common/log"
)

// CommandWorker executes control-plane commands. Both command types are
// idempotent, so the queue's retry policy can re-run a failed command
// safely.
type CommandWorker struct {
	sessions *SessionManager
}

func NewCommandWorker(sessions *SessionManager) *CommandWorker {
	return &CommandWorker{sessions: sessions}
}

// Handle is the queue consumer's HandlerFunc for the command queue. Errors
// are returned (not swallowed) so the consumer retries with backoff.
func (w *CommandWorker) Handle(ctx context.Context, body []byte) error {
	var cmd domain.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Type {
	case domain.CommandStartSession:
		return w.sessions.Start(ctx, cmd.TenantID, cmd.ForceNew)
	case domain.CommandStopSession:
		return w.sessions.Stop(ctx, cmd.TenantID)
	default:
		// Unknown command types are acked away; retrying cannot fix them.
		commonlog.Warnf("event=command_worker action=skip reason=unknown_type type=%s tenant_id=%s", cmd.Type, cmd.TenantID)
		return nil
	}
}
