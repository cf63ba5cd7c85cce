package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/anvil/internal/store"
)

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	SessionID        string `json:"session_id"`
	MessageID        int64  `json:"message_id"`
	SnapshotRestored bool   `json:"snapshot_restored"`
}

// Rollback rewinds a session to just before the target message: the
// workspace snapshot covering the target is restored first, then the
// target message and everything after it is deleted. A failed restore
// aborts with the dialogue intact.
func (r *Runtime) Rollback(ctx context.Context, sessionID string, messageID int64) (*RollbackResult, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.GetMessage(ctx, sessionID, messageID); err != nil {
		return nil, err
	}

	lock := r.locks.get(session.ID)
	lock.Lock()
	defer lock.Unlock()

	restored := false
	snap, err := r.snapshots.ForRollback(ctx, sessionID, messageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No snapshot covers the target (no work path); dialogue-only
		// rollback.
	case err != nil:
		return nil, err
	default:
		if err := r.snapshots.Restore(ctx, snap); err != nil {
			return nil, fmt.Errorf("restore before rollback: %w", err)
		}
		restored = true
	}

	if err := r.store.DeleteMessagesFrom(ctx, sessionID, messageID); err != nil {
		return nil, err
	}

	r.logger.Info("session rolled back",
		"session", sessionID, "message", messageID, "snapshot_restored", restored)
	return &RollbackResult{
		SessionID:        sessionID,
		MessageID:        messageID,
		SnapshotRestored: restored,
	}, nil
}
