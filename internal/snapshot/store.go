package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Store pairs the archiver with the repository rows that map assistant
// messages to tree hashes.
type Store struct {
	archiver *Archiver
	repo     *store.Store
	logger   *slog.Logger
}

// NewStore creates a snapshot store.
func NewStore(archiver *Archiver, repo *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		archiver: archiver,
		repo:     repo,
		logger:   logger.With("component", "snapshot_store"),
	}
}

// Ensure captures the workspace before a turn begins and persists the
// (session, message, tree, work path) tuple. It is a no-op when the
// session has no work path.
func (s *Store) Ensure(ctx context.Context, sessionID string, messageID int64, workPath string) (*models.Snapshot, error) {
	if workPath == "" {
		return nil, nil
	}
	treeHash, err := s.archiver.Capture(workPath)
	if err != nil {
		return nil, fmt.Errorf("capture workspace: %w", err)
	}

	snap := &models.Snapshot{
		SessionID: sessionID,
		MessageID: messageID,
		TreeHash:  treeHash,
		WorkPath:  workPath,
	}
	if err := s.repo.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	s.logger.Debug("snapshot captured",
		"session", sessionID, "message", messageID, "tree", treeHash)
	return snap, nil
}

// Restore checks the snapshot's tree out over its work path.
func (s *Store) Restore(ctx context.Context, snap *models.Snapshot) error {
	if err := s.archiver.Restore(snap.TreeHash, snap.WorkPath); err != nil {
		return fmt.Errorf("restore workspace: %w", err)
	}
	s.logger.Info("snapshot restored",
		"session", snap.SessionID, "message", snap.MessageID, "tree", snap.TreeHash)
	return nil
}

// ForRollback locates the snapshot that captures the workspace as of the
// moment the target message began processing.
func (s *Store) ForRollback(ctx context.Context, sessionID string, messageID int64) (*models.Snapshot, error) {
	return s.repo.FirstSnapshotAtOrAfter(ctx, sessionID, messageID)
}
