package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/pkg/models"
)

// CreatePermissionRequest inserts a pending permission request.
func (s *Store) CreatePermissionRequest(ctx context.Context, req *models.PermissionRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = models.PermissionPending
	}
	req.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_requests (id, session_id, tool_name, action, target, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.SessionID, req.ToolName, req.Action, req.Target, req.Reason, req.Status, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("create permission request: %w", err)
	}
	return nil
}

// GetPermissionRequest returns one request by id.
func (s *Store) GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, action, target, reason, status, created_at, decided_at
		FROM permission_requests WHERE id = ?`, id)
	return scanPermission(row)
}

// UpdatePermissionStatus transitions a request to a terminal status. The
// transition only applies while the request is still pending, so a racing
// approver and the timeout path cannot both win.
func (s *Store) UpdatePermissionStatus(ctx context.Context, id string, status models.PermissionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_requests
		SET status = ?, decided_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`, status, id)
	if err != nil {
		return fmt.Errorf("update permission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := s.GetPermissionRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == status {
			return nil
		}
		return fmt.Errorf("permission request %s already %s", id, cur.Status)
	}
	return nil
}

// ListPendingPermissions returns pending requests, optionally filtered by
// session, oldest first.
func (s *Store) ListPendingPermissions(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	query := `
		SELECT id, session_id, tool_name, action, target, reason, status, created_at, decided_at
		FROM permission_requests WHERE status = 'pending'`
	args := []any{}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending permissions: %w", err)
	}
	defer rows.Close()

	var out []*models.PermissionRequest
	for rows.Next() {
		req, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*models.PermissionRequest, error) {
	var req models.PermissionRequest
	var decided sql.NullTime
	err := row.Scan(&req.ID, &req.SessionID, &req.ToolName, &req.Action, &req.Target,
		&req.Reason, &req.Status, &req.CreatedAt, &decided)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan permission request: %w", err)
	}
	if decided.Valid {
		req.DecidedAt = decided.Time
	}
	return &req, nil
}

// PutSnapshot records a workspace snapshot for an assistant message.
func (s *Store) PutSnapshot(ctx context.Context, snap *models.Snapshot) error {
	snap.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, message_id, tree_hash, work_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.SessionID, snap.MessageID, snap.TreeHash, snap.WorkPath, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	return err
}

// GetSnapshotByMessage returns the snapshot taken for the given assistant
// message, if any.
func (s *Store) GetSnapshotByMessage(ctx context.Context, sessionID string, messageID int64) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, message_id, tree_hash, work_path, created_at
		FROM snapshots WHERE session_id = ? AND message_id = ?
		ORDER BY id DESC LIMIT 1`, sessionID, messageID)

	var snap models.Snapshot
	err := row.Scan(&snap.ID, &snap.SessionID, &snap.MessageID, &snap.TreeHash,
		&snap.WorkPath, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// FirstSnapshotAtOrAfter returns the earliest snapshot whose message id is
// >= messageID. Rollback uses it to find the workspace state as of the
// moment the target message began processing.
func (s *Store) FirstSnapshotAtOrAfter(ctx context.Context, sessionID string, messageID int64) (*models.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, message_id, tree_hash, work_path, created_at
		FROM snapshots WHERE session_id = ? AND message_id >= ?
		ORDER BY message_id LIMIT 1`, sessionID, messageID)

	var snap models.Snapshot
	err := row.Scan(&snap.ID, &snap.SessionID, &snap.MessageID, &snap.TreeHash,
		&snap.WorkPath, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot: %w", err)
	}
	return &snap, nil
}
