// Package permission provides the out-of-band approval queue that gates
// policy-violating tool invocations.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// PollInterval is how often a waiting tool re-reads its request status.
// Polling rather than signaling is deliberate: the approver may be a
// separate process reading the same database, and a decision it writes
// becomes visible to the poller within one interval.
const PollInterval = 500 * time.Millisecond

// Broker manages permission requests. Reads are lock-free snapshots from
// the repository; the status update is the only row-exclusive write.
type Broker struct {
	store  *store.Store
	logger *slog.Logger

	// pollInterval is overridable in tests.
	pollInterval time.Duration
}

// NewBroker creates a broker over the repository.
func NewBroker(st *store.Store, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:        st,
		logger:       logger.With("component", "permission_broker"),
		pollInterval: PollInterval,
	}
}

// Create files a new pending request and returns its id.
func (b *Broker) Create(ctx context.Context, req *models.PermissionRequest) (string, error) {
	if err := b.store.CreatePermissionRequest(ctx, req); err != nil {
		return "", err
	}
	b.logger.Info("permission request created",
		"id", req.ID, "tool", req.ToolName, "target", req.Target)
	return req.ID, nil
}

// Get returns the current state of a request.
func (b *Broker) Get(ctx context.Context, id string) (*models.PermissionRequest, error) {
	return b.store.GetPermissionRequest(ctx, id)
}

// Update transitions a pending request to a terminal status.
func (b *Broker) Update(ctx context.Context, id string, status models.PermissionStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("permission status %q is not terminal", status)
	}
	if err := b.store.UpdatePermissionStatus(ctx, id, status); err != nil {
		return err
	}
	b.logger.Info("permission request decided", "id", id, "status", status)
	return nil
}

// ListPending returns pending requests for surfacing to an approver UI.
func (b *Broker) ListPending(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	return b.store.ListPendingPermissions(ctx, sessionID)
}

// Await polls request id until it reaches a terminal status or timeout
// elapses. On timeout the request itself is transitioned to timeout so
// approver UIs stop offering it. The caller holds no repository locks
// while waiting.
func (b *Broker) Await(ctx context.Context, id string, timeout time.Duration) (models.PermissionStatus, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		req, err := b.store.GetPermissionRequest(ctx, id)
		if err != nil {
			return "", err
		}
		if req.Status.Terminal() {
			return req.Status, nil
		}
		if time.Now().After(deadline) {
			if err := b.store.UpdatePermissionStatus(ctx, id, models.PermissionTimeout); err != nil {
				b.logger.Warn("failed to mark permission timeout", "id", id, "error", err)
			}
			return models.PermissionTimeout, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetPollInterval overrides the polling cadence. Intended for tests.
func (b *Broker) SetPollInterval(d time.Duration) {
	if d > 0 {
		b.pollInterval = d
	}
}
