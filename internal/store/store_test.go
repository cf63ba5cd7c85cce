package store

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/anvil/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestSession(t *testing.T, st *Store) *models.Session {
	t.Helper()
	sess := &models.Session{Title: "test"}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func appendMsg(t *testing.T, st *Store, sessionID string, role models.Role, content string) *models.Message {
	t.Helper()
	msg := &models.Message{SessionID: sessionID, Role: role, Content: content}
	if err := st.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("append message: %v", err)
	}
	return msg
}

func TestMessageIDsIncreasePerSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := newTestSession(t, st)
	b := newTestSession(t, st)

	for i := 1; i <= 3; i++ {
		msg := appendMsg(t, st, a.ID, models.RoleUser, "hi")
		if msg.ID != int64(i) {
			t.Errorf("session a message %d got id %d", i, msg.ID)
		}
	}
	// IDs are scoped to the session, not global.
	if msg := appendMsg(t, st, b.ID, models.RoleUser, "hi"); msg.ID != 1 {
		t.Errorf("session b first message id = %d, want 1", msg.ID)
	}

	got, err := st.GetSession(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", got.MessageCount)
	}
}

func TestListMessagesAfter(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	for _, content := range []string{"one", "two", "three"} {
		appendMsg(t, st, sess.ID, models.RoleUser, content)
	}

	msgs, err := st.ListMessages(context.Background(), sess.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Errorf("messages after 1 = %+v", msgs)
	}
}

func TestFinalizeMessage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	if err := st.FinalizeMessage(ctx, sess.ID, msg.ID, "done"); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetMessage(ctx, sess.ID, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "done" {
		t.Errorf("content = %q, want done", got.Content)
	}
}

func TestAppendStepAssignsDenseSequences(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	kinds := []models.StepKind{models.StepThought, models.StepAction, models.StepObservation, models.StepAnswer}
	for i, kind := range kinds {
		step := &models.AgentStep{SessionID: sess.ID, MessageID: msg.ID, Kind: kind, Content: "x"}
		if err := st.AppendStep(ctx, step); err != nil {
			t.Fatalf("append step %s: %v", kind, err)
		}
		if step.Sequence != i {
			t.Errorf("step %s sequence = %d, want %d", kind, step.Sequence, i)
		}
	}

	steps, err := st.ListSteps(ctx, sess.ID, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != len(kinds) {
		t.Fatalf("steps = %d, want %d", len(steps), len(kinds))
	}
	for i, step := range steps {
		if step.Sequence != i || step.Kind != kinds[i] {
			t.Errorf("step[%d] = (%d, %s), want (%d, %s)", i, step.Sequence, step.Kind, i, kinds[i])
		}
	}
}

func TestAppendStepRejectsDeltaKinds(t *testing.T) {
	st := newTestStore(t)
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	for _, kind := range []models.StepKind{
		models.StepContentDelta, models.StepReasoningDelta, models.StepToolCallDelta,
	} {
		err := st.AppendStep(context.Background(), &models.AgentStep{
			SessionID: sess.ID, MessageID: msg.ID, Kind: kind, Content: "x",
		})
		if err == nil {
			t.Errorf("AppendStep accepted delta kind %s", kind)
		}
	}
}

func TestStepMetadataRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	step := &models.AgentStep{
		SessionID: sess.ID, MessageID: msg.ID, Kind: models.StepAction, Content: "run_shell",
		Metadata: map[string]any{"tool_name": "run_shell", "call_id": "c1"},
	}
	if err := st.AppendStep(ctx, step); err != nil {
		t.Fatal(err)
	}

	steps, err := st.ListSteps(ctx, sess.ID, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Metadata["tool_name"] != "run_shell" || steps[0].Metadata["call_id"] != "c1" {
		t.Errorf("metadata = %+v", steps[0].Metadata)
	}
}

func TestToolCallInsertAndComplete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	call := &models.ToolCall{
		SessionID: sess.ID, MessageID: msg.ID, Name: "run_shell", Input: `{"command":"ls"}`,
	}
	if err := st.InsertToolCall(ctx, call); err != nil {
		t.Fatal(err)
	}
	if call.ID == 0 {
		t.Fatal("tool call id not assigned")
	}
	if err := st.CompleteToolCall(ctx, call.ID, "file.txt\n[exit_code=0]", false); err != nil {
		t.Fatal(err)
	}

	calls, err := st.ListToolCalls(ctx, sess.ID, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Output != "file.txt\n[exit_code=0]" || calls[0].IsError {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestLLMCallLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	msg := appendMsg(t, st, sess.ID, models.RoleAssistant, "")

	call := &models.LLMCall{
		SessionID: sess.ID, MessageID: msg.ID, Iteration: 0, Streaming: true,
		Profile: "p1", Format: "text", Request: `[{"role":"user"}]`,
	}
	if err := st.InsertLLMCall(ctx, call); err != nil {
		t.Fatal(err)
	}
	if err := st.AttachLLMResponse(ctx, call.ID, "raw", "extracted", "processed"); err != nil {
		t.Fatal(err)
	}

	calls, err := st.ListLLMCallsAfter(ctx, sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	got := calls[0]
	if !got.Streaming || got.Response != "raw" || got.ExtractedText != "extracted" || got.ProcessedText != "processed" {
		t.Errorf("call = %+v", got)
	}

	// afterID excludes the call itself.
	calls, err = st.ListLLMCallsAfter(ctx, sess.ID, got.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("calls after %d = %d, want 0", got.ID, len(calls))
	}
}

func TestPermissionStatusTransitions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	req := &models.PermissionRequest{
		SessionID: "sess-1", ToolName: "run_shell", Action: "shell", Target: "rm -rf build",
	}
	if err := st.CreatePermissionRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if req.Status != models.PermissionPending {
		t.Fatalf("initial status = %s, want pending", req.Status)
	}

	pending, err := st.ListPendingPermissions(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("pending = %+v", pending)
	}

	if err := st.UpdatePermissionStatus(ctx, req.ID, models.PermissionApproved); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetPermissionRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.PermissionApproved || got.DecidedAt.IsZero() {
		t.Errorf("decided request = %+v", got)
	}

	// A second, conflicting decision is rejected; a matching one is idempotent.
	if err := st.UpdatePermissionStatus(ctx, req.ID, models.PermissionDenied); err == nil {
		t.Error("conflicting decision accepted")
	}
	if err := st.UpdatePermissionStatus(ctx, req.ID, models.PermissionApproved); err != nil {
		t.Errorf("idempotent decision rejected: %v", err)
	}

	pending, err = st.ListPendingPermissions(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after decision = %+v", pending)
	}
}

func TestSnapshotLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)

	for _, snap := range []*models.Snapshot{
		{SessionID: sess.ID, MessageID: 2, TreeHash: "aaa", WorkPath: "/w"},
		{SessionID: sess.ID, MessageID: 6, TreeHash: "bbb", WorkPath: "/w"},
	} {
		if err := st.PutSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := st.FirstSnapshotAtOrAfter(ctx, sess.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if snap.MessageID != 6 || snap.TreeHash != "bbb" {
		t.Errorf("snapshot at-or-after 3 = %+v", snap)
	}

	snap, err = st.GetSnapshotByMessage(ctx, sess.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if snap.TreeHash != "aaa" {
		t.Errorf("snapshot for message 2 = %+v", snap)
	}

	if _, err := st.FirstSnapshotAtOrAfter(ctx, sess.ID, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("past-end lookup err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMessagesFromCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)

	for i := 0; i < 4; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		appendMsg(t, st, sess.ID, role, "m")
	}
	for _, id := range []int64{2, 4} {
		if err := st.AppendStep(ctx, &models.AgentStep{
			SessionID: sess.ID, MessageID: id, Kind: models.StepAnswer, Content: "a",
		}); err != nil {
			t.Fatal(err)
		}
		if err := st.InsertToolCall(ctx, &models.ToolCall{
			SessionID: sess.ID, MessageID: id, Name: "calc", Input: "{}",
		}); err != nil {
			t.Fatal(err)
		}
		if err := st.InsertLLMCall(ctx, &models.LLMCall{
			SessionID: sess.ID, MessageID: id, Profile: "p1",
		}); err != nil {
			t.Fatal(err)
		}
		if err := st.PutSnapshot(ctx, &models.Snapshot{
			SessionID: sess.ID, MessageID: id, TreeHash: "h", WorkPath: "/w",
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := st.DeleteMessagesFrom(ctx, sess.ID, 3); err != nil {
		t.Fatal(err)
	}

	msgs, err := st.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[len(msgs)-1].ID != 2 {
		t.Fatalf("messages after delete = %+v", msgs)
	}

	// Children of message 2 survive; children of message 4 are gone.
	if steps, _ := st.ListSteps(ctx, sess.ID, 2); len(steps) != 1 {
		t.Errorf("steps for message 2 = %d, want 1", len(steps))
	}
	if steps, _ := st.ListSteps(ctx, sess.ID, 4); len(steps) != 0 {
		t.Errorf("steps for message 4 = %d, want 0", len(steps))
	}
	if calls, _ := st.ListToolCalls(ctx, sess.ID, 4); len(calls) != 0 {
		t.Errorf("tool calls for message 4 = %d, want 0", len(calls))
	}
	if _, err := st.GetSnapshotByMessage(ctx, sess.ID, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot for message 4 err = %v, want ErrNotFound", err)
	}

	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 2 {
		t.Errorf("message count after delete = %d, want 2", got.MessageCount)
	}

	// The next append reuses the freed id range.
	if msg := appendMsg(t, st, sess.ID, models.RoleUser, "new"); msg.ID != 3 {
		t.Errorf("post-rollback message id = %d, want 3", msg.ID)
	}
}

func TestSessionCompressionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)

	if err := st.UpdateSessionCompression(ctx, sess.ID, "earlier: greetings", 12, 8); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "earlier: greetings" || got.BoundaryCallID != 12 || got.BoundaryMessageID != 8 {
		t.Errorf("compression state = (%q, %d, %d)", got.Summary, got.BoundaryCallID, got.BoundaryMessageID)
	}
}

func TestDeleteSession(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)
	appendMsg(t, st, sess.ID, models.RoleUser, "hi")

	if err := st.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSession(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if msgs, _ := st.ListMessages(ctx, sess.ID, 0); len(msgs) != 0 {
		t.Errorf("messages after session delete = %d, want 0", len(msgs))
	}
}

func TestListSessionsLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	newTestSession(t, st)
	newTestSession(t, st)

	sessions, err := st.ListSessions(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}

	sessions, err = st.ListSessions(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("limited sessions = %d, want 1", len(sessions))
	}
}
