// Package runtime orchestrates one agent turn end to end: session
// resolution, preprocessing, snapshotting, history assembly, the agent
// loop, and persistence of everything the loop emits.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/history"
	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/observability"
	"github.com/haasonsaas/anvil/internal/snapshot"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/internal/tools"
	"github.com/haasonsaas/anvil/pkg/models"
)

// interruptedMarker is appended to partial assistant content preserved
// after a failed turn.
const interruptedMarker = "\n\n[interrupted]"

var (
	ErrEmptyMessage   = errors.New("runtime: empty message")
	ErrNoModelProfile = errors.New("runtime: no model profile configured")
)

// sessionLocks serializes turns per session. The lock is held across the
// whole turn so message ids and step sequences never interleave.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *sessionLocks) get(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// Runtime is the per-turn orchestrator.
type Runtime struct {
	store      *store.Store
	cfg        *config.Store
	snapshots  *snapshot.Store
	builder    *history.Builder
	compressor *history.Compressor
	dispatcher *tools.Dispatcher
	stops      *agent.StopRegistry
	metrics    *observability.Metrics
	logger     *slog.Logger
	locks      *sessionLocks

	// newClient is swapped by tests.
	newClient func(config.ModelProfile, config.LLMConfig, *slog.Logger) (model.Client, error)
}

// NewRuntime wires the orchestrator. metrics may be nil.
func NewRuntime(st *store.Store, cfg *config.Store, snapshots *snapshot.Store,
	builder *history.Builder, compressor *history.Compressor,
	dispatcher *tools.Dispatcher, stops *agent.StopRegistry,
	metrics *observability.Metrics, logger *slog.Logger) *Runtime {

	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		store:      st,
		cfg:        cfg,
		snapshots:  snapshots,
		builder:    builder,
		compressor: compressor,
		dispatcher: dispatcher,
		stops:      stops,
		metrics:    metrics,
		logger:     logger.With("component", "runtime"),
		locks:      newSessionLocks(),
		newClient:  model.New,
	}
}

// SetClientFactory overrides model client construction. Tests substitute
// fakes through it.
func (r *Runtime) SetClientFactory(fn func(config.ModelProfile, config.LLMConfig, *slog.Logger) (model.Client, error)) {
	r.newClient = fn
}

// IncomingAttachment is one uploaded file accompanying a turn.
type IncomingAttachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// TurnRequest carries one user turn into the runtime.
type TurnRequest struct {
	SessionID         string
	ConfigID          string
	WorkPath          string
	AgentMode         string
	ShellUnrestricted bool
	Message           string
	Attachments       []IncomingAttachment
}

// Turn is a started turn: its identity plus the live step stream. The
// channel closes when the turn terminates.
type Turn struct {
	SessionID          string
	UserMessageID      int64
	AssistantMessageID int64
	UserAttachments    []models.Attachment
	Steps              <-chan models.AgentStep
}

// StartTurn validates and persists the user turn, captures the workspace
// snapshot, and launches the agent loop. A snapshot failure aborts the
// turn before any model call.
func (r *Runtime) StartTurn(ctx context.Context, req *TurnRequest) (*Turn, error) {
	text := PreprocessText(req.Message)
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	session, err := r.resolveSession(ctx, req, text)
	if err != nil {
		return nil, err
	}

	lock := r.locks.get(session.ID)
	lock.Lock()
	abort := func(err error) (*Turn, error) {
		lock.Unlock()
		return nil, err
	}

	userMsg := &models.Message{SessionID: session.ID, Role: models.RoleUser, Content: text}
	if err := r.store.AppendMessage(ctx, userMsg); err != nil {
		return abort(fmt.Errorf("append user message: %w", err))
	}

	attachments, images, err := r.storeAttachments(ctx, session.ID, userMsg.ID, req.Attachments)
	if err != nil {
		return abort(err)
	}

	assistant := &models.Message{SessionID: session.ID, Role: models.RoleAssistant}
	if err := r.store.AppendMessage(ctx, assistant); err != nil {
		return abort(fmt.Errorf("append assistant message: %w", err))
	}

	stop := r.stops.Register(assistant.ID)
	workPath := session.WorkPath
	if workPath == "" {
		workPath = req.WorkPath
	}
	if _, err := r.snapshots.Ensure(ctx, session.ID, assistant.ID, workPath); err != nil {
		r.stops.Clear(assistant.ID)
		return abort(fmt.Errorf("workspace snapshot: %w", err))
	}

	steps := make(chan models.AgentStep, 16)
	go func() {
		defer lock.Unlock()
		defer close(steps)
		defer r.stops.Clear(assistant.ID)
		r.drive(ctx, req, session, workPath, text, images, assistant, stop, steps)
	}()

	return &Turn{
		SessionID:          session.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistant.ID,
		UserAttachments:    attachments,
		Steps:              steps,
	}, nil
}

// Stop sets the stop flag for a running turn. It reports whether a turn
// was registered under the message id.
func (r *Runtime) Stop(messageID int64) bool {
	return r.stops.Stop(messageID)
}

// resolveSession loads the target session or creates one with a
// provisional title derived from the user text, binding the model
// profile.
func (r *Runtime) resolveSession(ctx context.Context, req *TurnRequest, text string) (*models.Session, error) {
	if req.SessionID != "" {
		return r.store.GetSession(ctx, req.SessionID)
	}

	profile, err := r.profileFor(req.ConfigID)
	if err != nil {
		return nil, err
	}
	mc := &models.ModelConfig{
		ID:       profile.ID,
		Name:     profile.ID,
		Provider: profile.Provider,
		Model:    profile.Model,
		BaseURL:  profile.BaseURL,
	}
	if err := r.store.UpsertModelConfig(ctx, mc); err != nil {
		return nil, err
	}

	session := &models.Session{
		Title:         provisionalTitle(text),
		ModelConfigID: mc.ID,
		WorkPath:      req.WorkPath,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// profileFor resolves a model profile by id, falling back to the default
// profile, then the first configured one.
func (r *Runtime) profileFor(id string) (config.ModelProfile, error) {
	profiles := r.cfg.Get().Models
	if len(profiles) == 0 {
		return config.ModelProfile{}, ErrNoModelProfile
	}
	if id != "" {
		for _, p := range profiles {
			if p.ID == id {
				return p, nil
			}
		}
		return config.ModelProfile{}, fmt.Errorf("runtime: unknown model profile %q", id)
	}
	for _, p := range profiles {
		if p.Default {
			return p, nil
		}
	}
	return profiles[0], nil
}

func (r *Runtime) storeAttachments(ctx context.Context, sessionID string, messageID int64, incoming []IncomingAttachment) ([]models.Attachment, []model.Image, error) {
	var attachments []models.Attachment
	var images []model.Image

	for _, in := range incoming {
		att := models.Attachment{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			MessageID: messageID,
			Filename:  in.Filename,
		}
		if strings.HasPrefix(in.MimeType, "image/") {
			processed, err := PreprocessImage(in.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("attachment %s: %w", in.Filename, err)
			}
			att.Kind = "image"
			att.MimeType = processed.MimeType
			att.Width = processed.Width
			att.Height = processed.Height
			att.Size = int64(len(processed.Data))
			att.Data = processed.Data
			images = append(images, model.Image{MimeType: processed.MimeType, Data: processed.Data})
		} else {
			att.Kind = "file"
			att.MimeType = in.MimeType
			att.Size = int64(len(in.Data))
			att.Data = in.Data
		}
		if err := r.store.AddAttachment(ctx, &att); err != nil {
			return nil, nil, err
		}
		attachments = append(attachments, att)
	}
	return attachments, images, nil
}

// drive runs compression, history assembly, and the loop, persisting and
// forwarding every step.
func (r *Runtime) drive(ctx context.Context, req *TurnRequest, session *models.Session,
	workPath, userText string, images []model.Image,
	assistant *models.Message, stop *agent.StopFlag, out chan<- models.AgentStep) {

	if r.metrics != nil {
		r.metrics.TurnStarted()
	}
	outcome := "stopped"
	defer func() {
		if r.metrics != nil {
			r.metrics.TurnFinished(outcome)
		}
	}()

	cfg := r.cfg.Get()

	profile, err := r.profileFor(session.ModelConfigID)
	if err != nil {
		outcome = "error"
		r.fail(ctx, out, session, assistant, fmt.Sprintf("model profile: %v", err))
		return
	}
	client, err := r.newClient(profile, cfg.LLM, r.logger)
	if err != nil {
		outcome = "error"
		r.fail(ctx, out, session, assistant, fmt.Sprintf("model client: %v", err))
		return
	}

	r.compress(ctx, session)

	historyMsgs, err := r.builder.Build(ctx, session)
	if err != nil {
		outcome = "error"
		r.fail(ctx, out, session, assistant, fmt.Sprintf("context assembly: %v", err))
		return
	}
	// The current turn's messages are already persisted; the loop appends
	// the user text itself.
	historyMsgs = trimCurrentTurn(historyMsgs, userText)

	// lastCall is written on the loop goroutine and read only after the
	// step channel closes.
	var lastCall *models.LLMCall

	loop := agent.NewLoop(client, r.dispatcher, cfg.Agent.ReactMaxIterations, r.logger)
	in := &agent.RunInput{
		UserText: userText,
		Images:   images,
		History:  historyMsgs,
		ToolContext: &tools.Context{
			SessionID:         session.ID,
			WorkPath:          workPath,
			AgentMode:         agentMode(req.AgentMode),
			ShellUnrestricted: req.ShellUnrestricted,
		},
		Record: func(iteration int, mreq *model.Request) {
			if call := r.recordCall(ctx, session, assistant, profile, iteration, mreq.Messages); call != nil {
				lastCall = call
			}
		},
		Stop: stop,
	}

	var pendingToolCall int64
	var answer string
	var partial strings.Builder

	for step := range loop.Run(ctx, in) {
		step.SessionID = session.ID
		step.MessageID = assistant.ID

		if step.Kind.Persistent() {
			if err := r.store.AppendStep(ctx, &step); err != nil {
				outcome = "error"
				r.logger.Error("step persistence failed",
					"session", session.ID, "message", assistant.ID, "error", err)
				out <- models.AgentStep{
					SessionID: session.ID, MessageID: assistant.ID,
					Kind: models.StepError, Content: fmt.Sprintf("repository failure: %v", err),
				}
				return
			}
		}

		switch step.Kind {
		case models.StepContentDelta:
			partial.WriteString(step.Content)
		case models.StepAction:
			row := &models.ToolCall{
				SessionID: session.ID,
				MessageID: assistant.ID,
				Name:      step.Content,
				Input:     metaString(step.Metadata, "input"),
			}
			if err := r.store.InsertToolCall(ctx, row); err != nil {
				r.logger.Warn("tool call insert failed", "session", session.ID, "error", err)
			} else {
				pendingToolCall = row.ID
			}
		case models.StepObservation:
			if pendingToolCall != 0 {
				isError, _ := step.Metadata["is_error"].(bool)
				if err := r.store.CompleteToolCall(ctx, pendingToolCall, step.Content, isError); err != nil {
					r.logger.Warn("tool call completion failed", "session", session.ID, "error", err)
				}
				pendingToolCall = 0
			}
		case models.StepError:
			if pendingToolCall != 0 {
				if err := r.store.CompleteToolCall(ctx, pendingToolCall, step.Content, true); err != nil {
					r.logger.Warn("tool call completion failed", "session", session.ID, "error", err)
				}
				pendingToolCall = 0
			}
			outcome = "error"
		case models.StepAnswer:
			answer = step.Content
			outcome = "answer"
		}

		out <- step
	}

	r.finalize(ctx, session, assistant, lastCall, answer, partial.String())

	if answer != "" && session.TurnCount == 0 {
		r.generateTitle(client, session, userText)
	}
	if err := r.store.BumpTurnCount(ctx, session.ID); err != nil {
		r.logger.Warn("turn count bump failed", "session", session.ID, "error", err)
	}
}

// compress runs the context compressor and persists its state when the
// boundary advanced. Compression failure never fails the turn.
func (r *Runtime) compress(ctx context.Context, session *models.Session) {
	if r.compressor == nil {
		return
	}
	res, err := r.compressor.Compress(ctx, session)
	if err != nil {
		r.logger.Warn("compression failed", "session", session.ID, "error", err)
		return
	}
	if !res.DidCompress {
		return
	}
	if err := r.store.UpdateSessionCompression(ctx, session.ID,
		res.Summary, res.BoundaryCallID, res.BoundaryMessageID); err != nil {
		r.logger.Warn("compression persist failed", "session", session.ID, "error", err)
		return
	}
	session.Summary = res.Summary
	session.BoundaryCallID = res.BoundaryCallID
	session.BoundaryMessageID = res.BoundaryMessageID
	if r.metrics != nil {
		r.metrics.RecordCompressionRound()
	}
}

// recordCall persists one llm_calls row per model invocation of the
// turn. Best-effort: a nil return means the row could not be written.
func (r *Runtime) recordCall(ctx context.Context, session *models.Session,
	assistant *models.Message, profile config.ModelProfile,
	iteration int, requestMsgs []model.ChatMessage) *models.LLMCall {

	request, err := json.Marshal(requestMsgs)
	if err != nil {
		request = []byte("{}")
	}
	call := &models.LLMCall{
		SessionID: session.ID,
		MessageID: assistant.ID,
		Iteration: iteration,
		Streaming: true,
		Profile:   profile.ID,
		Request:   string(request),
	}
	if err := r.store.InsertLLMCall(ctx, call); err != nil {
		r.logger.Warn("llm call insert failed", "session", session.ID, "error", err)
		return nil
	}
	return call
}

// finalize writes the assistant message content: the answer when the turn
// produced one, otherwise any partial streamed content with a marker.
func (r *Runtime) finalize(ctx context.Context, session *models.Session,
	assistant *models.Message, llmCall *models.LLMCall, answer, partial string) {

	content := answer
	if content == "" && partial != "" {
		content = partial + interruptedMarker
	}
	if content == "" {
		return
	}
	if err := r.store.FinalizeMessage(ctx, session.ID, assistant.ID, content); err != nil {
		r.logger.Warn("message finalize failed", "session", session.ID, "error", err)
	}
	if llmCall != nil {
		if err := r.store.AttachLLMResponse(ctx, llmCall.ID, "", content, content); err != nil {
			r.logger.Warn("llm call attach failed", "session", session.ID, "error", err)
		}
	}
}

// fail persists and emits a fatal error step.
func (r *Runtime) fail(ctx context.Context, out chan<- models.AgentStep,
	session *models.Session, assistant *models.Message, msg string) {

	step := models.AgentStep{
		SessionID: session.ID,
		MessageID: assistant.ID,
		Kind:      models.StepError,
		Content:   msg,
	}
	if err := r.store.AppendStep(ctx, &step); err != nil {
		r.logger.Error("error step persistence failed", "session", session.ID, "error", err)
	}
	out <- step
}

// generateTitle replaces the provisional title after the first turn.
// Best-effort and bounded; never blocks turn completion meaningfully.
func (r *Runtime) generateTitle(client model.Client, session *models.Session, userText string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.TitleTimeout)
	defer cancel()

	title, err := client.Complete(ctx, &model.Request{
		System: "Write a short title for this conversation, at most six words. " +
			"Reply with the title only.",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: userText}},
	})
	if err != nil {
		r.logger.Warn("title generation failed", "session", session.ID, "error", err)
		return
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return
	}
	if err := r.store.UpdateSessionTitle(ctx, session.ID, title); err != nil {
		r.logger.Warn("title update failed", "session", session.ID, "error", err)
	}
}

// trimCurrentTurn drops the already-persisted current user message and
// the empty assistant placeholder from the rebuilt history; the loop
// re-appends the user text itself.
func trimCurrentTurn(msgs []model.ChatMessage, userText string) []model.ChatMessage {
	n := len(msgs)
	if n > 0 && msgs[n-1].Role == model.RoleAssistant && msgs[n-1].Content == "" && len(msgs[n-1].ToolCalls) == 0 {
		msgs = msgs[:n-1]
		n--
	}
	if n > 0 && msgs[n-1].Role == model.RoleUser && msgs[n-1].Content == userText {
		msgs = msgs[:n-1]
	}
	return msgs
}

func agentMode(s string) tools.AgentMode {
	switch tools.AgentMode(s) {
	case tools.ModeShellSafe:
		return tools.ModeShellSafe
	case tools.ModeSuper:
		return tools.ModeSuper
	default:
		return tools.ModeDefault
	}
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}

func provisionalTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "New session"
	}
	runes := []rune(line)
	if len(runes) > 60 {
		return string(runes[:60]) + "…"
	}
	return line
}
