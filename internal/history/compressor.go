package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// summarizeTimeout bounds one summarizer call. Summarization must never
// block the main turn for long.
const summarizeTimeout = 45 * time.Second

// Summarizer folds new dialogue into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary, dialogue string) (string, error)
}

// ModelSummarizer summarizes with a non-streaming model call.
type ModelSummarizer struct {
	client model.Client
}

// NewModelSummarizer creates a summarizer over client.
func NewModelSummarizer(client model.Client) *ModelSummarizer {
	return &ModelSummarizer{client: client}
}

func (s *ModelSummarizer) Summarize(ctx context.Context, priorSummary, dialogue string) (string, error) {
	var sb strings.Builder
	if priorSummary != "" {
		sb.WriteString("Prior summary:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New dialogue:\n")
	sb.WriteString(dialogue)

	return s.client.Complete(ctx, &model.Request{
		System: "Summarize the conversation tersely. Preserve facts, decisions, " +
			"file paths, and tool results the assistant may need later. Do not editorialize.",
		Messages: []model.ChatMessage{{Role: model.RoleUser, Content: sb.String()}},
	})
}

// Result is the outcome of one compression run. Callers persist the state
// on the session only when DidCompress is true.
type Result struct {
	Summary           string
	BoundaryCallID    int64
	BoundaryMessageID int64
	DidCompress       bool
}

// Compressor enforces the token budget by folding old dialogue into a
// running summary and advancing the compression boundary.
type Compressor struct {
	store      *store.Store
	cfg        *config.Store
	builder    *Builder
	summarizer Summarizer
	logger     *slog.Logger
}

// NewCompressor creates a Compressor.
func NewCompressor(st *store.Store, cfg *config.Store, builder *Builder, summarizer Summarizer, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		store:      st,
		cfg:        cfg,
		builder:    builder,
		summarizer: summarizer,
		logger:     logger.With("component", "compressor"),
	}
}

// Compress runs the compression state machine for a session. Each round
// either strictly advances the boundary, shrinks the protected window, or
// exits; the returned state reflects the last successful round.
func (c *Compressor) Compress(ctx context.Context, session *models.Session) (*Result, error) {
	cfg := c.cfg.Get().Context
	out := &Result{
		Summary:           session.Summary,
		BoundaryCallID:    session.BoundaryCallID,
		BoundaryMessageID: session.BoundaryMessageID,
	}
	if !cfg.CompressionEnabled {
		return out, nil
	}

	startAt := cfg.MaxContextTokens * cfg.CompressStartPct / 100
	targetAt := cfg.MaxContextTokens * cfg.CompressTargetPct / 100

	tokens, err := c.estimate(ctx, session, out)
	if err != nil {
		return nil, err
	}
	if tokens < startAt {
		return out, nil
	}

	keep := cfg.KeepRecentCalls
	step := cfg.StepCalls
	if step < 1 {
		step = 1
	}

	for {
		advanced, exhausted, err := c.round(ctx, session, out, keep, cfg.MinKeepMessages)
		if err != nil {
			return nil, err
		}
		if exhausted {
			return out, nil
		}
		if advanced {
			tokens, err = c.estimate(ctx, session, out)
			if err != nil {
				return nil, err
			}
			c.logger.Debug("compression round",
				"session", session.ID, "boundary", out.BoundaryMessageID, "tokens", tokens)
			if tokens <= targetAt {
				return out, nil
			}
		}
		// Progress: a round that cannot advance must shrink the window
		// or exit.
		if keep == 0 {
			return out, nil
		}
		keep -= step
		if keep < 0 {
			keep = 0
		}
	}
}

// round attempts one boundary advance with the given protected window.
// advanced reports a successful advance; exhausted reports that no
// further compression is possible at any window size.
func (c *Compressor) round(ctx context.Context, session *models.Session, out *Result, keep, minKeep int) (advanced, exhausted bool, err error) {
	calls, err := c.store.ListLLMCallsAfter(ctx, session.ID, out.BoundaryCallID)
	if err != nil {
		return false, false, err
	}
	if len(calls) == 0 {
		return false, true, nil
	}
	if len(calls) <= keep {
		return false, false, nil
	}

	compressible := calls[:len(calls)-keep]
	protected := make(map[int64]struct{})
	for _, call := range calls[len(calls)-keep:] {
		protected[call.MessageID] = struct{}{}
	}

	var candidate *models.LLMCall
	for i := len(compressible) - 1; i >= 0; i-- {
		if _, hit := protected[compressible[i].MessageID]; !hit {
			candidate = compressible[i]
			break
		}
	}
	if candidate == nil {
		return false, false, nil
	}

	msgs, err := c.store.ListMessages(ctx, session.ID, out.BoundaryMessageID)
	if err != nil {
		return false, false, err
	}
	var fold []*models.Message
	remaining := 0
	for _, msg := range msgs {
		if msg.ID <= candidate.MessageID {
			fold = append(fold, msg)
		} else {
			remaining++
		}
	}
	if len(fold) == 0 {
		return false, true, nil
	}
	if remaining < minKeep {
		c.logger.Debug("compression aborted: would drop below min_keep_messages",
			"session", session.ID, "remaining", remaining)
		return false, true, nil
	}

	sctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	summary, err := c.summarizer.Summarize(sctx, out.Summary, renderDialogue(fold))
	cancel()
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			c.logger.Warn("summarization failed", "session", session.ID, "error", err)
		}
		return false, true, nil
	}

	out.Summary = summary
	out.BoundaryCallID = candidate.ID
	out.BoundaryMessageID = candidate.MessageID
	out.DidCompress = true
	return true, false, nil
}

func (c *Compressor) estimate(ctx context.Context, session *models.Session, state *Result) (int, error) {
	window, err := c.builder.BuildWith(ctx, session, state.Summary, state.BoundaryMessageID)
	if err != nil {
		return 0, err
	}
	return EstimateMessages(window), nil
}

func renderDialogue(msgs []*models.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return sb.String()
}
