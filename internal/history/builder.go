package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// SummaryPrefix tags the running summary pseudo-message.
const SummaryPrefix = "[Context Summary]"

// ContextAnnotator contributes an opaque annotation (such as a code map)
// prepended to the context window.
type ContextAnnotator interface {
	Annotate(ctx context.Context, session *models.Session) (string, error)
}

// Builder reconstructs the model context from the repository's dialogue
// after the last compression boundary.
type Builder struct {
	store     *store.Store
	cfg       *config.Store
	annotator ContextAnnotator
	logger    *slog.Logger
}

// NewBuilder creates a Builder. annotator may be nil.
func NewBuilder(st *store.Store, cfg *config.Store, annotator ContextAnnotator, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:     st,
		cfg:       cfg,
		annotator: annotator,
		logger:    logger.With("component", "context_builder"),
	}
}

// Build assembles the context window using the session's persisted
// compression state.
func (b *Builder) Build(ctx context.Context, session *models.Session) ([]model.ChatMessage, error) {
	return b.BuildWith(ctx, session, session.Summary, session.BoundaryMessageID)
}

// BuildWith assembles the context window for an explicit summary and
// boundary. The compressor uses it to evaluate candidate states before
// persisting them.
func (b *Builder) BuildWith(ctx context.Context, session *models.Session, summary string, boundaryMessageID int64) ([]model.ChatMessage, error) {
	var out []model.ChatMessage

	if b.annotator != nil {
		annotation, err := b.annotator.Annotate(ctx, session)
		if err != nil {
			b.logger.Warn("context annotation failed", "session", session.ID, "error", err)
		} else if annotation != "" {
			out = append(out, model.ChatMessage{Role: model.RoleSystem, Content: annotation})
		}
	}

	if summary != "" {
		out = append(out, model.ChatMessage{
			Role:    model.RoleAssistant,
			Content: SummaryPrefix + "\n" + summary,
		})
	}

	msgs, err := b.store.ListMessages(ctx, session.ID, boundaryMessageID)
	if err != nil {
		return nil, err
	}

	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			expanded, err := b.expandAssistant(ctx, msg)
			if err != nil {
				return nil, err
			}
			out = append(out, expanded...)
		default:
			out = append(out, model.ChatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return out, nil
}

// expandAssistant interleaves an assistant message's persisted tool steps
// as paired tool_calls and tool messages, preserving step order. Actions
// and observations are paired by a synthetic correlation id; an
// observation with no prior action gets a fabricated action with empty
// arguments so the pairing stays well-formed.
func (b *Builder) expandAssistant(ctx context.Context, msg *models.Message) ([]model.ChatMessage, error) {
	steps, err := b.store.ListSteps(ctx, msg.SessionID, msg.ID)
	if err != nil {
		return nil, err
	}

	var out []model.ChatMessage
	var pendingCallID string

	for _, step := range steps {
		switch step.Kind {
		case models.StepAction:
			callID := correlationID(msg.ID, step.Sequence)
			input := metaString(step.Metadata, "input")
			out = append(out, model.ChatMessage{
				Role: model.RoleAssistant,
				ToolCalls: []model.ToolInvocation{{
					ID:        callID,
					Name:      step.Content,
					Arguments: b.truncate(input),
				}},
			})
			pendingCallID = callID

		case models.StepObservation:
			if pendingCallID == "" {
				// Orphan observation: fabricate its action.
				callID := correlationID(msg.ID, step.Sequence)
				tool := metaString(step.Metadata, "tool")
				if tool == "" {
					tool = "unknown"
				}
				out = append(out, model.ChatMessage{
					Role: model.RoleAssistant,
					ToolCalls: []model.ToolInvocation{{
						ID:        callID,
						Name:      tool,
						Arguments: "",
					}},
				})
				pendingCallID = callID
			}
			out = append(out, model.ChatMessage{
				Role:       model.RoleTool,
				ToolCallID: pendingCallID,
				Content:    b.truncate(step.Content),
			})
			pendingCallID = ""

		case models.StepError:
			if pendingCallID != "" {
				// A failed dispatch observes as its error text.
				out = append(out, model.ChatMessage{
					Role:       model.RoleTool,
					ToolCallID: pendingCallID,
					Content:    b.truncate(step.Content),
				})
				pendingCallID = ""
			}
		}
	}

	if msg.Content != "" {
		out = append(out, model.ChatMessage{Role: model.RoleAssistant, Content: msg.Content})
	}
	return out, nil
}

func (b *Builder) truncate(s string) string {
	cfg := b.cfg.Get().Context
	if !cfg.TruncateLongData {
		return s
	}
	return MiddleTruncate(s, cfg.LongDataThreshold, cfg.LongDataHeadChars, cfg.LongDataTailChars)
}

func correlationID(messageID int64, sequence int) string {
	return fmt.Sprintf("call_%d_%d", messageID, sequence)
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
