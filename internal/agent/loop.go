// Package agent implements the iterative reason-act-observe loop that
// drives a turn: call the model, parse its reply, execute tools, and
// emit a strictly sequential stream of agent steps.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/tools"
	"github.com/haasonsaas/anvil/pkg/models"
)

// ExhaustedAnswer is the synthetic answer emitted when the iteration
// bound is reached without a final answer.
const ExhaustedAnswer = "Maximum iterations reached without a final answer."

// Loop is the per-turn state machine.
type Loop struct {
	client        model.Client
	dispatcher    *tools.Dispatcher
	maxIterations int
	logger        *slog.Logger
}

// NewLoop creates a loop bound to a model client and a dispatcher.
func NewLoop(client model.Client, dispatcher *tools.Dispatcher, maxIterations int, logger *slog.Logger) *Loop {
	if maxIterations < 1 {
		maxIterations = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:        client,
		dispatcher:    dispatcher,
		maxIterations: maxIterations,
		logger:        logger.With("component", "agent_loop"),
	}
}

// RunInput is one turn's worth of loop input.
type RunInput struct {
	// UserText is the preprocessed user message.
	UserText string
	// Images are the user's image attachments, already re-encoded.
	Images []model.Image
	// History is the dialogue context assembled for this turn. It does
	// not include the current user message.
	History []model.ChatMessage
	// ToolContext is the policy bag carried through tool invocations.
	ToolContext *tools.Context
	// Record, when set, observes each model invocation before it is
	// streamed, keyed by iteration.
	Record func(iteration int, req *model.Request)
	// Stop aborts the turn between chunks and iterations.
	Stop *StopFlag
}

// Run executes the loop and returns its event stream. The channel is
// closed when the turn terminates.
func (l *Loop) Run(ctx context.Context, in *RunInput) <-chan models.AgentStep {
	out := make(chan models.AgentStep)
	go l.run(ctx, in, out)
	return out
}

func (l *Loop) run(ctx context.Context, in *RunInput, out chan<- models.AgentStep) {
	defer close(out)

	defs := l.dispatcher.Registry().Definitions()
	var scratchpad []string

	userMsg := model.ChatMessage{
		Role:    model.RoleUser,
		Content: in.UserText,
		Images:  in.Images,
	}

	for iter := 0; iter < l.maxIterations; iter++ {
		if l.stopped(in) {
			return
		}

		req := &model.Request{
			System:   l.systemPrompt(defs, scratchpad),
			Messages: append(append([]model.ChatMessage{}, in.History...), userMsg),
			Tools:    defs,
		}

		if in.Record != nil {
			in.Record(iter, req)
		}

		events, err := l.client.Stream(ctx, req)
		if err != nil {
			out <- errorStep(fmt.Sprintf("model call failed: %v", err))
			return
		}

		final, ok := l.consume(events, in, out)
		if !ok {
			return
		}

		// Native tool calls bypass marker parsing.
		if len(final.Calls) > 0 {
			for _, call := range final.Calls {
				if l.stopped(in) {
					return
				}
				if !l.step(ctx, in, out, &scratchpad, "", call.Name, call.Arguments, call.ID) {
					return
				}
			}
			continue
		}

		parsed := parseReply(final.FinalText)

		// A final answer wins over any action in the same reply.
		if parsed.HasFinal {
			l.answer(out, parsed.FinalAnswer, iter+1, len(scratchpad))
			return
		}
		if !parsed.HasAction {
			// No markers at all: the whole reply is the answer.
			l.answer(out, strings.TrimSpace(final.FinalText), iter+1, len(scratchpad))
			return
		}
		if parsed.Action == "" || strings.TrimSpace(parsed.ActionInput) == "" {
			out <- models.AgentStep{Kind: models.StepThought, Content: "(no action determined)"}
			scratchpad = append(scratchpad, "Thought: (no action determined)")
			continue
		}

		if !l.step(ctx, in, out, &scratchpad, parsed.Thought, parsed.Action, parsed.ActionInput, "") {
			return
		}
	}

	l.answer(out, ExhaustedAnswer, l.maxIterations, -1)
}

// consume drains one model stream, forwarding deltas. It returns the done
// event; ok is false when the turn must end (stop or stream error).
func (l *Loop) consume(events <-chan model.Event, in *RunInput, out chan<- models.AgentStep) (model.Event, bool) {
	var reasoning strings.Builder
	var final model.Event

	for ev := range events {
		if l.stopped(in) {
			go drain(events)
			return final, false
		}
		switch ev.Type {
		case model.EventContent:
			out <- models.AgentStep{Kind: models.StepContentDelta, Content: ev.Text}
		case model.EventReasoning:
			reasoning.WriteString(ev.Text)
			out <- models.AgentStep{Kind: models.StepReasoningDelta, Content: ev.Text}
		case model.EventToolCallDelta:
			out <- models.AgentStep{
				Kind:    models.StepToolCallDelta,
				Content: ev.ArgsDelta,
				Metadata: map[string]any{
					"index":   ev.Index,
					"call_id": ev.CallID,
					"tool":    ev.Name,
				},
			}
		case model.EventDone:
			final = ev
		case model.EventError:
			out <- errorStep(fmt.Sprintf("model stream failed: %v", ev.Err))
			go drain(events)
			return final, false
		}
	}

	if reasoning.Len() > 0 {
		out <- models.AgentStep{Kind: models.StepReasoning, Content: reasoning.String()}
	}
	return final, true
}

// step emits the thought/action pair for one tool invocation, dispatches
// it, and emits the observation. It reports whether the loop continues.
func (l *Loop) step(ctx context.Context, in *RunInput, out chan<- models.AgentStep, scratchpad *[]string, thought, action, input, callID string) bool {
	if thought != "" {
		out <- models.AgentStep{Kind: models.StepThought, Content: thought}
	}

	meta := map[string]any{"tool": action, "input": input}
	if callID != "" {
		meta["call_id"] = callID
	}
	out <- models.AgentStep{Kind: models.StepAction, Content: action, Metadata: meta}

	var entry strings.Builder
	if thought != "" {
		entry.WriteString("Thought: " + thought + "\n")
	}
	entry.WriteString("Action: " + action + "\nAction Input: " + input)
	*scratchpad = append(*scratchpad, entry.String())

	res, err := l.dispatcher.Dispatch(ctx, action, input, in.ToolContext)
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		observation := fmt.Sprintf("tool not found: %s", action)
		out <- models.AgentStep{Kind: models.StepError, Content: observation, Metadata: meta}
		*scratchpad = append(*scratchpad, "Observation: "+observation)
		return true
	case err != nil:
		out <- errorStep(fmt.Sprintf("tool dispatch failed: %v", err))
		return false
	}

	if l.stopped(in) {
		return false
	}
	obsMeta := map[string]any{"tool": action, "is_error": res.IsError}
	if callID != "" {
		obsMeta["call_id"] = callID
	}
	out <- models.AgentStep{Kind: models.StepObservation, Content: res.Content, Metadata: obsMeta}
	*scratchpad = append(*scratchpad, "Observation: "+res.Content)
	return true
}

func (l *Loop) answer(out chan<- models.AgentStep, content string, iterations, scratchpadLen int) {
	meta := map[string]any{"iterations": iterations}
	if scratchpadLen >= 0 {
		meta["scratchpad_len"] = scratchpadLen
	}
	out <- models.AgentStep{Kind: models.StepAnswer, Content: content, Metadata: meta}
}

func (l *Loop) stopped(in *RunInput) bool {
	return in.Stop != nil && in.Stop.IsSet()
}

func (l *Loop) systemPrompt(defs []model.ToolDefinition, scratchpad []string) string {
	var sb strings.Builder
	sb.WriteString("You are a capable assistant operating inside a workspace.\n")

	if len(defs) > 0 {
		sb.WriteString("\nYou can use these tools:\n")
		for _, def := range defs {
			fmt.Fprintf(&sb, "- %s: %s\n", def.Name, def.Description)
		}
		sb.WriteString("\nTo use a tool, reply with:\n")
		sb.WriteString("Thought: why you are taking this step\n")
		sb.WriteString("Action: the tool name\n")
		sb.WriteString("Action Input: the tool arguments\n")
		sb.WriteString("\nWhen you know the answer, reply with:\nFinal Answer: the answer\n")
	}

	if len(scratchpad) > 0 {
		sb.WriteString("\nSteps taken so far:\n")
		for _, entry := range scratchpad {
			sb.WriteString(entry)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func errorStep(content string) models.AgentStep {
	return models.AgentStep{Kind: models.StepError, Content: content}
}

// drain discards the rest of an abandoned stream so the producer can
// finish.
func drain(events <-chan model.Event) {
	for range events {
	}
}
