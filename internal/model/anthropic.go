package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/anvil/internal/config"
)

const (
	defaultAnthropicMaxTokens = 4096

	// Consecutive events that carry nothing before the stream is treated
	// as malformed.
	maxEmptyStreamEvents = 100
)

// AnthropicClient speaks the Anthropic messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

// NewAnthropic creates a client for the given model profile.
func NewAnthropic(profile config.ModelProfile, logger *slog.Logger) (*AnthropicClient, error) {
	if profile.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if strings.TrimSpace(profile.BaseURL) != "" {
		options = append(options, option.WithBaseURL(profile.BaseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(options...),
		model:  profile.Model,
		logger: logger.With("component", "anthropic_client"),
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Stream starts a streaming message.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Messages.NewStreaming(ctx, params)

	events := make(chan Event)
	go c.processStream(stream, events)
	return events, nil
}

// Complete performs a blocking message call and concatenates the text
// blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (string, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", wrapAnthropicError(err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func (c *AnthropicClient) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := c.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: tool %s schema: %w", def.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			toolParam.OfTool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event) {
	defer close(events)

	var text strings.Builder
	var calls []ToolInvocation
	var currentCall *ToolInvocation
	var currentInput strings.Builder
	toolIndex := -1
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &ToolInvocation{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				toolIndex++
				events <- Event{
					Type:   EventToolCallDelta,
					Index:  toolIndex,
					CallID: toolUse.ID,
					Name:   toolUse.Name,
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					events <- Event{Type: EventContent, Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- Event{Type: EventReasoning, Text: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					events <- Event{
						Type:      EventToolCallDelta,
						Index:     toolIndex,
						ArgsDelta: delta.PartialJSON,
					}
					processed = true
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Arguments = currentInput.String()
				calls = append(calls, *currentCall)
				currentCall = nil
				processed = true
			}

		case "message_delta":
			processed = true

		case "message_stop":
			events <- Event{Type: EventDone, FinalText: text.String(), Calls: calls}
			return

		case "error":
			events <- Event{Type: EventError, Err: errors.New("anthropic: stream error")}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				events <- Event{Type: EventError,
					Err: fmt.Errorf("anthropic: %d consecutive empty stream events", emptyEvents)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- Event{Type: EventError, Err: wrapAnthropicError(err)}
		return
	}
	// Stream ended without message_stop; surface what arrived.
	events <- Event{Type: EventDone, FinalText: text.String(), Calls: calls}
}

func (c *AnthropicClient) convertMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Role == RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			content = append(content, anthropic.NewImageBlockBase64(
				img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(
				tc.ID, toolArgsJSON(tc.Arguments), tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

// toolArgsJSON returns tool-call arguments as a valid JSON value.
// Text-marker flows persist raw inputs like "2+2" verbatim; those are
// wrapped so the tool_use block stays marshalable.
func toolArgsJSON(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"input": raw})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "anthropic", StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}
