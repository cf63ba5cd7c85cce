package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/anvil/internal/config"
)

// OpenAIClient speaks the chat completions API, including
// OpenAI-compatible endpoints selected via base_url.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a client for the given model profile.
func NewOpenAI(profile config.ModelProfile, logger *slog.Logger) (*OpenAIClient, error) {
	if profile.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(profile.APIKey)
	if profile.BaseURL != "" {
		cfg.BaseURL = profile.BaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  profile.Model,
		logger: logger.With("component", "openai_client"),
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Stream starts a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, err
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}

	events := make(chan Event)
	go c.processStream(ctx, stream, events)
	return events, nil
}

// Complete performs a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (string, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return "", err
	}
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) buildRequest(req *Request, streaming bool) (openai.ChatCompletionRequest, error) {
	messages, err := c.convertMessages(req)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   streaming,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return chatReq, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event) {
	defer close(events)
	defer stream.Close()

	var text strings.Builder
	pending := make(map[int]*ToolInvocation)
	var order []int

	flush := func() []ToolInvocation {
		var calls []ToolInvocation
		for _, idx := range order {
			tc := pending[idx]
			if tc != nil && tc.Name != "" {
				calls = append(calls, *tc)
			}
		}
		return calls
	}

	for {
		select {
		case <-ctx.Done():
			events <- Event{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				events <- Event{
					Type:      EventDone,
					FinalText: text.String(),
					Calls:     flush(),
				}
				return
			}
			events <- Event{Type: EventError, Err: wrapOpenAIError(err)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			events <- Event{Type: EventContent, Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			events <- Event{Type: EventReasoning, Text: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			slot := pending[index]
			if slot == nil {
				slot = &ToolInvocation{}
				pending[index] = slot
				order = append(order, index)
			}
			if tc.ID != "" {
				slot.ID = tc.ID
			}
			if tc.Function.Name != "" {
				slot.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				slot.Arguments += tc.Function.Arguments
			}
			events <- Event{
				Type:      EventToolCallDelta,
				Index:     index,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}
		}
	}
}

func (c *OpenAIClient) convertMessages(req *Request) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		out := openai.ChatCompletionMessage{Role: msg.Role}

		switch {
		case msg.Role == RoleTool:
			out.Content = msg.Content
			out.ToolCallID = msg.ToolCallID

		case len(msg.Images) > 0:
			var parts []openai.ChatMessagePart
			if msg.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s",
							img.MimeType, base64.StdEncoding.EncodeToString(img.Data)),
					},
				})
			}
			out.MultiContent = parts

		default:
			out.Content = msg.Content
		}

		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		result = append(result, out)
	}
	return result, nil
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "openai", StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Provider: "openai", StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
