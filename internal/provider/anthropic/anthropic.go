// Package anthropic implements provider.Provider on the Anthropic Messages
// streaming API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/gosuda/parley/internal/provider"
)

const Name = "anthropic"

var (
	ErrNoMessages   = errors.New("anthropic: messages are required")        //nolint:gochecknoglobals // sentinel error
	ErrNoModel      = errors.New("anthropic: model identifier is required") //nolint:gochecknoglobals // sentinel error
	ErrBadMaxTokens = errors.New("anthropic: max_tokens must be positive")  //nolint:gochecknoglobals // sentinel error
	ErrBadThinking  = errors.New("anthropic: invalid thinking budget")      //nolint:gochecknoglobals // sentinel error
	ErrNoAPIKey     = errors.New("anthropic: api key is required")          //nolint:gochecknoglobals // sentinel error
)

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

func New(msg MessagesClient, defaultModel string, maxTokens int) *Client {
	return &Client{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens}
}

// NewFromConfig is the provider.Factory for the anthropic provider.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	ac := sdk.NewClient(opts...)
	return New(&ac.Messages, cfg.Model, cfg.MaxTokens), nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Stream(ctx context.Context, req *provider.Request) (provider.Stream, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic.Client.Stream: %w", err)
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("anthropic.Client.Stream: %w", err)
	}
	return newStream(stream), nil
}

func (c *Client) params(req *provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, ErrNoModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, ErrBadMaxTokens
	}

	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if b := req.ThinkingBudget; b > 0 {
		if b < 1024 || b >= maxTokens {
			return nil, fmt.Errorf("%w: %d must be in [1024, max_tokens=%d)", ErrBadThinking, b, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(b))
	}
	return params, nil
}

func encodeMessages(msgs []provider.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch p := part.(type) {
			case provider.TextPart:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case provider.ThinkingPart:
				switch {
				case p.Redacted != "":
					blocks = append(blocks, sdk.NewRedactedThinkingBlock(p.Redacted))
				case p.Signature != "" && p.Text != "":
					blocks = append(blocks, sdk.NewThinkingBlock(p.Signature, p.Text))
				}
			case provider.ToolUsePart:
				input := p.Input
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.ID, input, p.Name))
			case provider.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolUseID, p.Content, p.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case provider.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case provider.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoMessages
	}
	return out, nil
}

func encodeTools(defs []provider.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if len(def.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.InputSchema, &m); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
			}
			schema.ExtraFields = m
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}
