// Package provider defines the boundary to conversational-AI providers: the
// request they receive and the chunk stream they yield.
package provider

import (
	"context"
	"encoding/json"

	"github.com/gosuda/parley/internal/domain"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one content block of a conversation message.
type Part interface{ isPart() }

type TextPart struct {
	Text string
}

// ThinkingPart is a reasoning block returned to the provider on the next turn.
// Signature authenticates Text; Redacted holds an opaque block instead.
type ThinkingPart struct {
	Text      string
	Signature string
	Redacted  string
}

type ToolUsePart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResultPart struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextPart) isPart()       {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

type Message struct {
	Role  Role
	Parts []Part
}

// ToolDefinition advertises one tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

type Request struct {
	Model          string
	System         string
	Messages       []Message
	Tools          []ToolDefinition
	MaxTokens      int
	ThinkingBudget int // 0 disables extended thinking
}

type ChunkType string

const (
	ChunkText        ChunkType = "text"
	ChunkThinking    ChunkType = "thinking"
	ChunkThinkingEnd ChunkType = "thinking_end"
	ChunkToolStart   ChunkType = "tool_start"
	ChunkToolDelta   ChunkType = "tool_delta"
	ChunkToolEnd     ChunkType = "tool_end"
	ChunkUsage       ChunkType = "usage"
	ChunkStop        ChunkType = "stop"
)

// Chunk is one normalized fragment of a provider stream. Index identifies the
// content block a fragment belongs to.
type Chunk struct {
	Type       ChunkType
	Index      int
	Text       string // text, thinking and tool_delta fragments
	ToolID     string // tool_start
	ToolName   string // tool_start
	Usage      *domain.Usage
	StopReason string
	Signature  string // thinking_end
	Redacted   string // thinking_end of a redacted block
}

// Stop reasons the executor branches on.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Stream yields chunks until io.EOF. Close releases the underlying
// connection and may be called at any time.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (Stream, error)
}
