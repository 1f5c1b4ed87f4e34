package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates AgentEvent variants.
type EventKind string

const (
	KindSessionStart      EventKind = "session_start"
	KindSessionEnd        EventKind = "session_end"
	KindComplete          EventKind = "complete"
	KindError             EventKind = "error"
	KindThinking          EventKind = "thinking"
	KindMessageChunk      EventKind = "message_chunk"
	KindMessage           EventKind = "message"
	KindToolUse           EventKind = "tool_use"
	KindToolResult        EventKind = "tool_result"
	KindApprovalRequested EventKind = "approval_requested"
	KindApprovalResolved  EventKind = "approval_resolved"
)

// Durable reports whether events of this kind are sequenced and persisted.
// message_chunk is the only transient kind.
func (k EventKind) Durable() bool {
	switch k {
	case KindMessageChunk:
		return false
	case KindSessionStart, KindSessionEnd, KindComplete, KindError, KindThinking,
		KindMessage, KindToolUse, KindToolResult, KindApprovalRequested, KindApprovalResolved:
		return true
	default:
		return false
	}
}

// Valid reports whether k names a known variant.
func (k EventKind) Valid() bool {
	return k == KindMessageChunk || k.Durable()
}

// CompleteReason is the terminal classification carried by a complete event.
type CompleteReason string

const (
	CompleteSuccess   CompleteReason = "success"
	CompleteError     CompleteReason = "error"
	CompleteMaxTurns  CompleteReason = "max_turns"
	CompleteCancelled CompleteReason = "cancelled"
)

// Tool result codes for unsuccessful tool_result events.
const (
	ToolCodeError             = "tool_error"
	ToolCodeUnknownTool       = "unknown_tool"
	ToolCodeInvalidArguments  = "invalid_arguments"
	ToolCodeApprovalRejected  = "approval_rejected"
	ToolCodeApprovalTimeout   = "approval_timeout"
	ToolCodeApprovalCancelled = "approval_cancelled"
	ToolCodeCancelled         = "run_cancelled"
)

// Error event codes.
const (
	ErrorCodeProvider  = "provider_error"
	ErrorCodeStream    = "stream_error"
	ErrorCodeCancelled = "cancelled"
)

// EventMeta is shared by every AgentEvent. Sequence is set only on durable
// events, and only by the sequencer.
type EventMeta struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SessionID uuid.UUID `json:"session_id"`
	Sequence  *int64    `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta returns the shared metadata of the event.
func (m *EventMeta) Meta() *EventMeta { return m }

// Seq returns the assigned sequence number, or -1 when unsequenced.
func (m *EventMeta) Seq() int64 {
	if m.Sequence == nil {
		return -1
	}
	return *m.Sequence
}

func (*EventMeta) isAgentEvent() {}

// AgentEvent is the closed set of events produced during a run. New variants
// must be added to the kind constants, newEventForKind and every type switch
// over AgentEvent.
//
//sumtype:decl
type AgentEvent interface {
	Kind() EventKind
	Meta() *EventMeta
	isAgentEvent()
}

type SessionStart struct {
	EventMeta `json:"-"`
	RunID     uuid.UUID `json:"run_id"`
	Prompt    string    `json:"prompt"`
}

type SessionEnd struct {
	EventMeta `json:"-"`
	RunID     uuid.UUID `json:"run_id"`
}

type Complete struct {
	EventMeta `json:"-"`
	Reason    CompleteReason `json:"reason"`
	Turns     int            `json:"turns"`
}

type Error struct {
	EventMeta `json:"-"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Thinking carries one complete reasoning block.
type Thinking struct {
	EventMeta `json:"-"`
	Text      string `json:"text"`
}

// MessageChunk is a partial text delta. It is never persisted.
type MessageChunk struct {
	EventMeta `json:"-"`
	Text      string `json:"text"`
}

// Message is the accumulated text of one provider turn.
type Message struct {
	EventMeta  `json:"-"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type ToolUse struct {
	EventMeta   `json:"-"`
	ToolUseID   string          `json:"tool_use_id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	SyntheticID bool            `json:"synthetic_id,omitempty"`
}

type ToolResult struct {
	EventMeta  `json:"-"`
	ToolUseID  string          `json:"tool_use_id"`
	Name       string          `json:"name"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

type ApprovalRequested struct {
	EventMeta  `json:"-"`
	ApprovalID uuid.UUID       `json:"approval_id"`
	ToolUseID  string          `json:"tool_use_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

type ApprovalResolved struct {
	EventMeta  `json:"-"`
	ApprovalID uuid.UUID      `json:"approval_id"`
	ToolUseID  string         `json:"tool_use_id"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
}

func (*SessionStart) Kind() EventKind      { return KindSessionStart }
func (*SessionEnd) Kind() EventKind        { return KindSessionEnd }
func (*Complete) Kind() EventKind          { return KindComplete }
func (*Error) Kind() EventKind             { return KindError }
func (*Thinking) Kind() EventKind          { return KindThinking }
func (*MessageChunk) Kind() EventKind      { return KindMessageChunk }
func (*Message) Kind() EventKind           { return KindMessage }
func (*ToolUse) Kind() EventKind           { return KindToolUse }
func (*ToolResult) Kind() EventKind        { return KindToolResult }
func (*ApprovalRequested) Kind() EventKind { return KindApprovalRequested }
func (*ApprovalResolved) Kind() EventKind  { return KindApprovalResolved }

// NewMeta builds metadata for a fresh, unsequenced event.
func NewMeta(tenantID, sessionID uuid.UUID) EventMeta {
	return EventMeta{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

func newEventForKind(k EventKind) (AgentEvent, error) {
	switch k {
	case KindSessionStart:
		return &SessionStart{}, nil
	case KindSessionEnd:
		return &SessionEnd{}, nil
	case KindComplete:
		return &Complete{}, nil
	case KindError:
		return &Error{}, nil
	case KindThinking:
		return &Thinking{}, nil
	case KindMessageChunk:
		return &MessageChunk{}, nil
	case KindMessage:
		return &Message{}, nil
	case KindToolUse:
		return &ToolUse{}, nil
	case KindToolResult:
		return &ToolResult{}, nil
	case KindApprovalRequested:
		return &ApprovalRequested{}, nil
	case KindApprovalResolved:
		return &ApprovalResolved{}, nil
	default:
		return nil, ErrUnknownEventKind
	}
}
