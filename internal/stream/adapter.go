// Package stream normalizes a provider chunk stream into agent events: live
// text deltas, one thinking event per reasoning block, one message per turn
// and one tool_use per complete tool call.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/provider"
)

// ErrStreamTruncated is returned when a stream ends without a stop chunk.
var ErrStreamTruncated = errors.New("stream: ended without stop") //nolint:gochecknoglobals // sentinel error

// SyntheticIDPrefix prefixes tool call ids generated for calls the provider
// sent without one.
const SyntheticIDPrefix = "toolu_gen_"

// Sink receives normalized events. The executor pipeline implements it.
type Sink interface {
	Emit(ctx context.Context, ev domain.AgentEvent) error
}

// Validator checks tool arguments. tool.Registry implements it.
type Validator interface {
	Validate(name string, args json.RawMessage) error
}

// ToolCall is one complete tool call of a turn. ArgsErr is set when the
// arguments were unparseable, failed schema validation, or named an unknown
// tool; such calls are still announced but must not execute.
type ToolCall struct {
	ID          string
	Name        string
	Input       json.RawMessage
	SyntheticID bool
	ArgsErr     error
}

// Turn is the outcome of one provider call. Thinking holds the signed or
// redacted reasoning blocks that must precede the calls when the turn is
// replayed to the provider.
type Turn struct {
	Text       string
	Thinking   []provider.ThinkingPart
	StopReason string
	MessageID  uuid.UUID
	Calls      []ToolCall
	Usage      domain.Usage
}

type Adapter struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID
	validator Validator
}

func NewAdapter(tenantID, sessionID uuid.UUID, v Validator) *Adapter {
	return &Adapter{tenantID: tenantID, sessionID: sessionID, validator: v}
}

type pendingCall struct {
	order     int
	id        string
	name      string
	fragments strings.Builder
	done      bool
	call      ToolCall
}

type turnState struct {
	text     strings.Builder
	thinking map[int]*strings.Builder
	calls    map[int]*pendingCall
	started  int
}

// Consume drains s, emitting events into sink, until the stop chunk. The
// returned Turn is non-nil even on error and holds whatever was accumulated.
func (a *Adapter) Consume(ctx context.Context, s provider.Stream, sink Sink) (*Turn, error) {
	turn := &Turn{}
	st := &turnState{
		thinking: make(map[int]*strings.Builder),
		calls:    make(map[int]*pendingCall),
	}

	for {
		if err := ctx.Err(); err != nil {
			turn.Text = st.text.String()
			return turn, fmt.Errorf("stream.Adapter.Consume: %w", err)
		}
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			turn.Text = st.text.String()
			return turn, fmt.Errorf("stream.Adapter.Consume: %w", ErrStreamTruncated)
		}
		if err != nil {
			turn.Text = st.text.String()
			return turn, fmt.Errorf("stream.Adapter.Consume: %w", err)
		}

		switch chunk.Type {
		case provider.ChunkText:
			if chunk.Text == "" {
				continue
			}
			st.text.WriteString(chunk.Text)
			if err := sink.Emit(ctx, &domain.MessageChunk{EventMeta: a.meta(), Text: chunk.Text}); err != nil {
				return turn, fmt.Errorf("stream.Adapter.Consume: emit chunk: %w", err)
			}
		case provider.ChunkThinking:
			b, ok := st.thinking[chunk.Index]
			if !ok {
				b = &strings.Builder{}
				st.thinking[chunk.Index] = b
			}
			b.WriteString(chunk.Text)
		case provider.ChunkThinkingEnd:
			if err := a.flushThinking(ctx, st, turn, chunk, sink); err != nil {
				return turn, err
			}
		case provider.ChunkToolStart:
			st.calls[chunk.Index] = &pendingCall{order: st.started, id: chunk.ToolID, name: chunk.ToolName}
			st.started++
		case provider.ChunkToolDelta:
			if pc, ok := st.calls[chunk.Index]; ok {
				pc.fragments.WriteString(chunk.Text)
			}
		case provider.ChunkToolEnd:
			if pc, ok := st.calls[chunk.Index]; ok && !pc.done {
				a.finalize(pc)
			}
		case provider.ChunkUsage:
			if chunk.Usage != nil {
				turn.Usage.Add(*chunk.Usage)
			}
		case provider.ChunkStop:
			turn.StopReason = chunk.StopReason
			return a.stop(ctx, st, turn, sink)
		}
	}
}

func (a *Adapter) meta() domain.EventMeta {
	return domain.NewMeta(a.tenantID, a.sessionID)
}

func (a *Adapter) flushThinking(ctx context.Context, st *turnState, turn *Turn, end provider.Chunk, sink Sink) error {
	var text string
	if b, ok := st.thinking[end.Index]; ok {
		text = b.String()
		delete(st.thinking, end.Index)
	}
	switch {
	case end.Redacted != "":
		turn.Thinking = append(turn.Thinking, provider.ThinkingPart{Redacted: end.Redacted})
	case text != "" && end.Signature != "":
		turn.Thinking = append(turn.Thinking, provider.ThinkingPart{Text: text, Signature: end.Signature})
	}
	if text == "" {
		return nil
	}
	if err := sink.Emit(ctx, &domain.Thinking{EventMeta: a.meta(), Text: text}); err != nil {
		return fmt.Errorf("stream.Adapter.Consume: emit thinking: %w", err)
	}
	return nil
}

// finalize parses and validates the accumulated arguments of pc.
func (a *Adapter) finalize(pc *pendingCall) {
	pc.done = true
	pc.call = ToolCall{ID: pc.id, Name: pc.name}
	if pc.call.ID == "" {
		pc.call.ID = SyntheticIDPrefix + uuid.NewString()
		pc.call.SyntheticID = true
		log.Warn().
			Str("session_id", a.sessionID.String()).
			Str("tool", pc.name).
			Str("tool_use_id", pc.call.ID).
			Msg("stream.Adapter: tool call without id, generated one")
	}

	raw := strings.TrimSpace(pc.fragments.String())
	if raw == "" {
		raw = "{}"
	}
	if !json.Valid([]byte(raw)) {
		// Keep the malformed text visible in the log as a JSON string.
		quoted, _ := json.Marshal(raw)
		pc.call.Input = quoted
		pc.call.ArgsErr = fmt.Errorf("malformed tool arguments: %q", raw)
		return
	}
	pc.call.Input = json.RawMessage(raw)
	if a.validator != nil {
		pc.call.ArgsErr = a.validator.Validate(pc.name, pc.call.Input)
	}
}

// stop flushes leftover thinking, then emits the turn's single message and
// its tool calls in arrival order.
func (a *Adapter) stop(ctx context.Context, st *turnState, turn *Turn, sink Sink) (*Turn, error) {
	idxs := make([]int, 0, len(st.thinking))
	for i := range st.thinking {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		if err := a.flushThinking(ctx, st, turn, provider.Chunk{Index: i}, sink); err != nil {
			return turn, err
		}
	}

	turn.Text = st.text.String()
	msg := &domain.Message{EventMeta: a.meta(), Text: turn.Text, StopReason: turn.StopReason}
	turn.MessageID = msg.ID
	if err := sink.Emit(ctx, msg); err != nil {
		return turn, fmt.Errorf("stream.Adapter.Consume: emit message: %w", err)
	}

	pending := make([]*pendingCall, 0, len(st.calls))
	for _, pc := range st.calls {
		pending = append(pending, pc)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].order < pending[j].order })

	for _, pc := range pending {
		if !pc.done {
			a.finalize(pc)
		}
		call := pc.call
		turn.Calls = append(turn.Calls, call)
		ev := &domain.ToolUse{
			EventMeta:   a.meta(),
			ToolUseID:   call.ID,
			Name:        call.Name,
			Input:       call.Input,
			SyntheticID: call.SyntheticID,
		}
		if err := sink.Emit(ctx, ev); err != nil {
			return turn, fmt.Errorf("stream.Adapter.Consume: emit tool_use: %w", err)
		}
	}
	return turn, nil
}
