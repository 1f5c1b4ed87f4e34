package anthropic

import (
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/provider"
)

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockRedacted
	blockTool
)

// stream pulls SDK events on demand and translates each into zero or more
// provider chunks.
type stream struct {
	sse     *ssestream.Stream[sdk.MessageStreamEventUnion]
	pending []provider.Chunk

	model      string
	blocks     map[int]blockKind
	signatures map[int]string
	redacted   map[int]string
	stopReason string
	done       bool
}

func newStream(sse *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
	s := &stream{sse: sse}
	s.reset()
	return s
}

func (s *stream) Recv() (provider.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return provider.Chunk{}, io.EOF
		}
		if !s.sse.Next() {
			if err := s.sse.Err(); err != nil {
				return provider.Chunk{}, err
			}
			return provider.Chunk{}, io.EOF
		}
		s.handle(s.sse.Current())
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *stream) Close() error {
	return s.sse.Close()
}

func (s *stream) push(c provider.Chunk) { s.pending = append(s.pending, c) }

func (s *stream) reset() {
	s.blocks = make(map[int]blockKind)
	s.signatures = make(map[int]string)
	s.redacted = make(map[int]string)
	s.stopReason = ""
}

func (s *stream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.reset()
		s.model = string(ev.Message.Model)
		if in := ev.Message.Usage.InputTokens; in > 0 {
			s.push(provider.Chunk{Type: provider.ChunkUsage, Usage: &domain.Usage{
				Model:            s.model,
				InputTokens:      in,
				CacheReadTokens:  ev.Message.Usage.CacheReadInputTokens,
				CacheWriteTokens: ev.Message.Usage.CacheCreationInputTokens,
			}})
		}
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch b := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			s.blocks[idx] = blockTool
			s.push(provider.Chunk{Type: provider.ChunkToolStart, Index: idx, ToolID: b.ID, ToolName: b.Name})
		case sdk.ThinkingBlock:
			s.blocks[idx] = blockThinking
			if b.Signature != "" {
				s.signatures[idx] = b.Signature
			}
		case sdk.RedactedThinkingBlock:
			s.blocks[idx] = blockRedacted
			s.redacted[idx] = b.Data
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				s.push(provider.Chunk{Type: provider.ChunkText, Index: idx, Text: d.Text})
			}
		case sdk.ThinkingDelta:
			s.blocks[idx] = blockThinking
			if d.Thinking != "" {
				s.push(provider.Chunk{Type: provider.ChunkThinking, Index: idx, Text: d.Thinking})
			}
		case sdk.SignatureDelta:
			s.blocks[idx] = blockThinking
			if d.Signature != "" {
				s.signatures[idx] = d.Signature
			}
		case sdk.InputJSONDelta:
			if d.PartialJSON != "" {
				s.push(provider.Chunk{Type: provider.ChunkToolDelta, Index: idx, Text: d.PartialJSON})
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		switch s.blocks[idx] {
		case blockThinking:
			s.push(provider.Chunk{Type: provider.ChunkThinkingEnd, Index: idx, Signature: s.signatures[idx]})
		case blockRedacted:
			s.push(provider.Chunk{Type: provider.ChunkThinkingEnd, Index: idx, Redacted: s.redacted[idx]})
		case blockTool:
			s.push(provider.Chunk{Type: provider.ChunkToolEnd, Index: idx})
		case blockText:
		}
		delete(s.blocks, idx)
		delete(s.signatures, idx)
		delete(s.redacted, idx)
	case sdk.MessageDeltaEvent:
		s.stopReason = string(ev.Delta.StopReason)
		s.push(provider.Chunk{Type: provider.ChunkUsage, Usage: &domain.Usage{
			Model:        s.model,
			OutputTokens: ev.Usage.OutputTokens,
		}})
	case sdk.MessageStopEvent:
		s.push(provider.Chunk{Type: provider.ChunkStop, StopReason: s.stopReason})
		s.done = true
	}
}
