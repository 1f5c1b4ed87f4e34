package provider

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/gosuda/parley/internal/domain"
)

// SliceStream replays a fixed chunk sequence, then returns Err or io.EOF.
type SliceStream struct {
	Chunks []Chunk
	Err    error

	mu     sync.Mutex
	i      int
	closed bool
}

func (s *SliceStream) Recv() (Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Chunk{}, io.ErrClosedPipe
	}
	if s.i < len(s.Chunks) {
		c := s.Chunks[s.i]
		s.i++
		return c, nil
	}
	if s.Err != nil {
		return Chunk{}, s.Err
	}
	return Chunk{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Echo answers every request with the text of the last user message, split
// into word-sized deltas. It needs no credentials and backs local development.
type Echo struct{}

func NewEcho(Config) (Provider, error) { return Echo{}, nil }

func (Echo) Name() string { return "echo" }

func (Echo) Stream(ctx context.Context, req *Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := lastUserText(req.Messages)
	var chunks []Chunk
	for _, w := range strings.SplitAfter(text, " ") {
		if w != "" {
			chunks = append(chunks, Chunk{Type: ChunkText, Text: w})
		}
	}
	words := int64(len(strings.Fields(text)))
	chunks = append(chunks,
		Chunk{Type: ChunkUsage, Usage: &domain.Usage{Model: "echo", InputTokens: words, OutputTokens: words}},
		Chunk{Type: ChunkStop, StopReason: StopEndTurn},
	)
	return &SliceStream{Chunks: chunks}, nil
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != RoleUser {
			continue
		}
		var b strings.Builder
		for _, p := range msgs[i].Parts {
			if t, ok := p.(TextPart); ok {
				b.WriteString(t.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}
