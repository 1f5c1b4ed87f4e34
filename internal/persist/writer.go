// Package persist writes sequenced agent events to the durable log and keeps
// the materialized message view in step with it.
package persist

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/queue"
)

const (
	// QueueName is the queue that carries durable agent events.
	QueueName = "agent-events"
	// JobAppendEvent is the job type of one event append.
	JobAppendEvent = "append_event"
)

// Writer is the queue handler for QueueName jobs.
type Writer struct {
	events   domain.EventRepository
	messages domain.MessageRepository
}

func NewWriter(events domain.EventRepository, messages domain.MessageRepository) *Writer {
	return &Writer{events: events, messages: messages}
}

// Handle appends the event carried by job and derives its view row. Both
// steps are idempotent, so a retried job converges on the same state.
func (w *Writer) Handle(ctx context.Context, job *queue.Job) error {
	var row domain.PersistedEvent
	if err := job.Decode(&row); err != nil {
		return fmt.Errorf("persist.Writer.Handle: %w", err)
	}

	inserted, err := w.events.Append(ctx, &row)
	if err != nil {
		return fmt.Errorf("persist.Writer.Handle(%s/%d): append: %w", row.SessionID, row.SequenceNumber, err)
	}
	if !inserted {
		log.Debug().
			Str("session_id", row.SessionID.String()).
			Int64("sequence", row.SequenceNumber).
			Msg("persist.Writer.Handle: event already stored")
	}

	ev, err := row.Event()
	if err != nil {
		return queue.Permanent(fmt.Errorf("persist.Writer.Handle(%s/%d): %w", row.SessionID, row.SequenceNumber, err))
	}
	view, ok := domain.ViewFromEvent(ev)
	if !ok {
		return nil
	}
	if err := w.messages.Upsert(ctx, view); err != nil {
		return fmt.Errorf("persist.Writer.Handle(%s/%d): view: %w", row.SessionID, row.SequenceNumber, err)
	}
	return nil
}
