package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/parley/internal/broadcast"
	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/persist"
	"github.com/gosuda/parley/internal/sequencer"
)

// ErrPipelineClosed is returned by Emit after Close.
var ErrPipelineClosed = errors.New("agent: pipeline closed") //nolint:gochecknoglobals // sentinel error

// pipelineBuffer sizes both fan-out channels. Their consumers never block on
// I/O, so a full buffer only stalls the producer briefly.
const pipelineBuffer = 256

// Enqueuer is the part of queue.Queue the pipeline needs.
type Enqueuer interface {
	Enqueue(jobType, key string, payload any) (uuid.UUID, error)
}

// Pipeline carries one run's events. Durable events are stamped by the
// session lease, then every event goes to the broadcaster and every durable
// event to the persistence queue, each through its own channel.
type Pipeline struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID
	lease     *sequencer.Lease

	live    chan domain.AgentEvent
	persist chan *domain.PersistedEvent
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPipeline starts the two drain goroutines. The pipeline owns lease and
// releases it on Close.
func NewPipeline(lease *sequencer.Lease, b broadcast.Broadcaster, q Enqueuer) *Pipeline {
	p := &Pipeline{
		tenantID:  lease.TenantID(),
		sessionID: lease.SessionID(),
		lease:     lease,
		live:      make(chan domain.AgentEvent, pipelineBuffer),
		persist:   make(chan *domain.PersistedEvent, pipelineBuffer),
	}
	p.wg.Add(2)
	go p.drainLive(b)
	go p.drainPersist(q)
	return p
}

// Emit stamps ev if it is durable and hands it to both consumers. Emit does
// not wait for delivery or persistence.
func (p *Pipeline) Emit(_ context.Context, ev domain.AgentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("agent.Pipeline.Emit(%s): %w", ev.Kind(), ErrPipelineClosed)
	}

	m := ev.Meta()
	m.TenantID, m.SessionID = p.tenantID, p.sessionID

	if !ev.Kind().Durable() {
		m.Sequence = nil
		p.live <- ev
		return nil
	}

	// Encode before stamping: an event that cannot be stored must not
	// consume a sequence number.
	data, err := domain.EncodePayload(ev)
	if err != nil {
		m.Sequence = nil
		return fmt.Errorf("agent.Pipeline.Emit(%s): %w", ev.Kind(), err)
	}
	seq, err := p.lease.Next()
	if err != nil {
		m.Sequence = nil
		return fmt.Errorf("agent.Pipeline.Emit(%s): %w", ev.Kind(), err)
	}
	m.Sequence = &seq
	p.live <- ev
	p.persist <- domain.NewPersistedEvent(ev, data)
	return nil
}

// Close stops accepting events, waits for both channels to drain and
// releases the session lease. It is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.live)
	close(p.persist)
	p.mu.Unlock()

	p.wg.Wait()
	p.lease.Release()
}

func (p *Pipeline) drainLive(b broadcast.Broadcaster) {
	defer p.wg.Done()
	for ev := range p.live {
		b.Emit(context.Background(), p.tenantID, p.sessionID, ev)
	}
}

// drainPersist enqueues rows in sequence order. Rows that cannot be enqueued
// are logged and lost to the durable log; the viewer already has them.
func (p *Pipeline) drainPersist(q Enqueuer) {
	defer p.wg.Done()
	key := p.sessionID.String()
	for row := range p.persist {
		if _, err := q.Enqueue(persist.JobAppendEvent, key, row); err != nil {
			log.Error().Err(err).
				Str("tenant_id", p.tenantID.String()).
				Str("session_id", key).
				Int64("sequence", row.SequenceNumber).
				Str("event_type", string(row.EventType)).
				Msg("agent.Pipeline: enqueue persist job failed")
		}
	}
}
