// Package sequencer hands out the zero-based, gapless sequence numbers of each
// session's durable event log.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionBusy   = errors.New("sequencer: session already has an active lease") //nolint:gochecknoglobals // sentinel error
	ErrLeaseReleased = errors.New("sequencer: lease released")                      //nolint:gochecknoglobals // sentinel error
)

// Seeder reports the next free sequence number of a session's durable log.
// domain.EventRepository satisfies it.
type Seeder interface {
	NextSequence(ctx context.Context, tenantID, sessionID uuid.UUID) (int64, error)
}

type key struct {
	tenantID  uuid.UUID
	sessionID uuid.UUID
}

type counter struct {
	mu     sync.Mutex
	next   int64
	leased bool // guarded by Sequencer.mu
}

// Sequencer keeps one in-memory counter per (tenant, session). A counter is
// seeded from the store the first time its session is leased and is never
// reset afterwards, so a process must own a session's runs exclusively.
type Sequencer struct {
	seeder Seeder

	mu       sync.Mutex
	counters map[key]*counter
}

func New(seeder Seeder) *Sequencer {
	return &Sequencer{
		seeder:   seeder,
		counters: make(map[key]*counter),
	}
}

// Acquire grants the exclusive right to stamp events of a session. It fails
// with ErrSessionBusy while another lease on the same session is live.
func (s *Sequencer) Acquire(ctx context.Context, tenantID, sessionID uuid.UUID) (*Lease, error) {
	k := key{tenantID: tenantID, sessionID: sessionID}

	s.mu.Lock()
	c, ok := s.counters[k]
	if ok {
		busy := c.leased
		c.leased = true
		s.mu.Unlock()
		if busy {
			return nil, fmt.Errorf("sequencer.Sequencer.Acquire(%s): %w", sessionID, ErrSessionBusy)
		}
		return &Lease{seq: s, key: k, c: c}, nil
	}
	// Reserve the slot before seeding so a concurrent Acquire sees it busy.
	c = &counter{leased: true}
	c.mu.Lock()
	s.counters[k] = c
	s.mu.Unlock()

	next, err := s.seeder.NextSequence(ctx, tenantID, sessionID)
	if err != nil {
		c.mu.Unlock()
		s.mu.Lock()
		delete(s.counters, k)
		s.mu.Unlock()
		return nil, fmt.Errorf("sequencer.Sequencer.Acquire(%s): seed: %w", sessionID, err)
	}
	c.next = next
	c.mu.Unlock()

	log.Debug().
		Str("tenant_id", tenantID.String()).
		Str("session_id", sessionID.String()).
		Int64("next", next).
		Msg("sequencer: counter seeded")

	return &Lease{seq: s, key: k, c: c}, nil
}

// Peek returns the next number that would be assigned, or -1 when the
// session has no counter in this process.
func (s *Sequencer) Peek(tenantID, sessionID uuid.UUID) int64 {
	s.mu.Lock()
	c, ok := s.counters[key{tenantID: tenantID, sessionID: sessionID}]
	s.mu.Unlock()
	if !ok {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Lease is the exclusive stamping right of one run over one session.
type Lease struct {
	seq *Sequencer
	key key
	c   *counter

	once     sync.Once
	released bool
	mu       sync.Mutex
}

func (l *Lease) SessionID() uuid.UUID { return l.key.sessionID }
func (l *Lease) TenantID() uuid.UUID  { return l.key.tenantID }

// Next reads and increments the session counter atomically.
func (l *Lease) Next() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return 0, fmt.Errorf("sequencer.Lease.Next(%s): %w", l.key.sessionID, ErrLeaseReleased)
	}
	l.c.mu.Lock()
	n := l.c.next
	l.c.next++
	l.c.mu.Unlock()
	return n, nil
}

// Release frees the session for the next run. It is safe to call more than
// once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.released = true
		l.mu.Unlock()

		l.seq.mu.Lock()
		l.c.leased = false
		l.seq.mu.Unlock()
	})
}
