package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// envelope is the wire form shared by the websocket stream, the Redis relay
// and the replay API.
type envelope struct {
	Type      EventKind       `json:"type"`
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	SessionID uuid.UUID       `json:"session_id"`
	Sequence  *int64          `json:"sequence,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// MarshalEvent encodes an event into its wire envelope.
func MarshalEvent(ev AgentEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("domain.MarshalEvent(%s): %w", ev.Kind(), err)
	}
	m := ev.Meta()
	out, err := json.Marshal(envelope{
		Type:      ev.Kind(),
		ID:        m.ID,
		TenantID:  m.TenantID,
		SessionID: m.SessionID,
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("domain.MarshalEvent(%s): envelope: %w", ev.Kind(), err)
	}
	return out, nil
}

// UnmarshalEvent decodes a wire envelope back into its concrete variant.
func UnmarshalEvent(raw []byte) (AgentEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("domain.UnmarshalEvent: %w", err)
	}
	ev, err := decodeVariant(env.Type, env.Data)
	if err != nil {
		return nil, fmt.Errorf("domain.UnmarshalEvent: %w", err)
	}
	*ev.Meta() = EventMeta{
		ID:        env.ID,
		TenantID:  env.TenantID,
		SessionID: env.SessionID,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
	}
	return ev, nil
}

func decodeVariant(kind EventKind, data json.RawMessage) (AgentEvent, error) {
	ev, err := newEventForKind(kind)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", kind, err)
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return ev, nil
}

// PersistedEvent is a row of the append-only event log.
type PersistedEvent struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	SessionID      uuid.UUID       `json:"session_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      EventKind       `json:"event_type"`
	Data           json.RawMessage `json:"data"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ErrNotDurable is returned when a transient or unsequenced event is offered
// for persistence.
var ErrNotDurable = fmt.Errorf("domain: event is not durable: %w", ErrConflict) //nolint:gochecknoglobals // sentinel error

// ToPersisted converts a stamped durable event into its storage row.
func ToPersisted(ev AgentEvent) (*PersistedEvent, error) {
	m := ev.Meta()
	if !ev.Kind().Durable() || m.Sequence == nil {
		return nil, fmt.Errorf("domain.ToPersisted(%s): %w", ev.Kind(), ErrNotDurable)
	}
	data, err := EncodePayload(ev)
	if err != nil {
		return nil, fmt.Errorf("domain.ToPersisted: %w", err)
	}
	return NewPersistedEvent(ev, data), nil
}

// EncodePayload marshals the variant fields of ev without its metadata. The
// result does not depend on the sequence number, so it can be computed
// before one is assigned.
func EncodePayload(ev AgentEvent) (json.RawMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("domain.EncodePayload(%s): %w", ev.Kind(), err)
	}
	return data, nil
}

// NewPersistedEvent builds the log row of a sequenced event from its encoded
// payload. ev must carry a sequence number.
func NewPersistedEvent(ev AgentEvent, data json.RawMessage) *PersistedEvent {
	m := ev.Meta()
	return &PersistedEvent{
		ID:             m.ID,
		TenantID:       m.TenantID,
		SessionID:      m.SessionID,
		SequenceNumber: m.Seq(),
		EventType:      ev.Kind(),
		Data:           data,
		CreatedAt:      m.Timestamp,
	}
}

// Event rebuilds the concrete AgentEvent from the stored row.
func (p *PersistedEvent) Event() (AgentEvent, error) {
	ev, err := decodeVariant(p.EventType, p.Data)
	if err != nil {
		return nil, fmt.Errorf("domain.PersistedEvent.Event: %w", err)
	}
	seq := p.SequenceNumber
	*ev.Meta() = EventMeta{
		ID:        p.ID,
		TenantID:  p.TenantID,
		SessionID: p.SessionID,
		Sequence:  &seq,
		Timestamp: p.CreatedAt,
	}
	return ev, nil
}
