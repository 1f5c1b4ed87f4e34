// Package usage records provider token consumption off the hot path.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gosuda/parley/internal/domain"
	"github.com/gosuda/parley/internal/queue"
)

const (
	// QueueName is the queue that carries usage records.
	QueueName = "usage-records"
	// JobRecordUsage is the job type of one usage record write.
	JobRecordUsage = "record_usage"
)

// Enqueuer is the part of queue.Queue the accountant needs.
type Enqueuer interface {
	Enqueue(jobType, key string, payload any) (uuid.UUID, error)
}

// Accountant hands usage records to the background queue. Record never
// blocks the caller and never reports back to the viewer stream.
type Accountant struct {
	q Enqueuer
}

func NewAccountant(q Enqueuer) *Accountant {
	return &Accountant{q: q}
}

// Record enqueues one turn's usage. Zero usage is ignored.
func (a *Accountant) Record(_ context.Context, tenantID, sessionID, runID uuid.UUID, u domain.Usage) {
	if u.IsZero() {
		return
	}
	rec := &domain.UsageRecord{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		RunID:     runID,
		Usage:     u,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := a.q.Enqueue(JobRecordUsage, sessionID.String(), rec); err != nil {
		log.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Str("run_id", runID.String()).
			Msg("usage.Accountant.Record: enqueue failed, usage dropped")
	}
}

type instruments struct {
	input      metric.Int64Counter
	output     metric.Int64Counter
	cacheRead  metric.Int64Counter
	cacheWrite metric.Int64Counter
}

// Writer is the queue handler for QueueName jobs.
type Writer struct {
	repo    domain.UsageRepository
	metrics instruments
}

func NewWriter(repo domain.UsageRepository) *Writer {
	meter := otel.Meter("github.com/gosuda/parley/internal/usage")
	input, _ := meter.Int64Counter("parley.usage.input_tokens")
	output, _ := meter.Int64Counter("parley.usage.output_tokens")
	cacheRead, _ := meter.Int64Counter("parley.usage.cache_read_tokens")
	cacheWrite, _ := meter.Int64Counter("parley.usage.cache_write_tokens")
	return &Writer{
		repo: repo,
		metrics: instruments{
			input:      input,
			output:     output,
			cacheRead:  cacheRead,
			cacheWrite: cacheWrite,
		},
	}
}

// Handle stores the record. A record that is already stored counts as done,
// so counters are bumped once per record.
func (w *Writer) Handle(ctx context.Context, job *queue.Job) error {
	var rec domain.UsageRecord
	if err := job.Decode(&rec); err != nil {
		return fmt.Errorf("usage.Writer.Handle: %w", err)
	}
	if err := w.repo.Create(ctx, &rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("usage.Writer.Handle(%s): %w", rec.ID, err)
	}

	attrs := metric.WithAttributes(
		attribute.String("tenant_id", rec.TenantID.String()),
		attribute.String("model", rec.Model),
	)
	w.metrics.input.Add(ctx, rec.InputTokens, attrs)
	w.metrics.output.Add(ctx, rec.OutputTokens, attrs)
	w.metrics.cacheRead.Add(ctx, rec.CacheReadTokens, attrs)
	w.metrics.cacheWrite.Add(ctx, rec.CacheWriteTokens, attrs)
	return nil
}
