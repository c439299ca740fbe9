// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/conductor/internal/protocol"
)

// runJob executes one job's types sequentially. Types run one at a
// time to bound peak memory; the guard between them applies the
// progressive-degradation policy. Chunks stream through a bounded
// buffer to the accumulator, which fans them out as progress events.
func (q *Queue) runJob(ctx context.Context, j *job) {
	defer q.wg.Done()

	jobCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	q.publish(jobCtx, protocol.NewAnalysisStartedEvent(protocol.AnalysisPayload{
		JobID:     j.id,
		ProjectID: j.projectID,
		Types:     j.types,
		State:     string(StateRunning),
	}))
	getLog().Info().
		Str("job_id", j.id).
		Str("project_id", j.projectID).
		Strs("types", j.types).
		Str("budget", humanize.IBytes(uint64(j.memoryBudget))).
		Dur("timeout", j.timeout).
		Msg("Analysis started")

	guard := newMemoryGuard(q.prober, j.memoryBudget, q.cfg.MemoryThreshold, q.cfg.StreamingBatchSize, q.metrics, j.id)

	chunks := make(chan Chunk, chunkBuffer)
	acc := &accumulator{
		queue:     q,
		jobID:     j.id,
		projectID: j.projectID,
		types:     j.types,
		results:   make(map[string]any, len(j.types)),
		progress:  make(map[string]float64, len(j.types)),
	}
	accDone := make(chan struct{})
	go func() {
		defer close(accDone)
		acc.run(jobCtx, chunks)
	}()

	var runErr error
	for _, typ := range j.types {
		if err := jobCtx.Err(); err != nil {
			runErr = err
			break
		}
		if err := guard.admit(); err != nil {
			runErr = err
			break
		}
		if err := q.runType(jobCtx, j, typ, guard.batch, chunks); err != nil {
			runErr = err
			break
		}
	}
	close(chunks)
	<-accDone

	q.settle(jobCtx, j, runErr, guard, acc)
}

// runType executes a single analyzer under its per-type timeout.
func (q *Queue) runType(ctx context.Context, j *job, typ string, batchSize int, chunks chan<- Chunk) error {
	an := q.analyzers[typ]

	typeCtx, cancel := context.WithTimeout(ctx, q.typeTimeout(typ))
	defer cancel()

	typeCtx, span := q.tracer.Start(typeCtx, "analysis.type", trace.WithAttributes(
		attribute.String("analysis.type", typ),
		attribute.String("project.id", j.projectID),
	))
	defer span.End()

	start := time.Now()
	err := an.Analyze(typeCtx, Scope{
		ProjectID: j.projectID,
		Path:      j.projectPath,
		BatchSize: batchSize,
	}, emitInto(typeCtx, typ, chunks))

	if q.metrics != nil {
		q.metrics.AnalysisTypeSeconds.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("analysis type %s: %w", typ, err)
	}

	getLog().Debug().
		Str("job_id", j.id).
		Str("type", typ).
		Dur("took", time.Since(start)).
		Msg("Analysis type finished")
	return nil
}

// settle classifies the run outcome and finalizes the job. A user
// cancel wins over everything; memory aborts and timeouts end partial
// with the accumulated results; any other error is a plain failure.
func (q *Queue) settle(ctx context.Context, j *job, runErr error, guard *memoryGuard, acc *accumulator) {
	settleCtx := context.WithoutCancel(ctx)
	now := time.Now()

	q.mu.Lock()
	cancelled := j.cancelRequested || errors.Is(runErr, context.Canceled)
	switch {
	case runErr == nil:
		j.state = StateCompleted
	case cancelled:
		j.state = StatePartial
		j.reason = ReasonCancelled
	case errors.Is(runErr, ErrMemoryExceeded):
		j.state = StatePartial
		j.reason = ReasonMemory
	case errors.Is(runErr, context.DeadlineExceeded):
		j.state = StatePartial
		j.reason = ReasonTimeout
	default:
		j.state = StateFailed
		j.reason = runErr.Error()
	}
	j.finishedAt = &now
	j.results = acc.results
	j.progress = acc.progress
	j.fallbackTriggers = guard.triggers
	j.batchSize = guard.batch
	if j.startedAt != nil {
		q.observeLocked(j.projectID, now.Sub(*j.startedAt))
	}
	payload := j.payload(0)
	record := j.view(0)
	delete(q.jobs, j.id)
	q.cell(j.projectID).release(j.memoryBudget)
	q.promoteLocked(j.projectID)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.AnalysisJobsTotal.WithLabelValues(string(record.State)).Inc()
	}

	evt := getLog().Info()
	if record.State == StateFailed {
		evt = getLog().Error()
	}
	evt.Str("job_id", j.id).
		Str("project_id", j.projectID).
		Str("state", string(record.State)).
		Str("reason", record.Reason).
		Int("fallback_triggers", record.FallbackTriggers).
		Msg("Analysis finished")

	q.publish(settleCtx, protocol.NewAnalysisCompletedEvent(payload))
	q.record(settleCtx, record)
}

// emitInto adapts the job's chunk channel to the Emit signature for
// one type, failing once the type's context ends so a blocked
// producer unwinds.
func emitInto(ctx context.Context, typ string, chunks chan<- Chunk) Emit {
	return func(progress float64, data map[string]any) error {
		select {
		case chunks <- Chunk{Type: typ, Progress: progress, Data: data}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// accumulator is the consumer side of the chunk stream. It owns the
// results and progress maps until the channel closes, merging each
// chunk and fanning it out as an analysis:progress event.
type accumulator struct {
	queue     *Queue
	jobID     string
	projectID string
	types     []string

	results  map[string]any
	progress map[string]float64
}

func (a *accumulator) run(ctx context.Context, chunks <-chan Chunk) {
	for c := range chunks {
		typed, _ := a.results[c.Type].(map[string]any)
		if typed == nil {
			typed = make(map[string]any, len(c.Data))
			a.results[c.Type] = typed
		}
		maps.Copy(typed, c.Data)
		if c.Progress > 0 {
			a.progress[c.Type] = c.Progress
		}

		a.queue.publish(ctx, protocol.NewAnalysisProgressEvent(protocol.AnalysisPayload{
			JobID:     a.jobID,
			ProjectID: a.projectID,
			Types:     a.types,
			State:     string(StateRunning),
			Progress:  maps.Clone(a.progress),
		}))
	}
}
