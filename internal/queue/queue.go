// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queue implements the per-project task queue and the processor
// that drains it into the step engine. Queues are in-memory; terminal
// items move to a bounded history ring and are written through to the
// history recorder best-effort. All QueueItem state lives here and is
// mutated only here.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/retry"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetQueueLogger()
		log = &l
	})
	return log
}

var (
	// ErrQueueFull is wrapped by *QueueFullError when a project queue
	// is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrItemNotFound is returned for ids that are unknown or already
	// finished (finished items are only visible through history).
	ErrItemNotFound = errors.New("queue item not found")

	// ErrItemNotQueued rejects pause/reorder of items outside the
	// queued state.
	ErrItemNotQueued = errors.New("queue item is not queued")

	// ErrItemNotPaused rejects resume of items that are not paused.
	ErrItemNotPaused = errors.New("queue item is not paused")

	// ErrItemNotRunning rejects a completion report for an item that
	// is not running.
	ErrItemNotRunning = errors.New("queue item is not running")

	// ErrInvalidPriority rejects priorities outside the known band.
	ErrInvalidPriority = errors.New("invalid priority")
)

// QueueFullError carries the project and limit that refused admission.
type QueueFullError struct {
	ProjectID string
	Limit     int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue for project %s is full (limit %d)", e.ProjectID, e.Limit)
}

func (e *QueueFullError) Unwrap() error { return ErrQueueFull }

// Priority orders queued items. Higher priorities enter ahead of
// same-or-lower queued items but never pre-empt a running one.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalJSON renders the priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON accepts a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	name := string(data)
	if len(name) >= 2 && name[0] == '"' {
		name = name[1 : len(name)-1]
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority maps a priority name to its band. The empty string is
// normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// State is the queue item lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Position values outside the queued band.
const (
	PositionRunning = 0
	PositionHistory = -1
)

// Options carries per-item execution knobs set at enqueue time.
type Options struct {
	CreateGitBranch bool           `json:"createGitBranch,omitempty"`
	BranchName      string         `json:"branchName,omitempty"`
	AutoExecute     bool           `json:"autoExecute,omitempty"`
	ProjectPath     string         `json:"projectPath,omitempty"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
	MaxAttempts     int            `json:"maxAttempts,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Item is one unit of queued work. Position and EstimatedStart are
// derived at snapshot time: 1 is next in line, 0 running, -1 history.
type Item struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	UserID      string     `json:"userId,omitempty"`
	TaskID      string     `json:"taskId,omitempty"`
	TaskMode    string     `json:"taskMode,omitempty"`
	WorkflowID  string     `json:"workflowId,omitempty"`
	Priority    Priority   `json:"priority"`
	Options     Options    `json:"options"`
	State       State      `json:"state"`
	Position    int        `json:"position"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Reason      string     `json:"reason,omitempty"`

	EstimatedStart *time.Time `json:"estimatedStart,omitempty"`
}

// EnqueueRequest admits one item.
type EnqueueRequest struct {
	ProjectID  string
	UserID     string
	TaskID     string
	TaskMode   string
	WorkflowID string
	Priority   Priority
	Options    Options
}

// Submission reports the admission outcome.
type Submission struct {
	QueueItemID    string    `json:"queueItemId"`
	Position       int       `json:"position"`
	EstimatedStart time.Time `json:"estimatedStart"`
}

// Snapshot is a point-in-time copy of one project's queue. History is
// newest first.
type Snapshot struct {
	ProjectID string `json:"projectId"`
	Active    []Item `json:"active"`
	Queued    []Item `json:"queued"`
	History   []Item `json:"history"`
}

// Publisher is the bus slice the queue emits on.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.Event)
}

// TaskGate validates that a task may be queued. Implementations return
// a descriptive error when the task is missing or already terminal.
type TaskGate interface {
	RunnableTask(ctx context.Context, projectID, taskID string) error
}

// HistoryRecorder persists terminal items for audit. Failures are
// logged, never propagated.
type HistoryRecorder interface {
	RecordCompletion(ctx context.Context, item Item) error
}

// BulkOp names a bulk operation.
type BulkOp string

const (
	BulkPause        BulkOp = "pause"
	BulkResume       BulkOp = "resume"
	BulkCancel       BulkOp = "cancel"
	BulkReprioritize BulkOp = "reprioritize"
)

// BulkRequest applies one operation to a set of items. Priority is
// only read for reprioritize.
type BulkRequest struct {
	Op       BulkOp   `json:"op"`
	IDs      []string `json:"ids"`
	Priority Priority `json:"priority,omitempty"`
}

// BulkOutcome is the per-id result of a bulk operation.
type BulkOutcome struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

const (
	defaultMaxSize       = 10
	defaultMaxConcurrent = 3
	defaultTimeout       = 5 * time.Minute
	defaultMaxAttempts   = 2
	defaultHistorySize   = 200

	// defaultAvgDuration seeds the ETA estimate until completions
	// feed the per-project EWMA.
	defaultAvgDuration = 3 * time.Minute
	ewmaAlpha          = 0.2
)

// entry wraps an Item with the runtime state only the queue touches.
type entry struct {
	item Item

	// announced flips once the queue:item:added event has gone out;
	// the processor only pulls announced items so per-item event
	// order holds even across concurrent enqueues and wakes.
	announced bool

	cancelRequested bool
	cancel          context.CancelFunc
}

type projectQueue struct {
	queued  []*entry // priority order, FIFO within a band; includes paused
	running map[string]*entry
	history []*entry // oldest first, capped

	avgDuration time.Duration // EWMA over completed runs
}

func (pq *projectQueue) observeDuration(d time.Duration) {
	if pq.avgDuration == 0 {
		pq.avgDuration = d
		return
	}
	pq.avgDuration = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(pq.avgDuration))
}

func (pq *projectQueue) estimate() time.Duration {
	if pq.avgDuration == 0 {
		return defaultAvgDuration
	}
	return pq.avgDuration
}

// Queue owns every project's queue. All mutation happens under mu;
// events and history write-through happen after the critical section,
// in mutation order.
type Queue struct {
	cfg     config.QueueConfig
	bus     Publisher
	gate    TaskGate
	history HistoryRecorder
	metrics *observability.Metrics
	policy  retry.Policy

	mu       sync.Mutex
	projects map[string]*projectQueue
	items    map[string]*entry // live items only; finished ones drop out

	wake chan struct{}
}

// New builds a queue. gate, history and metrics may be nil.
func New(cfg config.QueueConfig, bus Publisher, gate TaskGate, history HistoryRecorder, metrics *observability.Metrics) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxConcurrentPerProject <= 0 {
		cfg.MaxConcurrentPerProject = defaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxAttempts
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	return &Queue{
		cfg:      cfg,
		bus:      bus,
		gate:     gate,
		history:  history,
		metrics:  metrics,
		policy:   retry.Default(),
		projects: make(map[string]*projectQueue),
		items:    make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue admits one item. Tasks referenced by TaskID must exist and
// not be terminal; create-workflow items (empty TaskID) skip that gate
// because their first step materializes the task.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Submission, error) {
	if req.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if _, ok := priorityNames[req.Priority]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(req.Priority))
	}
	if req.TaskID != "" && q.gate != nil {
		if err := q.gate.RunnableTask(ctx, req.ProjectID, req.TaskID); err != nil {
			return nil, fmt.Errorf("cannot enqueue task %s: %w", req.TaskID, err)
		}
	}

	maxAttempts := req.Options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts()
	}

	now := time.Now()
	e := &entry{
		item: Item{
			ID:          uuid.NewString(),
			ProjectID:   req.ProjectID,
			UserID:      req.UserID,
			TaskID:      req.TaskID,
			TaskMode:    req.TaskMode,
			WorkflowID:  req.WorkflowID,
			Priority:    req.Priority,
			Options:     req.Options,
			State:       StateQueued,
			EnqueuedAt:  now,
			MaxAttempts: maxAttempts,
		},
	}

	q.mu.Lock()
	pq := q.project(req.ProjectID)
	if len(pq.queued) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, &QueueFullError{ProjectID: req.ProjectID, Limit: q.cfg.MaxSize}
	}
	idx := insertIndex(pq.queued, e.item.Priority)
	pq.queued = insertAt(pq.queued, idx, e)
	q.items[e.item.ID] = e

	position := idx + 1
	estimate := now.Add(time.Duration(position) * pq.estimate())
	payload := q.payloadLocked(e, position, &estimate)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(req.ProjectID, e.item.Priority.String()).Inc()
	}
	q.publish(ctx, protocol.NewQueueItemAddedEvent(payload))

	q.mu.Lock()
	e.announced = true
	q.mu.Unlock()
	q.signal()

	getLog().Info().
		Str("queue_item_id", e.item.ID).
		Str("project_id", req.ProjectID).
		Str("task_id", req.TaskID).
		Str("priority", e.item.Priority.String()).
		Int("position", position).
		Msg("Queue item admitted")

	return &Submission{
		QueueItemID:    e.item.ID,
		Position:       position,
		EstimatedStart: estimate,
	}, nil
}

// Status returns a point-in-time copy of one project's queue.
func (q *Queue) Status(projectID string) Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{ProjectID: projectID}
	pq, ok := q.projects[projectID]
	if !ok {
		return snap
	}

	now := time.Now()
	snap.Active = lo.MapToSlice(pq.running, func(_ string, e *entry) Item {
		return q.viewLocked(e, PositionRunning, nil)
	})
	snap.Queued = lo.Map(pq.queued, func(e *entry, i int) Item {
		est := now.Add(time.Duration(i+1) * pq.estimate())
		return q.viewLocked(e, i+1, &est)
	})
	snap.History = lo.Map(lo.Reverse(append([]*entry(nil), pq.history...)), func(e *entry, _ int) Item {
		return q.viewLocked(e, PositionHistory, nil)
	})
	return snap
}

// Pause holds a queued item in place. Paused items keep their slot and
// still count toward capacity; the processor skips them.
func (q *Queue) Pause(ctx context.Context, id string) error {
	q.mu.Lock()
	payload, err := q.pauseLocked(id)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(ctx, protocol.NewQueueItemUpdatedEvent(payload))
	return nil
}

func (q *Queue) pauseLocked(id string) (protocol.QueueItemPayload, error) {
	e, ok := q.items[id]
	if !ok {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.State != StateQueued {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s is %s", ErrItemNotQueued, id, e.item.State)
	}
	e.item.State = StatePaused
	return q.payloadLocked(e, q.positionLocked(e), nil), nil
}

// Resume returns a paused item to the queued state in its original
// slot.
func (q *Queue) Resume(ctx context.Context, id string) error {
	q.mu.Lock()
	payload, err := q.resumeLocked(id)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(ctx, protocol.NewQueueItemUpdatedEvent(payload))
	q.signal()
	return nil
}

func (q *Queue) resumeLocked(id string) (protocol.QueueItemPayload, error) {
	e, ok := q.items[id]
	if !ok {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.State != StatePaused {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s is %s", ErrItemNotPaused, id, e.item.State)
	}
	e.item.State = StateQueued
	return q.payloadLocked(e, q.positionLocked(e), nil), nil
}

// Cancel removes a queued or paused item, or requests cooperative
// cancellation of a running one. The terminal queue:item:completed
// event with state=cancelled follows immediately for de-queued items
// and once the workflow settles for running ones.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	fin, err := q.cancelLocked(id)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	fin.flush(ctx, q)
	return nil
}

func (q *Queue) cancelLocked(id string) (finalization, error) {
	e, ok := q.items[id]
	if !ok {
		return finalization{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	switch e.item.State {
	case StateQueued, StatePaused:
		pq := q.projects[e.item.ProjectID]
		pq.queued = removeEntry(pq.queued, e)
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(e.item.ProjectID, e.item.Priority.String()).Dec()
		}
		return q.finalizeLocked(e, StateCancelled, ""), nil
	case StateRunning:
		e.cancelRequested = true
		if e.cancel != nil {
			e.cancel()
		}
		return finalization{}, nil
	default:
		return finalization{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
}

// Reorder moves a queued item to a new 1-based position within the
// queued band. The position is clamped to the band.
func (q *Queue) Reorder(ctx context.Context, id string, newPosition int) error {
	q.mu.Lock()
	payload, err := q.reorderLocked(id, newPosition)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.publish(ctx, protocol.NewQueueItemUpdatedEvent(payload))
	return nil
}

func (q *Queue) reorderLocked(id string, newPosition int) (protocol.QueueItemPayload, error) {
	e, ok := q.items[id]
	if !ok {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.State != StateQueued {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s is %s", ErrItemNotQueued, id, e.item.State)
	}

	pq := q.projects[e.item.ProjectID]
	pq.queued = removeEntry(pq.queued, e)
	idx := newPosition - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(pq.queued) {
		idx = len(pq.queued)
	}
	pq.queued = insertAt(pq.queued, idx, e)

	return q.payloadLocked(e, idx+1, nil), nil
}

// Bulk applies one operation to many items in a single critical
// section, so no other mutation interleaves with the batch. Each id
// reports its own outcome; one failure does not undo the others.
func (q *Queue) Bulk(ctx context.Context, req BulkRequest) []BulkOutcome {
	outcomes := make([]BulkOutcome, 0, len(req.IDs))
	var events []protocol.Event
	var fins []finalization

	q.mu.Lock()
	for _, id := range req.IDs {
		var err error
		switch req.Op {
		case BulkPause:
			var payload protocol.QueueItemPayload
			if payload, err = q.pauseLocked(id); err == nil {
				events = append(events, protocol.NewQueueItemUpdatedEvent(payload))
			}
		case BulkResume:
			var payload protocol.QueueItemPayload
			if payload, err = q.resumeLocked(id); err == nil {
				events = append(events, protocol.NewQueueItemUpdatedEvent(payload))
			}
		case BulkCancel:
			var fin finalization
			if fin, err = q.cancelLocked(id); err == nil {
				fins = append(fins, fin)
			}
		case BulkReprioritize:
			var payload protocol.QueueItemPayload
			if payload, err = q.reprioritizeLocked(id, req.Priority); err == nil {
				events = append(events, protocol.NewQueueItemUpdatedEvent(payload))
			}
		default:
			err = fmt.Errorf("unknown bulk operation %q", req.Op)
		}

		outcome := BulkOutcome{ID: id, OK: err == nil}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	q.mu.Unlock()

	for _, evt := range events {
		q.publish(ctx, evt)
	}
	for _, fin := range fins {
		fin.flush(ctx, q)
	}
	if req.Op == BulkResume || req.Op == BulkCancel {
		q.signal()
	}
	return outcomes
}

func (q *Queue) reprioritizeLocked(id string, p Priority) (protocol.QueueItemPayload, error) {
	if _, ok := priorityNames[p]; !ok {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	e, ok := q.items[id]
	if !ok {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if e.item.State != StateQueued && e.item.State != StatePaused {
		return protocol.QueueItemPayload{}, fmt.Errorf("%w: %s is %s", ErrItemNotQueued, id, e.item.State)
	}

	pq := q.projects[e.item.ProjectID]
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(e.item.ProjectID, e.item.Priority.String()).Dec()
		q.metrics.QueueDepth.WithLabelValues(e.item.ProjectID, p.String()).Inc()
	}
	pq.queued = removeEntry(pq.queued, e)
	e.item.Priority = p
	idx := insertIndex(pq.queued, p)
	pq.queued = insertAt(pq.queued, idx, e)

	return q.payloadLocked(e, idx+1, nil), nil
}

// dispatch is one pulled item handed to the processor.
type dispatch struct {
	item    Item
	ctx     context.Context
	timeout time.Duration
}

// pull promotes eligible items to running under the per-project
// concurrency cap and publishes their queue:item:updated events. parent
// is the context item contexts derive from.
func (q *Queue) pull(ctx context.Context, parent context.Context) []dispatch {
	now := time.Now()
	var dispatches []dispatch
	var payloads []protocol.QueueItemPayload

	q.mu.Lock()
	for projectID, pq := range q.projects {
		for len(pq.running) < q.cfg.MaxConcurrentPerProject {
			e := nextRunnable(pq.queued)
			if e == nil {
				break
			}
			pq.queued = removeEntry(pq.queued, e)
			pq.running[e.item.ID] = e

			e.item.State = StateRunning
			e.item.Attempts++
			started := now
			e.item.StartedAt = &started

			itemCtx, cancel := context.WithCancel(parent)
			e.cancel = cancel

			timeout := e.item.Options.Timeout
			if timeout <= 0 {
				timeout = q.cfg.DefaultTimeout
			}

			if q.metrics != nil {
				q.metrics.QueueDepth.WithLabelValues(projectID, e.item.Priority.String()).Dec()
				q.metrics.QueueRunning.WithLabelValues(projectID).Inc()
				q.metrics.QueueWaitSeconds.Observe(now.Sub(e.item.EnqueuedAt).Seconds())
			}

			dispatches = append(dispatches, dispatch{item: e.item, ctx: itemCtx, timeout: timeout})
			payloads = append(payloads, q.payloadLocked(e, PositionRunning, nil))
		}
	}
	q.mu.Unlock()

	for _, payload := range payloads {
		q.publish(ctx, protocol.NewQueueItemUpdatedEvent(payload))
	}
	return dispatches
}

// complete records the outcome of a dispatched item. ctxErr is the
// item context's error at settle time; it separates timeouts and
// cancellations from ordinary failures. Failed items with attempts
// remaining re-enter at their priority band tail.
func (q *Queue) complete(ctx context.Context, id string, runErr, ctxErr error) error {
	q.mu.Lock()
	e, ok := q.items[id]
	if !ok || e.item.State != StateRunning {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrItemNotRunning, id)
	}

	pq := q.projects[e.item.ProjectID]
	delete(pq.running, id)
	e.cancel = nil
	if q.metrics != nil {
		q.metrics.QueueRunning.WithLabelValues(e.item.ProjectID).Dec()
	}

	cancelled := e.cancelRequested || errors.Is(ctxErr, context.Canceled)
	timedOut := !cancelled && errors.Is(ctxErr, context.DeadlineExceeded)

	var fin finalization
	var requeued *protocol.QueueItemPayload

	switch {
	case cancelled:
		fin = q.finalizeLocked(e, StateCancelled, "")
	case runErr == nil:
		if e.item.StartedAt != nil {
			d := time.Since(*e.item.StartedAt)
			pq.observeDuration(d)
			if q.metrics != nil {
				q.metrics.TaskSeconds.WithLabelValues(workflowLabel(e.item.WorkflowID)).Observe(d.Seconds())
			}
		}
		fin = q.finalizeLocked(e, StateCompleted, "")
	default:
		policy := q.policy
		policy.MaxAttempts = e.item.MaxAttempts
		if policy.ShouldRetry(runErr, e.item.Attempts) {
			e.item.State = StateQueued
			e.item.StartedAt = nil
			idx := insertIndex(pq.queued, e.item.Priority)
			pq.queued = insertAt(pq.queued, idx, e)
			if q.metrics != nil {
				q.metrics.QueueDepth.WithLabelValues(e.item.ProjectID, e.item.Priority.String()).Inc()
			}
			payload := q.payloadLocked(e, idx+1, nil)
			requeued = &payload
		} else {
			reason := runErr.Error()
			if timedOut {
				reason = "timeout"
			}
			fin = q.finalizeLocked(e, StateFailed, reason)
		}
	}
	q.mu.Unlock()

	if requeued != nil {
		getLog().Warn().
			Err(runErr).
			Str("queue_item_id", id).
			Int("attempts", requeued.Attempts).
			Msg("Queue item failed, retrying")
		q.publish(ctx, protocol.NewQueueItemUpdatedEvent(*requeued))
	} else {
		fin.flush(ctx, q)
	}
	q.signal()
	return nil
}

// finalization carries the effects of a terminal transition out of the
// critical section.
type finalization struct {
	payload *protocol.QueueItemPayload
	record  *Item
	outcome string
}

func (f finalization) flush(ctx context.Context, q *Queue) {
	if f.payload == nil {
		return
	}
	if q.metrics != nil {
		q.metrics.TasksTotal.WithLabelValues(f.outcome).Inc()
	}
	q.publish(ctx, protocol.NewQueueItemCompletedEvent(*f.payload))
	if q.history != nil && f.record != nil {
		if err := q.history.RecordCompletion(ctx, *f.record); err != nil {
			getLog().Warn().
				Err(err).
				Str("queue_item_id", f.record.ID).
				Msg("History write-through failed")
		}
	}
}

// finalizeLocked moves an entry to its terminal state, appends it to
// the history ring and drops it from the live index.
func (q *Queue) finalizeLocked(e *entry, state State, reason string) finalization {
	now := time.Now()
	e.item.State = state
	e.item.Reason = reason
	e.item.FinishedAt = &now
	e.cancelRequested = false

	pq := q.projects[e.item.ProjectID]
	pq.history = append(pq.history, e)
	if len(pq.history) > q.cfg.HistorySize {
		pq.history = pq.history[len(pq.history)-q.cfg.HistorySize:]
	}
	delete(q.items, e.item.ID)

	outcome := string(state)
	if reason == "timeout" {
		outcome = "timeout"
	}
	payload := q.payloadLocked(e, PositionHistory, nil)
	record := e.item
	record.Position = PositionHistory
	return finalization{payload: &payload, record: &record, outcome: outcome}
}

func (q *Queue) project(projectID string) *projectQueue {
	pq, ok := q.projects[projectID]
	if !ok {
		pq = &projectQueue{running: make(map[string]*entry)}
		q.projects[projectID] = pq
	}
	return pq
}

// positionLocked derives the position of a live entry.
func (q *Queue) positionLocked(e *entry) int {
	if e.item.State == StateRunning {
		return PositionRunning
	}
	pq := q.projects[e.item.ProjectID]
	for i, cand := range pq.queued {
		if cand == e {
			return i + 1
		}
	}
	return PositionHistory
}

func (q *Queue) viewLocked(e *entry, position int, estimate *time.Time) Item {
	item := e.item
	item.Position = position
	item.EstimatedStart = estimate
	return item
}

func (q *Queue) payloadLocked(e *entry, position int, estimate *time.Time) protocol.QueueItemPayload {
	return protocol.QueueItemPayload{
		QueueItemID:    e.item.ID,
		ProjectID:      e.item.ProjectID,
		UserID:         e.item.UserID,
		TaskID:         e.item.TaskID,
		TaskMode:       e.item.TaskMode,
		WorkflowID:     e.item.WorkflowID,
		State:          string(e.item.State),
		Priority:       e.item.Priority.String(),
		Position:       position,
		Attempts:       e.item.Attempts,
		Reason:         e.item.Reason,
		EnqueuedAt:     e.item.EnqueuedAt,
		EstimatedStart: estimate,
	}
}

func (q *Queue) publish(ctx context.Context, evt protocol.Event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(ctx, evt)
}

// signal nudges the processor without blocking; a pending wake absorbs
// further signals.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func nextRunnable(entries []*entry) *entry {
	for _, e := range entries {
		if e.item.State == StateQueued && e.announced {
			return e
		}
	}
	return nil
}

// insertIndex returns the slot for an item of the given priority:
// after every entry of the same or higher priority, before the first
// lower one.
func insertIndex(entries []*entry, p Priority) int {
	for i, e := range entries {
		if e.item.Priority < p {
			return i
		}
	}
	return len(entries)
}

func insertAt(entries []*entry, idx int, e *entry) []*entry {
	entries = append(entries, nil)
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = e
	return entries
}

func removeEntry(entries []*entry, e *entry) []*entry {
	for i, cand := range entries {
		if cand == e {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}

func workflowLabel(workflowID string) string {
	if workflowID == "" {
		return "default"
	}
	return workflowID
}
