// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package analysis implements the memory-budgeted analysis queue.
// Submissions start immediately while the project's resource cell has
// room and wait in priority order otherwise. A job runs its requested
// types sequentially, streams typed chunks through a bounded buffer,
// degrades its batch size under memory pressure, and settles in
// partial rather than failed when it is cut short.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/queue"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAnalysisLogger()
		log = &l
	})
	return log
}

var (
	// ErrUnknownType rejects submissions naming an unregistered
	// analysis type.
	ErrUnknownType = errors.New("unknown analysis type")

	// ErrNoAnalyzers rejects submissions when nothing is registered to
	// run.
	ErrNoAnalyzers = errors.New("no analyzers registered")

	// ErrJobNotFound is returned for ids that are unknown or already
	// settled.
	ErrJobNotFound = errors.New("analysis job not found")

	// ErrStopped rejects submissions after Stop.
	ErrStopped = errors.New("analysis queue is stopped")
)

// Reasons attached to jobs that end partial.
const (
	ReasonTimeout   = "timeout"
	ReasonMemory    = "memory"
	ReasonCancelled = "cancelled"
)

const (
	defaultMaxMemory     = 512 << 20
	defaultTimeout       = 5 * time.Minute
	defaultMaxConcurrent = 3
	defaultThreshold     = 0.8
	defaultBatchSize     = 100

	// chunkBuffer bounds in-flight streamed chunks per job; full
	// buffers block the producing analyzer.
	chunkBuffer = 16

	defaultAvgDuration = 2 * time.Minute
	ewmaAlpha          = 0.2
)

// State is the analysis job lifecycle state. Partial is a terminal
// state distinct from failed: the job was cut short but carries the
// per-type results accumulated up to that point.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StatePartial   State = "partial"
)

// Terminal reports whether the state is an end state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StatePartial:
		return true
	}
	return false
}

// Options tune one submission.
type Options struct {
	// Priority orders waiting jobs; it never pre-empts a running one.
	Priority queue.Priority `json:"priority,omitempty"`

	// Timeout bounds the whole job. Zero means the configured default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MemoryBudget is the heap budget reserved in the project's
	// resource cell. Zero means the configured per-analysis maximum.
	MemoryBudget int64 `json:"memoryBudget,omitempty"`

	// ProjectPath is the directory tree the analyzers scan.
	ProjectPath string `json:"projectPath,omitempty"`
}

// Job is a point-in-time snapshot of one analysis job.
type Job struct {
	ID               string             `json:"jobId"`
	ProjectID        string             `json:"projectId"`
	Types            []string           `json:"types"`
	Priority         queue.Priority     `json:"priority"`
	Timeout          time.Duration      `json:"timeout,omitempty"`
	State            State              `json:"state"`
	MemoryBudget     int64              `json:"memoryBudgetBytes"`
	Position         int                `json:"position"`
	Progress         map[string]float64 `json:"progress,omitempty"`
	Results          map[string]any     `json:"results,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	FallbackTriggers int                `json:"fallbackTriggers,omitempty"`
	BatchSize        int                `json:"batchSize,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	StartedAt        *time.Time         `json:"startedAt,omitempty"`
	FinishedAt       *time.Time         `json:"finishedAt,omitempty"`
}

// Submission reports where an accepted job landed.
type Submission struct {
	JobID         string        `json:"jobId"`
	State         State         `json:"state"`
	Position      int           `json:"position"`
	EstimatedWait time.Duration `json:"estimatedWait,omitempty"`
}

// ProjectStatus is a snapshot of one project's analysis activity.
type ProjectStatus struct {
	ProjectID string `json:"projectId"`
	Active    []Job  `json:"active"`
	Queued    []Job  `json:"queued"`
}

// Publisher is the event sink. The bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.Event)
}

// Recorder persists terminal jobs. The analysis repository satisfies
// it; persistence failures are logged, never fatal.
type Recorder interface {
	RecordAnalysis(ctx context.Context, job Job) error
}

// Emit streams one typed chunk toward subscribers. It blocks while the
// job's chunk buffer is full and fails once the type's context ends.
// Data maps handed to Emit must not be mutated afterwards.
type Emit func(progress float64, data map[string]any) error

// Scope hands an analyzer its working set. BatchSize reflects the
// current degradation level and shrinks under memory pressure.
type Scope struct {
	ProjectID string
	Path      string
	BatchSize int
}

// Analyzer produces one analysis type. Implementations stream partial
// data through emit as they go and emit their complete result
// (progress 1.0) before returning nil. Chunks emitted before a timeout
// or cancellation become the type's partial result.
type Analyzer interface {
	Type() string
	Analyze(ctx context.Context, scope Scope, emit Emit) error
}

// Chunk is one streamed slice of a type's result.
type Chunk struct {
	Type     string
	Progress float64
	Data     map[string]any
}

// cell is one project's resource accounting, guarded by Queue.mu and
// mutated only through allocate and release.
type cell struct {
	memoryInUse int64
	running     int
}

func (c *cell) allocate(budget, maxMemory int64, maxRunning int) bool {
	if c.running+1 > maxRunning || c.memoryInUse+budget > maxMemory {
		return false
	}
	c.running++
	c.memoryInUse += budget
	return true
}

func (c *cell) release(budget int64) {
	c.running--
	c.memoryInUse -= budget
}

// job is the mutable runtime record behind a Job snapshot. Everything
// below the fixed fields is guarded by Queue.mu.
type job struct {
	id           string
	projectID    string
	projectPath  string
	types        []string
	priority     queue.Priority
	timeout      time.Duration
	memoryBudget int64
	createdAt    time.Time

	state            State
	startedAt        *time.Time
	finishedAt       *time.Time
	reason           string
	results          map[string]any
	progress         map[string]float64
	fallbackTriggers int
	batchSize        int
	cancelRequested  bool
	cancel           context.CancelFunc
}

func (j *job) view(position int) Job {
	v := Job{
		ID:               j.id,
		ProjectID:        j.projectID,
		Types:            slices.Clone(j.types),
		Priority:         j.priority,
		Timeout:          j.timeout,
		State:            j.state,
		MemoryBudget:     j.memoryBudget,
		Position:         position,
		Reason:           j.reason,
		FallbackTriggers: j.fallbackTriggers,
		BatchSize:        j.batchSize,
		CreatedAt:        j.createdAt,
		StartedAt:        j.startedAt,
		FinishedAt:       j.finishedAt,
	}
	if len(j.progress) > 0 {
		v.Progress = maps.Clone(j.progress)
	}
	if len(j.results) > 0 {
		v.Results = maps.Clone(j.results)
	}
	return v
}

func (j *job) payload(position int) protocol.AnalysisPayload {
	p := protocol.AnalysisPayload{
		JobID:     j.id,
		ProjectID: j.projectID,
		Types:     slices.Clone(j.types),
		State:     string(j.state),
		Position:  position,
		Reason:    j.reason,
		Partial:   j.state == StatePartial,
	}
	if len(j.progress) > 0 {
		p.Progress = maps.Clone(j.progress)
	}
	if j.state.Terminal() && len(j.results) > 0 {
		p.Results = maps.Clone(j.results)
	}
	return p
}

// Queue schedules analysis jobs against per-project resource cells.
type Queue struct {
	cfg       config.AnalysisConfig
	bus       Publisher
	recorder  Recorder
	metrics   *observability.Metrics
	tracer    trace.Tracer
	prober    HeapProber
	analyzers map[string]Analyzer
	order     []string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	jobs    map[string]*job
	cells   map[string]*cell
	waiting map[string][]*job
	avg     map[string]time.Duration
	wg      sync.WaitGroup
}

// Option tunes a Queue at construction time.
type Option func(*Queue)

// WithHeapProber replaces the runtime heap prober.
func WithHeapProber(p HeapProber) Option {
	return func(q *Queue) {
		if p != nil {
			q.prober = p
		}
	}
}

// New builds an analysis queue. bus, recorder and metrics may be nil;
// duplicate analyzer types keep the first registration.
func New(cfg config.AnalysisConfig, bus Publisher, recorder Recorder, metrics *observability.Metrics, analyzers []Analyzer, opts ...Option) *Queue {
	if cfg.MaxMemoryPerAnalysis <= 0 {
		cfg.MaxMemoryPerAnalysis = defaultMaxMemory
	}
	if cfg.MaxMemoryPerProject <= 0 {
		cfg.MaxMemoryPerProject = cfg.MaxMemoryPerAnalysis
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxConcurrentPerProject <= 0 {
		cfg.MaxConcurrentPerProject = defaultMaxConcurrent
	}
	if cfg.MemoryThreshold <= 0 || cfg.MemoryThreshold > 1 {
		cfg.MemoryThreshold = defaultThreshold
	}
	if cfg.StreamingBatchSize <= 0 {
		cfg.StreamingBatchSize = defaultBatchSize
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		bus:        bus,
		recorder:   recorder,
		metrics:    metrics,
		tracer:     observability.Tracer("conductor.analysis"),
		prober:     ReadHeap,
		analyzers:  make(map[string]Analyzer, len(analyzers)),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		jobs:       make(map[string]*job),
		cells:      make(map[string]*cell),
		waiting:    make(map[string][]*job),
		avg:        make(map[string]time.Duration),
	}
	for _, an := range analyzers {
		if _, ok := q.analyzers[an.Type()]; ok {
			getLog().Warn().Str("type", an.Type()).Msg("Duplicate analyzer registration ignored")
			continue
		}
		q.analyzers[an.Type()] = an
		q.order = append(q.order, an.Type())
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Types lists the registered analysis types in registration order.
func (q *Queue) Types() []string {
	return slices.Clone(q.order)
}

// Submit admits a job. It starts immediately when the project's
// resource cell has room for its memory budget and one more running
// job; otherwise it waits in priority order behind the active work.
// An empty types slice requests every registered analyzer.
func (q *Queue) Submit(ctx context.Context, projectID string, types []string, opts Options) (*Submission, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if opts.ProjectPath == "" {
		return nil, errors.New("project path is required")
	}
	resolved, err := q.resolveTypes(types)
	if err != nil {
		return nil, err
	}

	budget := opts.MemoryBudget
	if budget <= 0 {
		budget = q.cfg.MaxMemoryPerAnalysis
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.cfg.Timeout
	}

	j := &job{
		id:           uuid.NewString(),
		projectID:    projectID,
		projectPath:  opts.ProjectPath,
		types:        resolved,
		priority:     opts.Priority,
		timeout:      timeout,
		memoryBudget: budget,
		createdAt:    time.Now(),
		state:        StateQueued,
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	if q.cell(projectID).allocate(budget, q.cfg.MaxMemoryPerProject, q.cfg.MaxConcurrentPerProject) {
		q.jobs[j.id] = j
		q.startLocked(j)
		q.mu.Unlock()

		getLog().Info().
			Str("job_id", j.id).
			Str("project_id", projectID).
			Strs("types", resolved).
			Msg("Analysis admitted")
		return &Submission{JobID: j.id, State: StateRunning, Position: 0}, nil
	}

	q.jobs[j.id] = j
	position := q.insertWaitingLocked(j)
	estimate := time.Duration(position) * q.estimateLocked(projectID)
	q.mu.Unlock()

	q.publish(ctx, protocol.NewAnalysisQueuedEvent(protocol.AnalysisPayload{
		JobID:     j.id,
		ProjectID: projectID,
		Types:     resolved,
		State:     string(StateQueued),
		Position:  position,
	}))
	getLog().Info().
		Str("job_id", j.id).
		Str("project_id", projectID).
		Int("position", position).
		Msg("Analysis queued behind active work")
	return &Submission{JobID: j.id, State: StateQueued, Position: position, EstimatedWait: estimate}, nil
}

// Cancel removes a waiting job, or requests cooperative cancellation
// of a running one; the latter settles partial with reason cancelled
// once its executor observes the context.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	switch j.state {
	case StateQueued:
		q.waiting[j.projectID] = removeJob(q.waiting[j.projectID], j)
		now := time.Now()
		j.state = StateCancelled
		j.finishedAt = &now
		delete(q.jobs, j.id)
		payload := j.payload(0)
		record := j.view(0)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.AnalysisJobsTotal.WithLabelValues(string(StateCancelled)).Inc()
		}
		q.publish(ctx, protocol.NewAnalysisCompletedEvent(payload))
		q.record(ctx, record)
		getLog().Info().Str("job_id", jobID).Msg("Queued analysis cancelled")
		return nil
	case StateRunning:
		j.cancelRequested = true
		if j.cancel != nil {
			j.cancel()
		}
		q.mu.Unlock()
		getLog().Info().Str("job_id", jobID).Msg("Cancellation requested for running analysis")
		return nil
	default:
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
}

// Status returns a point-in-time copy of one project's analysis
// activity. Terminal jobs are not listed; they live in the recorder
// and on the completed events.
func (q *Queue) Status(projectID string) ProjectStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := ProjectStatus{ProjectID: projectID}
	for _, j := range q.jobs {
		if j.projectID == projectID && j.state == StateRunning {
			st.Active = append(st.Active, j.view(0))
		}
	}
	slices.SortFunc(st.Active, func(a, b Job) int {
		return a.StartedAt.Compare(*b.StartedAt)
	})
	for i, j := range q.waiting[projectID] {
		st.Queued = append(st.Queued, j.view(i+1))
	}
	return st
}

// Stop refuses new submissions, waits up to grace for running jobs,
// then cancels what remains. Cancelled jobs settle partial; waiting
// jobs are never started.
func (q *Queue) Stop(grace time.Duration) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		getLog().Warn().Dur("grace", grace).Msg("Analysis jobs still running after grace, cancelling")
		q.baseCancel()
	}
	<-done
	q.baseCancel()
}

// startLocked transitions a job to running and spawns its executor.
func (q *Queue) startLocked(j *job) {
	now := time.Now()
	j.state = StateRunning
	j.startedAt = &now

	ctx, cancel := context.WithCancel(q.baseCtx)
	j.cancel = cancel

	q.wg.Add(1)
	go q.runJob(ctx, j)
}

// promoteLocked starts as many waiting jobs as the project's cell now
// admits.
func (q *Queue) promoteLocked(projectID string) {
	if q.stopped {
		return
	}
	c := q.cell(projectID)
	wait := q.waiting[projectID]
	for len(wait) > 0 {
		next := wait[0]
		if !c.allocate(next.memoryBudget, q.cfg.MaxMemoryPerProject, q.cfg.MaxConcurrentPerProject) {
			break
		}
		wait = wait[1:]
		q.startLocked(next)
	}
	q.waiting[projectID] = wait
}

// insertWaitingLocked places the job at the tail of its priority band
// and returns its 1-based position.
func (q *Queue) insertWaitingLocked(j *job) int {
	wait := q.waiting[j.projectID]
	idx := len(wait)
	for i, w := range wait {
		if w.priority < j.priority {
			idx = i
			break
		}
	}
	wait = append(wait[:idx:idx], append([]*job{j}, wait[idx:]...)...)
	q.waiting[j.projectID] = wait
	return idx + 1
}

func (q *Queue) resolveTypes(types []string) ([]string, error) {
	if len(q.order) == 0 {
		return nil, ErrNoAnalyzers
	}
	if len(types) == 0 {
		return slices.Clone(q.order), nil
	}
	resolved := make([]string, 0, len(types))
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		if _, ok := q.analyzers[t]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		resolved = append(resolved, t)
	}
	return resolved, nil
}

func (q *Queue) cell(projectID string) *cell {
	c, ok := q.cells[projectID]
	if !ok {
		c = &cell{}
		q.cells[projectID] = c
	}
	return c
}

func (q *Queue) observeLocked(projectID string, d time.Duration) {
	cur, ok := q.avg[projectID]
	if !ok {
		q.avg[projectID] = d
		return
	}
	q.avg[projectID] = time.Duration(ewmaAlpha*float64(d) + (1-ewmaAlpha)*float64(cur))
}

func (q *Queue) estimateLocked(projectID string) time.Duration {
	if d, ok := q.avg[projectID]; ok && d > 0 {
		return d
	}
	return defaultAvgDuration
}

func (q *Queue) typeTimeout(typ string) time.Duration {
	if d, ok := q.cfg.TypeTimeouts[typ]; ok && d > 0 {
		return d
	}
	return q.cfg.Timeout
}

func (q *Queue) publish(ctx context.Context, evt protocol.Event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(ctx, evt)
}

func (q *Queue) record(ctx context.Context, snapshot Job) {
	if q.recorder == nil {
		return
	}
	if err := q.recorder.RecordAnalysis(ctx, snapshot); err != nil {
		getLog().Warn().
			Err(err).
			Str("job_id", snapshot.ID).
			Msg("Failed to persist analysis result")
	}
}

func removeJob(jobs []*job, target *job) []*job {
	for i, j := range jobs {
		if j == target {
			return append(jobs[:i:i], jobs[i+1:]...)
		}
	}
	return jobs
}
