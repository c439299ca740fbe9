// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/conductor/internal/logger"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetStepsLogger()
		log = &l
	})
	return log
}

var (
	// ErrStepNotFound is returned when executing an unregistered key.
	ErrStepNotFound = errors.New("step not found")

	// ErrStepExists rejects duplicate registration of a key.
	ErrStepExists = errors.New("step already registered")

	// ErrInvalidStepKey rejects malformed keys. Keys are `category.name`
	// or a bare capability name, lowercase alphanumerics with _ and -.
	ErrInvalidStepKey = errors.New("invalid step key")
)

// DependencyCycleError reports a step dependency chain that loops.
type DependencyCycleError struct {
	Chain []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("step dependency cycle: %s", strings.Join(e.Chain, " -> "))
}

var stepKeyRegex = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)?$`)

// Executor runs one step and returns its artifact.
type Executor interface {
	Execute(ctx context.Context, sc *Context, opts Options) (any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, sc *Context, opts Options) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, sc *Context, opts Options) (any, error) {
	return f(ctx, sc, opts)
}

// StepDefinition describes one registered step.
type StepDefinition struct {
	// Key addresses the step: `category.name`, or a bare name for
	// top-level capabilities such as `delay`.
	Key string

	// Category is derived from the key prefix when empty.
	Category string

	Description string

	// Timeout bounds one execution; zero falls back to the registry's
	// default (the workflow step timeout from config).
	Timeout time.Duration

	// Dependencies name steps that must be registered before this one
	// runs in a composed workflow. Forward references to keys that
	// register later are allowed; cycles are rejected immediately.
	Dependencies []string
}

// Options carries per-execution parameters.
type Options struct {
	// StepName labels this execution in events and artifacts; defaults
	// to the registered key. Workflow definitions set it to the step's
	// instance name so two uses of one capability keep distinct
	// artifacts.
	StepName string

	// StepIndex is the position within a composed run, set by
	// ExecuteSteps.
	StepIndex int

	// Timeout overrides the step-declared timeout for this execution.
	Timeout time.Duration

	// ContinueOnError lets ExecuteSteps run past a failed step.
	ContinueOnError bool

	// Values holds the step's option map from the workflow definition,
	// merged with any framework manifest defaults.
	Values map[string]any
}

// Value returns an option by key.
func (o Options) Value(key string) (any, bool) {
	v, ok := o.Values[key]
	return v, ok
}

// StringValue returns a string option, "" when absent or not a string.
func (o Options) StringValue(key string) string {
	if v, ok := o.Values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IntValue returns an integer option, tolerating JSON's float64 decode.
func (o Options) IntValue(key string) (int, bool) {
	switch v := o.Values[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Publisher is the slice of the event bus the registry publishes on.
type Publisher interface {
	Publish(ctx context.Context, evt protocol.Event)
}

type registration struct {
	def  StepDefinition
	exec Executor
}

// Registry holds step registrations and executes them with lifecycle
// events. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]*registration

	publisher      Publisher
	metrics        *observability.Metrics
	tracer         trace.Tracer
	defaultTimeout time.Duration
}

// NewRegistry builds a registry. metrics may be nil in tests; publisher
// must not be.
func NewRegistry(publisher Publisher, metrics *observability.Metrics, defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Registry{
		steps:          make(map[string]*registration),
		publisher:      publisher,
		metrics:        metrics,
		tracer:         observability.Tracer("conductor.steps"),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a step under def.Key. The key must be well-formed and
// unused; declared dependencies may reference keys that register later,
// but a dependency chain that loops back is rejected here, not at
// execution time.
func (r *Registry) Register(def StepDefinition, exec Executor) error {
	if !stepKeyRegex.MatchString(def.Key) {
		return fmt.Errorf("%w: %q", ErrInvalidStepKey, def.Key)
	}
	if exec == nil {
		return fmt.Errorf("step %q: executor must not be nil", def.Key)
	}
	for _, dep := range def.Dependencies {
		if !stepKeyRegex.MatchString(dep) {
			return fmt.Errorf("%w: dependency %q of %q", ErrInvalidStepKey, dep, def.Key)
		}
	}
	if def.Category == "" {
		if idx := strings.IndexByte(def.Key, '.'); idx > 0 {
			def.Category = def.Key[:idx]
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[def.Key]; exists {
		return fmt.Errorf("%w: %q", ErrStepExists, def.Key)
	}

	r.steps[def.Key] = &registration{def: def, exec: exec}
	if cycle := r.findCycleLocked(def.Key, nil); cycle != nil {
		delete(r.steps, def.Key)
		return &DependencyCycleError{Chain: cycle}
	}

	getLog().Debug().
		Str("step", def.Key).
		Str("category", def.Category).
		Strs("dependencies", def.Dependencies).
		Msg("Step registered")

	return nil
}

// findCycleLocked walks declared dependencies from name over the edges
// known so far. Unregistered dependencies have no outgoing edges yet
// and cannot close a cycle.
func (r *Registry) findCycleLocked(name string, chain []string) []string {
	for _, seen := range chain {
		if seen == name {
			return append(append([]string(nil), chain...), name)
		}
	}
	reg, ok := r.steps[name]
	if !ok {
		return nil
	}
	chain = append(chain, name)
	for _, dep := range reg.def.Dependencies {
		if cycle := r.findCycleLocked(dep, chain); cycle != nil {
			return cycle
		}
	}
	return nil
}

// Definition returns the registered definition for key.
func (r *Registry) Definition(key string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.steps[key]
	if !ok {
		return StepDefinition{}, false
	}
	return reg.def, true
}

// Keys returns all registered step keys, unordered.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.steps))
	for k := range r.steps {
		keys = append(keys, k)
	}
	return keys
}

type stepResult struct {
	artifact any
	err      error
}

// ExecuteStep runs one registered step. It emits workflow:step:started,
// then exactly one terminal event: completed with the artifact, or
// failed with the error and a reason ("timeout" when the per-step
// deadline cancelled the executor). The executor's context is cancelled
// at the deadline; an executor that ignores it keeps running but its
// result is discarded. Failures are returned to the caller after the
// event is published.
func (r *Registry) ExecuteStep(ctx context.Context, key string, sc *Context, opts Options) (any, error) {
	r.mu.RLock()
	reg, ok := r.steps[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, key)
	}

	stepName := opts.StepName
	if stepName == "" {
		stepName = key
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = reg.def.Timeout
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	ctx, span := r.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("step.key", key),
		attribute.String("step.name", stepName),
		attribute.String("project.id", sc.ProjectID),
	))
	defer span.End()

	payload := protocol.StepPayload{
		ProjectID:  sc.ProjectID,
		TaskID:     sc.TaskID(),
		WorkflowID: sc.WorkflowID,
		StepKey:    stepName,
		StepIndex:  opts.StepIndex,
	}
	r.publisher.Publish(ctx, protocol.NewStepStartedEvent(payload))

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan stepResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- stepResult{err: fmt.Errorf("step %q panicked: %v", key, rec)}
			}
		}()
		artifact, err := reg.exec.Execute(stepCtx, sc, opts)
		resultCh <- stepResult{artifact: artifact, err: err}
	}()

	var res stepResult
	select {
	case res = <-resultCh:
	case <-stepCtx.Done():
		res = stepResult{err: stepCtx.Err()}
	}
	duration := time.Since(start)

	if res.err != nil {
		reason := ""
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			reason = protocol.StepFailureReasonTimeout
		case errors.Is(res.err, context.Canceled):
			reason = protocol.StepFailureReasonCancelled
		}
		return nil, r.failStep(ctx, payload, stepName, res.err, reason, duration)
	}

	if err := sc.PutArtifact(stepName, res.artifact); err != nil {
		return nil, r.failStep(ctx, payload, stepName, err, "", duration)
	}

	if r.metrics != nil {
		r.metrics.StepSeconds.WithLabelValues(key).Observe(duration.Seconds())
	}

	payload.Artifact = res.artifact
	payload.Duration = duration
	r.publisher.Publish(ctx, protocol.NewStepCompletedEvent(payload))

	getLog().Debug().
		Str("step", stepName).
		Dur("duration", duration).
		Msg("Step completed")

	return res.artifact, nil
}

// failStep publishes the single terminal failed event and returns the
// wrapped error.
func (r *Registry) failStep(ctx context.Context, payload protocol.StepPayload, stepName string, err error, reason string, duration time.Duration) error {
	if r.metrics != nil {
		label := reason
		if label == "" {
			label = "error"
		}
		r.metrics.StepFailures.WithLabelValues(payload.StepKey, label).Inc()
	}

	payload.Error = err.Error()
	payload.Reason = reason
	payload.Duration = duration
	r.publisher.Publish(ctx, protocol.NewStepFailedEvent(payload))

	getLog().Warn().
		Str("step", stepName).
		Str("reason", reason).
		Err(err).
		Msg("Step failed")

	return fmt.Errorf("step %q failed: %w", stepName, err)
}

// StepRef names one step execution within a composed run.
type StepRef struct {
	// Key is the registered step to run.
	Key string
	// Name labels the execution; defaults to Key.
	Name string
	// Options is the step's option map from the workflow definition.
	Options map[string]any
	// Timeout overrides the registered timeout for this run.
	Timeout time.Duration
	// Tolerant marks a non-strict workflow step: its failure is
	// evented and logged but does not fail the run.
	Tolerant bool
}

// ExecuteSteps runs refs sequentially, accumulating artifacts in sc.
// A failure short-circuits the remaining steps unless the ref is
// Tolerant (failure swallowed after the step:failed event) or
// opts.ContinueOnError is set (failures joined and returned).
func (r *Registry) ExecuteSteps(ctx context.Context, refs []StepRef, sc *Context, opts Options) error {
	var errs []error
	for i, ref := range refs {
		stepOpts := Options{
			StepName:        ref.Name,
			StepIndex:       i,
			Timeout:         ref.Timeout,
			ContinueOnError: opts.ContinueOnError,
			Values:          mergeValues(opts.Values, ref.Options),
		}
		if stepOpts.StepName == "" {
			stepOpts.StepName = ref.Key
		}

		if _, err := r.ExecuteStep(ctx, ref.Key, sc, stepOpts); err != nil {
			if ref.Tolerant {
				continue
			}
			if !opts.ContinueOnError {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mergeValues overlays step-level options on run-level values; the
// step's own entries win.
func mergeValues(base, overlay map[string]any) map[string]any {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
