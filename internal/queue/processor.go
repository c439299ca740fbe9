// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/noldarim/conductor/internal/retry"
	"github.com/noldarim/conductor/internal/steps"
	"github.com/noldarim/conductor/internal/workflow"
)

// WorkflowSource yields resolved workflow definitions.
type WorkflowSource interface {
	Workflow(id string) (*workflow.Definition, error)
	WorkflowForTaskType(taskType string) (*workflow.Definition, error)
}

// StepRunner executes a resolved workflow's steps against a step
// context.
type StepRunner interface {
	ExecuteSteps(ctx context.Context, refs []steps.StepRef, sc *steps.Context, opts steps.Options) error
}

// Processor drains the queue into the step engine. One Run loop per
// process; items execute in their own goroutines under the per-project
// concurrency cap enforced by pull.
type Processor struct {
	queue  *Queue
	source WorkflowSource
	runner StepRunner

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewProcessor wires the processor to its queue, workflow source and
// step runner.
func NewProcessor(q *Queue, source WorkflowSource, runner StepRunner) *Processor {
	return &Processor{
		queue:  q,
		source: source,
		runner: runner,
		stopCh: make(chan struct{}),
	}
}

// Run blocks draining the queue until ctx is cancelled or Stop is
// called. It idle-waits on the queue's wake signal instead of polling.
func (p *Processor) Run(ctx context.Context) {
	getLog().Info().Msg("Task processor started")
	p.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			getLog().Info().Msg("Task processor context cancelled")
			return
		case <-p.stopCh:
			return
		case <-p.queue.wake:
			p.dispatch(ctx)
		}
	}
}

// Stop prevents new pulls, waits up to grace for in-flight items, then
// cancels their contexts and waits for them to settle.
func (p *Processor) Stop(grace time.Duration) {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		getLog().Info().Msg("Task processor drained")
		return
	case <-time.After(grace):
		getLog().Warn().Dur("grace", grace).Msg("Grace elapsed, cancelling in-flight items")
	}

	p.queue.cancelRunning()
	<-done
}

func (p *Processor) dispatch(ctx context.Context) {
	select {
	case <-p.stopCh:
		return
	default:
	}

	for _, d := range p.queue.pull(ctx, ctx) {
		p.wg.Add(1)
		go p.run(ctx, d)
	}
}

func (p *Processor) run(ctx context.Context, d dispatch) {
	defer p.wg.Done()

	itemCtx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	runErr := p.execute(itemCtx, d.item)
	ctxErr := itemCtx.Err()

	// Completion events and history still go out when the run
	// context died; only the item context decides the outcome.
	settleCtx := context.WithoutCancel(ctx)
	if err := p.queue.complete(settleCtx, d.item.ID, runErr, ctxErr); err != nil {
		getLog().Error().
			Err(err).
			Str("queue_item_id", d.item.ID).
			Msg("Failed to record item completion")
	}
}

// execute selects the item's workflow and runs its steps. Selection
// failures are permanent; the retry policy never re-runs them.
func (p *Processor) execute(ctx context.Context, item Item) error {
	def, err := p.selectWorkflow(item)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("workflow selection for item %s: %w", item.ID, err))
	}

	getLog().Info().
		Str("queue_item_id", item.ID).
		Str("project_id", item.ProjectID).
		Str("workflow_id", def.ID).
		Int("steps", len(def.Steps)).
		Int("attempt", item.Attempts).
		Msg("Executing workflow")

	sc := steps.NewContext(item.ProjectID, item.Options.ProjectPath)
	sc.UserID = item.UserID
	sc.TaskMode = item.TaskMode
	sc.WorkflowID = def.ID
	if item.TaskID != "" {
		sc.SetTaskID(item.TaskID)
	}

	return p.runner.ExecuteSteps(ctx, stepRefs(def), sc, steps.Options{
		Values: runValues(item),
	})
}

// selectWorkflow resolves the workflow: an explicit id wins, otherwise
// the task mode maps through the task-type table with its default
// fallback.
func (p *Processor) selectWorkflow(item Item) (*workflow.Definition, error) {
	if item.WorkflowID != "" {
		return p.source.Workflow(item.WorkflowID)
	}
	return p.source.WorkflowForTaskType(item.TaskMode)
}

// stepRefs maps a resolved definition onto engine refs. A step entry
// is strict when its failure must abort the run; everything else is
// tolerant.
func stepRefs(def *workflow.Definition) []steps.StepRef {
	refs := make([]steps.StepRef, 0, len(def.Steps))
	for _, s := range def.Steps {
		refs = append(refs, steps.StepRef{
			Key:      capabilityKey(s),
			Name:     s.Name,
			Options:  s.Options,
			Tolerant: !s.Strict,
		})
	}
	return refs
}

// capabilityKey resolves a workflow step entry to its registry key:
// a dotted type is already fully qualified, otherwise the category
// prefixes it.
func capabilityKey(s workflow.Step) string {
	if strings.Contains(s.Type, ".") || s.Category == "" {
		return s.Type
	}
	return s.Category + "." + s.Type
}

// runValues builds the run-level option values injected under every
// step's own options.
func runValues(item Item) map[string]any {
	values := make(map[string]any, len(item.Options.Extra)+2)
	for k, v := range item.Options.Extra {
		values[k] = v
	}
	if item.Options.BranchName != "" {
		values["branchName"] = item.Options.BranchName
	}
	if item.Options.CreateGitBranch {
		values["createGitBranch"] = true
	}
	return values
}

// cancelRunning cancels every in-flight item context; used by
// Stop once the drain grace elapsed.
func (q *Queue) cancelRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, pq := range q.projects {
		for _, e := range pq.running {
			if e.cancel != nil {
				e.cancel()
			}
		}
	}
}
