// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/conductor/internal/protocol"
	"github.com/noldarim/conductor/internal/steps"
	"github.com/noldarim/conductor/internal/workflow"
)

func (c *capturingPublisher) topicSequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Topic
	}
	return out
}

func (c *capturingPublisher) stepEvents(topic string) []protocol.StepPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.StepPayload
	for _, evt := range c.events {
		if evt.Topic != topic {
			continue
		}
		if p, ok := evt.Payload.(protocol.StepPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeSource struct {
	mu     sync.Mutex
	def    *workflow.Definition
	byID   int
	byType int
}

func (s *fakeSource) Workflow(string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID++
	if s.def == nil {
		return nil, workflow.ErrWorkflowNotFound
	}
	return s.def, nil
}

func (s *fakeSource) WorkflowForTaskType(string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byType++
	if s.def == nil {
		return nil, workflow.ErrWorkflowNotFound
	}
	return s.def, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	order    []string
	behavior func(ctx context.Context, sc *steps.Context) error
}

func (f *fakeRunner) ExecuteSteps(ctx context.Context, _ []steps.StepRef, sc *steps.Context, _ steps.Options) error {
	f.mu.Lock()
	f.order = append(f.order, sc.TaskID())
	behavior := f.behavior
	f.mu.Unlock()
	if behavior != nil {
		return behavior(ctx, sc)
	}
	return nil
}

func (f *fakeRunner) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func trivialDefinition() *workflow.Definition {
	return &workflow.Definition{ID: "default", Steps: []workflow.Step{{Name: "noop", Type: "delay"}}}
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitForCompleted(t *testing.T, pub *capturingPublisher, n int) []protocol.QueueItemPayload {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(pub.byTopic("queue:item:completed")) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return pub.byTopic("queue:item:completed")
}

func TestProcessorRunsQueuedItemThroughStepEngine(t *testing.T) {
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, nil, nil)

	registry := steps.NewRegistry(pub, nil, time.Second)
	require.NoError(t, registry.Register(steps.StepDefinition{Key: "test.alpha"},
		steps.ExecutorFunc(func(context.Context, *steps.Context, steps.Options) (any, error) {
			return "alpha-result", nil
		})))
	require.NoError(t, registry.Register(steps.StepDefinition{Key: "test.beta"},
		steps.ExecutorFunc(func(context.Context, *steps.Context, steps.Options) (any, error) {
			return map[string]any{"ok": true}, nil
		})))

	source := &fakeSource{def: &workflow.Definition{
		ID: "feature",
		Steps: []workflow.Step{
			{Name: "alpha", Type: "test.alpha", Strict: true},
			{Name: "beta", Type: "test.beta", Strict: true},
		},
	}}

	p := NewProcessor(q, source, registry)
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID: "proj",
		TaskID:    "t1",
		TaskMode:  "feature",
	})
	require.NoError(t, err)

	completed := waitForCompleted(t, pub, 1)
	assert.Equal(t, "completed", completed[0].State)

	stepDone := pub.stepEvents("workflow:step:completed")
	require.Len(t, stepDone, 2)
	assert.Equal(t, "alpha", stepDone[0].StepKey)
	assert.Equal(t, "alpha-result", stepDone[0].Artifact)
	assert.Equal(t, "beta", stepDone[1].StepKey)
	assert.NotNil(t, stepDone[1].Artifact)

	seq := pub.topicSequence()
	assert.Equal(t, []string{
		"queue:item:added",
		"queue:item:updated",
		"workflow:step:started",
		"workflow:step:completed",
		"workflow:step:started",
		"workflow:step:completed",
		"queue:item:completed",
	}, seq)
}

func TestProcessorCriticalRunsBeforeEarlierNormal(t *testing.T) {
	pub := &capturingPublisher{}
	cfg := testConfig()
	cfg.MaxConcurrentPerProject = 1
	q := New(cfg, pub, nil, nil, nil)

	release := make(chan struct{})
	runner := &fakeRunner{behavior: func(ctx context.Context, sc *steps.Context) error {
		if sc.TaskID() == "t1" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}}

	p := NewProcessor(q, &fakeSource{def: trivialDefinition()}, runner)
	startProcessor(t, p)

	enqueueTask := func(taskID string, prio Priority) {
		_, err := q.Enqueue(context.Background(), EnqueueRequest{
			ProjectID: "proj",
			TaskID:    taskID,
			Priority:  prio,
		})
		require.NoError(t, err)
	}

	enqueueTask("t1", PriorityNormal)
	require.Eventually(t, func() bool { return len(runner.ran()) == 1 }, time.Second, time.Millisecond)

	enqueueTask("t2", PriorityNormal)
	enqueueTask("t3", PriorityCritical)
	close(release)

	waitForCompleted(t, pub, 3)
	assert.Equal(t, []string{"t1", "t3", "t2"}, runner.ran())
}

func TestProcessorRetriesFailedItemOnce(t *testing.T) {
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, nil, nil)

	var attempts int
	var mu sync.Mutex
	runner := &fakeRunner{behavior: func(context.Context, *steps.Context) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("flaky")
		}
		return nil
	}}

	p := NewProcessor(q, &fakeSource{def: trivialDefinition()}, runner)
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{ProjectID: "proj", TaskID: "t1"})
	require.NoError(t, err)

	completed := waitForCompleted(t, pub, 1)
	assert.Equal(t, "completed", completed[0].State)
	assert.Equal(t, 2, completed[0].Attempts)

	requeues := 0
	for _, p := range pub.byTopic("queue:item:updated") {
		if p.State == "queued" {
			requeues++
		}
	}
	assert.Equal(t, 1, requeues, "one retry re-entry event")
}

func TestProcessorItemTimeoutExhaustsRetries(t *testing.T) {
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, nil, nil)

	runner := &fakeRunner{behavior: func(ctx context.Context, _ *steps.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	p := NewProcessor(q, &fakeSource{def: trivialDefinition()}, runner)
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID: "proj",
		TaskID:    "t1",
		Options:   Options{Timeout: 30 * time.Millisecond},
	})
	require.NoError(t, err)

	completed := waitForCompleted(t, pub, 1)
	assert.Equal(t, "failed", completed[0].State)
	assert.Equal(t, "timeout", completed[0].Reason)
	assert.Equal(t, 2, completed[0].Attempts, "both attempts timed out before the terminal state")
}

func TestProcessorUnknownWorkflowFailsWithoutRetry(t *testing.T) {
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, nil, nil)

	p := NewProcessor(q, &fakeSource{}, &fakeRunner{})
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID:  "proj",
		WorkflowID: "ghost",
	})
	require.NoError(t, err)

	completed := waitForCompleted(t, pub, 1)
	assert.Equal(t, "failed", completed[0].State)
	assert.Equal(t, 1, completed[0].Attempts, "selection failures are permanent")
	assert.Contains(t, completed[0].Reason, "workflow")
}

func TestProcessorStopCancelsInFlightAfterGrace(t *testing.T) {
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, nil, nil)

	runner := &fakeRunner{behavior: func(ctx context.Context, _ *steps.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	p := NewProcessor(q, &fakeSource{def: trivialDefinition()}, runner)
	startProcessor(t, p)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{ProjectID: "proj", TaskID: "t1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(runner.ran()) == 1 }, time.Second, time.Millisecond)

	p.Stop(20 * time.Millisecond)

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "cancelled", completed[0].State)
}

func TestSelectWorkflowPrecedence(t *testing.T) {
	source := &fakeSource{def: trivialDefinition()}
	p := NewProcessor(nil, source, nil)

	_, err := p.selectWorkflow(Item{WorkflowID: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, 1, source.byID)
	assert.Zero(t, source.byType)

	_, err = p.selectWorkflow(Item{TaskMode: "feature"})
	require.NoError(t, err)
	assert.Equal(t, 1, source.byType)
}

func TestCapabilityKeyResolution(t *testing.T) {
	cases := []struct {
		step workflow.Step
		want string
	}{
		{workflow.Step{Type: "git.checkout"}, "git.checkout"},
		{workflow.Step{Type: "checkout", Category: "git"}, "git.checkout"},
		{workflow.Step{Type: "delay"}, "delay"},
		{workflow.Step{Type: "ide.message", Category: "ignored"}, "ide.message"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, capabilityKey(tc.step), tc.step.Type)
	}
}
