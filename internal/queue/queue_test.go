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

	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/protocol"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (c *capturingPublisher) Publish(_ context.Context, evt protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *capturingPublisher) byTopic(topic string) []protocol.QueueItemPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.QueueItemPayload
	for _, evt := range c.events {
		if evt.Topic != topic {
			continue
		}
		if p, ok := evt.Payload.(protocol.QueueItemPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (c *capturingPublisher) forItem(id string) []protocol.QueueItemPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.QueueItemPayload
	for _, evt := range c.events {
		if p, ok := evt.Payload.(protocol.QueueItemPayload); ok && p.QueueItemID == id {
			out = append(out, p)
		}
	}
	return out
}

type fakeGate struct {
	err   error
	calls int
}

func (g *fakeGate) RunnableTask(context.Context, string, string) error {
	g.calls++
	return g.err
}

type fakeRecorder struct {
	mu    sync.Mutex
	items []Item
	err   error
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, item Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	return r.err
}

func (r *fakeRecorder) recorded() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items...)
}

func testConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxSize:                 10,
		MaxConcurrentPerProject: 3,
		DefaultTimeout:          time.Second,
		MaxRetries:              2,
		HistorySize:             5,
	}
}

func newTestQueue(t *testing.T, mutate func(*config.QueueConfig)) (*Queue, *capturingPublisher) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	pub := &capturingPublisher{}
	return New(cfg, pub, nil, nil, nil), pub
}

func enqueue(t *testing.T, q *Queue, projectID string, prio Priority) *Submission {
	t.Helper()
	sub, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID: projectID,
		Priority:  prio,
	})
	require.NoError(t, err)
	return sub
}

func TestEnqueueAssignsPositionAndAnnounces(t *testing.T) {
	q, pub := newTestQueue(t, nil)

	sub := enqueue(t, q, "proj", PriorityNormal)
	assert.Equal(t, 1, sub.Position)
	assert.NotEmpty(t, sub.QueueItemID)
	assert.WithinDuration(t, time.Now().Add(defaultAvgDuration), sub.EstimatedStart, 5*time.Second)

	added := pub.byTopic("queue:item:added")
	require.Len(t, added, 1)
	assert.Equal(t, "queued", added[0].State)
	assert.Equal(t, 1, added[0].Position)
	assert.Equal(t, "normal", added[0].Priority)

	snap := q.Status("proj")
	require.Len(t, snap.Queued, 1)
	assert.Empty(t, snap.Active)
	assert.Empty(t, snap.History)
}

func TestEnqueueConsultsTaskGate(t *testing.T) {
	gate := &fakeGate{err: errors.New("task is already completed")}
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, gate, nil, nil)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID: "proj",
		TaskID:    "task-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task is already completed")
	assert.Equal(t, 1, gate.calls)
	assert.Empty(t, pub.byTopic("queue:item:added"), "refused admission emits nothing")
}

func TestEnqueueSkipsGateForCreateWorkflows(t *testing.T) {
	gate := &fakeGate{err: errors.New("should not be consulted")}
	q := New(testConfig(), &capturingPublisher{}, gate, nil, nil)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{
		ProjectID: "proj",
		TaskMode:  "create",
	})
	require.NoError(t, err)
	assert.Zero(t, gate.calls)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxSize = 2 })

	enqueue(t, q, "proj", PriorityNormal)
	enqueue(t, q, "proj", PriorityNormal)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{ProjectID: "proj"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, "proj", full.ProjectID)
	assert.Equal(t, 2, full.Limit)

	// Capacity is per project.
	_, err = q.Enqueue(context.Background(), EnqueueRequest{ProjectID: "other"})
	assert.NoError(t, err)
}

func TestPriorityEntersAheadFIFOWithinBand(t *testing.T) {
	q, _ := newTestQueue(t, nil)

	first := enqueue(t, q, "proj", PriorityNormal)
	second := enqueue(t, q, "proj", PriorityNormal)
	critical := enqueue(t, q, "proj", PriorityCritical)

	snap := q.Status("proj")
	require.Len(t, snap.Queued, 3)
	assert.Equal(t, critical.QueueItemID, snap.Queued[0].ID)
	assert.Equal(t, first.QueueItemID, snap.Queued[1].ID)
	assert.Equal(t, second.QueueItemID, snap.Queued[2].ID)
	assert.Equal(t, 1, snap.Queued[0].Position)
	assert.Equal(t, 3, snap.Queued[2].Position)
}

func TestPriorityNeverPreemptsRunning(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxConcurrentPerProject = 1 })
	ctx := context.Background()

	normal := enqueue(t, q, "proj", PriorityNormal)
	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 1)
	require.Equal(t, normal.QueueItemID, dispatches[0].item.ID)

	enqueue(t, q, "proj", PriorityCritical)
	assert.Empty(t, q.pull(ctx, ctx), "critical item must wait for the running slot")

	snap := q.Status("proj")
	require.Len(t, snap.Active, 1)
	assert.Equal(t, normal.QueueItemID, snap.Active[0].ID)
}

func TestPauseKeepsSlotAndProcessorSkipsIt(t *testing.T) {
	q, pub := newTestQueue(t, func(c *config.QueueConfig) { c.MaxConcurrentPerProject = 1 })
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	b := enqueue(t, q, "proj", PriorityNormal)

	require.NoError(t, q.Pause(ctx, a.QueueItemID))

	snap := q.Status("proj")
	assert.Equal(t, StatePaused, snap.Queued[0].State)
	assert.Equal(t, 1, snap.Queued[0].Position, "paused items keep their slot")

	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 1)
	assert.Equal(t, b.QueueItemID, dispatches[0].item.ID)

	updated := pub.byTopic("queue:item:updated")
	require.NotEmpty(t, updated)
	assert.Equal(t, "paused", updated[0].State)
}

func TestPauseResumeStateGuards(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)

	require.Error(t, q.Resume(ctx, a.QueueItemID))
	assert.ErrorIs(t, q.Resume(ctx, a.QueueItemID), ErrItemNotPaused)

	require.NoError(t, q.Pause(ctx, a.QueueItemID))
	assert.ErrorIs(t, q.Pause(ctx, a.QueueItemID), ErrItemNotQueued)
	require.NoError(t, q.Resume(ctx, a.QueueItemID))

	assert.ErrorIs(t, q.Pause(ctx, "missing"), ErrItemNotFound)
}

func TestCancelQueuedEmitsOneTerminalEvent(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	require.NoError(t, q.Cancel(ctx, a.QueueItemID))

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "cancelled", completed[0].State)
	assert.Equal(t, PositionHistory, completed[0].Position)

	snap := q.Status("proj")
	assert.Empty(t, snap.Queued)
	require.Len(t, snap.History, 1)
	assert.Equal(t, StateCancelled, snap.History[0].State)

	// A finished item is gone from the live index.
	assert.ErrorIs(t, q.Cancel(ctx, a.QueueItemID), ErrItemNotFound)
}

func TestCancelRunningIsCooperative(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 1)

	require.NoError(t, q.Cancel(ctx, a.QueueItemID))
	assert.Empty(t, pub.byTopic("queue:item:completed"),
		"running items settle before their terminal event")
	assert.ErrorIs(t, dispatches[0].ctx.Err(), context.Canceled)

	err := q.complete(ctx, a.QueueItemID, dispatches[0].ctx.Err(), dispatches[0].ctx.Err())
	require.NoError(t, err)

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "cancelled", completed[0].State)
}

func TestReorderMovesWithinQueuedBand(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	b := enqueue(t, q, "proj", PriorityNormal)
	c := enqueue(t, q, "proj", PriorityNormal)

	require.NoError(t, q.Reorder(ctx, c.QueueItemID, 1))
	snap := q.Status("proj")
	assert.Equal(t, []string{c.QueueItemID, a.QueueItemID, b.QueueItemID},
		[]string{snap.Queued[0].ID, snap.Queued[1].ID, snap.Queued[2].ID})

	// Out-of-range positions clamp to the band.
	require.NoError(t, q.Reorder(ctx, c.QueueItemID, 99))
	snap = q.Status("proj")
	assert.Equal(t, c.QueueItemID, snap.Queued[2].ID)
}

func TestBulkCancelReportsPerIDOutcomes(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = enqueue(t, q, "proj", PriorityNormal).QueueItemID
	}
	require.NoError(t, q.Pause(ctx, ids[1]))
	require.NoError(t, q.Pause(ctx, ids[2]))

	outcomes := q.Bulk(ctx, BulkRequest{
		Op:  BulkCancel,
		IDs: []string{ids[1], ids[2], ids[3], "missing"},
	})
	require.Len(t, outcomes, 4)
	for _, o := range outcomes[:3] {
		assert.True(t, o.OK, "id %s", o.ID)
	}
	assert.False(t, outcomes[3].OK)
	assert.Contains(t, outcomes[3].Error, "not found")

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 3)
	for _, p := range completed {
		assert.Equal(t, "cancelled", p.State)
	}

	snap := q.Status("proj")
	require.Len(t, snap.Queued, 2)
	assert.Equal(t, ids[0], snap.Queued[0].ID)
	assert.Equal(t, ids[4], snap.Queued[1].ID)
}

func TestBulkReprioritizeResortsBand(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	b := enqueue(t, q, "proj", PriorityNormal)

	outcomes := q.Bulk(ctx, BulkRequest{
		Op:       BulkReprioritize,
		IDs:      []string{b.QueueItemID},
		Priority: PriorityCritical,
	})
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].OK, outcomes[0].Error)

	snap := q.Status("proj")
	assert.Equal(t, b.QueueItemID, snap.Queued[0].ID)
	assert.Equal(t, PriorityCritical, snap.Queued[0].Priority)
	assert.Equal(t, a.QueueItemID, snap.Queued[1].ID)
}

func TestPullHonorsConcurrencyCap(t *testing.T) {
	q, pub := newTestQueue(t, func(c *config.QueueConfig) { c.MaxConcurrentPerProject = 2 })
	ctx := context.Background()

	for range 3 {
		enqueue(t, q, "proj", PriorityNormal)
	}

	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 2)
	assert.Empty(t, q.pull(ctx, ctx))

	running := 0
	for _, p := range pub.byTopic("queue:item:updated") {
		if p.State == "running" {
			running++
			assert.Equal(t, PositionRunning, p.Position)
		}
	}
	assert.Equal(t, 2, running)

	require.NoError(t, q.complete(ctx, dispatches[0].item.ID, nil, nil))
	next := q.pull(ctx, ctx)
	require.Len(t, next, 1)
}

func TestCompleteSuccessFinalizesAndRecordsHistory(t *testing.T) {
	recorder := &fakeRecorder{}
	pub := &capturingPublisher{}
	q := New(testConfig(), pub, nil, recorder, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	require.Len(t, q.pull(ctx, ctx), 1)
	require.NoError(t, q.complete(ctx, a.QueueItemID, nil, nil))

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "completed", completed[0].State)
	assert.Equal(t, 1, completed[0].Attempts)

	recorded := recorder.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, a.QueueItemID, recorded[0].ID)
	assert.Equal(t, StateCompleted, recorded[0].State)
	assert.NotNil(t, recorded[0].FinishedAt)

	snap := q.Status("proj")
	require.Len(t, snap.History, 1)
	assert.Equal(t, PositionHistory, snap.History[0].Position)
}

func TestHistoryWriteThroughFailureIsSwallowed(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("db down")}
	q := New(testConfig(), &capturingPublisher{}, nil, recorder, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	require.Len(t, q.pull(ctx, ctx), 1)
	assert.NoError(t, q.complete(ctx, a.QueueItemID, nil, nil))
}

func TestRetryReentersAtBandTailThenExhausts(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()
	boom := errors.New("step blew up")

	a := enqueue(t, q, "proj", PriorityHigh)
	enqueue(t, q, "proj", PriorityHigh)

	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 2)
	require.NoError(t, q.complete(ctx, a.QueueItemID, boom, nil))

	snap := q.Status("proj")
	require.Len(t, snap.Queued, 1, "failed item re-enters the queue")
	assert.Equal(t, a.QueueItemID, snap.Queued[0].ID)
	assert.Equal(t, StateQueued, snap.Queued[0].State)
	assert.Equal(t, 1, snap.Queued[0].Attempts)
	assert.Empty(t, pub.byTopic("queue:item:completed"))

	// Second attempt fails too; two attempts exhaust maxAttempts=2.
	dispatches = q.pull(ctx, ctx)
	require.Len(t, dispatches, 1)
	require.Equal(t, a.QueueItemID, dispatches[0].item.ID)
	require.Equal(t, 2, dispatches[0].item.Attempts)
	require.NoError(t, q.complete(ctx, a.QueueItemID, boom, nil))

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "failed", completed[0].State)
	assert.Equal(t, 2, completed[0].Attempts)
	assert.Equal(t, "step blew up", completed[0].Reason)
}

func TestRetryReentryGoesBehindSamePriority(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.MaxConcurrentPerProject = 1 })
	ctx := context.Background()

	failing := enqueue(t, q, "proj", PriorityNormal)
	other := enqueue(t, q, "proj", PriorityNormal)

	dispatches := q.pull(ctx, ctx)
	require.Len(t, dispatches, 1)
	require.NoError(t, q.complete(ctx, failing.QueueItemID, errors.New("boom"), nil))

	snap := q.Status("proj")
	require.Len(t, snap.Queued, 2)
	assert.Equal(t, other.QueueItemID, snap.Queued[0].ID, "retry re-enters at the band tail")
	assert.Equal(t, failing.QueueItemID, snap.Queued[1].ID)
}

func TestCompleteTimeoutReasonOnExhaustion(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, EnqueueRequest{
		ProjectID: "proj",
		Options:   Options{MaxAttempts: 1},
	})
	require.NoError(t, err)
	require.Len(t, q.pull(ctx, ctx), 1)

	runErr := errors.New("step timed out: " + context.DeadlineExceeded.Error())
	require.NoError(t, q.complete(ctx, a.QueueItemID, runErr, context.DeadlineExceeded))

	completed := pub.byTopic("queue:item:completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "failed", completed[0].State)
	assert.Equal(t, "timeout", completed[0].Reason)
}

func TestCompleteRejectsNonRunningItems(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	assert.ErrorIs(t, q.complete(ctx, a.QueueItemID, nil, nil), ErrItemNotRunning)
	assert.ErrorIs(t, q.complete(ctx, "missing", nil, nil), ErrItemNotRunning)
}

func TestHistoryRingIsBounded(t *testing.T) {
	q, _ := newTestQueue(t, func(c *config.QueueConfig) { c.HistorySize = 3 })
	ctx := context.Background()

	var ids []string
	for range 5 {
		sub := enqueue(t, q, "proj", PriorityNormal)
		ids = append(ids, sub.QueueItemID)
		require.NoError(t, q.Cancel(ctx, sub.QueueItemID))
	}

	snap := q.Status("proj")
	require.Len(t, snap.History, 3)
	// Newest first; the two oldest fell off the ring.
	assert.Equal(t, ids[4], snap.History[0].ID)
	assert.Equal(t, ids[2], snap.History[2].ID)
}

func TestItemEventSequencePerItem(t *testing.T) {
	q, pub := newTestQueue(t, nil)
	ctx := context.Background()

	a := enqueue(t, q, "proj", PriorityNormal)
	require.Len(t, q.pull(ctx, ctx), 1)
	require.NoError(t, q.complete(ctx, a.QueueItemID, nil, nil))

	seq := pub.forItem(a.QueueItemID)
	require.Len(t, seq, 3)
	assert.Equal(t, "queued", seq[0].State)
	assert.Equal(t, "running", seq[1].State)
	assert.Equal(t, "completed", seq[2].State)
}

func TestEWMAConvergesTowardObservations(t *testing.T) {
	pq := &projectQueue{}
	assert.Equal(t, defaultAvgDuration, pq.estimate())

	pq.observeDuration(2 * time.Minute)
	assert.Equal(t, 2*time.Minute, pq.estimate())

	pq.observeDuration(1 * time.Minute)
	// 0.2*1m + 0.8*2m
	assert.InDelta(t, float64(108*time.Second), float64(pq.estimate()), float64(time.Second))
}

func TestParsePriority(t *testing.T) {
	cases := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"low", PriorityLow, false},
		{"normal", PriorityNormal, false},
		{"", PriorityNormal, false},
		{"high", PriorityHigh, false},
		{"critical", PriorityCritical, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tc := range cases {
		got, err := ParsePriority(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidPriority, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
