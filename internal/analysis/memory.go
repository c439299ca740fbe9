// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package analysis

import (
	"errors"
	"runtime"

	"github.com/dustin/go-humanize"

	"github.com/noldarim/conductor/internal/observability"
)

// ErrMemoryExceeded ends a job when heap pressure persists after a
// degradation step. The job settles partial with reason memory.
var ErrMemoryExceeded = errors.New("analysis memory budget exceeded")

const (
	minBatchSize  = 10
	thresholdStep = 0.05
	maxThreshold  = 0.9
)

// HeapProber reports current heap usage in bytes. The default reads
// runtime.MemStats; tests inject deterministic probes.
type HeapProber func() uint64

// ReadHeap is the default prober.
func ReadHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// memoryGuard applies the progressive-degradation policy between
// analysis types: above the threshold it requests a collection,
// halves the streaming batch and raises the threshold one step.
// Pressure that survives the degradation aborts the job.
type memoryGuard struct {
	prober    HeapProber
	budget    int64
	threshold float64
	batch     int
	triggers  int
	metrics   *observability.Metrics
	jobID     string
}

func newMemoryGuard(prober HeapProber, budget int64, threshold float64, batch int, metrics *observability.Metrics, jobID string) *memoryGuard {
	return &memoryGuard{
		prober:    prober,
		budget:    budget,
		threshold: threshold,
		batch:     batch,
		metrics:   metrics,
		jobID:     jobID,
	}
}

// admit clears the next type for execution, degrading first when the
// heap is over the threshold share of the job's budget.
func (g *memoryGuard) admit() error {
	if g.ratio() <= g.threshold {
		return nil
	}

	runtime.GC()
	g.batch = max(minBatchSize, g.batch/2)
	g.threshold = min(maxThreshold, g.threshold+thresholdStep)
	g.triggers++
	if g.metrics != nil {
		g.metrics.AnalysisDegradations.Inc()
	}
	getLog().Warn().
		Str("job_id", g.jobID).
		Str("heap", humanize.IBytes(g.prober())).
		Str("budget", humanize.IBytes(uint64(g.budget))).
		Int("batch_size", g.batch).
		Float64("threshold", g.threshold).
		Msg("Memory pressure, degrading analysis")

	if g.ratio() > g.threshold {
		return ErrMemoryExceeded
	}
	return nil
}

func (g *memoryGuard) ratio() float64 {
	return float64(g.prober()) / float64(g.budget)
}
