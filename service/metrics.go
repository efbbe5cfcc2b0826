package service

import (
	"sync"
	"time"

	"ledger-voting/apperror"
)

const (
	OpCastVote       = "cast_vote"
	OpAddCandidate   = "add_candidate"
	OpStartPeriod    = "start_period"
	OpResetAll       = "reset_all"
	OpGetTally       = "get_tally"
	OpGetCandidates  = "get_candidates"
	OpGetPeriod      = "get_period_status"
	OpReconciliation = "reconciliation"
)

// MetricsCollector tracks counts, failures and timings per operation
type MetricsCollector struct {
	mu        sync.RWMutex
	startedAt time.Time
	ops       map[string]*operationStats
}

type operationStats struct {
	count     int
	failures  int
	errors    map[apperror.Kind]int
	totalTime time.Duration
	lastTime  time.Duration
	lastAt    time.Time
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	Count              int            `json:"count"`
	Failures           int            `json:"failures"`
	Errors             map[string]int `json:"errors,omitempty"`
	ProcessingTime     int64          `json:"processing_time_ms"`
	LastProcessingTime int64          `json:"last_processing_time_ms"`
	LastAt             time.Time      `json:"last_at"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	StartedAt  time.Time                   `json:"started_at"`
	Operations map[string]OperationMetrics `json:"operations"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		ops:       make(map[string]*operationStats),
	}
}

// RecordOperation adds one finished call of op. A non-nil err is counted
// under its error kind.
func (mc *MetricsCollector) RecordOperation(op string, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stats, ok := mc.ops[op]
	if !ok {
		stats = &operationStats{errors: make(map[apperror.Kind]int)}
		mc.ops[op] = stats
	}
	stats.count++
	stats.totalTime += duration
	stats.lastTime = duration
	stats.lastAt = time.Now()
	if err != nil {
		stats.failures++
		stats.errors[apperror.KindOf(err)]++
	}
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	resp := MetricsResponse{
		StartedAt:  mc.startedAt,
		Operations: make(map[string]OperationMetrics, len(mc.ops)),
	}
	for op, stats := range mc.ops {
		m := OperationMetrics{
			Count:              stats.count,
			Failures:           stats.failures,
			ProcessingTime:     stats.totalTime.Milliseconds(),
			LastProcessingTime: stats.lastTime.Milliseconds(),
			LastAt:             stats.lastAt,
		}
		if len(stats.errors) > 0 {
			m.Errors = make(map[string]int, len(stats.errors))
			for kind, n := range stats.errors {
				m.Errors[string(kind)] = n
			}
		}
		resp.Operations[op] = m
	}
	return resp
}

// Reset clears all metrics and restarts the collection window.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.startedAt = time.Now()
	mc.ops = make(map[string]*operationStats)
}
