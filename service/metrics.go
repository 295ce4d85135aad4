package service

import (
	"sync"
	"time"
)

// MetricsCollector tracks counts and timings for election operations.
type MetricsCollector struct {
	mu sync.RWMutex

	setup        operation
	registration operation
	voting       operation
	counting     operation

	votingPhaseStarted   bool
	votingPhaseStartTime time.Time
	votingPhaseEndTime   time.Time
}

type operation struct {
	startTime time.Time
	endTime   time.Time
	count     int
	failures  int
	totalTime time.Duration
}

func (o *operation) start(now time.Time) {
	if o.count == 0 && o.failures == 0 {
		o.startTime = now
	}
}

func (o *operation) end(now time.Time, duration time.Duration, err error) {
	o.endTime = now
	o.totalTime += duration
	if err != nil {
		o.failures++
		return
	}
	o.count++
}

func (o *operation) metrics() OperationMetrics {
	return OperationMetrics{
		StartTime:      o.startTime,
		EndTime:        o.endTime,
		Count:          o.count,
		Failures:       o.failures,
		ProcessingTime: o.totalTime.Milliseconds(),
	}
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	Count          int       `json:"count"`
	Failures       int       `json:"failures"`
	ProcessingTime int64     `json:"processing_time_ms"`
}

// MetricsResponse provides the metrics for all operations
type MetricsResponse struct {
	Setup        OperationMetrics `json:"setup"`
	Registration OperationMetrics `json:"registration"`
	Voting       OperationMetrics `json:"voting"`
	Counting     OperationMetrics `json:"counting"`
	VotingPhase  PhaseMetrics     `json:"voting_phase"`
}

type PhaseMetrics struct {
	StartTime  time.Time `json:"phase_start_time,omitempty"`
	EndTime    time.Time `json:"phase_end_time,omitempty"`
	DurationMs int64     `json:"phase_duration_ms"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

func (mc *MetricsCollector) StartVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.votingPhaseStarted = true
	mc.votingPhaseStartTime = time.Now()
	mc.votingPhaseEndTime = time.Time{}
}

func (mc *MetricsCollector) EndVotingPhase() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.votingPhaseStarted && mc.votingPhaseEndTime.IsZero() {
		mc.votingPhaseEndTime = time.Now()
	}
}

// RecordSetup records one completed or failed setup.
func (mc *MetricsCollector) RecordSetup(duration time.Duration, err error) {
	mc.record(&mc.setup, duration, err)
}

func (mc *MetricsCollector) RecordRegistration(duration time.Duration, err error) {
	mc.record(&mc.registration, duration, err)
}

func (mc *MetricsCollector) RecordVote(duration time.Duration, err error) {
	mc.record(&mc.voting, duration, err)
}

func (mc *MetricsCollector) RecordCounting(duration time.Duration, err error) {
	mc.record(&mc.counting, duration, err)
}

func (mc *MetricsCollector) record(o *operation, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := time.Now()
	o.start(now.Add(-duration))
	o.end(now, duration, err)
}

// GetMetrics returns current metrics for all operations
func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	phase := PhaseMetrics{
		StartTime: mc.votingPhaseStartTime,
		EndTime:   mc.votingPhaseEndTime,
	}
	if mc.votingPhaseStarted {
		end := mc.votingPhaseEndTime
		if end.IsZero() {
			end = time.Now()
		}
		phase.DurationMs = end.Sub(mc.votingPhaseStartTime).Milliseconds()
	}

	return MetricsResponse{
		Setup:        mc.setup.metrics(),
		Registration: mc.registration.metrics(),
		Voting:       mc.voting.metrics(),
		Counting:     mc.counting.metrics(),
		VotingPhase:  phase,
	}
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.setup = operation{}
	mc.registration = operation{}
	mc.voting = operation{}
	mc.counting = operation{}
	mc.votingPhaseStarted = false
	mc.votingPhaseStartTime = time.Time{}
	mc.votingPhaseEndTime = time.Time{}
}
