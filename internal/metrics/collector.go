// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// Operation names for the collector.
const (
	OpEmbedding  = "embedding"
	OpExtraction = "llm_extraction"
	OpChatReply  = "llm_chat_reply"
	OpChatTitle  = "llm_chat_title"
)

// OperationMetrics holds aggregated timings for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

func (m *OperationMetrics) observe(d time.Duration) {
	m.Count++
	m.TotalTime += d
	if d < m.MinTime {
		m.MinTime = d
	}
	if d > m.MaxTime {
		m.MaxTime = d
	}
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"totalTimeMs"`
	AvgTimeMs   float64 `json:"avgTimeMs"`
	MinTimeMs   int64   `json:"minTimeMs"`
	MaxTimeMs   int64   `json:"maxTimeMs"`
}

// JobSnapshot summarizes finished jobs of one kind.
type JobSnapshot struct {
	Completed int64              `json:"completed"`
	Failed    int64              `json:"failed"`
	Canceled  int64              `json:"canceled"`
	Retried   int64              `json:"retried"`
	Duration  *OperationSnapshot `json:"duration,omitempty"`
}

// Snapshot represents the full runtime statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptimeSeconds"`
	Operations    map[string]*OperationSnapshot `json:"operations"`
	Jobs          map[string]JobSnapshot        `json:"jobs"`
}

type jobMetrics struct {
	byStatus map[queue.Status]int64
	retried  int64
	timing   *OperationMetrics
}

// Collector aggregates in-memory runtime statistics. It implements
// queue.Observer. All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	jobs      map[queue.Kind]*jobMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		jobs:      make(map[queue.Kind]*jobMetrics),
	}
}

func newOperationMetrics() *OperationMetrics {
	return &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.ops[op]
	if !ok {
		m = newOperationMetrics()
		c.ops[op] = m
	}
	m.observe(duration)
}

// JobFinished records a finished job.
func (c *Collector) JobFinished(kind queue.Kind, status queue.Status, attempts int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.jobs[kind]
	if !ok {
		m = &jobMetrics{byStatus: make(map[queue.Status]int64), timing: newOperationMetrics()}
		c.jobs[kind] = m
	}
	m.byStatus[status]++
	if attempts > 1 {
		m.retried++
	}
	m.timing.observe(elapsed)
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Operations:    make(map[string]*OperationSnapshot, len(c.ops)),
		Jobs:          make(map[string]JobSnapshot, len(c.jobs)),
	}
	for op, m := range c.ops {
		snap.Operations[op] = snapshotOp(m)
	}
	for kind, m := range c.jobs {
		snap.Jobs[string(kind)] = JobSnapshot{
			Completed: m.byStatus[queue.StatusCompleted],
			Failed:    m.byStatus[queue.StatusFailed],
			Canceled:  m.byStatus[queue.StatusCanceled],
			Retried:   m.retried,
			Duration:  snapshotOp(m.timing),
		}
	}
	return snap
}
