package join

import (
	"sync/atomic"
	"time"

	"github.com/geetanshjuneja/datafusion/internal/exec"
)

// Metrics collects counters and gauges across all partitions of one join.
type Metrics struct {
	joinTimeNanos atomic.Int64
	inputBatches  atomic.Int64
	inputRows     atomic.Int64
	outputBatches atomic.Int64
	outputRows    atomic.Int64
	peakMemUsed   atomic.Int64
	spill         exec.SpillMetrics
}

// NewMetrics creates an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) addJoinTime(d time.Duration) {
	m.joinTimeNanos.Add(int64(d))
}

func (m *Metrics) recordInput(batches, rows int64) {
	m.inputBatches.Add(batches)
	m.inputRows.Add(rows)
}

func (m *Metrics) recordOutput(rows int64) {
	m.outputBatches.Add(1)
	m.outputRows.Add(rows)
}

// setMaxMem raises the peak-memory gauge to at least v.
func (m *Metrics) setMaxMem(v int64) {
	for {
		cur := m.peakMemUsed.Load()
		if v <= cur || m.peakMemUsed.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	JoinTime      time.Duration
	InputBatches  int64
	InputRows     int64
	OutputBatches int64
	OutputRows    int64
	PeakMemUsed   int64
	SpillCount    int64
	SpilledBytes  int64
	SpilledRows   int64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		JoinTime:      time.Duration(m.joinTimeNanos.Load()),
		InputBatches:  m.inputBatches.Load(),
		InputRows:     m.inputRows.Load(),
		OutputBatches: m.outputBatches.Load(),
		OutputRows:    m.outputRows.Load(),
		PeakMemUsed:   m.peakMemUsed.Load(),
		SpillCount:    m.spill.SpillCount.Load(),
		SpilledBytes:  m.spill.SpilledBytes.Load(),
		SpilledRows:   m.spill.SpilledRows.Load(),
	}
}
