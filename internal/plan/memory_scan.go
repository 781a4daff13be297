package plan

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// MemoryScanExec serves pre-materialized record batches, one batch slice per
// partition. It is the leaf used for registered in-memory tables and in
// tests.
type MemoryScanExec struct {
	schema     *arrow.Schema
	partitions [][]arrow.Record
	ordering   []expr.SortExpr
}

// NewMemoryScanExec creates a scan over the given partitions. The batches
// are retained for the lifetime of the plan.
func NewMemoryScanExec(schema *arrow.Schema, partitions [][]arrow.Record) *MemoryScanExec {
	for _, part := range partitions {
		for _, b := range part {
			b.Retain()
		}
	}
	return &MemoryScanExec{schema: schema, partitions: partitions}
}

// WithOrdering declares the sort order the stored batches already satisfy.
func (m *MemoryScanExec) WithOrdering(ordering []expr.SortExpr) *MemoryScanExec {
	m.ordering = ordering
	return m
}

// Ordering returns the declared sort order, if any.
func (m *MemoryScanExec) Ordering() []expr.SortExpr {
	return m.ordering
}

// Name identifies the operator kind.
func (m *MemoryScanExec) Name() string { return "MemoryScanExec" }

// Schema returns the scan schema.
func (m *MemoryScanExec) Schema() *arrow.Schema { return m.schema }

// Children returns no children; scans are leaves.
func (m *MemoryScanExec) Children() []ExecutionPlan { return nil }

// OutputPartitioning reports one partition per stored batch slice.
func (m *MemoryScanExec) OutputPartitioning() Partitioning {
	return Partitioning{Kind: PartitioningUnknown, Partitions: len(m.partitions)}
}

// RequiredInputDistribution returns no requirements; scans are leaves.
func (m *MemoryScanExec) RequiredInputDistribution() []Distribution { return nil }

// RequiredInputOrdering returns no requirements; scans are leaves.
func (m *MemoryScanExec) RequiredInputOrdering() [][]expr.SortExpr { return nil }

// Execute streams the stored batches of one partition.
func (m *MemoryScanExec) Execute(ctx context.Context, partition int, tc *TaskContext) (exec.RecordBatchStream, error) {
	if partition < 0 || partition >= len(m.partitions) {
		return nil, errors.NewInternal("MemoryScanExec has %d partitions, partition %d requested",
			len(m.partitions), partition)
	}
	return exec.NewSliceStream(m.schema, m.partitions[partition]), nil
}

// Release drops the plan's references to the stored batches.
func (m *MemoryScanExec) Release() {
	for _, part := range m.partitions {
		for _, b := range part {
			b.Release()
		}
	}
	m.partitions = nil
}
