// Package plan defines the execution-plan surface operators implement and
// the per-query task context they execute against.
package plan

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/geetanshjuneja/datafusion/internal/config"
	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/observability"
)

// ExecutionPlan is a node of a physical plan. Each partition executes
// independently as one stream.
type ExecutionPlan interface {
	// Name identifies the operator kind.
	Name() string

	// Schema returns the output schema.
	Schema() *arrow.Schema

	// Children returns the child plans.
	Children() []ExecutionPlan

	// OutputPartitioning describes how output rows are split into partitions.
	OutputPartitioning() Partitioning

	// RequiredInputDistribution declares the distribution each child must
	// satisfy, one entry per child.
	RequiredInputDistribution() []Distribution

	// RequiredInputOrdering declares the sort order each child must satisfy,
	// one entry per child; nil means no requirement.
	RequiredInputOrdering() [][]expr.SortExpr

	// Execute starts one partition and returns its output stream.
	Execute(ctx context.Context, partition int, tc *TaskContext) (exec.RecordBatchStream, error)
}

// PartitioningKind enumerates the partitioning schemes.
type PartitioningKind int

const (
	// PartitioningUnknown is an unspecified scheme with a known count.
	PartitioningUnknown PartitioningKind = iota
	// PartitioningHash splits rows by the hash of key expressions.
	PartitioningHash
)

// Partitioning describes how a plan's output is partitioned.
type Partitioning struct {
	Kind       PartitioningKind
	Exprs      []expr.PhysicalExpr
	Partitions int
}

// DistributionKind enumerates the distribution requirements.
type DistributionKind int

const (
	// DistributionUnspecified accepts any input distribution.
	DistributionUnspecified DistributionKind = iota
	// DistributionHash requires rows hash-partitioned on the expressions.
	DistributionHash
)

// Distribution is a requirement an operator places on a child's output.
type Distribution struct {
	Kind  DistributionKind
	Exprs []expr.PhysicalExpr
}

// TaskContext carries the per-query resources shared by all operators:
// session configuration, the process memory pool and disk manager, the Arrow
// allocator, and the execution logger.
type TaskContext struct {
	QueryID   string
	Session   *config.Session
	Pool      exec.MemoryPool
	Disk      *exec.DiskManager
	Allocator memory.Allocator
	Logger    observability.ExecutionLogger
}

// NewTaskContext builds a task context from session configuration with a
// fresh query id.
func NewTaskContext(session *config.Session) *TaskContext {
	if session == nil {
		session = config.DefaultSession()
	}
	return &TaskContext{
		QueryID:   uuid.NewString(),
		Session:   session,
		Pool:      exec.NewMemoryPool(session.Execution.MemoryLimit),
		Disk:      exec.NewDiskManager(session.Execution.TempDir, session.Execution.DiskSpillEnabled),
		Allocator: memory.DefaultAllocator,
		Logger:    observability.NewNoopLogger(),
	}
}

// WithLogger replaces the execution logger.
func (tc *TaskContext) WithLogger(l observability.ExecutionLogger) *TaskContext {
	tc.Logger = l
	return tc
}

// WithPool replaces the memory pool.
func (tc *TaskContext) WithPool(p exec.MemoryPool) *TaskContext {
	tc.Pool = p
	return tc
}

// WithDisk replaces the disk manager.
func (tc *TaskContext) WithDisk(d *exec.DiskManager) *TaskContext {
	tc.Disk = d
	return tc
}
