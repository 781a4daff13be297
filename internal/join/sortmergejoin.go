package join

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/plan"
)

// OnPair is one equi-key: a left expression equated with a right expression.
type OnPair struct {
	Left  expr.PhysicalExpr
	Right expr.PhysicalExpr
}

// SortMergeJoinExec joins two sorted children on equality keys, streaming one
// side and buffering equal-key runs of the other. Within a partition the two
// inputs must each present one sorted run over keys drawn from the same hash
// bucket; the operator declares the matching distribution and ordering
// requirements.
type SortMergeJoinExec struct {
	left  plan.ExecutionPlan
	right plan.ExecutionPlan

	on           []OnPair
	filter       *Filter
	joinType     JoinType
	schema       *arrow.Schema
	sortOptions  []expr.SortOptions
	nullEquality NullEquality

	keyTypes []arrow.DataType
	metrics  *Metrics
}

// NewSortMergeJoinExec validates the inputs and builds the join plan node.
// It errors when the sort-option arity differs from the key arity, when key
// types mismatch between the sides, or when a key type is unsupported by the
// comparator.
func NewSortMergeJoinExec(
	left, right plan.ExecutionPlan,
	on []OnPair,
	filter *Filter,
	joinType JoinType,
	sortOptions []expr.SortOptions,
	nullEquality NullEquality,
) (*SortMergeJoinExec, error) {
	if len(on) == 0 {
		return nil, errors.NewPlan("sort merge join requires at least one join key pair")
	}
	if len(sortOptions) != len(on) {
		return nil, errors.NewPlan("expected number of sort options: %d, actual: %d",
			len(on), len(sortOptions))
	}

	leftSchema := left.Schema()
	rightSchema := right.Schema()
	keyTypes := make([]arrow.DataType, len(on))
	for i, pair := range on {
		lt, err := pair.Left.DataType(leftSchema)
		if err != nil {
			return nil, err
		}
		rt, err := pair.Right.DataType(rightSchema)
		if err != nil {
			return nil, err
		}
		if !arrow.TypeEqual(lt, rt) {
			return nil, errors.NewPlan("join key %d has mismatched types: left %s, right %s", i, lt, rt)
		}
		keyTypes[i] = lt
	}

	// Resolve the comparator dispatch table now so unsupported key types fail
	// at plan time rather than mid-stream.
	if _, err := newKeyComparator(keyTypes, sortOptions, nullEquality); err != nil {
		return nil, err
	}

	return &SortMergeJoinExec{
		left:         left,
		right:        right,
		on:           on,
		filter:       filter,
		joinType:     joinType,
		schema:       buildJoinSchema(leftSchema, rightSchema, joinType),
		sortOptions:  sortOptions,
		nullEquality: nullEquality,
		keyTypes:     keyTypes,
		metrics:      NewMetrics(),
	}, nil
}

// Name identifies the operator kind.
func (j *SortMergeJoinExec) Name() string { return "SortMergeJoinExec" }

// Schema returns the join output schema.
func (j *SortMergeJoinExec) Schema() *arrow.Schema { return j.schema }

// Children returns the left and right child plans.
func (j *SortMergeJoinExec) Children() []plan.ExecutionPlan {
	return []plan.ExecutionPlan{j.left, j.right}
}

// JoinType returns the join mode.
func (j *SortMergeJoinExec) JoinType() JoinType { return j.joinType }

// On returns the equi-key pairs.
func (j *SortMergeJoinExec) On() []OnPair { return j.on }

// Filter returns the residual filter, if any.
func (j *SortMergeJoinExec) Filter() *Filter { return j.filter }

// SortOptions returns the per-key sort options.
func (j *SortMergeJoinExec) SortOptions() []expr.SortOptions { return j.sortOptions }

// NullEquality returns the null-key matching policy.
func (j *SortMergeJoinExec) NullEquality() NullEquality { return j.nullEquality }

// Metrics returns the operator metrics shared across partitions.
func (j *SortMergeJoinExec) Metrics() *Metrics { return j.metrics }

// OutputPartitioning mirrors the streamed child's partitioning: the join
// neither splits nor merges partitions.
func (j *SortMergeJoinExec) OutputPartitioning() plan.Partitioning {
	if probeSide(j.joinType) == SideRight {
		return j.right.OutputPartitioning()
	}
	return j.left.OutputPartitioning()
}

// RequiredInputDistribution demands both children hash-partitioned on their
// join keys so equal keys meet in the same partition.
func (j *SortMergeJoinExec) RequiredInputDistribution() []plan.Distribution {
	leftExprs := make([]expr.PhysicalExpr, len(j.on))
	rightExprs := make([]expr.PhysicalExpr, len(j.on))
	for i, pair := range j.on {
		leftExprs[i] = pair.Left
		rightExprs[i] = pair.Right
	}
	return []plan.Distribution{
		{Kind: plan.DistributionHash, Exprs: leftExprs},
		{Kind: plan.DistributionHash, Exprs: rightExprs},
	}
}

// RequiredInputOrdering demands both children sorted lexicographically on
// their join keys with the configured sort options.
func (j *SortMergeJoinExec) RequiredInputOrdering() [][]expr.SortExpr {
	left := make([]expr.SortExpr, len(j.on))
	right := make([]expr.SortExpr, len(j.on))
	for i, pair := range j.on {
		left[i] = expr.SortExpr{Expr: pair.Left, Options: j.sortOptions[i]}
		right[i] = expr.SortExpr{Expr: pair.Right, Options: j.sortOptions[i]}
	}
	return [][]expr.SortExpr{left, right}
}

// MaintainsInputOrder reports, per child, whether the output preserves that
// child's sort order.
func (j *SortMergeJoinExec) MaintainsInputOrder() []bool {
	if probeSide(j.joinType) == SideRight {
		return []bool{false, true}
	}
	return []bool{true, false}
}

// SwapInputs rebuilds the join with left and right exchanged: keys and filter
// sides swapped and the join type reversed. For join types exposing both
// sides the caller is responsible for restoring the original column order
// with a projection; semi and anti outputs are unaffected.
func (j *SortMergeJoinExec) SwapInputs() (*SortMergeJoinExec, error) {
	on := make([]OnPair, len(j.on))
	for i, pair := range j.on {
		on[i] = OnPair{Left: pair.Right, Right: pair.Left}
	}
	var filter *Filter
	if j.filter != nil {
		filter = j.filter.Swap()
	}
	return NewSortMergeJoinExec(j.right, j.left, on, filter, j.joinType.Swap(), j.sortOptions, j.nullEquality)
}

// String renders the operator for explain output.
func (j *SortMergeJoinExec) String() string {
	pairs := make([]string, len(j.on))
	for i, pair := range j.on {
		pairs[i] = fmt.Sprintf("(%s, %s)", pair.Left, pair.Right)
	}
	out := fmt.Sprintf("SortMergeJoin: join_type=%s, on=[%s]", j.joinType, strings.Join(pairs, ", "))
	if j.filter != nil {
		out += fmt.Sprintf(", filter=%s", j.filter.Expression)
	}
	return out
}

// Execute starts one partition of the join.
func (j *SortMergeJoinExec) Execute(ctx context.Context, partition int, tc *plan.TaskContext) (exec.RecordBatchStream, error) {
	leftPartitions := j.left.OutputPartitioning().Partitions
	rightPartitions := j.right.OutputPartitioning().Partitions
	if leftPartitions != rightPartitions {
		return nil, errors.NewPlan("sort merge join partition count mismatch: %d != %d",
			leftPartitions, rightPartitions)
	}

	onLeft := make([]expr.PhysicalExpr, len(j.on))
	onRight := make([]expr.PhysicalExpr, len(j.on))
	for i, pair := range j.on {
		onLeft[i] = pair.Left
		onRight[i] = pair.Right
	}

	var (
		streamedPlan, bufferedPlan plan.ExecutionPlan
		onStreamed, onBuffered     []expr.PhysicalExpr
	)
	if probeSide(j.joinType) == SideLeft {
		streamedPlan, bufferedPlan = j.left, j.right
		onStreamed, onBuffered = onLeft, onRight
	} else {
		streamedPlan, bufferedPlan = j.right, j.left
		onStreamed, onBuffered = onRight, onLeft
	}

	streamed, err := streamedPlan.Execute(ctx, partition, tc)
	if err != nil {
		return nil, err
	}
	buffered, err := bufferedPlan.Execute(ctx, partition, tc)
	if err != nil {
		streamed.Close()
		return nil, err
	}

	comparator, err := newKeyComparator(j.keyTypes, j.sortOptions, j.nullEquality)
	if err != nil {
		streamed.Close()
		buffered.Close()
		return nil, err
	}

	codec, err := exec.ParseCompression(tc.Session.Execution.SpillCompression)
	if err != nil {
		streamed.Close()
		buffered.Close()
		return nil, errors.NewPlan("invalid spill compression: %v", err)
	}
	spills := exec.NewSpillManager(tc.Disk, tc.Allocator, buffered.Schema()).
		WithCompression(codec).
		WithMetrics(&j.metrics.spill)

	reservation := exec.NewReservation(tc.Pool, fmt.Sprintf("SMJStream[%d]", partition))

	return newJoinStream(joinStreamOptions{
		Schema:       j.schema,
		SortOptions:  j.sortOptions,
		NullEquality: j.nullEquality,
		Streamed:     streamed,
		Buffered:     buffered,
		OnStreamed:   onStreamed,
		OnBuffered:   onBuffered,
		Filter:       j.filter,
		JoinType:     j.joinType,
		BatchSize:    tc.Session.Execution.BatchSize,
		Comparator:   comparator,
		Spills:       spills,
		Disk:         tc.Disk,
		Reservation:  reservation,
		Metrics:      j.metrics,
		Allocator:    tc.Allocator,
		Logger:       tc.Logger,
		QueryID:      tc.QueryID,
		Partition:    partition,
	}), nil
}
