package join

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// noBatch marks a chunk whose buffered side is null-joined rather than taken
// from a buffered batch.
const noBatch = -1

// streamedJoinedChunk accumulates (streamed, buffered) index pairs targeting
// one buffered batch. A new chunk starts whenever the target batch changes.
type streamedJoinedChunk struct {
	// bufferedBatchIdx is the index of the target batch in bufferedData, or
	// noBatch for null-joined pairs.
	bufferedBatchIdx int

	// streamedIndices collects row indices into the streamed batch.
	streamedIndices *array.Uint64Builder

	// bufferedIndices collects row indices into the buffered batch; null
	// entries join the streamed row against nulls.
	bufferedIndices *array.Uint64Builder
}

func (c *streamedJoinedChunk) release() {
	c.streamedIndices.Release()
	c.bufferedIndices.Release()
}

// streamedBatch holds the current streaming batch, its row cursor, its
// evaluated key arrays, and the output pairs accumulated for it.
type streamedBatch struct {
	// batch is the streamed record batch.
	batch arrow.Record

	// idx is the current row cursor.
	idx int

	// joinArrays are the evaluated key arrays.
	joinArrays []arrow.Array

	// outputIndices are the accumulated joined chunks, grouped by target
	// buffered batch.
	outputIndices []*streamedJoinedChunk

	// bufferedBatchIdx is the buffered batch currently being scanned, or
	// noBatch.
	bufferedBatchIdx int

	// filterMatchedRows tracks streamed rows already emitted after a
	// residual-filter match, so semi and mark joins emit each row at most
	// once.
	filterMatchedRows map[uint64]struct{}
}

// evaluateKeys materializes one array per key expression for the batch.
func evaluateKeys(batch arrow.Record, on []expr.PhysicalExpr) ([]arrow.Array, error) {
	arrays := make([]arrow.Array, len(on))
	for i, e := range on {
		arr, err := e.Evaluate(batch)
		if err != nil {
			for _, a := range arrays[:i] {
				a.Release()
			}
			return nil, err
		}
		arrays[i] = arr
	}
	return arrays, nil
}

// newStreamedBatch wraps a freshly polled batch, evaluating its key arrays
// once. Takes ownership of the batch reference.
func newStreamedBatch(batch arrow.Record, on []expr.PhysicalExpr) (*streamedBatch, error) {
	joinArrays, err := evaluateKeys(batch, on)
	if err != nil {
		return nil, err
	}
	return &streamedBatch{
		batch:             batch,
		joinArrays:        joinArrays,
		bufferedBatchIdx:  noBatch,
		filterMatchedRows: make(map[uint64]struct{}),
	}, nil
}

// newEmptyStreamedBatch seeds the join before the first poll.
func newEmptyStreamedBatch(schema *arrow.Schema, mem memory.Allocator) *streamedBatch {
	return &streamedBatch{
		batch:             exec.NewEmptyBatch(schema, mem),
		bufferedBatchIdx:  noBatch,
		filterMatchedRows: make(map[uint64]struct{}),
	}
}

// appendOutputPair records one (current streamed row, buffered row) pair.
// bufferedIdx < 0 joins the streamed row against nulls.
func (s *streamedBatch) appendOutputPair(bufferedBatchIdx int, bufferedIdx int64, mem memory.Allocator) {
	if len(s.outputIndices) == 0 || s.bufferedBatchIdx != bufferedBatchIdx {
		s.outputIndices = append(s.outputIndices, &streamedJoinedChunk{
			bufferedBatchIdx: bufferedBatchIdx,
			streamedIndices:  array.NewUint64Builder(mem),
			bufferedIndices:  array.NewUint64Builder(mem),
		})
		s.bufferedBatchIdx = bufferedBatchIdx
	}
	chunk := s.outputIndices[len(s.outputIndices)-1]
	chunk.streamedIndices.Append(uint64(s.idx))
	if bufferedIdx >= 0 {
		chunk.bufferedIndices.Append(uint64(bufferedIdx))
	} else {
		chunk.bufferedIndices.AppendNull()
	}
}

// clearOutputIndices releases and drops all accumulated chunks.
func (s *streamedBatch) clearOutputIndices() {
	for _, chunk := range s.outputIndices {
		chunk.release()
	}
	s.outputIndices = s.outputIndices[:0]
	s.bufferedBatchIdx = noBatch
}

func (s *streamedBatch) release() {
	s.clearOutputIndices()
	for _, arr := range s.joinArrays {
		arr.Release()
	}
	s.joinArrays = nil
	if s.batch != nil {
		s.batch.Release()
		s.batch = nil
	}
}
