package join

import (
	"math/bits"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// bufferedBatch is a buffered record batch whose [rangeStart, rangeEnd) rows
// share one join key. Exactly one of batch and spillFile is set.
type bufferedBatch struct {
	// batch is the in-memory payload; nil once spilled.
	batch arrow.Record

	// rangeStart and rangeEnd delimit the rows sharing the group key.
	rangeStart, rangeEnd int

	// joinArrays are the evaluated key arrays.
	joinArrays []arrow.Array

	// nullJoined are row indices owed a (null, buffered) output row in Full
	// joins.
	nullJoined []int

	// sizeEstimate is the reservation charged for keeping the batch in
	// memory.
	sizeEstimate int64

	// filterNotMatched maps a row index to true while every joined row for it
	// has failed the residual filter. Full joins owe such rows a null-joined
	// output when the batch is dequeued.
	filterNotMatched map[uint64]bool

	// numRows caches the row count so it survives spilling.
	numRows int

	// spillFile is the on-disk payload; nil while the batch is in memory.
	spillFile *exec.TempFile
}

// bufferedOverhead covers the fixed per-batch bookkeeping in the size
// estimate.
const bufferedOverhead = 64

// newBufferedBatch wraps a freshly polled batch, evaluating its key arrays
// once. Takes ownership of the batch reference.
//
// The size estimate is the array memory plus key-array memory plus the worst
// case null-joined index vector (capacity grows in powers of two).
func newBufferedBatch(batch arrow.Record, rangeStart, rangeEnd int, on []expr.PhysicalExpr) (*bufferedBatch, error) {
	joinArrays, err := evaluateKeys(batch, on)
	if err != nil {
		return nil, err
	}

	numRows := int(batch.NumRows())
	size := exec.BatchMemorySize(batch)
	for _, arr := range joinArrays {
		size += exec.ArrayMemorySize(arr)
	}
	size += int64(nextPowerOfTwo(numRows)) * 8
	size += bufferedOverhead

	return &bufferedBatch{
		batch:            batch,
		rangeStart:       rangeStart,
		rangeEnd:         rangeEnd,
		joinArrays:       joinArrays,
		sizeEstimate:     size,
		filterNotMatched: make(map[uint64]bool),
		numRows:          numRows,
	}, nil
}

func (b *bufferedBatch) release() {
	for _, arr := range b.joinArrays {
		arr.Release()
	}
	b.joinArrays = nil
	if b.batch != nil {
		b.batch.Release()
		b.batch = nil
	}
	if b.spillFile != nil {
		b.spillFile.Release()
		b.spillFile = nil
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// bufferedData is the queue of buffered batches making up the current
// equal-key group, plus the two-level scan cursor used while joining.
type bufferedData struct {
	batches []*bufferedBatch

	// scanningBatchIdx and scanningOffset form the scan cursor over the
	// group's key ranges.
	scanningBatchIdx int
	scanningOffset   int
}

func (d *bufferedData) headBatch() *bufferedBatch {
	return d.batches[0]
}

func (d *bufferedData) tailBatch() *bufferedBatch {
	return d.batches[len(d.batches)-1]
}

// hasBufferedRows reports whether any batch covers at least one group row.
func (d *bufferedData) hasBufferedRows() bool {
	for _, b := range d.batches {
		if b.rangeEnd > b.rangeStart {
			return true
		}
	}
	return false
}

func (d *bufferedData) scanningReset() {
	d.scanningBatchIdx = 0
	d.scanningOffset = 0
}

func (d *bufferedData) scanningAdvance() {
	d.scanningOffset++
	for !d.scanningFinished() && d.scanningBatchFinished() {
		d.scanningBatchIdx++
		d.scanningOffset = 0
	}
}

func (d *bufferedData) scanningBatch() *bufferedBatch {
	return d.batches[d.scanningBatchIdx]
}

// scanningIdx is the absolute row index under the cursor.
func (d *bufferedData) scanningIdx() int {
	b := d.scanningBatch()
	return b.rangeStart + d.scanningOffset
}

func (d *bufferedData) scanningBatchFinished() bool {
	b := d.scanningBatch()
	return d.scanningOffset == b.rangeEnd-b.rangeStart
}

func (d *bufferedData) scanningFinished() bool {
	return d.scanningBatchIdx == len(d.batches)
}

func (d *bufferedData) scanningFinish() {
	d.scanningBatchIdx = len(d.batches)
	d.scanningOffset = 0
}

// popFront dequeues the head batch. Only called between scans, with the
// cursor reset.
func (d *bufferedData) popFront() *bufferedBatch {
	head := d.batches[0]
	d.batches = d.batches[1:]
	return head
}

func (d *bufferedData) release() {
	for _, b := range d.batches {
		b.release()
	}
	d.batches = nil
}
