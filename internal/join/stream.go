package join

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/exec"
	"github.com/geetanshjuneja/datafusion/internal/expr"
	"github.com/geetanshjuneja/datafusion/internal/observability"
)

// joinState is the top-level state of the join stream.
type joinState int

const (
	// stateInit starts joining with a new streamed row or buffered group.
	stateInit joinState = iota
	// statePolling advances the streamed row and buffered group cursors.
	statePolling
	// stateJoinOutput joins polled data and accumulates output.
	stateJoinOutput
	// stateExhausted drains the remaining staged output.
	stateExhausted
)

// streamedState tracks the streamed cursor.
type streamedState int

const (
	streamedInit streamedState = iota
	streamedPolling
	streamedReady
	streamedExhausted
)

// bufferedState tracks the buffered group accumulation.
type bufferedState int

const (
	bufferedInit bufferedState = iota
	bufferedPollingFirst
	bufferedPollingRest
	bufferedReady
	bufferedExhausted
)

// joinedRecordBatches stages joined record fragments together with the
// filter-mask, row-index, and batch-id metadata the corrected-mask pass needs
// to realize outer, semi, anti, and mark semantics.
type joinedRecordBatches struct {
	batches    []arrow.Record
	filterMask *array.BooleanBuilder
	rowIndices *array.Uint64Builder
	batchIDs   []int
}

func (j *joinedRecordBatches) clearBatches() {
	for _, b := range j.batches {
		b.Release()
	}
	j.batches = j.batches[:0]
}

func (j *joinedRecordBatches) clear() {
	j.clearBatches()
	j.batchIDs = j.batchIDs[:0]
	mask := j.filterMask.NewBooleanArray()
	mask.Release()
	indices := j.rowIndices.NewUint64Array()
	indices.Release()
}

func (j *joinedRecordBatches) release() {
	j.clearBatches()
	j.filterMask.Release()
	j.rowIndices.Release()
}

// joinStreamOptions bundles the construction parameters of a join stream.
type joinStreamOptions struct {
	Schema       *arrow.Schema
	SortOptions  []expr.SortOptions
	NullEquality NullEquality
	Streamed     exec.RecordBatchStream
	Buffered     exec.RecordBatchStream
	OnStreamed   []expr.PhysicalExpr
	OnBuffered   []expr.PhysicalExpr
	Filter       *Filter
	JoinType     JoinType
	BatchSize    int
	Comparator   *keyComparator
	Spills       *exec.SpillManager
	Disk         *exec.DiskManager
	Reservation  *exec.Reservation
	Metrics      *Metrics
	Allocator    memory.Allocator
	Logger       observability.ExecutionLogger
	QueryID      string
	Partition    int
}

// joinStream consumes the streamed and buffered inputs and produces the
// joined output stream. One instance serves one partition; all of its state
// is single-threaded, the two upstream Next calls being the only suspension
// points.
type joinStream struct {
	schema       *arrow.Schema
	sortOptions  []expr.SortOptions
	nullEquality NullEquality
	filter       *Filter
	joinType     JoinType
	batchSize    int

	streamedSchema *arrow.Schema
	streamed       exec.RecordBatchStream
	streamedBatch  *streamedBatch
	streamedJoined bool
	streamedState  streamedState
	onStreamed     []expr.PhysicalExpr

	bufferedSchema *arrow.Schema
	buffered       exec.RecordBatchStream
	bufferedData   bufferedData
	bufferedJoined bool
	bufferedState  bufferedState
	onBuffered     []expr.PhysicalExpr

	state joinState
	// staging accumulates joined fragments until they freeze into output.
	staging joinedRecordBatches
	// output double-buffers filtered results so filtered joins never emit a
	// batch while a per-row group is still incomplete.
	output     arrow.Record
	outputSize int
	// currentOrdering caches the streamed-vs-buffered comparison.
	currentOrdering int
	comparator      *keyComparator
	spills          *exec.SpillManager
	disk            *exec.DiskManager

	metrics     *Metrics
	reservation *exec.Reservation
	mem         memory.Allocator

	// streamedBatchCounter assigns each polled streamed batch a unique id so
	// equal row indices from different batches never collapse into one
	// correction group.
	streamedBatchCounter int

	logger    observability.ExecutionLogger
	queryID   string
	partition int
	err       error
	closed    bool
}

func newJoinStream(opts joinStreamOptions) *joinStream {
	return &joinStream{
		schema:         opts.Schema,
		sortOptions:    opts.SortOptions,
		nullEquality:   opts.NullEquality,
		filter:         opts.Filter,
		joinType:       opts.JoinType,
		batchSize:      opts.BatchSize,
		streamedSchema: opts.Streamed.Schema(),
		streamed:       opts.Streamed,
		streamedBatch:  newEmptyStreamedBatch(opts.Streamed.Schema(), opts.Allocator),
		streamedState:  streamedInit,
		onStreamed:     opts.OnStreamed,
		bufferedSchema: opts.Buffered.Schema(),
		buffered:       opts.Buffered,
		bufferedState:  bufferedInit,
		onBuffered:     opts.OnBuffered,
		state:          stateInit,
		staging: joinedRecordBatches{
			filterMask: array.NewBooleanBuilder(opts.Allocator),
			rowIndices: array.NewUint64Builder(opts.Allocator),
		},
		output:          exec.NewEmptyBatch(opts.Schema, opts.Allocator),
		currentOrdering: 0,
		comparator:      opts.Comparator,
		spills:          opts.Spills,
		disk:            opts.Disk,
		metrics:         opts.Metrics,
		reservation:     opts.Reservation,
		mem:             opts.Allocator,
		logger:          opts.Logger,
		queryID:         opts.QueryID,
		partition:       opts.Partition,
	}
}

// Schema returns the output schema.
func (s *joinStream) Schema() *arrow.Schema {
	return s.schema
}

// filteredWithCorrection reports whether a residual filter with corrected
// mask handling is active.
func (s *joinStream) filteredWithCorrection() bool {
	return s.filter != nil && usesCorrectedMask(s.joinType)
}

// Next produces the next output batch, or nil at end of stream.
func (s *joinStream) Next(ctx context.Context) (arrow.Record, error) {
	start := time.Now()
	defer func() {
		s.metrics.addJoinTime(time.Since(start))
	}()

	rec, err := s.next(ctx)
	if err != nil {
		s.err = err
		return nil, err
	}
	return rec, nil
}

func (s *joinStream) next(ctx context.Context) (arrow.Record, error) {
	for {
		switch s.state {
		case stateInit:
			streamedDone := s.streamedState == streamedExhausted
			bufferedDone := s.bufferedState == bufferedExhausted
			if streamedDone && bufferedDone {
				s.state = stateExhausted
				continue
			}
			if s.currentOrdering <= 0 {
				if !streamedDone {
					if s.filteredWithCorrection() {
						if err := s.freezeAll(ctx); err != nil {
							return nil, err
						}
						// Joined tuples are waiting to be filtered; correct
						// and append them to the output buffer.
						if len(s.staging.batches) > 0 {
							filtered, err := s.filterStagedBatches(ctx)
							if err != nil {
								return nil, err
							}
							merged, err := exec.ConcatBatches(s.schema, []arrow.Record{s.output, filtered}, s.mem)
							filtered.Release()
							if err != nil {
								return nil, err
							}
							s.output.Release()
							s.output = merged
							if int(s.output.NumRows()) >= s.batchSize {
								return s.takeOutput(), nil
							}
						}
					}
					s.streamedJoined = false
					s.streamedState = streamedInit
				}
			} else {
				if !bufferedDone {
					s.bufferedJoined = false
					s.bufferedState = bufferedInit
				}
			}
			s.state = statePolling

		case statePolling:
			if s.streamedState != streamedExhausted && s.streamedState != streamedReady {
				if err := s.pollStreamedRow(ctx); err != nil {
					return nil, err
				}
			}
			if s.bufferedState != bufferedExhausted && s.bufferedState != bufferedReady {
				if err := s.pollBufferedBatches(ctx); err != nil {
					return nil, err
				}
			}
			if s.streamedState == streamedExhausted && s.bufferedState == bufferedExhausted {
				s.state = stateExhausted
				continue
			}
			s.currentOrdering = s.compareStreamedBuffered()
			s.state = stateJoinOutput

		case stateJoinOutput:
			s.joinPartial()

			if s.outputSize < s.batchSize {
				if s.bufferedData.scanningFinished() {
					s.bufferedData.scanningReset()
					s.state = stateInit
				}
			} else {
				if err := s.freezeAll(ctx); err != nil {
					return nil, err
				}
				if len(s.staging.batches) > 0 {
					rec, err := s.outputRecordBatchAndReset()
					if err != nil {
						return nil, err
					}
					// Filtered joins must not emit mid-correction: the
					// corrected mask needs complete per-streamed-row groups,
					// which only the Init flush guarantees.
					if s.filteredWithCorrection() {
						rec.Release()
						continue
					}
					s.metrics.recordOutput(rec.NumRows())
					return rec, nil
				}
			}

		case stateExhausted:
			if err := s.freezeAll(ctx); err != nil {
				return nil, err
			}
			if len(s.staging.batches) > 0 {
				if s.filteredWithCorrection() {
					filtered, err := s.filterStagedBatches(ctx)
					if err != nil {
						return nil, err
					}
					merged, err := exec.ConcatBatches(s.schema, []arrow.Record{s.output, filtered}, s.mem)
					filtered.Release()
					if err != nil {
						return nil, err
					}
					s.output.Release()
					s.output = merged
					return s.takeOutput(), nil
				}
				rec, err := s.outputRecordBatchAndReset()
				if err != nil {
					return nil, err
				}
				s.metrics.recordOutput(rec.NumRows())
				return rec, nil
			}
			if s.output.NumRows() > 0 {
				return s.takeOutput(), nil
			}
			return nil, nil
		}
	}
}

// takeOutput hands the output buffer to the caller, replacing it with an
// empty batch.
func (s *joinStream) takeOutput() arrow.Record {
	out := s.output
	s.output = exec.NewEmptyBatch(s.schema, s.mem)
	s.metrics.recordOutput(out.NumRows())
	return out
}

// pollStreamedRow advances the streamed cursor: within the current batch when
// possible, otherwise by pulling the next batch. Pulling first freezes the
// pending joined pairs of the outgoing batch.
func (s *joinStream) pollStreamedRow(ctx context.Context) error {
	for {
		switch s.streamedState {
		case streamedInit:
			if s.streamedBatch.idx+1 < int(s.streamedBatch.batch.NumRows()) {
				s.streamedBatch.idx++
				s.streamedState = streamedReady
				return nil
			}
			s.streamedState = streamedPolling

		case streamedPolling:
			batch, err := s.streamed.Next(ctx)
			if err != nil {
				return err
			}
			if batch == nil {
				s.streamedState = streamedExhausted
				continue
			}
			if batch.NumRows() == 0 {
				batch.Release()
				continue
			}
			if err := s.freezeStreamed(ctx); err != nil {
				batch.Release()
				return err
			}
			s.metrics.recordInput(1, batch.NumRows())
			next, err := newStreamedBatch(batch, s.onStreamed)
			if err != nil {
				batch.Release()
				return err
			}
			s.streamedBatch.release()
			s.streamedBatch = next
			// Every incoming streamed batch gets a unique id for the
			// corrected-mask grouping.
			s.streamedBatchCounter++
			s.streamedState = streamedReady

		case streamedReady, streamedExhausted:
			return nil
		}
	}
}

// freeReservation returns the in-memory estimate of a dequeued batch.
// Spilled batches hold no reservation.
func (s *joinStream) freeReservation(b *bufferedBatch) error {
	if b.spillFile == nil && b.batch != nil {
		return s.reservation.Shrink(b.sizeEstimate)
	}
	return nil
}

// allocateReservation grows the reservation for a new buffered batch,
// spilling its payload to disk when the pool refuses and spilling is
// enabled. The batch is queued either way.
func (s *joinStream) allocateReservation(b *bufferedBatch) error {
	err := s.reservation.TryGrow(b.sizeEstimate)
	switch {
	case err == nil:
		s.metrics.setMaxMem(s.reservation.Size())
	case s.disk.TempFilesEnabled():
		if b.batch == nil {
			return errors.NewInternal("buffered batch has no in-memory payload to spill")
		}
		spillFile, serr := s.spills.SpillBatches([]arrow.Record{b.batch}, "sort-merge-join-buffered-spill")
		if serr != nil {
			return serr
		}
		b.batch.Release()
		b.batch = nil
		b.spillFile = spillFile
	default:
		var re *errors.ErrResourcesExhausted
		if stderrors.As(err, &re) {
			return re.WithSpillingDisabled()
		}
		return err
	}
	s.bufferedData.batches = append(s.bufferedData.batches, b)
	return nil
}

// pollBufferedBatches dequeues finished buffered batches and extends the
// current equal-key group, pulling batches from upstream as the group
// crosses batch boundaries.
func (s *joinStream) pollBufferedBatches(ctx context.Context) error {
	for {
		switch s.bufferedState {
		case bufferedInit:
			// Dequeue fully processed batches, producing their owed output.
			for len(s.bufferedData.batches) > 0 {
				head := s.bufferedData.headBatch()
				if head.rangeEnd != head.numRows {
					break
				}
				if err := s.freezeDequeuingBuffered(ctx); err != nil {
					return err
				}
				popped := s.bufferedData.popFront()
				err := s.produceBufferedNotMatched(popped)
				if err == nil {
					err = s.freeReservation(popped)
				}
				popped.release()
				if err != nil {
					return err
				}
			}
			if len(s.bufferedData.batches) == 0 {
				s.bufferedState = bufferedPollingFirst
			} else {
				// Seed the next group at the tail's next row.
				tail := s.bufferedData.tailBatch()
				tail.rangeStart = tail.rangeEnd
				tail.rangeEnd++
				s.bufferedState = bufferedPollingRest
			}

		case bufferedPollingFirst:
			batch, err := s.buffered.Next(ctx)
			if err != nil {
				return err
			}
			if batch == nil {
				s.bufferedState = bufferedExhausted
				return nil
			}
			s.metrics.recordInput(1, batch.NumRows())
			if batch.NumRows() == 0 {
				batch.Release()
				continue
			}
			buffered, err := newBufferedBatch(batch, 0, 1, s.onBuffered)
			if err != nil {
				batch.Release()
				return err
			}
			if err := s.allocateReservation(buffered); err != nil {
				buffered.release()
				return err
			}
			s.bufferedState = bufferedPollingRest

		case bufferedPollingRest:
			if s.bufferedData.tailBatch().rangeEnd < s.bufferedData.tailBatch().numRows {
				// Extend the group while the next row matches the group key.
				for s.bufferedData.tailBatch().rangeEnd < s.bufferedData.tailBatch().numRows {
					head := s.bufferedData.headBatch()
					tail := s.bufferedData.tailBatch()
					if s.comparator.equal(head.joinArrays, head.rangeStart, tail.joinArrays, tail.rangeEnd) {
						tail.rangeEnd++
					} else {
						s.bufferedState = bufferedReady
						return nil
					}
				}
			} else {
				batch, err := s.buffered.Next(ctx)
				if err != nil {
					return err
				}
				if batch == nil {
					s.bufferedState = bufferedReady
					continue
				}
				s.metrics.recordInput(1, batch.NumRows())
				if batch.NumRows() == 0 {
					batch.Release()
					continue
				}
				buffered, err := newBufferedBatch(batch, 0, 0, s.onBuffered)
				if err != nil {
					batch.Release()
					return err
				}
				if err := s.allocateReservation(buffered); err != nil {
					buffered.release()
					return err
				}
			}

		case bufferedReady, bufferedExhausted:
			return nil
		}
	}
}

// compareStreamedBuffered orders the current streamed row against the
// buffered group key.
func (s *joinStream) compareStreamedBuffered() int {
	if s.streamedState == streamedExhausted {
		return 1
	}
	if !s.bufferedData.hasBufferedRows() {
		return -1
	}
	head := s.bufferedData.headBatch()
	return s.comparator.compare(s.streamedBatch.joinArrays, s.streamedBatch.idx,
		head.joinArrays, head.rangeStart)
}

// joinPartial emits joined pairs for the cached comparison, scanning the
// buffered group until it is exhausted or the staged output reaches the
// target batch size.
func (s *joinStream) joinPartial() {
	joinStreamed := false
	joinBuffered := false
	// Mark joins record a dummy buffered index so the mark column reads true.
	markRowAsMatch := false

	switch {
	case s.currentOrdering < 0:
		if preservesStreamedUnmatched(s.joinType) {
			joinStreamed = !s.streamedJoined
		}
	case s.currentOrdering == 0:
		switch s.joinType {
		case LeftSemi, LeftMark, RightSemi:
			markRowAsMatch = s.joinType == LeftMark
			if s.filter != nil {
				// With a residual filter the streamed index goes to output
				// only if it has not already been emitted after a filter
				// match; the filter needs buffered columns to evaluate.
				_, matched := s.streamedBatch.filterMatchedRows[uint64(s.streamedBatch.idx)]
				joinStreamed = !matched && !s.streamedJoined
				joinBuffered = joinStreamed
			} else {
				joinStreamed = !s.streamedJoined
			}
		}
		switch s.joinType {
		case Inner, Left, Right, Full:
			joinStreamed = true
			joinBuffered = true
		}
		if (s.joinType == LeftAnti || s.joinType == RightAnti) && s.filter != nil {
			joinStreamed = !s.streamedJoined
			joinBuffered = joinStreamed
		}
	default:
		if s.joinType == Full {
			joinBuffered = !s.bufferedJoined
		}
	}

	if !joinStreamed && !joinBuffered {
		s.bufferedData.scanningFinish()
		return
	}

	if joinBuffered {
		// Join the streamed row (or nulls, for Full) across the group.
		for !s.bufferedData.scanningFinished() && s.outputSize < s.batchSize {
			scanningIdx := s.bufferedData.scanningIdx()
			if joinStreamed {
				s.streamedBatch.appendOutputPair(s.bufferedData.scanningBatchIdx, int64(scanningIdx), s.mem)
			} else {
				batch := s.bufferedData.scanningBatch()
				batch.nullJoined = append(batch.nullJoined, scanningIdx)
			}
			s.outputSize++
			s.bufferedData.scanningAdvance()

			if s.bufferedData.scanningFinished() {
				s.streamedJoined = joinStreamed
				s.bufferedJoined = true
			}
		}
	} else {
		// Join the streamed row against nulls.
		scanningBatchIdx := noBatch
		if !s.bufferedData.scanningFinished() {
			scanningBatchIdx = s.bufferedData.scanningBatchIdx
		}
		var scanningIdx int64 = -1
		if markRowAsMatch {
			scanningIdx = 0
		}
		s.streamedBatch.appendOutputPair(scanningBatchIdx, scanningIdx, s.mem)
		s.outputSize++
		s.bufferedData.scanningFinish()
		s.streamedJoined = true
	}
}

func (s *joinStream) freezeAll(ctx context.Context) error {
	if err := s.freezeBuffered(len(s.bufferedData.batches)); err != nil {
		return err
	}
	return s.freezeStreamed(ctx)
}

// freezeDequeuingBuffered stages everything a dequeued buffered batch is
// still needed for: the indices joined to the streamed side, then the owed
// null-joined rows of the head batch.
func (s *joinStream) freezeDequeuingBuffered(ctx context.Context) error {
	if err := s.freezeStreamed(ctx); err != nil {
		return err
	}
	return s.freezeBuffered(1)
}

// freezeBuffered stages (null, buffered) rows for the first batchCount
// buffered batches' null-joined indices. Full join only.
func (s *joinStream) freezeBuffered(batchCount int) error {
	if s.joinType != Full {
		return nil
	}
	for _, buffered := range s.bufferedData.batches[:batchCount] {
		if len(buffered.nullJoined) == 0 {
			continue
		}
		indices := array.NewUint64Builder(s.mem)
		for _, idx := range buffered.nullJoined {
			indices.Append(uint64(idx))
		}
		indexArr := indices.NewUint64Array()
		indices.Release()
		err := s.stageBufferedNullBatch(buffered, indexArr)
		indexArr.Release()
		if err != nil {
			return err
		}
		buffered.nullJoined = buffered.nullJoined[:0]
	}
	return nil
}

// produceBufferedNotMatched stages (null, buffered) rows for buffered rows
// that were joined to streamed rows but never passed the residual filter.
// Full join only; called as the batch is dequeued.
func (s *joinStream) produceBufferedNotMatched(buffered *bufferedBatch) error {
	if s.joinType != Full {
		return nil
	}
	notMatched := make([]uint64, 0, len(buffered.filterNotMatched))
	for idx, failed := range buffered.filterNotMatched {
		if failed {
			notMatched = append(notMatched, idx)
		}
	}
	sort.Slice(notMatched, func(i, j int) bool { return notMatched[i] < notMatched[j] })

	if len(notMatched) > 0 {
		indices := array.NewUint64Builder(s.mem)
		for _, idx := range notMatched {
			indices.Append(idx)
		}
		indexArr := indices.NewUint64Array()
		indices.Release()
		err := s.stageBufferedNullBatch(buffered, indexArr)
		indexArr.Release()
		if err != nil {
			return err
		}
	}
	buffered.filterNotMatched = make(map[uint64]bool)
	return nil
}

// stageBufferedNullBatch takes the indexed buffered rows, joins them to a
// null streamed side, and stages the result with null filter metadata.
func (s *joinStream) stageBufferedNullBatch(buffered *bufferedBatch, indices *array.Uint64) error {
	if indices.Len() == 0 {
		return nil
	}
	bufferedCols, err := s.fetchBufferedColumnsFromBatch(buffered, indices)
	if err != nil {
		return err
	}
	numRows := indices.Len()
	columns := make([]arrow.Array, 0, len(s.streamedSchema.Fields())+len(bufferedCols))
	for _, f := range s.streamedSchema.Fields() {
		columns = append(columns, array.MakeArrayOfNull(s.mem, f.Type, numRows))
	}
	columns = append(columns, bufferedCols...)
	batch := array.NewRecord(s.schema, columns, int64(numRows))
	for _, c := range columns {
		c.Release()
	}

	s.staging.batches = append(s.staging.batches, batch)
	for i := 0; i < numRows; i++ {
		s.staging.filterMask.AppendNull()
		s.staging.rowIndices.AppendNull()
		s.staging.batchIDs = append(s.staging.batchIDs, 0)
	}
	return nil
}

// freezeStreamed materializes the accumulated chunks of the current streamed
// batch into staged record batches and clears them.
func (s *joinStream) freezeStreamed(ctx context.Context) error {
	for _, chunk := range s.streamedBatch.outputIndices {
		if err := s.freezeChunk(ctx, chunk); err != nil {
			return err
		}
	}
	s.streamedBatch.clearOutputIndices()
	return nil
}

func (s *joinStream) freezeChunk(ctx context.Context, chunk *streamedJoinedChunk) error {
	streamedIndices := chunk.streamedIndices.NewUint64Array()
	defer streamedIndices.Release()
	if streamedIndices.Len() == 0 {
		return nil
	}
	bufferedIndices := chunk.bufferedIndices.NewUint64Array()
	defer bufferedIndices.Release()

	numRows := streamedIndices.Len()

	streamedCols, err := takeColumns(ctx, s.streamedBatch.batch, streamedIndices)
	if err != nil {
		return err
	}
	defer releaseAll(streamedCols)

	var bufferedCols []arrow.Array
	switch {
	case s.joinType == LeftMark:
		bufferedCols = []arrow.Array{isNotNullArray(bufferedIndices, s.mem)}
	case s.joinType == LeftSemi || s.joinType == LeftAnti ||
		s.joinType == RightSemi || s.joinType == RightAnti:
		bufferedCols = nil
	case chunk.bufferedBatchIdx != noBatch:
		bufferedCols, err = s.fetchBufferedColumns(chunk.bufferedBatchIdx, bufferedIndices)
		if err != nil {
			return err
		}
	default:
		// A null-joined chunk: fabricate null buffered columns.
		bufferedCols = createUnmatchedColumns(s.joinType, s.bufferedSchema, numRows, s.mem)
	}
	defer releaseAll(bufferedCols)

	// Columns the residual filter evaluates on, in (left input, right input)
	// order. Only joined chunks between streamed and buffered are filtered:
	// a fully null-joined chunk has nothing left to decide.
	var filterCols []arrow.Array
	var fetchedForFilter []arrow.Array
	if s.filter != nil && chunk.bufferedBatchIdx != noBatch {
		switch s.joinType {
		case LeftSemi, LeftAnti, LeftMark:
			fetchedForFilter, err = s.fetchBufferedColumns(chunk.bufferedBatchIdx, bufferedIndices)
			if err != nil {
				return err
			}
			filterCols = s.filter.filterColumns(streamedCols, fetchedForFilter)
		case RightSemi, RightAnti:
			fetchedForFilter, err = s.fetchBufferedColumns(chunk.bufferedBatchIdx, bufferedIndices)
			if err != nil {
				return err
			}
			filterCols = s.filter.filterColumns(fetchedForFilter, streamedCols)
		case Right:
			filterCols = s.filter.filterColumns(bufferedCols, streamedCols)
		default:
			filterCols = s.filter.filterColumns(streamedCols, bufferedCols)
		}
	}
	defer releaseAll(fetchedForFilter)

	// Assemble output columns, restoring left-right order for Right joins.
	var columns []arrow.Array
	if s.joinType != Right {
		columns = append(columns, streamedCols...)
		columns = append(columns, bufferedCols...)
	} else {
		columns = append(columns, bufferedCols...)
		columns = append(columns, streamedCols...)
	}
	outputBatch := array.NewRecord(s.schema, columns, int64(numRows))

	if len(filterCols) == 0 {
		s.staging.batches = append(s.staging.batches, outputBatch)
		return nil
	}

	filterBatch := array.NewRecord(s.filter.Schema, filterCols, int64(numRows))
	result, err := s.filter.Expression.Evaluate(filterBatch)
	filterBatch.Release()
	if err != nil {
		outputBatch.Release()
		return err
	}
	preMask, ok := result.(*array.Boolean)
	if !ok {
		result.Release()
		outputBatch.Release()
		return errors.NewInternal("join filter evaluated to %s, expected boolean", result.DataType())
	}
	defer preMask.Release()

	// Nulls in the filter result never select rows, but Full joins keep them
	// visible for outer-row bookkeeping.
	mask := nullToFalse(preMask, s.mem)
	defer mask.Release()

	if usesCorrectedMask(s.joinType) {
		// Stage unfiltered; the corrected-mask pass decides later.
		s.staging.batches = append(s.staging.batches, outputBatch)
		staged := mask
		if s.joinType == Full {
			staged = preMask
		}
		for i := 0; i < staged.Len(); i++ {
			if staged.IsNull(i) {
				s.staging.filterMask.AppendNull()
			} else {
				s.staging.filterMask.Append(staged.Value(i))
			}
		}
		for i := 0; i < streamedIndices.Len(); i++ {
			s.staging.rowIndices.Append(streamedIndices.Value(i))
		}
		for i := 0; i < streamedIndices.Len(); i++ {
			s.staging.batchIDs = append(s.staging.batchIDs, s.streamedBatchCounter)
		}

		// Record streamed rows that passed the filter so semi and mark joins
		// do not join them again.
		if s.joinType == LeftSemi || s.joinType == LeftMark || s.joinType == RightSemi {
			for i := 0; i < mask.Len(); i++ {
				if mask.Value(i) {
					s.streamedBatch.filterMatchedRows[streamedIndices.Value(i)] = struct{}{}
				}
			}
		}

		// Track buffered rows whose every join failed the filter; Full joins
		// owe them a null-joined row at dequeue.
		if s.joinType == Full {
			buffered := s.bufferedData.batches[chunk.bufferedBatchIdx]
			for i := 0; i < preMask.Len(); i++ {
				if bufferedIndices.IsNull(i) {
					continue
				}
				idx := bufferedIndices.Value(i)
				passed := preMask.IsValid(i) && preMask.Value(i)
				prev, seen := buffered.filterNotMatched[idx]
				if !seen {
					prev = true
				}
				buffered.filterNotMatched[idx] = prev && !passed
			}
		}
		return nil
	}

	// Inner: push only the rows passing the filter.
	filtered, err := filterRecord(ctx, outputBatch, mask)
	outputBatch.Release()
	if err != nil {
		return err
	}
	s.staging.batches = append(s.staging.batches, filtered)
	return nil
}

// outputRecordBatchAndReset concatenates the staged batches into one output
// batch. Non-filtered joins also drop the staged batches; filtered joins
// keep them for the corrected-mask pass.
func (s *joinStream) outputRecordBatchAndReset() (arrow.Record, error) {
	rec, err := exec.ConcatBatches(s.schema, s.staging.batches, s.mem)
	if err != nil {
		return nil, err
	}
	// With a residual filter the staged row count is not the emitted row
	// count, so the running output size can only be clamped.
	rows := int(rec.NumRows())
	if rows == 0 || rows > s.outputSize {
		s.outputSize = 0
	} else {
		s.outputSize -= rows
	}
	if !s.filteredWithCorrection() {
		s.staging.clearBatches()
	}
	return rec, nil
}

// filterStagedBatches concatenates the staged batches, derives the corrected
// mask, and applies the per-join-type correction. Staging is cleared.
func (s *joinStream) filterStagedBatches(ctx context.Context) (arrow.Record, error) {
	rec, err := exec.ConcatBatches(s.schema, s.staging.batches, s.mem)
	if err != nil {
		return nil, err
	}
	outIndices := s.staging.rowIndices.NewUint64Array()
	outMask := s.staging.filterMask.NewBooleanArray()
	defer func() {
		outIndices.Release()
		outMask.Release()
	}()
	batchIDs := s.staging.batchIDs

	// A staging area holding only null-joined batches has no filter entries
	// per row; synthesize all-null metadata of the right length.
	if outIndices.NullN() == outIndices.Len() && outIndices.Len() != int(rec.NumRows()) {
		n := int(rec.NumRows())
		mb := array.NewBooleanBuilder(s.mem)
		ib := array.NewUint64Builder(s.mem)
		for i := 0; i < n; i++ {
			mb.AppendNull()
			ib.AppendNull()
		}
		outMask.Release()
		outIndices.Release()
		outMask = mb.NewBooleanArray()
		outIndices = ib.NewUint64Array()
		mb.Release()
		ib.Release()
		batchIDs = make([]int, n)
	}

	if outMask.Len() == 0 {
		s.staging.clearBatches()
		s.staging.batchIDs = s.staging.batchIDs[:0]
		return rec, nil
	}

	corrected := correctedFilterMask(s.joinType, outIndices, batchIDs, outMask, int(rec.NumRows()), s.mem)
	if corrected == nil {
		outMask.Retain()
		corrected = outMask
	}
	defer corrected.Release()

	out, err := s.applyCorrectedMask(ctx, rec, corrected)
	rec.Release()
	return out, err
}

// applyCorrectedMask filters the staged batch through the three-valued mask
// and re-emits mask-false rows per join type: null-joined for outer and mark
// joins, dropped buffered side for semi/anti (already projected), and
// null-buffered for Full.
func (s *joinStream) applyCorrectedMask(ctx context.Context, rec arrow.Record, corrected *array.Boolean) (arrow.Record, error) {
	filtered, err := filterRecord(ctx, rec, corrected)
	if err != nil {
		return nil, err
	}

	streamedWidth := len(s.streamedSchema.Fields())
	bufferedWidth := len(s.bufferedSchema.Fields())

	switch s.joinType {
	case Left, LeftMark, Right:
		nulls := notMask(corrected, s.mem)
		nullJoined, err := filterRecord(ctx, rec, nulls)
		nulls.Release()
		if err != nil {
			filtered.Release()
			return nil, err
		}

		unmatchedCols := createUnmatchedColumns(s.joinType, s.bufferedSchema, int(nullJoined.NumRows()), s.mem)
		var columns []arrow.Array
		if s.joinType != Right {
			columns = append(columns, nullJoined.Columns()[:streamedWidth]...)
			columns = append(columns, unmatchedCols...)
		} else {
			columns = append(columns, unmatchedCols...)
			columns = append(columns, nullJoined.Columns()[bufferedWidth:]...)
		}
		nullBatch := array.NewRecord(s.schema, columns, nullJoined.NumRows())
		releaseAll(unmatchedCols)
		nullJoined.Release()

		out, err := exec.ConcatBatches(s.schema, []arrow.Record{filtered, nullBatch}, s.mem)
		filtered.Release()
		nullBatch.Release()
		if err != nil {
			return nil, err
		}
		s.staging.clear()
		return out, nil

	case Full:
		if falseCount(corrected) == 0 {
			break
		}
		// Rows joined by key whose every filter evaluation failed: emit the
		// streamed side with a null buffered side.
		nulls := notMask(corrected, s.mem)
		notMatched, err := filterRecord(ctx, rec, nulls)
		nulls.Release()
		if err != nil {
			filtered.Release()
			return nil, err
		}
		columns := make([]arrow.Array, 0, streamedWidth+bufferedWidth)
		columns = append(columns, notMatched.Columns()[:streamedWidth]...)
		nullCols := make([]arrow.Array, 0, bufferedWidth)
		for _, f := range s.bufferedSchema.Fields() {
			nullCols = append(nullCols, array.MakeArrayOfNull(s.mem, f.Type, int(notMatched.NumRows())))
		}
		columns = append(columns, nullCols...)
		nullBatch := array.NewRecord(s.schema, columns, notMatched.NumRows())
		releaseAll(nullCols)
		notMatched.Release()

		out, err := exec.ConcatBatches(s.schema, []arrow.Record{filtered, nullBatch}, s.mem)
		filtered.Release()
		nullBatch.Release()
		if err != nil {
			return nil, err
		}
		s.staging.clear()
		return out, nil
	}

	s.staging.clear()
	return filtered, nil
}

// fetchBufferedColumns takes the indexed rows of the identified buffered
// batch's columns.
func (s *joinStream) fetchBufferedColumns(bufferedBatchIdx int, indices *array.Uint64) ([]arrow.Array, error) {
	return s.fetchBufferedColumnsFromBatch(s.bufferedData.batches[bufferedBatchIdx], indices)
}

// fetchBufferedColumnsFromBatch takes rows from an in-memory batch directly,
// or reads a spilled batch back from disk first.
func (s *joinStream) fetchBufferedColumnsFromBatch(buffered *bufferedBatch, indices *array.Uint64) ([]arrow.Array, error) {
	ctx := context.Background()
	switch {
	case buffered.spillFile == nil && buffered.batch != nil:
		return takeColumns(ctx, buffered.batch, indices)
	case buffered.spillFile != nil && buffered.batch == nil:
		batches, err := s.spills.ReadBatches(buffered.spillFile)
		if err != nil {
			return nil, err
		}
		merged, err := exec.ConcatBatches(s.bufferedSchema, batches, s.mem)
		for _, b := range batches {
			b.Release()
		}
		if err != nil {
			return nil, err
		}
		cols, err := takeColumns(ctx, merged, indices)
		merged.Release()
		return cols, err
	default:
		return nil, errors.NewInternal(
			"unexpected buffered batch spill state: spill exists: %t, in-memory exists: %t",
			buffered.spillFile != nil, buffered.batch != nil)
	}
}

// Close releases everything the stream owns: the reservation, the buffered
// data with its temp files, staged output, and the upstream streams. The
// completion entry is logged once.
func (s *joinStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.streamedBatch.release()
	s.bufferedData.release()
	s.staging.release()
	s.output.Release()
	s.reservation.Free()

	streamErr := s.streamed.Close()
	bufferedErr := s.buffered.Close()

	snapshot := s.metrics.Snapshot()
	entry := observability.JoinLogEntry{
		QueryID:       s.queryID,
		Partition:     s.partition,
		JoinType:      s.joinType.String(),
		InputBatches:  snapshot.InputBatches,
		InputRows:     snapshot.InputRows,
		OutputBatches: snapshot.OutputBatches,
		OutputRows:    snapshot.OutputRows,
		SpillCount:    snapshot.SpillCount,
		SpilledBytes:  snapshot.SpilledBytes,
		PeakMemBytes:  snapshot.PeakMemUsed,
		JoinTime:      snapshot.JoinTime,
		Outcome:       "success",
	}
	if s.err != nil {
		entry.Outcome = "error"
		entry.Error = s.err.Error()
	}
	_ = s.logger.LogJoin(context.Background(), entry)

	if streamErr != nil {
		return streamErr
	}
	return bufferedErr
}

// takeColumns takes the indexed rows of every column in the batch. Null
// indices yield null values.
func takeColumns(ctx context.Context, batch arrow.Record, indices arrow.Array) ([]arrow.Array, error) {
	out := make([]arrow.Array, batch.NumCols())
	for i, col := range batch.Columns() {
		taken, err := compute.TakeArray(ctx, col, indices)
		if err != nil {
			releaseAll(out[:i])
			return nil, err
		}
		out[i] = taken
	}
	return out, nil
}

// filterRecord keeps the rows whose mask entry is true; null entries drop.
func filterRecord(ctx context.Context, rec arrow.Record, mask *array.Boolean) (arrow.Record, error) {
	return compute.FilterRecordBatch(ctx, rec, mask, &compute.FilterOptions{
		NullSelection: compute.SelectionDropNulls,
	})
}

// createUnmatchedColumns fabricates the buffered-side columns of a
// null-joined row: a false mark for mark joins, typed null arrays otherwise.
func createUnmatchedColumns(joinType JoinType, schema *arrow.Schema, size int, mem memory.Allocator) []arrow.Array {
	if joinType == LeftMark {
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for i := 0; i < size; i++ {
			b.Append(false)
		}
		return []arrow.Array{b.NewBooleanArray()}
	}
	cols := make([]arrow.Array, 0, len(schema.Fields()))
	for _, f := range schema.Fields() {
		cols = append(cols, array.MakeArrayOfNull(mem, f.Type, size))
	}
	return cols
}

// isNotNullArray is the mark column: true where the buffered index is
// present.
func isNotNullArray(indices *array.Uint64, mem memory.Allocator) *array.Boolean {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	for i := 0; i < indices.Len(); i++ {
		b.Append(indices.IsValid(i))
	}
	return b.NewBooleanArray()
}

func releaseAll(arrays []arrow.Array) {
	for _, a := range arrays {
		if a != nil {
			a.Release()
		}
	}
}
