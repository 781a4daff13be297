package plan

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/geetanshjuneja/datafusion/internal/errors"
	"github.com/geetanshjuneja/datafusion/internal/expr"
)

// HashPartition splits a batch into n buckets by the xxhash of its key
// expressions. Rows with equal keys always land in the same bucket, which is
// what operators requiring a hash distribution rely on. The caller owns the
// returned batches.
func HashPartition(ctx context.Context, batch arrow.Record, exprs []expr.PhysicalExpr, n int, mem memory.Allocator) ([]arrow.Record, error) {
	if n <= 0 {
		return nil, errors.NewInternal("hash partitioning into %d buckets", n)
	}

	keys := make([]arrow.Array, len(exprs))
	defer func() {
		for _, k := range keys {
			if k != nil {
				k.Release()
			}
		}
	}()
	for i, e := range exprs {
		arr, err := e.Evaluate(batch)
		if err != nil {
			return nil, err
		}
		keys[i] = arr
	}

	builders := make([]*array.Uint64Builder, n)
	for i := range builders {
		builders[i] = array.NewUint64Builder(mem)
		defer builders[i].Release()
	}

	digest := xxhash.New()
	var scratch [8]byte
	for row := 0; row < int(batch.NumRows()); row++ {
		digest.Reset()
		for _, key := range keys {
			if err := hashValue(digest, &scratch, key, row); err != nil {
				return nil, err
			}
		}
		bucket := int(digest.Sum64() % uint64(n))
		builders[bucket].Append(uint64(row))
	}

	out := make([]arrow.Record, n)
	for i, b := range builders {
		indices := b.NewUint64Array()
		part, err := compute.TakeRecordBatch(ctx, batch, indices)
		indices.Release()
		if err != nil {
			for _, r := range out {
				if r != nil {
					r.Release()
				}
			}
			return nil, err
		}
		out[i] = part
	}
	return out, nil
}

// hashValue feeds the canonical bytes of one array value into the digest.
// Nulls hash as a distinct tag byte so they bucket deterministically.
func hashValue(d *xxhash.Digest, scratch *[8]byte, arr arrow.Array, i int) error {
	if arr.IsNull(i) {
		_, err := d.Write([]byte{0xff})
		return err
	}
	switch a := arr.(type) {
	case *array.Boolean:
		if a.Value(i) {
			scratch[0] = 1
		} else {
			scratch[0] = 0
		}
		_, err := d.Write(scratch[:1])
		return err
	case *array.Int8:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Int16:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Int32:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Int64:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Uint8:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Uint16:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Uint32:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Uint64:
		binary.LittleEndian.PutUint64(scratch[:], a.Value(i))
	case *array.Float32:
		binary.LittleEndian.PutUint64(scratch[:], uint64(math.Float32bits(a.Value(i))))
	case *array.Float64:
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(a.Value(i)))
	case *array.Date32:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Date64:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.Timestamp:
		binary.LittleEndian.PutUint64(scratch[:], uint64(a.Value(i)))
	case *array.String:
		_, err := d.WriteString(a.Value(i))
		return err
	case *array.LargeString:
		_, err := d.WriteString(a.Value(i))
		return err
	default:
		return errors.NewNotImplemented(fmt.Sprintf("hash partitioning on %s", arr.DataType()))
	}
	_, err := d.Write(scratch[:])
	return err
}
