package exec

import (
	"sync"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

// MemoryPool grants and revokes byte reservations to named consumers. It is
// shared process-wide and must be safe under concurrent use.
type MemoryPool interface {
	// TryGrow attempts to reserve n more bytes for the named consumer.
	TryGrow(consumer string, n int64) error

	// Shrink returns n bytes to the pool.
	Shrink(n int64)

	// Reserved returns the total bytes currently reserved.
	Reserved() int64

	// Limit returns the pool budget in bytes, or 0 if unbounded.
	Limit() int64
}

// greedyPool hands out reservations first-come-first-served against a fixed
// budget.
type greedyPool struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewMemoryPool creates a pool with the given byte budget. A non-positive
// limit means unbounded.
func NewMemoryPool(limit int64) MemoryPool {
	if limit < 0 {
		limit = 0
	}
	return &greedyPool{limit: limit}
}

func (p *greedyPool) TryGrow(consumer string, n int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit > 0 && p.used+n > p.limit {
		return errors.NewResourcesExhausted(consumer, n, p.used, p.limit)
	}
	p.used += n
	return nil
}

func (p *greedyPool) Shrink(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used -= n
	if p.used < 0 {
		p.used = 0
	}
}

func (p *greedyPool) Reserved() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

func (p *greedyPool) Limit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Reservation tracks the bytes one consumer holds against a pool. Accesses
// are serialized by the owning operator.
type Reservation struct {
	pool     MemoryPool
	consumer string
	size     int64
}

// NewReservation creates an empty reservation for the named consumer.
func NewReservation(pool MemoryPool, consumer string) *Reservation {
	return &Reservation{pool: pool, consumer: consumer}
}

// TryGrow attempts to extend the reservation by n bytes.
func (r *Reservation) TryGrow(n int64) error {
	if err := r.pool.TryGrow(r.consumer, n); err != nil {
		return err
	}
	r.size += n
	return nil
}

// Shrink returns n bytes to the pool. Shrinking below zero is an invariant
// violation.
func (r *Reservation) Shrink(n int64) error {
	if n > r.size {
		return errors.NewInternal("reservation %s shrinks by %d with only %d held", r.consumer, n, r.size)
	}
	r.pool.Shrink(n)
	r.size -= n
	return nil
}

// Size returns the bytes currently held.
func (r *Reservation) Size() int64 {
	return r.size
}

// Consumer returns the consumer identifier.
func (r *Reservation) Consumer() string {
	return r.consumer
}

// Free returns the whole reservation to the pool. Safe to call repeatedly.
func (r *Reservation) Free() {
	if r.size > 0 {
		r.pool.Shrink(r.size)
		r.size = 0
	}
}
