package merge

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// KeyAllocator hands out surrogate keys. Allocation is injected into the
// merger so tests can use deterministic keys and entity-type workers can
// allocate in parallel without coordination.
type KeyAllocator interface {
	NextKey(entity string) string
}

// UUIDAllocator allocates random surrogate keys. Safe for concurrent use by
// construction; no reserved ranges needed.
type UUIDAllocator struct{}

// NewUUIDAllocator creates the production allocator.
func NewUUIDAllocator() *UUIDAllocator {
	return &UUIDAllocator{}
}

// NextKey returns a fresh UUID surrogate key.
func (a *UUIDAllocator) NextKey(string) string {
	return uuid.NewString()
}

// SequenceAllocator allocates entity-prefixed sequential keys from an atomic
// counter. Deterministic given a fixed call order, which makes it the
// allocator of choice in tests.
type SequenceAllocator struct {
	next atomic.Int64
}

// NewSequenceAllocator creates a sequence allocator starting at 1.
func NewSequenceAllocator() *SequenceAllocator {
	return &SequenceAllocator{}
}

// NextKey returns the next key, e.g. "customer-7".
func (a *SequenceAllocator) NextKey(entity string) string {
	return fmt.Sprintf("%s-%d", entity, a.next.Add(1))
}
