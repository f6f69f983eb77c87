package filesystem

import (
	"fmt"
	"sync"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// Allocator reserves space for incoming data before it is written.
type Allocator interface {
	Allocate(size int64) error
	// Free returns previously allocated space, e.g. space a failed transfer
	// reserved but never wrote.
	Free(size int64)
}

// NopAllocator never refuses an allocation.
type NopAllocator struct{}

func (NopAllocator) Allocate(int64) error { return nil }
func (NopAllocator) Free(int64)           {}

// QuotaAllocator refuses allocations that would exceed a fixed byte quota.
type QuotaAllocator struct {
	mu    sync.Mutex
	quota int64
	used  int64
}

func NewQuotaAllocator(quota int64) *QuotaAllocator {
	return &QuotaAllocator{quota: quota}
}

func (a *QuotaAllocator) Allocate(size int64) error {
	if size < 0 {
		return errors.NewStorageError(fmt.Errorf("%w: allocate %d bytes", errors.ErrInvalidArgument, size), "allocator")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+size > a.quota {
		return errors.NewStorageError(
			fmt.Errorf("quota exceeded: %d bytes requested, %d of %d in use", size, a.used, a.quota),
			"allocator",
		)
	}
	a.used += size
	return nil
}

func (a *QuotaAllocator) Free(size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.used = max(a.used-size, 0)
}

// Used returns the number of allocated bytes.
func (a *QuotaAllocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
