// Package allocator limits how many clients may hold a share of a common
// resource at once, such as concurrent file transfers over one connection.
package allocator

import (
	"context"
	"fmt"
	"sync"
)

// AbstractAllocator controls access to an abstract pool of resources of a specified capacity.
// Abstract in this sense means the resources don't represent a physical resource
// but a means of limiting overall concurrent usage by a set of clients.
type AbstractAllocator struct {
	mu        sync.Mutex
	capacity  int64
	allocated int64
	// closed and replaced on every release so waiters can re-check.
	freed chan struct{}
}

// NewAbstractAllocator returns a new *AbstractAllocator initialized with a set capacity.
// Returns an error if capacity is < 0. Typical usage of this allocator:
//
//	a, _ := NewAbstractAllocator(3)
//	r, err := a.WaitAlloc(ctx, 1)
//	// handle err
//	defer r.Release()
func NewAbstractAllocator(c int64) (*AbstractAllocator, error) {
	if c < 0 {
		return nil, fmt.Errorf("invalid capacity %d < 0", c)
	}
	return &AbstractAllocator{capacity: c, freed: make(chan struct{})}, nil
}

// Alloc returns a resource of an indicated size or an error.
// If error is nil, a non-nil *AbstractResource is returned, which the client must
// Release when finished, or a resource leak will result.
func (a *AbstractAllocator) Alloc(size int64) (*AbstractResource, error) {
	r, _, err := a.tryAlloc(size)
	return r, err
}

func (a *AbstractAllocator) tryAlloc(size int64) (*AbstractResource, <-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if size < 0 {
		return nil, nil, fmt.Errorf("invalid size %d < 0", size)
	}
	if a.allocated+size > a.capacity {
		return nil, a.freed, fmt.Errorf(
			"alloc request: %d exceeds capacity: %d (current allocation: %d)", size, a.capacity, a.allocated)
	}
	a.allocated += size
	return &AbstractResource{size: size, a: a}, nil, nil
}

// WaitAlloc blocks until size can be allocated or ctx is done. A request
// larger than the total capacity fails immediately.
func (a *AbstractAllocator) WaitAlloc(ctx context.Context, size int64) (*AbstractResource, error) {
	if size > a.capacity {
		return nil, fmt.Errorf("alloc request: %d exceeds capacity: %d", size, a.capacity)
	}
	for {
		r, freed, err := a.tryAlloc(size)
		if err == nil || freed == nil {
			return r, err
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Allocated returns the amount currently held by clients.
func (a *AbstractAllocator) Allocated() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Capacity returns the configured capacity.
func (a *AbstractAllocator) Capacity() int64 {
	return a.capacity
}

// Releasing a nil or previously released resource does nothing.
func (a *AbstractAllocator) release(r *AbstractResource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r != nil && r.size > 0 {
		a.allocated -= r.size
		if a.allocated < 0 {
			a.allocated = 0
		}
		// unset the resource to prevent accidental double-releasing
		r.size = 0
		close(a.freed)
		a.freed = make(chan struct{})
	}
}

// AbstractResource represents some amount of resources granted
// by an AbstractAllocator and held by a client.
type AbstractResource struct {
	size int64
	a    *AbstractAllocator
}

// Release returns a given resource back to the allocator that created this
// resource. Releasing a nil or previously released resource does nothing.
func (r *AbstractResource) Release() {
	if r != nil && r.a != nil {
		r.a.release(r)
	}
}
