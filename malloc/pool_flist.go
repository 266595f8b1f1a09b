package malloc

import "sync"
import "unsafe"

// extentpool recycles extent descriptors through a free list, so that
// split and merge do not churn the garbage collector. Descriptors are
// handed out zeroed.
type extentpool struct {
	mu        sync.Mutex
	freelist  extentlist
	ncreated  int64 // descriptors created over the lifetime of the pool
	nrecycled int64 // descriptors served from the free list
}

func newextentpool() *extentpool {
	return &extentpool{}
}

func (pool *extentpool) get() *Extent {
	pool.mu.Lock()
	e := pool.freelist.popfirst()
	if e != nil {
		pool.nrecycled++
	} else {
		pool.ncreated++
	}
	pool.mu.Unlock()

	if e == nil {
		e = &Extent{}
	}
	*e = Extent{heapidx: -1}
	return e
}

func (pool *extentpool) put(e *Extent) {
	if e.heapidx >= 0 || e.prev != nil || e.next != nil {
		panicerr("extentpool: %v still linked", e)
	}
	e.fbits, e.hpdata = nil, nil
	pool.mu.Lock()
	pool.freelist.prepend(e)
	pool.mu.Unlock()
}

// available number of descriptors in the free list.
func (pool *extentpool) available() int64 {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.freelist.length()
}

func (pool *extentpool) stats() (created, recycled, available, overhead int64) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	available = pool.freelist.length()
	overhead = pool.ncreated * int64(unsafe.Sizeof(Extent{}))
	return pool.ncreated, pool.nrecycled, available, overhead
}

func (pool *extentpool) prefork() {
	pool.mu.Lock()
}

func (pool *extentpool) postforkparent() {
	pool.mu.Unlock()
}

func (pool *extentpool) postforkchild() {
	pool.mu.Unlock()
}
