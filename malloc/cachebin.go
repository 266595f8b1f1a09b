package malloc

// cachebin bounded stack of free regions of one size class, owned by a
// single tcache. The low water mark is the smallest number of cached
// items seen since the last GC event.
type cachebin struct {
	stack      []uintptr // top of stack is the last element
	ncachedmax int64
	lowwater   int64
	nrequests  int64
}

func newcachebin(ncachedmax int64) *cachebin {
	return &cachebin{
		stack:      make([]uintptr, 0, ncachedmax),
		ncachedmax: ncachedmax,
	}
}

func (cb *cachebin) ncached() int64 {
	return int64(len(cb.stack))
}

func (cb *cachebin) getlowwater() int64 {
	return cb.lowwater
}

func (cb *cachebin) lowwaterreset() {
	cb.lowwater = int64(len(cb.stack))
}

func (cb *cachebin) full() bool {
	return int64(len(cb.stack)) == cb.ncachedmax
}

// allocEasy pop the most recently cached region.
func (cb *cachebin) allocEasy() (uintptr, bool) {
	n := len(cb.stack)
	if n == 0 {
		return 0, false
	}
	ptr := cb.stack[n-1]
	cb.stack = cb.stack[:n-1]
	if int64(n-1) < cb.lowwater {
		cb.lowwater = int64(n - 1)
	}
	return ptr, true
}

// dallocEasy push ptr, return false if the bin is full.
func (cb *cachebin) dallocEasy(ptr uintptr) bool {
	if int64(len(cb.stack)) == cb.ncachedmax {
		return false
	}
	cb.stack = append(cb.stack, ptr)
	return true
}

// fill an empty bin, ptrs[0] ends up on top so that regions are handed
// out in the order they were extracted.
func (cb *cachebin) fill(ptrs []uintptr) {
	if len(cb.stack) != 0 {
		panicerr("cachebin.fill(): %v items still cached", len(cb.stack))
	} else if int64(len(ptrs)) > cb.ncachedmax {
		panicerr("cachebin.fill(): %v > %v", len(ptrs), cb.ncachedmax)
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		cb.stack = append(cb.stack, ptrs[i])
	}
}

// flushprefix move the n oldest items, at the bottom of the stack, into
// out. The remaining items keep their order.
func (cb *cachebin) flushprefix(n int64, out []uintptr) []uintptr {
	if n > int64(len(cb.stack)) {
		panicerr("cachebin.flushprefix(): %v > %v", n, len(cb.stack))
	}
	out = append(out, cb.stack[:n]...)
	rem := copy(cb.stack, cb.stack[n:])
	for i := rem; i < len(cb.stack); i++ {
		cb.stack[i] = 0
	}
	cb.stack = cb.stack[:rem]
	if int64(rem) < cb.lowwater {
		cb.lowwater = int64(rem)
	}
	return out
}
