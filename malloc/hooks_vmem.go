package malloc

import "sync"
import "sync/atomic"

// Vmembase first address handed out by Vmem.
const Vmembase = uintptr(1) << 40

type vrange struct {
	addr uintptr
	size int64
}

// Vmem simulated address space implementing api.ExtentHooks. Address
// ranges are bookkept but never backed by memory, which makes it
// suitable for accounting and for exercising the allocator. Mapped
// memory is bounded by capacity.
type Vmem struct {
	mu       sync.Mutex
	capacity int64
	brk      uintptr
	free     []vrange // address ordered, below brk
	mapped   int64
	maps     map[uintptr]int64

	retain       bool
	mapscoalesce bool

	nmaps        int64
	nunmaps      int64
	ndestroys    int64
	ncommits     int64
	ndecommits   int64
	npurgelazy   int64
	npurgeforced int64
	nsplits      int64
	nmerges      int64
	nzeros       int64
	ncopies      int64
	nhugify      int64
	ndehugify    int64
}

// NewVmem address space of capacity bytes. With retain, Unmap declines
// and the allocator keeps unused ranges as retained extents.
func NewVmem(capacity int64, retain bool) *Vmem {
	return &Vmem{
		capacity:     capacity,
		brk:          Vmembase,
		maps:         make(map[uintptr]int64),
		retain:       retain,
		mapscoalesce: true,
	}
}

// Setmapscoalesce when false, ranges from different Map calls refuse to
// merge.
func (vm *Vmem) Setmapscoalesce(ok bool) *Vmem {
	vm.mu.Lock()
	vm.mapscoalesce = ok
	vm.mu.Unlock()
	return vm
}

// Map implement api.ExtentHooks.
func (vm *Vmem) Map(addr uintptr, size, alignment int64) (uintptr, bool, bool) {
	if size <= 0 || size&pagemask != 0 {
		return 0, false, false
	}
	if alignment < Pagesize {
		alignment = Pagesize
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.mapped+size > vm.capacity {
		return 0, false, false
	}
	base := vm.carve(addr, size, alignment)
	if base == 0 {
		return 0, false, false
	}
	vm.mapped += size
	vm.maps[base] = size
	atomic.AddInt64(&vm.nmaps, 1)
	return base, true /*zeroed*/, true /*committed*/
}

// carve [addr, addr+size) out of free ranges, or extend the break.
func (vm *Vmem) carve(addr uintptr, size, alignment int64) uintptr {
	for i, r := range vm.free {
		var base uintptr
		if addr != 0 {
			if addr < r.addr || addr+uintptr(size) > r.addr+uintptr(r.size) {
				continue
			}
			base = addr
		} else {
			base = alignupaddr(r.addr, alignment)
			if base+uintptr(size) > r.addr+uintptr(r.size) {
				continue
			}
		}
		vm.free = append(vm.free[:i], vm.free[i+1:]...)
		if lead := int64(base - r.addr); lead > 0 {
			vm.insertfree(r.addr, lead)
		}
		past := r.addr + uintptr(r.size)
		if trail := int64(past - (base + uintptr(size))); trail > 0 {
			vm.insertfree(base+uintptr(size), trail)
		}
		return base
	}
	base := alignupaddr(vm.brk, alignment)
	if addr != 0 {
		if addr < vm.brk {
			return 0
		}
		base = addr
	}
	if gap := int64(base - vm.brk); gap > 0 {
		vm.insertfree(vm.brk, gap)
	}
	vm.brk = base + uintptr(size)
	return base
}

// insertfree add a range, coalescing with its neighbours.
func (vm *Vmem) insertfree(addr uintptr, size int64) {
	i := 0
	for i < len(vm.free) && vm.free[i].addr < addr {
		i++
	}
	vm.free = append(vm.free, vrange{})
	copy(vm.free[i+1:], vm.free[i:])
	vm.free[i] = vrange{addr: addr, size: size}
	if i+1 < len(vm.free) && addr+uintptr(size) == vm.free[i+1].addr {
		vm.free[i].size += vm.free[i+1].size
		vm.free = append(vm.free[:i+1], vm.free[i+2:]...)
	}
	if i > 0 && vm.free[i-1].addr+uintptr(vm.free[i-1].size) == addr {
		vm.free[i-1].size += vm.free[i].size
		vm.free = append(vm.free[:i], vm.free[i+1:]...)
	}
}

func (vm *Vmem) release(addr uintptr, size int64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if addr < Vmembase || addr+uintptr(size) > vm.brk {
		panicerr("vmem: release %x+%v outside address space", addr, size)
	}
	vm.insertfree(addr, size)
	vm.mapped -= size
	for base := range vm.maps {
		if base >= addr && base < addr+uintptr(size) {
			delete(vm.maps, base)
		}
	}
}

// Unmap implement api.ExtentHooks.
func (vm *Vmem) Unmap(addr uintptr, size int64, committed bool) bool {
	if vm.retain {
		return true
	}
	vm.release(addr, size)
	atomic.AddInt64(&vm.nunmaps, 1)
	return false
}

// Destroy implement api.ExtentHooks.
func (vm *Vmem) Destroy(addr uintptr, size int64, committed bool) {
	vm.release(addr, size)
	atomic.AddInt64(&vm.ndestroys, 1)
}

// Commit implement api.ExtentHooks.
func (vm *Vmem) Commit(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.ncommits, 1)
	return false
}

// Decommit implement api.ExtentHooks.
func (vm *Vmem) Decommit(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.ndecommits, 1)
	return false
}

// PurgeLazy implement api.ExtentHooks.
func (vm *Vmem) PurgeLazy(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.npurgelazy, 1)
	return false
}

// PurgeForced implement api.ExtentHooks.
func (vm *Vmem) PurgeForced(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.npurgeforced, 1)
	return false
}

// Split implement api.ExtentHooks.
func (vm *Vmem) Split(addr uintptr, size, sizea, sizeb int64, committed bool) bool {
	atomic.AddInt64(&vm.nsplits, 1)
	return false
}

// Merge implement api.ExtentHooks, ranges that come from different Map
// calls merge only when mapscoalesce is set.
func (vm *Vmem) Merge(
	addra uintptr, sizea int64, addrb uintptr, sizeb int64, committed bool) bool {

	vm.mu.Lock()
	_, ismap := vm.maps[addrb]
	decline := ismap && !vm.mapscoalesce
	vm.mu.Unlock()
	if decline {
		return true
	}
	atomic.AddInt64(&vm.nmerges, 1)
	return false
}

// UnmapWillFail implement api.ExtentHooks.
func (vm *Vmem) UnmapWillFail() bool {
	return vm.retain
}

// SplitWillFail implement api.ExtentHooks.
func (vm *Vmem) SplitWillFail() bool {
	return false
}

// MergeWillFail implement api.ExtentHooks.
func (vm *Vmem) MergeWillFail() bool {
	return false
}

// Zero implement api.Zeroer.
func (vm *Vmem) Zero(addr uintptr, size int64) {
	atomic.AddInt64(&vm.nzeros, 1)
}

// Copy implement api.Copier, only counted.
func (vm *Vmem) Copy(dst, src uintptr, n int64) {
	atomic.AddInt64(&vm.ncopies, 1)
}

// Hugify implement api.Hugifier.
func (vm *Vmem) Hugify(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.nhugify, 1)
	return false
}

// Dehugify implement api.Hugifier.
func (vm *Vmem) Dehugify(addr uintptr, size int64) bool {
	atomic.AddInt64(&vm.ndehugify, 1)
	return false
}

// Mapped bytes currently mapped.
func (vm *Vmem) Mapped() int64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mapped
}

// Stats counters for every hook.
func (vm *Vmem) Stats() map[string]interface{} {
	vm.mu.Lock()
	mapped, nfree := vm.mapped, len(vm.free)
	vm.mu.Unlock()
	return map[string]interface{}{
		"vmem.capacity":     vm.capacity,
		"vmem.mapped":       mapped,
		"vmem.holes":        int64(nfree),
		"vmem.nmaps":        atomic.LoadInt64(&vm.nmaps),
		"vmem.nunmaps":      atomic.LoadInt64(&vm.nunmaps),
		"vmem.ndestroys":    atomic.LoadInt64(&vm.ndestroys),
		"vmem.ncommits":     atomic.LoadInt64(&vm.ncommits),
		"vmem.ndecommits":   atomic.LoadInt64(&vm.ndecommits),
		"vmem.npurgelazy":   atomic.LoadInt64(&vm.npurgelazy),
		"vmem.npurgeforced": atomic.LoadInt64(&vm.npurgeforced),
		"vmem.nsplits":      atomic.LoadInt64(&vm.nsplits),
		"vmem.nmerges":      atomic.LoadInt64(&vm.nmerges),
		"vmem.nzeros":       atomic.LoadInt64(&vm.nzeros),
		"vmem.ncopies":      atomic.LoadInt64(&vm.ncopies),
		"vmem.nhugify":      atomic.LoadInt64(&vm.nhugify),
		"vmem.ndehugify":    atomic.LoadInt64(&vm.ndehugify),
	}
}
