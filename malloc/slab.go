package malloc

// slab is an extent sliced into equal sized regions of one small size
// class. Free regions are tracked by e.fbits, e.nfree caches the count.

func slabinit(e *Extent, binind, binshard int) {
	info := &bininfos[binind]
	if e.fbits == nil || e.fbits.nblocks != info.nregs {
		e.fbits = newfreebits(info.nregs)
	} else {
		e.fbits.reset()
	}
	e.nfree, e.binshard = info.nregs, binshard
}

// slabregalloc lowest free region in the slab.
func slabregalloc(e *Extent, info *bininfo) uintptr {
	if e.nfree == 0 {
		panicerr("slabregalloc(): slab %v is full", e)
	}
	nthblock, ok := e.fbits.alloc()
	if !ok {
		panicerr("slabregalloc(): inconsistent slab %v", e)
	}
	e.nfree--
	return e.base + uintptr(nthblock*info.regsize)
}

// slabregallocbatch append cnt regions to ptrs, caller makes sure that
// cnt is not more than e.nfree.
func slabregallocbatch(
	e *Extent, info *bininfo, cnt int64, ptrs []uintptr, scratch []int64) []uintptr {

	if cnt > e.nfree {
		panicerr("slabregallocbatch(): %v > %v free", cnt, e.nfree)
	}
	scratch = e.fbits.allocbatch(cnt, scratch[:0])
	for _, nthblock := range scratch {
		ptrs = append(ptrs, e.base+uintptr(nthblock*info.regsize))
	}
	e.nfree -= int64(len(scratch))
	return ptrs
}

// slabregind region index of ptr within slab.
func slabregind(e *Extent, info *bininfo, ptr uintptr) int64 {
	if ptr < e.base || ptr >= e.past() {
		panicerr("slabregind(): %x outside %v", ptr, e)
	}
	diff := int64(ptr - e.base)
	if diff%info.regsize != 0 {
		panicerr("slabregind(): unaligned pointer %x for %v", ptr, info.regsize)
	}
	return diff / info.regsize
}

func slabregdalloc(e *Extent, info *bininfo, ptr uintptr) {
	e.fbits.free(slabregind(e, info, ptr))
	e.nfree++
}

// slabcheckallocated can be costly operation.
func slabcheckallocated(e *Extent, info *bininfo) int64 {
	return info.nregs - e.fbits.freeblocks()
}
