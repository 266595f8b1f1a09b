package malloc

import "sync"

type binstats struct {
	nmalloc      int64
	ndalloc      int64
	nrequests    int64
	curregs      int64
	nfills       int64
	nflushes     int64
	nslabs       int64
	reslabs      int64
	curslabs     int64
	nonfullslabs int64
}

func (stats *binstats) merge(other *binstats) {
	stats.nmalloc += other.nmalloc
	stats.ndalloc += other.ndalloc
	stats.nrequests += other.nrequests
	stats.curregs += other.curregs
	stats.nfills += other.nfills
	stats.nflushes += other.nflushes
	stats.nslabs += other.nslabs
	stats.reslabs += other.reslabs
	stats.curslabs += other.curslabs
	stats.nonfullslabs += other.nonfullslabs
}

// bin serves one small size class. Regions come from slabcur, when it
// runs out the lowest addressed nonfull slab takes its place. Full
// slabs are tracked only for manual arenas, so that reset can find
// them.
type bin struct {
	mu      sync.Mutex
	slabcur *Extent
	nonfull *extentheap
	full    extentlist
	stats   binstats
}

func (b *bin) init() {
	b.slabcur = nil
	b.nonfull = newextentheap(adless)
	b.full = extentlist{}
	b.stats = binstats{}
}

func (b *bin) nonfullinsert(slab *Extent) {
	if slab.nfree == 0 {
		panicerr("bin.nonfullinsert(): full slab %v", slab)
	}
	b.nonfull.insert(slab)
	b.stats.nonfullslabs++
}

func (b *bin) nonfullremove(slab *Extent) {
	b.nonfull.remove(slab)
	b.stats.nonfullslabs--
}

func (b *bin) nonfulltryget() *Extent {
	slab := b.nonfull.removefirst()
	if slab != nil {
		b.stats.reslabs++
		b.stats.nonfullslabs--
	}
	return slab
}

func (b *bin) fullinsert(auto bool, slab *Extent) {
	if slab.nfree != 0 {
		panicerr("bin.fullinsert(): slab %v has free regions", slab)
	}
	if !auto {
		b.full.append(slab)
	}
}

func (b *bin) fullremove(auto bool, slab *Extent) {
	if !auto {
		b.full.remove(slab)
	}
}

func (b *bin) prefork() {
	b.mu.Lock()
}

func (b *bin) postfork(child bool) {
	b.mu.Unlock()
}

//---- arena side of the bin allocator

// binchoose bin shard for binind, tcaches pin a shard per size class,
// untracked callers always use the first one.
func (a *Arena) binchoose(binind int, tc *Tcache) (*bin, int) {
	shard := 0
	if tc != nil {
		shard = tc.binshards[binind]
	}
	return &a.bins[binind][shard], shard
}

func (a *Arena) slaballoc(binind, binshard int) *Extent {
	info := &bininfos[binind]
	slab, deferred := a.pa.alloc(info.slabsize, Pagesize, true, binind, false)
	if deferred {
		a.handledeferred()
	}
	if slab == nil {
		return nil
	}
	slabinit(slab, binind, binshard)
	return slab
}

func (a *Arena) slabdalloc(slab *Extent) {
	if a.pa.dalloc(slab) {
		a.handlenewdirty()
	}
}

// refillslabcurnofresh retire a full slabcur and promote the lowest
// nonfull slab. Return true if slabcur is still empty.
func (a *Arena) refillslabcurnofresh(b *bin) bool {
	if b.slabcur != nil {
		b.fullinsert(a.auto, b.slabcur)
	}
	b.slabcur = b.nonfulltryget()
	return b.slabcur == nil
}

func (a *Arena) refillslabcurwithfresh(b *bin, fresh *Extent) {
	if b.slabcur != nil {
		panicerr("arena.refillslabcurwithfresh(): slabcur %v", b.slabcur)
	}
	b.slabcur = fresh
	b.stats.nslabs++
	b.stats.curslabs++
}

func (a *Arena) binmallocnofresh(b *bin, binind int) uintptr {
	if b.slabcur == nil || b.slabcur.nfree == 0 {
		if a.refillslabcurnofresh(b) {
			return 0
		}
	}
	return slabregalloc(b.slabcur, &bininfos[binind])
}

func (a *Arena) binmallocwithfresh(b *bin, binind int, fresh *Extent) uintptr {
	a.refillslabcurwithfresh(b, fresh)
	return slabregalloc(b.slabcur, &bininfos[binind])
}

// mallocsmall one region of class binind. The bin lock is dropped while
// a fresh slab is allocated, another thread may have refilled the bin
// meanwhile in which case the fresh slab goes back.
func (a *Arena) mallocsmall(binind int, zero bool, tc *Tcache) uintptr {
	b, binshard := a.binchoose(binind, tc)

	b.mu.Lock()
	var fresh *Extent
	ptr := a.binmallocnofresh(b, binind)
	if ptr == 0 {
		b.mu.Unlock()
		fresh = a.slaballoc(binind, binshard)
		b.mu.Lock()
		ptr = a.binmallocnofresh(b, binind)
		if ptr == 0 {
			if fresh == nil {
				b.mu.Unlock()
				return 0
			}
			ptr = a.binmallocwithfresh(b, binind, fresh)
			fresh = nil
		}
	}
	b.stats.nmalloc++
	b.stats.nrequests++
	b.stats.curregs++
	b.mu.Unlock()

	if fresh != nil {
		a.slabdalloc(fresh)
	}
	if zero {
		a.m.zero(ptr, bininfos[binind].regsize)
	}
	a.decaytick(1)
	return ptr
}

// fillsmall refill a cache bin with up to nfill regions. A fresh slab is
// allocated only if the previous pass made progress, which bounds the
// retries when memory is exhausted.
func (a *Arena) fillsmall(tc *Tcache, cb *cachebin, binind int, nfill int64) int64 {
	info := &bininfos[binind]
	b, binshard := a.binchoose(binind, tc)

	ptrs := tc.fillptrs[:0]
	var fresh *Extent
	madeprogress, allocandretry := true, false
	filled := int64(0)

	for {
		b.mu.Lock()
		for filled < nfill {
			if slabcur := b.slabcur; slabcur != nil && slabcur.nfree > 0 {
				cnt := nfill - filled
				if slabcur.nfree < cnt {
					cnt = slabcur.nfree
				}
				ptrs = slabregallocbatch(slabcur, info, cnt, ptrs, tc.regscratch)
				madeprogress = true
				filled += cnt
				continue
			}
			if !a.refillslabcurnofresh(b) {
				continue
			}
			if fresh != nil {
				a.refillslabcurwithfresh(b, fresh)
				fresh = nil
				continue
			}
			if madeprogress {
				allocandretry = true
			}
			break
		}
		if !allocandretry {
			b.stats.nmalloc += filled
			b.stats.nrequests += cb.nrequests
			b.stats.curregs += filled
			b.stats.nfills++
			cb.nrequests = 0
		}
		b.mu.Unlock()

		if !allocandretry {
			break
		}
		fresh = a.slaballoc(binind, binshard)
		allocandretry, madeprogress = false, false
	}

	if fresh != nil {
		a.slabdalloc(fresh)
	}
	cb.fill(ptrs)
	tc.fillptrs = ptrs[:0]
	tc.filled(filled)
	a.decaytick(1)
	return filled
}

// dissociateslab detach slab from whichever container holds it.
func (a *Arena) dissociateslab(b *bin, slab *Extent) {
	if slab == b.slabcur {
		b.slabcur = nil
	} else if bininfos[slab.szind].nregs == 1 {
		b.fullremove(a.auto, slab)
	} else {
		b.nonfullremove(slab)
	}
}

// lowerslab keep slabcur at the lowest address, slab has just turned
// nonfull.
func (a *Arena) lowerslab(b *bin, slab *Extent) {
	if b.slabcur != nil && adless(slab, b.slabcur) {
		if b.slabcur.nfree > 0 {
			b.nonfullinsert(b.slabcur)
		} else {
			b.fullinsert(a.auto, b.slabcur)
		}
		b.slabcur = slab
		b.stats.reslabs++
	} else {
		b.nonfullinsert(slab)
	}
}

// dallocbinlocked free ptr into slab, caller holds b.mu. Return true if
// the slab became empty and must be returned with slabdalloc once the
// lock is dropped.
func (a *Arena) dallocbinlocked(b *bin, binind int, slab *Extent, ptr uintptr) bool {
	info := &bininfos[binind]
	slabregdalloc(slab, info, ptr)

	empty := false
	if slab.nfree == info.nregs {
		a.dissociateslab(b, slab)
		b.stats.curslabs--
		empty = true
	} else if slab.nfree == 1 && slab != b.slabcur {
		b.fullremove(a.auto, slab)
		a.lowerslab(b, slab)
	}
	b.stats.ndalloc++
	b.stats.curregs--
	return empty
}

// dallocsmall free a region without going through a tcache.
func (a *Arena) dallocsmall(slab *Extent, ptr uintptr) {
	binind := slab.szind
	b := &a.bins[binind][slab.binshard]
	b.mu.Lock()
	empty := a.dallocbinlocked(b, binind, slab, ptr)
	b.mu.Unlock()
	if empty {
		a.slabdalloc(slab)
	}
	a.decaytick(1)
}

// binreset return every slab of b to the page allocator.
func (a *Arena) binreset(b *bin) {
	b.mu.Lock()
	if slab := b.slabcur; slab != nil {
		b.slabcur = nil
		b.mu.Unlock()
		a.slabdalloc(slab)
		b.mu.Lock()
	}
	for slab := b.nonfull.removefirst(); slab != nil; slab = b.nonfull.removefirst() {
		b.mu.Unlock()
		a.slabdalloc(slab)
		b.mu.Lock()
	}
	b.stats.nonfullslabs = 0
	for slab := b.full.first(); slab != nil; slab = b.full.first() {
		b.fullremove(a.auto, slab)
		b.mu.Unlock()
		a.slabdalloc(slab)
		b.mu.Lock()
	}
	b.stats.curregs, b.stats.curslabs = 0, 0
	b.mu.Unlock()
}
