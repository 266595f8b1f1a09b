package malloc

import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"

func (shard *pashard) extentsn() uint64 {
	return atomic.AddUint64(&shard.nextsn, 1)
}

// ecachealloc take an extent of size bytes from ec. If expand is not
// nil only the extent starting at expand.past() is considered.
func (shard *pashard) ecachealloc(
	ec *ecache, expand *Extent, size, alignment int64, zero bool) *Extent {

	return shard.recycle(ec, expand, size, alignment, zero)
}

// ecacheallocgrow same as ecachealloc for the retained ecache, and
// grows the address space when nothing is cached.
func (shard *pashard) ecacheallocgrow(
	ec *ecache, expand *Extent, size, alignment int64, zero bool) *Extent {

	e := shard.allocretained(expand, size, alignment, zero)
	if e == nil {
		if shard.retain && expand != nil {
			// mapping right at the end of an extent is unlikely.
			return nil
		}
		var addr uintptr
		if expand != nil {
			addr = expand.past()
		}
		e = shard.allocwrapper(addr, size, alignment, zero)
	}
	return e
}

// ecachedalloc return e to ec.
func (shard *pashard) ecachedalloc(ec *ecache, e *Extent) {
	e.zeroed = false
	shard.record(ec, e)
}

func (shard *pashard) recycle(
	ec *ecache, expand *Extent, size, alignment int64, zero bool) *Extent {

	ec.mu.Lock()
	e := shard.recycleextract(ec, expand, size, alignment)
	if e == nil {
		ec.mu.Unlock()
		return nil
	}
	e = shard.recyclesplit(ec, expand, size, alignment, e)
	ec.mu.Unlock()
	if e == nil {
		return nil
	}

	if !e.committed {
		if shard.hooks.Commit(e.base, e.size) {
			shard.record(ec, e)
			return nil
		}
		e.committed, e.zeroed = true, true
	}
	if zero && !e.zeroed {
		shard.zero(e)
	}
	return e
}

func (shard *pashard) recycleextract(
	ec *ecache, expand *Extent, size, alignment int64) *Extent {

	var e *Extent
	if expand != nil {
		e = ec.neighbour(expand, true /*forward*/)
		if !ec.acquire(expand, e, true /*forward*/) {
			return nil
		}
		if e.size < size {
			ec.deactivate(e)
			return nil
		}
		ec.emap.setstate(e, extentActive)
		return e
	}

	lgmaxfit := uint(lgmaxfitnone)
	if ec.delaycoalesce {
		lgmaxfit = shard.lgmaxfit
	}
	if e = ec.eset.fit(size, alignment, false, lgmaxfit); e == nil {
		return nil
	}
	ec.activate(e)
	return e
}

// recyclesplit carve the requested range out of e, lead and trail go
// back to ec. Return nil if a split was declined, in which case every
// piece is back in ec.
func (shard *pashard) recyclesplit(
	ec *ecache, expand *Extent, size, alignment int64, e *Extent) *Extent {

	leadsize := int64(alignupaddr(e.base, pageceil(alignment)) - e.base)
	trailsize := e.size - leadsize - size
	if expand != nil {
		leadsize, trailsize = 0, e.size-size
	}

	if leadsize != 0 {
		lead := e
		if e = shard.split(lead, leadsize, size+trailsize); e == nil {
			ec.deactivate(lead)
			return nil
		}
		ec.deactivate(lead)
	}
	if trailsize != 0 {
		trail := shard.split(e, size, trailsize)
		if trail == nil {
			ec.deactivate(e)
			return nil
		}
		ec.deactivate(trail)
	}
	return e
}

// split e into e[0:sizea] and a new trail extent [sizea:sizea+sizeb].
// Return nil if the hooks decline.
func (shard *pashard) split(e *Extent, sizea, sizeb int64) *Extent {
	if shard.hooks.SplitWillFail() {
		return nil
	}
	trail := shard.epool.get()
	trail.init(
		e.arenaind, e.base+uintptr(sizea), sizeb, false /*slab*/, Nsizes,
		e.sn, e.getstate(), e.zeroed, e.committed, e.pai, false /*head*/)

	if shard.hooks.Split(e.base, sizea+sizeb, sizea, sizeb, e.committed) {
		shard.epool.put(trail)
		return nil
	}
	e.size = sizea
	shard.emap.splitcommit(e, trail)
	return trail
}

// merge b into a, b must immediately follow a. Return true if the
// hooks decline.
func (shard *pashard) merge(a, b *Extent) bool {
	if shard.hooks.Merge(a.base, a.size, b.base, b.size, a.committed) {
		return true
	}
	shard.emap.mergecommit(a, b)
	if b.sn < a.sn {
		a.sn = b.sn
	}
	a.zeroed = a.zeroed && b.zeroed
	shard.epool.put(b)
	return false
}

// coalesce e with free neighbours of ec, caller holds ec's lock and e
// is not part of ec.
func (shard *pashard) coalesce(ec *ecache, e *Extent) (*Extent, bool) {
	coalesced := false
	for again := true; again; {
		again = false
		next := ec.neighbour(e, true /*forward*/)
		if ec.acquire(e, next, true /*forward*/) {
			if shard.merge(e, next) {
				ec.deactivate(next)
			} else {
				again, coalesced = true, true
			}
		}
		prev := ec.neighbour(e, false /*forward*/)
		if ec.acquire(e, prev, false /*forward*/) {
			if shard.merge(prev, e) {
				ec.deactivate(prev)
			} else {
				e, again, coalesced = prev, true, true
			}
		}
	}
	return e, coalesced
}

// record insert e into ec, coalescing as ec dictates.
func (shard *pashard) record(ec *ecache, e *Extent) {
	ec.mu.Lock()
	e.szind, e.slab = Nsizes, false
	ec.emap.setstate(e, extentActive)
	if !ec.delaycoalesce {
		e, _ = shard.coalesce(ec, e)

	} else if e.size >= Largeminclass {
		// large extents are coalesced eagerly even when delayed.
		e, _ = shard.coalesce(ec, e)
		threshold := atomic.LoadInt64(&shard.oversizethreshold)
		if threshold > 0 && e.size >= threshold && shard.mayforcedecay() {
			ec.mu.Unlock()
			shard.maximallypurge(e)
			return
		}
	}
	ec.deactivate(e)
	ec.mu.Unlock()
}

// evict least recently cached extent if ec holds more than npageslimit
// pages. Delayed coalescing is done here.
func (shard *pashard) evict(ec *ecache, npageslimit int64) *Extent {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	var e *Extent
	for {
		if e = ec.eset.lru.first(); e == nil {
			return nil
		} else if ec.npages() <= npageslimit {
			return nil
		}
		ec.activate(e)
		if !ec.delaycoalesce || ec.state == extentRetained {
			break
		}
		var coalesced bool
		if e, coalesced = shard.coalesce(ec, e); !coalesced {
			break
		}
		ec.deactivate(e)
	}
	if ec.state == extentRetained {
		shard.emap.deregister(e)
	}
	return e
}

// allocretained recycle from retained, growing the address space under
// the grow lock when retain is enabled.
func (shard *pashard) allocretained(
	expand *Extent, size, alignment int64, zero bool) *Extent {

	shard.growmu.Lock()
	e := shard.recycle(shard.retained, expand, size, alignment, zero)
	if e != nil {
		shard.growmu.Unlock()
		return e
	} else if shard.retain && expand == nil {
		return shard.growretained(size, alignment, zero)
	}
	shard.growmu.Unlock()
	return nil
}

// growretained map the next size in the growth series, serve the
// request from it and cache the remainder as retained. Called with the
// grow lock held, always releases it.
func (shard *pashard) growretained(size, alignment int64, zero bool) *Extent {
	allocsizemin := size + pageceil(alignment) - Pagesize
	if allocsizemin < size {
		shard.growmu.Unlock()
		return nil
	}
	allocsize, skip, ok := shard.growprepare(allocsizemin)
	if !ok {
		shard.growmu.Unlock()
		return nil
	}
	base, zeroed, committed := shard.hooks.Map(0, allocsize, Pagesize)
	if base == 0 {
		shard.growmu.Unlock()
		return nil
	}
	e := shard.epool.get()
	e.init(
		shard.ind, base, allocsize, false /*slab*/, Nsizes, shard.extentsn(),
		extentActive, zeroed, committed, paiPAC, true /*head*/)
	if shard.emap.register(e, Nsizes, false) {
		shard.epool.put(e)
		shard.growmu.Unlock()
		return nil
	}

	leadsize := int64(alignupaddr(e.base, pageceil(alignment)) - e.base)
	trailsize := e.size - leadsize - size
	if leadsize != 0 {
		lead := e
		if e = shard.split(lead, leadsize, size+trailsize); e == nil {
			shard.record(shard.retained, lead)
			shard.growmu.Unlock()
			return nil
		}
		shard.record(shard.retained, lead)
	}
	if trailsize != 0 {
		trail := shard.split(e, size, trailsize)
		if trail == nil {
			shard.record(shard.retained, e)
			shard.growmu.Unlock()
			return nil
		}
		shard.record(shard.retained, trail)
	}
	if !e.committed {
		if shard.hooks.Commit(e.base, e.size) {
			shard.record(shard.retained, e)
			shard.growmu.Unlock()
			return nil
		}
		e.committed, e.zeroed = true, true
	}
	shard.growcommit(skip)
	shard.growmu.Unlock()

	debugf("arena %v grew retained by %v\n", shard.ind, bytestr(allocsize))
	if zero && !e.zeroed {
		shard.zero(e)
	}
	return e
}

// growprepare next size in the exponential series that can hold
// allocsizemin. Caller holds the grow lock.
func (shard *pashard) growprepare(allocsizemin int64) (int64, int, bool) {
	skip := 0
	if shard.grownext >= npsizes() {
		return 0, 0, false
	}
	allocsize := pszclasses[shard.grownext]
	for allocsize < allocsizemin {
		skip++
		if shard.grownext+skip >= npsizes() {
			return 0, 0, false
		}
		allocsize = pszclasses[shard.grownext+skip]
	}
	return allocsize, skip, true
}

func (shard *pashard) growcommit(skip int) {
	if shard.grownext+skip+1 <= shard.growlimit {
		shard.grownext += skip + 1
	} else {
		shard.grownext = shard.growlimit
	}
}

// allocwrapper map a fresh extent directly from the hooks.
func (shard *pashard) allocwrapper(
	addr uintptr, size, alignment int64, zero bool) *Extent {

	base, zeroed, committed := shard.hooks.Map(addr, size, pageceil(alignment))
	if base == 0 {
		return nil
	}
	e := shard.epool.get()
	e.init(
		shard.ind, base, size, false /*slab*/, Nsizes, shard.extentsn(),
		extentActive, zeroed, committed, paiPAC, shard.retain /*head*/)
	if shard.emap.register(e, Nsizes, false) {
		shard.hooks.Destroy(base, size, committed)
		shard.epool.put(e)
		return nil
	}
	if zero && !e.zeroed {
		shard.zero(e)
	}
	return e
}

// dallocwrapper give e back to the hooks, or cache it as retained if
// the hooks decline to unmap.
func (shard *pashard) dallocwrapper(e *Extent) {
	if !shard.hooks.UnmapWillFail() {
		shard.emap.deregister(e)
		if !shard.hooks.Unmap(e.base, e.size, e.committed) {
			shard.epool.put(e)
			return
		}
		shard.emap.register(e, Nsizes, false)
	}

	var zeroed bool
	if !e.committed {
		zeroed = true
	} else if !shard.hooks.Decommit(e.base, e.size) {
		zeroed, e.committed = true, false
	} else if !shard.hooks.PurgeForced(e.base, e.size) {
		zeroed = true
	} else if e.getstate() == extentMuzzy || !shard.hooks.PurgeLazy(e.base, e.size) {
		zeroed = false
	}
	e.zeroed = zeroed
	shard.record(shard.retained, e)
}

// destroywrapper release e unconditionally, e is not registered.
func (shard *pashard) destroywrapper(e *Extent) {
	shard.hooks.Destroy(e.base, e.size, e.committed)
	shard.epool.put(e)
}

func (shard *pashard) purgelazywrapper(e *Extent) bool {
	return shard.hooks.PurgeLazy(e.base, e.size)
}

// maximallypurge oversized extents skip the dirty ecache.
func (shard *pashard) maximallypurge(e *Extent) {
	size := e.size
	shard.dallocwrapper(e)
	shard.statsmu.Lock()
	shard.decaydirty.nmadvise++
	shard.decaydirty.purged += size >> Lgpage
	shard.statsmu.Unlock()
	atomic.AddInt64(&shard.mapped, -size)
}

func (shard *pashard) zero(e *Extent) {
	if zeroer, ok := shard.hooks.(api.Zeroer); ok {
		zeroer.Zero(e.base, e.size)
	} else {
		shard.hooks.PurgeForced(e.base, e.size)
	}
	e.zeroed = true
}
