package malloc

import "sync"

import "github.com/bnclabs/gomalloc/api"

// hpacentral registry of hugepage aligned regions shared by every HPA
// shard. Memory is mapped in multiples of a hugepage and handed out in
// hugepage sized pieces, freed pieces coalesce back with their
// neighbours unless the neighbour starts another mapping.
type hpacentral struct {
	mu       sync.Mutex
	emap     *emap
	epool    *extentpool
	hooks    api.ExtentHooks
	eset     *eset
	nextsn   uint64
	growsize int64

	nmapped int64
	nmaps   int64
}

func newhpacentral(
	hooks api.ExtentHooks, epool *extentpool, nhugepages int64) *hpacentral {

	if nhugepages < 1 {
		nhugepages = 1
	}
	return &hpacentral{
		emap:     newemap(),
		epool:    epool,
		hooks:    hooks,
		eset:     neweset(extentDirty),
		growsize: nhugepages * Hugepage,
	}
}

// alloc a hugepage aligned region of size bytes, reuse before mapping
// more memory.
func (central *hpacentral) alloc(size int64) *Extent {
	central.mu.Lock()
	defer central.mu.Unlock()

	if e := central.allocreuse(size, size); e != nil {
		return e
	}
	mapsize := central.growsize
	if mapsize < size {
		mapsize = alignup(size, Hugepage)
	}
	base, zeroed, committed := central.hooks.Map(0, mapsize, Hugepage)
	if base == 0 {
		return nil
	} else if !committed && central.hooks.Commit(base, mapsize) {
		central.hooks.Destroy(base, mapsize, false)
		return nil
	}
	e := central.epool.get().init(
		-1, base, mapsize, false, Nsizes, 0, extentActive, zeroed,
		true /*committed*/, paiHPA, true /*head*/)
	if central.allocgrow(size, e) {
		central.hooks.Destroy(base, mapsize, true)
		central.epool.put(e)
		return nil
	}
	central.nmapped += mapsize
	central.nmaps++
	return e
}

// allocreuse first fit for sizemin, the extent is trimmed to sizegoal
// and the trail stays in the registry.
func (central *hpacentral) allocreuse(sizemin, sizegoal int64) *Extent {
	if sizemin&pagemask != 0 || sizegoal&pagemask != 0 {
		panicerr("hpacentral.allocreuse(): unaligned %v %v", sizemin, sizegoal)
	}
	e := central.eset.fit(sizemin, Pagesize, false, lgmaxfitnone)
	if e == nil {
		return nil
	}
	central.eset.remove(e)
	if e.size > sizegoal {
		trail := central.split(e, sizegoal)
		if trail == nil {
			central.eset.insert(e)
			return nil
		}
		central.eset.insert(trail)
	}
	if e.getstate() != extentDirty {
		panicerr("hpacentral.allocreuse(): %v", e)
	}
	e.setstate(extentActive)
	return e
}

// allocgrow register a freshly mapped region and trim it to size. Return
// true on failure.
func (central *hpacentral) allocgrow(size int64, e *Extent) bool {
	if !e.head || e.getstate() != extentActive || e.pai != paiHPA {
		panicerr("hpacentral.allocgrow(): %v", e)
	} else if e.size < size {
		panicerr("hpacentral.allocgrow(): %v < %v", e.size, size)
	}
	if central.emap.register(e, Nsizes, false) {
		return true
	}
	sn := central.nextsn
	central.nextsn++
	e.sn = sn
	if e.size == size {
		return false
	}
	trail := central.split(e, size)
	if trail == nil {
		central.emap.deregister(e)
		return true
	}
	trail.sn = sn
	trail.setstate(extentDirty)
	central.eset.insert(trail)
	return false
}

// split e at size, return the trail or nil on failure.
func (central *hpacentral) split(e *Extent, size int64) *Extent {
	trail := central.epool.get().init(
		e.arenaind, e.base+uintptr(size), e.size-size, false, Nsizes, e.sn,
		e.getstate(), e.zeroed, e.committed, paiHPA, false /*head*/)
	e.size = size
	central.emap.splitcommit(e, trail)
	return trail
}

func (central *hpacentral) mergecandidate(addr uintptr) *Extent {
	e, _, _ := central.emap.lookup(addr)
	if e == nil || e.pai != paiHPA || e.getstate() == extentActive {
		return nil
	}
	return e
}

// dalloc return a region, merging it with free neighbours that are part
// of the same mapping.
func (central *hpacentral) dalloc(e *Extent) {
	if e.getstate() != extentActive {
		panicerr("hpacentral.dalloc(): %v", e)
	}
	central.mu.Lock()
	defer central.mu.Unlock()

	e.zeroed = false
	if !e.head && e.base >= uintptr(Pagesize) {
		if lead := central.mergecandidate(e.base - uintptr(Pagesize)); lead != nil {
			central.eset.remove(lead)
			central.merge(lead, e)
			e = lead
		}
	}
	trail := central.mergecandidate(e.past())
	if trail != nil && !trail.head {
		central.eset.remove(trail)
		central.merge(e, trail)
	}
	e.setstate(extentDirty)
	central.eset.insert(e)
}

// merge b into a, b goes back to the descriptor pool.
func (central *hpacentral) merge(a, b *Extent) {
	central.emap.mergecommit(a, b)
	b.setstate(extentActive)
	central.epool.put(b)
}

// destroy release every free region back to the hooks, regions still
// handed out are left alone.
func (central *hpacentral) destroy() {
	central.mu.Lock()
	defer central.mu.Unlock()
	for e := central.eset.lru.first(); e != nil; e = central.eset.lru.first() {
		central.eset.remove(e)
		central.emap.deregister(e)
		central.hooks.Destroy(e.base, e.size, e.committed)
		central.nmapped -= e.size
		central.epool.put(e)
	}
}

func (central *hpacentral) stats(m map[string]interface{}) {
	central.mu.Lock()
	defer central.mu.Unlock()
	m["hpa_central_mapped"] = central.nmapped
	m["hpa_central_nmaps"] = central.nmaps
	m["hpa_central_free"] = central.eset.getnpages() << Lgpage
}

func (central *hpacentral) prefork() {
	central.mu.Lock()
}

func (central *hpacentral) postfork(child bool) {
	central.mu.Unlock()
}
