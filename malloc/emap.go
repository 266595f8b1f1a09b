package malloc

import "sync"

const emapshards = 64

// emapentry is published under the shard lock. Arena, state and page
// allocator are copied from the extent so that neighbours owned by
// other arenas or collections can be rejected without touching them.
type emapentry struct {
	e        *Extent
	szind    int
	slab     bool
	arenaind int
	state    extentState
	pai      paikind
}

func newemapentry(e *Extent, szind int, slab bool) emapentry {
	return emapentry{
		e: e, szind: szind, slab: slab,
		arenaind: e.arenaind, state: e.getstate(), pai: e.pai,
	}
}

type emapshard struct {
	mu    sync.RWMutex
	pages map[uintptr]emapentry
}

// emap maps page addresses to extents. Boundary pages (first and last)
// of every registered extent are indexed, slabs additionally index
// their interior pages so that any region address resolves to its slab.
type emap struct {
	shards [emapshards]emapshard
}

func newemap() *emap {
	em := &emap{}
	for i := range em.shards {
		em.shards[i].pages = make(map[uintptr]emapentry)
	}
	return em
}

func (em *emap) shard(page uintptr) *emapshard {
	return &em.shards[(page>>Lgpage)%emapshards]
}

func (em *emap) write(page uintptr, entry emapentry) {
	shard := em.shard(page)
	shard.mu.Lock()
	shard.pages[page] = entry
	shard.mu.Unlock()
}

func (em *emap) clear(page uintptr, e *Extent) {
	shard := em.shard(page)
	shard.mu.Lock()
	if entry, ok := shard.pages[page]; ok && entry.e == e {
		delete(shard.pages, page)
	}
	shard.mu.Unlock()
}

func (em *emap) read(page uintptr) (emapentry, bool) {
	shard := em.shard(page)
	shard.mu.RLock()
	entry, ok := shard.pages[page]
	shard.mu.RUnlock()
	return entry, ok
}

// register boundary pages, fails if either page is already mapped to
// another extent.
func (em *emap) register(e *Extent, szind int, slab bool) bool {
	for _, page := range []uintptr{e.base, e.last()} {
		if entry, ok := em.read(page); ok && entry.e != e {
			return true
		}
	}
	entry := newemapentry(e, szind, slab)
	em.write(e.base, entry)
	em.write(e.last(), entry)
	return false
}

func (em *emap) deregister(e *Extent) {
	em.clear(e.base, e)
	em.clear(e.last(), e)
}

// registerinterior map every page between the boundaries, slabs only.
func (em *emap) registerinterior(e *Extent, szind int) {
	entry := newemapentry(e, szind, true)
	for page := e.base + uintptr(Pagesize); page < e.last(); page += uintptr(Pagesize) {
		em.write(page, entry)
	}
}

func (em *emap) deregisterinterior(e *Extent) {
	for page := e.base + uintptr(Pagesize); page < e.last(); page += uintptr(Pagesize) {
		em.clear(page, e)
	}
}

// remap update size class and slab flag on boundary pages.
func (em *emap) remap(e *Extent, szind int, slab bool) {
	entry := newemapentry(e, szind, slab)
	em.write(e.base, entry)
	em.write(e.last(), entry)
}

// setstate move e to state and publish it on the boundary pages. The
// caller holds the lock of the collection e enters or leaves.
func (em *emap) setstate(e *Extent, state extentState) {
	e.setstate(state)
	em.updatestate(e.base, e, state)
	if last := e.last(); last != e.base {
		em.updatestate(last, e, state)
	}
}

func (em *emap) updatestate(page uintptr, e *Extent, state extentState) {
	shard := em.shard(page)
	shard.mu.Lock()
	if entry, ok := shard.pages[page]; ok && entry.e == e {
		entry.state = state
		shard.pages[page] = entry
	}
	shard.mu.Unlock()
}

// splitcommit publish lead and trail after lead was shrunk in place.
func (em *emap) splitcommit(lead, trail *Extent) {
	leadentry := newemapentry(lead, lead.szind, false)
	trailentry := newemapentry(trail, trail.szind, false)
	em.write(lead.base, leadentry)
	em.write(lead.last(), leadentry)
	em.write(trail.base, trailentry)
	em.write(trail.last(), trailentry)
}

// mergecommit publish a after b was absorbed into it. Pages that became
// interior are dropped.
func (em *emap) mergecommit(a, b *Extent) {
	if a.last() != a.base {
		em.clear(a.last(), a)
	}
	if b.last() != b.base {
		em.clear(b.base, b)
	}
	a.size += b.size
	entry := newemapentry(a, a.szind, false)
	em.write(a.base, entry)
	em.write(a.last(), entry)
}

// lookup extent owning addr, addr may point anywhere inside a slab or
// at the base of a non slab extent.
func (em *emap) lookup(addr uintptr) (e *Extent, szind int, slab bool) {
	page := addr &^ uintptr(pagemask)
	if entry, ok := em.read(page); ok {
		return entry.e, entry.szind, entry.slab
	}
	return nil, 0, false
}

// neighbour adjacent to e that is cached in the collection of arenaind
// holding state, nil if none. Only the published entry is inspected, the
// extent itself is stable once the caller holds that collection's lock.
func (em *emap) neighbour(
	e *Extent, forward bool, arenaind int, state extentState) *Extent {

	var page uintptr
	if forward {
		page = e.past()
	} else {
		if e.base < uintptr(Pagesize) {
			return nil
		}
		page = e.base - uintptr(Pagesize)
	}
	entry, ok := em.read(page)
	if !ok || entry.slab || entry.arenaind != arenaind {
		return nil
	} else if entry.state != state || entry.pai != e.pai {
		return nil
	}
	return entry.e
}

// count number of indexed pages, used by tests.
func (em *emap) count() (n int) {
	for i := range em.shards {
		em.shards[i].mu.RLock()
		n += len(em.shards[i].pages)
		em.shards[i].mu.RUnlock()
	}
	return n
}
