package malloc

import "sync"

// ecache free extents of one state, owned by a page allocator shard.
type ecache struct {
	mu            sync.Mutex
	eset          *eset
	emap          *emap
	state         extentState
	arenaind      int
	delaycoalesce bool
}

func newecache(
	em *emap, state extentState, arenaind int, delaycoalesce bool) *ecache {

	return &ecache{
		eset: neweset(state), emap: em, state: state, arenaind: arenaind,
		delaycoalesce: delaycoalesce,
	}
}

// npages cached in this ecache, read without lock.
func (ec *ecache) npages() int64 {
	return ec.eset.getnpages()
}

// deactivate insert e, caller holds the lock.
func (ec *ecache) deactivate(e *Extent) {
	ec.emap.setstate(e, ec.state)
	ec.eset.insert(e)
}

// activate remove e, caller holds the lock.
func (ec *ecache) activate(e *Extent) {
	ec.eset.remove(e)
	ec.emap.setstate(e, extentActive)
}

// acquire neighbour for merging, caller holds the lock. The neighbour
// comes from emap.neighbour, so it is part of this ecache, it must also
// be adjacent to e and agree on commit state.
func (ec *ecache) acquire(e, neighbour *Extent, forward bool) bool {
	if neighbour == nil || neighbour.committed != e.committed {
		return false
	} else if forward && neighbour.base != e.past() {
		return false
	} else if !forward && neighbour.past() != e.base {
		return false
	}
	ec.eset.remove(neighbour)
	ec.emap.setstate(neighbour, extentMerging)
	return true
}

// neighbour of e cached in this ecache, caller holds the lock.
func (ec *ecache) neighbour(e *Extent, forward bool) *Extent {
	return ec.emap.neighbour(e, forward, ec.arenaind, ec.state)
}

// foreach visit extents in lru order, caller holds the lock.
func (ec *ecache) foreach(fn func(e *Extent) bool) {
	for e := ec.eset.lru.first(); e != nil; e = e.next {
		if !fn(e) {
			return
		}
	}
}

func (ec *ecache) prefork() {
	ec.mu.Lock()
}

func (ec *ecache) postforkparent() {
	ec.mu.Unlock()
}

func (ec *ecache) postforkchild() {
	ec.mu.Unlock()
}
