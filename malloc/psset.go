package malloc

import "container/heap"

// hpdataheap hugepage datasets ordered by age, oldest first.
type hpdataheap []*hpdata

func (h hpdataheap) Len() int           { return len(h) }
func (h hpdataheap) Less(i, j int) bool { return h[i].age < h[j].age }

func (h hpdataheap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapidx, h[j].heapidx = i, j
}

func (h *hpdataheap) Push(x interface{}) {
	ps := x.(*hpdata)
	ps.heapidx = len(*h)
	*h = append(*h, ps)
}

func (h *hpdataheap) Pop() interface{} {
	old := *h
	ps := old[len(old)-1]
	old[len(old)-1] = nil
	*h, ps.heapidx = old[:len(old)-1], -1
	return ps
}

type pssetstats struct {
	npageslabs int64
	nactive    int64
	ndirty     int64
	nhuge      int64
}

// psset set of hugepage datasets owned by a HPA shard. Datasets that
// can serve allocations are bucketed by the page size class of their
// longest free range, each bucket ordered by age. Purge and hugify
// candidates are kept separately. Caller serializes access.
type psset struct {
	alloc    []hpdataheap
	nonempty fb
	empty    hpdataheap
	purge    map[*hpdata]struct{}
	hugify   map[*hpdata]struct{}
	members  map[*hpdata]struct{}
	stats    pssetstats
}

func newpsset() *psset {
	n := pszceil(Hugepage) + 1
	return &psset{
		alloc:    make([]hpdataheap, n),
		nonempty: newfb(int64(n)),
		purge:    make(map[*hpdata]struct{}),
		hugify:   make(map[*hpdata]struct{}),
		members:  make(map[*hpdata]struct{}),
	}
}

func (set *psset) statsadd(ps *hpdata, sign int64) {
	set.stats.npageslabs += sign
	set.stats.nactive += sign * ps.nactive
	set.stats.ndirty += sign * ps.ndirty()
	if ps.huge {
		set.stats.nhuge += sign
	}
}

func (set *psset) containersinsert(ps *hpdata) {
	if ps.allocallowed && ps.longestfree > 0 {
		if ps.empty() {
			heap.Push(&set.empty, ps)
			ps.pind = -1
		} else {
			pind := pszfloor(ps.longestfree << Lgpage)
			if len(set.alloc[pind]) == 0 {
				set.nonempty.set(int64(pind))
			}
			heap.Push(&set.alloc[pind], ps)
			ps.pind = pind
		}
	}
	if ps.purgeallowed && ps.ndirty() > 0 {
		set.purge[ps] = struct{}{}
	}
	if ps.hugifyallowed && !ps.huge {
		set.hugify[ps] = struct{}{}
	}
}

func (set *psset) containersremove(ps *hpdata) {
	if ps.heapidx >= 0 {
		if ps.pind < 0 {
			heap.Remove(&set.empty, ps.heapidx)
		} else {
			heap.Remove(&set.alloc[ps.pind], ps.heapidx)
			if len(set.alloc[ps.pind]) == 0 {
				set.nonempty.unset(int64(ps.pind))
			}
		}
		ps.pind = -1
	}
	delete(set.purge, ps)
	delete(set.hugify, ps)
}

func (set *psset) insert(ps *hpdata) {
	if ps.inpsset {
		panicerr("psset.insert(): %v already inserted", ps)
	}
	ps.inpsset = true
	set.members[ps] = struct{}{}
	set.statsadd(ps, 1)
	set.containersinsert(ps)
}

func (set *psset) remove(ps *hpdata) {
	if !ps.inpsset {
		panicerr("psset.remove(): %v not inserted", ps)
	}
	set.containersremove(ps)
	set.statsadd(ps, -1)
	delete(set.members, ps)
	ps.inpsset = false
}

// updatebegin take ps out of every container, the owner may mutate it
// until updateend.
func (set *psset) updatebegin(ps *hpdata) {
	if !ps.inpsset || ps.updating {
		panicerr("psset.updatebegin(): %v", ps)
	}
	set.containersremove(ps)
	set.statsadd(ps, -1)
	ps.updating = true
}

func (set *psset) updateend(ps *hpdata) {
	if !ps.inpsset || !ps.updating {
		panicerr("psset.updateend(): %v", ps)
	}
	ps.updating = false
	set.statsadd(ps, 1)
	set.containersinsert(ps)
}

// pickalloc oldest dataset in the smallest bucket that can serve size,
// empty datasets are used last.
func (set *psset) pickalloc(size int64) *hpdata {
	n := int64(len(set.alloc))
	pind := int64(pszceil(size))
	if i := set.nonempty.ffs(n, pind); i < n {
		return set.alloc[i][0]
	}
	if len(set.empty) > 0 {
		return set.empty[0]
	}
	return nil
}

// pickpurge dataset with the most dirty pages, oldest on ties.
func (set *psset) pickpurge() *hpdata {
	var pick *hpdata
	for ps := range set.purge {
		if pick == nil || ps.ndirty() > pick.ndirty() {
			pick = ps
		} else if ps.ndirty() == pick.ndirty() && ps.age < pick.age {
			pick = ps
		}
	}
	return pick
}

// pickhugify oldest hugify candidate.
func (set *psset) pickhugify() *hpdata {
	var pick *hpdata
	for ps := range set.hugify {
		if pick == nil || ps.age < pick.age {
			pick = ps
		}
	}
	return pick
}

func (set *psset) npageslabs() int64 {
	return set.stats.npageslabs
}

func (set *psset) nactive() int64 {
	return set.stats.nactive
}

func (set *psset) ndirty() int64 {
	return set.stats.ndirty
}
