package malloc

import "sync/atomic"

// lgmaxfitnone disables the fragmentation guard in eset.fit.
const lgmaxfitnone = 64

type esetbin struct {
	heap     *extentheap
	nextents int64
	nbytes   int64
}

// eset free extents of one state, bucketed by page size class. Each
// bucket is a heap ordered by (serial number, address); an LRU list
// orders extents by insertion for eviction.
type eset struct {
	state    extentState
	bins     []esetbin
	nonempty fb
	lru      extentlist
	npages   int64 // atomic, read without the ecache lock
}

func neweset(state extentState) *eset {
	n := npsizes()
	es := &eset{state: state, bins: make([]esetbin, n), nonempty: newfb(int64(n))}
	for i := range es.bins {
		es.bins[i].heap = newextentheap(snadless)
	}
	return es
}

func (es *eset) getnpages() int64 {
	return atomic.LoadInt64(&es.npages)
}

func (es *eset) nextents(pind int) int64 {
	return es.bins[pind].nextents
}

func (es *eset) nbytes(pind int) int64 {
	return es.bins[pind].nbytes
}

func (es *eset) insert(e *Extent) {
	pind := pszfloor(e.size)
	bin := &es.bins[pind]
	if bin.heap.empty() {
		es.nonempty.set(int64(pind))
	}
	bin.heap.insert(e)
	bin.nextents++
	bin.nbytes += e.size
	es.lru.append(e)
	atomic.AddInt64(&es.npages, e.npages())
}

func (es *eset) remove(e *Extent) {
	pind := pszfloor(e.size)
	bin := &es.bins[pind]
	bin.heap.remove(e)
	if bin.heap.empty() {
		es.nonempty.unset(int64(pind))
	}
	bin.nextents--
	bin.nbytes -= e.size
	es.lru.remove(e)
	atomic.AddInt64(&es.npages, -e.npages())
}

// fit find an extent that can serve size bytes at given alignment.
// exactonly restricts the search to the bucket for size, lgmaxfit
// refuses extents larger than size << lgmaxfit.
func (es *eset) fit(size, alignment int64, exactonly bool, lgmaxfit uint) *Extent {
	maxsize := size + pageceil(alignment) - Pagesize
	if maxsize < size || maxsize > Largemaxclass {
		return nil
	}
	e := es.firstfit(maxsize, exactonly, lgmaxfit)
	if e == nil && alignment > Pagesize {
		e = es.fitalignment(size, maxsize, alignment)
	}
	return e
}

// firstfit oldest, lowest addressed extent among the qualifying
// buckets. Not best fit, this bounds fragmentation over time.
func (es *eset) firstfit(size int64, exactonly bool, lgmaxfit uint) *Extent {
	n := int64(len(es.bins))
	pind := int64(pszceil(size))
	if pind >= n {
		return nil
	}
	if exactonly {
		return es.bins[pind].heap.first()
	}
	var ret *Extent
	for i := es.nonempty.ffs(n, pind); i < n; i = es.nonempty.ffs(n, i+1) {
		if lgmaxfit < lgmaxfitnone && (pszclasses[i]>>lgmaxfit) > size {
			break
		}
		if e := es.bins[i].heap.first(); ret == nil || snadless(e, ret) {
			ret = e
		}
	}
	return ret
}

// fitalignment search buckets that may hold an extent with a suitably
// aligned sub-range, when alignment is larger than a page.
func (es *eset) fitalignment(minsize, maxsize, alignment int64) *Extent {
	n := int64(len(es.bins))
	pindmin, pindmax := int64(pszceil(minsize)), int64(pszceil(maxsize))
	for i := es.nonempty.ffs(n, pindmin); i < pindmax && i < n; i = es.nonempty.ffs(n, i+1) {
		e := es.bins[i].heap.first()
		base := e.base
		nextalign := alignupaddr(base, alignment)
		if base > nextalign || nextalign+uintptr(minsize) > e.past() {
			continue
		}
		leadsize := int64(nextalign - base)
		if e.size-leadsize >= minsize {
			return e
		}
	}
	return nil
}
