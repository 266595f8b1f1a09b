package malloc

import "sync"
import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// Maxtcaches number of manual tcache slots.
const Maxtcaches = 4096

// peak tracking is refreshed every peakeventwait bytes.
const peakeventwait = int64(100 * 1024)

// Tcache caches free regions of small and large size classes up to
// tcache.lg_max, so that most allocations avoid the arena locks. A
// Tcache is owned by one goroutine at a time, it is not safe for
// concurrent use.
type Tcache struct {
	m      *Malloc
	arena  *Arena
	manual bool

	bins      []*cachebin // small bins followed by large bins
	lgfilldiv []uint
	refilled  []bool
	binshards []int
	nextgcbin int
	gcbytes   int64

	// scratch buffers for fill and flush.
	fillptrs   []uintptr
	regscratch []int64
	flushptrs  []uintptr
	flushexts  []*Extent
	dallocs    []*Extent

	// allocated minus deallocated, high watermark.
	allocated   int64
	deallocated int64
	peakwait    int64
	peakmax     int64
	peakadj     int64

	fillhtg  *lib.HistogramInt64
	flushhtg *lib.HistogramInt64
}

// newbatchhistogram histogram of fill and flush batch sizes.
func newbatchhistogram(m *Malloc) *lib.HistogramInt64 {
	return lib.NewhistorgramInt64(0, m.tconfig.nslotssmallmax, 8)
}

func newtcache(m *Malloc, manual bool) *Tcache {
	nhbins := m.tconfig.nhbins
	tc := &Tcache{
		m:          m,
		manual:     manual,
		bins:       make([]*cachebin, nhbins),
		lgfilldiv:  make([]uint, nbins),
		refilled:   make([]bool, nbins),
		binshards:  make([]int, nbins),
		fillptrs:   make([]uintptr, 0, m.tconfig.nslotssmallmax),
		regscratch: make([]int64, 0, m.tconfig.nslotssmallmax),
		peakwait:   peakeventwait,
		fillhtg:    newbatchhistogram(m),
		flushhtg:   newbatchhistogram(m),
	}
	for binind := 0; binind < nhbins; binind++ {
		tc.bins[binind] = newcachebin(m.tconfig.ncachedmax[binind])
		if binind < nbins {
			tc.lgfilldiv[binind] = 1
		}
	}
	return tc
}

// associate link tcache into arena's list and pick a bin shard per
// size class.
func (tc *Tcache) associate(arena *Arena) {
	if tc.arena != nil {
		panicerr("tcache.associate(): already associated with %v", tc.arena.ind)
	}
	tc.arena = arena
	for binind := range tc.binshards {
		tc.binshards[binind] = arena.binsharddraw(binind)
	}
	arena.tcachemu.Lock()
	arena.tcaches[tc] = struct{}{}
	arena.tcachemu.Unlock()
}

func (tc *Tcache) dissociate() {
	arena := tc.arena
	if arena == nil {
		panicerr("tcache.dissociate(): not associated")
	}
	arena.tcachemu.Lock()
	if _, ok := arena.tcaches[tc]; !ok {
		arena.tcachemu.Unlock()
		panicerr("tcache.dissociate(): not linked to arena %v", arena.ind)
	}
	delete(arena.tcaches, tc)
	tc.statsmerge(arena)
	arena.fillhtg.Merge(tc.fillhtg)
	arena.flushhtg.Merge(tc.flushhtg)
	arena.tcachemu.Unlock()
	tc.fillhtg, tc.flushhtg = newbatchhistogram(tc.m), newbatchhistogram(tc.m)
	tc.arena = nil
}

// Reassociate move the tcache to another arena, cached regions stay
// with the tcache and flush back to their owners.
func (tc *Tcache) Reassociate(arena *Arena) {
	old := tc.arena
	tc.dissociate()
	tc.associate(arena)
	if !tc.manual {
		old.nthreadsdec()
		arena.nthreadsinc()
	}
}

// Arena tcache is associated with.
func (tc *Tcache) Arena() *Arena {
	return tc.arena
}

// statsmerge fold pending request counts into arena.
func (tc *Tcache) statsmerge(arena *Arena) {
	for binind := 0; binind < nbins && binind < len(tc.bins); binind++ {
		cb := tc.bins[binind]
		b, _ := arena.binchoose(binind, tc)
		b.mu.Lock()
		b.stats.nrequests += cb.nrequests
		b.mu.Unlock()
		cb.nrequests = 0
	}
	for binind := nbins; binind < len(tc.bins); binind++ {
		cb := tc.bins[binind]
		arena.largeflushstats(binind, cb.nrequests, false)
		cb.nrequests = 0
	}
}

//---- api.Mallocer

// Alloc implement api.Mallocer{} interface.
func (tc *Tcache) Alloc(n int64) uintptr {
	return tc.m.malloc(n, false, tc, nil)
}

// Calloc implement api.Mallocer{} interface.
func (tc *Tcache) Calloc(n int64) uintptr {
	return tc.m.malloc(n, true, tc, nil)
}

// Aligned implement api.Mallocer{} interface.
func (tc *Tcache) Aligned(n, alignment int64) uintptr {
	return tc.m.palloc(n, alignment, false, tc, nil)
}

// Realloc implement api.Mallocer{} interface.
func (tc *Tcache) Realloc(ptr uintptr, n int64) uintptr {
	return tc.m.ralloc(ptr, n, tc, nil)
}

// Free implement api.Mallocer{} interface.
func (tc *Tcache) Free(ptr uintptr) {
	tc.m.dalloc(ptr, tc)
}

// Usablesize implement api.Mallocer{} interface.
func (tc *Tcache) Usablesize(ptr uintptr) int64 {
	return tc.m.Usablesize(ptr)
}

var _ api.Mallocer = (*Tcache)(nil)

//---- alloc / dalloc

func (tc *Tcache) allocsmall(binind int, zero bool) uintptr {
	cb := tc.bins[binind]
	ptr, ok := cb.allocEasy()
	if !ok {
		nfill := cb.ncachedmax >> tc.lgfilldiv[binind]
		if nfill == 0 {
			nfill = 1
		}
		tc.arena.fillsmall(tc, cb, binind, nfill)
		tc.refilled[binind] = true
		if ptr, ok = cb.allocEasy(); !ok {
			return 0
		}
	}
	regsize := bininfos[binind].regsize
	if zero {
		tc.m.zero(ptr, regsize)
	}
	cb.nrequests++
	tc.event(regsize, true)
	return ptr
}

// alloclarge cached large class, misses go straight to the arena and
// do not refill.
func (tc *Tcache) alloclarge(binind int, zero bool) uintptr {
	usize := sizeclasses[binind]
	cb := tc.bins[binind]
	ptr, ok := cb.allocEasy()
	if !ok {
		if ptr = tc.arena.malloclarge(usize, Pagesize, zero); ptr == 0 {
			return 0
		}
	} else if zero {
		tc.m.zero(ptr, usize)
	}
	cb.nrequests++
	tc.event(usize, true)
	return ptr
}

func (tc *Tcache) dallocsmall(ptr uintptr, binind int) {
	cb := tc.bins[binind]
	if !cb.dallocEasy(ptr) {
		tc.flushoverflow(cb, binind, true)
		cb.dallocEasy(ptr)
	}
	tc.event(bininfos[binind].regsize, false)
}

func (tc *Tcache) dalloclarge(ptr uintptr, binind int) {
	cb := tc.bins[binind]
	if !cb.dallocEasy(ptr) {
		tc.flushoverflow(cb, binind, false)
		cb.dallocEasy(ptr)
	}
	tc.event(sizeclasses[binind], false)
}

// flushoverflow make room in a full bin, flushing the regions cached
// beyond three quarters of the low water mark. Low water restarts from
// the new level.
func (tc *Tcache) flushoverflow(cb *cachebin, binind int, small bool) {
	ncached, lowwater := cb.ncached(), cb.getlowwater()
	nflush := ncached - lowwater + (lowwater >> 2)
	if nflush < 1 {
		nflush = 1
	} else if nflush > ncached {
		nflush = ncached
	}
	if small {
		tc.flushsmall(cb, binind, ncached-nflush)
	} else {
		tc.flushlarge(cb, binind, ncached-nflush)
	}
	cb.lowwaterreset()
}

//---- events

// event account usize bytes against the GC and peak counters.
func (tc *Tcache) event(usize int64, alloc bool) {
	if alloc {
		tc.allocated += usize
	} else {
		tc.deallocated += usize
	}
	if tc.peakwait -= usize; tc.peakwait <= 0 {
		tc.peakupdate()
		tc.peakwait = peakeventwait
	}
	if tc.gcbytes += usize; tc.gcbytes >= tc.m.tconfig.gcincrbytes {
		tc.gcbytes = 0
		tc.gcevent()
	}
}

// gcevent inspect one bin, round robin. Regions that stayed unused
// since the previous visit are flushed and the fill count adapts.
func (tc *Tcache) gcevent() {
	if len(tc.bins) == 0 {
		return
	}
	binind := tc.nextgcbin
	cb := tc.bins[binind]
	small := binind < nbins
	lowwater, ncached := cb.getlowwater(), cb.ncached()
	if lowwater > 0 {
		rem := ncached - lowwater + (lowwater >> 2)
		if small {
			tc.flushsmall(cb, binind, rem)
			if (cb.ncachedmax >> (tc.lgfilldiv[binind] + 1)) >= 1 {
				tc.lgfilldiv[binind]++
			}
		} else {
			tc.flushlarge(cb, binind, rem)
		}
	} else if small && tc.refilled[binind] {
		if tc.lgfilldiv[binind] > 1 {
			tc.lgfilldiv[binind]--
		}
	}
	if small {
		tc.refilled[binind] = false
	}
	cb.lowwaterreset()

	if tc.nextgcbin++; tc.nextgcbin == len(tc.bins) {
		tc.nextgcbin = 0
	}
}

func (tc *Tcache) peakupdate() {
	if narrowed := tc.allocated - tc.deallocated - tc.peakadj; narrowed > tc.peakmax {
		tc.peakmax = narrowed
	}
}

// Peak largest observed difference between bytes allocated and bytes
// freed through this tcache, since creation or the last Peakreset.
func (tc *Tcache) Peak() int64 {
	tc.peakupdate()
	return tc.peakmax
}

// Peakreset restart peak tracking from the current level.
func (tc *Tcache) Peakreset() {
	tc.peakmax = 0
	tc.peakadj = tc.allocated - tc.deallocated
}

//---- flush

func (tc *Tcache) filled(n int64) {
	tc.fillhtg.Add(n)
}

// flushprepare take the bottom of cb and resolve the extents of every
// flushed region.
func (tc *Tcache) flushprepare(cb *cachebin, rem int64) int64 {
	ncached := cb.ncached()
	if rem > ncached || rem < 0 {
		panicerr("tcache.flush(): rem %v ncached %v", rem, ncached)
	}
	nflush := ncached - rem
	tc.flushptrs = cb.flushprefix(nflush, tc.flushptrs[:0])
	tc.flushexts = tc.flushexts[:0]
	for _, ptr := range tc.flushptrs {
		e, _, _ := tc.m.emap.lookup(ptr)
		if e == nil {
			panicerr("tcache.flush(): no extent for %x", ptr)
		}
		tc.flushexts = append(tc.flushexts, e)
	}
	tc.flushhtg.Add(nflush)
	return nflush
}

// flushsmall return all but rem cached regions to their bins. Each pass
// locks the bin owning the first region and frees every region of that
// bin, the rest is deferred to the next pass.
func (tc *Tcache) flushsmall(cb *cachebin, binind int, rem int64) {
	nflush := tc.flushprepare(cb, rem)
	ptrs, exts := tc.flushptrs, tc.flushexts
	dallocs := tc.dallocs[:0]
	merged := false

	for nflush > 0 {
		e := exts[0]
		arena, shard := tc.m.arenaget(e.arenaind), e.binshard
		b := &arena.bins[binind][shard]

		b.mu.Lock()
		if arena == tc.arena && shard == tc.binshards[binind] && !merged {
			merged = true
			b.stats.nflushes++
			b.stats.nrequests += cb.nrequests
			cb.nrequests = 0
		}
		ndeferred := int64(0)
		for i := int64(0); i < nflush; i++ {
			ptr, e := ptrs[i], exts[i]
			if e.arenaind != arena.ind || e.binshard != shard {
				ptrs[ndeferred], exts[ndeferred] = ptr, e
				ndeferred++
				continue
			}
			if arena.dallocbinlocked(b, binind, e, ptr) {
				dallocs = append(dallocs, e)
			}
		}
		b.mu.Unlock()
		arena.decaytick(nflush - ndeferred)
		nflush = ndeferred
	}

	for i, slab := range dallocs {
		tc.m.arenaget(slab.arenaind).slabdalloc(slab)
		dallocs[i] = nil
	}
	tc.dallocs = dallocs[:0]

	if !merged {
		b, _ := tc.arena.binchoose(binind, tc)
		b.mu.Lock()
		b.stats.nflushes++
		b.stats.nrequests += cb.nrequests
		b.mu.Unlock()
		cb.nrequests = 0
	}
	tc.clearscratch()
}

// flushlarge return all but rem cached large regions to their arenas.
func (tc *Tcache) flushlarge(cb *cachebin, binind int, rem int64) {
	nflush := tc.flushprepare(cb, rem)
	ptrs, exts := tc.flushptrs, tc.flushexts
	merged := false

	for nflush > 0 {
		arena := tc.m.arenaget(exts[0].arenaind)
		if arena == tc.arena && !merged {
			merged = true
			arena.largeflushstats(binind, cb.nrequests, true)
			cb.nrequests = 0
		}
		if !arena.auto {
			arena.largemu.Lock()
		}
		for i := int64(0); i < nflush; i++ {
			if exts[i].arenaind == arena.ind {
				arena.dalloclargeprep(exts[i], true)
			}
		}
		if !arena.auto {
			arena.largemu.Unlock()
		}

		ndeferred := int64(0)
		for i := int64(0); i < nflush; i++ {
			ptr, e := ptrs[i], exts[i]
			if e.arenaind != arena.ind {
				ptrs[ndeferred], exts[ndeferred] = ptr, e
				ndeferred++
				continue
			}
			arena.dalloclargefinish(e)
		}
		arena.decaytick(nflush - ndeferred)
		nflush = ndeferred
	}

	if !merged {
		tc.arena.largeflushstats(binind, cb.nrequests, true)
		cb.nrequests = 0
	}
	tc.clearscratch()
}

func (tc *Tcache) clearscratch() {
	for i := range tc.flushexts {
		tc.flushexts[i] = nil
	}
	tc.flushptrs, tc.flushexts = tc.flushptrs[:0], tc.flushexts[:0]
}

// Flush return every cached region to its arena.
func (tc *Tcache) Flush() {
	for binind := 0; binind < nbins && binind < len(tc.bins); binind++ {
		tc.flushsmall(tc.bins[binind], binind, 0)
	}
	for binind := nbins; binind < len(tc.bins); binind++ {
		tc.flushlarge(tc.bins[binind], binind, 0)
	}
}

// nbytes bytes sitting in the cache bins.
func (tc *Tcache) nbytes() int64 {
	n := int64(0)
	for binind, cb := range tc.bins {
		n += cb.ncached() * sizeclasses[binind]
	}
	return n
}

// destroy flush everything and detach from the arena. The arena is
// decayed, fully if no thread uses it anymore and no background worker
// would do it later.
func (tc *Tcache) destroy() {
	tc.Flush()
	arena := tc.arena
	tc.dissociate()

	if a0 := tc.m.arenaget(0); a0 != nil && a0 != arena {
		a0.Decay(false, false)
	}
	if arena.Nthreads() == 0 && !tc.m.backgroundenabled() {
		arena.Decay(false, true)
	} else {
		arena.Decay(false, false)
	}
}

// Close release a tcache obtained from Malloc.Tcache. It must not be
// used afterwards.
func (tc *Tcache) Close() {
	if tc.manual {
		panicerr("tcache.Close(): manual tcaches are released by TcacheDestroy")
	}
	arena := tc.arena
	arena.nthreadsdec()
	tc.destroy()
}

// Stats tcache counters, fill and flush batch sizes.
func (tc *Tcache) Stats() map[string]interface{} {
	return map[string]interface{}{
		"arena":        tc.arena.ind,
		"tcache.bytes": tc.nbytes(),
		"allocated":    tc.allocated,
		"deallocated":  tc.deallocated,
		"peak":         tc.Peak(),
		"fills":        tc.fillhtg.Fullstats(),
		"flushes":      tc.flushhtg.Fullstats(),
	}
}

//---- manual tcaches registry

// tcacheneedreinit marks a flushed slot, the tcache is recreated on
// next use.
var tcacheneedreinit = &Tcache{}

// tcacheregistry slots for manual tcaches, freed slots are reused
// before new ones are handed out.
type tcacheregistry struct {
	mu    sync.Mutex
	slots []*Tcache
	avail []int
	past  int
	n     int64 // atomic, live slots
}

func newtcacheregistry() *tcacheregistry {
	return &tcacheregistry{slots: make([]*Tcache, Maxtcaches)}
}

func (reg *tcacheregistry) create(m *Malloc) (int, error) {
	reg.mu.Lock()
	if len(reg.avail) == 0 && reg.past >= Maxtcaches {
		reg.mu.Unlock()
		return -1, api.ErrorTcacheLimit
	}
	reg.mu.Unlock()

	tc := newtcache(m, true /*manual*/)
	tc.associate(m.arenaichoose())

	reg.mu.Lock()
	defer reg.mu.Unlock()
	var ind int
	if n := len(reg.avail); n > 0 {
		ind, reg.avail = reg.avail[n-1], reg.avail[:n-1]
	} else if reg.past < Maxtcaches {
		ind = reg.past
		reg.past++
	} else {
		tc.dissociate()
		return -1, api.ErrorTcacheLimit
	}
	reg.slots[ind] = tc
	atomic.AddInt64(&reg.n, 1)
	return ind, nil
}

func (reg *tcacheregistry) get(m *Malloc, ind int) (*Tcache, error) {
	if ind < 0 || ind >= Maxtcaches {
		return nil, api.ErrorInvalidTcache
	}
	reg.mu.Lock()
	tc := reg.slots[ind]
	reg.mu.Unlock()
	if tc == nil {
		return nil, api.ErrorInvalidTcache
	} else if tc != tcacheneedreinit {
		return tc, nil
	}

	tc = newtcache(m, true /*manual*/)
	tc.associate(m.arenaichoose())
	reg.mu.Lock()
	if reg.slots[ind] != tcacheneedreinit {
		reg.mu.Unlock()
		tc.dissociate()
		return nil, api.ErrorInvalidTcache
	}
	reg.slots[ind] = tc
	reg.mu.Unlock()
	return tc, nil
}

// remove detach the tcache in slot ind, with reinit the slot stays
// reserved for a later get.
func (reg *tcacheregistry) remove(ind int, reinit bool) *Tcache {
	tc := reg.slots[ind]
	if tc == nil {
		return nil
	}
	if reinit {
		reg.slots[ind] = tcacheneedreinit
	} else {
		reg.slots[ind] = nil
	}
	if tc == tcacheneedreinit {
		return nil
	}
	return tc
}

func (reg *tcacheregistry) flush(ind int) error {
	if ind < 0 || ind >= Maxtcaches {
		return api.ErrorInvalidTcache
	}
	reg.mu.Lock()
	if reg.slots[ind] == nil {
		reg.mu.Unlock()
		return api.ErrorInvalidTcache
	}
	tc := reg.remove(ind, true)
	reg.mu.Unlock()
	if tc != nil {
		tc.destroy()
	}
	return nil
}

func (reg *tcacheregistry) destroy(ind int) error {
	if ind < 0 || ind >= Maxtcaches {
		return api.ErrorInvalidTcache
	}
	reg.mu.Lock()
	if reg.slots[ind] == nil {
		reg.mu.Unlock()
		return api.ErrorInvalidTcache
	}
	tc := reg.remove(ind, false)
	reg.avail = append(reg.avail, ind)
	atomic.AddInt64(&reg.n, -1)
	reg.mu.Unlock()
	if tc != nil {
		tc.destroy()
	}
	return nil
}

func (reg *tcacheregistry) count() int64 {
	return atomic.LoadInt64(&reg.n)
}

func (reg *tcacheregistry) prefork() {
	reg.mu.Lock()
}

func (reg *tcacheregistry) postfork(child bool) {
	reg.mu.Unlock()
}
