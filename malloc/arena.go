package malloc

import "sync"
import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// largestats counters for one large size class.
type largestats struct {
	nmalloc   int64
	ndalloc   int64
	nrequests int64
	nflushes  int64
}

// Arena owns a page allocator shard, a set of bins for small size
// classes and the large extents it handed out. Automatic arenas are
// shared by tcaches, manual arenas are created with Malloc.ArenaCreate
// and additionally track every live extent so that they can be reset.
type Arena struct {
	ind      int
	m        *Malloc
	auto     bool
	nthreads int64 // atomic
	nticks   int64 // atomic, operations since the last decay tick

	pa           *pashard
	bins         [][]bin // [binind][binshard]
	binshardnext []uint32

	largemu sync.Mutex
	large   extentlist

	tcachemu sync.Mutex
	tcaches  map[*Tcache]struct{}
	fillhtg  *lib.HistogramInt64 // merged from dissociated tcaches
	flushhtg *lib.HistogramInt64

	statsmu sync.Mutex
	lstats  []largestats
}

func newarena(m *Malloc, ind int, auto bool) *Arena {
	a := &Arena{
		ind:          ind,
		m:            m,
		auto:         auto,
		bins:         make([][]bin, nbins),
		binshardnext: make([]uint32, nbins),
		tcaches:      make(map[*Tcache]struct{}),
		lstats:       make([]largestats, Nsizes-nbins),
		fillhtg:      newbatchhistogram(m),
		flushhtg:     newbatchhistogram(m),
	}
	config := m.paconfig()
	a.pa = newpashard(ind, m.emap, m.hooks, m.epool, m.clock, config)
	if m.hpacentral != nil {
		a.pa.hpa = newhpashard(ind, m.hpacentral, m.emap, m.epool, m.hooks, m.hpaconfig)
	}
	nshards := int(m.setts.Int64("bin.shards"))
	if nshards < 1 {
		nshards = 1
	}
	for binind := range a.bins {
		a.bins[binind] = make([]bin, nshards)
		for shard := range a.bins[binind] {
			a.bins[binind][shard].init()
		}
	}
	return a
}

// Ind arena index.
func (a *Arena) Ind() int {
	return a.ind
}

// Nthreads number of tcaches bound to the arena.
func (a *Arena) Nthreads() int64 {
	return atomic.LoadInt64(&a.nthreads)
}

func (a *Arena) nthreadsinc() {
	atomic.AddInt64(&a.nthreads, 1)
}

func (a *Arena) nthreadsdec() {
	if atomic.AddInt64(&a.nthreads, -1) < 0 {
		panicerr("arena %v: negative nthreads", a.ind)
	}
}

// binsharddraw next shard for binind, round robin.
func (a *Arena) binsharddraw(binind int) int {
	n := uint32(len(a.bins[binind]))
	return int((atomic.AddUint32(&a.binshardnext[binind], 1) - 1) % n)
}

//---- api.Mallocer, allocations bypass tcaches.

// Alloc implement api.Mallocer{} interface.
func (a *Arena) Alloc(n int64) uintptr {
	return a.m.malloc(n, false, nil, a)
}

// Calloc implement api.Mallocer{} interface.
func (a *Arena) Calloc(n int64) uintptr {
	return a.m.malloc(n, true, nil, a)
}

// Aligned implement api.Mallocer{} interface.
func (a *Arena) Aligned(n, alignment int64) uintptr {
	return a.m.palloc(n, alignment, false, nil, a)
}

// Realloc implement api.Mallocer{} interface.
func (a *Arena) Realloc(ptr uintptr, n int64) uintptr {
	return a.m.ralloc(ptr, n, nil, a)
}

// Free implement api.Mallocer{} interface.
func (a *Arena) Free(ptr uintptr) {
	a.m.dalloc(ptr, nil)
}

// Usablesize implement api.Mallocer{} interface.
func (a *Arena) Usablesize(ptr uintptr) int64 {
	return a.m.Usablesize(ptr)
}

var _ api.Mallocer = (*Arena)(nil)

//---- large

func (a *Arena) malloclarge(usize, alignment int64, zero bool) uintptr {
	szind := Sizeindex(usize)
	e, deferred := a.pa.alloc(usize, alignment, false, szind, zero)
	if deferred {
		a.handledeferred()
	}
	if e == nil {
		return 0
	}
	if !a.auto {
		a.largemu.Lock()
		a.large.append(e)
		a.largemu.Unlock()
	}
	a.statsmu.Lock()
	a.lstats[szind-nbins].nmalloc++
	a.lstats[szind-nbins].nrequests++
	a.statsmu.Unlock()
	a.decaytick(1)
	return e.base
}

// dalloclargeprep unlink e and account the free, locked is true if the
// caller holds largemu.
func (a *Arena) dalloclargeprep(e *Extent, locked bool) {
	if !a.auto {
		if !locked {
			a.largemu.Lock()
		}
		a.large.remove(e)
		if !locked {
			a.largemu.Unlock()
		}
	}
	a.statsmu.Lock()
	a.lstats[e.szind-nbins].ndalloc++
	a.statsmu.Unlock()
}

func (a *Arena) dalloclargefinish(e *Extent) {
	if a.pa.dalloc(e) {
		a.handlenewdirty()
	}
}

func (a *Arena) dalloclarge(e *Extent) {
	a.dalloclargeprep(e, false)
	a.dalloclargefinish(e)
	a.decaytick(1)
}

// largeflushstats account a tcache flush of large class binind.
func (a *Arena) largeflushstats(binind int, nrequests int64, flush bool) {
	a.statsmu.Lock()
	a.lstats[binind-nbins].nrequests += nrequests
	if flush {
		a.lstats[binind-nbins].nflushes++
	}
	a.statsmu.Unlock()
}

// rallocstats a resize in place is a free of the old class and an
// allocation of the new one.
func (a *Arena) rallocstats(oldind, newind int) {
	a.statsmu.Lock()
	a.lstats[oldind-nbins].ndalloc++
	a.lstats[newind-nbins].nmalloc++
	a.lstats[newind-nbins].nrequests++
	a.statsmu.Unlock()
}

// largeexpand return true on failure.
func (a *Arena) largeexpand(e *Extent, usize int64, zero bool) bool {
	oldsize, oldind := e.size, e.szind
	szind := Sizeindex(usize)
	if a.pa.expand(e, oldsize, usize, szind, zero) {
		return true
	}
	a.rallocstats(oldind, szind)
	return false
}

// largeshrink return true on failure.
func (a *Arena) largeshrink(e *Extent, usize int64) bool {
	oldsize, oldind := e.size, e.szind
	szind := Sizeindex(usize)
	failed, deferred := a.pa.shrink(e, oldsize, usize, szind)
	if failed {
		return true
	}
	if deferred {
		a.handlenewdirty()
	}
	a.rallocstats(oldind, szind)
	return false
}

// rallocnomovelarge resize a large extent in place to a usable size in
// [usizemin, usizemax]. Return true on failure.
func (a *Arena) rallocnomovelarge(e *Extent, usizemin, usizemax int64, zero bool) bool {
	oldusize := e.size
	if usizemax > oldusize {
		if !a.largeexpand(e, usizemax, zero) {
			return false
		}
		if usizemin < usizemax && usizemin > oldusize {
			if !a.largeexpand(e, usizemin, zero) {
				return false
			}
		}
	}
	if oldusize >= usizemin && oldusize <= usizemax {
		return false
	}
	if usizemax < oldusize {
		if !a.largeshrink(e, usizemax) {
			return false
		}
	}
	return true
}

//---- decay

// decaytick count n operations, every decay.ticks operations the arena
// runs a foreground decay.
func (a *Arena) decaytick(n int64) {
	if n <= 0 {
		return
	}
	nticks := a.m.decayticks
	if nticks <= 0 {
		return
	}
	if atomic.AddInt64(&a.nticks, n) >= nticks {
		atomic.StoreInt64(&a.nticks, 0)
		a.Decay(false, false)
	}
}

// decayimpl return true if the decay lock was busy.
func (a *Arena) decayimpl(state extentState, background, all bool) bool {
	d, ec := a.pa.decayfor(state)
	if all {
		d.mu.Lock()
		a.pa.decayall(d, ec, true /*fully*/)
		d.mu.Unlock()
		return false
	}

	if !d.mu.TryLock() {
		return true
	}
	mode := purgeOnEpochAdvance
	if background {
		mode = purgeAlways
	} else if a.m.backgroundenabled() {
		mode = purgeNever
	}
	advanced := a.pa.maybedecaypurge(d, ec, mode)
	npagesnew := int64(0)
	if advanced {
		npagesnew = d.epochnpagesdelta()
	}
	d.mu.Unlock()

	if s := a.m.getscheduler(); s != nil && advanced && !background {
		s.IntervalCheck(a.ind, npagesnew)
	}
	return false
}

// Decay run a decay pass over dirty then muzzy pages. A background
// worker passes background as true and always purges down to the
// current limit, all purges everything and releases it to the hooks.
// A foreground pass gives up quietly if another thread is decaying.
func (a *Arena) Decay(background, all bool) {
	if a.pa.hpa != nil && (background || all) {
		a.pa.hpa.deferredwork()
	}
	if a.decayimpl(extentDirty, background, all) {
		return
	}
	if a.pa.nmuzzy() == 0 && a.pa.decaymsget(extentMuzzy) <= 0 {
		return
	}
	a.decayimpl(extentMuzzy, background, all)
}

// handlenewdirty called after pages went to dirty, with dirty decay
// disabled they are purged right away.
func (a *Arena) handlenewdirty() {
	if a.pa.decaymsget(extentDirty) == 0 {
		a.decayimpl(extentDirty, false, true)
	}
}

// handledeferred hugepage work is pending, nudge the scheduler. With no
// scheduler the work is done by the next background or full decay.
func (a *Arena) handledeferred() {
	if s := a.m.getscheduler(); s != nil {
		s.IntervalCheck(a.ind, 0)
	}
}

// Nsuntilpurge nanoseconds until the next purge is due, for
// background workers.
func (a *Arena) Nsuntilpurge() int64 {
	ns := a.pa.nsuntilpurge(extentDirty, 0)
	if a.pa.mayhavemuzzy() {
		if nsm := a.pa.nsuntilpurge(extentMuzzy, 0); nsm < ns {
			ns = nsm
		}
	}
	if a.pa.hpa != nil && a.pa.hpa.haswork() {
		ns = 0
	}
	return ns
}

// DirtyDecayms decay time for dirty pages.
func (a *Arena) DirtyDecayms() int64 {
	return a.pa.decaymsget(extentDirty)
}

// SetDirtyDecayms update decay time for dirty pages, -1 disables
// purging and 0 purges immediately.
func (a *Arena) SetDirtyDecayms(decayms int64) error {
	return a.pa.decaymsset(extentDirty, decayms, a.decaysetmode())
}

// MuzzyDecayms decay time for muzzy pages.
func (a *Arena) MuzzyDecayms() int64 {
	return a.pa.decaymsget(extentMuzzy)
}

// SetMuzzyDecayms update decay time for muzzy pages.
func (a *Arena) SetMuzzyDecayms(decayms int64) error {
	return a.pa.decaymsset(extentMuzzy, decayms, a.decaysetmode())
}

func (a *Arena) decaysetmode() purgemode {
	if a.m.backgroundenabled() {
		return purgeNever
	}
	return purgeOnEpochAdvance
}

// RetainGrowLimit largest size retained growth may map at once.
func (a *Arena) RetainGrowLimit() int64 {
	return a.pa.retaingrowlimit()
}

// SetRetainGrowLimit cap retained growth, limit smaller than a page is
// rejected.
func (a *Arena) SetRetainGrowLimit(limit int64) error {
	if !a.pa.setretaingrowlimit(limit) {
		return api.ErrorInvalidSize
	}
	return nil
}

//---- lifecycle

// reset free every allocation of a manual arena, outstanding pointers
// become invalid.
func (a *Arena) reset() {
	a.largemu.Lock()
	for e := a.large.first(); e != nil; e = a.large.first() {
		a.dalloclargeprep(e, true /*locked*/)
		a.largemu.Unlock()
		a.dalloclargefinish(e)
		a.decaytick(1)
		a.largemu.Lock()
	}
	a.largemu.Unlock()

	for binind := range a.bins {
		for shard := range a.bins[binind] {
			a.binreset(&a.bins[binind][shard])
		}
	}
	a.pa.reset()
}

// destroy release retained memory back to the hooks, caller decayed
// dirty and muzzy pages already.
func (a *Arena) destroy() {
	if n := a.Nthreads(); n != 0 {
		panicerr("arena %v: destroy with %v threads", a.ind, n)
	} else if n := a.pa.ndirty(); n != 0 {
		panicerr("arena %v: destroy with %v dirty pages", a.ind, n)
	} else if n := a.pa.nmuzzy(); n != 0 {
		panicerr("arena %v: destroy with %v muzzy pages", a.ind, n)
	}
	a.pa.destroy()
}

// Stats return arena counters, page allocator, bins and large classes.
func (a *Arena) Stats() map[string]interface{} {
	m := map[string]interface{}{
		"ind":      a.ind,
		"auto":     a.auto,
		"nthreads": a.Nthreads(),
	}
	a.pa.stats(m)

	allbins := make([]map[string]interface{}, 0, len(a.bins))
	for binind := range a.bins {
		var stats binstats
		for shard := range a.bins[binind] {
			b := &a.bins[binind][shard]
			b.mu.Lock()
			stats.merge(&b.stats)
			b.mu.Unlock()
		}
		if stats.nrequests == 0 && stats.curregs == 0 {
			continue
		}
		allbins = append(allbins, map[string]interface{}{
			"size":         bininfos[binind].regsize,
			"nmalloc":      stats.nmalloc,
			"ndalloc":      stats.ndalloc,
			"nrequests":    stats.nrequests,
			"curregs":      stats.curregs,
			"nfills":       stats.nfills,
			"nflushes":     stats.nflushes,
			"nslabs":       stats.nslabs,
			"reslabs":      stats.reslabs,
			"curslabs":     stats.curslabs,
			"nonfullslabs": stats.nonfullslabs,
		})
	}
	m["bins"] = allbins

	large := make([]map[string]interface{}, 0)
	a.statsmu.Lock()
	for i, stats := range a.lstats {
		if stats.nrequests == 0 && stats.nmalloc == 0 {
			continue
		}
		large = append(large, map[string]interface{}{
			"size":        sizeclasses[nbins+i],
			"nmalloc":     stats.nmalloc,
			"ndalloc":     stats.ndalloc,
			"nrequests":   stats.nrequests,
			"nflushes":    stats.nflushes,
			"curlextents": stats.nmalloc - stats.ndalloc,
		})
	}
	a.statsmu.Unlock()
	m["large"] = large

	tcachebytes := int64(0)
	a.tcachemu.Lock()
	for tc := range a.tcaches {
		tcachebytes += tc.nbytes()
	}
	m["tcache_fills"] = a.fillhtg.Fullstats()
	m["tcache_flushes"] = a.flushhtg.Fullstats()
	a.tcachemu.Unlock()
	m["tcache_bytes"] = tcachebytes
	return m
}

// prefork acquire arena locks for stage, stages run in ascending order
// across all arenas.
func (a *Arena) prefork(stage int) {
	switch stage {
	case 0, 2, 3, 4:
		a.pa.prefork(stage)
	case 1:
		a.tcachemu.Lock()
	case 5:
		a.statsmu.Lock()
	case 6:
		a.largemu.Lock()
	case 7:
		for binind := range a.bins {
			for shard := range a.bins[binind] {
				a.bins[binind][shard].prefork()
			}
		}
	default:
		panicerr("arena.prefork(): invalid stage %v", stage)
	}
}

// postfork release every lock taken by prefork, in reverse order.
func (a *Arena) postfork(child bool) {
	for binind := range a.bins {
		for shard := range a.bins[binind] {
			a.bins[binind][shard].postfork(child)
		}
	}
	a.largemu.Unlock()
	a.statsmu.Unlock()
	a.pa.postfork(child)
	if child {
		nthreads := int64(0)
		for tc := range a.tcaches {
			if !tc.manual {
				nthreads++
			}
		}
		atomic.StoreInt64(&a.nthreads, nthreads)
	}
	a.tcachemu.Unlock()
}
