package malloc

import "sync"
import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// pashard page allocator for one arena. Extents come from the dirty
// ecache, then muzzy, then retained, finally from the hooks. Freed
// extents always go to dirty and decay from there.
type pashard struct {
	ind   int
	emap  *emap
	hooks api.ExtentHooks
	epool *extentpool
	clock func() int64

	nactive int64 // atomic, pages handed out
	mapped  int64 // atomic, bytes mapped and not retained
	nextsn  uint64

	dirty      *ecache
	muzzy      *ecache
	retained   *ecache
	decaydirty *decay
	decaymuzzy *decay

	retain            bool
	lgmaxfit          uint
	oversizethreshold int64 // atomic

	// exponential growth of retained memory.
	growmu    sync.Mutex
	grownext  int
	growlimit int

	// guards decay stats.
	statsmu  sync.Mutex
	purgeavg lib.AverageInt64 // pages per purge pass

	hpa *hpashard
}

type paconfig struct {
	retain            bool
	lgmaxfit          int64
	oversizethreshold int64
	dirtydecayms      int64
	muzzydecayms      int64
}

func newpashard(
	ind int, em *emap, hooks api.ExtentHooks, epool *extentpool,
	clock func() int64, config paconfig) *pashard {

	now := clock()
	shard := &pashard{
		ind:      ind,
		emap:     em,
		hooks:    hooks,
		epool:    epool,
		clock:    clock,
		dirty:    newecache(em, extentDirty, ind, true /*delaycoalesce*/),
		muzzy:    newecache(em, extentMuzzy, ind, false),
		retained: newecache(em, extentRetained, ind, false),

		decaydirty: newdecay(now, config.dirtydecayms, int64(ind)<<1),
		decaymuzzy: newdecay(now, config.muzzydecayms, int64(ind)<<1|1),

		retain:            config.retain,
		lgmaxfit:          uint(config.lgmaxfit),
		oversizethreshold: config.oversizethreshold,

		grownext:  pszceil(Hugepage),
		growlimit: pszceil(Largemaxclass),
	}
	return shard
}

func (shard *pashard) getnactive() int64 {
	return atomic.LoadInt64(&shard.nactive)
}

func (shard *pashard) getmapped() int64 {
	return atomic.LoadInt64(&shard.mapped)
}

func (shard *pashard) ndirty() int64 {
	return shard.dirty.npages()
}

func (shard *pashard) nmuzzy() int64 {
	return shard.muzzy.npages()
}

func (shard *pashard) nretained() int64 {
	return shard.retained.npages()
}

func (shard *pashard) mayhavemuzzy() bool {
	return shard.decaymuzzy.getms() != 0
}

func (shard *pashard) mayforcedecay() bool {
	return !(shard.decaydirty.getms() == -1 || shard.decaymuzzy.getms() == -1)
}

// alloc size bytes at alignment. Slab extents additionally index their
// interior pages. Return deferred as true if background work, like
// hugepage purging, was generated.
func (shard *pashard) alloc(
	size, alignment int64, slab bool, szind int,
	zero bool) (e *Extent, deferred bool) {

	if shard.hpa != nil {
		e, deferred = shard.hpa.alloc(size, alignment, zero)
	}
	if e == nil {
		e = shard.pacalloc(size, alignment, zero)
	}
	if e == nil {
		return nil, deferred
	}
	atomic.AddInt64(&shard.nactive, e.npages())
	e.szind, e.slab = szind, slab
	shard.emap.remap(e, szind, slab)
	if slab {
		shard.emap.registerinterior(e, szind)
	}
	return e, deferred
}

func (shard *pashard) pacalloc(size, alignment int64, zero bool) *Extent {
	e := shard.ecachealloc(shard.dirty, nil, size, alignment, zero)
	if e == nil && shard.mayhavemuzzy() {
		e = shard.ecachealloc(shard.muzzy, nil, size, alignment, zero)
	}
	if e == nil {
		e = shard.ecacheallocgrow(shard.retained, nil, size, alignment, zero)
		if e != nil {
			atomic.AddInt64(&shard.mapped, size)
		}
	}
	return e
}

// expand e in place from oldsize to newsize by merging the range that
// follows it. Return true on failure, e is left untouched.
func (shard *pashard) expand(
	e *Extent, oldsize, newsize int64, szind int, zero bool) bool {

	if newsize <= oldsize || e.size != oldsize || newsize&pagemask != 0 {
		panicerr("pashard.expand(): invalid sizes %v -> %v", oldsize, newsize)
	}
	if e.pai == paiHPA || shard.hooks.MergeWillFail() {
		return true
	}

	mappedadd, amount := int64(0), newsize-oldsize
	trail := shard.ecachealloc(shard.dirty, e, amount, Pagesize, zero)
	if trail == nil {
		trail = shard.ecachealloc(shard.muzzy, e, amount, Pagesize, zero)
	}
	if trail == nil {
		trail = shard.ecacheallocgrow(shard.retained, e, amount, Pagesize, zero)
		mappedadd = amount
	}
	if trail == nil {
		return true
	}
	if shard.merge(e, trail) {
		shard.dallocwrapper(trail)
		return true
	}
	atomic.AddInt64(&shard.mapped, mappedadd)
	atomic.AddInt64(&shard.nactive, amount>>Lgpage)
	e.szind = szind
	shard.emap.remap(e, szind, false)
	return false
}

// shrink e in place to newsize, the trail goes to the dirty ecache.
// Return true on failure, e is left untouched.
func (shard *pashard) shrink(
	e *Extent, oldsize, newsize int64, szind int) (failed, deferred bool) {

	if newsize >= oldsize || e.size != oldsize || newsize&pagemask != 0 {
		panicerr("pashard.shrink(): invalid sizes %v -> %v", oldsize, newsize)
	}
	if e.pai == paiHPA || shard.hooks.SplitWillFail() {
		return true, false
	}
	amount := oldsize - newsize
	trail := shard.split(e, newsize, amount)
	if trail == nil {
		return true, false
	}
	trail.setstate(extentActive)
	atomic.AddInt64(&shard.nactive, -(amount >> Lgpage))
	e.szind = szind
	shard.emap.remap(e, szind, false)
	shard.ecachedalloc(shard.dirty, trail)
	return false, true
}

// dalloc return an active extent, it always lands in dirty.
func (shard *pashard) dalloc(e *Extent) (deferred bool) {
	shard.emap.remap(e, Nsizes, false)
	if e.slab {
		shard.emap.deregisterinterior(e)
		e.slab, e.fbits = false, nil
	}
	e.szind = Nsizes
	atomic.AddInt64(&shard.nactive, -e.npages())
	if e.pai == paiHPA {
		return shard.hpa.dalloc(e)
	}
	shard.ecachedalloc(shard.dirty, e)
	return true
}

//---- decay

func (shard *pashard) decayfor(state extentState) (*decay, *ecache) {
	switch state {
	case extentDirty:
		return shard.decaydirty, shard.dirty
	case extentMuzzy:
		return shard.decaymuzzy, shard.muzzy
	}
	panicerr("pashard: no decay for %v", state)
	return nil, nil
}

func (shard *pashard) decaymsget(state extentState) int64 {
	d, _ := shard.decayfor(state)
	return d.getms()
}

// decaymsset reinitialize decay for state, purging if the new setting
// calls for it.
func (shard *pashard) decaymsset(state extentState, decayms int64, mode purgemode) error {
	if !validdecayms(decayms) {
		return api.ErrorInvalidDecay
	}
	d, ec := shard.decayfor(state)
	d.mu.Lock()
	d.reinit(shard.clock(), decayms)
	shard.maybedecaypurge(d, ec, mode)
	d.mu.Unlock()
	return nil
}

// maybedecaypurge advance the epoch and purge as mode allows, caller
// holds d.mu. Return whether the epoch advanced.
func (shard *pashard) maybedecaypurge(d *decay, ec *ecache, mode purgemode) bool {
	decayms := d.getms()
	if decayms <= 0 {
		if decayms == 0 {
			shard.decaytolimit(d, ec, false, 0, ec.npages())
		}
		return false
	}

	npagescurrent := ec.npages()
	advanced := d.maybeadvance(shard.clock(), npagescurrent)
	if mode == purgeAlways || (advanced && mode == purgeOnEpochAdvance) {
		limit := d.getnpageslimit()
		if npagescurrent > limit {
			shard.decaytolimit(d, ec, false, limit, npagescurrent-limit)
		}
	}
	return advanced
}

// decayall purge everything in ec, caller holds d.mu. A purge already
// in flight is waited for, its stashed extents are not in ec.
func (shard *pashard) decayall(d *decay, ec *ecache, fully bool) {
	for d.purging {
		d.idle.Wait()
	}
	shard.decaytolimit(d, ec, fully, 0, ec.npages())
}

// decaytolimit purge ec down to npageslimit, purging at most
// npagesdecaymax pages. d.mu is released during the purge, the purging
// flag keeps other threads out.
func (shard *pashard) decaytolimit(
	d *decay, ec *ecache, fully bool, npageslimit, npagesdecaymax int64) {

	if d.purging || npagesdecaymax == 0 {
		return
	}
	d.purging = true
	d.mu.Unlock()

	var stash extentlist
	if nstashed := shard.stashdecayed(ec, npageslimit, npagesdecaymax, &stash); nstashed > 0 {
		shard.decaystashed(d, ec, fully, &stash)
	}

	d.mu.Lock()
	d.purging = false
	d.idle.Broadcast()
}

func (shard *pashard) stashdecayed(
	ec *ecache, npageslimit, npagesdecaymax int64, stash *extentlist) int64 {

	nstashed := int64(0)
	for nstashed < npagesdecaymax {
		e := shard.evict(ec, npageslimit)
		if e == nil {
			break
		}
		stash.append(e)
		nstashed += e.npages()
	}
	return nstashed
}

func (shard *pashard) decaystashed(
	d *decay, ec *ecache, fully bool, stash *extentlist) int64 {

	nmadvise, npurged, nunmapped := int64(0), int64(0), int64(0)
	trymuzzy := !fully && shard.decaymuzzy.getms() != 0
	for e := stash.popfirst(); e != nil; e = stash.popfirst() {
		npages := e.npages()
		npurged += npages
		nmadvise++
		switch ec.state {
		case extentDirty:
			if trymuzzy && !shard.purgelazywrapper(e) {
				shard.ecachedalloc(shard.muzzy, e)
				continue
			}
			shard.dallocwrapper(e)
			nunmapped += npages
		case extentMuzzy:
			shard.dallocwrapper(e)
			nunmapped += npages
		default:
			panicerr("pashard.decaystashed(): unexpected %v", ec.state)
		}
	}

	shard.statsmu.Lock()
	d.npurge++
	d.nmadvise += nmadvise
	d.purged += npurged
	shard.purgeavg.Add(npurged)
	shard.statsmu.Unlock()
	atomic.AddInt64(&shard.mapped, -(nunmapped << Lgpage))
	debugf("arena %v decayed %v pages from %v\n", shard.ind, npurged, ec.state)
	return npurged
}

// nsuntilpurge time until the next purge is due for state.
func (shard *pashard) nsuntilpurge(state extentState, threshold int64) int64 {
	d, ec := shard.decayfor(state)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nsuntilpurge(ec.npages(), threshold)
}

//---- growth limit

// retaingrowlimit largest extent retained growth may map.
func (shard *pashard) retaingrowlimit() int64 {
	shard.growmu.Lock()
	defer shard.growmu.Unlock()
	return pszclasses[shard.growlimit]
}

// setretaingrowlimit cap retained growth at limit bytes. Return false
// if limit is smaller than a page.
func (shard *pashard) setretaingrowlimit(limit int64) bool {
	ind := pszceil(limit+1) - 1
	if ind < 0 {
		return false
	} else if ind >= npsizes() {
		ind = npsizes() - 1
	}
	shard.growmu.Lock()
	shard.growlimit = ind
	if shard.grownext > ind {
		shard.grownext = ind
	}
	shard.growmu.Unlock()
	return true
}

//---- lifecycle

// reset forget active pages, caller returned every extent already.
func (shard *pashard) reset() {
	atomic.StoreInt64(&shard.nactive, 0)
}

// destroy release every retained extent to the hooks. Dirty and muzzy
// extents must have been decayed into retained.
func (shard *pashard) destroy() {
	for e := shard.evict(shard.retained, 0); e != nil; e = shard.evict(shard.retained, 0) {
		shard.destroywrapper(e)
	}
	if shard.hpa != nil {
		shard.hpa.destroy()
	}
}

// stats gather shard counters into m.
func (shard *pashard) stats(m map[string]interface{}) {
	m["pactive"] = shard.getnactive()
	m["pdirty"] = shard.ndirty()
	m["pmuzzy"] = shard.nmuzzy()
	m["mapped"] = shard.getmapped()
	m["retained"] = shard.nretained() << Lgpage
	m["dirty_decay_ms"] = shard.decaydirty.getms()
	m["muzzy_decay_ms"] = shard.decaymuzzy.getms()

	shard.statsmu.Lock()
	m["dirty_npurge"] = shard.decaydirty.npurge
	m["dirty_nmadvise"] = shard.decaydirty.nmadvise
	m["dirty_purged"] = shard.decaydirty.purged
	m["muzzy_npurge"] = shard.decaymuzzy.npurge
	m["muzzy_nmadvise"] = shard.decaymuzzy.nmadvise
	m["muzzy_purged"] = shard.decaymuzzy.purged
	m["purge_pages"] = shard.purgeavg.Stats()
	shard.statsmu.Unlock()

	for _, ec := range []*ecache{shard.dirty, shard.muzzy, shard.retained} {
		nextents, nbytes := int64(0), int64(0)
		ec.mu.Lock()
		for pind := range ec.eset.bins {
			nextents += ec.eset.nextents(pind)
			nbytes += ec.eset.nbytes(pind)
		}
		ec.mu.Unlock()
		m[ec.state.String()+"_extents"] = nextents
		m[ec.state.String()+"_bytes"] = nbytes
	}
	if shard.hpa != nil {
		shard.hpa.stats(m)
	}
}

func (shard *pashard) prefork(stage int) {
	switch stage {
	case 0:
		shard.decaydirty.prefork()
		shard.decaymuzzy.prefork()
	case 2:
		shard.growmu.Lock()
	case 3:
		shard.dirty.prefork()
		shard.muzzy.prefork()
		shard.retained.prefork()
		if shard.hpa != nil {
			shard.hpa.prefork()
		}
	case 4:
		shard.statsmu.Lock()
	}
}

func (shard *pashard) postfork(child bool) {
	shard.statsmu.Unlock()
	if shard.hpa != nil {
		shard.hpa.postfork(child)
	}
	for _, ec := range []*ecache{shard.retained, shard.muzzy, shard.dirty} {
		if child {
			ec.postforkchild()
		} else {
			ec.postforkparent()
		}
	}
	shard.growmu.Unlock()
	for _, d := range []*decay{shard.decaymuzzy, shard.decaydirty} {
		if child {
			d.postforkchild()
		} else {
			d.postforkparent()
		}
	}
}
