package malloc

import "sync"

import "github.com/bnclabs/gomalloc/api"

type hpaconfig struct {
	slabmaxalloc      int64
	hugifythreshold   int64
	dehugifythreshold int64
	// purge when dirty pages exceed dirtymult * active pages, negative
	// disables purging.
	dirtymult float64
	// leave hugify and purge to a background worker.
	deferral bool
}

// hpashard hugepage aware allocator for one arena. Small page runs are
// packed into hugepage sized regions from the central registry so that
// densely used regions can be backed by huge pages.
type hpashard struct {
	ind     int
	mu      sync.Mutex
	growmu  sync.Mutex
	central *hpacentral
	emap    *emap
	epool   *extentpool
	hooks   api.ExtentHooks
	config  hpaconfig
	psset   *psset
	nextage uint64

	// stats, guarded by mu.
	npurgepasses int64
	npurges      int64
	nhugifies    int64
	ndehugifies  int64
}

func newhpashard(
	ind int, central *hpacentral, em *emap, epool *extentpool,
	hooks api.ExtentHooks, config hpaconfig) *hpashard {

	return &hpashard{
		ind:     ind,
		central: central,
		emap:    em,
		epool:   epool,
		hooks:   hooks,
		config:  config,
		psset:   newpsset(),
	}
}

// alloc size bytes from a hugepage region. Return nil when the request
// is not for this allocator or memory is exhausted, deferred is true if
// purge or hugify work is pending for a background worker.
func (shard *hpashard) alloc(size, alignment int64, zero bool) (*Extent, bool) {
	if alignment > Pagesize || size > shard.config.slabmaxalloc {
		return nil, false
	}
	size = pageceil(size)

	shard.mu.Lock()
	ps := shard.psset.pickalloc(size)
	for ps == nil {
		shard.mu.Unlock()
		if !shard.grow(size) {
			return nil, false
		}
		shard.mu.Lock()
		ps = shard.psset.pickalloc(size)
	}

	shard.psset.updatebegin(ps)
	ntouched := ps.ntouched
	addr := ps.reservealloc(size)
	// pages touched for the first time read back as zero.
	zeroed := ps.ntouched-ntouched == size>>Lgpage
	shard.updateflags(ps)
	shard.psset.updateend(ps)

	e := shard.epool.get().init(
		shard.ind, addr, size, false, Nsizes, ps.age, extentActive, zeroed,
		true /*committed*/, paiHPA, false /*head*/)
	e.hpdata = ps
	shard.mu.Unlock()

	if shard.emap.register(e, Nsizes, false) {
		panicerr("hpashard.alloc(): %v already mapped", e)
	}
	if zero && !e.zeroed {
		shard.zero(e)
	}
	return e, shard.afterupdate()
}

// grow fetch a fresh hugepage region from the central registry and
// insert it. Concurrent growers serialize, the first one wins. Return
// false if memory is exhausted.
func (shard *hpashard) grow(size int64) bool {
	shard.growmu.Lock()
	defer shard.growmu.Unlock()

	shard.mu.Lock()
	if ps := shard.psset.pickalloc(size); ps != nil {
		shard.mu.Unlock()
		return true
	}
	shard.mu.Unlock()

	region := shard.central.alloc(Hugepage)
	if region == nil {
		return false
	}
	shard.mu.Lock()
	ps := newhpdata(region.base, shard.nextage)
	shard.nextage++
	ps.region = region
	shard.updateflags(ps)
	shard.psset.insert(ps)
	shard.mu.Unlock()
	debugf("hpa %v grow region %x\n", shard.ind, region.base)
	return true
}

// dalloc an extent handed out by alloc.
func (shard *hpashard) dalloc(e *Extent) bool {
	ps := e.hpdata
	if ps == nil || e.pai != paiHPA {
		panicerr("hpashard.dalloc(): %v", e)
	}
	shard.emap.deregister(e)

	shard.mu.Lock()
	if ps.changing() {
		// purge or hugify in progress, ps is out of the psset.
		ps.unreserve(e.base, e.size)
	} else {
		shard.psset.updatebegin(ps)
		ps.unreserve(e.base, e.size)
		shard.updateflags(ps)
		shard.psset.updateend(ps)
	}
	shard.mu.Unlock()

	e.hpdata = nil
	shard.epool.put(e)
	return shard.afterupdate()
}

// updateflags recompute what ps is eligible for, caller holds the lock
// and ps is not in any container.
func (shard *hpashard) updateflags(ps *hpdata) {
	_, hugifier := shard.hooks.(api.Hugifier)
	ps.hugifyallowed = hugifier && !ps.huge &&
		(ps.nactive<<Lgpage) >= shard.config.hugifythreshold
	ps.purgeallowed = shard.config.dirtymult >= 0 && ps.ndirty() > 0
	if ps.huge && (ps.ndirty()<<Lgpage) < shard.config.dehugifythreshold {
		ps.purgeallowed = false
	}
}

func (shard *hpashard) zero(e *Extent) {
	if zeroer, ok := shard.hooks.(api.Zeroer); ok {
		zeroer.Zero(e.base, e.size)
	} else {
		shard.hooks.PurgeForced(e.base, e.size)
	}
	e.zeroed = true
}

// afterupdate run deferred work inline unless a background worker owns
// it, return whether work is left for the worker.
func (shard *hpashard) afterupdate() bool {
	if !shard.config.deferral {
		shard.deferredwork()
		return false
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return shard.haswork()
}

func (shard *hpashard) haswork() bool {
	return shard.shouldpurge() || len(shard.psset.hugify) > 0
}

func (shard *hpashard) shouldpurge() bool {
	if shard.config.dirtymult < 0 || len(shard.psset.purge) == 0 {
		return false
	}
	limit := int64(shard.config.dirtymult * float64(shard.psset.nactive()))
	return shard.psset.ndirty() > limit
}

// deferredwork hugify dense regions, then purge until dirty pages are
// within dirtymult of active pages.
func (shard *hpashard) deferredwork() {
	shard.mu.Lock()
	defer shard.mu.Unlock()

	maxops := shard.psset.npageslabs()
	for i := int64(0); i < maxops && shard.hugifyone(); i++ {
	}
	for i := int64(0); i < maxops && shard.shouldpurge() && shard.purgeone(); i++ {
	}
}

// hugifyone caller holds the lock, it is dropped around the hook call.
func (shard *hpashard) hugifyone() bool {
	ps := shard.psset.pickhugify()
	if ps == nil {
		return false
	}
	shard.psset.remove(ps)
	ps.midhugify, ps.allocallowed = true, false
	shard.mu.Unlock()

	err := shard.hooks.(api.Hugifier).Hugify(ps.addr, Hugepage)

	shard.mu.Lock()
	ps.midhugify, ps.allocallowed = false, true
	if !err {
		ps.hugify()
		shard.nhugifies++
	}
	shard.updateflags(ps)
	if err {
		ps.hugifyallowed = false
	}
	shard.psset.insert(ps)
	return true
}

// purgeone purge the dirtiest region, caller holds the lock, it is
// dropped while the hooks run.
func (shard *hpashard) purgeone() bool {
	ps := shard.psset.pickpurge()
	if ps == nil {
		return false
	}
	shard.psset.remove(ps)
	ps.midpurge, ps.allocallowed = true, false
	dehugify := ps.huge
	var state hpdatapurge
	ps.purgebegin(&state)
	shard.mu.Unlock()

	if dehugify {
		shard.hooks.(api.Hugifier).Dehugify(ps.addr, Hugepage)
	}
	npurges := int64(0)
	for addr, size, ok := ps.purgenext(&state); ok; addr, size, ok = ps.purgenext(&state) {
		shard.hooks.PurgeForced(addr, size)
		npurges++
	}

	shard.mu.Lock()
	if dehugify {
		ps.dehugify()
		shard.ndehugifies++
	}
	ps.purgeend(&state)
	ps.midpurge, ps.allocallowed = false, true
	shard.npurgepasses++
	shard.npurges += npurges
	if ps.empty() && ps.ntouched == 0 {
		region := ps.region
		shard.mu.Unlock()
		debugf("hpa %v release region %x\n", shard.ind, region.base)
		shard.central.dalloc(region)
		shard.mu.Lock()
		return true
	}
	shard.updateflags(ps)
	shard.psset.insert(ps)
	return true
}

// destroy return every region to the central registry, all extents
// must have been freed.
func (shard *hpashard) destroy() {
	shard.mu.Lock()
	regions := make([]*hpdata, 0, len(shard.psset.members))
	for ps := range shard.psset.members {
		if !ps.empty() {
			panicerr("hpashard.destroy(): %v has active pages", ps)
		}
		regions = append(regions, ps)
	}
	for _, ps := range regions {
		shard.psset.remove(ps)
	}
	shard.mu.Unlock()

	for _, ps := range regions {
		if ps.huge {
			shard.hooks.(api.Hugifier).Dehugify(ps.addr, Hugepage)
		}
		shard.hooks.PurgeForced(ps.addr, Hugepage)
		shard.central.dalloc(ps.region)
	}
}

func (shard *hpashard) stats(m map[string]interface{}) {
	shard.mu.Lock()
	m["hpa_npageslabs"] = shard.psset.npageslabs()
	m["hpa_nactive"] = shard.psset.nactive()
	m["hpa_ndirty"] = shard.psset.ndirty()
	m["hpa_nhuge"] = shard.psset.stats.nhuge
	m["hpa_npurge_passes"] = shard.npurgepasses
	m["hpa_npurges"] = shard.npurges
	m["hpa_nhugifies"] = shard.nhugifies
	m["hpa_ndehugifies"] = shard.ndehugifies
	shard.mu.Unlock()
	shard.central.stats(m)
}

func (shard *hpashard) prefork() {
	shard.growmu.Lock()
	shard.mu.Lock()
}

func (shard *hpashard) postfork(child bool) {
	shard.mu.Unlock()
	shard.growmu.Unlock()
}
