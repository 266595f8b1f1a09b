package malloc

import "sync"
import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// Malloc allocator instance, holds the arenas and the registries shared
// by them. Allocations made directly on Malloc bypass tcaches and are
// spread across automatic arenas, goroutines that allocate frequently
// should obtain a Tcache with NewTcache.
type Malloc struct {
	setts  lib.Settings
	hooks  api.ExtentHooks
	zeroer api.Zeroer
	copier api.Copier
	clock  func() int64

	emap       *emap
	epool      *extentpool
	hpacentral *hpacentral
	hpaconfig  hpaconfig
	tconfig    tcacheconfig
	decayticks int64
	oversize   int64

	narenasauto int
	arenamu     sync.RWMutex
	arenas      []*Arena
	nextarena   uint32 // atomic
	hugeind     int64  // atomic, -1 until the huge arena is created

	// defaults for new arenas.
	dirtydecayms int64 // atomic
	muzzydecayms int64 // atomic

	scheduler  atomic.Value // schedholder
	background int64        // atomic

	tcaches *tcacheregistry
}

type schedholder struct {
	s api.Scheduler
}

// NewMalloc allocator with hooks as backing storage, if hooks is nil
// it is picked by the "hooks" setting. setts are mixed into
// Defaultsettings().
func NewMalloc(hooks api.ExtentHooks, setts lib.Settings) (*Malloc, error) {
	return newmalloc(hooks, setts, monotime)
}

func newmalloc(
	hooks api.ExtentHooks, setts lib.Settings, clock func() int64) (*Malloc, error) {

	setts = Defaultsettings().Mixin(setts)
	if err := validatesettings(setts); err != nil {
		return nil, err
	}
	if hooks == nil {
		hooks = makehooks(setts)
	}

	m := &Malloc{
		setts:        setts,
		hooks:        hooks,
		clock:        clock,
		emap:         newemap(),
		epool:        newextentpool(),
		hpaconfig:    newhpaconfig(setts),
		tconfig:      newtcacheconfig(setts),
		decayticks:   setts.Int64("decay.ticks"),
		oversize:     oversizethreshold(setts.Bytes("oversize_threshold")),
		narenasauto:  int(setts.Int64("narenas")),
		hugeind:      -1,
		dirtydecayms: setts.Int64("dirty_decay_ms"),
		muzzydecayms: setts.Int64("muzzy_decay_ms"),
		tcaches:      newtcacheregistry(),
	}
	if !m.tconfig.enabled {
		m.tconfig.nhbins = 0
	}
	m.zeroer, _ = hooks.(api.Zeroer)
	m.copier, _ = hooks.(api.Copier)
	if setts.Bool("hpa") {
		ngrow := setts.Int64("hpa.central_grow")
		m.hpacentral = newhpacentral(hooks, m.epool, ngrow)
	}
	m.scheduler.Store(schedholder{})

	m.arenas = make([]*Arena, m.narenasauto, Maxarenas)
	m.arenas[0] = newarena(m, 0, true /*auto*/)

	infof("malloc: %v automatic arenas, tcache up to %v, hooks %T\n",
		m.narenasauto, bytestr(m.tconfig.maxclass), hooks)
	return m, nil
}

func makehooks(setts lib.Settings) api.ExtentHooks {
	retain := setts.Bool("retain")
	if setts.String("hooks") == "mmap" {
		if hooks := newmmaphooks(retain); hooks != nil {
			return hooks
		}
		warnf("malloc: mmap hooks not supported, falling back to vmem\n")
	}
	return NewVmem(setts.Bytes("capacity"), retain)
}

func (m *Malloc) paconfig() paconfig {
	return paconfig{
		retain:            m.setts.Bool("retain"),
		lgmaxfit:          m.setts.Int64("lg_extent_max_active_fit"),
		oversizethreshold: m.oversize,
		dirtydecayms:      atomic.LoadInt64(&m.dirtydecayms),
		muzzydecayms:      atomic.LoadInt64(&m.muzzydecayms),
	}
}

//---- scheduler

// SetScheduler register a background worker. Foreground threads stop
// purging and notify s after advancing a decay epoch, a nil s reverts
// to foreground purging. IntervalCheck is also called with zero pages
// when hugepage work was deferred.
func (m *Malloc) SetScheduler(s api.Scheduler) {
	m.scheduler.Store(schedholder{s: s})
	if s != nil {
		atomic.StoreInt64(&m.background, 1)
	} else {
		atomic.StoreInt64(&m.background, 0)
	}
}

func (m *Malloc) getscheduler() api.Scheduler {
	return m.scheduler.Load().(schedholder).s
}

func (m *Malloc) backgroundenabled() bool {
	return atomic.LoadInt64(&m.background) > 0
}

//---- arenas

func (m *Malloc) arenaget(ind int) *Arena {
	m.arenamu.RLock()
	defer m.arenamu.RUnlock()
	if ind < 0 || ind >= len(m.arenas) {
		return nil
	}
	return m.arenas[ind]
}

// arenaauto automatic arena ind, created on first use.
func (m *Malloc) arenaauto(ind int) *Arena {
	if a := m.arenaget(ind); a != nil {
		return a
	}
	m.arenamu.Lock()
	defer m.arenamu.Unlock()
	if m.arenas[ind] == nil {
		m.arenas[ind] = newarena(m, ind, true /*auto*/)
	}
	return m.arenas[ind]
}

// arenachoose for allocations without a tcache, round robin.
func (m *Malloc) arenachoose() *Arena {
	n := atomic.AddUint32(&m.nextarena, 1)
	return m.arenaauto(int(n % uint32(m.narenasauto)))
}

// arenaichoose least loaded automatic arena, an uninitialized arena is
// preferred over one that has threads.
func (m *Malloc) arenaichoose() *Arena {
	m.arenamu.Lock()
	defer m.arenamu.Unlock()

	var choose *Arena
	firstnil := -1
	for ind := 0; ind < m.narenasauto; ind++ {
		a := m.arenas[ind]
		if a == nil {
			if firstnil < 0 {
				firstnil = ind
			}
			continue
		}
		if choose == nil || a.Nthreads() < choose.Nthreads() {
			choose = a
		}
	}
	if firstnil >= 0 && (choose == nil || choose.Nthreads() > 0) {
		choose = newarena(m, firstnil, true /*auto*/)
		m.arenas[firstnil] = choose
	}
	return choose
}

// arenachoosehuge oversized requests from automatic arenas go to the
// huge arena.
func (m *Malloc) arenachoosehuge(a *Arena, usize int64) *Arena {
	if !a.auto || m.oversize == 0 || usize < m.oversize {
		return a
	}
	if ind := atomic.LoadInt64(&m.hugeind); ind >= 0 {
		if huge := m.arenaget(int(ind)); huge != nil {
			return huge
		}
	}
	m.arenamu.Lock()
	defer m.arenamu.Unlock()
	if ind := atomic.LoadInt64(&m.hugeind); ind >= 0 {
		return m.arenas[ind]
	}
	huge, err := m.arenanewlocked()
	if err != nil {
		return a
	}
	if atomic.LoadInt64(&m.dirtydecayms) > 0 {
		huge.SetDirtyDecayms(0)
	}
	if atomic.LoadInt64(&m.muzzydecayms) > 0 {
		huge.SetMuzzyDecayms(0)
	}
	atomic.StoreInt64(&m.hugeind, int64(huge.ind))
	infof("malloc: huge arena %v for sizes >= %v\n", huge.ind, bytestr(m.oversize))
	return huge
}

// arenanewlocked manual arena in the first free slot, caller holds
// arenamu.
func (m *Malloc) arenanewlocked() (*Arena, error) {
	ind := -1
	for i := m.narenasauto; i < len(m.arenas); i++ {
		if m.arenas[i] == nil {
			ind = i
			break
		}
	}
	if ind < 0 {
		if len(m.arenas) >= Maxarenas {
			return nil, api.ErrorArenaLimit
		}
		ind = len(m.arenas)
		m.arenas = append(m.arenas, nil)
	}
	a := newarena(m, ind, false /*auto*/)
	m.arenas[ind] = a
	return a, nil
}

// ArenaCreate manual arena, it is never picked for tcaches unless asked
// with Tcache.Reassociate.
func (m *Malloc) ArenaCreate() (*Arena, error) {
	m.arenamu.Lock()
	defer m.arenamu.Unlock()
	return m.arenanewlocked()
}

// Arena return arena ind.
func (m *Malloc) Arena(ind int) (*Arena, error) {
	if a := m.arenaget(ind); a != nil {
		return a, nil
	}
	return nil, api.ErrorInvalidArena
}

// Narenas number of arena slots, automatic arenas included whether
// initialized or not.
func (m *Malloc) Narenas() int {
	m.arenamu.RLock()
	defer m.arenamu.RUnlock()
	return len(m.arenas)
}

func (m *Malloc) manualarena(ind int) (*Arena, error) {
	if ind < m.narenasauto {
		return nil, api.ErrorInvalidArena
	}
	a := m.arenaget(ind)
	if a == nil || a.auto {
		return nil, api.ErrorInvalidArena
	}
	return a, nil
}

// ArenaReset free every allocation made from manual arena ind.
func (m *Malloc) ArenaReset(ind int) error {
	a, err := m.manualarena(ind)
	if err != nil {
		return err
	}
	a.reset()
	return nil
}

// ArenaDestroy free every allocation made from manual arena ind and
// give its memory back to the hooks. The slot is reused by later
// ArenaCreate calls.
func (m *Malloc) ArenaDestroy(ind int) error {
	a, err := m.manualarena(ind)
	if err != nil {
		return err
	} else if a.Nthreads() > 0 {
		return api.ErrorArenaBusy
	}
	a.tcachemu.Lock()
	ntcaches := len(a.tcaches)
	a.tcachemu.Unlock()
	if ntcaches > 0 {
		return api.ErrorArenaBusy
	}

	a.reset()
	a.Decay(false, true /*all*/)
	a.destroy()

	m.arenamu.Lock()
	m.arenas[ind] = nil
	m.arenamu.Unlock()
	atomic.CompareAndSwapInt64(&m.hugeind, int64(ind), -1)
	infof("malloc: arena %v destroyed\n", ind)
	return nil
}

// DirtyDecayms default dirty decay time for new arenas.
func (m *Malloc) DirtyDecayms() int64 {
	return atomic.LoadInt64(&m.dirtydecayms)
}

// SetDirtyDecayms default dirty decay time for new arenas.
func (m *Malloc) SetDirtyDecayms(decayms int64) error {
	if !validdecayms(decayms) {
		return api.ErrorInvalidDecay
	}
	atomic.StoreInt64(&m.dirtydecayms, decayms)
	return nil
}

// MuzzyDecayms default muzzy decay time for new arenas.
func (m *Malloc) MuzzyDecayms() int64 {
	return atomic.LoadInt64(&m.muzzydecayms)
}

// SetMuzzyDecayms default muzzy decay time for new arenas.
func (m *Malloc) SetMuzzyDecayms(decayms int64) error {
	if !validdecayms(decayms) {
		return api.ErrorInvalidDecay
	}
	atomic.StoreInt64(&m.muzzydecayms, decayms)
	return nil
}

// Decay run a decay pass on every arena.
func (m *Malloc) Decay(background, all bool) {
	for _, a := range m.allarenas() {
		a.Decay(background, all)
	}
}

func (m *Malloc) allarenas() []*Arena {
	m.arenamu.RLock()
	defer m.arenamu.RUnlock()
	arenas := make([]*Arena, 0, len(m.arenas))
	for _, a := range m.arenas {
		if a != nil {
			arenas = append(arenas, a)
		}
	}
	return arenas
}

// Arenas initialized arenas.
func (m *Malloc) Arenas() []*Arena {
	return m.allarenas()
}

//---- tcaches

// NewTcache tcache bound to the least loaded automatic arena. Release
// it with Close.
func (m *Malloc) NewTcache() *Tcache {
	tc := newtcache(m, false /*manual*/)
	a := m.arenaichoose()
	a.nthreadsinc()
	tc.associate(a)
	return tc
}

// TcacheCreate manual tcache, return its slot index.
func (m *Malloc) TcacheCreate() (int, error) {
	return m.tcaches.create(m)
}

// Tcache manual tcache at slot ind. A flushed tcache is recreated.
func (m *Malloc) Tcache(ind int) (*Tcache, error) {
	return m.tcaches.get(m, ind)
}

// TcacheFlush return every region cached by manual tcache ind, the slot
// stays reserved.
func (m *Malloc) TcacheFlush(ind int) error {
	return m.tcaches.flush(ind)
}

// TcacheDestroy flush manual tcache ind and release its slot.
func (m *Malloc) TcacheDestroy(ind int) error {
	return m.tcaches.destroy(ind)
}

//---- api.Mallocer

// Alloc implement api.Mallocer{} interface.
func (m *Malloc) Alloc(n int64) uintptr {
	return m.malloc(n, false, nil, nil)
}

// Calloc implement api.Mallocer{} interface.
func (m *Malloc) Calloc(n int64) uintptr {
	return m.malloc(n, true, nil, nil)
}

// Aligned implement api.Mallocer{} interface.
func (m *Malloc) Aligned(n, alignment int64) uintptr {
	return m.palloc(n, alignment, false, nil, nil)
}

// Realloc implement api.Mallocer{} interface.
func (m *Malloc) Realloc(ptr uintptr, n int64) uintptr {
	return m.ralloc(ptr, n, nil, nil)
}

// Free implement api.Mallocer{} interface.
func (m *Malloc) Free(ptr uintptr) {
	m.dalloc(ptr, nil)
}

// Usablesize implement api.Mallocer{} interface.
func (m *Malloc) Usablesize(ptr uintptr) int64 {
	if ptr == 0 {
		return 0
	}
	e, szind, _ := m.emap.lookup(ptr)
	if e == nil || szind >= Nsizes {
		return 0
	}
	return sizeclasses[szind]
}

var _ api.Mallocer = (*Malloc)(nil)

// malloc common path, tc and a are optional.
func (m *Malloc) malloc(size int64, zero bool, tc *Tcache, a *Arena) uintptr {
	ind := Sizeindex(size)
	if ind >= Nsizes {
		return 0
	}
	if tc != nil && ind < m.tconfig.nhbins {
		if ind < nbins {
			return tc.allocsmall(ind, zero)
		}
		return tc.alloclarge(ind, zero)
	}
	a = m.arenafor(tc, a)
	if ind < nbins {
		return a.mallocsmall(ind, zero, tc)
	}
	usize := sizeclasses[ind]
	return m.arenachoosehuge(a, usize).malloclarge(usize, Pagesize, zero)
}

func (m *Malloc) arenafor(tc *Tcache, a *Arena) *Arena {
	if a != nil {
		return a
	} else if tc != nil {
		return tc.arena
	}
	return m.arenachoose()
}

// alignedusize usable size for size bytes at alignment, zero if the
// request cannot be served.
func alignedusize(size, alignment int64) int64 {
	if alignment < Pagesize && size <= Smallmaxclass {
		if usize := Usablesize(alignup(size, alignment)); usize < Largeminclass {
			return usize
		}
	}
	if alignment > Largemaxclass {
		return 0
	}
	usize := Largeminclass
	if size > Largeminclass {
		if usize = Usablesize(size); usize == 0 {
			return 0
		}
	}
	if usize+alignment-Pagesize > Largemaxclass {
		return 0
	}
	return usize
}

func (m *Malloc) palloc(
	size, alignment int64, zero bool, tc *Tcache, a *Arena) uintptr {

	if !ispow2(alignment) {
		return 0
	}
	usize := alignedusize(size, alignment)
	if usize == 0 {
		return 0
	}
	small := usize <= Smallmaxclass &&
		(alignment < Pagesize || (alignment == Pagesize && usize&pagemask == 0))
	if small || alignment <= Pagesize {
		return m.malloc(usize, zero, tc, a)
	}
	a = m.arenachoosehuge(m.arenafor(tc, a), usize)
	return a.malloclarge(usize, alignment, zero)
}

func (m *Malloc) dalloc(ptr uintptr, tc *Tcache) {
	if ptr == 0 {
		return
	}
	e, szind, slab := m.emap.lookup(ptr)
	if e == nil || szind >= Nsizes {
		panicerr("free of unknown pointer %x", ptr)
	}
	if tc != nil && szind < m.tconfig.nhbins {
		if slab {
			tc.dallocsmall(ptr, szind)
		} else {
			tc.dalloclarge(ptr, szind)
		}
		return
	}
	a := m.arenaget(e.arenaind)
	if slab {
		a.dallocsmall(e, ptr)
	} else {
		a.dalloclarge(e)
	}
}

// ralloc resize in place when the size class allows it, else allocate,
// copy and free.
func (m *Malloc) ralloc(ptr uintptr, size int64, tc *Tcache, a *Arena) uintptr {
	if ptr == 0 {
		return m.malloc(size, false, tc, a)
	} else if size <= 0 {
		m.dalloc(ptr, tc)
		return 0
	}
	e, oldind, _ := m.emap.lookup(ptr)
	if e == nil || oldind >= Nsizes {
		panicerr("realloc of unknown pointer %x", ptr)
	}
	oldsize := sizeclasses[oldind]
	usize := Usablesize(size)
	if usize == 0 {
		return 0
	}

	owner := m.arenaget(e.arenaind)
	if oldsize <= Smallmaxclass && usize <= Smallmaxclass {
		if Sizeindex(usize) == oldind {
			owner.decaytick(1)
			return ptr
		}
	} else if oldsize >= Largeminclass && usize >= Largeminclass {
		if !owner.rallocnomovelarge(e, usize, usize, false) {
			owner.decaytick(1)
			return ptr
		}
	}

	newptr := m.malloc(usize, false, tc, a)
	if newptr == 0 {
		return 0
	}
	n := oldsize
	if usize < n {
		n = usize
	}
	m.copy(newptr, ptr, n)
	m.dalloc(ptr, tc)
	return newptr
}

func (m *Malloc) zero(ptr uintptr, n int64) {
	if m.zeroer != nil {
		m.zeroer.Zero(ptr, n)
	}
}

func (m *Malloc) copy(dst, src uintptr, n int64) {
	if m.copier != nil {
		m.copier.Copy(dst, src, n)
	}
}

//---- fork

// Prefork quiesce the allocator before a fork like snapshot. Every
// lock is acquired in a fixed order: manual tcaches, then arena stages
// 0 to 7 across all arenas, then the shared extent registries.
func (m *Malloc) Prefork() {
	m.tcaches.prefork()
	m.arenamu.RLock()
	for stage := 0; stage < 8; stage++ {
		for _, a := range m.arenas {
			if a != nil {
				a.prefork(stage)
			}
		}
	}
	if m.hpacentral != nil {
		m.hpacentral.prefork()
	}
	m.epool.prefork()
}

// PostforkParent release locks taken by Prefork.
func (m *Malloc) PostforkParent() {
	m.postfork(false)
}

// PostforkChild release locks taken by Prefork and reset per process
// counters.
func (m *Malloc) PostforkChild() {
	m.postfork(true)
}

func (m *Malloc) postfork(child bool) {
	if child {
		m.epool.postforkchild()
	} else {
		m.epool.postforkparent()
	}
	if m.hpacentral != nil {
		m.hpacentral.postfork(child)
	}
	for i := len(m.arenas) - 1; i >= 0; i-- {
		if a := m.arenas[i]; a != nil {
			a.postfork(child)
		}
	}
	m.arenamu.RUnlock()
	m.tcaches.postfork(child)
}

//---- stats

// Stats allocator wide statistics, per arena and for the hooks.
func (m *Malloc) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"narenas":        m.Narenas(),
		"narenas.auto":   m.narenasauto,
		"tcache.max":     m.tconfig.maxclass,
		"tcaches.manual": m.tcaches.count(),
		"emap.entries":   m.emap.count(),
	}
	created, recycled, available, overhead := m.epool.stats()
	stats["extents.created"] = created
	stats["extents.recycled"] = recycled
	stats["extents.available"] = available
	stats["extents.overhead"] = overhead

	allocated, active, mapped := int64(0), int64(0), int64(0)
	arenas := make([]map[string]interface{}, 0)
	for _, a := range m.allarenas() {
		astats := a.Stats()
		for _, bstats := range astats["bins"].([]map[string]interface{}) {
			allocated += bstats["curregs"].(int64) * bstats["size"].(int64)
		}
		for _, lstats := range astats["large"].([]map[string]interface{}) {
			allocated += lstats["curlextents"].(int64) * lstats["size"].(int64)
		}
		active += astats["pactive"].(int64) << Lgpage
		mapped += astats["mapped"].(int64)
		arenas = append(arenas, astats)
	}
	stats["allocated"] = allocated
	stats["active"] = active
	stats["mapped"] = mapped
	stats["arenas"] = arenas

	if m.hpacentral != nil {
		m.hpacentral.stats(stats)
	}
	if statser, ok := m.hooks.(interface{ Stats() map[string]interface{} }); ok {
		for key, value := range statser.Stats() {
			stats[key] = value
		}
	}
	return stats
}

// Logstats log a summary of allocator statistics.
func (m *Malloc) Logstats() {
	stats := m.Stats()
	infof("malloc: allocated %v active %v mapped %v\n",
		bytestr(stats["allocated"].(int64)), bytestr(stats["active"].(int64)),
		bytestr(stats["mapped"].(int64)))
	debugf("malloc: %v\n", lib.Prettystats(stats, false))
}

// Release cached and retained memory of every arena back to the hooks.
// Outstanding pointers and tcaches become invalid, Malloc must not be
// used afterwards.
func (m *Malloc) Release() {
	for _, a := range m.allarenas() {
		a.tcachemu.Lock()
		a.tcaches = make(map[*Tcache]struct{})
		a.tcachemu.Unlock()
		atomic.StoreInt64(&a.nthreads, 0)
		a.reset()
		a.Decay(false, true /*all*/)
		a.destroy()
	}
	m.arenamu.Lock()
	for i := range m.arenas {
		m.arenas[i] = nil
	}
	m.arenamu.Unlock()
	if m.hpacentral != nil {
		m.hpacentral.destroy()
	}
}
