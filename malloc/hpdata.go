package malloc

import "fmt"

// hpdata tracks page usage inside one hugepage sized region. Pages are
// active when handed out and touched once they may be backed by memory,
// a page can not be active without being touched.
//
// hpdata is not synchronized. While it is a member of a psset it can be
// mutated only after the owner marked it as updating.
type hpdata struct {
	addr uintptr
	age  uint64
	// region handed out by the central registry.
	region *Extent

	huge          bool
	allocallowed  bool
	purgeallowed  bool
	hugifyallowed bool
	midpurge      bool
	midhugify     bool
	updating      bool
	inpsset       bool

	longestfree  int64
	nactive      int64
	activepages  fb
	ntouched     int64
	touchedpages fb

	// psset container links.
	heapidx  int
	pind     int
	hugifyat int64
}

type hpdatapurge struct {
	npurged   int64
	nextbegin int64
	topurge   fb
}

func newhpdata(addr uintptr, age uint64) *hpdata {
	ps := &hpdata{
		activepages:  newfb(Hugepagepages),
		touchedpages: newfb(Hugepagepages),
	}
	ps.init(addr, age)
	return ps
}

func (ps *hpdata) init(addr uintptr, age uint64) {
	ps.addr, ps.age = addr, age
	ps.huge, ps.allocallowed, ps.purgeallowed = false, true, false
	ps.hugifyallowed, ps.midpurge, ps.midhugify = false, false, false
	ps.updating, ps.inpsset = false, false
	ps.longestfree = Hugepagepages
	ps.nactive, ps.ntouched = 0, 0
	ps.activepages.init()
	ps.touchedpages.init()
	ps.heapidx, ps.pind = -1, -1
	ps.assertconsistent()
}

func (ps *hpdata) ndirty() int64 {
	return ps.ntouched - ps.nactive
}

func (ps *hpdata) empty() bool {
	return ps.nactive == 0
}

func (ps *hpdata) full() bool {
	return ps.nactive == Hugepagepages
}

// changing hpdata is in the middle of an operation that dropped the
// shard lock.
func (ps *hpdata) changing() bool {
	return ps.midpurge || ps.midhugify
}

func (ps *hpdata) assertmutable() {
	if ps.inpsset && !ps.updating {
		panicerr("hpdata %v mutated while in psset", ps.addr)
	}
}

// reservealloc size bytes using first fit over free page runs. Caller
// checks that longestfree can serve the request.
func (ps *hpdata) reservealloc(size int64) uintptr {
	ps.assertconsistent()
	ps.assertmutable()
	if !ps.allocallowed {
		panicerr("hpdata %v reservealloc when alloc is not allowed", ps.addr)
	} else if size&pagemask != 0 {
		panicerr("hpdata reservealloc(): unaligned size %v", size)
	}
	npages := size >> Lgpage
	if npages > ps.longestfree {
		panicerr("hpdata reservealloc(): %v pages, longest %v", npages, ps.longestfree)
	}

	var begin, length int64
	start, largestunchosen := int64(0), int64(0)
	for {
		var ok bool
		begin, length, ok = ps.activepages.urangeiter(Hugepagepages, start)
		if !ok {
			panicerr("hpdata reservealloc(): no range for %v pages", npages)
		}
		if length >= npages {
			break
		}
		if length > largestunchosen {
			largestunchosen = length
		}
		start = begin + length
	}
	result := begin
	ps.activepages.setrange(result, npages)
	ps.nactive += npages

	newdirty := ps.touchedpages.ucount(result, npages)
	ps.touchedpages.setrange(result, npages)
	ps.ntouched += newdirty

	// the range we cut from might have been the only longest one.
	if length == ps.longestfree {
		start = result + npages
		for start < Hugepagepages {
			b, l, ok := ps.activepages.urangeiter(Hugepagepages, start)
			if !ok {
				break
			}
			if l == ps.longestfree {
				largestunchosen = l
				break
			}
			if l > largestunchosen {
				largestunchosen = l
			}
			start = b + l
		}
		ps.longestfree = largestunchosen
	}

	ps.assertconsistent()
	return ps.addr + uintptr(result<<Lgpage)
}

// unreserve release pages back, longest free range is updated by
// probing only the run around the released pages.
func (ps *hpdata) unreserve(addr uintptr, size int64) {
	ps.assertconsistent()
	ps.assertmutable()
	if addr&uintptr(pagemask) != 0 || size&pagemask != 0 {
		panicerr("hpdata unreserve(): unaligned %x %v", addr, size)
	}
	begin := int64(addr-ps.addr) >> Lgpage
	npages := size >> Lgpage
	if addr < ps.addr || begin+npages > Hugepagepages {
		panicerr("hpdata unreserve(): %x outside %x", addr, ps.addr)
	} else if ps.activepages.scount(begin, npages) != npages {
		panicerr("hpdata unreserve(): %x has inactive pages", addr)
	}
	oldlongest := ps.longestfree

	ps.activepages.unsetrange(begin, npages)
	newbegin := ps.activepages.fls(Hugepagepages, begin) + 1
	newend := ps.activepages.ffs(Hugepagepages, begin+npages-1)
	if newlen := newend - newbegin; newlen > oldlongest {
		ps.longestfree = newlen
	}
	ps.nactive -= npages

	ps.assertconsistent()
}

// purgebegin compute the set of touched but inactive pages. Return the
// number of pages to purge.
func (ps *hpdata) purgebegin(state *hpdatapurge) int64 {
	ps.assertconsistent()
	state.npurged, state.nextbegin = 0, 0
	if state.topurge == nil {
		state.topurge = newfb(Hugepagepages)
	}
	state.topurge.bitandnot(ps.touchedpages, ps.activepages)
	topurge := ps.ntouched - ps.nactive
	if n := state.topurge.scount(0, Hugepagepages); n != topurge {
		panicerr("hpdata purgebegin(): expected %v pages, got %v", topurge, n)
	}
	ps.assertconsistent()
	return topurge
}

// purgenext next run of pages to purge, false when done. Callable
// without the shard lock, hence no consistency check.
func (ps *hpdata) purgenext(state *hpdatapurge) (uintptr, int64, bool) {
	if state.nextbegin == Hugepagepages {
		return 0, 0, false
	}
	begin, length, ok := state.topurge.srangeiter(Hugepagepages, state.nextbegin)
	if !ok {
		return 0, 0, false
	}
	state.nextbegin = begin + length
	state.npurged += length
	return ps.addr + uintptr(begin<<Lgpage), length << Lgpage, true
}

// purgeend commit the purge, purged pages are no longer touched.
func (ps *hpdata) purgeend(state *hpdatapurge) {
	ps.assertconsistent()
	ps.assertmutable()
	if n := state.topurge.scount(0, Hugepagepages); state.npurged != n {
		panicerr("hpdata purgeend(): purged %v of %v", state.npurged, n)
	}
	ps.touchedpages.bitandnot(ps.touchedpages, state.topurge)
	ps.ntouched -= state.npurged
	ps.assertconsistent()
}

// hugify backing memory for the whole range is now committed.
func (ps *hpdata) hugify() {
	ps.assertconsistent()
	ps.huge = true
	ps.touchedpages.setrange(0, Hugepagepages)
	ps.ntouched = Hugepagepages
	ps.assertconsistent()
}

func (ps *hpdata) dehugify() {
	ps.assertconsistent()
	ps.huge = false
	ps.assertconsistent()
}

func (ps *hpdata) consistent() error {
	if n := ps.activepages.urangelongest(Hugepagepages); n != ps.longestfree {
		return fmt.Errorf("longestfree %v, expected %v", ps.longestfree, n)
	}
	if n := ps.activepages.scount(0, Hugepagepages); n != ps.nactive {
		return fmt.Errorf("nactive %v, expected %v", ps.nactive, n)
	}
	if n := ps.touchedpages.scount(0, Hugepagepages); n != ps.ntouched {
		return fmt.Errorf("ntouched %v, expected %v", ps.ntouched, n)
	}
	if ps.ntouched < ps.nactive {
		return fmt.Errorf("ntouched %v < nactive %v", ps.ntouched, ps.nactive)
	}
	for i := range ps.activepages {
		if ps.activepages[i]&^ps.touchedpages[i] != 0 {
			return fmt.Errorf("active page not touched in word %v", i)
		}
	}
	if ps.changing() && ps.updating {
		return fmt.Errorf("updating while mid purge or mid hugify")
	}
	return nil
}

func (ps *hpdata) assertconsistent() {
	if !debugmode {
		return
	}
	if err := ps.consistent(); err != nil {
		panicerr("hpdata %x: %v", ps.addr, err)
	}
}

func (ps *hpdata) String() string {
	return fmt.Sprintf(
		"hpdata{%x age:%v active:%v touched:%v longest:%v huge:%v}",
		ps.addr, ps.age, ps.nactive, ps.ntouched, ps.longestfree, ps.huge)
}
