package malloc

import "fmt"
import "sync/atomic"

type extentState uint32

const (
	extentActive extentState = iota
	extentDirty
	extentMuzzy
	extentRetained
	// neighbour acquired for merging, not part of any collection.
	extentMerging
)

func (state extentState) String() string {
	switch state {
	case extentActive:
		return "active"
	case extentDirty:
		return "dirty"
	case extentMuzzy:
		return "muzzy"
	case extentRetained:
		return "retained"
	case extentMerging:
		return "merging"
	}
	panic("unexpected extent state")
}

// page allocator that owns an extent.
type paikind uint8

const (
	paiPAC paikind = iota
	paiHPA
)

// Extent describes a contiguous range of pages. An extent is owned by
// exactly one collection at any time: an ecache, a bin, or the caller
// that allocated it.
type Extent struct {
	base      uintptr
	size      int64
	state     uint32 // extentState, read without the owner's lock.
	sn        uint64
	szind     int
	arenaind  int
	binshard  int
	slab      bool
	head      bool
	zeroed    bool
	committed bool
	pai       paikind
	hpdata    *hpdata

	// slab only.
	nfree int64
	fbits *freebits

	// container links, an extent is in one container at a time.
	heapidx int
	prev    *Extent
	next    *Extent
}

func (e *Extent) init(
	arenaind int, base uintptr, size int64, slab bool, szind int,
	sn uint64, state extentState, zeroed, committed bool,
	pai paikind, head bool) *Extent {

	e.base, e.size, e.slab, e.szind, e.sn = base, size, slab, szind, sn
	e.arenaind, e.zeroed, e.committed, e.pai, e.head =
		arenaind, zeroed, committed, pai, head
	e.setstate(state)
	e.binshard, e.nfree, e.fbits, e.hpdata = 0, 0, nil, nil
	e.heapidx, e.prev, e.next = -1, nil, nil
	return e
}

// Base address of this extent.
func (e *Extent) Base() uintptr {
	return e.base
}

// Size of this extent in bytes.
func (e *Extent) Size() int64 {
	return e.size
}

// Szind size class index of active extent.
func (e *Extent) Szind() int {
	return e.szind
}

// Arena index that owns this extent.
func (e *Extent) Arena() int {
	return e.arenaind
}

// Isslab return whether this extent is carved into regions.
func (e *Extent) Isslab() bool {
	return e.slab
}

func (e *Extent) npages() int64 {
	return e.size >> Lgpage
}

// last page address of this extent.
func (e *Extent) last() uintptr {
	return e.base + uintptr(e.size) - uintptr(Pagesize)
}

// past first address beyond this extent.
func (e *Extent) past() uintptr {
	return e.base + uintptr(e.size)
}

func (e *Extent) getstate() extentState {
	return extentState(atomic.LoadUint32(&e.state))
}

func (e *Extent) setstate(state extentState) {
	atomic.StoreUint32(&e.state, uint32(state))
}

func (e *Extent) String() string {
	fmsg := "{%x+%v %v sn:%v szind:%v slab:%v}"
	return fmt.Sprintf(fmsg, e.base, e.size, e.getstate(), e.sn, e.szind, e.slab)
}

// snadless orders by serial number, then by address.
func snadless(a, b *Extent) bool {
	if a.sn != b.sn {
		return a.sn < b.sn
	}
	return a.base < b.base
}

// adless orders by address.
func adless(a, b *Extent) bool {
	return a.base < b.base
}

//---- intrusive list

// extentlist doubly linked list threaded through Extent.prev/next.
type extentlist struct {
	head *Extent
	tail *Extent
	n    int64
}

func (l *extentlist) empty() bool {
	return l.head == nil
}

func (l *extentlist) first() *Extent {
	return l.head
}

func (l *extentlist) length() int64 {
	return l.n
}

func (l *extentlist) append(e *Extent) {
	e.prev, e.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.n++
}

func (l *extentlist) prepend(e *Extent) {
	e.prev, e.next = nil, l.head
	if l.head != nil {
		l.head.prev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.n++
}

func (l *extentlist) remove(e *Extent) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	l.n--
}

func (l *extentlist) popfirst() *Extent {
	e := l.head
	if e != nil {
		l.remove(e)
	}
	return e
}

// concat move all items from other to the tail of this list.
func (l *extentlist) concat(other *extentlist) {
	for e := other.popfirst(); e != nil; e = other.popfirst() {
		l.append(e)
	}
}
