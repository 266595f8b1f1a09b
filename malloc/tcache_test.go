package malloc

import "testing"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

func TestTcacheFill(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	defer tc.Close()

	binind := Sizeindex(64)
	cb := tc.bins[binind]
	ptr := tc.Alloc(64)
	if ptr == 0 {
		t.Fatalf("unexpected allocation failure")
	}
	nfill := cb.ncachedmax >> 1
	if x := cb.ncached(); x != nfill-1 {
		t.Errorf("expected %v, got %v", nfill-1, x)
	}
	// cached regions are handed out in address order.
	next := tc.Alloc(64)
	if next != ptr+64 {
		t.Errorf("expected %x, got %x", ptr+64, next)
	}
	tc.Free(next)
	if x := tc.Alloc(64); x != next {
		t.Errorf("expected %x, got %x", next, x)
	}

	b := &tc.arena.bins[binind][0]
	if x := b.stats.nfills; x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	} else if x := b.stats.curregs; x != nfill {
		t.Errorf("expected %v, got %v", nfill, x)
	}
	tc.Free(ptr)
	tc.Free(next)
}

func TestTcacheOverflow(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	defer tc.Close()

	binind := Sizeindex(64)
	cb := tc.bins[binind]
	nmax := cb.ncachedmax

	ptrs := make([]uintptr, 0)
	for i := int64(0); i <= nmax; i++ {
		ptrs = append(ptrs, tc.Alloc(64))
	}
	tc.Flush()
	if x := cb.ncached(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	for _, ptr := range ptrs[:nmax] {
		tc.Free(ptr)
	}
	if !cb.full() {
		t.Fatalf("expected full cache bin")
	}

	cb.lowwaterreset()
	popped := make([]uintptr, 0)
	for i := 0; i < 40; i++ {
		popped = append(popped, tc.Alloc(64))
	}
	for _, ptr := range popped {
		tc.Free(ptr)
	}
	lowwater := cb.getlowwater()
	if lowwater != nmax-40 {
		t.Errorf("expected %v, got %v", nmax-40, lowwater)
	}

	// one more free overflows the bin.
	tc.Free(ptrs[nmax])
	nflush := nmax - lowwater + (lowwater >> 2)
	if x := cb.ncached(); x != nmax-nflush+1 {
		t.Errorf("expected %v, got %v", nmax-nflush+1, x)
	} else if x := cb.getlowwater(); x != nmax-nflush {
		t.Errorf("expected %v, got %v", nmax-nflush, x)
	}
	b := &tc.arena.bins[binind][0]
	if x := b.stats.curregs; x != cb.ncached() {
		t.Errorf("expected %v, got %v", cb.ncached(), x)
	} else if x := b.stats.nflushes; x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	}
}

func TestTcacheGC(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	defer tc.Close()

	binind := Sizeindex(128)
	cb := tc.bins[binind]
	ptrs := make([]uintptr, 0)
	for i := 0; i < 8; i++ {
		ptrs = append(ptrs, tc.Alloc(128))
	}
	for _, ptr := range ptrs {
		tc.Free(ptr)
	}
	cb.lowwaterreset()
	tc.Alloc(128)

	lowwater, ncached := cb.getlowwater(), cb.ncached()
	rem := ncached - lowwater + (lowwater >> 2)
	tc.nextgcbin = binind
	tc.gcevent()
	if x := cb.ncached(); x != rem {
		t.Errorf("expected %v, got %v", rem, x)
	} else if x := cb.getlowwater(); x != rem {
		t.Errorf("expected %v, got %v", rem, x)
	} else if x := tc.lgfilldiv[binind]; x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	} else if x := tc.nextgcbin; x != binind+1 {
		t.Errorf("expected %v, got %v", binind+1, x)
	}

	// drain and refill, the bin was short so fills grow again.
	for i := int64(0); i <= rem; i++ {
		tc.Alloc(128)
	}
	if x := cb.ncached(); x != (cb.ncachedmax>>2)-1 {
		t.Errorf("expected %v, got %v", (cb.ncachedmax>>2)-1, x)
	}
	tc.nextgcbin = binind
	tc.gcevent()
	if x := tc.lgfilldiv[binind]; x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	} else if tc.refilled[binind] {
		t.Errorf("expected refilled to be cleared")
	}

	// round robin wraps over small and large bins.
	tc.nextgcbin = len(tc.bins) - 1
	tc.gcevent()
	if x := tc.nextgcbin; x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestTcacheLarge(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()

	size := int64(32 * 1024)
	if x := m.tconfig.nhbins; x != Sizeindex(size)+1 {
		t.Errorf("expected %v, got %v", Sizeindex(size)+1, x)
	}
	ptr := tc.Alloc(size)
	tc.Free(ptr)
	if x := tc.nbytes(); x != size {
		t.Errorf("expected %v, got %v", size, x)
	} else if x := tc.Alloc(size); x != ptr {
		t.Errorf("expected %x, got %x", ptr, x)
	}
	tc.Free(ptr)

	// beyond tcache.lg_max allocations go to the arena.
	big := tc.Alloc(2 * size)
	tc.Free(big)
	if x := tc.nbytes(); x != size {
		t.Errorf("expected %v, got %v", size, x)
	}

	arena := tc.Arena()
	tc.Close()
	stats := arena.Stats()
	for _, lstats := range stats["large"].([]map[string]interface{}) {
		if x := lstats["curlextents"].(int64); x != 0 {
			t.Errorf("expected %v, got %v", 0, x)
		}
	}
	if x := stats["pdirty"].(int64); x != 0 {
		t.Errorf("expected idle arena to be purged, got %v", x)
	}
}

func TestTcachePeak(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	defer tc.Close()

	size := int64(32 * 1024)
	ptrs := make([]uintptr, 0)
	for i := 0; i < 4; i++ {
		ptrs = append(ptrs, tc.Alloc(size))
	}
	for _, ptr := range ptrs {
		tc.Free(ptr)
	}
	if x := tc.Peak(); x != 4*size {
		t.Errorf("expected %v, got %v", 4*size, x)
	}
	tc.Peakreset()
	if x := tc.Peak(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	ptr := tc.Alloc(size)
	if x := tc.Peak(); x != size {
		t.Errorf("expected %v, got %v", size, x)
	}
	tc.Free(ptr)

	stats := tc.Stats()
	if x := stats["allocated"].(int64); x != 5*size {
		t.Errorf("expected %v, got %v", 5*size, x)
	} else if x := stats["deallocated"].(int64); x != 5*size {
		t.Errorf("expected %v, got %v", 5*size, x)
	}
}

func TestTcacheDisabled(t *testing.T) {
	m, _, _ := testmalloc(t, lib.Settings{"tcache": false})
	tc := m.NewTcache()
	ptr := tc.Alloc(64)
	if ptr == 0 {
		t.Fatalf("unexpected allocation failure")
	} else if x := len(tc.bins); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	tc.Free(ptr)
	if x := tc.nbytes(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	tc.Close()
}

func TestTcacheManual(t *testing.T) {
	m, _, _ := testmalloc(t, nil)

	ind, err := m.TcacheCreate()
	if err != nil {
		t.Fatal(err)
	} else if ind != 0 {
		t.Errorf("expected %v, got %v", 0, ind)
	}
	tc, err := m.Tcache(ind)
	if err != nil {
		t.Fatal(err)
	}
	tc.Free(tc.Alloc(64))
	if x := m.Stats()["tcaches.manual"].(int64); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}

	// flushed slot stays reserved and comes back fresh.
	if err := m.TcacheFlush(ind); err != nil {
		t.Fatal(err)
	}
	tc2, err := m.Tcache(ind)
	if err != nil {
		t.Fatal(err)
	} else if tc2 == tc {
		t.Errorf("expected a new tcache")
	} else if x := tc2.nbytes(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		tc2.Close()
	}()

	if err := m.TcacheDestroy(ind); err != nil {
		t.Fatal(err)
	} else if _, err := m.Tcache(ind); err != api.ErrorInvalidTcache {
		t.Errorf("expected %v, got %v", api.ErrorInvalidTcache, err)
	} else if err := m.TcacheFlush(ind); err != api.ErrorInvalidTcache {
		t.Errorf("expected %v, got %v", api.ErrorInvalidTcache, err)
	} else if err := m.TcacheDestroy(ind); err != api.ErrorInvalidTcache {
		t.Errorf("expected %v, got %v", api.ErrorInvalidTcache, err)
	}
	if _, err := m.Tcache(-1); err != api.ErrorInvalidTcache {
		t.Errorf("expected %v, got %v", api.ErrorInvalidTcache, err)
	} else if _, err := m.Tcache(Maxtcaches); err != api.ErrorInvalidTcache {
		t.Errorf("expected %v, got %v", api.ErrorInvalidTcache, err)
	}

	// freed slots are reused.
	if ind, err := m.TcacheCreate(); err != nil {
		t.Fatal(err)
	} else if ind != 0 {
		t.Errorf("expected %v, got %v", 0, ind)
	}
}

func TestTcacheReassociate(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	old := tc.Arena()
	if x := old.Nthreads(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}

	ptr := tc.Alloc(64)
	a, _ := m.ArenaCreate()
	tc.Reassociate(a)
	if x := old.Nthreads(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := a.Nthreads(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}

	tc.Flush()
	fresh := tc.Alloc(64)
	if e, _, _ := m.emap.lookup(fresh); e.arenaind != a.Ind() {
		t.Errorf("expected %v, got %v", a.Ind(), e.arenaind)
	}
	// regions go back to the arena that owns them.
	tc.Free(ptr)
	tc.Free(fresh)
	tc.Flush()
	if x := m.Stats()["allocated"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	if x := a.Stats()["tcache_bytes"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	tc.Close()
	if x := a.Nthreads(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if err := m.ArenaDestroy(a.Ind()); err != nil {
		t.Error(err)
	}
}

func TestTcacheFlushShard(t *testing.T) {
	m, _, _ := testmalloc(t, lib.Settings{"bin.shards": int64(2)})
	a, _ := m.ArenaCreate()
	tc1, tc2 := m.NewTcache(), m.NewTcache()
	tc1.Reassociate(a)
	tc2.Reassociate(a)

	binind := Sizeindex(64)
	s1, s2 := tc1.binshards[binind], tc2.binshards[binind]
	if s1 == s2 {
		t.Fatalf("expected different shards, got %v", s1)
	}

	// regions from tc1's shard are freed and flushed through tc2.
	ptrs := make([]uintptr, 0)
	for i := 0; i < 10; i++ {
		ptrs = append(ptrs, tc1.Alloc(64))
	}
	for _, ptr := range ptrs {
		tc2.Free(ptr)
	}
	b1, b2 := &a.bins[binind][s1], &a.bins[binind][s2]
	nreq1, nflush1 := b1.stats.nrequests, b1.stats.nflushes
	tc2.bins[binind].nrequests = 7
	tc2.flushsmall(tc2.bins[binind], binind, 0)

	if x := b2.stats.nrequests; x != 7 {
		t.Errorf("expected %v, got %v", 7, x)
	} else if x := b2.stats.nflushes; x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	} else if x := b1.stats.nrequests; x != nreq1 {
		t.Errorf("expected %v, got %v", nreq1, x)
	} else if x := b1.stats.nflushes; x != nflush1 {
		t.Errorf("expected %v, got %v", nflush1, x)
	} else if x := tc2.bins[binind].nrequests; x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	tc1.Close()
	tc2.Close()
	if x := m.Stats()["allocated"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}
