package malloc

import "sync"
import "testing"

import "github.com/bnclabs/gomalloc/api"

type testscheduler struct {
	mu     sync.Mutex
	checks []int64
}

func (s *testscheduler) IntervalCheck(arena int, npagesnew int64) {
	s.mu.Lock()
	s.checks = append(s.checks, npagesnew)
	s.mu.Unlock()
}

func (s *testscheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checks)
}

func TestArenaLarge(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	a, _ := m.ArenaCreate()

	ptrs := make([]uintptr, 0)
	for _, size := range []int64{Largeminclass, 20000, 100000, Hugepage} {
		ptr := a.Alloc(size)
		if ptr == 0 {
			t.Fatalf("unexpected allocation failure for %v", size)
		} else if ptr%uintptr(Pagesize) != 0 {
			t.Errorf("unaligned large allocation %x", ptr)
		}
		ptrs = append(ptrs, ptr)
	}
	if x := a.large.length(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	active := Largeminclass + 20480 + 114688 + Hugepage
	if x := a.pa.getnactive() << Lgpage; x != active {
		t.Errorf("expected %v, got %v", active, x)
	}
	for _, ptr := range ptrs {
		a.Free(ptr)
	}
	if x := a.large.length(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := a.pa.ndirty() << Lgpage; x != active {
		t.Errorf("expected %v, got %v", active, x)
	}
}

func TestArenaRallocLarge(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	a, _ := m.ArenaCreate()

	ptr := a.Alloc(Largeminclass)
	e, _, _ := m.emap.lookup(ptr)
	if a.rallocnomovelarge(e, 2*Largeminclass, 2*Largeminclass, false) {
		t.Fatalf("unexpected expand failure")
	} else if e.size != 2*Largeminclass {
		t.Errorf("expected %v, got %v", 2*Largeminclass, e.size)
	}
	// expansion tries the upper bound first.
	if a.rallocnomovelarge(e, Largeminclass, 4*Largeminclass, false) {
		t.Errorf("unexpected failure")
	} else if e.size != 4*Largeminclass {
		t.Errorf("expected %v, got %v", 4*Largeminclass, e.size)
	}
	if a.rallocnomovelarge(e, Largeminclass, Largeminclass, false) {
		t.Errorf("unexpected shrink failure")
	} else if e.size != Largeminclass {
		t.Errorf("expected %v, got %v", Largeminclass, e.size)
	}

	// the range that follows is in use.
	next := a.Alloc(Largeminclass)
	if ne, _, _ := m.emap.lookup(next); ne.base != e.past() {
		t.Fatalf("expected %x, got %x", e.past(), ne.base)
	}
	if !a.rallocnomovelarge(e, 2*Largeminclass, 2*Largeminclass, false) {
		t.Errorf("expected expand failure")
	}
	moved := a.Realloc(ptr, 2*Largeminclass)
	if moved == ptr || moved == 0 {
		t.Errorf("expected a move, got %x", moved)
	}

	stats := a.Stats()
	nmalloc, ndalloc := int64(0), int64(0)
	for _, lstats := range stats["large"].([]map[string]interface{}) {
		nmalloc += lstats["nmalloc"].(int64)
		ndalloc += lstats["ndalloc"].(int64)
	}
	if nmalloc-ndalloc != 2 {
		t.Errorf("expected %v, got %v", 2, nmalloc-ndalloc)
	}
	a.Free(moved)
	a.Free(next)
}

func TestArenaDecay(t *testing.T) {
	m, _, clock := testmalloc(t, nil)
	a, _ := m.ArenaCreate()
	d := a.pa.decaydirty

	a.Free(a.Alloc(Largeminclass))
	if x := a.pa.ndirty(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	clock.now += 2 * d.interval
	a.Decay(false, false)
	// pages of the newest epoch are not purged.
	if x := a.pa.ndirty(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	ns := a.Nsuntilpurge()
	if ns <= 0 || ns > Smoothsteps*d.interval {
		t.Errorf("unexpected %v", ns)
	}

	clock.now += Smoothsteps * d.interval
	a.Decay(false, false)
	if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	stats := a.Stats()
	if x := stats["dirty_purged"].(int64); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	} else if x := stats["retained"].(int64); x == 0 {
		t.Errorf("expected retained memory")
	}
	if x := a.Nsuntilpurge(); x != Decayunbounded {
		t.Errorf("expected %v, got %v", Decayunbounded, x)
	}
}

func TestArenaDecayms(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	a, _ := m.ArenaCreate()

	if err := a.SetDirtyDecayms(-5); err != api.ErrorInvalidDecay {
		t.Errorf("expected %v, got %v", api.ErrorInvalidDecay, err)
	}

	// purging disabled.
	if err := a.SetDirtyDecayms(-1); err != nil {
		t.Fatal(err)
	}
	a.Free(a.Alloc(Largeminclass))
	a.Decay(false, false)
	if x := a.pa.ndirty(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	a.Decay(false, true)
	if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	// purge immediately.
	a.Free(a.Alloc(Largeminclass))
	if err := a.SetDirtyDecayms(0); err != nil {
		t.Fatal(err)
	} else if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	a.Free(a.Alloc(Largeminclass))
	if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	// dirty pages decay into muzzy first.
	if err := a.SetMuzzyDecayms(10000); err != nil {
		t.Fatal(err)
	} else if err := a.SetDirtyDecayms(10000); err != nil {
		t.Fatal(err)
	}
	a.Free(a.Alloc(Largeminclass))
	d, ec := a.pa.decayfor(extentDirty)
	d.mu.Lock()
	a.pa.decayall(d, ec, false /*fully*/)
	d.mu.Unlock()
	if x := a.pa.nmuzzy(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	} else if x := a.MuzzyDecayms(); x != 10000 {
		t.Errorf("expected %v, got %v", 10000, x)
	}
	a.Decay(false, true)
	if x := a.pa.nmuzzy(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestArenaScheduler(t *testing.T) {
	m, _, clock := testmalloc(t, nil)
	a, _ := m.ArenaCreate()
	s := &testscheduler{}
	m.SetScheduler(s)
	d := a.pa.decaydirty

	a.Free(a.Alloc(Largeminclass))
	clock.now += 2 * d.interval
	a.Decay(false, false)
	if x := s.count(); x != 1 {
		t.Fatalf("expected %v, got %v", 1, x)
	} else if x := s.checks[0]; x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}

	// foreground threads leave purging to the worker.
	clock.now += Smoothsteps * d.interval
	a.Decay(false, false)
	if x := a.pa.ndirty(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	} else if x := s.count(); x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	}
	a.Decay(true, false)
	if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := s.count(); x != 2 {
		t.Errorf("expected %v, got %v", 2, x)
	}

	m.SetScheduler(nil)
	if m.backgroundenabled() {
		t.Errorf("unexpected background mode")
	}
}

func TestArenaDecayTicks(t *testing.T) {
	m, _, clock := testmalloc(t, map[string]interface{}{"decay.ticks": int64(10)})
	a, _ := m.ArenaCreate()
	d := a.pa.decaydirty

	a.Free(a.Alloc(Largeminclass))
	clock.now += 2 * d.interval
	for i := 0; i < 5; i++ {
		a.Free(a.Alloc(100))
	}
	clock.now += Smoothsteps * d.interval
	for i := 0; i < 5; i++ {
		a.Free(a.Alloc(100))
	}
	if x := a.pa.ndirty(); x >= 4+bininfos[Sizeindex(100)].slabsize>>Lgpage {
		t.Errorf("expected foreground ticks to purge, got %v dirty", x)
	}
}

func TestArenaRetainGrowLimit(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	a, _ := m.ArenaCreate()
	if err := a.SetRetainGrowLimit(100); err != api.ErrorInvalidSize {
		t.Errorf("expected %v, got %v", api.ErrorInvalidSize, err)
	}
	if err := a.SetRetainGrowLimit(Hugepage); err != nil {
		t.Fatal(err)
	} else if x := a.RetainGrowLimit(); x != Hugepage {
		t.Errorf("expected %v, got %v", Hugepage, x)
	}
}

func TestArenaStats(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	tc := m.NewTcache()
	ptr := tc.Alloc(64)
	a := tc.Arena()

	stats := a.Stats()
	if x := stats["tcache_bytes"].(int64); x != tc.nbytes() || x == 0 {
		t.Errorf("expected %v, got %v", tc.nbytes(), x)
	}
	bins := stats["bins"].([]map[string]interface{})
	if len(bins) != 1 {
		t.Fatalf("expected %v, got %v", 1, len(bins))
	} else if x := bins[0]["size"].(int64); x != 64 {
		t.Errorf("expected %v, got %v", 64, x)
	} else if x := bins[0]["nfills"].(int64); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	if _, ok := stats["tcache_fills"].(map[string]interface{}); !ok {
		t.Errorf("unexpected %T", stats["tcache_fills"])
	}
	if x := stats["nthreads"].(int64); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}

	tc.Free(ptr)
	tc.Close()
	stats = a.Stats()
	if x := stats["tcache_bytes"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	bins = stats["bins"].([]map[string]interface{})
	if x := bins[0]["curregs"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := bins[0]["nrequests"].(int64); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
}
