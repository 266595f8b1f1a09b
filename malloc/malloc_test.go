package malloc

import "time"
import "errors"
import "testing"
import "sync/atomic"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// testmalloc allocator over a simulated address space with a frozen
// clock and foreground ticking disabled.
func testmalloc(t *testing.T, setts lib.Settings) (*Malloc, *Vmem, *testclock) {
	vm := NewVmem(1024*Hugepage, true)
	clock := &testclock{now: 1000}
	base := lib.Settings{"decay.ticks": int64(0)}
	m, err := newmalloc(vm, base.Mixin(setts), clock.read)
	if err != nil {
		t.Fatal(err)
	}
	return m, vm, clock
}

func TestNewMalloc(t *testing.T) {
	m, err := NewMalloc(nil, lib.Settings{"capacity": "256MiB"})
	if err != nil {
		t.Fatal(err)
	}
	vm, ok := m.hooks.(*Vmem)
	if !ok {
		t.Fatalf("unexpected hooks %T", m.hooks)
	} else if vm.capacity != 256*1024*1024 {
		t.Errorf("expected %v, got %v", 256*1024*1024, vm.capacity)
	}
	if x := m.Narenas(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	} else if x := len(m.Arenas()); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}

	_, err = NewMalloc(nil, lib.Settings{"narenas": int64(0)})
	if err == nil {
		t.Errorf("expected error")
	}
	_, err = NewMalloc(nil, lib.Settings{"dirty_decay_ms": int64(-5)})
	if !errors.Is(err, api.ErrorInvalidDecay) {
		t.Errorf("expected %v, got %v", api.ErrorInvalidDecay, err)
	}
	_, err = NewMalloc(nil, lib.Settings{"hooks": "xyz"})
	if err == nil {
		t.Errorf("expected error")
	}
}

func TestMallocAlloc(t *testing.T) {
	m, _, _ := testmalloc(t, nil)

	ptr := m.Alloc(0)
	if ptr == 0 {
		t.Fatalf("unexpected allocation failure")
	} else if x := m.Usablesize(ptr); x != 8 {
		t.Errorf("expected %v, got %v", 8, x)
	}
	m.Free(ptr)
	if ptr := m.Alloc(Largemaxclass + 1); ptr != 0 {
		t.Errorf("unexpected %x", ptr)
	}
	m.Free(0)
	if x := m.Usablesize(0); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	sizes := []int64{1, 17, 100, 1000, 3000, Smallmaxclass, Largeminclass, 100000}
	ptrs := make([]uintptr, 0)
	for _, size := range sizes {
		ptr := m.Alloc(size)
		if x := m.Usablesize(ptr); x != Usablesize(size) {
			t.Errorf("for %v expected %v, got %v", size, Usablesize(size), x)
		}
		ptrs = append(ptrs, ptr)
	}
	stats := m.Stats()
	allocated := int64(0)
	for _, size := range sizes {
		allocated += Usablesize(size)
	}
	if x := stats["allocated"].(int64); x != allocated {
		t.Errorf("expected %v, got %v", allocated, x)
	}
	for _, ptr := range ptrs {
		m.Free(ptr)
	}
	if x := m.Stats()["allocated"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("expected panic")
			}
		}()
		m.Free(Vmembase - 8)
	}()
}

func TestMallocCalloc(t *testing.T) {
	m, vm, _ := testmalloc(t, nil)
	nzeros := vm.Stats()["vmem.nzeros"].(int64)
	ptr := m.Calloc(100)
	if x := vm.Stats()["vmem.nzeros"].(int64); x != nzeros+1 {
		t.Errorf("expected %v, got %v", nzeros+1, x)
	}
	m.Free(ptr)
}

func TestMallocAligned(t *testing.T) {
	m, _, _ := testmalloc(t, nil)

	testcases := [][2]int64{
		{100, 64}, {100, 8192}, {5000, 256}, {Largeminclass + 1, 65536},
	}
	for _, tcase := range testcases {
		size, alignment := tcase[0], tcase[1]
		ptr := m.Aligned(size, alignment)
		if ptr == 0 {
			t.Errorf("unexpected failure for %v", tcase)
		} else if ptr%uintptr(alignment) != 0 {
			t.Errorf("%x not aligned to %v", ptr, alignment)
		} else if x := m.Usablesize(ptr); x < size {
			t.Errorf("expected at least %v, got %v", size, x)
		}
		m.Free(ptr)
	}
	if ptr := m.Aligned(100, 3); ptr != 0 {
		t.Errorf("unexpected %x", ptr)
	} else if ptr := m.Aligned(100, 2*Largemaxclass); ptr != 0 {
		t.Errorf("unexpected %x", ptr)
	}

	if x := alignedusize(100, 64); x != 128 {
		t.Errorf("expected %v, got %v", 128, x)
	} else if x := alignedusize(100, 8192); x != Largeminclass {
		t.Errorf("expected %v, got %v", Largeminclass, x)
	} else if x := alignedusize(Largemaxclass, Hugepage); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestMallocRealloc(t *testing.T) {
	m, vm, _ := testmalloc(t, nil)

	ptr := m.Realloc(0, Largeminclass)
	if ptr == 0 {
		t.Fatalf("unexpected allocation failure")
	}
	// grows in place into the retained range that follows.
	if x := m.Realloc(ptr, 2*Largeminclass); x != ptr {
		t.Errorf("expected %x, got %x", ptr, x)
	} else if x := m.Usablesize(ptr); x != 2*Largeminclass {
		t.Errorf("expected %v, got %v", 2*Largeminclass, x)
	}
	if x := m.Realloc(ptr, 20000); x != ptr {
		t.Errorf("expected %x, got %x", ptr, x)
	} else if x := m.Usablesize(ptr); x != 20480 {
		t.Errorf("expected %v, got %v", 20480, x)
	}

	ncopies := vm.Stats()["vmem.ncopies"].(int64)
	small := m.Realloc(ptr, 100)
	if small == ptr {
		t.Errorf("expected a move")
	} else if x := m.Usablesize(small); x != 112 {
		t.Errorf("expected %v, got %v", 112, x)
	} else if x := vm.Stats()["vmem.ncopies"].(int64); x != ncopies+1 {
		t.Errorf("expected %v, got %v", ncopies+1, x)
	}
	// same size class stays put.
	if x := m.Realloc(small, 110); x != small {
		t.Errorf("expected %x, got %x", small, x)
	}
	if x := m.Realloc(small, Largemaxclass+1); x != 0 {
		t.Errorf("unexpected %x", x)
	}
	if x := m.Realloc(small, 0); x != 0 {
		t.Errorf("unexpected %x", x)
	}
	if x := m.Stats()["allocated"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestMallocHuge(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	ptr := m.Alloc(8 * 1024 * 1024)
	if ptr == 0 {
		t.Fatalf("unexpected allocation failure")
	}
	ind := atomic.LoadInt64(&m.hugeind)
	if ind < int64(m.narenasauto) {
		t.Fatalf("unexpected huge arena %v", ind)
	}
	e, _, _ := m.emap.lookup(ptr)
	if int64(e.arenaind) != ind {
		t.Errorf("expected %v, got %v", ind, e.arenaind)
	}
	huge, _ := m.Arena(int(ind))
	if x := huge.DirtyDecayms(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	m.Free(ptr)
	if x := huge.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
	// below the threshold, automatic arenas serve it.
	ptr = m.Alloc(4 * 1024 * 1024)
	if e, _, _ := m.emap.lookup(ptr); int64(e.arenaind) == ind {
		t.Errorf("unexpected huge arena")
	}
	m.Free(ptr)

	if err := m.ArenaDestroy(int(ind)); err != nil {
		t.Fatal(err)
	} else if x := atomic.LoadInt64(&m.hugeind); x != -1 {
		t.Errorf("expected %v, got %v", -1, x)
	}
}

func TestMallocArenas(t *testing.T) {
	m, vm, _ := testmalloc(t, nil)

	a, err := m.ArenaCreate()
	if err != nil {
		t.Fatal(err)
	} else if x := a.Ind(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
	if x, err := m.Arena(4); err != nil || x != a {
		t.Errorf("unexpected %v %v", x, err)
	} else if _, err := m.Arena(100); err != api.ErrorInvalidArena {
		t.Errorf("expected %v, got %v", api.ErrorInvalidArena, err)
	}
	if err := m.ArenaReset(0); err != api.ErrorInvalidArena {
		t.Errorf("expected %v, got %v", api.ErrorInvalidArena, err)
	} else if err := m.ArenaReset(1); err != api.ErrorInvalidArena {
		t.Errorf("expected %v, got %v", api.ErrorInvalidArena, err)
	}

	a.Alloc(100)
	a.Alloc(65536)
	if err := m.ArenaReset(4); err != nil {
		t.Fatal(err)
	}
	stats := a.Stats()
	for _, lstats := range stats["large"].([]map[string]interface{}) {
		if x := lstats["curlextents"].(int64); x != 0 {
			t.Errorf("expected %v, got %v", 0, x)
		}
	}
	if x := stats["pactive"].(int64); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	tc := m.NewTcache()
	tc.Reassociate(a)
	if err := m.ArenaDestroy(4); err != api.ErrorArenaBusy {
		t.Errorf("expected %v, got %v", api.ErrorArenaBusy, err)
	}
	tc.Close()
	if err := m.ArenaDestroy(4); err != nil {
		t.Fatal(err)
	} else if _, err := m.Arena(4); err != api.ErrorInvalidArena {
		t.Errorf("expected %v, got %v", api.ErrorInvalidArena, err)
	} else if x := vm.Mapped(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}

	// destroyed slot is reused.
	if a, err := m.ArenaCreate(); err != nil {
		t.Fatal(err)
	} else if x := a.Ind(); x != 4 {
		t.Errorf("expected %v, got %v", 4, x)
	}
}

func TestMallocArenaResetDecay(t *testing.T) {
	m, _, _ := testmalloc(t, lib.Settings{"dirty_decay_ms": int64(0)})
	a, err := m.ArenaCreate()
	if err != nil {
		t.Fatal(err)
	}
	a.Alloc(65536)
	a.Alloc(4 * Largeminclass)
	if err := m.ArenaReset(a.Ind()); err != nil {
		t.Fatal(err)
	}
	// with dirty decay disabled reset purges like a regular free.
	if x := a.pa.ndirty(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	} else if x := a.pa.getnactive(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestMallocArenaDestroyPurging(t *testing.T) {
	m, vm, _ := testmalloc(t, nil)
	a, err := m.ArenaCreate()
	if err != nil {
		t.Fatal(err)
	}
	a.Alloc(65536)
	a.Free(a.Alloc(2 * Largeminclass))
	if x := a.pa.ndirty(); x == 0 {
		t.Fatalf("expected dirty pages")
	}

	// another thread is in the middle of a dirty purge.
	d, _ := a.pa.decayfor(extentDirty)
	d.mu.Lock()
	d.purging = true
	d.mu.Unlock()

	errch := make(chan interface{}, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errch <- r
			}
		}()
		errch <- m.ArenaDestroy(a.Ind())
	}()

	select {
	case r := <-errch:
		t.Fatalf("destroy returned while purging: %v", r)
	case <-time.After(50 * time.Millisecond):
	}
	d.mu.Lock()
	d.purging = false
	d.idle.Broadcast()
	d.mu.Unlock()

	if r := <-errch; r != nil {
		t.Fatalf("unexpected %v", r)
	} else if x := vm.Mapped(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestMallocDecayms(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	if err := m.SetDirtyDecayms(-2); err != api.ErrorInvalidDecay {
		t.Errorf("expected %v, got %v", api.ErrorInvalidDecay, err)
	} else if err := m.SetMuzzyDecayms(Maxdecayms + 1); err != api.ErrorInvalidDecay {
		t.Errorf("expected %v, got %v", api.ErrorInvalidDecay, err)
	}
	if err := m.SetDirtyDecayms(5000); err != nil {
		t.Fatal(err)
	} else if err := m.SetMuzzyDecayms(1000); err != nil {
		t.Fatal(err)
	}
	if x := m.DirtyDecayms(); x != 5000 {
		t.Errorf("expected %v, got %v", 5000, x)
	} else if x := m.MuzzyDecayms(); x != 1000 {
		t.Errorf("expected %v, got %v", 1000, x)
	}
	// only new arenas pick up the defaults.
	a0, _ := m.Arena(0)
	a, _ := m.ArenaCreate()
	if x := a0.DirtyDecayms(); x != 10000 {
		t.Errorf("expected %v, got %v", 10000, x)
	} else if x := a.DirtyDecayms(); x != 5000 {
		t.Errorf("expected %v, got %v", 5000, x)
	} else if x := a.MuzzyDecayms(); x != 1000 {
		t.Errorf("expected %v, got %v", 1000, x)
	}
}

func TestMallocStats(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	p1, p2 := m.Alloc(100), m.Alloc(20000)
	stats := m.Stats()
	for _, key := range []string{"narenas", "arenas", "mapped", "emap.entries", "vmem.nmaps"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("missing %q", key)
		}
	}
	if x := stats["allocated"].(int64); x != 112+20480 {
		t.Errorf("expected %v, got %v", 112+20480, x)
	} else if x := stats["active"].(int64); x < 112+20480 {
		t.Errorf("unexpected active %v", x)
	} else if x := stats["mapped"].(int64); x < stats["active"].(int64) {
		t.Errorf("unexpected mapped %v", x)
	}
	m.Logstats()
	m.Free(p1)
	m.Free(p2)
}

func TestMallocRelease(t *testing.T) {
	m, vm, _ := testmalloc(t, nil)
	ptrs := make([]uintptr, 0)
	for i := int64(1); i < 100; i++ {
		ptrs = append(ptrs, m.Alloc(i*1000))
	}
	for _, ptr := range ptrs {
		m.Free(ptr)
	}
	if vm.Mapped() == 0 {
		t.Fatalf("expected mapped memory")
	}
	m.Release()
	if x := vm.Mapped(); x != 0 {
		t.Errorf("expected %v, got %v", 0, x)
	}
}

func TestMallocHpa(t *testing.T) {
	m, _, _ := testmalloc(t, lib.Settings{"hpa": true})
	ptr := m.Alloc(Largeminclass)
	e, _, _ := m.emap.lookup(ptr)
	if e.pai != paiHPA {
		t.Errorf("expected hugepage allocation, got %v", e)
	}
	// beyond hpa.slab_max_alloc the page allocator serves.
	big := m.Alloc(1024 * 1024)
	if e, _, _ := m.emap.lookup(big); e.pai != paiPAC {
		t.Errorf("expected page allocation, got %v", e)
	}
	stats := m.Stats()
	if x := stats["hpa_central_nmaps"].(int64); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	m.Free(ptr)
	m.Free(big)
	m.Decay(true, true)
	m.Release()
}

func TestMallocPrefork(t *testing.T) {
	m, _, _ := testmalloc(t, nil)
	a, _ := m.Arena(0)
	tc := m.NewTcache()
	m.TcacheCreate()

	m.Prefork()
	donech := make(chan uintptr)
	go func() {
		donech <- a.Alloc(100)
	}()
	select {
	case <-donech:
		t.Errorf("allocation went through while forking")
	case <-time.After(50 * time.Millisecond):
	}
	m.PostforkParent()
	if ptr := <-donech; ptr == 0 {
		t.Errorf("unexpected allocation failure")
	}

	m.Prefork()
	m.PostforkChild()
	// manual tcaches do not count as threads.
	if x := a.Nthreads(); x != 1 {
		t.Errorf("expected %v, got %v", 1, x)
	}
	tc.Close()
}
