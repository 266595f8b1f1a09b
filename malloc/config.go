package malloc

import "fmt"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"
import "github.com/cloudfoundry/gosigar"

// Maxarenas arenas that can exist at the same time, automatic and
// manual.
const Maxarenas = 4095

// Defaultsettings for allocator.
//
// "narenas" (int64, default: 4)
//		Number of automatic arenas, tcaches are spread across them.
//
// "dirty_decay_ms" (int64, default: 10000)
//		Time for dirty pages to decay into muzzy or retained. -1
//		disables purging, 0 purges immediately.
//
// "muzzy_decay_ms" (int64, default: 0)
//		Time for muzzy pages to decay into retained. 0 skips the
//		muzzy state altogether.
//
// "retain" (bool, default: true)
//		Virtual memory is never given back, unused ranges are kept
//		as retained extents.
//
// "oversize_threshold" (int64, default: 8MB)
//		Allocations from automatic arenas beyond this size are served
//		by a dedicated huge arena that decays immediately. 0 disables.
//
// "lg_extent_max_active_fit" (int64, default: 6)
//		Reuse a cached extent only if it is within 2^lg times the
//		requested size.
//
// "decay.ticks" (int64, default: 1000)
//		Arena operations between foreground decay passes.
//
// "tcache" (bool, default: true)
//		Enable thread caches.
//
// "tcache.lg_max" (int64, default: 15)
//		Size classes up to 2^lg_max bytes are cached, never less than
//		the largest small class.
//
// "tcache.nslots_small_min" (int64, default: 20)
// "tcache.nslots_small_max" (int64, default: 200)
//		Bounds on cache slots for small classes, slots default to
//		twice the regions per slab.
//
// "tcache.nslots_large" (int64, default: 20)
//		Cache slots for large classes.
//
// "tcache.gc_incr_bytes" (int64, default: 65536)
//		Bytes allocated or freed through a tcache between GC events.
//
// "bin.shards" (int64, default: 1)
//		Number of shards per small size class.
//
// "hpa" (bool, default: false)
//		Enable hugepage aware allocator for page runs.
//
// "hpa.slab_max_alloc" (int64, default: 64KB)
// "hpa.hugification_threshold" (int64, default: 95% of hugepage)
// "hpa.dehugification_threshold" (int64, default: 20% of hugepage)
// "hpa.dirty_mult" (float64, default: 0.25)
// "hpa.central_grow" (int64, default: 4)
//		Hugepage allocator tunables, a negative dirty_mult disables
//		purging, central_grow is in hugepages.
//
// "hpa.deferral" (bool, default: false)
//		Leave hugify and purge work to a background worker.
//
// "hooks" (string, default: "vmem")
//		Backing storage, "vmem" for a simulated address space or
//		"mmap" for anonymous mappings.
//
// "capacity" (int64, default: free RAM)
//		Address space capacity for "vmem". Sizes can also be given as
//		strings like "8MB".
func Defaultsettings() lib.Settings {
	_, _, free := getsysmem()
	capacity := int64(free)
	if capacity < 64*Hugepage {
		capacity = 64 * Hugepage
	}
	return lib.Settings{
		"narenas":                      int64(4),
		"dirty_decay_ms":               int64(10000),
		"muzzy_decay_ms":               int64(0),
		"retain":                       true,
		"oversize_threshold":           int64(8 * 1024 * 1024),
		"lg_extent_max_active_fit":     int64(6),
		"decay.ticks":                  int64(1000),
		"tcache":                       true,
		"tcache.lg_max":                int64(15),
		"tcache.nslots_small_min":      int64(20),
		"tcache.nslots_small_max":      int64(200),
		"tcache.nslots_large":          int64(20),
		"tcache.gc_incr_bytes":         int64(65536),
		"bin.shards":                   int64(1),
		"hpa":                          false,
		"hpa.slab_max_alloc":           int64(64 * 1024),
		"hpa.hugification_threshold":   Hugepage * 95 / 100,
		"hpa.dehugification_threshold": Hugepage * 20 / 100,
		"hpa.dirty_mult":               float64(0.25),
		"hpa.central_grow":             int64(4),
		"hpa.deferral":                 false,
		"hooks":                        "vmem",
		"capacity":                     capacity,
	}
}

// tcacheconfig derived from settings once, shared by every tcache.
type tcacheconfig struct {
	enabled        bool
	maxclass       int64
	nhbins         int
	ncachedmax     []int64
	nslotssmallmax int64
	gcincrbytes    int64
}

func newtcacheconfig(setts lib.Settings) tcacheconfig {
	config := tcacheconfig{
		enabled:        setts.Bool("tcache"),
		nslotssmallmax: setts.Int64("tcache.nslots_small_max"),
		gcincrbytes:    setts.Int64("tcache.gc_incr_bytes"),
	}
	nslotsmin := setts.Int64("tcache.nslots_small_min")
	nslotslarge := setts.Int64("tcache.nslots_large")
	if nslotsmin < 1 || config.nslotssmallmax < nslotsmin || nslotslarge < 1 {
		panicerr("invalid tcache slots %v-%v, %v",
			nslotsmin, config.nslotssmallmax, nslotslarge)
	}
	if config.gcincrbytes < 1 {
		config.gcincrbytes = 1
	}

	lgmax := setts.Int64("tcache.lg_max")
	if lgmax < 0 || lgmax > lgmaxclass {
		panicerr("invalid tcache.lg_max %v", lgmax)
	}
	config.maxclass = int64(1) << uint(lgmax)
	if config.maxclass < Smallmaxclass {
		config.maxclass = Smallmaxclass
	}
	config.nhbins = Sizeindex(config.maxclass) + 1

	config.ncachedmax = make([]int64, config.nhbins)
	for binind := range config.ncachedmax {
		if binind >= nbins {
			config.ncachedmax[binind] = nslotslarge
			continue
		}
		nslots := bininfos[binind].nregs * 2
		if nslots < nslotsmin {
			nslots = nslotsmin
		} else if nslots > config.nslotssmallmax {
			nslots = config.nslotssmallmax
		}
		config.ncachedmax[binind] = nslots
	}
	return config
}

func newhpaconfig(setts lib.Settings) hpaconfig {
	config := hpaconfig{
		slabmaxalloc:      setts.Bytes("hpa.slab_max_alloc"),
		hugifythreshold:   setts.Bytes("hpa.hugification_threshold"),
		dehugifythreshold: setts.Bytes("hpa.dehugification_threshold"),
		dirtymult:         setts.Float64("hpa.dirty_mult"),
		deferral:          setts.Bool("hpa.deferral"),
	}
	if config.slabmaxalloc > Hugepage {
		config.slabmaxalloc = Hugepage
	}
	return config
}

// oversizethreshold valid only within the large size classes, anything
// else disables the huge arena.
func oversizethreshold(threshold int64) int64 {
	if threshold < Largeminclass || threshold > Largemaxclass {
		return 0
	}
	return threshold
}

func validatesettings(setts lib.Settings) error {
	if n := setts.Int64("narenas"); n < 1 || n >= Maxarenas {
		return fmt.Errorf("narenas %v out of range [1, %v)", n, Maxarenas)
	}
	for _, key := range []string{"dirty_decay_ms", "muzzy_decay_ms"} {
		if ms := setts.Int64(key); !validdecayms(ms) {
			return fmt.Errorf("%v %v: %w", key, ms, api.ErrorInvalidDecay)
		}
	}
	switch hooks := setts.String("hooks"); hooks {
	case "vmem", "mmap":
	default:
		return fmt.Errorf("unknown hooks %q", hooks)
	}
	return nil
}

func getsysmem() (total, used, free uint64) {
	mem := sigar.Mem{}
	mem.Get()
	return mem.Total, mem.Used, mem.Free
}
