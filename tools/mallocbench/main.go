package main

import "fmt"
import "flag"
import "sync"
import "time"
import "strconv"
import "math/rand"

import "github.com/bnclabs/gomalloc/lib"
import "github.com/bnclabs/gomalloc/log"
import "github.com/bnclabs/gomalloc/malloc"
import "github.com/bnclabs/gomalloc/background"
import humanize "github.com/dustin/go-humanize"

var options struct {
	routines   int
	n          int
	live       int
	sizes      []int64
	hooks      string
	capacity   string
	narenas    int
	hpa        bool
	background bool
	decayms    int64
	logs       []string
	loglevel   string
	pretty     bool
}

func argParse() {
	var sizes, logs string

	flag.IntVar(&options.routines, "routines", 8,
		"number of goroutines, each with its own tcache")
	flag.IntVar(&options.n, "n", 1000000,
		"allocations per goroutine")
	flag.IntVar(&options.live, "live", 1000,
		"allocations held live per goroutine")
	flag.StringVar(&sizes, "sizes", "8,16,48,100,1000,4096,20000,100000",
		"comma separated list of allocation sizes, in bytes")
	flag.StringVar(&options.hooks, "hooks", "vmem",
		"backing storage, vmem or mmap")
	flag.StringVar(&options.capacity, "capacity", "16GiB",
		"address space for vmem hooks")
	flag.IntVar(&options.narenas, "narenas", 4,
		"number of automatic arenas")
	flag.BoolVar(&options.hpa, "hpa", false,
		"enable hugepage aware allocator")
	flag.BoolVar(&options.background, "background", false,
		"purge from a background worker")
	flag.Int64Var(&options.decayms, "decayms", 10000,
		"dirty decay time in milliseconds")
	flag.StringVar(&logs, "logs", "",
		"comma separated list of components to log")
	flag.StringVar(&options.loglevel, "loglevel", "info",
		"log level")
	flag.BoolVar(&options.pretty, "pretty", true,
		"pretty print statistics")
	flag.Parse()

	for _, s := range lib.Parsecsv(sizes) {
		size, err := strconv.ParseInt(s, 10, 64)
		if err != nil || size <= 0 {
			fmt.Printf("invalid size %q\n", s)
			continue
		}
		options.sizes = append(options.sizes, size)
	}
	options.logs = lib.Parsecsv(logs)
}

func main() {
	argParse()
	if len(options.sizes) == 0 {
		fmt.Println("no sizes to allocate")
		return
	}

	log.SetLogger(nil, map[string]interface{}{"log.level": options.loglevel})
	malloc.LogComponents(options.logs...)
	background.LogComponents(options.logs...)

	setts := lib.Settings{
		"hooks":          options.hooks,
		"capacity":       options.capacity,
		"narenas":        int64(options.narenas),
		"hpa":            options.hpa,
		"dirty_decay_ms": options.decayms,
	}
	m, err := malloc.NewMalloc(nil, setts)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	var w *background.Worker
	if options.background {
		w = background.New(m, nil)
		w.Start()
	}

	now := time.Now()
	var wg sync.WaitGroup
	wg.Add(options.routines)
	for i := 0; i < options.routines; i++ {
		go workload(m, int64(i), &wg)
	}
	wg.Wait()
	elapsed := time.Since(now)

	nops := uint64(options.routines) * uint64(options.n) * 2
	fmt.Printf("Took %v for %v operations, %v ns/op\n",
		elapsed, humanize.Comma(int64(nops)),
		elapsed.Nanoseconds()/int64(nops))

	if w != nil {
		w.Close()
		fmt.Println(lib.Prettystats(w.Stats(), options.pretty))
	}
	printstats(m)
	m.Release()
}

func workload(m *malloc.Malloc, seed int64, wg *sync.WaitGroup) {
	defer wg.Done()

	rnd := rand.New(rand.NewSource(seed))
	tc := m.NewTcache()
	defer tc.Close()

	live := make([]uintptr, options.live)
	for i := 0; i < options.n; i++ {
		off := rnd.Intn(len(live))
		size := options.sizes[rnd.Intn(len(options.sizes))]
		if ptr := live[off]; ptr != 0 && rnd.Intn(10) == 0 {
			live[off] = tc.Realloc(ptr, size)
			continue
		} else if ptr != 0 {
			tc.Free(ptr)
		}
		live[off] = tc.Alloc(size)
	}
	for _, ptr := range live {
		if ptr != 0 {
			tc.Free(ptr)
		}
	}
}

func printstats(m *malloc.Malloc) {
	stats := m.Stats()
	fmt.Printf("allocated: %v, active: %v, mapped: %v\n",
		humanize.IBytes(uint64(stats["allocated"].(int64))),
		humanize.IBytes(uint64(stats["active"].(int64))),
		humanize.IBytes(uint64(stats["mapped"].(int64))),
	)
	fmt.Println(lib.Prettystats(stats, options.pretty))
}
