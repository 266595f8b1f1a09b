// Package background runs decay and deferred hugepage work for an
// allocator on a dedicated goroutine.
package background

import "sync"
import "time"
import "sync/atomic"
import "runtime/debug"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"
import "github.com/bnclabs/gomalloc/malloc"
import humanize "github.com/dustin/go-humanize"

// Defaultsettings for background worker.
//
// "npages_threshold" (int64, default: 1024)
//		Pages of new dirty memory, across arenas, that wake the
//		worker ahead of its schedule.
//
// "min_sleep_ms" (int64, default: 100)
//		Shortest sleep between two decay passes.
//
// "max_sleep_ms" (int64, default: 10000)
//		Longest sleep, used when no arena has pages to purge.
func Defaultsettings() lib.Settings {
	return lib.Settings{
		"npages_threshold": int64(1024),
		"min_sleep_ms":     int64(100),
		"max_sleep_ms":     int64(10000),
	}
}

// Worker purge unused pages in the background. Registered as the
// allocator's api.Scheduler it takes over purging from application
// goroutines.
type Worker struct {
	// stats, must be 8-byte aligned.
	npending  int64
	nwakeups  int64
	nchecks   int64
	npasses   int64
	nroutines int64

	m         *malloc.Malloc
	threshold int64
	minsleep  time.Duration
	maxsleep  time.Duration

	wakech chan struct{}
	finch  chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New background worker for m, setts are mixed into Defaultsettings().
func New(m *malloc.Malloc, setts lib.Settings) *Worker {
	setts = Defaultsettings().Mixin(setts)
	w := &Worker{
		m:         m,
		threshold: setts.Int64("npages_threshold"),
		minsleep:  time.Duration(setts.Int64("min_sleep_ms")) * time.Millisecond,
		maxsleep:  time.Duration(setts.Int64("max_sleep_ms")) * time.Millisecond,
		wakech:    make(chan struct{}, 1),
		finch:     make(chan struct{}),
	}
	if w.threshold < 1 {
		w.threshold = 1
	}
	if w.maxsleep < w.minsleep {
		w.maxsleep = w.minsleep
	}
	return w
}

// Start the worker and register it with the allocator.
func (w *Worker) Start() {
	w.m.SetScheduler(w)
	w.wg.Add(1)
	go w.run()
}

// Close stop the worker, purging goes back to application goroutines.
func (w *Worker) Close() {
	w.once.Do(func() {
		w.m.SetScheduler(nil)
		close(w.finch)
		w.wg.Wait()
	})
}

// IntervalCheck implement api.Scheduler{} interface. Zero pages means
// deferred hugepage work is pending and wakes the worker right away.
func (w *Worker) IntervalCheck(arena int, npagesnew int64) {
	atomic.AddInt64(&w.nchecks, 1)
	if npagesnew > 0 {
		if atomic.AddInt64(&w.npending, npagesnew) < w.threshold {
			return
		}
		atomic.StoreInt64(&w.npending, 0)
	}
	w.wake()
}

func (w *Worker) wake() {
	select {
	case w.wakech <- struct{}{}:
		atomic.AddInt64(&w.nwakeups, 1)
	default:
	}
}

var _ api.Scheduler = (*Worker)(nil)

func (w *Worker) run() {
	infof("background: starting, wakeup after %v pages ...\n",
		humanize.Comma(w.threshold))
	defer func() {
		if r := recover(); r != nil {
			errorf("background: crashed %v\n", r)
			errorf("\n%s", lib.GetStacktrace(2, debug.Stack()))
		} else {
			infof("background: stopped\n")
		}
		atomic.AddInt64(&w.nroutines, -1)
		w.wg.Done()
	}()

	atomic.AddInt64(&w.nroutines, 1)
	timer := time.NewTimer(w.maxsleep)
	defer timer.Stop()
loop:
	for {
		select {
		case <-w.finch:
			break loop
		case <-w.wakech:
		case <-timer.C:
		}
		sleep := w.decay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
	}
}

// decay one pass over all arenas, return how long to sleep.
func (w *Worker) decay() time.Duration {
	atomic.AddInt64(&w.npasses, 1)
	ns := malloc.Decayunbounded
	for _, a := range w.m.Arenas() {
		a.Decay(true /*background*/, false /*all*/)
		if x := a.Nsuntilpurge(); x < ns {
			ns = x
		}
	}
	return w.sleepfor(ns)
}

func (w *Worker) sleepfor(ns int64) time.Duration {
	if ns == malloc.Decayunbounded || time.Duration(ns) > w.maxsleep {
		return w.maxsleep
	} else if time.Duration(ns) < w.minsleep {
		return w.minsleep
	}
	debugf("background: next pass in %v\n", time.Duration(ns))
	return time.Duration(ns)
}

// Stats worker counters.
func (w *Worker) Stats() map[string]interface{} {
	return map[string]interface{}{
		"npending":  atomic.LoadInt64(&w.npending),
		"nwakeups":  atomic.LoadInt64(&w.nwakeups),
		"nchecks":   atomic.LoadInt64(&w.nchecks),
		"npasses":   atomic.LoadInt64(&w.npasses),
		"nroutines": atomic.LoadInt64(&w.nroutines),
		"threshold": w.threshold,
	}
}
