package malloc

import "math"
import "math/rand"
import "sync"
import "sync/atomic"

// Smoothsteps number of epochs over which a page decays.
const Smoothsteps = 200

// smoothstep weights are fixed point with this many fractional bits.
const smoothstepbfp = 24

// Decayunbounded returned by nsuntilpurge when no purge is pending.
const Decayunbounded = int64(math.MaxInt64)

// Maxdecayms largest configurable decay time.
const Maxdecayms = int64(math.MaxInt64 / 1000000)

// hsteps[i] fraction of pages, added i epochs before the newest, that
// are allowed to remain unpurged. Newest weight is 1.0.
var hsteps [Smoothsteps]int64

func init() {
	for i := 0; i < Smoothsteps; i++ {
		x := float64(i+1) / float64(Smoothsteps)
		h := smootherstep(x) * float64(int64(1)<<smoothstepbfp)
		hsteps[i] = int64(math.Floor(h + 0.5))
	}
}

// smootherstep 6x^5 - 15x^4 + 10x^3.
func smootherstep(x float64) float64 {
	return x * x * x * (x*(x*6-15) + 10)
}

type purgemode int

const (
	// purge whenever asked, used by background workers.
	purgeAlways purgemode = iota
	// never purge, foreground threads defer to a background worker.
	purgeNever
	// purge only when an epoch advanced.
	purgeOnEpochAdvance
)

// decay controller for one ecache. Tracks a backlog of pages that
// became unused in recent epochs and computes how many pages may stay
// unpurged so that pages decay along a smooth curve over decayms.
type decay struct {
	mu      sync.Mutex
	purging bool
	idle    *sync.Cond // signalled when purging clears
	decayms int64 // atomic

	interval    int64 // nanoseconds per epoch
	epoch       int64
	deadline    int64
	jitter      *rand.Rand
	nunpurged   int64
	npageslimit int64
	backlog     [Smoothsteps]int64

	// stats, guarded by the shard's stats lock.
	npurge   int64
	nmadvise int64
	purged   int64
}

// validdecayms decayms can be -1 to disable purging, 0 for immediate
// purge or a positive number of milliseconds.
func validdecayms(decayms int64) bool {
	return decayms >= -1 && decayms <= Maxdecayms
}

func newdecay(now, decayms int64, seed int64) *decay {
	d := &decay{jitter: rand.New(rand.NewSource(seed))}
	d.idle = sync.NewCond(&d.mu)
	d.reinit(now, decayms)
	return d
}

func (d *decay) getms() int64 {
	return atomic.LoadInt64(&d.decayms)
}

// gradually decay is spread over epochs.
func (d *decay) gradually() bool {
	return d.getms() > 0
}

// reinit reset the controller with a new decay time, caller holds lock.
func (d *decay) reinit(now, decayms int64) {
	atomic.StoreInt64(&d.decayms, decayms)
	if decayms > 0 {
		d.interval = (decayms * 1000000) / Smoothsteps
	}
	d.epoch = now
	d.deadlineinit()
	d.nunpurged, d.npageslimit = 0, 0
	for i := range d.backlog {
		d.backlog[i] = 0
	}
}

func (d *decay) deadlineinit() {
	d.deadline = d.epoch + d.interval
	if d.getms() > 0 && d.interval > 0 {
		d.deadline += d.jitter.Int63n(d.interval)
	}
}

// maybeupdatetime handle the clock going backwards.
func (d *decay) maybeupdatetime(now int64) {
	if d.epoch > now {
		d.epoch = now
		d.deadlineinit()
	}
}

func (d *decay) deadlinereached(now int64) bool {
	return d.deadline <= now
}

func (d *decay) backlognpageslimit() int64 {
	sum := uint64(0)
	for i := 0; i < Smoothsteps; i++ {
		sum += uint64(d.backlog[i]) * uint64(hsteps[i])
	}
	return int64(sum >> smoothstepbfp)
}

func (d *decay) backlogupdate(nadvance, npagescurrent int64) {
	if nadvance >= Smoothsteps {
		for i := 0; i < Smoothsteps-1; i++ {
			d.backlog[i] = 0
		}
	} else {
		copy(d.backlog[:], d.backlog[nadvance:])
		for i := Smoothsteps - nadvance; i < Smoothsteps-1; i++ {
			d.backlog[i] = 0
		}
	}
	delta := int64(0)
	if npagescurrent > d.nunpurged {
		delta = npagescurrent - d.nunpurged
	}
	d.backlog[Smoothsteps-1] = delta
}

// maybeadvance advance the epoch if the deadline is past, return true
// if the epoch advanced. Caller holds lock.
func (d *decay) maybeadvance(now, npagescurrent int64) bool {
	d.maybeupdatetime(now)
	if !d.deadlinereached(now) {
		return false
	}
	nadvance := (now - d.epoch) / d.interval
	if nadvance <= 0 {
		nadvance = 1
	}
	d.epoch += nadvance * d.interval
	d.deadlineinit()
	d.backlogupdate(nadvance, npagescurrent)
	d.npageslimit = d.backlognpageslimit()
	if d.npageslimit > npagescurrent {
		d.nunpurged = d.npageslimit
	} else {
		d.nunpurged = npagescurrent
	}
	return true
}

// epochnpagesdelta pages added during the last epoch.
func (d *decay) epochnpagesdelta() int64 {
	return d.backlog[Smoothsteps-1]
}

func (d *decay) getnpageslimit() int64 {
	return d.npageslimit
}

// npurgeafter pages that become purgeable after n more epochs.
func (d *decay) npurgeafter(n int) int64 {
	sum := uint64(0)
	i := 0
	for ; i < n; i++ {
		sum += uint64(d.backlog[i]) * uint64(hsteps[i])
	}
	for ; i < Smoothsteps; i++ {
		sum += uint64(d.backlog[i]) * uint64(hsteps[i]-hsteps[i-n])
	}
	return int64(sum >> smoothstepbfp)
}

// nsuntilpurge estimate nanoseconds until at least npagesthreshold pages
// become purgeable. Caller holds lock.
func (d *decay) nsuntilpurge(npagescurrent, npagesthreshold int64) int64 {
	if !d.gradually() {
		return Decayunbounded
	}
	if npagescurrent == 0 {
		i := 0
		for ; i < Smoothsteps; i++ {
			if d.backlog[i] > 0 {
				break
			}
		}
		if i == Smoothsteps {
			return Decayunbounded
		}
	}
	if npagescurrent <= npagesthreshold {
		return d.interval * Smoothsteps
	}

	// at least two intervals, to reach the next deadline.
	lb, ub := 2, Smoothsteps
	npurgelb := d.npurgeafter(lb)
	if npurgelb > npagesthreshold {
		return d.interval * int64(lb)
	}
	npurgeub := d.npurgeafter(ub)
	if npurgeub < npagesthreshold {
		return d.interval * int64(ub)
	}
	for npurgelb+npagesthreshold < npurgeub && lb+2 < ub {
		target := (lb + ub) / 2
		npurge := d.npurgeafter(target)
		if npurge > npagesthreshold {
			ub, npurgeub = target, npurge
		} else {
			lb, npurgelb = target, npurge
		}
	}
	return d.interval * int64(ub+lb) / 2
}

func (d *decay) prefork() {
	d.mu.Lock()
}

func (d *decay) postforkparent() {
	d.mu.Unlock()
}

func (d *decay) postforkchild() {
	d.purging = false
	d.mu.Unlock()
}
