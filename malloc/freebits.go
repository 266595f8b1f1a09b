package malloc

import "math/bits"
import "unsafe"

// maxslabregs upper bound on regions in a slab, summary word covers 64
// bitmap words.
const maxslabregs = 64 * 64

// freebits tracks free regions within a slab, a set bit marks a free
// region. The summary word keeps one bit per bitmap word that still has
// free regions, so that alloc is two trailing-zero counts.
type freebits struct {
	nblocks int64
	nfree   int64
	summary uint64
	bitmap  []uint64
}

func newfreebits(nblocks int64) *freebits {
	if nblocks <= 0 || nblocks > maxslabregs {
		panicerr("freebits: invalid number of blocks %v", nblocks)
	}
	fbits := &freebits{
		nblocks: nblocks, bitmap: make([]uint64, (nblocks+63)>>6),
	}
	fbits.reset()
	return fbits
}

// reset mark every block as free.
func (fbits *freebits) reset() {
	fbits.summary = 0
	for i := range fbits.bitmap {
		n := fbits.nblocks - int64(i<<6)
		if n >= 64 {
			fbits.bitmap[i] = ^uint64(0)
		} else {
			fbits.bitmap[i] = (uint64(1) << uint(n)) - 1
		}
		fbits.summary |= uint64(1) << uint(i)
	}
	fbits.nfree = fbits.nblocks
}

func (fbits *freebits) sizeof() int64 {
	sz := int64(unsafe.Sizeof(*fbits))
	return sz + int64(len(fbits.bitmap)*8)
}

func (fbits *freebits) freeblocks() int64 {
	return fbits.nfree
}

func (fbits *freebits) isfree(nthblock int64) bool {
	return (fbits.bitmap[nthblock>>6]>>uint(nthblock&63))&1 == 1
}

// alloc lowest free block.
func (fbits *freebits) alloc() (int64, bool) {
	if fbits.summary == 0 {
		return -1, false
	}
	w := bits.TrailingZeros64(fbits.summary)
	word := fbits.bitmap[w]
	bit := bits.TrailingZeros64(word)
	if word &^= uint64(1) << uint(bit); word == 0 {
		fbits.summary &^= uint64(1) << uint(w)
	}
	fbits.bitmap[w] = word
	fbits.nfree--
	return int64(w<<6 + bit), true
}

// allocbatch extract upto n free blocks in address order, appending
// them to out.
func (fbits *freebits) allocbatch(n int64, out []int64) []int64 {
	for n > 0 && fbits.summary != 0 {
		w := bits.TrailingZeros64(fbits.summary)
		word := fbits.bitmap[w]
		cnt := int64(bits.OnesCount64(word))
		if cnt > n {
			cnt = n
		}
		for i := int64(0); i < cnt; i++ {
			bit := bits.TrailingZeros64(word)
			out = append(out, int64(w<<6+bit))
			word &= word - 1
		}
		if fbits.bitmap[w] = word; word == 0 {
			fbits.summary &^= uint64(1) << uint(w)
		}
		fbits.nfree -= cnt
		n -= cnt
	}
	return out
}

func (fbits *freebits) free(nthblock int64) {
	if nthblock < 0 || nthblock >= fbits.nblocks {
		panicerr("freebits: block %v out of range %v", nthblock, fbits.nblocks)
	}
	w, mask := nthblock>>6, uint64(1)<<uint(nthblock&63)
	if fbits.bitmap[w]&mask != 0 {
		panicerr("freebits: double free of block %v", nthblock)
	}
	fbits.bitmap[w] |= mask
	fbits.summary |= uint64(1) << uint(w)
	fbits.nfree++
}
