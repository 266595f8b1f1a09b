package malloc

import "math/bits"

// fb is a flat bitmap, bit i lives in word i/64 at position i%64.
// Used to track per page state within a huge page and non-empty
// buckets of an extent set.
type fb []uint64

func newfb(nbits int64) fb {
	return make(fb, (nbits+63)>>6)
}

func (b fb) init() {
	for i := range b {
		b[i] = 0
	}
}

func (b fb) get(i int64) bool {
	return (b[i>>6]>>uint(i&63))&1 == 1
}

func (b fb) set(i int64) {
	b[i>>6] |= uint64(1) << uint(i&63)
}

func (b fb) unset(i int64) {
	b[i>>6] &^= uint64(1) << uint(i&63)
}

// setrange sets bits [start, start+cnt).
func (b fb) setrange(start, cnt int64) {
	b.visitrange(start, cnt, func(w int64, mask uint64) { b[w] |= mask })
}

// unsetrange clears bits [start, start+cnt).
func (b fb) unsetrange(start, cnt int64) {
	b.visitrange(start, cnt, func(w int64, mask uint64) { b[w] &^= mask })
}

// scount number of set bits in [start, start+cnt).
func (b fb) scount(start, cnt int64) (n int64) {
	b.visitrange(start, cnt, func(w int64, mask uint64) {
		n += int64(bits.OnesCount64(b[w] & mask))
	})
	return n
}

// ucount number of unset bits in [start, start+cnt).
func (b fb) ucount(start, cnt int64) int64 {
	return cnt - b.scount(start, cnt)
}

func (b fb) visitrange(start, cnt int64, fn func(w int64, mask uint64)) {
	if cnt <= 0 {
		return
	}
	for cnt > 0 {
		w, off := start>>6, uint(start&63)
		n := int64(64 - off)
		if n > cnt {
			n = cnt
		}
		mask := ^uint64(0)
		if n < 64 {
			mask = ((uint64(1) << uint(n)) - 1) << off
		}
		fn(w, mask)
		start, cnt = start+n, cnt-n
	}
}

func (b fb) empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

func (b fb) full(nbits int64) bool {
	return b.scount(0, nbits) == nbits
}

// ffs first set bit at or after start, nbits if none.
func (b fb) ffs(nbits, start int64) int64 {
	return b.findfwd(nbits, start, false)
}

// ffu first unset bit at or after start, nbits if none.
func (b fb) ffu(nbits, start int64) int64 {
	return b.findfwd(nbits, start, true)
}

// fls last set bit at or before start, -1 if none.
func (b fb) fls(nbits, start int64) int64 {
	return b.findbwd(nbits, start, false)
}

// flu last unset bit at or before start, -1 if none.
func (b fb) flu(nbits, start int64) int64 {
	return b.findbwd(nbits, start, true)
}

func (b fb) findfwd(nbits, start int64, invert bool) int64 {
	if start >= nbits {
		return nbits
	}
	w := start >> 6
	word := b[w]
	if invert {
		word = ^word
	}
	word &= ^uint64(0) << uint(start&63)
	for {
		if word != 0 {
			bit := (w << 6) + int64(bits.TrailingZeros64(word))
			if bit >= nbits {
				return nbits
			}
			return bit
		}
		if w++; w >= int64(len(b)) {
			return nbits
		}
		if word = b[w]; invert {
			word = ^word
		}
	}
}

func (b fb) findbwd(nbits, start int64, invert bool) int64 {
	if start < 0 {
		return -1
	} else if start >= nbits {
		start = nbits - 1
	}
	w := start >> 6
	word := b[w]
	if invert {
		word = ^word
	}
	if off := uint(start & 63); off < 63 {
		word &= (uint64(1) << (off + 1)) - 1
	}
	for {
		if word != 0 {
			return (w << 6) + 63 - int64(bits.LeadingZeros64(word))
		}
		if w--; w < 0 {
			return -1
		}
		if word = b[w]; invert {
			word = ^word
		}
	}
}

// srangeiter finds the first run of set bits beginning at or after
// start. Returns false if there is no such run.
func (b fb) srangeiter(nbits, start int64) (begin, length int64, ok bool) {
	return b.rangeiter(nbits, start, false)
}

// urangeiter finds the first run of unset bits beginning at or after
// start. Returns false if there is no such run.
func (b fb) urangeiter(nbits, start int64) (begin, length int64, ok bool) {
	return b.rangeiter(nbits, start, true)
}

func (b fb) rangeiter(nbits, start int64, unset bool) (int64, int64, bool) {
	var begin, end int64
	if unset {
		begin = b.ffu(nbits, start)
	} else {
		begin = b.ffs(nbits, start)
	}
	if begin >= nbits {
		return nbits, 0, false
	}
	if unset {
		end = b.ffs(nbits, begin)
	} else {
		end = b.ffu(nbits, begin)
	}
	return begin, end - begin, true
}

// urangelongest length of the longest run of unset bits.
func (b fb) urangelongest(nbits int64) (longest int64) {
	begin, length, ok := b.urangeiter(nbits, 0)
	for ok {
		if length > longest {
			longest = length
		}
		begin, length, ok = b.urangeiter(nbits, begin+length)
	}
	return longest
}

// srangelongest length of the longest run of set bits.
func (b fb) srangelongest(nbits int64) (longest int64) {
	begin, length, ok := b.srangeiter(nbits, 0)
	for ok {
		if length > longest {
			longest = length
		}
		begin, length, ok = b.srangeiter(nbits, begin+length)
	}
	return longest
}

// bitand stores src1 & src2 into b.
func (b fb) bitand(src1, src2 fb) {
	for i := range b {
		b[i] = src1[i] & src2[i]
	}
}

// bitandnot stores src1 &^ src2 into b.
func (b fb) bitandnot(src1, src2 fb) {
	for i := range b {
		b[i] = src1[i] &^ src2[i]
	}
}

func (b fb) copyfrom(src fb) {
	copy(b, src)
}
