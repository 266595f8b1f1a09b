package malloc

// Lgpage log2 of Pagesize.
const Lgpage = 12

// Pagesize granularity of extents.
const Pagesize = int64(1) << Lgpage

const pagemask = Pagesize - 1

// Lghugepage log2 of Hugepage.
const Lghugepage = 21

// Hugepage size of an OS huge page.
const Hugepage = int64(1) << Lghugepage

// Hugepagepages number of pages in a huge page.
const Hugepagepages = Hugepage >> Lgpage

// Quantum minimum alignment of non-tiny size classes.
const Quantum = int64(1) << lgquantum

const lgquantum = 4
const lgtiny = 3
const lgngroup = 2
const ngroup = int64(1) << lgngroup
const lgmaxclass = 40

// Smallmaxclass is the largest size served out of slabs.
const Smallmaxclass = (int64(1) << (Lgpage + lgngroup)) -
	(int64(1) << (Lgpage - 1))

// Largeminclass is the smallest size served as a whole extent.
const Largeminclass = int64(1) << (Lgpage + lgngroup)

// Largemaxclass is the largest size that can be allocated.
const Largemaxclass = int64(1) << lgmaxclass

// sizeclasses index -> size, generated with ngroup classes per doubling.
var sizeclasses []int64

// pszclasses page multiple size classes, used to bucket free extents.
var pszclasses []int64

// nbins number of small size classes.
var nbins int

// Nsizes total number of size classes.
var Nsizes int

var bininfos []bininfo

// small size lookup, indexed by (size+7)>>3.
var size2indtab []uint8

// bininfo static layout of slabs for a small size class.
type bininfo struct {
	regsize  int64 // region size
	slabsize int64 // slab size in bytes, multiple of Pagesize
	nregs    int64 // regions per slab
}

func init() {
	sizeclasses = gensizeclasses()
	Nsizes = len(sizeclasses)
	for _, size := range sizeclasses {
		if size <= Smallmaxclass {
			nbins++
		}
		if size%Pagesize == 0 {
			pszclasses = append(pszclasses, size)
		}
	}
	bininfos = make([]bininfo, nbins)
	for i := 0; i < nbins; i++ {
		slabsize := slabsizefor(sizeclasses[i])
		bininfos[i] = bininfo{
			regsize:  sizeclasses[i],
			slabsize: slabsize,
			nregs:    slabsize / sizeclasses[i],
		}
	}
	size2indtab = make([]uint8, (Smallmaxclass>>lgtiny)+1)
	ind := 0
	for i := range size2indtab {
		size := int64(i) << lgtiny
		for sizeclasses[ind] < size {
			ind++
		}
		size2indtab[i] = uint8(ind)
	}
}

func gensizeclasses() []int64 {
	sizes := []int64{int64(1) << lgtiny}
	for size := Quantum; size <= Quantum*ngroup; size += Quantum {
		sizes = append(sizes, size)
	}
	for lgbase := lgquantum + lgngroup; lgbase < lgmaxclass; lgbase++ {
		delta := int64(1) << uint(lgbase-lgngroup)
		for i := int64(1); i <= ngroup; i++ {
			sizes = append(sizes, (int64(1)<<uint(lgbase))+i*delta)
		}
	}
	return sizes
}

// slabsizefor smallest page multiple that is an exact multiple of
// regsize.
func slabsizefor(regsize int64) int64 {
	slabsize := Pagesize
	for slabsize%regsize != 0 {
		slabsize += Pagesize
	}
	return slabsize
}

// Sizeindex return the index of the smallest size class that can hold
// size bytes. Return Nsizes if size is beyond Largemaxclass.
func Sizeindex(size int64) int {
	if size <= 0 {
		return 0
	} else if size <= Smallmaxclass {
		return int(size2indtab[(size+(1<<lgtiny)-1)>>lgtiny])
	} else if size > Largemaxclass {
		return Nsizes
	}
	return ceilindex(sizeclasses, size)
}

// Indexsize return the size of size class ind.
func Indexsize(ind int) int64 {
	return sizeclasses[ind]
}

// Usablesize return the size class that will serve size bytes, zero
// if size cannot be served.
func Usablesize(size int64) int64 {
	if ind := Sizeindex(size); ind < Nsizes {
		return sizeclasses[ind]
	}
	return 0
}

// Nbins number of small size classes.
func Nbins() int {
	return nbins
}

// ceilindex smallest index whose value is >= size, len(sizes) if none.
func ceilindex(sizes []int64, size int64) int {
	lo, hi := 0, len(sizes)
	for lo < hi {
		pivot := int(uint(lo+hi) >> 1)
		if sizes[pivot] < size {
			lo = pivot + 1
		} else {
			hi = pivot
		}
	}
	return lo
}

// pszceil index of the smallest page size class >= size.
func pszceil(size int64) int {
	return ceilindex(pszclasses, size)
}

// pszfloor index of the largest page size class <= size.
func pszfloor(size int64) int {
	ind := ceilindex(pszclasses, size)
	if ind == len(pszclasses) || pszclasses[ind] != size {
		ind--
	}
	return ind
}

func npsizes() int {
	return len(pszclasses)
}
