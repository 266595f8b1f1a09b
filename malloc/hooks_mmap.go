//go:build linux
// +build linux

package malloc

import "unsafe"
import "sync/atomic"

import "golang.org/x/sys/unix"
import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"

// Mmaphooks backing storage from anonymous private mappings. Purges
// use madvise, commit and decommit toggle page protection, hugify
// requests transparent huge pages.
type Mmaphooks struct {
	retain bool

	mapped  int64 // atomic
	nmaps   int64
	nunmaps int64
	nerrors int64
}

// NewMmaphooks with retain, Unmap declines and virtual memory is kept
// for reuse.
func NewMmaphooks(retain bool) *Mmaphooks {
	return &Mmaphooks{retain: retain}
}

func newmmaphooks(retain bool) api.ExtentHooks {
	return NewMmaphooks(retain)
}

func (h *Mmaphooks) mmap(addr uintptr, size int64, flags uintptr) uintptr {
	prot := uintptr(unix.PROT_READ | unix.PROT_WRITE)
	flags |= unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	m, _, errno := unix.Syscall6(
		unix.SYS_MMAP, addr, uintptr(size), prot, flags, ^uintptr(0), 0)
	if errno != 0 {
		atomic.AddInt64(&h.nerrors, 1)
		return 0
	}
	return m
}

func (h *Mmaphooks) munmap(addr uintptr, size int64) bool {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, uintptr(size), 0)
	if errno != 0 {
		atomic.AddInt64(&h.nerrors, 1)
		return true
	}
	return false
}

func (h *Mmaphooks) madvise(addr uintptr, size int64, advice uintptr) bool {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, addr, uintptr(size), advice)
	if errno != 0 {
		atomic.AddInt64(&h.nerrors, 1)
		return true
	}
	return false
}

func (h *Mmaphooks) mprotect(addr uintptr, size int64, prot uintptr) bool {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, addr, uintptr(size), prot)
	if errno != 0 {
		atomic.AddInt64(&h.nerrors, 1)
		return true
	}
	return false
}

// Map implement api.ExtentHooks. Alignment beyond a page is obtained
// by over-mapping and trimming.
func (h *Mmaphooks) Map(addr uintptr, size, alignment int64) (uintptr, bool, bool) {
	if addr != 0 {
		m := h.mmap(addr, size, unix.MAP_FIXED_NOREPLACE)
		if m == 0 {
			return 0, false, false
		} else if m != addr {
			h.munmap(m, size)
			return 0, false, false
		}
		h.addmapped(size)
		return m, true, true
	}

	if alignment <= Pagesize {
		if m := h.mmap(0, size, 0); m != 0 {
			h.addmapped(size)
			return m, true, true
		}
		return 0, false, false
	}

	allocsize := size + alignment - Pagesize
	m := h.mmap(0, allocsize, 0)
	if m == 0 {
		return 0, false, false
	}
	base := alignupaddr(m, alignment)
	if lead := int64(base - m); lead > 0 {
		h.munmap(m, lead)
	}
	if trail := allocsize - int64(base-m) - size; trail > 0 {
		h.munmap(base+uintptr(size), trail)
	}
	h.addmapped(size)
	return base, true, true
}

func (h *Mmaphooks) addmapped(size int64) {
	atomic.AddInt64(&h.mapped, size)
	atomic.AddInt64(&h.nmaps, 1)
}

// Unmap implement api.ExtentHooks.
func (h *Mmaphooks) Unmap(addr uintptr, size int64, committed bool) bool {
	if h.retain {
		return true
	}
	if h.munmap(addr, size) {
		return true
	}
	atomic.AddInt64(&h.mapped, -size)
	atomic.AddInt64(&h.nunmaps, 1)
	return false
}

// Destroy implement api.ExtentHooks.
func (h *Mmaphooks) Destroy(addr uintptr, size int64, committed bool) {
	if !h.munmap(addr, size) {
		atomic.AddInt64(&h.mapped, -size)
		atomic.AddInt64(&h.nunmaps, 1)
	}
}

// Commit implement api.ExtentHooks.
func (h *Mmaphooks) Commit(addr uintptr, size int64) bool {
	return h.mprotect(addr, size, unix.PROT_READ|unix.PROT_WRITE)
}

// Decommit implement api.ExtentHooks.
func (h *Mmaphooks) Decommit(addr uintptr, size int64) bool {
	return h.mprotect(addr, size, unix.PROT_NONE)
}

// PurgeLazy implement api.ExtentHooks.
func (h *Mmaphooks) PurgeLazy(addr uintptr, size int64) bool {
	return h.madvise(addr, size, unix.MADV_FREE)
}

// PurgeForced implement api.ExtentHooks.
func (h *Mmaphooks) PurgeForced(addr uintptr, size int64) bool {
	return h.madvise(addr, size, unix.MADV_DONTNEED)
}

// Split implement api.ExtentHooks, mappings can be split anywhere.
func (h *Mmaphooks) Split(addr uintptr, size, sizea, sizeb int64, committed bool) bool {
	return false
}

// Merge implement api.ExtentHooks.
func (h *Mmaphooks) Merge(
	addra uintptr, sizea int64, addrb uintptr, sizeb int64, committed bool) bool {

	return false
}

// UnmapWillFail implement api.ExtentHooks.
func (h *Mmaphooks) UnmapWillFail() bool {
	return h.retain
}

// SplitWillFail implement api.ExtentHooks.
func (h *Mmaphooks) SplitWillFail() bool {
	return false
}

// MergeWillFail implement api.ExtentHooks.
func (h *Mmaphooks) MergeWillFail() bool {
	return false
}

// Zero implement api.Zeroer.
func (h *Mmaphooks) Zero(addr uintptr, size int64) {
	clear(unsafe.Slice((*byte)(unsafe.Pointer(addr)), size))
}

// Copy implement api.Copier.
func (h *Mmaphooks) Copy(dst, src uintptr, n int64) {
	lib.Memcpy(unsafe.Pointer(dst), unsafe.Pointer(src), int(n))
}

// Hugify implement api.Hugifier.
func (h *Mmaphooks) Hugify(addr uintptr, size int64) bool {
	return h.madvise(addr, size, unix.MADV_HUGEPAGE)
}

// Dehugify implement api.Hugifier.
func (h *Mmaphooks) Dehugify(addr uintptr, size int64) bool {
	return h.madvise(addr, size, unix.MADV_NOHUGEPAGE)
}

// Stats counters for mappings.
func (h *Mmaphooks) Stats() map[string]interface{} {
	return map[string]interface{}{
		"mmap.mapped":  atomic.LoadInt64(&h.mapped),
		"mmap.nmaps":   atomic.LoadInt64(&h.nmaps),
		"mmap.nunmaps": atomic.LoadInt64(&h.nunmaps),
		"mmap.nerrors": atomic.LoadInt64(&h.nerrors),
	}
}
