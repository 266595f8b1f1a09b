package api

// ExtentHooks backing storage for page extents. Methods that return a
// bool return true on failure, a declined operation is a failure.
// Implementations must be safe for concurrent use.
type ExtentHooks interface {
	// Map a new range of size bytes aligned to alignment. If addr is
	// non-zero, the range must start at addr. Return zero on failure.
	Map(addr uintptr, size, alignment int64) (base uintptr, zeroed, committed bool)

	// Unmap give the range back to the operating system. Hooks that
	// retain virtual memory decline.
	Unmap(addr uintptr, size int64, committed bool) bool

	// Destroy unconditionally release the range.
	Destroy(addr uintptr, size int64, committed bool)

	// Commit physical memory for the range.
	Commit(addr uintptr, size int64) bool

	// Decommit physical memory for the range, keeping the virtual
	// range reserved.
	Decommit(addr uintptr, size int64) bool

	// PurgeLazy advise that pages can be reclaimed when convenient,
	// contents are undefined until written again.
	PurgeLazy(addr uintptr, size int64) bool

	// PurgeForced reclaim pages now, range reads back as zero.
	PurgeForced(addr uintptr, size int64) bool

	// Split a range into two adjacent ranges at sizea.
	Split(addr uintptr, size, sizea, sizeb int64, committed bool) bool

	// Merge two adjacent ranges, a preceeds b.
	Merge(addra uintptr, sizea int64, addrb uintptr, sizeb int64, committed bool) bool

	// UnmapWillFail return true if Unmap always declines.
	UnmapWillFail() bool

	// SplitWillFail return true if Split always declines.
	SplitWillFail() bool

	// MergeWillFail return true if Merge always declines.
	MergeWillFail() bool
}

// Zeroer optional interface for hooks that can zero fill a range.
type Zeroer interface {
	Zero(addr uintptr, size int64)
}

// Copier optional interface for hooks that can copy between ranges,
// used when a reallocation moves.
type Copier interface {
	Copy(dst, src uintptr, n int64)
}

// Hugifier optional interface for hooks that can back a range with
// huge pages.
type Hugifier interface {
	Hugify(addr uintptr, size int64) bool
	Dehugify(addr uintptr, size int64) bool
}
