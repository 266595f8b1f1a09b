package api

// Mallocer interface for custom memory management. Addresses are
// opaque, they are valid within the address space supplied by the
// ExtentHooks the allocator was configured with.
type Mallocer interface {
	// Alloc allocate n bytes, return zero if memory is exhausted.
	Alloc(n int64) (ptr uintptr)

	// Calloc same as Alloc, memory is zero filled.
	Calloc(n int64) (ptr uintptr)

	// Aligned allocate n bytes at a multiple of alignment.
	Aligned(n, alignment int64) (ptr uintptr)

	// Realloc resize ptr to n bytes, in place if possible. Return zero
	// if memory is exhausted, in which case ptr is left untouched.
	Realloc(ptr uintptr, n int64) uintptr

	// Free memory returned by Alloc, Calloc, Aligned or Realloc.
	Free(ptr uintptr)

	// Usablesize return the number of usable bytes at ptr.
	Usablesize(ptr uintptr) int64
}
