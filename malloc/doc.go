// Package malloc supplies a size class based memory allocator, managing
// a simulated or mapped address space with the following layers:
//
//  * Small allocations are carved out of slabs, one slab per size
//    class, where free regions are tracked by a bitmap.
//  * Page runs, including slabs, come out of a page allocator shard
//    per arena. Freed runs are cached as dirty extents and decay into
//    muzzy and retained states over a configurable time curve.
//  * Optionally page runs are served by a hugepage aware allocator,
//    that packs allocations into hugepages and hugifies dense ones.
//  * Thread caches, Tcache, front the arenas with a per size class
//    stack of cached pointers, refilled and flushed in batches.
//
// Malloc is the top level handle, it owns the address space, the
// extent map and the arenas. Applications that cannot afford
// synchronization per allocation should use one Tcache per go-routine.
// Tcache, Arena and Malloc all implement api.Mallocer{} interface.
//
// Unless hooks are configured as "mmap", memory handed out by this
// package is a simulated address, Malloc.Usablesize and Malloc.Stats
// can be used to inspect it but it should not be dereferenced.
package malloc
