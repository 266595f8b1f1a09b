//go:build debug
// +build debug

package malloc

// debugmode enables expensive consistency checks on bitmaps, heaps and
// hugepage datasets.
const debugmode = true
