// Package lib provide small helpers shared by the allocator and its
// tools: typed settings, int64 averages and histograms for batch sizes
// and formatting of stats maps.
package lib
