// Package api define interfaces and errors shared by the allocator,
// its backing storage hooks and background workers.
package api
