//go:build !debug
// +build !debug

package malloc

const debugmode = false
