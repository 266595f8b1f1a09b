//go:build !linux
// +build !linux

package malloc

import "github.com/bnclabs/gomalloc/api"

// mmap hooks are available only on linux.
func newmmaphooks(retain bool) api.ExtentHooks {
	return nil
}
