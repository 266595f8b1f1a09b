package malloc

import "fmt"
import "time"

import humanize "github.com/dustin/go-humanize"

func panicerr(fmsg string, args ...interface{}) {
	panic(fmt.Errorf(fmsg, args...))
}

func alignup(n, alignment int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

func alignupaddr(addr uintptr, alignment int64) uintptr {
	return (addr + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
}

func pageceil(n int64) int64 {
	return alignup(n, Pagesize)
}

func ispow2(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}

func bytestr(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

var processstart = time.Now()

// monotime nanoseconds elapsed on the monotonic clock.
func monotime() int64 {
	return int64(time.Since(processstart))
}
