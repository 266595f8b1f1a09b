package background

import "sync/atomic"

import "github.com/bnclabs/gomalloc/log"

var logok = int64(0)

// LogComponents enable logging for the background worker, pass
// "background" or "all".
func LogComponents(components ...string) {
	for _, comp := range components {
		switch comp {
		case "background", "all":
			atomic.StoreInt64(&logok, 1)
		}
	}
}

func errorf(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		log.Errorf(format, v...)
	}
}

func infof(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		log.Infof(format, v...)
	}
}

func debugf(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		log.Debugf(format, v...)
	}
}
