// Package log leveled logging for allocator components. Applications
// can plug their own Logger, otherwise logs go to console or to the
// file named by "log.file".
package log

import "io"
import "os"
import "fmt"
import "sync"
import "time"
import "strings"

func init() {
	setts := map[string]interface{}{
		"log.level":  "info",
		"log.file":   "",
		"log.prefix": "",
	}
	SetLogger(nil, setts)
}

// Logger interface for allocator logging, applications can supply a
// logger object implementing this interface or fall back to the
// defaultLogger{}.
type Logger interface {
	SetLogLevel(string)
	Fatalf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Verbosef(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Tracef(format string, v ...interface{})
	Printlf(loglevel LogLevel, format string, v ...interface{})
}

// LogLevel defines allocator log level.
type LogLevel int

const (
	logLevelIgnore LogLevel = iota + 1
	logLevelFatal
	logLevelError
	logLevelWarn
	logLevelInfo
	logLevelVerbose
	logLevelDebug
	logLevelTrace
)

const timeformat = "2006-01-02T15:04:05.999Z-07:00"

var log Logger

// SetLogger to integrate allocator logging with application logging.
// Importing this package will initialize the logger with info level
// logging to console. Settings:
//
// "log.level" (string, default: "info")
//		One of ignore, fatal, error, warn, info, verbose, debug, trace.
//
// "log.file" (string, default: "")
//		Append log lines to this file, console if empty.
//
// "log.prefix" (string, default: "")
//		Text inserted after the level, usually the component name.
func SetLogger(logger Logger, setts map[string]interface{}) Logger {
	if logger != nil {
		log = logger
		return log
	}

	var err error
	level := string2logLevel(getstring(setts, "log.level", "info"))
	logfd := os.Stdout
	if logfile := getstring(setts, "log.file", ""); logfile != "" {
		flags := os.O_RDWR | os.O_APPEND | os.O_CREATE
		if logfd, err = os.OpenFile(logfile, flags, 0660); err != nil {
			panic(err)
		}
	}
	log = &defaultLogger{
		level:  level,
		output: logfd,
		prefix: getstring(setts, "log.prefix", ""),
	}
	return log
}

func getstring(setts map[string]interface{}, key, def string) string {
	if s, ok := setts[key].(string); ok {
		return s
	}
	return def
}

// defaultLogger serializes lines from concurrent arenas onto output.
type defaultLogger struct {
	mu     sync.Mutex
	level  LogLevel
	output io.Writer
	prefix string
}

func (l *defaultLogger) SetLogLevel(level string) {
	l.mu.Lock()
	l.level = string2logLevel(level)
	l.mu.Unlock()
}

func (l *defaultLogger) Fatalf(format string, v ...interface{}) {
	l.Printlf(logLevelFatal, format, v...)
}

func (l *defaultLogger) Errorf(format string, v ...interface{}) {
	l.Printlf(logLevelError, format, v...)
}

func (l *defaultLogger) Warnf(format string, v ...interface{}) {
	l.Printlf(logLevelWarn, format, v...)
}

func (l *defaultLogger) Infof(format string, v ...interface{}) {
	l.Printlf(logLevelInfo, format, v...)
}

func (l *defaultLogger) Verbosef(format string, v ...interface{}) {
	l.Printlf(logLevelVerbose, format, v...)
}

func (l *defaultLogger) Debugf(format string, v ...interface{}) {
	l.Printlf(logLevelDebug, format, v...)
}

func (l *defaultLogger) Tracef(format string, v ...interface{}) {
	l.Printlf(logLevelTrace, format, v...)
}

// Printlf format a single line, a missing newline is supplied.
func (l *defaultLogger) Printlf(level LogLevel, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canlog(level) || l.output == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString(time.Now().Format(timeformat))
	sb.WriteString(" [" + level.String() + "] ")
	if l.prefix != "" {
		sb.WriteString(l.prefix + ": ")
	}
	fmt.Fprintf(&sb, format, v...)
	if !strings.HasSuffix(format, "\n") {
		sb.WriteByte('\n')
	}
	io.WriteString(l.output, sb.String())
}

func (l *defaultLogger) canlog(level LogLevel) bool {
	return level <= l.level
}

func (l LogLevel) String() string {
	switch l {
	case logLevelIgnore:
		return "Ignor"
	case logLevelFatal:
		return "Fatal"
	case logLevelError:
		return "Error"
	case logLevelWarn:
		return "Warng"
	case logLevelInfo:
		return "Infom"
	case logLevelVerbose:
		return "Verbs"
	case logLevelDebug:
		return "Debug"
	case logLevelTrace:
		return "Trace"
	}
	panic("unexpected log level") // should never reach here
}

func string2logLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "ignore":
		return logLevelIgnore
	case "fatal":
		return logLevelFatal
	case "error":
		return logLevelError
	case "warn":
		return logLevelWarn
	case "info":
		return logLevelInfo
	case "verbose":
		return logLevelVerbose
	case "debug":
		return logLevelDebug
	case "trace":
		return logLevelTrace
	}
	panic(fmt.Errorf("unexpected log level %q", s))
}

// Fatalf log at fatal level.
func Fatalf(format string, v ...interface{}) {
	log.Printlf(logLevelFatal, format, v...)
}

// Errorf log at error level.
func Errorf(format string, v ...interface{}) {
	log.Printlf(logLevelError, format, v...)
}

// Warnf log at warn level.
func Warnf(format string, v ...interface{}) {
	log.Printlf(logLevelWarn, format, v...)
}

// Infof log at info level.
func Infof(format string, v ...interface{}) {
	log.Printlf(logLevelInfo, format, v...)
}

// Verbosef log at verbose level.
func Verbosef(format string, v ...interface{}) {
	log.Printlf(logLevelVerbose, format, v...)
}

// Debugf log at debug level.
func Debugf(format string, v ...interface{}) {
	log.Printlf(logLevelDebug, format, v...)
}

// Tracef log at trace level.
func Tracef(format string, v ...interface{}) {
	log.Printlf(logLevelTrace, format, v...)
}
