// Package logging wraps github.com/google/logger with a process-wide,
// swappable logger and a debug switch.
package logging

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/logger"
	"go.uber.org/atomic"
)

var (
	mu    sync.RWMutex
	std   *logger.Logger
	debug = atomic.NewBool(false)
)

// Init replaces the process logger. Output goes to w; when verbose is true
// it is also copied to stdout. Before the first Init, output goes to stderr.
func Init(name string, verbose bool, w io.Writer) {
	l := logger.Init(name, verbose, false, w)
	mu.Lock()
	old := std
	std = l
	mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// SetDebug toggles Debugf output.
func SetDebug(enabled bool) {
	debug.Store(enabled)
}

// DebugEnabled reports whether Debugf writes anything.
func DebugEnabled() bool {
	return debug.Load()
}

// SetFlags sets the log package output flags of the first logger passed to
// Init.
func SetFlags(flags int) {
	logger.SetFlags(flags)
}

func output(depth int, sev severity, msg string) {
	mu.RLock()
	defer mu.RUnlock()
	if std == nil {
		switch sev {
		case sevInfo:
			logger.InfoDepth(depth+1, msg)
		case sevWarning:
			logger.WarningDepth(depth+1, msg)
		case sevError:
			logger.ErrorDepth(depth+1, msg)
		case sevFatal:
			logger.FatalDepth(depth+1, msg)
		}
		return
	}
	switch sev {
	case sevInfo:
		std.InfoDepth(depth+1, msg)
	case sevWarning:
		std.WarningDepth(depth+1, msg)
	case sevError:
		std.ErrorDepth(depth+1, msg)
	case sevFatal:
		std.FatalDepth(depth+1, msg)
	}
}

type severity int

const (
	sevInfo severity = iota
	sevWarning
	sevError
	sevFatal
)

// Debugf logs at Info severity when debug output is enabled.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	output(1, sevInfo, fmt.Sprintf(format, v...))
}

// Infof logs with the Info severity.
func Infof(format string, v ...interface{}) {
	output(1, sevInfo, fmt.Sprintf(format, v...))
}

// Warningf logs with the Warning severity.
func Warningf(format string, v ...interface{}) {
	output(1, sevWarning, fmt.Sprintf(format, v...))
}

// Errorf logs with the Error severity.
func Errorf(format string, v ...interface{}) {
	output(1, sevError, fmt.Sprintf(format, v...))
}

// Fatalf logs with the Fatal severity and exits the process.
func Fatalf(format string, v ...interface{}) {
	output(1, sevFatal, fmt.Sprintf(format, v...))
}

// Logger prefixes every line with a fixed tag, typically a remote address.
type Logger struct {
	prefix string
}

// WithPrefix returns a Logger writing "[prefix] msg".
func WithPrefix(prefix string) Logger {
	return Logger{prefix: "[" + prefix + "] "}
}

func (l Logger) Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	output(1, sevInfo, l.prefix+fmt.Sprintf(format, v...))
}

func (l Logger) Infof(format string, v ...interface{}) {
	output(1, sevInfo, l.prefix+fmt.Sprintf(format, v...))
}

func (l Logger) Warningf(format string, v ...interface{}) {
	output(1, sevWarning, l.prefix+fmt.Sprintf(format, v...))
}

func (l Logger) Errorf(format string, v ...interface{}) {
	output(1, sevError, l.prefix+fmt.Sprintf(format, v...))
}
