// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level describes the severity of a log message.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// Println emits an error message, for use as a promhttp error logger.
	Println(v ...interface{})

	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool
	// Source returns the source name of this Logger.
	Source() string

	// SlogHandler returns a log/slog handler emitting through this Logger.
	SlogHandler() slog.Handler
}

type logger struct {
	source string
}

type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	dbgmap  srcmap
	forced  bool
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

// EnableDebug forces debugging on or off for all sources, returning
// the previous forced state.
func EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	prev := log.forced
	log.forced = state
	return prev
}

// SetupDebugToggleSignal sets up a signal handler to toggle full debugging.
func SetupDebugToggleSignal(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			state := log.forced
			log.Unlock()
			deflog.Warn("forced full debugging is now %v", state)
		}
	}()
}

// SetStdLogger sets up the standard library logger to emit via the named source.
func SetStdLogger(source string) {
	var l logger
	if source == "" {
		l = deflog.(logger)
	} else {
		l = log.get(source).(logger)
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l})
}

type stdWriter struct {
	l logger
}

func (w *stdWriter) Write(p []byte) (int, error) {
	w.l.emit(LevelInfo, "%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l *logging) get(source string) Logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}
	lg := logger{source: source}
	l.loggers[source] = lg
	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if l.forced {
		return true
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l logger) emit(level Level, format string, args ...interface{}) {
	log.RLock()
	prefix, minLevel := log.prefix, log.level
	log.RUnlock()

	if level < minLevel && !(level == LevelDebug && l.DebugEnabled()) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if prefix {
		msg = "[" + l.source + "] " + msg
	}

	switch level {
	case LevelDebug:
		klog.InfoDepth(2, "D: "+msg)
	case LevelInfo:
		klog.InfoDepth(2, msg)
	case LevelWarn:
		klog.WarningDepth(2, msg)
	default:
		klog.ErrorDepth(2, msg)
	}
}

func (l logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	l.emit(LevelDebug, format, args...)
}

func (l logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

func (l logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

func (l logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

func (l logger) Fatal(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
	klog.Flush()
	os.Exit(1)
}

func (l logger) Infof(format string, args ...interface{}) {
	l.emit(LevelInfo, format, args...)
}

func (l logger) Warnf(format string, args ...interface{}) {
	l.emit(LevelWarn, format, args...)
}

func (l logger) Errorf(format string, args ...interface{}) {
	l.emit(LevelError, format, args...)
}

func (l logger) Println(v ...interface{}) {
	l.emit(LevelError, "%s", strings.TrimRight(fmt.Sprintln(v...), "\n"))
}

func (l logger) DebugEnabled() bool {
	return log.debugEnabled(l.source)
}

func (l logger) Source() string {
	return l.source
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
