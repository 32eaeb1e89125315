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

// Package log implements leveled, per-source logging on top of klog.
//
// Loggers are obtained by source name with Get(). Debug messages of a
// source are suppressed unless debugging is enabled for that source,
// either by configuration, by the LOGGER_DEBUG environment variable,
// or programmatically with EnableDebug().
package log

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"
)

// Level is a logging severity level.
type Level int

const (
	// LevelDebug is the severity of debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity of informational messages.
	LevelInfo
	// LevelWarn is the severity of warnings.
	LevelWarn
	// LevelError is the severity of errors.
	LevelError
	// LevelPanic is the severity of messages which cause a panic.
	LevelPanic
	// LevelFatal is the severity of messages which cause process exit.
	LevelFatal
)

// Logger is the interface for emitting messages from a single source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Panic(format string, args ...interface{})
	Fatal(format string, args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// DebugBlock emits a multiline message, each line with the given prefix.
	DebugBlock(prefix string, format string, args ...interface{})
	InfoBlock(prefix string, format string, args ...interface{})
	WarnBlock(prefix string, format string, args ...interface{})
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug forces debugging on or off, returning the previous state.
	EnableDebug(bool) bool
	// DebugEnabled returns true if debugging is enabled for this source.
	DebugEnabled() bool
	// Source returns the source name of this logger.
	Source() string
	// SlogHandler returns an slog.Handler which emits using this logger.
	SlogHandler() slog.Handler
}

type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	prefix  bool
	dbgmap  srcmap
	forced  map[string]bool
	loggers map[string]logger
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get("log")
)

// Get returns the logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default logger.
func Default() Logger {
	return deflog
}

// SetLevel sets the logging severity threshold for non-debug messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug forces debugging on or off for the given source.
func EnableDebug(source string, state bool) bool {
	return log.get(source).EnableDebug(state)
}

// Flush flushes any buffered log messages.
func Flush() {
	klog.Flush()
}

// AsYaml formats the given object as YAML, for use with *Block functions.
func AsYaml(o interface{}) string {
	out, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Sprintf("<failed to marshal %T to YAML: %v>", o, err)
	}
	return strings.TrimRight(string(out), "\n")
}

func (l *logging) get(source string) logger {
	l.RLock()
	lg, ok := l.loggers[source]
	l.RUnlock()
	if ok {
		return lg
	}

	l.Lock()
	defer l.Unlock()
	if lg, ok = l.loggers[source]; !ok {
		lg = logger{source: source}
		l.loggers[source] = lg
	}
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

	if state, ok := l.forced[source]; ok {
		return state
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	return l.dbgmap["*"]
}

func (l *logging) passes(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return level >= l.level
}

func (l *logging) format(source, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)

	l.RLock()
	prefix := l.prefix
	l.RUnlock()

	if prefix {
		return "[" + source + "] " + msg
	}
	return msg
}

const depth = 2

func (lg logger) emit(level Level, format string, args ...interface{}) {
	if level == LevelDebug {
		if !lg.DebugEnabled() {
			return
		}
	} else if !log.passes(level) {
		return
	}

	msg := log.format(lg.source, format, args...)

	switch level {
	case LevelDebug:
		klog.InfoDepth(depth, "D: "+msg)
	case LevelInfo:
		klog.InfoDepth(depth, msg)
	case LevelWarn:
		klog.WarningDepth(depth, msg)
	case LevelError:
		klog.ErrorDepth(depth, msg)
	case LevelPanic:
		klog.ErrorDepth(depth, msg)
		klog.Flush()
		panic(msg)
	case LevelFatal:
		klog.FatalDepth(depth, msg)
	}
}

func (lg logger) block(level Level, prefix, format string, args ...interface{}) {
	if level == LevelDebug && !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		lg.emit(level, "%s%s", prefix, line)
	}
}

func (lg logger) Debug(format string, args ...interface{}) {
	lg.emit(LevelDebug, format, args...)
}

func (lg logger) Info(format string, args ...interface{}) {
	lg.emit(LevelInfo, format, args...)
}

func (lg logger) Warn(format string, args ...interface{}) {
	lg.emit(LevelWarn, format, args...)
}

func (lg logger) Error(format string, args ...interface{}) {
	lg.emit(LevelError, format, args...)
}

func (lg logger) Panic(format string, args ...interface{}) {
	lg.emit(LevelPanic, format, args...)
}

func (lg logger) Fatal(format string, args ...interface{}) {
	lg.emit(LevelFatal, format, args...)
}

func (lg logger) Debugf(format string, args ...interface{}) {
	lg.emit(LevelDebug, format, args...)
}

func (lg logger) Infof(format string, args ...interface{}) {
	lg.emit(LevelInfo, format, args...)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.emit(LevelWarn, format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.emit(LevelError, format, args...)
}

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	lg.block(LevelDebug, prefix, format, args...)
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	lg.block(LevelInfo, prefix, format, args...)
}

func (lg logger) WarnBlock(prefix string, format string, args ...interface{}) {
	lg.block(LevelWarn, prefix, format, args...)
}

func (lg logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	lg.block(LevelError, prefix, format, args...)
}

func (lg logger) EnableDebug(state bool) bool {
	old := lg.DebugEnabled()

	log.Lock()
	log.forced[lg.source] = state
	log.Unlock()

	return old
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
