// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine id to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/bcache/utils"
)

type Level int

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel

	// TraceLevel logs are emitted (at logrus.InfoLevel) only for packages enabled via
	// [Logging]TraceLevelLogging
	TraceLevel
)

// Log fields supported by logger:
const (
	packageKey  string = "package"
	functionKey string = "function"
	errorKey    string = "error"
	gidKey      string = "goroutine"
)

type traceSettingsStruct struct {
	sync.RWMutex
	anyEnabled bool
	packages   map[string]bool
}

var traceSettings = traceSettingsStruct{
	packages: map[string]bool{
		"bcache":      false,
		"blockdev":    false,
		"halter":      false,
		"logger":      false,
		"trackedlock": false,
	},
}

func setTraceLoggingLevel(confStrSlice []string) {
	traceSettings.Lock()

	traceSettings.anyEnabled = false
	for pkg := range traceSettings.packages {
		traceSettings.packages[pkg] = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			break HandlePkgs
		default:
			if _, ok := traceSettings.packages[pkg]; ok {
				traceSettings.packages[pkg] = true
				traceSettings.anyEnabled = true
			}
		}
	}

	enabledPkgs := make([]string, 0, len(traceSettings.packages))
	for pkg, isEnabled := range traceSettings.packages {
		if isEnabled {
			enabledPkgs = append(enabledPkgs, pkg)
		}
	}

	traceSettings.Unlock()

	if 0 < len(enabledPkgs) {
		Infof("Trace logging is enabled for package(s): %s", strings.Join(enabledPkgs, ", "))
	}
}

func traceEnabled(pkg string) (enabled bool) {
	traceSettings.RLock()
	enabled = traceSettings.anyEnabled && traceSettings.packages[pkg]
	traceSettings.RUnlock()
	return
}

// TraceEnabledForCaller reports whether Tracef() calls from the calling package would be emitted.
func TraceEnabledForCaller() bool {
	_, pkg, _ := utils.GetFuncPackage(1)
	return traceEnabled(pkg)
}

// backtraceOneLevel skips the exported logging API frame to find its caller.
const backtraceOneLevel int = 1

func newLogEntry(level int) (entry *log.Entry, pkg string) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	entry = log.WithFields(log.Fields{
		functionKey: fn,
		packageKey:  pkg,
		gidKey:      gid,
	})

	return
}

func emit(entry *log.Entry, level Level, logString string) {
	switch level {
	case PanicLevel:
		entry.Panic(logString)
	case FatalLevel:
		entry.Fatal(logString)
	case ErrorLevel:
		entry.Error(logString)
	case WarnLevel:
		entry.Warn(logString)
	default:
		entry.Info(logString)
	}
}

func logf(level Level, err error, format string, args ...interface{}) {
	entry, pkg := newLogEntry(backtraceOneLevel + 1)

	if (TraceLevel == level) && !traceEnabled(pkg) {
		return
	}

	if nil != err {
		entry = entry.WithField(errorKey, err.Error())
	}

	emit(entry, level, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, nil, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, nil, format, args...)
}

// Tracef logs only if trace logging is enabled for the calling package
func Tracef(format string, args ...interface{}) {
	if !traceSettings.isAnyEnabled() {
		return
	}
	logf(TraceLevel, nil, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, nil, format, args...)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logf(ErrorLevel, err, format, args...)
}

// PanicfWithError logs and then panics with the log message
func PanicfWithError(err error, format string, args ...interface{}) {
	logf(PanicLevel, err, format, args...)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logf(WarnLevel, err, format, args...)
}

func (traceSettings *traceSettingsStruct) isAnyEnabled() (anyEnabled bool) {
	traceSettings.RLock()
	anyEnabled = traceSettings.anyEnabled
	traceSettings.RUnlock()
	return
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message.
//
// Up() must be called before this function is used.
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer holds the most recent log entries captured by a LogTarget
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// LogTarget is an io.Writer capturing the most recent log entries. Useful for writing test cases.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init sets up a LogTarget to hold up to nEntry log entries
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{LogEntries: make([]string, nEntry)}
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++
	copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
	target.LogBuf.LogEntries[0] = strings.TrimRight(string(p), "\n")

	n = len(p)
	return
}

// Contains reports whether any captured log entry contains substr
func (target LogTarget) Contains(substr string) bool {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	for _, entry := range target.LogBuf.LogEntries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}
