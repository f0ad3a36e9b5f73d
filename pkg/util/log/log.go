// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed for the SwissFEL data acquisition
// system (sf-daq).

// Package log exposes a leveled logging facade over seelog. Every
// process (broker, writer, checker) configures it once at startup and
// the rest of the code logs through the package functions.
package log

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

// Callers go through the exported package functions, which adds two
// frames between seelog and the original call site.
const stackDepth = 2

type daqLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

var logger = &daqLogger{
	inner: seelog.Default,
	level: seelog.InfoLvl,
}

// SetupLogger replaces the process-wide logger. level is one of
// "trace", "debug", "info", "warn", "error", "critical".
func SetupLogger(l seelog.LoggerInterface, level string) {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}

	l.SetAdditionalStackDepth(stackDepth) //nolint:errcheck

	logger.l.Lock()
	logger.inner = l
	logger.level = lvl
	logger.l.Unlock()
}

// ChangeLogLevel modifies the minimum level of the running logger.
func ChangeLogLevel(level string) error {
	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return fmt.Errorf("unknown log level: %s", level)
	}

	logger.l.Lock()
	logger.level = lvl
	logger.l.Unlock()
	return nil
}

func (sw *daqLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	ok := level >= sw.level
	sw.l.RUnlock()
	return ok
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	if logger.shouldLog(seelog.TraceLvl) {
		logger.l.RLock()
		logger.inner.Trace(v...)
		logger.l.RUnlock()
	}
}

// Tracef formats and logs at the trace level.
func Tracef(format string, params ...interface{}) {
	if logger.shouldLog(seelog.TraceLvl) {
		logger.l.RLock()
		logger.inner.Tracef(format, params...)
		logger.l.RUnlock()
	}
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	if logger.shouldLog(seelog.DebugLvl) {
		logger.l.RLock()
		logger.inner.Debug(v...)
		logger.l.RUnlock()
	}
}

// Debugf formats and logs at the debug level.
func Debugf(format string, params ...interface{}) {
	if logger.shouldLog(seelog.DebugLvl) {
		logger.l.RLock()
		logger.inner.Debugf(format, params...)
		logger.l.RUnlock()
	}
}

// Info logs at the info level.
func Info(v ...interface{}) {
	if logger.shouldLog(seelog.InfoLvl) {
		logger.l.RLock()
		logger.inner.Info(v...)
		logger.l.RUnlock()
	}
}

// Infof formats and logs at the info level.
func Infof(format string, params ...interface{}) {
	if logger.shouldLog(seelog.InfoLvl) {
		logger.l.RLock()
		logger.inner.Infof(format, params...)
		logger.l.RUnlock()
	}
}

// Warn logs at the warn level and returns the message as an error.
func Warn(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if logger.shouldLog(seelog.WarnLvl) {
		logger.l.RLock()
		logger.inner.Warn(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Warnf formats and logs at the warn level and returns the message as
// an error.
func Warnf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger.shouldLog(seelog.WarnLvl) {
		logger.l.RLock()
		logger.inner.Warn(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Error logs at the error level and returns the message as an error.
func Error(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.l.RLock()
		logger.inner.Error(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Errorf formats and logs at the error level and returns the message
// as an error.
func Errorf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger.shouldLog(seelog.ErrorLvl) {
		logger.l.RLock()
		logger.inner.Error(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Critical logs at the critical level and returns the message as an
// error.
func Critical(v ...interface{}) error {
	err := fmt.Errorf("%s", fmt.Sprint(v...))
	if logger.shouldLog(seelog.CriticalLvl) {
		logger.l.RLock()
		logger.inner.Critical(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Criticalf formats and logs at the critical level and returns the
// message as an error.
func Criticalf(format string, params ...interface{}) error {
	err := fmt.Errorf(format, params...)
	if logger.shouldLog(seelog.CriticalLvl) {
		logger.l.RLock()
		logger.inner.Critical(err.Error()) //nolint:errcheck
		logger.l.RUnlock()
	}
	return err
}

// Flush flushes the underlying logger.
func Flush() {
	logger.l.RLock()
	logger.inner.Flush()
	logger.l.RUnlock()
}
