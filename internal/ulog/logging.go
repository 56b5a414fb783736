/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ulog is the leveled diagnostics logger used by every decoder in
// this module. Parser components take a *Logger (nil is valid and discards)
// rather than printing directly, so a CLI can route parse diagnostics
// wherever it likes.
package ulog

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "OFF"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	}
	return rfc5424.User | rfc5424.Info
}

const DefaultAppName = "unifiedlog"

// Logger is a minimal leveled logger that can format lines either as plain
// text or as RFC5424 syslog messages, matching the two output modes used
// across the parser's ambient diagnostics.
type Logger struct {
	mtx     sync.Mutex
	wtr     io.Writer
	lvl     Level
	raw     bool
	appname string
}

// New wraps wtr as a logger at level INFO. A nil wtr is valid and discards
// all output.
func New(wtr io.Writer) *Logger {
	if wtr == nil {
		wtr = io.Discard
	}
	return &Logger{wtr: wtr, lvl: INFO, appname: DefaultAppName}
}

// NewDiscard returns a logger that drops everything; useful as a zero-value
// replacement when callers pass a nil *Logger.
func NewDiscard() *Logger {
	return New(io.Discard)
}

// SetLevel adjusts the minimum level that will be written.
func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

// EnableRawMode switches output to a plain "timestamp level message" line
// instead of RFC5424 framing.
func (l *Logger) EnableRawMode() {
	l.raw = true
}

func (l *Logger) log(lvl Level, msg string, sds ...rfc5424.SDParam) {
	if l == nil {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return
	}
	ts := time.Now()
	var ln string
	if l.raw {
		ln = ts.UTC().Format(time.RFC3339) + " " + lvl.String() + " " + msg
	} else {
		ln = l.rfcLine(ts, lvl, msg, sds...)
	}
	io.WriteString(l.wtr, ln)
	io.WriteString(l.wtr, "\n")
}

func (l *Logger) rfcLine(ts time.Time, lvl Level, msg string, sds ...rfc5424.SDParam) string {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		AppName:   l.appname,
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         "ulog@1",
			Parameters: sds,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil || len(b) == 0 {
		return msg
	}
	return string(b)
}

// Debugf logs at DEBUG using a printf-style format.
func (l *Logger) Debugf(f string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(f, args...)) }

// Infof logs at INFO using a printf-style format.
func (l *Logger) Infof(f string, args ...interface{}) { l.log(INFO, fmt.Sprintf(f, args...)) }

// Warnf logs at WARN using a printf-style format.
func (l *Logger) Warnf(f string, args ...interface{}) { l.log(WARN, fmt.Sprintf(f, args...)) }

// Errorf logs at ERROR using a printf-style format.
func (l *Logger) Errorf(f string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(f, args...)) }

// SD builds an rfc5424 structured-data param, a convenience wrapper used
// when a diagnostic wants to carry a chunk tag or offset as a field.
func SD(name, value string) rfc5424.SDParam {
	return rfc5424.SDParam{Name: name, Value: value}
}
