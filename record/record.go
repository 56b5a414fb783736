/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package record defines the fully reconstructed log record the parser
// produces, and a buffered Sink adapter over it.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogRecord is one fully reconstructed Unified Logging entry: wall-clock
// time, the resolved and interpolated message, and the catalog/process
// metadata needed to attribute it, per §3.
type LogRecord struct {
	Timestamp      time.Time
	ProcessID      uint32
	ProcessUUID    uuid.UUID
	ThreadID       uint64
	ActivityID     uint64
	Subsystem      string
	Category       string
	EventType      string // activity, trace, log, signpost, loss
	LogType        string // default, info, debug, error, fault
	SignpostName   string
	FormatString   string
	Message        string
	SenderUUID     uuid.UUID
	SenderImage    string
	Backtrace      []BacktraceFrame
	LossCount      uint64
	LossStartTime  time.Time
	LossEndTime    time.Time
}

// BacktraceFrame names one {library, offset} pair carried in an entry's
// activity context data.
type BacktraceFrame struct {
	LibraryUUID uuid.UUID
	Offset      uint32
}

// Sink consumes decoded records as the parser produces them.
type Sink interface {
	Emit(*LogRecord) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(*LogRecord) error

func (f SinkFunc) Emit(r *LogRecord) error { return f(r) }

// ChannelSink buffers records on a fixed-depth channel for a consumer that
// drains them from Records(). parser.Parser does not emit into a Sink itself;
// a caller pulling from Parser.Next forwards records here if it wants them.
// Adapted from the teacher's chancacher.ChanCacher In/Out channel-pipeline
// shape, trimmed to the in-memory case: this module has no disk-overflow
// requirement, so the on-disk staging half of chancacher has no caller here.
type ChannelSink struct {
	ch chan *LogRecord
}

// NewChannelSink wires a buffered channel of the given depth (0 =
// unbuffered). cachePath is accepted for interface parity with the
// caller-facing shape of a disk-backed sink but must be empty: this sink
// keeps records in memory only.
func NewChannelSink(depth int, cachePath string) (*ChannelSink, error) {
	if cachePath != "" {
		return nil, fmt.Errorf("record: disk-backed sink caching is not supported")
	}
	if depth < 0 {
		depth = 0
	}
	return &ChannelSink{ch: make(chan *LogRecord, depth)}, nil
}

// Emit enqueues r onto the sink's channel.
func (s *ChannelSink) Emit(r *LogRecord) error {
	s.ch <- r
	return nil
}

// Close signals no further records will be emitted.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// Records returns the channel records can be drained from as the parser
// emits them.
func (s *ChannelSink) Records() <-chan *LogRecord {
	return s.ch
}
