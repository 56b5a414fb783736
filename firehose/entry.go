/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package firehose

import (
	"github.com/gravwell/unifiedlog/internal/binreader"
)

// ActivityType is the tracepoint's top-level kind.
type ActivityType uint8

const (
	Activity ActivityType = 0x2
	Trace    ActivityType = 0x3
	Log      ActivityType = 0x4
	Signpost ActivityType = 0x6
	Loss     ActivityType = 0x7
)

// Flags is the per-entry bitmap selecting which optional fields follow the
// fixed tracepoint header, per the table in §4.6. Modeled as a strongly
// typed flag set rather than the long sequential "read N bytes
// conditionally" chain source implementations tend to express (§9).
type Flags uint16

const (
	FlagHasCurrentAID  Flags = 0x0001
	FlagFmtLookupMask  Flags = 0x000e
	FlagHasSubsystem   Flags = 0x0010
	FlagHasTTL         Flags = 0x0020
	FlagHasDataRef     Flags = 0x0100
	FlagHasSignpostName Flags = 0x0200
	FlagHasPrivateData Flags = 0x0400
	FlagHasContextData Flags = 0x1000
)

// FmtLookupMethod is the 4-bit sub-field of Flags selecting how
// FormatStringLocation (and the sender UUID) should be resolved.
type FmtLookupMethod uint8

const (
	FmtMainExe     FmtLookupMethod = 0x2
	FmtSharedCache FmtLookupMethod = 0x4
	FmtUUIDRelative FmtLookupMethod = 0x8
	FmtMainPlugin  FmtLookupMethod = 0xa
	FmtAbsolute    FmtLookupMethod = 0xc
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// LookupMethod extracts the fmt_lookup_method sub-field.
func (f Flags) LookupMethod() FmtLookupMethod {
	return FmtLookupMethod(f & FlagFmtLookupMask)
}

// Entry is one decoded firehose tracepoint: the 24-byte fixed header, its
// flag-selected optional fields, and (for Log/Trace/Signpost activity
// types) the typed argument stream.
type Entry struct {
	ActivityType         ActivityType
	LogType              uint8
	Flags                Flags
	FormatStringLocation uint32
	ThreadID             uint64
	ContinuousTimeDelta  uint64

	CurrentAID           uint64
	HasCurrentAID        bool
	SubsystemID          uint16
	HasSubsystem         bool
	TTL                  uint8
	HasTTL               bool
	DataRefIndex         uint16
	HasDataRef           bool
	SignpostNameLocation uint32
	HasSignpostName      bool
	Backtrace            []BacktraceFrame
	HasContextData       bool

	Arguments []Argument

	AbsoluteContinuousTime uint64
}

// BacktraceFrame is one {uuid, offset} pair from an entry's activity
// context blob.
type BacktraceFrame struct {
	UUID   [16]byte
	Offset uint32
}

func decodeEntry(r *binreader.Reader, baseCT uint64) (Entry, error) {
	var e Entry
	at, err := r.U8()
	if err != nil {
		return e, err
	}
	e.ActivityType = ActivityType(at)
	lt, err := r.U8()
	if err != nil {
		return e, err
	}
	e.LogType = lt
	flags, err := r.U16()
	if err != nil {
		return e, err
	}
	e.Flags = Flags(flags)
	loc, err := r.U32()
	if err != nil {
		return e, err
	}
	e.FormatStringLocation = loc
	tid, err := r.U64()
	if err != nil {
		return e, err
	}
	e.ThreadID = tid
	delta, err := r.U64()
	if err != nil {
		return e, err
	}
	e.ContinuousTimeDelta = delta
	e.AbsoluteContinuousTime = baseCT + delta

	if e.Flags.Has(FlagHasCurrentAID) {
		aid, err := r.U64()
		if err != nil {
			return e, err
		}
		if _, err := r.U64(); err != nil { // sentinel
			return e, err
		}
		e.CurrentAID, e.HasCurrentAID = aid, true
	}
	if e.Flags.Has(FlagHasSubsystem) {
		sid, err := r.U16()
		if err != nil {
			return e, err
		}
		e.SubsystemID, e.HasSubsystem = sid, true
	}
	if e.Flags.Has(FlagHasTTL) {
		ttl, err := r.U8()
		if err != nil {
			return e, err
		}
		e.TTL, e.HasTTL = ttl, true
	}
	if e.Flags.Has(FlagHasDataRef) {
		idx, err := r.U16()
		if err != nil {
			return e, err
		}
		e.DataRefIndex, e.HasDataRef = idx, true
	}
	if e.Flags.Has(FlagHasSignpostName) {
		loc, err := r.U32()
		if err != nil {
			return e, err
		}
		e.SignpostNameLocation, e.HasSignpostName = loc, true
	}
	if e.Flags.Has(FlagHasContextData) {
		e.HasContextData = true
		count, err := r.U16()
		if err != nil {
			return e, err
		}
		for i := uint16(0); i < count; i++ {
			u, err := r.Bytes(16)
			if err != nil {
				return e, err
			}
			off, err := r.U32()
			if err != nil {
				return e, err
			}
			var frame BacktraceFrame
			copy(frame.UUID[:], u)
			frame.Offset = off
			e.Backtrace = append(e.Backtrace, frame)
		}
	}

	payloadSize, err := r.U16()
	if err != nil {
		return e, err
	}
	payload, err := r.Bytes(int(payloadSize))
	if err != nil {
		return e, err
	}
	if hasArgumentStream(e.ActivityType) {
		args, _ := decodeArgumentStream(payload)
		e.Arguments = args
		// a malformed argument stream is an entry-level error (§7): the
		// entry is still emitted with whatever arguments were decoded
		// before the failure, and the decoder has already advanced past
		// the whole payload via r.Bytes above.
	}
	return e, nil
}

func hasArgumentStream(at ActivityType) bool {
	switch at {
	case Trace, Log, Signpost:
		return true
	}
	return false
}

// decodeArgumentStream parses the 1-byte unknown + 1-byte argument_count +
// argument_count tagged items described in §4.6.
func decodeArgumentStream(buf []byte) ([]Argument, error) {
	r := binreader.New(buf, 0x1001)
	if r.Len() == 0 {
		return nil, nil
	}
	if _, err := r.U8(); err != nil { // unknown
		return nil, err
	}
	count, err := r.U8()
	if err != nil {
		return nil, err
	}
	args := make([]Argument, 0, count)
	for i := uint8(0); i < count; i++ {
		descriptor, err := r.U8()
		if err != nil {
			return args, err
		}
		size, err := r.U8()
		if err != nil {
			return args, err
		}
		data, err := r.Bytes(int(size))
		if err != nil {
			return args, err
		}
		arg, err := decodeArgument(descriptor, size, data)
		if err != nil {
			return args, err
		}
		args = append(args, arg)
	}
	return args, nil
}
