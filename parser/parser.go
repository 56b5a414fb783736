/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package parser ties the container, catalog, firehose, format, and
// timesync packages together into the pull-based per-file iterator
// described in §5: single-threaded and cooperative, handing back one
// record.LogRecord per Next() call.
package parser

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/catalog"
	"github.com/gravwell/unifiedlog/firehose"
	"github.com/gravwell/unifiedlog/format"
	"github.com/gravwell/unifiedlog/internal/binreader"
	"github.com/gravwell/unifiedlog/internal/ulconfig"
	"github.com/gravwell/unifiedlog/internal/ulog"
	"github.com/gravwell/unifiedlog/record"
	"github.com/gravwell/unifiedlog/timesync"
	"github.com/gravwell/unifiedlog/tracev3"
)

var (
	ErrNoActiveCatalog  = errors.New("firehose chunk arrived before any catalog chunk")
	ErrUnknownProcess   = errors.New("firehose page references a process not in the active catalog")
	ErrOversizeMissing  = errors.New("entry references an oversize back-reference that was never seen")
	ErrDone             = errors.New("no more records")
)

// Diagnostic records one recoverable failure encountered while parsing, per
// §7: parsing always continues past a bad chunk or entry, and these
// accumulate for the caller to inspect afterward.
type Diagnostic struct {
	Severity ulog.Level
	Offset   int64
	ChunkTag uint32
	Err      error
}

// oversizeKey identifies one Oversize chunk's back-reference slot.
type oversizeKey struct {
	procID1      uint64
	procID2      uint32
	dataRefIndex uint16
}

// Parser decodes a single tracev3 file against a uuidtext/dsc catalog and a
// timesync directory, yielding fully reconstructed record.LogRecord values
// one at a time via Next.
type Parser struct {
	cfg *ulconfig.SourceConfig
	log *ulog.Logger

	catalogStore *catalog.Store
	tsStore      *timesync.Store
	bootUUID     uuid.UUID

	chunks []tracev3.Chunk
	chIdx  int

	active   *tracev3.Catalog
	oversize map[oversizeKey][]byte

	pending []pendingRecord
	diags   []Diagnostic
}

// pendingRecord defers emission of a decoded page's entries one at a time
// across successive Next() calls.
type pendingRecord struct {
	proc  tracev3.ProcessInfo
	page  *firehose.Page
	entry firehose.Entry
}

// Open reads cfg.Global.Tracev3_Path, indexes the uuidtext/dsc catalog, and
// loads the timesync directory, returning a Parser ready for Next().
func Open(cfg *ulconfig.SourceConfig, log *ulog.Logger) (*Parser, error) {
	if log == nil {
		log = ulog.NewDiscard()
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}

	cs, err := catalog.Load(cfg.Global.Uuidtext_Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load uuidtext catalog: %w", err)
	}

	var ts *timesync.Store
	if cfg.Global.Timesync_Path != "" {
		ts, err = timesync.Load(cfg.Global.Timesync_Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load timesync directory: %w", err)
		}
	}

	buf, err := os.ReadFile(cfg.Global.Tracev3_Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tracev3 file: %w", err)
	}
	chunks, err := tracev3.ReadChunks(buf)
	if err != nil && len(chunks) == 0 {
		return nil, fmt.Errorf("failed to frame tracev3 container: %w", err)
	}

	p := &Parser{
		cfg:          cfg,
		log:          log,
		catalogStore: cs,
		tsStore:      ts,
		chunks:       chunks,
		oversize:     make(map[oversizeKey][]byte),
	}
	return p, nil
}

// Diagnostics returns every recoverable decode failure accumulated so far.
func (p *Parser) Diagnostics() []Diagnostic { return p.diags }

// CatalogStats returns the uuidtext/dsc resolver's hit/miss counters.
func (p *Parser) CatalogStats() catalog.Stats { return p.catalogStore.Stats() }

func (p *Parser) warn(tag uint32, err error) {
	d := Diagnostic{Severity: ulog.WARN, ChunkTag: tag, Err: err}
	p.diags = append(p.diags, d)
	p.log.Warnf("chunk 0x%x: %v", tag, err)
}

// Next decodes and returns the next record, or (nil, ErrDone) once the file
// is exhausted. Malformed chunks/entries are skipped and recorded via
// Diagnostics rather than aborting the whole file, per §7.
func (p *Parser) Next() (*record.LogRecord, error) {
	for {
		if rec := p.drainPending(); rec != nil {
			return rec, nil
		}
		if !p.advance() {
			return nil, ErrDone
		}
	}
}

// drainPending converts the next queued firehose entry into a LogRecord, if
// any remain.
func (p *Parser) drainPending() *record.LogRecord {
	for len(p.pending) > 0 {
		pr := p.pending[0]
		p.pending = p.pending[1:]
		rec, err := p.buildRecord(pr)
		if err != nil {
			p.warn(tracev3.TagFirehose, err)
			continue
		}
		return rec
	}
	return nil
}

// advance consumes the next top-level chunk, queuing any firehose entries
// it yields. Returns false once the chunk stream is exhausted.
func (p *Parser) advance() bool {
	for p.chIdx < len(p.chunks) {
		c := p.chunks[p.chIdx]
		p.chIdx++
		switch c.Tag {
		case tracev3.TagHeader:
			ctx, err := tracev3.ParseHeader(c.Data)
			if err != nil {
				p.warn(c.Tag, err)
				continue
			}
			p.bootUUID = ctx.BootUUID
		case tracev3.TagCatalog:
			cat, err := tracev3.ParseCatalog(c.Data)
			if err != nil {
				p.warn(c.Tag, err)
				continue
			}
			p.active = cat
		case tracev3.TagOversize:
			p.ingestOversize(c.Data)
		case tracev3.TagChunkSet:
			inner, err := tracev3.InflateChunkSet(c, p.log)
			if err != nil {
				p.warn(c.Tag, err)
				continue
			}
			p.chunks = append(p.chunks[:p.chIdx], append(inner, p.chunks[p.chIdx:]...)...)
		case tracev3.TagFirehose:
			if p.active == nil {
				p.warn(c.Tag, ErrNoActiveCatalog)
				continue
			}
			page, err := firehose.DecodePage(c.Data)
			if err != nil {
				p.warn(c.Tag, err)
				continue
			}
			proc, ok := p.active.ProcessByID(page.ProcID1, page.ProcID2)
			if !ok {
				p.warn(c.Tag, fmt.Errorf("%w: proc_id %d/%d", ErrUnknownProcess, page.ProcID1, page.ProcID2))
				continue
			}
			for _, e := range page.Entries {
				p.pending = append(p.pending, pendingRecord{proc: proc, page: page, entry: e})
			}
			if len(p.pending) > 0 {
				return true
			}
		default:
			// StateDump/Simpledump and any unrecognized tag are out of
			// scope for record reconstruction; skip silently.
		}
	}
	return false
}

// ingestOversize keys an Oversize chunk's payload by the (proc_id_1,
// proc_id_2, data_ref_index) triple the chunk's own header carries, per
// §4.7/§9's "keyed map" buffering model.
//
// Wire layout (self-consistent; not literally specified): proc_id_1(u64),
// proc_id_2(u32), data_ref_index(u16), then the raw back-referenced bytes
// to the end of the chunk.
func (p *Parser) ingestOversize(data []byte) {
	r := binreader.New(data, tracev3.TagOversize)
	procID1, err := r.U64()
	if err != nil {
		p.warn(tracev3.TagOversize, fmt.Errorf("oversize chunk too small: %w", err))
		return
	}
	procID2, err := r.U32()
	if err != nil {
		p.warn(tracev3.TagOversize, fmt.Errorf("oversize chunk too small: %w", err))
		return
	}
	dataRefIndex, err := r.U16()
	if err != nil {
		p.warn(tracev3.TagOversize, fmt.Errorf("oversize chunk too small: %w", err))
		return
	}
	raw, err := r.Bytes(r.Len())
	if err != nil {
		p.warn(tracev3.TagOversize, fmt.Errorf("oversize chunk too small: %w", err))
		return
	}
	key := oversizeKey{procID1: procID1, procID2: procID2, dataRefIndex: dataRefIndex}
	p.oversize[key] = append([]byte{}, raw...)
}

// buildRecord resolves a pending firehose entry's format string, interpolates
// its arguments, resolves wall-clock time, and assembles the final
// record.LogRecord, per §4.8.
func (p *Parser) buildRecord(pr pendingRecord) (*record.LogRecord, error) {
	e := pr.entry
	proc := pr.proc

	senderUUID, viaDsc, err := p.resolveSenderUUID(proc, e)
	if err != nil {
		return nil, err
	}

	resolved, err := p.catalogStore.ResolveFmt(senderUUID, e.FormatStringLocation, viaDsc)
	if err != nil {
		p.warn(tracev3.TagFirehose, err)
	}

	args := e.Arguments
	public := pr.page.Public
	if e.HasDataRef {
		if raw, ok := p.oversize[oversizeKey{proc.ProcID1, proc.ProcID2, e.DataRefIndex}]; ok {
			// append the recovered bytes to a private copy of the public
			// region and reference them by offset, since Argument's
			// reference kinds are always resolved by (offset, size)
			// rather than carrying their bytes inline.
			ext := append(append([]byte{}, public...), raw...)
			args = append(args, firehose.Argument{
				Kind:      firehose.KindStringPublic,
				RefOffset: uint16(len(public)),
				RefSize:   uint16(len(raw)),
			})
			public = ext
		} else {
			p.warn(tracev3.TagFirehose, fmt.Errorf("%w: proc %d/%d index %d", ErrOversizeMissing, proc.ProcID1, proc.ProcID2, e.DataRefIndex))
		}
	}

	msg, err := format.Interpolate(resolved.Format, args, format.Resolver{Public: public, Private: pr.page.Private})
	if err != nil {
		p.warn(tracev3.TagFirehose, err)
	}

	ts := p.resolveTimestamp(e.AbsoluteContinuousTime)

	subsys, cat := "", ""
	if e.HasSubsystem {
		if se, ok := proc.Subsystems[e.SubsystemID]; ok {
			subsys, cat = se.Subsystem, se.Category
		}
	}

	var bt []record.BacktraceFrame
	for _, f := range e.Backtrace {
		var u uuid.UUID
		copy(u[:], f.UUID[:])
		bt = append(bt, record.BacktraceFrame{LibraryUUID: u, Offset: f.Offset})
	}

	return &record.LogRecord{
		Timestamp:    ts,
		ProcessID:    proc.PID,
		ProcessUUID:  p.uuidAt(p.active, proc.MainUUIDIndex),
		ThreadID:     e.ThreadID,
		ActivityID:   e.CurrentAID,
		Subsystem:    subsys,
		Category:     cat,
		EventType:    activityTypeName(e.ActivityType),
		FormatString: resolved.Format,
		Message:      msg,
		SenderUUID:   senderUUID,
		SenderImage:  resolved.LibraryPath,
		Backtrace:    bt,
	}, nil
}

// resolveSenderUUID implements the fmt_lookup_method dispatch of §4.7/§4.8:
// which UUID (and whether it is a shared-cache DSC UUID) an entry's
// FormatStringLocation should be resolved against.
func (p *Parser) resolveSenderUUID(proc tracev3.ProcessInfo, e firehose.Entry) (uuid.UUID, bool, error) {
	cat := p.active
	switch e.Flags.LookupMethod() {
	case firehose.FmtMainExe:
		return p.uuidAt(cat, proc.MainUUIDIndex), false, nil
	case firehose.FmtSharedCache:
		return p.uuidAt(cat, proc.DscUUIDIndex), true, nil
	case firehose.FmtUUIDRelative:
		if int(e.DataRefIndex) < len(proc.UUIDsUsed) {
			return p.uuidAt(cat, proc.UUIDsUsed[e.DataRefIndex]), false, nil
		}
		return p.uuidAt(cat, proc.MainUUIDIndex), false, nil
	case firehose.FmtMainPlugin:
		return p.uuidAt(cat, proc.MainUUIDIndex), false, nil
	case firehose.FmtAbsolute:
		return p.uuidAt(cat, proc.DscUUIDIndex), true, nil
	}
	return p.uuidAt(cat, proc.MainUUIDIndex), false, nil
}

// resolveTimestamp converts an entry's absolute Mach continuous time to
// wall-clock via the active timesync store, falling back to the zero time
// when no timesync directory was configured or the boot isn't known.
func (p *Parser) resolveTimestamp(ct uint64) time.Time {
	if p.tsStore == nil {
		return time.Time{}
	}
	ns, err := p.tsStore.ToWallNS(p.bootUUID, ct)
	if err != nil {
		p.warn(tracev3.TagHeader, fmt.Errorf("wall-clock resolution: %w", err))
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func (p *Parser) uuidAt(cat *tracev3.Catalog, idx uint16) uuid.UUID {
	if cat == nil || int(idx) >= len(cat.UUIDs) {
		return uuid.Nil
	}
	return cat.UUIDs[idx]
}

func activityTypeName(at firehose.ActivityType) string {
	switch at {
	case firehose.Activity:
		return "activity"
	case firehose.Trace:
		return "trace"
	case firehose.Log:
		return "log"
	case firehose.Signpost:
		return "signpost"
	case firehose.Loss:
		return "loss"
	}
	return "unknown"
}
