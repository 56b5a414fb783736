/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package parser

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/firehose"
	"github.com/gravwell/unifiedlog/internal/ulconfig"
)

func appendChunk(buf []byte, tag, subtag uint32, data []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, tag)
	buf = binary.LittleEndian.AppendUint32(buf, subtag)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(data)))
	buf = append(buf, data...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func buildHeaderChunkData(bootUUID uuid.UUID, numer, denom uint32) []byte {
	var b []byte
	b = append(b, bootUUID[:]...)
	b = binary.LittleEndian.AppendUint32(b, numer)
	b = binary.LittleEndian.AppendUint32(b, denom)
	b = binary.LittleEndian.AppendUint32(b, 0) // tz len
	b = binary.LittleEndian.AppendUint32(b, 0) // build info len
	return b
}

func buildCatalogChunkData(mainUUID uuid.UUID, procID1 uint64) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 1) // uuid_count
	b = append(b, mainUUID[:]...)
	b = binary.LittleEndian.AppendUint32(b, 0) // subsystem pool size

	b = binary.LittleEndian.AppendUint32(b, 1) // process_count
	b = binary.LittleEndian.AppendUint16(b, 0) // main_uuid_index
	b = binary.LittleEndian.AppendUint16(b, 0) // dsc_uuid_index
	b = binary.LittleEndian.AppendUint64(b, procID1)
	b = binary.LittleEndian.AppendUint32(b, 0)   // proc_id_2
	b = binary.LittleEndian.AppendUint32(b, 100) // pid
	b = binary.LittleEndian.AppendUint32(b, 501) // euid
	b = binary.LittleEndian.AppendUint16(b, 0)   // uuids_used count
	b = binary.LittleEndian.AppendUint16(b, 0)   // subsystem count

	b = binary.LittleEndian.AppendUint32(b, 0) // subchunk_count
	return b
}

func buildLogEntryU32(fmtLoc uint32, tid, delta uint64, argVal uint32) []byte {
	var b []byte
	b = append(b, byte(firehose.Log))
	b = append(b, 0)
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = binary.LittleEndian.AppendUint32(b, fmtLoc)
	b = binary.LittleEndian.AppendUint64(b, tid)
	b = binary.LittleEndian.AppendUint64(b, delta)

	var payload []byte
	payload = append(payload, 0)
	payload = append(payload, 1)
	payload = append(payload, byte(firehose.KindScalar)<<4)
	payload = append(payload, 4)
	payload = binary.LittleEndian.AppendUint32(payload, argVal)

	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, payload...)
	return b
}

// buildLogEntryDataRef builds a Log-activity entry carrying the
// has_data_ref optional field (and no inline arguments of its own), for the
// oversize back-reference scenario (§8 scenario 4).
func buildLogEntryDataRef(fmtLoc uint32, tid, delta uint64, dataRefIndex uint16) []byte {
	var b []byte
	b = append(b, byte(firehose.Log))
	b = append(b, 0)
	b = binary.LittleEndian.AppendUint16(b, 0x0100) // flags: has_data_ref
	b = binary.LittleEndian.AppendUint32(b, fmtLoc)
	b = binary.LittleEndian.AppendUint64(b, tid)
	b = binary.LittleEndian.AppendUint64(b, delta)
	b = binary.LittleEndian.AppendUint16(b, dataRefIndex)

	payload := []byte{0, 0} // unknown byte, argument_count=0
	b = binary.LittleEndian.AppendUint16(b, uint16(len(payload)))
	b = append(b, payload...)
	return b
}

// buildOversizeChunkData builds an Oversize chunk's self-consistent payload:
// the (proc_id_1, proc_id_2, data_ref_index) key followed by the raw
// back-referenced bytes.
func buildOversizeChunkData(procID1 uint64, dataRefIndex uint16, raw []byte) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint64(b, procID1)
	b = binary.LittleEndian.AppendUint32(b, 0) // proc_id_2
	b = binary.LittleEndian.AppendUint16(b, dataRefIndex)
	b = append(b, raw...)
	return b
}

func buildFirehoseChunkData(procID1 uint64, baseCT uint64, entries ...[]byte) []byte {
	var pub []byte
	for _, e := range entries {
		pub = append(pub, e...)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, procID1)
	buf = binary.LittleEndian.AppendUint32(buf, 0) // proc_id_2
	buf = append(buf, 0, 0)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(pub)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(32+len(pub)))
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, baseCT)
	buf = append(buf, pub...)
	return buf
}

func buildUuidtextFile(path string, formats []string) []byte {
	var pool []byte
	type rangeEntry struct{ start, off, size uint32 }
	var entries []rangeEntry
	var rangeStart uint32
	for _, f := range formats {
		do := uint32(len(pool))
		pool = append(pool, []byte(f)...)
		pool = append(pool, 0)
		entries = append(entries, rangeEntry{rangeStart, do, uint32(len(f) + 1)})
		rangeStart += uint32(len(f) + 1)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 0x99887766)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(path)+1))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.start)
		buf = binary.LittleEndian.AppendUint32(buf, e.off)
		buf = binary.LittleEndian.AppendUint32(buf, e.size)
	}
	buf = append(buf, []byte(path)...)
	buf = append(buf, 0)
	buf = append(buf, pool...)
	return buf
}

func writeUuidtextFile(t *testing.T, root string, id uuid.UUID, formats []string) {
	t.Helper()
	hex := strings.ReplaceAll(id.String(), "-", "")
	dir := filepath.Join(root, strings.ToUpper(hex[:2]))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	buf := buildUuidtextFile("/usr/lib/libfoo.dylib", formats)
	if err := os.WriteFile(filepath.Join(dir, strings.ToUpper(hex[2:])), buf, 0644); err != nil {
		t.Fatal(err)
	}
}

func buildTimesyncFile(bootUUID uuid.UUID, numer, denom uint32, anchorWall uint64) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 0xBBB0)
	b = binary.LittleEndian.AppendUint16(b, 0) // pad
	b = append(b, bootUUID[:]...)
	b = binary.LittleEndian.AppendUint32(b, numer)
	b = binary.LittleEndian.AppendUint32(b, denom)
	b = binary.LittleEndian.AppendUint64(b, anchorWall)
	b = append(b, make([]byte, 48-4-2-16-4-4-8)...)
	return b
}

func writeTimesyncFile(t *testing.T, dir string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "0000.timesync"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

// TestParserHelloUEndToEnd wires a minimal Header+Catalog+Firehose tracev3
// file against an on-disk uuidtext catalog and timesync directory, and
// checks the single emitted record matches the "hello %u" scenario.
func TestParserHelloUEndToEnd(t *testing.T) {
	dir := t.TempDir()
	uuidtextRoot := filepath.Join(dir, "uuidtext")
	timesyncRoot := filepath.Join(dir, "timesync")
	if err := os.MkdirAll(uuidtextRoot, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(timesyncRoot, 0755); err != nil {
		t.Fatal(err)
	}

	bootUUID := uuid.New()
	mainUUID := uuid.New()
	writeUuidtextFile(t, uuidtextRoot, mainUUID, []string{"hello %u"})
	writeTimesyncFile(t, timesyncRoot, buildTimesyncFile(bootUUID, 125, 3, 1_000_000_000))

	var tv3 []byte
	tv3 = appendChunk(tv3, 0x1000, 0, buildHeaderChunkData(bootUUID, 125, 3))
	tv3 = appendChunk(tv3, 0x600B, 0, buildCatalogChunkData(mainUUID, 42))
	entry := buildLogEntryU32(0, 0x1234, 1000, 7)
	tv3 = appendChunk(tv3, 0x1001, 0, buildFirehoseChunkData(42, 0, entry))

	tracev3Path := filepath.Join(dir, "trace.tracev3")
	if err := os.WriteFile(tracev3Path, tv3, 0644); err != nil {
		t.Fatal(err)
	}

	var cfg ulconfig.SourceConfig
	cfg.Global.Uuidtext_Path = uuidtextRoot
	cfg.Global.Timesync_Path = timesyncRoot
	cfg.Global.Tracev3_Path = tracev3Path

	p, err := Open(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Message != "hello 7" {
		t.Fatalf("got message %q", rec.Message)
	}
	if rec.ThreadID != 0x1234 {
		t.Fatalf("got thread id %x", rec.ThreadID)
	}
	if rec.ProcessID != 100 {
		t.Fatalf("got pid %d", rec.ProcessID)
	}
	wantNs := int64(1_000_000_000 + (1000*125)/3)
	if rec.Timestamp.UnixNano() != wantNs {
		t.Fatalf("got ts %d want %d", rec.Timestamp.UnixNano(), wantNs)
	}

	if _, err := p.Next(); err != ErrDone {
		t.Fatalf("expected ErrDone, got %v", err)
	}
	if diags := p.Diagnostics(); len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", diags)
	}
}

// TestParserOversizeBackReference checks that an entry's has_data_ref
// optional field is resolved against a preceding Oversize chunk and
// interpolated into its format string, per §8 scenario 4.
func TestParserOversizeBackReference(t *testing.T) {
	dir := t.TempDir()
	uuidtextRoot := filepath.Join(dir, "uuidtext")
	if err := os.MkdirAll(uuidtextRoot, 0755); err != nil {
		t.Fatal(err)
	}
	bootUUID := uuid.New()
	mainUUID := uuid.New()
	writeUuidtextFile(t, uuidtextRoot, mainUUID, []string{"big=%s"})

	var tv3 []byte
	tv3 = appendChunk(tv3, 0x1000, 0, buildHeaderChunkData(bootUUID, 1, 1))
	tv3 = appendChunk(tv3, 0x600B, 0, buildCatalogChunkData(mainUUID, 42))
	tv3 = appendChunk(tv3, 0x1002, 0, buildOversizeChunkData(42, 0, []byte("payload")))
	entry := buildLogEntryDataRef(0, 1, 0, 0)
	tv3 = appendChunk(tv3, 0x1001, 0, buildFirehoseChunkData(42, 0, entry))

	tracev3Path := filepath.Join(dir, "trace.tracev3")
	if err := os.WriteFile(tracev3Path, tv3, 0644); err != nil {
		t.Fatal(err)
	}

	var cfg ulconfig.SourceConfig
	cfg.Global.Uuidtext_Path = uuidtextRoot
	cfg.Global.Tracev3_Path = tracev3Path

	p, err := Open(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Message != "big=payload" {
		t.Fatalf("got message %q", rec.Message)
	}
	if diags := p.Diagnostics(); len(diags) != 0 {
		t.Fatalf("expected no diagnostics, got %+v", diags)
	}
}

// TestParserUnknownProcessDiagnostic checks a firehose page whose proc_id
// isn't in the active catalog is skipped with a diagnostic rather than
// aborting the file.
func TestParserUnknownProcessDiagnostic(t *testing.T) {
	dir := t.TempDir()
	uuidtextRoot := filepath.Join(dir, "uuidtext")
	if err := os.MkdirAll(uuidtextRoot, 0755); err != nil {
		t.Fatal(err)
	}
	bootUUID := uuid.New()
	mainUUID := uuid.New()
	writeUuidtextFile(t, uuidtextRoot, mainUUID, []string{"hello %u"})

	var tv3 []byte
	tv3 = appendChunk(tv3, 0x1000, 0, buildHeaderChunkData(bootUUID, 1, 1))
	tv3 = appendChunk(tv3, 0x600B, 0, buildCatalogChunkData(mainUUID, 42))
	entry := buildLogEntryU32(0, 1, 0, 7)
	tv3 = appendChunk(tv3, 0x1001, 0, buildFirehoseChunkData(99, 0, entry)) // proc_id 99 unknown

	tracev3Path := filepath.Join(dir, "trace.tracev3")
	if err := os.WriteFile(tracev3Path, tv3, 0644); err != nil {
		t.Fatal(err)
	}

	var cfg ulconfig.SourceConfig
	cfg.Global.Uuidtext_Path = uuidtextRoot
	cfg.Global.Tracev3_Path = tracev3Path

	p, err := Open(&cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Next(); err != ErrDone {
		t.Fatalf("expected ErrDone, got %v", err)
	}
	if len(p.Diagnostics()) != 1 {
		t.Fatalf("expected 1 diagnostic, got %+v", p.Diagnostics())
	}
}
