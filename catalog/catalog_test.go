/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package catalog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func buildUuidtextBytes(path string, formats []string) ([]byte, []RangeEntry) {
	var pool []byte
	var entries []RangeEntry
	var rangeStart uint32
	for _, f := range formats {
		do := uint32(len(pool))
		pool = append(pool, []byte(f)...)
		pool = append(pool, 0)
		entries = append(entries, RangeEntry{RangeStart: rangeStart, DataOffset: do, Size: uint32(len(f) + 1)})
		rangeStart += uint32(len(f) + 1)
	}
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uuidtextMagic)
	buf = binary.LittleEndian.AppendUint32(buf, 1) // version
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(path)+1))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.RangeStart)
		buf = binary.LittleEndian.AppendUint32(buf, e.DataOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Size)
	}
	buf = append(buf, []byte(path)...)
	buf = append(buf, 0)
	buf = append(buf, pool...)
	return buf, entries
}

func TestParseAndResolveUuidtext(t *testing.T) {
	id := uuid.New()
	buf, _ := buildUuidtextBytes("/usr/lib/libfoo.dylib", []string{"hello %u", "world %s"})
	f, err := ParseUuidtext(id, buf)
	if err != nil {
		t.Fatal(err)
	}
	if f.LibraryPath != "/usr/lib/libfoo.dylib" {
		t.Fatalf("got path %q", f.LibraryPath)
	}
	got, err := f.ResolveFmt(0)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello %u" {
		t.Fatalf("got %q", got)
	}
	got2, err := f.ResolveFmt(9) // start of second range
	if err != nil {
		t.Fatal(err)
	}
	if got2 != "world %s" {
		t.Fatalf("got %q", got2)
	}
	if _, err := f.ResolveFmt(1000); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestStoreLoadAndResolve(t *testing.T) {
	root := t.TempDir()
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	subdir := filepath.Join(root, strings.ToUpper(hex[:2]))
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}
	buf, _ := buildUuidtextBytes("/bin/sh", []string{"hello %u"})
	if err := os.WriteFile(filepath.Join(subdir, strings.ToUpper(hex[2:])), buf, 0644); err != nil {
		t.Fatal(err)
	}
	st, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	res, err := st.ResolveFmt(id, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "hello %u" || res.LibraryPath != "/bin/sh" {
		t.Fatalf("got %+v", res)
	}
	if st.Stats().Hits != 1 {
		t.Fatalf("expected 1 hit, got %+v", st.Stats())
	}

	// repeated lookup is a bijection: identical result
	res2, err := st.ResolveFmt(id, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if res2 != res {
		t.Fatalf("resolve not stable across repeats: %+v vs %+v", res, res2)
	}
}

func TestStoreMissingUuidEmitsPlaceholder(t *testing.T) {
	root := t.TempDir()
	st, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	res, err := st.ResolveFmt(uuid.New(), 0, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(res.Format, "missing format") {
		t.Fatalf("expected placeholder message, got %q", res.Format)
	}
	if st.Stats().Misses != 1 {
		t.Fatalf("expected 1 miss, got %+v", st.Stats())
	}
}

func buildDscBytes(cacheUUID uuid.UUID, libs []DscUUID, ranges []DscRange, formats map[uint32]string) []byte {
	var formatPool []byte
	offs := make(map[uint32]uint32)
	for off, f := range formats {
		offs[off] = uint32(len(formatPool))
		formatPool = append(formatPool, []byte(f)...)
		formatPool = append(formatPool, 0)
	}
	var pathPool []byte
	pathOffsets := make([]uint32, len(libs))
	for i, u := range libs {
		pathOffsets[i] = uint32(len(pathPool))
		_ = u
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, dscMagic)
	buf = append(buf, cacheUUID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ranges)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(libs)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(formatPool)))
	for _, r := range ranges {
		buf = binary.LittleEndian.AppendUint32(buf, r.UUIDIndex)
		buf = binary.LittleEndian.AppendUint32(buf, r.VOffset)
		buf = binary.LittleEndian.AppendUint32(buf, offs[r.VOffset])
		buf = binary.LittleEndian.AppendUint32(buf, r.Size)
	}
	for i, u := range libs {
		buf = binary.LittleEndian.AppendUint32(buf, u.Size)
		buf = append(buf, u.UUID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, u.VOffset)
		buf = binary.LittleEndian.AppendUint32(buf, pathOffsets[i])
		buf = binary.LittleEndian.AppendUint64(buf, u.LoadAddress)
	}
	buf = append(buf, formatPool...)
	buf = append(buf, pathPool...)
	return buf
}

func TestParseAndResolveDsc(t *testing.T) {
	cacheUUID := uuid.New()
	libUUID := uuid.New()
	libs := []DscUUID{{Size: 0x1000, UUID: libUUID, VOffset: 0, LoadAddress: 0x1800000000}}
	ranges := []DscRange{{UUIDIndex: 0, VOffset: 0x100, Size: 0x20}}
	d, err := newTestDsc(cacheUUID, libs, ranges, map[uint32]string{0x100: "big=%s"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := d.ResolveFmt(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Format != "big=%s" {
		t.Fatalf("got %q", res.Format)
	}
	if res.LibraryUUID != libUUID {
		t.Fatalf("got %v want %v", res.LibraryUUID, libUUID)
	}
}

func newTestDsc(cacheUUID uuid.UUID, libs []DscUUID, ranges []DscRange, formats map[uint32]string) (*SharedCache, error) {
	buf := buildDscBytes(cacheUUID, libs, ranges, formats)
	return ParseDsc(buf)
}
