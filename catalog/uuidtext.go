/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package catalog resolves (uuid, offset) references found in tracev3
// firehose entries into format strings and library paths, by parsing
// per-UUID uuidtext files and shared dsc caches lazily indexed from a
// uuidtext root directory.
package catalog

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/internal/binreader"
)

const uuidtextMagic uint32 = 0x99887766

var (
	// ErrUuidNotFound is returned when no uuidtext/dsc file matches the
	// requested UUID.
	ErrUuidNotFound = errors.New("uuid not found in catalog")
	// ErrOffsetOutOfRange is returned when offset does not fall inside any
	// range entry of the matched uuidtext/dsc file.
	ErrOffsetOutOfRange = errors.New("offset out of range for uuid")
	// ErrBadMagic indicates a uuidtext/dsc file header had the wrong magic.
	ErrBadMagic = errors.New("bad catalog file magic")
)

// RangeEntry is one {range_start, data_offset, size} triple from a uuidtext
// file, addressing a contiguous span of a process/library's format-string
// pool.
type RangeEntry struct {
	RangeStart uint32
	DataOffset uint32
	Size       uint32
}

func (e RangeEntry) covers(off uint32) bool {
	return off >= e.RangeStart && off < e.RangeStart+e.Size
}

// File is a parsed per-UUID uuidtext catalog: format strings plus the
// library path of the binary the UUID identifies.
type File struct {
	UUID        uuid.UUID
	Entries     []RangeEntry
	FormatPool  []byte
	LibraryPath string
}

// ParseUuidtext decodes a single uuidtext/XX/<uuid> file's bytes.
//
// Wire layout:
//
//	u32 magic
//	u32 version (unused by this decoder)
//	u32 entry_count
//	u32 library_path_size
//	entry_count * { u32 range_start; u32 data_offset; u32 size }
//	library_path: library_path_size bytes, NUL-stripped
//	format_pool: remaining bytes to EOF
func ParseUuidtext(id uuid.UUID, buf []byte) (*File, error) {
	r := binreader.New(buf, 0x1000)
	magic, err := r.U32()
	if err != nil {
		return nil, err
	}
	if magic != uuidtextMagic {
		return nil, fmt.Errorf("%w: got 0x%x", ErrBadMagic, magic)
	}
	if _, err := r.U32(); err != nil { // version
		return nil, err
	}
	count, err := r.U32()
	if err != nil {
		return nil, err
	}
	pathSize, err := r.U32()
	if err != nil {
		return nil, err
	}
	entries := make([]RangeEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		rs, err := r.U32()
		if err != nil {
			return nil, err
		}
		do, err := r.U32()
		if err != nil {
			return nil, err
		}
		sz, err := r.U32()
		if err != nil {
			return nil, err
		}
		entries = append(entries, RangeEntry{RangeStart: rs, DataOffset: do, Size: sz})
	}
	path, err := r.SizedString(int(pathSize))
	if err != nil {
		return nil, err
	}
	formatPool := buf[r.Off():]
	return &File{
		UUID:        id,
		Entries:     entries,
		FormatPool:  formatPool,
		LibraryPath: path,
	}, nil
}

// ResolveFmt returns the format string whose range covers offset, per the
// uuidtext resolution rule in §4.3.
func (f *File) ResolveFmt(offset uint32) (string, error) {
	for _, e := range f.Entries {
		if e.covers(offset) {
			poolOff := int(e.DataOffset) + int(offset-e.RangeStart)
			return binreader.CStringAt(f.FormatPool, poolOff)
		}
	}
	return "", fmt.Errorf("%w: uuid=%s offset=%d", ErrOffsetOutOfRange, f.UUID, offset)
}
