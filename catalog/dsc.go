/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package catalog

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/internal/binreader"
)

const dscMagic uint32 = 0x99887755

// DscRange is one {uuid_index, v_offset, data_offset, size} entry addressing
// a contiguous virtual-offset span backed by one of a dsc's uuid table
// entries.
type DscRange struct {
	UUIDIndex  uint32
	VOffset    uint32
	DataOffset uint32
	Size       uint32
}

func (r DscRange) covers(off uint32) bool {
	return off >= r.VOffset && off < r.VOffset+r.Size
}

// DscUUID is one entry of a dsc's uuid table: the library's own UUID, its
// virtual offset and load address, and an offset into the path pool.
type DscUUID struct {
	Size        uint32
	UUID        uuid.UUID
	VOffset     uint32
	PathOffset  uint32
	LoadAddress uint64
}

// SharedCache is a parsed dyld shared-cache (dsc) catalog.
type SharedCache struct {
	UUID       uuid.UUID
	Ranges     []DscRange
	UUIDs      []DscUUID
	FormatPool []byte
	PathPool   []byte
}

// ParseDsc decodes a uuidtext/dsc/<uuid> shared-cache file.
//
// Wire layout:
//
//	u32 magic
//	uuid cache_uuid
//	u32 range_count
//	u32 uuid_count
//	u32 format_pool_size
//	range_count * { u32 uuid_index; u32 v_offset; u32 data_offset; u32 size }
//	uuid_count * { u32 size; uuid[16]; u32 v_offset; u32 path_offset; u64 load_address }
//	format_pool: format_pool_size bytes
//	path_pool: remaining bytes to EOF
func ParseDsc(buf []byte) (*SharedCache, error) {
	r := binreader.New(buf, 0x600D)
	magic, err := r.U32()
	if err != nil {
		return nil, err
	}
	if magic != dscMagic {
		return nil, fmt.Errorf("%w: got 0x%x", ErrBadMagic, magic)
	}
	id, err := r.UUID()
	if err != nil {
		return nil, err
	}
	rangeCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	uuidCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	poolSize, err := r.U32()
	if err != nil {
		return nil, err
	}

	ranges := make([]DscRange, 0, rangeCount)
	for i := uint32(0); i < rangeCount; i++ {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		vo, err := r.U32()
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
		ranges = append(ranges, DscRange{UUIDIndex: idx, VOffset: vo, DataOffset: do, Size: sz})
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].VOffset < ranges[j].VOffset })

	uuids := make([]DscUUID, 0, uuidCount)
	for i := uint32(0); i < uuidCount; i++ {
		sz, err := r.U32()
		if err != nil {
			return nil, err
		}
		u, err := r.UUID()
		if err != nil {
			return nil, err
		}
		vo, err := r.U32()
		if err != nil {
			return nil, err
		}
		po, err := r.U32()
		if err != nil {
			return nil, err
		}
		la, err := r.U64()
		if err != nil {
			return nil, err
		}
		uuids = append(uuids, DscUUID{Size: sz, UUID: u, VOffset: vo, PathOffset: po, LoadAddress: la})
	}

	formatPool, err := r.Bytes(int(poolSize))
	if err != nil {
		return nil, err
	}
	pathPool := buf[r.Off():]

	return &SharedCache{
		UUID:       id,
		Ranges:     ranges,
		UUIDs:      uuids,
		FormatPool: formatPool,
		PathPool:   pathPool,
	}, nil
}

// Resolved is the result of resolving a dsc (range_index, offset) or
// uuidtext (uuid, offset) reference: a format string plus the owning
// library's path and UUID.
type Resolved struct {
	Format      string
	LibraryPath string
	LibraryUUID uuid.UUID
}

// ResolveFmt binary-searches ranges by VOffset and interpolates offset into
// the matching range's format/path pools, per §4.3's dsc resolution rule.
func (d *SharedCache) ResolveFmt(offset uint32) (Resolved, error) {
	idx := sort.Search(len(d.Ranges), func(i int) bool {
		return d.Ranges[i].VOffset+d.Ranges[i].Size > offset
	})
	if idx >= len(d.Ranges) || !d.Ranges[idx].covers(offset) {
		return Resolved{}, fmt.Errorf("%w: dsc=%s offset=%d", ErrOffsetOutOfRange, d.UUID, offset)
	}
	rng := d.Ranges[idx]
	if int(rng.UUIDIndex) >= len(d.UUIDs) {
		return Resolved{}, fmt.Errorf("%w: dsc=%s uuid_index=%d", ErrOffsetOutOfRange, d.UUID, rng.UUIDIndex)
	}
	ue := d.UUIDs[rng.UUIDIndex]
	poolOff := int(rng.DataOffset) + int(offset-rng.VOffset)
	format, err := binreader.CStringAt(d.FormatPool, poolOff)
	if err != nil {
		return Resolved{}, err
	}
	path, err := binreader.CStringAt(d.PathPool, int(ue.PathOffset))
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Format: format, LibraryPath: path, LibraryUUID: ue.UUID}, nil
}
