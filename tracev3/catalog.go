/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tracev3

import (
	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/internal/binreader"
)

// ProcessInfo is one catalog entry describing a process that emitted
// firehose pages covered by this Catalog chunk, per §4.7.
type ProcessInfo struct {
	MainUUIDIndex uint16
	DscUUIDIndex  uint16
	ProcID1       uint64
	ProcID2       uint32
	PID           uint32
	EUID          uint32

	// UUIDsUsed indexes into the enclosing Catalog's UUIDs table; a
	// firehose entry's fmt_lookup_method of uuid_relative selects among
	// these rather than addressing MainUUIDIndex/DscUUIDIndex directly.
	UUIDsUsed []uint16

	// Subsystems maps a firehose entry's SubsystemID to the (subsystem,
	// category) pair named in the Catalog's subsystem string pool.
	Subsystems map[uint16]SubsystemEntry
}

// SubsystemEntry names one (subsystem, category) pair a process registered.
type SubsystemEntry struct {
	Subsystem string
	Category  string
}

// SubChunk describes one time window of the Catalog and the UUID and string
// indexes that may appear within it.
type SubChunk struct {
	StartTime        uint64
	EndTime          uint64
	ChunkUUIDIndexes []uint16
	StringIndexes    []uint16
}

// Catalog is one decoded in-tracev3 Catalog chunk (tag 0x600B): the table of
// UUIDs referenced by index from ProcessInfo/SubChunk entries, the process
// table itself, and the per-subchunk time-range index, per §4.7.
type Catalog struct {
	UUIDs           []uuid.UUID
	SubsystemStrPool []byte
	Processes       []ProcessInfo
	SubChunks       []SubChunk
}

// ParseCatalog decodes a Catalog chunk's data.
//
// Wire layout (self-consistent, length-prefixed design; the literal Catalog
// chunk bytes are not specified): u32 uuid_count, uuid_count*uuid(16);
// u32 subsystem_pool_size, subsystem_pool bytes; u32 process_count,
// process_count*{main_uuid_index u16, dsc_uuid_index u16, proc_id_1 u64,
// proc_id_2 u32, pid u32, euid u32, u16 uuids_used_count,
// uuids_used_count*u16, u16 subsystem_count,
// subsystem_count*{subsystem_id u16, subsys_off u32, category_off u32}};
// u32 subchunk_count, subchunk_count*{start_time u64, end_time u64,
// u16 chunk_uuid_count, chunk_uuid_count*u16, u16 string_index_count,
// string_index_count*u16}.
func ParseCatalog(data []byte) (*Catalog, error) {
	r := binreader.New(data, TagCatalog)
	c := &Catalog{}

	uuidCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	c.UUIDs = make([]uuid.UUID, 0, uuidCount)
	for i := uint32(0); i < uuidCount; i++ {
		u, err := r.UUID()
		if err != nil {
			return nil, err
		}
		c.UUIDs = append(c.UUIDs, u)
	}

	poolSize, err := r.U32()
	if err != nil {
		return nil, err
	}
	pool, err := r.Bytes(int(poolSize))
	if err != nil {
		return nil, err
	}
	c.SubsystemStrPool = pool

	procCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	c.Processes = make([]ProcessInfo, 0, procCount)
	for i := uint32(0); i < procCount; i++ {
		pi, err := decodeProcessInfo(r, pool)
		if err != nil {
			return nil, err
		}
		c.Processes = append(c.Processes, pi)
	}

	subCount, err := r.U32()
	if err != nil {
		return nil, err
	}
	c.SubChunks = make([]SubChunk, 0, subCount)
	for i := uint32(0); i < subCount; i++ {
		sc, err := decodeSubChunk(r)
		if err != nil {
			return nil, err
		}
		c.SubChunks = append(c.SubChunks, sc)
	}

	return c, nil
}

func decodeProcessInfo(r *binreader.Reader, pool []byte) (ProcessInfo, error) {
	var pi ProcessInfo
	mui, err := r.U16()
	if err != nil {
		return pi, err
	}
	dui, err := r.U16()
	if err != nil {
		return pi, err
	}
	p1, err := r.U64()
	if err != nil {
		return pi, err
	}
	p2, err := r.U32()
	if err != nil {
		return pi, err
	}
	pid, err := r.U32()
	if err != nil {
		return pi, err
	}
	euid, err := r.U32()
	if err != nil {
		return pi, err
	}
	pi.MainUUIDIndex, pi.DscUUIDIndex = mui, dui
	pi.ProcID1, pi.ProcID2, pi.PID, pi.EUID = p1, p2, pid, euid

	usedCount, err := r.U16()
	if err != nil {
		return pi, err
	}
	pi.UUIDsUsed = make([]uint16, 0, usedCount)
	for i := uint16(0); i < usedCount; i++ {
		idx, err := r.U16()
		if err != nil {
			return pi, err
		}
		pi.UUIDsUsed = append(pi.UUIDsUsed, idx)
	}

	subCount, err := r.U16()
	if err != nil {
		return pi, err
	}
	if subCount > 0 {
		pi.Subsystems = make(map[uint16]SubsystemEntry, subCount)
	}
	for i := uint16(0); i < subCount; i++ {
		sid, err := r.U16()
		if err != nil {
			return pi, err
		}
		subOff, err := r.U32()
		if err != nil {
			return pi, err
		}
		catOff, err := r.U32()
		if err != nil {
			return pi, err
		}
		sub, _ := binreader.CStringAt(pool, int(subOff))
		cat, _ := binreader.CStringAt(pool, int(catOff))
		pi.Subsystems[sid] = SubsystemEntry{Subsystem: sub, Category: cat}
	}
	return pi, nil
}

func decodeSubChunk(r *binreader.Reader) (SubChunk, error) {
	var sc SubChunk
	start, err := r.U64()
	if err != nil {
		return sc, err
	}
	end, err := r.U64()
	if err != nil {
		return sc, err
	}
	sc.StartTime, sc.EndTime = start, end

	cuCount, err := r.U16()
	if err != nil {
		return sc, err
	}
	sc.ChunkUUIDIndexes = make([]uint16, 0, cuCount)
	for i := uint16(0); i < cuCount; i++ {
		idx, err := r.U16()
		if err != nil {
			return sc, err
		}
		sc.ChunkUUIDIndexes = append(sc.ChunkUUIDIndexes, idx)
	}

	siCount, err := r.U16()
	if err != nil {
		return sc, err
	}
	sc.StringIndexes = make([]uint16, 0, siCount)
	for i := uint16(0); i < siCount; i++ {
		idx, err := r.U16()
		if err != nil {
			return sc, err
		}
		sc.StringIndexes = append(sc.StringIndexes, idx)
	}
	return sc, nil
}

// ProcessByID finds the ProcessInfo matching a firehose page's
// (proc_id_1, proc_id_2) pair.
func (c *Catalog) ProcessByID(procID1 uint64, procID2 uint32) (ProcessInfo, bool) {
	for _, p := range c.Processes {
		if p.ProcID1 == procID1 && p.ProcID2 == procID2 {
			return p, true
		}
	}
	return ProcessInfo{}, false
}

// Snapshot is an immutable view of the most recently decoded Catalog,
// swapped in wholesale on each new Catalog chunk rather than mutated in
// place (§9): firehose pages already dispatched for decoding continue to
// see the Catalog that was active when they were read.
type Snapshot struct {
	Catalog *Catalog
}

// NewSnapshot wraps a decoded Catalog in a Snapshot. parser.Parser does not
// use Snapshot; it holds the active *Catalog directly and replaces that
// pointer on each new Catalog chunk.
func NewSnapshot(c *Catalog) *Snapshot {
	return &Snapshot{Catalog: c}
}
