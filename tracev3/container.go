/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tracev3 frames a tracev3 file as a sequence of typed chunks,
// inflates LZ4-compressed ChunkSets, and decodes the Header and Catalog
// chunks. Dispatching inner chunks by tag is done by the parser package;
// StateDump and Simpledump chunks have no decoder.
package tracev3

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/gravwell/unifiedlog/internal/binreader"
	"github.com/gravwell/unifiedlog/internal/ulog"
)

// Chunk tags, per §4.4.
const (
	TagHeader     uint32 = 0x1000
	TagFirehose   uint32 = 0x1001
	TagOversize   uint32 = 0x1002
	TagStateDump  uint32 = 0x1003
	TagSimpledump uint32 = 0x1004
	TagCatalog    uint32 = 0x600B
	TagChunkSet   uint32 = 0x600D
)

const lz4Algorithm uint32 = 0x100

var (
	ErrLz4Failure      = errors.New("lz4 decompression failure")
	ErrUnsupportedVersion = errors.New("unsupported tracev3/catalog version")
	ErrTruncatedChunk  = errors.New("truncated chunk, stopping container parse")
)

// Chunk is one envelope-framed unit of a tracev3 file or an inflated
// ChunkSet, per §4.4's { tag, subtag, data_len, data } layout.
type Chunk struct {
	Tag     uint32
	Subtag  uint32
	DataLen uint64
	Data    []byte
}

// TraceFileContext carries the Header chunk's fields, valid for the
// lifetime of the enclosing tracev3 file.
type TraceFileContext struct {
	BootUUID      uuid.UUID
	TimebaseNumer uint32
	TimebaseDenom uint32
	TimezonePath  string
	BuildInfo     string
}

// ReadChunks frames buf into a sequence of top-level chunks, each padded to
// an 8-byte boundary per §4.4. A chunk whose declared data_len runs past
// the end of buf truncates parsing (already-read chunks are returned along
// with ErrTruncatedChunk so the caller can still use what was decoded).
func ReadChunks(buf []byte) ([]Chunk, error) {
	var chunks []Chunk
	r := binreader.New(buf, 0)
	for r.Len() > 0 {
		if r.Len() < 16 {
			return chunks, fmt.Errorf("%w: %d trailing bytes too small for a chunk envelope", ErrTruncatedChunk, r.Len())
		}
		tag, err := r.U32()
		if err != nil {
			return chunks, fmt.Errorf("%w: %v", ErrTruncatedChunk, err)
		}
		subtag, err := r.U32()
		if err != nil {
			return chunks, fmt.Errorf("%w: %v", ErrTruncatedChunk, err)
		}
		dataLen, err := r.U64()
		if err != nil {
			return chunks, fmt.Errorf("%w: %v", ErrTruncatedChunk, err)
		}
		data, err := r.Bytes(int(dataLen))
		if err != nil {
			return chunks, fmt.Errorf("%w: chunk 0x%x wants %d bytes: %v", ErrTruncatedChunk, tag, dataLen, err)
		}
		chunks = append(chunks, Chunk{Tag: tag, Subtag: subtag, DataLen: dataLen, Data: data})
		if err := r.Align(8); err != nil {
			break // trailing padding missing at EOF; tolerate
		}
	}
	return chunks, nil
}

// InflateChunkSet decompresses a ChunkSet chunk's LZ4 data and parses the
// result as a nested sequence of chunks (any tag except another ChunkSet,
// per §4.4). The data is read with lz4.NewReader, so it must be in the LZ4
// frame format; raw LZ4 blocks without frame headers are not accepted.
func InflateChunkSet(c Chunk, log *ulog.Logger) ([]Chunk, error) {
	if c.Tag != TagChunkSet {
		return nil, fmt.Errorf("not a ChunkSet chunk: tag 0x%x", c.Tag)
	}
	if c.Subtag != lz4Algorithm {
		return nil, fmt.Errorf("%w: unsupported ChunkSet algorithm 0x%x", ErrLz4Failure, c.Subtag)
	}
	r := binreader.New(c.Data, c.Tag)
	uncompressedSize, err := r.U64()
	if err != nil {
		return nil, err
	}
	compressed, err := r.Bytes(r.Len())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, uncompressedSize)
	zr := lz4.NewReader(bytes.NewReader(compressed))
	buf := bytes.NewBuffer(out)
	if _, err := io.CopyN(buf, zr, int64(uncompressedSize)); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrLz4Failure, err)
	}
	if uint64(buf.Len()) != uncompressedSize {
		if log != nil {
			log.Warnf("ChunkSet inflated to %d bytes, wanted %d", buf.Len(), uncompressedSize)
		}
		return nil, fmt.Errorf("%w: inflated %d bytes, wanted %d", ErrLz4Failure, buf.Len(), uncompressedSize)
	}
	return ReadChunks(buf.Bytes())
}

// ParseHeader decodes a Header chunk's data.
//
// Wire layout: boot_uuid(16), timebase_numer(4), timebase_denom(4),
// u32 timezone_path_len, timezone_path, u32 build_info_len, build_info.
func ParseHeader(data []byte) (TraceFileContext, error) {
	var ctx TraceFileContext
	r := binreader.New(data, TagHeader)
	u, err := r.UUID()
	if err != nil {
		return ctx, err
	}
	numer, err := r.U32()
	if err != nil {
		return ctx, err
	}
	denom, err := r.U32()
	if err != nil {
		return ctx, err
	}
	tzLen, err := r.U32()
	if err != nil {
		return ctx, err
	}
	tz, err := r.SizedString(int(tzLen))
	if err != nil {
		return ctx, err
	}
	biLen, err := r.U32()
	if err != nil {
		return ctx, err
	}
	bi, err := r.SizedString(int(biLen))
	if err != nil {
		return ctx, err
	}
	ctx.BootUUID = u
	ctx.TimebaseNumer = numer
	ctx.TimebaseDenom = denom
	ctx.TimezonePath = tz
	ctx.BuildInfo = bi
	return ctx, nil
}
