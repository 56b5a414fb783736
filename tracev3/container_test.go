/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tracev3

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4/v4"
)

func buildChunk(tag, subtag uint32, data []byte) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, tag)
	b = binary.LittleEndian.AppendUint32(b, subtag)
	b = binary.LittleEndian.AppendUint64(b, uint64(len(data)))
	b = append(b, data...)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func TestReadChunksHeaderAndFirehose(t *testing.T) {
	var hdr []byte
	hdr = append(hdr, make([]byte, 16)...) // boot uuid
	hdr = binary.LittleEndian.AppendUint32(hdr, 125)
	hdr = binary.LittleEndian.AppendUint32(hdr, 3)
	hdr = binary.LittleEndian.AppendUint32(hdr, 0) // tz len 0
	hdr = binary.LittleEndian.AppendUint32(hdr, 0) // build info len 0

	buf := buildChunk(TagHeader, 0, hdr)
	buf = append(buf, buildChunk(TagFirehose, 0, []byte{1, 2, 3, 4})...)

	chunks, err := ReadChunks(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Tag != TagHeader || chunks[1].Tag != TagFirehose {
		t.Fatalf("wrong tags: %+v", chunks)
	}

	ctx, err := ParseHeader(chunks[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if ctx.TimebaseNumer != 125 || ctx.TimebaseDenom != 3 {
		t.Fatalf("wrong timebase: %+v", ctx)
	}
}

func TestReadChunksTruncated(t *testing.T) {
	buf := buildChunk(TagFirehose, 0, []byte{1, 2, 3, 4})
	buf = buf[:len(buf)-6] // chop the 4 padding bytes and the last 2 data bytes
	_, err := ReadChunks(buf)
	if err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestInflateChunkSet(t *testing.T) {
	inner := buildChunk(TagFirehose, 0, []byte("hello firehose"))

	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(inner); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	var payload []byte
	payload = binary.LittleEndian.AppendUint64(payload, uint64(len(inner)))
	payload = append(payload, compressed.Bytes()...)

	cs := Chunk{Tag: TagChunkSet, Subtag: lz4Algorithm, Data: payload}
	chunks, err := InflateChunkSet(cs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Tag != TagFirehose {
		t.Fatalf("unexpected result: %+v", chunks)
	}
	if string(chunks[0].Data) != "hello firehose" {
		t.Fatalf("got %q", chunks[0].Data)
	}
}

func TestInflateChunkSetWrongAlgorithm(t *testing.T) {
	cs := Chunk{Tag: TagChunkSet, Subtag: 0x999, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0}}
	if _, err := InflateChunkSet(cs, nil); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
}
