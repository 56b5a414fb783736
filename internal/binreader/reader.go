/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package binreader provides bounded, endian-aware fixed-width reads over a
// byte slice, used by every tracev3/uuidtext/timesync decoder in this module.
package binreader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	// ErrTruncated indicates a read ran past the end of the buffer.
	ErrTruncated = errors.New("truncated buffer")
)

// TruncatedError carries the byte offset and chunk tag a truncation was
// detected at, so callers can report where decoding gave up.
type TruncatedError struct {
	Offset   int
	ChunkTag uint32
	Want     int
	Have     int
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated buffer at offset %d (chunk 0x%x): wanted %d bytes, have %d", e.Offset, e.ChunkTag, e.Want, e.Have)
}

func (e *TruncatedError) Unwrap() error { return ErrTruncated }

// Reader is a cursor over a byte slice. It never panics: every read that
// would run past the end of buf returns a *TruncatedError instead.
type Reader struct {
	buf      []byte
	off      int
	chunkTag uint32 // attached to truncation errors for diagnostics
}

// New wraps buf for bounded reading, tagging any truncation errors with tag.
func New(buf []byte, tag uint32) *Reader {
	return &Reader{buf: buf, chunkTag: tag}
}

// Off returns the current cursor position.
func (r *Reader) Off() int { return r.off }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.off }

// Seek moves the cursor to an absolute offset within the buffer.
func (r *Reader) Seek(off int) error {
	if off < 0 || off > len(r.buf) {
		return &TruncatedError{Offset: off, ChunkTag: r.chunkTag, Want: 0, Have: len(r.buf)}
	}
	r.off = off
	return nil
}

// Skip advances the cursor by n bytes without interpreting them.
func (r *Reader) Skip(n int) error {
	if n < 0 || r.off+n > len(r.buf) {
		return &TruncatedError{Offset: r.off, ChunkTag: r.chunkTag, Want: n, Have: r.Len()}
	}
	r.off += n
	return nil
}

func (r *Reader) need(n int) error {
	if n < 0 || n > len(r.buf)-r.off {
		return &TruncatedError{Offset: r.off, ChunkTag: r.chunkTag, Want: n, Have: r.Len()}
	}
	return nil
}

// U8 reads a single unsigned byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

// U16 reads a little-endian uint16.
func (r *Reader) U16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// U32 reads a little-endian uint32.
func (r *Reader) U32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (r *Reader) U64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

// I32 reads a little-endian int32.
func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// I64 reads a little-endian int64.
func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// F64 reads a little-endian IEEE754 double.
func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// Bytes returns the next n bytes as a sub-slice of the underlying buffer
// (no copy) and advances the cursor past them.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// Peek returns the next n bytes without advancing the cursor.
func (r *Reader) Peek(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	return r.buf[r.off : r.off+n], nil
}

// UUID reads a 16-byte UUID.
func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.Bytes(16)
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// CString scans forward up to max bytes looking for a NUL terminator and
// returns the string up to (not including) it. The cursor advances past the
// terminator, or past max bytes if none was found within the limit.
func (r *Reader) CString(max int) (string, error) {
	if max < 0 || r.off+max > len(r.buf) {
		max = r.Len()
	}
	region := r.buf[r.off : r.off+max]
	for i, b := range region {
		if b == 0 {
			s := string(region[:i])
			r.off += i + 1
			return s, nil
		}
	}
	r.off += max
	return string(region), nil
}

// SizedString reads exactly size bytes and strips one trailing NUL, if
// present.
func (r *Reader) SizedString(size int) (string, error) {
	b, err := r.Bytes(size)
	if err != nil {
		return "", err
	}
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b), nil
}

// Align advances the cursor to the next multiple of n relative to the start
// of the buffer.
func (r *Reader) Align(n int) error {
	if n <= 0 {
		return nil
	}
	rem := r.off % n
	if rem == 0 {
		return nil
	}
	return r.Skip(n - rem)
}

// CStringAt reads a NUL-terminated string out of pool starting at off,
// without disturbing any Reader's cursor. Used for catalog format/path pools
// addressed by absolute offset rather than sequential read.
func CStringAt(pool []byte, off int) (string, error) {
	if off < 0 || off > len(pool) {
		return "", ErrTruncated
	}
	for i := off; i < len(pool); i++ {
		if pool[i] == 0 {
			return string(pool[off:i]), nil
		}
	}
	return string(pool[off:]), nil
}
