/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package timesync parses Apple's *.timesync files and reconstructs wall
// clock nanosecond timestamps from per-boot continuous (Mach absolute) time
// values. A Store is built once from a directory of *.timesync files and
// then queried by (boot UUID, continuous time) pairs as tracev3 files are
// decoded.
package timesync

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/internal/binreader"
)

const (
	bootMagic   uint32 = 0xBBB0
	recordMagic uint32 = 0x54B0

	bootHeaderSize = 48
	syncRecordSize = 32
)

var (
	// ErrUnknownBoot is returned when ToWallNS is asked about a boot UUID
	// that was never observed in any loaded timesync file.
	ErrUnknownBoot = errors.New("unknown boot uuid")
	// ErrBadMagic indicates a boot/record header had the wrong magic value.
	ErrBadMagic = errors.New("bad timesync magic")
)

// Record mirrors TimesyncRecord from the data model.
type Record struct {
	ContinuousTime uint64
	WallTimeNs     uint64
	KernelTime     uint64
	GmtOffsetMin   int32
	DstFlag        uint32
}

// Boot mirrors TimesyncBoot: one boot session's anchor plus its ordered
// records.
type Boot struct {
	BootUUID       uuid.UUID
	TimebaseNumer  uint32
	TimebaseDenom  uint32
	WallTimeNs     uint64 // anchor wall time at continuous_time==0 for this boot
	Records        []Record
}

// Store indexes every Boot parsed out of a directory of *.timesync files.
type Store struct {
	boots map[uuid.UUID]*Boot
}

// Load parses every *.timesync file directly inside dir (non-recursive,
// matching the flat layout Apple uses under diagnostics/timesync) and
// returns an assembled Store.
func Load(dir string) (*Store, error) {
	s := &Store{boots: make(map[uuid.UUID]*Boot)}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		if e.IsDir() || filepath.Ext(e.Name()) != ".timesync" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := s.parseFile(b); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", e.Name(), err)
		}
	}
	return s, nil
}

func (s *Store) parseFile(buf []byte) error {
	r := binreader.New(buf, 0)
	var cur *Boot
	for r.Len() > 0 {
		magic, err := r.U32()
		if err != nil {
			break // trailing short read, tolerate EOF padding
		}
		switch uint32(magic) {
		case bootMagic:
			boot, err := decodeBootHeader(r)
			if err != nil {
				return err
			}
			s.boots[boot.BootUUID] = boot
			cur = boot
		case recordMagic:
			if cur == nil {
				return fmt.Errorf("%w: record before any boot header", ErrBadMagic)
			}
			rec, err := decodeRecord(r)
			if err != nil {
				return err
			}
			cur.Records = append(cur.Records, rec)
		default:
			return fmt.Errorf("%w: got 0x%x at offset %d", ErrBadMagic, magic, r.Off()-4)
		}
	}
	for _, b := range s.boots {
		sort.Slice(b.Records, func(i, j int) bool {
			return b.Records[i].ContinuousTime < b.Records[j].ContinuousTime
		})
	}
	return nil
}

// decodeBootHeader reads the 48-byte boot header. Layout (after the 4-byte
// magic already consumed by the caller):
//
//	2 bytes pad, boot_uuid(16), timebase_numer(4), timebase_denom(4),
//	wall_time_ns(8), pad(10) = 44 bytes, totalling 48 with the magic.
func decodeBootHeader(r *binreader.Reader) (*Boot, error) {
	if _, err := r.U16(); err != nil { // pad following the magic
		return nil, err
	}
	u, err := r.UUID()
	if err != nil {
		return nil, err
	}
	numer, err := r.U32()
	if err != nil {
		return nil, err
	}
	denom, err := r.U32()
	if err != nil {
		return nil, err
	}
	wall, err := r.U64()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(bootHeaderSize - 4 - 2 - 16 - 4 - 4 - 8); err != nil {
		return nil, err
	}
	if denom == 0 {
		denom = 1
	}
	return &Boot{BootUUID: u, TimebaseNumer: numer, TimebaseDenom: denom, WallTimeNs: wall}, nil
}

// decodeRecord reads the 32-byte timesync record (after its 4-byte magic):
// 4 bytes padding, continuous_time(8), wall_time_ns(8), gmt_offset_min(4),
// dst_flag(4) = 28 bytes, for 32 total with the magic. Apple's on-disk
// record carries no field distinct from continuous_time for "kernel time";
// KernelTime mirrors ContinuousTime so the data model's field is still
// populated for callers that expect it.
func decodeRecord(r *binreader.Reader) (Record, error) {
	var rec Record
	if _, err := r.U32(); err != nil { // pad following the magic
		return rec, err
	}
	ct, err := r.U64()
	if err != nil {
		return rec, err
	}
	wall, err := r.U64()
	if err != nil {
		return rec, err
	}
	gmt, err := r.I32()
	if err != nil {
		return rec, err
	}
	dst, err := r.U32()
	if err != nil {
		return rec, err
	}
	rec.ContinuousTime = ct
	rec.WallTimeNs = wall
	rec.KernelTime = ct
	rec.GmtOffsetMin = gmt
	rec.DstFlag = dst
	return rec, nil
}

// ToWallNS converts a continuous-time value within bootUUID's boot session
// into a wall-clock nanosecond timestamp.
//
// When ct falls between two known sync points (the boot anchor and/or a
// timesync record), the result is linearly interpolated against those two
// points' own measured wall-time delta rather than the nominal timebase
// rate: sync records exist precisely to recalibrate for clock drift between
// recalibration points, so the bracketing pair is a truer rate than the
// timebase alone (§4.2). Once ct reaches or passes the last known sync
// point, there is no later point to interpolate toward, so the nominal
// timebase rate is used to extrapolate from that anchor. On a tie, the
// later record (the one actually at ct) is preferred, matching the
// invariant that equal continuous_time selects the later record.
func (s *Store) ToWallNS(bootUUID uuid.UUID, ct uint64) (int64, error) {
	b, ok := s.boots[bootUUID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBoot, bootUUID)
	}

	// idx is the first record whose ContinuousTime is strictly greater than ct.
	idx := sort.Search(len(b.Records), func(i int) bool {
		return b.Records[i].ContinuousTime > ct
	})

	loCT, loWall := uint64(0), b.WallTimeNs
	if idx > 0 {
		lo := b.Records[idx-1]
		loCT, loWall = lo.ContinuousTime, lo.WallTimeNs
	}

	if idx < len(b.Records) {
		hi := b.Records[idx]
		if hi.ContinuousTime > loCT {
			offset := widenMulDiv(ct-loCT, hi.WallTimeNs-loWall, hi.ContinuousTime-loCT)
			return int64(loWall + offset), nil
		}
	}

	offset := widenMulDiv(ct-loCT, uint64(b.TimebaseNumer), uint64(b.TimebaseDenom))
	return int64(loWall + offset), nil
}

// widenMulDiv computes (a*numer)/denom using a widened intermediate product
// (math/big) so large continuous-time deltas can't overflow a 64-bit
// multiply before the division.
func widenMulDiv(a, numer, denom uint64) uint64 {
	if denom == 0 {
		denom = 1
	}
	prod := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(numer))
	prod.Div(prod, new(big.Int).SetUint64(denom))
	return prod.Uint64()
}
