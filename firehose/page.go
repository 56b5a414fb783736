/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package firehose

import (
	"github.com/gravwell/unifiedlog/internal/binreader"
)

const pageHeaderSize = 32

// Page is a decoded firehose page: the 32-byte header plus every entry
// found in its public data region (bytes [32, 32+PublicDataSize)).
type Page struct {
	ProcID1               uint64
	ProcID2               uint32
	TTL                   uint8
	Collapsed             uint8
	PublicDataSize        uint16
	PrivateDataVirtOffset uint16
	BaseContinuousTime    uint64

	Entries []Entry

	// Public/Private are the raw regions entries' reference-kind arguments
	// resolve against: Public is the tracepoint area itself, Private is the
	// page's private string region addressed by virtual offset from page
	// start.
	Public  []byte
	Private []byte
}

// DecodePage parses a single firehose page out of buf (the inner chunk's
// decompressed bytes), per §4.6.
func DecodePage(buf []byte) (*Page, error) {
	r := binreader.New(buf, 0x1001)
	p1, err := r.U64()
	if err != nil {
		return nil, err
	}
	p2, err := r.U32()
	if err != nil {
		return nil, err
	}
	ttl, err := r.U8()
	if err != nil {
		return nil, err
	}
	collapsed, err := r.U8()
	if err != nil {
		return nil, err
	}
	if _, err := r.U16(); err != nil { // pad
		return nil, err
	}
	pubSize, err := r.U16()
	if err != nil {
		return nil, err
	}
	privOff, err := r.U16()
	if err != nil {
		return nil, err
	}
	if _, err := r.U32(); err != nil { // pad
		return nil, err
	}
	baseCT, err := r.U64()
	if err != nil {
		return nil, err
	}

	page := &Page{
		ProcID1:               p1,
		ProcID2:               p2,
		TTL:                   ttl,
		Collapsed:             collapsed,
		PublicDataSize:        pubSize,
		PrivateDataVirtOffset: privOff,
		BaseContinuousTime:    baseCT,
	}

	pubEnd := pageHeaderSize + int(pubSize)
	if pubEnd > len(buf) {
		pubEnd = len(buf)
	}
	page.Public = buf[pageHeaderSize:pubEnd]
	if int(privOff) < len(buf) {
		page.Private = buf[privOff:]
	}

	er := binreader.New(page.Public, 0x1001)
	for er.Len() > 0 {
		ent, err := decodeEntry(er, baseCT)
		if err != nil {
			// per §4.4/§7, an entry-level error is recovered by advancing
			// to the next entry boundary is not possible once length is
			// unknown, so parsing of this page stops here; entries already
			// decoded remain valid.
			break
		}
		page.Entries = append(page.Entries, ent)
	}
	return page, nil
}
