/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package firehose decodes the per-process firehose chunk: page header,
// per-entry tracepoint header with its flag-driven optional fields, and the
// typed argument stream format conversions pair against.
package firehose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ArgKind is the high nibble of an argument item's descriptor byte,
// modeled directly on the teacher's EnumeratedData type-tag family
// (typeByteSlice/typeBool/.../typeDuration): a small tagged union of
// (type tag, raw bytes) with typed accessor methods.
type ArgKind uint8

const (
	KindScalar        ArgKind = 0x0
	KindPrivateScalar ArgKind = 0x1
	KindStringPublic  ArgKind = 0x2
	KindStringPrivate ArgKind = 0x3
	KindObject        ArgKind = 0x4
	KindArray         ArgKind = 0x5
	KindSensitive     ArgKind = 0x8
)

var (
	ErrBadArgumentDescriptor = errors.New("unknown argument descriptor")
	ErrArgumentShortfall     = errors.New("format string requires more arguments than provided")
)

// Argument is one decoded item from a firehose entry's typed argument
// stream. Scalar kinds carry their value directly in Raw; reference kinds
// (string/object) carry a (ref_offset, ref_size) pair that must be resolved
// against the page's public or private data region via Resolve.
type Argument struct {
	Kind ArgKind
	Size uint8
	Raw  []byte

	// Populated only for KindStringPublic/KindStringPrivate/KindObject.
	RefOffset uint16
	RefSize   uint16
}

// IsReference reports whether this argument's payload must be resolved
// against a data region rather than read directly from Raw.
func (a Argument) IsReference() bool {
	switch a.Kind {
	case KindStringPublic, KindStringPrivate, KindObject:
		return true
	}
	return false
}

// IsPrivate reports whether this argument's descriptor marks it as private
// data, independent of any %{public,...} override in the format string.
func (a Argument) IsPrivate() bool {
	switch a.Kind {
	case KindPrivateScalar, KindStringPrivate, KindSensitive:
		return true
	}
	return false
}

// decodeArgument reads one { descriptor, size, data } item, per §4.6.
func decodeArgument(descriptor, size uint8, data []byte) (Argument, error) {
	kind := ArgKind(descriptor >> 4)
	a := Argument{Kind: kind, Size: size, Raw: data}
	switch kind {
	case KindStringPublic, KindStringPrivate, KindObject:
		if len(data) < 4 {
			return a, fmt.Errorf("%w: descriptor 0x%x needs a 4-byte (offset,size) pair, got %d bytes", ErrBadArgumentDescriptor, descriptor, len(data))
		}
		a.RefOffset = binary.LittleEndian.Uint16(data)
		a.RefSize = binary.LittleEndian.Uint16(data[2:])
	case KindScalar, KindPrivateScalar, KindArray, KindSensitive:
		// value lives directly in Raw
	default:
		return a, fmt.Errorf("%w: 0x%x", ErrBadArgumentDescriptor, descriptor)
	}
	return a, nil
}

// Resolve returns the referenced bytes for a reference-kind argument, using
// the private region if the descriptor was KindStringPrivate, otherwise the
// public data area.
func (a Argument) Resolve(public, private []byte) ([]byte, error) {
	region := public
	if a.Kind == KindStringPrivate {
		region = private
	}
	end := int(a.RefOffset) + int(a.RefSize)
	if a.RefOffset == 0 && a.RefSize == 0 {
		return nil, nil
	}
	if end > len(region) || int(a.RefOffset) > len(region) {
		return nil, fmt.Errorf("argument reference [%d:%d] out of range (region size %d)", a.RefOffset, end, len(region))
	}
	return region[a.RefOffset:end], nil
}

// AsUint64 interprets Raw as a little-endian unsigned integer of its
// declared width (1/2/4/8 bytes).
func (a Argument) AsUint64() (uint64, error) {
	switch len(a.Raw) {
	case 1:
		return uint64(a.Raw[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(a.Raw)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(a.Raw)), nil
	case 8:
		return binary.LittleEndian.Uint64(a.Raw), nil
	}
	return 0, fmt.Errorf("cannot interpret %d-byte argument as an integer", len(a.Raw))
}

// AsInt64 sign-extends AsUint64 according to the argument's declared width.
func (a Argument) AsInt64() (int64, error) {
	switch len(a.Raw) {
	case 1:
		return int64(int8(a.Raw[0])), nil
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(a.Raw))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(a.Raw))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(a.Raw)), nil
	}
	return 0, fmt.Errorf("cannot interpret %d-byte argument as an integer", len(a.Raw))
}

// AsFloat64 interprets Raw as an IEEE754 float of its declared width (4 or
// 8 bytes).
func (a Argument) AsFloat64() (float64, error) {
	switch len(a.Raw) {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(a.Raw))), nil
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(a.Raw)), nil
	}
	return 0, fmt.Errorf("cannot interpret %d-byte argument as a float", len(a.Raw))
}

// AsUUID interprets Raw as a 16-byte UUID.
func (a Argument) AsUUID() (uuid.UUID, error) {
	if len(a.Raw) != 16 {
		return uuid.Nil, fmt.Errorf("cannot interpret %d-byte argument as a uuid", len(a.Raw))
	}
	var u uuid.UUID
	copy(u[:], a.Raw)
	return u, nil
}

// AsString returns Raw decoded as a UTF-8 string, stripping one trailing
// NUL if present.
func (a Argument) AsString() string {
	b := a.Raw
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}
