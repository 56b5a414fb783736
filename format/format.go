/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package format interpolates an Apple os_log format string against a
// firehose entry's decoded argument stream, including the %{mods,type}
// extension syntax, <private> redaction, and the %P object-decoder
// registry.
package format

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gravwell/unifiedlog/firehose"
)

var (
	ErrArgumentShortfall  = errors.New("format string requires more arguments than were provided")
	ErrUnknownObjectType  = errors.New("unknown %P object decoder type")
	ErrMalformedDirective = errors.New("malformed format directive")
)

const RedactedPlaceholder = "<private>"

// Object-decoder type names recognized inside a %P{type} directive. Named
// as a flat switch registry, mirroring the teacher's preprocessor
// type-name dispatch in ingest/processors.ProcessorLoadConfig.
const (
	ObjectUUID = "uuid_t"
)

// ObjectDecoder renders a %P-referenced object's raw bytes as text. Callers
// may register additional decoders found in the wild beyond the builtin
// set via RegisterObjectDecoder.
type ObjectDecoder func(raw []byte) (string, error)

var objectDecoders = map[string]ObjectDecoder{
	ObjectUUID: decodeUUIDObject,
}

// RegisterObjectDecoder adds or replaces the decoder used for a %P{type}
// directive's type name.
func RegisterObjectDecoder(typeName string, fn ObjectDecoder) {
	objectDecoders[typeName] = fn
}

func decodeUUIDObject(raw []byte) (string, error) {
	if len(raw) != 16 {
		return "", fmt.Errorf("uuid_t object needs 16 bytes, got %d", len(raw))
	}
	var u uuid.UUID
	copy(u[:], raw)
	return strings.ToUpper(u.String()), nil
}

// mods is the parsed content of a %{...} directive's comma-separated
// modifier list.
type mods struct {
	public    bool
	private   bool
	sensitive bool
	maskHash  bool
	typ       string // the "type" component, e.g. "uuid_t", "network:in_addr"
}

func parseMods(s string) mods {
	var m mods
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "public":
			m.public = true
		case part == "private":
			m.private = true
		case part == "sensitive":
			m.sensitive = true
		case part == "mask.hash":
			m.maskHash = true
		case part != "":
			m.typ = part
		}
	}
	return m
}

// Resolver supplies the data regions an argument's reference must be looked
// up against. %P object decoders come from the package-level registry, not
// from Resolver. Parser implementations satisfy this by wiring a
// firehose.Page's Public/Private regions.
type Resolver struct {
	Public  []byte
	Private []byte
}

func (r Resolver) resolveArg(a firehose.Argument) ([]byte, error) {
	if !a.IsReference() {
		return a.Raw, nil
	}
	return a.Resolve(r.Public, r.Private)
}

// Interpolate walks fmtStr left to right, pairing each printf-style
// conversion with the next argument in args, and returns the rendered
// message.
//
// Arguments whose descriptor marks them private are redacted to
// RedactedPlaceholder unless the directive carries an explicit
// public modifier; conversely %{private,...} forces redaction even for an
// argument the sender didn't mark private.
func Interpolate(fmtStr string, args []firehose.Argument, res Resolver) (string, error) {
	var out strings.Builder
	argi := 0
	next := func() (firehose.Argument, error) {
		if argi >= len(args) {
			return firehose.Argument{}, ErrArgumentShortfall
		}
		a := args[argi]
		argi++
		return a, nil
	}

	runes := []rune(fmtStr)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '%' {
			out.WriteRune(c)
			continue
		}
		if i+1 < len(runes) && runes[i+1] == '%' {
			out.WriteByte('%')
			i++
			continue
		}

		d, consumed, err := parseDirective(runes[i:])
		if err != nil {
			return out.String(), err
		}
		i += consumed - 1

		rendered, err := renderDirective(d, next, res)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(rendered)
	}
	return out.String(), nil
}

// directive is one parsed %-conversion: its optional {mods,type} block,
// flags/width/precision/length, and the final verb rune.
type directive struct {
	m           mods
	hasMods     bool
	flags       string
	width       string // may be "*"
	precision   string // may be "*", without the leading '.'
	hasPrec     bool
	lengthMod   string
	verb        rune
	isObject    bool // %P
}

// parseDirective parses one directive starting at s[0]=='%', returning the
// directive and how many runes it consumed.
func parseDirective(s []rune) (directive, int, error) {
	var d directive
	i := 1 // skip '%'

	if i < len(s) && s[i] == '{' {
		end := -1
		for j := i + 1; j < len(s); j++ {
			if s[j] == '}' {
				end = j
				break
			}
		}
		if end == -1 {
			return d, 0, fmt.Errorf("%w: unterminated %%{...} block", ErrMalformedDirective)
		}
		d.m = parseMods(string(s[i+1 : end]))
		d.hasMods = true
		i = end + 1
	}

	flagStart := i
	for i < len(s) && strings.ContainsRune("-+ 0#'", s[i]) {
		i++
	}
	d.flags = string(s[flagStart:i])

	widthStart := i
	if i < len(s) && s[i] == '*' {
		i++
	} else {
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	d.width = string(s[widthStart:i])

	if i < len(s) && s[i] == '.' {
		d.hasPrec = true
		i++
		precStart := i
		if i < len(s) && s[i] == '*' {
			i++
		} else {
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
		}
		d.precision = string(s[precStart:i])
	}

	lenStart := i
	for i < len(s) && strings.ContainsRune("hlLqjzt", s[i]) {
		i++
	}
	d.lengthMod = string(s[lenStart:i])

	if i >= len(s) {
		return d, 0, fmt.Errorf("%w: directive ends without a conversion verb", ErrMalformedDirective)
	}
	verb := s[i]
	i++
	switch verb {
	case 'd', 'i', 'u', 'o', 'x', 'X', 'c', 's', 'p', 'f', 'e', 'g', 'F', 'E', 'G', 'a', 'A', '@':
		d.verb = verb
	case 'P':
		d.verb = verb
		d.isObject = true
	case 'n':
		return d, 0, fmt.Errorf("%w: %%n is not supported", ErrMalformedDirective)
	default:
		return d, 0, fmt.Errorf("%w: unknown conversion verb %q", ErrMalformedDirective, verb)
	}
	return d, i, nil
}

func renderDirective(d directive, next func() (firehose.Argument, error), res Resolver) (string, error) {
	width := d.width
	if width == "*" {
		a, err := next()
		if err != nil {
			return "", err
		}
		v, _ := a.AsInt64()
		width = strconv.FormatInt(v, 10)
	}
	precision := d.precision
	if d.hasPrec && precision == "*" {
		a, err := next()
		if err != nil {
			return "", err
		}
		v, _ := a.AsInt64()
		precision = strconv.FormatInt(v, 10)
	}

	a, err := next()
	if err != nil {
		return "", err
	}

	if d.isObject {
		return renderObject(d, a, res)
	}

	if redact(d, a) {
		return RedactedPlaceholder, nil
	}

	goVerb, valArg, err := goConversion(d, a, res)
	if err != nil {
		return "", err
	}
	if d.hasMods && d.m.typ != "" {
		if s, ok, terr := renderAppleType(d.m.typ, a, valArg); ok {
			if terr != nil {
				return "", terr
			}
			return s, nil
		}
	}

	spec := "%" + d.flags + width
	if d.hasPrec {
		spec += "." + precision
	}
	spec += goVerb
	return fmt.Sprintf(spec, valArg), nil
}

// redact reports whether this directive's rendering should collapse to
// RedactedPlaceholder: either the argument's own descriptor marked it
// private/sensitive and the directive didn't override with public, or the
// directive explicitly asked for private/sensitive rendering.
func redact(d directive, a firehose.Argument) bool {
	if d.hasMods && d.m.public {
		return false
	}
	if d.hasMods && (d.m.private || d.m.sensitive) {
		return true
	}
	return a.IsPrivate()
}

func renderObject(d directive, a firehose.Argument, res Resolver) (string, error) {
	raw, err := res.resolveArg(a)
	if err != nil {
		return "", err
	}
	if redact(d, a) {
		return RedactedPlaceholder, nil
	}
	typ := ""
	if d.hasMods {
		typ = d.m.typ
	}
	dec, ok := objectDecoders[typ]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownObjectType, typ)
	}
	return dec(raw)
}

// renderAppleType renders directives carrying a recognized Apple
// %{...,type} extension (uuid_t, odtype, BOOL/bool, darwin.errno/mode/signal,
// network:in_addr/in6_addr/sockaddr, time_t, timeval, timespec, bitrate,
// iec-bytes). ok is false when typ isn't one of these, meaning the caller
// should fall back to the plain printf conversion.
func renderAppleType(typ string, a firehose.Argument, valArg interface{}) (string, bool, error) {
	switch typ {
	case "uuid_t":
		u, err := a.AsUUID()
		if err != nil {
			return "", true, err
		}
		return u.String(), true, nil
	case "odtype":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		return fmt.Sprintf("odtype(%d)", v), true, nil
	case "BOOL", "bool":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		if v != 0 {
			return "YES", true, nil
		}
		return "NO", true, nil
	case "darwin.errno":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		return fmt.Sprintf("%s (%d)", errnoName(int(v)), v), true, nil
	case "darwin.mode":
		v, err := a.AsUint64()
		if err != nil {
			return "", true, err
		}
		return fmt.Sprintf("0%o", v), true, nil
	case "darwin.signal":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		return fmt.Sprintf("SIG#%d", v), true, nil
	case "network:in_addr":
		v, err := a.AsUint64()
		if err != nil {
			return "", true, err
		}
		ip := make(net.IP, 4)
		ip[0], ip[1], ip[2], ip[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		return ip.String(), true, nil
	case "network:in6_addr":
		if len(a.Raw) != 16 {
			return "", true, fmt.Errorf("network:in6_addr needs 16 bytes, got %d", len(a.Raw))
		}
		return net.IP(a.Raw).String(), true, nil
	case "network:sockaddr":
		return fmt.Sprintf("%x", a.Raw), true, nil
	case "time_t":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		return strconv.FormatInt(v, 10), true, nil
	case "timeval", "timespec":
		v, err := a.AsInt64()
		if err != nil {
			return "", true, err
		}
		return strconv.FormatInt(v, 10), true, nil
	case "bitrate":
		v, err := a.AsUint64()
		if err != nil {
			return "", true, err
		}
		return humanScale(float64(v), 1000, "bps"), true, nil
	case "iec-bytes":
		v, err := a.AsUint64()
		if err != nil {
			return "", true, err
		}
		return humanScale(float64(v), 1024, "B"), true, nil
	}
	return "", false, nil
}

var errnoNames = map[int]string{
	1: "EPERM", 2: "ENOENT", 3: "ESRCH", 4: "EINTR", 5: "EIO",
	9: "EBADF", 12: "ENOMEM", 13: "EACCES", 17: "EEXIST", 22: "EINVAL",
}

func errnoName(v int) string {
	if n, ok := errnoNames[v]; ok {
		return n
	}
	return "errno"
}

func humanScale(v, base float64, unit string) string {
	prefixes := []string{"", "K", "M", "G", "T"}
	i := 0
	for v >= base && i < len(prefixes)-1 {
		v /= base
		i++
	}
	return fmt.Sprintf("%.2f %s%s", v, prefixes[i], unit)
}

// goConversion resolves the argument's Go-native value and the fmt verb to
// feed it through, for conversions without an Apple type override.
func goConversion(d directive, a firehose.Argument, res Resolver) (string, interface{}, error) {
	switch d.verb {
	case 'd', 'i':
		v, err := a.AsInt64()
		return "d", v, err
	case 'u':
		v, err := a.AsUint64()
		return "d", v, err
	case 'o':
		v, err := a.AsUint64()
		return "o", v, err
	case 'x':
		v, err := a.AsUint64()
		return "x", v, err
	case 'X':
		v, err := a.AsUint64()
		return "X", v, err
	case 'c':
		v, err := a.AsUint64()
		return "c", rune(v), err
	case 'p':
		v, err := a.AsUint64()
		return "#x", v, err
	case 'f', 'F', 'e', 'E', 'g', 'G', 'a', 'A':
		v, err := a.AsFloat64()
		if err != nil {
			return "", nil, err
		}
		if s, special := specialFloat(v); special {
			return "s", s, nil
		}
		if d.verb == 'F' {
			return "f", v, nil
		}
		return string(d.verb), v, nil
	case 's', '@':
		raw, err := res.resolveArg(a)
		if err != nil {
			return "", nil, err
		}
		return "s", stringFromBytes(raw), nil
	}
	return "", nil, fmt.Errorf("%w: unhandled verb %q", ErrMalformedDirective, d.verb)
}

// stringFromBytes decodes resolved string bytes as UTF-8, stripping one
// trailing NUL if present, mirroring firehose.Argument.AsString.
func stringFromBytes(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

// specialFloat renders NaN/Inf the way os_log does: lowercase "nan"/"inf",
// bypassing the numeric verb entirely.
func specialFloat(v float64) (string, bool) {
	if math.IsNaN(v) {
		return "nan", true
	}
	if math.IsInf(v, 1) {
		return "inf", true
	}
	if math.IsInf(v, -1) {
		return "-inf", true
	}
	return "", false
}
