package audit

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

const hexDigits = "0123456789abcdef"

// canonicalEncoder writes the subset of JSON used by entries the way
// json.dumps(sort_keys=True) does: sorted keys, ", " and ": " separators,
// ASCII-only strings and repr-style floats.
type canonicalEncoder struct {
	bytes.Buffer
}

func (enc *canonicalEncoder) encode(v any) {
	switch v := v.(type) {
	case nil:
		enc.WriteString("null")
	case bool:
		if v {
			enc.WriteString("true")
		} else {
			enc.WriteString("false")
		}
	case string:
		enc.writeString(v)
	case int:
		enc.WriteString(strconv.Itoa(v))
	case int64:
		enc.WriteString(strconv.FormatInt(v, 10))
	case float64:
		enc.WriteString(formatFloat(v))
	case []any:
		enc.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				enc.WriteString(", ")
			}
			enc.encode(item)
		}
		enc.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		enc.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				enc.WriteString(", ")
			}
			enc.writeString(k)
			enc.WriteString(": ")
			enc.encode(v[k])
		}
		enc.WriteByte('}')
	default:
		panic(fmt.Sprintf("audit: cannot canonicalize %T", v))
	}
}

func (enc *canonicalEncoder) writeString(s string) {
	enc.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			enc.WriteString(`\"`)
		case '\\':
			enc.WriteString(`\\`)
		case '\n':
			enc.WriteString(`\n`)
		case '\r':
			enc.WriteString(`\r`)
		case '\t':
			enc.WriteString(`\t`)
		case '\b':
			enc.WriteString(`\b`)
		case '\f':
			enc.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				enc.WriteByte(byte(r))
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				enc.writeEscape(hi)
				enc.writeEscape(lo)
			default:
				enc.writeEscape(r)
			}
		}
	}
	enc.WriteByte('"')
}

func (enc *canonicalEncoder) writeEscape(r rune) {
	enc.WriteString(`\u`)
	enc.WriteByte(hexDigits[(r>>12)&0xf])
	enc.WriteByte(hexDigits[(r>>8)&0xf])
	enc.WriteByte(hexDigits[(r>>4)&0xf])
	enc.WriteByte(hexDigits[r&0xf])
}

// formatFloat renders f like Python's repr: the shortest decimal that round
// trips, fixed notation for exponents in [-4, 16) and scientific otherwise.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		if math.Signbit(f) {
			return "-0.0"
		}
		return "0.0"
	}

	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil || exp < -4 || exp >= 16 {
		return sci
	}

	fixed := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(fixed, ".") {
		fixed += ".0"
	}
	return fixed
}
