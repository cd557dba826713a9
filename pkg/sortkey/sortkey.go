// Package sortkey describes sort specifications and encodes document sort
// keys into byte strings whose lexical order matches the sort order.
package sortkey

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cortexproject/mergecursors/pkg/document"
)

// Direction of a single sort field.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

// Field is one (field, direction) pair of a sort specification.
type Field struct {
	Path      string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Pattern is an ordered sort specification. The empty pattern means unordered.
type Pattern []Field

// ParsePattern parses the compact "a,-b,c" form: a leading '-' sorts descending.
func ParsePattern(s string) (Pattern, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var p Pattern
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		dir := Ascending
		switch {
		case strings.HasPrefix(part, "-"):
			dir = Descending
			part = part[1:]
		case strings.HasPrefix(part, "+"):
			part = part[1:]
		}
		p = append(p, Field{Path: part, Direction: dir})
	}
	return p, p.Validate()
}

// Validate checks every field has a path and a known direction, and no path repeats.
func (p Pattern) Validate() error {
	seen := make(map[string]struct{}, len(p))
	for _, f := range p {
		if f.Path == "" {
			return errors.New("sort field with empty path")
		}
		if f.Direction != Ascending && f.Direction != Descending {
			return fmt.Errorf("sort field %q has invalid direction %d", f.Path, f.Direction)
		}
		if _, ok := seen[f.Path]; ok {
			return fmt.Errorf("sort field %q repeated", f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// IsEmpty reports whether p describes an unordered stream.
func (p Pattern) IsEmpty() bool {
	return len(p) == 0
}

// Equal reports whether p and o are the same specification.
func (p Pattern) Equal(o Pattern) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

func (p Pattern) String() string {
	parts := make([]string, 0, len(p))
	for _, f := range p {
		if f.Direction == Descending {
			parts = append(parts, "-"+f.Path)
		} else {
			parts = append(parts, f.Path)
		}
	}
	return strings.Join(parts, ",")
}

// Type tags, in cross-type sort order.
const (
	tagNull   byte = 0x05
	tagNumber byte = 0x0a
	tagString byte = 0x14
	tagObject byte = 0x1e
	tagArray  byte = 0x23
	tagBool   byte = 0x28
	tagTime   byte = 0x2d
)

// Max is greater than any key produced by Encode.
const Max = "\xff"

// Encode builds the comparable key of doc under p. Missing fields sort as
// null. Integers are compared as float64, so values beyond 2^53 may tie.
// Objects and arrays compare member by member.
func (p Pattern) Encode(doc document.Document) (string, error) {
	var buf []byte
	for _, f := range p {
		v, _ := doc.Lookup(f.Path)
		start := len(buf)
		var err error
		buf, err = appendValue(buf, v)
		if err != nil {
			return "", errors.Wrapf(err, "encode sort field %q", f.Path)
		}
		if f.Direction == Descending {
			for i := start; i < len(buf); i++ {
				buf[i] = ^buf[i]
			}
		}
	}
	return string(buf), nil
}

// WithTieBreak appends idx to key so that equal keys order by idx.
func WithTieBreak(key string, idx int) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(idx))
	return key + string(b[:])
}

// TieBreak recovers the index appended by WithTieBreak.
func TieBreak(key string) int {
	if len(key) < 4 {
		return -1
	}
	return int(binary.BigEndian.Uint32([]byte(key[len(key)-4:])))
}

func appendValue(buf []byte, v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if x {
			return append(buf, tagBool, 1), nil
		}
		return append(buf, tagBool, 0), nil
	case float64:
		return appendFloat(buf, x), nil
	case float32:
		return appendFloat(buf, float64(x)), nil
	case int:
		return appendFloat(buf, float64(x)), nil
	case int32:
		return appendFloat(buf, float64(x)), nil
	case int64:
		return appendFloat(buf, float64(x)), nil
	case uint32:
		return appendFloat(buf, float64(x)), nil
	case uint64:
		return appendFloat(buf, float64(x)), nil
	case jsoniter.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return appendFloat(buf, f), nil
	case string:
		return appendString(append(buf, tagString), x), nil
	case time.Time:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x.UnixNano())^(1<<63))
		return append(append(buf, tagTime), b[:]...), nil
	case document.Document:
		return appendObject(append(buf, tagObject), x)
	case map[string]interface{}:
		return appendObject(append(buf, tagObject), x)
	case []interface{}:
		return appendArray(append(buf, tagArray), x)
	default:
		return nil, fmt.Errorf("unsupported sort value type %T", v)
	}
}

func appendFloat(buf []byte, f float64) []byte {
	if f == 0 {
		// Fold -0 onto +0.
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(append(buf, tagNumber), b[:]...)
}

// appendString escapes 0x00 so the terminator keeps the encoding prefix-free.
func appendString(buf []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			buf = append(buf, 0x00, 0xff)
			continue
		}
		buf = append(buf, s[i])
	}
	return append(buf, 0x00, 0x01)
}

// Markers between the members of an object or array. A shorter object or
// array sorts before any longer one it is a prefix of.
const (
	memberEnd  byte = 0x00
	memberNext byte = 0x01
)

// appendObject encodes the fields in key order, each as its name then its value.
func appendObject(buf []byte, obj map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		buf = appendString(append(buf, memberNext), k)
		if buf, err = appendValue(buf, obj[k]); err != nil {
			return nil, errors.Wrapf(err, "field %q", k)
		}
	}
	return append(buf, memberEnd), nil
}

// appendArray encodes the elements in order.
func appendArray(buf []byte, arr []interface{}) ([]byte, error) {
	var err error
	for i, v := range arr {
		if buf, err = appendValue(append(buf, memberNext), v); err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
	}
	return append(buf, memberEnd), nil
}
