package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Canonical encoding is a deterministic tag-length-value byte form of a
// payload tree. It is independent of map iteration order, locale, and number
// formatting, so recomputing a content hash from stored fields always yields
// the same digest.
//
// Wire form, one byte tag per value:
//
//	null, false, true        tag only
//	int                      tag + 8-byte big-endian two's complement
//	float                    tag + 8-byte big-endian IEEE-754 bits
//	string, bytes            tag + 4-byte big-endian length + raw bytes
//	list                     tag + 4-byte big-endian count + elements
//	map                      tag + 4-byte big-endian count + sorted (key, value) pairs
//	time                     tag + 8-byte big-endian UnixNano (UTC)
//
// Absent and nil values are encoded as the explicit null tag, never omitted,
// so schema drift between writer and verifier is detectable.
const (
	tagNull   byte = 0x00
	tagFalse  byte = 0x01
	tagTrue   byte = 0x02
	tagInt    byte = 0x03
	tagFloat  byte = 0x04
	tagString byte = 0x05
	tagBytes  byte = 0x06
	tagList   byte = 0x07
	tagMap    byte = 0x08
	tagTime   byte = 0x09
)

// CanonicalEncode serialises a payload tree of scalars, sequences, and maps
// into its canonical byte form. Values outside the supported set fail closed
// with an *EncodingError; nothing is ever silently coerced.
func CanonicalEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeJSON decodes a stored JSON payload and re-encodes it
// canonically. Numbers are decoded as json.Number so integer and fractional
// literals keep distinct, stable encodings across repeated calls. This is
// the single canonicalisation path used for both append and verification.
func CanonicalizeJSON(doc []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "not valid JSON", Err: err}
	}
	// Trailing garbage after the document is a malformed payload.
	if dec.More() {
		return nil, &ValidationError{Field: "payload", Reason: "trailing data after JSON document"}
	}
	return CanonicalEncode(v)
}

func encodeValue(buf *bytes.Buffer, v any, path string) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(tagNull)

	case bool:
		if x {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}

	case int:
		encodeInt(buf, int64(x))
	case int8:
		encodeInt(buf, int64(x))
	case int16:
		encodeInt(buf, int64(x))
	case int32:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case uint:
		return encodeUint(buf, uint64(x), path)
	case uint8:
		encodeInt(buf, int64(x))
	case uint16:
		encodeInt(buf, int64(x))
	case uint32:
		encodeInt(buf, int64(x))
	case uint64:
		return encodeUint(buf, x, path)

	case float32:
		encodeFloat(buf, float64(x))
	case float64:
		encodeFloat(buf, x)

	case json.Number:
		return encodeNumber(buf, x, path)

	case string:
		buf.WriteByte(tagString)
		writeLen(buf, len(x))
		buf.WriteString(x)

	case []byte:
		buf.WriteByte(tagBytes)
		writeLen(buf, len(x))
		buf.Write(x)

	case time.Time:
		buf.WriteByte(tagTime)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(x.UTC().UnixNano()))
		buf.Write(b[:])

	case []any:
		buf.WriteByte(tagList)
		writeLen(buf, len(x))
		for i, el := range x {
			if err := encodeValue(buf, el, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}

	case map[string]any:
		buf.WriteByte(tagMap)
		writeLen(buf, len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf.WriteByte(tagString)
			writeLen(buf, len(k))
			buf.WriteString(k)
			if err := encodeValue(buf, x[k], path+"."+k); err != nil {
				return err
			}
		}

	default:
		return &EncodingError{Path: path, Type: fmt.Sprintf("%T", v)}
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, x int64) {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(x))
	buf.Write(b[:])
}

func encodeUint(buf *bytes.Buffer, x uint64, path string) error {
	if x > math.MaxInt64 {
		return &EncodingError{Path: path, Type: "uint64 overflow"}
	}
	encodeInt(buf, int64(x))
	return nil
}

func encodeFloat(buf *bytes.Buffer, x float64) {
	buf.WriteByte(tagFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
	buf.Write(b[:])
}

// encodeNumber maps a JSON numeric literal onto the fixed-width encodings:
// integer literals become tagInt, fractional or exponent literals tagFloat.
func encodeNumber(buf *bytes.Buffer, n json.Number, path string) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			encodeInt(buf, i)
			return nil
		}
		// Integer literal too large for int64; fall through to float.
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &EncodingError{Path: path, Type: "number " + s}
	}
	encodeFloat(buf, f)
	return nil
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}
