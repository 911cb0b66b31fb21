// Package bencode implements the canonical bencoding used for signed
// wire objects (router contacts, DHT messages, LRCM frames). Dict keys
// are single bytes or short strings and must be written in sorted byte
// order so that two encoders of the same logical value always produce
// the same bytes — the signature over an RC is computed over exactly
// this encoding with the "z" entry zeroed.
package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var (
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of buffer")
	ErrBadFormat     = errors.New("bencode: malformed input")
	ErrKeyNotFound   = errors.New("bencode: key not found")
	ErrWrongType     = errors.New("bencode: value has wrong type")
)

// Dict is an ordered-on-encode bencode dictionary. Entries may be added
// in any order; Encode always sorts by key before writing, matching the
// library's canonical form.
type Dict struct {
	keys []string
	vals map[string]interface{}
}

// NewDict returns an empty dict builder.
func NewDict() *Dict {
	return &Dict{vals: make(map[string]interface{})}
}

func (d *Dict) set(k string, v interface{}) *Dict {
	if _, ok := d.vals[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.vals[k] = v
	return d
}

// PutBytes stores a bytestring entry.
func (d *Dict) PutBytes(key string, v []byte) *Dict { return d.set(key, append([]byte(nil), v...)) }

// PutString stores a bytestring entry from a string.
func (d *Dict) PutString(key string, v string) *Dict { return d.set(key, []byte(v)) }

// PutInt stores an integer entry.
func (d *Dict) PutInt(key string, v int64) *Dict { return d.set(key, v) }

// PutList stores a list of already-encoded list elements.
func (d *Dict) PutList(key string, v []interface{}) *Dict { return d.set(key, v) }

// PutDict stores a nested dict.
func (d *Dict) PutDict(key string, v *Dict) *Dict { return d.set(key, v) }

// Encode serializes the dict in canonical (key-sorted) form.
func (d *Dict) Encode() []byte {
	var buf bytes.Buffer
	encodeDict(&buf, d)
	return buf.Bytes()
}

func encodeDict(buf *bytes.Buffer, d *Dict) {
	keys := append([]string(nil), d.keys...)
	sort.Strings(keys)
	buf.WriteByte('d')
	for _, k := range keys {
		encodeBytes(buf, []byte(k))
		encodeValue(buf, d.vals[k])
	}
	buf.WriteByte('e')
}

func encodeValue(buf *bytes.Buffer, v interface{}) {
	switch t := v.(type) {
	case []byte:
		encodeBytes(buf, t)
	case string:
		encodeBytes(buf, []byte(t))
	case int64:
		encodeInt(buf, t)
	case int:
		encodeInt(buf, int64(t))
	case uint64:
		encodeInt(buf, int64(t))
	case []interface{}:
		buf.WriteByte('l')
		for _, e := range t {
			encodeValue(buf, e)
		}
		buf.WriteByte('e')
	case *Dict:
		encodeDict(buf, t)
	default:
		panic(fmt.Sprintf("bencode: unsupported value type %T", v))
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

func encodeInt(buf *bytes.Buffer, i int64) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(i, 10))
	buf.WriteByte('e')
}

// GetBytes returns a bytestring entry.
func (d *Dict) GetBytes(key string) ([]byte, bool) {
	v, ok := d.vals[key]
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// GetInt returns an integer entry.
func (d *Dict) GetInt(key string) (int64, bool) {
	v, ok := d.vals[key]
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// GetList returns a list entry.
func (d *Dict) GetList(key string) ([]interface{}, bool) {
	v, ok := d.vals[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]interface{})
	return l, ok
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	_, ok := d.vals[key]
	return ok
}

// Decode parses a single bencoded value from buf, returning the decoded
// value and the number of bytes consumed.
func Decode(buf []byte) (interface{}, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	switch {
	case buf[0] == 'd':
		return decodeDict(buf)
	case buf[0] == 'l':
		return decodeList(buf)
	case buf[0] == 'i':
		return decodeInt(buf)
	case buf[0] >= '0' && buf[0] <= '9':
		return decodeBytes(buf)
	default:
		return nil, 0, ErrBadFormat
	}
}

func decodeDict(buf []byte) (*Dict, int, error) {
	if len(buf) == 0 || buf[0] != 'd' {
		return nil, 0, ErrBadFormat
	}
	pos := 1
	d := NewDict()
	for {
		if pos >= len(buf) {
			return nil, 0, ErrUnexpectedEOF
		}
		if buf[pos] == 'e' {
			pos++
			return d, pos, nil
		}
		keyVal, n, err := decodeBytes(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if pos >= len(buf) {
			return nil, 0, ErrUnexpectedEOF
		}
		val, n2, err := Decode(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n2
		d.set(string(keyVal), val)
	}
}

func decodeList(buf []byte) ([]interface{}, int, error) {
	if len(buf) == 0 || buf[0] != 'l' {
		return nil, 0, ErrBadFormat
	}
	pos := 1
	var out []interface{}
	for {
		if pos >= len(buf) {
			return nil, 0, ErrUnexpectedEOF
		}
		if buf[pos] == 'e' {
			pos++
			return out, pos, nil
		}
		val, n, err := Decode(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		out = append(out, val)
	}
}

func decodeInt(buf []byte) (int64, int, error) {
	if len(buf) == 0 || buf[0] != 'i' {
		return 0, 0, ErrBadFormat
	}
	end := bytes.IndexByte(buf, 'e')
	if end < 0 {
		return 0, 0, ErrUnexpectedEOF
	}
	v, err := strconv.ParseInt(string(buf[1:end]), 10, 64)
	if err != nil {
		return 0, 0, ErrBadFormat
	}
	return v, end + 1, nil
}

func decodeBytes(buf []byte) ([]byte, int, error) {
	colon := bytes.IndexByte(buf, ':')
	if colon < 0 {
		return nil, 0, ErrUnexpectedEOF
	}
	n, err := strconv.Atoi(string(buf[:colon]))
	if err != nil || n < 0 {
		return nil, 0, ErrBadFormat
	}
	start := colon + 1
	if start+n > len(buf) {
		return nil, 0, ErrUnexpectedEOF
	}
	return buf[start : start+n], start + n, nil
}

// DecodeDict is a convenience wrapper for the common case of decoding a
// single top-level dict and erroring on trailing garbage.
func DecodeDict(buf []byte) (*Dict, error) {
	v, n, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, ErrBadFormat
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, ErrWrongType
	}
	return d, nil
}
