// Package codec converts stored values to and from unsigned 64-bit integers.
//
// The accepted format is the canonical decimal form only: ASCII digits, no
// sign, no surrounding whitespace and no leading zeros except the literal
// value "0". Anything else is not a number as far as incr/decr is concerned.
package codec

import (
	"bytes"
	"errors"
	"strconv"
)

// MaxDigits is the number of decimal digits in math.MaxUint64.
const MaxDigits = 20

var ErrNotANumber = errors.New("codec: value is not a number")

var maxUint64Digits = []byte("18446744073709551615")

// ParseUint64 parses a canonical decimal representation of a uint64.
func ParseUint64(b []byte) (uint64, error) {
	if !Valid(b) {
		return 0, ErrNotANumber
	}

	var v uint64
	for _, c := range b {
		v = v*10 + uint64(c-'0')
	}

	return v, nil
}

// Valid reports whether b is a canonical uint64 decimal string.
func Valid(b []byte) bool {
	n := len(b)
	if n == 0 || n > MaxDigits {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	if n > 1 && b[0] == '0' {
		return false
	}
	// digit strings of equal length compare like the numbers they encode
	if n == MaxDigits && bytes.Compare(b, maxUint64Digits) > 0 {
		return false
	}

	return true
}

// FormatUint64 returns the canonical decimal digits of v.
func FormatUint64(v uint64) []byte {
	return AppendUint64(make([]byte, 0, MaxDigits), v)
}

// AppendUint64 appends the canonical decimal digits of v to dst.
func AppendUint64(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 10)
}
