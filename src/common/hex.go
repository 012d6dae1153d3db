package common

import (
	"strings"
)

//NormalizeHex returns the lowercase form of a hex string, without any 0x
//prefix.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "0x")
}

//IsHex reports whether s consists of exactly n hexadecimal digits, in either
//case. n <= 0 accepts any non-empty length.
func IsHex(s string, n int) bool {
	if s == "" || (n > 0 && len(s) != n) {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
