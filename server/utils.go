/******************************************************************************
 *
 *  Description :
 *
 *    Miscellaneous utility functions.
 *
 *****************************************************************************/

package main

import (
	"strconv"
	"strings"
)

// Parse a version string like "0.4" or "1.2.3" into a packed integer. Parts
// which cannot be parsed are set to zero.
func parseVersion(vers string) int {
	var major, minor, patch int

	dot := strings.Index(vers, ".")
	if dot >= 0 {
		major, _ = strconv.Atoi(vers[:dot])
	} else {
		major, _ = strconv.Atoi(vers)
		return major << 16
	}

	dot2 := strings.IndexFunc(vers[dot+1:], func(r rune) bool {
		return !('0' <= r && r <= '9')
	})
	if dot2 > 0 {
		minor, _ = strconv.Atoi(vers[dot+1 : dot+1+dot2])
		patch, _ = strconv.Atoi(vers[dot+dot2+2:])
	} else {
		minor, _ = strconv.Atoi(vers[dot+1:])
	}

	if major < 0 || major >= 0xff || minor < 0 || minor >= 0xff || patch < 0 || patch >= 0xff {
		return 0
	}

	return (major << 16) | (minor << 8) | patch
}

// Returns a decimal representation of a packed version, e.g. 0x010203 -> 10203.
func base10Version(hex int) int64 {
	major := int64(hex>>16) & 0xff
	minor := int64(hex>>8) & 0xff
	patch := int64(hex) & 0xff
	return (major*100+minor)*100 + patch
}
