// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package uefi implements the bit-exact UEFI_VARIABLE_DATA encoding used to
// compute TPM event hashes for UEFI variable measurements.
package uefi

import "fmt"

// GUID is a 16-byte UEFI GUID in its natural (big-field) byte order, the way
// it is written in a hex literal or the EFI_GUID C struct.
type GUID [16]byte

// MustParseGUID parses the canonical "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
// form, the way fixed well-known GUIDs are declared as package constants. It
// panics on malformed input, which only ever occurs with a hard-coded
// literal below.
func MustParseGUID(s string) GUID {
	var g GUID
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		panic(fmt.Sprintf("uefi: malformed guid literal %q", s))
	}
	groups := []struct {
		start, end int
		out        []byte
	}{
		{0, 8, g[0:4]},
		{9, 13, g[4:6]},
		{14, 18, g[6:8]},
		{19, 23, g[8:10]},
		{24, 36, g[10:16]},
	}
	for _, group := range groups {
		decodeHexInto(group.out, s[group.start:group.end])
	}
	return g
}

func decodeHexInto(dst []byte, s string) {
	for i := range dst {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		dst[i] = hi<<4 | lo
	}
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		panic(fmt.Sprintf("uefi: invalid hex digit %q", c))
	}
}

// String renders g in canonical lowercase hyphenated form, matching the
// filename suffix efivarfs and libefivar both use for a variable named
// "<name>-<guid>".
func (g GUID) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		g[0], g[1], g[2], g[3],
		g[4], g[5],
		g[6], g[7],
		g[8], g[9],
		g[10], g[11], g[12], g[13], g[14], g[15])
}

// LittleEndianBytes returns the wire encoding used inside
// UEFI_VARIABLE_DATA: the first three fields (time-low, time-mid,
// time-high-and-version) are byte-swapped to little endian; the last two
// fields (clock-seq and node) are already byte strings and are copied
// verbatim.
func (g GUID) LittleEndianBytes() []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = g[3], g[2], g[1], g[0]
	out[4], out[5] = g[5], g[4]
	out[6], out[7] = g[7], g[6]
	copy(out[8:], g[8:])
	return out
}

// Well-known GUIDs used by the UEFI secure boot and shim variable sets.
var (
	GUIDGlobalVariable   = MustParseGUID("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	GUIDSecurityDatabase = MustParseGUID("d719b2cb-3d3a-4596-a3bc-dad00e67656f")
	GUIDShimLock         = MustParseGUID("605dab50-e046-4300-abb6-3dd810dd8b23")
	GUIDCertTypeX509     = MustParseGUID("a5c059a1-94e4-4aa7-87b5-ab155c2bf072")
)
