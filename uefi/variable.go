// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

package uefi

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// VariableData mirrors the EFI_VARIABLE_DATA structure TCG PC Client
// firmware measures into PCR 7 (and others) whenever a UEFI variable is
// recorded: a GUID, the variable name as UTF-16, and the raw variable
// payload.
type VariableData struct {
	Name GUID
	Text string
	Data []byte
}

// NewVariableData builds a VariableData for a UEFI variable identified by
// guid/text, carrying data as its payload.
func NewVariableData(guid GUID, text string, data []byte) VariableData {
	return VariableData{Name: guid, Text: text, Data: data}
}

// SecureBootStateEvent returns the VariableData for the SecureBoot global
// variable carrying its one-byte enabled/disabled state.
func SecureBootStateEvent(enabled bool) VariableData {
	var b byte
	if enabled {
		b = 1
	}
	return NewVariableData(GUIDGlobalVariable, "SecureBoot", []byte{b})
}

// encode renders the bit-exact byte sequence that TPM event hashes are
// computed over:
//
//	guid (16, little-endian fields) ||
//	unicode name length in UTF-16 code units (u64 LE) ||
//	data length in bytes (u64 LE) ||
//	name, UTF-16LE, no BOM ||
//	data
func (v VariableData) encode() ([]byte, error) {
	var utf16Name bytes.Buffer
	w := transform.NewWriter(&utf16Name, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder())
	if _, err := io.WriteString(w, v.Text); err != nil {
		return nil, fmt.Errorf("uefi: encoding variable name %q: %w", v.Text, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("uefi: encoding variable name %q: %w", v.Text, err)
	}

	nameCodeUnits := utf16Name.Len() / 2

	var out bytes.Buffer
	out.Write(v.Name.LittleEndianBytes())
	binary.Write(&out, binary.LittleEndian, uint64(nameCodeUnits))
	binary.Write(&out, binary.LittleEndian, uint64(len(v.Data)))
	out.Write(utf16Name.Bytes())
	out.Write(v.Data)
	return out.Bytes(), nil
}

// Hash computes the SHA-256 TPM extend value for this variable measurement.
func (v VariableData) Hash() ([]byte, error) {
	encoded, err := v.encode()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(encoded)
	return digest[:], nil
}
