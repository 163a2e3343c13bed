// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package shim decodes the shim-specific PE sections used by PCR 7: the
// embedded vendor certificate and vendor signature database, and the
// .sbatlevel revocation-policy section.
//
// shim's own source (lib/src/shim.rs in the original implementation) was
// not available for retrieval; the section names and .sbatlevel layout
// below are shim's well-known, publicly documented on-disk format, and the
// policy semantics follow spec.md §4.2 point 5 directly.
package shim

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/siosm/compute-pcrs/certs"
	"github.com/siosm/compute-pcrs/pefile"
	"github.com/siosm/compute-pcrs/uefi"
)

const (
	// SbatLevelSectionName is the PE section shim embeds its current and
	// previous SBAT revocation levels in.
	SbatLevelSectionName  = ".sbatlevel"
	vendorCertSectionName = ".vendor_cert"
	vendorDBSectionName   = ".vendor_db"

	sbatLevelVariableName = "SbatLevel"
)

// builtinSbatLevel is the fallback SBAT generation line shim ships with
// when it carries no .sbatlevel section (or Secure Boot is disabled and the
// section is therefore not authoritative): a single "sbat,1,...\n" entry
// naming the sbat component at generation 1.
var builtinSbatLevel = []byte("sbat,1,2021030218\n")

// SbatLevelPolicy selects which offset in the .sbatlevel section's header
// to read.
type SbatLevelPolicy int

const (
	// Previous selects the SBAT level shim should fall back to after a
	// revocation, the value PCR 7 measures per spec.md §4.2 point 5.
	Previous SbatLevelPolicy = iota
	Latest
)

// sbatLevelHeader mirrors shim's on-disk sbat_level_entry_t: two
// little-endian u32 byte offsets, relative to the start of the section,
// naming where the previous and latest NUL-terminated SBAT CSV blobs live.
type sbatLevelHeader struct {
	PreviousOffset uint32
	LatestOffset   uint32
}

// VendorCert returns the raw vendor certificate DER embedded in bin's
// .vendor_cert section, or nil if the section is absent.
func VendorCert(bin *pefile.File) ([]byte, error) {
	return bin.Section(vendorCertSectionName)
}

// VendorDB returns the raw EFI signature database embedded in bin's
// .vendor_db section, or nil if the section is absent.
func VendorDB(bin *pefile.File) ([]byte, error) {
	return bin.Section(vendorDBSectionName)
}

// SbatLevel reads policy's offset out of the .sbatlevel section's header
// and returns the NUL-terminated SBAT CSV blob it points to, without the
// terminating NUL.
func SbatLevel(section []byte, policy SbatLevelPolicy) ([]byte, error) {
	const headerSize = 8
	if len(section) < headerSize {
		return nil, fmt.Errorf("shim: .sbatlevel section is shorter than its %d-byte header", headerSize)
	}

	var header sbatLevelHeader
	if err := binary.Read(bytes.NewReader(section[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("shim: decoding .sbatlevel header: %w", err)
	}

	offset := header.PreviousOffset
	if policy == Latest {
		offset = header.LatestOffset
	}
	if int(offset) >= len(section) {
		return nil, fmt.Errorf("shim: .sbatlevel offset %d is out of bounds", offset)
	}

	nul := bytes.IndexByte(section[offset:], 0)
	if nul < 0 {
		return nil, fmt.Errorf("shim: .sbatlevel payload at offset %d is not NUL-terminated", offset)
	}
	return section[offset : int(offset)+nul], nil
}

// SbatLevelUEFIVariableData wraps an SBAT CSV payload read out of a
// .sbatlevel section the way shim itself would measure it: as a UEFI
// variable named "SbatLevel" under its own lock GUID.
func SbatLevelUEFIVariableData(payload []byte) uefi.VariableData {
	return uefi.NewVariableData(uefi.GUIDShimLock, sbatLevelVariableName, payload)
}

// OriginalSbatUEFIVariableData returns the UEFIVariableData for shim's
// built-in SBAT level, the fallback measured when Secure Boot is disabled
// or shim carries no .sbatlevel section (spec.md §4.2 point 5, §7).
func OriginalSbatUEFIVariableData() uefi.VariableData {
	return SbatLevelUEFIVariableData(builtinSbatLevel)
}

// FindCertInDB parses db as an EFI signature database and returns the DER
// encoding of the certificate in it that is identical to bin's Authenticode
// signer certificate (see certs.FindCertInDB; issuing certificates are not
// matched). An unsigned bin is not an error here: it simply has no match in
// any database.
func FindCertInDB(bin *pefile.File, db []byte) ([]byte, bool, error) {
	securityDir, err := bin.SecurityDirectory()
	if err != nil {
		return nil, false, nil
	}
	dbCerts, err := certs.FromSignatureDatabase(db)
	if err != nil {
		return nil, false, fmt.Errorf("shim: parsing signature database: %w", err)
	}
	return certs.FindCertInDB(securityDir, dbCerts)
}

// MokListCertVariableData wraps a vendor certificate as the MokListRT
// measurement shim itself would produce when trusting a binary solely via
// its baked-in vendor_cert, per spec.md §4.2 point 6.
func MokListCertVariableData(cert []byte) uefi.VariableData {
	data := append(append([]byte{}, uefi.GUIDShimLock.LittleEndianBytes()...), cert...)
	return uefi.NewVariableData(uefi.GUIDShimLock, "MokListRT", data)
}
