// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package compute produces the ordered TPMEvent sequences for PCR 4, 7, 11
// and 14 from a boot configuration's artifacts: the ESP's shim and grub
// binaries, the installed kernel, the firmware's Secure Boot variables,
// a Unified Kernel Image, and shim's Machine Owner Key variables.
package compute

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	tcglog "github.com/canonical/tcglog-parser"
	"github.com/spf13/afero"

	"github.com/siosm/compute-pcrs/certs"
	"github.com/siosm/compute-pcrs/esp"
	"github.com/siosm/compute-pcrs/kernel"
	"github.com/siosm/compute-pcrs/mok"
	"github.com/siosm/compute-pcrs/pefile"
	"github.com/siosm/compute-pcrs/shim"
	"github.com/siosm/compute-pcrs/tpmevents"
	"github.com/siosm/compute-pcrs/uefi"
	"github.com/siosm/compute-pcrs/uefi/efivars"
)

// evSeparatorHash is the fixed SHA-256 digest every EV_SEPARATOR event
// measures: the 4-byte, all-zero separator value, hashed once and reused
// verbatim rather than recomputed per call.
var evSeparatorHash = []byte{
	223, 63, 97, 152, 4, 169, 47, 219, 64, 87, 25, 45, 196, 61, 215, 72,
	234, 119, 138, 220, 82, 188, 73, 140, 232, 5, 36, 192, 20, 184, 17, 25,
}

// secureBootVariableIDs pairs efivars.Loader's fixed PK/KEK/db/dbx order
// with their EventID identities.
var secureBootVariableIDs = []tpmevents.EventID{
	tpmevents.Pcr7Pk,
	tpmevents.Pcr7Kek,
	tpmevents.Pcr7Db,
	tpmevents.Pcr7Dbx,
}

// ukiSectionNames, zipped with ukiSectionNameIDs/ukiSectionContentIDs, in
// the fixed order a Unified Kernel Image's sections are measured.
var ukiSectionNames = []string{".linux", ".osrel", ".cmdline", ".initrd", ".uname", ".sbat"}

var ukiSectionNameIDs = []tpmevents.EventID{
	tpmevents.Pcr11Linux,
	tpmevents.Pcr11Osrel,
	tpmevents.Pcr11Cmdline,
	tpmevents.Pcr11Initrd,
	tpmevents.Pcr11Uname,
	tpmevents.Pcr11Sbat,
}

var ukiSectionContentIDs = []tpmevents.EventID{
	tpmevents.Pcr11LinuxContent,
	tpmevents.Pcr11OsrelContent,
	tpmevents.Pcr11CmdlineContent,
	tpmevents.Pcr11InitrdContent,
	tpmevents.Pcr11UnameContent,
	tpmevents.Pcr11SbatContent,
}

// mokEventIDs is shim's fixed MokList/MokListX/MokListTrusted order,
// matching mok.Events.
var mokEventIDs = []tpmevents.EventID{
	tpmevents.Pcr14MokList,
	tpmevents.Pcr14MokListX,
	tpmevents.Pcr14MokListTrusted,
}

// PCR4Events measures shim and grub unconditionally, plus the installed
// kernel's vmlinuz image whenever Secure Boot is enabled and the boot
// configuration is not a Unified Kernel Image (spec.md §4.2 point 1: a UKI
// carries its own kernel inside a single signed binary, so no separate
// vmlinuz measurement applies).
func PCR4Events(fs afero.Fs, kernelsDir, espPath string, uki, secureboot bool) ([]tpmevents.TPMEvent, error) {
	const n uint8 = 4

	e, err := esp.New(fs, espPath)
	if err != nil {
		return nil, err
	}

	events := []tpmevents.TPMEvent{
		{
			Name: tcglog.EventTypeEFIAction.String(),
			Pcr:  n,
			Hash: efiActionHash(),
			ID:   tpmevents.Pcr4EfiCall,
		},
		{
			Name: tcglog.EventTypeSeparator.String(),
			Pcr:  n,
			Hash: evSeparatorHash,
			ID:   tpmevents.Pcr4Separator,
		},
	}

	shimBin, err := e.Shim()
	if err != nil {
		return nil, err
	}
	defer shimBin.Close()
	shimDigest, err := shimBin.Authenticode()
	if err != nil {
		return nil, fmt.Errorf("compute: hashing shim binary: %w", err)
	}
	events = append(events, tpmevents.TPMEvent{
		Name: tcglog.EventTypeEFIBootServicesApplication.String(),
		Pcr:  n,
		Hash: shimDigest,
		ID:   tpmevents.Pcr4Shim,
	})

	grubBin, err := e.Grub()
	if err != nil {
		return nil, err
	}
	defer grubBin.Close()
	grubDigest, err := grubBin.Authenticode()
	if err != nil {
		return nil, fmt.Errorf("compute: hashing grub binary: %w", err)
	}
	events = append(events, tpmevents.TPMEvent{
		Name: tcglog.EventTypeEFIBootServicesApplication.String(),
		Pcr:  n,
		Hash: grubDigest,
		ID:   tpmevents.Pcr4Grub,
	})

	if secureboot && !uki {
		vmlinuzPath, err := kernel.ResolveVmlinuz(fs, kernelsDir)
		if err != nil {
			return nil, err
		}
		vmlinuzBin, err := pefile.Open(fs, vmlinuzPath)
		if err != nil {
			return nil, err
		}
		defer vmlinuzBin.Close()
		vmlinuzDigest, err := vmlinuzBin.Authenticode()
		if err != nil {
			return nil, fmt.Errorf("compute: hashing vmlinuz image: %w", err)
		}
		events = append(events, tpmevents.TPMEvent{
			Name: tcglog.EventTypeEFIBootServicesApplication.String(),
			Pcr:  n,
			Hash: vmlinuzDigest,
			ID:   tpmevents.Pcr4Vmlinuz,
		})
	}

	// A Unified Kernel Image's own PCR 4 contribution beyond the grub
	// binary that launches it is not yet modelled; spec.md explicitly
	// leaves UKI PCR 4 measurement unimplemented as an open question.

	return events, nil
}

func efiActionHash() []byte {
	digest := sha256.Sum256([]byte("Calling EFI Application from Boot Option"))
	return digest[:]
}

// PCR7Events measures the Secure Boot state and authenticated variables,
// then, when Secure Boot is enabled, the chain of certificates that
// authorised shim and every binary shim itself loads (today: grub).
func PCR7Events(fs afero.Fs, efivarsPath, espPath string, secureBootEnabled bool) ([]tpmevents.TPMEvent, error) {
	const n uint8 = 7

	e, err := esp.New(fs, espPath)
	if err != nil {
		return nil, err
	}
	shimBin, err := e.Shim()
	if err != nil {
		return nil, err
	}
	defer shimBin.Close()

	loader := efivars.New(fs, efivarsPath, efivars.AttributeHeaderLength)
	sbVariables, err := loader.Load()
	if err != nil {
		return nil, err
	}
	sbDB, err := loader.SecureBootDB()
	if err != nil {
		return nil, err
	}
	sbDBCerts, err := certs.FromSignatureDatabase(sbDB)
	if err != nil {
		return nil, fmt.Errorf("compute: parsing secure boot db: %w", err)
	}

	var events []tpmevents.TPMEvent

	sbStateHash, err := uefi.SecureBootStateEvent(secureBootEnabled).Hash()
	if err != nil {
		return nil, err
	}
	events = append(events, tpmevents.TPMEvent{
		Name: tcglog.EventTypeEFIVariableDriverConfig.String(),
		Pcr:  n,
		Hash: sbStateHash,
		ID:   tpmevents.Pcr7SecureBoot,
	})

	if len(sbVariables) != len(secureBootVariableIDs) {
		return nil, fmt.Errorf("compute: expected %d secure boot variables, got %d", len(secureBootVariableIDs), len(sbVariables))
	}
	for i, variable := range sbVariables {
		hash, err := variable.Hash()
		if err != nil {
			return nil, err
		}
		events = append(events, tpmevents.TPMEvent{
			Name: tcglog.EventTypeEFIVariableDriverConfig.String(),
			Pcr:  n,
			Hash: hash,
			ID:   secureBootVariableIDs[i],
		})
	}

	events = append(events, tpmevents.TPMEvent{
		Name: tcglog.EventTypeSeparator.String(),
		Pcr:  n,
		Hash: evSeparatorHash,
		ID:   tpmevents.Pcr7Separator,
	})

	if secureBootEnabled {
		der, ok, err := shim.FindCertInDB(shimBin, sbDB)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("compute: shim's signing certificate was not found in the secure boot db")
		}
		hash, err := securityDatabaseCertVariableData(der).Hash()
		if err != nil {
			return nil, err
		}
		events = append(events, tpmevents.TPMEvent{
			Name: tcglog.EventTypeEFIVariableAuthority.String(),
			Pcr:  n,
			Hash: hash,
			ID:   tpmevents.Pcr7ShimCert,
		})
	}

	sbatRaw, err := shimBin.Section(shim.SbatLevelSectionName)
	if err != nil {
		return nil, fmt.Errorf("compute: reading shim's .sbatlevel section: %w", err)
	}

	var sbatVar uefi.VariableData
	if sbatRaw == nil || !secureBootEnabled {
		sbatVar = shim.OriginalSbatUEFIVariableData()
	} else {
		payload, err := shim.SbatLevel(sbatRaw, shim.Previous)
		if err != nil {
			return nil, err
		}
		sbatVar = shim.SbatLevelUEFIVariableData(payload)
	}
	sbatHash, err := sbatVar.Hash()
	if err != nil {
		return nil, err
	}
	events = append(events, tpmevents.TPMEvent{
		Name: tcglog.EventTypeEFIVariableAuthority.String(),
		Pcr:  n,
		Hash: sbatHash,
		ID:   tpmevents.Pcr7SbatLevel,
	})

	if secureBootEnabled {
		certEvents, err := shimLoadedBinaryCertEvents(shimBin, e, sbDBCerts, n)
		if err != nil {
			return nil, err
		}
		events = append(events, certEvents...)
	}

	return events, nil
}

func securityDatabaseCertVariableData(cert []byte) uefi.VariableData {
	return uefi.NewVariableData(uefi.GUIDSecurityDatabase, "db", cert)
}

func vendorDBCertVariableData(cert []byte) uefi.VariableData {
	return uefi.NewVariableData(uefi.GUIDSecurityDatabase, "vendor_db", cert)
}

// shimLoadedBinaryCertEvents measures the certificates that authorised
// every binary shim itself loads (currently just grub; a Unified Kernel
// Image and its addons are a future extension, same as upstream) against
// the firmware's db, shim's vendor db, and shim's single baked-in vendor
// certificate, deduplicating by the resulting event hash the way a
// multi-binary chain would otherwise repeat an already-logged certificate.
func shimLoadedBinaryCertEvents(shimBin *pefile.File, e *esp.Esp, sbDBCerts []*x509.Certificate, n uint8) ([]tpmevents.TPMEvent, error) {
	vendorCertRaw, err := shim.VendorCert(shimBin)
	if err != nil {
		return nil, fmt.Errorf("compute: reading shim's vendor certificate: %w", err)
	}
	vendorDBRaw, err := shim.VendorDB(shimBin)
	if err != nil {
		return nil, fmt.Errorf("compute: reading shim's vendor db: %w", err)
	}

	grubBin, err := e.Grub()
	if err != nil {
		return nil, err
	}
	defer grubBin.Close()

	var events []tpmevents.TPMEvent
	loggedHashes := make(map[string]bool)

	emit := func(hash []byte, id tpmevents.EventID) {
		key := string(hash)
		if loggedHashes[key] {
			return
		}
		loggedHashes[key] = true
		events = append(events, tpmevents.TPMEvent{
			Name: tcglog.EventTypeEFIVariableAuthority.String(),
			Pcr:  n,
			Hash: hash,
			ID:   id,
		})
	}

	for _, bin := range []*pefile.File{grubBin} {
		securityDir, err := bin.SecurityDirectory()
		if err != nil {
			// Not Authenticode-signed: nothing to measure for this binary.
			continue
		}

		if der, ok, err := certs.FindCertInDB(securityDir, sbDBCerts); err != nil {
			return nil, err
		} else if ok {
			hash, err := securityDatabaseCertVariableData(der).Hash()
			if err != nil {
				return nil, err
			}
			emit(hash, tpmevents.Pcr7GrubDbCert)
		}

		if vendorDBRaw != nil {
			vendorDBCerts, err := certs.FromSignatureDatabase(vendorDBRaw)
			if err != nil {
				return nil, fmt.Errorf("compute: parsing shim's vendor db: %w", err)
			}
			if der, ok, err := certs.FindCertInDB(securityDir, vendorDBCerts); err != nil {
				return nil, err
			} else if ok {
				hash, err := vendorDBCertVariableData(der).Hash()
				if err != nil {
					return nil, err
				}
				emit(hash, tpmevents.Pcr7GrubVendorDbCert)
			}
		}

		if vendorCertRaw != nil {
			signer, err := certs.ExtractSignerCertificate(securityDir)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(signer.Raw, vendorCertRaw) {
				hash, err := shim.MokListCertVariableData(vendorCertRaw).Hash()
				if err != nil {
					return nil, err
				}
				emit(hash, tpmevents.Pcr7GrubMokListCert)
			}
		}
	}

	return events, nil
}

// PCR11Events measures a Unified Kernel Image's fixed set of PE sections:
// each section's name (NUL-terminated) and its raw content, in the
// ".linux", ".osrel", ".cmdline", ".initrd", ".uname", ".sbat" order.
func PCR11Events(fs afero.Fs, ukiPath string) ([]tpmevents.TPMEvent, error) {
	const n uint8 = 11

	uki, err := pefile.Open(fs, ukiPath)
	if err != nil {
		return nil, err
	}
	defer uki.Close()

	var events []tpmevents.TPMEvent
	for i, name := range ukiSectionNames {
		content, err := uki.Section(name)
		if err != nil {
			return nil, fmt.Errorf("compute: reading uki section %s: %w", name, err)
		}
		if content == nil {
			return nil, fmt.Errorf("compute: uki %s is missing required section %s", ukiPath, name)
		}

		nameDigest := sha256.Sum256([]byte(name + "\x00"))
		events = append(events, tpmevents.TPMEvent{
			Name: name,
			Pcr:  n,
			Hash: nameDigest[:],
			ID:   ukiSectionNameIDs[i],
		})

		contentDigest := sha256.Sum256(content)
		events = append(events, tpmevents.TPMEvent{
			Name: name + "_CONTENT",
			Pcr:  n,
			Hash: contentDigest[:],
			ID:   ukiSectionContentIDs[i],
		})
	}

	return events, nil
}

// PCR14Events measures shim's Machine Owner Key variables (MokList,
// MokListX, MokListTrusted), in that fixed order.
func PCR14Events(fs afero.Fs, mokVariablesDir string) ([]tpmevents.TPMEvent, error) {
	const n uint8 = 14

	hashes, err := mok.EventHashes(fs, mokVariablesDir)
	if err != nil {
		return nil, err
	}

	events := make([]tpmevents.TPMEvent, 0, len(hashes))
	for i, hash := range hashes {
		events = append(events, tpmevents.TPMEvent{
			Name: tcglog.EventTypeIPL.String(),
			Pcr:  n,
			Hash: hash,
			ID:   mokEventIDs[i],
		})
	}
	return events, nil
}
