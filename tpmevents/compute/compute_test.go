// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

package compute

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"

	"github.com/siosm/compute-pcrs/tpmevents"
)

// buildMinimalPE64 assembles a byte-exact, minimal PE32+ image with a
// single named section, the same layout pefile_test.go and shim_test.go
// build their fixtures with.
func buildMinimalPE64(t *testing.T, sectionName string, sectionContent []byte, securityDir []byte) []byte {
	t.Helper()

	const (
		dosHeaderSize    = 64
		fileHeaderSize   = 20
		sectionHeaderSz  = 40
		numDataDirs      = 16
		dataDirEntrySize = 8
	)
	optHeaderFixedSize := 2 + 1 + 1 + 4*6 + 8 + 4*2 + 2*6 + 4*3 + 2*2 + 8*4 + 4*2
	optHeaderSize := optHeaderFixedSize + numDataDirs*dataDirEntrySize

	sectionDataOffset := dosHeaderSize + 4 + fileHeaderSize + optHeaderSize + sectionHeaderSz
	if sectionDataOffset%16 != 0 {
		sectionDataOffset += 16 - sectionDataOffset%16
	}

	securityOffset := 0
	securitySize := 0
	totalSize := sectionDataOffset + len(sectionContent)
	if len(securityDir) > 0 {
		securityOffset = totalSize
		securitySize = len(securityDir) + 8
		totalSize = securityOffset + securitySize
	}

	buf := make([]byte, totalSize)

	buf[0] = 'M'
	buf[1] = 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], uint32(dosHeaderSize))

	pos := dosHeaderSize
	copy(buf[pos:], []byte("PE\x00\x00"))
	pos += 4

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(optHeaderSize),
	}
	writeBinaryTo(t, buf[pos:pos+fileHeaderSize], fh)
	pos += fileHeaderSize

	var dataDirs [16]pe.DataDirectory
	if len(securityDir) > 0 {
		dataDirs[pe.IMAGE_DIRECTORY_ENTRY_SECURITY] = pe.DataDirectory{
			VirtualAddress: uint32(securityOffset),
			Size:           uint32(securitySize),
		}
	}
	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           0x140000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         uint32(totalSize),
		SizeOfHeaders:       uint32(sectionDataOffset),
		Subsystem:           10,
		NumberOfRvaAndSizes: numDataDirs,
		DataDirectory:       dataDirs,
	}
	writeBinaryTo(t, buf[pos:pos+optHeaderSize], oh)
	pos += optHeaderSize

	var name [8]byte
	copy(name[:], sectionName)
	sh := pe.SectionHeader32{
		Name:             name,
		VirtualSize:      uint32(len(sectionContent)),
		VirtualAddress:   0x1000,
		SizeOfRawData:    uint32(len(sectionContent)),
		PointerToRawData: uint32(sectionDataOffset),
	}
	writeBinaryTo(t, buf[pos:pos+sectionHeaderSz], sh)

	copy(buf[sectionDataOffset:], sectionContent)
	if len(securityDir) > 0 {
		copy(buf[securityOffset+8:], securityDir)
	}
	return buf
}

func writeBinaryTo(t *testing.T, dst []byte, v any) {
	t.Helper()
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		t.Fatal(err)
	}
	if b.Len() != len(dst) {
		t.Fatalf("encoded size %d does not match reserved space %d", b.Len(), len(dst))
	}
	copy(dst, b.Bytes())
}

// espFixture writes a minimal ESP tree at /esp with shim and grub binaries,
// each carrying a single .text section (no .sbatlevel section on shim) and,
// optionally, a security directory.
func espFixture(t *testing.T, fs afero.Fs, shimSecurityDir, grubSecurityDir []byte) {
	t.Helper()
	shimContent := buildMinimalPE64(t, ".text", []byte("shim"), shimSecurityDir)
	if err := afero.WriteFile(fs, "/esp/EFI/fedora/shimx64.efi", shimContent, 0o644); err != nil {
		t.Fatal(err)
	}
	grubContent := buildMinimalPE64(t, ".text", []byte("grub"), grubSecurityDir)
	if err := afero.WriteFile(fs, "/esp/EFI/fedora/grubx64.efi", grubContent, 0o644); err != nil {
		t.Fatal(err)
	}
}

func idsOf(events []tpmevents.TPMEvent) []tpmevents.EventID {
	ids := make([]tpmevents.EventID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	return ids
}

func assertIDs(t *testing.T, got []tpmevents.EventID, want ...tpmevents.EventID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func assertAllPcrAndHash(t *testing.T, events []tpmevents.TPMEvent, pcr uint8) {
	t.Helper()
	for _, e := range events {
		if e.Pcr != pcr {
			t.Fatalf("event %s: got pcr %d, want %d", e.ID, e.Pcr, pcr)
		}
		if len(e.Hash) != 32 {
			t.Fatalf("event %s: hash is %d bytes, want 32", e.ID, len(e.Hash))
		}
	}
}

func TestPCR4EventsWithoutSecureboot(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil)

	events, err := PCR4Events(fs, "/usr/lib/modules", "/esp", false, false)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, idsOf(events),
		tpmevents.Pcr4EfiCall, tpmevents.Pcr4Separator, tpmevents.Pcr4Shim, tpmevents.Pcr4Grub)
	assertAllPcrAndHash(t, events, 4)
}

func TestPCR4EventsSecurebootAddsVmlinuz(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil)
	vmlinuz := buildMinimalPE64(t, ".text", []byte("kernel"), nil)
	if err := afero.WriteFile(fs, "/usr/lib/modules/6.8.0-1-generic/vmlinuz", vmlinuz, 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := PCR4Events(fs, "/usr/lib/modules", "/esp", false, true)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, idsOf(events),
		tpmevents.Pcr4EfiCall, tpmevents.Pcr4Separator, tpmevents.Pcr4Shim, tpmevents.Pcr4Grub, tpmevents.Pcr4Vmlinuz)
}

func TestPCR4EventsUkiSkipsVmlinuz(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil)

	events, err := PCR4Events(fs, "/usr/lib/modules", "/esp", true, true)
	if err != nil {
		t.Fatal(err)
	}
	assertIDs(t, idsOf(events),
		tpmevents.Pcr4EfiCall, tpmevents.Pcr4Separator, tpmevents.Pcr4Shim, tpmevents.Pcr4Grub)
}

func TestPCR4EventsSeparatorHashIsFixed(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil)

	events, err := PCR4Events(fs, "/usr/lib/modules", "/esp", false, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(events[1].Hash, evSeparatorHash) {
		t.Fatalf("got %x, want %x", events[1].Hash, evSeparatorHash)
	}
}

func TestPCR7EventsSecurebootDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil)
	if err := fs.MkdirAll("/efivars", 0o755); err != nil {
		t.Fatal(err)
	}

	events, err := PCR7Events(fs, "/efivars", "/esp", false)
	if err != nil {
		t.Fatal(err)
	}

	assertAllPcrAndHash(t, events, 7)
	assertIDs(t, idsOf(events),
		tpmevents.Pcr7SecureBoot, tpmevents.Pcr7Pk, tpmevents.Pcr7Kek, tpmevents.Pcr7Db, tpmevents.Pcr7Dbx,
		tpmevents.Pcr7Separator, tpmevents.Pcr7SbatLevel)
}

func TestPCR7EventsSecurebootEnabledRequiresShimSignature(t *testing.T) {
	fs := afero.NewMemMapFs()
	espFixture(t, fs, nil, nil) // shim carries no security directory: unsigned.
	if err := fs.MkdirAll("/efivars", 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := PCR7Events(fs, "/efivars", "/esp", true); err == nil {
		t.Fatal("expected an error when shim's signing certificate cannot be found in the secure boot db")
	}
}

func TestPCR11Events(t *testing.T) {
	fs := afero.NewMemMapFs()

	const path = "/boot/uki.efi"
	content := buildUkiFixture(t)
	if err := afero.WriteFile(fs, path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := PCR11Events(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	assertAllPcrAndHash(t, events, 11)
	assertIDs(t, idsOf(events),
		tpmevents.Pcr11Linux, tpmevents.Pcr11LinuxContent,
		tpmevents.Pcr11Osrel, tpmevents.Pcr11OsrelContent,
		tpmevents.Pcr11Cmdline, tpmevents.Pcr11CmdlineContent,
		tpmevents.Pcr11Initrd, tpmevents.Pcr11InitrdContent,
		tpmevents.Pcr11Uname, tpmevents.Pcr11UnameContent,
		tpmevents.Pcr11Sbat, tpmevents.Pcr11SbatContent)
}

// buildUkiFixture assembles a minimal PE32+ image carrying all six section
// names PCR11Events requires, since buildMinimalPE64 only supports one.
func buildUkiFixture(t *testing.T) []byte {
	t.Helper()

	names := []string{".linux", ".osrel", ".cmdline", ".initrd", ".uname", ".sbat"}
	const (
		dosHeaderSize   = 64
		fileHeaderSize  = 20
		sectionHeaderSz = 40
		numDataDirs     = 16
	)
	optHeaderFixedSize := 2 + 1 + 1 + 4*6 + 8 + 4*2 + 2*6 + 4*3 + 2*2 + 8*4 + 4*2
	optHeaderSize := optHeaderFixedSize + numDataDirs*8

	headerSize := dosHeaderSize + 4 + fileHeaderSize + optHeaderSize + len(names)*sectionHeaderSz
	sectionDataOffset := headerSize
	if sectionDataOffset%16 != 0 {
		sectionDataOffset += 16 - sectionDataOffset%16
	}

	sectionContent := make([][]byte, len(names))
	offsets := make([]int, len(names))
	cursor := sectionDataOffset
	for i, name := range names {
		sectionContent[i] = []byte(name + "-content")
		offsets[i] = cursor
		cursor += len(sectionContent[i])
	}

	buf := make([]byte, cursor)
	buf[0] = 'M'
	buf[1] = 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], uint32(dosHeaderSize))

	pos := dosHeaderSize
	copy(buf[pos:], []byte("PE\x00\x00"))
	pos += 4

	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     uint16(len(names)),
		SizeOfOptionalHeader: uint16(optHeaderSize),
	}
	writeBinaryTo(t, buf[pos:pos+fileHeaderSize], fh)
	pos += fileHeaderSize

	oh := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           0x140000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         uint32(cursor),
		SizeOfHeaders:       uint32(sectionDataOffset),
		Subsystem:           10,
		NumberOfRvaAndSizes: numDataDirs,
	}
	writeBinaryTo(t, buf[pos:pos+optHeaderSize], oh)
	pos += optHeaderSize

	for i, name := range names {
		var n [8]byte
		copy(n[:], name)
		sh := pe.SectionHeader32{
			Name:             n,
			VirtualSize:      uint32(len(sectionContent[i])),
			VirtualAddress:   uint32(0x1000 * (i + 1)),
			SizeOfRawData:    uint32(len(sectionContent[i])),
			PointerToRawData: uint32(offsets[i]),
		}
		writeBinaryTo(t, buf[pos:pos+sectionHeaderSz], sh)
		pos += sectionHeaderSz
	}

	for i, content := range sectionContent {
		copy(buf[offsets[i]:], content)
	}

	return buf
}

func TestPCR14Events(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/mok/MokListRT", []byte("list"), 0o644)
	afero.WriteFile(fs, "/mok/MokListXRT", []byte("list-x"), 0o644)
	afero.WriteFile(fs, "/mok/MokListTrustedRT", []byte("list-trusted"), 0o644)

	events, err := PCR14Events(fs, "/mok")
	if err != nil {
		t.Fatal(err)
	}
	assertAllPcrAndHash(t, events, 14)
	assertIDs(t, idsOf(events), tpmevents.Pcr14MokList, tpmevents.Pcr14MokListX, tpmevents.Pcr14MokListTrusted)
	for _, e := range events {
		if e.Name != "EV_IPL" {
			t.Fatalf("got name %q, want EV_IPL", e.Name)
		}
	}
}
