// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package pefile is a thin PE/COFF adapter over the standard library's
// debug/pe, adding Authenticode digesting and access to the raw
// Authenticode signature blob (parsing it into certificates is left to the
// certs package).
package pefile

import (
	"crypto"
	"debug/pe"
	"errors"
	"fmt"
	"io"

	efi "github.com/canonical/go-efilib"
	"github.com/spf13/afero"
)

// computePeImageDigest is swapped out in tests; production code always
// delegates to go-efilib's Authenticode implementation.
var computePeImageDigest = efi.ComputePeImageDigest

// File is a PE/COFF image opened through an afero.Fs, kept open for
// on-demand section and security-directory reads, the way
// efibootmgr/reseal.go's trustedEFIImage.Open opens boot images through its
// package-level appFs rather than the os package directly.
type File struct {
	path string
	raw  afero.File
	pe   *pe.File
}

// Open loads path as a PE/COFF image read through fs. The returned File
// must be closed by the caller.
func Open(fs afero.Fs, path string) (*File, error) {
	raw, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pefile: opening %s: %w", path, err)
	}

	parsed, err := pe.NewFile(raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("pefile: parsing %s: %w", path, err)
	}

	return &File{path: path, raw: raw, pe: parsed}, nil
}

// Close releases the underlying file descriptor.
func (f *File) Close() error {
	return f.raw.Close()
}

// Authenticode computes the Authenticode digest of the image, per the
// "Windows Authenticode Portable Executable Signature Format"
// specification (i.e. the image hash excluding the signature directory and
// the checksum field).
func (f *File) Authenticode() ([]byte, error) {
	size, err := f.raw.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("pefile: seeking %s: %w", f.path, err)
	}
	digest, err := computePeImageDigest(crypto.SHA256, f.raw, size)
	if err != nil {
		return nil, fmt.Errorf("pefile: computing authenticode digest of %s: %w", f.path, err)
	}
	return digest, nil
}

// Section returns the raw content of the named PE section, or nil if no
// such section exists.
func (f *File) Section(name string) ([]byte, error) {
	section := f.pe.Section(name)
	if section == nil {
		return nil, nil
	}
	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("pefile: reading section %s of %s: %w", name, f.path, err)
	}
	return data, nil
}

// securityDirectory locates the IMAGE_DIRECTORY_ENTRY_SECURITY data
// directory, returning the file offset and size of the WIN_CERTIFICATE
// entries (the 8-byte WIN_CERTIFICATE header is skipped).
func (f *File) securityDirectory() (offset int64, size int64, err error) {
	switch opt := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		dir := opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_SECURITY]
		return int64(dir.VirtualAddress) + 8, int64(dir.Size) - 8, nil
	case *pe.OptionalHeader32:
		dir := opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_SECURITY]
		return int64(dir.VirtualAddress) + 8, int64(dir.Size) - 8, nil
	default:
		return 0, 0, fmt.Errorf("pefile: %s has no recognised optional header", f.path)
	}
}

// SecurityDirectory returns the raw PKCS#7 SignedData blob embedded in the
// image's Authenticode signature, or an error if the image is unsigned.
func (f *File) SecurityDirectory() ([]byte, error) {
	offset, size, err := f.securityDirectory()
	if err != nil {
		return nil, err
	}
	if size <= 0 || offset <= 8 {
		return nil, fmt.Errorf("pefile: %s does not appear to carry an Authenticode signature", f.path)
	}

	buf := make([]byte, size)
	n, err := f.raw.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("pefile: reading security directory of %s: %w", f.path, err)
	}
	if int64(n) != size {
		return nil, fmt.Errorf("pefile: read %d of %d expected security-directory bytes from %s", n, size, f.path)
	}
	return buf, nil
}
