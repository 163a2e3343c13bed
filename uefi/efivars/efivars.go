// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package efivars loads Secure Boot authenticated variables (PK, KEK, db,
// dbx) from a directory of "<name>-<guid>" files, the layout both
// efivarfs and libefivar's file backend expose.
package efivars

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/siosm/compute-pcrs/uefi"
)

type secureBootVariable struct {
	name string
	guid uefi.GUID
}

var secureBootVariables = []secureBootVariable{
	{"PK", uefi.GUIDGlobalVariable},
	{"KEK", uefi.GUIDGlobalVariable},
	{"db", uefi.GUIDSecurityDatabase},
	{"dbx", uefi.GUIDSecurityDatabase},
}

// AttributeHeaderLength is the size of the efivarfs attribute header (a
// little-endian uint32 of EFI variable attributes) prefixed to every file
// efivarfs exposes, which must be stripped before the remaining bytes are
// the authenticated variable payload itself.
const AttributeHeaderLength = 4

// Loader reads Secure Boot variables from a directory of efivarfs-style
// files, through an afero.Fs so tests can substitute an in-memory
// filesystem.
type Loader struct {
	fs                 afero.Fs
	path               string
	attributeHeaderLen int
}

// New returns a Loader reading "<name>-<guid>" files under path on fs.
// attributeHeaderLen bytes are stripped from the front of each file before
// it is treated as variable data; pass 0 when path holds raw variable
// payloads with no attribute header (e.g. variables exported by firmware
// tooling rather than read directly from efivarfs).
func New(fs afero.Fs, path string, attributeHeaderLen int) *Loader {
	return &Loader{fs: fs, path: path, attributeHeaderLen: attributeHeaderLen}
}

// Load reads every Secure Boot variable (PK, KEK, db, dbx, in that fixed
// order) present under the loader's path and returns their measurements.
// A variable whose file is absent is still returned, with an empty payload:
// that's the same "not configured" state the firmware itself would measure
// as an empty event. A directory that does not exist at all is fatal.
func (l *Loader) Load() ([]uefi.VariableData, error) {
	if _, err := l.fs.Stat(l.path); err != nil {
		return nil, fmt.Errorf("efivars: %w", err)
	}

	var out []uefi.VariableData
	for _, v := range secureBootVariables {
		data, err := l.loadVariable(v.name, v.guid)
		if err != nil {
			return nil, err
		}
		out = append(out, uefi.NewVariableData(v.guid, v.name, data))
	}
	return out, nil
}

// SecureBootDB reads just the "db" variable's payload, the authenticated
// signature database shim and grub consult to extract trusted certificates.
func (l *Loader) SecureBootDB() ([]byte, error) {
	return l.loadVariable("db", uefi.GUIDSecurityDatabase)
}

func (l *Loader) loadVariable(name string, guid uefi.GUID) ([]byte, error) {
	fullPath := filepath.Join(l.path, fmt.Sprintf("%s-%s", name, guid))

	f, err := l.fs.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("efivars: reading %s: %w", fullPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("efivars: reading %s: %w", fullPath, err)
	}

	if l.attributeHeaderLen > 0 {
		if len(data) < l.attributeHeaderLen {
			return nil, fmt.Errorf("efivars: %s is shorter than its %d-byte attribute header", fullPath, l.attributeHeaderLen)
		}
		data = data[l.attributeHeaderLen:]
	}
	return data, nil
}
