// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package esp locates the shim and grub EFI binaries on an EFI System
// Partition tree.
package esp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/siosm/compute-pcrs/pefile"
)

const (
	shimBinaryName = "shimx64.efi"
	grubBinaryName = "grubx64.efi"
)

// errStopWalk unwinds afero.Walk as soon as a match is found; callers never
// see it escape findEFIBin.
var errStopWalk = errors.New("esp: match found")

// Esp is an EFI System Partition tree with its shim and grub binaries
// already located.
type Esp struct {
	fs       afero.Fs
	shimPath string
	grubPath string
}

// New locates shim and grub under root. It requires root to be a directory
// and fails if either binary cannot be found anywhere under a `EFI/*/`
// path (§4.3): when more than one candidate exists, the first one
// encountered in filesystem walk order wins — a documented limitation,
// multi-distribution ESPs are not supported.
func New(fs afero.Fs, root string) (*Esp, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("esp: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("esp: %s is not a directory", root)
	}

	shimPath, err := findEFIBin(fs, root, shimBinaryName)
	if err != nil {
		return nil, err
	}
	grubPath, err := findEFIBin(fs, root, grubBinaryName)
	if err != nil {
		return nil, err
	}

	return &Esp{fs: fs, shimPath: shimPath, grubPath: grubPath}, nil
}

// findEFIBin walks root looking for a file named name directly under an
// "EFI/<anything>/" directory, anywhere below root (the Go analogue of the
// "**/EFI/*/<name>" glob pattern the original locator uses).
func findEFIBin(fs afero.Fs, root, name string) (string, error) {
	var found string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(path) != name {
			return nil
		}
		if filepath.Base(filepath.Dir(filepath.Dir(path))) != "EFI" {
			return nil
		}
		found = path
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("esp: walking %s: %w", root, err)
	}
	if found == "" {
		return "", fmt.Errorf("esp: %s not found under %s", name, root)
	}
	return found, nil
}

// Shim opens the located shim binary. Callers must Close it.
func (e *Esp) Shim() (*pefile.File, error) {
	f, err := pefile.Open(e.fs, e.shimPath)
	if err != nil {
		return nil, fmt.Errorf("esp: opening shim binary: %w", err)
	}
	return f, nil
}

// Grub opens the located grub binary. Callers must Close it.
func (e *Esp) Grub() (*pefile.File, error) {
	f, err := pefile.Open(e.fs, e.grubPath)
	if err != nil {
		return nil, fmt.Errorf("esp: opening grub binary: %w", err)
	}
	return f, nil
}

// ShimPath returns the resolved path to shim, without opening it.
func (e *Esp) ShimPath() string { return e.shimPath }

// GrubPath returns the resolved path to grub, without opening it.
func (e *Esp) GrubPath() string { return e.grubPath }
