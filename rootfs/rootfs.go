// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package rootfs locates the ESP staging directory and kernel-modules
// directory within a root filesystem tree.
package rootfs

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	relativeKernelsPath = "usr/lib/modules/"
	relativeESPOld      = "usr/lib/bootupd/updates/"
	// Since fcos-44, shim/grub are stored in a different directory; see
	// https://fedoraproject.org/wiki/Changes/BootLoaderUpdatesPhase1
	relativeESPNew = "usr/lib/efi"
)

// Tree resolves the ESP and kernels directories for a single root
// filesystem.
type Tree struct {
	espPath     string
	kernelsPath string
}

// New resolves rootfsPath to an absolute path and locates the ESP staging
// directory (preferring usr/lib/efi, falling back to
// usr/lib/bootupd/updates/ when it doesn't exist) and the kernels
// directory under it.
func New(fs afero.Fs, rootfsPath string) (*Tree, error) {
	abs, err := filepath.Abs(rootfsPath)
	if err != nil {
		return nil, fmt.Errorf("rootfs: resolving %s: %w", rootfsPath, err)
	}

	espPath, err := espPathAbsolute(fs, abs)
	if err != nil {
		return nil, err
	}

	return &Tree{
		espPath:     espPath,
		kernelsPath: filepath.Join(abs, relativeKernelsPath),
	}, nil
}

func espPathAbsolute(fs afero.Fs, rootfsPath string) (string, error) {
	candidate := filepath.Join(rootfsPath, relativeESPNew)
	exists, err := afero.DirExists(fs, candidate)
	if err != nil {
		return "", fmt.Errorf("rootfs: checking %s: %w", candidate, err)
	}
	if exists {
		return candidate, nil
	}
	return filepath.Join(rootfsPath, relativeESPOld), nil
}

// ESP returns the resolved ESP staging directory.
func (t *Tree) ESP() string { return t.espPath }

// Kernels returns the resolved kernel-modules directory.
func (t *Tree) Kernels() string { return t.kernelsPath }
