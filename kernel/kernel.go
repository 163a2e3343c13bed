// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package kernel locates the vmlinuz image to measure into PCR 4, picking
// the numerically-latest installed kernel under a modules directory (a
// supplemented feature: the original Rust source's linux.rs, referenced by
// tpmevents/compute.rs as linux::load_vmlinuz, was never retrieved).
package kernel

import (
	"fmt"
	"path/filepath"

	version "github.com/knqyf263/go-deb-version"
	"github.com/spf13/afero"
)

const vmlinuzFileName = "vmlinuz"

// ResolveVmlinuz picks the highest-versioned entry directly under
// modulesDir (usr/lib/modules/<kernel-release>/) by Debian-style version
// comparison, and returns the path to its vmlinuz image.
func ResolveVmlinuz(fs afero.Fs, modulesDir string) (string, error) {
	entries, err := afero.ReadDir(fs, modulesDir)
	if err != nil {
		return "", fmt.Errorf("kernel: reading %s: %w", modulesDir, err)
	}

	var bestName string
	var best version.Version
	haveBest := false

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := version.NewVersion(entry.Name())
		if err != nil {
			continue
		}
		if !haveBest || v.Compare(best) > 0 {
			best = v
			bestName = entry.Name()
			haveBest = true
		}
	}

	if !haveBest {
		return "", fmt.Errorf("kernel: no installed kernel found under %s", modulesDir)
	}

	path := filepath.Join(modulesDir, bestName, vmlinuzFileName)
	if exists, err := afero.Exists(fs, path); err != nil {
		return "", fmt.Errorf("kernel: checking %s: %w", path, err)
	} else if !exists {
		return "", fmt.Errorf("kernel: %s has no %s", filepath.Join(modulesDir, bestName), vmlinuzFileName)
	}
	return path, nil
}
