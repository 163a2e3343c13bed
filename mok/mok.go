// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package mok reads the Machine-Owner-Key UEFI variables shim exposes with
// an "RT" suffix (MokListRT, MokListXRT, MokListTrustedRT) and hashes their
// contents for PCR 14.
package mok

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// Events, in the fixed TPM-log order PCR 14 measures them.
var Events = []string{"MokList", "MokListX", "MokListTrusted"}

func fileName(event string) string {
	return event + "RT"
}

// EventHashes reads each of Events, in order, from dir and returns its
// SHA-256 digest, in the same order.
func EventHashes(fs afero.Fs, dir string) ([][]byte, error) {
	out := make([][]byte, 0, len(Events))
	for _, event := range Events {
		path := filepath.Join(dir, fileName(event))
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("mok: reading %s: %w", path, err)
		}
		digest := sha256.Sum256(data)
		out = append(out, digest[:])
	}
	return out, nil
}
