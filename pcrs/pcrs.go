// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package pcrs folds ordered TPMEvent sequences into the final PCR digests
// they would produce, and carries the stable wire representation for the
// result.
package pcrs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/canonical/go-tpm2"

	"github.com/siosm/compute-pcrs/tpmevents"
)

// Algorithm is the single PCR bank this repository supports (spec.md
// Non-goals: "No support for PCR banks other than SHA-256"), kept as a
// tpm2.HashAlgorithmId the way efibootmgr/reseal.go tags PCRAlgorithm.
const Algorithm = tpm2.HashAlgorithmSHA256

// Pcr is an aggregated result: PCR id, final 32-byte digest, and the
// ordered list of TPMEvents that produced it.
type Pcr struct {
	ID     uint64
	Value  []byte
	Events []tpmevents.TPMEvent
}

// Fold folds events from the all-zero seed using
// accumulator <- SHA256(accumulator || event.Hash), in order. events must be
// non-empty and share a single Pcr; mixed-PCR input is a fatal misuse.
func Fold(events []tpmevents.TPMEvent) (Pcr, error) {
	if len(events) == 0 {
		return Pcr{}, fmt.Errorf("pcrs: cannot fold an empty event list")
	}

	wantPcr := events[0].Pcr
	accumulator := make([]byte, sha256.Size)

	for _, event := range events {
		if event.Pcr != wantPcr {
			return Pcr{}, fmt.Errorf("pcrs: unexpected pcr#%d while compiling pcr#%d", event.Pcr, wantPcr)
		}
		if len(event.Hash) != sha256.Size {
			return Pcr{}, fmt.Errorf("pcrs: event %s has a %d-byte hash, want %d", event.ID, len(event.Hash), sha256.Size)
		}

		h := sha256.New()
		h.Write(accumulator)
		h.Write(event.Hash)
		accumulator = h.Sum(nil)
	}

	return Pcr{
		ID:     uint64(wantPcr),
		Value:  accumulator,
		Events: append([]tpmevents.TPMEvent(nil), events...),
	}, nil
}

// FoldMulti partitions a heterogeneous event list by Pcr, preserving
// within-partition order, and folds each partition independently.
func FoldMulti(events []tpmevents.TPMEvent) ([]Pcr, error) {
	var order []uint8
	seen := make(map[uint8]bool)
	partitions := make(map[uint8][]tpmevents.TPMEvent)

	for _, event := range events {
		if !seen[event.Pcr] {
			seen[event.Pcr] = true
			order = append(order, event.Pcr)
		}
		partitions[event.Pcr] = append(partitions[event.Pcr], event)
	}

	result := make([]Pcr, 0, len(order))
	for _, pcr := range order {
		folded, err := Fold(partitions[pcr])
		if err != nil {
			return nil, err
		}
		result = append(result, folded)
	}
	return result, nil
}

type wirePcr struct {
	ID     uint64               `json:"id"`
	Value  string               `json:"value"`
	Events []tpmevents.TPMEvent `json:"events"`
}

// MarshalJSON implements the stable wire format:
// { "id": u64, "value": hex-lowercase-string, "events": [TPMEvent] }.
func (p Pcr) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePcr{
		ID:     p.ID,
		Value:  hex.EncodeToString(p.Value),
		Events: p.Events,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Pcr) UnmarshalJSON(data []byte) error {
	var w wirePcr
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	value, err := hex.DecodeString(w.Value)
	if err != nil {
		return fmt.Errorf("pcrs: decoding value: %w", err)
	}
	p.ID = w.ID
	p.Value = value
	p.Events = w.Events
	return nil
}
