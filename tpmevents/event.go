// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

package tpmevents

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TPMEvent is an atomic measurement contribution: a human-readable origin
// tag, the PCR it extends, the 32-byte digest that extends it, and the
// closed-enumeration identity naming the position it occupies.
//
// Hash is the value that extends the PCR, not a hash of the event record
// itself.
type TPMEvent struct {
	Name string
	Pcr  uint8
	Hash []byte
	ID   EventID
}

// wireTPMEvent is the stable, lowercase-hex JSON shape described in the
// serialisation surface.
type wireTPMEvent struct {
	Name string `json:"name"`
	Pcr  uint8  `json:"pcr"`
	Hash string `json:"hash"`
	ID   string `json:"id"`
}

// MarshalJSON implements the stable wire format:
// { "name": str, "pcr": u8, "hash": hex-lowercase-string, "id": identity-name }.
func (e TPMEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTPMEvent{
		Name: e.Name,
		Pcr:  e.Pcr,
		Hash: hex.EncodeToString(e.Hash),
		ID:   e.ID.String(),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *TPMEvent) UnmarshalJSON(data []byte) error {
	var w wireTPMEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	hash, err := hex.DecodeString(w.Hash)
	if err != nil {
		return fmt.Errorf("tpmevents: decoding hash: %w", err)
	}
	id, err := EventIDFromName(w.ID)
	if err != nil {
		return err
	}
	e.Name = w.Name
	e.Pcr = w.Pcr
	e.Hash = hash
	e.ID = id
	return nil
}
