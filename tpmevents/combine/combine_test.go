// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

package combine

import (
	"testing"

	"github.com/siosm/compute-pcrs/tpmevents"
)

func hash(b byte) []byte {
	h := make([]byte, 32)
	for i := range h {
		h[i] = b
	}
	return h
}

func ev(pcr uint8, id tpmevents.EventID, b byte) tpmevents.TPMEvent {
	return tpmevents.TPMEvent{Name: id.String(), Pcr: pcr, Hash: hash(b), ID: id}
}

// TestCombineIdentity is Testable Property 7: combine_images([I]) equals
// [fold_multi(I)].
func TestCombineIdentity(t *testing.T) {
	image := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4EfiCall, 0x01),
		ev(4, tpmevents.Pcr4Separator, 0x02),
		ev(4, tpmevents.Pcr4Shim, 0x03),
	}

	got, err := CombineImages([][]tpmevents.TPMEvent{image})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(got))
	}
	if len(got[0]) != 1 || len(got[0][0].Events) != 3 {
		t.Fatalf("got %+v", got[0])
	}
}

// TestCombineEqualInputs is Testable Property 8: if A == B, combine(A, B)
// yields exactly one PCR set.
func TestCombineEqualInputs(t *testing.T) {
	a := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4EfiCall, 0x01),
		ev(4, tpmevents.Pcr4Separator, 0x02),
		ev(4, tpmevents.Pcr4Shim, 0x03),
		ev(4, tpmevents.Pcr4Grub, 0x04),
	}
	b := append([]tpmevents.TPMEvent(nil), a...)

	got, err := Combine(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(got))
	}
	if len(got[0][0].Events) != 4 {
		t.Fatalf("expected all 4 events folded into the single outcome, got %d", len(got[0][0].Events))
	}
}

// TestCombineKernelOnlyUpdate mirrors Scenario S1: a single-group (Linux)
// divergence at Vmlinuz yields exactly the two pure-side outcomes.
func TestCombineKernelOnlyUpdate(t *testing.T) {
	a := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4EfiCall, 0x01),
		ev(4, tpmevents.Pcr4Separator, 0x02),
		ev(4, tpmevents.Pcr4Shim, 0x03),
		ev(4, tpmevents.Pcr4Grub, 0x04),
		ev(4, tpmevents.Pcr4Vmlinuz, 0x05),
	}
	b := append([]tpmevents.TPMEvent(nil), a...)
	b[len(b)-1] = ev(4, tpmevents.Pcr4Vmlinuz, 0x99)

	got, err := Combine(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2 (one per side)", len(got))
	}
}

// TestCombineBootloaderKernelDisjoint mirrors Scenario S2: divergence across
// two independent groups (Bootloader, Linux) yields the full 2x2 cross
// product.
func TestCombineBootloaderKernelDisjoint(t *testing.T) {
	a := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x01),
		ev(4, tpmevents.Pcr4Grub, 0x02),
		ev(4, tpmevents.Pcr4Vmlinuz, 0x03),
	}
	b := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x11),
		ev(4, tpmevents.Pcr4Grub, 0x12),
		ev(4, tpmevents.Pcr4Vmlinuz, 0x13),
	}

	got, err := Combine(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d outcomes, want 4 (2x2 cross product of two disjoint groups)", len(got))
	}
}

// TestCombineShimCertConflict mirrors Scenario S3: a multi-group event
// (ShimCert, Secureboot|Bootloader) that diverges under already-opposed
// pinning is unresolvable, so only the two pure-side branches survive.
func TestCombineShimCertConflict(t *testing.T) {
	a := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x01),
		ev(7, tpmevents.Pcr7SecureBoot, 0x02),
		ev(7, tpmevents.Pcr7ShimCert, 0x03),
	}
	b := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x11),
		ev(7, tpmevents.Pcr7SecureBoot, 0x12),
		ev(7, tpmevents.Pcr7ShimCert, 0x13),
	}

	got, err := Combine(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2 (pure-side branches only; mixed branches conflict on ShimCert)", len(got))
	}
}

// TestCombineOptionalEventOmittedOnCollision exercises rule 4: an event only
// one side has is omitted on a branch whose opposite-side pinning collides
// with its groups.
func TestCombineOptionalEventOmittedOnCollision(t *testing.T) {
	a := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x01),
		ev(4, tpmevents.Pcr4Grub, 0x02),
	}
	b := []tpmevents.TPMEvent{
		ev(4, tpmevents.Pcr4Shim, 0x11),
	}

	got, err := Combine(a, b)
	if err != nil {
		t.Fatal(err)
	}
	// Branch pinned to B (Shim diverges, gB gains Bootloader) must omit
	// Grub, since Grub's group (Bootloader) collides with gB. Branch
	// pinned to A keeps it. Exactly two outcomes: A's (Shim, Grub) and B's
	// (Shim) alone.
	if len(got) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(got))
	}
	foundShort := false
	for _, outcome := range got {
		if len(outcome[0].Events) == 1 {
			foundShort = true
		}
	}
	if !foundShort {
		t.Fatal("expected one outcome where Grub was omitted on B's branch")
	}
}

func TestCombineImagesCrossProduct(t *testing.T) {
	shim1 := ev(4, tpmevents.Pcr4Shim, 0x01)
	shim2 := ev(4, tpmevents.Pcr4Shim, 0x02)
	k1 := ev(4, tpmevents.Pcr4Vmlinuz, 0x11)
	k2 := ev(4, tpmevents.Pcr4Vmlinuz, 0x12)
	k3 := ev(4, tpmevents.Pcr4Vmlinuz, 0x13)
	k4 := ev(4, tpmevents.Pcr4Vmlinuz, 0x14)

	images := [][]tpmevents.TPMEvent{
		{shim1, k1},
		{shim1, k2},
		{shim2, k3},
		{shim2, k4},
	}

	got, err := CombineImages(images)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 8 {
		t.Fatalf("got %d outcomes, want 8 (shim1x{k1..k4} U shim2x{k1..k4})", len(got))
	}
}
