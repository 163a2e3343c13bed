// This file is part of compute-pcrs
// SPDX-License-Identifier: MIT

// Package combine implements the event-combination engine: given two
// candidate boot configurations expressed as TPMEvent sequences, it
// enumerates every PCR outcome a valid per-group mix of the two could
// produce.
package combine

import (
	"log"

	"github.com/siosm/compute-pcrs/pcrs"
	"github.com/siosm/compute-pcrs/tpmevents"
	"github.com/siosm/compute-pcrs/tpmevents/tree"
)

// Error marks a branch where a multi-group event could not be resolved from
// either side's pinning. It is carried through the tree rather than dropped
// immediately (§4.4, §7): a future caller may want to inspect which
// identities conflicted before the branch is discarded.
type Error struct {
	ID tpmevents.EventID
}

func (e Error) Error() string {
	return "event group conflict on " + e.ID.String()
}

type resultNode = tree.ResultNode[tpmevents.TPMEvent, Error]

// branchState is the per-branch pinning the walk threads through recursion;
// each fork gets its own copy, never a shared one.
type branchState struct {
	gA, gB tpmevents.Group
}

// Combine enumerates every valid cross-combination of a and b, folds each
// resulting branch into its PCR set via pcrs.FoldMulti, and returns the
// deduplicated set of outcomes. Suppressed conflict branches are logged as
// warnings, naming the conflicting identity, and do not appear in the
// output (§4.4, §7).
func Combine(a, b []tpmevents.TPMEvent) ([][]pcrs.Pcr, error) {
	indexA := indexByID(a)
	indexB := indexByID(b)

	rootNode := buildTree(indexA, indexB)

	var outcomes [][]pcrs.Pcr
	seen := make(map[string]bool)
	for _, branch := range tree.ValidBranches(rootNode) {
		events := nonSentinel(branch)
		if len(events) == 0 {
			continue
		}
		folded, err := pcrs.FoldMulti(events)
		if err != nil {
			return nil, err
		}
		key := foldedKey(folded)
		if seen[key] {
			continue
		}
		seen[key] = true
		outcomes = append(outcomes, folded)
	}
	return outcomes, nil
}

// CombineImages pairwise-combines N candidate images (N>=1) and returns the
// deduplicated union of every pairwise outcome. For a single image it folds
// directly. Higher-order (N-way) mixing is not modelled (§4.4, §9).
func CombineImages(images [][]tpmevents.TPMEvent) ([][]pcrs.Pcr, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if len(images) == 1 {
		folded, err := pcrs.FoldMulti(images[0])
		if err != nil {
			return nil, err
		}
		return [][]pcrs.Pcr{folded}, nil
	}

	seen := make(map[string]bool)
	var outcomes [][]pcrs.Pcr
	for i := 0; i < len(images); i++ {
		for j := i + 1; j < len(images); j++ {
			pairOutcomes, err := Combine(images[i], images[j])
			if err != nil {
				return nil, err
			}
			for _, folded := range pairOutcomes {
				key := foldedKey(folded)
				if seen[key] {
					continue
				}
				seen[key] = true
				outcomes = append(outcomes, folded)
			}
		}
	}
	return outcomes, nil
}

func indexByID(events []tpmevents.TPMEvent) map[tpmevents.EventID]tpmevents.TPMEvent {
	m := make(map[tpmevents.EventID]tpmevents.TPMEvent, len(events))
	for _, e := range events {
		m[e.ID] = e
	}
	return m
}

// buildTree walks the closed EventID enumeration from the successor of
// RootSentinel to EndSentinel, constructing the rooted tree described in
// §4.4. The root payload is a no-op sentinel event; callers strip it via
// nonSentinel before folding.
func buildTree(indexA, indexB map[tpmevents.EventID]tpmevents.TPMEvent) *resultNode {
	root := tree.NewOk[tpmevents.TPMEvent, Error](tpmevents.TPMEvent{ID: tpmevents.RootSentinel})
	first, ok := tpmevents.RootSentinel.Next()
	if ok {
		extend(root, first, indexA, indexB, branchState{})
	}
	return root
}

// extend attaches the subtree rooted at identity id (and its successors) as
// children of parent, given the pinning state inherited from the branch
// leading to parent. It recurses depth-first; each emitted child carries
// its own, independently updated branchState.
func extend(parent *resultNode, id tpmevents.EventID, indexA, indexB map[tpmevents.EventID]tpmevents.TPMEvent, state branchState) {
	if id == tpmevents.EndSentinel {
		return
	}
	next, hasNext := id.Next()

	eA, hasA := indexA[id]
	eB, hasB := indexB[id]
	group := id.Groups()

	switch {
	case hasA && hasB && sameHash(eA, eB):
		child := tree.NewOk[tpmevents.TPMEvent, Error](eA)
		parent.AddChild(child)
		if hasNext {
			extend(child, next, indexA, indexB, state)
		}

	case hasA && hasB:
		chooseA := group&state.gB == 0
		chooseB := group&state.gA == 0

		if !chooseA && !chooseB {
			log.Printf("combine: event group conflict hit combining %s", id)
			child := tree.NewErr[tpmevents.TPMEvent, Error](Error{ID: id})
			parent.AddChild(child)
			if hasNext {
				extend(child, next, indexA, indexB, state)
			}
			return
		}
		if chooseA {
			child := tree.NewOk[tpmevents.TPMEvent, Error](eA)
			parent.AddChild(child)
			if hasNext {
				extend(child, next, indexA, indexB, branchState{gA: state.gA | group, gB: state.gB})
			}
		}
		if chooseB {
			child := tree.NewOk[tpmevents.TPMEvent, Error](eB)
			parent.AddChild(child)
			if hasNext {
				extend(child, next, indexA, indexB, branchState{gA: state.gA, gB: state.gB | group})
			}
		}

	case hasA:
		newState := state
		omit := group&state.gB != 0
		if !omit {
			newState = branchState{gA: state.gA | group, gB: state.gB}
		}
		child := singleSideChild(eA, omit)
		parent.AddChild(child)
		if hasNext {
			extend(child, next, indexA, indexB, newState)
		}

	case hasB:
		newState := state
		omit := group&state.gA != 0
		if !omit {
			newState = branchState{gA: state.gA, gB: state.gB | group}
		}
		child := singleSideChild(eB, omit)
		parent.AddChild(child)
		if hasNext {
			extend(child, next, indexA, indexB, newState)
		}

	default:
		child := tree.NewOk[tpmevents.TPMEvent, Error](tpmevents.TPMEvent{ID: sentinelMarker})
		parent.AddChild(child)
		if hasNext {
			extend(child, next, indexA, indexB, state)
		}
	}
}

// sentinelMarker tags a "neither side has this event" tree node so
// nonSentinel can filter it back out when a branch is flattened.
const sentinelMarker tpmevents.EventID = tpmevents.RootSentinel

// singleSideChild returns a node carrying e, or an empty sentinel node when
// the event must be omitted on this branch because its groups collide with
// the opposite side's pinning.
func singleSideChild(e tpmevents.TPMEvent, omit bool) *resultNode {
	if omit {
		return tree.NewOk[tpmevents.TPMEvent, Error](tpmevents.TPMEvent{ID: sentinelMarker})
	}
	return tree.NewOk[tpmevents.TPMEvent, Error](e)
}

func sameHash(a, b tpmevents.TPMEvent) bool {
	if len(a.Hash) != len(b.Hash) {
		return false
	}
	for i := range a.Hash {
		if a.Hash[i] != b.Hash[i] {
			return false
		}
	}
	return true
}

// nonSentinel strips the root and any "neither side has this event"/omitted
// markers from a flattened branch.
func nonSentinel(branch []tpmevents.TPMEvent) []tpmevents.TPMEvent {
	out := make([]tpmevents.TPMEvent, 0, len(branch))
	for _, e := range branch {
		if e.ID == tpmevents.RootSentinel {
			continue
		}
		out = append(out, e)
	}
	return out
}

func foldedKey(folded []pcrs.Pcr) string {
	var b []byte
	for _, p := range folded {
		for _, e := range p.Events {
			b = append(b, byte(e.ID>>8), byte(e.ID))
			b = append(b, e.Hash...)
		}
		b = append(b, 0xff)
	}
	return string(b)
}
