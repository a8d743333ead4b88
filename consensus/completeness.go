package consensus

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/ductridev/tessellation/peer"
)

// declaredMask flags, by index into the given (already facilitator-sorted)
// slice, which facilitators have contributed the field selected by has.
// The mask is rebuilt on every call by looking up each facilitator in
// resources.PeerDeclarations; it is not cached between ticks.
func declaredMask[A Artifact](facilitators []peer.ID, resources Resources[A], has func(Declaration) bool) *bitset.BitSet {
	mask := bitset.New(uint(len(facilitators)))
	for i, f := range facilitators {
		if has(resources.PeerDeclarations[f]) {
			mask.Set(uint(i))
		}
	}
	return mask
}

// allDeclared reports whether every facilitator has contributed the field
// selected by has.
func allDeclared[A Artifact](facilitators []peer.ID, resources Resources[A], has func(Declaration) bool) bool {
	return declaredMask(facilitators, resources, has).All()
}

func hasUpperBound(d Declaration) bool { return d.UpperBound != nil }
func hasProposal(d Declaration) bool   { return d.Proposal != nil }
func hasSignature(d Declaration) bool  { return d.Signature != nil }

// isFacilitator reports whether self is a member of facilitators.
func isFacilitator(self peer.ID, facilitators []peer.ID) bool {
	for _, f := range facilitators {
		if f == self {
			return true
		}
	}
	return false
}
