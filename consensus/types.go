// Package consensus implements the keyed consensus state registry (spec
// component D), the pure state-transition ladder that advances a round
// (component E), and the scheduling/lifecycle manager that drives both
// against a gossip daemon (component F).
//
// The package is generic over two capability sets spec.md §9 names
// explicitly: Key, a monotonically-advancing epoch identifier with a
// total order and a deterministic successor, and Artifact, the opaque
// signed value facilitators agree upon. Callers supply both as type
// parameters, plus a [Functions] implementation and a [Codec] for wire
// encoding, at the boundary where this package is instantiated; the
// ledger/block application logic itself stays an external collaborator
// (spec.md §1), reached only through those two interfaces.
package consensus

import (
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Key is the capability set spec.md §9 requires of a consensus epoch
// identifier: comparable (so it can key the per-key storage registry),
// totally ordered, and equipped with a deterministic successor.
type Key[K any] interface {
	comparable
	Compare(other K) int
	Next() K
}

// Artifact is the capability set required of the value facilitators
// agree upon for a given key: a deterministic canonical encoding, which
// doubles as spec.md §9's "Hashable + Serializable" requirement — the
// same encoding this package hashes for majority selection is what a
// [Codec] turns into wire bytes.
type Artifact interface {
	gcrypto.Canonical
}

// Trigger identifies why a consensus round was started (spec.md §4.F).
type Trigger uint8

const (
	// TriggerNone marks a round whose state was installed by observation
	// rather than started by this node (spec.md §4.E's try_observe_consensus),
	// or a placeholder before a round has actually started.
	TriggerNone Trigger = iota

	// TriggerEvent marks a round started because a trigger-marked event
	// entered the buffer.
	TriggerEvent

	// TriggerTime marks a round started by the periodic time trigger.
	TriggerTime
)

func (t Trigger) String() string {
	switch t {
	case TriggerEvent:
		return "event"
	case TriggerTime:
		return "time"
	default:
		return "none"
	}
}

// StatusKind enumerates the monotonic ladder of spec.md §3's `status`
// field. Implementations of [State] must never regress a key's StatusKind.
type StatusKind uint8

const (
	// StatusFacilitated is the initial status: facilitators are selected
	// and an upper bound is known, but no proposal has been made yet.
	StatusFacilitated StatusKind = iota + 1

	// StatusProposalMade is reached once this role has broadcast a
	// proposal artifact.
	StatusProposalMade

	// StatusMajoritySelected is reached once a majority proposal hash is
	// known and this role has signed it.
	StatusMajoritySelected

	// StatusMajoritySigned is reached once every facilitator's signature
	// has been collected and assembled into a [gcrypto.Signed] artifact.
	StatusMajoritySigned

	// StatusFinished is terminal: the round either finished locally or
	// was observed finished elsewhere.
	StatusFinished
)

func (k StatusKind) String() string {
	switch k {
	case StatusFacilitated:
		return "Facilitated"
	case StatusProposalMade:
		return "ProposalMade"
	case StatusMajoritySelected:
		return "MajoritySelected"
	case StatusMajoritySigned:
		return "MajoritySigned"
	case StatusFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// Status is the sum type spec.md §3 describes; the active fields depend
// on Kind.
type Status[A Artifact] struct {
	Kind StatusKind

	// ProposalHash/ProposalArtifact are set from StatusProposalMade
	// onward: this role's own proposed artifact and its hash.
	ProposalHash     gcrypto.Hash
	ProposalArtifact A

	// MajorityHash is set from StatusMajoritySelected onward: the
	// majority-selected proposal hash (spec.md §4.E step 2's tie-break).
	MajorityHash gcrypto.Hash

	// SignedArtifact is set from StatusMajoritySigned onward: the fully
	// assembled artifact with every facilitator's signature, in
	// facilitator-sorted order.
	SignedArtifact gcrypto.Signed[A]

	// MajorityTrigger records, at StatusFinished, the trigger that
	// started this round (spec.md §3).
	MajorityTrigger Trigger
}

// Bound is a per-peer cursor: the highest event ordinal a peer has
// promised to include in the current epoch's proposal (spec.md §3).
type Bound map[peer.ID]uint64

// Clone returns an independent copy of b.
func (b Bound) Clone() Bound {
	out := make(Bound, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Max returns the pointwise maximum of a and b: for every peer present
// in either, the larger of its two ordinals (or the only one present).
func (b Bound) Max(o Bound) Bound {
	out := make(Bound, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

// Declaration is the set of per-round fields a single peer contributes
// (spec.md §3's PeerDeclaration): an upper bound, a proposal hash, and a
// signature, each filled in independently and, once set, immutable
// (spec.md §4.D invariant 2).
type Declaration struct {
	UpperBound *Bound
	Proposal   *gcrypto.Hash
	Signature  []byte
}

// Fragment is the subset of a [Declaration] a single incoming message
// contributes; [Storage.AddPeerDeclaration] merges a Fragment into the
// stored Declaration on a first-writer-wins basis per field.
type Fragment = Declaration

// OrdinalEvent pairs an event with the ordinal it was received at,
// matching spec.md §3's PeerEventBuffer entries.
type OrdinalEvent struct {
	Ordinal   uint64
	IsTrigger bool
	Payload   []byte
}

// Resources is the per-key aggregation spec.md §3 describes: every
// peer's declared fields so far, and every candidate artifact collected
// via common rumors.
type Resources[A Artifact] struct {
	PeerDeclarations map[peer.ID]Declaration
	Artifacts        map[gcrypto.Hash]A
}

func newResources[A Artifact]() Resources[A] {
	return Resources[A]{
		PeerDeclarations: make(map[peer.ID]Declaration),
		Artifacts:        make(map[gcrypto.Hash]A),
	}
}

// LastKeyAndArtifact is the previous finalized epoch's result, threaded
// into facilitation as the basis for the next proposal (spec.md §3).
type LastKeyAndArtifact[K any, A Artifact] struct {
	Key      K
	Artifact gcrypto.Signed[A]
}

// State is spec.md §3's ConsensusState<Key, Artifact>: the per-key round
// record a [Storage] holds.
type State[K Key[K], A Artifact] struct {
	RoundKey K

	LastKeyAndArtifact LastKeyAndArtifact[K, A]

	// Facilitators is the sorted quorum for this round. Sorting is an
	// invariant relied on throughout component E for deterministic
	// signature ordering (spec.md §9).
	Facilitators []peer.ID

	Status Status[A]

	// Trigger is fixed at round creation: the reason this round started
	// (TriggerNone for an observed round), copied into Status.MajorityTrigger
	// once the round reaches StatusFinished.
	Trigger Trigger

	CreatedAt       time.Time
	StatusUpdatedAt time.Time
}

// IsFacilitator reports whether id is a member of s's facilitator set.
func (s *State[K, A]) IsFacilitator(id peer.ID) bool {
	for _, f := range s.Facilitators {
		if f == id {
			return true
		}
	}
	return false
}

// Registration records the first key at which a peer wishes to
// participate (spec.md §3's own_registration advertisement).
type Registration[K any] struct {
	Key   K
	Valid bool
}
