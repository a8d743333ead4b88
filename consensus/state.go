package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Functions is the pluggable boundary spec.md §9 calls ConsensusFunctions:
// the ledger/block-application logic this core treats as an external
// collaborator (spec.md §1), reached only through these two calls.
type Functions[K any, A Artifact] interface {
	// CreateProposalArtifact builds the next proposal artifact from the
	// previous finalized (key, artifact) and the events pulled up to the
	// round's upper bound. It returns the artifact and, per peer, the
	// ordinals it actually consumed; ordinals not returned are re-buffered
	// by the caller (spec.md §4.E step 1).
	CreateProposalArtifact(ctx context.Context, last LastKeyAndArtifact[K, A], events map[peer.ID][]OrdinalEvent) (artifact A, consumed map[peer.ID][]uint64, err error)

	// ConsumeSignedMajorityArtifact is called with the fully-signed
	// majority artifact for a key, while computing the
	// MajoritySelected→MajoritySigned step. The call happens before the
	// manager's CondModifyState installs the new state, so a pump that
	// loses that race recomputes the step and calls it again: the same
	// key can be consumed more than once, and implementations SHOULD make
	// this idempotent (spec.md §9 open question).
	ConsumeSignedMajorityArtifact(ctx context.Context, key K, signed gcrypto.Signed[A]) error
}

// EventSource is the narrow slice of [Storage]'s event-buffer operations
// the state updater needs, so it can be exercised against a fake in
// tests without pulling in the rest of Storage's surface.
type EventSource interface {
	PullEvents(bound Bound) map[peer.ID][]OrdinalEvent
	AddEvents(events map[peer.ID][]OrdinalEvent)
}

// Signer signs this node's own declarations (majority signature). It is
// the same local, synchronous capability as [gcrypto.Signer]; advancing
// consensus never blocks on network I/O, only on this and on Functions.
type Signer interface {
	PubKey() gcrypto.PubKey
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// OutboundRumor is one message an [Effect] asks the caller to gossip.
// Common is true for a CommonRumor (no origin constraint, used for
// candidate and finalized artifacts); otherwise it is a PeerRumor this
// node must sign as its own origin.
type OutboundRumor struct {
	ContentType string
	Payload     []byte
	Common      bool
}

// Effect is spec.md §9's "(NewState, effect)" pair: the side effects a
// transition asks the caller to perform. SelfDeclaration, when non-zero,
// is this node's own contribution to Resources for the same fields it is
// about to broadcast — callers must apply it via
// [Storage.AddPeerDeclaration] before (or atomically with) emitting
// Rumors, so a facilitator's own declaration counts toward quorum without
// waiting for its own gossip round to loop back.
type Effect[A Artifact] struct {
	SelfDeclaration Fragment

	// SelfArtifact, when HasArtifact is true, is a candidate artifact this
	// node should record locally via Storage.AddArtifact before or
	// alongside broadcasting it.
	SelfArtifact     A
	SelfArtifactHash gcrypto.Hash
	HasArtifact      bool

	Rumors []OutboundRumor
}

func (e Effect[A]) isZero() bool {
	return e.SelfDeclaration.UpperBound == nil && e.SelfDeclaration.Proposal == nil &&
		e.SelfDeclaration.Signature == nil && !e.HasArtifact && len(e.Rumors) == 0
}

// TryFacilitateConsensus is spec.md §4.E's try_facilitate_consensus: it
// is applicable only when no state exists yet for key (current == nil).
// self is unconditionally a facilitator; readyPeers contributes every
// other peer whose RegisteredAt is at or before key.
func TryFacilitateConsensus[K Key[K], A Artifact](
	self peer.ID,
	key K,
	last LastKeyAndArtifact[K, A],
	current *State[K, A],
	readyPeers []ReadyPeer[K],
	upperBound Bound,
	trigger Trigger,
	now time.Time,
	codec Codec[K, A],
) (*State[K, A], Effect[A], bool) {
	if current != nil {
		return current, Effect[A]{}, false
	}

	facilitators := []peer.ID{self}
	for _, rp := range readyPeers {
		if rp.ID == self {
			continue
		}
		if rp.RegisteredAt.Compare(key) <= 0 {
			facilitators = append(facilitators, rp.ID)
		}
	}
	peer.Sort(facilitators)

	next := &State[K, A]{
		RoundKey:           key,
		LastKeyAndArtifact: last,
		Facilitators:       facilitators,
		Status:             Status[A]{Kind: StatusFacilitated},
		Trigger:            trigger,
		CreatedAt:          now,
		StatusUpdatedAt:    now,
	}

	payload := encodeFacility(codec, key, upperBound)
	effect := Effect[A]{
		SelfDeclaration: Fragment{UpperBound: &upperBound},
		Rumors: []OutboundRumor{
			{ContentType: ContentTypeFacility, Payload: payload},
		},
	}

	return next, effect, true
}

// ReadyPeer is one entry of the current peer set's Ready members,
// together with the key at which it registered (spec.md §4.E).
type ReadyPeer[K any] struct {
	ID           peer.ID
	RegisteredAt K
}

// TryObserveConsensus is spec.md §4.E's try_observe_consensus: a joining
// or observing node installs a round's state from what it has learned
// about an existing round, without proposing anything itself. facilitators
// is the quorum as computed from the observer's own view of the peer set
// (spec.md §8 scenario 6: the observer "does not emit own facility rumor").
func TryObserveConsensus[K Key[K], A Artifact](
	key K,
	last LastKeyAndArtifact[K, A],
	current *State[K, A],
	facilitators []peer.ID,
	trigger Trigger,
	now time.Time,
) (*State[K, A], bool) {
	if current != nil {
		return current, false
	}

	sorted := append([]peer.ID(nil), facilitators...)
	peer.Sort(sorted)

	return &State[K, A]{
		RoundKey:           key,
		LastKeyAndArtifact: last,
		Facilitators:       sorted,
		Status:             Status[A]{Kind: StatusFacilitated},
		Trigger:            trigger,
		CreatedAt:          now,
		StatusUpdatedAt:    now,
	}, true
}

// TryAdvanceConsensus runs spec.md §4.E's monotonic ladder once: it
// attempts exactly one step (Facilitated→ProposalMade,
// ProposalMade→MajoritySelected, MajoritySelected→MajoritySigned, or the
// unconditional MajoritySigned→Finished lift) and reports whether a
// transition occurred. Re-running with unchanged resources after a step
// has already been taken is a no-op, satisfying spec.md §4.E's
// idempotence requirement; callers pump this in a loop (spec.md §4.F's
// check_for_state_update) until it returns changed=false.
//
// self must be a member of current.Facilitators or this is a permanent
// no-op (spec.md §8 scenario 6): a node observing a round it was not
// installed as a facilitator for never advances it locally, regardless
// of how complete the declarations look.
func TryAdvanceConsensus[K Key[K], A Artifact](
	ctx context.Context,
	self peer.ID,
	current *State[K, A],
	resources Resources[A],
	fns Functions[K, A],
	events EventSource,
	signer Signer,
	now time.Time,
	codec Codec[K, A],
) (*State[K, A], Effect[A], bool, error) {
	if current == nil {
		return nil, Effect[A]{}, false, nil
	}

	if !isFacilitator(self, current.Facilitators) {
		// spec.md §8 scenario 6: a round whose facilitator set excludes
		// self is installed by TryObserveConsensus and never advances
		// past Facilitated through this ladder; the observer reaches
		// Finished only via observeFinished, driven by the facilitators'
		// own ArtifactSigned common rumor.
		return current, Effect[A]{}, false, nil
	}

	switch current.Status.Kind {
	case StatusFacilitated:
		return advanceFacilitated(ctx, current, resources, fns, events, now, codec)

	case StatusProposalMade:
		return advanceProposalMade(current, resources, signer, ctx, now, codec)

	case StatusMajoritySelected:
		return advanceMajoritySelected(ctx, current, resources, fns, now, codec)

	case StatusMajoritySigned:
		next := shallowCopy(current)
		next.Status.Kind = StatusFinished
		next.Status.MajorityTrigger = current.Trigger
		next.StatusUpdatedAt = now
		return next, Effect[A]{}, true, nil

	default:
		// StatusFinished is terminal; any other value is a logic error
		// (spec.md §7 category 4) and is treated as a no-op this tick.
		return current, Effect[A]{}, false, nil
	}
}

func advanceFacilitated[K Key[K], A Artifact](
	ctx context.Context,
	current *State[K, A],
	resources Resources[A],
	fns Functions[K, A],
	events EventSource,
	now time.Time,
	codec Codec[K, A],
) (*State[K, A], Effect[A], bool, error) {
	if !allDeclared(current.Facilitators, resources, hasUpperBound) {
		return current, Effect[A]{}, false, nil
	}

	var bound Bound
	for _, f := range current.Facilitators {
		bound = bound.Max(*resources.PeerDeclarations[f].UpperBound)
	}

	pulled := events.PullEvents(bound)

	artifact, consumed, err := fns.CreateProposalArtifact(ctx, current.LastKeyAndArtifact, pulled)
	if err != nil {
		return current, Effect[A]{}, false, fmt.Errorf("consensus: create proposal artifact: %w", err)
	}

	reBuffer := make(map[peer.ID][]OrdinalEvent)
	for p, evs := range pulled {
		consumedSet := make(map[uint64]struct{}, len(consumed[p]))
		for _, ord := range consumed[p] {
			consumedSet[ord] = struct{}{}
		}
		for _, ev := range evs {
			if _, ok := consumedSet[ev.Ordinal]; !ok {
				reBuffer[p] = append(reBuffer[p], ev)
			}
		}
	}
	events.AddEvents(reBuffer)

	hash := gcrypto.SumHash(artifact.CanonicalBytes())

	next := shallowCopy(current)
	next.Status = Status[A]{Kind: StatusProposalMade, ProposalHash: hash, ProposalArtifact: artifact}
	next.StatusUpdatedAt = now

	effect := Effect[A]{
		SelfDeclaration: Fragment{Proposal: &hash},
		SelfArtifact:     artifact,
		SelfArtifactHash: hash,
		HasArtifact:      true,
		Rumors: []OutboundRumor{
			{ContentType: ContentTypeProposal, Payload: encodeProposal(codec, current.RoundKey, hash)},
			{ContentType: ContentTypeArtifactCandidate, Payload: encodeArtifactCandidate(codec, current.RoundKey, hash, artifact), Common: true},
		},
	}

	return next, effect, true, nil
}

func advanceProposalMade[K Key[K], A Artifact](
	current *State[K, A],
	resources Resources[A],
	signer Signer,
	ctx context.Context,
	now time.Time,
	codec Codec[K, A],
) (*State[K, A], Effect[A], bool, error) {
	if !allDeclared(current.Facilitators, resources, hasProposal) {
		return current, Effect[A]{}, false, nil
	}

	counts := make(map[gcrypto.Hash]int)
	for _, f := range current.Facilitators {
		counts[*resources.PeerDeclarations[f].Proposal]++
	}

	majority := selectMajority(counts)

	var sig []byte
	if signer != nil {
		s, err := signer.Sign(ctx, majority[:])
		if err != nil {
			return current, Effect[A]{}, false, fmt.Errorf("consensus: sign majority hash: %w", err)
		}
		sig = s
	}

	next := shallowCopy(current)
	next.Status.Kind = StatusMajoritySelected
	next.Status.MajorityHash = majority
	next.StatusUpdatedAt = now

	rumors := []OutboundRumor{
		{ContentType: ContentTypeMajoritySignature, Payload: encodeMajoritySignature(codec, current.RoundKey, sig)},
	}

	// If the majority is our own proposal, we are the canonical source
	// for its artifact content; re-broadcast it so any facilitator that
	// missed the original common rumor still receives it (spec.md §4.E
	// step 2).
	if majority == current.Status.ProposalHash {
		rumors = append(rumors, OutboundRumor{
			ContentType: ContentTypeArtifactCandidate,
			Payload:     encodeArtifactCandidate(codec, current.RoundKey, majority, current.Status.ProposalArtifact),
			Common:      true,
		})
	}

	effect := Effect[A]{
		SelfDeclaration: Fragment{Signature: sig},
		Rumors:          rumors,
	}

	return next, effect, true, nil
}

func advanceMajoritySelected[K Key[K], A Artifact](
	ctx context.Context,
	current *State[K, A],
	resources Resources[A],
	fns Functions[K, A],
	now time.Time,
	codec Codec[K, A],
) (*State[K, A], Effect[A], bool, error) {
	artifact, haveArtifact := resources.Artifacts[current.Status.MajorityHash]
	if !haveArtifact {
		return current, Effect[A]{}, false, nil
	}

	if !allDeclared(current.Facilitators, resources, hasSignature) {
		return current, Effect[A]{}, false, nil
	}

	proofs := make([]gcrypto.Proof, 0, len(current.Facilitators))
	for _, f := range current.Facilitators {
		proofs = append(proofs, gcrypto.Proof{Signer: f, Signature: resources.PeerDeclarations[f].Signature})
	}

	signed := gcrypto.Signed[A]{Value: artifact, Proofs: proofs}

	if err := fns.ConsumeSignedMajorityArtifact(ctx, current.RoundKey, signed); err != nil {
		return current, Effect[A]{}, false, fmt.Errorf("consensus: consume signed majority artifact: %w", err)
	}

	next := shallowCopy(current)
	next.Status.Kind = StatusMajoritySigned
	next.Status.SignedArtifact = signed
	next.StatusUpdatedAt = now

	effect := Effect[A]{
		Rumors: []OutboundRumor{
			{ContentType: ContentTypeArtifactSigned, Payload: encodeArtifactSigned(codec, current.RoundKey, signed), Common: true},
		},
	}

	return next, effect, true, nil
}

// selectMajority picks the hash with the highest declared count, with
// ties broken by the lexicographically smallest hash (spec.md §4.E
// "Majority tie-break"), so every facilitator computing this over the
// same {(peer, hash)} input set agrees (spec.md §8).
func selectMajority(counts map[gcrypto.Hash]int) gcrypto.Hash {
	var best gcrypto.Hash
	bestCount := -1
	first := true

	for h, c := range counts {
		if first || c > bestCount || (c == bestCount && h.Compare(best) < 0) {
			best, bestCount, first = h, c, false
		}
	}

	return best
}

func shallowCopy[K Key[K], A Artifact](s *State[K, A]) *State[K, A] {
	cp := *s
	cp.Facilitators = append([]peer.ID(nil), s.Facilitators...)
	return &cp
}
