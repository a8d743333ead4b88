package consensus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/consensus/consensustest"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

func readyPeersFrom(ids []peer.ID, registeredAt consensustest.Epoch) []consensus.ReadyPeer[consensustest.Epoch] {
	out := make([]consensus.ReadyPeer[consensustest.Epoch], len(ids))
	for i, id := range ids {
		out[i] = consensus.ReadyPeer[consensustest.Epoch]{ID: id, RegisteredAt: registeredAt}
	}
	return out
}

// TestThreeNodeSingleEpochConsensus drives spec.md §8 scenario 2 end to
// end through the pure ladder, without a manager or gossip daemon: three
// facilitators each locally run the same transitions against shared
// storage, applying each other's effects by hand.
func TestThreeNodeSingleEpochConsensus(t *testing.T) {
	ids, signers := consensustest.DeterministicFacilitators(3)
	codec := consensustest.Codec{}
	fns := consensustest.Functions{}
	now := time.Now()
	ctx := context.Background()

	last := consensus.LastKeyAndArtifact[consensustest.Epoch, consensustest.Artifact]{Key: 5}

	// All three nodes see P2 and P3 contributing one event each.
	events := map[peer.ID][]consensus.OrdinalEvent{
		ids[1]: {{Ordinal: 1, Payload: []byte("e_a")}},
		ids[2]: {{Ordinal: 1, Payload: []byte("e_b")}},
	}

	upperBound := consensus.Bound{ids[1]: 1, ids[2]: 1}
	readyPeers := readyPeersFrom(ids[1:], 0)

	// Step 1: each node facilitates with itself as self; resulting
	// facilitator sets must agree since all three are ready at key <= 6.
	self0, effect0, ok := tryFacilitate(t, ids[0], last, readyPeers, upperBound, now, codec)
	require.True(t, ok)
	require.Equal(t, consensus.StatusFacilitated, self0.Status.Kind)
	require.Len(t, self0.Facilitators, 3)

	resources := consensus.Resources[consensustest.Artifact]{
		PeerDeclarations: map[peer.ID]consensus.Declaration{},
		Artifacts:        map[gcrypto.Hash]consensustest.Artifact{},
	}
	applyEffectToResources(resources, ids[0], effect0)

	// Simulate every facilitator's own upper_bound declaration arriving.
	resources.PeerDeclarations[ids[1]] = consensus.Declaration{UpperBound: &upperBound}
	resources.PeerDeclarations[ids[2]] = consensus.Declaration{UpperBound: &upperBound}

	evs := newFakeEventSource(events)

	next, effect, changed, err := consensus.TryAdvanceConsensus(ctx, ids[0], self0, resources, fns, evs, signers[0], now, codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, consensus.StatusProposalMade, next.Status.Kind)
	applyEffectToResources(resources, ids[0], effect)

	wantArtifact := consensustest.Artifact{Events: [][]byte{[]byte("e_a"), []byte("e_b")}}
	require.Equal(t, wantArtifact, next.Status.ProposalArtifact)

	hash := next.Status.ProposalHash
	resources.PeerDeclarations[ids[1]] = consensus.Declaration{
		UpperBound: &upperBound,
		Proposal:   &hash,
	}
	resources.PeerDeclarations[ids[2]] = consensus.Declaration{
		UpperBound: &upperBound,
		Proposal:   &hash,
	}

	next, effect, changed, err = consensus.TryAdvanceConsensus(ctx, ids[0], next, resources, fns, evs, signers[0], now, codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, consensus.StatusMajoritySelected, next.Status.Kind)
	require.Equal(t, hash, next.Status.MajorityHash)
	applyEffectToResources(resources, ids[0], effect)

	sig1, err := signers[1].Sign(ctx, hash[:])
	require.NoError(t, err)
	sig2, err := signers[2].Sign(ctx, hash[:])
	require.NoError(t, err)
	resources.PeerDeclarations[ids[1]] = consensus.Declaration{UpperBound: &upperBound, Proposal: &hash, Signature: sig1}
	resources.PeerDeclarations[ids[2]] = consensus.Declaration{UpperBound: &upperBound, Proposal: &hash, Signature: sig2}

	next, effect, changed, err = consensus.TryAdvanceConsensus(ctx, ids[0], next, resources, fns, evs, signers[0], now, codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, consensus.StatusMajoritySigned, next.Status.Kind)
	require.Len(t, next.Status.SignedArtifact.Proofs, 3)

	sortedFacilitators := append([]peer.ID{}, ids...)
	peer.Sort(sortedFacilitators)
	for i, f := range sortedFacilitators {
		require.Equal(t, f, next.Status.SignedArtifact.Proofs[i].Signer)
	}
	_ = effect

	next, effect, changed, err = consensus.TryAdvanceConsensus(ctx, ids[0], next, resources, fns, evs, signers[0], now, codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, consensus.StatusFinished, next.Status.Kind)
	require.Equal(t, consensus.TriggerTime, next.Status.MajorityTrigger)
	require.Nil(t, effect.SelfDeclaration.UpperBound)
	require.Nil(t, effect.SelfDeclaration.Proposal)
	require.Nil(t, effect.SelfDeclaration.Signature)
	require.False(t, effect.HasArtifact)
	require.Empty(t, effect.Rumors)

	// Idempotence: re-running against unchanged resources is a no-op.
	again, _, changed, err := consensus.TryAdvanceConsensus(ctx, ids[0], next, resources, fns, evs, signers[0], now, codec)
	require.NoError(t, err)
	require.False(t, changed)
	require.Same(t, next, again)
}

func tryFacilitate(
	t *testing.T,
	self peer.ID,
	last consensus.LastKeyAndArtifact[consensustest.Epoch, consensustest.Artifact],
	readyPeers []consensus.ReadyPeer[consensustest.Epoch],
	upperBound consensus.Bound,
	now time.Time,
	codec consensustest.Codec,
) (*consensus.State[consensustest.Epoch, consensustest.Artifact], consensus.Effect[consensustest.Artifact], bool) {
	t.Helper()
	next, effect, ok := consensus.TryFacilitateConsensus[consensustest.Epoch, consensustest.Artifact](
		self, 6, last, nil, readyPeers, upperBound, consensus.TriggerTime, now, codec,
	)
	return next, effect, ok
}

func applyEffectToResources(
	resources consensus.Resources[consensustest.Artifact],
	self peer.ID,
	effect consensus.Effect[consensustest.Artifact],
) {
	if effect.SelfDeclaration.UpperBound != nil || effect.SelfDeclaration.Proposal != nil || effect.SelfDeclaration.Signature != nil {
		d := resources.PeerDeclarations[self]
		if effect.SelfDeclaration.UpperBound != nil {
			d.UpperBound = effect.SelfDeclaration.UpperBound
		}
		if effect.SelfDeclaration.Proposal != nil {
			d.Proposal = effect.SelfDeclaration.Proposal
		}
		if effect.SelfDeclaration.Signature != nil {
			d.Signature = effect.SelfDeclaration.Signature
		}
		resources.PeerDeclarations[self] = d
	}
	if effect.HasArtifact {
		resources.Artifacts[effect.SelfArtifactHash] = effect.SelfArtifact
	}
}

type fakeEventSource struct {
	events map[peer.ID][]consensus.OrdinalEvent
}

func newFakeEventSource(events map[peer.ID][]consensus.OrdinalEvent) *fakeEventSource {
	return &fakeEventSource{events: events}
}

func (f *fakeEventSource) PullEvents(bound consensus.Bound) map[peer.ID][]consensus.OrdinalEvent {
	out := make(map[peer.ID][]consensus.OrdinalEvent)
	for p, max := range bound {
		for _, ev := range f.events[p] {
			if ev.Ordinal <= max {
				out[p] = append(out[p], ev)
			}
		}
	}
	return out
}

func (f *fakeEventSource) AddEvents(events map[peer.ID][]consensus.OrdinalEvent) {
	// Re-buffered leftovers are not needed by these tests.
}

// TestProposalDivergenceTieBreak is spec.md §8 scenario 3: P1 and P3
// propose the same hash, P2 diverges; the majority must be the
// two-vote hash regardless of facilitator iteration order.
func TestProposalDivergenceTieBreak(t *testing.T) {
	ids, signers := consensustest.DeterministicFacilitators(3)
	codec := consensustest.Codec{}

	var hashAA, hashBB gcrypto.Hash
	hashAA[0] = 0xAA
	hashBB[0] = 0xBB

	state := &consensus.State[consensustest.Epoch, consensustest.Artifact]{
		RoundKey:     6,
		Facilitators: append([]peer.ID{}, ids...),
		Status:       consensus.Status[consensustest.Artifact]{Kind: consensus.StatusProposalMade, ProposalHash: hashAA},
		Trigger:      consensus.TriggerTime,
	}
	peer.Sort(state.Facilitators)

	resources := consensus.Resources[consensustest.Artifact]{
		PeerDeclarations: map[peer.ID]consensus.Declaration{
			ids[0]: {Proposal: &hashAA},
			ids[1]: {Proposal: &hashBB},
			ids[2]: {Proposal: &hashAA},
		},
		Artifacts: map[gcrypto.Hash]consensustest.Artifact{},
	}

	next, _, changed, err := consensus.TryAdvanceConsensus(context.Background(), ids[0], state, resources, consensustest.Functions{}, newFakeEventSource(nil), signers[0], time.Now(), codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, hashAA, next.Status.MajorityHash)
}

// TestMajorityTieResolution is spec.md §8 scenario 4: two facilitators
// propose 0xFF, two propose 0x01; the lexicographically smaller hash
// wins the tie.
func TestMajorityTieResolution(t *testing.T) {
	ids, signers := consensustest.DeterministicFacilitators(4)
	codec := consensustest.Codec{}

	var hashFF, hash01 gcrypto.Hash
	hashFF[0] = 0xFF
	hash01[0] = 0x01

	state := &consensus.State[consensustest.Epoch, consensustest.Artifact]{
		RoundKey:     6,
		Facilitators: append([]peer.ID{}, ids...),
		Status:       consensus.Status[consensustest.Artifact]{Kind: consensus.StatusProposalMade, ProposalHash: hashFF},
		Trigger:      consensus.TriggerTime,
	}
	peer.Sort(state.Facilitators)

	resources := consensus.Resources[consensustest.Artifact]{
		PeerDeclarations: map[peer.ID]consensus.Declaration{
			ids[0]: {Proposal: &hashFF},
			ids[1]: {Proposal: &hashFF},
			ids[2]: {Proposal: &hash01},
			ids[3]: {Proposal: &hash01},
		},
		Artifacts: map[gcrypto.Hash]consensustest.Artifact{},
	}

	next, _, changed, err := consensus.TryAdvanceConsensus(context.Background(), ids[0], state, resources, consensustest.Functions{}, newFakeEventSource(nil), signers[0], time.Now(), codec)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, hash01, next.Status.MajorityHash)
}

// TestObserverJoin is spec.md §8 scenario 6: an observer installs
// Facilitated state from an externally-known facilitator set and never
// emits a facility rumor of its own.
func TestObserverJoin(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(3)

	last := consensus.LastKeyAndArtifact[consensustest.Epoch, consensustest.Artifact]{Key: 5}

	next, changed := consensus.TryObserveConsensus[consensustest.Epoch, consensustest.Artifact](
		6, last, nil, ids, consensus.TriggerNone, time.Now(),
	)
	require.True(t, changed)
	require.Equal(t, consensus.StatusFacilitated, next.Status.Kind)
	require.Equal(t, consensus.TriggerNone, next.Trigger)

	again, changed := consensus.TryObserveConsensus[consensustest.Epoch, consensustest.Artifact](
		6, last, next, ids, consensus.TriggerNone, time.Now(),
	)
	require.False(t, changed)
	require.Same(t, next, again)
}

// TestNonFacilitatorNeverAdvancesLocally is spec.md §8's boundary case: a
// round whose facilitator set excludes self must never advance past
// Facilitated through TryAdvanceConsensus, no matter how complete the
// observed declarations look; the observer learns the outcome only
// through observeFinished's separate, gossip-driven path.
func TestNonFacilitatorNeverAdvancesLocally(t *testing.T) {
	ids, signers := consensustest.DeterministicFacilitators(4)
	codec := consensustest.Codec{}
	outsider := ids[3]

	facilitators := append([]peer.ID{}, ids[:3]...)
	peer.Sort(facilitators)

	upperBound := consensus.Bound{ids[0]: 1, ids[1]: 1, ids[2]: 1}

	state := &consensus.State[consensustest.Epoch, consensustest.Artifact]{
		RoundKey:     6,
		Facilitators: facilitators,
		Status:       consensus.Status[consensustest.Artifact]{Kind: consensus.StatusFacilitated},
		Trigger:      consensus.TriggerTime,
	}

	resources := consensus.Resources[consensustest.Artifact]{
		PeerDeclarations: map[peer.ID]consensus.Declaration{
			ids[0]: {UpperBound: &upperBound},
			ids[1]: {UpperBound: &upperBound},
			ids[2]: {UpperBound: &upperBound},
		},
		Artifacts: map[gcrypto.Hash]consensustest.Artifact{},
	}

	next, effect, changed, err := consensus.TryAdvanceConsensus(
		context.Background(), outsider, state, resources, consensustest.Functions{},
		newFakeEventSource(nil), signers[3], time.Now(), codec,
	)
	require.NoError(t, err)
	require.False(t, changed)
	require.Same(t, state, next)
	require.Equal(t, consensus.Effect[consensustest.Artifact]{}, effect)
}

// TestTryFacilitateConsensusNotApplicableOnceStateExists confirms
// try_facilitate_consensus's documented precondition.
func TestTryFacilitateConsensusNotApplicableOnceStateExists(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(2)
	codec := consensustest.Codec{}

	existing := &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 6}

	next, effect, changed := consensus.TryFacilitateConsensus[consensustest.Epoch, consensustest.Artifact](
		ids[0], 6, consensus.LastKeyAndArtifact[consensustest.Epoch, consensustest.Artifact]{Key: 5},
		existing, nil, nil, consensus.TriggerTime, time.Now(), codec,
	)
	require.False(t, changed)
	require.Same(t, existing, next)
	require.Equal(t, consensus.Effect[consensustest.Artifact]{}, effect)
}
