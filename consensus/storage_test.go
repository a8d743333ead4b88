package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/consensus/consensustest"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

func TestStorageAddPeerDeclarationFirstWriterWins(t *testing.T) {
	s := consensus.NewStorage[consensustest.Epoch, consensustest.Artifact]()
	ids, _ := consensustest.DeterministicFacilitators(1)

	b1 := consensus.Bound{ids[0]: 1}
	b2 := consensus.Bound{ids[0]: 99}

	s.AddPeerDeclaration(6, ids[0], consensus.Fragment{UpperBound: &b1})
	s.AddPeerDeclaration(6, ids[0], consensus.Fragment{UpperBound: &b2})

	res := s.GetResources(6)
	require.Equal(t, b1, *res.PeerDeclarations[ids[0]].UpperBound)
}

func TestStorageCondModifyStateOptimisticConflict(t *testing.T) {
	s := consensus.NewStorage[consensustest.Epoch, consensustest.Artifact]()

	_, ok := s.CondModifyState(6, func(cur *consensus.State[consensustest.Epoch, consensustest.Artifact]) (*consensus.State[consensustest.Epoch, consensustest.Artifact], any, bool) {
		require.Nil(t, cur)
		return &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 6}, nil, true
	})
	require.True(t, ok)

	stale := s.GetState(6)

	// Someone else installs a different pointer in between.
	s.CondModifyState(6, func(cur *consensus.State[consensustest.Epoch, consensustest.Artifact]) (*consensus.State[consensustest.Epoch, consensustest.Artifact], any, bool) {
		return &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 6, Facilitators: []peer.ID{{1}}}, nil, true
	})

	_, installed := s.CondModifyState(6, func(cur *consensus.State[consensustest.Epoch, consensustest.Artifact]) (*consensus.State[consensustest.Epoch, consensustest.Artifact], any, bool) {
		if cur != stale {
			return cur, nil, false
		}
		return &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 6, Facilitators: []peer.ID{{2}}}, nil, true
	})
	require.False(t, installed)
	require.Equal(t, peer.ID{1}, s.GetState(6).Facilitators[0])
}

func TestStoragePullEventsRespectsBoundAndAddEventsRestoresLeftovers(t *testing.T) {
	s := consensus.NewStorage[consensustest.Epoch, consensustest.Artifact]()
	ids, _ := consensustest.DeterministicFacilitators(1)

	s.AddEvents(map[peer.ID][]consensus.OrdinalEvent{
		ids[0]: {
			{Ordinal: 1, Payload: []byte("a")},
			{Ordinal: 2, Payload: []byte("b")},
			{Ordinal: 3, Payload: []byte("c")},
		},
	})

	pulled := s.PullEvents(consensus.Bound{ids[0]: 2})
	require.Len(t, pulled[ids[0]], 2)
	require.Equal(t, uint64(1), pulled[ids[0]][0].Ordinal)
	require.Equal(t, uint64(2), pulled[ids[0]][1].Ordinal)

	// Ordinal 3 is still buffered, untouched by the bound.
	upper := s.GetUpperBound()
	require.Equal(t, uint64(3), upper[ids[0]])

	// Simulate re-buffering one unconsumed pulled event.
	s.AddEvents(map[peer.ID][]consensus.OrdinalEvent{ids[0]: {pulled[ids[0]][1]}})

	again := s.PullEvents(consensus.Bound{ids[0]: 2})
	require.Len(t, again[ids[0]], 1)
	require.Equal(t, uint64(2), again[ids[0]][0].Ordinal)
}

func TestStorageTryUpdateLastKeyAndArtifactWithCleanupEvictsOldRounds(t *testing.T) {
	s := consensus.NewStorage[consensustest.Epoch, consensustest.Artifact]()
	s.SetLastKeyAndArtifact(5, gcrypto.Signed[consensustest.Artifact]{})

	s.CondModifyState(5, func(cur *consensus.State[consensustest.Epoch, consensustest.Artifact]) (*consensus.State[consensustest.Epoch, consensustest.Artifact], any, bool) {
		return &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 5}, nil, true
	})
	s.CondModifyState(6, func(cur *consensus.State[consensustest.Epoch, consensustest.Artifact]) (*consensus.State[consensustest.Epoch, consensustest.Artifact], any, bool) {
		return &consensus.State[consensustest.Epoch, consensustest.Artifact]{RoundKey: 6}, nil, true
	})

	require.False(t, s.TryUpdateLastKeyAndArtifactWithCleanup(4, 6, gcrypto.Signed[consensustest.Artifact]{}))

	// Cleanup evicts rounds at or below the previous last key (5); the
	// round that just finished (6) stays.
	require.True(t, s.TryUpdateLastKeyAndArtifactWithCleanup(5, 6, gcrypto.Signed[consensustest.Artifact]{}))
	require.Nil(t, s.GetState(5))
	require.NotNil(t, s.GetState(6))

	last, ok := s.GetLastKeyAndArtifact()
	require.True(t, ok)
	require.Equal(t, consensustest.Epoch(6), last.Key)
}

func TestStorageRegisterPeerMonotonic(t *testing.T) {
	s := consensus.NewStorage[consensustest.Epoch, consensustest.Artifact]()
	ids, _ := consensustest.DeterministicFacilitators(1)

	require.True(t, s.RegisterPeer(ids[0], 3))
	require.False(t, s.RegisterPeer(ids[0], 2))

	key, ok := s.PeerRegisteredAt(ids[0])
	require.True(t, ok)
	require.Equal(t, consensustest.Epoch(3), key)
}
