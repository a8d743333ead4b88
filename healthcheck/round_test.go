package healthcheck_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ductridev/tessellation/consensus/consensustest"
	"github.com/ductridev/tessellation/healthcheck"
	"github.com/ductridev/tessellation/peer"
)

type fixedDriver struct {
	decision healthcheck.Decision
	err      error

	gotKey      consensustest.Epoch
	gotOwn      healthcheck.Status[consensustest.Epoch]
	gotSelf     peer.ID
	gotReceived map[peer.ID]healthcheck.Status[consensustest.Epoch]
}

func (d *fixedDriver) CalculateConsensusOutcome(
	key consensustest.Epoch,
	own healthcheck.Status[consensustest.Epoch],
	self peer.ID,
	received map[peer.ID]healthcheck.Status[consensustest.Epoch],
) (healthcheck.Decision, error) {
	d.gotKey = key
	d.gotOwn = own
	d.gotSelf = self
	d.gotReceived = received
	return d.decision, d.err
}

func TestRoundReceiveProposalFirstWriterWins(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(3)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	ok := r.ReceiveProposal(ids[1], []healthcheck.RoundID{"r1"}, healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("first")})
	require.True(t, ok)

	again := r.ReceiveProposal(ids[1], []healthcheck.RoundID{"r2"}, healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("second")})
	require.False(t, again)

	require.Contains(t, r.RoundIDs(), healthcheck.RoundID("r1"))
	require.NotContains(t, r.RoundIDs(), healthcheck.RoundID("r2"))
}

func TestRoundReceiveProposalRejectsMismatchedKey(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(2)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	ok := r.ReceiveProposal(ids[1], nil, healthcheck.Status[consensustest.Epoch]{Key: 7})
	require.False(t, ok)
}

func TestRoundIsFinished(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(2)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	require.False(t, r.IsFinished())

	r.ReceiveProposal(ids[0], nil, healthcheck.Status[consensustest.Epoch]{Key: 6})
	require.False(t, r.IsFinished())

	r.ReceiveProposal(ids[1], nil, healthcheck.Status[consensustest.Epoch]{Key: 6})
	require.True(t, r.IsFinished())
}

func TestRoundManagePeersPrunesAbsentNonContributors(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(3)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	r.ReceiveProposal(ids[1], nil, healthcheck.Status[consensustest.Epoch]{Key: 6})

	// ids[2] never contributes and leaves the cluster; ids[1] contributed
	// and also leaves, but must be retained.
	r.ManagePeers([]peer.ID{ids[0]})

	peers := r.Peers()
	require.Contains(t, peers, ids[0])
	require.Contains(t, peers, ids[1])
	require.NotContains(t, peers, ids[2])
}

func TestRoundCalculateOutcomeFiltersToParticipants(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(3)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	r.ReceiveProposal(ids[0], nil, healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("self")})
	r.ReceiveProposal(ids[1], nil, healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("p1")})

	// ids[2] never submits and is pruned from the participant set before
	// the outcome is calculated, so it must not appear in received.
	r.ManagePeers([]peer.ID{ids[0], ids[1]})

	driver := &fixedDriver{decision: "done"}
	decision, err := r.CalculateOutcome(driver)
	require.NoError(t, err)
	require.Equal(t, "done", decision)
	require.Equal(t, consensustest.Epoch(6), driver.gotKey)
	require.Equal(t, ids[0], driver.gotSelf)
	require.Len(t, driver.gotReceived, 2)
	require.NotContains(t, driver.gotReceived, ids[2])
}

func TestRoundCalculateOutcomeFailsWithoutOwnStatus(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(2)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	r.ReceiveProposal(ids[1], nil, healthcheck.Status[consensustest.Epoch]{Key: 6})

	_, err := r.CalculateOutcome(&fixedDriver{})
	require.Error(t, err)
}

func TestRoundHandlePeerDeclaration(t *testing.T) {
	ids, _ := consensustest.DeterministicFacilitators(2)
	r := healthcheck.NewRound[consensustest.Epoch](ids[0], 6, ids)

	r.ReceiveProposal(ids[0], nil, healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("self")})

	resp := r.HandlePeerDeclaration(ids[1], healthcheck.PeerDeclarationRequest[consensustest.Epoch]{
		RoundIDs: []healthcheck.RoundID{"r1"},
		Status:   healthcheck.Status[consensustest.Epoch]{Key: 6, Payload: []byte("p1")},
	})

	require.NotNil(t, resp.Status)
	require.Equal(t, []byte("self"), resp.Status.Payload)
	require.True(t, r.IsFinished())
}
