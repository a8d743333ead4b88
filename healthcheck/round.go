// Package healthcheck implements spec component G: per-round aggregation
// of peer-submitted health-check proposals, with pruning against the live
// cluster roster and a pluggable outcome-selection boundary.
//
// A Round's bookkeeping mirrors the first-writer-wins, coarse-mutex shape
// used throughout this module (see consensus.Storage.AddPeerDeclaration
// and rumor.Storage): a single lock guards a handful of small maps, since
// a health-check round's participant count is bounded by the cluster
// size, not by any unbounded input.
package healthcheck

import (
	"fmt"
	"sync"

	"github.com/ductridev/tessellation/peer"
)

// RoundID identifies one attempt at a health-check round. A single
// [Round] may accumulate proposals tagged with several RoundIDs across
// retries before it finishes.
type RoundID string

// Status is one peer's health-check proposal: the consensus key it
// believes is authoritative, plus whatever opaque status payload the
// caller's health semantics define.
type Status[K any] struct {
	Key     K
	Payload []byte
}

// Decision is the opaque outcome an [OutcomeDriver] produces. Its shape
// is a policy decision this package deliberately does not make (spec.md
// §9: "the outcome-selection policy for health checks is underspecified.
// Do NOT guess; treat as a separate design item").
type Decision = any

// OutcomeDriver is the pluggable boundary calculate_consensus_outcome
// names. This package supplies no default implementation; callers must
// bring their own policy.
type OutcomeDriver[K any] interface {
	CalculateConsensusOutcome(key K, ownStatus Status[K], self peer.ID, received map[peer.ID]Status[K]) (Decision, error)
}

// PeerDeclarationRequest is the request shape of spec.md §6's
// `healthcheck/peer-declaration` RPC.
type PeerDeclarationRequest[K any] struct {
	RoundIDs []RoundID
	Status   Status[K]
}

// PeerDeclarationResponse answers with the responder's own status for
// this round, or a nil Status if it has none recorded yet.
type PeerDeclarationResponse[K any] struct {
	Status *Status[K]
}

// Round is spec.md §4.G's per-(peer_id, round_id) subject: the set of
// proposals collected toward one health-check decision.
type Round[K comparable] struct {
	mu sync.Mutex

	self peer.ID
	key  K

	peers     map[peer.ID]struct{}
	roundIDs  map[RoundID]struct{}
	proposals map[peer.ID]Status[K]
}

// NewRound opens a health-check round for key, seeded with the
// participants expected to submit (typically the current facilitator or
// cluster set at round start).
func NewRound[K comparable](self peer.ID, key K, initialPeers []peer.ID) *Round[K] {
	peers := make(map[peer.ID]struct{}, len(initialPeers))
	for _, p := range initialPeers {
		peers[p] = struct{}{}
	}

	return &Round[K]{
		self:      self,
		key:       key,
		peers:     peers,
		roundIDs:  make(map[RoundID]struct{}),
		proposals: make(map[peer.ID]Status[K]),
	}
}

// ReceiveProposal records owner's proposal if owner has not already
// submitted one for this round's key and owner is absent from proposals
// (spec.md §4.G: "insert iff owner absent"). On first insert, every
// round id in roundIDs is merged into the round's accumulated set and
// owner joins the participant set. Returns whether the proposal was
// inserted.
func (r *Round[K]) ReceiveProposal(owner peer.ID, roundIDs []RoundID, status Status[K]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status.Key != r.key {
		return false
	}
	if _, ok := r.proposals[owner]; ok {
		return false
	}

	r.proposals[owner] = status
	r.peers[owner] = struct{}{}
	for _, rid := range roundIDs {
		r.roundIDs[rid] = struct{}{}
	}

	return true
}

// HandlePeerDeclaration implements the responder side of
// `healthcheck/peer-declaration`: record the initiator's proposal, then
// answer with this node's own.
func (r *Round[K]) HandlePeerDeclaration(from peer.ID, req PeerDeclarationRequest[K]) PeerDeclarationResponse[K] {
	r.ReceiveProposal(from, req.RoundIDs, req.Status)

	r.mu.Lock()
	own, ok := r.proposals[r.self]
	r.mu.Unlock()

	if !ok {
		return PeerDeclarationResponse[K]{}
	}
	return PeerDeclarationResponse[K]{Status: &own}
}

// ManagePeers prunes participants who are absent from
// currentClusterPeers AND have not submitted a proposal; participants
// that have submitted are retained regardless of current cluster
// membership, so a peer that contributed before leaving still counts
// toward the outcome.
func (r *Round[K]) ManagePeers(currentClusterPeers []peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inCluster := make(map[peer.ID]struct{}, len(currentClusterPeers))
	for _, p := range currentClusterPeers {
		inCluster[p] = struct{}{}
	}

	for p := range r.peers {
		if _, stillInCluster := inCluster[p]; stillInCluster {
			continue
		}
		if _, submitted := r.proposals[p]; submitted {
			continue
		}
		delete(r.peers, p)
	}
}

// IsFinished reports whether every current participant has submitted a
// proposal.
func (r *Round[K]) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := range r.peers {
		if _, ok := r.proposals[p]; !ok {
			return false
		}
	}
	return true
}

// Peers returns a snapshot of the current participant set.
func (r *Round[K]) Peers() []peer.ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]peer.ID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// RoundIDs returns a snapshot of every round id merged into this round so
// far.
func (r *Round[K]) RoundIDs() []RoundID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoundID, 0, len(r.roundIDs))
	for rid := range r.roundIDs {
		out = append(out, rid)
	}
	return out
}

// CalculateOutcome filters the collected proposals down to the current
// participant set and delegates to driver, per spec.md §4.G.
func (r *Round[K]) CalculateOutcome(driver OutcomeDriver[K]) (Decision, error) {
	r.mu.Lock()
	own, hasOwn := r.proposals[r.self]
	received := make(map[peer.ID]Status[K], len(r.peers))
	for p := range r.peers {
		if s, ok := r.proposals[p]; ok {
			received[p] = s
		}
	}
	r.mu.Unlock()

	if !hasOwn {
		return nil, fmt.Errorf("healthcheck: no own status recorded for round %v", r.key)
	}

	return driver.CalculateConsensusOutcome(r.key, own, r.self, received)
}
