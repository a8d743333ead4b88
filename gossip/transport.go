// Package gossip implements the epidemic pull-then-push rumor
// dissemination daemon (spec component C): a consumer task that drains
// and validates inbound rumor batches, and a spreader task that runs
// periodic fanout rounds against a sample of the current peer set.
package gossip

import (
	"context"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
)

// StartGossipRoundRequest is the initiator's opening offer: the hashes it
// currently holds active.
type StartGossipRoundRequest struct {
	Offer []gcrypto.Hash
}

// StartGossipRoundResponse answers an offer with the responder's own
// active hashes and the subset of the initiator's offer the responder
// wants.
type StartGossipRoundResponse struct {
	Offer   []gcrypto.Hash
	Inquiry []gcrypto.Hash
}

// EndGossipRoundRequest carries the content the initiator owes the
// responder (Answer) and a renewed request for content the initiator
// still wants (Inquiry).
type EndGossipRoundRequest struct {
	Answer  rumor.Batch
	Inquiry []gcrypto.Hash
}

// EndGossipRoundResponse carries the content the responder owed in
// return for Inquiry.
type EndGossipRoundResponse struct {
	Answer rumor.Batch
}

// Transport is the pluggable peer-to-peer RPC boundary a [Daemon] drives
// its gossip rounds through. Implementations (see httptransport and p2p)
// carry StartGossipRound/EndGossipRound over a concrete wire protocol;
// this module treats transport selection as an external collaborator
// (spec.md §1).
type Transport interface {
	// Peers returns the current peer set eligible for fanout. The slice
	// is a snapshot; the transport is free to change membership between
	// calls.
	Peers() []peer.ID

	// StartGossipRound sends req to target and returns its response, or
	// an error if target is unreachable or the round times out. A
	// timeout or network error aborts only this peer's round; callers
	// must not retry within the same spreader tick.
	StartGossipRound(ctx context.Context, target peer.ID, req StartGossipRoundRequest) (StartGossipRoundResponse, error)

	// EndGossipRound completes a round initiated with StartGossipRound.
	EndGossipRound(ctx context.Context, target peer.ID, req EndGossipRoundRequest) (EndGossipRoundResponse, error)
}

// RoundReceiver is implemented by a [Daemon] to serve the responder side
// of gossip rounds. A Transport's inbound HTTP/libp2p handler calls these
// methods when another peer initiates a round against this node.
type RoundReceiver interface {
	// HandleStart answers an inbound StartGossipRoundRequest: our active
	// hashes, plus the subset of the initiator's offer we want.
	HandleStart(ctx context.Context, from peer.ID, req StartGossipRoundRequest) StartGossipRoundResponse

	// HandleEnd validates and enqueues req.Answer, then returns the
	// content req.Inquiry asked for.
	HandleEnd(ctx context.Context, from peer.ID, req EndGossipRoundRequest) EndGossipRoundResponse
}
