package consensus

import (
	"context"

	"github.com/ductridev/tessellation/peer"
)

// RegistrationExchangeRequest carries the initiator's own_registration
// (spec.md §6's `consensus/registration/exchange` endpoint).
type RegistrationExchangeRequest[K any] struct {
	MaybeKey *K
}

// RegistrationExchangeResponse answers with the responder's own
// own_registration.
type RegistrationExchangeResponse[K any] struct {
	MaybeKey *K
}

// RegistrationTransport is the pluggable RPC boundary the peer
// registration exchange background task (spec.md §4.F) drives. Transport
// selection is an external collaborator (spec.md §1); a reference HTTP
// binding lives in package consensus/httptransport.
type RegistrationTransport[K any] interface {
	// ExchangeRegistration sends this node's own_registration to target
	// and returns target's own_registration, or nil if target has not
	// registered yet.
	ExchangeRegistration(ctx context.Context, target peer.ID, ownRegistration *K) (*K, error)
}

// RegistrationReceiver is implemented by a [Manager] to serve the
// responder side of a registration exchange.
type RegistrationReceiver[K any] interface {
	HandleRegistrationExchange(ctx context.Context, from peer.ID, ownRegistration *K) *K
}

// ClusterView is the read-only view of the surrounding peer fleet a
// [Manager] needs: which peers are currently eligible as facilitators,
// and which ones are worth attempting a registration exchange with.
// Peer handshake/session management and membership tracking are external
// collaborators (spec.md §1); this module only consumes their result.
type ClusterView[K any] interface {
	// ReadyPeers returns every peer currently in the cluster's Ready
	// state, together with the consensus key each registered at.
	ReadyPeers() []ReadyPeer[K]

	// IsResponsive reports whether p is currently reachable, used to
	// gate registration-exchange attempts (spec.md §4.F: "if ... peer is
	// responsive, enqueue").
	IsResponsive(p peer.ID) bool
}

// Metrics is the pluggable observability boundary spec.md §7 names
// (`dag_consensus_duration`). Metrics backends are an external
// collaborator (spec.md §1); this interface is the hook a concrete
// Prometheus/OpenTelemetry wiring would implement.
type Metrics interface {
	ObserveConsensusDuration(d float64)
}
