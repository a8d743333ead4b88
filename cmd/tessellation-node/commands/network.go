package commands

import (
	"net"
	"net/http"

	"github.com/ductridev/tessellation/peer"
)

// remoteIPIndex resolves an inbound HTTP request's peer.ID by matching its
// remote IP against the host portion of each configured peer's advertised
// address.
//
// Mutually-authenticated sessions (mTLS, a signed handshake) are the
// proper way to establish caller identity and are an external
// collaborator (spec.md §1); matching by source IP is a simplification
// suitable for the reference binary's trusted, statically-configured
// peer set, not for an adversarial network.
type remoteIPIndex struct {
	byIP map[string]peer.ID
}

func newRemoteIPIndex(peers []peerSpec) *remoteIPIndex {
	byIP := make(map[string]peer.ID, len(peers))
	for _, p := range peers {
		host, _, err := net.SplitHostPort(p.Address)
		if err != nil {
			host = p.Address
		}
		byIP[host] = p.ID
	}
	return &remoteIPIndex{byIP: byIP}
}

func (idx *remoteIPIndex) PeerFromRequest(req *http.Request) peer.ID {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	return idx.byIP[host]
}
