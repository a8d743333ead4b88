package commands

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gblsminsig"
	"github.com/ductridev/tessellation/peer"
)

// signatureScheme selects the gcrypto.PubKey/Signer concrete type this
// node and its configured peers use. A cluster is homogeneous: every
// member signs with the same scheme, so this selects both the local
// signer (loadOrGenerateSigner) and how --peer/--join keys decode.
type signatureScheme string

const (
	schemeEd25519 signatureScheme = "ed25519"
	schemeBLS     signatureScheme = "bls-minsig"
)

func parsePubKeyHex(scheme signatureScheme, b []byte) (gcrypto.PubKey, error) {
	switch scheme {
	case schemeBLS:
		return gblsminsig.NewPubKey(b)
	case schemeEd25519, "":
		return gcrypto.NewEd25519PubKey(b)
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

// peerSpec is one --peer flag value: "<hex pubkey>@<gossip addr>", decoded
// according to the binary's configured --scheme.
type peerSpec struct {
	ID      peer.ID
	PubKey  gcrypto.PubKey
	Address string
}

// parsePeerSpecs parses the --peer flag's repeated "pubkey@addr" values.
func parsePeerSpecs(scheme signatureScheme, raw []string) ([]peerSpec, error) {
	out := make([]peerSpec, 0, len(raw))
	for _, r := range raw {
		at := strings.LastIndex(r, "@")
		if at < 0 {
			return nil, fmt.Errorf("invalid --peer %q: expected <pubkey-hex>@<addr>", r)
		}

		pubHex, addr := r[:at], r[at+1:]
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("invalid --peer %q: %w", r, err)
		}

		key, err := parsePubKeyHex(scheme, pub)
		if err != nil {
			return nil, fmt.Errorf("invalid --peer %q: %w", r, err)
		}

		out = append(out, peerSpec{
			ID:      peer.IDFromPubKey(key),
			PubKey:  key,
			Address: addr,
		})
	}
	return out, nil
}

// staticKeyLookup resolves configured peers' public keys for signature
// verification; it never changes after startup. Peer key rotation is an
// external collaborator (spec.md §1).
type staticKeyLookup map[peer.ID]gcrypto.PubKey

func newStaticKeyLookup(self peer.ID, selfPub gcrypto.PubKey, peers []peerSpec) staticKeyLookup {
	m := make(staticKeyLookup, len(peers)+1)
	m[self] = selfPub
	for _, p := range peers {
		m[p.ID] = p.PubKey
	}
	return m
}

func (m staticKeyLookup) PubKey(id peer.ID) (gcrypto.PubKey, bool) {
	pk, ok := m[id]
	return pk, ok
}

// staticCluster is a fixed-membership consensus.ClusterView built from the
// --peer flags: every configured peer is treated as Ready from epoch 0.
// Dynamic membership and liveness tracking are external collaborators
// (spec.md §1); this is the minimal view needed to bootstrap a
// single-genesis demo cluster.
type staticCluster struct {
	ready      []consensus.ReadyPeer[epoch]
	responsive map[peer.ID]struct{}
}

func newStaticCluster(peers []peerSpec) *staticCluster {
	ready := make([]consensus.ReadyPeer[epoch], 0, len(peers))
	responsive := make(map[peer.ID]struct{}, len(peers))
	for _, p := range peers {
		ready = append(ready, consensus.ReadyPeer[epoch]{ID: p.ID, RegisteredAt: 0})
		responsive[p.ID] = struct{}{}
	}
	return &staticCluster{ready: ready, responsive: responsive}
}

func (c *staticCluster) ReadyPeers() []consensus.ReadyPeer[epoch] {
	return c.ready
}

func (c *staticCluster) IsResponsive(p peer.ID) bool {
	_, ok := c.responsive[p]
	return ok
}
