// Package gossiptest provides an in-memory [gossip.Transport] and a
// small network fixture for exercising the gossip daemon without real
// network I/O, in the same spirit as the teacher's daisy-chain gossip
// test network but wired against this module's rumor storage instead.
package gossiptest

import (
	"context"
	"fmt"
	"log/slog"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gossip"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
)

// Node is one member of a [Network]: a readable petname, its PeerId, its
// rumor storage, and the daemon driving it.
type Node struct {
	Name    string
	ID      peer.ID
	Storage *rumor.Storage
	Daemon  *gossip.Daemon

	transport *inmemTransport
}

// Network wires N [Node]s together through in-process transports: every
// node can reach every other node, with no real sockets involved.
type Network struct {
	Nodes []*Node
}

// New builds a fully-connected in-memory network of n nodes. signers
// supplies each node's identity (len(signers) must equal n); handler is
// installed on every node's daemon.
func New(
	ctx context.Context,
	log *slog.Logger,
	n int,
	signers []gcrypto.Signer,
	cfg gossip.Config,
	handler gossip.Handler,
) (*Network, error) {
	if len(signers) != n {
		return nil, fmt.Errorf("gossiptest: need %d signers, got %d", n, len(signers))
	}

	net := &Network{Nodes: make([]*Node, n)}
	registry := make(map[peer.ID]*inmemTransport, n)

	keys := make(keyLookup, n)

	for i := 0; i < n; i++ {
		id := peer.IDFromPubKey(signers[i].PubKey())
		keys[id] = signers[i].PubKey()

		storage := rumor.NewStorage(0, 0)
		tr := &inmemTransport{self: id, registry: registry}
		registry[id] = tr

		name := petname.Generate(2, "-")
		d := gossip.New(log.With("node", name), id, cfg, storage, tr, keys, rumor.Whitelist{}, handler)
		tr.daemon = d

		net.Nodes[i] = &Node{
			Name:      name,
			ID:        id,
			Storage:   storage,
			Daemon:    d,
			transport: tr,
		}
	}

	for _, node := range net.Nodes {
		go node.Daemon.Run(ctx)
	}

	return net, nil
}

// Close stops every node's rumor storage sweep goroutine.
func (n *Network) Close() {
	for _, node := range n.Nodes {
		node.Storage.Close()
	}
}

type keyLookup map[peer.ID]gcrypto.PubKey

func (k keyLookup) PubKey(id peer.ID) (gcrypto.PubKey, bool) {
	pub, ok := k[id]
	return pub, ok
}

// inmemTransport implements [gossip.Transport] by directly invoking the
// target daemon's handlers, skipping serialization entirely.
type inmemTransport struct {
	self     peer.ID
	registry map[peer.ID]*inmemTransport
	daemon   *gossip.Daemon
}

func (t *inmemTransport) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(t.registry))
	for id := range t.registry {
		if id != t.self {
			out = append(out, id)
		}
	}
	return out
}

func (t *inmemTransport) StartGossipRound(ctx context.Context, target peer.ID, req gossip.StartGossipRoundRequest) (gossip.StartGossipRoundResponse, error) {
	peerTransport, ok := t.registry[target]
	if !ok {
		return gossip.StartGossipRoundResponse{}, fmt.Errorf("gossiptest: unknown peer %s", target)
	}
	return peerTransport.daemon.HandleStart(ctx, t.self, req), nil
}

func (t *inmemTransport) EndGossipRound(ctx context.Context, target peer.ID, req gossip.EndGossipRoundRequest) (gossip.EndGossipRoundResponse, error) {
	peerTransport, ok := t.registry[target]
	if !ok {
		return gossip.EndGossipRoundResponse{}, fmt.Errorf("gossiptest: unknown peer %s", target)
	}
	return peerTransport.daemon.HandleEnd(ctx, t.self, req), nil
}
