package p2p

import (
	"context"
	"fmt"
	"time"

	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
)

// Rendezvous is the advertisement namespace peers running this module
// use to find each other through the DHT.
const Rendezvous = "tessellation-gossip"

// Advertise announces this node under [Rendezvous] once and returns; it
// does not renew the advertisement. Peer discovery is an external collaborator spec.md §1
// treats abstractly ("peer handshake/session management"); this is the
// libp2p-native way to satisfy it without a separate bootstrap service.
func (t *Transport) Advertise(ctx context.Context) error {
	rd := discoveryrouting.NewRoutingDiscovery(t.dht)
	_, err := rd.Advertise(ctx, Rendezvous)
	if err != nil {
		return fmt.Errorf("p2p: advertising on DHT: %w", err)
	}
	return nil
}

// Discover runs one round of peer discovery against the DHT, registering
// any newly found peer with [Transport.NoteObservedPeer] once it maps to
// a known [tpeer.ID].
func (t *Transport) Discover(ctx context.Context) error {
	rd := discoveryrouting.NewRoutingDiscovery(t.dht)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	peerCh, err := rd.FindPeers(ctx, Rendezvous)
	if err != nil {
		return fmt.Errorf("p2p: discovering peers: %w", err)
	}

	for p := range peerCh {
		if p.ID == t.host.ID() {
			continue
		}
		if tid, ok := t.ids.FromLibp2p(p.ID); ok {
			t.NoteObservedPeer(tid, p.ID)
		}
	}

	return nil
}
