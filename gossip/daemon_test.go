package gossip_test

import (
	"context"
	"testing"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gcryptotest"
	"github.com/ductridev/tessellation/gossip"
	"github.com/ductridev/tessellation/gossip/gossiptest"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestDaemon_PropagatesRumorAcrossNetwork(t *testing.T) {
	log := slogt.New(t)

	signers := gcryptotest.DeterministicEd25519Signers(3)
	genericSigners := make([]gcrypto.Signer, len(signers))
	for i, s := range signers {
		genericSigners[i] = s
	}

	cfg := gossip.Config{Interval: 10 * time.Millisecond, Fanout: 2, MaxConcurrentHandlers: 20}

	handler := func(ctx context.Context, e rumor.Entry, storage *rumor.Storage) bool {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net, err := gossiptest.New(ctx, log, 3, genericSigners, cfg, handler)
	require.NoError(t, err)
	defer net.Close()

	origin := net.Nodes[0]
	other1, other2 := net.Nodes[1], net.Nodes[2]

	r := rumor.PeerRumor{OriginID: origin.ID, Ordinal: 1, ContentType: "tx", Content: []byte("hello")}
	canonical := r.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)
	sig, err := signers[0].Sign(ctx, canonical)
	require.NoError(t, err)

	entry := rumor.Entry{
		Hash: hash,
		Signed: rumor.Signed{
			Value:  r,
			Proofs: []gcrypto.Proof{{Signer: origin.ID, Signature: sig}},
		},
	}

	origin.Daemon.Enqueue(peer.ID{}, rumor.Batch{entry})

	require.Eventually(t, func() bool {
		return other1.Storage.Has(hash) && other2.Storage.Has(hash)
	}, 2*time.Second, 10*time.Millisecond, "rumor should propagate to every node")
}

func TestDaemon_DropsInvalidRumor(t *testing.T) {
	log := slogt.New(t)

	signers := gcryptotest.DeterministicEd25519Signers(2)
	genericSigners := make([]gcrypto.Signer, len(signers))
	for i, s := range signers {
		genericSigners[i] = s
	}

	cfg := gossip.Config{Interval: 10 * time.Millisecond, Fanout: 1, MaxConcurrentHandlers: 20}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	net, err := gossiptest.New(ctx, log, 2, genericSigners, cfg, nil)
	require.NoError(t, err)
	defer net.Close()

	origin := net.Nodes[0]

	r := rumor.PeerRumor{OriginID: origin.ID, Ordinal: 1, ContentType: "tx", Content: []byte("hello")}
	badEntry := rumor.Entry{
		Hash:   gcrypto.Hash{0xDE, 0xAD},
		Signed: rumor.Signed{Value: r},
	}

	origin.Daemon.Enqueue(peer.ID{}, rumor.Batch{badEntry})

	time.Sleep(50 * time.Millisecond)
	require.False(t, origin.Storage.Has(badEntry.Hash))
}
