package httptransport_test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gcryptotest"
	"github.com/ductridev/tessellation/gossip"
	"github.com/ductridev/tessellation/gossip/httptransport"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

type stubReceiver struct {
	wantOffer []gcrypto.Hash
}

func (s *stubReceiver) HandleStart(ctx context.Context, from peer.ID, req gossip.StartGossipRoundRequest) gossip.StartGossipRoundResponse {
	return gossip.StartGossipRoundResponse{Offer: s.wantOffer, Inquiry: req.Offer}
}

func (s *stubReceiver) HandleEnd(ctx context.Context, from peer.ID, req gossip.EndGossipRoundRequest) gossip.EndGossipRoundResponse {
	return gossip.EndGossipRoundResponse{Answer: req.Answer}
}

func TestClientServerRoundTrip(t *testing.T) {
	log := slogt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h1 := gcrypto.Hash{0x01}
	recv := &stubReceiver{wantOffer: []gcrypto.Hash{h1}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptransport.NewServer(ctx, log, httptransport.ServerConfig{
		Listener: ln,
		Receiver: recv,
		PeerFromRequest: func(r *http.Request) peer.ID {
			return peer.ID{}
		},
	})

	client := httptransport.NewClient(2 * time.Second)
	target := peer.ID{0x02}
	client.SetPeer(target, "http://"+ln.Addr().String())

	startResp, err := client.StartGossipRound(ctx, target, gossip.StartGossipRoundRequest{Offer: []gcrypto.Hash{h1}})
	require.NoError(t, err)
	require.Equal(t, []gcrypto.Hash{h1}, startResp.Offer)
	require.Equal(t, []gcrypto.Hash{h1}, startResp.Inquiry)

	endResp, err := client.EndGossipRound(ctx, target, gossip.EndGossipRoundRequest{})
	require.NoError(t, err)
	require.Empty(t, endResp.Answer)

	cancel()
	srv.Wait()
}

// TestClientServerRoundTrip_NonEmptyAnswer exercises the one path
// TestClientServerRoundTrip leaves untouched: an EndGossipRoundRequest
// whose Answer carries real rumors. rumor.Entry.Value holds the non-empty
// Rumor interface, which encoding/json cannot decode without the explicit
// wire tag in rumor.wireEntry, so this is the path that would otherwise
// fail silently at decode time.
func TestClientServerRoundTrip_NonEmptyAnswer(t *testing.T) {
	log := slogt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	signers := gcryptotest.DeterministicEd25519Signers(1)
	origin := peer.IDFromPubKey(signers[0].PubKey())

	pr := rumor.PeerRumor{OriginID: origin, Ordinal: 3, ContentType: "tx", Content: []byte("hello")}
	prCanonical := pr.CanonicalBytes()
	prHash := gcrypto.SumHash(prCanonical)
	prSig, err := signers[0].Sign(context.Background(), prCanonical)
	require.NoError(t, err)

	cr := rumor.CommonRumor{ContentType: "artifact-signed", Content: []byte("finalized")}
	crCanonical := cr.CanonicalBytes()
	crHash := gcrypto.SumHash(crCanonical)
	crSig, err := signers[0].Sign(context.Background(), crCanonical)
	require.NoError(t, err)

	answer := rumor.Batch{
		{
			Hash: prHash,
			Signed: rumor.Signed{
				Value:  pr,
				Proofs: []gcrypto.Proof{{Signer: origin, Signature: prSig}},
			},
		},
		{
			Hash: crHash,
			Signed: rumor.Signed{
				Value:  cr,
				Proofs: []gcrypto.Proof{{Signer: origin, Signature: crSig}},
			},
		},
	}

	recv := &stubReceiver{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptransport.NewServer(ctx, log, httptransport.ServerConfig{
		Listener: ln,
		Receiver: recv,
		PeerFromRequest: func(r *http.Request) peer.ID {
			return peer.ID{}
		},
	})

	client := httptransport.NewClient(2 * time.Second)
	target := peer.ID{0x02}
	client.SetPeer(target, "http://"+ln.Addr().String())

	endResp, err := client.EndGossipRound(ctx, target, gossip.EndGossipRoundRequest{Answer: answer})
	require.NoError(t, err)
	require.Len(t, endResp.Answer, 2)

	gotPeer, ok := endResp.Answer[0].Value.(rumor.PeerRumor)
	require.True(t, ok)
	require.Equal(t, pr, gotPeer)
	require.Equal(t, prHash, endResp.Answer[0].Hash)
	require.Equal(t, answer[0].Proofs, endResp.Answer[0].Proofs)

	gotCommon, ok := endResp.Answer[1].Value.(rumor.CommonRumor)
	require.True(t, ok)
	require.Equal(t, cr, gotCommon)
	require.Equal(t, crHash, endResp.Answer[1].Hash)
	require.Equal(t, answer[1].Proofs, endResp.Answer[1].Proofs)

	cancel()
	srv.Wait()
}

func TestClient_UnknownPeer(t *testing.T) {
	client := httptransport.NewClient(time.Second)
	_, err := client.StartGossipRound(context.Background(), peer.ID{0x09}, gossip.StartGossipRoundRequest{})
	require.Error(t, err)
}
