package rumor_test

import (
	"context"
	"testing"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gcryptotest"
	"github.com/ductridev/tessellation/peer"
	"github.com/ductridev/tessellation/rumor"
	"github.com/stretchr/testify/require"
)

type keyLookup map[peer.ID]gcrypto.PubKey

func (k keyLookup) PubKey(id peer.ID) (gcrypto.PubKey, bool) {
	pub, ok := k[id]
	return pub, ok
}

func mustSign(t *testing.T, signer gcrypto.Ed25519Signer, msg []byte) []byte {
	t.Helper()
	sig, err := signer.Sign(context.Background(), msg)
	require.NoError(t, err)
	return sig
}

func TestValidate_PeerRumorOK(t *testing.T) {
	signers := gcryptotest.DeterministicEd25519Signers(1)
	origin := peer.IDFromPubKey(signers[0].PubKey())

	r := rumor.PeerRumor{
		OriginID:    origin,
		Ordinal:     1,
		ContentType: "tx",
		Content:     []byte("hello"),
	}
	canonical := r.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)

	signed := rumor.Signed{
		Value: r,
		Proofs: []gcrypto.Proof{
			{Signer: origin, Signature: mustSign(t, signers[0], canonical)},
		},
	}

	keys := keyLookup{origin: signers[0].PubKey()}
	res := rumor.Validate(hash, signed, keys, rumor.Whitelist{})
	require.True(t, res.OK())
}

func TestValidate_BadHash(t *testing.T) {
	signers := gcryptotest.DeterministicEd25519Signers(1)
	origin := peer.IDFromPubKey(signers[0].PubKey())

	r := rumor.PeerRumor{OriginID: origin, Ordinal: 1, ContentType: "tx", Content: []byte("hello")}
	signed := rumor.Signed{
		Value: r,
		Proofs: []gcrypto.Proof{
			{Signer: origin, Signature: mustSign(t, signers[0], r.CanonicalBytes())},
		},
	}

	keys := keyLookup{origin: signers[0].PubKey()}
	res := rumor.Validate(gcrypto.Hash{0xFF}, signed, keys, rumor.Whitelist{})
	require.True(t, res.BadHash)
	require.False(t, res.OK())
}

func TestValidate_MissingOriginProof(t *testing.T) {
	signers := gcryptotest.DeterministicEd25519Signers(2)
	origin := peer.IDFromPubKey(signers[0].PubKey())
	other := peer.IDFromPubKey(signers[1].PubKey())

	r := rumor.PeerRumor{OriginID: origin, Ordinal: 1, ContentType: "tx", Content: []byte("hello")}
	canonical := r.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)

	signed := rumor.Signed{
		Value: r,
		Proofs: []gcrypto.Proof{
			{Signer: other, Signature: mustSign(t, signers[1], canonical)},
		},
	}

	keys := keyLookup{origin: signers[0].PubKey(), other: signers[1].PubKey()}
	res := rumor.Validate(hash, signed, keys, rumor.Whitelist{})
	require.True(t, res.MissingOriginProof)
	require.False(t, res.OK())
}

func TestValidate_InvalidSignature(t *testing.T) {
	signers := gcryptotest.DeterministicEd25519Signers(2)
	origin := peer.IDFromPubKey(signers[0].PubKey())

	r := rumor.PeerRumor{OriginID: origin, Ordinal: 1, ContentType: "tx", Content: []byte("hello")}
	canonical := r.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)

	// Sign with the wrong key.
	signed := rumor.Signed{
		Value: r,
		Proofs: []gcrypto.Proof{
			{Signer: origin, Signature: mustSign(t, signers[1], canonical)},
		},
	}

	keys := keyLookup{origin: signers[0].PubKey()}
	res := rumor.Validate(hash, signed, keys, rumor.Whitelist{})
	require.Contains(t, res.InvalidSigners, origin)
	require.False(t, res.OK())
}

func TestValidate_NonWhitelistedSigner(t *testing.T) {
	signers := gcryptotest.DeterministicEd25519Signers(1)
	origin := peer.IDFromPubKey(signers[0].PubKey())

	r := rumor.CommonRumor{ContentType: "ping", Content: []byte("x")}
	canonical := r.CanonicalBytes()
	hash := gcrypto.SumHash(canonical)

	signed := rumor.Signed{
		Value: r,
		Proofs: []gcrypto.Proof{
			{Signer: origin, Signature: mustSign(t, signers[0], canonical)},
		},
	}

	keys := keyLookup{origin: signers[0].PubKey()}
	wl := rumor.Whitelist{Enabled: true, Allowed: map[peer.ID]struct{}{}}
	res := rumor.Validate(hash, signed, keys, wl)
	require.Contains(t, res.NonWhitelistedSigners, origin)
	require.False(t, res.OK())
}

func TestValidate_CommonRumorNeverRequiresOriginProof(t *testing.T) {
	r := rumor.CommonRumor{ContentType: "ping", Content: []byte("x")}
	hash := gcrypto.SumHash(r.CanonicalBytes())

	signed := rumor.Signed{Value: r}
	res := rumor.Validate(hash, signed, keyLookup{}, rumor.Whitelist{})
	require.False(t, res.MissingOriginProof)
	require.True(t, res.OK())
}
