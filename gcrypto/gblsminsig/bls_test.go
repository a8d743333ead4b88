package gblsminsig_test

import (
	"context"
	"testing"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gblsminsig"
	"github.com/ductridev/tessellation/gcrypto/gblsminsig/gblsminsigtest"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	signers := gblsminsigtest.DeterministicSigners(2)
	s0, s1 := signers[0], signers[1]

	msg := []byte("facilitator declaration")
	sig, err := s0.Sign(ctx, msg)
	require.NoError(t, err)

	pub0 := s0.PubKey().(gblsminsig.PubKey)
	pub1 := s1.PubKey().(gblsminsig.PubKey)

	require.True(t, pub0.Verify(msg, sig))
	require.False(t, pub1.Verify(msg, sig))
	require.False(t, pub0.Verify([]byte("different message"), sig))
}

func TestPubKey_EqualAndAddress(t *testing.T) {
	t.Parallel()

	keys := gblsminsigtest.DeterministicPubKeys(2)

	require.True(t, keys[0].Equal(keys[0]))
	require.False(t, keys[0].Equal(keys[1]))
	require.False(t, keys[0].Equal(gcrypto.Ed25519PubKey{}))

	require.Equal(t, keys[0].PubKeyBytes(), keys[0].Address())
}

func TestPubKey_RegistryRoundTrip(t *testing.T) {
	t.Parallel()

	reg := new(gcrypto.Registry)
	gblsminsig.Register(reg)

	pub := gblsminsigtest.DeterministicPubKeys(1)[0]

	b := reg.Marshal(pub)
	got, err := reg.Unmarshal(b)
	require.NoError(t, err)

	require.True(t, pub.Equal(got))
	require.Equal(t, "bls-minsig", got.(gblsminsig.PubKey).TypeName())
}

func TestDeterministicSigners_Stable(t *testing.T) {
	t.Parallel()

	a := gblsminsigtest.DeterministicSigners(4)
	b := gblsminsigtest.DeterministicSigners(4)

	for i := range a {
		require.True(t, a[i].PubKey().Equal(b[i].PubKey()))
	}
}
