package gcrypto

import "github.com/ductridev/tessellation/peer"

// Canonical is satisfied by any value with a deterministic byte encoding
// stable across independently-running nodes — the encoding this module
// hashes and signs.
type Canonical interface {
	CanonicalBytes() []byte
}

// Proof is one signature in a [Signed] value's proof list: the claimed
// signer and the signature bytes, verified against that signer's public
// key over the value's canonical encoding (spec.md §3).
type Proof struct {
	Signer    peer.ID
	Signature []byte
}

// Signed pairs a value with a non-empty list of signature proofs.
//
// This is the generic form of spec.md §3's Signed<T>: one instantiation
// (Signed[rumor.Rumor]) carries gossiped rumors, another
// (Signed[Artifact], for a caller-supplied Artifact type) carries the
// consensus package's finalized artifacts.
type Signed[T Canonical] struct {
	Value  T
	Proofs []Proof
}

// Hash returns the hash of the value's canonical encoding.
func (s Signed[T]) Hash() Hash {
	return SumHash(s.Value.CanonicalBytes())
}

// Signers returns the signer IDs of every proof, in proof order.
func (s Signed[T]) Signers() []peer.ID {
	out := make([]peer.ID, len(s.Proofs))
	for i, p := range s.Proofs {
		out[i] = p.Signer
	}
	return out
}

// IsValidlySigned reports whether every proof in s verifies against its
// signer's public key, as resolved by keys. A Signed value with no proofs
// is never validly signed.
func (s Signed[T]) IsValidlySigned(keys KeyLookup) bool {
	if len(s.Proofs) == 0 {
		return false
	}

	canonical := s.Value.CanonicalBytes()
	for _, p := range s.Proofs {
		pub, ok := keys.PubKey(p.Signer)
		if !ok || !pub.Verify(canonical, p.Signature) {
			return false
		}
	}
	return true
}

// KeyLookup resolves a peer's current public key.
type KeyLookup interface {
	PubKey(id peer.ID) (PubKey, bool)
}
