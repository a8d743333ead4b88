package rumor

import (
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Proof is a signature proof on a [Signed] rumor.
type Proof = gcrypto.Proof

// KeyLookup resolves a peer's current public key, used to verify a
// [Proof]'s signature. Implementations are expected to be backed by
// whatever session/handshake layer this core treats as an external
// collaborator (spec.md §1).
type KeyLookup = gcrypto.KeyLookup

// Whitelist restricts which signers' rumors are accepted. A disabled
// Whitelist (the zero value) accepts every signer.
type Whitelist struct {
	Enabled bool
	Allowed map[peer.ID]struct{}
}

func (w Whitelist) contains(id peer.ID) bool {
	if !w.Enabled {
		return true
	}
	_, ok := w.Allowed[id]
	return ok
}

// ValidationResult accumulates every failure [Validate] finds, rather
// than short-circuiting on the first one (spec.md §4.A).
type ValidationResult struct {
	// BadHash is true when the provided hash does not match the hash of
	// the value's canonical encoding.
	BadHash bool

	// MissingOriginProof is true for a PeerRumor whose origin is not
	// among its proofs' signers.
	MissingOriginProof bool

	// InvalidSigners lists signers whose proof failed signature
	// verification, or whose public key could not be resolved.
	InvalidSigners []peer.ID

	// NonWhitelistedSigners lists signers who verified correctly but are
	// not in an enabled whitelist.
	NonWhitelistedSigners []peer.ID
}

// OK reports whether every check passed.
func (r ValidationResult) OK() bool {
	return !r.BadHash && !r.MissingOriginProof &&
		len(r.InvalidSigners) == 0 && len(r.NonWhitelistedSigners) == 0
}

// Validate runs the four accumulated checks of spec.md §4.A against a
// signed rumor: hash integrity, origin proof (PeerRumor only), signature
// validity for every proof, and whitelist membership (when enabled).
func Validate(hash gcrypto.Hash, signed Signed, keys KeyLookup, whitelist Whitelist) ValidationResult {
	var res ValidationResult

	canonical := signed.Value.CanonicalBytes()
	if gcrypto.SumHash(canonical) != hash {
		res.BadHash = true
	}

	if origin, isPeerRumor := signed.Value.Origin(); isPeerRumor {
		found := false
		for _, p := range signed.Proofs {
			if p.Signer == origin {
				found = true
				break
			}
		}
		if !found {
			res.MissingOriginProof = true
		}
	}

	for _, p := range signed.Proofs {
		pub, ok := keys.PubKey(p.Signer)
		if !ok || !pub.Verify(canonical, p.Signature) {
			res.InvalidSigners = append(res.InvalidSigners, p.Signer)
			continue
		}

		if !whitelist.contains(p.Signer) {
			res.NonWhitelistedSigners = append(res.NonWhitelistedSigners, p.Signer)
		}
	}

	return res
}
