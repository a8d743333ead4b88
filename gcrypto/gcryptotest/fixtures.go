// Package gcryptotest provides deterministic key fixtures shared across
// this module's tests.
package gcryptotest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"sync"

	"github.com/ductridev/tessellation/gcrypto"
)

var (
	deterministicEd25519Once sync.Once
	deterministicEd25519Pool []gcrypto.Ed25519Signer
)

// DeterministicEd25519Signers returns n signers derived from a fixed seed
// sequence, so that repeated test runs observe identical keys and the
// generated keys can be cached across the whole test binary.
func DeterministicEd25519Signers(n int) []gcrypto.Ed25519Signer {
	deterministicEd25519Once.Do(func() {
		// 256 is comfortably more than any test in this module needs.
		deterministicEd25519Pool = make([]gcrypto.Ed25519Signer, 256)
		for i := range deterministicEd25519Pool {
			seed := sha256.Sum256([]byte{byte(i), byte(i >> 8)})
			priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
			deterministicEd25519Pool[i] = gcrypto.NewEd25519Signer(priv)
		}
	})

	if n > len(deterministicEd25519Pool) {
		panic("gcryptotest: requested more deterministic signers than are pre-generated")
	}

	out := make([]gcrypto.Ed25519Signer, n)
	copy(out, deterministicEd25519Pool[:n])
	return out
}
