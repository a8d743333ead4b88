package gcrypto

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the width, in bytes, of a [Hash].
const HashSize = blake2b.Size256

// Hash is a fixed-width content digest used throughout the rumor and
// consensus packages to refer to a value without copying it.
//
// Two Hash values compare equal with ==, so Hash is safe to use as a
// map key directly.
type Hash [HashSize]byte

// SumHash returns the blake2b-256 digest of b.
//
// This is the canonical hash function referenced by the rumor envelope
// validator and by artifact hashing in the consensus package: every
// place in this module that needs to turn bytes into a [Hash] calls
// SumHash, so that independently-computed hashes of identical bytes
// always agree.
func SumHash(b []byte) Hash {
	return blake2b.Sum256(b)
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Compare gives Hash a total order, used for deterministic tie-breaking
// (for example, majority selection when vote counts are equal).
func (h Hash) Compare(o Hash) int {
	for i := range h {
		if h[i] != o[i] {
			if h[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// HashFromBytes copies b into a Hash, returning an error if the length
// does not match [HashSize].
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, errHashLength(len(b))
	}
	copy(h[:], b)
	return h, nil
}

type errHashLength int

func (e errHashLength) Error() string {
	return fmt.Sprintf("gcrypto: invalid hash length: %d", int(e))
}
