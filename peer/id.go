// Package peer defines the identifier shared by every component in this
// module's gossip and consensus core.
package peer

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// IDSize is the width, in bytes, of an [ID].
const IDSize = 64

// ID is an opaque peer identifier derived from a public key.
//
// ID has a total order (see [ID.Compare]), used throughout the consensus
// package for sorted facilitator lists and deterministic tie-breaking.
type ID [IDSize]byte

// pubKeyBytes is satisfied by any public key type exposing its serialized
// form. It mirrors gcrypto.PubKey's PubKeyBytes method without importing
// package gcrypto, which itself depends on package peer for [gcrypto.Proof]'s
// Signer field; a direct import here would be a cycle.
type pubKeyBytes interface {
	PubKeyBytes() []byte
}

// IDFromPubKey derives an ID from a public key by concatenating two
// independent blake2b-256 digests of its serialized bytes.
//
// Two distinct public keys are assumed to never collide under this
// derivation; callers that need a stronger guarantee should compare
// public keys directly rather than only their derived IDs.
func IDFromPubKey(pub pubKeyBytes) ID {
	b := pub.PubKeyBytes()

	h1 := blake2b.Sum256(b)
	h2 := blake2b.Sum256(append(append([]byte{}, b...), 0x01))

	var id ID
	copy(id[:32], h1[:])
	copy(id[32:], h2[:])
	return id
}

// Compare gives ID a total order.
func (id ID) Compare(o ID) int {
	for i := range id {
		if id[i] != o[i] {
			if id[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether id sorts before o.
func (id ID) Less(o ID) bool {
	return id.Compare(o) < 0
}

func (id ID) String() string {
	return hex.EncodeToString(id[:8]) + "…"
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Sort sorts ids in place in ascending order.
func Sort(ids []ID) {
	// Simple insertion sort is fine; facilitator sets are small (single
	// digits to low tens of members), and this avoids pulling in a
	// sort.Slice closure allocation at every call site.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}
