// Package rumor implements the signed envelope validator (spec component A)
// and the two-tier rumor storage (spec component B).
package rumor

import (
	"encoding/binary"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Rumor is the sum type described in spec.md §3: either a [PeerRumor],
// carrying an origin and an ordinal, or a [CommonRumor], which carries
// neither.
type Rumor interface {
	gcrypto.Canonical

	// Origin returns the originating peer and true for a PeerRumor, or the
	// zero ID and false for a CommonRumor.
	Origin() (peer.ID, bool)

	// ContentTypeTag identifies the payload's shape to the rumor handler.
	ContentTypeTag() string

	// Payload is the opaque content carried by the rumor.
	Payload() []byte
}

// PeerRumor is a rumor originated by a specific peer, ordered by a
// monotonic per-origin ordinal. Every PeerRumor must be signed by its
// Origin (spec.md §3 invariant).
type PeerRumor struct {
	OriginID    peer.ID
	Ordinal     uint64
	ContentType string
	Content     []byte
}

func (r PeerRumor) Origin() (peer.ID, bool) { return r.OriginID, true }
func (r PeerRumor) ContentTypeTag() string  { return r.ContentType }
func (r PeerRumor) Payload() []byte         { return r.Content }

// CommonRumor is a rumor with no origin constraint beyond an optional
// whitelist check on its signers.
type CommonRumor struct {
	ContentType string
	Content     []byte
}

func (r CommonRumor) Origin() (peer.ID, bool) { return peer.ID{}, false }
func (r CommonRumor) ContentTypeTag() string  { return r.ContentType }
func (r CommonRumor) Payload() []byte         { return r.Content }

// CanonicalBytes implements [Canonical] with a fixed, deterministic
// encoding: a one-byte variant tag, followed by the variant's fields in a
// fixed order, each length-prefixed where variable-length.
//
// Every node in the network must agree on this encoding: spec.md §4.A
// requires that "implementations MUST reject any rumor whose
// re-serialized bytes produce a different hash than provided," which
// means the encoding itself — not just the hash function — must be fixed
// across implementations of this spec.
func (r PeerRumor) CanonicalBytes() []byte {
	b := make([]byte, 0, 1+peer.IDSize+8+4+len(r.ContentType)+4+len(r.Content))
	b = append(b, tagPeerRumor)
	b = append(b, r.OriginID[:]...)
	b = binary.BigEndian.AppendUint64(b, r.Ordinal)
	b = appendLenPrefixed(b, []byte(r.ContentType))
	b = appendLenPrefixed(b, r.Content)
	return b
}

func (r CommonRumor) CanonicalBytes() []byte {
	b := make([]byte, 0, 1+4+len(r.ContentType)+4+len(r.Content))
	b = append(b, tagCommonRumor)
	b = appendLenPrefixed(b, []byte(r.ContentType))
	b = appendLenPrefixed(b, r.Content)
	return b
}

const (
	tagPeerRumor byte = iota + 1
	tagCommonRumor
)

func appendLenPrefixed(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

// Signed is a rumor together with its signature proofs.
type Signed = gcrypto.Signed[Rumor]

// Entry pairs a rumor's content hash with its signed envelope, as carried
// in a [Batch].
type Entry struct {
	Hash gcrypto.Hash
	Signed
}

// Batch is an ordered sequence of (hash, signed rumor) pairs. Ordering is
// preserved for deterministic replay, but membership is set semantics
// (spec.md §3).
type Batch []Entry

// Compare gives two entries the canonical order spec.md §4.C.4 defines:
// lexicographic on (origin?, ordinal?, hash). Entries without an origin
// (CommonRumor) sort after every PeerRumor entry, because origin presence
// is compared first. PeerRumor entries are ordered by origin, then
// ordinal, then hash; CommonRumor entries are ordered by hash.
func Compare(a, b Entry) int {
	aOrigin, aHasOrigin := a.Value.Origin()
	bOrigin, bHasOrigin := b.Value.Origin()

	if aHasOrigin != bHasOrigin {
		if aHasOrigin {
			return -1
		}
		return 1
	}

	if aHasOrigin {
		if c := aOrigin.Compare(bOrigin); c != 0 {
			return c
		}

		aOrdinal := ordinalOf(a.Value)
		bOrdinal := ordinalOf(b.Value)
		if aOrdinal != bOrdinal {
			if aOrdinal < bOrdinal {
				return -1
			}
			return 1
		}
	}

	return a.Hash.Compare(b.Hash)
}

func ordinalOf(r Rumor) uint64 {
	if pr, ok := r.(PeerRumor); ok {
		return pr.Ordinal
	}
	return 0
}
