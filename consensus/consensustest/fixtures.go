// Package consensustest supplies a minimal concrete Key/Artifact
// instantiation of package consensus for tests, grounded on
// gcryptotest.DeterministicEd25519Signers and the teacher's preference
// for deterministic, cacheable test fixtures over per-test key
// generation (tmconsensustest.DeterministicValidatorsEd25519 follows the
// same shape for tmconsensus).
package consensustest

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/gcrypto/gcryptotest"
	"github.com/ductridev/tessellation/peer"
)

// Epoch is the simplest possible consensus.Key: a monotonically
// incrementing counter.
type Epoch uint64

func (e Epoch) Compare(o Epoch) int {
	switch {
	case e < o:
		return -1
	case e > o:
		return 1
	default:
		return 0
	}
}

func (e Epoch) Next() Epoch { return e + 1 }

// Artifact is a minimal consensus.Artifact: an ordered list of opaque
// event payloads, canonicalized as length-prefixed concatenation.
type Artifact struct {
	Events [][]byte
}

func (a Artifact) CanonicalBytes() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(a.Events)))
	for _, e := range a.Events {
		b = binary.BigEndian.AppendUint32(b, uint32(len(e)))
		b = append(b, e...)
	}
	return b
}

// Codec marshals [Epoch] and [Artifact] for consensus rumor payloads.
type Codec struct{}

func (Codec) MarshalKey(e Epoch) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(e))
}

func (Codec) UnmarshalKey(b []byte) (Epoch, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("consensustest: expected 8 byte epoch, got %d", len(b))
	}
	return Epoch(binary.BigEndian.Uint64(b)), nil
}

func (Codec) MarshalArtifact(a Artifact) []byte {
	return a.CanonicalBytes()
}

func (Codec) UnmarshalArtifact(b []byte) (Artifact, error) {
	if len(b) < 4 {
		return Artifact{}, fmt.Errorf("consensustest: artifact payload too short")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]

	events := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return Artifact{}, fmt.Errorf("consensustest: truncated event length")
		}
		elen := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(elen) {
			return Artifact{}, fmt.Errorf("consensustest: truncated event payload")
		}
		events = append(events, append([]byte(nil), b[:elen]...))
		b = b[elen:]
	}
	return Artifact{Events: events}, nil
}

// Functions is a deterministic consensus.Functions: it concatenates every
// consumed event, ordered first by peer ID then by ordinal, into the
// proposal artifact, and otherwise does nothing on finalization.
type Functions struct{}

func (Functions) CreateProposalArtifact(
	_ context.Context,
	_ consensus.LastKeyAndArtifact[Epoch, Artifact],
	events map[peer.ID][]consensus.OrdinalEvent,
) (Artifact, map[peer.ID][]uint64, error) {
	origins := make([]peer.ID, 0, len(events))
	for p := range events {
		origins = append(origins, p)
	}
	peer.Sort(origins)

	var art Artifact
	consumed := make(map[peer.ID][]uint64, len(events))
	for _, p := range origins {
		for _, ev := range events[p] {
			art.Events = append(art.Events, ev.Payload)
			consumed[p] = append(consumed[p], ev.Ordinal)
		}
	}
	return art, consumed, nil
}

func (Functions) ConsumeSignedMajorityArtifact(context.Context, Epoch, gcrypto.Signed[Artifact]) error {
	return nil
}

// DeterministicFacilitators returns n peer IDs and their signers, derived
// from gcryptotest's fixed seed pool.
func DeterministicFacilitators(n int) ([]peer.ID, []gcrypto.Ed25519Signer) {
	signers := gcryptotest.DeterministicEd25519Signers(n)

	ids := make([]peer.ID, n)
	for i, s := range signers {
		ids[i] = peer.IDFromPubKey(s.PubKey())
	}
	return ids, signers
}

// KeyLookup is a fixed-map gcrypto.KeyLookup built from ids/signers,
// useful for tests that verify assembled signatures.
type KeyLookup map[peer.ID]gcrypto.PubKey

func NewKeyLookup(ids []peer.ID, signers []gcrypto.Ed25519Signer) KeyLookup {
	kl := make(KeyLookup, len(ids))
	for i, id := range ids {
		kl[id] = signers[i].PubKey()
	}
	return kl
}

func (kl KeyLookup) PubKey(id peer.ID) (gcrypto.PubKey, bool) {
	pk, ok := kl[id]
	return pk, ok
}
