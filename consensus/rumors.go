package consensus

import (
	"encoding/binary"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Content-type tags for the rumors spec.md §6 lists. ConsensusArtifact is
// split into two tags here — ArtifactCandidate (the unsigned artifact
// broadcast alongside a proposal, spec.md §4.E step 1/2) and
// ArtifactSigned (the fully-signed result, step 3) — since they carry
// different payload shapes on the wire even though spec.md §6 names both
// "ConsensusArtifact{key, artifact}".
const (
	ContentTypeFacility          = "consensus.facility"
	ContentTypeProposal          = "consensus.proposal"
	ContentTypeMajoritySignature = "consensus.majority_signature"
	ContentTypeArtifactCandidate = "consensus.artifact.candidate"
	ContentTypeArtifactSigned    = "consensus.artifact.signed"
	ContentTypeDeregistration    = "consensus.deregistration"
)

// Codec marshals and unmarshals the two caller-supplied generic types
// this package never interprets the bytes of: Key and Artifact. Every
// rumor payload this package emits or parses uses Codec for exactly
// these two fields, plus this package's own fixed encoding for Hash,
// Bound, and signature bytes.
type Codec[K any, A Artifact] interface {
	MarshalKey(K) []byte
	UnmarshalKey([]byte) (K, error)
	MarshalArtifact(A) []byte
	UnmarshalArtifact([]byte) (A, error)
}

func appendLenPrefixed(b, v []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(v)))
	return append(b, v...)
}

func readLenPrefixed(b []byte) (v, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, false
	}
	return b[:n], b[n:], true
}

func encodeFacility[K any, A Artifact](codec Codec[K, A], key K, bound Bound) []byte {
	b := appendLenPrefixed(nil, codec.MarshalKey(key))
	b = binary.BigEndian.AppendUint32(b, uint32(len(bound)))
	for p, ord := range bound {
		b = append(b, p[:]...)
		b = binary.BigEndian.AppendUint64(b, ord)
	}
	return b
}

// DecodeFacility parses a ConsensusFacility payload produced by
// [encodeFacility].
func DecodeFacility[K any, A Artifact](codec Codec[K, A], payload []byte) (key K, bound Bound, err error) {
	keyBytes, rest, ok := readLenPrefixed(payload)
	if !ok {
		return key, nil, errShortPayload("facility", "key")
	}
	key, err = codec.UnmarshalKey(keyBytes)
	if err != nil {
		return key, nil, err
	}

	if len(rest) < 4 {
		return key, nil, errShortPayload("facility", "bound count")
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	bound = make(Bound, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < peer.IDSize+8 {
			return key, nil, errShortPayload("facility", "bound entry")
		}
		var p peer.ID
		copy(p[:], rest[:peer.IDSize])
		rest = rest[peer.IDSize:]
		ord := binary.BigEndian.Uint64(rest)
		rest = rest[8:]
		bound[p] = ord
	}

	return key, bound, nil
}

func encodeProposal[K any, A Artifact](codec Codec[K, A], key K, hash gcrypto.Hash) []byte {
	b := appendLenPrefixed(nil, codec.MarshalKey(key))
	return append(b, hash[:]...)
}

// DecodeProposal parses a ConsensusProposal payload.
func DecodeProposal[K any, A Artifact](codec Codec[K, A], payload []byte) (key K, hash gcrypto.Hash, err error) {
	keyBytes, rest, ok := readLenPrefixed(payload)
	if !ok || len(rest) != gcrypto.HashSize {
		return key, hash, errShortPayload("proposal", "key/hash")
	}
	key, err = codec.UnmarshalKey(keyBytes)
	if err != nil {
		return key, hash, err
	}
	copy(hash[:], rest)
	return key, hash, nil
}

func encodeMajoritySignature[K any, A Artifact](codec Codec[K, A], key K, sig []byte) []byte {
	b := appendLenPrefixed(nil, codec.MarshalKey(key))
	return appendLenPrefixed(b, sig)
}

// DecodeMajoritySignature parses a MajoritySignature payload.
func DecodeMajoritySignature[K any, A Artifact](codec Codec[K, A], payload []byte) (key K, sig []byte, err error) {
	keyBytes, rest, ok := readLenPrefixed(payload)
	if !ok {
		return key, nil, errShortPayload("majority signature", "key")
	}
	key, err = codec.UnmarshalKey(keyBytes)
	if err != nil {
		return key, nil, err
	}
	sig, _, ok = readLenPrefixed(rest)
	if !ok {
		return key, nil, errShortPayload("majority signature", "sig")
	}
	return key, sig, nil
}

func encodeArtifactCandidate[K any, A Artifact](codec Codec[K, A], key K, hash gcrypto.Hash, artifact A) []byte {
	b := appendLenPrefixed(nil, codec.MarshalKey(key))
	b = append(b, hash[:]...)
	return appendLenPrefixed(b, codec.MarshalArtifact(artifact))
}

// DecodeArtifactCandidate parses an unsigned ConsensusArtifact payload.
func DecodeArtifactCandidate[K any, A Artifact](codec Codec[K, A], payload []byte) (key K, hash gcrypto.Hash, artifact A, err error) {
	keyBytes, rest, ok := readLenPrefixed(payload)
	if !ok || len(rest) < gcrypto.HashSize {
		return key, hash, artifact, errShortPayload("artifact candidate", "key/hash")
	}
	key, err = codec.UnmarshalKey(keyBytes)
	if err != nil {
		return key, hash, artifact, err
	}
	copy(hash[:], rest[:gcrypto.HashSize])
	rest = rest[gcrypto.HashSize:]

	artifactBytes, _, ok := readLenPrefixed(rest)
	if !ok {
		return key, hash, artifact, errShortPayload("artifact candidate", "artifact")
	}
	artifact, err = codec.UnmarshalArtifact(artifactBytes)
	return key, hash, artifact, err
}

func encodeArtifactSigned[K any, A Artifact](codec Codec[K, A], key K, signed gcrypto.Signed[A]) []byte {
	b := appendLenPrefixed(nil, codec.MarshalKey(key))
	b = appendLenPrefixed(b, codec.MarshalArtifact(signed.Value))
	b = binary.BigEndian.AppendUint32(b, uint32(len(signed.Proofs)))
	for _, p := range signed.Proofs {
		b = append(b, p.Signer[:]...)
		b = appendLenPrefixed(b, p.Signature)
	}
	return b
}

// DecodeArtifactSigned parses a finalized, signed ConsensusArtifact
// payload.
func DecodeArtifactSigned[K any, A Artifact](codec Codec[K, A], payload []byte) (key K, signed gcrypto.Signed[A], err error) {
	keyBytes, rest, ok := readLenPrefixed(payload)
	if !ok {
		return key, signed, errShortPayload("artifact signed", "key")
	}
	key, err = codec.UnmarshalKey(keyBytes)
	if err != nil {
		return key, signed, err
	}

	artifactBytes, rest, ok := readLenPrefixed(rest)
	if !ok {
		return key, signed, errShortPayload("artifact signed", "artifact")
	}
	artifact, err := codec.UnmarshalArtifact(artifactBytes)
	if err != nil {
		return key, signed, err
	}

	if len(rest) < 4 {
		return key, signed, errShortPayload("artifact signed", "proof count")
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	proofs := make([]gcrypto.Proof, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < peer.IDSize {
			return key, signed, errShortPayload("artifact signed", "proof signer")
		}
		var signer peer.ID
		copy(signer[:], rest[:peer.IDSize])
		rest = rest[peer.IDSize:]

		sig, remainder, ok := readLenPrefixed(rest)
		if !ok {
			return key, signed, errShortPayload("artifact signed", "proof sig")
		}
		rest = remainder
		proofs = append(proofs, gcrypto.Proof{Signer: signer, Signature: sig})
	}

	return key, gcrypto.Signed[A]{Value: artifact, Proofs: proofs}, nil
}

func encodeDeregistration[K any, A Artifact](codec Codec[K, A], key K) []byte {
	return codec.MarshalKey(key)
}

// DecodeDeregistration parses a Deregistration payload.
func DecodeDeregistration[K any, A Artifact](codec Codec[K, A], payload []byte) (K, error) {
	return codec.UnmarshalKey(payload)
}

type errShortPayloadType struct {
	kind  string
	field string
}

func (e errShortPayloadType) Error() string {
	return "consensus: " + e.kind + " payload too short for " + e.field
}

func errShortPayload(kind, field string) error {
	return errShortPayloadType{kind: kind, field: field}
}
