package gcrypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
)

// RegisterEd25519 registers the ed25519 key type with the given Registry.
func RegisterEd25519(reg *Registry) {
	reg.Register("ed25519", Ed25519PubKey{}, NewEd25519PubKey)
}

// Ed25519PubKey wraps a standard library ed25519 public key
// and defines methods for the [PubKey] interface.
type Ed25519PubKey ed25519.PublicKey

// NewEd25519PubKey validates b as an ed25519 public key and returns it.
func NewEd25519PubKey(b []byte) (PubKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf(
			"expected %d bytes for ed25519 public key, got %d",
			ed25519.PublicKeySize, len(b),
		)
	}

	return Ed25519PubKey(bytes.Clone(b)), nil
}

func (k Ed25519PubKey) Address() []byte {
	return k.PubKeyBytes()
}

func (k Ed25519PubKey) PubKeyBytes() []byte {
	return []byte(k)
}

func (k Ed25519PubKey) Verify(msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

func (k Ed25519PubKey) Equal(other PubKey) bool {
	o, ok := other.(Ed25519PubKey)
	if !ok {
		return false
	}

	return bytes.Equal(k.PubKeyBytes(), o.PubKeyBytes())
}

// Ed25519Signer is a [Signer] backed by an in-memory ed25519 private key.
//
// It is suitable for tests and for nodes that hold their key material
// directly in process memory; nodes that delegate signing to an external
// keystore should satisfy [Signer] with their own adapter instead.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  Ed25519PubKey
}

// NewEd25519Signer returns a Signer wrapping priv.
func NewEd25519Signer(priv ed25519.PrivateKey) Ed25519Signer {
	return Ed25519Signer{
		priv: priv,
		pub:  Ed25519PubKey(priv.Public().(ed25519.PublicKey)),
	}
}

func (s Ed25519Signer) PubKey() PubKey {
	return s.pub
}

// Sign signs msg with the wrapped private key.
//
// The context is accepted to satisfy [Signer] and to allow future signer
// implementations to make a network call; the in-memory implementation
// never blocks on it.
func (s Ed25519Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Signer produces signatures on behalf of a single public key.
//
// Implementations may be backed by an in-memory private key (see
// [Ed25519Signer]) or by an external signing service reachable only
// through ctx-bounded RPCs.
type Signer interface {
	PubKey() PubKey
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}
