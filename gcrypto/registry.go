package gcrypto

import "fmt"

// registryEntry associates a public key type with the constructor
// used to rebuild it from raw bytes.
type registryEntry struct {
	ctor func([]byte) (PubKey, error)
}

// Registry maps a 4-byte type prefix to a concrete [PubKey] implementation.
//
// There is no global registry; callers assemble one at startup by calling
// the RegisterXxx function for every key scheme they intend to accept,
// and pass the assembled Registry wherever a key type needs to be
// recovered from serialized bytes (for example, reconstructing the
// signer of an inbound [Signed] rumor).
type Registry struct {
	byPrefix map[[4]byte]registryEntry
	prefixes map[string][4]byte
}

// Register associates name with the zero value's concrete type and ctor.
// The first four bytes of name (padded with zeroes if shorter) become the
// wire prefix used by Marshal and Unmarshal.
func (r *Registry) Register(name string, zero PubKey, ctor func([]byte) (PubKey, error)) {
	if r.byPrefix == nil {
		r.byPrefix = make(map[[4]byte]registryEntry)
		r.prefixes = make(map[string][4]byte)
	}

	var prefix [4]byte
	copy(prefix[:], name)

	r.byPrefix[prefix] = registryEntry{ctor: ctor}
	r.prefixes[typeName(zero)] = prefix
}

// Marshal encodes k as its registered 4-byte prefix followed by its raw key bytes.
//
// Marshal panics if k's concrete type was never registered; this is a
// programmer error, not a runtime condition to recover from.
func (r *Registry) Marshal(k PubKey) []byte {
	prefix, ok := r.prefixes[typeName(k)]
	if !ok {
		panic(fmt.Errorf("gcrypto: key type %T was never registered", k))
	}

	b := make([]byte, 4, 4+len(k.PubKeyBytes()))
	copy(b, prefix[:])
	return append(b, k.PubKeyBytes()...)
}

// Unmarshal decodes a value produced by Marshal, dispatching to the
// constructor registered for the leading 4-byte prefix.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("gcrypto: key data too short: %d bytes", len(b))
	}

	var prefix [4]byte
	copy(prefix[:], b[:4])

	entry, ok := r.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("no registered public key type for prefix %q", prefix[:])
	}

	return entry.ctor(b[4:])
}

func typeName(k PubKey) string {
	return fmt.Sprintf("%T", k)
}
