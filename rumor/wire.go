package rumor

import (
	"encoding/json"
	"fmt"

	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// Rumor is a non-empty interface, so encoding/json cannot decode into a
// Signed[Rumor].Value field on its own: it has no concrete type to target.
// wireEntry is Entry's explicit wire form, tagging which Rumor variant the
// payload fields belong to, mirroring the tag byte CanonicalBytes already
// prepends for hashing.
type wireEntry struct {
	Hash gcrypto.Hash `json:"hash"`

	Tag         string   `json:"tag"`
	Origin      *peer.ID `json:"origin,omitempty"`
	Ordinal     uint64   `json:"ordinal,omitempty"`
	ContentType string   `json:"content_type"`
	Content     []byte   `json:"content"`

	Proofs []Proof `json:"proofs"`
}

const (
	wireTagPeerRumor   = "peer"
	wireTagCommonRumor = "common"
)

// MarshalJSON implements [json.Marshaler].
func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{
		Hash:        e.Hash,
		ContentType: e.Value.ContentTypeTag(),
		Content:     e.Value.Payload(),
		Proofs:      e.Proofs,
	}

	switch v := e.Value.(type) {
	case PeerRumor:
		w.Tag = wireTagPeerRumor
		origin := v.OriginID
		w.Origin = &origin
		w.Ordinal = v.Ordinal
	case CommonRumor:
		w.Tag = wireTagCommonRumor
	default:
		return nil, fmt.Errorf("rumor: cannot marshal unknown Rumor variant %T", e.Value)
	}

	return json.Marshal(w)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (e *Entry) UnmarshalJSON(b []byte) error {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	e.Hash = w.Hash
	e.Proofs = w.Proofs

	switch w.Tag {
	case wireTagPeerRumor:
		if w.Origin == nil {
			return fmt.Errorf("rumor: peer rumor entry missing origin")
		}
		e.Value = PeerRumor{
			OriginID:    *w.Origin,
			Ordinal:     w.Ordinal,
			ContentType: w.ContentType,
			Content:     w.Content,
		}
	case wireTagCommonRumor:
		e.Value = CommonRumor{
			ContentType: w.ContentType,
			Content:     w.Content,
		}
	default:
		return fmt.Errorf("rumor: unknown rumor tag %q", w.Tag)
	}

	return nil
}
