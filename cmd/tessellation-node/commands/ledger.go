package commands

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/ductridev/tessellation/consensus"
	"github.com/ductridev/tessellation/gcrypto"
	"github.com/ductridev/tessellation/peer"
)

// epoch is the simplest instantiation of consensus.Key this binary ships
// with: a monotonically incrementing round counter. A real deployment's
// ledger/block application logic is an external collaborator (spec.md §1)
// and would typically supply its own key type (a block height, a DAG
// round number); epoch exists so `run` has something concrete to drive
// without requiring a separate integration.
type epoch uint64

func (e epoch) Compare(o epoch) int {
	switch {
	case e < o:
		return -1
	case e > o:
		return 1
	default:
		return 0
	}
}

func (e epoch) Next() epoch { return e + 1 }

// batchArtifact is the simplest consensus.Artifact: the ordered list of
// opaque event payloads consumed into one round's proposal.
type batchArtifact struct {
	Events [][]byte
}

func (a batchArtifact) CanonicalBytes() []byte {
	var b []byte
	b = binary.BigEndian.AppendUint32(b, uint32(len(a.Events)))
	for _, e := range a.Events {
		b = binary.BigEndian.AppendUint32(b, uint32(len(e)))
		b = append(b, e...)
	}
	return b
}

// epochCodec marshals epoch and batchArtifact for consensus rumor and RPC
// payloads.
type epochCodec struct{}

func (epochCodec) MarshalKey(e epoch) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(e))
}

func (epochCodec) UnmarshalKey(b []byte) (epoch, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tessellation-node: expected 8 byte epoch, got %d", len(b))
	}
	return epoch(binary.BigEndian.Uint64(b)), nil
}

func (epochCodec) MarshalArtifact(a batchArtifact) []byte {
	return a.CanonicalBytes()
}

func (epochCodec) UnmarshalArtifact(b []byte) (batchArtifact, error) {
	if len(b) < 4 {
		return batchArtifact{}, fmt.Errorf("tessellation-node: artifact payload too short")
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]

	events := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return batchArtifact{}, fmt.Errorf("tessellation-node: truncated event length")
		}
		elen := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(elen) {
			return batchArtifact{}, fmt.Errorf("tessellation-node: truncated event payload")
		}
		events = append(events, append([]byte(nil), b[:elen]...))
		b = b[elen:]
	}
	return batchArtifact{Events: events}, nil
}

// ledgerFunctions implements consensus.Functions[epoch, batchArtifact] by
// concatenating every consumed event, ordered first by peer ID then by
// ordinal, into the proposal artifact. Applying a finished artifact to an
// actual ledger is left to the embedding application (spec.md §1); here it
// is only logged.
type ledgerFunctions struct {
	log *slog.Logger
}

func (f ledgerFunctions) CreateProposalArtifact(
	_ context.Context,
	_ consensus.LastKeyAndArtifact[epoch, batchArtifact],
	events map[peer.ID][]consensus.OrdinalEvent,
) (batchArtifact, map[peer.ID][]uint64, error) {
	origins := make([]peer.ID, 0, len(events))
	for p := range events {
		origins = append(origins, p)
	}
	peer.Sort(origins)

	var art batchArtifact
	consumed := make(map[peer.ID][]uint64, len(events))
	for _, p := range origins {
		for _, ev := range events[p] {
			art.Events = append(art.Events, ev.Payload)
			consumed[p] = append(consumed[p], ev.Ordinal)
		}
	}
	return art, consumed, nil
}

func (f ledgerFunctions) ConsumeSignedMajorityArtifact(_ context.Context, key epoch, signed gcrypto.Signed[batchArtifact]) error {
	f.log.Info("Consensus round finished", "epoch", uint64(key), "event_count", len(signed.Value.Events))
	return nil
}
