// Package p2p implements [gossip.Transport] over a real go-libp2p host:
// each gossip round is a pair of request/response streams opened against
// dedicated protocol IDs, with peer discovery delegated to a Kademlia
// DHT. This is an alternative to httptransport for clusters that want
// libp2p's built-in NAT traversal, multiplexing, and peer identity
// instead of a flat HTTP peer list.
package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/ductridev/tessellation/gossip"
	tpeer "github.com/ductridev/tessellation/peer"
)

const (
	// ProtocolStart is the stream protocol ID for StartGossipRound.
	ProtocolStart = protocol.ID("/tessellation/gossip/start/1.0.0")

	// ProtocolEnd is the stream protocol ID for EndGossipRound.
	ProtocolEnd = protocol.ID("/tessellation/gossip/end/1.0.0")

	streamTimeout = 5 * time.Second
)

// IDMapper translates between this module's [tpeer.ID] and a libp2p
// [peer.ID], and back. Key/identity management at the libp2p layer is an
// external collaborator (spec.md §1); Transport only needs this
// translation, however the host derives its own identity.
type IDMapper interface {
	ToLibp2p(id tpeer.ID) (peer.ID, bool)
	FromLibp2p(id peer.ID) (tpeer.ID, bool)
}

// Transport implements [gossip.Transport] and [gossip.RoundReceiver]
// against a live libp2p host.
type Transport struct {
	log  *slog.Logger
	host host.Host
	dht  *dht.IpfsDHT
	ids  IDMapper

	mu    sync.RWMutex
	known map[tpeer.ID]peer.ID

	receiver gossip.RoundReceiver
}

// Config configures a Transport.
type Config struct {
	Host host.Host
	DHT  *dht.IpfsDHT
	IDs  IDMapper
}

// New wires up stream handlers for ProtocolStart/ProtocolEnd on cfg.Host.
// Call SetReceiver before any inbound stream can be served meaningfully;
// until then, inbound rounds are rejected.
func New(log *slog.Logger, cfg Config) *Transport {
	t := &Transport{
		log:   log.With("sys", "gossip.p2p"),
		host:  cfg.Host,
		dht:   cfg.DHT,
		ids:   cfg.IDs,
		known: make(map[tpeer.ID]peer.ID),
	}

	cfg.Host.SetStreamHandler(ProtocolStart, t.handleStartStream)
	cfg.Host.SetStreamHandler(ProtocolEnd, t.handleEndStream)

	return t
}

// SetReceiver installs the [gossip.RoundReceiver] that serves inbound
// rounds. Typically this is the node's own [gossip.Daemon].
func (t *Transport) SetReceiver(r gossip.RoundReceiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = r
}

// NoteObservedPeer records a libp2p peer as reachable under tid, for
// example after a successful DHT lookup or an inbound connection. Peers
// the Transport has never observed are excluded from [Transport.Peers].
func (t *Transport) NoteObservedPeer(tid tpeer.ID, lid peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.known[tid] = lid
}

// Peers implements [gossip.Transport].
func (t *Transport) Peers() []tpeer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]tpeer.ID, 0, len(t.known))
	for id := range t.known {
		out = append(out, id)
	}
	return out
}

func (t *Transport) libp2pID(target tpeer.ID) (peer.ID, error) {
	t.mu.RLock()
	lid, ok := t.known[target]
	t.mu.RUnlock()
	if ok {
		return lid, nil
	}

	if lid, ok := t.ids.ToLibp2p(target); ok {
		return lid, nil
	}

	return "", fmt.Errorf("p2p: no known libp2p address for peer %s", target)
}

// StartGossipRound implements [gossip.Transport].
func (t *Transport) StartGossipRound(ctx context.Context, target tpeer.ID, req gossip.StartGossipRoundRequest) (gossip.StartGossipRoundResponse, error) {
	var resp gossip.StartGossipRoundResponse
	err := t.roundTrip(ctx, target, ProtocolStart, req, &resp)
	return resp, err
}

// EndGossipRound implements [gossip.Transport].
func (t *Transport) EndGossipRound(ctx context.Context, target tpeer.ID, req gossip.EndGossipRoundRequest) (gossip.EndGossipRoundResponse, error) {
	var resp gossip.EndGossipRoundResponse
	err := t.roundTrip(ctx, target, ProtocolEnd, req, &resp)
	return resp, err
}

func (t *Transport) roundTrip(ctx context.Context, target tpeer.ID, proto protocol.ID, req, resp any) error {
	lid, err := t.libp2pID(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	s, err := t.host.NewStream(ctx, lid, proto)
	if err != nil {
		return fmt.Errorf("p2p: opening stream to %s: %w", target, err)
	}
	defer s.Close()

	_ = s.SetDeadline(time.Now().Add(streamTimeout))

	if err := json.NewEncoder(s).Encode(req); err != nil {
		return fmt.Errorf("p2p: encoding request to %s: %w", target, err)
	}
	if err := s.CloseWrite(); err != nil {
		return fmt.Errorf("p2p: closing write side to %s: %w", target, err)
	}

	if err := json.NewDecoder(bufio.NewReader(s)).Decode(resp); err != nil {
		return fmt.Errorf("p2p: decoding response from %s: %w", target, err)
	}

	return nil
}

func (t *Transport) handleStartStream(s network.Stream) {
	defer s.Close()

	from, ok := t.ids.FromLibp2p(s.Conn().RemotePeer())
	if !ok {
		t.log.Warn("Rejecting gossip/start stream from unmapped peer", "libp2p_peer", s.Conn().RemotePeer())
		return
	}

	var req gossip.StartGossipRoundRequest
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		t.log.Info("Failed to decode gossip/start request", "err", err)
		return
	}

	t.mu.RLock()
	recv := t.receiver
	t.mu.RUnlock()
	if recv == nil {
		t.log.Warn("No receiver installed; dropping gossip/start stream")
		return
	}

	resp := recv.HandleStart(context.Background(), from, req)
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		t.log.Info("Failed to encode gossip/start response", "err", err)
	}
}

func (t *Transport) handleEndStream(s network.Stream) {
	defer s.Close()

	from, ok := t.ids.FromLibp2p(s.Conn().RemotePeer())
	if !ok {
		t.log.Warn("Rejecting gossip/end stream from unmapped peer", "libp2p_peer", s.Conn().RemotePeer())
		return
	}

	var req gossip.EndGossipRoundRequest
	if err := json.NewDecoder(bufio.NewReader(s)).Decode(&req); err != nil {
		t.log.Info("Failed to decode gossip/end request", "err", err)
		return
	}

	t.mu.RLock()
	recv := t.receiver
	t.mu.RUnlock()
	if recv == nil {
		t.log.Warn("No receiver installed; dropping gossip/end stream")
		return
	}

	resp := recv.HandleEnd(context.Background(), from, req)
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		t.log.Info("Failed to encode gossip/end response", "err", err)
	}
}
